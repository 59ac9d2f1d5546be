package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/dsr1111/toko-auction/internal/bidding"
	"github.com/dsr1111/toko-auction/internal/store"
	"github.com/dsr1111/toko-auction/shared/models"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// PostgresClient is the PostgreSQL-backed item store and bid ledger
type PostgresClient struct {
	db     *sql.DB
	tracer trace.Tracer
	now    func() time.Time
}

// NewPostgresClient creates a new PostgreSQL client
func NewPostgresClient(connStr string) (*PostgresClient, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return NewPostgresClientFromDB(db), nil
}

// NewPostgresClientFromDB wraps an existing connection pool
func NewPostgresClientFromDB(db *sql.DB) *PostgresClient {
	return &PostgresClient{
		db:     db,
		tracer: otel.Tracer("toko-auction/database"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// InitSchema creates the necessary database tables
func (c *PostgresClient) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS items (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		start_price BIGINT NOT NULL CHECK (start_price > 0),
		current_bid BIGINT NOT NULL,
		last_bidder_nickname TEXT NOT NULL DEFAULT '',
		quantity INT NOT NULL CHECK (quantity >= 1),
		remaining_quantity INT NOT NULL,
		end_time TIMESTAMPTZ,
		version BIGINT NOT NULL DEFAULT 1,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CHECK (current_bid >= start_price),
		CHECK (remaining_quantity >= 0 AND remaining_quantity <= quantity)
	);

	CREATE TABLE IF NOT EXISTS bid_records (
		id BIGSERIAL PRIMARY KEY,
		item_id BIGINT NOT NULL REFERENCES items(id) ON DELETE CASCADE,
		bid_amount BIGINT NOT NULL CHECK (bid_amount > 0),
		bid_quantity INT NOT NULL CHECK (bid_quantity >= 1),
		bidder_nickname TEXT NOT NULL,
		bidder_identity TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS item_allocations (
		item_id BIGINT PRIMARY KEY REFERENCES items(id) ON DELETE CASCADE,
		allocation JSONB NOT NULL,
		computed_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_bid_records_item_id ON bid_records(item_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_bid_records_amount ON bid_records(bid_amount DESC, created_at);
	CREATE INDEX IF NOT EXISTS idx_items_created_at ON items(created_at DESC);
	`

	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", classify(err))
	}
	return nil
}

// Ping checks the connection
func (c *PostgresClient) Ping(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return classify(err)
	}
	return nil
}

const itemColumns = `id, name, start_price, current_bid, last_bidder_nickname, quantity,
	remaining_quantity, end_time, version, created_at, updated_at`

const bidColumns = `id, item_id, bid_amount, bid_quantity, bidder_nickname, bidder_identity, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (models.Item, error) {
	var (
		it  models.Item
		end sql.NullTime
	)
	err := row.Scan(&it.ID, &it.Name, &it.StartPrice, &it.CurrentBid, &it.LastBidderNickname,
		&it.Quantity, &it.RemainingQuantity, &end, &it.Version, &it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		return it, err
	}
	if end.Valid {
		t := end.Time.UTC()
		it.EndTime = &t
	}
	it.CreatedAt = it.CreatedAt.UTC()
	it.UpdatedAt = it.UpdatedAt.UTC()
	return it, nil
}

func scanBids(rows *sql.Rows) ([]models.BidRecord, error) {
	defer rows.Close()

	var bids []models.BidRecord
	for rows.Next() {
		var b models.BidRecord
		if err := rows.Scan(&b.ID, &b.ItemID, &b.BidAmount, &b.BidQuantity,
			&b.BidderNickname, &b.BidderIdentity, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan bid: %w", err)
		}
		b.CreatedAt = b.CreatedAt.UTC()
		bids = append(bids, b)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return bids, nil
}

// ListItems returns all items, newest first
func (c *PostgresClient) ListItems(ctx context.Context) ([]models.Item, error) {
	ctx, span := c.tracer.Start(ctx, "items.list")
	defer span.End()

	rows, err := c.db.QueryContext(ctx, `SELECT `+itemColumns+` FROM items ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, c.fail(span, fmt.Errorf("failed to query items: %w", classify(err)))
	}
	defer rows.Close()

	var items []models.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, c.fail(span, fmt.Errorf("failed to scan item: %w", err))
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, c.fail(span, classify(err))
	}
	span.SetAttributes(attribute.Int("items.count", len(items)))
	return items, nil
}

// GetItem fetches a single item
func (c *PostgresClient) GetItem(ctx context.Context, id int64) (models.Item, error) {
	ctx, span := c.tracer.Start(ctx, "items.get", trace.WithAttributes(attribute.Int64("item.id", id)))
	defer span.End()

	it, err := scanItem(c.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = $1`, id))
	if err != nil {
		return models.Item{}, c.fail(span, itemError(id, err))
	}
	return it, nil
}

// CreateItem inserts an item and returns it with its assigned id
func (c *PostgresClient) CreateItem(ctx context.Context, item models.Item) (models.Item, error) {
	ctx, span := c.tracer.Start(ctx, "items.create")
	defer span.End()

	now := c.now()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	item.Version = 1

	err := c.db.QueryRowContext(ctx, `
		INSERT INTO items (name, start_price, current_bid, last_bidder_nickname, quantity,
			remaining_quantity, end_time, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`, item.Name, item.StartPrice, item.CurrentBid, item.LastBidderNickname, item.Quantity,
		item.RemainingQuantity, nullTime(item.EndTime), item.Version, item.CreatedAt, item.UpdatedAt,
	).Scan(&item.ID)
	if err != nil {
		return models.Item{}, c.fail(span, fmt.Errorf("failed to insert item: %w", classify(err)))
	}

	span.SetAttributes(attribute.Int64("item.id", item.ID))
	return item, nil
}

// UpdateItem applies an operator edit under the item's row lock
func (c *PostgresClient) UpdateItem(ctx context.Context, id int64, patch models.ItemPatch) (models.Item, error) {
	ctx, span := c.tracer.Start(ctx, "items.update", trace.WithAttributes(attribute.Int64("item.id", id)))
	defer span.End()

	var updated models.Item
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		it, err := scanItem(tx.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return itemError(id, err)
		}

		var units int
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(SUM(bid_quantity), 0) FROM bid_records WHERE item_id = $1`, id,
		).Scan(&units); err != nil {
			return fmt.Errorf("failed to count bid units: %w", classify(err))
		}

		if patch.Name != nil {
			it.Name = *patch.Name
		}
		if patch.Quantity != nil {
			it.Quantity = *patch.Quantity
		}
		if patch.SetEndTime {
			it.EndTime = patch.EndTime
		}
		it.RemainingQuantity = store.RemainingAfter(it.Quantity, units)
		it.UpdatedAt = c.now()

		if err := c.writeItem(ctx, tx, it); err != nil {
			return err
		}
		it.Version++
		updated = it
		return nil
	})
	if err != nil {
		return models.Item{}, c.fail(span, err)
	}
	return updated, nil
}

// DeleteItem removes an item; its records and allocation go with it
func (c *PostgresClient) DeleteItem(ctx context.Context, id int64) error {
	ctx, span := c.tracer.Start(ctx, "items.delete", trace.WithAttributes(attribute.Int64("item.id", id)))
	defer span.End()

	result, err := c.db.ExecContext(ctx, `DELETE FROM items WHERE id = $1`, id)
	if err != nil {
		return c.fail(span, fmt.Errorf("failed to delete item: %w", classify(err)))
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return c.fail(span, fmt.Errorf("failed to get rows affected: %w", err))
	}
	if rows == 0 {
		return c.fail(span, fmt.Errorf("item %d: %w", id, bidding.ErrNotFound))
	}
	return nil
}

// ListBids returns an item's ledger, newest first
func (c *PostgresClient) ListBids(ctx context.Context, itemID int64) ([]models.BidRecord, error) {
	ctx, span := c.tracer.Start(ctx, "bids.list", trace.WithAttributes(attribute.Int64("item.id", itemID)))
	defer span.End()

	var exists bool
	if err := c.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM items WHERE id = $1)`, itemID).Scan(&exists); err != nil {
		return nil, c.fail(span, classify(err))
	}
	if !exists {
		return nil, c.fail(span, fmt.Errorf("item %d: %w", itemID, bidding.ErrNotFound))
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT `+bidColumns+`
		FROM bid_records
		WHERE item_id = $1
		ORDER BY created_at DESC, id DESC
	`, itemID)
	if err != nil {
		return nil, c.fail(span, fmt.Errorf("failed to query bids: %w", classify(err)))
	}
	bids, err := scanBids(rows)
	if err != nil {
		return nil, c.fail(span, err)
	}
	return bids, nil
}

// ListAllBids returns the whole ledger, highest amount first
func (c *PostgresClient) ListAllBids(ctx context.Context) ([]models.BidRecord, error) {
	ctx, span := c.tracer.Start(ctx, "bids.list_all")
	defer span.End()

	rows, err := c.db.QueryContext(ctx, `
		SELECT `+bidColumns+`
		FROM bid_records
		ORDER BY bid_amount DESC, created_at ASC, id ASC
	`)
	if err != nil {
		return nil, c.fail(span, fmt.Errorf("failed to query bids: %w", classify(err)))
	}
	bids, err := scanBids(rows)
	if err != nil {
		return nil, c.fail(span, err)
	}
	return bids, nil
}

// ApplyBid locks the item row, hands the committed state to decide and
// writes the result. The version guard on the UPDATE catches any writer
// that got past the lock.
func (c *PostgresClient) ApplyBid(ctx context.Context, itemID int64, decide store.DecideFunc) (models.Item, models.BidRecord, error) {
	ctx, span := c.tracer.Start(ctx, "bids.apply", trace.WithAttributes(attribute.Int64("item.id", itemID)))
	defer span.End()

	var (
		item   models.Item
		record models.BidRecord
	)
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		current, err := scanItem(tx.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = $1 FOR UPDATE`, itemID))
		if err != nil {
			return itemError(itemID, err)
		}

		rows, err := tx.QueryContext(ctx, `SELECT `+bidColumns+` FROM bid_records WHERE item_id = $1`, itemID)
		if err != nil {
			return fmt.Errorf("failed to query bids: %w", classify(err))
		}
		history, err := scanBids(rows)
		if err != nil {
			return err
		}
		span.SetAttributes(
			attribute.Int64("expected.version", current.Version),
			attribute.Int("history.count", len(history)),
		)

		next, rec, err := decide(current, history)
		if err != nil {
			return err
		}
		next.Version = current.Version
		if err := c.writeItem(ctx, tx, next); err != nil {
			return err
		}
		next.Version++

		rec.ItemID = itemID
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO bid_records (item_id, bid_amount, bid_quantity, bidder_nickname, bidder_identity, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id
		`, rec.ItemID, rec.BidAmount, rec.BidQuantity, rec.BidderNickname, rec.BidderIdentity, rec.CreatedAt,
		).Scan(&rec.ID); err != nil {
			return fmt.Errorf("failed to insert bid: %w", classify(err))
		}

		item, record = next, rec
		return nil
	})
	if err != nil {
		return models.Item{}, models.BidRecord{}, c.fail(span, err)
	}

	span.AddEvent("bid.appended", trace.WithAttributes(
		attribute.Int64("bid.id", record.ID),
		attribute.Int64("item.version", item.Version),
	))
	return item, record, nil
}

// writeItem stores it if the row is still at it.Version and bumps the version
func (c *PostgresClient) writeItem(ctx context.Context, tx *sql.Tx, it models.Item) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE items
		SET name = $1,
		    current_bid = $2,
		    last_bidder_nickname = $3,
		    quantity = $4,
		    remaining_quantity = $5,
		    end_time = $6,
		    updated_at = $7,
		    version = version + 1
		WHERE id = $8 AND version = $9
	`, it.Name, it.CurrentBid, it.LastBidderNickname, it.Quantity, it.RemainingQuantity,
		nullTime(it.EndTime), it.UpdatedAt, it.ID, it.Version)
	if err != nil {
		return fmt.Errorf("failed to update item: %w", classify(err))
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("item %d at version %d: %w", it.ID, it.Version, bidding.ErrConflict)
	}
	return nil
}

// SaveAllocation upserts the settlement snapshot for an item
func (c *PostgresClient) SaveAllocation(ctx context.Context, alloc models.Allocation) error {
	ctx, span := c.tracer.Start(ctx, "allocations.save", trace.WithAttributes(attribute.Int64("item.id", alloc.ItemID)))
	defer span.End()

	data, err := json.Marshal(alloc)
	if err != nil {
		return c.fail(span, fmt.Errorf("failed to marshal allocation: %w", err))
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO item_allocations (item_id, allocation, computed_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (item_id) DO UPDATE
		SET allocation = EXCLUDED.allocation, computed_at = EXCLUDED.computed_at
	`, alloc.ItemID, data, alloc.ComputedAt)
	if err != nil {
		return c.fail(span, fmt.Errorf("failed to save allocation: %w", classify(err)))
	}
	return nil
}

// GetAllocation loads the last stored snapshot
func (c *PostgresClient) GetAllocation(ctx context.Context, itemID int64) (models.Allocation, error) {
	ctx, span := c.tracer.Start(ctx, "allocations.get", trace.WithAttributes(attribute.Int64("item.id", itemID)))
	defer span.End()

	var data []byte
	err := c.db.QueryRowContext(ctx, `SELECT allocation FROM item_allocations WHERE item_id = $1`, itemID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Allocation{}, fmt.Errorf("allocation for item %d: %w", itemID, bidding.ErrNotFound)
	}
	if err != nil {
		return models.Allocation{}, c.fail(span, fmt.Errorf("failed to query allocation: %w", classify(err)))
	}

	var alloc models.Allocation
	if err := json.Unmarshal(data, &alloc); err != nil {
		return models.Allocation{}, c.fail(span, fmt.Errorf("failed to unmarshal allocation: %w", err))
	}
	return alloc, nil
}

// DeleteAllocation drops the snapshot, if any
func (c *PostgresClient) DeleteAllocation(ctx context.Context, itemID int64) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM item_allocations WHERE item_id = $1`, itemID); err != nil {
		return fmt.Errorf("failed to delete allocation: %w", classify(err))
	}
	return nil
}

// Close closes the database connection
func (c *PostgresClient) Close() error {
	return c.db.Close()
}

func (c *PostgresClient) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", classify(err))
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", classify(err))
	}
	return nil
}

func (c *PostgresClient) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func itemError(id int64, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("item %d: %w", id, bidding.ErrNotFound)
	}
	return fmt.Errorf("failed to load item %d: %w", id, classify(err))
}

// classify maps driver failures onto the bidding error taxonomy
func classify(err error) error {
	if err == nil {
		return nil
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "40001", pqErr.Code == "40P01":
			// serialization failure, deadlock
			return fmt.Errorf("%w: %s", bidding.ErrStoreUnavailable, pqErr.Message)
		case pqErr.Code == "23505":
			return fmt.Errorf("%w: %s", bidding.ErrConflict, pqErr.Message)
		case pqErr.Code == "23503":
			return fmt.Errorf("%w: %s", bidding.ErrNotFound, pqErr.Message)
		case pqErr.Code.Class() == "08", pqErr.Code.Class() == "57":
			// connection exception, operator intervention
			return fmt.Errorf("%w: %s", bidding.ErrStoreUnavailable, pqErr.Message)
		}
		return err
	}

	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", bidding.ErrStoreUnavailable, err)
	}
	return err
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ store.Store = (*PostgresClient)(nil)
