package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/dsr1111/toko-auction/internal/bidding"
	"github.com/dsr1111/toko-auction/internal/store"
	"github.com/dsr1111/toko-auction/shared/models"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// setupTestDB connects to the PostgreSQL named by the PG* variables and
// skips the test when it is not reachable.
func setupTestDB(t *testing.T) *PostgresClient {
	t.Helper()

	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		envOr("PGHOST", "localhost"), envOr("PGPORT", "5432"), envOr("PGUSER", "user"),
		envOr("PGPASSWORD", "password"), envOr("PGDATABASE", "testdb"))

	db, err := sql.Open("postgres", connStr)
	require.NoError(t, err)
	if err := db.Ping(); err != nil {
		db.Close()
		t.Skipf("skipping postgres tests: could not connect: %v", err)
	}

	c := NewPostgresClientFromDB(db)
	ctx := context.Background()
	require.NoError(t, c.InitSchema(ctx))
	_, err = db.ExecContext(ctx, `TRUNCATE items RESTART IDENTITY CASCADE`)
	require.NoError(t, err)

	t.Cleanup(func() { c.Close() })
	return c
}

func createItem(t *testing.T, c *PostgresClient, quantity int) models.Item {
	t.Helper()
	item, err := c.CreateItem(context.Background(), models.Item{
		Name:              "Lantern",
		StartPrice:        10_000,
		CurrentBid:        10_000,
		Quantity:          quantity,
		RemainingQuantity: quantity,
	})
	require.NoError(t, err)
	return item
}

func decideWith(e *bidding.Evaluator, price int64, qty int, who string) store.DecideFunc {
	return func(item models.Item, history []models.BidRecord) (models.Item, models.BidRecord, error) {
		d, err := e.Evaluate(&item, history, bidding.Bid{
			UnitPrice: price,
			Quantity:  qty,
			Bidder:    models.Bidder{Identity: who},
		}, time.Now().UTC())
		if err != nil {
			return models.Item{}, models.BidRecord{}, err
		}
		return d.Item, d.Record, nil
	}
}

func TestPostgresApplyBid(t *testing.T) {
	c := setupTestDB(t)
	ctx := context.Background()
	e := bidding.NewEvaluator(bidding.DefaultIncrement, bidding.DefaultFees)
	item := createItem(t, c, 2)

	updated, rec, err := c.ApplyBid(ctx, item.ID, decideWith(e, 20_000, 1, "alice"))
	require.NoError(t, err)
	assert.NotZero(t, rec.ID)
	assert.Equal(t, item.Version+1, updated.Version)
	assert.Equal(t, 1, updated.RemainingQuantity)

	stored, err := c.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, updated.Version, stored.Version)
	assert.Equal(t, int64(20_000), stored.CurrentBid)

	bids, err := c.ListBids(ctx, item.ID)
	require.NoError(t, err)
	require.Len(t, bids, 1)
	assert.Equal(t, "alice", bids[0].BidderIdentity)
}

func TestPostgresRejectedBidRollsBack(t *testing.T) {
	c := setupTestDB(t)
	ctx := context.Background()
	e := bidding.NewEvaluator(bidding.DefaultIncrement, bidding.DefaultFees)
	item := createItem(t, c, 1)

	_, _, err := c.ApplyBid(ctx, item.ID, decideWith(e, 15_000, 1, "alice"))
	assert.ErrorIs(t, err, bidding.ErrInvalidPrice)

	stored, err := c.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, item.Version, stored.Version)
	bids, err := c.ListBids(ctx, item.ID)
	require.NoError(t, err)
	assert.Empty(t, bids)
}

func TestPostgresConcurrentBids(t *testing.T) {
	c := setupTestDB(t)
	ctx := context.Background()
	e := bidding.NewEvaluator(bidding.DefaultIncrement, bidding.DefaultFees)
	item := createItem(t, c, 1)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := c.ApplyBid(ctx, item.ID, decideWith(e, 30_000, 1, fmt.Sprintf("bidder-%d", i)))
			if err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, bidding.ErrBidTooLow)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, accepted)
}

func TestPostgresDeleteCascades(t *testing.T) {
	c := setupTestDB(t)
	ctx := context.Background()
	e := bidding.NewEvaluator(bidding.DefaultIncrement, bidding.DefaultFees)
	item := createItem(t, c, 1)
	_, _, err := c.ApplyBid(ctx, item.ID, decideWith(e, 10_000, 1, "alice"))
	require.NoError(t, err)
	require.NoError(t, c.SaveAllocation(ctx, models.Allocation{ItemID: item.ID, ComputedAt: time.Now().UTC()}))

	require.NoError(t, c.DeleteItem(ctx, item.ID))

	_, err = c.GetItem(ctx, item.ID)
	assert.ErrorIs(t, err, bidding.ErrNotFound)
	all, err := c.ListAllBids(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
	_, err = c.GetAllocation(ctx, item.ID)
	assert.ErrorIs(t, err, bidding.ErrNotFound)
	assert.ErrorIs(t, c.DeleteItem(ctx, item.ID), bidding.ErrNotFound)
}

func TestPostgresUpdateItem(t *testing.T) {
	c := setupTestDB(t)
	ctx := context.Background()
	item := createItem(t, c, 2)

	end := time.Now().UTC().Add(time.Hour).Truncate(time.Microsecond)
	qty := 4
	updated, err := c.UpdateItem(ctx, item.ID, models.ItemPatch{Quantity: &qty, EndTime: &end, SetEndTime: true})
	require.NoError(t, err)
	assert.Equal(t, 4, updated.RemainingQuantity)
	require.NotNil(t, updated.EndTime)

	stored, err := c.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, updated.Version, stored.Version)
	assert.True(t, end.Equal(*stored.EndTime))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		code pq.ErrorCode
		want error
	}{
		{"40001", bidding.ErrStoreUnavailable},
		{"40P01", bidding.ErrStoreUnavailable},
		{"08006", bidding.ErrStoreUnavailable},
		{"23505", bidding.ErrConflict},
		{"23503", bidding.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.ErrorIs(t, classify(&pq.Error{Code: tt.code}), tt.want)
		})
	}

	plain := &pq.Error{Code: "22001"}
	assert.Same(t, plain, classify(plain))
}
