package embedded

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dsr1111/toko-auction/internal/bidding"
	"github.com/dsr1111/toko-auction/internal/store"
	"github.com/dsr1111/toko-auction/shared/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SQLiteStore is a single-node Store on an embedded SQLite file. Writes
// funnel through one connection, so an item transaction never interleaves
// with another writer.
type SQLiteStore struct {
	db  *gorm.DB
	now func() time.Time
}

// Open opens (or creates) the database at path and migrates the schema.
// Use ":memory:" for a throwaway store.
func Open(path string) (*SQLiteStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("db handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&itemRow{}, &bidRow{}, &allocationRow{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("db migrate: %w", err)
	}

	return &SQLiteStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close closes the underlying database
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return classify(err)
	}
	return classify(sqlDB.PingContext(ctx))
}

func (s *SQLiteStore) ListItems(ctx context.Context) ([]models.Item, error) {
	var rows []itemRow
	if err := s.db.WithContext(ctx).Order("created_at DESC, id DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list items: %w", classify(err))
	}
	items := make([]models.Item, len(rows))
	for i, r := range rows {
		items[i] = r.model()
	}
	return items, nil
}

func (s *SQLiteStore) GetItem(ctx context.Context, id int64) (models.Item, error) {
	row, err := loadItem(s.db.WithContext(ctx), id)
	if err != nil {
		return models.Item{}, err
	}
	return row.model(), nil
}

func (s *SQLiteStore) CreateItem(ctx context.Context, item models.Item) (models.Item, error) {
	now := s.now()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	item.Version = 1
	item.ID = 0

	row := toItemRow(item)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return models.Item{}, fmt.Errorf("create item: %w", classify(err))
	}
	return row.model(), nil
}

func (s *SQLiteStore) UpdateItem(ctx context.Context, id int64, patch models.ItemPatch) (models.Item, error) {
	var updated models.Item
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := loadItem(tx, id)
		if err != nil {
			return err
		}

		var units int64
		if err := tx.Model(&bidRow{}).Where("item_id = ?", id).
			Select("COALESCE(SUM(bid_quantity), 0)").Scan(&units).Error; err != nil {
			return fmt.Errorf("count bid units: %w", classify(err))
		}

		it := row.model()
		if patch.Name != nil {
			it.Name = *patch.Name
		}
		if patch.Quantity != nil {
			it.Quantity = *patch.Quantity
		}
		if patch.SetEndTime {
			it.EndTime = patch.EndTime
		}
		it.RemainingQuantity = store.RemainingAfter(it.Quantity, int(units))
		it.UpdatedAt = s.now()

		if err := writeItem(tx, it, row.Version); err != nil {
			return err
		}
		it.Version = row.Version + 1
		updated = it
		return nil
	})
	if err != nil {
		return models.Item{}, err
	}
	return updated, nil
}

func (s *SQLiteStore) DeleteItem(ctx context.Context, id int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&itemRow{}, id)
		if res.Error != nil {
			return fmt.Errorf("delete item: %w", classify(res.Error))
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("item %d: %w", id, bidding.ErrNotFound)
		}
		if err := tx.Where("item_id = ?", id).Delete(&bidRow{}).Error; err != nil {
			return fmt.Errorf("delete bids: %w", classify(err))
		}
		if err := tx.Where("item_id = ?", id).Delete(&allocationRow{}).Error; err != nil {
			return fmt.Errorf("delete allocation: %w", classify(err))
		}
		return nil
	})
}

func (s *SQLiteStore) ListBids(ctx context.Context, itemID int64) ([]models.BidRecord, error) {
	db := s.db.WithContext(ctx)
	if _, err := loadItem(db, itemID); err != nil {
		return nil, err
	}

	var rows []bidRow
	if err := db.Where("item_id = ?", itemID).Order("created_at DESC, id DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list bids: %w", classify(err))
	}
	return bidModels(rows), nil
}

func (s *SQLiteStore) ListAllBids(ctx context.Context) ([]models.BidRecord, error) {
	var rows []bidRow
	if err := s.db.WithContext(ctx).Order("bid_amount DESC, created_at ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list bids: %w", classify(err))
	}
	return bidModels(rows), nil
}

// ApplyBid runs decide and the compare-and-swap on the item version in one
// transaction
func (s *SQLiteStore) ApplyBid(ctx context.Context, itemID int64, decide store.DecideFunc) (models.Item, models.BidRecord, error) {
	var (
		item   models.Item
		record models.BidRecord
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := loadItem(tx, itemID)
		if err != nil {
			return err
		}

		var bids []bidRow
		if err := tx.Where("item_id = ?", itemID).Find(&bids).Error; err != nil {
			return fmt.Errorf("load bids: %w", classify(err))
		}

		next, rec, err := decide(row.model(), bidModels(bids))
		if err != nil {
			return err
		}
		if err := writeItem(tx, next, row.Version); err != nil {
			return err
		}
		next.Version = row.Version + 1

		rec.ItemID = itemID
		br := toBidRow(rec)
		br.ID = 0
		if err := tx.Create(&br).Error; err != nil {
			return fmt.Errorf("insert bid: %w", classify(err))
		}

		item, record = next, br.model()
		return nil
	})
	if err != nil {
		return models.Item{}, models.BidRecord{}, err
	}
	return item, record, nil
}

func (s *SQLiteStore) SaveAllocation(ctx context.Context, alloc models.Allocation) error {
	data, err := json.Marshal(alloc)
	if err != nil {
		return fmt.Errorf("marshal allocation: %w", err)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := loadItem(tx, alloc.ItemID); err != nil {
			return err
		}
		row := allocationRow{ItemID: alloc.ItemID, Allocation: data, ComputedAt: alloc.ComputedAt}
		if err := tx.Save(&row).Error; err != nil {
			return fmt.Errorf("save allocation: %w", classify(err))
		}
		return nil
	})
}

func (s *SQLiteStore) GetAllocation(ctx context.Context, itemID int64) (models.Allocation, error) {
	var row allocationRow
	err := s.db.WithContext(ctx).First(&row, "item_id = ?", itemID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Allocation{}, fmt.Errorf("allocation for item %d: %w", itemID, bidding.ErrNotFound)
	}
	if err != nil {
		return models.Allocation{}, fmt.Errorf("get allocation: %w", classify(err))
	}

	var alloc models.Allocation
	if err := json.Unmarshal(row.Allocation, &alloc); err != nil {
		return models.Allocation{}, fmt.Errorf("unmarshal allocation: %w", err)
	}
	return alloc, nil
}

func (s *SQLiteStore) DeleteAllocation(ctx context.Context, itemID int64) error {
	if err := s.db.WithContext(ctx).Where("item_id = ?", itemID).Delete(&allocationRow{}).Error; err != nil {
		return fmt.Errorf("delete allocation: %w", classify(err))
	}
	return nil
}

func loadItem(db *gorm.DB, id int64) (itemRow, error) {
	var row itemRow
	err := db.First(&row, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return row, fmt.Errorf("item %d: %w", id, bidding.ErrNotFound)
	}
	if err != nil {
		return row, fmt.Errorf("load item %d: %w", id, classify(err))
	}
	return row, nil
}

// writeItem updates the row only if it is still at version
func writeItem(tx *gorm.DB, it models.Item, version int64) error {
	res := tx.Model(&itemRow{}).
		Where("id = ? AND version = ?", it.ID, version).
		Updates(map[string]any{
			"name":                 it.Name,
			"current_bid":          it.CurrentBid,
			"last_bidder_nickname": it.LastBidderNickname,
			"quantity":             it.Quantity,
			"remaining_quantity":   it.RemainingQuantity,
			"end_time":             it.EndTime,
			"updated_at":           it.UpdatedAt,
			"version":              version + 1,
		})
	if res.Error != nil {
		return fmt.Errorf("update item: %w", classify(res.Error))
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("item %d at version %d: %w", it.ID, version, bidding.ErrConflict)
	}
	return nil
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY") {
		return fmt.Errorf("%w: %v", bidding.ErrStoreUnavailable, err)
	}
	if strings.Contains(msg, "UNIQUE") {
		return fmt.Errorf("%w: %v", bidding.ErrConflict, err)
	}
	return err
}

var _ store.Store = (*SQLiteStore)(nil)
