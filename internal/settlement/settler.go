package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dsr1111/toko-auction/internal/bidding"
	"github.com/dsr1111/toko-auction/shared/models"
	"github.com/rs/zerolog"
)

// Ledger is the part of the store the settler reads and writes
type Ledger interface {
	ListItems(ctx context.Context) ([]models.Item, error)
	GetItem(ctx context.Context, id int64) (models.Item, error)
	ListBids(ctx context.Context, itemID int64) ([]models.BidRecord, error)
	SaveAllocation(ctx context.Context, alloc models.Allocation) error
	DeleteAllocation(ctx context.Context, itemID int64) error
}

// Settler keeps the allocation snapshot of each item in step with its
// ledger. Every notification is only a trigger: the snapshot is always
// re-ranked from committed state, so replays and duplicates are harmless.
type Settler struct {
	ledger Ledger
	ranker bidding.Ranker
	now    func() time.Time
	log    zerolog.Logger
}

// NewSettler creates a settler
func NewSettler(ledger Ledger, ranker bidding.Ranker, log zerolog.Logger) *Settler {
	return &Settler{
		ledger: ledger,
		ranker: ranker,
		now:    func() time.Time { return time.Now().UTC() },
		log:    log.With().Str("component", "settler").Logger(),
	}
}

// Handle applies one notification
func (s *Settler) Handle(ctx context.Context, env models.Envelope) error {
	change, err := env.Change()
	if err != nil {
		return err
	}

	switch c := change.(type) {
	case models.ItemDeleted:
		return s.ledger.DeleteAllocation(ctx, c.ItemID)
	case models.BidPlaced:
		return s.Settle(ctx, c.ItemID)
	case models.ItemAdded:
		if id, ok := c.Item(); ok {
			return s.Settle(ctx, id)
		}
		return s.SettleAll(ctx)
	default:
		return fmt.Errorf("unhandled change %T", change)
	}
}

// Settle re-ranks one item and stores the snapshot. An item that no longer
// exists has its snapshot removed.
func (s *Settler) Settle(ctx context.Context, itemID int64) error {
	item, err := s.ledger.GetItem(ctx, itemID)
	if errors.Is(err, bidding.ErrNotFound) {
		return s.ledger.DeleteAllocation(ctx, itemID)
	}
	if err != nil {
		return fmt.Errorf("load item %d: %w", itemID, err)
	}

	bids, err := s.ledger.ListBids(ctx, itemID)
	if errors.Is(err, bidding.ErrNotFound) {
		return s.ledger.DeleteAllocation(ctx, itemID)
	}
	if err != nil {
		return fmt.Errorf("load bids for item %d: %w", itemID, err)
	}

	alloc := s.ranker.Rank(item, bids)
	alloc.ComputedAt = s.now()
	if err := s.ledger.SaveAllocation(ctx, alloc); err != nil {
		if errors.Is(err, bidding.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("save allocation for item %d: %w", itemID, err)
	}

	s.log.Debug().
		Int64("item_id", itemID).
		Int("units_sold", alloc.UnitsSold).
		Int64("total_value", alloc.TotalValue).
		Int64("settlement", alloc.Settlement.Total).
		Msg("allocation settled")
	return nil
}

// SettleAll re-ranks every item
func (s *Settler) SettleAll(ctx context.Context) error {
	items, err := s.ledger.ListItems(ctx)
	if err != nil {
		return fmt.Errorf("list items: %w", err)
	}
	var errs []error
	for _, it := range items {
		if err := s.Settle(ctx, it.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
