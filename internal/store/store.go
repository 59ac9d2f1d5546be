package store

import (
	"context"

	"github.com/dsr1111/toko-auction/shared/models"
)

// DecideFunc runs inside ApplyBid's transaction against the committed item and
// its full ledger. It returns the item state to write and the record to
// append, or an error that aborts the transaction.
type DecideFunc func(item models.Item, history []models.BidRecord) (models.Item, models.BidRecord, error)

// Store is the item store and bid ledger. Every implementation keeps the item
// row and its ledger append in one transaction, so a failed ApplyBid leaves
// both untouched.
type Store interface {
	Ping(ctx context.Context) error

	// ListItems returns every item, newest first
	ListItems(ctx context.Context) ([]models.Item, error)
	GetItem(ctx context.Context, id int64) (models.Item, error)
	// CreateItem assigns ID, Version and timestamps
	CreateItem(ctx context.Context, item models.Item) (models.Item, error)
	UpdateItem(ctx context.Context, id int64, patch models.ItemPatch) (models.Item, error)
	// DeleteItem removes the item together with its ledger and allocation
	DeleteItem(ctx context.Context, id int64) error

	// ListBids returns one item's records, newest first
	ListBids(ctx context.Context, itemID int64) ([]models.BidRecord, error)
	// ListAllBids returns every record ordered by amount, highest first
	ListAllBids(ctx context.Context) ([]models.BidRecord, error)

	ApplyBid(ctx context.Context, itemID int64, decide DecideFunc) (models.Item, models.BidRecord, error)

	SaveAllocation(ctx context.Context, alloc models.Allocation) error
	GetAllocation(ctx context.Context, itemID int64) (models.Allocation, error)
	DeleteAllocation(ctx context.Context, itemID int64) error
}

// RemainingAfter is the unallocated capacity left by a ledger holding
// bidUnits units in total
func RemainingAfter(quantity, bidUnits int) int {
	return max(quantity-bidUnits, 0)
}
