package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dsr1111/toko-auction/internal/bidding"
	"github.com/dsr1111/toko-auction/shared/models"
)

// Memory is an in-process Store. Each item has its own lock held for the
// whole read-validate-write of a bid; the map lock is only held for lookups.
type Memory struct {
	mu          sync.RWMutex
	items       map[int64]*models.Item
	bids        map[int64][]models.BidRecord
	allocations map[int64]models.Allocation
	locks       map[int64]*sync.Mutex
	nextItemID  int64
	nextBidID   int64

	now func() time.Time
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		items:       make(map[int64]*models.Item),
		bids:        make(map[int64][]models.BidRecord),
		allocations: make(map[int64]models.Allocation),
		locks:       make(map[int64]*sync.Mutex),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the store's time source
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *Memory) ListItems(ctx context.Context) ([]models.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	items := make([]models.Item, 0, len(m.items))
	for _, it := range m.items {
		items = append(items, *it)
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].ID > items[j].ID
	})
	return items, nil
}

func (m *Memory) GetItem(ctx context.Context, id int64) (models.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	it, ok := m.items[id]
	if !ok {
		return models.Item{}, fmt.Errorf("item %d: %w", id, bidding.ErrNotFound)
	}
	return *it, nil
}

func (m *Memory) CreateItem(ctx context.Context, item models.Item) (models.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextItemID++
	now := m.now()
	item.ID = m.nextItemID
	item.Version = 1
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now

	stored := item
	m.items[item.ID] = &stored
	m.locks[item.ID] = &sync.Mutex{}
	return item, nil
}

func (m *Memory) UpdateItem(ctx context.Context, id int64, patch models.ItemPatch) (models.Item, error) {
	unlock, err := m.lockItem(id)
	if err != nil {
		return models.Item{}, err
	}
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.items[id]
	if !ok {
		return models.Item{}, fmt.Errorf("item %d: %w", id, bidding.ErrNotFound)
	}

	next := *it
	if patch.Name != nil {
		next.Name = *patch.Name
	}
	if patch.Quantity != nil {
		next.Quantity = *patch.Quantity
	}
	if patch.SetEndTime {
		next.EndTime = patch.EndTime
	}
	next.RemainingQuantity = RemainingAfter(next.Quantity, unitsOf(m.bids[id]))
	next.Version++
	next.UpdatedAt = m.now()

	*it = next
	return next, nil
}

func (m *Memory) DeleteItem(ctx context.Context, id int64) error {
	unlock, err := m.lockItem(id)
	if err != nil {
		return err
	}
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.items[id]; !ok {
		return fmt.Errorf("item %d: %w", id, bidding.ErrNotFound)
	}
	delete(m.items, id)
	delete(m.bids, id)
	delete(m.allocations, id)
	// the lock entry stays so that waiters holding it see the item gone
	return nil
}

func (m *Memory) ListBids(ctx context.Context, itemID int64) ([]models.BidRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.items[itemID]; !ok {
		return nil, fmt.Errorf("item %d: %w", itemID, bidding.ErrNotFound)
	}
	out := append([]models.BidRecord(nil), m.bids[itemID]...)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (m *Memory) ListAllBids(ctx context.Context) ([]models.BidRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.BidRecord
	for _, recs := range m.bids {
		out = append(out, recs...)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.BidAmount != b.BidAmount {
			return a.BidAmount > b.BidAmount
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return out, nil
}

func (m *Memory) ApplyBid(ctx context.Context, itemID int64, decide DecideFunc) (models.Item, models.BidRecord, error) {
	unlock, err := m.lockItem(itemID)
	if err != nil {
		return models.Item{}, models.BidRecord{}, err
	}
	defer unlock()

	m.mu.RLock()
	it, ok := m.items[itemID]
	if !ok {
		m.mu.RUnlock()
		return models.Item{}, models.BidRecord{}, fmt.Errorf("item %d: %w", itemID, bidding.ErrNotFound)
	}
	current := *it
	history := append([]models.BidRecord(nil), m.bids[itemID]...)
	m.mu.RUnlock()

	next, record, err := decide(current, history)
	if err != nil {
		return models.Item{}, models.BidRecord{}, err
	}
	if err := ctx.Err(); err != nil {
		return models.Item{}, models.BidRecord{}, fmt.Errorf("apply bid: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok = m.items[itemID]
	if !ok {
		return models.Item{}, models.BidRecord{}, fmt.Errorf("item %d: %w", itemID, bidding.ErrNotFound)
	}
	if it.Version != current.Version {
		return models.Item{}, models.BidRecord{}, fmt.Errorf("item %d at version %d: %w", itemID, current.Version, bidding.ErrConflict)
	}

	m.nextBidID++
	record.ID = m.nextBidID
	record.ItemID = itemID
	m.bids[itemID] = append(m.bids[itemID], record)
	*it = next
	return next, record, nil
}

func (m *Memory) SaveAllocation(ctx context.Context, alloc models.Allocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.items[alloc.ItemID]; !ok {
		return fmt.Errorf("item %d: %w", alloc.ItemID, bidding.ErrNotFound)
	}
	m.allocations[alloc.ItemID] = alloc
	return nil
}

func (m *Memory) GetAllocation(ctx context.Context, itemID int64) (models.Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	alloc, ok := m.allocations[itemID]
	if !ok {
		return models.Allocation{}, fmt.Errorf("allocation for item %d: %w", itemID, bidding.ErrNotFound)
	}
	return alloc, nil
}

func (m *Memory) DeleteAllocation(ctx context.Context, itemID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.allocations, itemID)
	return nil
}

func (m *Memory) lockItem(id int64) (func(), error) {
	m.mu.RLock()
	l, ok := m.locks[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("item %d: %w", id, bidding.ErrNotFound)
	}
	l.Lock()
	return l.Unlock, nil
}

func unitsOf(records []models.BidRecord) int {
	var n int
	for _, r := range records {
		n += r.BidQuantity
	}
	return n
}

var _ Store = (*Memory)(nil)
