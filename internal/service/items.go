package service

import (
	"context"
	"strings"

	"github.com/dsr1111/toko-auction/internal/bidding"
	"github.com/dsr1111/toko-auction/internal/identity"
	"github.com/dsr1111/toko-auction/shared/models"
)

func requireOperator(ctx context.Context) (identity.Principal, error) {
	p, ok := identity.FromContext(ctx)
	if !ok {
		return p, ErrUnauthenticated
	}
	if !p.Operator {
		return p, ErrForbidden
	}
	return p, nil
}

// CreateItem lists a new item. A zero start price defaults to one increment
// and a zero quantity to one unit.
func (s *BiddingService) CreateItem(ctx context.Context, req models.CreateItemRequest) (models.ItemView, error) {
	p, err := requireOperator(ctx)
	if err != nil {
		return models.ItemView{}, err
	}

	now := s.opts.Now()
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return models.ItemView{}, &bidding.BidError{Err: bidding.ErrValidation, Detail: "name is required"}
	}
	if req.StartPrice == 0 {
		req.StartPrice = s.opts.Increment
	}
	if req.StartPrice < s.opts.Increment || req.StartPrice%s.opts.Increment != 0 {
		return models.ItemView{}, &bidding.BidError{Err: bidding.ErrInvalidPrice, Detail: "start price must be a positive multiple of the increment"}
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}
	if req.Quantity < 1 {
		return models.ItemView{}, &bidding.BidError{Err: bidding.ErrInvalidQuantity, Detail: "quantity must be at least 1"}
	}
	if req.EndTime != nil && !req.EndTime.After(now) {
		return models.ItemView{}, &bidding.BidError{Err: bidding.ErrValidation, Detail: "end time must be in the future"}
	}

	item, err := s.store.CreateItem(ctx, models.Item{
		Name:              name,
		StartPrice:        req.StartPrice,
		CurrentBid:        req.StartPrice,
		Quantity:          req.Quantity,
		RemainingQuantity: req.Quantity,
		EndTime:           req.EndTime,
		CreatedAt:         now,
	})
	if err != nil {
		return models.ItemView{}, err
	}

	s.log.Info().Int64("item_id", item.ID).Str("operator", p.Identity).Str("name", item.Name).Msg("item created")
	s.notify(ctx, models.ItemAdded{ItemID: item.ID})
	return s.view(item, nil), nil
}

// UpdateItem applies an operator edit. Setting the end time to now closes
// bidding immediately.
func (s *BiddingService) UpdateItem(ctx context.Context, id int64, req models.UpdateItemRequest) (models.ItemView, error) {
	p, err := requireOperator(ctx)
	if err != nil {
		return models.ItemView{}, err
	}

	patch := models.ItemPatch{Quantity: req.Quantity}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return models.ItemView{}, &bidding.BidError{Err: bidding.ErrValidation, ItemID: id, Detail: "name must not be empty"}
		}
		patch.Name = &name
	}
	if req.Quantity != nil && *req.Quantity < 1 {
		return models.ItemView{}, &bidding.BidError{Err: bidding.ErrInvalidQuantity, ItemID: id, Detail: "quantity must be at least 1"}
	}
	switch {
	case req.ClearEnd:
		patch.SetEndTime = true
	case req.EndTime != nil:
		end := req.EndTime.UTC()
		patch.EndTime, patch.SetEndTime = &end, true
	}

	item, err := retry(ctx, s, "update item", func() (models.Item, error) {
		return s.store.UpdateItem(ctx, id, patch)
	})
	if err != nil {
		return models.ItemView{}, err
	}

	s.log.Info().Int64("item_id", id).Str("operator", p.Identity).Int64("version", item.Version).Msg("item updated")
	s.notify(ctx, models.ItemAdded{ItemID: id})

	bids, err := s.store.ListBids(ctx, id)
	if err != nil {
		return models.ItemView{}, err
	}
	return s.view(item, bids), nil
}

// DeleteItem removes an item and its ledger
func (s *BiddingService) DeleteItem(ctx context.Context, id int64) error {
	p, err := requireOperator(ctx)
	if err != nil {
		return err
	}
	if err := s.store.DeleteItem(ctx, id); err != nil {
		return err
	}

	s.log.Info().Int64("item_id", id).Str("operator", p.Identity).Msg("item deleted")
	s.notify(ctx, models.ItemDeleted{ItemID: id})
	return nil
}

// ListItems returns every item, newest first, annotated for display
func (s *BiddingService) ListItems(ctx context.Context) ([]models.ItemView, error) {
	items, err := s.store.ListItems(ctx)
	if err != nil {
		return nil, err
	}
	all, err := s.store.ListAllBids(ctx)
	if err != nil {
		return nil, err
	}

	byItem := bidding.GroupByItem(all)
	views := make([]models.ItemView, len(items))
	for i, it := range items {
		views[i] = s.view(it, byItem[it.ID])
	}
	return views, nil
}

// GetItem returns one item annotated for display
func (s *BiddingService) GetItem(ctx context.Context, id int64) (models.ItemView, error) {
	item, err := s.store.GetItem(ctx, id)
	if err != nil {
		return models.ItemView{}, err
	}
	bids, err := s.store.ListBids(ctx, id)
	if err != nil {
		return models.ItemView{}, err
	}
	return s.view(item, bids), nil
}

// BidHistory returns an item's ledger, newest first
func (s *BiddingService) BidHistory(ctx context.Context, id int64) ([]models.BidRecord, error) {
	return s.store.ListBids(ctx, id)
}

// Allocation ranks an item's ledger as of now
func (s *BiddingService) Allocation(ctx context.Context, id int64) (models.Allocation, error) {
	item, err := s.store.GetItem(ctx, id)
	if err != nil {
		return models.Allocation{}, err
	}
	bids, err := s.store.ListBids(ctx, id)
	if err != nil {
		return models.Allocation{}, err
	}

	alloc := s.evaluator.Ranker().Rank(item, bids)
	alloc.ComputedAt = s.opts.Now()
	return alloc, nil
}

// Summary is the total committed value across all items
func (s *BiddingService) Summary(ctx context.Context) (models.Summary, error) {
	items, err := s.store.ListItems(ctx)
	if err != nil {
		return models.Summary{}, err
	}
	all, err := s.store.ListAllBids(ctx)
	if err != nil {
		return models.Summary{}, err
	}

	sum := s.evaluator.Ranker().Summarize(items, bidding.GroupByItem(all))
	sum.ComputedAt = s.opts.Now()
	return sum, nil
}

// MinimumNextBid is the lowest unit price currently admitted for quantity
// units of an item
func (s *BiddingService) MinimumNextBid(ctx context.Context, id int64, quantity int) (int64, error) {
	item, err := s.store.GetItem(ctx, id)
	if err != nil {
		return 0, err
	}
	bids, err := s.store.ListBids(ctx, id)
	if err != nil {
		return 0, err
	}
	return s.evaluator.MinimumNextBid(item, bids, quantity), nil
}

// Ping checks the store
func (s *BiddingService) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *BiddingService) view(item models.Item, bids []models.BidRecord) models.ItemView {
	return models.ItemView{
		Item:           item,
		Status:         bidding.Status(item, s.opts.Now()),
		MinimumNextBid: s.evaluator.MinimumNextBid(item, bids, 1),
	}
}
