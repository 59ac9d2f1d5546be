package service

import (
	"context"
	"testing"
	"time"

	"github.com/dsr1111/toko-auction/internal/bidding"
	"github.com/dsr1111/toko-auction/shared/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateItemValidation(t *testing.T) {
	past := now.Add(-time.Hour)
	tests := []struct {
		name string
		req  models.CreateItemRequest
		want error
	}{
		{"blank name", models.CreateItemRequest{Name: "  "}, bidding.ErrValidation},
		{"off increment", models.CreateItemRequest{Name: "x", StartPrice: 15_000}, bidding.ErrInvalidPrice},
		{"below increment", models.CreateItemRequest{Name: "x", StartPrice: 5_000}, bidding.ErrInvalidPrice},
		{"negative quantity", models.CreateItemRequest{Name: "x", Quantity: -1}, bidding.ErrInvalidQuantity},
		{"past end", models.CreateItemRequest{Name: "x", EndTime: &past}, bidding.ErrValidation},
	}

	f := newFixture(t, nil, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreateItem(operator(), tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCreateItemDefaults(t *testing.T) {
	f := newFixture(t, nil, nil)

	v, err := f.svc.CreateItem(operator(), models.CreateItemRequest{Name: " Lantern "})
	require.NoError(t, err)

	assert.Equal(t, "Lantern", v.Name)
	assert.Equal(t, bidding.DefaultIncrement, v.StartPrice)
	assert.Equal(t, v.StartPrice, v.CurrentBid)
	assert.Equal(t, 1, v.Quantity)
	assert.Equal(t, 1, v.RemainingQuantity)
	assert.Equal(t, models.ItemStatusOpen, v.Status)
	assert.Equal(t, v.StartPrice, v.MinimumNextBid)

	got := f.notifications()
	require.Len(t, got, 1)
	assert.Equal(t, models.ActionAdded, got[0].Action)
}

func TestOperatorActionsRequireOperator(t *testing.T) {
	f := newFixture(t, nil, nil)
	item := f.listItem(t, 1)

	_, err := f.svc.CreateItem(bidder("alice"), models.CreateItemRequest{Name: "x"})
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = f.svc.CreateItem(context.Background(), models.CreateItemRequest{Name: "x"})
	assert.ErrorIs(t, err, ErrUnauthenticated)
	assert.ErrorIs(t, f.svc.DeleteItem(bidder("alice"), item.ID), ErrForbidden)
}

func TestUpdateItemEndsAuction(t *testing.T) {
	f := newFixture(t, nil, nil)
	item := f.listItem(t, 2)

	v, err := f.svc.UpdateItem(operator(), item.ID, models.UpdateItemRequest{EndTime: &now})
	require.NoError(t, err)
	assert.Equal(t, models.ItemStatusEnded, v.Status)

	_, err = f.svc.SubmitBid(bidder("alice"), item.ID, models.BidRequest{UnitPrice: 10_000, Quantity: 1})
	assert.ErrorIs(t, err, bidding.ErrAuctionEnded)

	v, err = f.svc.UpdateItem(operator(), item.ID, models.UpdateItemRequest{ClearEnd: true})
	require.NoError(t, err)
	assert.Equal(t, models.ItemStatusOpen, v.Status)
	assert.Nil(t, v.EndTime)

	last := f.notifications()[len(f.notifications())-1]
	assert.Equal(t, models.ActionAdded, last.Action)
	assert.Equal(t, item.ID, *last.ItemID)
}

func TestDeleteItemNotifies(t *testing.T) {
	f := newFixture(t, nil, nil)
	item := f.listItem(t, 1)

	require.NoError(t, f.svc.DeleteItem(operator(), item.ID))

	_, err := f.svc.GetItem(context.Background(), item.ID)
	assert.ErrorIs(t, err, bidding.ErrNotFound)
	last := f.notifications()[len(f.notifications())-1]
	assert.Equal(t, models.ActionDeleted, last.Action)

	assert.ErrorIs(t, f.svc.DeleteItem(operator(), item.ID), bidding.ErrNotFound)
}

func TestAllocationAndSummary(t *testing.T) {
	f := newFixture(t, nil, nil)
	multi := f.listItem(t, 2)
	idle := f.listItem(t, 3)

	for _, b := range []struct {
		who   string
		price int64
	}{{"a", 70_000}, {"b", 50_000}, {"c", 60_000}} {
		_, err := f.svc.SubmitBid(bidder(b.who), multi.ID, models.BidRequest{UnitPrice: b.price, Quantity: 1})
		require.NoError(t, err)
	}

	alloc, err := f.svc.Allocation(context.Background(), multi.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(130_000), alloc.TotalValue)
	require.Len(t, alloc.Winners, 2)
	assert.Equal(t, "a", alloc.Winners[0].BidderIdentity)
	assert.Equal(t, "c", alloc.Winners[1].BidderIdentity)
	assert.Equal(t, now, alloc.ComputedAt)

	sum, err := f.svc.Summary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Items)
	assert.Equal(t, int64(130_000+3*idle.StartPrice), sum.TotalValue)

	next, err := f.svc.MinimumNextBid(context.Background(), multi.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(70_000), next)

	views, err := f.svc.ListItems(context.Background())
	require.NoError(t, err)
	require.Len(t, views, 2)
}
