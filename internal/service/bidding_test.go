package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dsr1111/toko-auction/internal/bidding"
	"github.com/dsr1111/toko-auction/internal/identity"
	"github.com/dsr1111/toko-auction/internal/notify"
	"github.com/dsr1111/toko-auction/internal/store"
	"github.com/dsr1111/toko-auction/shared/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	svc    *BiddingService
	store  *store.Memory
	broker *notify.Memory

	mu       sync.Mutex
	received []models.Envelope
}

func newFixture(t *testing.T, s store.Store, pub notify.Publisher) *fixture {
	t.Helper()
	f := &fixture{broker: notify.NewMemory()}
	if s == nil {
		f.store = store.NewMemory().WithClock(func() time.Time { return now })
		s = f.store
	}
	if pub == nil {
		pub = f.broker
	}
	_, err := f.broker.Subscribe(context.Background(), func(env models.Envelope) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.received = append(f.received, env)
	})
	require.NoError(t, err)

	opts := DefaultOptions()
	opts.Now = func() time.Time { return now }
	svc, err := NewBiddingService(s, pub, opts, zerolog.Nop())
	require.NoError(t, err)
	f.svc = svc
	return f
}

func (f *fixture) notifications() []models.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Envelope(nil), f.received...)
}

func operator() context.Context {
	return identity.WithPrincipal(context.Background(), identity.Principal{Identity: "ops", Operator: true})
}

func bidder(id string) context.Context {
	return identity.WithPrincipal(context.Background(), identity.Principal{Identity: id, Nickname: id + "-nick"})
}

func (f *fixture) listItem(t *testing.T, quantity int) models.ItemView {
	t.Helper()
	v, err := f.svc.CreateItem(operator(), models.CreateItemRequest{Name: "Lantern", StartPrice: 10_000, Quantity: quantity})
	require.NoError(t, err)
	return v
}

func TestSubmitBidAccepted(t *testing.T) {
	f := newFixture(t, nil, nil)
	item := f.listItem(t, 2)
	before := len(f.notifications())

	resp, err := f.svc.SubmitBid(bidder("alice"), item.ID, models.BidRequest{UnitPrice: 50_000, Quantity: 1})
	require.NoError(t, err)

	assert.Equal(t, int64(50_000), resp.Item.CurrentBid)
	assert.Equal(t, "alice-nick", resp.Item.LastBidderNickname)
	assert.Equal(t, 1, resp.Item.RemainingQuantity)
	assert.Equal(t, int64(55_000), resp.EffectivePrice)
	assert.Equal(t, int64(55_000), resp.EffectiveAmount)
	assert.Equal(t, int64(10_000), resp.MinimumNextBid)
	assert.Equal(t, "alice", resp.Bid.BidderIdentity)

	bids, err := f.svc.BidHistory(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Len(t, bids, 1)

	after := f.notifications()[before:]
	require.Len(t, after, 1)
	assert.Equal(t, models.ActionBid, after[0].Action)
	assert.Equal(t, item.ID, *after[0].ItemID)
}

func TestSubmitBidKeepsLeaderOnMultiUnitItem(t *testing.T) {
	f := newFixture(t, nil, nil)
	item := f.listItem(t, 2)

	_, err := f.svc.SubmitBid(bidder("alice"), item.ID, models.BidRequest{UnitPrice: 50_000, Quantity: 1})
	require.NoError(t, err)

	// bob fills the open unit below alice
	resp, err := f.svc.SubmitBid(bidder("bob"), item.ID, models.BidRequest{UnitPrice: 20_000, Quantity: 1})
	require.NoError(t, err)
	assert.Equal(t, "bob-nick", resp.Bid.BidderNickname)
	assert.Equal(t, int64(50_000), resp.Item.CurrentBid)
	assert.Equal(t, "alice-nick", resp.Item.LastBidderNickname)
	assert.Equal(t, 0, resp.Item.RemainingQuantity)

	// carol outbids both and takes the lead
	resp, err = f.svc.SubmitBid(bidder("carol"), item.ID, models.BidRequest{UnitPrice: 60_000, Quantity: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(60_000), resp.Item.CurrentBid)
	assert.Equal(t, "carol-nick", resp.Item.LastBidderNickname)

	stored, err := f.svc.GetItem(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(60_000), stored.CurrentBid)
	assert.Equal(t, "carol-nick", stored.LastBidderNickname)
}

func TestSubmitBidRequiresPrincipal(t *testing.T) {
	f := newFixture(t, nil, nil)
	item := f.listItem(t, 1)

	_, err := f.svc.SubmitBid(context.Background(), item.ID, models.BidRequest{UnitPrice: 10_000, Quantity: 1})
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestSubmitBidOnEndedItemLeavesStoreUntouched(t *testing.T) {
	f := newFixture(t, nil, nil)
	item := f.listItem(t, 1)
	end := now.Add(-time.Second)
	_, err := f.store.UpdateItem(context.Background(), item.ID, models.ItemPatch{EndTime: &end, SetEndTime: true})
	require.NoError(t, err)
	stored, err := f.store.GetItem(context.Background(), item.ID)
	require.NoError(t, err)
	before := len(f.notifications())

	_, err = f.svc.SubmitBid(bidder("alice"), item.ID, models.BidRequest{UnitPrice: 50_000, Quantity: 1})
	assert.ErrorIs(t, err, bidding.ErrAuctionEnded)

	after, err := f.store.GetItem(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, stored, after)
	assert.Len(t, f.notifications(), before)
}

func TestSubmitBidRejectsOffIncrementPrice(t *testing.T) {
	f := newFixture(t, nil, nil)
	item := f.listItem(t, 1)

	_, err := f.svc.SubmitBid(bidder("alice"), item.ID, models.BidRequest{UnitPrice: 15_000, Quantity: 1})
	var bidErr *bidding.BidError
	require.ErrorAs(t, err, &bidErr)
	assert.ErrorIs(t, err, bidding.ErrInvalidPrice)
}

func TestSubmitBidSurvivesCallerCancellation(t *testing.T) {
	f := newFixture(t, nil, nil)
	item := f.listItem(t, 1)

	ctx, cancel := context.WithCancel(bidder("alice"))
	cancel()

	_, err := f.svc.SubmitBid(ctx, item.ID, models.BidRequest{UnitPrice: 20_000, Quantity: 1})
	require.NoError(t, err)

	bids, err := f.svc.BidHistory(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Len(t, bids, 1)
}

func TestConcurrentBidsOneWinner(t *testing.T) {
	f := newFixture(t, nil, nil)
	item := f.listItem(t, 1)

	var (
		wg       sync.WaitGroup
		accepted atomic.Int32
		tooLow   atomic.Int32
	)
	for _, who := range []string{"alice", "bob", "carol", "dave"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.SubmitBid(bidder(who), item.ID, models.BidRequest{UnitPrice: 30_000, Quantity: 1})
			switch {
			case err == nil:
				accepted.Add(1)
			case errors.Is(err, bidding.ErrBidTooLow):
				tooLow.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), accepted.Load())
	assert.Equal(t, int32(3), tooLow.Load())
}

// flakyStore fails the first ApplyBid calls with a transient error
type flakyStore struct {
	*store.Memory
	failures atomic.Int32
	calls    atomic.Int32
}

func (s *flakyStore) ApplyBid(ctx context.Context, itemID int64, decide store.DecideFunc) (models.Item, models.BidRecord, error) {
	s.calls.Add(1)
	if s.failures.Add(-1) >= 0 {
		return models.Item{}, models.BidRecord{}, bidding.ErrStoreUnavailable
	}
	return s.Memory.ApplyBid(ctx, itemID, decide)
}

func TestSubmitBidRetriesTransientFailures(t *testing.T) {
	flaky := &flakyStore{Memory: store.NewMemory()}
	flaky.failures.Store(2)
	f := newFixture(t, flaky, nil)
	item := f.listItem(t, 1)

	_, err := f.svc.SubmitBid(bidder("alice"), item.ID, models.BidRequest{UnitPrice: 10_000, Quantity: 1})
	require.NoError(t, err)
	assert.Equal(t, int32(3), flaky.calls.Load())
}

func TestSubmitBidGivesUpAfterMaxAttempts(t *testing.T) {
	flaky := &flakyStore{Memory: store.NewMemory()}
	flaky.failures.Store(10)
	f := newFixture(t, flaky, nil)
	item := f.listItem(t, 1)

	_, err := f.svc.SubmitBid(bidder("alice"), item.ID, models.BidRequest{UnitPrice: 10_000, Quantity: 1})
	assert.ErrorIs(t, err, bidding.ErrStoreUnavailable)
	assert.Equal(t, int32(3), flaky.calls.Load())
}

type brokenPublisher struct{ calls atomic.Int32 }

func (p *brokenPublisher) Publish(context.Context, models.Change) error {
	p.calls.Add(1)
	return errors.New("relay down")
}

func TestNotificationFailureDoesNotFailBid(t *testing.T) {
	pub := &brokenPublisher{}
	f := newFixture(t, nil, pub)
	item := f.listItem(t, 1)

	_, err := f.svc.SubmitBid(bidder("alice"), item.ID, models.BidRequest{UnitPrice: 10_000, Quantity: 1})
	require.NoError(t, err)
	assert.Equal(t, int32(2), pub.calls.Load(), "one for the listing, one for the bid")

	bids, err := f.svc.BidHistory(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Len(t, bids, 1)
}
