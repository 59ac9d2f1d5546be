package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dsr1111/toko-auction/internal/bidding"
	"github.com/dsr1111/toko-auction/internal/identity"
	"github.com/dsr1111/toko-auction/internal/notify"
	"github.com/dsr1111/toko-auction/internal/store"
	"github.com/dsr1111/toko-auction/shared/models"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrUnauthenticated means the request carried no principal
	ErrUnauthenticated = errors.New("authentication required")
	// ErrForbidden means the principal may not perform an operator action
	ErrForbidden = errors.New("operator privileges required")
)

// Options tunes the bidding service
type Options struct {
	Increment   int64
	Fees        bidding.FeeSchedule
	MaxAttempts int
	// TxTimeout bounds one bid transaction once it has started, independent
	// of the client connection
	TxTimeout     time.Duration
	NotifyTimeout time.Duration
	Now           func() time.Time
	// Meter records bids.accepted and bids.rejected; nil uses the global provider
	Meter metric.MeterProvider
}

// DefaultOptions returns the production settings
func DefaultOptions() Options {
	return Options{
		Increment:     bidding.DefaultIncrement,
		Fees:          bidding.DefaultFees,
		MaxAttempts:   3,
		TxTimeout:     5 * time.Second,
		NotifyTimeout: 2 * time.Second,
		Now:           func() time.Time { return time.Now().UTC() },
	}
}

// BiddingService handles the business logic for bidding operations
type BiddingService struct {
	store     store.Store
	publisher notify.Publisher
	evaluator *bidding.Evaluator
	opts      Options
	log       zerolog.Logger

	tracer   trace.Tracer
	accepted metric.Int64Counter
	rejected metric.Int64Counter
}

// NewBiddingService creates a new bidding service
func NewBiddingService(s store.Store, publisher notify.Publisher, opts Options, log zerolog.Logger) (*BiddingService, error) {
	def := DefaultOptions()
	if opts.Increment <= 0 {
		opts.Increment = def.Increment
	}
	if opts.Fees == (bidding.FeeSchedule{}) {
		opts.Fees = def.Fees
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.TxTimeout <= 0 {
		opts.TxTimeout = def.TxTimeout
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = def.NotifyTimeout
	}
	if opts.Now == nil {
		opts.Now = def.Now
	}
	if publisher == nil {
		publisher = notify.Nop{}
	}

	if opts.Meter == nil {
		opts.Meter = otel.GetMeterProvider()
	}

	meter := opts.Meter.Meter("toko-auction/service")
	accepted, err := meter.Int64Counter("bids.accepted", metric.WithDescription("Bids committed to the ledger"))
	if err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	rejected, err := meter.Int64Counter("bids.rejected", metric.WithDescription("Bids refused, by reason"))
	if err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}

	return &BiddingService{
		store:     s,
		publisher: publisher,
		evaluator: bidding.NewEvaluator(opts.Increment, opts.Fees),
		opts:      opts,
		log:       log.With().Str("component", "bidding").Logger(),
		tracer:    otel.Tracer("toko-auction/service"),
		accepted:  accepted,
		rejected:  rejected,
	}, nil
}

// Increment is the configured price step
func (s *BiddingService) Increment() int64 {
	return s.opts.Increment
}

// SubmitBid evaluates and commits a bid for the request principal.
//
// Once started, the transaction runs to completion even if the caller goes
// away. Transient store failures are retried; every other rejection is
// returned as a *bidding.BidError. The bid notification goes out after
// commit and its failure is only logged.
func (s *BiddingService) SubmitBid(ctx context.Context, itemID int64, req models.BidRequest) (models.BidResponse, error) {
	p, ok := identity.FromContext(ctx)
	if !ok {
		return models.BidResponse{}, ErrUnauthenticated
	}

	ctx, span := s.tracer.Start(ctx, "bids.submit", trace.WithAttributes(
		attribute.Int64("item.id", itemID),
		attribute.Int64("bid.unit_price", req.UnitPrice),
		attribute.Int("bid.quantity", req.Quantity),
	))
	defer span.End()

	bid := bidding.Bid{
		UnitPrice: req.UnitPrice,
		Quantity:  req.Quantity,
		Bidder:    models.Bidder{Identity: p.Identity, Nickname: p.Nickname},
	}

	txCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.TxTimeout)
	defer cancel()

	var history []models.BidRecord
	type result struct {
		item   models.Item
		record models.BidRecord
	}
	res, err := retry(txCtx, s, "submit bid", func() (result, error) {
		item, rec, err := s.store.ApplyBid(txCtx, itemID, func(item models.Item, h []models.BidRecord) (models.Item, models.BidRecord, error) {
			d, err := s.evaluator.Evaluate(&item, h, bid, s.opts.Now())
			if err != nil {
				return models.Item{}, models.BidRecord{}, err
			}
			history = h
			return d.Item, d.Record, nil
		})
		return result{item, rec}, err
	})
	if err != nil {
		reason := rejectReason(err)
		s.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
		span.SetAttributes(attribute.String("bid.rejected", reason))

		ev := s.log.Info()
		if reason == "unavailable" || reason == "internal" {
			ev = s.log.Error()
		}
		ev.Err(err).Int64("item_id", itemID).Str("bidder", p.Identity).
			Int64("unit_price", req.UnitPrice).Int("quantity", req.Quantity).
			Msg("bid rejected")
		return models.BidResponse{}, err
	}

	s.accepted.Add(ctx, 1)
	s.log.Info().Int64("item_id", itemID).Int64("bid_id", res.record.ID).Str("bidder", p.Identity).
		Int64("unit_price", res.record.BidAmount).Int("quantity", res.record.BidQuantity).
		Msg("bid accepted")

	s.notify(ctx, models.BidPlaced{ItemID: itemID})

	gross := res.record.BidAmount * int64(res.record.BidQuantity)
	return models.BidResponse{
		Item:            res.item,
		Bid:             res.record,
		EffectivePrice:  s.opts.Fees.EffectivePrice(res.record.BidAmount),
		EffectiveAmount: s.opts.Fees.Settle(gross).Total,
		MinimumNextBid:  s.evaluator.MinimumNextBid(res.item, append(history, res.record), 1),
	}, nil
}

// notify publishes change after a commit. It never fails the caller.
func (s *BiddingService) notify(ctx context.Context, change models.Change) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.NotifyTimeout)
	defer cancel()

	if err := s.publisher.Publish(ctx, change); err != nil {
		err = fmt.Errorf("%w: %v", bidding.ErrNotificationDelivery, err)
		id, _ := change.Item()
		s.log.Warn().Err(err).Str("action", string(change.Action())).Int64("item_id", id).Msg("notification not delivered")
	}
}

// retry runs op with exponential backoff while it fails with a retryable
// store error, up to MaxAttempts tries
func retry[T any](ctx context.Context, s *BiddingService, what string, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond

	attempt := 0
	return backoff.Retry(ctx, func() (T, error) {
		attempt++
		v, err := op()
		if err == nil || bidding.IsRetryable(err) {
			return v, err
		}
		return v, backoff.Permanent(err)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(s.opts.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", next).Msg(what + " failed, retrying")
		}),
	)
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, bidding.ErrValidation):
		return "validation"
	case errors.Is(err, bidding.ErrAuctionEnded):
		return "ended"
	case errors.Is(err, bidding.ErrBidTooLow):
		return "too_low"
	case errors.Is(err, bidding.ErrNotFound):
		return "not_found"
	case bidding.IsRetryable(err):
		return "unavailable"
	default:
		return "internal"
	}
}
