package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dsr1111/toko-auction/internal/bidding"
	"github.com/dsr1111/toko-auction/internal/notify"
	"github.com/dsr1111/toko-auction/shared/models"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// ConsumerName is the durable JetStream consumer of the settlement worker
const ConsumerName = "settlement"

const redeliveryDelay = 2 * time.Second

// message is the part of jetstream.Msg the consumer acts on
type message interface {
	Data() []byte
	Subject() string
	Ack() error
	Nak() error
	NakWithDelay(delay time.Duration) error
	Term() error
}

// Consumer feeds the durable change stream into a Settler
type Consumer struct {
	js      jetstream.JetStream
	settler *Settler
	timeout time.Duration
	log     zerolog.Logger
}

// NewConsumer creates a consumer
func NewConsumer(js jetstream.JetStream, settler *Settler, timeout time.Duration, log zerolog.Logger) *Consumer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Consumer{
		js:      js,
		settler: settler,
		timeout: timeout,
		log:     log.With().Str("component", "settlement-consumer").Logger(),
	}
}

// Start consumes until ctx ends
func (c *Consumer) Start(ctx context.Context) error {
	stream, err := notify.EnsureStream(ctx, c.js)
	if err != nil {
		return err
	}

	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       ConsumerName,
		Description:   "Re-ranks allocations on every auction change",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		FilterSubject: notify.StreamSubject + ".*",
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		c.handleMessage(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	defer cc.Stop()

	c.log.Info().Str("stream", notify.StreamName).Str("consumer", ConsumerName).Msg("consuming")
	<-ctx.Done()
	return nil
}

// handleMessage settles one stream message. Malformed messages are
// terminated, transient failures redelivered.
func (c *Consumer) handleMessage(ctx context.Context, msg message) {
	env, err := models.UnmarshalEnvelope(msg.Data())
	if err != nil {
		c.log.Error().Err(err).Str("subject", msg.Subject()).Msg("terminating malformed message")
		msg.Term()
		return
	}

	hctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.settler.Handle(hctx, env); err != nil {
		if errors.Is(err, bidding.ErrStoreUnavailable) || errors.Is(err, context.DeadlineExceeded) {
			c.log.Warn().Err(err).Str("event_id", env.EventID).Msg("settlement failed, redelivering")
			msg.NakWithDelay(redeliveryDelay)
			return
		}
		c.log.Error().Err(err).Str("event_id", env.EventID).Msg("settlement failed")
		msg.Nak()
		return
	}

	if err := msg.Ack(); err != nil {
		c.log.Warn().Err(err).Str("event_id", env.EventID).Msg("ack failed")
	}
}
