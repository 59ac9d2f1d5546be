package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/dsr1111/toko-auction/shared/models"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NATSPublisher publishes envelopes on a core NATS subject. Core NATS is
// fire-and-forget; nothing is stored for late subscribers.
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
}

// NewNATSPublisher creates a publisher for subject
func NewNATSPublisher(conn *nats.Conn, subject string) *NATSPublisher {
	if subject == "" {
		subject = NATSSubject
	}
	return &NATSPublisher{conn: conn, subject: subject}
}

func (p *NATSPublisher) Publish(ctx context.Context, change models.Change) error {
	data, _, err := models.MarshalChange(change, time.Now())
	if err != nil {
		return err
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		return fmt.Errorf("nats publish to %s: %w", p.subject, err)
	}
	return nil
}

// NATSSubscriber listens on a core NATS subject
type NATSSubscriber struct {
	conn    *nats.Conn
	subject string
	log     zerolog.Logger
}

// NewNATSSubscriber creates a subscriber for subject
func NewNATSSubscriber(conn *nats.Conn, subject string, log zerolog.Logger) *NATSSubscriber {
	if subject == "" {
		subject = NATSSubject
	}
	return &NATSSubscriber{
		conn:    conn,
		subject: subject,
		log:     log.With().Str("component", "nats-subscriber").Str("subject", subject).Logger(),
	}
}

func (s *NATSSubscriber) Subscribe(ctx context.Context, handler Handler) (Subscription, error) {
	sub, err := s.conn.Subscribe(s.subject, func(msg *nats.Msg) {
		env, err := models.UnmarshalEnvelope(msg.Data)
		if err != nil {
			s.log.Warn().Err(err).Msg("dropping malformed notification")
			return
		}
		handler(env)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", s.subject, err)
	}

	done := make(chan struct{})
	subscription := newSubscription(func() error {
		close(done)
		return sub.Unsubscribe()
	})
	go func() {
		select {
		case <-ctx.Done():
			subscription.Unsubscribe()
		case <-done:
		}
	}()
	return subscription, nil
}

// EnsureStream creates or updates the durable change stream
func EnsureStream(ctx context.Context, js jetstream.JetStream) (jetstream.Stream, error) {
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Durable auction change notifications",
		Subjects:    []string{StreamSubject + ".*"},
		Storage:     jetstream.FileStorage,
		Retention:   jetstream.WorkQueuePolicy,
		MaxAge:      24 * time.Hour,
		Replicas:    1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create/update stream: %w", err)
	}
	return stream, nil
}

// StreamSubjectFor is the JetStream subject an action is published under
func StreamSubjectFor(action models.Action) string {
	return StreamSubject + "." + string(action)
}

// StreamPublisher publishes envelopes into JetStream and waits for the
// server acknowledgement
type StreamPublisher struct {
	js  jetstream.JetStream
	log zerolog.Logger
}

// NewStreamPublisher creates a JetStream publisher
func NewStreamPublisher(js jetstream.JetStream, log zerolog.Logger) *StreamPublisher {
	return &StreamPublisher{
		js:  js,
		log: log.With().Str("component", "stream-publisher").Logger(),
	}
}

func (p *StreamPublisher) Publish(ctx context.Context, change models.Change) error {
	data, env, err := models.MarshalChange(change, time.Now())
	if err != nil {
		return err
	}

	subject := StreamSubjectFor(env.Action)
	ack, err := p.js.Publish(ctx, subject, data, jetstream.WithMsgID(env.EventID))
	if err != nil {
		return fmt.Errorf("failed to publish to JetStream: %w", err)
	}

	p.log.Debug().Str("subject", subject).Uint64("seq", ack.Sequence).Msg("published")
	return nil
}
