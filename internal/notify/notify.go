package notify

import (
	"context"
	"errors"
	"sync"

	"github.com/dsr1111/toko-auction/shared/models"
)

// Default channel names
const (
	RedisChannel  = "auction-updates"
	NATSSubject   = "auction.updates"
	StreamName    = "AUCTION_EVENTS"
	StreamSubject = "auction.events"
)

// Publisher sends a change to every interested subscriber. Delivery is best
// effort; a returned error never means the change itself failed.
type Publisher interface {
	Publish(ctx context.Context, change models.Change) error
}

// Handler receives decoded notifications. The same notification may arrive
// more than once.
type Handler func(env models.Envelope)

// Subscriber registers handlers on a notification source
type Subscriber interface {
	Subscribe(ctx context.Context, handler Handler) (Subscription, error)
}

// Subscription is an active registration. Unsubscribe may be called any
// number of times; only the first call tears down.
type Subscription interface {
	Unsubscribe() error
}

type onceSubscription struct {
	once sync.Once
	stop func() error
	err  error
}

func newSubscription(stop func() error) *onceSubscription {
	return &onceSubscription{stop: stop}
}

func (s *onceSubscription) Unsubscribe() error {
	s.once.Do(func() { s.err = s.stop() })
	return s.err
}

// Multi publishes to every publisher, even when earlier ones fail
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, change models.Change) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, change); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards every change
type Nop struct{}

func (Nop) Publish(context.Context, models.Change) error { return nil }
