package notify

import (
	"context"
	"sync"
	"time"

	"github.com/dsr1111/toko-auction/shared/models"
)

// Memory is an in-process broker. Handlers run synchronously inside Publish.
type Memory struct {
	mu       sync.RWMutex
	handlers map[int]Handler
	next     int
	now      func() time.Time
}

// NewMemory creates an empty broker
func NewMemory() *Memory {
	return &Memory{
		handlers: make(map[int]Handler),
		now:      time.Now,
	}
}

func (m *Memory) Publish(ctx context.Context, change models.Change) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	env := models.NewEnvelope(change, m.now())

	m.mu.RLock()
	handlers := make([]Handler, 0, len(m.handlers))
	for _, h := range m.handlers {
		handlers = append(handlers, h)
	}
	m.mu.RUnlock()

	for _, h := range handlers {
		h(env)
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, handler Handler) (Subscription, error) {
	m.mu.Lock()
	id := m.next
	m.next++
	m.handlers[id] = handler
	m.mu.Unlock()

	return newSubscription(func() error {
		m.mu.Lock()
		delete(m.handlers, id)
		m.mu.Unlock()
		return nil
	}), nil
}

// Subscribers returns the number of live subscriptions
func (m *Memory) Subscribers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.handlers)
}
