package websocket

import (
	"strconv"
	"sync"
	"time"

	"github.com/dsr1111/toko-auction/shared/models"
)

// Coalescer collapses bursts of notifications for the same action and item.
// The first notification of a burst goes out at once; anything else arriving
// within the window is folded into a single trailing delivery of the latest
// one.
type Coalescer struct {
	window  time.Duration
	emit    func(models.Envelope)
	mu      sync.Mutex
	pending map[string]*burst
}

type burst struct {
	latest *models.Envelope
	timer  *time.Timer
}

// NewCoalescer wraps emit. A zero window disables coalescing.
func NewCoalescer(window time.Duration, emit func(models.Envelope)) *Coalescer {
	return &Coalescer{
		window:  window,
		emit:    emit,
		pending: make(map[string]*burst),
	}
}

// Push offers a notification
func (c *Coalescer) Push(env models.Envelope) {
	if c.window <= 0 {
		c.emit(env)
		return
	}

	key := burstKey(env)
	c.mu.Lock()
	if b, ok := c.pending[key]; ok {
		b.latest = &env
		c.mu.Unlock()
		return
	}
	b := &burst{}
	c.pending[key] = b
	b.timer = time.AfterFunc(c.window, func() { c.flush(key) })
	c.mu.Unlock()

	c.emit(env)
}

func (c *Coalescer) flush(key string) {
	c.mu.Lock()
	b := c.pending[key]
	delete(c.pending, key)
	c.mu.Unlock()

	if b != nil && b.latest != nil {
		c.emit(*b.latest)
	}
}

// Stop cancels pending trailing deliveries
func (c *Coalescer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, b := range c.pending {
		b.timer.Stop()
		delete(c.pending, key)
	}
}

func burstKey(env models.Envelope) string {
	if env.ItemID == nil {
		return string(env.Action)
	}
	return string(env.Action) + ":" + strconv.FormatInt(*env.ItemID, 10)
}
