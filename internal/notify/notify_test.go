package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dsr1111/toko-auction/shared/models"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu   sync.Mutex
	envs []models.Envelope
}

func (r *recorder) handle(env models.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
}

func (r *recorder) received() []models.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Envelope(nil), r.envs...)
}

func TestMemoryDeliversToEverySubscriber(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	var a, b recorder
	subA, err := m.Subscribe(ctx, a.handle)
	require.NoError(t, err)
	_, err = m.Subscribe(ctx, b.handle)
	require.NoError(t, err)

	require.NoError(t, m.Publish(ctx, models.BidPlaced{ItemID: 7}))

	require.Len(t, a.received(), 1)
	require.Len(t, b.received(), 1)
	assert.Equal(t, models.ActionBid, a.received()[0].Action)
	assert.Equal(t, int64(7), *a.received()[0].ItemID)

	require.NoError(t, subA.Unsubscribe())
	require.NoError(t, subA.Unsubscribe())
	assert.Equal(t, 1, m.Subscribers())

	require.NoError(t, m.Publish(ctx, models.ItemAdded{}))
	assert.Len(t, a.received(), 1)
	require.Len(t, b.received(), 2)
	assert.Nil(t, b.received()[1].ItemID)
}

type failing struct{ err error }

func (f failing) Publish(context.Context, models.Change) error { return f.err }

func TestMultiAttemptsEveryPublisher(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	var r recorder
	_, err := m.Subscribe(ctx, r.handle)
	require.NoError(t, err)

	boom := errors.New("boom")
	err = Multi{failing{boom}, m}.Publish(ctx, models.ItemDeleted{ItemID: 3})

	assert.ErrorIs(t, err, boom)
	assert.Len(t, r.received(), 1)
	assert.NoError(t, Multi{m, Nop{}}.Publish(ctx, models.BidPlaced{ItemID: 3}))
}

func TestRedisRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var r recorder
	sub, err := NewRedisSubscriber(client, "", zerolog.Nop()).Subscribe(ctx, r.handle)
	require.NoError(t, err)

	pub := NewRedisPublisher(client, "")
	require.NoError(t, pub.Publish(ctx, models.BidPlaced{ItemID: 42}))

	require.Eventually(t, func() bool { return len(r.received()) == 1 }, 2*time.Second, 10*time.Millisecond)
	env := r.received()[0]
	assert.Equal(t, models.ActionBid, env.Action)
	assert.Equal(t, int64(42), *env.ItemID)
	assert.NotEmpty(t, env.EventID)

	require.NoError(t, sub.Unsubscribe())
	assert.NoError(t, sub.Unsubscribe())
}

func TestRedisSubscriberDropsMalformedPayloads(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	ctx := context.Background()

	var r recorder
	sub, err := NewRedisSubscriber(client, "", zerolog.Nop()).Subscribe(ctx, r.handle)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	mr.Publish(RedisChannel, `{"action":"bid"}`)
	mr.Publish(RedisChannel, `not json`)
	require.NoError(t, NewRedisPublisher(client, "").Publish(ctx, models.ItemDeleted{ItemID: 1}))

	require.Eventually(t, func() bool { return len(r.received()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, models.ActionDeleted, r.received()[0].Action)
}

func TestStreamSubjectFor(t *testing.T) {
	assert.Equal(t, "auction.events.bid", StreamSubjectFor(models.ActionBid))
	assert.Equal(t, "auction.events.deleted", StreamSubjectFor(models.ActionDeleted))
}
