package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/dsr1111/toko-auction/shared/models"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// NewRedisClient connects and pings a Redis server
func NewRedisClient(addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return rdb, nil
}

// RedisPublisher publishes envelopes on a Redis Pub/Sub channel
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

// NewRedisPublisher creates a publisher for channel
func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	if channel == "" {
		channel = RedisChannel
	}
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, change models.Change) error {
	data, _, err := models.MarshalChange(change, time.Now())
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish to %s: %w", p.channel, err)
	}
	return nil
}

// RedisSubscriber listens on a Redis Pub/Sub channel
type RedisSubscriber struct {
	client  *redis.Client
	channel string
	log     zerolog.Logger
}

// NewRedisSubscriber creates a subscriber for channel
func NewRedisSubscriber(client *redis.Client, channel string, log zerolog.Logger) *RedisSubscriber {
	if channel == "" {
		channel = RedisChannel
	}
	return &RedisSubscriber{
		client:  client,
		channel: channel,
		log:     log.With().Str("component", "redis-subscriber").Str("channel", channel).Logger(),
	}
}

// Subscribe confirms the subscription with the server before returning, then
// delivers messages from a goroutine until ctx ends or Unsubscribe is called
func (s *RedisSubscriber) Subscribe(ctx context.Context, handler Handler) (Subscription, error) {
	pubsub := s.client.Subscribe(ctx, s.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("redis subscribe to %s: %w", s.channel, err)
	}

	done := make(chan struct{})
	go func() {
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				env, err := models.UnmarshalEnvelope([]byte(msg.Payload))
				if err != nil {
					s.log.Warn().Err(err).Msg("dropping malformed notification")
					continue
				}
				handler(env)
			}
		}
	}()

	return newSubscription(func() error {
		close(done)
		return pubsub.Close()
	}), nil
}
