package query

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"github.com/comigor/taskpilot/internal/logger"
)

// Invalidation is the message exchanged between processes sharing a bus.
type Invalidation struct {
	Origin string `json:"origin"`
	Key    Key    `json:"key"`
}

// Bus carries invalidations between processes.
type Bus interface {
	Publish(ctx context.Context, inv Invalidation) error
	// Listen calls fn for every received invalidation until ctx is done.
	Listen(ctx context.Context, fn func(Invalidation)) error
	Close() error
}

// Attach connects the cache to bus: local invalidations are published and
// remote ones are applied without being published again. Listening stops when
// ctx is done.
func (c *Cache) Attach(ctx context.Context, bus Bus) {
	c.mu.Lock()
	c.bus = bus
	c.origin = uuid.NewString()
	origin := c.origin
	c.mu.Unlock()

	go func() {
		err := bus.Listen(ctx, func(inv Invalidation) {
			if inv.Origin == origin {
				return
			}
			logger.L.Debug("remote invalidation", "key", inv.Key, "origin", inv.Origin)
			c.apply(inv.Key)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.L.Warn("invalidation bus stopped", "error", err)
		}
	}()
}

// RedisBus is a Bus over redis pub/sub.
type RedisBus struct {
	client  *redis.Client
	channel string
}

// RedisOptions configure NewRedisBus.
type RedisOptions struct {
	Addr     string
	Username string
	Password string
	DB       int
	Channel  string
}

// NewRedisBus connects to redis and verifies the connection.
func NewRedisBus(ctx context.Context, opts RedisOptions) (*RedisBus, error) {
	if opts.Addr == "" {
		return nil, errors.New("redis address required")
	}
	if opts.Channel == "" {
		opts.Channel = "taskpilot:invalidate"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Username: opts.Username,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &RedisBus{client: client, channel: opts.Channel}, nil
}

// Publish sends inv to every listener on the channel.
func (b *RedisBus) Publish(ctx context.Context, inv Invalidation) error {
	payload, err := json.Marshal(inv)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, payload).Err()
}

// Listen subscribes to the channel and blocks until ctx is done.
func (b *RedisBus) Listen(ctx context.Context, fn func(Invalidation)) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var inv Invalidation
			if err := json.Unmarshal([]byte(msg.Payload), &inv); err != nil {
				logger.L.Warn("dropping malformed invalidation", "payload", msg.Payload, "error", err)
				continue
			}
			fn(inv)
		}
	}
}

// Close closes the redis connection.
func (b *RedisBus) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}
