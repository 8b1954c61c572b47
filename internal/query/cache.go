// Package query is a small keyed data cache with staleness, single retry and
// prefix invalidation. It is injected into the components that read through
// it; there is no package-level cache.
package query

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/comigor/taskpilot/internal/logger"
)

// Key identifies a cached query. Invalidation matches by prefix, so
// {"tasks"} covers {"tasks", "milk", "home"}.
type Key []string

// HasPrefix reports whether p is a prefix of k.
func (k Key) HasPrefix(p Key) bool {
	if len(p) > len(k) {
		return false
	}
	for i := range p {
		if k[i] != p[i] {
			return false
		}
	}
	return true
}

func (k Key) id() string { return strings.Join(k, "\x1f") }

// Options configure a Cache. Zero values mean: no staleness window, no retry.
type Options struct {
	StaleTime  time.Duration
	Retry      int
	RetryDelay time.Duration
	Now        func() time.Time
}

const maxRetryDelay = 30 * time.Second

type entry struct {
	key       Key
	value     any
	fetchedAt time.Time
	stale     bool
}

// Cache holds query results.
type Cache struct {
	opts  Options
	group singleflight.Group

	mu      sync.Mutex
	entries map[string]*entry
	epoch   uint64
	subs    map[int]func(Key)
	nextSub int
	bus     Bus
	origin  string
}

// New creates an empty cache.
func New(opts Options) *Cache {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		opts:    opts,
		entries: make(map[string]*entry),
		subs:    make(map[int]func(Key)),
	}
}

// Fetch returns the cached value for key while it is fresh and otherwise runs
// fn, collapsing concurrent fetches of the same key into one call.
func Fetch[T any](ctx context.Context, c *Cache, key Key, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if v, ok := c.fresh(key); ok {
		if out, ok := v.(T); ok {
			return out, nil
		}
	}

	v, err, _ := c.group.Do(key.id(), func() (any, error) {
		epoch := c.currentEpoch()
		var out T
		err := c.retry(ctx, func(ctx context.Context) error {
			var err error
			out, err = fn(ctx)
			return err
		})
		if err != nil {
			return nil, err
		}
		c.store(key, out, epoch)
		return out, nil
	})
	if err != nil {
		return zero, err
	}
	return v.(T), nil
}

// Mutate runs fn with the cache retry policy and, on success only, invalidates
// every query under the invalidates prefix.
func Mutate[T any](ctx context.Context, c *Cache, invalidates Key, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var out T
	err := c.retry(ctx, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	if err != nil {
		return zero, err
	}
	c.Invalidate(invalidates)
	return out, nil
}

// Peek returns the cached value regardless of freshness.
func (c *Cache) Peek(key Key) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key.id()]
	if !ok {
		return nil, false
	}
	return e.value, true
}

// IsStale reports whether key is missing, invalidated or past its stale time.
func (c *Cache) IsStale(key Key) bool {
	_, ok := c.fresh(key)
	return !ok
}

// Invalidate marks every entry under prefix stale, notifies subscribers once
// and broadcasts on the attached bus.
func (c *Cache) Invalidate(prefix Key) {
	bus, origin := c.apply(prefix)
	if bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := bus.Publish(ctx, Invalidation{Origin: origin, Key: prefix}); err != nil {
		logger.L.Warn("invalidation broadcast failed", "key", prefix, "error", err)
	}
}

// Subscribe registers fn to run after every invalidation. The returned func
// removes it.
func (c *Cache) Subscribe(fn func(Key)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}

func (c *Cache) apply(prefix Key) (Bus, string) {
	c.mu.Lock()
	c.epoch++
	for _, e := range c.entries {
		if e.key.HasPrefix(prefix) {
			e.stale = true
		}
	}
	subs := make([]func(Key), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	bus, origin := c.bus, c.origin
	c.mu.Unlock()

	logger.L.Debug("query invalidated", "key", prefix)
	for _, fn := range subs {
		fn(prefix)
	}
	return bus, origin
}

func (c *Cache) fresh(key Key) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key.id()]
	if !ok || e.stale {
		return nil, false
	}
	if c.opts.Now().Sub(e.fetchedAt) >= c.opts.StaleTime {
		return nil, false
	}
	return e.value, true
}

func (c *Cache) currentEpoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// store keeps the result; if an invalidation happened while the fetch was in
// flight the result is kept but already stale.
func (c *Cache) store(key Key, value any, epoch uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key.id()] = &entry{
		key:       append(Key(nil), key...),
		value:     value,
		fetchedAt: c.opts.Now(),
		stale:     c.epoch != epoch,
	}
}

func (c *Cache) retry(ctx context.Context, fn func(context.Context) error) error {
	delay := c.opts.RetryDelay
	var err error
	for attempt := 0; attempt <= c.opts.Retry; attempt++ {
		if attempt > 0 {
			logger.L.Debug("retrying query", "attempt", attempt, "error", err)
			if delay > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(delay):
				}
				delay = min(delay*2, maxRetryDelay)
			}
		}
		if err = fn(ctx); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
	}
	return err
}
