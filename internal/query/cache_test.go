package query

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestCache(retry int) (*Cache, *clock) {
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	return New(Options{StaleTime: 10 * time.Second, Retry: retry, Now: clk.Now}), clk
}

func counter(calls *int32, value string) func(context.Context) (string, error) {
	return func(context.Context) (string, error) {
		atomic.AddInt32(calls, 1)
		return value, nil
	}
}

func TestFetch_StaleTime(t *testing.T) {
	c, clk := newTestCache(0)
	ctx := context.Background()
	key := Key{"tasks", "", ""}
	var calls int32

	v, err := Fetch(ctx, c, key, counter(&calls, "a"))
	require.NoError(t, err)
	assert.Equal(t, "a", v)

	clk.Advance(9 * time.Second)
	_, err = Fetch(ctx, c, key, counter(&calls, "b"))
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls), "fresh entry must not refetch")

	clk.Advance(time.Second)
	v, err = Fetch(ctx, c, key, counter(&calls, "b"))
	require.NoError(t, err)
	assert.Equal(t, "b", v)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestFetch_RetriesOnce(t *testing.T) {
	c, _ := newTestCache(1)
	var calls int32
	fn := func(context.Context) (int, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return 0, errors.New("flaky")
		}
		return 42, nil
	}

	v, err := Fetch(context.Background(), c, Key{"n"}, fn)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.EqualValues(t, 2, calls)
}

func TestFetch_GivesUpAfterRetry(t *testing.T) {
	c, _ := newTestCache(1)
	var calls int32
	boom := errors.New("down")

	_, err := Fetch(context.Background(), c, Key{"n"}, func(context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 0, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.EqualValues(t, 2, calls)
	assert.True(t, c.IsStale(Key{"n"}))
}

func TestInvalidate_Prefix(t *testing.T) {
	c, _ := newTestCache(0)
	ctx := context.Background()
	var calls int32

	_, _ = Fetch(ctx, c, Key{"tasks", "milk", ""}, counter(&calls, "x"))
	_, _ = Fetch(ctx, c, Key{"tasks", "", "work"}, counter(&calls, "y"))
	_, _ = Fetch(ctx, c, Key{"conversations"}, counter(&calls, "z"))

	c.Invalidate(Key{"tasks"})

	assert.True(t, c.IsStale(Key{"tasks", "milk", ""}))
	assert.True(t, c.IsStale(Key{"tasks", "", "work"}))
	assert.False(t, c.IsStale(Key{"conversations"}))

	v, ok := c.Peek(Key{"tasks", "milk", ""})
	require.True(t, ok, "stale data stays readable")
	assert.Equal(t, "x", v)
}

func TestMutate_InvalidatesOnceOnSuccess(t *testing.T) {
	c, _ := newTestCache(0)
	var notified []Key
	unsubscribe := c.Subscribe(func(k Key) { notified = append(notified, k) })
	defer unsubscribe()

	out, err := Mutate(context.Background(), c, Key{"tasks"}, func(context.Context) (string, error) {
		return "created", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "created", out)
	require.Len(t, notified, 1)
	assert.Equal(t, Key{"tasks"}, notified[0])

	_, err = Mutate(context.Background(), c, Key{"tasks"}, func(context.Context) (string, error) {
		return "", errors.New("rejected")
	})
	require.Error(t, err)
	assert.Len(t, notified, 1, "failed mutation must not invalidate")
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	c, _ := newTestCache(0)
	var n int
	unsubscribe := c.Subscribe(func(Key) { n++ })
	c.Invalidate(Key{"a"})
	unsubscribe()
	c.Invalidate(Key{"a"})
	assert.Equal(t, 1, n)
}

func TestFetch_InvalidatedWhileInFlight(t *testing.T) {
	c, _ := newTestCache(0)
	key := Key{"tasks"}

	_, err := Fetch(context.Background(), c, key, func(context.Context) (string, error) {
		c.Invalidate(Key{"tasks"})
		return "old", nil
	})
	require.NoError(t, err)
	assert.True(t, c.IsStale(key))
}

func TestFetch_Collapses(t *testing.T) {
	c, _ := newTestCache(0)
	release := make(chan struct{})
	var calls int32
	fn := func(context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return 7, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := Fetch(context.Background(), c, Key{"slow"}, fn)
			assert.NoError(t, err)
			assert.Equal(t, 7, v)
		}()
	}
	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

type memBus struct {
	mu        sync.Mutex
	listeners []func(Invalidation)
	published []Invalidation
}

func (b *memBus) Publish(_ context.Context, inv Invalidation) error {
	b.mu.Lock()
	b.published = append(b.published, inv)
	ls := append([]func(Invalidation){}, b.listeners...)
	b.mu.Unlock()
	for _, fn := range ls {
		fn(inv)
	}
	return nil
}

func (b *memBus) Listen(ctx context.Context, fn func(Invalidation)) error {
	b.mu.Lock()
	b.listeners = append(b.listeners, fn)
	b.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

func (b *memBus) Close() error { return nil }

func (b *memBus) listening() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners)
}

func TestAttach_SharesInvalidations(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := &memBus{}

	a, _ := newTestCache(0)
	b, _ := newTestCache(0)
	a.Attach(ctx, bus)
	b.Attach(ctx, bus)
	require.Eventually(t, func() bool { return bus.listening() == 2 }, time.Second, time.Millisecond)

	var aNotified, bNotified int32
	a.Subscribe(func(Key) { atomic.AddInt32(&aNotified, 1) })
	b.Subscribe(func(Key) { atomic.AddInt32(&bNotified, 1) })

	a.Invalidate(Key{"tasks"})

	assert.EqualValues(t, 1, atomic.LoadInt32(&aNotified), "own broadcast must not be applied twice")
	assert.EqualValues(t, 1, atomic.LoadInt32(&bNotified))
}
