package session_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssogate/ssogate/session"
	"github.com/ssogate/ssogate/session/sessiontest"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestCache(t *testing.T, o session.CacheOptions) (*session.Cache, *sessiontest.Accessor, *testClock) {
	t.Helper()
	a := sessiontest.New()
	clock := &testClock{now: time.Unix(1700000000, 0)}
	o.Accessor = a
	o.Now = clock.Now
	c := session.NewCache(o)
	return c, a, clock
}

func TestCacheHitAvoidsBackend(t *testing.T) {
	c, a, _ := newTestCache(t, session.CacheOptions{})
	a.Set("abc", session.Record{"uid": "jdoe", "_utime": int64(1700000000)})

	r, err := c.Get(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, "jdoe", r["uid"])
	assert.Equal(t, int32(1), a.Gets.Load())

	r, err = c.Get(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, "abc", r.ID())
	assert.Equal(t, int32(1), a.Gets.Load(), "second get must be a local hit")
}

func TestCacheNotFound(t *testing.T) {
	c, _, _ := newTestCache(t, session.CacheOptions{})
	_, err := c.Get(context.Background(), "nosuch")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestCacheTTL(t *testing.T) {
	c, a, clock := newTestCache(t, session.CacheOptions{TTL: time.Minute})
	a.Set("abc", session.Record{"uid": "jdoe"})

	_, err := c.Get(context.Background(), "abc")
	require.NoError(t, err)

	clock.Advance(61 * time.Second)
	_, err = c.Get(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, int32(2), a.Gets.Load(), "entry older than TTL must refetch")
}

func TestCacheLRUBound(t *testing.T) {
	c, a, _ := newTestCache(t, session.CacheOptions{Size: 2})
	for i := 0; i < 3; i++ {
		a.Set(fmt.Sprintf("s%d", i), session.Record{"n": int64(i)})
		_, err := c.Get(context.Background(), fmt.Sprintf("s%d", i))
		require.NoError(t, err)
	}
	assert.Equal(t, 2, c.Len())

	// s0 was evicted, s2 still cached
	gets := a.Gets.Load()
	_, err := c.Get(context.Background(), "s2")
	require.NoError(t, err)
	assert.Equal(t, gets, a.Gets.Load())

	_, err = c.Get(context.Background(), "s0")
	require.NoError(t, err)
	assert.Equal(t, gets+1, a.Gets.Load())
}

func TestCacheSingleFlight(t *testing.T) {
	c, a, _ := newTestCache(t, session.CacheOptions{})
	a.Set("abc", session.Record{"uid": "jdoe"})
	a.Block = make(chan struct{})

	const n = 10
	var wg sync.WaitGroup
	results := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = c.Get(context.Background(), "abc")
		}(i)
	}

	// let the goroutines pile up on the in-flight fetch
	time.Sleep(50 * time.Millisecond)
	close(a.Block)
	wg.Wait()

	for i, err := range results {
		require.NoError(t, err, "waiter %d", i)
	}
	assert.Equal(t, int32(1), a.Gets.Load(), "cold cache must trigger exactly one backend fetch")
}

func TestCacheInvalidate(t *testing.T) {
	c, a, _ := newTestCache(t, session.CacheOptions{})
	a.Set("abc", session.Record{"uid": "jdoe"})

	_, err := c.Get(context.Background(), "abc")
	require.NoError(t, err)
	require.Equal(t, int32(1), a.Gets.Load())

	c.Invalidate("abc")

	_, err = c.Get(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, int32(2), a.Gets.Load(), "invalidate must force a backend fetch before TTL")

	// invalidating an absent id is fine
	c.Invalidate("never-seen")
}

func TestCacheLazyExpiryByTimeout(t *testing.T) {
	c, a, clock := newTestCache(t, session.CacheOptions{})
	c.SetTimeouts(time.Hour, 0)
	a.Set("abc", session.Record{"_utime": clock.Now().Unix()})

	_, err := c.Get(context.Background(), "abc")
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	_, err = c.Get(context.Background(), "abc")
	assert.ErrorIs(t, err, session.ErrExpired, "backend still has it, read time expiry applies")
}

func TestCacheLazyExpiryByActivity(t *testing.T) {
	c, a, clock := newTestCache(t, session.CacheOptions{})
	c.SetTimeouts(24*time.Hour, 30*time.Minute)
	a.Set("abc", session.Record{
		"_utime":    clock.Now().Add(-2 * time.Hour).Unix(),
		"_lastSeen": clock.Now().Add(-time.Hour).Unix(),
	})

	_, err := c.Get(context.Background(), "abc")
	assert.ErrorIs(t, err, session.ErrExpired)
}

func TestCacheExpiredFetchedRecordNotServed(t *testing.T) {
	c, a, clock := newTestCache(t, session.CacheOptions{})
	c.SetTimeouts(time.Hour, 0)
	a.Set("old", session.Record{"_utime": clock.Now().Add(-2 * time.Hour).Unix()})

	_, err := c.Get(context.Background(), "old")
	assert.ErrorIs(t, err, session.ErrExpired)
}

func TestCacheBackendTimeout(t *testing.T) {
	c, a, _ := newTestCache(t, session.CacheOptions{FetchTimeout: 30 * time.Millisecond})
	a.Set("abc", session.Record{"uid": "jdoe"})
	a.Block = make(chan struct{}) // never closed

	_, err := c.Get(context.Background(), "abc")
	assert.ErrorIs(t, err, session.ErrBackendTimeout)
}

func TestCacheTouchConcurrentWithReaders(t *testing.T) {
	c, a, clock := newTestCache(t, session.CacheOptions{})
	a.Set("abc", session.Record{"uid": "jdoe", "groups": "admin; dev"})

	r, err := c.Get(context.Background(), "abc")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			clock.Advance(time.Second)
			c.Touch(context.Background(), "abc")
		}
	}()
	for i := 0; i < 100; i++ {
		for range r.Attrs() {
		}
		r2, err := c.Get(context.Background(), "abc")
		require.NoError(t, err)
		for range r2.Attrs() {
		}
	}
	<-done

	got, err := c.Get(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), got.LastSeen())
}

func TestCacheWaiterSurvivesCancelledPeer(t *testing.T) {
	c, a, _ := newTestCache(t, session.CacheOptions{})
	a.Set("abc", session.Record{"uid": "jdoe"})
	a.Block = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := c.Get(ctx, "abc")
		first <- err
	}()
	time.Sleep(50 * time.Millisecond)

	second := make(chan error, 1)
	go func() {
		_, err := c.Get(context.Background(), "abc")
		second <- err
	}()
	time.Sleep(50 * time.Millisecond)

	// the first client disconnects while the shared fetch is in flight
	cancel()
	require.ErrorIs(t, <-first, context.Canceled)

	close(a.Block)
	require.NoError(t, <-second, "surviving waiter must get the record")
	assert.Equal(t, int32(1), a.Gets.Load(), "both waiters share one fetch")
}

func TestCacheTouchUpdatesLastSeen(t *testing.T) {
	c, a, clock := newTestCache(t, session.CacheOptions{})
	a.Set("abc", session.Record{"uid": "jdoe"})

	_, err := c.Get(context.Background(), "abc")
	require.NoError(t, err)

	clock.Advance(time.Minute)
	c.Touch(context.Background(), "abc")

	r, err := a.Get(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), r.LastSeen())

	// touching through a failing backend must not error out the caller
	a.FailWith = session.ErrNotFound
	c.Touch(context.Background(), "abc")
}
