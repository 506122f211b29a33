package session

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"
)

const (
	defaultCacheSize    = 1000
	defaultCacheTTL     = 10 * time.Minute
	defaultFetchTimeout = 5 * time.Second
)

// CacheOptions configure a session cache.
type CacheOptions struct {
	Accessor Accessor

	// Size bounds the local tier, least recently used records are evicted
	// beyond it. Defaults to 1000.
	Size int
	// TTL bounds the age of local entries regardless of capacity.
	// Defaults to 10 minutes.
	TTL time.Duration
	// FetchTimeout bounds one backend fetch. Defaults to 5 seconds.
	FetchTimeout time.Duration

	// Now is the clock, for tests.
	Now func() time.Time
}

// Cache is the two-tier session accessor. Local hits are lock-bounded map
// reads with no I/O; misses are de-duplicated so a cold id costs one
// backend fetch no matter how many requests wait for it, and the backend is
// behind a circuit breaker so a dead store fails fast instead of queueing.
type Cache struct {
	accessor     Accessor
	size         int
	ttl          time.Duration
	fetchTimeout time.Duration
	now          func() time.Time

	// session lifetime policy, swapped on config reload
	timeout  atomic.Int64 // ns
	activity atomic.Int64 // ns

	group   singleflight.Group
	breaker *gobreaker.CircuitBreaker

	mu    sync.Mutex
	cache map[string]*entry
	// least recently used id at the back
	history *list.List

	// Hit and Miss are optional observation hooks.
	Hit, Miss func()
	// FetchObserved receives the duration of each backend fetch.
	FetchObserved func(time.Duration)
}

type entry struct {
	cachedAt time.Time
	record   Record
	href     *list.Element
}

func NewCache(o CacheOptions) *Cache {
	if o.Size <= 0 {
		o.Size = defaultCacheSize
	}
	if o.TTL <= 0 {
		o.TTL = defaultCacheTTL
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = defaultFetchTimeout
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	c := &Cache{
		accessor:     o.Accessor,
		size:         o.Size,
		ttl:          o.TTL,
		fetchTimeout: o.FetchTimeout,
		now:          o.Now,
		cache:        make(map[string]*entry, o.Size),
		history:      list.New(),
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "session-backend",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		Timeout: 10 * time.Second,
	})
	return c
}

// SetTimeouts installs the session lifetime policy from the current
// configuration snapshot. Zero activity disables the activity check.
func (c *Cache) SetTimeouts(timeout, activity time.Duration) {
	c.timeout.Store(int64(timeout))
	c.activity.Store(int64(activity))
}

// Get returns the session record for id. Expiry is evaluated lazily at
// read time against the configured lifetime policy, a record past its
// lifetime yields ErrExpired even if the backend still holds it.
func (c *Cache) Get(ctx context.Context, id string) (Record, error) {
	if r := c.cached(id); r != nil {
		if c.expired(r) {
			c.Invalidate(id)
			return nil, ErrExpired
		}
		if c.Hit != nil {
			c.Hit()
		}
		return r, nil
	}
	if c.Miss != nil {
		c.Miss()
	}

	// The fetch is shared by every waiter on this id and detached from the
	// requesting context: one client disconnecting must not fail the
	// others. The fetch timeout still bounds it.
	fetchCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(id, func() (any, error) {
		r, err := c.fetch(fetchCtx, id)
		if err != nil {
			return nil, err
		}
		c.tryCache(id, r)
		return r, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		r := copyRecord(res.Val.(Record))
		if c.expired(r) {
			c.Invalidate(id)
			return nil, ErrExpired
		}
		return r, nil
	case <-ctx.Done():
		// this caller abandons the wait, the fetch completes for the rest
		return nil, ctx.Err()
	}
}

func (c *Cache) fetch(ctx context.Context, id string) (Record, error) {
	if c.FetchObserved != nil {
		start := c.now()
		defer func() { c.FetchObserved(c.now().Sub(start)) }()
	}
	v, err := c.breaker.Execute(func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
		defer cancel()
		return c.accessor.Get(fetchCtx, id)
	})
	switch {
	case err == nil:
		return v.(Record), nil
	case errors.Is(err, ErrNotFound):
		return nil, err
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return nil, ErrBackendTimeout
	case errors.Is(err, context.DeadlineExceeded):
		return nil, ErrBackendTimeout
	default:
		return nil, err
	}
}

// Invalidate drops the local entry unconditionally and forgets any
// in-flight fetch so the next Get hits the backend again. Absent ids are
// fine.
func (c *Cache) Invalidate(id string) {
	c.group.Forget(id)
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.cache[id]; ok {
		delete(c.cache, id)
		c.history.Remove(e.href)
	}
}

// Touch records activity on the session. Last writer wins, a lost
// concurrent update is acceptable staleness; failures are logged only.
func (c *Cache) Touch(ctx context.Context, id string) {
	now := c.now().Unix()

	// stored records are never mutated in place, readers hold references
	c.mu.Lock()
	if e, ok := c.cache[id]; ok {
		r := copyRecord(e.record)
		r[lastSeenField] = now
		e.record = r
	}
	c.mu.Unlock()

	touchCtx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()
	if err := c.accessor.Update(touchCtx, id, Record{lastSeenField: now}); err != nil {
		log.Debugf("failed to touch session %s: %v", id, err)
	}
}

func (c *Cache) cached(id string) Record {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.cache[id]
	if !ok {
		return nil
	}
	if now.Sub(e.cachedAt) > c.ttl {
		delete(c.cache, id)
		c.history.Remove(e.href)
		return nil
	}
	c.history.MoveToFront(e.href)
	// a copy, so callers never share the stored map
	return copyRecord(e.record)
}

func copyRecord(r Record) Record {
	cp := make(Record, len(r))
	for k, v := range r {
		cp[k] = v
	}
	return cp
}

func (c *Cache) tryCache(id string, r Record) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.cache[id]; ok {
		e.cachedAt = now
		e.record = r
		c.history.MoveToFront(e.href)
		return
	}

	c.cache[id] = &entry{
		cachedAt: now,
		record:   r,
		href:     c.history.PushFront(id),
	}

	for len(c.cache) > c.size {
		last := c.history.Back()
		delete(c.cache, last.Value.(string))
		c.history.Remove(last)
	}
}

func (c *Cache) expired(r Record) bool {
	now := c.now()
	if t := time.Duration(c.timeout.Load()); t > 0 {
		if ut := r.UTime(); !ut.IsZero() && now.Sub(ut) > t {
			return true
		}
	}
	if ta := time.Duration(c.activity.Load()); ta > 0 {
		seen := r.LastSeen()
		if seen.IsZero() {
			seen = r.UTime()
		}
		if !seen.IsZero() && now.Sub(seen) > ta {
			return true
		}
	}
	return false
}

// Len reports the local tier size, for tests and metrics.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cache)
}
