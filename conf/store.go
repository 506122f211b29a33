// Package conf holds the current compiled configuration snapshot and the
// reload protocol keeping it fresh. Exactly one snapshot is current at any
// instant; readers take the atomic pointer and never see partial updates.
package conf

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// ErrFetch marks configuration backend failures. The previous snapshot
// stays in force, the error is for logs and metrics.
var ErrFetch = errors.New("config fetch failed")

// ErrNoConfig is returned by reload when no snapshot was ever loaded and
// the backend has none either.
var ErrNoConfig = errors.New("no configuration available")

const defaultFetchTimeout = 10 * time.Second

// Accessor is the narrow contract to a configuration storage backend. The
// handler core calls LastNum and Load only; Available is a startup probe.
type Accessor interface {
	Available(ctx context.Context) error
	LastNum(ctx context.Context) (int64, error)
	Load(ctx context.Context, cfgNum int64) (*Raw, error)
}

// StoreOptions configure a Store.
type StoreOptions struct {
	// FetchTimeout bounds every accessor call during reload so a stalled
	// backend cannot wedge the reload path. Defaults to 10s.
	FetchTimeout time.Duration
}

// Store owns the current snapshot. Reads are a lock-free pointer load,
// reloads are serialized and monotonic by cfgNum.
type Store struct {
	accessor Accessor
	timeout  time.Duration

	mu       sync.Mutex
	current  atomic.Pointer[Snapshot]
	onReload []func(*Snapshot)
}

func NewStore(a Accessor, o StoreOptions) *Store {
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = defaultFetchTimeout
	}
	return &Store{accessor: a, timeout: o.FetchTimeout}
}

// Current returns the latest swapped-in snapshot, nil before the first
// successful reload.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// OnReload registers a callback run after every successful swap. Register
// during wiring, before concurrent reloads start.
func (s *Store) OnReload(fn func(*Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReload = append(s.onReload, fn)
}

// Reload fetches the latest cfgNum and, only if strictly greater than the
// loaded one, compiles and publishes a new snapshot. It reports whether a
// swap happened. Redundant calls are cheap no-ops, concurrent calls
// serialize instead of racing two builds. Every failure leaves the current
// snapshot in place.
func (s *Store) Reload(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	numCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	last, err := s.accessor.LastNum(numCtx)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrFetch, err)
	}

	cur := s.current.Load()
	if cur != nil && last <= cur.CfgNum() {
		log.Debugf("config %d already loaded, skipping reload", cur.CfgNum())
		return false, nil
	}
	if cur == nil && last <= 0 {
		return false, ErrNoConfig
	}

	loadCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	raw, err := s.accessor.Load(loadCtx, last)
	if err != nil {
		return false, fmt.Errorf("%w: load %d: %w", ErrFetch, last, err)
	}

	snap, err := Compile(raw)
	if err != nil {
		// broken rules must not replace a working snapshot
		return false, fmt.Errorf("rejecting config %d: %w", last, err)
	}

	s.current.Store(snap)
	log.Infof("configuration %d loaded", snap.CfgNum())

	for _, fn := range s.onReload {
		fn(snap)
	}
	return true, nil
}
