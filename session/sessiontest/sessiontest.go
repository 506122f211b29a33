// Package sessiontest provides an in-memory session accessor for tests and
// single-instance setups.
package sessiontest

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ssogate/ssogate/session"
)

// Accessor stores session records in memory. Safe for concurrent use.
type Accessor struct {
	mu      sync.Mutex
	records map[string]session.Record

	// Gets counts backend fetches, for single-flight assertions.
	Gets atomic.Int32

	// Block, when set, is closed-waited before every Get so tests can
	// hold fetches in flight.
	Block chan struct{}

	// FailWith, when set, makes every call fail.
	FailWith error
}

func New() *Accessor {
	return &Accessor{records: make(map[string]session.Record)}
}

// Set stores a copy of the record under id.
func (a *Accessor) Set(id string, r session.Record) {
	cp := make(session.Record, len(r)+1)
	for k, v := range r {
		cp[k] = v
	}
	cp["_session_id"] = id
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records[id] = cp
}

// Delete removes the record, like a portal logout would.
func (a *Accessor) Delete(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.records, id)
}

func (a *Accessor) Get(ctx context.Context, id string) (session.Record, error) {
	a.Gets.Add(1)
	if a.Block != nil {
		select {
		case <-a.Block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if a.FailWith != nil {
		return nil, a.FailWith
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.records[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	cp := make(session.Record, len(r))
	for k, v := range r {
		cp[k] = v
	}
	return cp, nil
}

func (a *Accessor) Update(_ context.Context, id string, data session.Record) error {
	if a.FailWith != nil {
		return a.FailWith
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.records[id]
	if !ok {
		return session.ErrNotFound
	}
	for k, v := range data {
		r[k] = v
	}
	return nil
}

func init() {
	session.RegisterAccessor("inmemory", func(map[string]any) (session.Accessor, error) {
		return New(), nil
	})
}
