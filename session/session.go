// Package session provides read-mostly access to SSO session records
// through a two-tier cache: a bounded in-process tier backed by a pluggable
// session storage backend. The handler never creates or deletes sessions,
// that is the portal's job; the only write path is the last-seen touch.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrNotFound means the backend has no record for the id.
	ErrNotFound = errors.New("session not found")
	// ErrExpired means a record exists but exceeded its lifetime.
	ErrExpired = errors.New("session expired")
	// ErrBackendTimeout means the backend did not answer within the fetch
	// budget or is currently considered down.
	ErrBackendTimeout = errors.New("session backend timeout")
)

// Record is one session's attribute map. Mandatory fields are "_session_id"
// and "_utime", everything else is backend defined.
type Record map[string]any

const (
	idField       = "_session_id"
	utimeField    = "_utime"
	lastSeenField = "_lastSeen"
	logoutField   = "_logout"
)

func (r Record) ID() string { s, _ := r[idField].(string); return s }

// UTime is the session creation time, zero when absent or malformed.
func (r Record) UTime() time.Time { return epochField(r[utimeField]) }

// LastSeen is the last activity time, zero when the record was never
// touched.
func (r Record) LastSeen() time.Time { return epochField(r[lastSeenField]) }

func epochField(v any) time.Time {
	switch t := v.(type) {
	case int64:
		return time.Unix(t, 0)
	case int:
		return time.Unix(int64(t), 0)
	case float64:
		return time.Unix(int64(t), 0)
	case string:
		var n int64
		if _, err := fmt.Sscanf(t, "%d", &n); err == nil {
			return time.Unix(n, 0)
		}
	}
	return time.Time{}
}

// Attrs exposes the record as the read-only variable scope for rule
// evaluation.
func (r Record) Attrs() map[string]any { return r }

// Accessor is the narrow contract to a session storage backend. The
// handler core calls Get, and Update only for last-seen touches.
type Accessor interface {
	Get(ctx context.Context, id string) (Record, error)
	Update(ctx context.Context, id string, data Record) error
}

// AccessorConstructor builds an accessor from backend specific options.
type AccessorConstructor func(options map[string]any) (Accessor, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]AccessorConstructor)
)

// RegisterAccessor makes a session backend available by name, selected once
// at startup.
func RegisterAccessor(kind string, c AccessorConstructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[kind] = c
}

// NewAccessor builds the named session backend.
func NewAccessor(kind string, options map[string]any) (Accessor, error) {
	registryMu.RLock()
	c, ok := registry[kind]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown session backend %q, available: %v", kind, accessorKinds())
	}
	return c(options)
}

func accessorKinds() []string {
	kinds := make([]string, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
