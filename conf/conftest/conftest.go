// Package conftest provides an in-memory configuration accessor for tests
// and single-instance setups without an external configuration backend.
package conftest

import (
	"context"
	"errors"
	"sync"

	"github.com/ssogate/ssogate/conf"
)

// Accessor serves raw configuration documents from memory. Safe for
// concurrent use.
type Accessor struct {
	mu   sync.Mutex
	last int64
	docs map[int64]*conf.Raw

	// FailNext makes the next accessor call fail, to exercise fetch error
	// paths.
	FailNext error

	// ForceLast overrides the reported latest cfgNum when non-zero, to
	// exercise stale reload announcements.
	ForceLast int64

	// Calls counts backend round trips.
	Calls int
}

func New() *Accessor {
	return &Accessor{docs: make(map[int64]*conf.Raw)}
}

// Set stores a document under its cfgNum and makes it the latest if newer.
func (a *Accessor) Set(raw *conf.Raw) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.docs[raw.CfgNum] = raw
	if raw.CfgNum > a.last {
		a.last = raw.CfgNum
	}
}

func (a *Accessor) takeFailure() error {
	if err := a.FailNext; err != nil {
		a.FailNext = nil
		return err
	}
	return nil
}

func (a *Accessor) Available(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.takeFailure()
}

func (a *Accessor) LastNum(context.Context) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Calls++
	if err := a.takeFailure(); err != nil {
		return 0, err
	}
	if a.ForceLast != 0 {
		return a.ForceLast, nil
	}
	return a.last, nil
}

func (a *Accessor) Load(_ context.Context, cfgNum int64) (*conf.Raw, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Calls++
	if err := a.takeFailure(); err != nil {
		return nil, err
	}
	raw, ok := a.docs[cfgNum]
	if !ok {
		return nil, errors.New("no such configuration")
	}
	return raw, nil
}
