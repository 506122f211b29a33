// Package broker propagates configuration reloads and session
// invalidations across independently running handler processes over a
// publish/subscribe transport. Delivery is at-least-once and unordered,
// every consumer action is idempotent.
package broker

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
)

// Control message actions.
const (
	ActionReload     = "reload"
	ActionUnlog      = "unlog"
	ActionDelSession = "delSession"
	ActionNewSession = "newSession"
	ActionPing       = "ping"
)

// Message is the JSON wire format of one control message.
type Message struct {
	Action  string `json:"action"`
	ID      string `json:"id,omitempty"`
	Channel string `json:"channel,omitempty"`
	Sender  string `json:"sender,omitempty"`
}

// ErrBadChannel marks channel names failing validation.
var ErrBadChannel = errors.New("invalid channel name")

// channel names end up in transports that cannot parameterize them, like
// NOTIFY statements, so they are restricted to a safe identifier pattern
var channelPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// ValidateChannel rejects channel names outside the identifier pattern.
func ValidateChannel(name string) error {
	if !channelPattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrBadChannel, name)
	}
	return nil
}

// Broker is the narrow contract to a pub/sub transport.
type Broker interface {
	Publish(ctx context.Context, channel string, msg Message) error
	Subscribe(ctx context.Context, channel string) error
	// NextMessage polls without blocking, the bool reports whether a
	// message was available.
	NextMessage(channel string) (*Message, bool)
	// WaitMessage blocks until a message arrives, the context is done or
	// the subscription breaks.
	WaitMessage(ctx context.Context, channel string) (*Message, error)
	Close() error
}

// Constructor builds a broker from transport specific options.
type Constructor func(options map[string]any) (Broker, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Constructor)
)

// Register makes a transport available by name, selected once at startup.
func Register(kind string, c Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[kind] = c
}

// New builds the named transport.
func New(kind string, options map[string]any) (Broker, error) {
	registryMu.RLock()
	c, ok := registry[kind]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown broker %q, available: %v", kind, kinds())
	}
	return c(options)
}

func kinds() []string {
	ks := make([]string, 0, len(registry))
	for k := range registry {
		ks = append(ks, k)
	}
	sort.Strings(ks)
	return ks
}
