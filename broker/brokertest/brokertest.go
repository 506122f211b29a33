// Package brokertest provides a loopback broker delivering published
// messages to in-process subscribers, for tests.
package brokertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/ssogate/ssogate/broker"
)

// Broker is a loopback pub/sub transport. Safe for concurrent use.
type Broker struct {
	mu   sync.Mutex
	subs map[string]chan *broker.Message

	// FailSubscribe makes the next Subscribe call fail, to exercise the
	// coordinator's retry path.
	FailSubscribe error
}

func New() *Broker {
	return &Broker{subs: make(map[string]chan *broker.Message)}
}

func (b *Broker) Publish(_ context.Context, channel string, msg broker.Message) error {
	if err := broker.ValidateChannel(channel); err != nil {
		return err
	}
	b.mu.Lock()
	ch := b.subs[channel]
	b.mu.Unlock()
	if ch != nil {
		ch <- &msg
	}
	return nil
}

func (b *Broker) Subscribe(_ context.Context, channel string) error {
	if err := broker.ValidateChannel(channel); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.FailSubscribe; err != nil {
		b.FailSubscribe = nil
		return err
	}
	if _, ok := b.subs[channel]; !ok {
		b.subs[channel] = make(chan *broker.Message, 64)
	}
	return nil
}

func (b *Broker) NextMessage(channel string) (*broker.Message, bool) {
	b.mu.Lock()
	ch := b.subs[channel]
	b.mu.Unlock()
	if ch == nil {
		return nil, false
	}
	select {
	case msg := <-ch:
		return msg, true
	default:
		return nil, false
	}
}

func (b *Broker) WaitMessage(ctx context.Context, channel string) (*broker.Message, error) {
	b.mu.Lock()
	ch := b.subs[channel]
	b.mu.Unlock()
	if ch == nil {
		return nil, fmt.Errorf("%w: %s", broker.ErrNotSubscribed, channel)
	}
	select {
	case msg := <-ch:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *Broker) Close() error { return nil }
