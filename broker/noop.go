package broker

import "context"

// noopBroker is the single-instance transport: publishes are dropped,
// subscriptions never deliver. The handler then relies on local reloads
// only.
type noopBroker struct{}

// NewNoop creates the no-op broker.
func NewNoop() Broker { return noopBroker{} }

func (noopBroker) Publish(_ context.Context, channel string, _ Message) error {
	return ValidateChannel(channel)
}

func (noopBroker) Subscribe(_ context.Context, channel string) error {
	return ValidateChannel(channel)
}

func (noopBroker) NextMessage(string) (*Message, bool) { return nil, false }

func (noopBroker) WaitMessage(ctx context.Context, _ string) (*Message, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (noopBroker) Close() error { return nil }

func init() {
	Register("noop", func(map[string]any) (Broker, error) {
		return NewNoop(), nil
	})
}
