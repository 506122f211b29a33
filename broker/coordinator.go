package broker

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/ssogate/ssogate/conf"
	"github.com/ssogate/ssogate/session"
)

// CoordinatorOptions wire a Coordinator to its collaborators.
type CoordinatorOptions struct {
	Broker  Broker
	Channel string

	Store    *conf.Store
	Sessions *session.Cache

	// OnMessage is an optional observation hook called after dispatching
	// each message, for tests and metrics.
	OnMessage func(*Message)
}

// Coordinator consumes control messages and keeps this process's snapshot
// and session cache converging with the rest of the fleet. Duplicate and
// out-of-order delivery are harmless: reload is monotonic by cfgNum and
// invalidate is idempotent.
type Coordinator struct {
	broker    Broker
	channel   string
	store     *conf.Store
	sessions  *session.Cache
	onMessage func(*Message)

	// instance identifies this process in published messages and logs
	instance string

	cancel context.CancelFunc
	done   chan struct{}
}

func NewCoordinator(o CoordinatorOptions) (*Coordinator, error) {
	if err := ValidateChannel(o.Channel); err != nil {
		return nil, err
	}
	return &Coordinator{
		broker:    o.Broker,
		channel:   o.Channel,
		store:     o.Store,
		sessions:  o.Sessions,
		onMessage: o.OnMessage,
		instance:  uuid.NewString(),
		done:      make(chan struct{}),
	}, nil
}

// Instance returns this process's identity used in published messages.
func (c *Coordinator) Instance() string { return c.instance }

// Publish sends a control message on the coordinator's channel, tagged
// with the instance id. Used by admin triggers, the consume side treats
// own messages like any other.
func (c *Coordinator) Publish(ctx context.Context, msg Message) error {
	msg.Sender = c.instance
	return c.broker.Publish(ctx, c.channel, msg)
}

// Start subscribes and begins consuming until Stop.
func (c *Coordinator) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.run(ctx)
}

// Stop unsubscribes and waits for the consume loop to exit.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
	if err := c.broker.Close(); err != nil {
		log.Errorf("failed to close broker: %v", err)
	}
}

func (c *Coordinator) run(ctx context.Context) {
	defer close(c.done)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second

	for {
		if err := c.broker.Subscribe(ctx, c.channel); err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := bo.NextBackOff()
			log.Errorf("broker subscribe failed, retrying in %v: %v", wait, err)
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return
			}
		}
		bo.Reset()
		log.Infof("instance %s subscribed to %s", c.instance, c.channel)

		if err := c.consume(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			// connection lost, resubscribe; messages missed during the
			// gap are tolerated by the protocol
			log.Errorf("broker connection lost: %v", err)
		}
	}
}

func (c *Coordinator) consume(ctx context.Context) error {
	for {
		msg, err := c.broker.WaitMessage(ctx, c.channel)
		if err != nil {
			return err
		}
		c.dispatch(ctx, msg)
		if c.onMessage != nil {
			c.onMessage(msg)
		}
	}
}

func (c *Coordinator) dispatch(ctx context.Context, msg *Message) {
	switch msg.Action {
	case ActionReload:
		swapped, err := c.store.Reload(ctx)
		switch {
		case err != nil && !errors.Is(err, context.Canceled):
			log.Errorf("reload triggered by %s failed: %v", msg.Sender, err)
		case swapped:
			log.Infof("configuration reloaded, now at %d", c.store.Current().CfgNum())
		}
	case ActionUnlog, ActionDelSession:
		if msg.ID == "" {
			log.Warnf("%s message without session id ignored", msg.Action)
			return
		}
		c.sessions.Invalidate(msg.ID)
		log.Debugf("session %s invalidated", msg.ID)
	case ActionNewSession, ActionPing:
		log.Debugf("%s from %s", msg.Action, msg.Sender)
	default:
		log.Infof("unknown broker action %q ignored", msg.Action)
	}
}
