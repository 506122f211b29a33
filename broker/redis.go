package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// ErrNotSubscribed is returned when polling a channel without a
// subscription.
var ErrNotSubscribed = errors.New("not subscribed")

const subscriptionBuffer = 64

// RedisOptions configure the Redis pub/sub transport. Sentinel setups work
// through MasterName.
type RedisOptions struct {
	Addrs      []string
	MasterName string
	Password   string
	DB         int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type redisBroker struct {
	client redis.UniversalClient

	mu   sync.Mutex
	subs map[string]*redisSub
}

type redisSub struct {
	pubsub *redis.PubSub
	out    chan *Message
}

// NewRedis creates a Redis pub/sub broker. The underlying client
// re-establishes dropped subscriptions itself; messages published during a
// gap are lost, which the coordination protocol tolerates.
func NewRedis(o RedisOptions) Broker {
	return &redisBroker{
		client: redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:        o.Addrs,
			MasterName:   o.MasterName,
			Password:     o.Password,
			DB:           o.DB,
			DialTimeout:  o.DialTimeout,
			ReadTimeout:  o.ReadTimeout,
			WriteTimeout: o.WriteTimeout,
		}),
		subs: make(map[string]*redisSub),
	}
}

func (b *redisBroker) Publish(ctx context.Context, channel string, msg Message) error {
	if err := ValidateChannel(channel); err != nil {
		return err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, channel, payload).Err()
}

func (b *redisBroker) Subscribe(ctx context.Context, channel string) error {
	if err := ValidateChannel(channel); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[channel]; ok {
		return nil
	}

	pubsub := b.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}

	sub := &redisSub{pubsub: pubsub, out: make(chan *Message, subscriptionBuffer)}
	b.subs[channel] = sub

	go func() {
		for m := range pubsub.Channel() {
			var msg Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				log.Errorf("dropping malformed message on %s: %v", channel, err)
				continue
			}
			select {
			case sub.out <- &msg:
			default:
				log.Warnf("dropping message on %s, consumer too slow", channel)
			}
		}
		close(sub.out)
	}()
	return nil
}

func (b *redisBroker) subscription(channel string) *redisSub {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subs[channel]
}

func (b *redisBroker) NextMessage(channel string) (*Message, bool) {
	sub := b.subscription(channel)
	if sub == nil {
		return nil, false
	}
	select {
	case msg, ok := <-sub.out:
		return msg, ok && msg != nil
	default:
		return nil, false
	}
}

func (b *redisBroker) WaitMessage(ctx context.Context, channel string) (*Message, error) {
	sub := b.subscription(channel)
	if sub == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotSubscribed, channel)
	}
	select {
	case msg, ok := <-sub.out:
		if !ok {
			return nil, fmt.Errorf("subscription %s closed", channel)
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *redisBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	for ch, sub := range b.subs {
		if err := sub.pubsub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(b.subs, ch)
	}
	if err := b.client.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func init() {
	Register("redis", func(options map[string]any) (Broker, error) {
		var o RedisOptions
		if addrs, ok := options["addrs"].([]any); ok {
			for _, a := range addrs {
				if s, ok := a.(string); ok {
					o.Addrs = append(o.Addrs, s)
				}
			}
		}
		if s, ok := options["addr"].(string); ok {
			o.Addrs = append(o.Addrs, s)
		}
		if len(o.Addrs) == 0 {
			return nil, fmt.Errorf("redis broker requires addrs")
		}
		o.MasterName, _ = options["masterName"].(string)
		o.Password, _ = options["password"].(string)
		if db, ok := options["db"].(int); ok {
			o.DB = db
		}
		return NewRedis(o), nil
	})
}
