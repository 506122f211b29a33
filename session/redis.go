package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configure the Redis session backend. Sentinel setups work
// through MasterName, plain and cluster setups through Addrs.
type RedisOptions struct {
	Addrs      []string
	MasterName string
	Password   string
	DB         int

	// Prefix is prepended to session ids to form keys.
	Prefix string

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type redisAccessor struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisAccessor creates a session accessor reading JSON records from
// Redis.
func NewRedisAccessor(o RedisOptions) Accessor {
	return &redisAccessor{
		client: redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:        o.Addrs,
			MasterName:   o.MasterName,
			Password:     o.Password,
			DB:           o.DB,
			DialTimeout:  o.DialTimeout,
			ReadTimeout:  o.ReadTimeout,
			WriteTimeout: o.WriteTimeout,
		}),
		prefix: o.Prefix,
	}
}

func (a *redisAccessor) key(id string) string { return a.prefix + id }

func (a *redisAccessor) Get(ctx context.Context, id string) (Record, error) {
	data, err := a.client.Get(ctx, a.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", id, err)
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("malformed session %s: %w", id, err)
	}
	return r, nil
}

// Update merges the given fields into the stored record, keeping the key's
// TTL. Read-modify-write without a lock: last writer wins, which is the
// contract for last-seen touches.
func (a *redisAccessor) Update(ctx context.Context, id string, data Record) error {
	r, err := a.Get(ctx, id)
	if err != nil {
		return err
	}
	for k, v := range data {
		r[k] = v
	}
	out, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if err := a.client.Set(ctx, a.key(id), out, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", id, err)
	}
	return nil
}

func init() {
	RegisterAccessor("redis", func(options map[string]any) (Accessor, error) {
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
			return nil, fmt.Errorf("redis session backend requires addrs")
		}
		o.MasterName, _ = options["masterName"].(string)
		o.Password, _ = options["password"].(string)
		if db, ok := options["db"].(int); ok {
			o.DB = db
		}
		o.Prefix, _ = options["prefix"].(string)
		return NewRedisAccessor(o), nil
	})
}
