// Package redis is a storage.Storage backed by Redis. Values are stored as a
// small JSON envelope so that CreatedAt and ExpiresAt survive the round trip;
// TTLs are also applied natively so Redis reclaims expired keys on its own.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/dropdesk/storage"
	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix is used when Config.KeyPrefix is empty.
const DefaultKeyPrefix = "dropdesk:"

// Config configures the Redis store.
type Config struct {
	Client redis.UniversalClient

	// KeyPrefix is prepended to every key. Default: "dropdesk:".
	KeyPrefix string
}

// Storage implements storage.Storage on Redis.
type Storage struct {
	client redis.UniversalClient
	prefix string
}

type envelope struct {
	Data      []byte     `json:"data"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// New wraps an existing client. The store takes ownership and closes it in
// Close.
func New(cfg Config) (*Storage, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	return &Storage{client: cfg.Client, prefix: cfg.KeyPrefix}, nil
}

// Dial parses a redis:// URL, pings the server and returns a ready store.
func Dial(ctx context.Context, url, keyPrefix string) (*Storage, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Join(fmt.Errorf("ping redis: %w", err), client.Close())
	}
	return New(Config{Client: client, KeyPrefix: keyPrefix})
}

func (s *Storage) Get(ctx context.Context, key string, opts ...storage.Option) (*storage.Item, error) {
	o := storage.Resolve(opts...)
	rk := s.key(o.Namespace, key)

	raw, err := s.client.Get(ctx, rk).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", rk, err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode stored item %s: %w", rk, err)
	}
	item := &storage.Item{Data: env.Data, CreatedAt: env.CreatedAt, ExpiresAt: env.ExpiresAt}
	if item.IsExpired() {
		s.client.Del(ctx, rk)
		return nil, nil
	}
	return item, nil
}

func (s *Storage) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	o := storage.Resolve(opts...)
	rk := s.key(o.Namespace, key)

	now := time.Now()
	env := envelope{Data: data, CreatedAt: now}
	var ttl time.Duration
	if o.TTL != nil {
		ttl = *o.TTL
		exp := now.Add(ttl)
		env.ExpiresAt = &exp
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode stored item: %w", err)
	}
	if err := s.client.Set(ctx, rk, raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", rk, err)
	}
	return nil
}

func (s *Storage) Delete(ctx context.Context, opts ...storage.Option) error {
	o := storage.Resolve(opts...)

	if o.Key != nil {
		rk := s.key(o.Namespace, *o.Key)
		if err := s.client.Del(ctx, rk).Err(); err != nil {
			return fmt.Errorf("redis del %s: %w", rk, err)
		}
		return nil
	}

	pattern := s.key(o.Namespace, "*")
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan %s: %w", pattern, err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del namespace: %w", err)
	}
	return nil
}

func (s *Storage) Close() error {
	return s.client.Close()
}

func (s *Storage) key(ns storage.Namespace, key string) string {
	return s.prefix + storage.FlatKey(ns, key)
}

var _ storage.Storage = (*Storage)(nil)
