// Package rediskv provides a Redis-backed kv.Store for deployments where
// widget session state is hosted server-side and shared across nodes.
package rediskv

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/curia-network/embedhost/kv"
)

// Config for the Redis-backed store. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: EMBED_KV_PREFIX
	KeyPrefix string `env:"EMBED_KV_PREFIX,default=embed:kv:"`

	// Client optionally supplies an existing client; when set RedisAddr is
	// ignored.
	Client *redis.Client
}

// Store implements kv.Store using Redis strings.
type Store struct {
	client    *redis.Client
	keyPrefix string
	ownClient bool
}

// New creates a Redis-backed store from cfg.
func New(cfg Config) (*Store, error) {
	client := cfg.Client
	own := false
	if client == nil {
		addr := cfg.RedisAddr
		if addr == "" {
			addr = "localhost:6379"
		}
		client = redis.NewClient(&redis.Options{Addr: addr})
		own = true
		if err := client.Ping(context.Background()).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("rediskv: redis ping: %w", err)
		}
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "embed:kv:"
	}
	return &Store{client: client, keyPrefix: prefix, ownClient: own}, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv() (*Store, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, s.keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("rediskv: failed to get key %q: %w", key, err)
	}
	return val, nil
}

func (s *Store) Set(ctx context.Context, key string, data []byte) error {
	if err := s.client.Set(ctx, s.keyPrefix+key, data, 0).Err(); err != nil {
		// Redis reports memory pressure as an OOM command rejection.
		if strings.Contains(err.Error(), "OOM") {
			return fmt.Errorf("rediskv: write of key %q: %w", key, kv.ErrQuotaExceeded)
		}
		return fmt.Errorf("rediskv: failed to set key %q: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("rediskv: failed to delete key %q: %w", key, err)
	}
	return nil
}

func (s *Store) Close() error {
	if s.ownClient {
		return s.client.Close()
	}
	return nil
}

var _ kv.Store = (*Store)(nil)
