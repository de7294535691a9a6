// Package memorykv provides an in-memory kv.Store backed by an LRU cache.
// Suitable for single-process embedding and tests. A configurable per-value
// byte limit lets tests exercise quota recovery paths.
package memorykv

import (
	"context"
	"fmt"
	"sync"

	"github.com/curia-network/embedhost/kv"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Store implements kv.Store using an in-memory LRU cache.
type Store struct {
	mu            sync.RWMutex
	cache         *lru.Cache[string, []byte]
	maxValueBytes int
}

// Option configures the store.
type Option func(*Store)

// WithMaxValueBytes sets a per-value size ceiling. Writes above it fail
// with kv.ErrQuotaExceeded. Zero means unlimited.
func WithMaxValueBytes(n int) Option {
	return func(s *Store) { s.maxValueBytes = n }
}

// New creates an in-memory store holding up to maxKeys entries.
func New(maxKeys int, opts ...Option) (*Store, error) {
	cache, err := lru.New[string, []byte](maxKeys)
	if err != nil {
		return nil, fmt.Errorf("memorykv: failed to create LRU cache: %w", err)
	}
	s := &Store{cache: cache}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	val, ok := s.cache.Get(key)
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}

func (s *Store) Set(ctx context.Context, key string, data []byte) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if s.maxValueBytes > 0 && len(data) > s.maxValueBytes {
		return fmt.Errorf("memorykv: value of %d bytes for key %q: %w", len(data), key, kv.ErrQuotaExceeded)
	}

	val := make([]byte, len(data))
	copy(val, data)

	s.mu.Lock()
	s.cache.Add(key, val)
	s.mu.Unlock()
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.mu.Lock()
	s.cache.Remove(key)
	s.mu.Unlock()
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	s.cache.Purge()
	s.mu.Unlock()
	return nil
}

var _ kv.Store = (*Store)(nil)
