// Package kv defines the durable per-origin key/value contract backing the
// session store. Writes are whole-value overwrites: the last writer wins,
// and cross-writer races are corrected by reconciliation rather than
// locking.
package kv

import (
	"context"
	"errors"
)

// Store is a snapshot-granularity key/value store shared by every writer of
// the same origin.
type Store interface {
	// Get returns the value for key, or nil with no error when the key is
	// absent. Errors are reserved for genuine backend failures.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set overwrites the value for key. A backend that is out of space
	// returns an error wrapping ErrQuotaExceeded.
	Set(ctx context.Context, key string, data []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases backend resources.
	Close() error
}

// ErrQuotaExceeded signals that the backend refused a write for capacity
// reasons. Callers are expected to evict and retry.
var ErrQuotaExceeded = errors.New("kv: quota exceeded")
