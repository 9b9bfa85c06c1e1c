// ABOUTME: Expiring key-value abstraction backing ceremony challenges and sessions
// ABOUTME: Defines the Store contract shared by the Redis and in-memory backends

package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key is absent or has expired.
var ErrNotFound = errors.New("key not found")

// ErrUnavailable wraps transport or backend failures. Callers may retry.
var ErrUnavailable = errors.New("key-value store unavailable")

// Store is an expiring key-value store. Every entry carries a ttl and
// disappears once it elapses; implementations never return expired values.
type Store interface {
	// SetNX stores value under key only if key is absent.
	// It reports false when the key already exists.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// GetDel atomically returns and deletes the value for key.
	// Of several concurrent callers for the same key, at most one succeeds;
	// the others get ErrNotFound.
	GetDel(ctx context.Context, key string) ([]byte, error)

	// Del removes key. Deleting an absent key is not an error.
	Del(ctx context.Context, key string) error

	// Close releases backend resources.
	Close() error
}
