// Package state provides the key-value state backend used to persist
// upload records, completed-file records and distributed locks.
//
// Three interchangeable backends implement the same small capability set:
// an in-memory map for development and single-process deployments, a
// file-on-disk backend for persistence without external dependencies, and
// a Redis backend for production multi-worker deployments. Selection
// happens once at startup through the Manager.
package state

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable marks transient backend failures, such as a lost Redis
// connection or a filesystem I/O error. Callers may retry the operation
// idempotently. Any other error is considered fatal.
var ErrUnavailable = errors.New("state backend unavailable")

// SetOptions control the behavior of Backend.Set.
type SetOptions struct {
	// TTL is the expiration for the entry. Zero means no expiration.
	// Redis honors it natively; the memory and file backends emulate it.
	TTL time.Duration
	// IfAbsent makes the set conditional: the value is only written if
	// the key does not exist yet. This is the primitive the distributed
	// lock is built on.
	IfAbsent bool
}

// Backend is the interface that must be implemented by a state backend.
type Backend interface {
	// Get returns the value for key. The second return value reports
	// whether the key existed.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set writes value under key, honoring opts. It reports whether the
	// write was applied, which is only false for IfAbsent sets on an
	// existing key.
	Set(ctx context.Context, key, value string, opts SetOptions) (bool, error)
	// Delete removes key and reports whether it existed.
	Delete(ctx context.Context, key string) (bool, error)
	// ScanKeys returns every key starting with prefix at the time the
	// scan began. Keys added during the scan may be missed; keys deleted
	// before the scan began are never returned.
	ScanKeys(ctx context.Context, prefix string) ([]string, error)
	// Close releases any resources held by the backend.
	Close() error
}
