package state

import (
	"context"
	"fmt"
	"os"
)

// BackendType selects which state backend the Manager constructs.
type BackendType string

const (
	BackendMemory BackendType = "memory"
	BackendFile   BackendType = "file"
	BackendRedis  BackendType = "redis"
)

// ManagerConfig describes how to construct the state manager.
type ManagerConfig struct {
	// Backend selects the implementation. Defaults to BackendMemory.
	Backend BackendType
	// Dir is the state directory for the file backend. It is created if
	// it does not exist.
	Dir string
	// RedisURI is the connection string for the Redis backend.
	RedisURI string
}

// Manager is a thin facade over the selected backend. All record and lock
// operations in the rest of the codebase go through it, so the backend
// choice is made exactly once, at startup.
type Manager struct {
	backend Backend
	kind    BackendType
}

// NewManager constructs the backend described by config.
func NewManager(config ManagerConfig) (*Manager, error) {
	kind := config.Backend
	if kind == "" {
		kind = BackendMemory
	}

	var backend Backend
	switch kind {
	case BackendMemory:
		backend = NewMemoryBackend()
	case BackendFile:
		if config.Dir == "" {
			return nil, fmt.Errorf("state: file backend requires a state directory")
		}
		if err := os.MkdirAll(config.Dir, 0775); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrUnavailable, err)
		}
		backend = NewFileBackend(config.Dir)
	case BackendRedis:
		var err error
		backend, err = NewRedisBackend(config.RedisURI)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("state: unknown backend type %q", kind)
	}

	return &Manager{backend: backend, kind: kind}, nil
}

// NewManagerFromBackend wraps an already constructed backend. Mostly
// useful for tests.
func NewManagerFromBackend(backend Backend, kind BackendType) *Manager {
	return &Manager{backend: backend, kind: kind}
}

// BackendName returns the name of the selected backend.
func (m *Manager) BackendName() string {
	return string(m.kind)
}

func (m *Manager) Get(ctx context.Context, key string) (string, bool, error) {
	return m.backend.Get(ctx, key)
}

func (m *Manager) Set(ctx context.Context, key, value string, opts SetOptions) (bool, error) {
	return m.backend.Set(ctx, key, value, opts)
}

func (m *Manager) Delete(ctx context.Context, key string) (bool, error) {
	return m.backend.Delete(ctx, key)
}

func (m *Manager) ScanKeys(ctx context.Context, prefix string) ([]string, error) {
	return m.backend.ScanKeys(ctx, prefix)
}

func (m *Manager) Close() error {
	return m.backend.Close()
}
