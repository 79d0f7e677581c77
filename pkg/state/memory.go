package state

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryBackend keeps all entries in a map guarded by a single mutex.
// Expirations are emulated with per-entry deadlines which are enforced
// lazily on access and by a janitor goroutine sweeping in the background.
// Entries only exist as long as this object is kept in reference and will
// be erased if the program exits.
type MemoryBackend struct {
	mutex   sync.RWMutex
	entries map[string]memoryEntry
	stop    chan struct{}
	once    sync.Once
}

type memoryEntry struct {
	value    string
	deadline time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.deadline.IsZero() && e.deadline.Before(now)
}

// NewMemoryBackend creates an empty in-memory backend and starts its
// expiry janitor.
func NewMemoryBackend() *MemoryBackend {
	b := &MemoryBackend{
		entries: make(map[string]memoryEntry),
		stop:    make(chan struct{}),
	}
	go b.janitor()
	return b
}

func (b *MemoryBackend) janitor() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case now := <-ticker.C:
			b.mutex.Lock()
			for key, entry := range b.entries {
				if entry.expired(now) {
					delete(b.entries, key)
				}
			}
			b.mutex.Unlock()
		}
	}
}

func (b *MemoryBackend) Get(ctx context.Context, key string) (string, bool, error) {
	b.mutex.RLock()
	entry, ok := b.entries[key]
	b.mutex.RUnlock()

	if !ok || entry.expired(time.Now()) {
		return "", false, nil
	}
	return entry.value, true, nil
}

func (b *MemoryBackend) Set(ctx context.Context, key, value string, opts SetOptions) (bool, error) {
	now := time.Now()

	b.mutex.Lock()
	defer b.mutex.Unlock()

	if opts.IfAbsent {
		if entry, ok := b.entries[key]; ok && !entry.expired(now) {
			return false, nil
		}
	}

	entry := memoryEntry{value: value}
	if opts.TTL > 0 {
		entry.deadline = now.Add(opts.TTL)
	}
	b.entries[key] = entry
	return true, nil
}

func (b *MemoryBackend) Delete(ctx context.Context, key string) (bool, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	entry, ok := b.entries[key]
	if !ok {
		return false, nil
	}
	delete(b.entries, key)
	return !entry.expired(time.Now()), nil
}

func (b *MemoryBackend) ScanKeys(ctx context.Context, prefix string) ([]string, error) {
	now := time.Now()

	b.mutex.RLock()
	defer b.mutex.RUnlock()

	keys := make([]string, 0, len(b.entries))
	for key, entry := range b.entries {
		if strings.HasPrefix(key, prefix) && !entry.expired(now) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (b *MemoryBackend) Close() error {
	b.once.Do(func() {
		close(b.stop)
	})
	return nil
}
