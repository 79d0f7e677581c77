package state

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var defaultFilePerm = os.FileMode(0664)

// FileBackend persists every entry as a file in a single directory. The
// key is encoded into the file name, the value is the file content and an
// optional `.meta` sidecar records the expiration deadline. All writes go
// through a temporary file followed by a rename, so a crash never leaves
// a half-written entry behind.
//
// The backend serializes mutations with a process-wide mutex. It provides
// persistence without external dependencies but no cross-process
// atomicity for conditional sets; use the Redis backend when multiple
// workers share the state directory.
type FileBackend struct {
	// Path to the state directory. FileBackend does not create it, use
	// os.MkdirAll on your own.
	path  string
	mutex sync.Mutex
}

type fileMeta struct {
	ExpiresAt time.Time `json:"expires_at"`
}

// NewFileBackend creates a file based state backend storing entries in
// the given directory.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

// entryPath encodes the key so that arbitrary key names, including the
// `prefix:` separators, map onto safe file names.
func (b *FileBackend) entryPath(key string) string {
	return filepath.Join(b.path, base64.RawURLEncoding.EncodeToString([]byte(key)))
}

func (b *FileBackend) metaPath(key string) string {
	return b.entryPath(key) + ".meta"
}

// expiredLocked reports whether the entry for key has lapsed and removes
// it if so. The caller must hold the mutex.
func (b *FileBackend) expiredLocked(key string) (bool, error) {
	data, err := os.ReadFile(b.metaPath(key))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}

	var meta fileMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return false, err
	}
	if meta.ExpiresAt.IsZero() || meta.ExpiresAt.After(time.Now()) {
		return false, nil
	}

	os.Remove(b.entryPath(key))
	os.Remove(b.metaPath(key))
	return true, nil
}

func (b *FileBackend) Get(ctx context.Context, key string) (string, bool, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if _, err := b.expiredLocked(key); err != nil {
		return "", false, err
	}

	data, err := os.ReadFile(b.entryPath(key))
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	return string(data), true, nil
}

func (b *FileBackend) Set(ctx context.Context, key, value string, opts SetOptions) (bool, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if _, err := b.expiredLocked(key); err != nil {
		return false, err
	}

	if opts.IfAbsent {
		if _, err := os.Stat(b.entryPath(key)); err == nil {
			return false, nil
		} else if !os.IsNotExist(err) {
			return false, fmt.Errorf("%w: %s", ErrUnavailable, err)
		}
	}

	if err := b.writeAtomic(b.entryPath(key), []byte(value)); err != nil {
		return false, err
	}

	if opts.TTL > 0 {
		meta, err := json.Marshal(fileMeta{ExpiresAt: time.Now().Add(opts.TTL)})
		if err != nil {
			return false, err
		}
		if err := b.writeAtomic(b.metaPath(key), meta); err != nil {
			return false, err
		}
	} else {
		os.Remove(b.metaPath(key))
	}

	return true, nil
}

// writeAtomic writes data to a temporary file in the state directory and
// renames it into place.
func (b *FileBackend) writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(b.path, ".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	os.Chmod(tmpName, defaultFilePerm)

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	return nil
}

func (b *FileBackend) Delete(ctx context.Context, key string) (bool, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if expired, err := b.expiredLocked(key); err != nil {
		return false, err
	} else if expired {
		return false, nil
	}

	err := os.Remove(b.entryPath(key))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	os.Remove(b.metaPath(key))
	return true, nil
}

func (b *FileBackend) ScanKeys(ctx context.Context, prefix string) ([]string, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	entries, err := os.ReadDir(b.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}

	var keys []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasSuffix(name, ".meta") || strings.HasPrefix(name, ".tmp-") {
			continue
		}

		decoded, err := base64.RawURLEncoding.DecodeString(name)
		if err != nil {
			// Not one of our entries.
			continue
		}
		key := string(decoded)
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if expired, err := b.expiredLocked(key); err != nil {
			return nil, err
		} else if expired {
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (b *FileBackend) Close() error {
	return nil
}
