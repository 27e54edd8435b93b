package backup

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrKeyNotFound is returned by Get for absent keys.
var ErrKeyNotFound = errors.New("key not found")

// KV is the persistent key-value surface the backup store writes through.
// Browser-local storage, a file directory and an in-memory map all fit.
type KV interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
}

// MemoryKV is a map-backed KV for tests and ephemeral sessions.
type MemoryKV struct {
	mu   sync.RWMutex
	data map[string][]byte
}

var _ KV = (*MemoryKV)(nil)

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string][]byte)}
}

func (kv *MemoryKV) Get(key string) ([]byte, error) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	value, ok := kv.data[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (kv *MemoryKV) Set(key string, value []byte) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	stored := make([]byte, len(value))
	copy(stored, value)
	kv.data[key] = stored
	return nil
}

func (kv *MemoryKV) Delete(key string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	delete(kv.data, key)
	return nil
}

// FileKV stores one file per key under a directory. Writes go through a
// temp file and rename so readers never observe a partial value.
type FileKV struct {
	dir string
	mu  sync.Mutex
}

var _ KV = (*FileKV)(nil)

func NewFileKV(dir string) (*FileKV, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileKV{dir: dir}, nil
}

// Dir returns the backing directory, for watchers.
func (kv *FileKV) Dir() string {
	return kv.dir
}

func (kv *FileKV) Get(key string) ([]byte, error) {
	data, err := os.ReadFile(kv.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	return data, nil
}

func (kv *FileKV) Set(key string, value []byte) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	tmp := kv.path(key) + ".tmp"
	if err := os.WriteFile(tmp, value, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, kv.path(key))
}

func (kv *FileKV) Delete(key string) error {
	err := os.Remove(kv.path(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (kv *FileKV) path(key string) string {
	// Keys are fixed engine-chosen names; sanitize anyway.
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, key)
	return filepath.Join(kv.dir, safe)
}
