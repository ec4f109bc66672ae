// internal/state/kv.go
package state

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/user/buddy/internal/types"
)

// OpenKV returns the blob store selected by driver: "file" (default),
// "sqlite" or "memory".
func OpenKV(driver, dataDir string) (types.KV, error) {
	switch driver {
	case "", "file":
		return NewFileKV(dataDir), nil
	case "sqlite":
		return NewSQLiteKV(filepath.Join(dataDir, "buddy.db"))
	case "memory":
		return NewMemoryKV(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}

// MemoryKV keeps blobs in process memory.
type MemoryKV struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string][]byte)}
}

func (m *MemoryKV) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.data[key]
	if !ok {
		return nil, types.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryKV) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryKV) Close() error { return nil }
