package storage

import (
	"sort"
	"strings"
	"sync"
)

// Medium is the durable key-value store the adapter writes through. It is
// the only seam between the persistence engine and the host storage; every
// other component goes through the Adapter, never through a Medium directly.
type Medium interface {
	// Get returns the value for key, or ErrKeyNotFound.
	Get(key string) ([]byte, error)
	// Put stores value under key, overwriting any existing value.
	Put(key string, value []byte) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error
	// Keys returns all keys with the given prefix, sorted ascending.
	Keys(prefix string) ([]string, error)
	// Close releases the medium.
	Close() error
}

// MemoryMedium is a Medium held entirely in process memory. It backs tests
// and the dry-run mode of sessionctl.
type MemoryMedium struct {
	mu     sync.RWMutex
	values map[string][]byte
}

// NewMemoryMedium creates an empty in-memory medium.
func NewMemoryMedium() *MemoryMedium {
	return &MemoryMedium{values: make(map[string][]byte)}
}

func (m *MemoryMedium) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.values[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *MemoryMedium) Put(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v := make([]byte, len(value))
	copy(v, value)
	m.values[key] = v
	return nil
}

func (m *MemoryMedium) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.values, key)
	return nil
}

func (m *MemoryMedium) Keys(prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for k := range m.values {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryMedium) Close() error {
	return nil
}
