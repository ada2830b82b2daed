package cache

import (
	"context"
	"sync"
)

// Backend is durable partition storage. Each partition is keyed by a token
// type tag and holds the JSON encoding of that type's full id→component
// mapping.
//
// All implementations must be safe for concurrent use. Load never returns an
// error for a missing partition; it reports found=false instead.
type Backend interface {
	Load(ctx context.Context, partition string) (data []byte, found bool, err error)
	Store(ctx context.Context, partition string, data []byte) error
	Clear(ctx context.Context) error
	Close() error
}

// MemoryBackend keeps partitions in a map. It is used in tests and when
// durability is turned off.
type MemoryBackend struct {
	mu          sync.RWMutex
	data        map[string][]byte
	unavailable bool
	closed      bool
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string][]byte)}
}

// SetUnavailable makes every subsequent operation fail with ErrUnavailable
// (or succeed again when false). It simulates a full or disabled store.
func (m *MemoryBackend) SetUnavailable(unavailable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavailable = unavailable
}

func (m *MemoryBackend) check() error {
	if m.closed {
		return ErrClosed
	}
	if m.unavailable {
		return ErrUnavailable
	}
	return nil
}

// Load returns a copy of the stored partition.
func (m *MemoryBackend) Load(ctx context.Context, partition string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return nil, false, err
	}

	value, ok := m.data[partition]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, true, nil
}

// Store replaces a partition with a copy of data.
func (m *MemoryBackend) Store(ctx context.Context, partition string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}

	stored := make([]byte, len(data))
	copy(stored, data)
	m.data[partition] = stored
	return nil
}

// Clear removes all partitions.
func (m *MemoryBackend) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	m.data = make(map[string][]byte)
	return nil
}

// Close marks the backend closed. Idempotent.
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Partitions returns the number of stored partitions.
func (m *MemoryBackend) Partitions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
