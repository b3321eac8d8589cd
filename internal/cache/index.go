package cache

import (
	"context"
	"sync"
)

// Index maps cache keys to entries. Implementations must be safe for
// concurrent use; [Cache] additionally serialises its own calls.
type Index interface {
	// Get returns the entry for key. ok is false when the key is absent.
	Get(ctx context.Context, key string) (e Entry, ok bool, err error)

	// Put stores e, replacing any entry with the same key.
	Put(ctx context.Context, e Entry) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Clear removes every entry.
	Clear(ctx context.Context) error

	// Len returns the number of entries.
	Len(ctx context.Context) (int, error)
}

// MemoryIndex is an in-process [Index]. The zero value is ready to use.
type MemoryIndex struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

var _ Index = (*MemoryIndex)(nil)

// NewMemoryIndex returns an empty in-process index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{entries: make(map[string]Entry)}
}

// Get implements [Index].
func (m *MemoryIndex) Get(_ context.Context, key string) (Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	return e, ok, nil
}

// Put implements [Index].
func (m *MemoryIndex) Put(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries == nil {
		m.entries = make(map[string]Entry)
	}
	m.entries[e.Key] = e
	return nil
}

// Delete implements [Index].
func (m *MemoryIndex) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// Clear implements [Index].
func (m *MemoryIndex) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.entries)
	return nil
}

// Len implements [Index].
func (m *MemoryIndex) Len(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries), nil
}
