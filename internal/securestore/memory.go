package securestore

import (
	"context"
	"strings"
	"sync"
)

// MemorySink keeps records in process memory. Intended for tests.
type MemorySink struct {
	mu      sync.RWMutex
	records map[string][]byte
}

// Compile-time check to ensure MemorySink implements Sink
var _ Sink = (*MemorySink)(nil)

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{
		records: make(map[string][]byte),
	}
}

// Read returns the stored bytes for key. Returns ErrNotFound if absent.
func (m *MemorySink) Read(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Write persists data under key, replacing any existing record.
func (m *MemorySink) Write(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	stored := make([]byte, len(data))
	copy(stored, data)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[key] = stored
	return nil
}

// Delete removes the record for key.
func (m *MemorySink) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, key)
	return nil
}

// List returns all keys starting with prefix.
func (m *MemorySink) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for key := range m.records {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}
