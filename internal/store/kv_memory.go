package store

import (
	"context"
	"sync"
)

// MemKV is the default in-process KV adapter. State does not survive a
// restart; use the SQLite adapter when persistence matters.
type MemKV struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte // namespace -> key -> value
}

// NewMemKV creates an empty in-memory KV.
func NewMemKV() *MemKV {
	return &MemKV{data: make(map[string]map[string][]byte)}
}

// Put stores a value.
func (m *MemKV) Put(_ context.Context, namespace, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ns, ok := m.data[namespace]
	if !ok {
		ns = make(map[string][]byte)
		m.data[namespace] = ns
	}
	ns[key] = append([]byte(nil), value...)
	return nil
}

// Get retrieves a value.
func (m *MemKV) Get(_ context.Context, namespace, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, ok := m.data[namespace][key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

// Delete removes a value.
func (m *MemKV) Delete(_ context.Context, namespace, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data[namespace], key)
	return nil
}

// List returns every entry in a namespace.
func (m *MemKV) List(_ context.Context, namespace string) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string][]byte, len(m.data[namespace]))
	for k, v := range m.data[namespace] {
		out[k] = append([]byte(nil), v...)
	}
	return out, nil
}

// Close is a no-op.
func (m *MemKV) Close() error { return nil }
