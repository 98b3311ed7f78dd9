package store

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/flotilla-ai/flotilla/internal/core"
	"github.com/flotilla-ai/flotilla/internal/events"
)

// MemoryEntry is one record in the cross-agent KV.
type MemoryEntry struct {
	Namespace string     `json:"namespace"`
	Key       string     `json:"key"`
	Value     []byte     `json:"value"`
	Type      string     `json:"type,omitempty"`
	Tags      []string   `json:"tags,omitempty"`
	Owner     string     `json:"owner"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (e *MemoryEntry) expired(now time.Time) bool {
	return e.ExpiresAt != nil && now.After(*e.ExpiresAt)
}

// MemoryFilter selects entries for SearchMemory. Zero fields match all.
type MemoryFilter struct {
	Namespace string
	KeyPrefix string
	Owner     string
	Tags      []string
	Type      string
}

// MemoryOptions qualify a write.
type MemoryOptions struct {
	Type string
	Tags []string
	TTL  time.Duration // 0 means no expiry
}

func memKey(namespace, key string) string {
	return namespace + "\x00" + key
}

func memLockName(namespace, key string) string {
	return "memory:" + namespace + ":" + key
}

// StoreMemory writes an entry. The write is gated by the per-key lock so
// concurrent writers to the same key serialize; last writer wins.
func (s *Store) StoreMemory(ctx context.Context, namespace, key string, value []byte, owner string, opts MemoryOptions) error {
	if namespace == "" || key == "" {
		return core.ErrInvalidInput("BAD_MEMORY_KEY", "memory namespace and key must be non-empty")
	}

	lockName := memLockName(namespace, key)
	if err := s.locks.Acquire(ctx, lockName, owner); err != nil {
		return err
	}
	defer s.locks.Release(lockName, owner)

	now := time.Now()
	entry := &MemoryEntry{
		Namespace: namespace,
		Key:       key,
		Value:     value,
		Type:      opts.Type,
		Tags:      append([]string(nil), opts.Tags...),
		Owner:     owner,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if opts.TTL > 0 {
		exp := now.Add(opts.TTL)
		entry.ExpiresAt = &exp
	}

	s.mu.Lock()
	if prev, ok := s.memory[memKey(namespace, key)]; ok && !prev.expired(now) {
		entry.CreatedAt = prev.CreatedAt
	}
	s.memory[memKey(namespace, key)] = entry
	s.appendLogLocked("memory:write", owner, map[string]any{"namespace": namespace, "key": key})
	s.mu.Unlock()

	if s.kv != nil {
		if data, err := json.Marshal(entry); err == nil {
			if err := s.kv.Put(ctx, namespace, key, data); err != nil {
				s.logger.Warn("memory: persistence write failed", "namespace", namespace, "key", key, "error", err)
			}
		}
	}

	s.publish(events.NewMemoryEvent(s.swarmID, namespace, key, owner))
	return nil
}

// GetMemory returns a snapshot of an entry. Expired entries are
// invisible and lazily deleted.
func (s *Store) GetMemory(namespace, key string) (MemoryEntry, bool) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.memory[memKey(namespace, key)]
	if !ok {
		return MemoryEntry{}, false
	}
	if entry.expired(now) {
		delete(s.memory, memKey(namespace, key))
		return MemoryEntry{}, false
	}
	return *entry, true
}

// SearchMemory returns snapshots of every live entry matching the
// filter, ordered by namespace then key.
func (s *Store) SearchMemory(filter MemoryFilter) []MemoryEntry {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []MemoryEntry
	for k, entry := range s.memory {
		if entry.expired(now) {
			delete(s.memory, k)
			continue
		}
		if !matchesFilter(entry, filter) {
			continue
		}
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Namespace != out[j].Namespace {
			return out[i].Namespace < out[j].Namespace
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// DeleteMemory removes an entry under the per-key lock.
func (s *Store) DeleteMemory(ctx context.Context, namespace, key, owner string) error {
	lockName := memLockName(namespace, key)
	if err := s.locks.Acquire(ctx, lockName, owner); err != nil {
		return err
	}
	defer s.locks.Release(lockName, owner)

	s.mu.Lock()
	delete(s.memory, memKey(namespace, key))
	s.appendLogLocked("memory:delete", owner, map[string]any{"namespace": namespace, "key": key})
	s.mu.Unlock()

	if s.kv != nil {
		if err := s.kv.Delete(ctx, namespace, key); err != nil {
			s.logger.Warn("memory: persistence delete failed", "namespace", namespace, "key", key, "error", err)
		}
	}
	return nil
}

// RestoreMemory loads persisted entries from the KV adapter into the
// live table. Existing live entries win over persisted ones.
func (s *Store) RestoreMemory(ctx context.Context, namespaces ...string) error {
	if s.kv == nil {
		return nil
	}
	for _, ns := range namespaces {
		persisted, err := s.kv.List(ctx, ns)
		if err != nil {
			return core.ErrIO("MEMORY_RESTORE", "listing persisted memory namespace "+ns).WithCause(err)
		}
		s.mu.Lock()
		for key, data := range persisted {
			var entry MemoryEntry
			if err := json.Unmarshal(data, &entry); err != nil {
				s.logger.Warn("memory: skipping corrupt persisted entry", "namespace", ns, "key", key, "error", err)
				continue
			}
			if _, exists := s.memory[memKey(ns, key)]; !exists {
				s.memory[memKey(ns, key)] = &entry
			}
		}
		s.mu.Unlock()
	}
	return nil
}

func matchesFilter(e *MemoryEntry, f MemoryFilter) bool {
	if f.Namespace != "" && e.Namespace != f.Namespace {
		return false
	}
	if f.KeyPrefix != "" && !strings.HasPrefix(e.Key, f.KeyPrefix) {
		return false
	}
	if f.Owner != "" && e.Owner != f.Owner {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	for _, want := range f.Tags {
		found := false
		for _, have := range e.Tags {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
