package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flotilla-ai/flotilla/internal/core"
	"github.com/flotilla-ai/flotilla/internal/events"
)

func TestMemoryStoreAndGet(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	require.NoError(t, s.StoreMemory(ctx, "findings", "api-design", []byte(`{"style":"rest"}`), "architect-1", MemoryOptions{
		Type: "decision",
		Tags: []string{"architecture"},
	}))

	entry, ok := s.GetMemory("findings", "api-design")
	require.True(t, ok)
	assert.Equal(t, "architect-1", entry.Owner)
	assert.Equal(t, []string{"architecture"}, entry.Tags)
	assert.JSONEq(t, `{"style":"rest"}`, string(entry.Value))
}

func TestMemoryLastWriterWins(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	require.NoError(t, s.StoreMemory(ctx, "ns", "k", []byte("first"), "a", MemoryOptions{}))
	require.NoError(t, s.StoreMemory(ctx, "ns", "k", []byte("second"), "b", MemoryOptions{}))

	entry, ok := s.GetMemory("ns", "k")
	require.True(t, ok)
	assert.Equal(t, "second", string(entry.Value))
	assert.Equal(t, "b", entry.Owner)
}

func TestMemoryExpiryInvisible(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	require.NoError(t, s.StoreMemory(ctx, "ns", "ephemeral", []byte("v"), "a", MemoryOptions{TTL: time.Millisecond}))
	time.Sleep(10 * time.Millisecond)

	_, ok := s.GetMemory("ns", "ephemeral")
	assert.False(t, ok)
	assert.Empty(t, s.SearchMemory(MemoryFilter{Namespace: "ns"}))
}

func TestMemorySearchFilters(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	require.NoError(t, s.StoreMemory(ctx, "findings", "one", []byte("1"), "researcher-1", MemoryOptions{Tags: []string{"ai", "trends"}}))
	require.NoError(t, s.StoreMemory(ctx, "findings", "two", []byte("2"), "researcher-2", MemoryOptions{Tags: []string{"ai"}}))
	require.NoError(t, s.StoreMemory(ctx, "other", "three", []byte("3"), "researcher-1", MemoryOptions{}))

	byNS := s.SearchMemory(MemoryFilter{Namespace: "findings"})
	assert.Len(t, byNS, 2)

	byOwner := s.SearchMemory(MemoryFilter{Owner: "researcher-1"})
	assert.Len(t, byOwner, 2)

	byTags := s.SearchMemory(MemoryFilter{Tags: []string{"ai", "trends"}})
	require.Len(t, byTags, 1)
	assert.Equal(t, "one", byTags[0].Key)
}

// Three agents write the same key concurrently: all writes must succeed
// serially, the final value belongs to the last lock acquirer, and one
// memory:write event is published per write.
func TestMemoryContention(t *testing.T) {
	bus := events.NewBus(64)
	defer bus.Close()
	ch := bus.Subscribe(events.TypeMemoryWrite)

	s := New(core.SwarmID("swarm-test"), bus, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, owner := range []string{"agent-a", "agent-b", "agent-c"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, s.StoreMemory(ctx, "ns", "k", []byte(owner), owner, MemoryOptions{}))
		}()
	}
	wg.Wait()

	entry, ok := s.GetMemory("ns", "k")
	require.True(t, ok)
	assert.Equal(t, entry.Owner, string(entry.Value))

	for i := 0; i < 3; i++ {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatalf("expected 3 memory:write events, saw %d", i)
		}
	}

	writes := 0
	for _, e := range s.EventLog() {
		if e.Kind == "memory:write" {
			writes++
		}
	}
	assert.Equal(t, 3, writes)
}

func TestMemoryPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.db")
	kv, err := NewSQLiteKV(path)
	require.NoError(t, err)

	ctx := context.Background()
	s := New(core.SwarmID("swarm-a"), nil, nil).WithKV(kv)
	require.NoError(t, s.StoreMemory(ctx, "findings", "k", []byte("persisted"), "agent-a", MemoryOptions{}))
	require.NoError(t, s.Close())

	kv2, err := NewSQLiteKV(path)
	require.NoError(t, err)
	s2 := New(core.SwarmID("swarm-b"), nil, nil).WithKV(kv2)
	defer s2.Close()

	require.NoError(t, s2.RestoreMemory(ctx, "findings"))
	entry, ok := s2.GetMemory("findings", "k")
	require.True(t, ok)
	assert.Equal(t, "persisted", string(entry.Value))
}

func TestSQLiteKVOperations(t *testing.T) {
	kv, err := NewSQLiteKV(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	defer kv.Close()
	ctx := context.Background()

	require.NoError(t, kv.Put(ctx, "ns", "a", []byte("1")))
	require.NoError(t, kv.Put(ctx, "ns", "a", []byte("2"))) // upsert
	require.NoError(t, kv.Put(ctx, "ns", "b", []byte("3")))

	v, ok, err := kv.Get(ctx, "ns", "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2", string(v))

	all, err := kv.List(ctx, "ns")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, kv.Delete(ctx, "ns", "a"))
	_, ok, err = kv.Get(ctx, "ns", "a")
	require.NoError(t, err)
	assert.False(t, ok)
}
