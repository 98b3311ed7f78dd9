package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flotilla-ai/flotilla/internal/core"
)

func TestLockBasicAcquireRelease(t *testing.T) {
	s := newTestStore()

	assert.True(t, s.TryAcquireLock("task-queue", "coordinator"))
	assert.False(t, s.TryAcquireLock("task-queue", "coder-1"))
	assert.Equal(t, "coordinator", s.LockHolder("task-queue"))

	s.ReleaseLock("task-queue", "coordinator")
	assert.True(t, s.TryAcquireLock("task-queue", "coder-1"))
	s.ReleaseLock("task-queue", "coder-1")
}

func TestLockReentrant(t *testing.T) {
	s := newTestStore()

	assert.True(t, s.TryAcquireLock("workspace:coder-1", "coder-1"))
	assert.True(t, s.TryAcquireLock("workspace:coder-1", "coder-1"))

	s.ReleaseLock("workspace:coder-1", "coder-1")
	// Still held after the first release.
	assert.False(t, s.TryAcquireLock("workspace:coder-1", "other"))

	s.ReleaseLock("workspace:coder-1", "coder-1")
	assert.True(t, s.TryAcquireLock("workspace:coder-1", "other"))
}

func TestLockReleaseByNonHolderIsNoop(t *testing.T) {
	s := newTestStore()

	require.True(t, s.TryAcquireLock("task-queue", "coordinator"))
	s.ReleaseLock("task-queue", "impostor")
	assert.Equal(t, "coordinator", s.LockHolder("task-queue"))
	s.ReleaseLock("task-queue", "coordinator")
}

func TestLockFIFOHandoff(t *testing.T) {
	s := newTestStore()
	require.True(t, s.TryAcquireLock("shared", "holder"))

	const waiters = 5
	order := make(chan string, waiters)
	var started sync.WaitGroup

	for i := 0; i < waiters; i++ {
		name := string(rune('a' + i))
		started.Add(1)
		go func() {
			// Stagger arrivals so the queue order is deterministic.
			started.Done()
			require.NoError(t, s.AcquireLock(context.Background(), "shared", name))
			order <- name
			s.ReleaseLock("shared", name)
		}()
		started.Wait()
		// Wait until this goroutine is parked before starting the next.
		for s.locks.Waiting("shared") < i+1 {
			time.Sleep(time.Millisecond)
		}
	}

	s.ReleaseLock("shared", "holder")

	for i := 0; i < waiters; i++ {
		select {
		case got := <-order:
			assert.Equal(t, string(rune('a'+i)), got)
		case <-time.After(2 * time.Second):
			t.Fatal("waiter never woke")
		}
	}
}

func TestLockTimeout(t *testing.T) {
	s := newTestStore()
	require.True(t, s.TryAcquireLock("slow", "holder"))

	err := s.AcquireLockTimeout("slow", "waiter", 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.ErrKindTimeout))

	// The failed waiter must not remain queued.
	assert.Equal(t, 0, s.locks.Waiting("slow"))
	s.ReleaseLock("slow", "holder")
}

func TestLockCancelledContext(t *testing.T) {
	s := newTestStore()
	require.True(t, s.TryAcquireLock("slow", "holder"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.AcquireLock(ctx, "slow", "waiter") }()

	for s.locks.Waiting("slow") == 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()

	err := <-done
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.ErrKindCancelled))
}
