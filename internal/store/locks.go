package store

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/flotilla-ai/flotilla/internal/core"
	"github.com/flotilla-ai/flotilla/internal/events"
	"github.com/flotilla-ai/flotilla/internal/logging"
)

// lockState is one named mutex. Reentrant per holder; waiters are woken
// in arrival order.
type lockState struct {
	holder  string
	depth   int
	since   time.Time
	waiters *list.List // of *waiter
}

type waiter struct {
	holder string
	ready  chan struct{}
}

// lockTable implements the named resource locks of the coordination
// store: at most one holder per name, FIFO handoff, idempotent release.
type lockTable struct {
	mu      sync.Mutex
	locks   map[string]*lockState
	swarmID string
	bus     *events.Bus
	logger  *logging.Logger
}

func newLockTable(swarmID string, bus *events.Bus, logger *logging.Logger) *lockTable {
	return &lockTable{
		locks:   make(map[string]*lockState),
		swarmID: swarmID,
		bus:     bus,
		logger:  logger,
	}
}

// TryAcquire acquires the lock without waiting. Re-acquisition by the
// current holder always succeeds.
func (t *lockTable) TryAcquire(name, holder string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.state(name)
	if st.holder == "" {
		st.holder = holder
		st.depth = 1
		st.since = time.Now()
		return true
	}
	if st.holder == holder {
		st.depth++
		return true
	}
	return false
}

// Acquire blocks until the lock is held or ctx is done. Waiters are
// granted the lock strictly in the order they arrived.
func (t *lockTable) Acquire(ctx context.Context, name, holder string) error {
	t.mu.Lock()
	st := t.state(name)
	if st.holder == "" || st.holder == holder {
		if st.holder == "" {
			st.holder = holder
			st.depth = 1
			st.since = time.Now()
		} else {
			st.depth++
		}
		t.mu.Unlock()
		return nil
	}

	w := &waiter{holder: holder, ready: make(chan struct{})}
	elem := st.waiters.PushBack(w)
	t.mu.Unlock()

	started := time.Now()
	select {
	case <-w.ready:
		waited := time.Since(started)
		if t.bus != nil {
			t.bus.Publish(events.NewLockEvent(t.swarmID, name, holder, waited))
		}
		return nil
	case <-ctx.Done():
		t.mu.Lock()
		select {
		case <-w.ready:
			// Granted while we were giving up; hand it straight back.
			t.releaseLocked(name, holder)
			t.mu.Unlock()
			return nil
		default:
			st.waiters.Remove(elem)
			t.mu.Unlock()
		}
		if ctx.Err() == context.DeadlineExceeded {
			return core.ErrTimeout("timed out waiting for lock " + name).
				WithDetail("holder", holder)
		}
		return core.ErrCancelled("cancelled waiting for lock " + name)
	}
}

// AcquireTimeout acquires with a deadline.
func (t *lockTable) AcquireTimeout(name, holder string, d time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return t.Acquire(ctx, name, holder)
}

// Release drops one level of the lock. Releasing a lock you do not hold
// is a no-op that logs a warning.
func (t *lockTable) Release(name, holder string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.releaseLocked(name, holder)
}

func (t *lockTable) releaseLocked(name, holder string) {
	st, ok := t.locks[name]
	if !ok || st.holder != holder {
		if t.logger != nil {
			t.logger.Warn("lock: release by non-holder ignored", "lock", name, "caller", holder)
		}
		return
	}
	st.depth--
	if st.depth > 0 {
		return
	}

	if front := st.waiters.Front(); front != nil {
		w := st.waiters.Remove(front).(*waiter)
		st.holder = w.holder
		st.depth = 1
		st.since = time.Now()
		close(w.ready)
		return
	}
	delete(t.locks, name)
}

// Holder returns the current holder of a lock, or "".
func (t *lockTable) Holder(name string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.locks[name]; ok {
		return st.holder
	}
	return ""
}

// Waiting returns the number of parked waiters on a lock.
func (t *lockTable) Waiting(name string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.locks[name]; ok {
		return st.waiters.Len()
	}
	return 0
}

func (t *lockTable) state(name string) *lockState {
	st, ok := t.locks[name]
	if !ok {
		st = &lockState{waiters: list.New()}
		t.locks[name] = st
	}
	return st
}
