package core

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// WorkerSpec describes one worker invocation: the LLM CLI subprocess that
// realizes a single task attempt.
type WorkerSpec struct {
	Executable   string
	Args         []string
	Prompt       string
	WorkDir      string
	Env          map[string]string
	AllowedTools []string
	CloseStdin   bool
	TaskTimeout  time.Duration
	GraceTimeout time.Duration
}

// ExitOutcome is the structured result of a worker run. Failures other
// than spawn errors are reported through the fields, not as errors.
type ExitOutcome struct {
	Success  bool
	ExitCode int
	Signal   string
	Output   string
	Stderr   string
	Duration time.Duration
	TimedOut bool
}

// ClassifyOutcome maps a failed exit outcome onto the error taxonomy.
// A successful outcome maps to nil.
func ClassifyOutcome(out *ExitOutcome, forced bool) error {
	switch {
	case out.Success:
		return nil
	case out.TimedOut:
		return ErrTimeout(fmt.Sprintf("worker timed out after %v", out.Duration))
	case out.Signal != "":
		return ErrWorkerKilled(out.Signal, forced)
	default:
		msg := strings.TrimSpace(out.Stderr)
		if msg == "" {
			msg = "worker exited nonzero"
		}
		if len(msg) > 500 {
			msg = msg[:500] + "..."
		}
		return ErrWorkerExit(out.ExitCode, msg)
	}
}

// WorkerRunner abstracts the process supervisor so the scheduler can be
// exercised with a fake in tests.
type WorkerRunner interface {
	// Run spawns a worker for one task attempt and blocks until it exits.
	// Only spawn failures return an error.
	Run(ctx context.Context, spec WorkerSpec) (*ExitOutcome, error)

	// Kill terminates a running worker by id. Graceful kills escalate to
	// a force kill after the grace window.
	Kill(workerID string, graceful bool) error

	// KillAll terminates every running worker.
	KillAll(graceful bool)
}

// KV is the pluggable persistence port for the coordination store's
// cross-agent memory. The default implementation is in-memory; a SQLite
// adapter persists across restarts.
type KV interface {
	Put(ctx context.Context, namespace, key string, value []byte) error
	Get(ctx context.Context, namespace, key string) ([]byte, bool, error)
	Delete(ctx context.Context, namespace, key string) error
	List(ctx context.Context, namespace string) (map[string][]byte, error)
	Close() error
}
