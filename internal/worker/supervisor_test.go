package worker

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/flotilla-ai/flotilla/internal/core"
	"github.com/flotilla-ai/flotilla/internal/events"
	"github.com/flotilla-ai/flotilla/internal/logging"
)

func newTestSupervisor(bus *events.Bus) *Supervisor {
	s := NewSupervisor(bus, logging.NewNop())
	s.preflight.Enabled = false
	return s
}

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

func TestRunSuccess(t *testing.T) {
	requireUnix(t)
	s := newTestSupervisor(nil)

	out, err := s.Run(context.Background(), core.WorkerSpec{
		Executable:  "sh",
		Args:        []string{"-c", `echo "hello from worker"`},
		WorkDir:     t.TempDir(),
		CloseStdin:  true,
		TaskTimeout: 10 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !out.Success {
		t.Fatalf("expected success, got %+v", out)
	}
	if out.ExitCode != 0 {
		t.Fatalf("expected exit 0, got %d", out.ExitCode)
	}
	if out.Output != "hello from worker\n" {
		t.Fatalf("unexpected output %q", out.Output)
	}
}

func TestRunNonzeroExitIsOutcomeNotError(t *testing.T) {
	requireUnix(t)
	s := newTestSupervisor(nil)

	out, err := s.Run(context.Background(), core.WorkerSpec{
		Executable:  "sh",
		Args:        []string{"-c", "echo boom >&2; exit 3"},
		WorkDir:     t.TempDir(),
		CloseStdin:  true,
		TaskTimeout: 10 * time.Second,
	})
	if err != nil {
		t.Fatalf("nonzero exit must not be a spawn error: %v", err)
	}
	if out.Success {
		t.Fatal("expected failure outcome")
	}
	if out.ExitCode != 3 {
		t.Fatalf("expected exit 3, got %d", out.ExitCode)
	}
	if out.Stderr != "boom\n" {
		t.Fatalf("unexpected stderr %q", out.Stderr)
	}

	derr := core.ClassifyOutcome(out, false)
	if !core.IsKind(derr, core.ErrKindWorkerNonzeroExit) {
		t.Fatalf("expected worker-nonzero-exit, got %v", derr)
	}
	if !core.IsRetryable(derr) {
		t.Fatal("nonzero exit should be retryable")
	}
}

func TestRunTimeoutEscalates(t *testing.T) {
	requireUnix(t)
	s := newTestSupervisor(nil)

	start := time.Now()
	out, err := s.Run(context.Background(), core.WorkerSpec{
		Executable:   "sh",
		Args:         []string{"-c", "sleep 30"},
		WorkDir:      t.TempDir(),
		CloseStdin:   true,
		TaskTimeout:  200 * time.Millisecond,
		GraceTimeout: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !out.TimedOut {
		t.Fatal("expected timed-out outcome")
	}
	if out.Success {
		t.Fatal("timed-out run must not be success")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("kill escalation took too long: %v", elapsed)
	}

	derr := core.ClassifyOutcome(out, false)
	if !core.IsKind(derr, core.ErrKindTimeout) {
		t.Fatalf("expected timeout kind, got %v", derr)
	}
}

func TestRunKillsIgnoringSigterm(t *testing.T) {
	requireUnix(t)
	s := newTestSupervisor(nil)

	out, err := s.Run(context.Background(), core.WorkerSpec{
		Executable:   "sh",
		Args:         []string{"-c", "trap '' TERM; sleep 30"},
		WorkDir:      t.TempDir(),
		CloseStdin:   true,
		TaskTimeout:  200 * time.Millisecond,
		GraceTimeout: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !out.TimedOut {
		t.Fatal("expected timed-out outcome")
	}
	if out.Signal == "" {
		t.Fatal("expected the worker to die by signal")
	}
}

func TestStdinClosedImmediately(t *testing.T) {
	requireUnix(t)
	s := newTestSupervisor(nil)

	// cat exits at EOF; with an open stdin this would hang past the timeout.
	out, err := s.Run(context.Background(), core.WorkerSpec{
		Executable:  "sh",
		Args:        []string{"-c", "cat; echo eof-reached"},
		WorkDir:     t.TempDir(),
		CloseStdin:  true,
		TaskTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !out.Success || out.Output != "eof-reached\n" {
		t.Fatalf("stdin was not closed: %+v", out)
	}
}

func TestEnvInjection(t *testing.T) {
	requireUnix(t)
	s := newTestSupervisor(nil)

	out, err := s.Run(context.Background(), core.WorkerSpec{
		Executable:  "sh",
		Args:        []string{"-c", `echo "$AGENT_ID/$TASK_ID"`},
		WorkDir:     t.TempDir(),
		Env:         map[string]string{"AGENT_ID": "coder-1", "TASK_ID": "task-42"},
		CloseStdin:  true,
		TaskTimeout: 10 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Output != "coder-1/task-42\n" {
		t.Fatalf("env not injected: %q", out.Output)
	}
}

func TestTeeFileWritten(t *testing.T) {
	requireUnix(t)
	s := newTestSupervisor(nil)
	dir := t.TempDir()

	out, err := s.Run(context.Background(), core.WorkerSpec{
		Executable:  "sh",
		Args:        []string{"-c", "echo tee-me"},
		WorkDir:     dir,
		CloseStdin:  true,
		TaskTimeout: 10 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !out.Success {
		t.Fatalf("unexpected failure: %+v", out)
	}
	data, err := os.ReadFile(filepath.Join(dir, teeFileName))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "tee-me\n" {
		t.Fatalf("tee file content %q", data)
	}
}

func TestOversizedPromptSpillsToFile(t *testing.T) {
	requireUnix(t)
	s := newTestSupervisor(nil)
	dir := t.TempDir()

	big := make([]byte, argvPromptCap+1)
	for i := range big {
		big[i] = 'p'
	}
	out, err := s.Run(context.Background(), core.WorkerSpec{
		Executable:  "sh",
		Args:        []string{"-c", `echo "argc=$#"`, "sh"},
		Prompt:      string(big),
		WorkDir:     dir,
		CloseStdin:  true,
		TaskTimeout: 10 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !out.Success {
		t.Fatalf("unexpected failure: %+v", out)
	}
	data, err := os.ReadFile(filepath.Join(dir, promptFileName))
	if err != nil {
		t.Fatalf("prompt file not written: %v", err)
	}
	if len(data) != len(big) {
		t.Fatalf("prompt file truncated: %d != %d", len(data), len(big))
	}
}

func TestSpawnUnknownExecutable(t *testing.T) {
	s := newTestSupervisor(nil)

	_, err := s.Run(context.Background(), core.WorkerSpec{
		Executable: "definitely-not-a-real-binary-9f2c",
		WorkDir:    t.TempDir(),
		CloseStdin: true,
	})
	if !core.IsKind(err, core.ErrKindSpawnFailed) {
		t.Fatalf("expected spawn-failed, got %v", err)
	}
}

func TestKillAll(t *testing.T) {
	requireUnix(t)
	s := newTestSupervisor(nil)

	var handles []*Handle
	for i := 0; i < 3; i++ {
		h, err := s.Spawn(context.Background(), core.WorkerSpec{
			Executable:  "sh",
			Args:        []string{"-c", "sleep 30"},
			WorkDir:     t.TempDir(),
			CloseStdin:  true,
			TaskTimeout: time.Minute,
		})
		if err != nil {
			t.Fatal(err)
		}
		handles = append(handles, h)
	}
	if s.Running() != 3 {
		t.Fatalf("expected 3 running, got %d", s.Running())
	}

	s.KillAll(false)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, h := range handles {
		out := h.Await(ctx)
		if out.Success {
			t.Fatal("killed worker reported success")
		}
	}
	if s.Running() != 0 {
		t.Fatalf("expected 0 running, got %d", s.Running())
	}
}

func TestWorkerEventsPublished(t *testing.T) {
	requireUnix(t)
	bus := events.NewBus(16)
	defer bus.Close()
	ch := bus.Subscribe(events.TypeWorkerSpawned, events.TypeWorkerExited)

	s := newTestSupervisor(bus)
	out, err := s.Run(context.Background(), core.WorkerSpec{
		Executable:  "sh",
		Args:        []string{"-c", "true"},
		WorkDir:     t.TempDir(),
		Env:         map[string]string{"SWARM_ID": "swarm-ab12", "AGENT_ID": "coder-1"},
		CloseStdin:  true,
		TaskTimeout: 10 * time.Second,
	})
	if err != nil || !out.Success {
		t.Fatalf("run failed: %v %+v", err, out)
	}

	var types []string
	deadline := time.After(2 * time.Second)
	for len(types) < 2 {
		select {
		case ev := <-ch:
			types = append(types, ev.EventType())
			if ev.SwarmID() != "swarm-ab12" {
				t.Fatalf("wrong swarm id on event: %s", ev.SwarmID())
			}
		case <-deadline:
			t.Fatalf("events not delivered, got %v", types)
		}
	}
	if types[0] != events.TypeWorkerSpawned || types[1] != events.TypeWorkerExited {
		t.Fatalf("unexpected event order %v", types)
	}
}
