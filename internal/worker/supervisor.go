// Package worker supervises LLM-CLI child processes: one-shot spawns per
// task attempt with piped stdio, timeout escalation and structured exit
// outcomes.
package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/flotilla-ai/flotilla/internal/core"
	"github.com/flotilla-ai/flotilla/internal/events"
	"github.com/flotilla-ai/flotilla/internal/logging"
)

const (
	defaultBufferCap   = 8 << 20 // stdout/stderr ring buffer cap
	defaultGracePeriod = 5 * time.Second
	defaultTaskTimeout = 5 * time.Minute

	// argvPromptCap is the safety limit for passing the prompt inline.
	// Longer prompts go through a file to stay clear of OS argv limits.
	argvPromptCap = 128 << 10

	teeFileName        = "worker-output.log"
	promptFileName     = "enhanced-prompt.md"
	defaultStallWindow = 2 * time.Minute
)

// Supervisor spawns and tracks worker processes. It is safe for
// concurrent use; each Handle encapsulates its own state.
type Supervisor struct {
	mu        sync.Mutex
	handles   map[string]*Handle
	bus       *events.Bus
	logger    *logging.Logger
	preflight Preflight
	bufferCap int
	stall     time.Duration
}

// NewSupervisor creates a supervisor publishing lifecycle events on bus.
func NewSupervisor(bus *events.Bus, logger *logging.Logger) *Supervisor {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Supervisor{
		handles:   make(map[string]*Handle),
		bus:       bus,
		logger:    logger,
		preflight: DefaultPreflight(),
		bufferCap: defaultBufferCap,
		stall:     defaultStallWindow,
	}
}

// WithPreflight overrides the preflight policy.
func (s *Supervisor) WithPreflight(p Preflight) *Supervisor {
	s.preflight = p
	return s
}

// WithBufferCap overrides the output ring buffer cap.
func (s *Supervisor) WithBufferCap(capBytes int) *Supervisor {
	s.bufferCap = capBytes
	return s
}

// WithStallWindow overrides the output stall watchdog window.
func (s *Supervisor) WithStallWindow(d time.Duration) *Supervisor {
	s.stall = d
	return s
}

// Handle is a supervised worker process.
type Handle struct {
	ID        string
	PID       int
	SwarmID   string
	AgentID   string
	StartedAt time.Time

	cmd     *exec.Cmd
	stdout  *ringBuffer
	stderr  *ringBuffer
	teePath string
	grace   time.Duration

	timedOut   atomic.Bool
	forced     atomic.Bool
	lastOutput atomic.Int64 // unix nanos of last stdout/stderr chunk

	done    chan struct{}
	exitErr error
	once    sync.Once
}

// Await blocks until the worker exits or ctx is cancelled. Cancellation
// triggers a graceful kill; the outcome still reflects the real exit.
func (h *Handle) Await(ctx context.Context) *core.ExitOutcome {
	select {
	case <-ctx.Done():
		h.Kill(true)
		<-h.done
	case <-h.done:
	}
	return h.outcome()
}

// Kill terminates the worker. A graceful kill sends SIGTERM and
// escalates to SIGKILL after the grace window; force kills immediately.
func (h *Handle) Kill(graceful bool) {
	if !graceful {
		h.forced.Store(true)
		_ = killProcess(h.cmd)
		return
	}
	_ = terminateProcess(h.cmd)
	go func() {
		select {
		case <-h.done:
		case <-time.After(h.grace):
			h.forced.Store(true)
			_ = killProcess(h.cmd)
		}
	}()
}

// outcome assembles the exit outcome; callers must wait on done first.
func (h *Handle) outcome() *core.ExitOutcome {
	out := &core.ExitOutcome{
		Output:   h.finalOutput(),
		Stderr:   h.stderr.String(),
		Duration: time.Since(h.StartedAt),
		TimedOut: h.timedOut.Load(),
	}
	if h.cmd.ProcessState != nil {
		out.ExitCode = h.cmd.ProcessState.ExitCode()
	}
	out.Signal = exitSignal(h.cmd)
	out.Success = h.exitErr == nil && out.ExitCode == 0 && !out.TimedOut
	return out
}

// finalOutput prefers the larger non-empty of the tee'd output file and
// the in-memory buffer: the file is complete where the ring may have
// clipped, but some workers only produce pipe output.
func (h *Handle) finalOutput() string {
	buffered := h.stdout.String()
	if h.teePath == "" {
		return buffered
	}
	data, err := os.ReadFile(h.teePath)
	if err != nil || len(data) == 0 {
		return buffered
	}
	if len(data) >= len(buffered) {
		return string(data)
	}
	return buffered
}

// Sentinels parses the completion sentinels from the worker's output.
func (h *Handle) Sentinels() Sentinels {
	return scanSentinels(h.finalOutput())
}

// Spawn starts one worker process for a task attempt.
func (s *Supervisor) Spawn(ctx context.Context, spec core.WorkerSpec) (*Handle, error) {
	if spec.Executable == "" {
		return nil, core.ErrSpawnFailed("worker executable not configured")
	}
	if err := s.preflight.Check(); err != nil {
		return nil, core.ErrSpawnFailed("preflight check failed").WithCause(err)
	}

	resolved, err := exec.LookPath(spec.Executable)
	if err != nil {
		return nil, core.ErrSpawnFailed("locating worker executable").WithCause(err)
	}

	args, err := s.buildArgs(spec)
	if err != nil {
		return nil, err
	}

	taskTimeout := spec.TaskTimeout
	if taskTimeout <= 0 {
		taskTimeout = defaultTaskTimeout
	}
	grace := spec.GraceTimeout
	if grace <= 0 {
		grace = defaultGracePeriod
	}

	// #nosec G204 -- executable resolved via LookPath, args built from validated spec
	cmd := exec.Command(resolved, args...)
	cmd.Dir = spec.WorkDir
	configureProcAttr(cmd)

	cmd.Env = os.Environ()
	for _, k := range sortedKeys(spec.Env) {
		cmd.Env = append(cmd.Env, k+"="+spec.Env[k])
	}

	// Stdin stays closed so the worker never blocks on interactive
	// input. A nil Stdin attaches the null device, which reads EOF.
	if !spec.CloseStdin {
		cmd.Stdin = os.Stdin
	}

	h := &Handle{
		ID:        "worker-" + uuid.New().String()[:8],
		SwarmID:   spec.Env["SWARM_ID"],
		AgentID:   spec.Env["AGENT_ID"],
		StartedAt: time.Now(),
		cmd:       cmd,
		stdout:    newRingBuffer(s.bufferCap),
		stderr:    newRingBuffer(s.bufferCap),
		grace:     grace,
		done:      make(chan struct{}),
	}
	h.lastOutput.Store(time.Now().UnixNano())

	var stdoutSink io.Writer = &touchWriter{h: h, inner: h.stdout}
	if spec.WorkDir != "" {
		h.teePath = filepath.Join(spec.WorkDir, teeFileName)
		if tee, teeErr := os.Create(h.teePath); teeErr == nil {
			stdoutSink = io.MultiWriter(stdoutSink, tee)
			go func() { <-h.done; _ = tee.Close() }()
		} else {
			h.teePath = ""
		}
	}
	cmd.Stdout = stdoutSink
	cmd.Stderr = &touchWriter{h: h, inner: h.stderr}

	s.logger.Info("worker: spawning",
		"executable", resolved,
		"work_dir", spec.WorkDir,
		"prompt_length", len(spec.Prompt),
		"timeout", taskTimeout,
	)

	if err := cmd.Start(); err != nil {
		return nil, core.ErrSpawnFailed("starting worker process").WithCause(err)
	}
	h.PID = cmd.Process.Pid

	s.register(h)
	s.publishSpawned(h)

	timeoutTimer := time.AfterFunc(taskTimeout, func() {
		h.timedOut.Store(true)
		s.logger.Warn("worker: task timeout, sending graceful kill", "worker_id", h.ID, "pid", h.PID)
		h.Kill(true)
	})

	stallCtx, stopStall := context.WithCancel(context.Background())
	go s.watchStall(stallCtx, h)

	go func() {
		h.exitErr = cmd.Wait()
		timeoutTimer.Stop()
		stopStall()
		h.once.Do(func() { close(h.done) })
		s.unregister(h.ID)
		s.publishExited(h)
	}()

	// Context cancellation tears the worker down gracefully.
	go func() {
		select {
		case <-ctx.Done():
			h.Kill(true)
		case <-h.done:
		}
	}()

	return h, nil
}

// Run spawns a worker and blocks until it exits. Only spawn failures
// return an error; every other failure is reported in the outcome.
func (s *Supervisor) Run(ctx context.Context, spec core.WorkerSpec) (*core.ExitOutcome, error) {
	h, err := s.Spawn(ctx, spec)
	if err != nil {
		return nil, err
	}
	return h.Await(ctx), nil
}

// Kill terminates a worker by id. Unknown ids are a no-op.
func (s *Supervisor) Kill(workerID string, graceful bool) error {
	s.mu.Lock()
	h, ok := s.handles[workerID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	h.Kill(graceful)
	return nil
}

// KillAll terminates every running worker.
func (s *Supervisor) KillAll(graceful bool) {
	s.mu.Lock()
	all := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		all = append(all, h)
	}
	s.mu.Unlock()

	for _, h := range all {
		h.Kill(graceful)
	}
}

// Running returns the number of live workers.
func (s *Supervisor) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// buildArgs assembles worker argv: configured args, the allowed-tools
// list as one comma-separated argument, then the prompt. Oversized
// prompts are written to a file in the workspace and referenced by path.
func (s *Supervisor) buildArgs(spec core.WorkerSpec) ([]string, error) {
	args := make([]string, 0, len(spec.Args)+3)
	args = append(args, spec.Args...)

	if len(spec.AllowedTools) > 0 {
		args = append(args, "--allowed-tools", strings.Join(spec.AllowedTools, ","))
	}

	prompt := spec.Prompt
	if len(prompt) > argvPromptCap {
		if spec.WorkDir == "" {
			return nil, core.ErrSpawnFailed("prompt exceeds argv cap and no workspace to spill to")
		}
		path := filepath.Join(spec.WorkDir, promptFileName)
		if err := os.WriteFile(path, []byte(prompt), 0o600); err != nil {
			return nil, core.ErrSpawnFailed("writing oversized prompt file").WithCause(err)
		}
		prompt = fmt.Sprintf("Read your full instructions from %s and carry them out.", promptFileName)
	}
	if prompt != "" {
		args = append(args, prompt)
	}
	return args, nil
}

// watchStall emits a worker:stalled event when no output arrives for the
// stall window. Observability only: the task timeout still governs.
func (s *Supervisor) watchStall(ctx context.Context, h *Handle) {
	if s.stall <= 0 {
		return
	}
	ticker := time.NewTicker(s.stall / 4)
	defer ticker.Stop()

	reported := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, h.lastOutput.Load()))
			if idle >= s.stall && !reported {
				reported = true
				s.logger.Warn("worker: no output for stall window", "worker_id", h.ID, "idle", idle)
				if s.bus != nil {
					ev := events.NewWorkerEvent(events.TypeWorkerStalled, h.SwarmID, h.ID)
					ev.AgentID = h.AgentID
					ev.PID = h.PID
					s.bus.Publish(ev)
				}
			} else if idle < s.stall {
				reported = false
			}
		}
	}
}

func (s *Supervisor) register(h *Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[h.ID] = h
}

func (s *Supervisor) unregister(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handles, id)
}

func (s *Supervisor) publishSpawned(h *Handle) {
	s.logger.Info("worker: started", "worker_id", h.ID, "pid", h.PID)
	if s.bus == nil {
		return
	}
	ev := events.NewWorkerEvent(events.TypeWorkerSpawned, h.SwarmID, h.ID)
	ev.AgentID = h.AgentID
	ev.PID = h.PID
	s.bus.Publish(ev)
}

func (s *Supervisor) publishExited(h *Handle) {
	out := h.outcome()
	s.logger.Info("worker: exited",
		"worker_id", h.ID,
		"exit_code", out.ExitCode,
		"timed_out", out.TimedOut,
		"duration", out.Duration,
		"stdout_bytes", h.stdout.Total(),
	)
	if s.bus == nil {
		return
	}
	eventType := events.TypeWorkerExited
	if out.Signal != "" {
		eventType = events.TypeWorkerKilled
	}
	ev := events.NewWorkerEvent(eventType, h.SwarmID, h.ID)
	ev.AgentID = h.AgentID
	ev.PID = h.PID
	ev.ExitCode = out.ExitCode
	ev.Signal = out.Signal
	ev.Duration = out.Duration
	ev.TimedOut = out.TimedOut
	s.bus.Publish(ev)
}

// touchWriter records output activity for the stall watchdog.
type touchWriter struct {
	h     *Handle
	inner io.Writer
}

func (w *touchWriter) Write(p []byte) (int, error) {
	w.h.lastOutput.Store(time.Now().UnixNano())
	return w.inner.Write(p)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Forced reports whether the handle was force-killed by the supervisor.
func (h *Handle) Forced() bool {
	return h.forced.Load()
}
