package scheduler

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flotilla-ai/flotilla/internal/core"
	"github.com/flotilla-ai/flotilla/internal/events"
	"github.com/flotilla-ai/flotilla/internal/store"
)

// fakeRunner scripts worker outcomes per task id.
type fakeRunner struct {
	mu       sync.Mutex
	outcomes map[string][]*core.ExitOutcome // consumed front to back
	delay    time.Duration
	calls    map[string]int
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		outcomes: make(map[string][]*core.ExitOutcome),
		calls:    make(map[string]int),
	}
}

func (f *fakeRunner) script(taskID string, outcomes ...*core.ExitOutcome) {
	f.outcomes[taskID] = outcomes
}

func (f *fakeRunner) Run(ctx context.Context, spec core.WorkerSpec) (*core.ExitOutcome, error) {
	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		max := f.maxSeen.Load()
		if cur <= max || f.maxSeen.CompareAndSwap(max, cur) {
			break
		}
	}

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return &core.ExitOutcome{Success: false, Signal: "terminated"}, nil
		}
	}

	taskID := spec.Env["TASK_ID"]
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[taskID]++
	queue := f.outcomes[taskID]
	if len(queue) == 0 {
		return &core.ExitOutcome{Success: true, ExitCode: 0, Output: "ok"}, nil
	}
	out := queue[0]
	if len(queue) > 1 {
		f.outcomes[taskID] = queue[1:]
	}
	return out, nil
}

func (f *fakeRunner) Kill(string, bool) error { return nil }
func (f *fakeRunner) KillAll(bool)            {}

func testSpecBuilder(task core.Task, agent core.Agent) (core.WorkerSpec, error) {
	return core.WorkerSpec{
		Executable: "fake",
		Env: map[string]string{
			"TASK_ID":  string(task.ID),
			"AGENT_ID": string(agent.ID),
		},
		CloseStdin: true,
	}, nil
}

func testHarvester(task core.Task, agent core.Agent, out *core.ExitOutcome) (*core.TaskResult, error) {
	return &core.TaskResult{
		Stdout:  out.Output,
		Files:   map[string][]byte{"result.txt": []byte(out.Output)},
		Metrics: core.TaskResultMetrics{FileCount: 1},
	}, nil
}

func fastOpts() Options {
	return Options{
		Topology: core.TopologyHybrid,
		Retry:    RetryPolicy{MaxAttempts: 3, BackoffBase: 10 * time.Millisecond, BackoffCap: 50 * time.Millisecond},
		Seed:     1,
	}
}

func addAgent(t *testing.T, st *store.Store, id string, agentType core.AgentType, caps ...string) {
	t.Helper()
	profile := core.AgentProfile{Type: agentType, Name: id, Layer: 1}
	if len(caps) > 0 {
		profile.Capabilities = core.NewCapabilitySet(caps...)
	}
	agent := core.NewAgent(core.AgentID(id), profile, core.AgentLimits{MaxConcurrentTasks: 3})
	require.NoError(t, st.RegisterAgent(agent))
	require.NoError(t, st.UpdateAgentStatus(agent.ID, core.AgentStatusIdle))
}

func runScheduler(t *testing.T, st *store.Store, runner core.WorkerRunner, opts Options) error {
	t.Helper()
	s := New(st, runner, nil, nil, opts, testSpecBuilder, testHarvester)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.Run(ctx)
}

func TestLinearChainSingleAgent(t *testing.T) {
	st := store.New("swarm-t", nil, nil)
	addAgent(t, st, "coder-1", core.AgentTypeCoder, "code-generation", "testing", "analysis")

	a := core.NewTask("task-a", "a", core.TaskTypeAnalysis)
	b := core.NewTask("task-b", "b", core.TaskTypeCoding).WithDependencies("task-a")
	c := core.NewTask("task-c", "c", core.TaskTypeTesting).WithDependencies("task-b")
	require.NoError(t, st.AddTask(a))
	require.NoError(t, st.AddTask(b))
	require.NoError(t, st.AddTask(c))

	runner := newFakeRunner()
	require.NoError(t, runScheduler(t, st, runner, fastOpts()))

	for _, id := range []core.TaskID{"task-a", "task-b", "task-c"} {
		task, _ := st.Task(id)
		assert.Equal(t, core.TaskStatusCompleted, task.Status, string(id))
	}

	// Dependency order shows up in the coordination log.
	var order []string
	for _, e := range st.EventLog() {
		if e.Kind == "task:completed" {
			order = append(order, e.Payload["task_id"].(string))
		}
	}
	assert.Equal(t, []string{"task-a", "task-b", "task-c"}, order)

	agent, _ := st.Agent("coder-1")
	assert.Zero(t, agent.Workload)
}

func TestFanOutRunsConcurrently(t *testing.T) {
	st := store.New("swarm-t", nil, nil)
	addAgent(t, st, "researcher-1", core.AgentTypeResearcher)
	addAgent(t, st, "researcher-2", core.AgentTypeResearcher)

	root := core.NewTask("task-root", "root", core.TaskTypeResearch)
	left := core.NewTask("task-left", "left", core.TaskTypeResearch).WithDependencies("task-root")
	right := core.NewTask("task-right", "right", core.TaskTypeResearch).WithDependencies("task-root")
	join := core.NewTask("task-join", "join", core.TaskTypeResearch).WithDependencies("task-left", "task-right")
	for _, task := range []*core.Task{root, left, right, join} {
		require.NoError(t, st.AddTask(task))
	}

	runner := newFakeRunner()
	runner.delay = 100 * time.Millisecond
	require.NoError(t, runScheduler(t, st, runner, fastOpts()))

	require.True(t, st.AllTerminal())
	assert.GreaterOrEqual(t, runner.maxSeen.Load(), int32(2),
		"fan-out tasks should overlap in flight")
}

func TestRetryThenSucceed(t *testing.T) {
	st := store.New("swarm-t", nil, nil)
	addAgent(t, st, "coder-1", core.AgentTypeCoder)

	task := core.NewTask("task-flaky", "flaky", core.TaskTypeCoding)
	require.NoError(t, st.AddTask(task))

	runner := newFakeRunner()
	runner.script("task-flaky",
		&core.ExitOutcome{Success: false, ExitCode: 1, Stderr: "transient"},
		&core.ExitOutcome{Success: true, ExitCode: 0, Output: "fixed"},
	)
	require.NoError(t, runScheduler(t, st, runner, fastOpts()))

	got, _ := st.Task("task-flaky")
	assert.Equal(t, core.TaskStatusCompleted, got.Status)
	require.Len(t, got.Attempts, 2)
	assert.Equal(t, core.AttemptOutcomeFailed, got.Attempts[0].Outcome)
	assert.Equal(t, core.AttemptOutcomeSuccess, got.Attempts[1].Outcome)
}

func TestExhaustedAttemptsFailTerminally(t *testing.T) {
	st := store.New("swarm-t", nil, nil)
	addAgent(t, st, "coder-1", core.AgentTypeCoder)

	bad := core.NewTask("task-bad", "bad", core.TaskTypeCoding)
	dependent := core.NewTask("task-dep", "dep", core.TaskTypeCoding).WithDependencies("task-bad")
	require.NoError(t, st.AddTask(bad))
	require.NoError(t, st.AddTask(dependent))

	runner := newFakeRunner()
	runner.script("task-bad", &core.ExitOutcome{Success: false, ExitCode: 1, Stderr: "always broken"})
	require.NoError(t, runScheduler(t, st, runner, fastOpts()))

	got, _ := st.Task("task-bad")
	assert.Equal(t, core.TaskStatusFailed, got.Status)
	assert.Len(t, got.Attempts, 3)

	dep, _ := st.Task("task-dep")
	assert.Equal(t, core.TaskStatusCancelled, dep.Status,
		"dependent of a terminally failed task must be cancelled, not ready")
}

func TestNonRetryableFailsImmediately(t *testing.T) {
	st := store.New("swarm-t", nil, nil)
	addAgent(t, st, "coder-1", core.AgentTypeCoder)

	task := core.NewTask("task-killed", "killed", core.TaskTypeCoding).WithMaxAttempts(1)
	require.NoError(t, st.AddTask(task))

	runner := newFakeRunner()
	runner.script("task-killed", &core.ExitOutcome{Success: false, Signal: "killed"})

	require.NoError(t, runScheduler(t, st, runner, fastOpts()))

	got, _ := st.Task("task-killed")
	assert.Equal(t, core.TaskStatusFailed, got.Status)
	assert.Len(t, got.Attempts, 1)
}

func TestCapabilityUnmetFailsAndCancelsDependents(t *testing.T) {
	st := store.New("swarm-t", nil, nil)
	addAgent(t, st, "documenter-1", core.AgentTypeDocumenter)

	impossible := core.NewTask("task-impossible", "impossible", core.TaskTypeCoding)
	downstream := core.NewTask("task-downstream", "downstream", core.TaskTypeDocumentation).
		WithDependencies("task-impossible")
	require.NoError(t, st.AddTask(impossible))
	require.NoError(t, st.AddTask(downstream))

	runner := newFakeRunner()
	require.NoError(t, runScheduler(t, st, runner, fastOpts()))

	got, _ := st.Task("task-impossible")
	assert.Equal(t, core.TaskStatusFailed, got.Status)
	require.NotEmpty(t, got.Attempts)
	assert.Equal(t, core.ErrKindCapabilityUnmet, got.Attempts[len(got.Attempts)-1].ErrorKind)

	dep, _ := st.Task("task-downstream")
	assert.Equal(t, core.TaskStatusCancelled, dep.Status)
}

func TestNoDeliverablesFailsCodingTask(t *testing.T) {
	st := store.New("swarm-t", nil, nil)
	addAgent(t, st, "coder-1", core.AgentTypeCoder)

	task := core.NewTask("task-empty", "empty", core.TaskTypeCoding)
	require.NoError(t, st.AddTask(task))

	runner := newFakeRunner()
	s := New(st, runner, nil, nil, fastOpts(), testSpecBuilder,
		func(task core.Task, agent core.Agent, out *core.ExitOutcome) (*core.TaskResult, error) {
			return &core.TaskResult{Stdout: out.Output}, nil // zero files
		})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, s.Run(ctx))

	got, _ := st.Task("task-empty")
	assert.Equal(t, core.TaskStatusFailed, got.Status)
	assert.Len(t, got.Attempts, 3)
}

func TestSwarmTimeoutCancelsEverything(t *testing.T) {
	st := store.New("swarm-t", nil, nil)
	addAgent(t, st, "coder-1", core.AgentTypeCoder)

	slow := core.NewTask("task-slow", "slow", core.TaskTypeCoding)
	waiting := core.NewTask("task-waiting", "waiting", core.TaskTypeCoding).WithDependencies("task-slow")
	require.NoError(t, st.AddTask(slow))
	require.NoError(t, st.AddTask(waiting))

	runner := newFakeRunner()
	runner.delay = 10 * time.Second

	s := New(st, runner, nil, nil, fastOpts(), testSpecBuilder, testHarvester)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := s.Run(ctx)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.ErrKindTimeout))

	require.True(t, st.AllTerminal())
	for _, id := range []core.TaskID{"task-slow", "task-waiting"} {
		task, _ := st.Task(id)
		assert.Equal(t, core.TaskStatusCancelled, task.Status, string(id))
	}
}

func TestCancellationMidFlight(t *testing.T) {
	st := store.New("swarm-t", nil, nil)
	addAgent(t, st, "coder-1", core.AgentTypeCoder)

	task := core.NewTask("task-running", "running", core.TaskTypeCoding)
	require.NoError(t, st.AddTask(task))

	runner := newFakeRunner()
	runner.delay = 10 * time.Second

	s := New(st, runner, nil, nil, fastOpts(), testSpecBuilder, testHarvester)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	err := s.Run(ctx)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.ErrKindCancelled))
	assert.True(t, st.AllTerminal())
}

func TestBusEventsWakeScheduler(t *testing.T) {
	bus := events.NewBus(64)
	defer bus.Close()

	st := store.New("swarm-t", bus, nil)
	addAgent(t, st, "coder-1", core.AgentTypeCoder)

	a := core.NewTask("task-a", "a", core.TaskTypeCoding)
	b := core.NewTask("task-b", "b", core.TaskTypeCoding).WithDependencies("task-a")
	require.NoError(t, st.AddTask(a))
	require.NoError(t, st.AddTask(b))

	runner := newFakeRunner()
	s := New(st, runner, bus, nil, fastOpts(), testSpecBuilder, testHarvester)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, s.Run(ctx))
	assert.True(t, st.AllTerminal())
}

func newSeededRand() *rand.Rand {
	return rand.New(rand.NewSource(42))
}

func TestBackoffBounds(t *testing.T) {
	policy := DefaultRetryPolicy()
	for attempt := 1; attempt <= 10; attempt++ {
		d := policy.Backoff(attempt, nil)
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.LessOrEqual(t, d, 30*time.Second)
	}
	// Jitter stays within plus or minus 20%.
	rng := newSeededRand()
	for i := 0; i < 100; i++ {
		d := policy.Backoff(1, rng)
		assert.GreaterOrEqual(t, d, time.Duration(float64(2*time.Second)*0.8))
		assert.LessOrEqual(t, d, time.Duration(float64(2*time.Second)*1.2))
	}
}
