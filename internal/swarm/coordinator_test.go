package swarm

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flotilla-ai/flotilla/internal/core"
	"github.com/flotilla-ai/flotilla/internal/events"
	"github.com/flotilla-ai/flotilla/internal/logging"
	"github.com/flotilla-ai/flotilla/internal/scheduler"
	"github.com/flotilla-ai/flotilla/internal/store"
)

// fileRunner simulates workers by dropping a deliverable into the
// working directory and exiting cleanly.
type fileRunner struct {
	writeFiles bool
	delay      time.Duration

	mu    sync.Mutex
	calls int
}

func (r *fileRunner) Run(ctx context.Context, spec core.WorkerSpec) (*core.ExitOutcome, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()

	if r.delay > 0 {
		select {
		case <-ctx.Done():
			return &core.ExitOutcome{Success: false, ExitCode: -1, Signal: "terminated"}, nil
		case <-time.After(r.delay):
		}
	}
	if r.writeFiles {
		name := "result-" + spec.Env["TASK_ID"] + ".md"
		if err := os.WriteFile(filepath.Join(spec.WorkDir, name), []byte("done\n"), 0o644); err != nil {
			return nil, err
		}
	}
	return &core.ExitOutcome{Success: true, Output: "Claude completed with exit code: 0"}, nil
}

func (r *fileRunner) Kill(string, bool) error { return nil }
func (r *fileRunner) KillAll(bool)            {}

func (r *fileRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// blockRunner parks every worker until its context ends or the gate
// opens.
type blockRunner struct {
	gate chan struct{} // nil means block until ctx cancel
}

func (r *blockRunner) Run(ctx context.Context, spec core.WorkerSpec) (*core.ExitOutcome, error) {
	select {
	case <-ctx.Done():
		return &core.ExitOutcome{Success: false, ExitCode: -1, Signal: "terminated"}, nil
	case <-r.gate:
	}
	name := "result-" + spec.Env["TASK_ID"] + ".md"
	if err := os.WriteFile(filepath.Join(spec.WorkDir, name), []byte("done\n"), 0o644); err != nil {
		return nil, err
	}
	return &core.ExitOutcome{Success: true}, nil
}

func (r *blockRunner) Kill(string, bool) error { return nil }
func (r *blockRunner) KillAll(bool)            {}

func testOptions(t *testing.T) Options {
	t.Helper()
	opts := DefaultOptions()
	opts.MaxAgents = 2
	opts.WorkspaceRoot = t.TempDir()
	opts.TaskTimeout = 5 * time.Second
	opts.SwarmTimeout = 10 * time.Second
	opts.SnapshotInterval = 20 * time.Millisecond
	opts.WatchArtifacts = false
	opts.Retry = scheduler.RetryPolicy{MaxAttempts: 1, BackoffBase: 10 * time.Millisecond, BackoffCap: 20 * time.Millisecond}
	return opts
}

func TestRunObjectiveCompletes(t *testing.T) {
	bus := events.NewBus(256)
	defer bus.Close()
	opts := testOptions(t)
	opts.WatchArtifacts = true

	c := New(&fileRunner{writeFiles: true}, bus, logging.NewNop(), opts)
	res, err := c.RunObjective(context.Background(), "implement a small web service", core.StrategyDevelopment)
	require.NoError(t, err)

	assert.Equal(t, core.ObjectiveStatusCompleted, res.Status)
	assert.Equal(t, core.StrategyDevelopment, res.Strategy)
	assert.Equal(t, 3, res.TaskCounts[core.TaskStatusCompleted])
	assert.NoError(t, res.Err)

	// The published snapshot reflects the terminal state.
	data, err := os.ReadFile(res.SnapshotPath)
	require.NoError(t, err)
	var snap store.Snapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Equal(t, string(res.SwarmID), snap.SwarmID)
	assert.Equal(t, string(core.ObjectiveStatusCompleted), snap.Status)
	assert.Len(t, snap.Agents, 2)
	assert.Len(t, snap.Tasks, 3)
	for _, task := range snap.Tasks {
		assert.Equal(t, string(core.TaskStatusCompleted), task.Status)
	}

	// The run summary lands next to the harvested output.
	summaryData, err := os.ReadFile(filepath.Join(res.OutputDir, "task-summary.json"))
	require.NoError(t, err)
	var sum map[string]any
	require.NoError(t, json.Unmarshal(summaryData, &sum))
	assert.Equal(t, string(res.SwarmID), sum["swarmId"])
	assert.Equal(t, "completed", sum["status"])

	// keep policy leaves the agent workspaces in place.
	entries, err := os.ReadDir(filepath.Join(filepath.Dir(res.OutputDir), "agents"))
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	// Finished swarms are no longer queryable.
	_, err = c.GetStatus(res.SwarmID)
	assert.Error(t, err)
}

func TestRunObjectiveFailsWithoutDeliverables(t *testing.T) {
	bus := events.NewBus(256)
	defer bus.Close()

	runner := &fileRunner{writeFiles: false}
	c := New(runner, bus, logging.NewNop(), testOptions(t))
	res, err := c.RunObjective(context.Background(), "implement a small web service", core.StrategyDevelopment)
	require.NoError(t, err)

	// Architecture succeeds (no file requirement), implementation fails
	// for lack of deliverables, the test task is cancelled downstream.
	assert.Equal(t, core.ObjectiveStatusFailed, res.Status)
	assert.Equal(t, 1, res.TaskCounts[core.TaskStatusCompleted])
	assert.Equal(t, 1, res.TaskCounts[core.TaskStatusFailed])
	assert.Equal(t, 1, res.TaskCounts[core.TaskStatusCancelled])
	assert.Equal(t, 2, runner.callCount())
}

func TestRunObjectiveCancelled(t *testing.T) {
	bus := events.NewBus(256)
	defer bus.Close()
	started := bus.Subscribe(events.TypeSwarmStarted)

	c := New(&blockRunner{}, bus, logging.NewNop(), testOptions(t))

	results := make(chan *ObjectiveResult, 1)
	go func() {
		res, err := c.RunObjective(context.Background(), "implement a small web service", core.StrategyDevelopment)
		if err == nil {
			results <- res
		}
		close(results)
	}()

	var swarmID core.SwarmID
	select {
	case ev := <-started:
		swarmID = core.SwarmID(ev.SwarmID())
	case <-time.After(5 * time.Second):
		t.Fatal("swarm never started")
	}

	// Wait for the first worker to be in flight, then cancel twice to
	// prove idempotence.
	waitFor(t, func() bool {
		snap, err := c.GetStatus(swarmID)
		if err != nil {
			return false
		}
		for _, task := range snap.Tasks {
			if task.Status == string(core.TaskStatusRunning) {
				return true
			}
		}
		return false
	})
	c.Cancel(swarmID)
	c.Cancel(swarmID)

	res, ok := <-results
	require.True(t, ok, "RunObjective returned an error")
	assert.Equal(t, core.ObjectiveStatusCancelled, res.Status)
	assert.True(t, core.IsKind(res.Err, core.ErrKindCancelled))
	assert.Zero(t, res.TaskCounts[core.TaskStatusCompleted])
}

func TestRunObjectiveTimesOut(t *testing.T) {
	bus := events.NewBus(256)
	defer bus.Close()

	opts := testOptions(t)
	opts.SwarmTimeout = 200 * time.Millisecond

	c := New(&blockRunner{}, bus, logging.NewNop(), opts)
	res, err := c.RunObjective(context.Background(), "implement a small web service", core.StrategyDevelopment)
	require.NoError(t, err)

	assert.Equal(t, core.ObjectiveStatusTimedOut, res.Status)
	assert.True(t, core.IsKind(res.Err, core.ErrKindTimeout))
	total := 0
	for _, n := range res.TaskCounts {
		total += n
	}
	assert.Equal(t, res.TaskCounts[core.TaskStatusCancelled], total, "every task should be cancelled")
}

func TestAgentOperationsMidRun(t *testing.T) {
	bus := events.NewBus(256)
	defer bus.Close()
	started := bus.Subscribe(events.TypeSwarmStarted)

	opts := testOptions(t)
	opts.MaxAgents = 4
	opts.Team = []core.AgentProfile{
		{Type: core.AgentTypeCoordinator, Name: "lead", Layer: 0},
		{
			Type: core.AgentTypeCoder,
			Name: "generalist",
			Capabilities: core.NewCapabilitySet(
				"architecture", "code-generation", "refactoring",
				"debugging", "testing", "validation",
			),
			Layer: 1,
		},
	}

	gate := make(chan struct{})
	c := New(&blockRunner{gate: gate}, bus, logging.NewNop(), opts)

	results := make(chan *ObjectiveResult, 1)
	go func() {
		res, err := c.RunObjective(context.Background(), "implement a small web service", core.StrategyDevelopment)
		if err == nil {
			results <- res
		}
		close(results)
	}()

	var swarmID core.SwarmID
	select {
	case ev := <-started:
		swarmID = core.SwarmID(ev.SwarmID())
	case <-time.After(5 * time.Second):
		t.Fatal("swarm never started")
	}

	agents, err := c.ListAgents(swarmID)
	require.NoError(t, err)
	require.Len(t, agents, 2)

	spawned, err := c.SpawnAgent(swarmID, core.AgentProfile{Type: core.AgentTypeResearcher, Layer: 1})
	require.NoError(t, err)
	require.NoError(t, c.TerminateAgent(swarmID, spawned))

	agents, err = c.ListAgents(swarmID)
	require.NoError(t, err)
	require.Len(t, agents, 3)
	for _, a := range agents {
		if a.ID == spawned {
			assert.Equal(t, core.AgentStatusTerminated, a.Status)
		}
	}

	close(gate)
	res, ok := <-results
	require.True(t, ok, "RunObjective returned an error")
	assert.Equal(t, core.ObjectiveStatusCompleted, res.Status)
}

func TestSpawnAgentRespectsCap(t *testing.T) {
	bus := events.NewBus(256)
	defer bus.Close()
	started := bus.Subscribe(events.TypeSwarmStarted)

	gate := make(chan struct{})
	c := New(&blockRunner{gate: gate}, bus, logging.NewNop(), testOptions(t))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.RunObjective(context.Background(), "implement a small web service", core.StrategyDevelopment)
	}()

	var swarmID core.SwarmID
	select {
	case ev := <-started:
		swarmID = core.SwarmID(ev.SwarmID())
	case <-time.After(5 * time.Second):
		t.Fatal("swarm never started")
	}

	// MaxAgents is 2 and the development team already fills both slots.
	_, err := c.SpawnAgent(swarmID, core.AgentProfile{Type: core.AgentTypeResearcher})
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.ErrKindInvalidInput))

	close(gate)
	<-done
}

func TestCancelViaWorkspaceMarker(t *testing.T) {
	bus := events.NewBus(256)
	defer bus.Close()
	started := bus.Subscribe(events.TypeSwarmStarted)

	opts := testOptions(t)
	c := New(&blockRunner{}, bus, logging.NewNop(), opts)

	results := make(chan *ObjectiveResult, 1)
	go func() {
		res, err := c.RunObjective(context.Background(), "implement a small web service", core.StrategyDevelopment)
		if err == nil {
			results <- res
		}
		close(results)
	}()

	var swarmID core.SwarmID
	select {
	case ev := <-started:
		swarmID = core.SwarmID(ev.SwarmID())
	case <-time.After(5 * time.Second):
		t.Fatal("swarm never started")
	}

	marker := filepath.Join(opts.WorkspaceRoot, string(swarmID), "communication", CancelRequestFile)
	require.NoError(t, os.WriteFile(marker, []byte{}, 0o600))

	res, ok := <-results
	require.True(t, ok, "RunObjective returned an error")
	assert.Equal(t, core.ObjectiveStatusCancelled, res.Status)
}

func TestBuildPrompt(t *testing.T) {
	obj := core.NewObjective("swarm-test", "ship the widget service", core.StrategyDevelopment, core.TopologyHybrid)
	task := core.NewTask("task-implementation", "Implementation", core.TaskTypeCoding).
		WithDescription("Implement the service against the agreed design.")
	agent := core.NewAgent("swarm-test/coder-1", core.AgentProfile{Type: core.AgentTypeCoder, Name: "coder-1"}, core.AgentLimits{MaxConcurrentTasks: 1})

	prompt := buildPrompt(obj, *task, *agent, map[string][]string{
		"Architecture design": {"design.md"},
	})

	assert.Contains(t, prompt, "ship the widget service")
	assert.Contains(t, prompt, "Implement the service against the agreed design.")
	assert.Contains(t, prompt, "coder-1")
	assert.Contains(t, prompt, "Architecture design")
	assert.Contains(t, prompt, "design.md")
	assert.Contains(t, prompt, "code-generation")
	assert.Contains(t, prompt, "working directory")
}

func TestOptionsNormalized(t *testing.T) {
	var zero Options
	got := zero.normalized()
	want := DefaultOptions()

	assert.Equal(t, want.MaxAgents, got.MaxAgents)
	assert.Equal(t, want.TaskTimeout, got.TaskTimeout)
	assert.Equal(t, want.SwarmTimeout, got.SwarmTimeout)
	assert.Equal(t, want.Topology, got.Topology)
	assert.Equal(t, want.Retain, got.Retain)
	assert.Equal(t, want.Retry, got.Retry)
	assert.Equal(t, want.Worker.Executable, got.Worker.Executable)
	assert.Equal(t, want.Worker.AllowedTools, got.Worker.AllowedTools)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never met")
}
