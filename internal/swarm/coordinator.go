// Package swarm is the orchestration façade: it turns an objective into
// a plan, provisions workspaces and agents, runs the scheduler to
// completion and publishes the shared state snapshot along the way.
package swarm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/flotilla-ai/flotilla/internal/core"
	"github.com/flotilla-ai/flotilla/internal/decompose"
	"github.com/flotilla-ai/flotilla/internal/events"
	"github.com/flotilla-ai/flotilla/internal/logging"
	"github.com/flotilla-ai/flotilla/internal/scheduler"
	"github.com/flotilla-ai/flotilla/internal/store"
	"github.com/flotilla-ai/flotilla/internal/workspace"
)

// Coordinator owns swarm lifecycles end to end. One coordinator can run
// multiple swarms concurrently; each RunObjective call is one swarm.
type Coordinator struct {
	opts   Options
	wsman  *workspace.Manager
	runner core.WorkerRunner
	bus    *events.Bus
	logger *logging.Logger
	kv     core.KV

	mu   sync.Mutex
	runs map[core.SwarmID]*run
}

// run is the live state of one swarm execution.
type run struct {
	obj     *core.Objective
	st      *store.Store
	paths   *workspace.Paths
	startAt time.Time
	runCtx  context.Context
	cancel  context.CancelFunc

	mu         sync.Mutex // guards obj.Status, userStop, workspaces, instances
	userStop   bool
	workspaces map[core.AgentID]*workspace.AgentWorkspace
	instances  map[core.AgentType]int
}

// ObjectiveResult summarizes a finished swarm.
type ObjectiveResult struct {
	SwarmID      core.SwarmID
	Status       core.ObjectiveStatus
	Strategy     core.Strategy
	Duration     time.Duration
	TaskCounts   map[core.TaskStatus]int
	OutputDir    string
	SnapshotPath string
	Err          error
}

// New creates a coordinator. runner is the worker supervisor; tests pass
// a fake.
func New(runner core.WorkerRunner, bus *events.Bus, logger *logging.Logger, opts Options) *Coordinator {
	if logger == nil {
		logger = logging.NewNop()
	}
	opts = opts.normalized()
	wsman := workspace.NewManager(opts.WorkspaceRoot, logger)
	if opts.FileCapBytes > 0 {
		wsman = wsman.WithFileCap(opts.FileCapBytes)
	}
	return &Coordinator{
		opts:   opts,
		wsman:  wsman,
		runner: runner,
		bus:    bus,
		logger: logger,
		runs:   make(map[core.SwarmID]*run),
	}
}

// WithKV plugs in persistent cross-agent memory.
func (c *Coordinator) WithKV(kv core.KV) *Coordinator {
	c.kv = kv
	return c
}

// RunObjective executes an objective synchronously: decompose, provision,
// schedule, harvest, teardown. It returns once the swarm reaches a
// terminal state. Cancellation and the swarm timeout surface in the
// result status, not as an error; only setup failures return an error.
func (c *Coordinator) RunObjective(ctx context.Context, objective string, strategy core.Strategy) (*ObjectiveResult, error) {
	plan, err := decompose.Decompose(objective, strategy, c.opts.MaxAgents)
	if err != nil {
		return nil, err
	}
	team := plan.Team
	if len(c.opts.Team) > 0 {
		team = c.opts.Team
	}

	swarmID := core.NewSwarmID()
	obj := core.NewObjective(swarmID, objective, plan.Strategy, c.opts.Topology)
	log := c.logger.WithSwarm(string(swarmID))

	st := store.New(swarmID, c.bus, log)
	if c.kv != nil {
		st = st.WithKV(c.kv)
		if err := st.RestoreMemory(ctx, "global"); err != nil {
			log.Warn("swarm: memory restore failed", "error", err)
		}
	}

	paths, err := c.wsman.CreateSwarmWorkspace(swarmID)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, c.opts.SwarmTimeout)
	r := &run{
		obj:        obj,
		st:         st,
		paths:      paths,
		startAt:    time.Now(),
		runCtx:     runCtx,
		cancel:     cancel,
		workspaces: make(map[core.AgentID]*workspace.AgentWorkspace),
		instances:  make(map[core.AgentType]int),
	}
	c.mu.Lock()
	c.runs[swarmID] = r
	c.mu.Unlock()
	defer func() {
		cancel()
		c.mu.Lock()
		delete(c.runs, swarmID)
		c.mu.Unlock()
	}()

	for _, profile := range team {
		if _, err := c.provisionAgent(r, profile); err != nil {
			return nil, err
		}
	}

	for _, task := range plan.Tasks {
		task.MaxAttempts = c.opts.Retry.MaxAttempts
		task.Timeout = c.opts.TaskTimeout
		if err := st.AddTask(task); err != nil {
			return nil, err
		}
	}

	r.mu.Lock()
	err = obj.Start()
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	c.publishSwarm(events.TypeSwarmStarted, r)
	c.writeSnapshot(r)
	log.Info("swarm: started",
		"strategy", plan.Strategy,
		"topology", c.opts.Topology,
		"agents", len(team),
		"tasks", len(plan.Tasks),
	)

	sched := scheduler.New(st, c.runner, c.bus, log, scheduler.Options{
		Topology:            c.opts.Topology,
		Retry:               c.opts.Retry,
		MaxRunningTasks:     c.opts.MaxRunningTasks,
		StarvationThreshold: c.opts.StarvationThreshold,
	}, c.specBuilder(r), c.harvester(r))

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return sched.Run(runCtx) })
	g.Go(func() error { c.snapshotLoop(gctx, r); return nil })
	g.Go(func() error { c.trackWorkers(gctx, r); return nil })

	schedErr := g.Wait()
	final := c.finalStatus(r, schedErr)
	r.mu.Lock()
	obj.Finish(final)
	r.mu.Unlock()

	c.finishAgents(r)
	c.writeSnapshot(r)
	c.writeSummary(r)
	c.teardown(r)
	c.publishSwarm(terminalEventType(obj.Status), r)
	log.Info("swarm: finished", "status", obj.Status, "duration", obj.Duration())

	return &ObjectiveResult{
		SwarmID:      swarmID,
		Status:       obj.Status,
		Strategy:     obj.Strategy,
		Duration:     obj.Duration(),
		TaskCounts:   st.CountByStatus(),
		OutputDir:    paths.Output,
		SnapshotPath: workspace.SnapshotPath(paths),
		Err:          schedErr,
	}, nil
}

// Cancel requests cooperative shutdown of a running swarm. Cancelling an
// unknown or already finished swarm is a no-op.
func (c *Coordinator) Cancel(swarmID core.SwarmID) {
	c.mu.Lock()
	r, ok := c.runs[swarmID]
	c.mu.Unlock()
	if !ok {
		return
	}
	r.mu.Lock()
	r.userStop = true
	if r.obj.Status == core.ObjectiveStatusRunning {
		r.obj.Status = core.ObjectiveStatusCancelling
	}
	r.mu.Unlock()
	r.cancel()
}

// GetStatus returns the published snapshot of a running swarm.
func (c *Coordinator) GetStatus(swarmID core.SwarmID) (store.Snapshot, error) {
	c.mu.Lock()
	r, ok := c.runs[swarmID]
	c.mu.Unlock()
	if !ok {
		return store.Snapshot{}, core.ErrInvalidInput("UNKNOWN_SWARM", fmt.Sprintf("no running swarm %s", swarmID))
	}
	return r.st.BuildSnapshot(r.startAt, string(r.status()), c.snapshotMeta(r)), nil
}

// ListAgents returns the agents of a running swarm.
func (c *Coordinator) ListAgents(swarmID core.SwarmID) ([]core.Agent, error) {
	c.mu.Lock()
	r, ok := c.runs[swarmID]
	c.mu.Unlock()
	if !ok {
		return nil, core.ErrInvalidInput("UNKNOWN_SWARM", fmt.Sprintf("no running swarm %s", swarmID))
	}
	return r.st.Agents(), nil
}

// SpawnAgent adds an agent to a running swarm mid-flight.
func (c *Coordinator) SpawnAgent(swarmID core.SwarmID, profile core.AgentProfile) (core.AgentID, error) {
	c.mu.Lock()
	r, ok := c.runs[swarmID]
	c.mu.Unlock()
	if !ok {
		return "", core.ErrInvalidInput("UNKNOWN_SWARM", fmt.Sprintf("no running swarm %s", swarmID))
	}
	if len(r.st.Agents()) >= c.opts.MaxAgents {
		return "", core.ErrInvalidInput("MAX_AGENTS", "agent cap reached")
	}
	return c.provisionAgent(r, profile)
}

// TerminateAgent retires an agent from a running swarm. Tasks it is
// executing finish their current attempt; the agent takes no new work.
func (c *Coordinator) TerminateAgent(swarmID core.SwarmID, agentID core.AgentID) error {
	c.mu.Lock()
	r, ok := c.runs[swarmID]
	c.mu.Unlock()
	if !ok {
		return core.ErrInvalidInput("UNKNOWN_SWARM", fmt.Sprintf("no running swarm %s", swarmID))
	}
	return r.st.UpdateAgentStatus(agentID, core.AgentStatusTerminated)
}

// provisionAgent creates the workspace and store record for one profile.
func (c *Coordinator) provisionAgent(r *run, profile core.AgentProfile) (core.AgentID, error) {
	r.mu.Lock()
	r.instances[profile.Type]++
	instance := r.instances[profile.Type]
	r.mu.Unlock()

	id := core.NewAgentID(r.obj.ID, profile.Type, instance)
	if profile.Name == "" {
		profile.Name = fmt.Sprintf("%s-%d", profile.Type, instance)
	}

	ws, err := c.wsman.CreateAgentWorkspace(r.paths, id)
	if err != nil {
		return "", err
	}

	agent := core.NewAgent(id, profile, core.AgentLimits{
		MaxConcurrentTasks: c.opts.MaxConcurrentTasksPerAgent,
		TimeoutPerTask:     c.opts.TaskTimeout,
	})
	agent.WorkspaceDir = ws.Dir
	if err := r.st.RegisterAgent(agent); err != nil {
		return "", err
	}
	if err := r.st.UpdateAgentStatus(id, core.AgentStatusIdle); err != nil {
		return "", err
	}

	r.mu.Lock()
	r.workspaces[id] = ws
	r.mu.Unlock()

	if c.opts.WatchArtifacts && c.bus != nil {
		w := workspace.NewWatcher(ws, c.bus, c.logger.WithAgent(string(id)))
		go w.Watch(r.runCtx)
	}
	return id, nil
}

// specBuilder returns the scheduler hook that materializes a worker
// invocation inside the agent's workspace.
func (c *Coordinator) specBuilder(r *run) scheduler.SpecBuilder {
	return func(task core.Task, agent core.Agent) (core.WorkerSpec, error) {
		ws := r.workspace(agent.ID)
		if ws == nil {
			return core.WorkerSpec{}, core.ErrInvalidInput("NO_WORKSPACE", fmt.Sprintf("agent %s has no workspace", agent.ID))
		}

		prompt := buildPrompt(r.obj, task, agent, r.dependencyArtifacts(task))
		if _, err := c.wsman.WritePrompt(ws, prompt); err != nil {
			return core.WorkerSpec{}, err
		}

		return core.WorkerSpec{
			Executable: c.opts.Worker.Executable,
			Args:       append([]string(nil), c.opts.Worker.BaseArgs...),
			Prompt:     prompt,
			WorkDir:    ws.Dir,
			Env: map[string]string{
				"SWARM_ID":    string(r.obj.ID),
				"AGENT_ID":    string(agent.ID),
				"AGENT_TYPE":  string(agent.Type),
				"AGENT_NAME":  agent.Name,
				"WORKING_DIR": ws.Dir,
				"OBJECTIVE":   r.obj.Description,
				"STRATEGY":    string(r.obj.Strategy),
				"TASK_ID":     string(task.ID),
			},
			AllowedTools: append([]string(nil), c.opts.Worker.AllowedTools...),
			CloseStdin:   true,
			TaskTimeout:  task.Timeout,
			GraceTimeout: c.opts.Worker.GraceTimeout,
		}, nil
	}
}

// harvester returns the scheduler hook that collects task outputs after
// a clean worker exit.
func (c *Coordinator) harvester(r *run) scheduler.Harvester {
	return func(task core.Task, agent core.Agent, out *core.ExitOutcome) (*core.TaskResult, error) {
		ws := r.workspace(agent.ID)
		if ws == nil {
			return nil, core.ErrInvalidInput("NO_WORKSPACE", fmt.Sprintf("agent %s has no workspace", agent.ID))
		}
		h, err := c.wsman.HarvestOutputs(ws)
		if err != nil {
			return nil, err
		}
		if err := c.wsman.CopyToOutput(r.paths, ws, h); err != nil {
			return nil, err
		}
		return &core.TaskResult{
			Stdout:    out.Output,
			Files:     h.Files,
			Artifacts: h.Artifacts,
			Metrics: core.TaskResultMetrics{
				Duration:     out.Duration,
				OutputBytes:  len(out.Output),
				FileCount:    len(h.Artifacts),
				SkippedFiles: h.Skipped,
			},
		}, nil
	}
}

// dependencyArtifacts lists the artifacts completed dependencies left
// behind, keyed by task name, for the prompt.
func (r *run) dependencyArtifacts(task core.Task) map[string][]string {
	out := make(map[string][]string, len(task.Dependencies))
	for _, depID := range task.Dependencies {
		dep, ok := r.st.Task(depID)
		if !ok || dep.Result == nil {
			continue
		}
		out[dep.Name] = dep.Result.Artifacts
	}
	return out
}

func (r *run) status() core.ObjectiveStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.obj.Status
}

func (r *run) workspace(id core.AgentID) *workspace.AgentWorkspace {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.workspaces[id]
}

// CancelRequestFile is the marker external tools drop into a swarm's
// communication directory to request cancellation. The coordinator
// polls for it on the snapshot cadence.
const CancelRequestFile = "cancel.requested"

// snapshotLoop republishes shared-memory.json at a fixed cadence so
// external observers see live progress, and honors out-of-process
// cancel requests.
func (c *Coordinator) snapshotLoop(ctx context.Context, r *run) {
	cancelPath := filepath.Join(r.paths.Communication, CancelRequestFile)
	ticker := time.NewTicker(c.opts.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeSnapshot(r)
			if _, err := os.Stat(cancelPath); err == nil {
				c.logger.Info("swarm: cancel requested via workspace", "swarm_id", r.obj.ID)
				c.Cancel(r.obj.ID)
			}
		}
	}
}

// trackWorkers mirrors worker lifecycle events into the agents' records
// so the snapshot shows which process each agent is driving.
func (c *Coordinator) trackWorkers(ctx context.Context, r *run) {
	if c.bus == nil {
		return
	}
	ch := c.bus.Subscribe(events.TypeWorkerSpawned, events.TypeWorkerExited, events.TypeWorkerKilled)
	defer c.bus.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			we, isWorker := ev.(events.WorkerEvent)
			if !isWorker || we.AgentID == "" {
				continue
			}
			workerID := we.WorkerID
			if we.EventType() != events.TypeWorkerSpawned {
				workerID = ""
			}
			r.st.SetAgentWorker(core.AgentID(we.AgentID), workerID)
		}
	}
}

func (c *Coordinator) writeSnapshot(r *run) {
	path := workspace.SnapshotPath(r.paths)
	if err := r.st.WriteSnapshot(path, r.startAt, string(r.status()), c.snapshotMeta(r)); err != nil {
		c.logger.Warn("swarm: snapshot write failed", "path", path, "error", err)
	}
}

func (c *Coordinator) snapshotMeta(r *run) store.SnapshotMetadata {
	return store.SnapshotMetadata{
		Topology:  string(c.opts.Topology),
		Strategy:  string(r.obj.Strategy),
		Objective: r.obj.Description,
	}
}

// taskSummary is the task-summary.json document written at the end of a
// run.
type taskSummary struct {
	SwarmID   string                   `json:"swarmId"`
	Objective string                   `json:"objective"`
	Strategy  string                   `json:"strategy"`
	Status    string                   `json:"status"`
	Duration  string                   `json:"duration"`
	Counts    map[string]int           `json:"counts"`
	Tasks     []taskSummaryEntry       `json:"tasks"`
	Agents    []map[string]interface{} `json:"agents"`
}

type taskSummaryEntry struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Status    string   `json:"status"`
	Attempts  int      `json:"attempts"`
	Artifacts []string `json:"artifacts,omitempty"`
	Error     string   `json:"error,omitempty"`
}

func (c *Coordinator) writeSummary(r *run) {
	sum := taskSummary{
		SwarmID:   string(r.obj.ID),
		Objective: r.obj.Description,
		Strategy:  string(r.obj.Strategy),
		Status:    string(r.obj.Status),
		Duration:  r.obj.Duration().String(),
		Counts:    make(map[string]int),
	}
	for status, n := range r.st.CountByStatus() {
		sum.Counts[string(status)] = n
	}
	for _, task := range r.st.Tasks() {
		entry := taskSummaryEntry{
			ID:       string(task.ID),
			Name:     task.Name,
			Status:   string(task.Status),
			Attempts: len(task.Attempts),
		}
		if task.Result != nil {
			entry.Artifacts = task.Result.Artifacts
		}
		if last := task.LastAttempt(); last != nil && last.Error != "" {
			entry.Error = last.Error
		}
		sum.Tasks = append(sum.Tasks, entry)
	}
	for _, agent := range r.st.Agents() {
		sum.Agents = append(sum.Agents, map[string]interface{}{
			"id":             string(agent.ID),
			"name":           agent.Name,
			"type":           string(agent.Type),
			"tasksCompleted": agent.Metrics.TasksCompleted,
			"tasksFailed":    agent.Metrics.TasksFailed,
		})
	}
	path := workspace.SummaryPath(r.paths)
	if err := workspace.WriteJSONAtomic(path, sum); err != nil {
		c.logger.Warn("swarm: summary write failed", "path", path, "error", err)
	}
}

// finalStatus maps the scheduler's outcome onto the objective state.
func (c *Coordinator) finalStatus(r *run, schedErr error) core.ObjectiveStatus {
	r.mu.Lock()
	userStop := r.userStop
	r.mu.Unlock()

	switch {
	case schedErr == nil:
		counts := r.st.CountByStatus()
		if counts[core.TaskStatusFailed] > 0 || counts[core.TaskStatusCancelled] > 0 {
			return core.ObjectiveStatusFailed
		}
		return core.ObjectiveStatusCompleted
	case userStop:
		return core.ObjectiveStatusCancelled
	case core.IsKind(schedErr, core.ErrKindTimeout):
		return core.ObjectiveStatusTimedOut
	case core.IsKind(schedErr, core.ErrKindCancelled):
		return core.ObjectiveStatusCancelled
	default:
		return core.ObjectiveStatusFailed
	}
}

// finishAgents retires every still-live agent once the run is over.
func (c *Coordinator) finishAgents(r *run) {
	for _, agent := range r.st.Agents() {
		if agent.IsTerminal() {
			continue
		}
		if err := r.st.UpdateAgentStatus(agent.ID, core.AgentStatusTerminated); err != nil {
			c.logger.Warn("swarm: agent teardown failed", "agent_id", agent.ID, "error", err)
		}
	}
}

// teardown applies the retain policy to every agent workspace.
func (c *Coordinator) teardown(r *run) {
	r.mu.Lock()
	workspaces := make([]*workspace.AgentWorkspace, 0, len(r.workspaces))
	for _, ws := range r.workspaces {
		workspaces = append(workspaces, ws)
	}
	r.mu.Unlock()

	for _, ws := range workspaces {
		if err := c.wsman.TeardownAgentWorkspace(ws, c.opts.Retain); err != nil {
			c.logger.Warn("swarm: workspace teardown failed", "agent_id", ws.AgentID, "error", err)
		}
	}
}

func (c *Coordinator) publishSwarm(eventType string, r *run) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(events.NewSwarmEvent(eventType, string(r.obj.ID), r.obj.Description, string(r.obj.Status)))
}

func terminalEventType(status core.ObjectiveStatus) string {
	switch status {
	case core.ObjectiveStatusCompleted:
		return events.TypeSwarmCompleted
	case core.ObjectiveStatusCancelled:
		return events.TypeSwarmCancelled
	case core.ObjectiveStatusTimedOut:
		return events.TypeSwarmTimedOut
	default:
		return events.TypeSwarmFailed
	}
}
