// Package scheduler drives the task graph to completion: it pulls ready
// tasks from the coordination store, places them on capable agents under
// the configured topology and dispatches one worker per attempt.
package scheduler

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/flotilla-ai/flotilla/internal/core"
	"github.com/flotilla-ai/flotilla/internal/events"
	"github.com/flotilla-ai/flotilla/internal/logging"
	"github.com/flotilla-ai/flotilla/internal/store"
)

const (
	defaultStarvationThreshold = 10
	idlePoll                   = 100 * time.Millisecond
)

// SpecBuilder materializes the worker invocation for one task attempt:
// prompt construction and workspace wiring live with the coordinator.
type SpecBuilder func(task core.Task, agent core.Agent) (core.WorkerSpec, error)

// Harvester collects the task result from the agent's workspace after a
// successful worker exit.
type Harvester func(task core.Task, agent core.Agent, out *core.ExitOutcome) (*core.TaskResult, error)

// Options tune one scheduler run.
type Options struct {
	Topology            core.Topology
	Retry               RetryPolicy
	MaxRunningTasks     int // 0 means the sum of agent concurrency caps
	StarvationThreshold int
	Seed                int64 // 0 means time-seeded
}

// Scheduler owns task status transitions and agent workload for the
// duration of a swarm run.
type Scheduler struct {
	st        *store.Store
	runner    core.WorkerRunner
	bus       *events.Bus
	logger    *logging.Logger
	opts      Options
	buildSpec SpecBuilder
	harvest   Harvester

	mu       sync.Mutex
	rng      *rand.Rand
	running  int
	retryAt  map[core.TaskID]time.Time
	starved  map[core.TaskID]int
	maxTotal int

	wg sync.WaitGroup
}

// New creates a scheduler. buildSpec and harvest must be non-nil.
func New(st *store.Store, runner core.WorkerRunner, bus *events.Bus, logger *logging.Logger, opts Options, buildSpec SpecBuilder, harvest Harvester) *Scheduler {
	if logger == nil {
		logger = logging.NewNop()
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.StarvationThreshold <= 0 {
		opts.StarvationThreshold = defaultStarvationThreshold
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Scheduler{
		st:        st,
		runner:    runner,
		bus:       bus,
		logger:    logger,
		opts:      opts,
		buildSpec: buildSpec,
		harvest:   harvest,
		rng:       rand.New(rand.NewSource(seed)),
		retryAt:   make(map[core.TaskID]time.Time),
		starved:   make(map[core.TaskID]int),
	}
}

// Run drives the graph until it drains, the context ends, or a
// scheduler-level error aborts the swarm. Cancellation and swarm timeout
// arrive through ctx.
func (s *Scheduler) Run(ctx context.Context) error {
	s.maxTotal = s.opts.MaxRunningTasks
	if s.maxTotal <= 0 {
		for _, a := range s.st.Agents() {
			s.maxTotal += a.Limits.MaxConcurrentTasks
		}
		if s.maxTotal <= 0 {
			s.maxTotal = 1
		}
	}

	var wake <-chan events.Event
	if s.bus != nil {
		wake = s.bus.Subscribe(
			events.TypeTaskCompleted,
			events.TypeTaskReady,
			events.TypeTaskRetry,
			events.TypeAgentWorkloadDecreased,
			events.TypeWorkerExited,
		)
		defer s.bus.Unsubscribe(wake)
	}

	for {
		if ctx.Err() != nil {
			return s.shutdown(ctx)
		}

		s.dispatchReady(ctx)

		if s.st.AllTerminal() && s.runningCount() == 0 {
			s.wg.Wait()
			return nil
		}

		timer := time.NewTimer(s.nextWake())
		select {
		case <-ctx.Done():
			timer.Stop()
			return s.shutdown(ctx)
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// dispatchReady walks the ready queue once, placing every task it can.
func (s *Scheduler) dispatchReady(ctx context.Context) {
	now := time.Now()
	for _, task := range s.st.ReadyTasks() {
		if s.runningCount() >= s.maxTotal {
			return
		}
		if at, ok := s.retryTime(task.ID); ok && now.Before(at) {
			continue
		}

		candidates := s.st.CandidateAgents(task.Requirements)
		if len(candidates) == 0 {
			if !s.st.CapableAgentExists(task.Requirements) {
				s.failTerminal(task.ID, core.ErrCapabilityUnmet(task.ID, task.Requirements.Capabilities.Tags()))
				continue
			}
			s.recordStarvation(task.ID)
			continue
		}

		s.mu.Lock()
		agentID, ok := Place(s.opts.Topology, task, candidates, s.rng)
		s.mu.Unlock()
		if !ok {
			s.recordStarvation(task.ID)
			continue
		}

		s.dispatch(ctx, task.ID, agentID)
	}
}

// dispatch atomically assigns the task to the agent and starts a worker
// attempt in the background.
func (s *Scheduler) dispatch(ctx context.Context, taskID core.TaskID, agentID core.AgentID) {
	if err := s.st.MarkTaskAssigned(taskID, agentID); err != nil {
		s.logger.Warn("scheduler: assign failed", "task_id", taskID, "error", err)
		return
	}
	if err := s.st.IncrementAgentWorkload(agentID); err != nil {
		// Lost the race for the agent's last slot; put the task back.
		_ = s.st.RequeueTask(taskID, nil)
		return
	}

	s.mu.Lock()
	s.running++
	delete(s.retryAt, taskID)
	delete(s.starved, taskID)
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(ctx, taskID, agentID)
	}()
}

// execute runs one worker attempt and folds the outcome back into the
// store. Supervisor errors never propagate; they fail the attempt.
func (s *Scheduler) execute(ctx context.Context, taskID core.TaskID, agentID core.AgentID) {
	started := time.Now()
	success := false

	defer func() {
		s.mu.Lock()
		s.running--
		s.mu.Unlock()
		if err := s.st.DecrementAgentWorkload(agentID); err != nil {
			s.logger.Error("scheduler: workload bookkeeping broken", "agent_id", agentID, "error", err)
		}
		s.st.RecordAgentExecution(agentID, time.Since(started), success)
		s.st.SetAgentWorker(agentID, "")
	}()

	task, ok := s.st.Task(taskID)
	if !ok {
		return
	}
	agent, ok := s.st.Agent(agentID)
	if !ok {
		return
	}

	spec, err := s.buildSpec(task, agent)
	if err != nil {
		s.settleFailure(ctx, taskID, err)
		return
	}
	if err := s.st.MarkTaskRunning(taskID); err != nil {
		s.logger.Warn("scheduler: could not start task", "task_id", taskID, "error", err)
		return
	}

	outcome, err := s.runner.Run(ctx, spec)
	if err != nil {
		s.settleFailure(ctx, taskID, err)
		return
	}

	if ctx.Err() != nil {
		// Swarm cancel or timeout tore the worker down mid-flight.
		if err := s.st.CancelTask(taskID); err != nil {
			s.logger.Warn("scheduler: cancel after shutdown failed", "task_id", taskID, "error", err)
		}
		return
	}

	if !outcome.Success {
		s.settleFailure(ctx, taskID, core.ClassifyOutcome(outcome, false))
		return
	}

	result, err := s.harvest(task, agent, outcome)
	if err != nil {
		s.settleFailure(ctx, taskID, core.ErrIO("HARVEST_FAILED", "collecting task outputs").WithCause(err))
		return
	}
	if !task.DeliverableSatisfied(result.Metrics.FileCount) {
		s.settleFailure(ctx, taskID, &core.DomainError{
			Kind:      core.ErrKindWorkerNonzeroExit,
			Code:      "NO_DELIVERABLES",
			Message:   "worker exited cleanly but produced no deliverables",
			Retryable: true,
		})
		return
	}

	if err := s.st.MarkTaskCompleted(taskID, result); err != nil {
		s.logger.Error("scheduler: completion rejected", "task_id", taskID, "error", err)
		return
	}
	success = true
}

// settleFailure applies the retry policy: retryable errors with budget
// left requeue with backoff, everything else fails terminally and
// cancels the dependents.
func (s *Scheduler) settleFailure(ctx context.Context, taskID core.TaskID, cause error) {
	if ctx.Err() != nil {
		if err := s.st.CancelTask(taskID); err == nil {
			return
		}
	}

	task, ok := s.st.Task(taskID)
	if !ok {
		return
	}

	if core.IsRetryable(cause) && len(task.Attempts) < task.MaxAttempts {
		if err := s.st.RequeueTask(taskID, cause); err != nil {
			s.logger.Warn("scheduler: requeue failed", "task_id", taskID, "error", err)
			return
		}
		s.mu.Lock()
		delay := s.opts.Retry.Backoff(len(task.Attempts), s.rng)
		s.retryAt[taskID] = time.Now().Add(delay)
		s.mu.Unlock()
		s.logger.Info("scheduler: retrying task",
			"task_id", taskID,
			"attempt", len(task.Attempts),
			"backoff", delay,
			"error", cause,
		)
		return
	}

	s.failTerminal(taskID, cause)
}

// failTerminal fails a task for good and cancels everything downstream.
func (s *Scheduler) failTerminal(taskID core.TaskID, cause error) {
	task, ok := s.st.Task(taskID)
	if !ok {
		return
	}
	// Tasks that never got a worker must pass through the machine's
	// forward edges before failed is reachable.
	switch task.Status {
	case core.TaskStatusReady:
		if err := s.st.MarkTaskAssigned(taskID, "none"); err != nil {
			return
		}
		fallthrough
	case core.TaskStatusAssigned:
		if err := s.st.MarkTaskRunning(taskID); err != nil {
			return
		}
	}
	if err := s.st.MarkTaskFailed(taskID, cause); err != nil {
		s.logger.Warn("scheduler: terminal fail rejected", "task_id", taskID, "error", err)
		return
	}
	s.logger.Error("scheduler: task failed terminally", "task_id", taskID, "error", cause)
	s.cancelDependents(taskID)
}

// cancelDependents cancels every non-terminal task downstream of a
// terminally failed one.
func (s *Scheduler) cancelDependents(taskID core.TaskID) {
	for _, depID := range s.st.Dependents(taskID) {
		dep, ok := s.st.Task(depID)
		if !ok || dep.IsTerminal() {
			continue
		}
		if err := s.st.CancelTask(depID); err != nil {
			s.logger.Warn("scheduler: dependent cancel failed", "task_id", depID, "error", err)
			continue
		}
		s.logger.Info("scheduler: cancelled dependent of failed task", "task_id", depID, "failed_dependency", taskID)
	}
}

// shutdown tears the swarm down on cancel or timeout: running workers
// are killed gracefully, in-flight attempts settle as cancelled, and
// every remaining non-terminal task is cancelled.
func (s *Scheduler) shutdown(ctx context.Context) error {
	s.runner.KillAll(true)
	s.wg.Wait()

	for _, task := range s.st.Tasks() {
		if task.IsTerminal() {
			continue
		}
		if err := s.st.CancelTask(task.ID); err != nil {
			s.logger.Warn("scheduler: shutdown cancel failed", "task_id", task.ID, "error", err)
		}
	}

	if ctx.Err() == context.DeadlineExceeded {
		return core.ErrTimeout("swarm deadline exceeded")
	}
	return core.ErrCancelled("swarm cancelled")
}

// recordStarvation bumps a parked task's priority after too many loop
// iterations without dispatch.
func (s *Scheduler) recordStarvation(taskID core.TaskID) {
	s.mu.Lock()
	s.starved[taskID]++
	hit := s.starved[taskID] >= s.opts.StarvationThreshold
	if hit {
		s.starved[taskID] = 0
	}
	s.mu.Unlock()

	if hit {
		s.st.BumpTaskPriority(taskID)
		s.logger.Debug("scheduler: bumped starved task", "task_id", taskID)
	}
}

func (s *Scheduler) runningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) retryTime(taskID core.TaskID) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.retryAt[taskID]
	return at, ok
}

// nextWake bounds the idle sleep: the nearest retry deadline, capped by
// the idle poll interval.
func (s *Scheduler) nextWake() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	wait := idlePoll
	now := time.Now()
	for _, at := range s.retryAt {
		if d := at.Sub(now); d > 0 && d < wait {
			wait = d
		}
	}
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait
}
