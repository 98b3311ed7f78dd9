// Package store is the shared coordination store: the single source of
// truth for agent records, task state, resource locks and cross-agent
// memory. Every mutation is atomic with respect to the store and is
// reflected in a bounded append-only event log.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/flotilla-ai/flotilla/internal/core"
	"github.com/flotilla-ai/flotilla/internal/events"
	"github.com/flotilla-ai/flotilla/internal/logging"
)

const defaultEventLogCap = 10_000

// LogEntry is one record in the coordination event log.
type LogEntry struct {
	TS      time.Time      `json:"ts"`
	Kind    string         `json:"kind"`
	Actor   string         `json:"actor"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Store tracks the live state of one swarm.
type Store struct {
	mu sync.Mutex

	swarmID string
	agents  map[core.AgentID]*core.Agent
	tasks   map[core.TaskID]*core.Task
	memory  map[string]*MemoryEntry

	eventLog    []LogEntry
	eventLogCap int

	locks  *lockTable
	kv     core.KV // optional persistence for the memory table
	bus    *events.Bus
	logger *logging.Logger
}

// New creates a store for one swarm.
func New(swarmID core.SwarmID, bus *events.Bus, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Store{
		swarmID:     string(swarmID),
		agents:      make(map[core.AgentID]*core.Agent),
		tasks:       make(map[core.TaskID]*core.Task),
		memory:      make(map[string]*MemoryEntry),
		eventLogCap: defaultEventLogCap,
		locks:       newLockTable(string(swarmID), bus, logger),
		bus:         bus,
		logger:      logger.WithSwarm(string(swarmID)),
	}
}

// WithKV attaches a persistence adapter for the memory table.
func (s *Store) WithKV(kv core.KV) *Store {
	s.kv = kv
	return s
}

// Close releases the persistence adapter, if any.
func (s *Store) Close() error {
	if s.kv != nil {
		return s.kv.Close()
	}
	return nil
}

// SwarmID returns the owning swarm's id.
func (s *Store) SwarmID() string { return s.swarmID }

// ---- agents ----

// RegisterAgent adds an agent record. Duplicate ids are rejected.
func (s *Store) RegisterAgent(agent *core.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.agents[agent.ID]; exists {
		return core.ErrInvalidInput(core.CodeDuplicateAgent, "agent already registered: "+string(agent.ID))
	}
	s.agents[agent.ID] = agent
	s.appendLogLocked("agent:registered", string(agent.ID), map[string]any{"type": string(agent.Type)})

	s.publish(events.NewAgentEvent(events.TypeAgentRegistered, s.swarmID, string(agent.ID), string(agent.Status), agent.Workload))
	return nil
}

// UpdateAgentStatus sets an agent's lifecycle status. A terminated agent
// stays terminated.
func (s *Store) UpdateAgentStatus(id core.AgentID, status core.AgentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, err := s.agentLocked(id)
	if err != nil {
		return err
	}
	if agent.Status == core.AgentStatusTerminated && status != core.AgentStatusTerminated {
		return core.ErrInvalidTransition(string(agent.Status), string(status)).
			WithDetail("agent_id", string(id))
	}
	agent.Status = status
	s.appendLogLocked("agent:status", string(id), map[string]any{"status": string(status)})

	eventType := events.TypeAgentStatusChanged
	if status == core.AgentStatusTerminated {
		eventType = events.TypeAgentTerminated
	}
	s.publish(events.NewAgentEvent(eventType, s.swarmID, string(id), string(status), agent.Workload))
	return nil
}

// IncrementAgentWorkload adds one assigned task to an agent, enforcing
// its concurrency limit. A positive workload makes the agent busy.
func (s *Store) IncrementAgentWorkload(id core.AgentID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, err := s.agentLocked(id)
	if err != nil {
		return err
	}
	if !agent.CanAccept() {
		return core.ErrInvalidInput("AGENT_SATURATED", "agent cannot accept more work: "+string(id)).
			WithDetail("workload", agent.Workload).
			WithDetail("limit", agent.Limits.MaxConcurrentTasks)
	}
	agent.Workload++
	agent.Status = core.AgentStatusBusy
	return nil
}

// DecrementAgentWorkload removes one assigned task from an agent.
// Underflow indicates a scheduler bug and is reported as internal.
func (s *Store) DecrementAgentWorkload(id core.AgentID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, err := s.agentLocked(id)
	if err != nil {
		return err
	}
	if agent.Workload <= 0 {
		return &core.DomainError{
			Kind:    core.ErrKindInternal,
			Code:    core.CodeWorkloadUnderflow,
			Message: "workload underflow on agent " + string(id),
		}
	}
	agent.Workload--
	if agent.Workload == 0 && agent.Status == core.AgentStatusBusy {
		agent.Status = core.AgentStatusIdle
	}
	s.publish(events.NewAgentEvent(events.TypeAgentWorkloadDecreased, s.swarmID, string(id), string(agent.Status), agent.Workload))
	return nil
}

// RecordAgentExecution folds a finished attempt into agent metrics.
func (s *Store) RecordAgentExecution(id core.AgentID, d time.Duration, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if agent, ok := s.agents[id]; ok {
		agent.Metrics.RecordExecution(d, success)
	}
}

// SetAgentWorker records the currently supervised worker for an agent.
func (s *Store) SetAgentWorker(id core.AgentID, workerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if agent, ok := s.agents[id]; ok {
		agent.WorkerID = workerID
	}
}

// Agent returns a snapshot of an agent record.
func (s *Store) Agent(id core.AgentID) (core.Agent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.agents[id]
	if !ok {
		return core.Agent{}, false
	}
	return *agent, true
}

// Agents returns snapshots of every agent, ordered by creation.
func (s *Store) Agents() []core.Agent {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]core.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// CandidateAgents returns snapshots of agents that satisfy the task's
// requirements and can accept more work.
func (s *Store) CandidateAgents(req core.TaskRequirements) []core.Agent {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []core.Agent
	for _, a := range s.agents {
		if a.Capable(req) && a.CanAccept() {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CapableAgentExists reports whether any non-terminated agent could ever
// run the task, regardless of current workload.
func (s *Store) CapableAgentExists(req core.TaskRequirements) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.agents {
		if !a.IsTerminal() && a.Capable(req) {
			return true
		}
	}
	return false
}

// ---- tasks ----

// AddTask inserts a task in the created state and immediately promotes
// it to ready when its dependencies are already satisfied.
func (s *Store) AddTask(task *core.Task) error {
	if err := task.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID]; exists {
		return core.ErrInvalidInput(core.CodeDuplicateTask, "task already added: "+string(task.ID))
	}
	s.tasks[task.ID] = task
	s.appendLogLocked("task:added", "coordinator", map[string]any{"task_id": string(task.ID), "type": string(task.Type)})
	s.promoteLocked(task)
	return nil
}

// MarkTaskAssigned moves a ready task to assigned on the given agent.
func (s *Store) MarkTaskAssigned(taskID core.TaskID, agentID core.AgentID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.taskLocked(taskID)
	if err != nil {
		return err
	}
	if err := task.Transition(core.TaskStatusAssigned); err != nil {
		return err
	}
	task.AssignedTo = agentID
	s.appendLogLocked("task:assigned", string(agentID), map[string]any{"task_id": string(taskID)})
	s.publish(events.NewTaskEvent(events.TypeTaskAssigned, s.swarmID, string(taskID), string(task.Status)).WithAgent(string(agentID)))
	return nil
}

// MarkTaskRunning moves an assigned task to running and opens a new
// attempt record.
func (s *Store) MarkTaskRunning(taskID core.TaskID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.taskLocked(taskID)
	if err != nil {
		return err
	}
	if err := task.Transition(core.TaskStatusRunning); err != nil {
		return err
	}
	task.Attempts = append(task.Attempts, core.Attempt{
		AgentID:   task.AssignedTo,
		StartedAt: time.Now(),
	})
	s.appendLogLocked("task:running", string(task.AssignedTo), map[string]any{"task_id": string(taskID), "attempt": len(task.Attempts)})
	s.publish(events.NewTaskEvent(events.TypeTaskStarted, s.swarmID, string(taskID), string(task.Status)).WithAgent(string(task.AssignedTo)))
	return nil
}

// MarkTaskCompleted finishes a running task with its result and promotes
// any dependents whose dependency sets are now satisfied.
func (s *Store) MarkTaskCompleted(taskID core.TaskID, result *core.TaskResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.taskLocked(taskID)
	if err != nil {
		return err
	}
	if err := task.Transition(core.TaskStatusCompleted); err != nil {
		return err
	}
	task.Result = result
	s.closeAttemptLocked(task, core.AttemptOutcomeSuccess, nil)
	s.appendLogLocked("task:completed", string(task.AssignedTo), map[string]any{"task_id": string(taskID)})
	s.publish(events.NewTaskEvent(events.TypeTaskCompleted, s.swarmID, string(taskID), string(task.Status)).WithAgent(string(task.AssignedTo)))

	for _, dep := range s.tasks {
		s.promoteLocked(dep)
	}
	return nil
}

// MarkTaskFailed moves a running task to terminal failure.
func (s *Store) MarkTaskFailed(taskID core.TaskID, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.taskLocked(taskID)
	if err != nil {
		return err
	}
	if err := task.Transition(core.TaskStatusFailed); err != nil {
		return err
	}
	s.closeAttemptLocked(task, core.AttemptOutcomeFailed, cause)
	s.appendLogLocked("task:failed", string(task.AssignedTo), map[string]any{
		"task_id": string(taskID),
		"error":   errString(cause),
	})
	s.publish(events.NewTaskEvent(events.TypeTaskFailed, s.swarmID, string(taskID), string(task.Status)).
		WithAgent(string(task.AssignedTo)).
		WithError(cause, false))
	return nil
}

// RequeueTask moves a task back to ready for a retry attempt. The
// assignment is cleared; the attempt record is closed as failed.
func (s *Store) RequeueTask(taskID core.TaskID, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.taskLocked(taskID)
	if err != nil {
		return err
	}
	agentID := task.AssignedTo
	if task.Status == core.TaskStatusRunning {
		s.closeAttemptLocked(task, core.AttemptOutcomeFailed, cause)
	}
	if err := task.Transition(core.TaskStatusReady); err != nil {
		return err
	}
	s.appendLogLocked("task:retry", string(agentID), map[string]any{
		"task_id": string(taskID),
		"attempt": len(task.Attempts),
		"error":   errString(cause),
	})
	s.publish(events.NewTaskEvent(events.TypeTaskRetry, s.swarmID, string(taskID), string(task.Status)).
		WithError(cause, true))
	return nil
}

// CancelTask cancels a non-terminal task. Cancelling a terminal task is
// an invalid transition.
func (s *Store) CancelTask(taskID core.TaskID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.taskLocked(taskID)
	if err != nil {
		return err
	}
	if task.Status == core.TaskStatusRunning {
		s.closeAttemptLocked(task, core.AttemptOutcomeCancelled, nil)
	}
	if err := task.Transition(core.TaskStatusCancelled); err != nil {
		return err
	}
	s.appendLogLocked("task:cancelled", "coordinator", map[string]any{"task_id": string(taskID)})
	s.publish(events.NewTaskEvent(events.TypeTaskCancelled, s.swarmID, string(taskID), string(task.Status)))
	return nil
}

// Task returns a snapshot of one task.
func (s *Store) Task(taskID core.TaskID) (core.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return core.Task{}, false
	}
	return *task, true
}

// Tasks returns snapshots of every task, ordered by creation.
func (s *Store) Tasks() []core.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]core.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ReadyTasks returns snapshots of every ready task, highest priority
// first, ties broken by creation time.
func (s *Store) ReadyTasks() []core.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []core.Task
	for _, t := range s.tasks {
		if t.Status == core.TaskStatusReady {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// BumpTaskPriority raises a task's priority one tier.
func (s *Store) BumpTaskPriority(taskID core.TaskID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task, ok := s.tasks[taskID]; ok {
		task.Priority = task.Priority.Bump()
	}
}

// CountByStatus returns the number of tasks per status.
func (s *Store) CountByStatus() map[core.TaskStatus]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[core.TaskStatus]int)
	for _, t := range s.tasks {
		out[t.Status]++
	}
	return out
}

// AllTerminal reports whether every task reached an absorbing state.
func (s *Store) AllTerminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tasks {
		if !t.IsTerminal() {
			return false
		}
	}
	return true
}

// Dependents returns ids of non-terminal tasks that depend on taskID,
// directly or transitively.
func (s *Store) Dependents(taskID core.TaskID) []core.TaskID {
	s.mu.Lock()
	defer s.mu.Unlock()

	affected := map[core.TaskID]bool{taskID: true}
	for changed := true; changed; {
		changed = false
		for _, t := range s.tasks {
			if affected[t.ID] || t.IsTerminal() {
				continue
			}
			for _, dep := range t.Dependencies {
				if affected[dep] {
					affected[t.ID] = true
					changed = true
					break
				}
			}
		}
	}

	delete(affected, taskID)
	out := make([]core.TaskID, 0, len(affected))
	for id := range affected {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ---- locks ----

// AcquireLock blocks until the named lock is held or ctx is done.
func (s *Store) AcquireLock(ctx context.Context, name, holder string) error {
	return s.locks.Acquire(ctx, name, holder)
}

// TryAcquireLock acquires without waiting.
func (s *Store) TryAcquireLock(name, holder string) bool {
	return s.locks.TryAcquire(name, holder)
}

// AcquireLockTimeout acquires with a deadline.
func (s *Store) AcquireLockTimeout(name, holder string, d time.Duration) error {
	return s.locks.AcquireTimeout(name, holder, d)
}

// ReleaseLock drops a held lock. Non-holders are ignored with a warning.
func (s *Store) ReleaseLock(name, holder string) {
	s.locks.Release(name, holder)
}

// LockHolder returns the current holder of a lock, or "".
func (s *Store) LockHolder(name string) string {
	return s.locks.Holder(name)
}

// ---- event log ----

// EventLog returns a copy of the coordination log, oldest first.
func (s *Store) EventLog() []LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]LogEntry, len(s.eventLog))
	copy(out, s.eventLog)
	return out
}

// AppendLog records an external coordination event, e.g. from the
// coordinator or the workspace watcher.
func (s *Store) AppendLog(kind, actor string, payload map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLogLocked(kind, actor, payload)
}

// ---- internal ----

func (s *Store) agentLocked(id core.AgentID) (*core.Agent, error) {
	agent, ok := s.agents[id]
	if !ok {
		return nil, core.ErrInvalidInput(core.CodeAgentNotFound, "unknown agent: "+string(id))
	}
	return agent, nil
}

func (s *Store) taskLocked(id core.TaskID) (*core.Task, error) {
	task, ok := s.tasks[id]
	if !ok {
		return nil, core.ErrInvalidInput(core.CodeTaskNotFound, "unknown task: "+string(id))
	}
	return task, nil
}

// promoteLocked moves a created task to ready once every dependency is
// completed.
func (s *Store) promoteLocked(task *core.Task) {
	if task.Status != core.TaskStatusCreated {
		return
	}
	for _, dep := range task.Dependencies {
		depTask, ok := s.tasks[dep]
		if !ok || depTask.Status != core.TaskStatusCompleted {
			return
		}
	}
	if err := task.Transition(core.TaskStatusReady); err != nil {
		return
	}
	s.appendLogLocked("task:ready", "coordinator", map[string]any{"task_id": string(task.ID)})
	s.publish(events.NewTaskEvent(events.TypeTaskReady, s.swarmID, string(task.ID), string(task.Status)))
}

func (s *Store) closeAttemptLocked(task *core.Task, outcome core.AttemptOutcome, cause error) {
	if len(task.Attempts) == 0 {
		return
	}
	att := &task.Attempts[len(task.Attempts)-1]
	if !att.EndedAt.IsZero() {
		return
	}
	att.EndedAt = time.Now()
	att.Outcome = outcome
	if cause != nil {
		att.ErrorKind = core.GetKind(cause)
		att.Error = cause.Error()
	}
	if outcome == core.AttemptOutcomeFailed && core.IsKind(cause, core.ErrKindTimeout) {
		att.Outcome = core.AttemptOutcomeTimeout
	}
}

func (s *Store) appendLogLocked(kind, actor string, payload map[string]any) {
	s.eventLog = append(s.eventLog, LogEntry{TS: time.Now(), Kind: kind, Actor: actor, Payload: payload})
	if len(s.eventLog) > s.eventLogCap {
		overflow := len(s.eventLog) - s.eventLogCap
		s.eventLog = append(s.eventLog[:0], s.eventLog[overflow:]...)
	}
}

func (s *Store) publish(event events.Event) {
	if s.bus != nil {
		s.bus.Publish(event)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
