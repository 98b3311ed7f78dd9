package events

import "time"

// Event type constants.
const (
	TypeSwarmStarted   = "swarm:started"
	TypeSwarmCompleted = "swarm:completed"
	TypeSwarmFailed    = "swarm:failed"
	TypeSwarmCancelled = "swarm:cancelled"
	TypeSwarmTimedOut  = "swarm:timed-out"

	TypeAgentRegistered        = "agent:registered"
	TypeAgentStatusChanged     = "agent:status-changed"
	TypeAgentWorkloadDecreased = "agent:workload-decreased"
	TypeAgentTerminated        = "agent:terminated"

	TypeTaskReady     = "task:ready"
	TypeTaskAssigned  = "task:assigned"
	TypeTaskStarted   = "task:started"
	TypeTaskCompleted = "task:completed"
	TypeTaskFailed    = "task:failed"
	TypeTaskRetry     = "task:retry"
	TypeTaskCancelled = "task:cancelled"

	TypeWorkerSpawned = "worker:spawned"
	TypeWorkerExited  = "worker:exited"
	TypeWorkerKilled  = "worker:killed"
	TypeWorkerStalled = "worker:stalled"

	TypeMemoryWrite = "memory:write"
	TypeLockWaited  = "lock:waited"

	TypeArtifactCreated = "artifact:created"
)

// SwarmEvent marks an objective lifecycle change.
type SwarmEvent struct {
	BaseEvent
	Objective string `json:"objective"`
	Status    string `json:"status"`
}

// NewSwarmEvent creates a swarm lifecycle event.
func NewSwarmEvent(eventType, swarmID, objective, status string) SwarmEvent {
	return SwarmEvent{
		BaseEvent: NewBaseEvent(eventType, swarmID),
		Objective: objective,
		Status:    status,
	}
}

// AgentEvent marks a change to an agent record.
type AgentEvent struct {
	BaseEvent
	AgentID  string `json:"agent_id"`
	Status   string `json:"status,omitempty"`
	Workload int    `json:"workload"`
}

// NewAgentEvent creates an agent event.
func NewAgentEvent(eventType, swarmID, agentID, status string, workload int) AgentEvent {
	return AgentEvent{
		BaseEvent: NewBaseEvent(eventType, swarmID),
		AgentID:   agentID,
		Status:    status,
		Workload:  workload,
	}
}

// TaskEvent marks a task status transition.
type TaskEvent struct {
	BaseEvent
	TaskID     string `json:"task_id"`
	Status     string `json:"status"`
	AgentID    string `json:"agent_id,omitempty"`
	Attempt    int    `json:"attempt,omitempty"`
	Error      string `json:"error,omitempty"`
	Retryable  bool   `json:"retryable,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

// NewTaskEvent creates a task event.
func NewTaskEvent(eventType, swarmID, taskID, status string) TaskEvent {
	return TaskEvent{
		BaseEvent: NewBaseEvent(eventType, swarmID),
		TaskID:    taskID,
		Status:    status,
	}
}

// WithAgent attaches the responsible agent.
func (e TaskEvent) WithAgent(agentID string) TaskEvent {
	e.AgentID = agentID
	return e
}

// WithError attaches failure details.
func (e TaskEvent) WithError(err error, retryable bool) TaskEvent {
	if err != nil {
		e.Error = err.Error()
	}
	e.Retryable = retryable
	return e
}

// WorkerEvent marks a worker process lifecycle change.
type WorkerEvent struct {
	BaseEvent
	WorkerID string        `json:"worker_id"`
	AgentID  string        `json:"agent_id,omitempty"`
	PID      int           `json:"pid,omitempty"`
	ExitCode int           `json:"exit_code,omitempty"`
	Signal   string        `json:"signal,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	TimedOut bool          `json:"timed_out,omitempty"`
}

// NewWorkerEvent creates a worker event.
func NewWorkerEvent(eventType, swarmID, workerID string) WorkerEvent {
	return WorkerEvent{
		BaseEvent: NewBaseEvent(eventType, swarmID),
		WorkerID:  workerID,
	}
}

// MemoryEvent marks a write to the cross-agent memory KV.
type MemoryEvent struct {
	BaseEvent
	Namespace string `json:"namespace"`
	Key       string `json:"key"`
	Owner     string `json:"owner"`
}

// NewMemoryEvent creates a memory write event.
func NewMemoryEvent(swarmID, namespace, key, owner string) MemoryEvent {
	return MemoryEvent{
		BaseEvent: NewBaseEvent(TypeMemoryWrite, swarmID),
		Namespace: namespace,
		Key:       key,
		Owner:     owner,
	}
}

// LockEvent marks a contended lock acquisition: the caller had to wait.
type LockEvent struct {
	BaseEvent
	Name   string        `json:"name"`
	Holder string        `json:"holder"`
	Waited time.Duration `json:"waited"`
}

// NewLockEvent creates a lock contention event.
func NewLockEvent(swarmID, name, holder string, waited time.Duration) LockEvent {
	return LockEvent{
		BaseEvent: NewBaseEvent(TypeLockWaited, swarmID),
		Name:      name,
		Holder:    holder,
		Waited:    waited,
	}
}

// ArtifactEvent marks a file appearing in an agent workspace.
type ArtifactEvent struct {
	BaseEvent
	AgentID string `json:"agent_id"`
	Path    string `json:"path"`
}

// NewArtifactEvent creates an artifact event.
func NewArtifactEvent(swarmID, agentID, path string) ArtifactEvent {
	return ArtifactEvent{
		BaseEvent: NewBaseEvent(TypeArtifactCreated, swarmID),
		AgentID:   agentID,
		Path:      path,
	}
}
