package core

import (
	"time"
)

// TaskType is the closed set of task categories.
type TaskType string

const (
	TaskTypeCoding        TaskType = "coding"
	TaskTypeResearch      TaskType = "research"
	TaskTypeTesting       TaskType = "testing"
	TaskTypeDocumentation TaskType = "documentation"
	TaskTypeAnalysis      TaskType = "analysis"
	TaskTypeOther         TaskType = "other"
)

// RequiredCapabilities derives the capability set a task type demands.
func RequiredCapabilities(t TaskType) CapabilitySet {
	switch t {
	case TaskTypeCoding:
		return NewCapabilitySet("code-generation")
	case TaskTypeResearch:
		return NewCapabilitySet("research")
	case TaskTypeTesting:
		return NewCapabilitySet("testing")
	case TaskTypeDocumentation:
		return NewCapabilitySet("documentation")
	case TaskTypeAnalysis:
		return NewCapabilitySet("analysis")
	default:
		return NewCapabilitySet()
	}
}

// TaskPriority orders tasks in the ready queue.
type TaskPriority int

const (
	PriorityLow TaskPriority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p TaskPriority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "normal"
	}
}

// Bump raises the priority by one tier, saturating at critical.
func (p TaskPriority) Bump() TaskPriority {
	if p >= PriorityCritical {
		return PriorityCritical
	}
	return p + 1
}

// TaskStatus represents the state of a task.
type TaskStatus string

const (
	TaskStatusCreated   TaskStatus = "created"
	TaskStatusReady     TaskStatus = "ready"
	TaskStatusAssigned  TaskStatus = "assigned"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// validTransitions encodes the task state machine. Retry is the single
// backward edge: running -> ready.
var validTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusCreated:  {TaskStatusReady, TaskStatusCancelled},
	TaskStatusReady:    {TaskStatusAssigned, TaskStatusCancelled},
	TaskStatusAssigned: {TaskStatusRunning, TaskStatusReady, TaskStatusCancelled},
	TaskStatusRunning:  {TaskStatusCompleted, TaskStatusFailed, TaskStatusReady, TaskStatusCancelled},
}

// CanTransition reports whether from -> to is a legal task transition.
func CanTransition(from, to TaskStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminalStatus reports whether a status is absorbing.
func IsTerminalStatus(s TaskStatus) bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// TaskRequirements constrain which agents may run a task.
type TaskRequirements struct {
	Capabilities  CapabilitySet
	PreferredType AgentType // "" means any type
}

// AttemptOutcome classifies how an attempt ended.
type AttemptOutcome string

const (
	AttemptOutcomeSuccess   AttemptOutcome = "success"
	AttemptOutcomeFailed    AttemptOutcome = "failed"
	AttemptOutcomeTimeout   AttemptOutcome = "timeout"
	AttemptOutcomeCancelled AttemptOutcome = "cancelled"
)

// Attempt records one execution of a task on an agent.
type Attempt struct {
	AgentID   AgentID        `json:"agent_id"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   time.Time      `json:"ended_at"`
	Outcome   AttemptOutcome `json:"outcome"`
	ErrorKind ErrorKind      `json:"error_kind,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// TaskResult holds the output of a successfully completed task.
type TaskResult struct {
	Stdout    string
	Files     map[string][]byte
	Artifacts []string // relative paths, includes oversized files listed by reference
	Metrics   TaskResultMetrics
}

// TaskResultMetrics are per-result execution counters.
type TaskResultMetrics struct {
	Duration     time.Duration
	OutputBytes  int
	FileCount    int
	SkippedFiles int // unreadable or over the size cap
}

// Task is a node in the swarm's dependency DAG: the unit of dispatch.
type Task struct {
	ID           TaskID
	Name         string
	Description  string
	Type         TaskType
	Priority     TaskPriority
	Requirements TaskRequirements
	Dependencies []TaskID
	Layer        int // hierarchy layer assigned by the decomposer

	Status     TaskStatus
	AssignedTo AgentID // set while assigned or running
	Attempts   []Attempt

	Deadline    time.Time
	MaxAttempts int
	Timeout     time.Duration

	Result *TaskResult

	CreatedAt   time.Time
	CompletedAt *time.Time
}

// NewTask creates a task in the created state.
func NewTask(id TaskID, name string, taskType TaskType) *Task {
	return &Task{
		ID:           id,
		Name:         name,
		Type:         taskType,
		Priority:     PriorityNormal,
		Requirements: TaskRequirements{Capabilities: RequiredCapabilities(taskType)},
		Status:       TaskStatusCreated,
		MaxAttempts:  3,
		CreatedAt:    time.Now(),
	}
}

// WithDescription sets the task description.
func (t *Task) WithDescription(desc string) *Task {
	t.Description = desc
	return t
}

// WithPriority sets the task priority.
func (t *Task) WithPriority(p TaskPriority) *Task {
	t.Priority = p
	return t
}

// WithDependencies sets the task dependencies.
func (t *Task) WithDependencies(deps ...TaskID) *Task {
	t.Dependencies = deps
	return t
}

// WithPreferredType restricts placement to one agent type.
func (t *Task) WithPreferredType(at AgentType) *Task {
	t.Requirements.PreferredType = at
	return t
}

// WithLayer assigns the hierarchy layer.
func (t *Task) WithLayer(layer int) *Task {
	t.Layer = layer
	return t
}

// WithMaxAttempts sets the attempt budget.
func (t *Task) WithMaxAttempts(n int) *Task {
	t.MaxAttempts = n
	return t
}

// Transition moves the task to a new status, enforcing the state machine.
func (t *Task) Transition(to TaskStatus) error {
	if !CanTransition(t.Status, to) {
		return ErrInvalidTransition(string(t.Status), string(to)).
			WithDetail("task_id", string(t.ID))
	}
	t.Status = to
	if IsTerminalStatus(to) {
		now := time.Now()
		t.CompletedAt = &now
	}
	if to == TaskStatusReady {
		t.AssignedTo = ""
	}
	return nil
}

// IsTerminal reports whether the task reached an absorbing state.
func (t *Task) IsTerminal() bool {
	return IsTerminalStatus(t.Status)
}

// DepsSatisfied reports whether every dependency appears in completed.
func (t *Task) DepsSatisfied(completed map[TaskID]bool) bool {
	for _, dep := range t.Dependencies {
		if !completed[dep] {
			return false
		}
	}
	return true
}

// AttemptsExhausted reports whether the attempt budget is spent.
func (t *Task) AttemptsExhausted() bool {
	return len(t.Attempts) >= t.MaxAttempts
}

// LastAttempt returns the most recent attempt, or nil.
func (t *Task) LastAttempt() *Attempt {
	if len(t.Attempts) == 0 {
		return nil
	}
	return &t.Attempts[len(t.Attempts)-1]
}

// Validate checks task invariants.
func (t *Task) Validate() error {
	if t.ID == "" {
		return ErrInvalidInput("TASK_ID_REQUIRED", "task ID cannot be empty")
	}
	if t.Name == "" {
		return ErrInvalidInput("TASK_NAME_REQUIRED", "task name cannot be empty")
	}
	if t.MaxAttempts < 1 {
		return ErrInvalidInput("BAD_MAX_ATTEMPTS", "max attempts must be at least 1")
	}
	return nil
}

// DeliverableSatisfied applies the per-type success policy: coding and
// testing tasks must produce at least one file; research, documentation and
// analysis succeed iff any file was produced when files are expected, and a
// plain exit 0 with no files is treated as failure only for file-producing
// types.
func (t *Task) DeliverableSatisfied(fileCount int) bool {
	switch t.Type {
	case TaskTypeCoding, TaskTypeTesting:
		return fileCount > 0
	case TaskTypeResearch, TaskTypeDocumentation, TaskTypeAnalysis:
		return fileCount > 0
	default:
		return true
	}
}
