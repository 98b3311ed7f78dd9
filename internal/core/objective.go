package core

import (
	"time"
)

// Strategy selects the decomposition recipe for an objective.
type Strategy string

const (
	StrategyAuto         Strategy = "auto"
	StrategyResearch     Strategy = "research"
	StrategyDevelopment  Strategy = "development"
	StrategyAnalysis     Strategy = "analysis"
	StrategyTesting      Strategy = "testing"
	StrategyOptimization Strategy = "optimization"
	StrategyMaintenance  Strategy = "maintenance"
)

// Strategies lists every valid strategy.
func Strategies() []Strategy {
	return []Strategy{
		StrategyAuto, StrategyResearch, StrategyDevelopment,
		StrategyAnalysis, StrategyTesting, StrategyOptimization,
		StrategyMaintenance,
	}
}

// ValidStrategy reports whether s is a known strategy.
func ValidStrategy(s Strategy) bool {
	for _, known := range Strategies() {
		if s == known {
			return true
		}
	}
	return false
}

// Topology selects the task placement policy.
type Topology string

const (
	TopologyCentralized  Topology = "centralized"
	TopologyHierarchical Topology = "hierarchical"
	TopologyMesh         Topology = "mesh"
	TopologyHybrid       Topology = "hybrid"
)

// ValidTopology reports whether t is a known topology.
func ValidTopology(t Topology) bool {
	switch t {
	case TopologyCentralized, TopologyHierarchical, TopologyMesh, TopologyHybrid:
		return true
	}
	return false
}

// ObjectiveStatus represents the lifecycle state of an objective.
type ObjectiveStatus string

const (
	ObjectiveStatusCreated    ObjectiveStatus = "created"
	ObjectiveStatusRunning    ObjectiveStatus = "running"
	ObjectiveStatusCompleted  ObjectiveStatus = "completed"
	ObjectiveStatusFailed     ObjectiveStatus = "failed"
	ObjectiveStatusCancelling ObjectiveStatus = "cancelling"
	ObjectiveStatusCancelled  ObjectiveStatus = "cancelled"
	ObjectiveStatusTimedOut   ObjectiveStatus = "timed-out"
)

// Timeline records when an objective started and ended.
type Timeline struct {
	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Objective is the user request driving one swarm. Immutable except for
// Status and Timeline.EndedAt.
type Objective struct {
	ID          SwarmID
	Description string
	Strategy    Strategy
	Topology    Topology
	Tasks       []TaskID
	Status      ObjectiveStatus
	Timeline    Timeline
}

// NewObjective creates an objective in the created state.
func NewObjective(id SwarmID, description string, strategy Strategy, topology Topology) *Objective {
	return &Objective{
		ID:          id,
		Description: description,
		Strategy:    strategy,
		Topology:    topology,
		Status:      ObjectiveStatusCreated,
		Timeline:    Timeline{CreatedAt: time.Now()},
	}
}

// Start transitions the objective to running.
func (o *Objective) Start() error {
	if o.Status != ObjectiveStatusCreated {
		return ErrInvalidTransition(string(o.Status), string(ObjectiveStatusRunning))
	}
	o.Status = ObjectiveStatusRunning
	now := time.Now()
	o.Timeline.StartedAt = &now
	return nil
}

// Finish moves the objective to a terminal state. Finishing an already
// terminal objective is a no-op so cancellation stays idempotent.
func (o *Objective) Finish(status ObjectiveStatus) {
	if o.IsTerminal() {
		return
	}
	o.Status = status
	now := time.Now()
	o.Timeline.EndedAt = &now
}

// IsTerminal reports whether the objective reached an absorbing state.
func (o *Objective) IsTerminal() bool {
	switch o.Status {
	case ObjectiveStatusCompleted, ObjectiveStatusFailed, ObjectiveStatusCancelled, ObjectiveStatusTimedOut:
		return true
	}
	return false
}

// Duration returns elapsed wall time for the objective.
func (o *Objective) Duration() time.Duration {
	if o.Timeline.StartedAt == nil {
		return 0
	}
	end := time.Now()
	if o.Timeline.EndedAt != nil {
		end = *o.Timeline.EndedAt
	}
	return end.Sub(*o.Timeline.StartedAt)
}

// Validate checks objective invariants.
func (o *Objective) Validate() error {
	if o.Description == "" {
		return ErrInvalidInput(CodeEmptyObjective, "objective description cannot be empty")
	}
	if !ValidStrategy(o.Strategy) {
		return ErrInvalidInput(CodeBadStrategy, "unknown strategy: "+string(o.Strategy))
	}
	if !ValidTopology(o.Topology) {
		return ErrInvalidInput(CodeBadTopology, "unknown topology: "+string(o.Topology))
	}
	return nil
}
