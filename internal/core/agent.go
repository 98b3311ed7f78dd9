package core

import (
	"sort"
	"time"
)

// AgentType is the closed set of agent roles.
type AgentType string

const (
	AgentTypeCoordinator AgentType = "coordinator"
	AgentTypeResearcher  AgentType = "researcher"
	AgentTypeCoder       AgentType = "coder"
	AgentTypeArchitect   AgentType = "architect"
	AgentTypeTester      AgentType = "tester"
	AgentTypeAnalyst     AgentType = "analyst"
	AgentTypeReviewer    AgentType = "reviewer"
	AgentTypeOptimizer   AgentType = "optimizer"
	AgentTypeDocumenter  AgentType = "documenter"
	AgentTypeMonitor     AgentType = "monitor"
)

// AgentTypes lists every valid agent type.
func AgentTypes() []AgentType {
	return []AgentType{
		AgentTypeCoordinator, AgentTypeResearcher, AgentTypeCoder,
		AgentTypeArchitect, AgentTypeTester, AgentTypeAnalyst,
		AgentTypeReviewer, AgentTypeOptimizer, AgentTypeDocumenter,
		AgentTypeMonitor,
	}
}

// ValidAgentType reports whether t is in the closed enumeration.
func ValidAgentType(t AgentType) bool {
	for _, known := range AgentTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// DefaultCapabilities returns the capability tags an agent type carries
// unless the team profile overrides them.
func DefaultCapabilities(t AgentType) CapabilitySet {
	switch t {
	case AgentTypeCoordinator:
		return NewCapabilitySet("coordination", "task-management", "synthesis")
	case AgentTypeResearcher:
		return NewCapabilitySet("research", "analysis", "documentation")
	case AgentTypeCoder:
		return NewCapabilitySet("code-generation", "refactoring", "debugging")
	case AgentTypeArchitect:
		return NewCapabilitySet("architecture", "design", "code-generation")
	case AgentTypeTester:
		return NewCapabilitySet("testing", "validation", "debugging")
	case AgentTypeAnalyst:
		return NewCapabilitySet("analysis", "research", "reporting")
	case AgentTypeReviewer:
		return NewCapabilitySet("review", "analysis", "validation")
	case AgentTypeOptimizer:
		return NewCapabilitySet("optimization", "profiling", "refactoring")
	case AgentTypeDocumenter:
		return NewCapabilitySet("documentation", "writing")
	case AgentTypeMonitor:
		return NewCapabilitySet("monitoring", "reporting")
	default:
		return NewCapabilitySet()
	}
}

// CapabilitySet is a small sorted set of capability tags.
type CapabilitySet struct {
	tags []string
}

// NewCapabilitySet creates a set from the given tags, deduplicated and sorted.
func NewCapabilitySet(tags ...string) CapabilitySet {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return CapabilitySet{tags: out}
}

// Has reports whether the set contains tag.
func (s CapabilitySet) Has(tag string) bool {
	i := sort.SearchStrings(s.tags, tag)
	return i < len(s.tags) && s.tags[i] == tag
}

// ContainsAll reports whether every tag in other is present in s.
func (s CapabilitySet) ContainsAll(other CapabilitySet) bool {
	for _, t := range other.tags {
		if !s.Has(t) {
			return false
		}
	}
	return true
}

// Missing returns the tags in other that s lacks.
func (s CapabilitySet) Missing(other CapabilitySet) []string {
	var missing []string
	for _, t := range other.tags {
		if !s.Has(t) {
			missing = append(missing, t)
		}
	}
	return missing
}

// Tags returns a copy of the sorted tag list.
func (s CapabilitySet) Tags() []string {
	out := make([]string, len(s.tags))
	copy(out, s.tags)
	return out
}

// Len returns the number of tags in the set.
func (s CapabilitySet) Len() int { return len(s.tags) }

// AgentStatus represents the lifecycle state of an agent.
type AgentStatus string

const (
	AgentStatusStarting   AgentStatus = "starting"
	AgentStatusIdle       AgentStatus = "idle"
	AgentStatusBusy       AgentStatus = "busy"
	AgentStatusOffline    AgentStatus = "offline"
	AgentStatusError      AgentStatus = "error"
	AgentStatusTerminated AgentStatus = "terminated"
)

// AgentLimits bounds what a single agent may take on.
type AgentLimits struct {
	MaxConcurrentTasks int
	TimeoutPerTask     time.Duration
	MemoryCapMB        int // 0 means unlimited
}

// AgentMetrics tracks per-agent execution counters.
type AgentMetrics struct {
	TasksCompleted int           `json:"tasks_completed"`
	TasksFailed    int           `json:"tasks_failed"`
	AvgExecution   time.Duration `json:"avg_execution"`
	LastExecution  time.Duration `json:"last_execution"`
	LastActivity   time.Time     `json:"last_activity"`
}

// RecordExecution folds a finished attempt into the metrics.
func (m *AgentMetrics) RecordExecution(d time.Duration, success bool) {
	if success {
		m.TasksCompleted++
	} else {
		m.TasksFailed++
	}
	total := m.TasksCompleted + m.TasksFailed
	if total > 0 {
		m.AvgExecution = (m.AvgExecution*time.Duration(total-1) + d) / time.Duration(total)
	}
	m.LastExecution = d
	m.LastActivity = time.Now()
}

// FailureRate returns the fraction of failed attempts, 0 if none recorded.
func (m *AgentMetrics) FailureRate() float64 {
	total := m.TasksCompleted + m.TasksFailed
	if total == 0 {
		return 0
	}
	return float64(m.TasksFailed) / float64(total)
}

// AgentProfile describes an agent to be spawned: the team composition
// output of the decomposer.
type AgentProfile struct {
	Type         AgentType
	Name         string
	Capabilities CapabilitySet
	Priority     TaskPriority
	Layer        int // hierarchy layer, 0 = top (coordinator)
}

// Agent is the live record for one logical worker.
type Agent struct {
	ID           AgentID
	Name         string
	Type         AgentType
	Capabilities CapabilitySet
	Status       AgentStatus
	Workload     int
	Limits       AgentLimits
	Layer        int
	WorkspaceDir string
	WorkerID     string // current supervised worker, "" when none
	Metrics      AgentMetrics
	CreatedAt    time.Time
}

// NewAgent creates an agent record in the starting state.
func NewAgent(id AgentID, profile AgentProfile, limits AgentLimits) *Agent {
	caps := profile.Capabilities
	if caps.Len() == 0 {
		caps = DefaultCapabilities(profile.Type)
	}
	return &Agent{
		ID:           id,
		Name:         profile.Name,
		Type:         profile.Type,
		Capabilities: caps,
		Status:       AgentStatusStarting,
		Limits:       limits,
		Layer:        profile.Layer,
		CreatedAt:    time.Now(),
	}
}

// CanAccept reports whether the agent may take one more task.
func (a *Agent) CanAccept() bool {
	if a.Status == AgentStatusTerminated || a.Status == AgentStatusOffline || a.Status == AgentStatusError {
		return false
	}
	return a.Workload < a.Limits.MaxConcurrentTasks
}

// Capable reports whether the agent satisfies a task's requirements.
func (a *Agent) Capable(req TaskRequirements) bool {
	if req.PreferredType != "" && req.PreferredType != a.Type {
		return false
	}
	return a.Capabilities.ContainsAll(req.Capabilities)
}

// IsTerminal reports whether the agent has been terminated.
func (a *Agent) IsTerminal() bool {
	return a.Status == AgentStatusTerminated
}
