package core

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// SwarmID uniquely identifies one execution of an objective.
type SwarmID string

// TaskID uniquely identifies a task within a swarm.
type TaskID string

// AgentID uniquely identifies an agent within a swarm.
// The display form carries the swarm, agent type and instance number,
// e.g. "swarm-3f2a1c9d/coder-2".
type AgentID string

// NewSwarmID generates a new swarm identifier.
func NewSwarmID() SwarmID {
	return SwarmID("swarm-" + shortID())
}

// NewTaskID generates a new task identifier.
func NewTaskID() TaskID {
	return TaskID("task-" + shortID())
}

// NewAgentID generates an agent identifier scoped to a swarm.
func NewAgentID(swarm SwarmID, agentType AgentType, instance int) AgentID {
	return AgentID(fmt.Sprintf("%s/%s-%d", swarm, agentType, instance))
}

// Swarm returns the swarm component of an agent ID, or "" if malformed.
func (id AgentID) Swarm() SwarmID {
	if i := strings.IndexByte(string(id), '/'); i > 0 {
		return SwarmID(id[:i])
	}
	return ""
}

// Short returns a compact display form of the agent ID without the swarm prefix.
func (id AgentID) Short() string {
	if i := strings.IndexByte(string(id), '/'); i >= 0 {
		return string(id[i+1:])
	}
	return string(id)
}

func shortID() string {
	return uuid.New().String()[:8]
}
