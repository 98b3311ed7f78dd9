package store

import (
	"encoding/json"
	"time"

	"github.com/google/renameio/v2"

	"github.com/flotilla-ai/flotilla/internal/core"
)

// Snapshot is the shared-memory.json document. External observers read
// this file, so the shape is part of the on-disk contract.
type Snapshot struct {
	SwarmID      string            `json:"swarmId"`
	CreatedAt    time.Time         `json:"createdAt"`
	Status       string            `json:"status"`
	Metadata     SnapshotMetadata  `json:"metadata"`
	Agents       []SnapshotAgent   `json:"agents"`
	Tasks        []SnapshotTask    `json:"tasks"`
	Coordination SnapshotCoordLogs `json:"coordination"`
}

// SnapshotMetadata describes the swarm configuration.
type SnapshotMetadata struct {
	Topology  string `json:"topology"`
	Strategy  string `json:"strategy"`
	Objective string `json:"objective"`
}

// SnapshotAgent is the published view of one agent.
type SnapshotAgent struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Type          string            `json:"type"`
	Status        string            `json:"status"`
	WorkspaceDir  string            `json:"workspaceDir"`
	LastHeartbeat time.Time         `json:"lastHeartbeat"`
	Metrics       core.AgentMetrics `json:"metrics"`
}

// SnapshotTask is the published view of one task.
type SnapshotTask struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Type         string         `json:"type"`
	Status       string         `json:"status"`
	Dependencies []string       `json:"dependencies"`
	AssignedTo   string         `json:"assignedTo,omitempty"`
	Attempts     []core.Attempt `json:"attempts,omitempty"`
	Priority     string         `json:"priority"`
}

// SnapshotCoordLogs carries the communication log.
type SnapshotCoordLogs struct {
	CommunicationLog []SnapshotLogEntry `json:"communicationLog"`
}

// SnapshotLogEntry is one published coordination event.
type SnapshotLogEntry struct {
	TS      time.Time      `json:"ts"`
	Agent   string         `json:"agent"`
	Action  string         `json:"action"`
	Details map[string]any `json:"details,omitempty"`
}

// BuildSnapshot assembles the published view of the store.
func (s *Store) BuildSnapshot(createdAt time.Time, status string, meta SnapshotMetadata) Snapshot {
	snap := Snapshot{
		SwarmID:   s.swarmID,
		CreatedAt: createdAt,
		Status:    status,
		Metadata:  meta,
		Agents:    []SnapshotAgent{},
		Tasks:     []SnapshotTask{},
	}

	for _, a := range s.Agents() {
		snap.Agents = append(snap.Agents, SnapshotAgent{
			ID:            string(a.ID),
			Name:          a.Name,
			Type:          string(a.Type),
			Status:        string(a.Status),
			WorkspaceDir:  a.WorkspaceDir,
			LastHeartbeat: a.Metrics.LastActivity,
			Metrics:       a.Metrics,
		})
	}

	for _, t := range s.Tasks() {
		deps := make([]string, 0, len(t.Dependencies))
		for _, d := range t.Dependencies {
			deps = append(deps, string(d))
		}
		snap.Tasks = append(snap.Tasks, SnapshotTask{
			ID:           string(t.ID),
			Name:         t.Name,
			Type:         string(t.Type),
			Status:       string(t.Status),
			Dependencies: deps,
			AssignedTo:   string(t.AssignedTo),
			Attempts:     t.Attempts,
			Priority:     t.Priority.String(),
		})
	}

	log := s.EventLog()
	snap.Coordination.CommunicationLog = make([]SnapshotLogEntry, 0, len(log))
	for _, e := range log {
		snap.Coordination.CommunicationLog = append(snap.Coordination.CommunicationLog, SnapshotLogEntry{
			TS:      e.TS,
			Agent:   e.Actor,
			Action:  e.Kind,
			Details: e.Payload,
		})
	}
	return snap
}

// WriteSnapshot dumps the snapshot atomically so observers never see a
// partial file.
func (s *Store) WriteSnapshot(path string, createdAt time.Time, status string, meta SnapshotMetadata) error {
	snap := s.BuildSnapshot(createdAt, status, meta)
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return core.ErrIO("SNAPSHOT_ENCODE", "encoding shared memory snapshot").WithCause(err)
	}
	if err := renameio.WriteFile(path, data, 0o600); err != nil {
		return core.ErrIO("SNAPSHOT_WRITE", "writing shared memory snapshot").WithCause(err)
	}
	return nil
}
