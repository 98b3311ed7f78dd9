package swarm

import (
	"time"

	"github.com/flotilla-ai/flotilla/internal/core"
	"github.com/flotilla-ai/flotilla/internal/scheduler"
	"github.com/flotilla-ai/flotilla/internal/workspace"
)

// WorkerOptions describe the LLM CLI invocation shared by every worker.
type WorkerOptions struct {
	Executable   string
	BaseArgs     []string
	AllowedTools []string
	GraceTimeout time.Duration
}

// Options tune one coordinator. Zero values fall back to defaults.
type Options struct {
	MaxAgents                  int
	MaxConcurrentTasksPerAgent int
	TaskTimeout                time.Duration
	SwarmTimeout               time.Duration
	Topology                   core.Topology
	WorkspaceRoot              string
	FileCapBytes               int64 // harvest size cap per file, 0 = manager default
	Retain                     workspace.TeardownPolicy
	Retry                      scheduler.RetryPolicy
	MaxRunningTasks            int
	StarvationThreshold        int
	SnapshotInterval           time.Duration
	WatchArtifacts             bool
	Worker                     WorkerOptions

	// Team overrides the decomposer's team composition when non-empty.
	Team []core.AgentProfile
}

// DefaultOptions returns the coordinator defaults.
func DefaultOptions() Options {
	return Options{
		MaxAgents:                  5,
		MaxConcurrentTasksPerAgent: 3,
		TaskTimeout:                300 * time.Second,
		SwarmTimeout:               30 * time.Minute,
		Topology:                   core.TopologyHybrid,
		WorkspaceRoot:              "./swarm-workspaces",
		Retain:                     workspace.TeardownKeep,
		Retry:                      scheduler.DefaultRetryPolicy(),
		SnapshotInterval:           5 * time.Second,
		WatchArtifacts:             true,
		Worker: WorkerOptions{
			Executable:   "claude",
			BaseArgs:     []string{"--print", "--dangerously-skip-permissions"},
			AllowedTools: []string{"Read", "Write", "Bash"},
			GraceTimeout: 5 * time.Second,
		},
	}
}

// normalized fills in zero values with defaults.
func (o Options) normalized() Options {
	d := DefaultOptions()
	if o.MaxAgents <= 0 {
		o.MaxAgents = d.MaxAgents
	}
	if o.MaxConcurrentTasksPerAgent <= 0 {
		o.MaxConcurrentTasksPerAgent = d.MaxConcurrentTasksPerAgent
	}
	if o.TaskTimeout <= 0 {
		o.TaskTimeout = d.TaskTimeout
	}
	if o.SwarmTimeout <= 0 {
		o.SwarmTimeout = d.SwarmTimeout
	}
	if o.Topology == "" {
		o.Topology = d.Topology
	}
	if o.WorkspaceRoot == "" {
		o.WorkspaceRoot = d.WorkspaceRoot
	}
	if o.Retain == "" {
		o.Retain = d.Retain
	}
	if o.Retry.MaxAttempts == 0 {
		o.Retry = d.Retry
	}
	if o.SnapshotInterval <= 0 {
		o.SnapshotInterval = d.SnapshotInterval
	}
	if o.Worker.Executable == "" {
		o.Worker.Executable = d.Worker.Executable
	}
	if o.Worker.BaseArgs == nil {
		o.Worker.BaseArgs = d.Worker.BaseArgs
	}
	if o.Worker.AllowedTools == nil {
		o.Worker.AllowedTools = d.Worker.AllowedTools
	}
	if o.Worker.GraceTimeout <= 0 {
		o.Worker.GraceTimeout = d.Worker.GraceTimeout
	}
	return o
}
