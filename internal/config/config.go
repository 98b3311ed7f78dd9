// Package config loads and validates coordinator configuration from
// defaults, config files, environment and CLI flags.
package config

import (
	"time"
)

// Config is the full coordinator configuration.
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Swarm     SwarmConfig     `mapstructure:"swarm"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Store     StoreConfig     `mapstructure:"store"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // auto, json, pretty
}

// WorkspaceConfig controls the on-disk workspace tree.
type WorkspaceConfig struct {
	Root         string `mapstructure:"root"`
	Retain       string `mapstructure:"retain"` // keep, archive, delete
	FileCapBytes int64  `mapstructure:"file_cap_bytes"`
}

// WorkerConfig controls the LLM CLI subprocesses.
type WorkerConfig struct {
	Path            string        `mapstructure:"path"`
	Args            []string      `mapstructure:"args"`
	AllowedTools    []string      `mapstructure:"allowed_tools"`
	GraceTimeout    time.Duration `mapstructure:"grace_timeout"`
	BufferCapBytes  int           `mapstructure:"buffer_cap_bytes"`
	Preflight       bool          `mapstructure:"preflight"`
	MinFreeMemoryMB uint64        `mapstructure:"min_free_memory_mb"`
	StallWindow     time.Duration `mapstructure:"stall_window"`
}

// SwarmConfig controls team size and scheduling.
type SwarmConfig struct {
	MaxAgents                  int           `mapstructure:"max_agents"`
	MaxConcurrentTasksPerAgent int           `mapstructure:"max_concurrent_tasks_per_agent"`
	MaxRunningTasks            int           `mapstructure:"max_running_tasks"`
	TaskTimeout                time.Duration `mapstructure:"task_timeout"`
	SwarmTimeout               time.Duration `mapstructure:"swarm_timeout"`
	Topology                   string        `mapstructure:"topology"`
	StarvationThreshold        int           `mapstructure:"starvation_threshold"`
}

// RetryConfig controls per-task retry behavior.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffCap  time.Duration `mapstructure:"backoff_cap"`
}

// StoreConfig controls coordination store persistence.
type StoreConfig struct {
	Persist     bool   `mapstructure:"persist"`
	SQLitePath  string `mapstructure:"sqlite_path"`
	EventLogCap int    `mapstructure:"event_log_cap"`
}
