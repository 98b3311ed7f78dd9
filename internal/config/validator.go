package config

import (
	"fmt"
	"strings"

	"github.com/flotilla-ai/flotilla/internal/core"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation: %s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new validator.
func NewValidator() *Validator {
	return &Validator{errors: make(ValidationErrors, 0)}
}

// Validate validates the entire configuration.
func (v *Validator) Validate(cfg *Config) error {
	v.validateLog(&cfg.Log)
	v.validateWorkspace(&cfg.Workspace)
	v.validateWorker(&cfg.Worker)
	v.validateSwarm(&cfg.Swarm)
	v.validateRetry(&cfg.Retry)

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

func (v *Validator) validateLog(cfg *LogConfig) {
	switch cfg.Level {
	case "debug", "info", "warn", "error":
	default:
		v.addError("log.level", cfg.Level, "must be one of: debug, info, warn, error")
	}
	switch cfg.Format {
	case "auto", "json", "pretty":
	default:
		v.addError("log.format", cfg.Format, "must be one of: auto, json, pretty")
	}
}

func (v *Validator) validateWorkspace(cfg *WorkspaceConfig) {
	if cfg.Root == "" {
		v.addError("workspace.root", cfg.Root, "cannot be empty")
	}
	switch cfg.Retain {
	case "keep", "archive", "delete":
	default:
		v.addError("workspace.retain", cfg.Retain, "must be one of: keep, archive, delete")
	}
	if cfg.FileCapBytes <= 0 {
		v.addError("workspace.file_cap_bytes", cfg.FileCapBytes, "must be positive")
	}
}

func (v *Validator) validateWorker(cfg *WorkerConfig) {
	if cfg.Path == "" {
		v.addError("worker.path", cfg.Path, "cannot be empty")
	}
	if cfg.GraceTimeout <= 0 {
		v.addError("worker.grace_timeout", cfg.GraceTimeout, "must be positive")
	}
	if cfg.BufferCapBytes <= 0 {
		v.addError("worker.buffer_cap_bytes", cfg.BufferCapBytes, "must be positive")
	}
}

func (v *Validator) validateSwarm(cfg *SwarmConfig) {
	if cfg.MaxAgents < 1 {
		v.addError("swarm.max_agents", cfg.MaxAgents, "must be at least 1")
	}
	if cfg.MaxConcurrentTasksPerAgent < 1 {
		v.addError("swarm.max_concurrent_tasks_per_agent", cfg.MaxConcurrentTasksPerAgent, "must be at least 1")
	}
	if cfg.MaxRunningTasks < 0 {
		v.addError("swarm.max_running_tasks", cfg.MaxRunningTasks, "cannot be negative")
	}
	if cfg.TaskTimeout <= 0 {
		v.addError("swarm.task_timeout", cfg.TaskTimeout, "must be positive")
	}
	if cfg.SwarmTimeout <= 0 {
		v.addError("swarm.swarm_timeout", cfg.SwarmTimeout, "must be positive")
	}
	if !core.ValidTopology(core.Topology(cfg.Topology)) {
		v.addError("swarm.topology", cfg.Topology, "must be one of: centralized, hierarchical, mesh, hybrid")
	}
	if cfg.StarvationThreshold < 1 {
		v.addError("swarm.starvation_threshold", cfg.StarvationThreshold, "must be at least 1")
	}
}

func (v *Validator) validateRetry(cfg *RetryConfig) {
	if cfg.MaxAttempts < 1 {
		v.addError("retry.max_attempts", cfg.MaxAttempts, "must be at least 1")
	}
	if cfg.BackoffBase <= 0 {
		v.addError("retry.backoff_base", cfg.BackoffBase, "must be positive")
	}
	if cfg.BackoffCap < cfg.BackoffBase {
		v.addError("retry.backoff_cap", cfg.BackoffCap, "must be at least backoff_base")
	}
}

func (v *Validator) addError(field string, value interface{}, message string) {
	v.errors = append(v.errors, ValidationError{Field: field, Value: value, Message: message})
}
