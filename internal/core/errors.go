package core

import (
	"errors"
	"fmt"
)

// ErrorKind classifies errors for retry and propagation decisions.
type ErrorKind string

const (
	ErrKindInvalidInput      ErrorKind = "invalid-input"
	ErrKindSpawnFailed       ErrorKind = "spawn-failed"
	ErrKindWorkerNonzeroExit ErrorKind = "worker-nonzero-exit"
	ErrKindWorkerKilled      ErrorKind = "worker-killed-by-signal"
	ErrKindTimeout           ErrorKind = "timeout"
	ErrKindIO                ErrorKind = "io-error"
	ErrKindInvalidTransition ErrorKind = "invalid-transition"
	ErrKindCapabilityUnmet   ErrorKind = "capability-unmet"
	ErrKindDependencyFailed  ErrorKind = "dependency-failed"
	ErrKindCancelled         ErrorKind = "cancelled"
	ErrKindInternal          ErrorKind = "internal"
)

// DomainError is a structured error carrying a kind, a stable code and
// optional context. The scheduler decides retry vs. terminal failure from
// the Retryable flag, which is fixed per kind.
type DomainError struct {
	Kind      ErrorKind
	Code      string
	Message   string
	Retryable bool
	Cause     error
	Details   map[string]any
}

func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (%v)", e.Kind, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Kind, e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is matches on kind and code so sentinel comparisons work with errors.Is.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && (t.Code == "" || e.Code == t.Code)
}

// WithCause wraps an underlying error.
func (e *DomainError) WithCause(cause error) *DomainError {
	e.Cause = cause
	return e
}

// WithDetail adds contextual information.
func (e *DomainError) WithDetail(key string, value any) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// ErrInvalidInput creates a validation error. Never retried.
func ErrInvalidInput(code, message string) *DomainError {
	return &DomainError{Kind: ErrKindInvalidInput, Code: code, Message: message}
}

// ErrSpawnFailed creates an error for a worker that could not be started.
func ErrSpawnFailed(message string) *DomainError {
	return &DomainError{Kind: ErrKindSpawnFailed, Code: "SPAWN_FAILED", Message: message, Retryable: true}
}

// ErrWorkerExit creates an error for a worker that exited nonzero.
func ErrWorkerExit(exitCode int, message string) *DomainError {
	return &DomainError{
		Kind:      ErrKindWorkerNonzeroExit,
		Code:      "WORKER_EXIT",
		Message:   message,
		Retryable: true,
		Details:   map[string]any{"exit_code": exitCode},
	}
}

// ErrWorkerKilled creates an error for a worker terminated by a signal.
// Forced kills (our own SIGKILL escalation) are not retryable.
func ErrWorkerKilled(signal string, forced bool) *DomainError {
	return &DomainError{
		Kind:      ErrKindWorkerKilled,
		Code:      "WORKER_KILLED",
		Message:   fmt.Sprintf("worker killed by signal %s", signal),
		Retryable: !forced,
		Details:   map[string]any{"signal": signal, "forced": forced},
	}
}

// ErrTimeout creates a timeout error.
func ErrTimeout(message string) *DomainError {
	return &DomainError{Kind: ErrKindTimeout, Code: "TIMEOUT", Message: message, Retryable: true}
}

// ErrIO creates a filesystem error.
func ErrIO(code, message string) *DomainError {
	return &DomainError{Kind: ErrKindIO, Code: code, Message: message, Retryable: true}
}

// ErrInvalidTransition creates an error for a forbidden state change.
// These indicate programming errors and are never retried.
func ErrInvalidTransition(from, to string) *DomainError {
	return &DomainError{
		Kind:    ErrKindInvalidTransition,
		Code:    "INVALID_TRANSITION",
		Message: fmt.Sprintf("cannot transition from %s to %s", from, to),
	}
}

// ErrCapabilityUnmet creates an error when no agent can satisfy a task.
func ErrCapabilityUnmet(taskID TaskID, missing []string) *DomainError {
	return &DomainError{
		Kind:    ErrKindCapabilityUnmet,
		Code:    "CAPABILITY_UNMET",
		Message: fmt.Sprintf("no agent satisfies requirements of task %s", taskID),
		Details: map[string]any{"missing": missing},
	}
}

// ErrDependencyFailed creates an error for a task whose dependency
// reached terminal failure.
func ErrDependencyFailed(taskID, depID TaskID) *DomainError {
	return &DomainError{
		Kind:    ErrKindDependencyFailed,
		Code:    "DEPENDENCY_FAILED",
		Message: fmt.Sprintf("dependency %s of task %s failed terminally", depID, taskID),
	}
}

// ErrCancelled creates a cancellation error.
func ErrCancelled(message string) *DomainError {
	return &DomainError{Kind: ErrKindCancelled, Code: "CANCELLED", Message: message}
}

// IsRetryable reports whether an error may be retried.
func IsRetryable(err error) bool {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Retryable
	}
	return false
}

// GetKind extracts the error kind, defaulting to internal.
func GetKind(err error) ErrorKind {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Kind
	}
	return ErrKindInternal
}

// IsKind checks whether an error belongs to a kind.
func IsKind(err error, kind ErrorKind) bool {
	return GetKind(err) == kind
}

// Predefined error codes used across packages.
const (
	CodeTaskNotFound      = "TASK_NOT_FOUND"
	CodeAgentNotFound     = "AGENT_NOT_FOUND"
	CodeSwarmNotFound     = "SWARM_NOT_FOUND"
	CodeDuplicateTask     = "DUPLICATE_TASK"
	CodeDuplicateAgent    = "DUPLICATE_AGENT"
	CodeWorkloadUnderflow = "WORKLOAD_UNDERFLOW"
	CodeDAGCycle          = "DAG_CYCLE"
	CodeEmptyObjective    = "EMPTY_OBJECTIVE"
	CodeBadStrategy       = "BAD_STRATEGY"
	CodeBadTopology       = "BAD_TOPOLOGY"
	CodeLockTimeout       = "LOCK_TIMEOUT"
)
