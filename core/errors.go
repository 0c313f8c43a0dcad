package core

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is()
// These are generic errors that can be wrapped with additional context
var (
	// Balancer errors
	ErrNoHealthyInstances = errors.New("no healthy instances available")
	ErrInstanceNotFound   = errors.New("instance not found")
	ErrAgentNotFound      = errors.New("agent not found")

	// Scheduler errors
	ErrTaskNotFound      = errors.New("task not found")
	ErrTaskDisabled      = errors.New("task disabled")
	ErrExecutionNotFound = errors.New("execution not found")

	// Recovery errors
	ErrPolicyNotFound   = errors.New("error handling policy not found")
	ErrStrategyNotFound = errors.New("recovery strategy not found")
	ErrRecordNotFound   = errors.New("error record not found")

	// Pipeline errors
	ErrDependencyNotMet = errors.New("stage dependency not met")
	ErrPipelineAborted  = errors.New("pipeline aborted")
	ErrNotPaused        = errors.New("execution not paused")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	// State errors
	ErrAlreadyRunning = errors.New("already running")
	ErrNotRunning     = errors.New("not running")

	// Operation errors
	ErrTimeout            = errors.New("operation timeout")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")

	// HTTP/Network errors
	ErrConnectionFailed = errors.New("connection failed")
	ErrRequestFailed    = errors.New("request failed")
)

// OrchestratorError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type OrchestratorError struct {
	Op      string // Operation that failed (e.g., "balancer.RegisterInstance")
	Kind    string // Error kind (e.g., "balancer", "scheduler", "pipeline")
	ID      string // Optional ID of the entity involved
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

// Error returns the string representation of the error
func (e *OrchestratorError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *OrchestratorError) Unwrap() error {
	return e.Err
}

// NewOrchestratorError creates a new OrchestratorError
func NewOrchestratorError(op, kind string, err error) *OrchestratorError {
	return &OrchestratorError{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// IsRetryable checks if an error is retryable.
// Retryable errors are typically transient network or availability issues.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNoHealthyInstances) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrRequestFailed)
}

// IsNotFound checks if an error represents a "not found" condition
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAgentNotFound) ||
		errors.Is(err, ErrInstanceNotFound) ||
		errors.Is(err, ErrTaskNotFound) ||
		errors.Is(err, ErrExecutionNotFound) ||
		errors.Is(err, ErrPolicyNotFound) ||
		errors.Is(err, ErrStrategyNotFound) ||
		errors.Is(err, ErrRecordNotFound)
}

// IsConfigurationError checks if an error is configuration-related
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}
