// Package dispatch executes single request/response calls against agent
// instances chosen by the balancer, with timeout and bounded retry.
// Ordinary failure is reported through the Result, never a panic or a
// returned error; errors are reserved for programmer mistakes such as
// dispatching to an agent with no registered configuration.
package dispatch

import (
	"encoding/json"
	"time"
)

// CallError is the typed failure half of a Result.
type CallError struct {
	Message string          `json:"message"`
	Code    string          `json:"code,omitempty"`
	Status  int             `json:"status,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`
}

func (e *CallError) Error() string {
	return e.Message
}

// Result is the outcome of one dispatch. Immutable once produced; callers
// aggregate it into stage and pipeline results but never mutate it.
type Result struct {
	Success    bool                   `json:"success"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Error      *CallError             `json:"error,omitempty"`
	Duration   time.Duration          `json:"duration"`
	Timestamp  time.Time              `json:"timestamp"`
	Attempts   int                    `json:"attempts"`
	InstanceID string                 `json:"instance_id,omitempty"`
}

// failure builds a failed Result.
func failure(err *CallError, started time.Time, attempts int, instanceID string) *Result {
	return &Result{
		Success:    false,
		Error:      err,
		Duration:   time.Since(started),
		Timestamp:  time.Now(),
		Attempts:   attempts,
		InstanceID: instanceID,
	}
}
