// Package scheduler maintains cron-expression and fixed-interval recurring
// tasks, computes next-run times, fires due tasks, and records each
// execution's lifecycle. Timers are in-process only; the persisted task
// set is the source of truth and is reconciled at startup.
package scheduler

import (
	"context"
	"time"
)

// Task is a recurring unit of work. Exactly one of CronExpression or
// Interval drives scheduling. Created administratively; mutated by
// enable/disable and by each fire; never auto-deleted.
type Task struct {
	ID             string                 `json:"id"`
	Name           string                 `json:"name"`
	Description    string                 `json:"description,omitempty"`
	CronExpression string                 `json:"cron_expression,omitempty"`
	Interval       time.Duration          `json:"interval,omitempty"`
	Enabled        bool                   `json:"enabled"`
	LastRun        *time.Time             `json:"last_run,omitempty"`
	NextRun        *time.Time             `json:"next_run,omitempty"`

	// Kind selects the registered handler; Target names the workflow or
	// agent the handler should drive.
	Kind   string `json:"kind,omitempty"`
	Target string `json:"target,omitempty"`

	Payload  map[string]interface{} `json:"payload,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// Bounds for fixed-interval recurring tasks.
	MaxExecutions  int       `json:"max_executions,omitempty"`
	ExecutionCount int       `json:"execution_count"`
	NotBefore      time.Time `json:"not_before,omitempty"`
	NotAfter       time.Time `json:"not_after,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ExecutionStatus is the lifecycle of one task firing.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// Execution is one firing of a Task. Immutable once terminal.
type Execution struct {
	ID          string                 `json:"id"`
	TaskID      string                 `json:"task_id"`
	Status      ExecutionStatus        `json:"status"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	Duration    time.Duration          `json:"duration,omitempty"`
	Result      map[string]interface{} `json:"result,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// TaskHandler performs the work of a task kind. A returned error marks the
// execution failed; the scheduler itself never retries (retries, when
// wanted, are the task's own next scheduled fire).
type TaskHandler func(ctx context.Context, task *Task) (map[string]interface{}, error)

// RecurringConfig creates a fixed-interval task (as opposed to cron) with
// optional max-execution-count and start/end bounds.
type RecurringConfig struct {
	Name          string
	Description   string
	Interval      time.Duration
	Kind          string
	Target        string
	Payload       map[string]interface{}
	MaxExecutions int
	NotBefore     time.Time
	NotAfter      time.Time
}
