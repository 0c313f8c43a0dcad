package recovery

import "time"

// Action is the closed set of handling actions a policy can prescribe.
type Action string

const (
	// ActionRetry signals the caller that attempts remain; the caller
	// re-invokes the failed operation, not this package.
	ActionRetry Action = "retry"

	// ActionFailover signals the caller to redirect to an alternate
	// agent or instance.
	ActionFailover Action = "failover"

	// ActionIgnore marks the error handled with no further action. Used
	// for known-benign, non-actionable errors. Ignored records are
	// auto-resolved (see Handler.HandleError).
	ActionIgnore Action = "ignore"

	// ActionNotify sends to the configured notification channels without
	// altering control flow.
	ActionNotify Action = "notify"

	// ActionEscalate raises severity and routes to a named escalation
	// level, implying human follow-up. Always recorded as unresolved.
	ActionEscalate Action = "escalate"
)

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionRetry, ActionFailover, ActionIgnore, ActionNotify, ActionEscalate:
		return true
	}
	return false
}

// Policy is a handling rule keyed by (component, error type). Policies are
// configuration data: created administratively, looked up read-only during
// error handling. The action-specific parameters form the tagged-variant
// payload.
type Policy struct {
	Component string `json:"component"`
	ErrorType string `json:"error_type"`
	Action    Action `json:"action"`

	// retry parameters
	MaxRetries int           `json:"max_retries,omitempty"`
	RetryDelay time.Duration `json:"retry_delay,omitempty"`

	// failover parameters
	FailoverTarget string `json:"failover_target,omitempty"`

	// notify parameters
	NotificationChannels []string `json:"notification_channels,omitempty"`

	// escalate parameters
	EscalationLevel string `json:"escalation_level,omitempty"`
}

// Decision is what HandleError returns to its caller. Handled reports
// whether a policy (or the default) processed the error; the embedded
// fields tell the caller what to do next.
type Decision struct {
	Handled         bool          `json:"handled"`
	Action          Action        `json:"action"`
	ShouldRetry     bool          `json:"should_retry"`
	MaxRetries      int           `json:"max_retries,omitempty"`
	RetryDelay      time.Duration `json:"retry_delay,omitempty"`
	FailoverTarget  string        `json:"failover_target,omitempty"`
	EscalationLevel string        `json:"escalation_level,omitempty"`
}
