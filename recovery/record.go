// Package recovery classifies failures, records them as structured error
// records, and decides how callers should react. It is a pure
// decision-maker: HandleError returns a Decision the calling component
// must honor, and never re-invokes the failed operation itself.
package recovery

import "time"

// Severity of an error record.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Error type taxonomy, keyed by origin rather than by Go error type.
const (
	TypeDependencyUnreachable = "dependency_unreachable"
	TypeTimeout               = "timeout"
	TypeInvalidResponse       = "invalid_response"
	TypeStructural            = "structural"
	TypeBusinessRejection     = "business_rejection"
)

// ErrorRecord is a classified failure. Created whenever any component
// surfaces a failure; mutated only by ResolveError; never deleted, so
// resolved records remain for audit and statistics.
type ErrorRecord struct {
	ID          string                 `json:"id"`
	Type        string                 `json:"type"`
	Message     string                 `json:"message"`
	Stack       string                 `json:"stack,omitempty"`
	Severity    Severity               `json:"severity"`
	Component   string                 `json:"component"`
	SessionID   string                 `json:"session_id,omitempty"`
	WorkflowID  string                 `json:"workflow_id,omitempty"`
	ExecutionID string                 `json:"execution_id,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
	Resolved    bool                   `json:"resolved"`
	Resolution  string                 `json:"resolution,omitempty"`
	ResolvedAt  *time.Time             `json:"resolved_at,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// DefaultSeverity maps an error type to its default severity. Structural
// failures are always at least high.
func DefaultSeverity(errorType string) Severity {
	switch errorType {
	case TypeStructural:
		return SeverityHigh
	case TypeDependencyUnreachable, TypeTimeout:
		return SeverityMedium
	case TypeInvalidResponse, TypeBusinessRejection:
		return SeverityMedium
	default:
		return SeverityLow
	}
}
