package pipeline

import (
	"time"
)

// Status is the lifecycle of a pipeline execution.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusPaused    Status = "paused"
)

// StageState is the per-execution outcome of one stage.
type StageState string

const (
	StagePending   StageState = "pending"
	StageRunning   StageState = "running"
	StageCompleted StageState = "completed"
	StageFailed    StageState = "failed"
	StageSkipped   StageState = "skipped"
)

// StageResult records how one stage fared inside one execution.
type StageResult struct {
	Name      string                 `json:"name"`
	Type      StageType              `json:"type"`
	State     StageState             `json:"state"`
	Attempts  int                    `json:"attempts"`
	Duration  time.Duration          `json:"duration"`
	Output    map[string]interface{} `json:"output,omitempty"`
	Error     string                 `json:"error,omitempty"`
	StartedAt *time.Time             `json:"started_at,omitempty"`
}

// Execution is one run of a pipeline template for a tenant session. Stages
// are snapshotted at creation so concurrent template edits cannot change a
// running execution.
type Execution struct {
	ID           string                 `json:"id"`
	PipelineName string                 `json:"pipeline_name"`
	TenantID     string                 `json:"tenant_id"`
	SessionID    string                 `json:"session_id"`
	UserID       string                 `json:"user_id,omitempty"`
	Status       Status                 `json:"status"`
	Stages       []Stage                `json:"stages"`
	StageResults map[string]StageResult `json:"stage_results"`
	CurrentStage int                    `json:"current_stage"`
	Input        map[string]interface{} `json:"input,omitempty"`
	Context      map[string]interface{} `json:"context,omitempty"`
	Error        string                 `json:"error,omitempty"`
	StartedAt    time.Time              `json:"started_at"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
}

// ResultStatus grades a finished execution.
type ResultStatus string

const (
	ResultSuccess        ResultStatus = "success"
	ResultPartialSuccess ResultStatus = "partial_success"
	ResultFailed         ResultStatus = "failed"
)

// Result is the final report for one execution: per-stage outcomes,
// aggregate timings, and operator-facing recommendations.
type Result struct {
	ExecutionID     string                 `json:"execution_id"`
	Status          ResultStatus           `json:"status"`
	StagesTotal     int                    `json:"stages_total"`
	StagesCompleted int                    `json:"stages_completed"`
	StageResults    map[string]StageResult `json:"stage_results"`
	Output          map[string]interface{} `json:"output,omitempty"`
	TotalDuration   time.Duration          `json:"total_duration"`
	AvgStageTime    time.Duration          `json:"avg_stage_time"`
	SuccessRate     float64                `json:"success_rate"`
	Recommendations []string               `json:"recommendations,omitempty"`
}
