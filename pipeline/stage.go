// Package pipeline runs ordered multi-stage content-production pipelines
// for a tenant/session, enforcing per-stage dependency satisfaction,
// timeout, and exponential-backoff retry, and producing a final execution
// report with recommendations.
package pipeline

import (
	"time"
)

// StageType is the closed set of content-production stage kinds.
type StageType string

const (
	StageTrendAnalysis   StageType = "trend_analysis"
	StageContentCreation StageType = "content_creation"
	StageVideoProduction StageType = "video_production"
	StagePublishing      StageType = "publishing"
)

// Mapper is a pure transformation over plain data. Input mappers translate
// the pipeline context into a stage-specific request shape; output mappers
// translate the stage response back into context updates. Mappers are
// injected at template construction time so templates stay data-driven and
// testable without real downstream agents.
type Mapper func(data map[string]interface{}) map[string]interface{}

// IdentityMapper passes data through unchanged.
func IdentityMapper(data map[string]interface{}) map[string]interface{} {
	return data
}

// RetryConfig controls per-stage retry behavior. A failing attempt waits
// Backoff * ExponentialBase^attempt before the next try.
type RetryConfig struct {
	MaxRetries      int           `json:"max_retries" yaml:"max_retries"`
	Backoff         time.Duration `json:"backoff" yaml:"backoff"`
	ExponentialBase float64       `json:"exponential_base" yaml:"exponential_base"`
}

// Stage is one named step in a pipeline template, bound to a downstream
// capability and its I/O mappers.
type Stage struct {
	ID        string        `json:"id" yaml:"id"`
	Name      string        `json:"name" yaml:"name"`
	Type      StageType     `json:"type" yaml:"type"`
	Agent     string        `json:"agent" yaml:"agent"`
	Method    string        `json:"method" yaml:"method"`
	Path      string        `json:"path" yaml:"path"`
	Timeout   time.Duration `json:"timeout" yaml:"timeout"`
	Retry     RetryConfig   `json:"retry" yaml:"retry"`
	DependsOn []string      `json:"depends_on" yaml:"depends_on"`

	// Critical marks a stage whose failure aborts the whole pipeline.
	// Non-critical stages degrade to skipped and the pipeline continues.
	Critical bool `json:"critical" yaml:"critical"`

	InputMapper  Mapper `json:"-" yaml:"-"`
	OutputMapper Mapper `json:"-" yaml:"-"`
}

// StageMetrics are the running counters for one template stage,
// aggregated across executions.
type StageMetrics struct {
	Executions    int64         `json:"executions"`
	Successes     int64         `json:"successes"`
	Failures      int64         `json:"failures"`
	AvgDuration   time.Duration `json:"avg_duration"`
	LastExecution time.Time     `json:"last_execution"`
}

// record folds one attempt outcome into the metrics.
func (m *StageMetrics) record(success bool, duration time.Duration) {
	total := m.AvgDuration*time.Duration(m.Executions) + duration
	m.Executions++
	if success {
		m.Successes++
	} else {
		m.Failures++
	}
	m.AvgDuration = total / time.Duration(m.Executions)
	m.LastExecution = time.Now()
}
