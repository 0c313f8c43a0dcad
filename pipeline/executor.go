package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/viralforge/orchestrator/core"
	"github.com/viralforge/orchestrator/dispatch"
	"github.com/viralforge/orchestrator/recovery"
	"github.com/viralforge/orchestrator/telemetry"
)

// AgentCaller is the dispatch surface the executor needs. Satisfied by
// *dispatch.Client. Agents referenced by template stages must be
// registered with the caller before executing; the executor owns stage
// retries, so those registrations should not configure dispatch-level
// retries of their own.
type AgentCaller interface {
	Execute(ctx context.Context, agentName, method, path string, data interface{}, opts *dispatch.CallOptions) (*dispatch.Result, error)
}

type pauseGate struct {
	requested bool
	resume    chan struct{}
}

// Executor runs one pipeline template. Executions persist through the
// key-value store; stage metrics aggregate in-process across executions.
type Executor struct {
	template  *Template
	caller    AgentCaller
	recovery  *recovery.Handler
	store     core.KeyValueStore
	publisher core.Publisher
	namespace string
	logger    core.Logger

	metricsMu sync.Mutex
	metrics   map[string]*StageMetrics

	pauseMu sync.Mutex
	gates   map[string]*pauseGate
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithLogger configures structured logging.
func WithLogger(logger core.Logger) ExecutorOption {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithPublisher configures the event transport.
func WithPublisher(p core.Publisher) ExecutorOption {
	return func(e *Executor) {
		if p != nil {
			e.publisher = p
		}
	}
}

// WithRecoveryHandler wires error recording and policy decisions into
// stage failure handling.
func WithRecoveryHandler(h *recovery.Handler) ExecutorOption {
	return func(e *Executor) { e.recovery = h }
}

// NewExecutor creates an executor for the given template.
func NewExecutor(template *Template, caller AgentCaller, store core.KeyValueStore, namespace string, opts ...ExecutorOption) (*Executor, error) {
	if template == nil {
		return nil, fmt.Errorf("pipeline.NewExecutor: template is required: %w", core.ErrInvalidConfiguration)
	}
	if err := template.Validate(); err != nil {
		return nil, err
	}
	e := &Executor{
		template:  template,
		caller:    caller,
		store:     store,
		publisher: &core.NoOpPublisher{},
		namespace: namespace,
		logger:    &core.NoOpLogger{},
		metrics:   make(map[string]*StageMetrics),
		gates:     make(map[string]*pauseGate),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Executor) executionKey(id string) string {
	return fmt.Sprintf("%s:pipeline-execution:%s", e.namespace, id)
}

func (e *Executor) contextKey(sessionID string) string {
	return fmt.Sprintf("%s:pipeline-context:%s", e.namespace, sessionID)
}

func (e *Executor) eventsChannel() string {
	return fmt.Sprintf("%s:pipeline-events", e.namespace)
}

// ExecuteViralizationPipeline runs every template stage in order for the
// tenant session: dependency check, dispatch with per-stage timeout and
// exponential-backoff retry, context accumulation, and a final graded
// Result. A stage that exhausts its retries aborts the pipeline when
// marked critical and degrades to a recorded failure otherwise; stages
// whose dependencies did not complete are skipped.
func (e *Executor) ExecuteViralizationPipeline(ctx context.Context, tenantID, sessionID, userID string, input map[string]interface{}) (*Execution, *Result, error) {
	if tenantID == "" {
		return nil, nil, fmt.Errorf("pipeline.Execute: tenant id is required: %w", core.ErrInvalidConfiguration)
	}
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	ctx, span := telemetry.StartSpan(ctx, "pipeline.execute")
	defer span.End()
	telemetry.SetSpanAttributes(ctx,
		attribute.String("pipeline", e.template.Name),
		attribute.String("tenant", tenantID),
	)

	exec := &Execution{
		ID:           uuid.New().String(),
		PipelineName: e.template.Name,
		TenantID:     tenantID,
		SessionID:    sessionID,
		UserID:       userID,
		Status:       StatusRunning,
		Stages:       append([]Stage(nil), e.template.Stages...),
		StageResults: make(map[string]StageResult),
		Input:        input,
		Context:      mergeData(nil, input),
		StartedAt:    time.Now(),
	}

	gate := &pauseGate{resume: make(chan struct{})}
	e.pauseMu.Lock()
	e.gates[exec.ID] = gate
	e.pauseMu.Unlock()
	defer func() {
		e.pauseMu.Lock()
		delete(e.gates, exec.ID)
		e.pauseMu.Unlock()
	}()

	if err := e.persistExecution(ctx, exec); err != nil {
		return nil, nil, err
	}
	e.publishEvent(ctx, "pipeline_started", exec, nil)
	e.logger.Info("Pipeline started", map[string]interface{}{
		"execution_id": exec.ID,
		"pipeline":     exec.PipelineName,
		"tenant_id":    tenantID,
		"session_id":   sessionID,
		"stages":       len(exec.Stages),
	})

	aborted := false
	for i := range exec.Stages {
		stage := &exec.Stages[i]

		if err := e.waitIfPaused(ctx, exec, gate); err != nil {
			exec.Error = err.Error()
			aborted = true
			break
		}
		exec.CurrentStage = i

		if unmet, ok := e.unmetDependency(exec, stage); ok {
			result := StageResult{
				Name:  stage.Name,
				Type:  stage.Type,
				State: StageSkipped,
				Error: fmt.Sprintf("dependency %q did not complete", unmet),
			}
			exec.StageResults[stage.Name] = result
			e.logger.Warn("Stage skipped", map[string]interface{}{
				"execution_id": exec.ID,
				"stage":        stage.Name,
				"dependency":   unmet,
			})
			if stage.Critical {
				exec.Error = fmt.Sprintf("critical stage %q: dependency %q did not complete: %s",
					stage.Name, unmet, core.ErrDependencyNotMet)
				aborted = true
				break
			}
			e.persistExecution(ctx, exec)
			continue
		}

		e.publishEvent(ctx, "agent_processing", exec, map[string]interface{}{
			"stage": stage.Name,
			"agent": stage.Agent,
		})

		result := e.runStage(ctx, exec, stage)
		exec.StageResults[stage.Name] = result

		if result.State == StageCompleted {
			exec.Context = mergeData(exec.Context, result.Output)
			e.writeSessionContext(ctx, exec)
		} else if stage.Critical {
			exec.Error = fmt.Sprintf("critical stage %q failed: %s: %s",
				stage.Name, result.Error, core.ErrPipelineAborted)
			aborted = true
			e.persistExecution(ctx, exec)
			break
		}
		e.persistExecution(ctx, exec)
	}

	now := time.Now()
	exec.CompletedAt = &now
	if aborted {
		exec.Status = StatusFailed
	} else {
		exec.Status = StatusCompleted
	}
	if err := e.persistExecution(ctx, exec); err != nil {
		return exec, nil, err
	}

	result := e.buildResult(exec)
	e.publishEvent(ctx, "pipeline_completed", exec, map[string]interface{}{
		"result_status":    string(result.Status),
		"stages_completed": result.StagesCompleted,
	})
	e.logger.Info("Pipeline finished", map[string]interface{}{
		"execution_id":     exec.ID,
		"status":           string(exec.Status),
		"result":           string(result.Status),
		"stages_completed": result.StagesCompleted,
		"duration_ms":      result.TotalDuration.Milliseconds(),
	})
	telemetry.Counter("pipeline.executions", "pipeline", exec.PipelineName, "status", string(result.Status))
	telemetry.Histogram("pipeline.duration_ms", float64(result.TotalDuration.Milliseconds()), "pipeline", exec.PipelineName)

	return exec, result, nil
}

// runStage dispatches one stage with bounded exponential-backoff retry.
// Attempt n of a failing stage waits backoff * base^(n-1) before firing.
func (e *Executor) runStage(ctx context.Context, exec *Execution, stage *Stage) StageResult {
	started := time.Now()
	result := StageResult{
		Name:      stage.Name,
		Type:      stage.Type,
		State:     StageRunning,
		StartedAt: &started,
	}

	request := stage.InputMapper(mergeData(map[string]interface{}{
		"tenant_id":  exec.TenantID,
		"session_id": exec.SessionID,
		"user_id":    exec.UserID,
	}, exec.Context))

	var lastCallErr *dispatch.CallError
	for attempt := 0; attempt <= stage.Retry.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(float64(stage.Retry.Backoff) *
				math.Pow(stage.Retry.ExponentialBase, float64(attempt-1)))
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				result.State = StageFailed
				result.Error = ctx.Err().Error()
				result.Duration = time.Since(started)
				return result
			case <-timer.C:
			}
		}
		result.Attempts++

		res, err := e.caller.Execute(ctx, stage.Agent, stage.Method, stage.Path, request, &dispatch.CallOptions{
			Timeout:  stage.Timeout,
			ClientID: exec.SessionID,
		})
		if err != nil {
			// Unknown agent is a template wiring error, not a transient
			// failure; retrying cannot fix it.
			e.recordStageMetrics(stage.Name, false, time.Since(started))
			result.State = StageFailed
			result.Error = err.Error()
			result.Duration = time.Since(started)
			e.recordStageError(ctx, exec, stage, recovery.TypeStructural, result.Error)
			return result
		}

		e.recordStageMetrics(stage.Name, res.Success, res.Duration)

		if res.Success {
			result.State = StageCompleted
			result.Output = stage.OutputMapper(res.Data)
			result.Duration = time.Since(started)
			e.logger.Info("Stage completed", map[string]interface{}{
				"execution_id": exec.ID,
				"stage":        stage.Name,
				"attempts":     result.Attempts,
				"duration_ms":  result.Duration.Milliseconds(),
			})
			return result
		}

		lastCallErr = res.Error
		e.logger.Warn("Stage attempt failed", map[string]interface{}{
			"execution_id": exec.ID,
			"stage":        stage.Name,
			"attempt":      result.Attempts,
			"error":        res.Error.Message,
		})
	}

	result.State = StageFailed
	result.Duration = time.Since(started)
	if lastCallErr != nil {
		result.Error = lastCallErr.Message
	} else {
		result.Error = "stage failed"
	}

	decision := e.recordStageError(ctx, exec, stage, classifyCallError(lastCallErr), result.Error)

	// A failover policy gets one rescue attempt against its target.
	if decision.Action == recovery.ActionFailover && decision.FailoverTarget != "" {
		e.logger.Info("Failing over stage", map[string]interface{}{
			"execution_id": exec.ID,
			"stage":        stage.Name,
			"target":       decision.FailoverTarget,
		})
		res, err := e.caller.Execute(ctx, decision.FailoverTarget, stage.Method, stage.Path, request, &dispatch.CallOptions{
			Timeout:  stage.Timeout,
			ClientID: exec.SessionID,
		})
		result.Attempts++
		if err == nil {
			e.recordStageMetrics(stage.Name, res.Success, res.Duration)
			if res.Success {
				result.State = StageCompleted
				result.Output = stage.OutputMapper(res.Data)
				result.Error = ""
				result.Duration = time.Since(started)
				return result
			}
			result.Error = res.Error.Message
		}
	}

	return result
}

// recordStageError books the failure with the recovery handler and returns
// its decision. With no handler wired the decision is empty.
func (e *Executor) recordStageError(ctx context.Context, exec *Execution, stage *Stage, errorType, message string) recovery.Decision {
	if e.recovery == nil {
		return recovery.Decision{}
	}
	record := &recovery.ErrorRecord{
		Type:        errorType,
		Component:   "pipeline",
		Message:     fmt.Sprintf("stage %q: %s", stage.Name, message),
		SessionID:   exec.SessionID,
		ExecutionID: exec.ID,
		Metadata: map[string]interface{}{
			"pipeline":  exec.PipelineName,
			"tenant_id": exec.TenantID,
			"stage":     stage.Name,
			"agent":     stage.Agent,
		},
	}
	decision, err := e.recovery.HandleError(ctx, record)
	if err != nil {
		e.logger.Warn("Error handling failed", map[string]interface{}{
			"execution_id": exec.ID,
			"stage":        stage.Name,
			"error":        err.Error(),
		})
		return recovery.Decision{}
	}
	return decision
}

// classifyCallError maps a dispatch failure onto the error taxonomy.
func classifyCallError(callErr *dispatch.CallError) string {
	if callErr == nil {
		return recovery.TypeDependencyUnreachable
	}
	switch callErr.Code {
	case "timeout", "cancelled":
		return recovery.TypeTimeout
	case "invalid_response", "read_failed":
		return recovery.TypeInvalidResponse
	case "http_error":
		if callErr.Status >= 400 && callErr.Status < 500 {
			return recovery.TypeBusinessRejection
		}
		return recovery.TypeDependencyUnreachable
	default:
		return recovery.TypeDependencyUnreachable
	}
}

func (e *Executor) unmetDependency(exec *Execution, stage *Stage) (string, bool) {
	for _, dep := range stage.DependsOn {
		if result, ok := exec.StageResults[dep]; !ok || result.State != StageCompleted {
			return dep, true
		}
	}
	return "", false
}

// buildResult grades a finished execution: success when every stage
// completed, failed when the pipeline aborted, partial success when it ran
// to the end with degraded stages.
func (e *Executor) buildResult(exec *Execution) *Result {
	result := &Result{
		ExecutionID:  exec.ID,
		StagesTotal:  len(exec.Stages),
		StageResults: make(map[string]StageResult, len(exec.StageResults)),
		Output:       exec.Context,
	}
	if exec.CompletedAt != nil {
		result.TotalDuration = exec.CompletedAt.Sub(exec.StartedAt)
	}

	var stageTime time.Duration
	ran := 0
	for name, sr := range exec.StageResults {
		result.StageResults[name] = sr
		if sr.State == StageCompleted {
			result.StagesCompleted++
		}
		if sr.State == StageCompleted || sr.State == StageFailed {
			stageTime += sr.Duration
			ran++
		}

		if sr.State == StageCompleted && sr.Attempts > 1 {
			result.Recommendations = append(result.Recommendations,
				fmt.Sprintf("stage %q needed %d attempts; check health and capacity of its agent", name, sr.Attempts))
		}
		if sr.State == StageFailed {
			result.Recommendations = append(result.Recommendations,
				fmt.Sprintf("stage %q failed after %d attempts: %s", name, sr.Attempts, sr.Error))
		}
		if sr.State == StageSkipped {
			result.Recommendations = append(result.Recommendations,
				fmt.Sprintf("stage %q was skipped: %s", name, sr.Error))
		}
	}
	if ran > 0 {
		result.AvgStageTime = stageTime / time.Duration(ran)
	}
	if result.StagesTotal > 0 {
		result.SuccessRate = float64(result.StagesCompleted) / float64(result.StagesTotal)
	}
	sort.Strings(result.Recommendations)

	switch {
	case exec.Status == StatusFailed:
		result.Status = ResultFailed
	case result.StagesCompleted == result.StagesTotal:
		result.Status = ResultSuccess
	default:
		result.Status = ResultPartialSuccess
	}
	return result
}

// Pause requests a pause; it takes effect before the next stage starts,
// never mid-stage.
func (e *Executor) Pause(executionID string) error {
	e.pauseMu.Lock()
	defer e.pauseMu.Unlock()
	gate, ok := e.gates[executionID]
	if !ok {
		return fmt.Errorf("pipeline.Pause: %s: %w", executionID, core.ErrExecutionNotFound)
	}
	gate.requested = true
	return nil
}

// Resume releases a paused execution.
func (e *Executor) Resume(executionID string) error {
	e.pauseMu.Lock()
	defer e.pauseMu.Unlock()
	gate, ok := e.gates[executionID]
	if !ok {
		return fmt.Errorf("pipeline.Resume: %s: %w", executionID, core.ErrExecutionNotFound)
	}
	if !gate.requested {
		return fmt.Errorf("pipeline.Resume: %s: %w", executionID, core.ErrNotPaused)
	}
	gate.requested = false
	close(gate.resume)
	gate.resume = make(chan struct{})
	return nil
}

func (e *Executor) waitIfPaused(ctx context.Context, exec *Execution, gate *pauseGate) error {
	e.pauseMu.Lock()
	requested := gate.requested
	resume := gate.resume
	e.pauseMu.Unlock()
	if !requested {
		return nil
	}

	exec.Status = StatusPaused
	e.persistExecution(ctx, exec)
	e.publishEvent(ctx, "pipeline_paused", exec, nil)
	e.logger.Info("Pipeline paused", map[string]interface{}{
		"execution_id": exec.ID,
		"before_stage": exec.CurrentStage,
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-resume:
	}

	exec.Status = StatusRunning
	e.persistExecution(ctx, exec)
	e.publishEvent(ctx, "pipeline_resumed", exec, nil)
	return nil
}

// GetExecution loads a persisted execution by id.
func (e *Executor) GetExecution(ctx context.Context, id string) (*Execution, error) {
	data, err := e.store.Get(ctx, e.executionKey(id))
	if err != nil {
		return nil, fmt.Errorf("pipeline.GetExecution: %w", err)
	}
	if data == "" {
		return nil, fmt.Errorf("pipeline.GetExecution: %s: %w", id, core.ErrExecutionNotFound)
	}
	var exec Execution
	if err := json.Unmarshal([]byte(data), &exec); err != nil {
		return nil, fmt.Errorf("pipeline.GetExecution: unmarshal %s: %w", id, err)
	}
	return &exec, nil
}

// GetTenantExecutions lists a tenant's executions, newest first.
func (e *Executor) GetTenantExecutions(ctx context.Context, tenantID string) ([]*Execution, error) {
	keys, err := e.store.Keys(ctx, fmt.Sprintf("%s:pipeline-execution:*", e.namespace))
	if err != nil {
		return nil, fmt.Errorf("pipeline.GetTenantExecutions: %w", err)
	}

	var executions []*Execution
	for _, key := range keys {
		data, err := e.store.Get(ctx, key)
		if err != nil || data == "" {
			continue
		}
		var exec Execution
		if err := json.Unmarshal([]byte(data), &exec); err != nil {
			continue
		}
		if exec.TenantID == tenantID {
			executions = append(executions, &exec)
		}
	}
	sort.Slice(executions, func(i, j int) bool {
		return executions[i].StartedAt.After(executions[j].StartedAt)
	})
	return executions, nil
}

// GetMetrics returns a snapshot of per-stage counters.
func (e *Executor) GetMetrics() map[string]StageMetrics {
	e.metricsMu.Lock()
	defer e.metricsMu.Unlock()
	out := make(map[string]StageMetrics, len(e.metrics))
	for name, m := range e.metrics {
		out[name] = *m
	}
	return out
}

func (e *Executor) recordStageMetrics(stageName string, success bool, duration time.Duration) {
	e.metricsMu.Lock()
	m, ok := e.metrics[stageName]
	if !ok {
		m = &StageMetrics{}
		e.metrics[stageName] = m
	}
	m.record(success, duration)
	e.metricsMu.Unlock()
	telemetry.Counter("pipeline.stage.attempts", "stage", stageName, "success", fmt.Sprintf("%t", success))
}

func (e *Executor) persistExecution(ctx context.Context, exec *Execution) error {
	data, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("pipeline: marshal execution %s: %w", exec.ID, err)
	}
	if err := e.store.Set(ctx, e.executionKey(exec.ID), string(data), 0); err != nil {
		e.logger.Warn("Failed to persist execution", map[string]interface{}{
			"execution_id": exec.ID,
			"error":        err.Error(),
		})
		return err
	}
	return nil
}

// writeSessionContext mirrors accumulated stage outputs to the session
// context key so other components can read mid-pipeline state. Expires in
// a day; session context is scratch space, not a system of record.
func (e *Executor) writeSessionContext(ctx context.Context, exec *Execution) {
	data, err := json.Marshal(exec.Context)
	if err != nil {
		return
	}
	if err := e.store.Set(ctx, e.contextKey(exec.SessionID), string(data), 24*time.Hour); err != nil {
		e.logger.Warn("Failed to write session context", map[string]interface{}{
			"session_id": exec.SessionID,
			"error":      err.Error(),
		})
	}
}

func (e *Executor) publishEvent(ctx context.Context, event string, exec *Execution, extra map[string]interface{}) {
	payload := map[string]interface{}{
		"event":        event,
		"execution_id": exec.ID,
		"pipeline":     exec.PipelineName,
		"tenant_id":    exec.TenantID,
		"session_id":   exec.SessionID,
		"status":       string(exec.Status),
		"timestamp":    time.Now().Format(time.RFC3339),
	}
	for k, v := range extra {
		payload[k] = v
	}
	if err := e.publisher.Publish(ctx, e.eventsChannel(), payload); err != nil {
		e.logger.Warn("Event publish failed", map[string]interface{}{
			"event": event,
			"error": err.Error(),
		})
	}
}

func mergeData(base, overlay map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}
