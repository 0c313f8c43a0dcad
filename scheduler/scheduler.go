package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/viralforge/orchestrator/core"
	"github.com/viralforge/orchestrator/telemetry"
)

// cronParser accepts standard five-field expressions with an optional
// leading seconds field, plus descriptors like @hourly.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Scheduler owns Task and Execution records. A single poll loop fires due
// tasks; each firing runs as its own goroutine so concurrent task
// executions proceed independently.
type Scheduler struct {
	store     core.KeyValueStore
	publisher core.Publisher
	namespace string
	logger    core.Logger

	pollInterval time.Duration

	mu       sync.RWMutex
	tasks    map[string]*Task
	handlers map[string]TaskHandler

	runningMu sync.Mutex
	running   bool
	cancel    context.CancelFunc
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger configures structured logging.
func WithLogger(logger core.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithPublisher configures the event transport for execution updates.
func WithPublisher(p core.Publisher) Option {
	return func(s *Scheduler) {
		if p != nil {
			s.publisher = p
		}
	}
}

// WithPollInterval overrides how often the fire loop checks for due tasks.
func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// New creates a scheduler persisting through the given store.
func New(store core.KeyValueStore, namespace string, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:        store,
		publisher:    &core.NoOpPublisher{},
		namespace:    namespace,
		logger:       &core.NoOpLogger{},
		pollInterval: time.Second,
		tasks:        make(map[string]*Task),
		handlers:     make(map[string]TaskHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) taskKey(id string) string {
	return fmt.Sprintf("%s:task:%s", s.namespace, id)
}

func (s *Scheduler) executionKey(id string) string {
	return fmt.Sprintf("%s:task-execution:%s", s.namespace, id)
}

// RegisterHandler installs the handler for a task kind. Must be called
// before tasks of that kind fire.
func (s *Scheduler) RegisterHandler(kind string, handler TaskHandler) error {
	if kind == "" {
		return fmt.Errorf("scheduler.RegisterHandler: kind is required: %w", core.ErrInvalidConfiguration)
	}
	if handler == nil {
		return fmt.Errorf("scheduler.RegisterHandler: handler is required: %w", core.ErrInvalidConfiguration)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = handler
	return nil
}

// CreateTask computes the initial next-run time from the cron expression
// or fixed interval and persists the task. Disabled tasks are stored but
// never scheduled.
func (s *Scheduler) CreateTask(ctx context.Context, task Task) (*Task, error) {
	if task.Name == "" {
		return nil, fmt.Errorf("scheduler.CreateTask: name is required: %w", core.ErrInvalidConfiguration)
	}
	if task.CronExpression == "" && task.Interval <= 0 {
		return nil, fmt.Errorf("scheduler.CreateTask: cron expression or interval is required: %w", core.ErrInvalidConfiguration)
	}
	if task.CronExpression != "" {
		if _, err := cronParser.Parse(task.CronExpression); err != nil {
			return nil, fmt.Errorf("scheduler.CreateTask: invalid cron expression %q: %v: %w", task.CronExpression, err, core.ErrInvalidConfiguration)
		}
	}

	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	now := time.Now()
	task.CreatedAt = now
	task.UpdatedAt = now
	task.ExecutionCount = 0
	task.LastRun = nil

	next, err := s.computeNextRun(&task, now)
	if err != nil {
		return nil, err
	}
	task.NextRun = &next

	s.mu.Lock()
	stored := task
	s.tasks[task.ID] = &stored
	s.mu.Unlock()

	if err := s.persistTask(ctx, &task); err != nil {
		return nil, err
	}

	s.logger.Info("Task created", map[string]interface{}{
		"task_id":  task.ID,
		"name":     task.Name,
		"cron":     task.CronExpression,
		"interval": task.Interval.String(),
		"enabled":  task.Enabled,
		"next_run": next.Format(time.RFC3339),
	})

	return &task, nil
}

// CreateRecurringTask is the fixed-interval variant of CreateTask.
func (s *Scheduler) CreateRecurringTask(ctx context.Context, cfg RecurringConfig) (*Task, error) {
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("scheduler.CreateRecurringTask: interval must be positive: %w", core.ErrInvalidConfiguration)
	}
	return s.CreateTask(ctx, Task{
		Name:          cfg.Name,
		Description:   cfg.Description,
		Interval:      cfg.Interval,
		Enabled:       true,
		Kind:          cfg.Kind,
		Target:        cfg.Target,
		Payload:       cfg.Payload,
		MaxExecutions: cfg.MaxExecutions,
		NotBefore:     cfg.NotBefore,
		NotAfter:      cfg.NotAfter,
	})
}

// EnableTask turns scheduling on without touching history.
func (s *Scheduler) EnableTask(ctx context.Context, id string) error {
	return s.setEnabled(ctx, id, true)
}

// DisableTask turns scheduling off without deleting history.
func (s *Scheduler) DisableTask(ctx context.Context, id string) error {
	return s.setEnabled(ctx, id, false)
}

func (s *Scheduler) setEnabled(ctx context.Context, id string, enabled bool) error {
	s.mu.Lock()
	task, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("scheduler: %s: %w", id, core.ErrTaskNotFound)
	}
	task.Enabled = enabled
	task.UpdatedAt = time.Now()
	if enabled {
		if next, err := s.computeNextRun(task, time.Now()); err == nil {
			task.NextRun = &next
		}
	}
	snapshot := *task
	s.mu.Unlock()

	return s.persistTask(ctx, &snapshot)
}

// GetTask returns a copy of a task.
func (s *Scheduler) GetTask(id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("scheduler: %s: %w", id, core.ErrTaskNotFound)
	}
	out := *task
	return &out, nil
}

// ListTasks returns copies of all known tasks.
func (s *Scheduler) ListTasks() []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		out = append(out, *task)
	}
	return out
}

// ExecuteTask is the fire path: creates an Execution, runs the task's
// handler, records the outcome, and advances the task's last-run and
// next-run times. A failing execution is recorded as failed with the error
// attached and is NOT retried - the task's own next scheduled fire is the
// retry, keeping backoff semantics with the error-handling policies.
func (s *Scheduler) ExecuteTask(ctx context.Context, taskID string) (*Execution, error) {
	s.mu.RLock()
	task, ok := s.tasks[taskID]
	var handler TaskHandler
	var snapshot Task
	if ok {
		snapshot = *task
		handler = s.handlers[snapshot.Kind]
	}
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("scheduler.ExecuteTask: %s: %w", taskID, core.ErrTaskNotFound)
	}

	now := time.Now()
	execution := &Execution{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		Status:    ExecutionPending,
		CreatedAt: now,
	}
	if err := s.persistExecution(ctx, execution); err != nil {
		return nil, err
	}

	started := time.Now()
	execution.Status = ExecutionRunning
	execution.StartedAt = &started
	_ = s.persistExecution(ctx, execution)

	s.logger.Info("Task execution started", map[string]interface{}{
		"task_id":      taskID,
		"execution_id": execution.ID,
		"task_name":    snapshot.Name,
	})

	var result map[string]interface{}
	var runErr error
	if handler == nil {
		runErr = fmt.Errorf("no handler registered for task kind %q: %w", snapshot.Kind, core.ErrMissingConfiguration)
	} else {
		result, runErr = handler(ctx, &snapshot)
	}

	completed := time.Now()
	execution.CompletedAt = &completed
	execution.Duration = completed.Sub(started)
	if runErr != nil {
		execution.Status = ExecutionFailed
		execution.Error = runErr.Error()
		telemetry.Counter("scheduler.executions.failed", "task", snapshot.Name)
	} else {
		execution.Status = ExecutionCompleted
		execution.Result = result
		telemetry.Counter("scheduler.executions.completed", "task", snapshot.Name)
	}
	telemetry.Histogram("scheduler.execution.duration_ms", float64(execution.Duration.Milliseconds()), "task", snapshot.Name)

	if err := s.persistExecution(ctx, execution); err != nil {
		return nil, err
	}

	// Advance the schedule regardless of outcome: next-run moves to the
	// next valid boundary, never a retry-shortened interval. The fire loop
	// already advanced NextRun before launching this run; recomputing from
	// completion time would stretch fixed intervals by the handler
	// duration, so only a stale or missing NextRun (direct ExecuteTask
	// calls) is recomputed here.
	s.mu.Lock()
	if live, ok := s.tasks[taskID]; ok {
		fired := started
		live.LastRun = &fired
		live.ExecutionCount++
		live.UpdatedAt = time.Now()
		if live.NextRun == nil || !live.NextRun.After(time.Now()) {
			if next, err := s.computeNextRun(live, time.Now()); err == nil {
				live.NextRun = &next
			}
		}
		if live.MaxExecutions > 0 && live.ExecutionCount >= live.MaxExecutions {
			live.Enabled = false
		}
		if !live.NotAfter.IsZero() && time.Now().After(live.NotAfter) {
			live.Enabled = false
		}
		snapshot = *live
	}
	s.mu.Unlock()
	_ = s.persistTask(ctx, &snapshot)

	s.logger.Info("Task execution finished", map[string]interface{}{
		"task_id":      taskID,
		"execution_id": execution.ID,
		"status":       execution.Status,
		"duration_ms":  execution.Duration.Milliseconds(),
	})

	s.publishEvent(ctx, map[string]interface{}{
		"event":        "task_execution",
		"task_id":      taskID,
		"execution_id": execution.ID,
		"status":       execution.Status,
	})

	return execution, nil
}

// GetExecution loads one execution record.
func (s *Scheduler) GetExecution(ctx context.Context, id string) (*Execution, error) {
	data, err := s.store.Get(ctx, s.executionKey(id))
	if err != nil {
		return nil, fmt.Errorf("scheduler.GetExecution: %w", err)
	}
	if data == "" {
		return nil, fmt.Errorf("scheduler.GetExecution: %s: %w", id, core.ErrExecutionNotFound)
	}
	var execution Execution
	if err := json.Unmarshal([]byte(data), &execution); err != nil {
		return nil, fmt.Errorf("scheduler.GetExecution: unmarshal %s: %w", id, err)
	}
	return &execution, nil
}

// ListTaskExecutions returns all recorded executions for a task.
func (s *Scheduler) ListTaskExecutions(ctx context.Context, taskID string) ([]Execution, error) {
	keys, err := s.store.Keys(ctx, fmt.Sprintf("%s:task-execution:*", s.namespace))
	if err != nil {
		return nil, fmt.Errorf("scheduler.ListTaskExecutions: %w", err)
	}
	var out []Execution
	for _, key := range keys {
		data, err := s.store.Get(ctx, key)
		if err != nil || data == "" {
			continue
		}
		var execution Execution
		if err := json.Unmarshal([]byte(data), &execution); err != nil {
			continue
		}
		if execution.TaskID == taskID {
			out = append(out, execution)
		}
	}
	return out, nil
}

// CancelExecution marks a pending or running execution record cancelled.
// The handler, if already running, is not preempted; cancellation is a
// record-level terminal state.
func (s *Scheduler) CancelExecution(ctx context.Context, id string) error {
	execution, err := s.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	if execution.Status.Terminal() {
		return nil
	}
	now := time.Now()
	execution.Status = ExecutionCancelled
	execution.CompletedAt = &now
	return s.persistExecution(ctx, execution)
}

// InitializeScheduledTasks rehydrates all persisted tasks at process start
// and recomputes next-run times for enabled ones, since in-process timers
// do not survive restarts.
func (s *Scheduler) InitializeScheduledTasks(ctx context.Context) error {
	keys, err := s.store.Keys(ctx, fmt.Sprintf("%s:task:*", s.namespace))
	if err != nil {
		return fmt.Errorf("scheduler.InitializeScheduledTasks: %w", err)
	}

	now := time.Now()
	restored := 0
	for _, key := range keys {
		data, err := s.store.Get(ctx, key)
		if err != nil || data == "" {
			continue
		}
		var task Task
		if err := json.Unmarshal([]byte(data), &task); err != nil {
			s.logger.Warn("Skipping unreadable task record", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
			continue
		}

		if task.Enabled {
			if next, err := s.computeNextRun(&task, now); err == nil {
				task.NextRun = &next
			}
		}

		s.mu.Lock()
		stored := task
		s.tasks[task.ID] = &stored
		s.mu.Unlock()
		restored++

		_ = s.persistTask(ctx, &task)
	}

	s.logger.Info("Scheduled tasks initialized", map[string]interface{}{
		"restored": restored,
	})
	return nil
}

// Start runs the fire loop until ctx is cancelled. Due tasks fire
// concurrently; the loop only advances schedules and launches goroutines.
func (s *Scheduler) Start(ctx context.Context) error {
	s.runningMu.Lock()
	if s.running {
		s.runningMu.Unlock()
		return core.ErrAlreadyRunning
	}
	s.running = true
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.runningMu.Unlock()

	go func() {
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				s.runningMu.Lock()
				s.running = false
				s.runningMu.Unlock()
				return
			case <-ticker.C:
				s.fireDue(loopCtx)
			}
		}
	}()
	return nil
}

// Stop cancels the fire loop.
func (s *Scheduler) Stop() {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// fireDue launches ExecuteTask for every enabled task whose next-run time
// has arrived. Next-run advances synchronously before the firing goroutine
// starts, so a slow handler cannot double-fire its task.
func (s *Scheduler) fireDue(ctx context.Context) {
	now := time.Now()
	var due []string

	s.mu.Lock()
	for id, task := range s.tasks {
		if !task.Enabled || task.NextRun == nil || task.NextRun.After(now) {
			continue
		}
		if !task.NotBefore.IsZero() && now.Before(task.NotBefore) {
			continue
		}
		if !task.NotAfter.IsZero() && now.After(task.NotAfter) {
			task.Enabled = false
			continue
		}
		if next, err := s.computeNextRun(task, now); err == nil {
			task.NextRun = &next
		}
		due = append(due, id)
	}
	s.mu.Unlock()

	for _, id := range due {
		go func(taskID string) {
			if _, err := s.ExecuteTask(ctx, taskID); err != nil {
				s.logger.Error("Task fire failed", map[string]interface{}{
					"task_id": taskID,
					"error":   err.Error(),
				})
			}
		}(id)
	}
}

// computeNextRun returns the next fire time strictly after from.
func (s *Scheduler) computeNextRun(task *Task, from time.Time) (time.Time, error) {
	if task.CronExpression != "" {
		schedule, err := cronParser.Parse(task.CronExpression)
		if err != nil {
			return time.Time{}, fmt.Errorf("scheduler: invalid cron expression %q: %w", task.CronExpression, core.ErrInvalidConfiguration)
		}
		base := from
		if !task.NotBefore.IsZero() && base.Before(task.NotBefore) {
			base = task.NotBefore
		}
		return schedule.Next(base), nil
	}

	base := from
	if !task.NotBefore.IsZero() && base.Before(task.NotBefore) {
		base = task.NotBefore
	}
	return base.Add(task.Interval), nil
}

func (s *Scheduler) persistTask(ctx context.Context, task *Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("scheduler: marshal task %s: %w", task.ID, err)
	}
	return s.store.Set(ctx, s.taskKey(task.ID), string(data), 0)
}

func (s *Scheduler) persistExecution(ctx context.Context, execution *Execution) error {
	data, err := json.Marshal(execution)
	if err != nil {
		return fmt.Errorf("scheduler: marshal execution %s: %w", execution.ID, err)
	}
	return s.store.Set(ctx, s.executionKey(execution.ID), string(data), 0)
}

func (s *Scheduler) publishEvent(ctx context.Context, payload map[string]interface{}) {
	channel := fmt.Sprintf("%s:scheduler-events", s.namespace)
	if err := s.publisher.Publish(ctx, channel, payload); err != nil {
		s.logger.Warn("Failed to publish scheduler event", map[string]interface{}{
			"error": err.Error(),
		})
	}
}
