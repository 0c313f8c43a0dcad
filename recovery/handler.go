package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/orchestrator/core"
	"github.com/viralforge/orchestrator/telemetry"
)

// Handler owns ErrorRecords, Policies, and RecoveryStrategies. Stats
// counters are in-process; records and policies persist through the
// key-value store.
type Handler struct {
	store     core.KeyValueStore
	publisher core.Publisher
	namespace string
	logger    core.Logger

	policyMu sync.RWMutex
	policies map[string]Policy // keyed component:errorType

	statsMu sync.Mutex
	stats   map[string]map[string]int64 // component -> error type -> count
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithLogger configures structured logging.
func WithLogger(logger core.Logger) HandlerOption {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithPublisher configures the notification transport.
func WithPublisher(p core.Publisher) HandlerOption {
	return func(h *Handler) {
		if p != nil {
			h.publisher = p
		}
	}
}

// NewHandler creates an error handler persisting through the given store.
func NewHandler(store core.KeyValueStore, namespace string, opts ...HandlerOption) *Handler {
	h := &Handler{
		store:     store,
		publisher: &core.NoOpPublisher{},
		namespace: namespace,
		logger:    &core.NoOpLogger{},
		policies:  make(map[string]Policy),
		stats:     make(map[string]map[string]int64),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) recordKey(id string) string {
	return fmt.Sprintf("%s:error:%s", h.namespace, id)
}

func (h *Handler) policyKey(component, errorType string) string {
	return fmt.Sprintf("%s:error-policy:%s:%s", h.namespace, component, errorType)
}

func (h *Handler) notificationChannel() string {
	return fmt.Sprintf("%s:notifications", h.namespace)
}

// RecordError assigns an id and timestamp, stores the record unresolved,
// bumps the per-(component, type) counter, and notifies best-effort.
// A notification failure never fails the record.
func (h *Handler) RecordError(ctx context.Context, record ErrorRecord) (*ErrorRecord, error) {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}
	if record.Severity == "" {
		record.Severity = DefaultSeverity(record.Type)
	}
	record.Resolved = false
	record.Resolution = ""
	record.ResolvedAt = nil

	if err := h.persistRecord(ctx, &record); err != nil {
		return nil, err
	}

	h.statsMu.Lock()
	byType, ok := h.stats[record.Component]
	if !ok {
		byType = make(map[string]int64)
		h.stats[record.Component] = byType
	}
	byType[record.Type]++
	h.statsMu.Unlock()

	h.logger.Error("Error recorded", map[string]interface{}{
		"error_id":  record.ID,
		"type":      record.Type,
		"severity":  record.Severity,
		"component": record.Component,
		"message":   record.Message,
	})
	telemetry.Counter("recovery.errors.recorded", "component", record.Component, "type", record.Type)

	h.notify(ctx, map[string]interface{}{
		"event":     "error_recorded",
		"error_id":  record.ID,
		"type":      record.Type,
		"severity":  record.Severity,
		"component": record.Component,
		"message":   record.Message,
	})

	return &record, nil
}

// ResolveError marks a record resolved and stamps the resolution.
// Idempotent: resolving an already-resolved record is a no-op and the
// first resolution text is retained.
func (h *Handler) ResolveError(ctx context.Context, id, resolution string) (*ErrorRecord, error) {
	record, err := h.GetError(ctx, id)
	if err != nil {
		return nil, err
	}
	if record.Resolved {
		return record, nil
	}

	now := time.Now()
	record.Resolved = true
	record.Resolution = resolution
	record.ResolvedAt = &now

	if err := h.persistRecord(ctx, record); err != nil {
		return nil, err
	}

	h.logger.Info("Error resolved", map[string]interface{}{
		"error_id":   record.ID,
		"component":  record.Component,
		"resolution": resolution,
	})

	h.notify(ctx, map[string]interface{}{
		"event":      "error_resolved",
		"error_id":   record.ID,
		"component":  record.Component,
		"resolution": resolution,
	})

	return record, nil
}

// GetError loads a record by id.
func (h *Handler) GetError(ctx context.Context, id string) (*ErrorRecord, error) {
	data, err := h.store.Get(ctx, h.recordKey(id))
	if err != nil {
		return nil, fmt.Errorf("recovery.GetError: %w", err)
	}
	if data == "" {
		return nil, fmt.Errorf("recovery.GetError: %s: %w", id, core.ErrRecordNotFound)
	}
	var record ErrorRecord
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, fmt.Errorf("recovery.GetError: unmarshal %s: %w", id, err)
	}
	return &record, nil
}

// SetPolicy installs (or replaces) the policy for (component, error type).
func (h *Handler) SetPolicy(ctx context.Context, policy Policy) error {
	if policy.Component == "" || policy.ErrorType == "" {
		return fmt.Errorf("recovery.SetPolicy: component and error type are required: %w", core.ErrInvalidConfiguration)
	}
	if !policy.Action.Valid() {
		return fmt.Errorf("recovery.SetPolicy: unknown action %q: %w", policy.Action, core.ErrInvalidConfiguration)
	}

	h.policyMu.Lock()
	h.policies[policy.Component+":"+policy.ErrorType] = policy
	h.policyMu.Unlock()

	data, err := json.Marshal(policy)
	if err != nil {
		return fmt.Errorf("recovery.SetPolicy: marshal: %w", err)
	}
	return h.store.Set(ctx, h.policyKey(policy.Component, policy.ErrorType), string(data), 0)
}

// GetPolicy returns the policy for (component, error type).
func (h *Handler) GetPolicy(component, errorType string) (Policy, bool) {
	h.policyMu.RLock()
	defer h.policyMu.RUnlock()
	policy, ok := h.policies[component+":"+errorType]
	return policy, ok
}

// HandleError is the decision point. Looks up the policy for the record's
// (component, type); with no match, falls back to default handling: log
// plus notify, record stays unresolved, no retry. Every outcome is a
// recorded ErrorRecord or an explicit handled decision - nothing is
// silently swallowed.
func (h *Handler) HandleError(ctx context.Context, record *ErrorRecord) (Decision, error) {
	if record == nil {
		return Decision{}, fmt.Errorf("recovery.HandleError: record is required: %w", core.ErrInvalidConfiguration)
	}

	// Ensure the failure is on the books before deciding anything.
	if record.ID == "" {
		stored, err := h.RecordError(ctx, *record)
		if err != nil {
			return Decision{}, err
		}
		*record = *stored
	}

	policy, ok := h.GetPolicy(record.Component, record.Type)
	if !ok {
		h.logger.Warn("No handling policy, using default", map[string]interface{}{
			"error_id":  record.ID,
			"component": record.Component,
			"type":      record.Type,
		})
		h.notify(ctx, map[string]interface{}{
			"event":     "error_unhandled",
			"error_id":  record.ID,
			"component": record.Component,
			"type":      record.Type,
		})
		return Decision{Handled: true, Action: ActionNotify}, nil
	}

	telemetry.Counter("recovery.policy.applied", "component", record.Component, "action", string(policy.Action))

	switch policy.Action {
	case ActionRetry:
		return Decision{
			Handled:     true,
			Action:      ActionRetry,
			ShouldRetry: true,
			MaxRetries:  policy.MaxRetries,
			RetryDelay:  policy.RetryDelay,
		}, nil

	case ActionFailover:
		return Decision{
			Handled:        true,
			Action:         ActionFailover,
			FailoverTarget: policy.FailoverTarget,
		}, nil

	case ActionIgnore:
		// Ignored errors are auto-resolved: an ignore policy is an
		// explicit statement that the error is benign, and leaving the
		// record open would pollute the unresolved-error dashboards.
		if _, err := h.ResolveError(ctx, record.ID, "ignored by policy"); err != nil {
			h.logger.Warn("Failed to auto-resolve ignored error", map[string]interface{}{
				"error_id": record.ID,
				"error":    err.Error(),
			})
		}
		return Decision{Handled: true, Action: ActionIgnore}, nil

	case ActionNotify:
		h.notify(ctx, map[string]interface{}{
			"event":     "error_notification",
			"error_id":  record.ID,
			"component": record.Component,
			"type":      record.Type,
			"severity":  record.Severity,
			"message":   record.Message,
			"channels":  policy.NotificationChannels,
		})
		return Decision{Handled: true, Action: ActionNotify}, nil

	case ActionEscalate:
		record.Severity = SeverityCritical
		if err := h.persistRecord(ctx, record); err != nil {
			return Decision{}, err
		}
		h.logger.Error("Error escalated", map[string]interface{}{
			"error_id":  record.ID,
			"component": record.Component,
			"level":     policy.EscalationLevel,
		})
		h.notify(ctx, map[string]interface{}{
			"event":     "error_escalated",
			"error_id":  record.ID,
			"component": record.Component,
			"type":      record.Type,
			"level":     policy.EscalationLevel,
			"message":   record.Message,
		})
		return Decision{
			Handled:         true,
			Action:          ActionEscalate,
			EscalationLevel: policy.EscalationLevel,
		}, nil
	}

	return Decision{}, fmt.Errorf("recovery.HandleError: unknown action %q: %w", policy.Action, core.ErrInvalidConfiguration)
}

// GetErrorStats returns counts by error type, optionally scoped to one
// component (empty component means all).
func (h *Handler) GetErrorStats(component string) map[string]map[string]int64 {
	h.statsMu.Lock()
	defer h.statsMu.Unlock()

	out := make(map[string]map[string]int64)
	for comp, byType := range h.stats {
		if component != "" && comp != component {
			continue
		}
		copied := make(map[string]int64, len(byType))
		for t, n := range byType {
			copied[t] = n
		}
		out[comp] = copied
	}
	return out
}

// LoadPolicies rehydrates policies from the key-value store at startup.
func (h *Handler) LoadPolicies(ctx context.Context) error {
	keys, err := h.store.Keys(ctx, fmt.Sprintf("%s:error-policy:*", h.namespace))
	if err != nil {
		return fmt.Errorf("recovery.LoadPolicies: %w", err)
	}
	for _, key := range keys {
		data, err := h.store.Get(ctx, key)
		if err != nil || data == "" {
			continue
		}
		var policy Policy
		if err := json.Unmarshal([]byte(data), &policy); err != nil {
			h.logger.Warn("Skipping unreadable policy", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
			continue
		}
		h.policyMu.Lock()
		h.policies[policy.Component+":"+policy.ErrorType] = policy
		h.policyMu.Unlock()
	}
	return nil
}

func (h *Handler) persistRecord(ctx context.Context, record *ErrorRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("recovery: marshal record %s: %w", record.ID, err)
	}
	return h.store.Set(ctx, h.recordKey(record.ID), string(data), 0)
}

func (h *Handler) notify(ctx context.Context, payload map[string]interface{}) {
	if err := h.publisher.Publish(ctx, h.notificationChannel(), payload); err != nil {
		h.logger.Warn("Notification failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}
