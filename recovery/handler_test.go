package recovery

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viralforge/orchestrator/core"
)

func newTestHandler(t *testing.T) (*Handler, *core.Bus) {
	t.Helper()
	bus := core.NewBus()
	h := NewHandler(core.NewMemoryStore(), "test", WithPublisher(bus))
	return h, bus
}

func drainEvents(ch <-chan []byte) []map[string]interface{} {
	var events []map[string]interface{}
	for {
		select {
		case data := <-ch:
			var event map[string]interface{}
			if json.Unmarshal(data, &event) == nil {
				events = append(events, event)
			}
		default:
			return events
		}
	}
}

func TestRecordErrorAssignsIdentityAndDefaults(t *testing.T) {
	h, bus := newTestHandler(t)
	events := bus.Subscribe("test:notifications")

	record, err := h.RecordError(context.Background(), ErrorRecord{
		Type:      TypeTimeout,
		Component: "dispatch",
		Message:   "agent did not answer",
		Resolved:  true, // must be forced back to unresolved
	})
	require.NoError(t, err)
	assert.NotEmpty(t, record.ID)
	assert.False(t, record.Timestamp.IsZero())
	assert.Equal(t, SeverityMedium, record.Severity)
	assert.False(t, record.Resolved)

	loaded, err := h.GetError(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, record.ID, loaded.ID)
	assert.Equal(t, TypeTimeout, loaded.Type)

	notified := drainEvents(events)
	require.Len(t, notified, 1)
	assert.Equal(t, "error_recorded", notified[0]["event"])
}

func TestStructuralErrorsDefaultToHighSeverity(t *testing.T) {
	h, _ := newTestHandler(t)
	record, err := h.RecordError(context.Background(), ErrorRecord{
		Type:      TypeStructural,
		Component: "pipeline",
		Message:   "unknown stage dependency",
	})
	require.NoError(t, err)
	assert.Equal(t, SeverityHigh, record.Severity)
}

func TestResolveErrorIsIdempotent(t *testing.T) {
	h, _ := newTestHandler(t)
	ctx := context.Background()

	record, err := h.RecordError(ctx, ErrorRecord{
		Type: TypeInvalidResponse, Component: "dispatch", Message: "garbled",
	})
	require.NoError(t, err)

	first, err := h.ResolveError(ctx, record.ID, "agent redeployed")
	require.NoError(t, err)
	assert.True(t, first.Resolved)
	assert.Equal(t, "agent redeployed", first.Resolution)
	require.NotNil(t, first.ResolvedAt)

	second, err := h.ResolveError(ctx, record.ID, "different text")
	require.NoError(t, err)
	assert.True(t, second.Resolved)
	assert.Equal(t, "agent redeployed", second.Resolution)
	assert.Equal(t, first.ResolvedAt.Unix(), second.ResolvedAt.Unix())
}

func TestResolveUnknownError(t *testing.T) {
	h, _ := newTestHandler(t)
	_, err := h.ResolveError(context.Background(), "missing", "n/a")
	assert.ErrorIs(t, err, core.ErrRecordNotFound)
}

func TestHandleErrorWithoutPolicyUsesDefault(t *testing.T) {
	h, bus := newTestHandler(t)
	events := bus.Subscribe("test:notifications")

	record := &ErrorRecord{
		Type:      TypeDependencyUnreachable,
		Component: "dispatch",
		Message:   "connection refused",
	}
	decision, err := h.HandleError(context.Background(), record)
	require.NoError(t, err)
	assert.True(t, decision.Handled)
	assert.Equal(t, ActionNotify, decision.Action)
	assert.False(t, decision.ShouldRetry)

	// The record was booked before deciding, and stays unresolved.
	require.NotEmpty(t, record.ID)
	loaded, err := h.GetError(context.Background(), record.ID)
	require.NoError(t, err)
	assert.False(t, loaded.Resolved)

	notified := drainEvents(events)
	var kinds []string
	for _, event := range notified {
		kinds = append(kinds, event["event"].(string))
	}
	assert.Contains(t, kinds, "error_recorded")
	assert.Contains(t, kinds, "error_unhandled")
}

func TestHandleErrorRetryPolicy(t *testing.T) {
	h, _ := newTestHandler(t)
	ctx := context.Background()

	require.NoError(t, h.SetPolicy(ctx, Policy{
		Component:  "dispatch",
		ErrorType:  TypeTimeout,
		Action:     ActionRetry,
		MaxRetries: 5,
		RetryDelay: 2 * time.Second,
	}))

	decision, err := h.HandleError(ctx, &ErrorRecord{
		Type: TypeTimeout, Component: "dispatch", Message: "slow agent",
	})
	require.NoError(t, err)
	assert.True(t, decision.ShouldRetry)
	assert.Equal(t, 5, decision.MaxRetries)
	assert.Equal(t, 2*time.Second, decision.RetryDelay)
}

func TestHandleErrorIgnorePolicyAutoResolves(t *testing.T) {
	h, _ := newTestHandler(t)
	ctx := context.Background()

	require.NoError(t, h.SetPolicy(ctx, Policy{
		Component: "scheduler",
		ErrorType: TypeBusinessRejection,
		Action:    ActionIgnore,
	}))

	record := &ErrorRecord{
		Type: TypeBusinessRejection, Component: "scheduler", Message: "duplicate content",
	}
	decision, err := h.HandleError(ctx, record)
	require.NoError(t, err)
	assert.Equal(t, ActionIgnore, decision.Action)

	loaded, err := h.GetError(ctx, record.ID)
	require.NoError(t, err)
	assert.True(t, loaded.Resolved)
	assert.Equal(t, "ignored by policy", loaded.Resolution)
}

func TestHandleErrorFailoverPolicy(t *testing.T) {
	h, _ := newTestHandler(t)
	ctx := context.Background()

	require.NoError(t, h.SetPolicy(ctx, Policy{
		Component:      "pipeline",
		ErrorType:      TypeDependencyUnreachable,
		Action:         ActionFailover,
		FailoverTarget: "backup-producer",
	}))

	decision, err := h.HandleError(ctx, &ErrorRecord{
		Type: TypeDependencyUnreachable, Component: "pipeline", Message: "producer down",
	})
	require.NoError(t, err)
	assert.Equal(t, ActionFailover, decision.Action)
	assert.Equal(t, "backup-producer", decision.FailoverTarget)
}

func TestHandleErrorEscalatePolicy(t *testing.T) {
	h, bus := newTestHandler(t)
	ctx := context.Background()
	events := bus.Subscribe("test:notifications")

	require.NoError(t, h.SetPolicy(ctx, Policy{
		Component:       "pipeline",
		ErrorType:       TypeStructural,
		Action:          ActionEscalate,
		EscalationLevel: "oncall",
	}))

	record := &ErrorRecord{
		Type: TypeStructural, Component: "pipeline", Message: "template broken",
	}
	decision, err := h.HandleError(ctx, record)
	require.NoError(t, err)
	assert.Equal(t, ActionEscalate, decision.Action)
	assert.Equal(t, "oncall", decision.EscalationLevel)

	loaded, err := h.GetError(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, SeverityCritical, loaded.Severity)
	assert.False(t, loaded.Resolved)

	var kinds []string
	for _, event := range drainEvents(events) {
		kinds = append(kinds, event["event"].(string))
	}
	assert.Contains(t, kinds, "error_escalated")
}

func TestSetPolicyValidation(t *testing.T) {
	h, _ := newTestHandler(t)
	ctx := context.Background()
	assert.ErrorIs(t, h.SetPolicy(ctx, Policy{ErrorType: TypeTimeout, Action: ActionRetry}), core.ErrInvalidConfiguration)
	assert.ErrorIs(t, h.SetPolicy(ctx, Policy{Component: "x", ErrorType: TypeTimeout, Action: "explode"}), core.ErrInvalidConfiguration)
}

func TestGetErrorStatsFiltersByComponent(t *testing.T) {
	h, _ := newTestHandler(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := h.RecordError(ctx, ErrorRecord{Type: TypeTimeout, Component: "dispatch", Message: "slow"})
		require.NoError(t, err)
	}
	_, err := h.RecordError(ctx, ErrorRecord{Type: TypeStructural, Component: "pipeline", Message: "broken"})
	require.NoError(t, err)

	all := h.GetErrorStats("")
	assert.Equal(t, int64(3), all["dispatch"][TypeTimeout])
	assert.Equal(t, int64(1), all["pipeline"][TypeStructural])

	scoped := h.GetErrorStats("dispatch")
	assert.Len(t, scoped, 1)
	assert.Equal(t, int64(3), scoped["dispatch"][TypeTimeout])
}

func TestLoadPoliciesRehydrates(t *testing.T) {
	store := core.NewMemoryStore()
	ctx := context.Background()

	first := NewHandler(store, "test")
	require.NoError(t, first.SetPolicy(ctx, Policy{
		Component: "dispatch", ErrorType: TypeTimeout, Action: ActionRetry, MaxRetries: 2,
	}))

	second := NewHandler(store, "test")
	_, ok := second.GetPolicy("dispatch", TypeTimeout)
	assert.False(t, ok)

	require.NoError(t, second.LoadPolicies(ctx))
	policy, ok := second.GetPolicy("dispatch", TypeTimeout)
	require.True(t, ok)
	assert.Equal(t, ActionRetry, policy.Action)
	assert.Equal(t, 2, policy.MaxRetries)
}

func TestRecoveryStrategyLifecycle(t *testing.T) {
	h, bus := newTestHandler(t)
	ctx := context.Background()
	events := bus.Subscribe("test:notifications")

	_, err := h.CreateRecoveryStrategy(ctx, RecoveryStrategy{Name: "incomplete"})
	assert.ErrorIs(t, err, core.ErrInvalidConfiguration)

	strategy, err := h.CreateRecoveryStrategy(ctx, RecoveryStrategy{
		Name:            "restart-producers",
		Steps:           []string{"drain traffic", "restart instances", "verify health"},
		SuccessCriteria: "all instances healthy",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, strategy.ID)

	loaded, err := h.GetRecoveryStrategy(ctx, strategy.ID)
	require.NoError(t, err)
	assert.Equal(t, "restart-producers", loaded.Name)
	assert.Len(t, loaded.Steps, 3)

	ok, err := h.ExecuteRecoveryStrategy(ctx, strategy.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	var kinds []string
	for _, event := range drainEvents(events) {
		kinds = append(kinds, event["event"].(string))
	}
	assert.Contains(t, kinds, "recovery_strategy_triggered")

	_, err = h.GetRecoveryStrategy(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrStrategyNotFound)
}
