package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/orchestrator/core"
)

// RecoveryStrategy is a named, ordered remediation plan. Steps are
// advisory, runbook-level descriptions; executing a strategy records that
// the plan was triggered, not that every step ran. Step automation, if
// any, is delegated to whatever component a step references.
type RecoveryStrategy struct {
	ID                string        `json:"id"`
	Name              string        `json:"name"`
	Steps             []string      `json:"steps"`
	SuccessCriteria   string        `json:"success_criteria,omitempty"`
	EstimatedDuration time.Duration `json:"estimated_duration,omitempty"`
	RequiredResources []string      `json:"required_resources,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
}

func (h *Handler) strategyKey(id string) string {
	return fmt.Sprintf("%s:recovery-strategy:%s", h.namespace, id)
}

// CreateRecoveryStrategy persists a new strategy and returns it with an
// assigned id.
func (h *Handler) CreateRecoveryStrategy(ctx context.Context, strategy RecoveryStrategy) (*RecoveryStrategy, error) {
	if strategy.Name == "" || len(strategy.Steps) == 0 {
		return nil, fmt.Errorf("recovery.CreateRecoveryStrategy: name and steps are required: %w", core.ErrInvalidConfiguration)
	}
	if strategy.ID == "" {
		strategy.ID = uuid.New().String()
	}
	if strategy.CreatedAt.IsZero() {
		strategy.CreatedAt = time.Now()
	}

	data, err := json.Marshal(strategy)
	if err != nil {
		return nil, fmt.Errorf("recovery.CreateRecoveryStrategy: marshal: %w", err)
	}
	if err := h.store.Set(ctx, h.strategyKey(strategy.ID), string(data), 0); err != nil {
		return nil, err
	}

	h.logger.Info("Recovery strategy created", map[string]interface{}{
		"strategy_id": strategy.ID,
		"name":        strategy.Name,
		"steps":       len(strategy.Steps),
	})

	return &strategy, nil
}

// GetRecoveryStrategy loads a strategy by id.
func (h *Handler) GetRecoveryStrategy(ctx context.Context, id string) (*RecoveryStrategy, error) {
	data, err := h.store.Get(ctx, h.strategyKey(id))
	if err != nil {
		return nil, fmt.Errorf("recovery.GetRecoveryStrategy: %w", err)
	}
	if data == "" {
		return nil, fmt.Errorf("recovery.GetRecoveryStrategy: %s: %w", id, core.ErrStrategyNotFound)
	}
	var strategy RecoveryStrategy
	if err := json.Unmarshal([]byte(data), &strategy); err != nil {
		return nil, fmt.Errorf("recovery.GetRecoveryStrategy: unmarshal %s: %w", id, err)
	}
	return &strategy, nil
}

// ExecuteRecoveryStrategy triggers a strategy: logs intent to execute each
// step and publishes the trigger for operator visibility. Returns whether
// the trigger succeeded.
func (h *Handler) ExecuteRecoveryStrategy(ctx context.Context, id string) (bool, error) {
	strategy, err := h.GetRecoveryStrategy(ctx, id)
	if err != nil {
		return false, err
	}

	h.logger.Info("Executing recovery strategy", map[string]interface{}{
		"strategy_id": strategy.ID,
		"name":        strategy.Name,
	})

	for i, step := range strategy.Steps {
		h.logger.Info("Recovery step", map[string]interface{}{
			"strategy_id": strategy.ID,
			"step":        i + 1,
			"of":          len(strategy.Steps),
			"description": step,
		})
	}

	h.notify(ctx, map[string]interface{}{
		"event":       "recovery_strategy_triggered",
		"strategy_id": strategy.ID,
		"name":        strategy.Name,
		"steps":       strategy.Steps,
	})

	return true, nil
}
