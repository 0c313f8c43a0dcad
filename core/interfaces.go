package core

import (
	"context"
	"time"
)

// Logger interface - minimal structured logging interface
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})
}

// KeyValueStore is the persistence boundary for orchestrator state.
// Implementations must treat a missing key as ("", nil) on Get so callers
// can distinguish "absent" from a transport failure.
type KeyValueStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, pattern string) ([]string, error)
}

// Publisher broadcasts events to external listeners (dashboards, operator
// UIs). Payloads are JSON-marshaled before transport.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload interface{}) error
}

// HealthStatus for agent instances
type HealthStatus string

const (
	HealthHealthy     HealthStatus = "healthy"
	HealthUnhealthy   HealthStatus = "unhealthy"
	HealthMaintenance HealthStatus = "maintenance"
)

// Default no-op implementations

// NoOpLogger provides a no-op logger implementation
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}

// NoOpPublisher discards every event. Used when no pub/sub transport is
// configured.
type NoOpPublisher struct{}

func (n *NoOpPublisher) Publish(ctx context.Context, channel string, payload interface{}) error {
	return nil
}
