// Package balancer tracks live instances of downstream agent capabilities
// and selects one per dispatch using a pluggable strategy. Instance state
// is persisted through the shared key-value store so registrations survive
// orchestrator restarts.
package balancer

import (
	"time"

	"github.com/viralforge/orchestrator/core"
)

// AgentInstance is one running replica of a named agent capability.
type AgentInstance struct {
	ID              string                 `json:"id"`
	AgentName       string                 `json:"agent_name"`
	Host            string                 `json:"host"`
	Port            int                    `json:"port"`
	Health          core.HealthStatus      `json:"health"`
	Load            int64                  `json:"load"`
	Capacity        int64                  `json:"capacity"`
	RegisteredAt    time.Time              `json:"registered_at"`
	LastHealthCheck time.Time              `json:"last_health_check"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

// Strategy selects which healthy instance receives a dispatch.
// The set is closed; policy evaluation is a pure function of
// (strategy, current healthy set, counters).
type Strategy string

const (
	// RoundRobin cycles through the healthy set in registration order,
	// independent of load.
	RoundRobin Strategy = "round_robin"

	// LeastConnections picks the healthy instance with the smallest
	// current load, ties broken by registration order.
	LeastConnections Strategy = "least_connections"

	// WeightedRoundRobin is round-robin biased by per-instance weights.
	// Implemented as a weighted cycle, not randomized sampling, so
	// selection sequences are reproducible.
	WeightedRoundRobin Strategy = "weighted_round_robin"

	// IPHash deterministically maps a client id onto the healthy set so
	// the same client always reaches the same instance while the healthy
	// set is unchanged.
	IPHash Strategy = "ip_hash"
)

// Valid reports whether s is one of the known strategies.
func (s Strategy) Valid() bool {
	switch s {
	case RoundRobin, LeastConnections, WeightedRoundRobin, IPHash:
		return true
	}
	return false
}
