package balancer

import (
	"context"
	"sync"
	"time"

	"github.com/viralforge/orchestrator/core"
	"github.com/viralforge/orchestrator/telemetry"
)

// HealthProber performs the lightweight reachability call against one
// instance. The dispatch client provides the production implementation;
// tests substitute a stub.
type HealthProber interface {
	Probe(ctx context.Context, instance *AgentInstance) bool
}

// ProberFunc adapts a function to the HealthProber interface.
type ProberFunc func(ctx context.Context, instance *AgentInstance) bool

func (f ProberFunc) Probe(ctx context.Context, instance *AgentInstance) bool {
	return f(ctx, instance)
}

// SetProber installs the health prober. Must be set before Start or
// PerformHealthCheck is called.
func (r *Registry) SetProber(prober HealthProber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prober = prober
}

// PerformHealthCheck probes every instance of one agent and updates health
// status. Instances in maintenance are skipped. Instances whose last
// successful check is older than the staleness threshold are evicted.
// Returns the count of instances now healthy.
func (r *Registry) PerformHealthCheck(ctx context.Context, agentName string) (int, error) {
	r.mu.RLock()
	prober := r.prober
	group, ok := r.agents[agentName]
	if !ok {
		r.mu.RUnlock()
		return 0, core.ErrAgentNotFound
	}
	states := make([]*instanceState, 0, len(group.order))
	for _, id := range group.order {
		states = append(states, group.instances[id])
	}
	r.mu.RUnlock()

	if prober == nil {
		return 0, core.ErrMissingConfiguration
	}

	var wg sync.WaitGroup
	var healthyCount int
	var countMu sync.Mutex
	now := time.Now()

	for _, state := range states {
		state.mu.Lock()
		info := state.info
		state.mu.Unlock()

		if info.Health == core.HealthMaintenance {
			continue
		}

		wg.Add(1)
		go func(state *instanceState, info AgentInstance) {
			defer wg.Done()

			alive := prober.Probe(ctx, &info)

			state.mu.Lock()
			if alive {
				state.info.Health = core.HealthHealthy
				state.info.LastHealthCheck = now
			} else {
				state.info.Health = core.HealthUnhealthy
			}
			stale := !alive && now.Sub(state.info.LastHealthCheck) > r.staleAfter
			state.mu.Unlock()

			if alive {
				countMu.Lock()
				healthyCount++
				countMu.Unlock()
			} else {
				r.logger.Warn("Instance failed health check", map[string]interface{}{
					"agent":    info.AgentName,
					"instance": info.ID,
					"stale":    stale,
				})
				telemetry.Counter("balancer.healthcheck.failed", "agent", info.AgentName)
			}

			if stale {
				_ = r.DeregisterInstance(ctx, info.AgentName, info.ID)
			} else {
				_ = r.persist(ctx, state)
			}
		}(state, info)
	}

	wg.Wait()

	r.logger.Debug("Health check round completed", map[string]interface{}{
		"agent":   agentName,
		"healthy": healthyCount,
		"total":   len(states),
	})

	return healthyCount, nil
}

// Start runs the periodic health check loop for every registered agent
// until ctx is cancelled. This loop is the only place health status
// changes outside SetMaintenance.
func (r *Registry) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, agent := range r.AgentNames() {
					if _, err := r.PerformHealthCheck(ctx, agent); err != nil {
						r.logger.Warn("Health check round failed", map[string]interface{}{
							"agent": agent,
							"error": err.Error(),
						})
					}
				}
			}
		}
	}()
}
