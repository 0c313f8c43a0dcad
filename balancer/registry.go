package balancer

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/viralforge/orchestrator/core"
	"github.com/viralforge/orchestrator/telemetry"
)

// instanceState wraps an AgentInstance with its hot counters. Load is an
// atomic so the dispatch path never takes the registry lock to bracket a
// call; the mutex guards the remaining (cold) fields.
type instanceState struct {
	mu   sync.Mutex
	info AgentInstance
	load atomic.Int64
}

func (s *instanceState) snapshot() AgentInstance {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.info
	out.Load = s.load.Load()
	return out
}

// agentGroup holds every known instance of one agent in registration order
// plus the per-agent selection counters.
type agentGroup struct {
	order     []string
	instances map[string]*instanceState
	weights   map[string]int
	rr        atomic.Uint64
	wrr       atomic.Uint64
}

// Registry owns the AgentInstance records. Health status changes only via
// PerformHealthCheck and SetMaintenance; load changes via the dispatch
// bracketing methods.
type Registry struct {
	mu        sync.RWMutex
	agents    map[string]*agentGroup
	store     core.KeyValueStore
	namespace string
	prober    HealthProber
	logger    core.Logger

	interval   time.Duration
	staleAfter time.Duration
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithHealthCheckInterval overrides the health check loop interval.
func WithHealthCheckInterval(d time.Duration) RegistryOption {
	return func(r *Registry) { r.interval = d }
}

// WithStaleThreshold overrides how long an instance may go without a
// successful health check before it is evicted.
func WithStaleThreshold(d time.Duration) RegistryOption {
	return func(r *Registry) { r.staleAfter = d }
}

// WithLogger configures structured logging.
func WithLogger(logger core.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry creates an instance registry persisting through the given
// store. The prober may be nil until health checks are started.
func NewRegistry(store core.KeyValueStore, namespace string, prober HealthProber, opts ...RegistryOption) *Registry {
	r := &Registry{
		agents:     make(map[string]*agentGroup),
		store:      store,
		namespace:  namespace,
		prober:     prober,
		logger:     &core.NoOpLogger{},
		interval:   30 * time.Second,
		staleAfter: 90 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) instanceKey(agentName, id string) string {
	return fmt.Sprintf("%s:agent-instances:%s:%s", r.namespace, agentName, id)
}

// RegisterInstance upserts an instance under its agent name. The instance
// becomes eligible for selection immediately. Fails only on malformed
// input (missing id or agent name).
func (r *Registry) RegisterInstance(ctx context.Context, instance AgentInstance) error {
	if instance.ID == "" || instance.AgentName == "" {
		return fmt.Errorf("balancer.RegisterInstance: id and agent name are required: %w", core.ErrInvalidConfiguration)
	}
	if instance.Health == "" {
		instance.Health = core.HealthHealthy
	}
	if instance.LastHealthCheck.IsZero() {
		instance.LastHealthCheck = time.Now()
	}
	if instance.Load < 0 {
		instance.Load = 0
	}

	r.mu.Lock()
	group, ok := r.agents[instance.AgentName]
	if !ok {
		group = &agentGroup{
			instances: make(map[string]*instanceState),
			weights:   make(map[string]int),
		}
		r.agents[instance.AgentName] = group
	}
	state, exists := group.instances[instance.ID]
	if !exists {
		state = &instanceState{}
		group.instances[instance.ID] = state
		group.order = append(group.order, instance.ID)
	}
	state.mu.Lock()
	if instance.RegisteredAt.IsZero() {
		instance.RegisteredAt = state.info.RegisteredAt
	}
	if instance.RegisteredAt.IsZero() {
		instance.RegisteredAt = time.Now()
	}
	state.info = instance
	state.load.Store(instance.Load)
	state.mu.Unlock()
	r.mu.Unlock()

	r.logger.Info("Instance registered", map[string]interface{}{
		"agent":    instance.AgentName,
		"instance": instance.ID,
		"host":     instance.Host,
		"port":     instance.Port,
		"capacity": instance.Capacity,
	})
	telemetry.Counter("balancer.instances.registered", "agent", instance.AgentName)

	return r.persist(ctx, state)
}

// DeregisterInstance removes an instance. Subsequent selections never
// return it. A no-op when already absent.
func (r *Registry) DeregisterInstance(ctx context.Context, agentName, instanceID string) error {
	r.mu.Lock()
	group, ok := r.agents[agentName]
	if ok {
		if _, exists := group.instances[instanceID]; exists {
			delete(group.instances, instanceID)
			delete(group.weights, instanceID)
			for i, id := range group.order {
				if id == instanceID {
					group.order = append(group.order[:i], group.order[i+1:]...)
					break
				}
			}
		} else {
			ok = false
		}
	}
	r.mu.Unlock()

	if ok {
		r.logger.Info("Instance deregistered", map[string]interface{}{
			"agent":    agentName,
			"instance": instanceID,
		})
	}

	return r.store.Delete(ctx, r.instanceKey(agentName, instanceID))
}

// ListInstances returns all known instances for an agent, regardless of
// health, in registration order.
func (r *Registry) ListInstances(agentName string) []AgentInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	group, ok := r.agents[agentName]
	if !ok {
		return nil
	}
	out := make([]AgentInstance, 0, len(group.order))
	for _, id := range group.order {
		out = append(out, group.instances[id].snapshot())
	}
	return out
}

// UpdateLoad overwrites an instance's load counter. Negative values clamp
// to zero.
func (r *Registry) UpdateLoad(ctx context.Context, agentName, instanceID string, load int64) error {
	state, err := r.state(agentName, instanceID)
	if err != nil {
		return err
	}
	if load < 0 {
		load = 0
	}
	state.load.Store(load)
	return r.persist(ctx, state)
}

// IncrementLoad brackets the start of a dispatch. Returns the new load.
func (r *Registry) IncrementLoad(agentName, instanceID string) (int64, error) {
	state, err := r.state(agentName, instanceID)
	if err != nil {
		return 0, err
	}
	return state.load.Add(1), nil
}

// DecrementLoad brackets the end of a dispatch, including failures and
// timeouts. Never drops below zero.
func (r *Registry) DecrementLoad(agentName, instanceID string) (int64, error) {
	state, err := r.state(agentName, instanceID)
	if err != nil {
		return 0, err
	}
	for {
		cur := state.load.Load()
		if cur <= 0 {
			return 0, nil
		}
		if state.load.CompareAndSwap(cur, cur-1) {
			return cur - 1, nil
		}
	}
}

// SetMaintenance toggles an instance in or out of maintenance. This is the
// only manual health mutation; health checks skip instances in
// maintenance.
func (r *Registry) SetMaintenance(ctx context.Context, agentName, instanceID string, on bool) error {
	state, err := r.state(agentName, instanceID)
	if err != nil {
		return err
	}
	state.mu.Lock()
	if on {
		state.info.Health = core.HealthMaintenance
	} else {
		state.info.Health = core.HealthUnhealthy // next health check promotes it
	}
	state.mu.Unlock()
	return r.persist(ctx, state)
}

// SetWeights configures per-instance weights for WeightedRoundRobin.
// Unlisted instances default to weight 1; weights below 1 are ignored.
func (r *Registry) SetWeights(agentName string, weights map[string]int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	group, ok := r.agents[agentName]
	if !ok {
		return
	}
	for id, w := range weights {
		if w >= 1 {
			group.weights[id] = w
		}
	}
}

// SelectInstance returns one healthy instance for the agent, or
// core.ErrNoHealthyInstances when none are healthy. Zero healthy instances
// is a regular outcome of the operation, not a fault.
func (r *Registry) SelectInstance(agentName string, strategy Strategy, clientID string) (*AgentInstance, error) {
	if !strategy.Valid() {
		return nil, fmt.Errorf("balancer.SelectInstance: unknown strategy %q: %w", strategy, core.ErrInvalidConfiguration)
	}

	r.mu.RLock()
	group, ok := r.agents[agentName]
	if !ok {
		r.mu.RUnlock()
		return nil, fmt.Errorf("balancer.SelectInstance: %s: %w", agentName, core.ErrAgentNotFound)
	}

	// Healthy set in registration order.
	healthy := make([]*instanceState, 0, len(group.order))
	for _, id := range group.order {
		state := group.instances[id]
		state.mu.Lock()
		isHealthy := state.info.Health == core.HealthHealthy
		state.mu.Unlock()
		if isHealthy {
			healthy = append(healthy, state)
		}
	}
	weights := make(map[string]int, len(group.weights))
	for id, w := range group.weights {
		weights[id] = w
	}
	r.mu.RUnlock()

	if len(healthy) == 0 {
		telemetry.Counter("balancer.selection.no_healthy", "agent", agentName)
		return nil, fmt.Errorf("balancer.SelectInstance: %s: %w", agentName, core.ErrNoHealthyInstances)
	}

	var chosen *instanceState
	switch strategy {
	case RoundRobin:
		idx := group.rr.Add(1) - 1
		chosen = healthy[idx%uint64(len(healthy))]

	case LeastConnections:
		chosen = healthy[0]
		best := chosen.load.Load()
		for _, state := range healthy[1:] {
			if l := state.load.Load(); l < best {
				chosen, best = state, l
			}
		}

	case WeightedRoundRobin:
		cycle := buildWeightedCycle(healthy, weights)
		idx := group.wrr.Add(1) - 1
		chosen = cycle[idx%uint64(len(cycle))]

	case IPHash:
		h := fnv.New32a()
		_, _ = h.Write([]byte(clientID))
		chosen = healthy[h.Sum32()%uint32(len(healthy))]
	}

	info := chosen.snapshot()
	telemetry.Counter("balancer.selection.total", "agent", agentName, "strategy", string(strategy))
	return &info, nil
}

// buildWeightedCycle expands the healthy set into a deterministic cycle
// where each instance appears weight times, in registration order.
func buildWeightedCycle(healthy []*instanceState, weights map[string]int) []*instanceState {
	cycle := make([]*instanceState, 0, len(healthy))
	for _, state := range healthy {
		state.mu.Lock()
		id := state.info.ID
		state.mu.Unlock()
		w := weights[id]
		if w < 1 {
			w = 1
		}
		for i := 0; i < w; i++ {
			cycle = append(cycle, state)
		}
	}
	return cycle
}

// AgentNames returns every agent with at least one registered instance.
func (r *Registry) AgentNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) state(agentName, instanceID string) (*instanceState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	group, ok := r.agents[agentName]
	if !ok {
		return nil, fmt.Errorf("balancer: %s: %w", agentName, core.ErrAgentNotFound)
	}
	state, ok := group.instances[instanceID]
	if !ok {
		return nil, fmt.Errorf("balancer: %s/%s: %w", agentName, instanceID, core.ErrInstanceNotFound)
	}
	return state, nil
}

func (r *Registry) persist(ctx context.Context, state *instanceState) error {
	info := state.snapshot()
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("balancer: failed to marshal instance %s: %w", info.ID, err)
	}
	return r.store.Set(ctx, r.instanceKey(info.AgentName, info.ID), string(data), 0)
}

// Restore rehydrates the in-memory registry from the key-value store at
// process start. Registration order is selection order, so instances are
// re-registered by their persisted registration times rather than key
// order.
func (r *Registry) Restore(ctx context.Context) error {
	keys, err := r.store.Keys(ctx, fmt.Sprintf("%s:agent-instances:*", r.namespace))
	if err != nil {
		return fmt.Errorf("balancer.Restore: %w", err)
	}
	instances := make([]AgentInstance, 0, len(keys))
	for _, key := range keys {
		data, err := r.store.Get(ctx, key)
		if err != nil || data == "" {
			continue
		}
		var instance AgentInstance
		if err := json.Unmarshal([]byte(data), &instance); err != nil {
			r.logger.Warn("Skipping unreadable instance record", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
			continue
		}
		instances = append(instances, instance)
	}
	sort.Slice(instances, func(i, j int) bool {
		if !instances[i].RegisteredAt.Equal(instances[j].RegisteredAt) {
			return instances[i].RegisteredAt.Before(instances[j].RegisteredAt)
		}
		return instances[i].ID < instances[j].ID
	})
	for _, instance := range instances {
		if err := r.RegisterInstance(ctx, instance); err != nil {
			return err
		}
	}
	return nil
}
