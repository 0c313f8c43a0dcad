package balancer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viralforge/orchestrator/core"
)

func newTestRegistry(t *testing.T) (*Registry, *core.MemoryStore) {
	t.Helper()
	store := core.NewMemoryStore()
	return NewRegistry(store, "test", nil), store
}

func registerN(t *testing.T, r *Registry, agent string, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%s-%d", agent, i)
		err := r.RegisterInstance(context.Background(), AgentInstance{
			ID:        id,
			AgentName: agent,
			Host:      "127.0.0.1",
			Port:      9000 + i,
			Capacity:  10,
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func TestRegisterInstanceValidation(t *testing.T) {
	r, _ := newTestRegistry(t)

	err := r.RegisterInstance(context.Background(), AgentInstance{AgentName: "a"})
	assert.ErrorIs(t, err, core.ErrInvalidConfiguration)

	err = r.RegisterInstance(context.Background(), AgentInstance{ID: "i-1"})
	assert.ErrorIs(t, err, core.ErrInvalidConfiguration)
}

func TestRegisterInstanceDefaultsToHealthy(t *testing.T) {
	r, _ := newTestRegistry(t)
	registerN(t, r, "worker", 1)

	instances := r.ListInstances("worker")
	require.Len(t, instances, 1)
	assert.Equal(t, core.HealthHealthy, instances[0].Health)
	assert.False(t, instances[0].LastHealthCheck.IsZero())
}

func TestRegisterInstancePersists(t *testing.T) {
	r, store := newTestRegistry(t)
	registerN(t, r, "worker", 2)

	keys, err := store.Keys(context.Background(), "test:agent-instances:worker:*")
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}

func TestDeregisterAbsentInstanceIsNoOp(t *testing.T) {
	r, _ := newTestRegistry(t)
	registerN(t, r, "worker", 1)

	assert.NoError(t, r.DeregisterInstance(context.Background(), "worker", "ghost"))
	assert.NoError(t, r.DeregisterInstance(context.Background(), "ghost-agent", "ghost"))
	assert.Len(t, r.ListInstances("worker"), 1)
}

func TestRoundRobinVisitsAllInOrder(t *testing.T) {
	r, _ := newTestRegistry(t)
	ids := registerN(t, r, "worker", 3)

	var got []string
	for i := 0; i < 6; i++ {
		instance, err := r.SelectInstance("worker", RoundRobin, "")
		require.NoError(t, err)
		got = append(got, instance.ID)
	}
	assert.Equal(t, []string{ids[0], ids[1], ids[2], ids[0], ids[1], ids[2]}, got)
}

func TestLeastConnectionsPicksLowestLoad(t *testing.T) {
	r, _ := newTestRegistry(t)
	ids := registerN(t, r, "worker", 3)

	ctx := context.Background()
	require.NoError(t, r.UpdateLoad(ctx, "worker", ids[0], 5))
	require.NoError(t, r.UpdateLoad(ctx, "worker", ids[1], 2))
	require.NoError(t, r.UpdateLoad(ctx, "worker", ids[2], 8))

	instance, err := r.SelectInstance("worker", LeastConnections, "")
	require.NoError(t, err)
	assert.Equal(t, ids[1], instance.ID)
}

func TestLeastConnectionsTieBreaksByRegistrationOrder(t *testing.T) {
	r, _ := newTestRegistry(t)
	ids := registerN(t, r, "worker", 3)

	instance, err := r.SelectInstance("worker", LeastConnections, "")
	require.NoError(t, err)
	assert.Equal(t, ids[0], instance.ID)
}

func TestWeightedRoundRobinCycleIsDeterministic(t *testing.T) {
	r, _ := newTestRegistry(t)
	ids := registerN(t, r, "worker", 2)
	r.SetWeights("worker", map[string]int{ids[0]: 2, ids[1]: 1})

	var got []string
	for i := 0; i < 6; i++ {
		instance, err := r.SelectInstance("worker", WeightedRoundRobin, "")
		require.NoError(t, err)
		got = append(got, instance.ID)
	}
	assert.Equal(t, []string{ids[0], ids[0], ids[1], ids[0], ids[0], ids[1]}, got)
}

func TestWeightedRoundRobinIgnoresInvalidWeights(t *testing.T) {
	r, _ := newTestRegistry(t)
	ids := registerN(t, r, "worker", 2)
	r.SetWeights("worker", map[string]int{ids[0]: 0, ids[1]: -3})

	seen := make(map[string]int)
	for i := 0; i < 4; i++ {
		instance, err := r.SelectInstance("worker", WeightedRoundRobin, "")
		require.NoError(t, err)
		seen[instance.ID]++
	}
	assert.Equal(t, 2, seen[ids[0]])
	assert.Equal(t, 2, seen[ids[1]])
}

func TestIPHashIsStickyPerClient(t *testing.T) {
	r, _ := newTestRegistry(t)
	registerN(t, r, "worker", 3)

	first, err := r.SelectInstance("worker", IPHash, "client-42")
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		instance, err := r.SelectInstance("worker", IPHash, "client-42")
		require.NoError(t, err)
		assert.Equal(t, first.ID, instance.ID)
	}
}

func TestIPHashRemapsWhenHealthySetShrinks(t *testing.T) {
	r, _ := newTestRegistry(t)
	ids := registerN(t, r, "worker", 3)

	first, err := r.SelectInstance("worker", IPHash, "client-42")
	require.NoError(t, err)

	require.NoError(t, r.DeregisterInstance(context.Background(), "worker", first.ID))

	second, err := r.SelectInstance("worker", IPHash, "client-42")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Contains(t, ids, second.ID)

	// Sticky again against the new healthy set.
	third, err := r.SelectInstance("worker", IPHash, "client-42")
	require.NoError(t, err)
	assert.Equal(t, second.ID, third.ID)
}

func TestSelectInstanceZeroHealthyIsRegularOutcome(t *testing.T) {
	r, _ := newTestRegistry(t)
	ids := registerN(t, r, "worker", 2)

	ctx := context.Background()
	for _, id := range ids {
		require.NoError(t, r.SetMaintenance(ctx, "worker", id, true))
	}

	_, err := r.SelectInstance("worker", RoundRobin, "")
	assert.ErrorIs(t, err, core.ErrNoHealthyInstances)
}

func TestSelectInstanceUnknownAgent(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.SelectInstance("nobody", RoundRobin, "")
	assert.ErrorIs(t, err, core.ErrAgentNotFound)
}

func TestSelectInstanceUnknownStrategy(t *testing.T) {
	r, _ := newTestRegistry(t)
	registerN(t, r, "worker", 1)
	_, err := r.SelectInstance("worker", Strategy("random"), "")
	assert.ErrorIs(t, err, core.ErrInvalidConfiguration)
}

func TestSelectionSkipsUnhealthyInstances(t *testing.T) {
	r, _ := newTestRegistry(t)
	ids := registerN(t, r, "worker", 3)
	r.SetProber(ProberFunc(func(ctx context.Context, instance *AgentInstance) bool {
		return instance.ID != ids[1]
	}))

	healthy, err := r.PerformHealthCheck(context.Background(), "worker")
	require.NoError(t, err)
	assert.Equal(t, 2, healthy)

	for i := 0; i < 4; i++ {
		instance, err := r.SelectInstance("worker", RoundRobin, "")
		require.NoError(t, err)
		assert.NotEqual(t, ids[1], instance.ID)
	}
}

func TestLoadCountersNeverGoNegative(t *testing.T) {
	r, _ := newTestRegistry(t)
	ids := registerN(t, r, "worker", 1)

	load, err := r.DecrementLoad("worker", ids[0])
	require.NoError(t, err)
	assert.Equal(t, int64(0), load)

	load, err = r.IncrementLoad("worker", ids[0])
	require.NoError(t, err)
	assert.Equal(t, int64(1), load)

	load, err = r.DecrementLoad("worker", ids[0])
	require.NoError(t, err)
	assert.Equal(t, int64(0), load)

	require.NoError(t, r.UpdateLoad(context.Background(), "worker", ids[0], -7))
	instances := r.ListInstances("worker")
	assert.Equal(t, int64(0), instances[0].Load)
}

func TestLoadOpsOnUnknownInstance(t *testing.T) {
	r, _ := newTestRegistry(t)
	registerN(t, r, "worker", 1)

	_, err := r.IncrementLoad("worker", "ghost")
	assert.ErrorIs(t, err, core.ErrInstanceNotFound)
	_, err = r.DecrementLoad("nobody", "ghost")
	assert.ErrorIs(t, err, core.ErrAgentNotFound)
}

func TestHealthCheckSkipsMaintenance(t *testing.T) {
	r, _ := newTestRegistry(t)
	ids := registerN(t, r, "worker", 2)
	require.NoError(t, r.SetMaintenance(context.Background(), "worker", ids[0], true))

	r.SetProber(ProberFunc(func(ctx context.Context, instance *AgentInstance) bool {
		return true
	}))
	healthy, err := r.PerformHealthCheck(context.Background(), "worker")
	require.NoError(t, err)
	assert.Equal(t, 1, healthy)

	instances := r.ListInstances("worker")
	assert.Equal(t, core.HealthMaintenance, instances[0].Health)
}

func TestHealthCheckEvictsStaleInstances(t *testing.T) {
	store := core.NewMemoryStore()
	r := NewRegistry(store, "test", nil, WithStaleThreshold(time.Millisecond))

	require.NoError(t, r.RegisterInstance(context.Background(), AgentInstance{
		ID:              "w-0",
		AgentName:       "worker",
		Host:            "127.0.0.1",
		Port:            9000,
		LastHealthCheck: time.Now().Add(-time.Minute),
	}))
	r.SetProber(ProberFunc(func(ctx context.Context, instance *AgentInstance) bool {
		return false
	}))

	healthy, err := r.PerformHealthCheck(context.Background(), "worker")
	require.NoError(t, err)
	assert.Equal(t, 0, healthy)
	assert.Empty(t, r.ListInstances("worker"))

	keys, err := store.Keys(context.Background(), "test:agent-instances:*:*")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestHealthCheckWithoutProber(t *testing.T) {
	r, _ := newTestRegistry(t)
	registerN(t, r, "worker", 1)
	_, err := r.PerformHealthCheck(context.Background(), "worker")
	assert.ErrorIs(t, err, core.ErrMissingConfiguration)
}

func TestMaintenanceExitRequiresHealthCheck(t *testing.T) {
	r, _ := newTestRegistry(t)
	ids := registerN(t, r, "worker", 1)

	ctx := context.Background()
	require.NoError(t, r.SetMaintenance(ctx, "worker", ids[0], true))
	require.NoError(t, r.SetMaintenance(ctx, "worker", ids[0], false))

	// Still out of rotation until a probe confirms it.
	_, err := r.SelectInstance("worker", RoundRobin, "")
	assert.ErrorIs(t, err, core.ErrNoHealthyInstances)

	r.SetProber(ProberFunc(func(ctx context.Context, instance *AgentInstance) bool {
		return true
	}))
	_, err = r.PerformHealthCheck(ctx, "worker")
	require.NoError(t, err)

	instance, err := r.SelectInstance("worker", RoundRobin, "")
	require.NoError(t, err)
	assert.Equal(t, ids[0], instance.ID)
}

func TestRestoreRebuildsRegistrationOrder(t *testing.T) {
	store := core.NewMemoryStore()
	first := NewRegistry(store, "test", nil)

	// Ids chosen so lexical key order differs from registration order.
	base := time.Now()
	ids := []string{"zeta", "alpha", "mid"}
	for i, id := range ids {
		require.NoError(t, first.RegisterInstance(context.Background(), AgentInstance{
			ID:           id,
			AgentName:    "worker",
			Host:         "127.0.0.1",
			Port:         9000 + i,
			RegisteredAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	second := NewRegistry(store, "test", nil)
	require.NoError(t, second.Restore(context.Background()))

	instances := second.ListInstances("worker")
	require.Len(t, instances, 3)
	for i, instance := range instances {
		assert.Equal(t, ids[i], instance.ID)
	}

	// Round-robin resumes the original registration sequence.
	for _, want := range ids {
		got, err := second.SelectInstance("worker", RoundRobin, "")
		require.NoError(t, err)
		assert.Equal(t, want, got.ID)
	}
}

func TestAgentNamesSorted(t *testing.T) {
	r, _ := newTestRegistry(t)
	registerN(t, r, "zeta", 1)
	registerN(t, r, "alpha", 1)
	assert.Equal(t, []string{"alpha", "zeta"}, r.AgentNames())
}
