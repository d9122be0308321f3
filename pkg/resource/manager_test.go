package resource

import (
	"testing"
	"time"

	"github.com/fenwicklabs/testkiln/pkg/config"
	"github.com/fenwicklabs/testkiln/pkg/persistence"
	"github.com/fenwicklabs/testkiln/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	store, err := persistence.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	m, err := NewManager(store, config.Default(), 16)
	require.NoError(t, err)
	return m
}

func readyEnv(id string, memBytes int64, cores float64) *types.Environment {
	return &types.Environment{
		ID:           id,
		Type:         types.EnvTypeContainer,
		Architecture: "amd64",
		Capacity:     types.Capacity{MemoryBytes: memBytes, CPUCores: cores},
		Status:       types.EnvReady,
		CostClass:    types.CostClassFree,
	}
}

func TestTryAllocatePicksBestFitBySmallestCapacity(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.AddEnvironment(readyEnv("big", 8<<30, 4)))
	require.NoError(t, m.AddEnvironment(readyEnv("small", 2<<30, 1)))

	handle, err := m.TryAllocate("t1", types.HardwareRequirements{Architecture: "amd64", MinMemoryBytes: 1 << 30, MinCPUCores: 0.5})
	require.NoError(t, err)
	assert.Equal(t, "small", handle.EnvID, "best fit should pick the smallest environment that still satisfies requirements")
}

func TestTryAllocateUnsatisfiableNowWhenOnlyBusy(t *testing.T) {
	m := newTestManager(t)
	env := readyEnv("e1", 4<<30, 2)
	env.Status = types.EnvBusy
	require.NoError(t, m.AddEnvironment(env))

	_, err := m.TryAllocate("t1", types.HardwareRequirements{Architecture: "amd64", MinMemoryBytes: 1 << 30})
	assert.ErrorIs(t, err, ErrUnsatisfiableNow)
}

func TestTryAllocateNoMatchEverWhenNoShapeCouldSatisfy(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.AddEnvironment(readyEnv("e1", 4<<30, 2)))

	_, err := m.TryAllocate("t1", types.HardwareRequirements{Architecture: "riscv64", MinMemoryBytes: 1 << 30})
	assert.ErrorIs(t, err, ErrNoMatchEver)
}

func TestTryAllocateRespectsIsolationLevel(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.AddEnvironment(readyEnv("container", 4<<30, 2)))

	_, err := m.TryAllocate("t1", types.HardwareRequirements{
		Architecture:   "amd64",
		MinMemoryBytes: 1 << 30,
		IsolationLevel: types.IsolationVM,
	})
	assert.ErrorIs(t, err, ErrNoMatchEver, "a container-class environment cannot satisfy a VM isolation requirement")
}

func TestReleaseReturnsEnvironmentToReady(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.AddEnvironment(readyEnv("e1", 4<<30, 2)))

	handle, err := m.TryAllocate("t1", types.HardwareRequirements{Architecture: "amd64"})
	require.NoError(t, err)
	require.NoError(t, m.Release(handle, OutcomeClean))

	shapes := m.AvailableShapes()
	assert.Len(t, shapes, 1)
}

func TestReleaseTwiceOnSameHandlePanics(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.AddEnvironment(readyEnv("e1", 4<<30, 2)))
	handle, err := m.TryAllocate("t1", types.HardwareRequirements{Architecture: "amd64"})
	require.NoError(t, err)
	require.NoError(t, m.Release(handle, OutcomeClean))

	assert.Panics(t, func() { m.Release(handle, OutcomeClean) })
}

func TestReleaseQuarantinesAfterResetFailureThreshold(t *testing.T) {
	m := newTestManager(t)
	cfg := config.Default()
	cfg.EnvResetFailureThreshold = 2
	m.cfg = cfg
	require.NoError(t, m.AddEnvironment(readyEnv("e1", 4<<30, 2)))

	for i := 0; i < 2; i++ {
		handle, err := m.TryAllocate("t1", types.HardwareRequirements{Architecture: "amd64"})
		require.NoError(t, err)
		require.NoError(t, m.Release(handle, OutcomeEnvFailure))
	}

	assert.True(t, m.Quarantined("e1"))
	env := m.List()[0]
	assert.Equal(t, types.EnvMaintenance, env.Status)
}

func TestMarkBusySetsStatusAndAssignedTest(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.AddEnvironment(readyEnv("e1", 4<<30, 2)))

	handle, err := m.TryAllocate("t1", types.HardwareRequirements{Architecture: "amd64"})
	require.NoError(t, err)
	assert.Equal(t, types.EnvAllocated, m.List()[0].Status, "allocation alone must not yet mark the environment BUSY")

	require.NoError(t, m.MarkBusy(handle))

	env := m.List()[0]
	assert.Equal(t, types.EnvBusy, env.Status)
	assert.Equal(t, "t1", env.AssignedTest)

	require.NoError(t, m.Release(handle, OutcomeClean))
	assert.Empty(t, m.List()[0].AssignedTest, "release must clear the assigned test")
}

func TestReportHealthUnhealthyQuarantines(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.AddEnvironment(readyEnv("e1", 4<<30, 2)))

	require.NoError(t, m.ReportHealth("e1", types.HealthUnhealthy, "probe failed"))
	assert.True(t, m.Quarantined("e1"))
}

func TestIdleReclaimOnlyAffectsBillableEnvironments(t *testing.T) {
	m := newTestManager(t)

	freeEnv := readyEnv("free", 4<<30, 2)
	freeEnv.LastUsedAt = time.Now().Add(-time.Hour)
	require.NoError(t, m.AddEnvironment(freeEnv))

	billableEnv := readyEnv("billable", 4<<30, 2)
	billableEnv.CostClass = types.CostClassBillable
	billableEnv.LastUsedAt = time.Now().Add(-time.Hour)
	require.NoError(t, m.AddEnvironment(billableEnv))

	m.cfg.EnvIdleReclaimSeconds = 1
	m.reclaimIdle()

	for _, env := range m.List() {
		switch env.ID {
		case "free":
			assert.Equal(t, types.EnvReady, env.Status, "container-class (free) environments are never idle-reclaimed")
		case "billable":
			assert.Equal(t, types.EnvOffline, env.Status, "billable environments idle past the threshold are reclaimed")
		}
	}
}
