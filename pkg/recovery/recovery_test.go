package recovery

import (
	"testing"
	"time"

	"github.com/fenwicklabs/testkiln/pkg/config"
	"github.com/fenwicklabs/testkiln/pkg/persistence"
	"github.com/fenwicklabs/testkiln/pkg/queue"
	"github.com/fenwicklabs/testkiln/pkg/resource"
	"github.com/fenwicklabs/testkiln/pkg/status"
	"github.com/fenwicklabs/testkiln/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCoordinator(t *testing.T) (*Coordinator, persistence.Store, *queue.PriorityQueue, *status.Tracker) {
	t.Helper()
	store, err := persistence.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	tracker := status.New(store)
	rm, err := resource.NewManager(store, config.Default(), 16)
	require.NoError(t, err)
	q := queue.New()
	mon := queue.NewMonitor(store, q, tracker, time.Hour)

	return New(store, mon, rm, tracker), store, q, tracker
}

func TestRunForcesEnvironmentsBackToProvisioning(t *testing.T) {
	coord, store, _, _ := newCoordinator(t)
	require.NoError(t, store.PutEnvironment(&types.Environment{
		ID: "env-1", Type: types.EnvTypeContainer, Status: types.EnvReady, AssignedTest: "stale-test",
	}))

	require.NoError(t, coord.Run())

	envs, err := store.ListEnvironments()
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, types.EnvProvisioning, envs[0].Status)
	assert.Empty(t, envs[0].AssignedTest)
}

func TestRunReplaysTerminalResultsIntoTracker(t *testing.T) {
	coord, store, _, tracker := newCoordinator(t)
	require.NoError(t, store.PutResult(&types.TestResult{TestID: "t1", Attempt: 1, Status: types.StatusCompleted}))

	require.NoError(t, coord.Run())

	got, ok := tracker.Status("t1")
	require.True(t, ok)
	assert.Equal(t, types.StatusCompleted, got)
}

func TestRunReplayIsIdempotentAcrossTwoRuns(t *testing.T) {
	coord, store, _, tracker := newCoordinator(t)
	require.NoError(t, store.PutResult(&types.TestResult{TestID: "t1", Attempt: 1, Status: types.StatusFailed}))

	require.NoError(t, coord.Run())
	require.NoError(t, coord.Run())

	snap := tracker.Snapshot()
	assert.EqualValues(t, 1, snap.FailedCount, "replaying the same terminal result twice must not double-count it")
}

func TestRunRehydratesOnlyTheWinningAttempt(t *testing.T) {
	coord, store, _, tracker := newCoordinator(t)
	require.NoError(t, store.PutResult(&types.TestResult{TestID: "t1", Attempt: 1, Status: types.StatusFailed}))
	require.NoError(t, store.PutResult(&types.TestResult{TestID: "t1", Attempt: 2, Status: types.StatusCompleted}))

	require.NoError(t, coord.Run())

	got, ok := tracker.Status("t1")
	require.True(t, ok)
	assert.Equal(t, types.StatusCompleted, got, "a test retried to a successful final attempt must not rehydrate as its superseded failed attempt")

	snap := tracker.Snapshot()
	assert.EqualValues(t, 1, snap.CompletedCount)
	assert.EqualValues(t, 0, snap.FailedCount)
}

func TestRunRequeuesOrphanedRunningRequest(t *testing.T) {
	coord, store, q, tracker := newCoordinator(t)

	plan := &types.ExecutionPlan{
		ID:      "plan-1",
		TestIDs: []string{"t1"},
		Tests: map[string]*types.TestCase{
			"t1": {ID: "t1", TestType: types.TestTypeUnit, HardwareRequirements: types.HardwareRequirements{Architecture: "amd64"}},
		},
		Priority:    7,
		SubmittedAt: time.Now(),
	}
	require.NoError(t, store.PutPlan(plan))
	require.NoError(t, store.PutEnvironment(&types.Environment{ID: "env-1", Type: types.EnvTypeContainer, Status: types.EnvAllocated}))

	_, err := store.AppendEvent(persistence.Event{Type: persistence.EventPlanSubmitted, PlanID: "plan-1"})
	require.NoError(t, err)
	_, err = store.AppendEvent(persistence.Event{Type: persistence.EventRequestEnqueued, TestID: "t1", PlanID: "plan-1", Attempt: 1})
	require.NoError(t, err)
	_, err = store.AppendEvent(persistence.Event{Type: persistence.EventRequestRunning, TestID: "t1", PlanID: "plan-1", Attempt: 1})
	require.NoError(t, err)
	// no request_terminal event: the process crashed mid-run

	require.NoError(t, coord.Run())

	assert.Equal(t, 1, q.Len(), "an orphaned RUNNING request must be requeued")
	requeued := q.PeekNext()
	require.NotNil(t, requeued)
	assert.Equal(t, "t1", requeued.TestID)
	assert.Equal(t, 2, requeued.Attempt)
	assert.Equal(t, 7, requeued.Priority)

	gotStatus, ok := tracker.Status("t1")
	require.True(t, ok)
	assert.Equal(t, types.StatusPending, gotStatus)
}

func TestRunDoesNotRequeueTestWithTerminalEvent(t *testing.T) {
	coord, store, q, _ := newCoordinator(t)

	plan := &types.ExecutionPlan{
		ID:          "plan-1",
		TestIDs:     []string{"t1"},
		Tests:       map[string]*types.TestCase{"t1": {ID: "t1", TestType: types.TestTypeUnit}},
		Priority:    1,
		SubmittedAt: time.Now(),
	}
	require.NoError(t, store.PutPlan(plan))

	_, err := store.AppendEvent(persistence.Event{Type: persistence.EventRequestEnqueued, TestID: "t1", PlanID: "plan-1", Attempt: 1})
	require.NoError(t, err)
	_, err = store.AppendEvent(persistence.Event{Type: persistence.EventRequestRunning, TestID: "t1", PlanID: "plan-1", Attempt: 1})
	require.NoError(t, err)
	_, err = store.AppendEvent(persistence.Event{Type: persistence.EventRequestTerminal, TestID: "t1", Attempt: 1})
	require.NoError(t, err)

	require.NoError(t, coord.Run())

	assert.Equal(t, 0, q.Len(), "a request whose run actually finished must not be requeued")
}
