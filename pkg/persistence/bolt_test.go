package persistence

import (
	"testing"
	"time"

	"github.com/fenwicklabs/testkiln/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAppendEventAssignsMonotonicSequence(t *testing.T) {
	store := newStore(t)

	seq1, err := store.AppendEvent(Event{Type: EventPlanSubmitted, PlanID: "p1"})
	require.NoError(t, err)
	seq2, err := store.AppendEvent(Event{Type: EventRequestEnqueued, TestID: "t1"})
	require.NoError(t, err)

	assert.Less(t, seq1, seq2)

	events, err := store.ListEvents()
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventPlanSubmitted, events[0].Type)
	assert.Equal(t, EventRequestEnqueued, events[1].Type)
}

func TestPutResultIsIdempotent(t *testing.T) {
	store := newStore(t)

	result := &types.TestResult{TestID: "t1", Attempt: 1, Status: types.StatusCompleted, ExitCode: 0}
	require.NoError(t, store.PutResult(result))
	require.NoError(t, store.PutResult(result)) // repeat write, same key+content

	got, err := store.GetResult("t1", 1)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, got.Status)
	assert.Equal(t, 0, got.ExitCode)

	results, err := store.ListResults()
	require.NoError(t, err)
	assert.Len(t, results, 1, "repeated PutResult for the same (test_id, attempt) must not create duplicates")
}

func TestPutResultDistinguishesAttempts(t *testing.T) {
	store := newStore(t)

	require.NoError(t, store.PutResult(&types.TestResult{TestID: "t1", Attempt: 1, Status: types.StatusFailed}))
	require.NoError(t, store.PutResult(&types.TestResult{TestID: "t1", Attempt: 2, Status: types.StatusCompleted}))

	first, err := store.GetResult("t1", 1)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, first.Status)

	second, err := store.GetResult("t1", 2)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, second.Status)
}

func TestGetLatestResultResolvesHighestAttempt(t *testing.T) {
	store := newStore(t)

	require.NoError(t, store.PutResult(&types.TestResult{TestID: "t1", Attempt: 1, Status: types.StatusFailed}))
	require.NoError(t, store.PutResult(&types.TestResult{TestID: "t1", Attempt: 2, Status: types.StatusCompleted}))
	require.NoError(t, store.PutResult(&types.TestResult{TestID: "t2", Attempt: 1, Status: types.StatusCompleted}))

	got, err := store.GetLatestResult("t1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempt)
	assert.Equal(t, types.StatusCompleted, got.Status)

	other, err := store.GetLatestResult("t2")
	require.NoError(t, err)
	assert.Equal(t, 1, other.Attempt)
}

func TestGetLatestResultMissingReturnsError(t *testing.T) {
	store := newStore(t)
	_, err := store.GetLatestResult("no-such-test")
	assert.Error(t, err)
}

func TestPlanRoundTrip(t *testing.T) {
	store := newStore(t)

	plan := &types.ExecutionPlan{
		ID:          "plan-1",
		TestIDs:     []string{"t1"},
		Tests:       map[string]*types.TestCase{"t1": {ID: "t1", TestType: types.TestTypeUnit}},
		Priority:    5,
		SubmittedAt: time.Now(),
	}
	require.NoError(t, store.PutPlan(plan))

	got, err := store.GetPlan("plan-1")
	require.NoError(t, err)
	assert.Equal(t, plan.Priority, got.Priority)
	assert.Equal(t, plan.TestIDs, got.TestIDs)
}

func TestEnvironmentRoundTripAndDelete(t *testing.T) {
	store := newStore(t)

	env := &types.Environment{ID: "env-1", Type: types.EnvTypeContainer, Status: types.EnvReady}
	require.NoError(t, store.PutEnvironment(env))

	envs, err := store.ListEnvironments()
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, "env-1", envs[0].ID)

	require.NoError(t, store.DeleteEnvironment("env-1"))
	envs, err = store.ListEnvironments()
	require.NoError(t, err)
	assert.Len(t, envs, 0)
}
