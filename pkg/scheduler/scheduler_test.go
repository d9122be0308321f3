package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/fenwicklabs/testkiln/pkg/config"
	"github.com/fenwicklabs/testkiln/pkg/persistence"
	"github.com/fenwicklabs/testkiln/pkg/queue"
	"github.com/fenwicklabs/testkiln/pkg/resource"
	"github.com/fenwicklabs/testkiln/pkg/runnerregistry"
	"github.com/fenwicklabs/testkiln/pkg/status"
	"github.com/fenwicklabs/testkiln/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedRunner is a fake runner.Runner whose behavior is fixed up
// front, letting tests drive the scheduler's dispatch logic without a
// real containerd/VM/physical backend.
type scriptedRunner struct {
	prepareErr error
	executeErr error
	result     *types.TestResult
}

func (r *scriptedRunner) Prepare(ctx context.Context, env *types.Environment, test *types.TestCase) error {
	return r.prepareErr
}
func (r *scriptedRunner) Execute(ctx context.Context, env *types.Environment, test *types.TestCase) (*types.TestResult, error) {
	if r.executeErr != nil {
		return nil, r.executeErr
	}
	res := *r.result
	return &res, nil
}
func (r *scriptedRunner) Cancel(ctx context.Context, env *types.Environment, test *types.TestCase) error {
	return nil
}
func (r *scriptedRunner) CollectArtifacts(ctx context.Context, env *types.Environment, test *types.TestCase) ([]types.ArtifactRef, error) {
	return nil, nil
}
func (r *scriptedRunner) Reset(ctx context.Context, env *types.Environment) error { return nil }

// blockingRunner simulates a runner whose Execute is genuinely in
// flight: it blocks until the dispatch ctx is cancelled, then reports
// its outcome the way a real backend does post-cancellation-fix, by
// reflecting ctx.Err() in the returned result rather than an error.
type blockingRunner struct {
	executing chan struct{}
}

func (r *blockingRunner) Prepare(ctx context.Context, env *types.Environment, test *types.TestCase) error {
	return nil
}
func (r *blockingRunner) Execute(ctx context.Context, env *types.Environment, test *types.TestCase) (*types.TestResult, error) {
	close(r.executing)
	<-ctx.Done()
	status := types.StatusFailed
	if ctx.Err() == context.Canceled {
		status = types.StatusCancelled
	}
	return &types.TestResult{TestID: test.ID, Status: status, StartedAt: time.Now(), EndedAt: time.Now()}, nil
}
func (r *blockingRunner) Cancel(ctx context.Context, env *types.Environment, test *types.TestCase) error {
	return nil
}
func (r *blockingRunner) CollectArtifacts(ctx context.Context, env *types.Environment, test *types.TestCase) ([]types.ArtifactRef, error) {
	return nil, nil
}
func (r *blockingRunner) Reset(ctx context.Context, env *types.Environment) error { return nil }

type harness struct {
	store   persistence.Store
	cfg     config.Config
	tracker *status.Tracker
	rm      *resource.Manager
	queue   *queue.PriorityQueue
	monitor *queue.Monitor
	reg     *runnerregistry.Registry
	sched   *Scheduler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := persistence.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.Default()
	tracker := status.New(store)
	rm, err := resource.NewManager(store, cfg, 16)
	require.NoError(t, err)
	require.NoError(t, rm.AddEnvironment(&types.Environment{
		ID:           "env-1",
		Type:         types.EnvTypeContainer,
		Architecture: "amd64",
		Capacity:     types.Capacity{MemoryBytes: 4 << 30, CPUCores: 2},
		Status:       types.EnvReady,
		CostClass:    types.CostClassFree,
	}))

	q := queue.New()
	mon := queue.NewMonitor(store, q, tracker, time.Hour)
	reg := runnerregistry.New()
	sched := New(q, mon, rm, tracker, reg, store, cfg)

	return &harness{store: store, cfg: cfg, tracker: tracker, rm: rm, queue: q, monitor: mon, reg: reg, sched: sched}
}

// seedPlan stores a single-test plan and returns the matching
// AllocationRequest the caller can push onto the queue or hand
// straight to dispatch.
func (h *harness) seedPlan(t *testing.T, testID string, testType types.TestType) *types.AllocationRequest {
	t.Helper()
	test := &types.TestCase{ID: testID, TestType: testType, Script: []byte("#!/bin/sh\necho ok\n")}
	plan := &types.ExecutionPlan{
		ID:          "plan-" + testID,
		TestIDs:     []string{testID},
		Tests:       map[string]*types.TestCase{testID: test},
		Priority:    5,
		SubmittedAt: time.Now(),
	}
	require.NoError(t, h.store.PutPlan(plan))
	h.tracker.MarkQueued(testID)
	return &types.AllocationRequest{
		TestID:       testID,
		PlanID:       plan.ID,
		Requirements: types.HardwareRequirements{Architecture: "amd64"},
		Priority:     plan.Priority,
		SubmittedAt:  plan.SubmittedAt,
		Status:       types.StatusPending,
		Attempt:      1,
	}
}

func TestDispatchRunsSuccessfulTestToCompletion(t *testing.T) {
	h := newHarness(t)
	req := h.seedPlan(t, "t1", types.TestTypeUnit)
	h.reg.Register(types.EnvTypeContainer, &scriptedRunner{
		result: &types.TestResult{TestID: "t1", Status: types.StatusCompleted, ExitCode: 0, StartedAt: time.Now(), EndedAt: time.Now()},
	})

	h.sched.dispatch(req)

	status, ok := h.tracker.Status("t1")
	require.True(t, ok)
	assert.Equal(t, types.StatusCompleted, status)

	result, err := h.store.GetResult("t1", 1)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, result.Status)

	// the environment must be back in the pool, ready for reuse
	assert.Len(t, h.rm.AvailableShapes(), 1)
}

func TestDispatchRetriesOnEnvironmentFailureWithoutGettingStuckTerminal(t *testing.T) {
	h := newHarness(t) // config.Default() has RetryOnEnvFailure=true
	req := h.seedPlan(t, "t1", types.TestTypeUnit)
	h.reg.Register(types.EnvTypeContainer, &scriptedRunner{executeErr: assertError{"backend unreachable"}})

	h.sched.dispatch(req)

	// attempt 1 failed, but a retry was queued: the tracker must not be
	// stuck showing a terminal FAILED status for the overall test.
	status, ok := h.tracker.Status("t1")
	require.True(t, ok)
	assert.Equal(t, types.StatusPending, status, "a retried test must not be left showing a terminal status")

	firstResult, err := h.store.GetResult("t1", 1)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, firstResult.Status)

	assert.Equal(t, 1, h.queue.Len(), "the retried attempt must be back on the queue")
	retried := h.queue.PeekNext()
	require.NotNil(t, retried)
	assert.Equal(t, 2, retried.Attempt)
}

func TestDispatchGivesUpAfterRetryBudgetExhausted(t *testing.T) {
	h := newHarness(t)
	req := h.seedPlan(t, "t1", types.TestTypeUnit)
	req.Attempt = 2 // already on its final attempt
	h.reg.Register(types.EnvTypeContainer, &scriptedRunner{executeErr: assertError{"backend unreachable"}})

	h.sched.dispatch(req)

	status, ok := h.tracker.Status("t1")
	require.True(t, ok)
	assert.Equal(t, types.StatusFailed, status)
	assert.Equal(t, 0, h.queue.Len(), "no further retry once the attempt budget is exhausted")
}

func TestDispatchFailsUnsatisfiableRequestOutright(t *testing.T) {
	h := newHarness(t)
	req := h.seedPlan(t, "t1", types.TestTypeUnit)
	req.Requirements = types.HardwareRequirements{Architecture: "riscv64"}

	h.sched.dispatch(req)

	status, ok := h.tracker.Status("t1")
	require.True(t, ok)
	assert.Equal(t, types.StatusFailed, status)

	result, err := h.store.GetResult("t1", 1)
	require.NoError(t, err)
	assert.Equal(t, types.FailureClassUnsatisfiable, result.FailureClass)
}

func TestCancelOfRunningRequestPersistsCancelledResult(t *testing.T) {
	h := newHarness(t)
	req := h.seedPlan(t, "t1", types.TestTypeUnit)
	runner := &blockingRunner{executing: make(chan struct{})}
	h.reg.Register(types.EnvTypeContainer, runner)

	dispatchDone := make(chan struct{})
	go func() {
		h.sched.dispatch(req)
		close(dispatchDone)
	}()

	<-runner.executing
	require.NoError(t, h.sched.Cancel("t1"))
	<-dispatchDone

	status, ok := h.tracker.Status("t1")
	require.True(t, ok)
	assert.Equal(t, types.StatusCancelled, status)

	result, err := h.store.GetResult("t1", 1)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, result.Status, "the persisted result must match the tracker's CANCELLED view, not a stale COMPLETED/FAILED from the exit-code path")
}

func TestCancelPendingRequestRemovesFromQueue(t *testing.T) {
	h := newHarness(t)
	req := h.seedPlan(t, "t1", types.TestTypeUnit)
	h.queue.Push(req)

	require.NoError(t, h.sched.Cancel("t1"))
	assert.Equal(t, 0, h.queue.Len())

	status, ok := h.tracker.Status("t1")
	require.True(t, ok)
	assert.Equal(t, types.StatusCancelled, status)
}

func TestCancelUnknownTestReturnsError(t *testing.T) {
	h := newHarness(t)
	err := h.sched.Cancel("no-such-test")
	assert.Error(t, err)
}

// assertError is a minimal error value for scriptedRunner without
// pulling in errors.New at every call site.
type assertError struct{ msg string }

func (e assertError) Error() string { return e.msg }
