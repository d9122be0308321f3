package queue

import (
	"testing"
	"time"

	"github.com/fenwicklabs/testkiln/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func req(testID string, priority int, submittedAt time.Time) *types.AllocationRequest {
	return &types.AllocationRequest{
		TestID:      testID,
		Priority:    priority,
		SubmittedAt: submittedAt,
		Status:      types.StatusPending,
	}
}

func alwaysReady(*types.AllocationRequest) bool { return true }

func TestPopReadyOrdersByPriorityThenFIFO(t *testing.T) {
	base := time.Now()
	q := New()

	q.Push(req("low", 1, base))
	q.Push(req("high", 5, base.Add(time.Second))) // later submission, higher priority
	q.Push(req("mid", 3, base))

	first := q.PopReady(alwaysReady)
	require.NotNil(t, first)
	assert.Equal(t, "high", first.TestID)

	second := q.PopReady(alwaysReady)
	require.NotNil(t, second)
	assert.Equal(t, "mid", second.TestID)

	third := q.PopReady(alwaysReady)
	require.NotNil(t, third)
	assert.Equal(t, "low", third.TestID)

	assert.Nil(t, q.PopReady(alwaysReady))
}

func TestPopReadyFIFOWithinEqualPriority(t *testing.T) {
	base := time.Now()
	q := New()

	q.Push(req("first", 5, base))
	q.Push(req("second", 5, base.Add(time.Millisecond)))
	q.Push(req("third", 5, base.Add(2*time.Millisecond)))

	assert.Equal(t, "first", q.PopReady(alwaysReady).TestID)
	assert.Equal(t, "second", q.PopReady(alwaysReady).TestID)
	assert.Equal(t, "third", q.PopReady(alwaysReady).TestID)
}

func TestPopReadySkipsUnsatisfiableHeadOfLine(t *testing.T) {
	base := time.Now()
	q := New()

	q.Push(req("unsatisfiable-top", 10, base))
	q.Push(req("satisfiable", 1, base))

	filter := func(r *types.AllocationRequest) bool {
		return r.TestID == "satisfiable"
	}

	got := q.PopReady(filter)
	require.NotNil(t, got)
	assert.Equal(t, "satisfiable", got.TestID)
	assert.Equal(t, 1, q.Len(), "unsatisfiable request must remain queued")
}

func TestCancelRemovesPendingRequest(t *testing.T) {
	q := New()
	q.Push(req("a", 1, time.Now()))
	q.Push(req("b", 1, time.Now()))

	assert.True(t, q.Cancel("a"))
	assert.False(t, q.Cancel("a"), "cancelling twice should report not-found")
	assert.Equal(t, 1, q.Len())

	remaining := q.PopReady(alwaysReady)
	require.NotNil(t, remaining)
	assert.Equal(t, "b", remaining.TestID)
}

func TestPushPreservesSuppliedInsertionSeqOnRequeue(t *testing.T) {
	base := time.Now()
	q := New()
	q.Push(req("a", 1, base)) // assigned insertion_seq 1
	q.Push(req("b", 1, base)) // assigned insertion_seq 2

	// Simulates a request that failed its environment and is requeued
	// with its original insertion_seq preserved, tying it with "a" on
	// both priority and submitted_at.
	requeued := &types.AllocationRequest{TestID: "c", Priority: 1, SubmittedAt: base, InsertionSeq: 1}
	q.Push(requeued)

	first := q.PeekNext()
	require.NotNil(t, first)
	assert.Equal(t, "a", first.TestID, "original insertion_seq=1 holder keeps its FIFO position over the requeue")
}
