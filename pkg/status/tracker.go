// Package status implements the Status Tracker: the process-wide,
// concurrency-safe view of queued/active/completed/failed test counts
// and the per-test status map (spec.md §4.1).
package status

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/fenwicklabs/testkiln/pkg/log"
	"github.com/fenwicklabs/testkiln/pkg/persistence"
	"github.com/fenwicklabs/testkiln/pkg/types"
	"github.com/rs/zerolog"
)

// Tracker is the authoritative in-memory status store. All counter
// mutations are atomic; the per-test map is protected by a mutex
// separate from the counters, so Snapshot reads the counters without
// locking and holds the map's read lock only while copying it.
type Tracker struct {
	store  persistence.Store
	logger zerolog.Logger

	mu      sync.RWMutex
	perTest map[string]types.RequestStatus

	queued    atomic.Int64
	active    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	cancelled atomic.Int64
	timedOut  atomic.Int64
}

// New creates a Tracker backed by store for durable status transitions.
func New(store persistence.Store) *Tracker {
	return &Tracker{
		store:   store,
		logger:  log.WithComponent("status"),
		perTest: make(map[string]types.RequestStatus),
	}
}

// MarkQueued records a newly-accepted request as PENDING and bumps the
// queued counter. Called once per AllocationRequest by the queue
// monitor. A test already in a terminal state is left alone: recovery's
// replay path calls this before SetStatus for every stored result on
// every restart, and resetting a terminal test back to PENDING here
// would let SetStatus's own terminal guard never see the regression,
// double-counting the terminal bucket on each replay.
func (t *Tracker) MarkQueued(testID string) {
	t.mu.Lock()
	if old, ok := t.perTest[testID]; ok && old.Terminal() {
		t.mu.Unlock()
		return
	}
	t.perTest[testID] = types.StatusPending
	t.mu.Unlock()
	t.queued.Add(1)
}

// SetStatus applies a status transition. Writes to an already-terminal
// test are ignored (no regressions past a terminal state). When durable
// is true, the transition is appended to the persistence log before
// returning; callers that need a durability guarantee (the scheduler's
// RUNNING/terminal transitions) must pass durable=true and treat a
// returned error as "not durable" for recovery-accounting purposes,
// even though the in-memory update has already taken effect.
func (t *Tracker) SetStatus(testID string, newStatus types.RequestStatus, durable bool) error {
	t.mu.Lock()
	old, ok := t.perTest[testID]
	if ok && old.Terminal() {
		t.mu.Unlock()
		return nil // once terminal, further writes are no-ops
	}
	t.perTest[testID] = newStatus
	t.mu.Unlock()

	t.adjustCounters(old, newStatus, ok)

	if !durable {
		return nil
	}

	evType := persistence.EventRequestAllocated
	switch {
	case newStatus == types.StatusRunning:
		evType = persistence.EventRequestRunning
	case newStatus.Terminal():
		evType = persistence.EventRequestTerminal
	}

	_, err := t.store.AppendEvent(persistence.Event{
		Timestamp: time.Now(),
		Type:      evType,
		TestID:    testID,
		Status:    string(newStatus),
	})
	if err != nil {
		t.logger.Error().Err(err).Str("test_id", testID).Str("status", string(newStatus)).
			Msg("status transition not durable")
	}
	return err
}

// adjustCounters moves a test between the queued/active/terminal
// buckets based on the prior and new status.
func (t *Tracker) adjustCounters(old, newStatus types.RequestStatus, hadOld bool) {
	// Leaving the queued bucket.
	if (!hadOld || old == types.StatusPending) && newStatus != types.StatusPending {
		if hadOld {
			t.queued.Add(-1)
		}
	}

	switch newStatus {
	case types.StatusRunning:
		t.active.Add(1)
	case types.StatusCompleted:
		t.leaveActive(old)
		t.completed.Add(1)
	case types.StatusFailed:
		t.leaveActive(old)
		t.failed.Add(1)
	case types.StatusTimeout:
		t.leaveActive(old)
		t.timedOut.Add(1)
	case types.StatusCancelled:
		t.leaveActive(old)
		t.cancelled.Add(1)
	case types.StatusPending:
		// A new test, or one sent back to the queue (e.g. a RUNNING test
		// requeued for retry), re-enters the queued bucket.
		t.leaveActive(old)
		if !hadOld || old != types.StatusPending {
			t.queued.Add(1)
		}
	}
}

func (t *Tracker) leaveActive(old types.RequestStatus) {
	if old == types.StatusRunning {
		t.active.Add(-1)
	}
}

// IncrementActive and DecrementActive exist for callers that manage the
// active count directly (e.g. manual test harnesses); normal dispatch
// flow goes through SetStatus.
func (t *Tracker) IncrementActive() { t.active.Add(1) }
func (t *Tracker) DecrementActive() {
	for {
		cur := t.active.Load()
		if cur <= 0 {
			return
		}
		if t.active.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// Snapshot returns a non-blocking, eventually-consistent read of the
// current counters and per-test map.
func (t *Tracker) Snapshot() types.StatusSnapshot {
	t.mu.RLock()
	perTest := make(map[string]types.RequestStatus, len(t.perTest))
	for k, v := range t.perTest {
		perTest[k] = v
	}
	t.mu.RUnlock()

	return types.StatusSnapshot{
		ActiveCount:    t.active.Load(),
		QueuedCount:    t.queued.Load(),
		CompletedCount: t.completed.Load(),
		FailedCount:    t.failed.Load(),
		CancelledCount: t.cancelled.Load(),
		TimedOutCount:  t.timedOut.Load(),
		PerTestStatus:  perTest,
	}
}

// Status returns the current status of a single test, or false if
// unknown.
func (t *Tracker) Status(testID string) (types.RequestStatus, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.perTest[testID]
	return s, ok
}
