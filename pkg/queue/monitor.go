package queue

import (
	"fmt"
	"sync"
	"time"

	"github.com/fenwicklabs/testkiln/pkg/log"
	"github.com/fenwicklabs/testkiln/pkg/metrics"
	"github.com/fenwicklabs/testkiln/pkg/persistence"
	"github.com/fenwicklabs/testkiln/pkg/status"
	"github.com/fenwicklabs/testkiln/pkg/types"
	"github.com/rs/zerolog"
)

// Monitor watches the persistence store for newly-submitted plans and
// expands each into AllocationRequests on the PriorityQueue. It is
// woken either by its poll ticker or by a direct Notify call from the
// submission path, so accepted plans don't wait a full poll interval
// before becoming schedulable (spec.md §4.2).
type Monitor struct {
	store   persistence.Store
	queue   *PriorityQueue
	tracker *status.Tracker
	logger  zerolog.Logger

	pollInterval time.Duration
	wakeCh       chan struct{}
	stopCh       chan struct{}

	mu   sync.Mutex
	seen map[string]struct{} // plan IDs already expanded
}

// NewMonitor creates a Monitor. pollInterval should come from
// config.Config.QueuePollInterval.
func NewMonitor(store persistence.Store, q *PriorityQueue, tracker *status.Tracker, pollInterval time.Duration) *Monitor {
	return &Monitor{
		store:        store,
		queue:        q,
		tracker:      tracker,
		logger:       log.WithComponent("queue-monitor"),
		pollInterval: pollInterval,
		wakeCh:       make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		seen:         make(map[string]struct{}),
	}
}

// Start begins the monitor's background loop.
func (m *Monitor) Start() {
	go m.run()
}

// Stop terminates the monitor's background loop.
func (m *Monitor) Stop() {
	close(m.stopCh)
}

// Notify wakes the monitor immediately rather than waiting for the next
// poll tick. Non-blocking: if a wake is already pending it is a no-op.
func (m *Monitor) Notify() {
	select {
	case m.wakeCh <- struct{}{}:
	default:
	}
}

// MarkSeen records a plan ID as already expanded, used by the recovery
// coordinator to avoid re-expanding plans whose requests were already
// durably enqueued before a restart.
func (m *Monitor) MarkSeen(planID string) {
	m.mu.Lock()
	m.seen[planID] = struct{}{}
	m.mu.Unlock()
}

func (m *Monitor) run() {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	m.logger.Info().Dur("interval", m.pollInterval).Msg("queue monitor started")

	for {
		select {
		case <-ticker.C:
			m.scan()
		case <-m.wakeCh:
			m.scan()
		case <-m.stopCh:
			m.logger.Info().Msg("queue monitor stopped")
			return
		}
	}
}

func (m *Monitor) scan() {
	events, err := m.store.ListEvents()
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to list events during queue scan")
		return
	}

	planIDs := make(map[string]struct{})
	for _, ev := range events {
		if ev.Type == persistence.EventPlanSubmitted {
			planIDs[ev.PlanID] = struct{}{}
		}
	}

	for planID := range planIDs {
		m.mu.Lock()
		_, already := m.seen[planID]
		if !already {
			m.seen[planID] = struct{}{}
		}
		m.mu.Unlock()
		if already {
			continue
		}

		plan, err := m.store.GetPlan(planID)
		if err != nil {
			m.logger.Error().Err(err).Str("plan_id", planID).Msg("plan referenced in log but missing from store")
			continue
		}
		m.expand(plan)
	}
}

// expand enqueues one AllocationRequest per test in the plan, in the
// plan's TestIDs order, preserving the plan's priority and a shared
// SubmittedAt so same-plan tests keep FIFO ordering relative to each
// other and to requests from other plans.
func (m *Monitor) expand(plan *types.ExecutionPlan) {
	for _, testID := range plan.TestIDs {
		test, ok := plan.Tests[testID]
		if !ok {
			m.logger.Error().Str("plan_id", plan.ID).Str("test_id", testID).
				Msg("plan references unknown test, skipping")
			continue
		}

		req := &types.AllocationRequest{
			TestID:       testID,
			PlanID:       plan.ID,
			Requirements: test.HardwareRequirements,
			Priority:     plan.Priority,
			SubmittedAt:  plan.SubmittedAt,
			Status:       types.StatusPending,
			Attempt:      1,
		}

		m.tracker.MarkQueued(testID)
		m.queue.Push(req)
		metrics.QueueDepth.Set(float64(m.queue.Len()))

		if _, err := m.store.AppendEvent(persistence.Event{
			Timestamp: time.Now(),
			Type:      persistence.EventRequestEnqueued,
			TestID:    testID,
			PlanID:    plan.ID,
		}); err != nil {
			m.logger.Error().Err(err).Str("test_id", testID).Msg("failed to durably record enqueue")
		}
	}

	m.logger.Info().Str("plan_id", plan.ID).Int("test_count", len(plan.TestIDs)).Msg("plan expanded onto queue")
}

// Requeue re-enqueues a request that failed its environment (not the
// test itself), preserving its original SubmittedAt/priority/insertion
// sequence so it re-enters the queue at its original FIFO position
// rather than the back of the line.
func (m *Monitor) Requeue(req *types.AllocationRequest) error {
	req.Status = types.StatusPending
	m.queue.Push(req)
	metrics.QueueDepth.Set(float64(m.queue.Len()))
	metrics.RecoveryRequeued.Inc()

	_, err := m.store.AppendEvent(persistence.Event{
		Timestamp: time.Now(),
		Type:      persistence.EventRequestEnqueued,
		TestID:    req.TestID,
		PlanID:    req.PlanID,
		Attempt:   req.Attempt,
	})
	if err != nil {
		return fmt.Errorf("failed to durably record requeue of %s: %w", req.TestID, err)
	}
	return nil
}
