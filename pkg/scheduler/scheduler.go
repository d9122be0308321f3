// Package scheduler implements the central dispatcher: it pulls ready
// allocation requests off the queue, matches them to environments,
// launches their runner, and records the outcome (spec.md §4.5).
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fenwicklabs/testkiln/pkg/config"
	"github.com/fenwicklabs/testkiln/pkg/log"
	"github.com/fenwicklabs/testkiln/pkg/metrics"
	"github.com/fenwicklabs/testkiln/pkg/persistence"
	"github.com/fenwicklabs/testkiln/pkg/queue"
	"github.com/fenwicklabs/testkiln/pkg/resource"
	"github.com/fenwicklabs/testkiln/pkg/runnerregistry"
	"github.com/fenwicklabs/testkiln/pkg/status"
	"github.com/fenwicklabs/testkiln/pkg/types"
	"github.com/rs/zerolog"
)

// Scheduler is the single dispatcher task described in spec.md §4.5:
// it owns no environment or queue state itself, only the loop that
// moves requests through try_allocate -> durable RUNNING -> launch ->
// durable terminal -> release -> signal availability.
type Scheduler struct {
	queue    *queue.PriorityQueue
	monitor  *queue.Monitor
	resource *resource.Manager
	tracker  *status.Tracker
	registry *runnerregistry.Registry
	store    persistence.Store
	cfg      config.Config
	logger   zerolog.Logger

	wakeCh chan struct{}
	stopCh chan struct{}

	mu       sync.Mutex
	inflight map[string]context.CancelFunc // testID -> cancel for its Execute context
}

// New creates a Scheduler wired to the pool of already-running
// components it dispatches across.
func New(q *queue.PriorityQueue, mon *queue.Monitor, rm *resource.Manager, tracker *status.Tracker, registry *runnerregistry.Registry, store persistence.Store, cfg config.Config) *Scheduler {
	return &Scheduler{
		queue:    q,
		monitor:  mon,
		resource: rm,
		tracker:  tracker,
		registry: registry,
		store:    store,
		cfg:      cfg,
		logger:   log.WithComponent("scheduler"),
		wakeCh:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		inflight: make(map[string]context.CancelFunc),
	}
}

// Start begins the dispatch loop.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop terminates the dispatch loop. In-flight runs are left to finish
// on their own; callers that need a hard stop should Cancel them first.
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

// Notify wakes the dispatcher immediately, used when an environment is
// released back to the pool so newly-freed capacity is matched against
// the queue without waiting for the next poll tick.
func (s *Scheduler) Notify() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	ticker := time.NewTicker(s.cfg.QueuePollInterval())
	defer ticker.Stop()

	s.logger.Info().Msg("scheduler dispatcher started")

	for {
		select {
		case <-ticker.C:
			s.dispatchAvailable()
		case <-s.wakeCh:
			s.dispatchAvailable()
		case <-s.stopCh:
			s.logger.Info().Msg("scheduler dispatcher stopped")
			return
		}
	}
}

// dispatchAvailable drains as many ready requests as current pool
// capacity allows, launching each on its own goroutine.
func (s *Scheduler) dispatchAvailable() {
	for {
		shapes := s.resource.AvailableShapes()
		if len(shapes) == 0 {
			return
		}
		req := s.queue.PopReady(queue.MatchAny(shapes, resource.ShapeKey))
		if req == nil {
			return
		}
		go s.dispatch(req)
	}
}

// dispatch carries one AllocationRequest through allocation, execution
// and release. Every exit path releases the environment handle exactly
// once via defer.
func (s *Scheduler) dispatch(req *types.AllocationRequest) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.DispatchLatency)

	handle, err := s.resource.TryAllocate(req.TestID, req.Requirements)
	if err != nil {
		s.handleAllocationFailure(req, err)
		return
	}
	defer func() {
		outcome := resource.OutcomeClean
		if r := recover(); r != nil {
			outcome = resource.OutcomeEnvFailure
			s.logger.Error().Interface("panic", r).Str("test_id", req.TestID).Msg("dispatch task panicked")
		}
		if err := s.resource.Release(handle, outcome); err != nil {
			s.logger.Error().Err(err).Str("env_id", handle.EnvID).Msg("failed to release environment")
		}
		s.Notify()
	}()

	req.EnvID = handle.EnvID
	req.Status = types.StatusAllocated

	test, plan, err := s.lookupTest(req)
	if err != nil {
		s.logger.Error().Err(err).Str("test_id", req.TestID).Msg("failed to resolve test case for allocation")
		s.finishTerminal(req, types.StatusFailed, types.FailureClassEnvFailure, nil)
		return
	}

	if err := s.tracker.SetStatus(req.TestID, types.StatusRunning, true); err != nil {
		s.logger.Warn().Err(err).Str("test_id", req.TestID).Msg("RUNNING transition not durable, continuing anyway")
	}
	metrics.TestsDispatched.Inc()

	runnerImpl, err := s.registry.Select(test.TestType, handle.Env.Type)
	if err != nil {
		s.logger.Error().Err(err).Str("test_id", req.TestID).Msg("no runner available for test/environment pair")
		s.finishTerminal(req, types.StatusFailed, types.FailureClassEnvFailure, nil)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.inflight[req.TestID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inflight, req.TestID)
		s.mu.Unlock()
		cancel()
	}()

	if err := runnerImpl.Prepare(ctx, handle.Env, test); err != nil {
		s.logger.Error().Err(err).Str("test_id", req.TestID).Msg("runner prepare failed")
		s.finishAttempt(req, nil)
		if !s.retryOrGiveUp(req, plan) {
			s.giveUp(req)
		}
		return
	}

	if err := s.resource.MarkBusy(handle); err != nil {
		s.logger.Warn().Err(err).Str("env_id", handle.EnvID).Msg("BUSY transition not durable, continuing anyway")
	}

	result, err := runnerImpl.Execute(ctx, handle.Env, test)
	if err != nil {
		s.logger.Error().Err(err).Str("test_id", req.TestID).Msg("runner execute failed")
		s.finishAttempt(req, nil)
		if !s.retryOrGiveUp(req, plan) {
			s.giveUp(req)
		}
		return
	}

	if artifacts, aerr := runnerImpl.CollectArtifacts(ctx, handle.Env, test); aerr == nil {
		result.Artifacts = artifacts
	} else {
		s.logger.Warn().Err(aerr).Str("test_id", req.TestID).Msg("artifact collection failed")
	}

	if rerr := runnerImpl.Reset(ctx, handle.Env); rerr != nil {
		s.logger.Warn().Err(rerr).Str("env_id", handle.EnvID).Msg("post-run reset failed")
	}

	result.Attempt = req.Attempt
	s.finishTerminal(req, result.Status, result.FailureClass, result)
	metrics.RunDuration.WithLabelValues(string(result.Status)).Observe(result.EndedAt.Sub(result.StartedAt).Seconds())
	metrics.TestsTerminal.WithLabelValues(string(result.Status)).Inc()
}

func (s *Scheduler) lookupTest(req *types.AllocationRequest) (*types.TestCase, *types.ExecutionPlan, error) {
	plan, err := s.store.GetPlan(req.PlanID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load plan %s: %w", req.PlanID, err)
	}
	test, ok := plan.Tests[req.TestID]
	if !ok {
		return nil, nil, fmt.Errorf("plan %s has no test %s", req.PlanID, req.TestID)
	}
	return test, plan, nil
}

// finishTerminal records a terminal status durably, persists the result
// (if any), and updates the tracker.
func (s *Scheduler) finishTerminal(req *types.AllocationRequest, status types.RequestStatus, failureClass types.FailureClass, result *types.TestResult) {
	req.Status = status

	if result == nil {
		result = &types.TestResult{
			TestID:       req.TestID,
			Attempt:      req.Attempt,
			Status:       status,
			FailureClass: failureClass,
			EnvID:        req.EnvID,
			EndedAt:      time.Now(),
		}
	}

	if err := s.store.PutResult(result); err != nil {
		s.logger.Error().Err(err).Str("test_id", req.TestID).Msg("failed to persist terminal result")
	}
	if err := s.tracker.SetStatus(req.TestID, status, true); err != nil {
		s.logger.Warn().Err(err).Str("test_id", req.TestID).Msg("terminal transition not durable")
	}
}

// finishAttempt persists this attempt's outcome without touching the
// tracker's per-test status, used for an environment-level failure that
// retryOrGiveUp may still retry. The overall test isn't terminal yet,
// even though this attempt is; giveUp marks it terminal once retries
// are exhausted.
func (s *Scheduler) finishAttempt(req *types.AllocationRequest, result *types.TestResult) {
	if result == nil {
		result = &types.TestResult{
			TestID:       req.TestID,
			Attempt:      req.Attempt,
			Status:       types.StatusFailed,
			FailureClass: types.FailureClassEnvFailure,
			EnvID:        req.EnvID,
			EndedAt:      time.Now(),
		}
	}
	if err := s.store.PutResult(result); err != nil {
		s.logger.Error().Err(err).Str("test_id", req.TestID).Msg("failed to persist attempt result")
	}
}

// giveUp marks the overall test FAILED once retryOrGiveUp declines to
// requeue it. The attempt's own result record was already persisted by
// finishAttempt.
func (s *Scheduler) giveUp(req *types.AllocationRequest) {
	req.Status = types.StatusFailed
	if err := s.tracker.SetStatus(req.TestID, types.StatusFailed, true); err != nil {
		s.logger.Warn().Err(err).Str("test_id", req.TestID).Msg("terminal transition not durable")
	}
}

// handleAllocationFailure deals with a failed try_allocate call: a
// no-match-ever error fails the request outright, anything else leaves
// it PENDING for a future cycle (the request was never popped out of
// PopReady's filtered view in the ordinary case, so this mainly covers
// the race where availability changed between PopReady and
// TryAllocate).
func (s *Scheduler) handleAllocationFailure(req *types.AllocationRequest, err error) {
	if err == resource.ErrNoMatchEver {
		s.logger.Error().Str("test_id", req.TestID).Msg("no environment shape can ever satisfy this test's requirements")
		s.finishTerminal(req, types.StatusFailed, types.FailureClassUnsatisfiable, nil)
		return
	}
	req.Status = types.StatusPending
	s.queue.Push(req)
	metrics.QueueDepth.Set(float64(s.queue.Len()))
}

// retryOrGiveUp re-queues a request that failed due to its environment
// rather than the test itself, bounded to one retry by default. The
// re-queued request keeps its original SubmittedAt/priority/
// InsertionSeq so it doesn't lose its place in line (spec.md §4.5).
// Reports whether a retry was actually queued; the caller marks the
// test terminal itself when this returns false.
func (s *Scheduler) retryOrGiveUp(req *types.AllocationRequest, plan *types.ExecutionPlan) bool {
	if !s.cfg.RetryOnEnvFailure || req.Attempt >= 2 {
		return false
	}
	retry := &types.AllocationRequest{
		TestID:       req.TestID,
		PlanID:       req.PlanID,
		Requirements: req.Requirements,
		Priority:     req.Priority,
		SubmittedAt:  req.SubmittedAt,
		InsertionSeq: req.InsertionSeq,
		Status:       types.StatusPending,
		Attempt:      req.Attempt + 1,
	}
	if err := s.monitor.Requeue(retry); err != nil {
		s.logger.Error().Err(err).Str("test_id", req.TestID).Msg("failed to durably requeue after environment failure")
		return false
	}
	if err := s.tracker.SetStatus(req.TestID, types.StatusPending, false); err != nil {
		s.logger.Warn().Err(err).Str("test_id", req.TestID).Msg("failed to reset tracker status on requeue")
	}
	return true
}

// Cancel cancels a test by ID. PENDING requests are pulled straight off
// the queue; RUNNING ones have their runner context cancelled so the
// in-flight dispatch task tears them down.
func (s *Scheduler) Cancel(testID string) error {
	if s.queue.Cancel(testID) {
		return s.tracker.SetStatus(testID, types.StatusCancelled, true)
	}

	s.mu.Lock()
	cancel, ok := s.inflight[testID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("test %s is not pending or running", testID)
	}
	cancel()
	return s.tracker.SetStatus(testID, types.StatusCancelled, true)
}
