// Package recovery implements the startup recovery coordinator
// (spec.md §4.6): on boot, it rehydrates terminal results, re-queues
// requests that were durably RUNNING but never reached a terminal
// event, and forces every environment back through PROVISIONING before
// the scheduler is allowed to allocate against it.
package recovery

import (
	"github.com/fenwicklabs/testkiln/pkg/log"
	"github.com/fenwicklabs/testkiln/pkg/persistence"
	"github.com/fenwicklabs/testkiln/pkg/queue"
	"github.com/fenwicklabs/testkiln/pkg/resource"
	"github.com/fenwicklabs/testkiln/pkg/status"
	"github.com/fenwicklabs/testkiln/pkg/types"
	"github.com/rs/zerolog"
)

// Coordinator runs the one-time recovery pass at process startup.
type Coordinator struct {
	store    persistence.Store
	monitor  *queue.Monitor
	resource *resource.Manager
	tracker  *status.Tracker
	logger   zerolog.Logger
}

// New creates a Coordinator.
func New(store persistence.Store, mon *queue.Monitor, rm *resource.Manager, tracker *status.Tracker) *Coordinator {
	return &Coordinator{
		store:    store,
		monitor:  mon,
		resource: rm,
		tracker:  tracker,
		logger:   log.WithComponent("recovery"),
	}
}

// Run performs the full recovery sequence. Must complete before the
// scheduler and queue monitor are started.
func (c *Coordinator) Run() error {
	if err := c.rehydrateEnvironments(); err != nil {
		return err
	}
	if err := c.rehydrateResults(); err != nil {
		return err
	}
	return c.requeueOrphanedRunning()
}

// rehydrateEnvironments loads the last-known environment pool and marks
// every one of them PROVISIONING: whatever state a container, VM, or
// board was in at crash time is no longer trustworthy, so each must
// pass a fresh health check before accepting an allocation again.
func (c *Coordinator) rehydrateEnvironments() error {
	envs, err := c.store.ListEnvironments()
	if err != nil {
		return err
	}
	for _, env := range envs {
		env.Status = types.EnvProvisioning
		env.AssignedTest = ""
		if err := c.resource.AddEnvironment(env); err != nil {
			return err
		}
	}
	c.logger.Info().Int("count", len(envs)).Msg("environments rehydrated into PROVISIONING")
	return nil
}

// rehydrateResults replays each test's final (highest-attempt) durable
// result into the status tracker so a restarted process's status view
// matches what was true before the crash (P9: idempotent result storage
// makes this replay safe even if it runs twice). Only the winning
// attempt is replayed: a test retried from FAILED to COMPLETED must
// rehydrate as COMPLETED, not get stuck on its first, superseded
// attempt.
func (c *Coordinator) rehydrateResults() error {
	results, err := c.store.ListResults()
	if err != nil {
		return err
	}

	latest := make(map[string]*types.TestResult, len(results))
	for _, r := range results {
		if cur, ok := latest[r.TestID]; !ok || r.Attempt > cur.Attempt {
			latest[r.TestID] = r
		}
	}

	for testID, r := range latest {
		c.tracker.MarkQueued(testID)
		if err := c.tracker.SetStatus(testID, r.Status, false); err != nil {
			c.logger.Error().Err(err).Str("test_id", testID).Msg("failed to replay terminal result into tracker")
		}
	}
	c.logger.Info().Int("count", len(latest)).Msg("terminal results rehydrated")
	return nil
}

// requeueOrphanedRunning finds every request_running event with no
// matching request_terminal event for the same test and re-queues it
// PENDING at its original priority/submitted_at, giving at-least-once
// execution semantics across a crash (P4, S5).
func (c *Coordinator) requeueOrphanedRunning() error {
	events, err := c.store.ListEvents()
	if err != nil {
		return err
	}

	lastRunning := make(map[string]persistence.Event)
	terminal := make(map[string]bool)
	plans := make(map[string]string) // testID -> planID, from enqueue/running events

	for _, ev := range events {
		switch ev.Type {
		case persistence.EventRequestEnqueued, persistence.EventRequestRunning:
			if ev.PlanID != "" {
				plans[ev.TestID] = ev.PlanID
			}
			if ev.Type == persistence.EventRequestRunning {
				lastRunning[ev.TestID] = ev
			}
		case persistence.EventRequestTerminal:
			terminal[ev.TestID] = true
		}
	}

	requeued := 0
	for testID, ev := range lastRunning {
		if terminal[testID] {
			continue
		}
		planID := plans[testID]
		if planID == "" {
			c.logger.Error().Str("test_id", testID).Msg("orphaned running request has no known plan, cannot requeue")
			continue
		}
		plan, err := c.store.GetPlan(planID)
		if err != nil {
			c.logger.Error().Err(err).Str("plan_id", planID).Msg("orphaned running request references missing plan")
			continue
		}
		test, ok := plan.Tests[testID]
		if !ok {
			continue
		}

		req := &types.AllocationRequest{
			TestID:       testID,
			PlanID:       planID,
			Requirements: test.HardwareRequirements,
			Priority:     plan.Priority,
			SubmittedAt:  plan.SubmittedAt,
			Status:       types.StatusPending,
			Attempt:      ev.Attempt + 1,
		}
		if err := c.monitor.Requeue(req); err != nil {
			c.logger.Error().Err(err).Str("test_id", testID).Msg("failed to requeue orphaned running request")
			continue
		}
		c.tracker.MarkQueued(testID)
		c.monitor.MarkSeen(planID)
		requeued++
	}

	c.logger.Info().Int("count", requeued).Msg("orphaned running requests requeued")
	return nil
}
