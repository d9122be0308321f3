// Package orchestrator wires every component into a single process-wide
// Root value. Every core component (store, tracker, resource manager,
// registry, queue, monitor, scheduler) is constructed once, here, in
// dependency order and handed its collaborators explicitly (spec.md
// §9); the logger, metrics collectors and health checker remain
// package-level values.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/fenwicklabs/testkiln/pkg/api"
	"github.com/fenwicklabs/testkiln/pkg/config"
	"github.com/fenwicklabs/testkiln/pkg/log"
	"github.com/fenwicklabs/testkiln/pkg/metrics"
	"github.com/fenwicklabs/testkiln/pkg/persistence"
	"github.com/fenwicklabs/testkiln/pkg/queue"
	"github.com/fenwicklabs/testkiln/pkg/recovery"
	"github.com/fenwicklabs/testkiln/pkg/resource"
	"github.com/fenwicklabs/testkiln/pkg/runnerregistry"
	"github.com/fenwicklabs/testkiln/pkg/scheduler"
	"github.com/fenwicklabs/testkiln/pkg/status"
	"github.com/fenwicklabs/testkiln/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Root is the orchestrator's single wired-up instance. cmd/orchestrator
// constructs exactly one of these per process.
type Root struct {
	Config   config.Config
	Store    persistence.Store
	Queue    *queue.PriorityQueue
	Monitor  *queue.Monitor
	Resource *resource.Manager
	Tracker  *status.Tracker
	Registry *runnerregistry.Registry
	Scheduler *scheduler.Scheduler

	logger zerolog.Logger
}

// New constructs every component in dependency order: persistence,
// status tracker, resource manager, runner registry, queue +  monitor,
// scheduler. registerRunners is called with the registry so the caller
// can wire concrete backends (container/VM/physical) before Start.
func New(cfg config.Config, registerRunners func(*runnerregistry.Registry)) (*Root, error) {
	store, err := persistence.NewBoltStore(cfg.PersistenceRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to open persistence store: %w", err)
	}

	tracker := status.New(store)

	rm, err := resource.NewManager(store, cfg, 256)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create resource manager: %w", err)
	}

	registry := runnerregistry.New()
	if registerRunners != nil {
		registerRunners(registry)
	}

	q := queue.New()
	monitor := queue.NewMonitor(store, q, tracker, cfg.QueuePollInterval())

	sched := scheduler.New(q, monitor, rm, tracker, registry, store, cfg)

	r := &Root{
		Config:    cfg,
		Store:     store,
		Queue:     q,
		Monitor:   monitor,
		Resource:  rm,
		Tracker:   tracker,
		Registry:  registry,
		Scheduler: sched,
		logger:    log.WithComponent("orchestrator"),
	}

	metrics.RegisterComponent("persistence", true, "open")
	metrics.RegisterComponent("resource-manager", true, "ready")

	return r, nil
}

// Recover runs the startup recovery pass. Must be called before Start.
func (r *Root) Recover() error {
	coord := recovery.New(r.Store, r.Monitor, r.Resource, r.Tracker)
	return coord.Run()
}

// Start begins every background loop: resource idle-reclaim, queue
// monitor, scheduler dispatcher.
func (r *Root) Start() {
	r.Resource.StartIdleReclaim()
	r.Monitor.Start()
	r.Scheduler.Start()
	metrics.RegisterComponent("scheduler", true, "running")
	r.logger.Info().Msg("orchestrator started")
}

// Stop terminates every background loop and closes the persistence
// store. Order is the reverse of Start: stop accepting new dispatch
// before closing storage under it.
func (r *Root) Stop() {
	r.Scheduler.Stop()
	r.Monitor.Stop()
	r.Resource.StopIdleReclaim()
	if err := r.Store.Close(); err != nil {
		r.logger.Error().Err(err).Msg("failed to close persistence store")
	}
	r.logger.Info().Msg("orchestrator stopped")
}

// SubmitPlan accepts a plan for execution: it is persisted and durably
// logged, then the queue monitor is woken so its tests are expanded
// onto the queue without waiting for the next poll tick.
func (r *Root) SubmitPlan(ctx context.Context, plan *types.ExecutionPlan) error {
	if plan.ID == "" {
		plan.ID = uuid.New().String()
	}
	if plan.SubmittedAt.IsZero() {
		plan.SubmittedAt = time.Now()
	}

	if err := r.Store.PutPlan(plan); err != nil {
		return fmt.Errorf("failed to persist plan %s: %w", plan.ID, err)
	}
	if _, err := r.Store.AppendEvent(persistence.Event{
		Timestamp: time.Now(),
		Type:      persistence.EventPlanSubmitted,
		PlanID:    plan.ID,
	}); err != nil {
		return fmt.Errorf("failed to durably record plan submission %s: %w", plan.ID, err)
	}

	r.Monitor.Notify()
	return nil
}

// Cancel cancels a single test by ID.
func (r *Root) Cancel(ctx context.Context, testID string) error {
	return r.Scheduler.Cancel(testID)
}

// Status returns the current status snapshot.
func (r *Root) Status(ctx context.Context) (types.StatusSnapshot, error) {
	return r.Tracker.Snapshot(), nil
}

// Health returns the aggregated health report.
func (r *Root) Health(ctx context.Context) (api.HealthReport, error) {
	h := metrics.GetHealth()
	return api.HealthReport{
		Status:     h.Status,
		Timestamp:  h.Timestamp,
		Components: h.Components,
		Message:    h.Message,
	}, nil
}

// GetResult retrieves a test's final result: the highest-attempt record,
// i.e. the one a retry eventually converged on rather than any
// superseded earlier attempt.
func (r *Root) GetResult(ctx context.Context, testID string) (*types.TestResult, error) {
	return r.Store.GetLatestResult(testID)
}

// GetArtifacts retrieves the artifact references of a test's final
// result.
func (r *Root) GetArtifacts(ctx context.Context, testID string) ([]types.ArtifactRef, error) {
	result, err := r.Store.GetLatestResult(testID)
	if err != nil {
		return nil, err
	}
	return result.Artifacts, nil
}

var (
	_ api.SubmissionAPI = (*Root)(nil)
	_ api.ResultAPI     = (*Root)(nil)
)
