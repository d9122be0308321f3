// Package resource implements the Resource Manager: the single-writer
// environment pool, its best-fit matcher, and the health/quarantine
// lifecycle that keeps bad environments out of circulation (spec.md
// §4.3).
package resource

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fenwicklabs/testkiln/pkg/config"
	"github.com/fenwicklabs/testkiln/pkg/log"
	"github.com/fenwicklabs/testkiln/pkg/metrics"
	"github.com/fenwicklabs/testkiln/pkg/persistence"
	"github.com/fenwicklabs/testkiln/pkg/types"
	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"
)

// isolationRank orders isolation levels so an environment of a stronger
// level can always stand in for a request asking for a weaker one.
func isolationRank(l types.IsolationLevel) int {
	switch l {
	case types.IsolationProcess:
		return 0
	case types.IsolationContainer:
		return 1
	case types.IsolationVM:
		return 2
	default:
		return 0
	}
}

// envIsolationRank is the strongest isolation level a given environment
// type is able to provide.
func envIsolationRank(t types.EnvironmentType) int {
	switch t {
	case types.EnvTypeContainer:
		return 1
	case types.EnvTypeQEMUx86, types.EnvTypeQEMUArm:
		return 2
	case types.EnvTypePhysical:
		return 2
	default:
		return 0
	}
}

// ShapeKey returns a coarse bucket key for a requirement set, used by
// the queue's satisfiability filter to avoid a full scan per candidate
// request.
func ShapeKey(req types.HardwareRequirements) string {
	return fmt.Sprintf("%s/%s", req.Architecture, req.IsolationLevel)
}

func shapeKeyForEnv(env *types.Environment) string {
	return fmt.Sprintf("%s/isolation-rank-%d", env.Architecture, envIsolationRank(env.Type))
}

// Manager owns the environment pool exclusively; every mutation to an
// Environment's Status happens under its lock.
type Manager struct {
	store  persistence.Store
	cfg    config.Config
	logger zerolog.Logger

	mu   sync.Mutex
	envs map[string]*types.Environment

	// templates records requirement shapes the pool is configured to be
	// able to provision, even if no matching Environment exists right
	// now (e.g. elastic VM capacity). Used to distinguish
	// ErrUnsatisfiableNow from ErrNoMatchEver.
	templates []types.Environment

	quarantined *lru.Cache

	stopCh chan struct{}
}

// NewManager creates a Manager backed by store. quarantineHistory bounds
// how many recently-quarantined environment IDs are remembered for
// diagnostics.
func NewManager(store persistence.Store, cfg config.Config, quarantineHistory int) (*Manager, error) {
	cache, err := lru.New(quarantineHistory)
	if err != nil {
		return nil, fmt.Errorf("failed to create quarantine cache: %w", err)
	}
	return &Manager{
		store:       store,
		cfg:         cfg,
		logger:      log.WithComponent("resource-manager"),
		envs:        make(map[string]*types.Environment),
		quarantined: cache,
		stopCh:      make(chan struct{}),
	}, nil
}

// RegisterTemplate declares a requirement shape the pool can provision,
// independent of any Environment currently in the map. Call once per
// distinct environment flavor the deployment is configured with.
func (m *Manager) RegisterTemplate(env types.Environment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.templates = append(m.templates, env)
}

// AddEnvironment registers a concrete environment, typically during
// startup provisioning or recovery rehydration. An environment with no
// CostClass gets the default for its type: free for containers,
// billable for everything else.
func (m *Manager) AddEnvironment(env *types.Environment) error {
	if env.CostClass == "" {
		env.CostClass = types.CostClassBillable
		if env.Type == types.EnvTypeContainer {
			env.CostClass = types.CostClassFree
		}
	}
	m.mu.Lock()
	m.envs[env.ID] = env
	count := len(m.envs)
	m.mu.Unlock()

	metrics.EnvironmentsTotal.WithLabelValues(string(env.Type), string(env.Status)).Set(float64(count))
	return m.store.PutEnvironment(env)
}

// TryAllocate finds the best-fit READY environment for req and marks it
// ALLOCATED. Best fit minimizes wasted memory capacity, breaking ties by
// longest-idle first so the pool rotates through its members.
//
// Returns ErrUnsatisfiableNow if no environment is ready right now but
// one could plausibly satisfy req later, or ErrNoMatchEver if no
// environment shape the pool knows how to provision could ever satisfy
// req.
func (m *Manager) TryAllocate(testID string, req types.HardwareRequirements) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []*types.Environment
	anyMatchable := false

	for _, env := range m.envs {
		if !matches(env.Architecture, envIsolationRank(env.Type), env.Capacity, req) {
			continue
		}
		anyMatchable = true
		if env.Status == types.EnvReady {
			candidates = append(candidates, env)
		}
	}

	if len(candidates) == 0 {
		if anyMatchable || m.couldEverMatch(req) {
			return nil, ErrUnsatisfiableNow
		}
		return nil, ErrNoMatchEver
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Capacity.MemoryBytes != candidates[j].Capacity.MemoryBytes {
			return candidates[i].Capacity.MemoryBytes < candidates[j].Capacity.MemoryBytes
		}
		return candidates[i].LastUsedAt.Before(candidates[j].LastUsedAt)
	})

	chosen := candidates[0]
	chosen.Status = types.EnvAllocated
	chosen.LastUsedAt = time.Now()

	if err := m.store.PutEnvironment(chosen); err != nil {
		m.logger.Error().Err(err).Str("env_id", chosen.ID).Msg("failed to persist environment allocation")
	}
	metrics.EnvironmentsTotal.WithLabelValues(string(chosen.Type), string(types.EnvAllocated)).Inc()

	return &Handle{EnvID: chosen.ID, Env: chosen, TestID: testID}, nil
}

// MarkBusy transitions an allocated environment to BUSY and records the
// test it is now running, the point at which spec.md §3's status=BUSY
// ⇔ assigned_test≠∅ invariant actually starts holding. Called once the
// runner's Execute is about to start, not at allocation time: ALLOCATED
// and BUSY are distinct states even though nothing else can claim the
// environment in between.
func (m *Manager) MarkBusy(handle *Handle) error {
	m.mu.Lock()
	env, ok := m.envs[handle.EnvID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("mark busy for unknown environment %s", handle.EnvID)
	}
	env.Status = types.EnvBusy
	env.AssignedTest = handle.TestID
	m.mu.Unlock()

	metrics.EnvironmentsTotal.WithLabelValues(string(env.Type), string(types.EnvBusy)).Inc()
	return m.store.PutEnvironment(env)
}

func matches(arch string, envRank int, cap types.Capacity, req types.HardwareRequirements) bool {
	if req.Architecture != "" && req.Architecture != arch {
		return false
	}
	if cap.MemoryBytes < req.MinMemoryBytes {
		return false
	}
	if cap.CPUCores < req.MinCPUCores {
		return false
	}
	if envRank < isolationRank(req.IsolationLevel) {
		return false
	}
	capFeatures := cap.FeatureSet()
	for _, f := range req.RequiredFeatures {
		if _, ok := capFeatures[f]; !ok {
			return false
		}
	}
	return true
}

// couldEverMatch checks registered templates for a shape that could
// satisfy req once provisioned, independent of current pool state.
func (m *Manager) couldEverMatch(req types.HardwareRequirements) bool {
	for _, tmpl := range m.templates {
		if matches(tmpl.Architecture, envIsolationRank(tmpl.Type), tmpl.Capacity, req) {
			return true
		}
	}
	return false
}

// AvailableShapes returns the set of shape keys currently READY in the
// pool, for the queue's satisfiability filter.
func (m *Manager) AvailableShapes() map[string]struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	shapes := make(map[string]struct{})
	for _, env := range m.envs {
		if env.Status == types.EnvReady {
			shapes[shapeKeyForEnv(env)] = struct{}{}
		}
	}
	return shapes
}

// Outcome describes what happened during a test's use of an
// environment, driving the post-release state transition.
type Outcome string

const (
	OutcomeClean         Outcome = "clean"          // ran fine, ready to reuse after reset
	OutcomeEnvFailure    Outcome = "env_failure"     // environment itself is suspect
	OutcomeResetFailed   Outcome = "reset_failed"    // cleanup after the run failed
)

// Release returns an environment to the pool. The caller must not use
// handle again afterward; a second Release panics.
func (m *Manager) Release(handle *Handle, outcome Outcome) error {
	if handle.released {
		panic("resource: handle released twice")
	}
	handle.released = true

	m.mu.Lock()
	env, ok := m.envs[handle.EnvID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("release of unknown environment %s", handle.EnvID)
	}
	env.AssignedTest = ""

	switch outcome {
	case OutcomeClean:
		env.Status = types.EnvCleanup
		env.ResetFailures = 0
	case OutcomeEnvFailure, OutcomeResetFailed:
		env.ResetFailures++
		env.Status = types.EnvCleanup
	}
	threshold := m.cfg.EnvResetFailureThreshold
	quarantine := threshold > 0 && env.ResetFailures >= threshold
	m.mu.Unlock()

	if quarantine {
		return m.quarantine(env, "reset failure threshold exceeded")
	}

	env.Status = types.EnvReady
	env.LastUsedAt = time.Now()
	if err := m.store.PutEnvironment(env); err != nil {
		return fmt.Errorf("failed to persist environment release for %s: %w", env.ID, err)
	}
	metrics.EnvironmentsTotal.WithLabelValues(string(env.Type), string(types.EnvReady)).Inc()
	return nil
}

// ReportHealth applies a health-probe result. An UNHEALTHY report moves
// the environment straight to quarantine; DEGRADED is recorded but the
// environment stays in the pool.
func (m *Manager) ReportHealth(envID string, health types.HealthState, reason string) error {
	m.mu.Lock()
	env, ok := m.envs[envID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("health report for unknown environment %s", envID)
	}
	env.Health = health
	m.mu.Unlock()

	if health == types.HealthUnhealthy {
		return m.quarantine(env, reason)
	}
	return m.store.PutEnvironment(env)
}

func (m *Manager) quarantine(env *types.Environment, reason string) error {
	m.mu.Lock()
	env.Status = types.EnvMaintenance
	env.QuarantineReason = reason
	env.QuarantinedAt = time.Now()
	m.mu.Unlock()

	m.quarantined.Add(env.ID, reason)
	metrics.EnvironmentQuarantines.Inc()
	m.logger.Warn().Str("env_id", env.ID).Str("reason", reason).Msg("environment quarantined")

	return m.store.PutEnvironment(env)
}

// Quarantined reports whether an environment ID was recently quarantined.
func (m *Manager) Quarantined(envID string) bool {
	return m.quarantined.Contains(envID)
}

// Replace decommissions a quarantined environment and replaces its pool
// slot with a freshly provisioned one of the same shape. provision is
// supplied by the caller (cmd/orchestrator wires in the concrete runner
// backend's provisioning call).
func (m *Manager) Replace(envID string, provision func(shape types.Environment) (*types.Environment, error)) error {
	m.mu.Lock()
	old, ok := m.envs[envID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("replace of unknown environment %s", envID)
	}
	shape := *old
	m.mu.Unlock()

	fresh, err := provision(shape)
	if err != nil {
		return fmt.Errorf("failed to provision replacement for %s: %w", envID, err)
	}

	m.mu.Lock()
	delete(m.envs, envID)
	m.envs[fresh.ID] = fresh
	m.mu.Unlock()

	if err := m.store.DeleteEnvironment(envID); err != nil {
		m.logger.Error().Err(err).Str("env_id", envID).Msg("failed to remove decommissioned environment record")
	}
	return m.store.PutEnvironment(fresh)
}

// StartIdleReclaim begins the background loop that returns idle
// billable (non-free) environments to OFFLINE past the configured
// threshold. Container environments (CostClass free) are never
// reclaimed this way: keeping them warm costs nothing.
func (m *Manager) StartIdleReclaim() {
	go m.idleReclaimLoop()
}

// StopIdleReclaim stops the background loop.
func (m *Manager) StopIdleReclaim() {
	close(m.stopCh)
}

func (m *Manager) idleReclaimLoop() {
	interval := m.cfg.EnvIdleReclaim()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.reclaimIdle()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) reclaimIdle() {
	threshold := m.cfg.EnvIdleReclaim()
	now := time.Now()

	m.mu.Lock()
	var toReclaim []*types.Environment
	for _, env := range m.envs {
		if env.CostClass != types.CostClassBillable {
			continue
		}
		if env.Status != types.EnvReady {
			continue
		}
		if now.Sub(env.LastUsedAt) >= threshold {
			env.Status = types.EnvOffline
			toReclaim = append(toReclaim, env)
		}
	}
	m.mu.Unlock()

	for _, env := range toReclaim {
		if err := m.store.PutEnvironment(env); err != nil {
			m.logger.Error().Err(err).Str("env_id", env.ID).Msg("failed to persist idle reclaim")
			continue
		}
		m.logger.Info().Str("env_id", env.ID).Msg("idle environment reclaimed")
	}
}

// List returns a snapshot of every environment in the pool.
func (m *Manager) List() []*types.Environment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.Environment, 0, len(m.envs))
	for _, env := range m.envs {
		out = append(out, env)
	}
	return out
}
