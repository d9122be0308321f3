package runner

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/fenwicklabs/testkiln/pkg/api"
	"github.com/fenwicklabs/testkiln/pkg/log"
	"github.com/fenwicklabs/testkiln/pkg/types"
	"github.com/rs/zerolog"
)

// VMRunner executes tests inside an already-booted VM guest, reaching
// it exclusively through the ScriptTransport/EnvironmentReset
// contracts. The concrete transport (guest agent, SSH,
// whatever a deployment's VM backend provides) is injected rather than
// hard-wired, since spec.md §1 scopes the wire-level shape of that
// transport out of this system's concern.
type VMRunner struct {
	transport api.ScriptTransport
	reset     api.EnvironmentReset
	logger    zerolog.Logger
	grace     time.Duration
}

// NewVMRunner builds a VMRunner over the given transport and reset
// backends.
func NewVMRunner(transport api.ScriptTransport, reset api.EnvironmentReset, grace time.Duration) *VMRunner {
	return &VMRunner{
		transport: transport,
		reset:     reset,
		logger:    log.WithComponent("vm-runner"),
		grace:     grace,
	}
}

// Prepare pushes the test's script into the guest and stores the
// returned handle for Execute to pick up; handles are kept in a small
// in-memory side table since types.Environment itself stays
// backend-agnostic.
func (r *VMRunner) Prepare(ctx context.Context, env *types.Environment, test *types.TestCase) error {
	handle, err := r.transport.Push(ctx, env, test.Script)
	if err != nil {
		return fmt.Errorf("failed to push script for %s to %s: %w", test.ID, env.ID, err)
	}
	setHandle(env.ID, test.ID, handle)
	return nil
}

// Execute runs the pushed script to completion or timeout.
func (r *VMRunner) Execute(ctx context.Context, env *types.Environment, test *types.TestCase) (*types.TestResult, error) {
	handle, ok := getHandle(env.ID, test.ID)
	if !ok {
		return nil, fmt.Errorf("no staged script handle for %s on %s, Prepare not called", test.ID, env.ID)
	}

	var stdout, stderr bytes.Buffer
	started := time.Now()

	timeout := time.Duration(test.TimeoutMS) * time.Millisecond
	runCtx, cancel := context.WithTimeout(ctx, timeout+r.grace)
	defer cancel()

	done := make(chan struct{})
	var exitCode int
	var runErr error
	go func() {
		exitCode, runErr = r.transport.Run(runCtx, env, handle, &stdout, &stderr)
		close(done)
	}()

	timedOut := runWithTimeout(ctx, timeout, r.grace, done,
		func() { r.transport.Signal(ctx, env, handle) },
		func() { r.transport.Kill(ctx, env, handle) },
	)
	<-done

	cancelled := ctx.Err() == context.Canceled
	if runErr != nil && !timedOut && !cancelled {
		return nil, fmt.Errorf("transport run failed for %s: %w", test.ID, runErr)
	}

	result := &types.TestResult{
		TestID:       test.ID,
		EnvID:        env.ID,
		StartedAt:    started,
		EndedAt:      time.Now(),
		Stdout:       stdout.Bytes(),
		Stderr:       stderr.Bytes(),
		ExitCode:     exitCode,
		FailureClass: classifyFailure(stdout.Bytes(), stderr.Bytes()),
	}
	switch {
	case cancelled:
		result.Status = types.StatusCancelled
	case timedOut:
		result.Status = types.StatusTimeout
	case exitCode == 0:
		result.Status = types.StatusCompleted
	default:
		result.Status = types.StatusFailed
	}
	return result, nil
}

// Cancel signals, then kills, the in-guest script process.
func (r *VMRunner) Cancel(ctx context.Context, env *types.Environment, test *types.TestCase) error {
	handle, ok := getHandle(env.ID, test.ID)
	if !ok {
		return nil
	}
	if err := r.transport.Signal(ctx, env, handle); err != nil {
		r.logger.Warn().Err(err).Str("test_id", test.ID).Msg("graceful cancel signal failed, killing")
	}
	return r.transport.Kill(ctx, env, handle)
}

// CollectArtifacts is left to the transport: a VM backend typically
// exposes a shared/virtio-fs mount or a guest-agent file-pull call that
// this runner doesn't need to know the shape of beyond "give me bytes
// for this path", which is out of this component's scope to model
// further (spec.md §1).
func (r *VMRunner) CollectArtifacts(ctx context.Context, env *types.Environment, test *types.TestCase) ([]types.ArtifactRef, error) {
	refs := make([]types.ArtifactRef, 0, len(test.ArtifactPaths))
	for _, p := range test.ArtifactPaths {
		refs = append(refs, types.ArtifactRef{Name: p, URI: fmt.Sprintf("vm://%s%s", env.ID, p)})
	}
	return refs, nil
}

// Reset restores the guest to a clean snapshot/state via the injected
// EnvironmentReset backend, then clears the handle side-table entry.
func (r *VMRunner) Reset(ctx context.Context, env *types.Environment) error {
	clearHandle(env.ID)
	return r.reset.Reset(ctx, env)
}

var _ Runner = (*VMRunner)(nil)
