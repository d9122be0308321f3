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

// PhysicalRunner executes tests on a physical board reached over its
// network transport, falling back to out-of-band power control and
// serial console access when the in-band transport stops answering.
type PhysicalRunner struct {
	transport api.ScriptTransport
	reset     api.EnvironmentReset
	power     api.PowerControl
	console   api.SerialConsole
	logger    zerolog.Logger
	grace     time.Duration
}

// NewPhysicalRunner builds a PhysicalRunner. console may be nil for
// boards without a serial console hookup (types.PhysicalMetadata.
// SerialConsoleAddr empty).
func NewPhysicalRunner(transport api.ScriptTransport, reset api.EnvironmentReset, power api.PowerControl, console api.SerialConsole, grace time.Duration) *PhysicalRunner {
	return &PhysicalRunner{
		transport: transport,
		reset:     reset,
		power:     power,
		console:   console,
		logger:    log.WithComponent("physical-runner"),
		grace:     grace,
	}
}

func (r *PhysicalRunner) Prepare(ctx context.Context, env *types.Environment, test *types.TestCase) error {
	handle, err := r.transport.Push(ctx, env, test.Script)
	if err != nil {
		return fmt.Errorf("failed to push script for %s to board %s: %w", test.ID, env.ID, err)
	}
	setHandle(env.ID, test.ID, handle)
	return nil
}

func (r *PhysicalRunner) Execute(ctx context.Context, env *types.Environment, test *types.TestCase) (*types.TestResult, error) {
	handle, ok := getHandle(env.ID, test.ID)
	if !ok {
		return nil, fmt.Errorf("no staged script handle for %s on board %s, Prepare not called", test.ID, env.ID)
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
		func() { r.killOrPowerCycle(ctx, env, handle) },
	)
	<-done

	cancelled := ctx.Err() == context.Canceled
	if runErr != nil && !timedOut && !cancelled {
		// In-band transport failed entirely: fall back to the serial
		// console for any diagnostic signal before surfacing an
		// environment-level failure to the scheduler.
		if r.console != nil {
			if buf, cerr := r.console.ReadBuffer(ctx, env); cerr == nil {
				stderr.Write(buf)
			}
		}
		return nil, fmt.Errorf("transport run failed for %s on board %s: %w", test.ID, env.ID, runErr)
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

// killOrPowerCycle tries the in-band kill first; if the board's
// transport is unresponsive (kill itself errors), it escalates to an
// out-of-band power cycle rather than leaving a wedged board occupying
// the pool indefinitely.
func (r *PhysicalRunner) killOrPowerCycle(ctx context.Context, env *types.Environment, handle string) {
	if err := r.transport.Kill(ctx, env, handle); err != nil {
		r.logger.Warn().Err(err).Str("env_id", env.ID).Msg("in-band kill failed, power cycling board")
		if perr := r.power.PowerCycle(ctx, env); perr != nil {
			r.logger.Error().Err(perr).Str("env_id", env.ID).Msg("power cycle failed")
		}
	}
}

func (r *PhysicalRunner) Cancel(ctx context.Context, env *types.Environment, test *types.TestCase) error {
	handle, ok := getHandle(env.ID, test.ID)
	if !ok {
		return nil
	}
	if err := r.transport.Signal(ctx, env, handle); err != nil {
		r.killOrPowerCycle(ctx, env, handle)
	}
	return nil
}

func (r *PhysicalRunner) CollectArtifacts(ctx context.Context, env *types.Environment, test *types.TestCase) ([]types.ArtifactRef, error) {
	refs := make([]types.ArtifactRef, 0, len(test.ArtifactPaths))
	for _, p := range test.ArtifactPaths {
		refs = append(refs, types.ArtifactRef{Name: p, URI: fmt.Sprintf("physical://%s%s", env.ID, p)})
	}
	return refs, nil
}

// Reset restores the board via the injected EnvironmentReset backend.
// Boards typically reset by reflashing or rebooting to a known golden
// image rather than an in-place cleanup.
func (r *PhysicalRunner) Reset(ctx context.Context, env *types.Environment) error {
	clearHandle(env.ID)
	return r.reset.Reset(ctx, env)
}

var _ Runner = (*PhysicalRunner)(nil)
