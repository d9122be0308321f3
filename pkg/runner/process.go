package runner

import (
	"context"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	cgroupsv1 "github.com/containerd/cgroups"
	"github.com/fenwicklabs/testkiln/pkg/log"
	"github.com/fenwicklabs/testkiln/pkg/types"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"
)

// ProcessRunner executes a test's script as a plain host process,
// confined to a dedicated cgroup for the isolation_level=process case
// (spec.md §3's weakest isolation tier — process group and resource
// limits, not a container image boundary).
type ProcessRunner struct {
	logger zerolog.Logger
}

// NewProcessRunner builds a ProcessRunner.
func NewProcessRunner() *ProcessRunner {
	return &ProcessRunner{logger: log.WithComponent("process-runner")}
}

func cgroupPath(envID string) cgroupsv1.Path {
	return cgroupsv1.StaticPath("/testkiln/" + envID)
}

// Prepare stages the test's script on disk; the cgroup itself is
// created lazily in Execute once the process exists to add to it.
func (r *ProcessRunner) Prepare(ctx context.Context, env *types.Environment, test *types.TestCase) error {
	_, err := writeScriptFile(test.ID, test.Script)
	if err != nil {
		return fmt.Errorf("failed to stage script for %s: %w", test.ID, err)
	}
	return nil
}

// Execute runs the staged script in its own process group, confined to
// a cgroup sized from the environment's capacity, enforcing the test's
// timeout with SIGTERM then SIGKILL against the whole process group.
func (r *ProcessRunner) Execute(ctx context.Context, env *types.Environment, test *types.TestCase) (*types.TestResult, error) {
	scriptPath, err := writeScriptFile(test.ID, test.Script)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command("/bin/sh", scriptPath)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var bufs captureBuffers
	cmd.Stdout = &bufs.stdout
	cmd.Stderr = &bufs.stderr

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start process for %s: %w", test.ID, err)
	}

	limits := &specs.LinuxResources{}
	if mem := env.Capacity.MemoryBytes; mem > 0 {
		limits.Memory = &specs.LinuxMemory{Limit: &mem}
	}
	if cores := env.Capacity.CPUCores; cores > 0 {
		quota := int64(cores * 100000)
		period := uint64(100000)
		limits.CPU = &specs.LinuxCPU{Quota: &quota, Period: &period}
	}

	cg, err := cgroupsv1.New(cgroupPath(env.ID), limits)
	if err != nil {
		r.logger.Warn().Err(err).Str("env_id", env.ID).Msg("failed to create cgroup, running unconfined")
	} else {
		defer cg.Delete()
		if err := cg.Add(cgroupsv1.Process{Pid: cmd.Process.Pid}); err != nil {
			r.logger.Warn().Err(err).Str("env_id", env.ID).Msg("failed to add process to cgroup")
		}
	}

	timeout := time.Duration(test.TimeoutMS) * time.Millisecond
	grace := 5 * time.Second

	done := make(chan struct{})
	var waitErr error
	go func() {
		waitErr = cmd.Wait()
		close(done)
	}()

	pgid := cmd.Process.Pid
	timedOut := runWithTimeout(ctx, timeout, grace, done,
		func() { syscall.Kill(-pgid, syscall.SIGTERM) },
		func() { syscall.Kill(-pgid, syscall.SIGKILL) },
	)
	<-done

	exitCode := 0
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else if !timedOut {
			return nil, fmt.Errorf("process for %s exited abnormally: %w", test.ID, waitErr)
		}
	}

	result := &types.TestResult{
		TestID:       test.ID,
		EnvID:        env.ID,
		StartedAt:    started,
		EndedAt:      time.Now(),
		Stdout:       bufs.stdout.Bytes(),
		Stderr:       bufs.stderr.Bytes(),
		ExitCode:     exitCode,
		FailureClass: classifyFailure(bufs.stdout.Bytes(), bufs.stderr.Bytes()),
	}
	switch {
	case ctx.Err() == context.Canceled:
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

// Cancel kills the test's entire process group.
func (r *ProcessRunner) Cancel(ctx context.Context, env *types.Environment, test *types.TestCase) error {
	cg, err := cgroupsv1.Load(cgroupPath(env.ID))
	if err != nil {
		return nil
	}
	procs, err := cg.Processes(cgroupsv1.Devices, false)
	if err != nil {
		return fmt.Errorf("failed to list cgroup processes for %s: %w", env.ID, err)
	}
	for _, p := range procs {
		syscall.Kill(p.Pid, syscall.SIGKILL)
	}
	return nil
}

// CollectArtifacts reads declared paths as plain local files (process
// isolation shares the host filesystem outside the script's own
// working directory).
func (r *ProcessRunner) CollectArtifacts(ctx context.Context, env *types.Environment, test *types.TestCase) ([]types.ArtifactRef, error) {
	refs := make([]types.ArtifactRef, 0, len(test.ArtifactPaths))
	for _, p := range test.ArtifactPaths {
		refs = append(refs, types.ArtifactRef{Name: p, URI: "file://" + p})
	}
	return refs, nil
}

// Reset deletes the environment's cgroup, leaving no resource limits
// lingering for the next test to inherit by accident.
func (r *ProcessRunner) Reset(ctx context.Context, env *types.Environment) error {
	cg, err := cgroupsv1.Load(cgroupPath(env.ID))
	if err != nil {
		return nil
	}
	return cg.Delete()
}

var _ Runner = (*ProcessRunner)(nil)
