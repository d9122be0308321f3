// Package api defines the orchestrator's external interface surface:
// the in-process Submission/Result APIs callers use to drive the
// system, and the backend contracts individual runner implementations
// use to reach an execution environment. Per spec.md §6 and §1, the
// wire-level shape of any of this (HTTP, gRPC, SSH, serial-over-TCP) is
// explicitly out of scope — these are plain Go interfaces with
// in-process implementations only.
package api

import (
	"context"
	"io"
	"time"

	"github.com/fenwicklabs/testkiln/pkg/types"
)

// ScriptTransport delivers a test's script into an environment and
// retrieves its stdout/stderr/exit code. VMRunner and PhysicalRunner are
// built on an injected implementation of it, over whatever in-guest
// command channel that backend provides; ContainerRunner does not use
// it and drives containerd's task I/O directly.
type ScriptTransport interface {
	// Push delivers script bytes into the environment, returning an
	// opaque handle the same backend's Run call can use to locate it.
	Push(ctx context.Context, env *types.Environment, script []byte) (handle string, err error)

	// Run executes the pushed script and streams its output to stdout/
	// stderr, returning once the process exits or ctx is cancelled.
	Run(ctx context.Context, env *types.Environment, handle string, stdout, stderr io.Writer) (exitCode int, err error)

	// Signal delivers a graceful-stop signal (SIGTERM equivalent) to the
	// running script process.
	Signal(ctx context.Context, env *types.Environment, handle string) error

	// Kill forcibly terminates the running script process.
	Kill(ctx context.Context, env *types.Environment, handle string) error
}

// EnvironmentReset restores an environment to a clean, reusable state
// after a test has finished with it (spec.md §4.3's reset-on-release
// step).
type EnvironmentReset interface {
	Reset(ctx context.Context, env *types.Environment) error
}

// HealthProbe checks whether an environment is still responsive enough
// to accept work.
type HealthProbe interface {
	Probe(ctx context.Context, env *types.Environment) (types.HealthState, error)
}

// PowerControl is the out-of-band power interface physical environments
// expose (IPMI/BMC-equivalent): used when a physical board stops
// responding to its in-band transport and needs a hard power cycle.
type PowerControl interface {
	PowerCycle(ctx context.Context, env *types.Environment) error
}

// SerialConsole gives access to a physical environment's serial console
// buffer, used for kernel-panic detection when the in-band transport
// itself has gone unresponsive.
type SerialConsole interface {
	ReadBuffer(ctx context.Context, env *types.Environment) ([]byte, error)
}

// SubmissionAPI is the entry point callers use to submit, cancel and
// inspect execution plans.
type SubmissionAPI interface {
	SubmitPlan(ctx context.Context, plan *types.ExecutionPlan) error
	Cancel(ctx context.Context, testID string) error
	Status(ctx context.Context) (types.StatusSnapshot, error)
	Health(ctx context.Context) (HealthReport, error)
}

// HealthReport mirrors pkg/metrics.HealthReport at the API boundary so
// pkg/api doesn't need to import pkg/metrics for a single struct shape.
type HealthReport struct {
	Status     string
	Timestamp  time.Time
	Components map[string]string
	Message    string
}

// ResultAPI is the entry point callers use to retrieve completed test
// results and their artifacts.
type ResultAPI interface {
	GetResult(ctx context.Context, testID string) (*types.TestResult, error)
	GetArtifacts(ctx context.Context, testID string) ([]types.ArtifactRef, error)
}
