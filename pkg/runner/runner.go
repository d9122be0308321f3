// Package runner executes a single TestCase inside an already-allocated
// Environment (spec.md §4.4). Each Runner implementation owns one
// backend substrate (container, VM, physical board); the scheduler
// never talks to a backend directly.
package runner

import (
	"bytes"
	"context"
	"regexp"
	"time"

	"github.com/fenwicklabs/testkiln/pkg/types"
)

// Runner is the backend-agnostic execution contract. Prepare and Reset
// bracket a test's use of an environment; Execute does the run itself
// and blocks until the script exits, times out, or ctx is cancelled.
type Runner interface {
	Prepare(ctx context.Context, env *types.Environment, test *types.TestCase) error
	Execute(ctx context.Context, env *types.Environment, test *types.TestCase) (*types.TestResult, error)
	Cancel(ctx context.Context, env *types.Environment, test *types.TestCase) error
	CollectArtifacts(ctx context.Context, env *types.Environment, test *types.TestCase) ([]types.ArtifactRef, error)
	Reset(ctx context.Context, env *types.Environment) error
}

// kernelPanicPatterns matches the common ways a Linux guest announces a
// fatal kernel fault in its console/stdout stream. Matching is
// intentionally permissive: a false positive just mislabels a FAILED
// result's FailureClass, while a false negative loses diagnostic value
// but not correctness.
var kernelPanicPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)kernel panic`),
	regexp.MustCompile(`(?i)Oops: `),
	regexp.MustCompile(`(?i)BUG: unable to handle`),
	regexp.MustCompile(`(?i)general protection fault`),
	regexp.MustCompile(`(?i)Call Trace:`),
}

// detectKernelPanic scans captured output for a kernel-panic signature.
func detectKernelPanic(stdout, stderr []byte) bool {
	combined := append(append([]byte{}, stdout...), stderr...)
	for _, pat := range kernelPanicPatterns {
		if pat.Match(combined) {
			return true
		}
	}
	return false
}

// classifyFailure derives a TestResult's FailureClass from captured
// output. Environment-level failures (the backend itself misbehaving,
// as opposed to the test script failing normally) are classified by
// the caller, which has visibility into transport errors this function
// does not.
func classifyFailure(stdout, stderr []byte) types.FailureClass {
	if detectKernelPanic(stdout, stderr) {
		return types.FailureClassKernelPanic
	}
	return types.FailureClassNone
}

// runWithTimeout enforces the graceful-then-forced shutdown sequence
// common to every backend: signal at timeout, wait out the grace
// window, then kill. done must be closed (or receive) when the
// underlying process actually exits.
func runWithTimeout(ctx context.Context, timeout, grace time.Duration, done <-chan struct{}, signal, kill func()) (timedOut bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return false
	case <-ctx.Done():
		kill()
		return false
	case <-timer.C:
	}

	signal()

	graceTimer := time.NewTimer(grace)
	defer graceTimer.Stop()

	select {
	case <-done:
		return true
	case <-graceTimer.C:
		kill()
		return true
	}
}

// captureBuffers is a small stdout/stderr pair shared by every backend's
// Execute implementation.
type captureBuffers struct {
	stdout bytes.Buffer
	stderr bytes.Buffer
}
