package runner

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/fenwicklabs/testkiln/pkg/log"
	"github.com/fenwicklabs/testkiln/pkg/types"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"
)

// Namespace is the containerd namespace this orchestrator's containers
// run under, kept separate from any cluster workload namespace sharing
// the same containerd daemon.
const Namespace = "testkiln"

// ContainerRunner executes tests inside containerd-managed containers.
// Grounded on the same client calls warren's runtime package uses to
// manage its service containers: pull, new-container-from-image,
// new-task, start, graceful SIGTERM-then-SIGKILL stop, delete.
type ContainerRunner struct {
	client *containerd.Client
	logger zerolog.Logger

	// image is the base image the test's script is executed inside.
	// Tests that need a specific toolchain select it via
	// HardwareRequirements.RequiredFeatures mapping to image tags at the
	// registry layer (left to deployment configuration).
	image string
}

// NewContainerRunner dials containerd at socketPath.
func NewContainerRunner(socketPath, image string) (*ContainerRunner, error) {
	if socketPath == "" {
		socketPath = "/run/containerd/containerd.sock"
	}
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}
	return &ContainerRunner{
		client: client,
		logger: log.WithComponent("container-runner"),
		image:  image,
	}, nil
}

// Close releases the containerd client connection.
func (r *ContainerRunner) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}

func (r *ContainerRunner) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, Namespace)
}

// Prepare pulls the runner's configured image and creates (but does not
// start) a container for the test, with its script mounted read-only.
func (r *ContainerRunner) Prepare(ctx context.Context, env *types.Environment, test *types.TestCase) error {
	ctx = r.ctx(ctx)

	image, err := r.client.Pull(ctx, r.image, containerd.WithPullUnpack)
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", r.image, err)
	}

	scriptPath, err := writeScriptFile(test.ID, test.Script)
	if err != nil {
		return fmt.Errorf("failed to stage script for %s: %w", test.ID, err)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithProcessArgs("/bin/sh", "/work/run.sh"),
		oci.WithMounts([]specs.Mount{{
			Source:      scriptPath,
			Destination: "/work/run.sh",
			Type:        "bind",
			Options:     []string{"ro", "bind"},
		}}),
	}
	if mem := env.Capacity.MemoryBytes; mem > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(mem)))
	}
	if cores := env.Capacity.CPUCores; cores > 0 {
		quota := int64(cores * 100000)
		opts = append(opts, oci.WithCPUCFS(quota, 100000))
	}

	containerID := containerName(env.ID, test.ID)
	_, err = r.client.NewContainer(
		ctx,
		containerID,
		containerd.WithImage(image),
		containerd.WithContainerLabels(map[string]string{"testkiln/env": env.ID}),
		containerd.WithNewSnapshot(containerID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return fmt.Errorf("failed to create container for %s: %w", test.ID, err)
	}
	return nil
}

// Execute starts the prepared container, captures its output, and
// enforces the test's timeout/grace window.
func (r *ContainerRunner) Execute(ctx context.Context, env *types.Environment, test *types.TestCase) (*types.TestResult, error) {
	ctx = r.ctx(ctx)
	containerID := containerName(env.ID, test.ID)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load container %s: %w", containerID, err)
	}

	var bufs captureBuffers
	task, err := container.NewTask(ctx, cio.NewCreator(cio.WithStreams(nil, &bufs.stdout, &bufs.stderr)))
	if err != nil {
		return nil, fmt.Errorf("failed to create task for %s: %w", test.ID, err)
	}
	defer task.Delete(ctx)

	statusC, err := task.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to wait on task for %s: %w", test.ID, err)
	}

	started := time.Now()
	if err := task.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start task for %s: %w", test.ID, err)
	}

	timeout := time.Duration(test.TimeoutMS) * time.Millisecond
	grace := 5 * time.Second

	done := make(chan struct{})
	var exitStatus containerd.ExitStatus
	go func() {
		exitStatus = <-statusC
		close(done)
	}()

	timedOut := runWithTimeout(ctx, timeout, grace, done,
		func() { task.Kill(ctx, syscall.SIGTERM) },
		func() { task.Kill(ctx, syscall.SIGKILL) },
	)
	<-done

	result := &types.TestResult{
		TestID:       test.ID,
		EnvID:        env.ID,
		StartedAt:    started,
		EndedAt:      time.Now(),
		Stdout:       bufs.stdout.Bytes(),
		Stderr:       bufs.stderr.Bytes(),
		ExitCode:     int(exitStatus.ExitCode()),
		FailureClass: classifyFailure(bufs.stdout.Bytes(), bufs.stderr.Bytes()),
	}
	switch {
	case ctx.Err() == context.Canceled:
		result.Status = types.StatusCancelled
	case timedOut:
		result.Status = types.StatusTimeout
	case result.ExitCode == 0:
		result.Status = types.StatusCompleted
	default:
		result.Status = types.StatusFailed
	}
	return result, nil
}

// Cancel kills a running test's task, gracefully then forcibly.
func (r *ContainerRunner) Cancel(ctx context.Context, env *types.Environment, test *types.TestCase) error {
	ctx = r.ctx(ctx)
	containerID := containerName(env.ID, test.ID)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return nil // already gone
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return nil // no task running
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to signal task for %s: %w", test.ID, err)
	}
	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("failed to wait on cancelled task for %s: %w", test.ID, err)
	}
	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("failed to force-kill task for %s: %w", test.ID, err)
		}
	}
	return nil
}

// CollectArtifacts records the test's declared artifact paths as URIs
// under the container's snapshot mount for whatever artifact store
// consumes them. It copies no bytes out of the container: the concrete
// copy mechanism (checkpoint-and-export vs nsenter-cp) is a
// deployment-time choice.
func (r *ContainerRunner) CollectArtifacts(ctx context.Context, env *types.Environment, test *types.TestCase) ([]types.ArtifactRef, error) {
	refs := make([]types.ArtifactRef, 0, len(test.ArtifactPaths))
	for _, p := range test.ArtifactPaths {
		refs = append(refs, types.ArtifactRef{
			Name: p,
			URI:  fmt.Sprintf("container://%s%s", containerName(env.ID, test.ID), p),
		})
	}
	return refs, nil
}

// Reset deletes the test's container and its snapshot, leaving the
// environment ready for its next allocation.
func (r *ContainerRunner) Reset(ctx context.Context, env *types.Environment) error {
	ctx = r.ctx(ctx)

	containers, err := r.client.Containers(ctx, fmt.Sprintf("labels.\"testkiln/env\"==%s", env.ID))
	if err != nil {
		// Fall back to deleting by the env's currently-assigned test, the
		// common case when the label query itself isn't supported.
		if env.AssignedTest == "" {
			return nil
		}
		return r.deleteContainer(ctx, containerName(env.ID, env.AssignedTest))
	}
	for _, c := range containers {
		if err := r.deleteContainer(ctx, c.ID()); err != nil {
			r.logger.Error().Err(err).Str("container_id", c.ID()).Msg("failed to clean up container during reset")
		}
	}
	return nil
}

func (r *ContainerRunner) deleteContainer(ctx context.Context, id string) error {
	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return nil
	}
	if task, err := container.Task(ctx, nil); err == nil {
		task.Kill(ctx, syscall.SIGKILL)
		task.Delete(ctx)
	}
	return container.Delete(ctx, containerd.WithSnapshotCleanup)
}

func containerName(envID, testID string) string {
	return fmt.Sprintf("%s-%s", envID, testID)
}

var _ Runner = (*ContainerRunner)(nil)
