package runtime

import (
	"bytes"
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/cuemby/scanplane/pkg/log"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"
)

const (
	// DefaultNamespace is the containerd namespace for engine containers
	DefaultNamespace = "scanplane"

	// DefaultSocketPath is the default containerd socket
	DefaultSocketPath = "/run/containerd/containerd.sock"

	// SandboxRoot is where the workspace is mounted inside a container
	SandboxRoot = "/workspace"

	cfsPeriod = 100000
)

// ContainerdRunner runs engines as containerd containers with the task
// workspace bind-mounted at SandboxRoot
type ContainerdRunner struct {
	client    *containerd.Client
	namespace string
	logger    zerolog.Logger
}

// NewContainerdRunner connects to containerd
func NewContainerdRunner(socketPath, namespace string) (*ContainerdRunner, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	return &ContainerdRunner{
		client:    client,
		namespace: namespace,
		logger:    log.WithComponent("runtime"),
	}, nil
}

// Close closes the containerd client connection
func (r *ContainerdRunner) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Root returns the in-container mount point
func (r *ContainerdRunner) Root(string) string { return SandboxRoot }

// Run pulls the image if needed, runs the container to completion and
// removes it
func (r *ContainerdRunner) Run(ctx context.Context, job Job) (*Result, error) {
	if job.Image == "" {
		return nil, fmt.Errorf("job %s has no image", job.ID)
	}
	ctx = namespaces.WithNamespace(ctx, r.namespace)
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	image, err := r.ensureImage(ctx, job.Image)
	if err != nil {
		return nil, err
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(envList(job.Env)),
		oci.WithProcessCwd(SandboxRoot),
		oci.WithMounts([]specs.Mount{
			{
				Source:      job.Workspace,
				Destination: SandboxRoot,
				Type:        "bind",
				Options:     []string{"rw", "rbind"},
			},
		}),
	}
	if len(job.Command) > 0 {
		opts = append(opts, oci.WithProcessArgs(job.Command...))
	}
	if job.CPULimit > 0 {
		opts = append(opts, oci.WithCPUCFS(int64(job.CPULimit*cfsPeriod), cfsPeriod))
	}
	if job.MemoryLimitMB > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(job.MemoryLimitMB)*1024*1024))
	}

	container, err := r.client.NewContainer(
		ctx,
		job.ID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(job.ID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	defer r.cleanup(container)

	var stdout, stderr bytes.Buffer
	task, err := container.NewTask(ctx, cio.NewCreator(cio.WithStreams(nil, &stdout, &stderr)))
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	defer func() {
		if _, err := task.Delete(context.WithoutCancel(ctx), containerd.WithProcessKill); err != nil {
			r.logger.Warn().Err(err).Str("container", job.ID).Msg("Failed to delete container task")
		}
	}()

	// Wait must be registered before Start so a fast exit is not missed
	statusC, err := task.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to wait for task: %w", err)
	}

	start := time.Now()
	if err := task.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start task: %w", err)
	}

	select {
	case status := <-statusC:
		code, _, err := status.Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read exit status: %w", err)
		}
		if io := task.IO(); io != nil {
			io.Wait()
		}
		return &Result{
			ExitCode: int(code),
			Stdout:   stdout.Bytes(),
			Stderr:   stderr.Bytes(),
			Duration: time.Since(start),
		}, nil
	case <-ctx.Done():
		if err := task.Kill(context.WithoutCancel(ctx), syscall.SIGKILL); err != nil {
			r.logger.Warn().Err(err).Str("container", job.ID).Msg("Failed to kill container")
		}
		return &Result{
			ExitCode: -1,
			Stdout:   stdout.Bytes(),
			Stderr:   stderr.Bytes(),
			Duration: time.Since(start),
		}, fmt.Errorf("engine container %s: %w", job.ID, ctx.Err())
	}
}

func (r *ContainerdRunner) ensureImage(ctx context.Context, ref string) (containerd.Image, error) {
	image, err := r.client.GetImage(ctx, ref)
	if err == nil {
		return image, nil
	}
	image, err = r.client.Pull(ctx, ref, containerd.WithPullUnpack)
	if err != nil {
		return nil, fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	return image, nil
}

func (r *ContainerdRunner) cleanup(container containerd.Container) {
	ctx := namespaces.WithNamespace(context.Background(), r.namespace)
	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		r.logger.Warn().Err(err).Str("container", container.ID()).Msg("Failed to delete container")
	}
}

// Prune removes containers left behind by an interrupted run
func (r *ContainerdRunner) Prune(ctx context.Context) (int, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	containers, err := r.client.Containers(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list containers: %w", err)
	}

	removed := 0
	for _, c := range containers {
		if task, err := c.Task(ctx, nil); err == nil {
			_, _ = task.Delete(ctx, containerd.WithProcessKill)
		}
		if err := c.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
			r.logger.Warn().Err(err).Str("container", c.ID()).Msg("Failed to prune container")
			continue
		}
		removed++
	}
	return removed, nil
}
