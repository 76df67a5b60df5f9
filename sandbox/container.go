// Package sandbox provides isolated execution of user-supplied Python code.
//
// The ContainerRunner keeps one long-lived container per session, installs
// dependencies into it and runs each harness through the exec API. Network
// isolation is enforced by detaching the container from its network while
// code that may not reach the outside is running.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"
)

// DockerClient is the interface for Docker operations that we use.
// This allows us to mock the Docker client for testing.
type DockerClient interface {
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerRestart(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader, options container.CopyToContainerOptions) error
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	NetworkConnect(ctx context.Context, networkID, containerID string, config *network.EndpointSettings) error
	NetworkDisconnect(ctx context.Context, networkID, containerID string, force bool) error
}

// DefaultContainerInstallCommand installs one specifier into the container's interpreter.
var DefaultContainerInstallCommand = []string{"{python}", "-m", "pip", "install", "--quiet", "--disable-pip-version-check", "--root-user-action=ignore"}

// Container layout
const (
	containerHarnessDir = "/sandbox"
	containerWorkdir    = "/tmp"
	containerExecUser   = "nobody"
	containerLabel      = "io.pysandbox.session"
)

// exitPollInterval and exitPollAttempts bound how long Execute waits for the
// daemon to publish an exec's exit code after its streams close.
const (
	exitPollInterval = 50 * time.Millisecond
	exitPollAttempts = 40
)

// errExecStillRunning means the exec's streams closed but the daemon still
// reports the process as running once the poll budget is spent.
var errExecStillRunning = errors.New("exec still running after its output closed")

// ContainerRunner implements Runner using a Docker container.
type ContainerRunner struct {
	logger *zap.Logger
	opts   ContainerOptions
	client DockerClient

	prepared    bool
	containerID string
	python      string
	connected   bool
	runs        int
}

// ContainerRunnerOption defines a functional option for ContainerRunner
type ContainerRunnerOption func(*ContainerRunner)

// WithContainerDockerClient sets the DockerClient for ContainerRunner
func WithContainerDockerClient(c DockerClient) ContainerRunnerOption {
	return func(r *ContainerRunner) {
		r.client = c
	}
}

// NewContainerRunner creates a new ContainerRunner. The Docker client is
// created from the environment on Prepare unless one is supplied.
func NewContainerRunner(logger *zap.Logger, opts ContainerOptions, runnerOpts ...ContainerRunnerOption) *ContainerRunner {
	if opts.Image == "" {
		opts.Image = DefaultContainerImage
	}
	if opts.PullPolicy == "" {
		opts.PullPolicy = PullPolicyMissing
	}
	if opts.Network == "" {
		opts.Network = DefaultContainerNetwork
	}
	if len(opts.InstallCommand) == 0 {
		opts.InstallCommand = DefaultContainerInstallCommand
	}

	r := &ContainerRunner{
		logger: logger.With(zap.String("runner", string(RunnerContainer))),
		opts:   opts,
	}

	for _, opt := range runnerOpts {
		opt(r)
	}

	return r
}

// Prepare pulls the image if needed and starts the session container.
func (r *ContainerRunner) Prepare(ctx context.Context) error {
	if r.prepared {
		return ErrAlreadyPrepared
	}
	r.prepared = true

	if r.client == nil {
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return fmt.Errorf("could not create Docker client: %w", err)
		}
		r.client = cli
	}

	if r.opts.PullPolicy == PullPolicyAlways {
		if err := r.pullImage(ctx); err != nil {
			return err
		}
	}

	sessionID := uuid.NewString()
	name := "pysandbox-" + sessionID
	labels := map[string]string{containerLabel: sessionID}
	for k, v := range r.opts.Labels {
		labels[k] = v
	}

	containerConfig := &container.Config{
		Image:      r.opts.Image,
		Cmd:        []string{"sleep", "infinity"},
		WorkingDir: containerWorkdir,
		Labels:     labels,
	}
	hostConfig := &container.HostConfig{
		NetworkMode: container.NetworkMode(r.opts.Network),
		SecurityOpt: []string{"no-new-privileges:true"},
		CapDrop:     []string{"ALL"},
		Resources:   r.resources(),
	}

	resp, err := r.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil && client.IsErrNotFound(err) && r.opts.PullPolicy == PullPolicyMissing {
		if pullErr := r.pullImage(ctx); pullErr != nil {
			return pullErr
		}
		resp, err = r.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	}
	if err != nil {
		return fmt.Errorf("failed to create container: %w", err)
	}
	r.containerID = resp.ID
	r.connected = true

	if err := r.client.ContainerStart(ctx, r.containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", r.containerID, err)
	}

	python, err := r.resolveInterpreter(ctx)
	if err != nil {
		return err
	}
	r.python = python

	r.logger.Info("container started",
		zap.String("container", r.containerID),
		zap.String("image", r.opts.Image),
		zap.String("python", python))

	return nil
}

func (r *ContainerRunner) resources() container.Resources {
	res := container.Resources{}
	if r.opts.MemoryMB > 0 {
		res.Memory = int64(r.opts.MemoryMB) * 1024 * 1024
	}
	if r.opts.CPUs > 0 {
		res.NanoCPUs = int64(r.opts.CPUs * 1e9)
	}
	if r.opts.PidsLimit > 0 {
		limit := r.opts.PidsLimit
		res.PidsLimit = &limit
	}
	return res
}

func (r *ContainerRunner) pullImage(ctx context.Context) error {
	r.logger.Info("pulling image", zap.String("image", r.opts.Image))

	pullResp, err := r.client.ImagePull(ctx, r.opts.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", r.opts.Image, err)
	}
	defer pullResp.Close()

	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, pullResp); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", r.opts.Image, err)
	}

	return nil
}

// resolveInterpreter finds the absolute interpreter path, which is needed
// because user code runs with an emptied environment and no PATH.
func (r *ContainerRunner) resolveInterpreter(ctx context.Context) (string, error) {
	stdout, stderr, exitCode, err := r.exec(ctx, container.ExecOptions{
		Cmd: []string{"sh", "-c", "command -v python3 || command -v python"},
	})
	if err != nil {
		return "", fmt.Errorf("failed to locate python in container: %w", err)
	}
	python := strings.TrimSpace(stdout)
	if exitCode != 0 || python == "" {
		return "", fmt.Errorf("no python interpreter found in image %s: %s", r.opts.Image, strings.TrimSpace(stderr))
	}
	return python, nil
}

// InstallDependencies runs the install command inside the container with network attached.
func (r *ContainerRunner) InstallDependencies(ctx context.Context, specs []DependencySpec) error {
	if r.containerID == "" {
		return ErrNotPrepared
	}
	if len(specs) == 0 {
		return nil
	}

	if err := r.setNetwork(ctx, true); err != nil {
		return fmt.Errorf("failed to attach network for installation: %w", err)
	}

	for _, spec := range specs {
		r.logger.Info("installing dependency", zap.String("specifier", spec.Specifier()))

		_, stderr, exitCode, err := r.exec(ctx, container.ExecOptions{
			Cmd: installArgs(r.opts.InstallCommand, r.python, spec),
		})
		if err != nil {
			return &DependencyInstallError{Spec: spec, Message: err.Error()}
		}
		if exitCode != 0 {
			return &DependencyInstallError{Spec: spec, Message: installFailureMessage(stderr, exitCode)}
		}
	}

	return nil
}

// Execute copies the harness into the container and runs it as an unprivileged
// user whose environment is exactly env.
func (r *ContainerRunner) Execute(ctx context.Context, h Harness, timeout time.Duration, env map[string]string, allowNetwork bool) ExecutionOutcome {
	if r.containerID == "" {
		return ExecutionOutcome{LaunchFailed: true, LaunchMessage: ErrNotPrepared.Error()}
	}

	if err := r.setNetwork(ctx, allowNetwork); err != nil {
		return ExecutionOutcome{LaunchFailed: true, LaunchMessage: fmt.Sprintf("failed to apply network policy: %v", err)}
	}

	r.runs++
	harnessPath := path.Join(containerHarnessDir, harnessFileName(r.runs))
	archive, err := singleFileTar(harnessPath, []byte(h.Source), 0o644)
	if err != nil {
		return ExecutionOutcome{LaunchFailed: true, LaunchMessage: fmt.Sprintf("failed to archive harness: %v", err)}
	}
	if err := r.client.CopyToContainer(ctx, r.containerID, "/", bytes.NewReader(archive), container.CopyToContainerOptions{}); err != nil {
		return ExecutionOutcome{LaunchFailed: true, LaunchMessage: fmt.Sprintf("failed to copy harness into container: %v", err)}
	}

	cmd := append([]string{"env", "-i"}, envList(env)...)
	cmd = append(cmd, r.python, "-u", harnessPath)

	ctxWithTimeout, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r.logger.Debug("executing harness",
		zap.String("mode", h.Mode.String()),
		zap.Duration("timeout", timeout),
		zap.Bool("network", allowNetwork))

	stdout, stderr, exitCode, err := r.exec(ctxWithTimeout, container.ExecOptions{
		Cmd:        cmd,
		User:       containerExecUser,
		WorkingDir: containerWorkdir,
	})

	switch {
	case errors.Is(ctxWithTimeout.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		r.logger.Info("execution timed out, restarting container", zap.Duration("timeout", timeout))
		r.killRunning()
		return ExecutionOutcome{ExitCode: -1, Stdout: stdout, Stderr: stderr, TimedOut: true}
	case ctx.Err() != nil:
		r.killRunning()
		return ExecutionOutcome{LaunchFailed: true, LaunchMessage: fmt.Sprintf("execution cancelled: %v", ctx.Err())}
	case errors.Is(err, errExecStillRunning):
		r.killRunning()
		return ExecutionOutcome{LaunchFailed: true, LaunchMessage: fmt.Sprintf("failed to exec in container: %v", err)}
	case err != nil:
		return ExecutionOutcome{LaunchFailed: true, LaunchMessage: fmt.Sprintf("failed to exec in container: %v", err)}
	}

	return ExecutionOutcome{ExitCode: exitCode, Stdout: stdout, Stderr: stderr}
}

// killRunning stops whatever the timed out exec left behind. Docker has no
// exec kill, so the container is restarted with no grace period; its
// filesystem, and so the installed packages, survive.
func (r *ContainerRunner) killRunning() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	zero := 0
	if err := r.client.ContainerRestart(ctx, r.containerID, container.StopOptions{Timeout: &zero}); err != nil {
		r.logger.Error("failed to restart container after timeout", zap.String("container", r.containerID), zap.Error(err))
	}
}

// setNetwork attaches or detaches the container from its network so that
// it matches want.
func (r *ContainerRunner) setNetwork(ctx context.Context, want bool) error {
	if r.connected == want {
		return nil
	}

	if want {
		if err := r.client.NetworkConnect(ctx, r.opts.Network, r.containerID, nil); err != nil {
			return err
		}
	} else {
		if err := r.client.NetworkDisconnect(ctx, r.opts.Network, r.containerID, true); err != nil {
			return err
		}
	}

	r.connected = want
	r.logger.Debug("container network updated", zap.String("network", r.opts.Network), zap.Bool("connected", want))

	return nil
}

// exec runs one command through the exec API. If ctx expires first, the output
// read so far is returned together with the context error.
func (r *ContainerRunner) exec(ctx context.Context, opts container.ExecOptions) (stdout, stderr string, exitCode int, err error) {
	opts.AttachStdout = true
	opts.AttachStderr = true

	created, err := r.client.ContainerExecCreate(ctx, r.containerID, opts)
	if err != nil {
		return "", "", 0, fmt.Errorf("failed to create exec: %w", err)
	}

	hijacked, err := r.client.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", "", 0, fmt.Errorf("failed to attach exec: %w", err)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	copyDone := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(&stdoutBuf, &stderrBuf, hijacked.Reader)
		copyDone <- copyErr
	}()

	select {
	case copyErr := <-copyDone:
		hijacked.Close()
		if copyErr != nil {
			return stdoutBuf.String(), stderrBuf.String(), 0, fmt.Errorf("failed to read exec output: %w", copyErr)
		}
	case <-ctx.Done():
		hijacked.Close()
		<-copyDone
		return stdoutBuf.String(), stderrBuf.String(), -1, ctx.Err()
	}

	exitCode, err = r.waitExitCode(ctx, created.ID)
	return stdoutBuf.String(), stderrBuf.String(), exitCode, err
}

func (r *ContainerRunner) waitExitCode(ctx context.Context, execID string) (int, error) {
	for attempt := 0; ; attempt++ {
		inspect, err := r.client.ContainerExecInspect(ctx, execID)
		if err != nil {
			return 0, fmt.Errorf("failed to inspect exec: %w", err)
		}
		if !inspect.Running {
			return inspect.ExitCode, nil
		}
		if attempt >= exitPollAttempts {
			return -1, errExecStillRunning
		}

		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-time.After(exitPollInterval):
		}
	}
}

// Teardown force-removes the container.
func (r *ContainerRunner) Teardown(ctx context.Context) {
	if r.containerID == "" {
		return
	}

	if err := r.client.ContainerRemove(ctx, r.containerID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if client.IsErrNotFound(err) {
			r.logger.Debug("container already removed", zap.String("container", r.containerID))
		} else {
			r.logger.Error("failed to remove container", zap.String("container", r.containerID), zap.Error(err))
			return
		}
	}

	r.logger.Info("container removed", zap.String("container", r.containerID))
	r.containerID = ""
}
