// Package container runs jobs in Docker containers with a per-job network,
// dropped capabilities and cgroup resource limits.
package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/buildkite/jobrunner/internal/failure"
	"github.com/buildkite/jobrunner/internal/jobapi"
	"github.com/buildkite/jobrunner/internal/sandbox"
	"github.com/charmbracelet/log"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

const (
	defaultStopGrace     = 10 * time.Second
	defaultNetworkDriver = "bridge"
	cleanupTimeout       = 30 * time.Second
	logDrainTimeout      = 5 * time.Second
	workDir              = "/work"

	labelJobID   = "jobrunner.job_id"
	labelAttempt = "jobrunner.attempt"
)

type PullPolicy string

const (
	PullMissing PullPolicy = "missing"
	PullAlways  PullPolicy = "always"
	PullNever   PullPolicy = "never"
)

func ParsePullPolicy(raw string) (PullPolicy, error) {
	switch p := PullPolicy(strings.ToLower(strings.TrimSpace(raw))); p {
	case "":
		return PullMissing, nil
	case PullMissing, PullAlways, PullNever:
		return p, nil
	default:
		return "", fmt.Errorf("unknown pull policy %q (expected missing|always|never)", raw)
	}
}

// dockerAPI is the subset of *client.Client the backend uses.
type dockerAPI interface {
	Ping(ctx context.Context) (types.Ping, error)
	ImageInspect(ctx context.Context, imageID string, opts ...client.ImageInspectOption) (image.InspectResponse, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error)
	NetworkRemove(ctx context.Context, networkID string) error
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
}

type Config struct {
	// User is passed to the container as uid[:gid] or a user name. Empty
	// keeps the image default.
	User           string
	ReadOnlyRootFS bool
	// CPUs, MemoryMiB and PidsLimit apply when the job sets no limit.
	CPUs      float64
	MemoryMiB int64
	PidsLimit int64
	Pull      PullPolicy
	// NetworkDriver is used for per-job networks.
	NetworkDriver string
	// InternalNetworks creates per-job networks without external routing.
	InternalNetworks bool
	StopGrace        time.Duration
	Logger           *log.Logger
}

type Backend struct {
	api    dockerAPI
	cfg    Config
	logger *log.Logger
}

// New connects to the Docker daemon configured by the environment
// (DOCKER_HOST and friends). The daemon is not contacted until first use.
func New(cfg Config) (*Backend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return newWithAPI(cli, cfg), nil
}

func newWithAPI(api dockerAPI, cfg Config) *Backend {
	if cfg.Pull == "" {
		cfg.Pull = PullMissing
	}
	if cfg.NetworkDriver == "" {
		cfg.NetworkDriver = defaultNetworkDriver
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = defaultStopGrace
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Backend{api: api, cfg: cfg, logger: logger}
}

func (b *Backend) Name() string {
	return jobapi.SandboxContainer
}

func (b *Backend) SupportsIsolation(level sandbox.IsolationLevel) bool {
	return level == sandbox.IsolationStrong || level == sandbox.IsolationBestEffort
}

func (b *Backend) Capabilities() map[string]bool {
	return map[string]bool{
		sandbox.CapabilityNetworkPerJob:  true,
		sandbox.CapabilityNetworkNone:    true,
		sandbox.CapabilityResourceLimits: true,
		sandbox.CapabilityCapabilityDrop: true,
		sandbox.CapabilityReadOnlyRootFS: b.cfg.ReadOnlyRootFS,
	}
}

func (b *Backend) Doctor(ctx context.Context) (*sandbox.DoctorReport, error) {
	report := &sandbox.DoctorReport{Backend: b.Name()}
	ping, err := b.api.Ping(ctx)
	if err != nil {
		report.Add("daemon", "fail", fmt.Sprintf("docker daemon unreachable: %v", err))
		return report, nil
	}
	report.Add("daemon", "pass", fmt.Sprintf("docker daemon reachable (API %s, %s)", ping.APIVersion, ping.OSType))
	if ping.OSType != "" && ping.OSType != "linux" {
		report.Add("os_type", "warn", fmt.Sprintf("daemon runs %s containers", ping.OSType))
	}

	if _, err := b.api.ImageInspect(ctx, jobapi.DefaultImage); err != nil {
		status := "warn"
		if b.cfg.Pull == PullNever {
			status = "fail"
		}
		report.Add("default_image", status, fmt.Sprintf("default image %s not present locally (pull policy %s)", jobapi.DefaultImage, b.cfg.Pull))
	} else {
		report.Add("default_image", "pass", fmt.Sprintf("default image %s present", jobapi.DefaultImage))
	}

	if b.cfg.User == "" {
		report.Add("user", "warn", "containers run as the image default user")
	} else {
		report.Add("user", "pass", fmt.Sprintf("containers run as %s", b.cfg.User))
	}
	return report, nil
}

// Execute acquires network then container, and releases both on every path.
func (b *Backend) Execute(ctx context.Context, req sandbox.Request, stream sandbox.OutputStream) (sandbox.Result, error) {
	timeout := req.Spec.Timeout()
	logger := b.logger.With("job_id", req.JobID, "attempt", req.Attempt)

	if _, err := b.api.Ping(ctx); err != nil {
		if ctx.Err() != nil {
			return sandbox.ContextResult(ctx, timeout)
		}
		return sandbox.Result{}, failure.Sandbox(failure.SandboxBackendUnavailable, fmt.Errorf("docker daemon unreachable: %w", err))
	}
	if err := b.ensureImage(ctx, req.Spec.Image); err != nil {
		if ctx.Err() != nil {
			return sandbox.ContextResult(ctx, timeout)
		}
		return sandbox.Result{}, err
	}

	name := resourceName(req)
	networkMode, err := b.attachNetwork(ctx, req, name)
	if err != nil {
		if ctx.Err() != nil {
			return sandbox.ContextResult(ctx, timeout)
		}
		return sandbox.Result{}, err
	}
	if networkMode == container.NetworkMode(name) {
		defer b.removeNetwork(ctx, logger, name)
	}

	created, err := b.api.ContainerCreate(ctx, b.containerConfig(req), b.hostConfig(req, networkMode), nil, nil, name)
	if err != nil {
		if ctx.Err() != nil {
			return sandbox.ContextResult(ctx, timeout)
		}
		return sandbox.Result{}, classify(fmt.Errorf("create container: %w", err))
	}
	defer b.removeContainer(ctx, logger, created.ID)

	if err := b.api.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		if ctx.Err() != nil {
			return sandbox.ContextResult(ctx, timeout)
		}
		return sandbox.Result{}, classify(fmt.Errorf("start container: %w", err))
	}
	logger.Debug("container started", "container_id", shortID(created.ID), "network", networkMode)

	waitCtx, cancelWait := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWait()

	statusCh, waitErrCh := b.api.ContainerWait(waitCtx, created.ID, container.WaitConditionNotRunning)
	logsDone := make(chan error, 1)
	go func() {
		logsDone <- b.streamLogs(waitCtx, created.ID, stream)
	}()

	var exitCode int64
	select {
	case status := <-statusCh:
		if status.Error != nil && status.Error.Message != "" {
			logger.Warn("container wait reported error", "error", status.Error.Message)
		}
		exitCode = status.StatusCode
	case err := <-waitErrCh:
		cancelWait()
		<-logsDone
		return sandbox.Result{}, failure.Sandbox(failure.SandboxBackendUnavailable, fmt.Errorf("wait for container: %w", err))
	case <-ctx.Done():
		b.stopContainer(waitCtx, logger, created.ID, statusCh, waitErrCh)
		cancelWait()
		<-logsDone
		return sandbox.ContextResult(ctx, timeout)
	}

	b.drainLogs(logger, logsDone, cancelWait)

	inspect, err := b.api.ContainerInspect(waitCtx, created.ID)
	if err == nil && inspect.ContainerJSONBase != nil && inspect.State != nil && inspect.State.OOMKilled {
		return sandbox.Result{ExitCode: sandbox.ExitKilled, Message: "out of memory"},
			failure.Sandbox(failure.SandboxResourceExceeded, errors.New("container exceeded its memory limit"))
	}
	return sandbox.Result{ExitCode: int(exitCode)}, nil
}

func (b *Backend) ensureImage(ctx context.Context, ref string) error {
	if b.cfg.Pull != PullAlways {
		_, err := b.api.ImageInspect(ctx, ref)
		if err == nil {
			return nil
		}
		if !errdefs.IsNotFound(err) {
			return classify(fmt.Errorf("inspect image %s: %w", ref, err))
		}
		if b.cfg.Pull == PullNever {
			return failure.Sandbox(failure.SandboxSetupFailed, fmt.Errorf("image %s not present and pulling is disabled", ref))
		}
	}

	rc, err := b.api.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return classify(fmt.Errorf("pull image %s: %w", ref, err))
	}
	defer rc.Close()
	if err := jsonmessage.DisplayJSONMessagesStream(rc, io.Discard, 0, false, nil); err != nil {
		return failure.Sandbox(failure.SandboxSetupFailed, fmt.Errorf("pull image %s: %w", ref, err))
	}
	return nil
}

func (b *Backend) attachNetwork(ctx context.Context, req sandbox.Request, name string) (container.NetworkMode, error) {
	switch mode := req.Spec.Network; mode {
	case "", jobapi.NetworkPerJob:
		_, err := b.api.NetworkCreate(ctx, name, network.CreateOptions{
			Driver:   b.cfg.NetworkDriver,
			Internal: b.cfg.InternalNetworks,
			Labels:   labels(req),
		})
		if err != nil {
			return "", classify(fmt.Errorf("create network %s: %w", name, err))
		}
		return container.NetworkMode(name), nil
	case jobapi.NetworkNone:
		return "none", nil
	case jobapi.NetworkBridge:
		return "bridge", nil
	default:
		return container.NetworkMode(mode), nil
	}
}

func (b *Backend) containerConfig(req sandbox.Request) *container.Config {
	return &container.Config{
		Image:        req.Spec.Image,
		Cmd:          req.Argv(),
		User:         b.cfg.User,
		WorkingDir:   workDir,
		Env:          []string{"HOME=" + workDir, "JOBRUNNER_JOB_ID=" + req.JobID, "JOBRUNNER_ATTEMPT=" + strconv.Itoa(req.Attempt)},
		Labels:       labels(req),
		AttachStdout: true,
		AttachStderr: true,
	}
}

func (b *Backend) hostConfig(req sandbox.Request, networkMode container.NetworkMode) *container.HostConfig {
	cpus := req.Spec.Limits.CPUs
	if cpus == 0 {
		cpus = b.cfg.CPUs
	}
	memoryMiB := req.Spec.Limits.MemoryMiB
	if memoryMiB == 0 {
		memoryMiB = b.cfg.MemoryMiB
	}
	pids := req.Spec.Limits.Pids
	if pids == 0 {
		pids = b.cfg.PidsLimit
	}

	hc := &container.HostConfig{
		NetworkMode:    networkMode,
		CapDrop:        []string{"ALL"},
		CapAdd:         append([]string(nil), req.Spec.CapAdd...),
		ReadonlyRootfs: b.cfg.ReadOnlyRootFS,
		SecurityOpt:    []string{"no-new-privileges"},
		IpcMode:        "private",
		Tmpfs: map[string]string{
			"/tmp":  "rw,nosuid,nodev,mode=1777",
			workDir: "rw,nosuid,nodev,exec,mode=1777",
		},
	}
	if cpus > 0 {
		hc.NanoCPUs = int64(cpus * 1e9)
	}
	if memoryMiB > 0 {
		hc.Memory = memoryMiB << 20
		hc.MemorySwap = hc.Memory
	}
	if pids > 0 {
		hc.PidsLimit = &pids
	}
	return hc
}

func (b *Backend) streamLogs(ctx context.Context, id string, stream sandbox.OutputStream) error {
	rc, err := b.api.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true, Follow: true})
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = stdcopy.StdCopy(stream.Stdout(), stream.Stderr(), rc)
	return err
}

func (b *Backend) drainLogs(logger *log.Logger, logsDone <-chan error, cancel context.CancelFunc) {
	timer := time.NewTimer(logDrainTimeout)
	defer timer.Stop()
	select {
	case err := <-logsDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("container log stream ended with error", "error", err)
		}
	case <-timer.C:
		cancel()
		<-logsDone
		logger.Warn("container log stream did not finish after exit")
	}
}

func (b *Backend) stopContainer(ctx context.Context, logger *log.Logger, id string, statusCh <-chan container.WaitResponse, waitErrCh <-chan error) {
	grace := int(b.cfg.StopGrace / time.Second)
	if err := b.api.ContainerStop(ctx, id, container.StopOptions{Timeout: &grace}); err != nil && !errdefs.IsNotFound(err) {
		logger.Warn("failed to stop container", "container_id", shortID(id), "error", err)
	}
	timer := time.NewTimer(b.cfg.StopGrace + logDrainTimeout)
	defer timer.Stop()
	select {
	case <-statusCh:
	case <-waitErrCh:
	case <-timer.C:
		logger.Warn("container did not exit after stop", "container_id", shortID(id))
	}
}

func (b *Backend) removeContainer(ctx context.Context, logger *log.Logger, id string) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	err := b.api.ContainerRemove(cleanupCtx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !errdefs.IsNotFound(err) {
		logger.Error("failed to remove container", "container_id", shortID(id), "error", err)
	}
}

func (b *Backend) removeNetwork(ctx context.Context, logger *log.Logger, name string) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := b.api.NetworkRemove(cleanupCtx, name); err != nil && !errdefs.IsNotFound(err) {
		logger.Error("failed to remove network", "network", name, "error", err)
	}
}

// classify maps daemon errors onto sandbox failure reasons.
func classify(err error) error {
	switch {
	case client.IsErrConnectionFailed(err), errdefs.IsUnavailable(err):
		return failure.Sandbox(failure.SandboxBackendUnavailable, err)
	default:
		return failure.Sandbox(failure.SandboxSetupFailed, err)
	}
}

func resourceName(req sandbox.Request) string {
	return fmt.Sprintf("jobrunner-%s-%d", strings.ReplaceAll(req.JobID, "_", "-"), req.Attempt)
}

func labels(req sandbox.Request) map[string]string {
	return map[string]string{
		labelJobID:   req.JobID,
		labelAttempt: strconv.Itoa(req.Attempt),
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
