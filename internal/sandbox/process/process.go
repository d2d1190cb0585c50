// Package process runs jobs as host processes with rlimits applied before
// exec. It is not a security boundary: the command shares the worker's
// filesystem view, network and user.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/buildkite/jobrunner/internal/failure"
	"github.com/buildkite/jobrunner/internal/jobapi"
	"github.com/buildkite/jobrunner/internal/paths"
	"github.com/buildkite/jobrunner/internal/sandbox"
	"github.com/charmbracelet/log"
	"golang.org/x/sys/unix"
)

const (
	defaultKillGrace = 5 * time.Second
	defaultPath      = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
)

// Limits are applied by the shim with setrlimit. Zero leaves a limit as
// inherited from the worker.
type Limits struct {
	CPUSeconds uint64
	MemoryMiB  uint64
	OpenFiles  uint64
	Processes  uint64
}

func DefaultLimits() Limits {
	return Limits{
		CPUSeconds: 300,
		MemoryMiB:  1024,
		OpenFiles:  256,
		Processes:  256,
	}
}

type Config struct {
	// Executable is the binary that provides the sandbox-exec shim. Defaults
	// to the running executable.
	Executable string
	// ScratchDir holds per-job working directories.
	ScratchDir string
	Limits     Limits
	KillGrace  time.Duration
	Logger     *log.Logger
}

type Backend struct {
	executable string
	scratchDir string
	limits     Limits
	killGrace  time.Duration
	logger     *log.Logger
}

func New(cfg Config) (*Backend, error) {
	b := &Backend{
		executable: cfg.Executable,
		scratchDir: cfg.ScratchDir,
		limits:     cfg.Limits,
		killGrace:  cfg.KillGrace,
		logger:     cfg.Logger,
	}
	if b.executable == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve shim executable: %w", err)
		}
		b.executable = exe
	}
	if b.scratchDir == "" {
		dir, err := paths.ScratchDir()
		if err != nil {
			return nil, fmt.Errorf("resolve scratch directory: %w", err)
		}
		b.scratchDir = dir
	}
	if b.killGrace <= 0 {
		b.killGrace = defaultKillGrace
	}
	if b.logger == nil {
		b.logger = log.New(io.Discard)
	}
	return b, nil
}

func (b *Backend) Name() string {
	return jobapi.SandboxProcess
}

func (b *Backend) SupportsIsolation(level sandbox.IsolationLevel) bool {
	return level == sandbox.IsolationBestEffort
}

func (b *Backend) Capabilities() map[string]bool {
	return map[string]bool{
		sandbox.CapabilityResourceLimits: true,
	}
}

func (b *Backend) Doctor(_ context.Context) (*sandbox.DoctorReport, error) {
	report := &sandbox.DoctorReport{Backend: b.Name()}
	switch runtime.GOOS {
	case "linux", "darwin":
		report.Add("os", "pass", fmt.Sprintf("%s host detected", runtime.GOOS))
	default:
		report.Add("os", "fail", fmt.Sprintf("rlimits are not supported on %s", runtime.GOOS))
	}
	if _, err := os.Stat(b.executable); err != nil {
		report.Add("shim", "fail", fmt.Sprintf("shim executable not accessible: %v", err))
	} else {
		report.Add("shim", "pass", fmt.Sprintf("shim executable %s", b.executable))
	}
	if err := os.MkdirAll(b.scratchDir, 0o700); err != nil {
		report.Add("scratch_dir", "fail", fmt.Sprintf("cannot create scratch directory: %v", err))
	} else {
		report.Add("scratch_dir", "pass", fmt.Sprintf("scratch directory %s", b.scratchDir))
	}
	report.Add("isolation", "warn", "process sandbox is not a security boundary")
	return report, nil
}

func (b *Backend) Execute(ctx context.Context, req sandbox.Request, stream sandbox.OutputStream) (sandbox.Result, error) {
	argv := req.Argv()
	if len(argv) == 0 {
		return sandbox.Result{}, failure.Sandbox(failure.SandboxSetupFailed, errors.New("empty command"))
	}
	if _, err := exec.LookPath(argv[0]); err != nil {
		return sandbox.Result{}, failure.Sandbox(failure.SandboxSetupFailed, fmt.Errorf("command %q not found: %w", argv[0], err))
	}

	if err := os.MkdirAll(b.scratchDir, 0o700); err != nil {
		return sandbox.Result{}, failure.Sandbox(failure.SandboxSetupFailed, fmt.Errorf("create scratch directory: %w", err))
	}
	workdir, err := os.MkdirTemp(b.scratchDir, "job-")
	if err != nil {
		return sandbox.Result{}, failure.Sandbox(failure.SandboxSetupFailed, fmt.Errorf("create job directory: %w", err))
	}
	defer func() {
		if err := os.RemoveAll(workdir); err != nil {
			b.logger.Warn("failed to remove job directory", "job_id", req.JobID, "dir", workdir, "error", err)
		}
	}()

	cmd := exec.Command(b.executable, ShimArgs(b.limitsFor(req.Spec), argv)...)
	cmd.Dir = workdir
	cmd.Env = jobEnv(req, workdir)
	cmd.Stdout = stream.Stdout()
	cmd.Stderr = stream.Stderr()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = b.killGrace

	if err := cmd.Start(); err != nil {
		return sandbox.Result{}, failure.Sandbox(failure.SandboxSetupFailed, fmt.Errorf("start job process: %w", err))
	}
	pid := cmd.Process.Pid
	b.logger.Debug("job process started", "job_id", req.JobID, "attempt", req.Attempt, "pid", pid)

	waitCh := make(chan error, 1)
	go func() {
		waitCh <- cmd.Wait()
	}()

	select {
	case err := <-waitCh:
		return exitResult(err)
	case <-ctx.Done():
		b.stop(pid, waitCh)
		return sandbox.ContextResult(ctx, req.Spec.Timeout())
	}
}

func (b *Backend) limitsFor(spec jobapi.JobSpec) Limits {
	limits := b.limits
	if spec.Limits.MemoryMiB > 0 {
		limits.MemoryMiB = uint64(spec.Limits.MemoryMiB)
	}
	if spec.Limits.Pids > 0 {
		limits.Processes = uint64(spec.Limits.Pids)
	}
	return limits
}

// stop signals the whole process group, escalating to SIGKILL after the
// grace period.
func (b *Backend) stop(pid int, waitCh <-chan error) {
	_ = unix.Kill(-pid, unix.SIGTERM)
	timer := time.NewTimer(b.killGrace)
	defer timer.Stop()
	select {
	case <-waitCh:
		return
	case <-timer.C:
	}
	_ = unix.Kill(-pid, unix.SIGKILL)
	<-waitCh
}

func exitResult(err error) (sandbox.Result, error) {
	if err == nil {
		return sandbox.Result{ExitCode: 0}, nil
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return sandbox.Result{}, fmt.Errorf("wait for job process: %w", err)
	}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		sig := status.Signal()
		code := 128 + int(sig)
		if resourceSignal(sig) {
			msg := fmt.Sprintf("killed by %s", unix.SignalName(sig))
			return sandbox.Result{ExitCode: code, Message: msg},
				failure.Sandbox(failure.SandboxResourceExceeded, errors.New(msg))
		}
		return sandbox.Result{ExitCode: code, Message: fmt.Sprintf("terminated by %s", unix.SignalName(sig))}, nil
	}
	return sandbox.Result{ExitCode: exitErr.ExitCode()}, nil
}

func resourceSignal(sig syscall.Signal) bool {
	switch sig {
	case unix.SIGKILL, unix.SIGXCPU, unix.SIGXFSZ:
		return true
	}
	return false
}

func jobEnv(req sandbox.Request, workdir string) []string {
	return []string{
		"PATH=" + defaultPath,
		"HOME=" + workdir,
		"TMPDIR=" + workdir,
		"LANG=C.UTF-8",
		"JOBRUNNER_JOB_ID=" + req.JobID,
		"JOBRUNNER_ATTEMPT=" + strconv.Itoa(req.Attempt),
	}
}
