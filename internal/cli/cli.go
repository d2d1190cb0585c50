package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/buildkite/jobrunner/internal/runtimeconfig"
	"github.com/buildkite/jobrunner/internal/sandbox"
	"github.com/buildkite/jobrunner/internal/sandbox/process"
	"github.com/charmbracelet/log"
)

type runtimeContext struct {
	Version    string
	Stdout     io.Writer
	Stderr     io.Writer
	Config     runtimeconfig.Config
	ConfigPath string
	// NewBackends builds the sandbox backends a worker or doctor run uses.
	// Tests replace it to avoid touching Docker.
	NewBackends func(cfg runtimeconfig.Config, names []string, logger *log.Logger) (*sandbox.Registry, error)
}

type CLI struct {
	Version kong.VersionFlag `help:"Print version and exit"`

	Serve  ServeCommand  `cmd:"" help:"Run the job runner API server"`
	Worker WorkerCommand `cmd:"" help:"Claim and execute jobs from a job runner server"`

	Submit SubmitCommand `cmd:"" help:"Submit a job"`
	Status StatusCommand `cmd:"" help:"Show a job"`
	List   ListCommand   `cmd:"" help:"List your jobs"`
	Logs   LogsCommand   `cmd:"" help:"Print a job's log"`
	Cancel CancelCommand `cmd:"" help:"Cancel a job"`
	Usage  UsageCommand  `cmd:"" help:"Show your quota usage"`

	Doctor DoctorCommand `cmd:"" help:"Run environment and sandbox diagnostics"`
	TLS    TLSCommand    `cmd:"" name:"tls" help:"TLS certificate commands"`

	SandboxExec SandboxExecCommand `cmd:"" name:"sandbox-exec" hidden:"" help:"Apply rlimits and exec a job command"`
}

type exitCodeError struct {
	code int
}

func (e exitCodeError) Error() string {
	return fmt.Sprintf("command failed with exit code %d", e.code)
}

func (e exitCodeError) ExitCode() int {
	return e.code
}

type hasExitCode interface {
	ExitCode() int
}

func Run(args []string, version string) error {
	// The shim runs inside job processes and must not depend on the
	// operator's config file.
	if len(args) > 0 && args[0] == process.ShimCommand {
		return run(args, &runtimeContext{Version: version, Stdout: os.Stdout, Stderr: os.Stderr})
	}

	cfg, cfgPath, err := runtimeconfig.Load()
	if err != nil {
		return err
	}
	return run(args, &runtimeContext{
		Version:     version,
		Stdout:      os.Stdout,
		Stderr:      os.Stderr,
		Config:      cfg,
		ConfigPath:  cfgPath,
		NewBackends: newBackends,
	})
}

func run(args []string, rc *runtimeContext) error {
	cli := CLI{}
	parser, err := newParser(&cli, rc.Version)
	if err != nil {
		return err
	}
	ctx, err := parser.Parse(args)
	if err != nil {
		return err
	}
	return ctx.Run(rc)
}

func newParser(cli *CLI, version string) (*kong.Kong, error) {
	if version == "" {
		version = "dev"
	}
	return kong.New(
		cli,
		kong.Name("jobrunner"),
		kong.Description("Multi-tenant sandboxed job runner"),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)
}

func ExitCode(err error) int {
	var codeErr hasExitCode
	if errors.As(err, &codeErr) {
		return codeErr.ExitCode()
	}
	return 1
}

func newLogger(rawLevel, component string) (*log.Logger, error) {
	levelName := effectiveLogLevel(rawLevel)
	level, err := log.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", rawLevel, err)
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{
		Level:           level,
		Formatter:       log.TextFormatter,
		ReportTimestamp: true,
	})
	applyLoggerStyles(logger, shouldUseANSI(os.Stderr))
	return logger.With("component", component), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
