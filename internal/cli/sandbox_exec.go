package cli

import (
	"github.com/buildkite/jobrunner/internal/sandbox/process"
)

// SandboxExecCommand is re-executed by the process sandbox. Flag names must
// match process.ShimArgs.
type SandboxExecCommand struct {
	CPUSeconds uint64 `name:"cpu-seconds"`
	MemoryMiB  uint64 `name:"memory-mib"`
	OpenFiles  uint64 `name:"open-files"`
	Processes  uint64 `name:"processes"`

	Command []string `arg:"" passthrough:"" required:""`
}

func (s *SandboxExecCommand) Run(*runtimeContext) error {
	err := process.Exec(process.Limits{
		CPUSeconds: s.CPUSeconds,
		MemoryMiB:  s.MemoryMiB,
		OpenFiles:  s.OpenFiles,
		Processes:  s.Processes,
	}, s.Command)
	// Exec only returns on failure; 127 matches a shell's command-not-found.
	return shimError{err: err}
}

type shimError struct {
	err error
}

func (e shimError) Error() string {
	return "sandbox-exec: " + e.err.Error()
}

func (e shimError) Unwrap() error { return e.err }

func (e shimError) ExitCode() int { return 127 }
