package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"golang.org/x/sys/unix"
)

// ShimCommand is the hidden CLI command that applies Limits and execs the
// job command in place.
const ShimCommand = "sandbox-exec"

// ShimArgs builds the argument list for the shim command.
func ShimArgs(limits Limits, argv []string) []string {
	args := []string{
		ShimCommand,
		"--cpu-seconds=" + strconv.FormatUint(limits.CPUSeconds, 10),
		"--memory-mib=" + strconv.FormatUint(limits.MemoryMiB, 10),
		"--open-files=" + strconv.FormatUint(limits.OpenFiles, 10),
		"--processes=" + strconv.FormatUint(limits.Processes, 10),
		"--",
	}
	return append(args, argv...)
}

// Exec applies limits to the current process and replaces it with argv. It
// only returns on failure.
func Exec(limits Limits, argv []string) error {
	if len(argv) == 0 {
		return errors.New("missing command")
	}
	if err := ApplyLimits(limits); err != nil {
		return err
	}
	path, err := exec.LookPath(argv[0])
	if err != nil {
		return fmt.Errorf("command %q not found: %w", argv[0], err)
	}
	if err := unix.Exec(path, argv, os.Environ()); err != nil {
		return fmt.Errorf("exec %q: %w", path, err)
	}
	return nil
}

// ApplyLimits sets soft and hard rlimits for the current process.
func ApplyLimits(limits Limits) error {
	set := []struct {
		name     string
		resource int
		value    uint64
	}{
		{"cpu", unix.RLIMIT_CPU, limits.CPUSeconds},
		{"address space", unix.RLIMIT_AS, limits.MemoryMiB << 20},
		{"open files", unix.RLIMIT_NOFILE, limits.OpenFiles},
		{"processes", unix.RLIMIT_NPROC, limits.Processes},
	}
	for _, l := range set {
		if l.value == 0 {
			continue
		}
		value := l.value
		var current unix.Rlimit
		if err := unix.Getrlimit(l.resource, &current); err == nil && current.Max < value {
			// Raising the hard limit needs privileges we may not have.
			value = current.Max
		}
		if err := unix.Setrlimit(l.resource, &unix.Rlimit{Cur: value, Max: value}); err != nil {
			return fmt.Errorf("set %s limit to %d: %w", l.name, value, err)
		}
	}
	return nil
}
