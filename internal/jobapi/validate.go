package jobapi

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/go-containerregistry/pkg/name"
)

const (
	DefaultImage          = "python:3.12-slim"
	DefaultTimeoutSeconds = 600
	MaxTimeoutSeconds     = 86400
	MaxCommandLength      = 20000
	MaxArgs               = 1024
	MaxCPUs               = 64
)

var (
	networkNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]{0,127}$`)
	capabilityPattern  = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)
)

// NormalizeSpec validates spec and fills defaults. The returned error text is
// safe to show to the submitting consumer.
func NormalizeSpec(spec JobSpec) (JobSpec, error) {
	out := spec
	out.Command = strings.TrimSpace(spec.Command)
	out.Argv = append([]string(nil), spec.Argv...)

	switch {
	case out.Command == "" && len(out.Argv) == 0:
		return JobSpec{}, fmt.Errorf("command or argv is required")
	case out.Command != "" && len(out.Argv) > 0:
		return JobSpec{}, fmt.Errorf("command and argv are mutually exclusive")
	case utf8.RuneCountInString(out.Command) > MaxCommandLength:
		return JobSpec{}, fmt.Errorf("command exceeds %d characters", MaxCommandLength)
	case len(out.Argv) > MaxArgs:
		return JobSpec{}, fmt.Errorf("argv exceeds %d entries", MaxArgs)
	}
	if len(out.Argv) > 0 && strings.TrimSpace(out.Argv[0]) == "" {
		return JobSpec{}, fmt.Errorf("argv[0] must not be empty")
	}
	for _, arg := range out.Argv {
		if strings.ContainsRune(arg, 0) {
			return JobSpec{}, fmt.Errorf("argv must not contain NUL bytes")
		}
	}

	out.Sandbox = strings.TrimSpace(strings.ToLower(spec.Sandbox))
	if out.Sandbox == "" {
		out.Sandbox = SandboxContainer
	}
	switch out.Sandbox {
	case SandboxContainer:
		if err := normalizeContainerSpec(&out); err != nil {
			return JobSpec{}, err
		}
	case SandboxProcess:
		if strings.TrimSpace(spec.Image) != "" {
			return JobSpec{}, fmt.Errorf("image is only supported by the container sandbox")
		}
		if n := strings.TrimSpace(spec.Network); n != "" {
			return JobSpec{}, fmt.Errorf("network mode is only supported by the container sandbox")
		}
		if len(spec.CapAdd) > 0 {
			return JobSpec{}, fmt.Errorf("cap_add is only supported by the container sandbox")
		}
		out.Image = ""
	default:
		return JobSpec{}, fmt.Errorf("unknown sandbox %q (expected %s|%s)", spec.Sandbox, SandboxContainer, SandboxProcess)
	}

	if err := validateLimits(out.Limits); err != nil {
		return JobSpec{}, err
	}

	if out.TimeoutSeconds == 0 {
		out.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if out.TimeoutSeconds < 1 || out.TimeoutSeconds > MaxTimeoutSeconds {
		return JobSpec{}, fmt.Errorf("timeout_seconds must be between 1 and %d", MaxTimeoutSeconds)
	}
	return out, nil
}

func normalizeContainerSpec(spec *JobSpec) error {
	spec.Image = strings.TrimSpace(spec.Image)
	if spec.Image == "" {
		spec.Image = DefaultImage
	}
	if _, err := name.ParseReference(spec.Image); err != nil {
		return fmt.Errorf("invalid image reference %q: %v", spec.Image, err)
	}

	spec.Network = strings.TrimSpace(spec.Network)
	if spec.Network == "" {
		spec.Network = NetworkPerJob
	}
	switch spec.Network {
	case NetworkPerJob, NetworkBridge, NetworkNone:
	default:
		if spec.Network == "host" || strings.HasPrefix(spec.Network, "container:") || !networkNamePattern.MatchString(spec.Network) {
			return fmt.Errorf("invalid network mode %q", spec.Network)
		}
	}

	caps := make([]string, 0, len(spec.CapAdd))
	seen := map[string]bool{}
	for _, raw := range spec.CapAdd {
		c := strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(raw)), "CAP_")
		if c == "ALL" || !capabilityPattern.MatchString(c) {
			return fmt.Errorf("invalid capability %q", raw)
		}
		if !seen[c] {
			seen[c] = true
			caps = append(caps, c)
		}
	}
	spec.CapAdd = caps
	return nil
}

func validateLimits(l Limits) error {
	if l.CPUs < 0 || l.CPUs > MaxCPUs {
		return fmt.Errorf("limits.cpus must be between 0 and %d", MaxCPUs)
	}
	if l.MemoryMiB < 0 || (l.MemoryMiB > 0 && l.MemoryMiB < 6) {
		return fmt.Errorf("limits.memory_mib must be at least 6 when set")
	}
	if l.Pids < 0 {
		return fmt.Errorf("limits.pids must not be negative")
	}
	return nil
}
