// Package sandbox defines the contract shared by the job execution backends.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/buildkite/jobrunner/internal/failure"
	"github.com/buildkite/jobrunner/internal/jobapi"
)

type IsolationLevel string

const (
	IsolationStrong     IsolationLevel = "strong"
	IsolationBestEffort IsolationLevel = "best_effort"
)

const (
	CapabilityIsolationStrong     = "isolation.strong"
	CapabilityIsolationBestEffort = "isolation.best_effort"
	CapabilityNetworkPerJob       = "network.per_job"
	CapabilityNetworkNone         = "network.none"
	CapabilityResourceLimits      = "resources.limits"
	CapabilityCapabilityDrop      = "security.cap_drop"
	CapabilityReadOnlyRootFS      = "security.read_only_rootfs"
)

var knownCapabilityKeys = []string{
	CapabilityIsolationStrong,
	CapabilityIsolationBestEffort,
	CapabilityNetworkPerJob,
	CapabilityNetworkNone,
	CapabilityResourceLimits,
	CapabilityCapabilityDrop,
	CapabilityReadOnlyRootFS,
}

const (
	// ExitTimeout is reported when the job deadline stops the command.
	ExitTimeout = 124
	// ExitCanceled is reported when a cancellation stops the command.
	ExitCanceled = 130
	// ExitKilled is the 137-class code for resource-limit kills.
	ExitKilled = 137
)

// Backend runs one job command under an isolation and resource policy.
//
// Execute streams output through stream while the command runs and returns
// once the command and every resource it acquired are gone. A completed
// command, whatever its exit code, returns a nil error. Sandbox failures are
// *failure.Error values of kind sandbox; a deadline returns a timeout error
// and a cancellation returns the context's error, each with a Result
// carrying the matching exit code.
type Backend interface {
	Name() string
	SupportsIsolation(level IsolationLevel) bool
	Execute(ctx context.Context, req Request, stream OutputStream) (Result, error)
}

// CapabilityReporter allows backends to publish backend-specific capability
// flags in a machine-readable form.
type CapabilityReporter interface {
	Capabilities() map[string]bool
}

// Checker is implemented by backends that can diagnose their host.
type Checker interface {
	Doctor(ctx context.Context) (*DoctorReport, error)
}

type Request struct {
	JobID   string
	Attempt int
	Spec    jobapi.JobSpec
}

// Argv returns the command line to run. Shell commands run under /bin/sh.
func (r Request) Argv() []string {
	if r.Spec.Command != "" {
		return []string{"/bin/sh", "-c", r.Spec.Command}
	}
	return append([]string(nil), r.Spec.Argv...)
}

type OutputStream struct {
	OnStdout func([]byte)
	OnStderr func([]byte)
}

// Stdout adapts the stdout callback to an io.Writer.
func (s OutputStream) Stdout() *StreamWriter {
	return &StreamWriter{fn: s.OnStdout}
}

// Stderr adapts the stderr callback to an io.Writer.
func (s OutputStream) Stderr() *StreamWriter {
	return &StreamWriter{fn: s.OnStderr}
}

// StreamWriter forwards writes to a callback. Writes are serialized and the
// callback receives a copy it may retain.
type StreamWriter struct {
	mu sync.Mutex
	fn func([]byte)
}

func (w *StreamWriter) Write(p []byte) (int, error) {
	if w.fn == nil || len(p) == 0 {
		return len(p), nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fn(append([]byte(nil), p...))
	return len(p), nil
}

type Result struct {
	ExitCode int
	Message  string
}

// ContextResult maps a finished context to the result a backend reports
// after stopping the command.
func ContextResult(ctx context.Context, timeout time.Duration) (Result, error) {
	err := ctx.Err()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Result{ExitCode: ExitTimeout, Message: fmt.Sprintf("timeout after %s", timeout)},
			failure.Timeout("timeout after %s", timeout)
	case err != nil:
		return Result{ExitCode: ExitCanceled, Message: "canceled"}, err
	default:
		return Result{}, nil
	}
}

// RequiredIsolation returns the isolation level a sandbox name promises.
func RequiredIsolation(sandbox string) IsolationLevel {
	if sandbox == jobapi.SandboxProcess {
		return IsolationBestEffort
	}
	return IsolationStrong
}

// Registry selects a backend for each job by its sandbox name.
type Registry struct {
	backends map[string]Backend
}

func NewRegistry(backends ...Backend) *Registry {
	r := &Registry{backends: make(map[string]Backend, len(backends))}
	for _, b := range backends {
		if b != nil {
			r.backends[b.Name()] = b
		}
	}
	return r
}

func (r *Registry) For(spec jobapi.JobSpec) (Backend, error) {
	name := spec.Sandbox
	if name == "" {
		name = jobapi.SandboxContainer
	}
	b, ok := r.backends[name]
	if !ok {
		return nil, failure.Sandbox(failure.SandboxBackendUnavailable,
			fmt.Errorf("sandbox %q is not available on this worker (have %s)", name, strings.Join(r.Names(), ", ")))
	}
	if level := RequiredIsolation(name); !b.SupportsIsolation(level) {
		return nil, failure.Sandbox(failure.SandboxBackendUnavailable,
			fmt.Errorf("backend %q does not provide %s isolation", name, level))
	}
	return b, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Backends() []Backend {
	out := make([]Backend, 0, len(r.backends))
	for _, name := range r.Names() {
		out = append(out, r.backends[name])
	}
	return out
}

// CapabilitiesFor returns a merged capability map for the backend.
//
// Isolation capabilities are inferred from SupportsIsolation. Additional
// backend-specific capabilities can be provided by implementing
// CapabilityReporter.
func CapabilitiesFor(b Backend) map[string]bool {
	caps := make(map[string]bool, len(knownCapabilityKeys))
	for _, key := range knownCapabilityKeys {
		caps[key] = false
	}
	if b == nil {
		return caps
	}
	caps[CapabilityIsolationStrong] = b.SupportsIsolation(IsolationStrong)
	caps[CapabilityIsolationBestEffort] = b.SupportsIsolation(IsolationBestEffort)
	if reporter, ok := b.(CapabilityReporter); ok {
		maps.Copy(caps, reporter.Capabilities())
	}
	return caps
}

// SortedCapabilityKeys returns deterministic capability keys for presentation.
func SortedCapabilityKeys(caps map[string]bool) []string {
	keys := make([]string, 0, len(caps))
	for key := range caps {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

type DoctorReport struct {
	Backend string        `json:"backend"`
	Checks  []DoctorCheck `json:"checks"`
}

type DoctorCheck struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // pass|warn|fail
	Message string `json:"message"`
}

func (r *DoctorReport) Add(name, status, message string) {
	r.Checks = append(r.Checks, DoctorCheck{Name: name, Status: status, Message: message})
}

// Failed reports whether any check failed.
func (r *DoctorReport) Failed() bool {
	for _, c := range r.Checks {
		if c.Status == "fail" {
			return true
		}
	}
	return false
}
