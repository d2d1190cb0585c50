package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/buildkite/jobrunner/internal/failure"
	"github.com/buildkite/jobrunner/internal/jobapi"
	"github.com/buildkite/jobrunner/internal/sandbox"
	"github.com/charmbracelet/log"
)

func testLogger() *log.Logger {
	return log.New(io.Discard)
}

func TestOutcome(t *testing.T) {
	lease := jobapi.LeaseRef{JobID: "job_1", WorkerID: "w1", Attempt: 1}
	spec := jobapi.JobSpec{Command: "true", TimeoutSeconds: 5}

	tests := []struct {
		name      string
		result    sandbox.Result
		execErr   error
		cause     error
		report    bool
		state     jobapi.JobState
		retry     bool
		exitCode  *int
		reasonHas string
	}{
		{name: "success", result: sandbox.Result{ExitCode: 0}, report: true, state: jobapi.StateSucceeded, exitCode: ptr(0)},
		{name: "non-zero exit", result: sandbox.Result{ExitCode: 2}, report: true, state: jobapi.StateFailed, exitCode: ptr(2)},
		{name: "timeout", execErr: failure.Timeout("timeout after 5s"), report: true, state: jobapi.StateTimedOut, exitCode: ptr(124), reasonHas: "timeout after 5s"},
		{name: "cancel requested", execErr: context.Canceled, cause: errCancelRequested, report: true, state: jobapi.StateCanceled, exitCode: ptr(130)},
		{name: "worker shutdown", execErr: context.Canceled, cause: context.Canceled, report: true, retry: true, reasonHas: "shutting down"},
		{name: "lease lost", execErr: context.Canceled, cause: errLeaseLost, report: false},
		{name: "log rejected", execErr: context.Canceled, cause: errLogRejected, report: true, state: jobapi.StateFailed, reasonHas: "log stream"},
		{name: "backend unavailable", execErr: failure.Sandbox(failure.SandboxBackendUnavailable, errors.New("no daemon")), report: true, retry: true, reasonHas: "backend_unavailable: no daemon"},
		{name: "resource exceeded", result: sandbox.Result{ExitCode: 137}, execErr: failure.Sandbox(failure.SandboxResourceExceeded, errors.New("oom")), report: true, state: jobapi.StateFailed, exitCode: ptr(137), reasonHas: "resource_exceeded"},
		{name: "setup failed", execErr: failure.Sandbox(failure.SandboxSetupFailed, errors.New("no image")), report: true, state: jobapi.StateFailed, reasonHas: "setup_failed: no image"},
		{name: "internal", execErr: fmt.Errorf("boom at /secret/path"), report: true, state: jobapi.StateFailed, reasonHas: "internal error"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req, report := outcome(lease, spec, tc.result, tc.execErr, tc.cause)
			if report != tc.report {
				t.Fatalf("unexpected report: got %v want %v", report, tc.report)
			}
			if !report {
				return
			}
			if req.Lease != lease {
				t.Fatalf("unexpected lease: got %+v want %+v", req.Lease, lease)
			}
			if req.Retry != tc.retry {
				t.Fatalf("unexpected retry: got %v want %v", req.Retry, tc.retry)
			}
			if !tc.retry && req.State != tc.state {
				t.Fatalf("unexpected state: got %q want %q", req.State, tc.state)
			}
			switch {
			case tc.exitCode == nil && req.ExitCode != nil:
				t.Fatalf("unexpected exit code %d", *req.ExitCode)
			case tc.exitCode != nil && (req.ExitCode == nil || *req.ExitCode != *tc.exitCode):
				t.Fatalf("unexpected exit code: got %v want %d", req.ExitCode, *tc.exitCode)
			}
			if tc.reasonHas != "" && !strings.Contains(req.Reason, tc.reasonHas) {
				t.Fatalf("unexpected reason: got %q want substring %q", req.Reason, tc.reasonHas)
			}
		})
	}
}

func TestDescribe(t *testing.T) {
	if got := describe(jobapi.FinalizeRequest{State: jobapi.StateFailed, ExitCode: ptr(3)}); got != "exit code 3" {
		t.Fatalf("unexpected description: got %q", got)
	}
	if got := describe(jobapi.FinalizeRequest{Retry: true, Reason: "backend_unavailable: x"}); got != "attempt failed, returning job to the queue: backend_unavailable: x" {
		t.Fatalf("unexpected description: got %q", got)
	}
}

func ptr(v int) *int { return &v }
