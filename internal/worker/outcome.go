package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/buildkite/jobrunner/internal/failure"
	"github.com/buildkite/jobrunner/internal/jobapi"
	"github.com/buildkite/jobrunner/internal/sandbox"
)

// outcome turns an execution result into the report for the server. It
// returns false when the attempt must not be reported because the lease
// moved on.
func outcome(lease jobapi.LeaseRef, spec jobapi.JobSpec, result sandbox.Result, execErr, cause error) (jobapi.FinalizeRequest, bool) {
	req := jobapi.FinalizeRequest{Lease: lease}

	switch {
	case errors.Is(cause, errLeaseLost):
		return req, false

	case errors.Is(cause, errLogRejected):
		req.State = jobapi.StateFailed
		req.Reason = "log stream rejected by server"

	case execErr == nil:
		code := result.ExitCode
		req.ExitCode = &code
		req.State = jobapi.StateSucceeded
		if code != 0 {
			req.State = jobapi.StateFailed
		}

	case failure.Is(execErr, failure.KindTimeout):
		code := sandbox.ExitTimeout
		req.ExitCode = &code
		req.State = jobapi.StateTimedOut
		req.Reason = fmt.Sprintf("timeout after %s", spec.Timeout())

	case errors.Is(execErr, context.Canceled) && errors.Is(cause, errCancelRequested):
		code := sandbox.ExitCanceled
		req.ExitCode = &code
		req.State = jobapi.StateCanceled

	case errors.Is(execErr, context.Canceled):
		// The worker itself is stopping; hand the job back for another
		// attempt.
		req.Retry = true
		req.Reason = "worker shutting down"

	case failure.Is(execErr, failure.KindSandbox):
		reason := failure.ReasonOf(execErr)
		switch reason {
		case failure.SandboxBackendUnavailable:
			req.Retry = true
		case failure.SandboxResourceExceeded:
			code := result.ExitCode
			if code == 0 {
				code = sandbox.ExitKilled
			}
			req.ExitCode = &code
			req.State = jobapi.StateFailed
		default:
			req.State = jobapi.StateFailed
		}
		req.Reason = sandboxReason(execErr)

	default:
		req.State = jobapi.StateFailed
		req.Reason = failure.Public(execErr)
	}
	return req, true
}

func sandboxReason(err error) string {
	var fe *failure.Error
	if errors.As(err, &fe) && fe.Err != nil {
		return fmt.Sprintf("%s: %v", fe.Reason, fe.Err)
	}
	return failure.Public(err)
}

// describe renders the report as a system log line.
func describe(req jobapi.FinalizeRequest) string {
	if req.Retry {
		return "attempt failed, returning job to the queue: " + req.Reason
	}
	switch {
	case req.State == jobapi.StateSucceeded:
		return "exit code 0"
	case req.State == jobapi.StateTimedOut:
		return req.Reason
	case req.State == jobapi.StateCanceled:
		return "canceled"
	case req.Reason != "" && req.ExitCode != nil:
		return fmt.Sprintf("%s (exit code %d)", req.Reason, *req.ExitCode)
	case req.Reason != "":
		return req.Reason
	case req.ExitCode != nil:
		return fmt.Sprintf("exit code %d", *req.ExitCode)
	}
	return string(req.State)
}
