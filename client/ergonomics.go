package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrorCode is a stable classifier for job runner API errors.
type ErrorCode string

const (
	ErrorCodeUnknown          ErrorCode = "unknown"
	ErrorCodeCanceled         ErrorCode = "canceled"
	ErrorCodeDeadlineExceeded ErrorCode = "deadline_exceeded"
	ErrorCodeAuth             ErrorCode = "auth"
	ErrorCodeDisabled         ErrorCode = "disabled"
	ErrorCodeQuotaExceeded    ErrorCode = "quota_exceeded"
	ErrorCodeValidation       ErrorCode = "validation"
	ErrorCodeNotFound         ErrorCode = "not_found"
	ErrorCodeConflict         ErrorCode = "conflict"
	ErrorCodeUnavailable      ErrorCode = "unavailable"
	ErrorCodeInternal         ErrorCode = "internal"
)

// ErrCode classifies API errors into a stable code.
//
// The kind reported by the server is preferred; otherwise the HTTP status
// decides.
func ErrCode(err error) ErrorCode {
	if err == nil {
		return ErrorCodeUnknown
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Status == http.StatusForbidden {
			return ErrorCodeDisabled
		}
		switch apiErr.Kind {
		case "auth":
			return ErrorCodeAuth
		case "quota_exceeded":
			return ErrorCodeQuotaExceeded
		case "validation":
			return ErrorCodeValidation
		case "not_found":
			return ErrorCodeNotFound
		case "conflict":
			return ErrorCodeConflict
		}
		switch apiErr.Status {
		case http.StatusUnauthorized:
			return ErrorCodeAuth
		case http.StatusTooManyRequests:
			return ErrorCodeQuotaExceeded
		case http.StatusBadRequest:
			return ErrorCodeValidation
		case http.StatusNotFound:
			return ErrorCodeNotFound
		case http.StatusConflict:
			return ErrorCodeConflict
		case http.StatusServiceUnavailable, http.StatusBadGateway:
			return ErrorCodeUnavailable
		}
		return ErrorCodeInternal
	}
	if errors.Is(err, context.Canceled) {
		return ErrorCodeCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorCodeDeadlineExceeded
	}
	return ErrorCodeUnknown
}

// QuotaLimit returns which limit denied a submission, or "".
func QuotaLimit(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Kind == "quota_exceeded" {
		return apiErr.Limit
	}
	return ""
}

// Must returns the client if err is nil; otherwise it panics.
func Must(c *Client, err error) *Client {
	if err != nil {
		panic(err)
	}
	return c
}

// NewFromEnv builds a client from JOBRUNNER_HOST and JOBRUNNER_KEY.
func NewFromEnv(opts ...Option) (*Client, error) {
	return New("", opts...)
}

// WaitOptions controls WaitForJob polling.
type WaitOptions struct {
	PollInterval time.Duration
}

// WaitForJob polls until the job is terminal.
func (c *Client) WaitForJob(ctx context.Context, id string, opts WaitOptions) (*Job, error) {
	interval := opts.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		job, err := c.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.State.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOptions controls how RunAndWait streams job output.
type RunOptions struct {
	Stdout io.Writer
	Stderr io.Writer
	// System receives worker-authored lines such as claim and exit notices.
	System io.Writer
	// Timeout bounds the follow/wait phase after submission.
	Timeout time.Duration
	// CancelOnExit cancels the job when ctx ends before the job does.
	CancelOnExit bool
}

// RunResult is the final job outcome from RunAndWait.
type RunResult struct {
	Job      *Job
	ExitCode int
	Stdout   string
	Stderr   string
}

// RunAndWait submits spec, streams its output and waits for completion.
func (c *Client) RunAndWait(ctx context.Context, spec JobSpec, opts RunOptions) (*RunResult, error) {
	job, err := c.SubmitJob(ctx, spec)
	if err != nil {
		return nil, err
	}

	waitCtx := ctx
	cancel := func() {}
	if opts.Timeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
	}
	defer cancel()

	var stdout, stderr strings.Builder
	for chunk, err := range c.FollowLogs(waitCtx, job.ID, 0) {
		if err != nil {
			if opts.CancelOnExit && waitCtx.Err() != nil {
				c.cancelJobBestEffort(job.ID)
			}
			return nil, err
		}
		var w io.Writer
		switch chunk.Stream {
		case StreamStdout:
			stdout.WriteString(chunk.Data)
			w = opts.Stdout
		case StreamStderr:
			stderr.WriteString(chunk.Data)
			w = opts.Stderr
		case StreamSystem:
			w = opts.System
		}
		if w != nil {
			_, _ = io.WriteString(w, chunk.Data)
		}
	}

	final, err := c.GetJob(waitCtx, job.ID)
	if err != nil {
		return nil, err
	}
	if !final.State.Terminal() {
		final, err = c.WaitForJob(waitCtx, job.ID, WaitOptions{PollInterval: 250 * time.Millisecond})
		if err != nil {
			if opts.CancelOnExit && waitCtx.Err() != nil {
				c.cancelJobBestEffort(job.ID)
			}
			return nil, err
		}
	}

	result := &RunResult{Job: final, Stdout: stdout.String(), Stderr: stderr.String()}
	if final.ExitCode != nil {
		result.ExitCode = *final.ExitCode
	} else if final.State != StateSucceeded {
		result.ExitCode = 1
	}
	return result, nil
}

func (c *Client) cancelJobBestEffort(id string) {
	cancelCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _ = c.CancelJob(cancelCtx, id)
}
