// Package worker pulls jobs from a job runner server, executes each in a
// sandbox backend and reports the outcome under the job's lease.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/buildkite/jobrunner/internal/failure"
	"github.com/buildkite/jobrunner/internal/jobapi"
	"github.com/buildkite/jobrunner/internal/sandbox"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultConcurrency     = 2
	DefaultPollInterval    = time.Second
	DefaultMaxPollInterval = 10 * time.Second
	DefaultLeaseDuration   = 30 * time.Second

	finalizeAttempts = 5
)

// Coordinator is the server side of the claim protocol. Both the worker RPC
// client and the in-process lifecycle manager satisfy it.
type Coordinator interface {
	Claim(ctx context.Context, workerID string, lease time.Duration) (*jobapi.Job, error)
	Heartbeat(ctx context.Context, lease jobapi.LeaseRef) (jobapi.HeartbeatResponse, error)
	MarkRunning(ctx context.Context, lease jobapi.LeaseRef) (jobapi.Job, error)
	AppendLogs(ctx context.Context, lease jobapi.LeaseRef, chunks []jobapi.LogChunk) (int64, error)
	Finalize(ctx context.Context, req jobapi.FinalizeRequest) (jobapi.Job, error)
}

type Options struct {
	ID          string
	Coordinator Coordinator
	Backends    *sandbox.Registry
	Concurrency int
	// PollInterval is the first backoff after an empty claim. Backoff
	// doubles up to MaxPollInterval and resets once a job is claimed.
	PollInterval    time.Duration
	MaxPollInterval time.Duration
	LeaseDuration   time.Duration
	// HeartbeatInterval defaults to a third of LeaseDuration.
	HeartbeatInterval time.Duration
	LogBatch          LogBatchOptions
	Logger            *log.Logger
}

type Worker struct {
	id          string
	coord       Coordinator
	backends    *sandbox.Registry
	concurrency int
	poll        time.Duration
	maxPoll     time.Duration
	lease       time.Duration
	heartbeat   time.Duration
	logBatch    LogBatchOptions
	logger      *log.Logger
}

func New(opts Options) (*Worker, error) {
	if opts.Coordinator == nil {
		return nil, errors.New("worker requires a coordinator")
	}
	if opts.Backends == nil || len(opts.Backends.Names()) == 0 {
		return nil, errors.New("worker requires at least one sandbox backend")
	}
	w := &Worker{
		id:          strings.TrimSpace(opts.ID),
		coord:       opts.Coordinator,
		backends:    opts.Backends,
		concurrency: opts.Concurrency,
		poll:        opts.PollInterval,
		maxPoll:     opts.MaxPollInterval,
		lease:       opts.LeaseDuration,
		heartbeat:   opts.HeartbeatInterval,
		logBatch:    opts.LogBatch.withDefaults(),
		logger:      opts.Logger,
	}
	if w.id == "" {
		w.id = DefaultID()
	}
	if w.concurrency <= 0 {
		w.concurrency = DefaultConcurrency
	}
	if w.poll <= 0 {
		w.poll = DefaultPollInterval
	}
	if w.maxPoll < w.poll {
		w.maxPoll = max(DefaultMaxPollInterval, w.poll)
	}
	if w.lease <= 0 {
		w.lease = DefaultLeaseDuration
	}
	if w.heartbeat <= 0 {
		w.heartbeat = w.lease / 3
	}
	if w.logger == nil {
		w.logger = log.New(io.Discard)
	}
	w.logger = w.logger.With("worker_id", w.id)
	return w, nil
}

// DefaultID derives a worker identity from the hostname plus a random
// suffix so restarted workers never reuse a lease identity.
func DefaultID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

func (w *Worker) ID() string {
	return w.id
}

// Run claims and executes jobs until ctx is done, then waits for in-flight
// jobs to hand their leases back.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", "concurrency", w.concurrency, "backends", strings.Join(w.backends.Names(), ","))

	sem := semaphore.NewWeighted(int64(w.concurrency))
	var g errgroup.Group
	backoff := w.poll

	for {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		job, err := w.coord.Claim(ctx, w.id, w.lease)
		if err != nil || job == nil {
			sem.Release(1)
			if ctx.Err() != nil {
				break
			}
			if err != nil && !failure.Is(err, failure.KindConflict) {
				w.logger.Warn("claim failed", "error", err)
			}
			if !sleep(ctx, backoff) {
				break
			}
			backoff = min(backoff*2, w.maxPoll)
			continue
		}

		backoff = w.poll
		claimed := *job
		g.Go(func() error {
			defer sem.Release(1)
			w.runJob(ctx, claimed)
			return nil
		})
	}

	err := g.Wait()
	w.logger.Info("worker stopped")
	return err
}

// RunOnce claims at most one job and executes it. It reports whether a job
// was claimed.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.coord.Claim(ctx, w.id, w.lease)
	if err != nil {
		if failure.Is(err, failure.KindConflict) {
			return false, nil
		}
		return false, err
	}
	if job == nil {
		return false, nil
	}
	w.runJob(ctx, *job)
	return true, nil
}

var (
	errCancelRequested = errors.New("cancel requested")
	errLeaseLost       = errors.New("lease lost")
	errLogRejected     = errors.New("log stream rejected")
)

func (w *Worker) runJob(ctx context.Context, job jobapi.Job) {
	lease := job.Lease()
	logger := w.logger.With("job_id", job.ID, "attempt", job.AttemptCount)
	logger.Info("job claimed", "consumer_id", job.ConsumerID, "sandbox", job.Spec.Sandbox)

	jobCtx, cancelJob := context.WithCancelCause(ctx)
	defer cancelJob(nil)

	logs := newLogWriter(w.coord, lease, job.NextLogSeq, w.logBatch, logger, cancelJob)
	logsDone := make(chan struct{})
	go func() {
		defer close(logsDone)
		logs.run(jobCtx)
	}()

	hbCtx, stopHeartbeat := context.WithCancel(jobCtx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		w.heartbeatLoop(hbCtx, lease, logger, cancelJob)
	}()

	finish := func() {
		stopHeartbeat()
		<-hbDone
		logs.close()
		<-logsDone
		logs.flushFinal(context.WithoutCancel(ctx))
	}

	logs.systemf("claimed by %s (attempt %d)", w.id, job.AttemptCount)

	if _, err := w.coord.MarkRunning(jobCtx, lease); err != nil {
		finish()
		if isLeaseLoss(err) || context.Cause(jobCtx) == errLeaseLost {
			logger.Debug("lease lost before start", "error", err)
			return
		}
		w.finalize(ctx, logger, jobapi.FinalizeRequest{Lease: lease, Retry: true, Reason: fmt.Sprintf("mark running: %v", err)})
		return
	}

	result, execErr := w.execute(jobCtx, job, logs)

	cause := context.Cause(jobCtx)
	req, report := outcome(lease, job.Spec, result, execErr, cause)
	if report {
		logs.systemf("%s", describe(req))
	}
	finish()

	if !report || logs.lost() {
		logger.Info("attempt abandoned", "reason", cause)
		return
	}
	w.finalize(ctx, logger, req)
}

func (w *Worker) execute(ctx context.Context, job jobapi.Job, logs *logWriter) (sandbox.Result, error) {
	backend, err := w.backends.For(job.Spec)
	if err != nil {
		return sandbox.Result{}, err
	}
	execCtx, cancel := context.WithTimeout(ctx, job.Spec.Timeout())
	defer cancel()

	return backend.Execute(execCtx, sandbox.Request{
		JobID:   job.ID,
		Attempt: job.AttemptCount,
		Spec:    job.Spec,
	}, sandbox.OutputStream{
		OnStdout: logs.stdout,
		OnStderr: logs.stderr,
	})
}

func (w *Worker) heartbeatLoop(ctx context.Context, lease jobapi.LeaseRef, logger *log.Logger, cancelJob context.CancelCauseFunc) {
	ticker := time.NewTicker(w.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		resp, err := w.coord.Heartbeat(ctx, lease)
		switch {
		case err == nil && resp.CancelRequested:
			logger.Info("cancellation requested")
			cancelJob(errCancelRequested)
			return
		case err == nil:
		case ctx.Err() != nil:
			return
		case isLeaseLoss(err):
			logger.Warn("lease lost, stopping attempt", "error", err)
			cancelJob(errLeaseLost)
			return
		default:
			logger.Warn("heartbeat failed", "error", err)
		}
	}
}

// finalize reports the outcome, retrying transport faults. It runs detached
// from ctx so a shutting-down worker still hands its lease back.
func (w *Worker) finalize(ctx context.Context, logger *log.Logger, req jobapi.FinalizeRequest) {
	fctx := context.WithoutCancel(ctx)
	delay := 250 * time.Millisecond
	for attempt := 1; ; attempt++ {
		callCtx, cancel := context.WithTimeout(fctx, 30*time.Second)
		job, err := w.coord.Finalize(callCtx, req)
		cancel()
		switch {
		case err == nil:
			logger.Info("job finalized", "state", job.State)
			return
		case isLeaseLoss(err):
			logger.Debug("finalize rejected, lease moved on", "error", err)
			return
		case failure.Is(err, failure.KindValidation) || attempt == finalizeAttempts:
			logger.Error("finalize failed", "error", err, "attempts", attempt)
			return
		}
		logger.Warn("finalize failed, retrying", "error", err, "attempt", attempt)
		time.Sleep(delay)
		delay *= 2
	}
}

func isLeaseLoss(err error) bool {
	return failure.Is(err, failure.KindConflict) || failure.Is(err, failure.KindNotFound)
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
