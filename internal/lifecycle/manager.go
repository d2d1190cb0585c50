// Package lifecycle owns the job state machine: submission, the atomic
// claim/lease/heartbeat protocol, finalization, cancellation and reclaim of
// expired leases. It is the only writer of job rows and quota counters.
package lifecycle

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
	"time"

	"github.com/buildkite/jobrunner/internal/consumers"
	"github.com/buildkite/jobrunner/internal/failure"
	"github.com/buildkite/jobrunner/internal/jobapi"
	"github.com/buildkite/jobrunner/internal/logstore"
	"github.com/buildkite/jobrunner/internal/quota"
	"github.com/buildkite/jobrunner/internal/store"
	"github.com/charmbracelet/log"
)

const (
	DefaultMaxAttempts     = 3
	DefaultLeaseDuration   = 30 * time.Second
	MaxLeaseDuration       = 10 * time.Minute
	DefaultReclaimInterval = 5 * time.Second

	DefaultListLimit = 20
	MaxListLimit     = 200

	ReasonLeaseExpired        = "lease_expired"
	ReasonMaxAttemptsExceeded = "max_attempts_exceeded"
	ReasonCanceled            = "canceled by consumer"
)

type Options struct {
	DB     *store.DB
	Ledger *quota.Ledger
	Logs   *logstore.Store
	Logger *log.Logger
	Now    func() time.Time

	MaxAttempts     int
	LeaseDuration   time.Duration
	ReclaimInterval time.Duration
	// AllowBestEffort admits jobs that ask for the process sandbox.
	AllowBestEffort bool
}

type Manager struct {
	db     *store.DB
	ledger *quota.Ledger
	logs   *logstore.Store
	logger *log.Logger
	now    func() time.Time

	maxAttempts     int
	leaseDuration   time.Duration
	reclaimInterval time.Duration
	allowBestEffort bool
}

func New(opts Options) (*Manager, error) {
	if opts.DB == nil {
		return nil, errors.New("lifecycle: missing database")
	}
	m := &Manager{
		db:              opts.DB,
		ledger:          opts.Ledger,
		logs:            opts.Logs,
		logger:          opts.Logger,
		now:             opts.Now,
		maxAttempts:     opts.MaxAttempts,
		leaseDuration:   opts.LeaseDuration,
		reclaimInterval: opts.ReclaimInterval,
		allowBestEffort: opts.AllowBestEffort,
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.ledger == nil {
		m.ledger = quota.New(quota.Options{Now: m.now})
	}
	if m.logs == nil {
		m.logs = logstore.New(opts.DB, logstore.Options{Now: m.now})
	}
	if m.logger == nil {
		m.logger = log.New(io.Discard)
	}
	if m.maxAttempts <= 0 {
		m.maxAttempts = DefaultMaxAttempts
	}
	if m.leaseDuration <= 0 {
		m.leaseDuration = DefaultLeaseDuration
	}
	if m.reclaimInterval <= 0 {
		m.reclaimInterval = DefaultReclaimInterval
	}
	return m, nil
}

func (m *Manager) Logs() *logstore.Store {
	return m.logs
}

func (m *Manager) Ping(ctx context.Context) error {
	return m.db.Ping(ctx)
}

func (m *Manager) LeaseDuration() time.Duration {
	return m.leaseDuration
}

// Start recomputes quota counters from the jobs table so counters survive a
// crash between a job write and its counter update.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.db.WithTx(ctx, func(tx *sql.Tx) error {
		return m.ledger.Reconcile(ctx, tx)
	}); err != nil {
		return err
	}
	m.logger.Info("job lifecycle manager started",
		"max_attempts", m.maxAttempts,
		"lease", m.leaseDuration,
		"concurrency_policy", m.ledger.Policy(),
	)
	return nil
}

// Submit validates spec, reserves quota for c and enqueues the job. On any
// failure nothing is written.
func (m *Manager) Submit(ctx context.Context, c consumers.Consumer, spec jobapi.JobSpec) (jobapi.Job, error) {
	if !c.Enabled {
		return jobapi.Job{}, consumers.ErrDisabled
	}
	normalized, err := jobapi.NormalizeSpec(spec)
	if err != nil {
		return jobapi.Job{}, failure.Validation("%s", err)
	}
	if normalized.Sandbox == jobapi.SandboxProcess && !m.allowBestEffort {
		return jobapi.Job{}, failure.Validation("the %s sandbox is disabled on this server", jobapi.SandboxProcess)
	}
	specJSON, err := json.Marshal(normalized)
	if err != nil {
		return jobapi.Job{}, fmt.Errorf("encode job spec: %w", err)
	}

	created := store.FromMillis(store.Millis(m.now()))
	job := jobapi.Job{
		ID:         newJobID(),
		ConsumerID: c.ID,
		Spec:       normalized,
		State:      jobapi.StatePending,
		CreatedAt:  created,
	}

	err = m.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := m.ledger.Reserve(ctx, tx, c); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (id, consumer_id, spec_json, state, created_at_ms)
			VALUES (?, ?, ?, ?, ?)
		`, job.ID, job.ConsumerID, string(specJSON), string(job.State), store.Millis(created)); err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		return nil
	})
	if err != nil {
		if failure.Is(err, failure.KindQuotaExceeded) {
			m.logger.Debug("submission denied", "consumer_id", c.ID, "limit", failure.LimitOf(err))
		}
		return jobapi.Job{}, err
	}

	m.logger.Info("job submitted", "job_id", job.ID, "consumer_id", c.ID, "sandbox", normalized.Sandbox)
	return job, nil
}

// Claim hands the oldest claimable pending job to workerID. It returns nil
// when nothing is claimable. Expired leases are reclaimed first.
func (m *Manager) Claim(ctx context.Context, workerID string, lease time.Duration) (*jobapi.Job, error) {
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return nil, failure.Validation("missing worker_id")
	}
	switch {
	case lease <= 0:
		lease = m.leaseDuration
	case lease > MaxLeaseDuration:
		lease = MaxLeaseDuration
	}

	var (
		claimed *jobapi.Job
		report  ReclaimReport
	)
	err := m.db.WithTx(ctx, func(tx *sql.Tx) error {
		now := m.now()
		var err error
		report, err = m.reclaimExpiredTx(ctx, tx, now)
		if err != nil {
			return err
		}

		id, err := m.selectClaimableTx(ctx, tx)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET state = 'claimed',
				claimed_by = ?,
				lease_expires_at_ms = ?,
				lease_duration_ms = ?,
				attempt_count = attempt_count + 1
			WHERE id = ? AND state = 'pending'
		`, workerID, store.Millis(now.Add(lease)), lease.Milliseconds(), id)
		if err != nil {
			return fmt.Errorf("claim job %s: %w", id, err)
		}
		if n, err := res.RowsAffected(); err != nil || n != 1 {
			return err
		}

		row, err := loadJobTx(ctx, tx, id)
		if err != nil {
			return err
		}
		next, err := m.logs.NextSeq(ctx, tx, id)
		if err != nil {
			return err
		}
		row.job.NextLogSeq = next
		claimed = &row.job
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.notifyReclaimed(report)
	if claimed != nil {
		m.logger.Info("job claimed", "job_id", claimed.ID, "worker_id", workerID, "attempt", claimed.AttemptCount)
	}
	return claimed, nil
}

func (m *Manager) selectClaimableTx(ctx context.Context, tx *sql.Tx) (string, error) {
	var id string
	if m.ledger.Policy() == quota.PolicyExecution {
		err := tx.QueryRowContext(ctx, `
			SELECT j.id
			FROM jobs j
			LEFT JOIN quota_counters q ON q.consumer_id = j.consumer_id
			WHERE j.state = 'pending'
			AND (
				q.max_concurrent IS NULL
				OR (
					SELECT COUNT(*) FROM jobs r
					WHERE r.consumer_id = j.consumer_id
					AND r.state IN ('claimed', 'running')
				) < q.max_concurrent
			)
			ORDER BY j.created_at_ms, j.seq
			LIMIT 1
		`).Scan(&id)
		return id, err
	}
	err := tx.QueryRowContext(ctx, `
		SELECT id FROM jobs
		WHERE state = 'pending'
		ORDER BY created_at_ms, seq
		LIMIT 1
	`).Scan(&id)
	return id, err
}

// Heartbeat extends the lease held by the caller. A canceled job reports
// CancelRequested instead of an error so the worker can stop cooperatively.
func (m *Manager) Heartbeat(ctx context.Context, lease jobapi.LeaseRef) (jobapi.HeartbeatResponse, error) {
	var resp jobapi.HeartbeatResponse
	err := m.db.WithTx(ctx, func(tx *sql.Tx) error {
		row, err := loadJobTx(ctx, tx, lease.JobID)
		if err != nil {
			return err
		}
		if !row.heldBy(lease) {
			return staleLease(lease)
		}
		if row.job.State == jobapi.StateCanceled {
			resp.CancelRequested = true
			return nil
		}
		if !row.leased() {
			return staleLease(lease)
		}

		expires := m.now().Add(row.leaseDuration)
		res, err := tx.ExecContext(ctx, `
			UPDATE jobs SET lease_expires_at_ms = ?
			WHERE id = ? AND claimed_by = ? AND attempt_count = ? AND state IN ('claimed', 'running')
		`, store.Millis(expires), lease.JobID, lease.WorkerID, lease.Attempt)
		if err != nil {
			return fmt.Errorf("extend lease for job %s: %w", lease.JobID, err)
		}
		if err := expectOne(res, lease); err != nil {
			return err
		}
		resp.LeaseExpiresAt = store.FromMillis(store.Millis(expires))
		return nil
	})
	if err != nil {
		return jobapi.HeartbeatResponse{}, err
	}
	return resp, nil
}

// MarkRunning moves a claimed job to running. Repeating it for the same
// lease is a no-op.
func (m *Manager) MarkRunning(ctx context.Context, lease jobapi.LeaseRef) (jobapi.Job, error) {
	var job jobapi.Job
	err := m.db.WithTx(ctx, func(tx *sql.Tx) error {
		row, err := loadJobTx(ctx, tx, lease.JobID)
		if err != nil {
			return err
		}
		if !row.heldBy(lease) {
			return staleLease(lease)
		}
		switch row.job.State {
		case jobapi.StateRunning:
			job = row.job
			return nil
		case jobapi.StateClaimed:
		default:
			return staleLease(lease)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE jobs SET state = 'running', started_at_ms = ?
			WHERE id = ? AND claimed_by = ? AND attempt_count = ? AND state = 'claimed'
		`, store.Millis(m.now()), lease.JobID, lease.WorkerID, lease.Attempt)
		if err != nil {
			return fmt.Errorf("mark job %s running: %w", lease.JobID, err)
		}
		if err := expectOne(res, lease); err != nil {
			return err
		}
		row, err = loadJobTx(ctx, tx, lease.JobID)
		if err != nil {
			return err
		}
		job = row.job
		return nil
	})
	if err != nil {
		return jobapi.Job{}, err
	}
	m.logger.Debug("job running", "job_id", job.ID, "worker_id", lease.WorkerID, "attempt", lease.Attempt)
	return job, nil
}

// AppendLogs stores chunks written by the lease holder.
func (m *Manager) AppendLogs(ctx context.Context, lease jobapi.LeaseRef, chunks []jobapi.LogChunk) (int64, error) {
	var next int64
	err := m.db.WithTx(ctx, func(tx *sql.Tx) error {
		row, err := loadJobTx(ctx, tx, lease.JobID)
		if err != nil {
			return err
		}
		if !row.heldBy(lease) || !(row.leased() || row.draining(lease)) {
			return staleLease(lease)
		}
		next, err = m.logs.AppendTx(ctx, tx, lease.JobID, chunks)
		return err
	})
	if err != nil {
		return 0, err
	}
	if len(chunks) > 0 {
		m.logs.Notify(lease.JobID)
	}
	return next, nil
}

// Finalize records the outcome of an attempt. A repeated report for the
// same lease returns the stored job without touching quota again.
func (m *Manager) Finalize(ctx context.Context, req jobapi.FinalizeRequest) (jobapi.Job, error) {
	lease := req.Lease
	if !req.Retry && !req.State.Terminal() {
		return jobapi.Job{}, failure.Validation("finalize requires a terminal state, got %q", req.State)
	}

	var (
		job      jobapi.Job
		repeated bool
	)
	err := m.db.WithTx(ctx, func(tx *sql.Tx) error {
		row, err := loadJobTx(ctx, tx, lease.JobID)
		if err != nil {
			return err
		}
		if row.heldBy(lease) && row.finalizedAttempt == lease.Attempt && row.job.State.Terminal() {
			job = row.job
			repeated = true
			return nil
		}
		if row.heldBy(lease) && row.job.State == jobapi.StateCanceled {
			// The consumer canceled while this attempt ran. Keep the
			// cancellation but record how the process ended.
			var exitCode sql.NullInt64
			if req.ExitCode != nil {
				exitCode = sql.NullInt64{Int64: int64(*req.ExitCode), Valid: true}
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE jobs SET exit_code = COALESCE(?, exit_code), finalized_attempt = ?
				WHERE id = ? AND state = 'canceled'
			`, exitCode, lease.Attempt, lease.JobID); err != nil {
				return fmt.Errorf("record exit of canceled job %s: %w", lease.JobID, err)
			}
			row, err = loadJobTx(ctx, tx, lease.JobID)
			if err != nil {
				return err
			}
			job = row.job
			return nil
		}
		if !row.heldBy(lease) || !row.leased() {
			return staleLease(lease)
		}

		now := m.now()
		if req.Retry && row.job.AttemptCount < m.maxAttempts {
			res, err := tx.ExecContext(ctx, `
				UPDATE jobs
				SET state = 'pending', claimed_by = '', lease_expires_at_ms = NULL, started_at_ms = NULL
				WHERE id = ? AND claimed_by = ? AND attempt_count = ? AND state IN ('claimed', 'running')
			`, lease.JobID, lease.WorkerID, lease.Attempt)
			if err != nil {
				return fmt.Errorf("requeue job %s: %w", lease.JobID, err)
			}
			if err := expectOne(res, lease); err != nil {
				return err
			}
		} else {
			state, exitCode, reason := terminalOutcome(req)
			res, err := tx.ExecContext(ctx, `
				UPDATE jobs
				SET state = ?, finished_at_ms = ?, exit_code = ?, failure_reason = ?,
					lease_expires_at_ms = NULL, finalized_attempt = ?
				WHERE id = ? AND claimed_by = ? AND attempt_count = ? AND state IN ('claimed', 'running')
			`, string(state), store.Millis(now), exitCode, reason, lease.Attempt, lease.JobID, lease.WorkerID, lease.Attempt)
			if err != nil {
				return fmt.Errorf("finalize job %s: %w", lease.JobID, err)
			}
			if err := expectOne(res, lease); err != nil {
				return err
			}
			if err := m.releaseOnceTx(ctx, tx, row.job.ID, row.job.ConsumerID); err != nil {
				return err
			}
		}

		row, err = loadJobTx(ctx, tx, lease.JobID)
		if err != nil {
			return err
		}
		job = row.job
		return nil
	})
	if err != nil {
		return jobapi.Job{}, err
	}
	if repeated {
		m.logger.Debug("repeated finalize ignored", "job_id", job.ID, "worker_id", lease.WorkerID, "attempt", lease.Attempt)
		return job, nil
	}
	m.logs.Notify(job.ID)
	m.logger.Info("job finalized",
		"job_id", job.ID,
		"worker_id", lease.WorkerID,
		"attempt", lease.Attempt,
		"state", job.State,
		"reason", req.Reason,
	)
	return job, nil
}

func terminalOutcome(req jobapi.FinalizeRequest) (jobapi.JobState, sql.NullInt64, string) {
	var exitCode sql.NullInt64
	if req.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*req.ExitCode), Valid: true}
	}
	if req.Retry {
		reason := ReasonMaxAttemptsExceeded
		if r := strings.TrimSpace(req.Reason); r != "" {
			reason += ": " + r
		}
		return jobapi.StateFailed, exitCode, reason
	}

	reason := strings.TrimSpace(req.Reason)
	switch req.State {
	case jobapi.StateSucceeded:
		reason = ""
	case jobapi.StateFailed:
		if reason == "" && exitCode.Valid {
			reason = fmt.Sprintf("exit code %d", exitCode.Int64)
		}
		if reason == "" {
			reason = "failed"
		}
	case jobapi.StateTimedOut:
		if reason == "" {
			reason = "timed out"
		}
	case jobapi.StateCanceled:
		if reason == "" {
			reason = "canceled"
		}
	}
	return req.State, exitCode, reason
}

// Cancel stops a job on behalf of its owner. Workers learn of it on their
// next heartbeat.
func (m *Manager) Cancel(ctx context.Context, consumerID, jobID string) (jobapi.Job, error) {
	var job jobapi.Job
	err := m.db.WithTx(ctx, func(tx *sql.Tx) error {
		row, err := loadJobTx(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if row.job.ConsumerID != consumerID {
			return failure.NotFound("job %s not found", jobID)
		}
		if row.job.State.Terminal() {
			return failure.Conflict("job %s is already %s", jobID, row.job.State)
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET state = 'canceled', finished_at_ms = ?, failure_reason = ?, lease_expires_at_ms = NULL
			WHERE id = ? AND state IN ('pending', 'claimed', 'running')
		`, store.Millis(m.now()), ReasonCanceled, jobID)
		if err != nil {
			return fmt.Errorf("cancel job %s: %w", jobID, err)
		}
		if n, err := res.RowsAffected(); err != nil || n != 1 {
			return failure.Conflict("job %s changed state during cancel", jobID)
		}
		if err := m.releaseOnceTx(ctx, tx, jobID, row.job.ConsumerID); err != nil {
			return err
		}
		row, err = loadJobTx(ctx, tx, jobID)
		if err != nil {
			return err
		}
		job = row.job
		return nil
	})
	if err != nil {
		return jobapi.Job{}, err
	}
	m.logs.Notify(jobID)
	m.logger.Info("job canceled", "job_id", jobID, "consumer_id", consumerID, "worker_id", job.ClaimedBy)
	return job, nil
}

type ReclaimReport struct {
	Requeued []string
	Failed   []string
}

// ReclaimExpired requeues or fails every job whose lease has lapsed.
func (m *Manager) ReclaimExpired(ctx context.Context) (ReclaimReport, error) {
	var report ReclaimReport
	err := m.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		report, err = m.reclaimExpiredTx(ctx, tx, m.now())
		return err
	})
	if err != nil {
		return ReclaimReport{}, err
	}
	m.notifyReclaimed(report)
	return report, nil
}

func (m *Manager) reclaimExpiredTx(ctx context.Context, tx *sql.Tx, now time.Time) (ReclaimReport, error) {
	type expired struct {
		id         string
		consumerID string
		attempts   int
	}
	nowMS := store.Millis(now)

	rows, err := tx.QueryContext(ctx, `
		SELECT id, consumer_id, attempt_count
		FROM jobs
		WHERE state IN ('claimed', 'running') AND lease_expires_at_ms < ?
		ORDER BY seq
	`, nowMS)
	if err != nil {
		return ReclaimReport{}, fmt.Errorf("scan expired leases: %w", err)
	}
	var candidates []expired
	for rows.Next() {
		var e expired
		if err := rows.Scan(&e.id, &e.consumerID, &e.attempts); err != nil {
			rows.Close()
			return ReclaimReport{}, fmt.Errorf("scan expired lease: %w", err)
		}
		candidates = append(candidates, e)
	}
	if err := rows.Close(); err != nil {
		return ReclaimReport{}, err
	}
	if err := rows.Err(); err != nil {
		return ReclaimReport{}, err
	}

	var report ReclaimReport
	for _, e := range candidates {
		if e.attempts < m.maxAttempts {
			if _, err := tx.ExecContext(ctx, `
				UPDATE jobs
				SET state = 'pending', claimed_by = '', lease_expires_at_ms = NULL, started_at_ms = NULL
				WHERE id = ? AND state IN ('claimed', 'running') AND lease_expires_at_ms < ?
			`, e.id, nowMS); err != nil {
				return ReclaimReport{}, fmt.Errorf("requeue expired job %s: %w", e.id, err)
			}
			report.Requeued = append(report.Requeued, e.id)
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET state = 'failed', failure_reason = ?, finished_at_ms = ?, lease_expires_at_ms = NULL
			WHERE id = ? AND state IN ('claimed', 'running') AND lease_expires_at_ms < ?
		`, ReasonLeaseExpired, nowMS, e.id, nowMS); err != nil {
			return ReclaimReport{}, fmt.Errorf("fail expired job %s: %w", e.id, err)
		}
		if err := m.releaseOnceTx(ctx, tx, e.id, e.consumerID); err != nil {
			return ReclaimReport{}, err
		}
		report.Failed = append(report.Failed, e.id)
	}
	return report, nil
}

func (m *Manager) notifyReclaimed(report ReclaimReport) {
	for _, id := range report.Requeued {
		m.logger.Info("lease expired, job requeued", "job_id", id)
	}
	for _, id := range report.Failed {
		m.logger.Warn("lease expired, job failed", "job_id", id, "reason", ReasonLeaseExpired)
		m.logs.Notify(id)
	}
}

// RunReclaimer sweeps expired leases until ctx is done.
func (m *Manager) RunReclaimer(ctx context.Context) error {
	ticker := time.NewTicker(m.reclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := m.ReclaimExpired(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error("reclaim sweep failed", "error", err)
			}
		}
	}
}

// releaseOnceTx returns the job's quota reservation unless it was already
// returned.
func (m *Manager) releaseOnceTx(ctx context.Context, tx *sql.Tx, jobID, consumerID string) error {
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET quota_released = 1 WHERE id = ? AND quota_released = 0`, jobID)
	if err != nil {
		return fmt.Errorf("mark quota released for job %s: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	return m.ledger.Release(ctx, tx, consumerID)
}

func (m *Manager) Get(ctx context.Context, consumerID, jobID string) (jobapi.Job, error) {
	row, err := loadJob(ctx, m.db.Q(), jobID)
	if err != nil {
		return jobapi.Job{}, err
	}
	if row.job.ConsumerID != consumerID {
		return jobapi.Job{}, failure.NotFound("job %s not found", jobID)
	}
	return row.job, nil
}

type ListOptions struct {
	Limit  int
	State  jobapi.JobState
	Before string
}

// List returns the consumer's jobs newest first.
func (m *Manager) List(ctx context.Context, consumerID string, opts ListOptions) (jobapi.ListJobsResponse, error) {
	limit := opts.Limit
	switch {
	case limit <= 0:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		limit = MaxListLimit
	}

	query := `SELECT ` + jobColumns + ` FROM jobs WHERE consumer_id = ?`
	args := []any{consumerID}
	if opts.State != "" {
		if _, ok := jobapi.ParseState(string(opts.State)); !ok {
			return jobapi.ListJobsResponse{}, failure.Validation("unknown state %q", opts.State)
		}
		query += ` AND state = ?`
		args = append(args, string(opts.State))
	}
	if before := strings.TrimSpace(opts.Before); before != "" {
		query += ` AND seq < (SELECT seq FROM jobs WHERE id = ? AND consumer_id = ?)`
		args = append(args, before, consumerID)
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit+1)

	rows, err := m.db.Q().QueryContext(ctx, query, args...)
	if err != nil {
		return jobapi.ListJobsResponse{}, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	resp := jobapi.ListJobsResponse{Jobs: []jobapi.Job{}}
	for rows.Next() {
		row, err := scanJob(rows)
		if err != nil {
			return jobapi.ListJobsResponse{}, err
		}
		if len(resp.Jobs) == limit {
			resp.NextBefore = resp.Jobs[len(resp.Jobs)-1].ID
			break
		}
		resp.Jobs = append(resp.Jobs, row.job)
	}
	if err := rows.Err(); err != nil {
		return jobapi.ListJobsResponse{}, fmt.Errorf("list jobs: %w", err)
	}
	return resp, nil
}

// ReadLogs returns one page of a job's log. Done is only reported once the
// job is terminal and the page reached the end of the log.
func (m *Manager) ReadLogs(ctx context.Context, consumerID, jobID string, offset int64, limit int) (jobapi.LogPage, error) {
	job, err := m.Get(ctx, consumerID, jobID)
	if err != nil {
		return jobapi.LogPage{}, err
	}
	page, err := m.logs.ReadPage(ctx, jobID, offset, limit)
	if err != nil {
		return jobapi.LogPage{}, err
	}
	return jobapi.LogPage{
		Chunks:     page.Chunks,
		NextOffset: page.NextOffset,
		Done:       page.Done && job.State.Terminal(),
	}, nil
}

// FollowLogs streams the job's log from offset until the job is terminal.
func (m *Manager) FollowLogs(ctx context.Context, consumerID, jobID string, offset int64) (iter.Seq2[jobapi.LogChunk, error], error) {
	if _, err := m.Get(ctx, consumerID, jobID); err != nil {
		return nil, err
	}
	terminal := func(ctx context.Context) (bool, error) {
		row, err := loadJob(ctx, m.db.Q(), jobID)
		if err != nil {
			return false, err
		}
		return row.job.State.Terminal() && !row.awaitingOutput(m.now()), nil
	}
	return m.logs.Tail(ctx, jobID, offset, terminal), nil
}

// Usage exposes the consumer's current quota counters.
func (m *Manager) Usage(ctx context.Context, consumerID string) (quota.Usage, error) {
	return m.ledger.Usage(ctx, m.db.Q(), consumerID)
}

func staleLease(lease jobapi.LeaseRef) error {
	return failure.Conflict("stale lease for job %s (worker %s, attempt %d)", lease.JobID, lease.WorkerID, lease.Attempt)
}

func expectOne(res sql.Result, lease jobapi.LeaseRef) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return staleLease(lease)
	}
	return nil
}
