package lifecycle

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/buildkite/jobrunner/internal/failure"
	"github.com/buildkite/jobrunner/internal/jobapi"
	"github.com/buildkite/jobrunner/internal/store"
)

const jobColumns = `
	id,
	consumer_id,
	spec_json,
	state,
	created_at_ms,
	claimed_by,
	lease_expires_at_ms,
	lease_duration_ms,
	started_at_ms,
	finished_at_ms,
	exit_code,
	failure_reason,
	attempt_count,
	finalized_attempt
`

type jobRow struct {
	job              jobapi.Job
	leaseDuration    time.Duration
	finalizedAttempt int
}

func (r jobRow) heldBy(lease jobapi.LeaseRef) bool {
	return r.job.ClaimedBy != "" && r.job.ClaimedBy == lease.WorkerID && r.job.AttemptCount == lease.Attempt
}

func (r jobRow) leased() bool {
	return r.job.State == jobapi.StateClaimed || r.job.State == jobapi.StateRunning
}

// draining reports a canceled job whose worker has not reported back yet.
// The lease holder may still ship the attempt's remaining output.
func (r jobRow) draining(lease jobapi.LeaseRef) bool {
	return r.job.State == jobapi.StateCanceled && r.heldBy(lease) && r.finalizedAttempt != lease.Attempt
}

// awaitingOutput reports a canceled job that a worker still holds, so more
// of the attempt's output can arrive. The window closes when the attempt is
// finalized or one lease duration after the cancel.
func (r jobRow) awaitingOutput(now time.Time) bool {
	if r.job.State != jobapi.StateCanceled || r.job.ClaimedBy == "" || r.finalizedAttempt == r.job.AttemptCount {
		return false
	}
	return r.job.FinishedAt != nil && now.Before(r.job.FinishedAt.Add(r.leaseDuration))
}

type scanner interface {
	Scan(dest ...any) error
}

func loadJobTx(ctx context.Context, tx *sql.Tx, id string) (jobRow, error) {
	return loadJob(ctx, tx, id)
}

func loadJob(ctx context.Context, q store.Queryer, id string) (jobRow, error) {
	row, err := scanJob(q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return jobRow{}, failure.NotFound("job %s not found", id)
	}
	if err != nil {
		return jobRow{}, fmt.Errorf("load job %s: %w", id, err)
	}
	return row, nil
}

func scanJob(s scanner) (jobRow, error) {
	var (
		row             jobRow
		specJSON        string
		state           string
		createdAtMS     int64
		leaseExpiresAt  sql.NullInt64
		leaseDurationMS int64
		startedAt       sql.NullInt64
		finishedAt      sql.NullInt64
		exitCode        sql.NullInt64
	)
	if err := s.Scan(
		&row.job.ID,
		&row.job.ConsumerID,
		&specJSON,
		&state,
		&createdAtMS,
		&row.job.ClaimedBy,
		&leaseExpiresAt,
		&leaseDurationMS,
		&startedAt,
		&finishedAt,
		&exitCode,
		&row.job.FailureReason,
		&row.job.AttemptCount,
		&row.finalizedAttempt,
	); err != nil {
		return jobRow{}, err
	}
	if err := json.Unmarshal([]byte(specJSON), &row.job.Spec); err != nil {
		return jobRow{}, fmt.Errorf("decode spec for job %s: %w", row.job.ID, err)
	}
	row.job.State = jobapi.JobState(state)
	row.job.CreatedAt = store.FromMillis(createdAtMS)
	row.job.LeaseExpiresAt = store.NullTime(leaseExpiresAt)
	row.job.StartedAt = store.NullTime(startedAt)
	row.job.FinishedAt = store.NullTime(finishedAt)
	if exitCode.Valid {
		code := int(exitCode.Int64)
		row.job.ExitCode = &code
	}
	row.leaseDuration = time.Duration(leaseDurationMS) * time.Millisecond
	return row, nil
}
