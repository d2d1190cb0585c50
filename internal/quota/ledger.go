// Package quota tracks per-consumer concurrency and daily submission counts.
//
// Every method takes the caller's transaction so that a reservation commits
// or rolls back together with the job row it admits.
package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/buildkite/jobrunner/internal/consumers"
	"github.com/buildkite/jobrunner/internal/failure"
	"github.com/buildkite/jobrunner/internal/store"
)

// Policy selects what max_concurrent bounds.
type Policy string

const (
	// PolicyAdmission bounds pending, claimed and running jobs together and
	// enforces the limit at submission.
	PolicyAdmission Policy = "admission"
	// PolicyExecution bounds only claimed and running jobs and enforces the
	// limit at claim time.
	PolicyExecution Policy = "execution"
)

func ParsePolicy(raw string) (Policy, error) {
	switch Policy(strings.TrimSpace(strings.ToLower(raw))) {
	case "", PolicyAdmission:
		return PolicyAdmission, nil
	case PolicyExecution:
		return PolicyExecution, nil
	default:
		return "", fmt.Errorf("unknown concurrency policy %q (expected admission|execution)", raw)
	}
}

type Options struct {
	// Location fixes the timezone whose midnight rolls submitted_today over.
	Location *time.Location
	Policy   Policy
	Now      func() time.Time
}

type Ledger struct {
	loc    *time.Location
	policy Policy
	now    func() time.Time
}

type Usage struct {
	ConsumerID     string
	ActiveCount    int
	SubmittedToday int
	DayBucket      string
}

func New(opts Options) *Ledger {
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	policy := opts.Policy
	if policy == "" {
		policy = PolicyAdmission
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Ledger{loc: loc, policy: policy, now: now}
}

func (l *Ledger) Policy() Policy {
	return l.policy
}

// DayBucket names the day window containing t.
func (l *Ledger) DayBucket(t time.Time) string {
	return t.In(l.loc).Format("2006-01-02")
}

// Reserve admits one submission for c or returns a quota_exceeded error
// naming the limit that was hit. Nothing is written on denial.
func (l *Ledger) Reserve(ctx context.Context, tx *sql.Tx, c consumers.Consumer) error {
	today := l.DayBucket(l.now())

	var (
		active    int
		bucket    string
		submitted int
	)
	err := tx.QueryRowContext(ctx, `
		SELECT active_count, day_bucket, submitted_today
		FROM quota_counters
		WHERE consumer_id = ?
	`, c.ID).Scan(&active, &bucket, &submitted)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read quota counters for %q: %w", c.ID, err)
	}
	if bucket != today {
		submitted = 0
	}

	if l.policy == PolicyAdmission && active >= c.MaxConcurrent {
		return failure.Quota(failure.LimitConcurrent)
	}
	if submitted >= c.MaxPerDay {
		return failure.Quota(failure.LimitDaily)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO quota_counters (consumer_id, active_count, day_bucket, submitted_today, max_concurrent)
		VALUES (?, 1, ?, 1, ?)
		ON CONFLICT(consumer_id) DO UPDATE SET
			active_count = active_count + 1,
			day_bucket = excluded.day_bucket,
			submitted_today = ?,
			max_concurrent = excluded.max_concurrent
	`, c.ID, today, c.MaxConcurrent, submitted+1)
	if err != nil {
		return fmt.Errorf("reserve quota for %q: %w", c.ID, err)
	}
	return nil
}

// Release returns one active_count slot. The daily counter is never
// decremented.
func (l *Ledger) Release(ctx context.Context, tx *sql.Tx, consumerID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE quota_counters
		SET active_count = MAX(active_count - 1, 0)
		WHERE consumer_id = ?
	`, consumerID)
	if err != nil {
		return fmt.Errorf("release quota for %q: %w", consumerID, err)
	}
	return nil
}

// Usage reads the current counters, treating a stale day bucket as zero.
func (l *Ledger) Usage(ctx context.Context, q store.Queryer, consumerID string) (Usage, error) {
	u := Usage{ConsumerID: consumerID, DayBucket: l.DayBucket(l.now())}
	var bucket string
	err := q.QueryRowContext(ctx, `
		SELECT active_count, day_bucket, submitted_today
		FROM quota_counters
		WHERE consumer_id = ?
	`, consumerID).Scan(&u.ActiveCount, &bucket, &u.SubmittedToday)
	if errors.Is(err, sql.ErrNoRows) {
		return u, nil
	}
	if err != nil {
		return Usage{}, fmt.Errorf("read quota usage for %q: %w", consumerID, err)
	}
	if bucket != u.DayBucket {
		u.SubmittedToday = 0
	}
	return u, nil
}

// Reconcile recomputes active_count for every consumer from the jobs table.
func (l *Ledger) Reconcile(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE quota_counters
		SET active_count = (
			SELECT COUNT(*) FROM jobs
			WHERE jobs.consumer_id = quota_counters.consumer_id
			AND jobs.state IN ('pending', 'claimed', 'running')
		)
	`)
	if err != nil {
		return fmt.Errorf("reconcile quota counters: %w", err)
	}
	return nil
}
