// Package logstore keeps the append-only, per-job ordered log of output
// chunks.
package logstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/buildkite/jobrunner/internal/failure"
	"github.com/buildkite/jobrunner/internal/jobapi"
	"github.com/buildkite/jobrunner/internal/store"
)

const (
	// MaxChunkBytes bounds the stored size of a single chunk.
	MaxChunkBytes   = 4000
	truncatedMarker = "\n[truncated]\n"

	DefaultPageLimit = 500
	MaxPageLimit     = 2000

	defaultPollInterval = time.Second
)

var (
	ErrDuplicateSeq = errors.New("duplicate log sequence number")
	ErrSeqGap       = errors.New("log sequence gap")
)

type Store struct {
	db           *store.DB
	pollInterval time.Duration
	now          func() time.Time

	mu      sync.Mutex
	waiters map[string]*waiter
}

// waiter is closed by Notify. refs counts the tails parked on it, so the
// last one to leave removes it from the map.
type waiter struct {
	ch   chan struct{}
	refs int
}

type Options struct {
	// PollInterval bounds how long Tail waits between checks when no append
	// notification arrives.
	PollInterval time.Duration
	Now          func() time.Time
}

func New(db *store.DB, opts Options) *Store {
	poll := opts.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		db:           db,
		pollInterval: poll,
		now:          now,
		waiters:      map[string]*waiter{},
	}
}

// Page is one slice of a job's log. Done reports that no chunk beyond this
// page was stored at the time of the read.
type Page struct {
	Chunks     []jobapi.LogChunk
	NextOffset int64
	Done       bool
}

// Append stores a single chunk and wakes any tails for the job.
func (s *Store) Append(ctx context.Context, jobID string, stream jobapi.Stream, data []byte, seq int64) error {
	chunk := jobapi.LogChunk{Seq: seq, Stream: stream, Data: string(data), Timestamp: s.now().UTC()}
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := s.AppendTx(ctx, tx, jobID, []jobapi.LogChunk{chunk})
		return err
	})
	if err != nil {
		return err
	}
	s.Notify(jobID)
	return nil
}

// AppendTx stores chunks inside tx. Chunks must continue the job's sequence
// exactly. A chunk whose seq is already stored with the same stream and data
// is a resend and is skipped; any other duplicate, or a gap, is rejected and
// nothing is written. Callers must Notify after the transaction commits.
func (s *Store) AppendTx(ctx context.Context, tx *sql.Tx, jobID string, chunks []jobapi.LogChunk) (int64, error) {
	next, err := nextSeq(ctx, tx, jobID)
	if err != nil {
		return 0, err
	}
	for _, c := range chunks {
		switch {
		case c.Seq < next:
			same, err := storedMatches(ctx, tx, jobID, c)
			if err != nil {
				return 0, err
			}
			if same {
				continue
			}
			return 0, &failure.Error{Kind: failure.KindValidation, Message: fmt.Sprintf("job %s: seq %d already stored with different content", jobID, c.Seq), Err: ErrDuplicateSeq}
		case c.Seq > next:
			return 0, &failure.Error{Kind: failure.KindValidation, Message: fmt.Sprintf("job %s: expected seq %d, got %d", jobID, next, c.Seq), Err: ErrSeqGap}
		}
		stream := c.Stream
		if !stream.Valid() {
			return 0, failure.Validation("job %s: unknown log stream %q", jobID, c.Stream)
		}
		ts := c.Timestamp
		if ts.IsZero() {
			ts = s.now()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO log_chunks (job_id, seq, stream, data, ts_ms)
			VALUES (?, ?, ?, ?, ?)
		`, jobID, c.Seq, string(stream), truncate(c.Data), store.Millis(ts)); err != nil {
			return 0, fmt.Errorf("append log chunk %d for job %s: %w", c.Seq, jobID, err)
		}
		next++
	}
	return next, nil
}

func storedMatches(ctx context.Context, tx *sql.Tx, jobID string, c jobapi.LogChunk) (bool, error) {
	var stream, data string
	err := tx.QueryRowContext(ctx, `SELECT stream, data FROM log_chunks WHERE job_id = ? AND seq = ?`, jobID, c.Seq).Scan(&stream, &data)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("read log chunk %d for job %s: %w", c.Seq, jobID, err)
	}
	return stream == string(c.Stream) && data == truncate(c.Data), nil
}

// NextSeq returns the sequence number the next append must use.
func (s *Store) NextSeq(ctx context.Context, q store.Queryer, jobID string) (int64, error) {
	return nextSeq(ctx, q, jobID)
}

func nextSeq(ctx context.Context, q store.Queryer, jobID string) (int64, error) {
	var maxSeq sql.NullInt64
	if err := q.QueryRowContext(ctx, `SELECT MAX(seq) FROM log_chunks WHERE job_id = ?`, jobID).Scan(&maxSeq); err != nil {
		return 0, fmt.Errorf("read log sequence for job %s: %w", jobID, err)
	}
	if !maxSeq.Valid {
		return 0, nil
	}
	return maxSeq.Int64 + 1, nil
}

// ReadPage returns up to limit chunks starting at sequence offset.
func (s *Store) ReadPage(ctx context.Context, jobID string, offset int64, limit int) (Page, error) {
	if offset < 0 {
		offset = 0
	}
	limit = ClampLimit(limit)

	rows, err := s.db.Q().QueryContext(ctx, `
		SELECT seq, stream, data, ts_ms
		FROM log_chunks
		WHERE job_id = ? AND seq >= ?
		ORDER BY seq
		LIMIT ?
	`, jobID, offset, limit+1)
	if err != nil {
		return Page{}, fmt.Errorf("read logs for job %s: %w", jobID, err)
	}
	defer rows.Close()

	page := Page{Chunks: make([]jobapi.LogChunk, 0, limit), NextOffset: offset, Done: true}
	for rows.Next() {
		var (
			c      jobapi.LogChunk
			stream string
			tsMS   int64
		)
		if err := rows.Scan(&c.Seq, &stream, &c.Data, &tsMS); err != nil {
			return Page{}, fmt.Errorf("scan log chunk for job %s: %w", jobID, err)
		}
		if len(page.Chunks) == limit {
			page.Done = false
			break
		}
		c.Stream = jobapi.Stream(stream)
		c.Timestamp = store.FromMillis(tsMS)
		page.Chunks = append(page.Chunks, c)
		page.NextOffset = c.Seq + 1
	}
	if err := rows.Err(); err != nil {
		return Page{}, fmt.Errorf("read logs for job %s: %w", jobID, err)
	}
	return page, nil
}

// TerminalFunc reports whether the job has reached a terminal state.
type TerminalFunc func(ctx context.Context) (bool, error)

// Tail yields chunks from offset onwards as they arrive. The sequence ends
// once terminal reports true and every stored chunk has been yielded, or when
// ctx is canceled.
func (s *Store) Tail(ctx context.Context, jobID string, offset int64, terminal TerminalFunc) iter.Seq2[jobapi.LogChunk, error] {
	return func(yield func(jobapi.LogChunk, error) bool) {
		for {
			// Subscribe before reading so an append between the read and the
			// wait still wakes us.
			wake, leave := s.wait(jobID)

			done, err := terminal(ctx)
			if err != nil {
				leave()
				yield(jobapi.LogChunk{}, err)
				return
			}

			page, err := s.ReadPage(ctx, jobID, offset, MaxPageLimit)
			if err != nil {
				leave()
				yield(jobapi.LogChunk{}, err)
				return
			}
			for _, c := range page.Chunks {
				if !yield(c, nil) {
					leave()
					return
				}
			}
			offset = page.NextOffset
			if !page.Done || done {
				leave()
				if done && page.Done {
					return
				}
				continue
			}

			timer := time.NewTimer(s.pollInterval)
			select {
			case <-ctx.Done():
			case <-wake:
			case <-timer.C:
			}
			timer.Stop()
			leave()
			if ctx.Err() != nil {
				yield(jobapi.LogChunk{}, ctx.Err())
				return
			}
		}
	}
}

// Notify wakes tails waiting on jobID, after appends or state changes.
func (s *Store) Notify(jobID string) {
	s.mu.Lock()
	w, ok := s.waiters[jobID]
	if ok {
		delete(s.waiters, jobID)
	}
	s.mu.Unlock()
	if ok {
		close(w.ch)
	}
}

// wait registers interest in the next Notify for jobID. leave must be called
// exactly once when the caller stops waiting.
func (s *Store) wait(jobID string) (<-chan struct{}, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.waiters[jobID]
	if !ok {
		w = &waiter{ch: make(chan struct{})}
		s.waiters[jobID] = w
	}
	w.refs++
	return w.ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		w.refs--
		if w.refs == 0 && s.waiters[jobID] == w {
			delete(s.waiters, jobID)
		}
	}
}

// ClampLimit bounds a requested page size to 1..MaxPageLimit.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultPageLimit
	case limit > MaxPageLimit:
		return MaxPageLimit
	}
	return limit
}

func truncate(data string) string {
	if len(data) <= MaxChunkBytes {
		return data
	}
	cut := MaxChunkBytes - len(truncatedMarker)
	for cut > 0 && !isRuneStart(data[cut]) {
		cut--
	}
	return data[:cut] + truncatedMarker
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
