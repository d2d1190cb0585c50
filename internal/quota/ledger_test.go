package quota

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/buildkite/jobrunner/internal/consumers"
	"github.com/buildkite/jobrunner/internal/failure"
	"github.com/buildkite/jobrunner/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "quota.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func reserve(ctx context.Context, db *store.DB, l *Ledger, c consumers.Consumer) error {
	return db.WithTx(ctx, func(tx *sql.Tx) error {
		return l.Reserve(ctx, tx, c)
	})
}

func release(ctx context.Context, db *store.DB, l *Ledger, id string) error {
	return db.WithTx(ctx, func(tx *sql.Tx) error {
		return l.Release(ctx, tx, id)
	})
}

func TestReserveConcurrentSubmittersNeverExceedMaxConcurrent(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	ledger := New(Options{})
	consumer := consumers.Consumer{ID: "team-a", MaxConcurrent: 5, MaxPerDay: 1000, Enabled: true}

	const submitters = 24
	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < submitters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := reserve(ctx, db, ledger, consumer)
			if err == nil {
				admitted.Add(1)
				return
			}
			assert.True(t, failure.Is(err, failure.KindQuotaExceeded), "unexpected error: %v", err)
			assert.Equal(t, failure.LimitConcurrent, failure.LimitOf(err))
		}()
	}
	wg.Wait()

	require.EqualValues(t, consumer.MaxConcurrent, admitted.Load())
	usage, err := ledger.Usage(ctx, db.Q(), consumer.ID)
	require.NoError(t, err)
	assert.Equal(t, consumer.MaxConcurrent, usage.ActiveCount)
	assert.Equal(t, consumer.MaxConcurrent, usage.SubmittedToday)
}

func TestReserveConcurrentSubmittersNeverExceedMaxPerDay(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	ledger := New(Options{})
	consumer := consumers.Consumer{ID: "team-a", MaxConcurrent: 100, MaxPerDay: 7, Enabled: true}

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := reserve(ctx, db, ledger, consumer); err == nil {
				admitted.Add(1)
			} else {
				assert.Equal(t, failure.LimitDaily, failure.LimitOf(err))
			}
		}()
	}
	wg.Wait()

	require.EqualValues(t, 7, admitted.Load())
}

func TestReleaseOnlyDecrementsActiveCount(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	ledger := New(Options{})
	consumer := consumers.Consumer{ID: "team-a", MaxConcurrent: 1, MaxPerDay: 2, Enabled: true}

	require.NoError(t, reserve(ctx, db, ledger, consumer))
	err := reserve(ctx, db, ledger, consumer)
	require.Equal(t, failure.LimitConcurrent, failure.LimitOf(err))

	require.NoError(t, release(ctx, db, ledger, consumer.ID))
	require.NoError(t, reserve(ctx, db, ledger, consumer))
	require.NoError(t, release(ctx, db, ledger, consumer.ID))

	err = reserve(ctx, db, ledger, consumer)
	require.Equal(t, failure.LimitDaily, failure.LimitOf(err))

	usage, err := ledger.Usage(ctx, db.Q(), consumer.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, usage.ActiveCount)
	assert.Equal(t, 2, usage.SubmittedToday)
}

func TestReleaseNeverGoesNegative(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	ledger := New(Options{})
	consumer := consumers.Consumer{ID: "team-a", MaxConcurrent: 1, MaxPerDay: 5, Enabled: true}

	require.NoError(t, reserve(ctx, db, ledger, consumer))
	require.NoError(t, release(ctx, db, ledger, consumer.ID))
	require.NoError(t, release(ctx, db, ledger, consumer.ID))

	usage, err := ledger.Usage(ctx, db.Q(), consumer.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, usage.ActiveCount)
}

func TestDailyCounterRollsOverAtReferenceMidnight(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("timezone database unavailable: %v", err)
	}
	clock := &fakeClock{now: time.Date(2026, 5, 4, 23, 30, 0, 0, loc)}
	ledger := New(Options{Location: loc, Now: clock.Now})
	consumer := consumers.Consumer{ID: "team-a", MaxConcurrent: 10, MaxPerDay: 1, Enabled: true}

	require.NoError(t, reserve(ctx, db, ledger, consumer))
	require.Equal(t, failure.LimitDaily, failure.LimitOf(reserve(ctx, db, ledger, consumer)))

	// 04:00 UTC on the 5th is still the 4th in New York.
	clock.Set(time.Date(2026, 5, 5, 3, 59, 0, 0, time.UTC))
	require.Equal(t, failure.LimitDaily, failure.LimitOf(reserve(ctx, db, ledger, consumer)))

	clock.Set(time.Date(2026, 5, 5, 0, 1, 0, 0, loc))
	require.NoError(t, reserve(ctx, db, ledger, consumer))

	usage, err := ledger.Usage(ctx, db.Q(), consumer.ID)
	require.NoError(t, err)
	assert.Equal(t, "2026-05-05", usage.DayBucket)
	assert.Equal(t, 1, usage.SubmittedToday)
	assert.Equal(t, 2, usage.ActiveCount)
}

func TestExecutionPolicySkipsConcurrentCheck(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	ledger := New(Options{Policy: PolicyExecution})
	consumer := consumers.Consumer{ID: "team-a", MaxConcurrent: 1, MaxPerDay: 3, Enabled: true}

	for i := 0; i < 3; i++ {
		require.NoError(t, reserve(ctx, db, ledger, consumer))
	}
	require.Equal(t, failure.LimitDaily, failure.LimitOf(reserve(ctx, db, ledger, consumer)))
}

func TestParsePolicy(t *testing.T) {
	t.Parallel()

	for raw, want := range map[string]Policy{"": PolicyAdmission, "Admission": PolicyAdmission, "execution": PolicyExecution} {
		got, err := ParsePolicy(raw)
		require.NoError(t, err)
		assert.Equal(t, want, got, "ParsePolicy(%q)", raw)
	}
	_, err := ParsePolicy("running")
	require.Error(t, err)
}
