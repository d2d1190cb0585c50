package worker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/buildkite/jobrunner/internal/consumers"
	"github.com/buildkite/jobrunner/internal/failure"
	"github.com/buildkite/jobrunner/internal/jobapi"
	"github.com/buildkite/jobrunner/internal/lifecycle"
	"github.com/buildkite/jobrunner/internal/quota"
	"github.com/buildkite/jobrunner/internal/sandbox"
	"github.com/buildkite/jobrunner/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))
}

var team = consumers.Consumer{ID: "team-a", MaxConcurrent: 10, MaxPerDay: 100, Enabled: true}

type fakeBackend struct {
	run func(ctx context.Context, req sandbox.Request, stream sandbox.OutputStream) (sandbox.Result, error)

	active    atomic.Int32
	maxActive atomic.Int32
}

func (b *fakeBackend) Name() string                                  { return jobapi.SandboxContainer }
func (b *fakeBackend) SupportsIsolation(sandbox.IsolationLevel) bool { return true }

func (b *fakeBackend) Execute(ctx context.Context, req sandbox.Request, stream sandbox.OutputStream) (sandbox.Result, error) {
	n := b.active.Add(1)
	defer b.active.Add(-1)
	for {
		cur := b.maxActive.Load()
		if n <= cur || b.maxActive.CompareAndSwap(cur, n) {
			break
		}
	}
	return b.run(ctx, req, stream)
}

func echoBackend(out string, code int) *fakeBackend {
	return &fakeBackend{run: func(_ context.Context, _ sandbox.Request, stream sandbox.OutputStream) (sandbox.Result, error) {
		stream.OnStdout([]byte(out))
		return sandbox.Result{ExitCode: code}, nil
	}}
}

func blockingBackend(started chan<- string) *fakeBackend {
	return &fakeBackend{run: func(ctx context.Context, req sandbox.Request, stream sandbox.OutputStream) (sandbox.Result, error) {
		stream.OnStderr([]byte("working\n"))
		if started != nil {
			started <- req.JobID
		}
		<-ctx.Done()
		return sandbox.ContextResult(ctx, req.Spec.Timeout())
	}}
}

func newManager(t *testing.T) *lifecycle.Manager {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	m, err := lifecycle.New(lifecycle.Options{DB: db, Ledger: quota.New(quota.Options{}), MaxAttempts: 2})
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx))
	return m
}

func newWorker(t *testing.T, coord Coordinator, backend sandbox.Backend, mutate func(*Options)) *Worker {
	t.Helper()
	opts := Options{
		ID:                "w1",
		Coordinator:       coord,
		Backends:          sandbox.NewRegistry(backend),
		PollInterval:      10 * time.Millisecond,
		MaxPollInterval:   20 * time.Millisecond,
		HeartbeatInterval: 20 * time.Millisecond,
		LogBatch:          LogBatchOptions{FlushInterval: 10 * time.Millisecond},
	}
	if mutate != nil {
		mutate(&opts)
	}
	w, err := New(opts)
	require.NoError(t, err)
	return w
}

func submit(t *testing.T, m *lifecycle.Manager, spec jobapi.JobSpec) jobapi.Job {
	t.Helper()
	job, err := m.Submit(context.Background(), team, spec)
	require.NoError(t, err)
	return job
}

func get(t *testing.T, m *lifecycle.Manager, id string) jobapi.Job {
	t.Helper()
	job, err := m.Get(context.Background(), team.ID, id)
	require.NoError(t, err)
	return job
}

func logText(t *testing.T, m *lifecycle.Manager, id string) (string, []jobapi.LogChunk) {
	t.Helper()
	page, err := m.ReadLogs(context.Background(), team.ID, id, 0, 500)
	require.NoError(t, err)
	var b strings.Builder
	for _, c := range page.Chunks {
		b.WriteString(c.Data)
	}
	return b.String(), page.Chunks
}

func waitForState(t *testing.T, m *lifecycle.Manager, id string, state jobapi.JobState) jobapi.Job {
	t.Helper()
	var job jobapi.Job
	require.Eventually(t, func() bool {
		job = get(t, m, id)
		return job.State == state
	}, 10*time.Second, 10*time.Millisecond, "job %s never reached %s", id, state)
	return job
}

func TestRunOnceExecutesJobAndShipsLogs(t *testing.T) {
	m := newManager(t)
	job := submit(t, m, jobapi.JobSpec{Command: "echo hello"})
	w := newWorker(t, m, echoBackend("hello\n", 0), nil)

	claimed, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, claimed)

	done := get(t, m, job.ID)
	assert.Equal(t, jobapi.StateSucceeded, done.State)
	require.NotNil(t, done.ExitCode)
	assert.Equal(t, 0, *done.ExitCode)

	text, chunks := logText(t, m, job.ID)
	assert.Equal(t, "claimed by w1 (attempt 1)\nhello\nexit code 0\n", text)
	for i, c := range chunks {
		assert.Equal(t, int64(i), c.Seq)
	}
	assert.Equal(t, jobapi.StreamSystem, chunks[0].Stream)
	assert.Equal(t, jobapi.StreamStdout, chunks[1].Stream)
}

func TestRunOnceReportsNonZeroExit(t *testing.T) {
	m := newManager(t)
	job := submit(t, m, jobapi.JobSpec{Command: "exit 3"})
	w := newWorker(t, m, echoBackend("", 3), nil)

	_, err := w.RunOnce(context.Background())
	require.NoError(t, err)

	done := get(t, m, job.ID)
	assert.Equal(t, jobapi.StateFailed, done.State)
	require.NotNil(t, done.ExitCode)
	assert.Equal(t, 3, *done.ExitCode)
	assert.Equal(t, "exit code 3", done.FailureReason)
}

func TestRunOnceWithNothingQueued(t *testing.T) {
	m := newManager(t)
	w := newWorker(t, m, echoBackend("", 0), nil)

	claimed, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestTimeoutFinalizesTimedOut(t *testing.T) {
	m := newManager(t)
	job := submit(t, m, jobapi.JobSpec{Command: "sleep 60", TimeoutSeconds: 1})
	w := newWorker(t, m, blockingBackend(nil), nil)

	_, err := w.RunOnce(context.Background())
	require.NoError(t, err)

	done := get(t, m, job.ID)
	assert.Equal(t, jobapi.StateTimedOut, done.State)
	require.NotNil(t, done.ExitCode)
	assert.Equal(t, sandbox.ExitTimeout, *done.ExitCode)
	text, _ := logText(t, m, job.ID)
	assert.Contains(t, text, "working\n")
	assert.Contains(t, text, "timeout after 1s")
}

func TestCancelReachesRunningJob(t *testing.T) {
	m := newManager(t)
	job := submit(t, m, jobapi.JobSpec{Command: "sleep 60"})
	started := make(chan string, 1)
	w := newWorker(t, m, blockingBackend(started), nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := w.RunOnce(context.Background())
		errCh <- err
	}()

	<-started
	_, err := m.Cancel(context.Background(), team.ID, job.ID)
	require.NoError(t, err)
	require.NoError(t, <-errCh)

	done := get(t, m, job.ID)
	assert.Equal(t, jobapi.StateCanceled, done.State)
	require.NotNil(t, done.ExitCode)
	assert.Equal(t, sandbox.ExitCanceled, *done.ExitCode)

	text, _ := logText(t, m, job.ID)
	assert.Contains(t, text, "working\n")
	assert.Contains(t, text, "canceled\n")
}

func TestBackendUnavailableReturnsJobToQueue(t *testing.T) {
	m := newManager(t)
	job := submit(t, m, jobapi.JobSpec{Command: "true"})
	unavailable := &fakeBackend{run: func(context.Context, sandbox.Request, sandbox.OutputStream) (sandbox.Result, error) {
		return sandbox.Result{}, failure.Sandbox(failure.SandboxBackendUnavailable, errors.New("docker daemon unreachable"))
	}}
	w := newWorker(t, m, unavailable, nil)

	_, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	requeued := get(t, m, job.ID)
	assert.Equal(t, jobapi.StatePending, requeued.State)
	assert.Equal(t, 1, requeued.AttemptCount)

	_, err = w.RunOnce(context.Background())
	require.NoError(t, err)
	failed := get(t, m, job.ID)
	assert.Equal(t, jobapi.StateFailed, failed.State)
	assert.Equal(t, 2, failed.AttemptCount)
	assert.True(t, strings.HasPrefix(failed.FailureReason, lifecycle.ReasonMaxAttemptsExceeded), failed.FailureReason)

	text, _ := logText(t, m, job.ID)
	assert.Contains(t, text, "claimed by w1 (attempt 1)")
	assert.Contains(t, text, "claimed by w1 (attempt 2)")
}

func TestMissingSandboxIsBackendUnavailable(t *testing.T) {
	m := newManager(t)
	job := submit(t, m, jobapi.JobSpec{Command: "true"})
	other := &namedBackend{fakeBackend: echoBackend("", 0), name: "other"}
	w := newWorker(t, m, other, nil)

	_, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, jobapi.StatePending, get(t, m, job.ID).State)
}

type namedBackend struct {
	*fakeBackend
	name string
}

func (b *namedBackend) Name() string { return b.name }

func TestSetupFailureFailsJob(t *testing.T) {
	m := newManager(t)
	job := submit(t, m, jobapi.JobSpec{Command: "true"})
	broken := &fakeBackend{run: func(context.Context, sandbox.Request, sandbox.OutputStream) (sandbox.Result, error) {
		return sandbox.Result{}, failure.Sandbox(failure.SandboxSetupFailed, errors.New("image not found"))
	}}
	w := newWorker(t, m, broken, nil)

	_, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	done := get(t, m, job.ID)
	assert.Equal(t, jobapi.StateFailed, done.State)
	assert.Equal(t, "setup_failed: image not found", done.FailureReason)
	assert.Nil(t, done.ExitCode)
}

// leaseStealer rejects heartbeats as if another worker had taken the job.
type leaseStealer struct {
	Coordinator
	finalizeCalls atomic.Int32
}

func (c *leaseStealer) Heartbeat(context.Context, jobapi.LeaseRef) (jobapi.HeartbeatResponse, error) {
	return jobapi.HeartbeatResponse{}, failure.Conflict("lease moved on")
}

func (c *leaseStealer) Finalize(ctx context.Context, req jobapi.FinalizeRequest) (jobapi.Job, error) {
	c.finalizeCalls.Add(1)
	return c.Coordinator.Finalize(ctx, req)
}

func TestLostLeaseAbortsWithoutReporting(t *testing.T) {
	m := newManager(t)
	job := submit(t, m, jobapi.JobSpec{Command: "sleep 60"})
	coord := &leaseStealer{Coordinator: m}
	w := newWorker(t, coord, blockingBackend(nil), nil)

	_, err := w.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(0), coord.finalizeCalls.Load())
	assert.Equal(t, jobapi.StateRunning, get(t, m, job.ID).State)
}

// droppedAck stores the first log batch but reports a transport error, as if
// the response was lost on the way back.
type droppedAck struct {
	Coordinator
	dropped atomic.Bool
}

func (c *droppedAck) AppendLogs(ctx context.Context, lease jobapi.LeaseRef, chunks []jobapi.LogChunk) (int64, error) {
	next, err := c.Coordinator.AppendLogs(ctx, lease, chunks)
	if err == nil && c.dropped.CompareAndSwap(false, true) {
		return 0, errors.New("read tcp: connection reset by peer")
	}
	return next, err
}

func TestLostLogAckIsResentWithoutFailingJob(t *testing.T) {
	m := newManager(t)
	job := submit(t, m, jobapi.JobSpec{Command: "count"})
	coord := &droppedAck{Coordinator: m}
	backend := &fakeBackend{run: func(_ context.Context, _ sandbox.Request, stream sandbox.OutputStream) (sandbox.Result, error) {
		for i := range 10 {
			stream.OnStdout([]byte(fmt.Sprintf("line %d\n", i)))
			time.Sleep(30 * time.Millisecond)
		}
		return sandbox.Result{ExitCode: 0}, nil
	}}
	w := newWorker(t, coord, backend, nil)

	_, err := w.RunOnce(context.Background())
	require.NoError(t, err)

	require.True(t, coord.dropped.Load())
	done := get(t, m, job.ID)
	assert.Equal(t, jobapi.StateSucceeded, done.State, done.FailureReason)
	text, chunks := logText(t, m, job.ID)
	for i := range 10 {
		assert.Contains(t, text, fmt.Sprintf("line %d\n", i))
	}
	for i, c := range chunks {
		assert.Equal(t, int64(i), c.Seq)
	}
}

func TestRunBoundsConcurrency(t *testing.T) {
	m := newManager(t)
	var ids []string
	for range 6 {
		ids = append(ids, submit(t, m, jobapi.JobSpec{Command: "true"}).ID)
	}
	backend := &fakeBackend{run: func(ctx context.Context, _ sandbox.Request, _ sandbox.OutputStream) (sandbox.Result, error) {
		time.Sleep(30 * time.Millisecond)
		return sandbox.Result{}, nil
	}}
	w := newWorker(t, m, backend, func(o *Options) { o.Concurrency = 2 })

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	for _, id := range ids {
		waitForState(t, m, id, jobapi.StateSucceeded)
	}
	cancel()
	require.NoError(t, <-errCh)

	assert.LessOrEqual(t, backend.maxActive.Load(), int32(2))
}

func TestRunShutdownHandsJobBack(t *testing.T) {
	m := newManager(t)
	job := submit(t, m, jobapi.JobSpec{Command: "sleep 60"})
	started := make(chan string, 1)
	w := newWorker(t, m, blockingBackend(started), nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	<-started
	cancel()
	require.NoError(t, <-errCh)

	requeued := get(t, m, job.ID)
	assert.Equal(t, jobapi.StatePending, requeued.State)
	assert.Equal(t, 1, requeued.AttemptCount)
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{Backends: sandbox.NewRegistry(echoBackend("", 0))})
	require.Error(t, err)

	_, err = New(Options{Coordinator: &leaseStealer{}, Backends: sandbox.NewRegistry()})
	require.Error(t, err)

	w, err := New(Options{Coordinator: &leaseStealer{}, Backends: sandbox.NewRegistry(echoBackend("", 0))})
	require.NoError(t, err)
	assert.NotEmpty(t, w.ID())
	assert.Equal(t, DefaultLeaseDuration/3, w.heartbeat)
}

// recordingCoordinator captures AppendLogs batches.
type recordingCoordinator struct {
	Coordinator
	mu      sync.Mutex
	batches [][]jobapi.LogChunk
	fail    error
}

func (c *recordingCoordinator) AppendLogs(_ context.Context, _ jobapi.LeaseRef, chunks []jobapi.LogChunk) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return 0, c.fail
	}
	c.batches = append(c.batches, chunks)
	return chunks[len(chunks)-1].Seq + 1, nil
}

func TestLogWriterBatchesInSequence(t *testing.T) {
	coord := &recordingCoordinator{}
	lw := newLogWriter(coord, jobapi.LeaseRef{JobID: "job_1", WorkerID: "w1", Attempt: 2}, 7, LogBatchOptions{MaxChunks: 50, FlushInterval: time.Hour}, testLogger(), func(error) {})
	for range 120 {
		lw.stdout([]byte("line\n"))
	}
	require.True(t, lw.flush(context.Background()))

	var seqs []int64
	for _, b := range coord.batches {
		assert.LessOrEqual(t, len(b), 50)
		for _, c := range b {
			seqs = append(seqs, c.Seq)
		}
	}
	require.Len(t, seqs, 120)
	for i, s := range seqs {
		assert.Equal(t, int64(7+i), s)
	}
}

func TestLogWriterKeepsChunksOnTransientError(t *testing.T) {
	coord := &recordingCoordinator{fail: errors.New("connection reset")}
	lw := newLogWriter(coord, jobapi.LeaseRef{JobID: "job_1"}, 0, LogBatchOptions{}, testLogger(), func(error) {})
	lw.stdout([]byte("a\n"))

	assert.False(t, lw.flush(context.Background()))
	coord.fail = nil
	assert.True(t, lw.flush(context.Background()))
	require.Len(t, coord.batches, 1)
	assert.Equal(t, "a\n", coord.batches[0][0].Data)
}

func TestLogWriterStopsAttemptOnRejectedSequence(t *testing.T) {
	coord := &recordingCoordinator{fail: failure.Validation("expected seq 3, got 0")}
	var cause error
	lw := newLogWriter(coord, jobapi.LeaseRef{JobID: "job_1"}, 0, LogBatchOptions{}, testLogger(), func(err error) { cause = err })
	lw.stdout([]byte("a\n"))

	assert.True(t, lw.flush(context.Background()))
	assert.ErrorIs(t, cause, errLogRejected)
	lw.stdout([]byte("dropped\n"))
	assert.Empty(t, lw.pending)
}

func TestSplitChunkRespectsRuneBoundaries(t *testing.T) {
	data := []byte(strings.Repeat("é", 5))
	parts := splitChunk(data, 3)
	assert.Equal(t, []string{"é", "é", "é", "é", "é"}, parts)
	assert.Equal(t, []string{"abc", "de"}, splitChunk([]byte("abcde"), 3))
	assert.Nil(t, splitChunk(nil, 3))
}
