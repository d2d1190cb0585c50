package worker

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/buildkite/jobrunner/internal/failure"
	"github.com/buildkite/jobrunner/internal/jobapi"
	"github.com/buildkite/jobrunner/internal/logstore"
	"github.com/charmbracelet/log"
)

// LogBatchOptions bounds how much output a single AppendLogs call carries
// and how long output may wait before it is shipped.
type LogBatchOptions struct {
	MaxChunks     int
	FlushInterval time.Duration
}

func (o LogBatchOptions) withDefaults() LogBatchOptions {
	if o.MaxChunks <= 0 {
		o.MaxChunks = 50
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 250 * time.Millisecond
	}
	return o
}

// logWriter numbers output chunks for one attempt and ships them in order.
// Only the run goroutine, and flushFinal after it, sends batches.
type logWriter struct {
	coord     Coordinator
	lease     jobapi.LeaseRef
	opts      LogBatchOptions
	logger    *log.Logger
	cancelJob context.CancelCauseFunc
	now       func() time.Time

	mu       sync.Mutex
	pending  []jobapi.LogChunk
	nextSeq  int64
	isLost   bool
	rejected bool

	kick     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

func newLogWriter(coord Coordinator, lease jobapi.LeaseRef, firstSeq int64, opts LogBatchOptions, logger *log.Logger, cancelJob context.CancelCauseFunc) *logWriter {
	return &logWriter{
		coord:     coord,
		lease:     lease,
		opts:      opts.withDefaults(),
		logger:    logger,
		cancelJob: cancelJob,
		now:       time.Now,
		nextSeq:   firstSeq,
		kick:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
}

func (l *logWriter) stdout(p []byte) { l.write(jobapi.StreamStdout, p) }
func (l *logWriter) stderr(p []byte) { l.write(jobapi.StreamStderr, p) }

func (l *logWriter) systemf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if !strings.HasSuffix(msg, "\n") {
		msg += "\n"
	}
	l.write(jobapi.StreamSystem, []byte(msg))
}

func (l *logWriter) write(stream jobapi.Stream, p []byte) {
	if len(p) == 0 {
		return
	}
	l.mu.Lock()
	if l.isLost || l.rejected {
		l.mu.Unlock()
		return
	}
	ts := l.now().UTC()
	for _, piece := range splitChunk(p, logstore.MaxChunkBytes) {
		l.pending = append(l.pending, jobapi.LogChunk{
			Seq:       l.nextSeq,
			Stream:    stream,
			Data:      piece,
			Timestamp: ts,
		})
		l.nextSeq++
	}
	full := len(l.pending) >= l.opts.MaxChunks
	l.mu.Unlock()

	if full {
		select {
		case l.kick <- struct{}{}:
		default:
		}
	}
}

func (l *logWriter) run(ctx context.Context) {
	ticker := time.NewTicker(l.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stop:
			return
		case <-ticker.C:
		case <-l.kick:
		}
		l.flush(ctx)
	}
}

func (l *logWriter) close() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// flushFinal ships whatever is still buffered once execution has ended.
func (l *logWriter) flushFinal(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	for range 3 {
		if l.flush(ctx) {
			return
		}
		if !sleep(ctx, l.opts.FlushInterval) {
			return
		}
	}
	l.mu.Lock()
	dropped := len(l.pending)
	l.mu.Unlock()
	if dropped > 0 {
		l.logger.Warn("dropping unsent log chunks", "chunks", dropped)
	}
}

// flush sends buffered chunks in batches. It returns true when nothing is
// left to send.
func (l *logWriter) flush(ctx context.Context) bool {
	for {
		l.mu.Lock()
		if l.isLost || l.rejected || len(l.pending) == 0 {
			l.mu.Unlock()
			return true
		}
		batch := slices.Clone(l.pending[:min(len(l.pending), l.opts.MaxChunks)])
		l.mu.Unlock()

		_, err := l.coord.AppendLogs(ctx, l.lease, batch)
		switch {
		case err == nil:
			l.mu.Lock()
			l.pending = l.pending[len(batch):]
			l.mu.Unlock()
		case isLeaseLoss(err):
			l.mu.Lock()
			l.isLost = true
			l.pending = nil
			l.mu.Unlock()
			l.logger.Warn("log append rejected, lease lost", "error", err)
			l.cancelJob(errLeaseLost)
			return true
		case failure.Is(err, failure.KindValidation):
			l.mu.Lock()
			l.rejected = true
			l.pending = nil
			l.mu.Unlock()
			l.logger.Error("log append rejected", "error", err)
			l.cancelJob(errLogRejected)
			return true
		default:
			if ctx.Err() == nil {
				l.logger.Warn("log append failed, will retry", "error", err, "chunks", len(batch))
			}
			return false
		}
	}
}

func (l *logWriter) lost() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isLost
}

// splitChunk cuts p into strings of at most limit bytes without splitting a
// UTF-8 sequence.
func splitChunk(p []byte, limit int) []string {
	var out []string
	for len(p) > limit {
		cut := limit
		for cut > 0 && !utf8.RuneStart(p[cut]) {
			cut--
		}
		if cut == 0 {
			cut = limit
		}
		out = append(out, string(p[:cut]))
		p = p[cut:]
	}
	if len(p) > 0 {
		out = append(out, string(p))
	}
	return out
}
