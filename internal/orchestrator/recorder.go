package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/user/injectwatch/internal/gateway"
	"github.com/user/injectwatch/internal/metrics"
	"github.com/user/injectwatch/internal/types"
)

type record struct {
	sessionID types.SessionID
	what      string
	write     func(ctx context.Context) error
}

// recorder performs storage writes off the pipeline goroutine, in
// submission order. A full buffer drops the write.
type recorder struct {
	retry   *gateway.RetryPolicy
	metrics *metrics.Metrics
	queue   chan record
	fails   atomic.Int64

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newRecorder(buffer int, retry *gateway.RetryPolicy, m *metrics.Metrics) *recorder {
	r := &recorder{
		retry:   retry,
		metrics: m,
		queue:   make(chan record, buffer),
		done:    make(chan struct{}),
	}
	go r.loop()
	return r
}

func (r *recorder) submit(rec record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.fail(rec, fmt.Errorf("recorder closed: %w", ErrStorageWrite))
		return
	}
	select {
	case r.queue <- rec:
	default:
		r.fail(rec, fmt.Errorf("record buffer full: %w", ErrStorageWrite))
	}
}

func (r *recorder) loop() {
	defer close(r.done)
	ctx := context.Background()
	for rec := range r.queue {
		err := r.retry.Execute(ctx, func() error { return rec.write(ctx) })
		if err != nil {
			r.fail(rec, fmt.Errorf("%w: %w", ErrStorageWrite, err))
		}
	}
}

func (r *recorder) fail(rec record, err error) {
	r.fails.Add(1)
	r.metrics.StorageError()
	slog.Error("record write failed", "session_id", string(rec.sessionID), "record", rec.what, "error", err)
}

// close flushes pending writes and waits for the writer, or for ctx.
func (r *recorder) close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("flush records: %w", ctx.Err())
	}
}

// failures reports how many writes were dropped or failed.
func (r *recorder) failures() int64 { return r.fails.Load() }
