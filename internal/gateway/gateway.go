package gateway

import (
	"context"
	"errors"
	"log/slog"

	"github.com/user/injectwatch/internal/metrics"
	"github.com/user/injectwatch/internal/types"
)

// ProcessFunc runs one frame through a session's pipeline.
type ProcessFunc func(ctx context.Context, sessionID types.SessionID, frame types.Frame) error

// Gateway accepts frames from the capture side and feeds them to the
// pipeline through per-session lanes. Submitting never blocks: a frame that
// does not fit its lane is dropped and counted.
type Gateway struct {
	Queue   *Queue
	metrics *metrics.Metrics
}

// New creates a Gateway calling process for every frame, with the given
// concurrency limit and lane size.
func New(process ProcessFunc, m *metrics.Metrics, maxConcurrent int64, laneSize int) *Gateway {
	if maxConcurrent < 1 {
		maxConcurrent = 2
	}
	q := NewQueue(maxConcurrent, laneSize)
	q.SetProcessor(func(job *Job) error {
		return process(job.Ctx, job.SessionID, job.Frame)
	})
	return &Gateway{Queue: q, metrics: m}
}

// Start initialises the gateway's context and starts the internal queue.
func (g *Gateway) Start(ctx context.Context) {
	g.Queue.Start(ctx)
}

// Stop processes what is queued and stops the lanes.
func (g *Gateway) Stop() {
	g.Queue.Stop()
}

// JobOption configures optional behavior on a Job.
type JobOption func(*Job)

// WithOnDone sets a callback invoked after the frame was processed.
func WithOnDone(fn func(error)) JobOption {
	return func(j *Job) { j.OnDone = fn }
}

// Submit enqueues a frame for the session. A full lane drops the frame and
// returns ErrLaneFull.
func (g *Gateway) Submit(sessionID types.SessionID, frame types.Frame, opts ...JobOption) error {
	job := NewJob(sessionID, frame)
	for _, opt := range opts {
		opt(job)
	}
	err := g.Queue.Enqueue(job)
	if errors.Is(err, ErrLaneFull) {
		slog.Warn("frame dropped", "session_id", string(sessionID), "frame_id", frame.ID)
		g.metrics.Frame("dropped", -1)
	}
	return err
}

// Release closes the session's lane after its last frame.
func (g *Gateway) Release(sessionID types.SessionID) {
	g.Queue.Close(sessionID)
}
