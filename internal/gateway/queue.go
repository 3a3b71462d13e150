package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/injectwatch/internal/types"
)

// ErrLaneFull is returned when a session's lane cannot take another frame.
// The frame is dropped.
var ErrLaneFull = errors.New("lane full")

// ErrStopped is returned by Enqueue after Stop.
var ErrStopped = errors.New("queue stopped")

// Queue manages per-session lanes with a global concurrency semaphore.
// Each session gets its own FIFO channel (lane) so that frames within a
// session are processed sequentially, while the semaphore limits the
// total number of concurrent frame processors across all sessions.
type Queue struct {
	lanes     map[types.SessionID]chan *Job
	laneSize  int
	semaphore *semaphore.Weighted
	processor func(*Job) error
	active    atomic.Int64
	stopped   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
}

// NewQueue creates a Queue that allows up to maxConcurrent frames to run
// simultaneously across all session lanes, buffering laneSize frames per
// session.
func NewQueue(maxConcurrent int64, laneSize int) *Queue {
	if laneSize < 1 {
		laneSize = 1
	}
	return &Queue{
		lanes:     make(map[types.SessionID]chan *Job),
		laneSize:  laneSize,
		semaphore: semaphore.NewWeighted(maxConcurrent),
	}
}

// Start initialises the queue's context. Must be called before Enqueue.
func (q *Queue) Start(ctx context.Context) {
	q.ctx, q.cancel = context.WithCancel(ctx)
}

// Stop closes all lanes, lets queued frames finish, and waits for the lane
// processors to exit.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.stopped {
		q.stopped = true
		for id, lane := range q.lanes {
			close(lane)
			delete(q.lanes, id)
		}
	}
	q.mu.Unlock()
	q.wg.Wait()
	if q.cancel != nil {
		q.cancel()
	}
}

// Enqueue adds a Job to the session's lane, creating the lane (and its
// goroutine) on first use. A full lane drops the frame with ErrLaneFull.
func (q *Queue) Enqueue(job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return ErrStopped
	}
	lane, exists := q.lanes[job.SessionID]
	if !exists {
		lane = make(chan *Job, q.laneSize)
		q.lanes[job.SessionID] = lane
		q.wg.Add(1)
		go q.processLane(job.SessionID, lane)
	}

	select {
	case lane <- job:
		return nil
	default:
		return fmt.Errorf("enqueue frame %s for session %s: %w", job.Frame.ID, job.SessionID, ErrLaneFull)
	}
}

// Close removes a session's lane once its pipeline has ended. Frames still
// queued are processed first.
func (q *Queue) Close(sessionID types.SessionID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if lane, ok := q.lanes[sessionID]; ok {
		close(lane)
		delete(q.lanes, sessionID)
	}
}

// Lanes returns the number of open session lanes.
func (q *Queue) Lanes() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.lanes)
}

// processLane drains a single session lane, acquiring a semaphore slot
// before running the processor synchronously. This ensures strict FIFO
// ordering within a session while the semaphore limits cross-session
// parallelism.
func (q *Queue) processLane(sessionID types.SessionID, lane chan *Job) {
	defer q.wg.Done()
	for job := range lane {
		if err := q.semaphore.Acquire(q.ctx, 1); err != nil {
			return
		}
		if q.processor != nil {
			q.active.Add(1)
			if job.Ctx == nil {
				job.Ctx = q.ctx
			}
			waited := time.Since(job.EnqueuedAt)
			err := q.processor(job)
			if err != nil {
				slog.Error("frame failed", "session_id", string(sessionID), "frame_id", job.Frame.ID, "queued", waited, "error", err)
			} else {
				slog.Debug("frame processed", "session_id", string(sessionID), "frame_id", job.Frame.ID, "queued", waited)
			}
			if job.OnDone != nil {
				job.OnDone(err)
			}
			q.active.Add(-1)
		}
		q.semaphore.Release(1)
	}
}

// WaitIdle blocks until no frames are actively being processed, or the timeout
// expires. Returns true if idle, false if timed out.
func (q *Queue) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if q.active.Load() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// SetProcessor sets the function invoked for each dequeued Job.
func (q *Queue) SetProcessor(fn func(*Job) error) {
	q.processor = fn
}
