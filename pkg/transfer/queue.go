package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// DefaultWorkers is the pool size used when NewQueue gets a non-positive
// worker count.
const DefaultWorkers = 4

// Queue runs transfers on a fixed pool of workers. Enqueueing never blocks:
// tasks wait in an unbounded FIFO until a worker is free.
//
// Tasks are not ordered relative to each other once running, and two tasks
// for the same paths may race; callers that care must serialize them.
type Queue struct {
	mgr    *Manager
	ctx    context.Context
	logger *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	pending []*Task
	closed  bool

	workers int
	group   errgroup.Group
}

// NewQueue starts workers goroutines executing transfers through mgr.
// Transfers run under ctx; canceling it fails running and queued transfers
// but every task still completes.
func NewQueue(ctx context.Context, mgr *Manager, workers int, logger *slog.Logger) *Queue {
	if workers < 1 {
		workers = DefaultWorkers
	}

	if logger == nil {
		logger = slog.Default()
	}

	q := &Queue{
		mgr:     mgr,
		ctx:     ctx,
		logger:  logger,
		workers: workers,
	}
	q.cond = sync.NewCond(&q.mu)

	for range workers {
		q.group.Go(q.worker)
	}

	logger.Debug("transfer queue started", slog.Int("workers", workers))

	return q
}

// Workers returns the pool size.
func (q *Queue) Workers() int {
	return q.workers
}

// Pending returns the number of tasks waiting for a worker.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.pending)
}

// DownloadAsync enqueues a download and returns immediately.
func (q *Queue) DownloadAsync(remote, local string, cb Callback) (*Task, error) {
	return q.enqueue(Download, remote, local, cb)
}

// UploadAsync enqueues an upload and returns immediately.
func (q *Queue) UploadAsync(remote, local string, cb Callback) (*Task, error) {
	return q.enqueue(Upload, remote, local, cb)
}

func (q *Queue) enqueue(dir Direction, remote, local string, cb Callback) (*Task, error) {
	t := newTask(uuid.NewString(), dir, remote, local, cb)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}

	q.pending = append(q.pending, t)
	q.mu.Unlock()
	q.cond.Signal()

	q.logger.Debug("transfer queued",
		slog.String("task_id", t.ID),
		slog.String("direction", dir.String()),
		slog.String("remote", remote),
		slog.String("local", local),
	)

	return t, nil
}

// Close stops accepting tasks, lets the workers finish every task already
// queued, and waits for them to exit. Close is idempotent.
func (q *Queue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()

	return q.group.Wait()
}

// next blocks until a task is available. It returns false once the queue is
// closed and drained.
func (q *Queue) next() (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.pending) == 0 && !q.closed {
		q.cond.Wait()
	}

	if len(q.pending) == 0 {
		return nil, false
	}

	t := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]

	return t, true
}

func (q *Queue) worker() error {
	for {
		t, ok := q.next()
		if !ok {
			return nil
		}

		q.run(t)
	}
}

// run executes one task and completes it exactly once.
func (q *Queue) run(t *Task) {
	defer close(t.done)

	if !t.state.CompareAndSwap(taskQueued, taskRunning) {
		q.logger.Debug("transfer canceled before start", slog.String("task_id", t.ID))
		q.complete(t, nil, newError(t.Direction, t.Remote, t.Local, ErrCanceled))

		return
	}

	res, err := q.safeTransfer(t)
	q.complete(t, res, err)
}

// safeTransfer wraps the transfer with panic recovery so a single panic
// doesn't take down the worker.
func (q *Queue) safeTransfer(t *Task) (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("panic in transfer",
				slog.String("task_id", t.ID),
				slog.String("remote", t.Remote),
				slog.Any("panic", r),
			)

			res = nil
			err = newError(t.Direction, t.Remote, t.Local, fmt.Errorf("panic: %v", r))
		}
	}()

	if t.Direction == Upload {
		return q.mgr.UploadFile(q.ctx, t.Remote, t.Local)
	}

	return q.mgr.DownloadFile(q.ctx, t.Remote, t.Local)
}

func (q *Queue) complete(t *Task, res *Result, err error) {
	t.result = res
	t.err = err

	if t.callback == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("panic in transfer callback",
				slog.String("task_id", t.ID),
				slog.Any("panic", r),
			)
		}
	}()

	t.callback(t, err)
}
