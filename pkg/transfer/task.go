package transfer

import (
	"context"
	"sync/atomic"
)

// Callback is invoked once when a task completes, on the worker goroutine
// that ran it, before Done is closed. err is nil or an *Error.
type Callback func(t *Task, err error)

// Task states.
const (
	taskQueued int32 = iota
	taskRunning
	taskCanceled
)

// Task is the handle of one queued transfer.
type Task struct {
	ID        string
	Direction Direction
	Remote    string
	Local     string

	callback Callback
	state    atomic.Int32
	done     chan struct{}

	// Written by the worker before done is closed.
	result *Result
	err    error
}

func newTask(id string, dir Direction, remote, local string, cb Callback) *Task {
	return &Task{
		ID:        id,
		Direction: dir,
		Remote:    remote,
		Local:     local,
		callback:  cb,
		done:      make(chan struct{}),
	}
}

// Done is closed once the task has completed and its callback returned.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task completes and returns its error, or returns
// ctx.Err() if ctx ends first. The task keeps running in that case.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the task's error once it has completed, nil before.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Result returns the transfer result of a successful task, nil otherwise.
func (t *Task) Result() *Result {
	select {
	case <-t.done:
		return t.result
	default:
		return nil
	}
}

// Cancel prevents a queued task from starting. It returns false when a
// worker already picked the task up. A canceled task still completes
// through its callback, with an error matching ErrCanceled.
func (t *Task) Cancel() bool {
	return t.state.CompareAndSwap(taskQueued, taskCanceled)
}
