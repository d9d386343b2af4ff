package router

import "errors"

var (
	// ErrQueueFull rejects a submission when the queue is at capacity
	// and holds no background victim.
	ErrQueueFull = errors.New("queue full")

	// ErrNoExecutor fails a task whose chosen route has no backing
	// executor. The task is failed, never rerouted.
	ErrNoExecutor = errors.New("no executor available")

	// ErrStopped rejects operations on a router that has shut down.
	ErrStopped = errors.New("router stopped")
)

// CancelResult is the outcome of a Cancel call.
type CancelResult string

const (
	// CancelOK: the task was removed from the queue.
	CancelOK CancelResult = "cancelled"

	// CancelNotFound: no queued or running task has that ID.
	CancelNotFound CancelResult = "not_found"

	// CancelAlreadyRunning: the task is the current task; cancellation
	// was signalled to the executor and completes asynchronously.
	CancelAlreadyRunning CancelResult = "already_running"
)
