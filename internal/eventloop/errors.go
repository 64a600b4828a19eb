package eventloop

import "errors"

var (
	// ErrQueueFull is returned by Call when the closure could not be queued.
	ErrQueueFull = errors.New("event loop queue full")
	// ErrStopped is returned by Call when the loop exits before running the closure.
	ErrStopped = errors.New("event loop stopped")
)
