package worker

import "errors"

var (
	ErrNilProcessor       = errors.New("worker: nil processor")
	ErrPoolNotStarted     = errors.New("worker: pool not started")
	ErrPoolAlreadyStarted = errors.New("worker: pool already started")
	ErrPoolStopped        = errors.New("worker: pool stopped")

	// ErrQueueFull is returned by Submit; the item is counted as dropped.
	ErrQueueFull = errors.New("worker: queue full")

	// ErrStopTimeout means Stop gave up waiting and cancelled in-flight work.
	ErrStopTimeout = errors.New("worker: stop timed out")
)
