package cce

import "errors"

var (
	// ErrInvalidConfig rejects an Init call. Fix the configuration and call
	// Init again.
	ErrInvalidConfig = errors.New("cce: invalid configuration")
	// ErrRegionNotFound means a shared region was never registered.
	ErrRegionNotFound = errors.New("cce: region not found")
	// ErrBusy means a bounded wait on the hardware timed out. The operation
	// may be retried.
	ErrBusy = errors.New("cce: busy")
	// ErrLockNotHeld means the caller does not hold the device lock.
	ErrLockNotHeld = errors.New("cce: lock not held")
	// ErrNotRunning rejects a submission while the engine is stopped.
	ErrNotRunning = errors.New("cce: engine not running")
	// ErrWouldBlock means no buffer became free within the timeout.
	ErrWouldBlock = errors.New("cce: no buffer available")

	ErrUninitialized  = errors.New("cce: engine not initialized")
	ErrInvalidRequest = errors.New("cce: invalid request")
)
