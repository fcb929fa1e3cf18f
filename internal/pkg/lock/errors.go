package lock

import "errors"

// Lock-related errors.
var (
	// ErrLockBusy is returned by WithTryLock when another holder owns the lock.
	ErrLockBusy = errors.New("lock is held by another operation")
)
