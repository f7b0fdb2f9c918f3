package errors

import "errors"

var (
	// ErrUnrecoverable marks a synchronization failure the process should not
	// try to survive.
	ErrUnrecoverable = errors.New("unrecoverable critical section failure")
	ErrNotOwner      = errors.New("critical section not held by caller")
	ErrHeld          = errors.New("critical section is held")
	ErrDestroyed     = errors.New("critical section destroyed")
	ErrLockLost      = errors.New("lock ownership lost")
	ErrUnsupported   = errors.New("file locking not supported on this platform")
)
