package critsec

import (
	"context"

	critsecerrors "github.com/mirkobrombin/go-critsec/v1/errors"
)

// Backend is a non-recursive exclusive primitive. Lock layers ownership and
// recursion on top of it, so a Backend only ever sees one Acquire per
// Release from a given Lock.
type Backend interface {
	// Acquire blocks until the primitive is held or ctx is done.
	Acquire(ctx context.Context) error
	// Release gives the primitive up. It is only called after a successful
	// Acquire.
	Release(ctx context.Context) error
	// Close frees the primitive's resources. The primitive is not held.
	Close() error
}

// Local is an in-process Backend. It cannot fail.
type Local struct {
	sem chan struct{}
}

// NewLocal returns a ready Local backend.
func NewLocal() *Local {
	return &Local{sem: make(chan struct{}, 1)}
}

// Acquire implements Backend.Acquire.
func (l *Local) Acquire(ctx context.Context) error {
	select {
	case l.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release implements Backend.Release.
func (l *Local) Release(context.Context) error {
	select {
	case <-l.sem:
		return nil
	default:
		return critsecerrors.ErrNotOwner
	}
}

// Close implements Backend.Close.
func (l *Local) Close() error { return nil }
