package critsec

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	critsecerrors "github.com/mirkobrombin/go-critsec/v1/errors"
)

// FailurePolicy decides what a Lock does when its backend fails.
type FailurePolicy int

const (
	// ReturnFailure returns a *FatalError to the caller, which is expected to
	// hand it to Fatal or an equivalent top-level handler.
	ReturnFailure FailurePolicy = iota
	// AbortOnFailure logs the failure and terminates the process.
	AbortOnFailure
	// PanicOnFailure panics with the *FatalError.
	PanicOnFailure
)

func (p FailurePolicy) String() string {
	switch p {
	case ReturnFailure:
		return "return"
	case AbortOnFailure:
		return "abort"
	case PanicOnFailure:
		return "panic"
	}
	return fmt.Sprintf("FailurePolicy(%d)", int(p))
}

// Operation names used in FatalError.Op.
const (
	OpCreate  = "create"
	OpEnter   = "enter"
	OpLeave   = "leave"
	OpDestroy = "destroy"
)

// FatalError reports an unrecoverable failure of a critical section. It
// matches errors.Is(err, ErrUnrecoverable) as well as its cause.
type FatalError struct {
	Lock string
	Op   string
	Err  error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("critsec %s %q: %v", e.Op, e.Lock, e.Err)
}

func (e *FatalError) Unwrap() []error {
	return []error{critsecerrors.ErrUnrecoverable, e.Err}
}

// IsFatal reports whether err carries an unrecoverable critical section failure.
func IsFatal(err error) bool {
	return errors.Is(err, critsecerrors.ErrUnrecoverable)
}

// exit is swapped by tests.
var exit = os.Exit

// Fatal logs err and terminates the process with status 2. It does nothing
// when err is nil.
func Fatal(err error) {
	if err == nil {
		return
	}
	slog.Error("critsec: unrecoverable failure", "error", err)
	exit(2)
}
