//go:build !unix && !windows

package critsec

import critsecerrors "github.com/mirkobrombin/go-critsec/v1/errors"

const fileLockSupported = false

func lockFile(uintptr) error { return critsecerrors.ErrUnsupported }

func unlockFile(uintptr) error { return critsecerrors.ErrUnsupported }
