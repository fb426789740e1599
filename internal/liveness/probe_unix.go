//go:build unix

package liveness

import (
	"errors"

	"golang.org/x/sys/unix"
)

// probe sends signal 0, which performs the permission and existence checks
// without delivering anything.
func probe(pid int) State {
	if pid <= 0 {
		return Unknown
	}
	return classify(unix.Kill(pid, 0))
}

func classify(err error) State {
	switch {
	case err == nil:
		return Alive
	case errors.Is(err, unix.ESRCH):
		return Dead
	case errors.Is(err, unix.EPERM):
		return Alive
	default:
		return Unknown
	}
}
