//go:build unix

package fsutil

import (
	"errors"

	"golang.org/x/sys/unix"
)

// linkUnsupported recognises the errnos filesystems without hard link support
// return (vfat reports EPERM, some network mounts EOPNOTSUPP).
func linkUnsupported(err error) bool {
	return errors.Is(err, unix.EPERM) ||
		errors.Is(err, unix.EOPNOTSUPP) ||
		errors.Is(err, unix.ENOTSUP)
}
