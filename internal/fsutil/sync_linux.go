//go:build linux

package fsutil

import (
	"os"

	"golang.org/x/sys/unix"
)

func syncFile(file *os.File) error {
	if file == nil {
		return nil
	}
	return unix.Fdatasync(int(file.Fd()))
}
