//go:build !linux

package fsutil

import "os"

func syncFile(file *os.File) error {
	if file == nil {
		return nil
	}
	return file.Sync()
}
