// Package fsutil wraps the filesystem primitives the lock protocol relies on:
// exclusive create, atomic replace, rename-away and directory fsync.
package fsutil

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// CreateOutcome tags the result of CreateExclusive.
type CreateOutcome uint8

const (
	// Created means the file did not exist and now holds the data.
	Created CreateOutcome = iota + 1
	// AlreadyHeld means the path already existed; nothing was written.
	AlreadyHeld
)

func (o CreateOutcome) String() string {
	switch o {
	case Created:
		return "created"
	case AlreadyHeld:
		return "already_held"
	default:
		return "unknown"
	}
}

// CreateExclusive publishes data at path only if path does not exist. The
// data is first written and synced to path+tmpSuffix and then hard-linked to
// path, so a competitor never observes a created but still empty file. An
// existing path yields AlreadyHeld and a nil error. When the filesystem does
// not support hard links, or tmpSuffix is empty, the file is created in place
// with O_EXCL and a partial file is removed if writing fails.
func CreateExclusive(path, tmpSuffix string, data []byte, perm fs.FileMode) (CreateOutcome, error) {
	if tmpSuffix != "" {
		outcome, err := createByLink(path, path+tmpSuffix, data, perm)
		if !errors.Is(err, errLinkUnsupported) {
			return outcome, err
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, perm)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return AlreadyHeld, nil
		}
		return 0, err
	}
	if err := writeAndSync(f, data); err != nil {
		_ = os.Remove(path)
		return 0, err
	}
	return Created, nil
}

var errLinkUnsupported = errors.New("fsutil: hard links unsupported")

func createByLink(path, tmp string, data []byte, perm fs.FileMode) (CreateOutcome, error) {
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, perm)
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp)
	if err := writeAndSync(f, data); err != nil {
		return 0, err
	}
	if err := os.Link(tmp, path); err != nil {
		switch {
		case errors.Is(err, fs.ErrExist):
			return AlreadyHeld, nil
		case linkUnsupported(err):
			return 0, errLinkUnsupported
		}
		return 0, err
	}
	return Created, nil
}

// ReplaceFile writes data to a sibling temp file named path+tmpSuffix, syncs
// it and renames it over path. Readers never observe a partially written
// file at path. The temp file is removed on failure.
func ReplaceFile(path, tmpSuffix string, data []byte, perm fs.FileMode) error {
	if tmpSuffix == "" {
		return errors.New("fsutil: empty temp suffix")
	}
	tmp := path + tmpSuffix
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if err := writeAndSync(f, data); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// RestoreNoReplace moves from back to to without overwriting an existing
// destination. It hard-links then unlinks, so it fails with fs.ErrExist if
// to was recreated in the meantime.
func RestoreNoReplace(from, to string) error {
	if err := os.Link(from, to); err != nil {
		return err
	}
	if err := os.Remove(from); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("fsutil: remove %s after restore: %w", from, err)
	}
	return nil
}

// SyncDir fsyncs a directory so that entries created, renamed or removed in
// it are durable. Some platforms and filesystems reject this; callers decide
// whether that is fatal.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

func writeAndSync(f *os.File, data []byte) error {
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := syncFile(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
