// Copyright 2021 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package ext2

import (
	"syscall"

	"github.com/pkg/errors"
)

var (
	// ErrBadMagic indicates that a device does not hold an ext2 superblock.
	ErrBadMagic = errors.New("ext2: bad superblock magic")

	// ErrUnsupported indicates a filesystem revision, feature or block size this package cannot
	// handle.
	ErrUnsupported = errors.New("ext2: unsupported filesystem")

	// ErrJournalUnsupported indicates that a journal was requested or found.
	ErrJournalUnsupported = errors.New("ext2: journaling is not supported")

	// ErrNoSpace indicates that there are no free blocks or inodes left.
	ErrNoSpace = errors.New("ext2: no space left on device")

	// ErrNotExist indicates that a path, device or mount does not exist.
	ErrNotExist = errors.New("ext2: does not exist")

	// ErrExist indicates that a path or device name is already in use.
	ErrExist = errors.New("ext2: already exists")

	// ErrNotDir indicates that a path component is not a directory.
	ErrNotDir = errors.New("ext2: not a directory")

	// ErrIsDir indicates that a file operation was attempted on a directory.
	ErrIsDir = errors.New("ext2: is a directory")

	// ErrReadOnly indicates a modification of a read-only mount or a read-only file.
	ErrReadOnly = errors.New("ext2: read-only")

	// ErrNotMounted indicates that no filesystem is mounted at the given path.
	ErrNotMounted = errors.New("ext2: not mounted")

	// ErrBusy indicates that a mount point, device or mount is in use.
	ErrBusy = errors.New("ext2: resource busy")

	// ErrFileTooLarge indicates a file offset beyond what the block map can address.
	ErrFileTooLarge = errors.New("ext2: file too large")

	// ErrInvalidMode indicates an unrecognized open mode string.
	ErrInvalidMode = errors.New("ext2: invalid open mode")

	// ErrClosed indicates an operation on a closed file.
	ErrClosed = errors.New("ext2: file already closed")

	// ErrNameTooLong indicates a path component longer than 255 bytes.
	ErrNameTooLong = errors.New("ext2: name too long")

	// ErrCorrupt indicates on-disk metadata that contradicts itself.
	ErrCorrupt = errors.New("ext2: filesystem is corrupt")
)

var errnos = []struct {
	err   error
	errno syscall.Errno
}{
	{ErrBadMagic, syscall.EINVAL},
	{ErrUnsupported, syscall.ENOTSUP},
	{ErrJournalUnsupported, syscall.ENOTSUP},
	{ErrNoSpace, syscall.ENOSPC},
	{ErrNotExist, syscall.ENOENT},
	{ErrExist, syscall.EEXIST},
	{ErrNotDir, syscall.ENOTDIR},
	{ErrIsDir, syscall.EISDIR},
	{ErrReadOnly, syscall.EROFS},
	{ErrNotMounted, syscall.ENOENT},
	{ErrBusy, syscall.EBUSY},
	{ErrFileTooLarge, syscall.EFBIG},
	{ErrInvalidMode, syscall.EINVAL},
	{ErrClosed, syscall.EBADF},
	{ErrNameTooLong, syscall.ENAMETOOLONG},
	{ErrCorrupt, syscall.EIO},
}

// Errno returns the result code for an error returned by this package, and 0 and false for errors
// it does not recognize.
func Errno(err error) (syscall.Errno, bool) {
	for _, e := range errnos {
		if errors.Is(err, e.err) {
			return e.errno, true
		}
	}
	return 0, false
}
