// Copyright 2021 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package block

import (
	"io"
	"os"
	"syscall"

	"github.com/pkg/errors"
)

var (
	// ErrOpen indicates that the backing store could not be created or opened.
	ErrOpen = errors.New("unable to open device")

	// ErrNoData indicates that the backing store is smaller than the device geometry requires.
	ErrNoData = errors.New("backing store is smaller than the device geometry")

	// ErrNotOpen indicates that an operation was attempted on a device that is not open.
	ErrNotOpen = errors.New("device is not open")

	// ErrBlockSize indicates that a buffer or block count does not describe whole blocks.
	ErrBlockSize = errors.New("argument is not a multiple of blocksize")

	// ErrOutOfBounds indicates that the requested block range lies outside the device.
	ErrOutOfBounds = errors.New("range is out of bounds")
)

var errnos = []struct {
	err   error
	errno syscall.Errno
}{
	{ErrOpen, syscall.EIO},
	{ErrNoData, syscall.ENODATA},
	{ErrNotOpen, syscall.ENFILE},
	{ErrBlockSize, syscall.EINVAL},
	{ErrOutOfBounds, syscall.ERANGE},
	{io.ErrUnexpectedEOF, syscall.EIO},
	{os.ErrNotExist, syscall.ENOENT},
	{os.ErrExist, syscall.EEXIST},
	{os.ErrPermission, syscall.EACCES},
}

// Errno returns the result code that best describes err.  It returns 0 for a nil error and EIO for
// errors it does not recognize.
func Errno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	for _, e := range errnos {
		if errors.Is(err, e.err) {
			return e.errno
		}
	}
	return syscall.EIO
}
