// Copyright 2021 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package file

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

func ioctlBlockGetSize(fd uintptr) (int64, error) {
	var size uint64

	if _, _, err := unix.Syscall(unix.SYS_IOCTL, fd, unix.BLKGETSIZE64, uintptr(unsafe.Pointer(&size))); err != 0 {
		return 0, err
	}

	return int64(size), nil
}

func ioctlBlockDiscard(fd uintptr, off, len uint64) error {
	r := [2]uint64{off, len}

	if _, _, err := unix.Syscall(unix.SYS_IOCTL, fd, unix.BLKDISCARD, uintptr(unsafe.Pointer(&r[0]))); err != 0 {
		return err
	}

	return nil
}

func ioctlBlockGetSectorSize(fd uintptr) (int64, error) {
	sectorSize, err := unix.IoctlGetInt(int(fd), unix.BLKSSZGET)
	if err != nil {
		return 0, err
	}

	return int64(sectorSize), nil
}

func fallocate(fd uintptr, off, len int64) error {
	return unix.Fallocate(int(fd), unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, off, len)
}
