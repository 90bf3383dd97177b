// Copyright 2021 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package block

import (
	"github.com/pkg/errors"
)

// ByteView adapts a Device to io.ReaderAt and io.WriterAt.  Offsets are byte offsets relative to
// the start of the device; both the offset and the length of every transfer must be multiples of
// the device block size.
type ByteView struct {
	Dev Device
}

func (v ByteView) span(p []byte, off int64) (uint64, uint32, error) {
	bs := v.Dev.Geometry().BlockSize
	if bs <= 0 {
		return 0, 0, errors.Wrapf(ErrNotOpen, "%s", v.Dev.Path())
	}
	if off < 0 || off%bs != 0 {
		return 0, 0, errors.Wrapf(ErrBlockSize, "off (%v)", off)
	}
	if int64(len(p))%bs != 0 {
		return 0, 0, errors.Wrapf(ErrBlockSize, "len(p) (%v)", len(p))
	}
	return uint64(off / bs), uint32(int64(len(p)) / bs), nil
}

// ReadAt implements io.ReaderAt for ByteView.
func (v ByteView) ReadAt(p []byte, off int64) (int, error) {
	blk, cnt, err := v.span(p, off)
	if err != nil || cnt == 0 {
		return 0, err
	}
	if err := v.Dev.ReadBlocks(p, blk, cnt); err != nil {
		return 0, err
	}
	return len(p), nil
}

// WriteAt implements io.WriterAt for ByteView.
func (v ByteView) WriteAt(p []byte, off int64) (int, error) {
	blk, cnt, err := v.span(p, off)
	if err != nil || cnt == 0 {
		return 0, err
	}
	if err := v.Dev.WriteBlocks(p, blk, cnt); err != nil {
		return 0, err
	}
	return len(p), nil
}
