// Copyright 2021 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package block defines the interface that all block-based devices must present to a file system,
// along with a Disk implementation that maps the interface onto a random-access backing store.
package block

import (
	"sync"
)

const (
	// SectorSize is the physical block size, in bytes, of an emulated medium.
	SectorSize int64 = 512

	// SectorCount is the number of physical blocks in an emulated medium.  SectorCount *
	// SectorSize is 256 MiB.
	SectorCount int64 = 0x80000
)

// Device is the interface that all block-based devices must present to a file system.  All
// addresses are in units of the device block size and are relative to the start of the device.
type Device interface {
	// Open binds the device to its backing store.  It returns an error if the device is already
	// open or the backing store cannot hold the device geometry.
	Open() error

	// ReadBlocks reads cnt blocks starting at block blk into p.  len(p) must be at least
	// cnt * Geometry().BlockSize.
	ReadBlocks(p []byte, blk uint64, cnt uint32) error

	// WriteBlocks writes cnt blocks from p to the device starting at block blk.  len(p) must be at
	// least cnt * Geometry().BlockSize.
	WriteBlocks(p []byte, blk uint64, cnt uint32) error

	// Flush forces any writes that have been cached in memory to be committed to persistent storage.
	Flush() error

	// Discard marks the blocks [blk, blk+cnt) as being unused, allowing them to be reclaimed by
	// the backing store.
	Discard(blk uint64, cnt uint32) error

	// Close calls Flush() and then releases the backing store, rendering the device unusable for
	// I/O until it is opened again.  It returns ErrNotOpen if the device is not open.
	Close() error

	// Geometry returns the shape of the device.  It is only meaningful after Open has succeeded.
	Geometry() Geometry

	// Buffer returns a scratch buffer the size of one block.  Callers must not retain it across
	// calls to other functions that may use it.
	Buffer() []byte

	// Path returns the name of the underlying backing store.
	Path() string
}

// Geometry describes the addressable shape of a Device.
type Geometry struct {
	// BlockSize is the number of bytes in a block.
	BlockSize int64

	// BlockCount is the number of blocks in the underlying physical medium, not in this device.
	BlockCount int64

	// Offset is the byte offset of the device within its backing store.
	Offset int64

	// Size is the number of bytes addressable through the device.
	Size int64
}

// Blocks returns the number of blocks addressable through the device.
func (g Geometry) Blocks() int64 {
	if g.BlockSize == 0 {
		return 0
	}
	return g.Size / g.BlockSize
}

// Iface is the capability table bound to a device when it is constructed.  It carries the static
// properties of the physical medium and the optional lock hooks.
type Iface struct {
	// BlockSize is the physical block size in bytes.
	BlockSize int64

	// BlockCount is the number of physical blocks in the medium.
	BlockCount int64

	// Buf is a scratch buffer of BlockSize bytes.
	Buf []byte

	// Locker, if non-nil, is held for the duration of every block transfer.  A nil Locker makes
	// locking a no-op; concurrent use of a device must then be serialized by the caller.
	Locker sync.Locker
}

// NewIface returns an Iface for a medium of count blocks of size bytes each.
func NewIface(size, count int64) *Iface {
	return &Iface{
		BlockSize:  size,
		BlockCount: count,
		Buf:        make([]byte, size),
	}
}

// DefaultIface returns an Iface describing the standard emulated medium.
func DefaultIface() *Iface {
	return NewIface(SectorSize, SectorCount)
}

// clone returns a copy of i with its own scratch buffer.
func (i *Iface) clone() *Iface {
	c := *i
	c.Buf = make([]byte, i.BlockSize)
	return &c
}

func (i *Iface) lock() {
	if i.Locker != nil {
		i.Locker.Lock()
	}
}

func (i *Iface) unlock() {
	if i.Locker != nil {
		i.Locker.Unlock()
	}
}
