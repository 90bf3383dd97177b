// Copyright 2021 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package ext2

import (
	"fmt"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"go.fuchsia.dev/blkemu/block"
	"go.fuchsia.dev/blkemu/cache"
)

// cacheBlocks is the number of filesystem blocks held by the block cache of a mounted filesystem.
const cacheBlocks = 1024

// devStore implements cache.BackingStore, converting filesystem block numbers to the
// corresponding device blocks and performing any necessary I/O.
type devStore struct {
	dev       block.Device
	blockSize int64  // filesystem block size
	ratio     uint32 // device blocks per filesystem block
}

func newDevStore(dev block.Device, blockSize int64) (*devStore, error) {
	dbs := dev.Geometry().BlockSize
	if dbs <= 0 {
		return nil, errors.Wrapf(block.ErrNotOpen, "%s", dev.Path())
	}
	if blockSize%dbs != 0 {
		return nil, errors.Wrapf(ErrUnsupported, "block size %d on a device with %d byte blocks", blockSize, dbs)
	}
	return &devStore{
		dev:       dev,
		blockSize: blockSize,
		ratio:     uint32(blockSize / dbs),
	}, nil
}

func (d *devStore) key(k cache.Key) uint32 {
	blk, ok := k.(uint32)
	if !ok {
		// panic because this indicates an internal error.
		panic(fmt.Sprintf("cache key %v (%T) is not a block number", k, k))
	}
	return blk
}

func (d *devStore) read(blk uint32, p []byte) error {
	if err := d.dev.ReadBlocks(p, uint64(blk)*uint64(d.ratio), d.ratio); err != nil {
		return errors.Wrapf(err, "reading block %d", blk)
	}
	return nil
}

func (d *devStore) write(blk uint32, p []byte) error {
	if err := d.dev.WriteBlocks(p, uint64(blk)*uint64(d.ratio), d.ratio); err != nil {
		return errors.Wrapf(err, "writing block %d", blk)
	}
	return nil
}

// Get implements cache.BackingStore.Get for devStore.
func (d *devStore) Get(k cache.Key) (cache.Value, error) {
	blk := d.key(k)
	if glog.V(2) {
		glog.Infof("Fetching block %d from the device\n", blk)
	}
	buf := make([]byte, d.blockSize)
	if err := d.read(blk, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Put implements cache.BackingStore.Put for devStore.
func (d *devStore) Put(k cache.Key, v cache.Value) error {
	blk := d.key(k)
	if glog.V(2) {
		glog.Infof("Writing block %d to the device\n", blk)
	}
	return d.write(blk, v.([]byte))
}

// blocks is the block cache of a mounted filesystem.
type blocks struct {
	c  *cache.C
	bs int64
}

func newBlocks(st *devStore, size int) *blocks {
	return &blocks{c: cache.New(size, st), bs: st.blockSize}
}

// get returns the cached contents of blk.  The returned slice must not be retained across calls to
// other methods of b.
func (b *blocks) get(blk uint32) ([]byte, *cache.Entry, error) {
	e, err := b.c.Get(blk)
	if err != nil {
		return nil, nil, err
	}
	return e.Value.([]byte), e, nil
}

// update calls fn with the cached contents of blk and marks the block dirty if fn succeeds.
func (b *blocks) update(blk uint32, fn func(p []byte) error) error {
	data, e, err := b.get(blk)
	if err != nil {
		return err
	}
	if err := fn(data); err != nil {
		return err
	}
	e.IsDirty = true
	return nil
}

// read copies the contents of blk into a new slice.
func (b *blocks) read(blk uint32) ([]byte, error) {
	data, _, err := b.get(blk)
	if err != nil {
		return nil, err
	}
	c := make([]byte, len(data))
	copy(c, data)
	return c, nil
}

// put replaces the contents of blk with p, which the cache takes ownership of.
func (b *blocks) put(blk uint32, p []byte) error {
	if int64(len(p)) != b.bs {
		// panic because this indicates an internal error.
		panic(fmt.Sprintf("block %d: buffer of %d bytes", blk, len(p)))
	}
	return b.c.Put(blk, p)
}

// zero replaces the contents of blk with zeros.
func (b *blocks) zero(blk uint32) error {
	return b.put(blk, make([]byte, b.bs))
}

func (b *blocks) flush() error {
	return b.c.Flush()
}
