// Copyright 2021 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package ext2

import (
	"github.com/pkg/errors"
)

const (
	defaultBlockSize  = 1024
	defaultInodeRatio = 8192
	minInodesPerGroup = 16
)

// layout is the geometry of a filesystem as decided by Format.
type layout struct {
	blockSize      int64
	blocksCount    uint32
	firstDataBlock uint32
	blocksPerGroup uint32
	inodesPerGroup uint32
	groupCount     uint32
	gdtBlocks      uint32
	itableBlocks   uint32
}

// groupLayout is the placement of the metadata of one block group.
type groupLayout struct {
	start       uint32 // first block of the group
	blocks      uint32 // blocks in the group
	hasSuper    bool
	blockBitmap uint32
	inodeBitmap uint32
	inodeTable  uint32
	overhead    uint32 // metadata blocks at the start of the group
}

func validBlockSize(bs int64) bool {
	switch bs {
	case 1024, 2048, 4096:
		return true
	}
	return false
}

// newLayout computes the geometry of a filesystem of blockSize bytes per block on a device of
// size bytes.
func newLayout(size, blockSize int64, inodeRatio int) (*layout, error) {
	if !validBlockSize(blockSize) {
		return nil, errors.Wrapf(ErrUnsupported, "block size %d", blockSize)
	}
	if inodeRatio <= 0 {
		inodeRatio = defaultInodeRatio
	}
	if int64(inodeRatio) < blockSize {
		inodeRatio = int(blockSize)
	}

	l := &layout{
		blockSize:      blockSize,
		blocksPerGroup: uint32(blockSize * 8),
	}
	blocks := size / blockSize
	if blocks > 1<<32-1 {
		blocks = 1<<32 - 1
	}
	l.blocksCount = uint32(blocks)
	if blockSize == 1024 {
		l.firstDataBlock = 1
	}

	if l.blocksCount <= l.firstDataBlock {
		return nil, errors.Wrapf(ErrNoSpace, "device of %d bytes", size)
	}
	l.groupCount = (l.blocksCount - l.firstDataBlock + l.blocksPerGroup - 1) / l.blocksPerGroup
	l.gdtBlocks = uint32((int64(l.groupCount)*groupDescSz + blockSize - 1) / blockSize)

	inodes := uint64(size) / uint64(inodeRatio)
	ipg := uint32((inodes + uint64(l.groupCount) - 1) / uint64(l.groupCount))
	perBlock := uint32(blockSize / inodeSize)
	if ipg < minInodesPerGroup {
		ipg = minInodesPerGroup
	}
	ipg = (ipg + perBlock - 1) / perBlock * perBlock
	if limit := uint32(blockSize * 8); ipg > limit {
		ipg = limit
	}
	l.inodesPerGroup = ipg
	l.itableBlocks = ipg / perBlock

	// Drop a trailing group too small to hold its own metadata plus some data.
	if l.groupCount > 1 {
		last := l.group(l.groupCount - 1)
		if last.blocks < last.overhead+50 {
			l.blocksCount = last.start
			l.groupCount--
			l.gdtBlocks = uint32((int64(l.groupCount)*groupDescSz + blockSize - 1) / blockSize)
		}
	}
	g0 := l.group(0)
	if g0.blocks <= g0.overhead+4 {
		return nil, errors.Wrapf(ErrNoSpace, "device of %d bytes is too small", size)
	}
	return l, nil
}

// newLayoutFrom rebuilds the layout of a mounted filesystem from its superblock.
func newLayoutFrom(sb *superblock) *layout {
	bs := sb.blockSize()
	l := &layout{
		blockSize:      bs,
		blocksCount:    sb.BlocksCount,
		firstDataBlock: sb.FirstDataBlock,
		blocksPerGroup: sb.BlocksPerGroup,
		inodesPerGroup: sb.InodesPerGroup,
		groupCount:     sb.groupCount(),
	}
	l.gdtBlocks = uint32((int64(l.groupCount)*groupDescSz + bs - 1) / bs)
	l.itableBlocks = uint32(int64(l.inodesPerGroup) * inodeSize / bs)
	return l
}

func (l *layout) inodesCount() uint32 {
	return l.inodesPerGroup * l.groupCount
}

// group returns the placement of the metadata of group g.
func (l *layout) group(g uint32) groupLayout {
	gl := groupLayout{
		start:    l.firstDataBlock + g*l.blocksPerGroup,
		hasSuper: isSparseGroup(g),
	}
	gl.blocks = l.blocksPerGroup
	if rest := l.blocksCount - gl.start; rest < gl.blocks {
		gl.blocks = rest
	}

	next := gl.start
	if gl.hasSuper {
		next += 1 + l.gdtBlocks
	}
	gl.blockBitmap = next
	gl.inodeBitmap = next + 1
	gl.inodeTable = next + 2
	gl.overhead = gl.inodeTable + l.itableBlocks - gl.start
	return gl
}

// groupOf returns the group holding block blk and the index of blk within the group.
func (l *layout) groupOf(blk uint32) (uint32, uint32) {
	rel := blk - l.firstDataBlock
	return rel / l.blocksPerGroup, rel % l.blocksPerGroup
}

// inodeGroup returns the group holding inode ino and the index of ino within the group.
func (l *layout) inodeGroup(ino uint32) (uint32, uint32) {
	return (ino - 1) / l.inodesPerGroup, (ino - 1) % l.inodesPerGroup
}

// sectorsPerBlock is the number of 512 byte units in a block, as counted by inode.Blocks.
func (l *layout) sectorsPerBlock() uint32 {
	return uint32(l.blockSize / 512)
}
