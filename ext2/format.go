// Copyright 2021 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package ext2

import (
	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"go.fuchsia.dev/blkemu/bitmap"
	"go.fuchsia.dev/blkemu/block"
)

// FormatOptions controls the filesystem created by Format.
type FormatOptions struct {
	// BlockSize is the filesystem block size: 1024, 2048 or 4096.  Zero selects 1024.
	BlockSize int

	// Journal requests an ext3 journal, which is not supported.
	Journal bool

	// InodeRatio is the number of bytes of device per inode.  Zero selects 8192.
	InodeRatio int

	// VolumeName is stored in the superblock; at most 16 bytes.
	VolumeName string

	// UUID is the filesystem UUID.  The zero value selects a random one.
	UUID uuid.UUID
}

// Format creates an empty ext2 filesystem on dev, which must be open.  The new filesystem holds
// the root directory and lost+found.
func Format(dev block.Device, opts *FormatOptions) error {
	if opts == nil {
		opts = &FormatOptions{}
	}
	if opts.Journal {
		return ErrJournalUnsupported
	}
	if len(opts.VolumeName) > 16 {
		return errors.Wrapf(ErrNameTooLong, "volume name %q", opts.VolumeName)
	}
	bs := int64(opts.BlockSize)
	if bs == 0 {
		bs = defaultBlockSize
	}

	l, err := newLayout(dev.Geometry().Size, bs, opts.InodeRatio)
	if err != nil {
		return err
	}
	st, err := newDevStore(dev, bs)
	if err != nil {
		return err
	}

	id := opts.UUID
	if id == (uuid.UUID{}) {
		id = uuid.New()
	}
	t := now()
	v := &fs{
		dev:       dev,
		l:         l,
		blk:       newBlocks(st, cacheBlocks),
		inodeSize: inodeSize,
		gds:       make([]groupDesc, l.groupCount),
		sb: superblock{
			InodesCount:     l.inodesCount(),
			BlocksCount:     l.blocksCount,
			RBlocksCount:    l.blocksCount / 20,
			FirstDataBlock:  l.firstDataBlock,
			LogBlockSize:    uint32(log2(bs) - 10),
			LogFragSize:     uint32(log2(bs) - 10),
			BlocksPerGroup:  l.blocksPerGroup,
			FragsPerGroup:   l.blocksPerGroup,
			InodesPerGroup:  l.inodesPerGroup,
			WTime:           t,
			MaxMntCount:     -1,
			Magic:           magic,
			State:           stateValid,
			Errors:          errorsCont,
			LastCheck:       t,
			CreatorOS:       creatorOSLx,
			RevLevel:        revDynamic,
			FirstIno:        firstIno,
			InodeSize:       inodeSize,
			FeatureIncompat: incompatFiletype,
			FeatureROCompat: roCompatSparseSuper | roCompatLargeFile,
			UUID:            id,
		},
	}
	copy(v.sb.VolumeName[:], opts.VolumeName)

	if glog.V(1) {
		glog.Infof("%s: formatting %d blocks of %d bytes in %d groups, %d inodes per group\n",
			dev.Path(), l.blocksCount, bs, l.groupCount, l.inodesPerGroup)
	}

	for g := uint32(0); g < l.groupCount; g++ {
		if err := v.initGroup(g); err != nil {
			return errors.Wrapf(err, "initializing group %d", g)
		}
	}
	if err := v.makeRoot(); err != nil {
		return err
	}
	lf, err := v.mkdir(rootIno, "lost+found")
	if err != nil {
		return err
	}
	if lf != firstIno {
		// panic because this indicates an internal error.
		panic(errors.Errorf("lost+found allocated inode %d", lf))
	}

	for g := uint32(1); g < l.groupCount; g++ {
		gl := l.group(g)
		if !gl.hasSuper {
			continue
		}
		if err := v.writeSuper(g); err != nil {
			return err
		}
		if err := v.writeGroupDescs(gl.start + 1); err != nil {
			return err
		}
	}
	return v.sync()
}

func log2(n int64) int {
	i := 0
	for n > 1 {
		n >>= 1
		i++
	}
	return i
}

// initGroup writes the bitmaps and the empty inode table of group g and fills in its descriptor.
func (v *fs) initGroup(g uint32) error {
	l := v.l
	gl := l.group(g)

	bbm := make([]byte, l.blockSize)
	b := bitmap.New(bbm, 0, uint32(l.blockSize*8))
	for i := uint32(0); i < gl.overhead; i++ {
		b.Set(i, true)
	}
	for i := gl.blocks; i < uint32(l.blockSize*8); i++ {
		b.Set(i, true)
	}

	ibm := make([]byte, l.blockSize)
	ib := bitmap.New(ibm, 0, uint32(l.blockSize*8))
	for i := l.inodesPerGroup; i < uint32(l.blockSize*8); i++ {
		ib.Set(i, true)
	}
	freeInodes := l.inodesPerGroup
	if g == 0 {
		// Inodes below lost+found are reserved.
		for i := uint32(0); i < firstIno-1; i++ {
			ib.Set(i, true)
		}
		freeInodes -= firstIno - 1
	}

	if err := v.blk.put(gl.blockBitmap, bbm); err != nil {
		return err
	}
	if err := v.blk.put(gl.inodeBitmap, ibm); err != nil {
		return err
	}
	for i := uint32(0); i < l.itableBlocks; i++ {
		if err := v.blk.zero(gl.inodeTable + i); err != nil {
			return err
		}
	}

	v.gds[g] = groupDesc{
		BlockBitmap:     gl.blockBitmap,
		InodeBitmap:     gl.inodeBitmap,
		InodeTable:      gl.inodeTable,
		FreeBlocksCount: uint16(gl.blocks - gl.overhead),
		FreeInodesCount: uint16(freeInodes),
	}
	v.sb.FreeBlocksCount += gl.blocks - gl.overhead
	v.sb.FreeInodesCount += freeInodes
	return nil
}

// makeRoot creates the root directory in the reserved inode 2.
func (v *fs) makeRoot() error {
	blk, err := v.allocBlock(0)
	if err != nil {
		return err
	}
	if err := v.blk.put(blk, newDirBlock(v.l.blockSize, rootIno, rootIno)); err != nil {
		return err
	}
	v.gds[0].UsedDirsCount++

	t := now()
	root := &inode{
		Mode:       sIFDIR | 0755,
		Atime:      t,
		Ctime:      t,
		Mtime:      t,
		LinksCount: 2,
		Blocks:     v.l.sectorsPerBlock(),
	}
	root.Block[0] = blk
	root.setSize(v.l.blockSize)
	return v.writeInode(rootIno, root)
}
