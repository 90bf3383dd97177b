// Copyright 2021 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package ext2

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.fuchsia.dev/blkemu/bitmap"
	"go.fuchsia.dev/blkemu/block"
)

// fs is a filesystem bound to a device, either while it is being formatted or while it is
// mounted.
type fs struct {
	mu sync.Mutex

	dev       block.Device
	readOnly  bool
	sb        superblock
	gds       []groupDesc
	l         *layout
	blk       *blocks
	inodeSize int64
	openFiles int
}

func now() uint32 {
	return uint32(time.Now().Unix())
}

// mount reads the filesystem on dev.
func mount(dev block.Device, readOnly bool) (*fs, error) {
	geo := dev.Geometry()
	if geo.BlockSize <= 0 {
		return nil, errors.Wrapf(block.ErrNotOpen, "%s", dev.Path())
	}

	// Read whole device blocks covering the superblock.
	n := (superblockOffset + superblockSize + geo.BlockSize - 1) / geo.BlockSize * geo.BlockSize
	if n > geo.Size {
		return nil, errors.Wrapf(ErrBadMagic, "%s: device of %d bytes", dev.Path(), geo.Size)
	}
	buf := make([]byte, n)
	if _, err := (block.ByteView{Dev: dev}).ReadAt(buf, 0); err != nil {
		return nil, errors.Wrap(err, "reading superblock")
	}

	v := &fs{dev: dev, readOnly: readOnly}
	if err := decode(buf[superblockOffset:superblockOffset+superblockSize], &v.sb); err != nil {
		return nil, err
	}
	if err := v.checkSuper(); err != nil {
		return nil, errors.Wrapf(err, "%s", dev.Path())
	}

	st, err := newDevStore(dev, v.sb.blockSize())
	if err != nil {
		return nil, err
	}
	v.blk = newBlocks(st, cacheBlocks)
	v.l = newLayoutFrom(&v.sb)
	if int64(v.l.blocksCount)*v.l.blockSize > geo.Size {
		return nil, errors.Wrapf(ErrCorrupt, "%s: filesystem of %d blocks on a device of %d bytes",
			dev.Path(), v.l.blocksCount, geo.Size)
	}
	if err := v.readGroupDescs(); err != nil {
		return nil, err
	}

	if glog.V(1) {
		glog.Infof("%s: ext2 rev %d, %d blocks of %d bytes, %d groups, %d inodes\n",
			dev.Path(), v.sb.RevLevel, v.sb.BlocksCount, v.l.blockSize, v.l.groupCount, v.sb.InodesCount)
	}

	if !readOnly {
		if v.sb.State&stateValid == 0 {
			glog.Warningf("%s: mounting a filesystem that was not cleanly unmounted\n", dev.Path())
		}
		v.sb.MntCount++
		v.sb.MTime = now()
		v.sb.State &^= stateValid
		if err := v.sync(); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// checkSuper verifies that v.sb describes a filesystem this package can handle.
func (v *fs) checkSuper() error {
	sb := &v.sb
	if sb.Magic != magic {
		return errors.Wrapf(ErrBadMagic, "magic %#x", sb.Magic)
	}
	switch sb.RevLevel {
	case 0:
		v.inodeSize = inodeSize
	case revDynamic:
		v.inodeSize = int64(sb.InodeSize)
		if v.inodeSize < inodeSize || v.inodeSize&(v.inodeSize-1) != 0 {
			return errors.Wrapf(ErrUnsupported, "inode size %d", sb.InodeSize)
		}
	default:
		return errors.Wrapf(ErrUnsupported, "revision %d", sb.RevLevel)
	}
	if sb.LogBlockSize > 2 {
		return errors.Wrapf(ErrUnsupported, "block size %d", int64(1024)<<sb.LogBlockSize)
	}
	if f := sb.FeatureIncompat &^ supportedIncompat; f != 0 {
		return errors.Wrapf(ErrUnsupported, "incompatible features %#x", f)
	}
	if !v.readOnly {
		if sb.FeatureCompat&compatHasJournal != 0 {
			return errors.Wrap(ErrJournalUnsupported, "filesystem has a journal")
		}
		if f := sb.FeatureROCompat &^ supportedROCompat; f != 0 {
			return errors.Wrapf(ErrUnsupported, "read-only compatible features %#x", f)
		}
	}
	if sb.BlocksPerGroup == 0 || sb.InodesPerGroup == 0 || sb.BlocksCount <= sb.FirstDataBlock {
		return errors.Wrap(ErrCorrupt, "empty geometry")
	}
	if sb.BlocksPerGroup > uint32(sb.blockSize()*8) || sb.InodesPerGroup > uint32(sb.blockSize()*8) {
		return errors.Wrap(ErrCorrupt, "group larger than its bitmap")
	}
	return nil
}

// gdtBlock returns the first block of the primary group descriptor table.
func (v *fs) gdtBlock() uint32 {
	return v.l.firstDataBlock + 1
}

func (v *fs) readGroupDescs() error {
	v.gds = make([]groupDesc, v.l.groupCount)
	perBlock := uint32(v.l.blockSize / groupDescSz)
	for g := range v.gds {
		blk := v.gdtBlock() + uint32(g)/perBlock
		off := int64(uint32(g)%perBlock) * groupDescSz
		data, _, err := v.blk.get(blk)
		if err != nil {
			return err
		}
		if err := decode(data[off:off+groupDescSz], &v.gds[g]); err != nil {
			return err
		}
	}
	return nil
}

// writeGroupDescs writes the group descriptor table starting at block start.
func (v *fs) writeGroupDescs(start uint32) error {
	perBlock := uint32(v.l.blockSize / groupDescSz)
	for b := uint32(0); b < v.l.gdtBlocks; b++ {
		err := v.blk.update(start+b, func(p []byte) error {
			for i := uint32(0); i < perBlock; i++ {
				g := b*perBlock + i
				if g >= v.l.groupCount {
					break
				}
				if err := encode(p[i*groupDescSz:], &v.gds[g]); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// writeSuper writes the superblock copy of group g.
func (v *fs) writeSuper(g uint32) error {
	sb := v.sb
	sb.BlockGroupNr = uint16(g)

	blk, off := uint32(superblockOffset/v.l.blockSize), superblockOffset%v.l.blockSize
	if g > 0 {
		blk, off = v.l.group(g).start, 0
	}
	return v.blk.update(blk, func(p []byte) error {
		return encode(p[off:off+superblockSize], &sb)
	})
}

// sync commits the superblock, the primary group descriptors and every dirty cached block to the
// device.
func (v *fs) sync() error {
	if v.readOnly {
		return nil
	}
	v.sb.WTime = now()
	err := v.writeSuper(0)
	if err == nil {
		err = v.writeGroupDescs(v.gdtBlock())
	}
	if err != nil {
		return err
	}
	return multierr.Append(v.blk.flush(), v.dev.Flush())
}

// umount marks the filesystem clean and commits it.
func (v *fs) umount() error {
	if v.readOnly {
		return nil
	}
	v.sb.State |= stateValid
	return v.sync()
}

// allocBlock allocates a block, preferring group goal.
func (v *fs) allocBlock(goal uint32) (uint32, error) {
	if v.readOnly {
		return 0, ErrReadOnly
	}
	if v.sb.FreeBlocksCount == 0 {
		return 0, errors.Wrap(ErrNoSpace, "no free blocks")
	}
	for i := uint32(0); i < v.l.groupCount; i++ {
		g := (goal + i) % v.l.groupCount
		gl := v.l.group(g)
		if v.gds[g].FreeBlocksCount == 0 || gl.blocks <= gl.overhead {
			continue
		}

		var got []uint32
		err := v.blk.update(v.gds[g].BlockBitmap, func(p []byte) error {
			var err error
			got, err = bitmap.New(p, gl.overhead, gl.blocks).Allocate(1)
			return err
		})
		if errors.Is(err, bitmap.ErrFull) {
			glog.Warningf("%s: group %d has no free blocks but its descriptor counts %d\n",
				v.dev.Path(), g, v.gds[g].FreeBlocksCount)
			v.sb.FreeBlocksCount -= uint32(v.gds[g].FreeBlocksCount)
			v.gds[g].FreeBlocksCount = 0
			continue
		}
		if err != nil {
			return 0, err
		}

		v.gds[g].FreeBlocksCount--
		v.sb.FreeBlocksCount--
		return gl.start + got[0], nil
	}
	return 0, errors.Wrap(ErrNoSpace, "no free blocks")
}

// freeBlock returns blk to its group.
func (v *fs) freeBlock(blk uint32) error {
	if blk < v.l.firstDataBlock || blk >= v.l.blocksCount {
		return errors.Wrapf(ErrCorrupt, "freeing block %d", blk)
	}
	g, idx := v.l.groupOf(blk)
	gl := v.l.group(g)
	if idx < gl.overhead {
		return errors.Wrapf(ErrCorrupt, "freeing metadata block %d", blk)
	}
	err := v.blk.update(v.gds[g].BlockBitmap, func(p []byte) error {
		bitmap.New(p, gl.overhead, gl.blocks).Free([]uint32{idx})
		return nil
	})
	if err != nil {
		return err
	}
	v.gds[g].FreeBlocksCount++
	v.sb.FreeBlocksCount++
	return nil
}

// allocInode allocates an inode, preferring group goal.
func (v *fs) allocInode(goal uint32, dir bool) (uint32, error) {
	if v.readOnly {
		return 0, ErrReadOnly
	}
	if v.sb.FreeInodesCount == 0 {
		return 0, errors.Wrap(ErrNoSpace, "no free inodes")
	}
	for i := uint32(0); i < v.l.groupCount; i++ {
		g := (goal + i) % v.l.groupCount
		if v.gds[g].FreeInodesCount == 0 {
			continue
		}

		var got []uint32
		err := v.blk.update(v.gds[g].InodeBitmap, func(p []byte) error {
			var err error
			got, err = bitmap.New(p, 0, v.l.inodesPerGroup).Allocate(1)
			return err
		})
		if errors.Is(err, bitmap.ErrFull) {
			glog.Warningf("%s: group %d has no free inodes but its descriptor counts %d\n",
				v.dev.Path(), g, v.gds[g].FreeInodesCount)
			v.sb.FreeInodesCount -= uint32(v.gds[g].FreeInodesCount)
			v.gds[g].FreeInodesCount = 0
			continue
		}
		if err != nil {
			return 0, err
		}

		v.gds[g].FreeInodesCount--
		v.sb.FreeInodesCount--
		if dir {
			v.gds[g].UsedDirsCount++
		}
		return g*v.l.inodesPerGroup + got[0] + 1, nil
	}
	return 0, errors.Wrap(ErrNoSpace, "no free inodes")
}

// inodeLoc returns the block and offset within it of inode ino.
func (v *fs) inodeLoc(ino uint32) (uint32, int64, error) {
	if ino == 0 || ino > v.l.inodesCount() {
		return 0, 0, errors.Wrapf(ErrCorrupt, "inode %d out of range", ino)
	}
	g, idx := v.l.inodeGroup(ino)
	off := int64(idx) * v.inodeSize
	return v.gds[g].InodeTable + uint32(off/v.l.blockSize), off % v.l.blockSize, nil
}

func (v *fs) readInode(ino uint32) (*inode, error) {
	blk, off, err := v.inodeLoc(ino)
	if err != nil {
		return nil, err
	}
	data, _, err := v.blk.get(blk)
	if err != nil {
		return nil, err
	}
	in := &inode{}
	if err := decode(data[off:off+inodeSize], in); err != nil {
		return nil, err
	}
	return in, nil
}

func (v *fs) writeInode(ino uint32, in *inode) error {
	if v.readOnly {
		return ErrReadOnly
	}
	blk, off, err := v.inodeLoc(ino)
	if err != nil {
		return err
	}
	return v.blk.update(blk, func(p []byte) error {
		return encode(p[off:off+inodeSize], in)
	})
}

// ptrsPerBlock is the number of block pointers in an indirect block.
func (v *fs) ptrsPerBlock() uint32 {
	return uint32(v.l.blockSize / 4)
}

// maxFileBlocks is the number of blocks addressable through the direct, single and double
// indirect pointers of an inode.
func (v *fs) maxFileBlocks() uint64 {
	ppb := uint64(v.ptrsPerBlock())
	return numDirect + ppb + ppb*ppb
}

// blockPath returns the slot in i_block and the indices within the chain of indirect blocks that
// lead to logical block lblk.
func (v *fs) blockPath(lblk uint64) (int, []uint32, error) {
	ppb := uint64(v.ptrsPerBlock())
	if lblk < numDirect {
		return int(lblk), nil, nil
	}
	lblk -= numDirect
	if lblk < ppb {
		return indirectIdx, []uint32{uint32(lblk)}, nil
	}
	lblk -= ppb
	if lblk < ppb*ppb {
		return doubleIdx, []uint32{uint32(lblk / ppb), uint32(lblk % ppb)}, nil
	}
	return 0, nil, errors.Wrapf(ErrFileTooLarge, "logical block %d", lblk+numDirect+ppb)
}

// bmap returns the physical block holding logical block lblk of the inode ino.  When alloc is set
// missing data and indirect blocks are allocated and zeroed, and the caller must write back in;
// otherwise holes map to block 0.
func (v *fs) bmap(ino uint32, in *inode, lblk uint64, alloc bool) (uint32, error) {
	slot, path, err := v.blockPath(lblk)
	if err != nil {
		return 0, err
	}
	goal, _ := v.l.inodeGroup(ino)

	phys := in.Block[slot]
	if phys == 0 {
		if !alloc {
			return 0, nil
		}
		if phys, err = v.allocBlock(goal); err != nil {
			return 0, err
		}
		if err := v.blk.zero(phys); err != nil {
			return 0, err
		}
		in.Block[slot] = phys
		in.Blocks += v.l.sectorsPerBlock()
	}

	for _, idx := range path {
		data, _, err := v.blk.get(phys)
		if err != nil {
			return 0, err
		}
		next := binary.LittleEndian.Uint32(data[idx*4:])
		if next == 0 {
			if !alloc {
				return 0, nil
			}
			if next, err = v.allocBlock(goal); err != nil {
				return 0, err
			}
			if err := v.blk.zero(next); err != nil {
				return 0, err
			}
			err = v.blk.update(phys, func(p []byte) error {
				binary.LittleEndian.PutUint32(p[idx*4:], next)
				return nil
			})
			if err != nil {
				return 0, err
			}
			in.Blocks += v.l.sectorsPerBlock()
		}
		if next >= v.l.blocksCount {
			return 0, errors.Wrapf(ErrCorrupt, "inode %d maps block %d past the end", ino, next)
		}
		phys = next
	}
	return phys, nil
}

// freeTree frees blk and, for indirect blocks of the given depth, every block it points to.
func (v *fs) freeTree(blk uint32, depth int) error {
	if blk == 0 {
		return nil
	}
	if depth > 0 {
		data, err := v.blk.read(blk)
		if err != nil {
			return err
		}
		for i := int64(0); i < v.l.blockSize; i += 4 {
			if err := v.freeTree(binary.LittleEndian.Uint32(data[i:]), depth-1); err != nil {
				return err
			}
		}
	}
	return v.freeBlock(blk)
}

// truncate releases every block of in and sets its size to zero.  The caller must write back in.
func (v *fs) truncate(in *inode) error {
	if v.readOnly {
		return ErrReadOnly
	}
	for i := 0; i < numDirect; i++ {
		if err := v.freeTree(in.Block[i], 0); err != nil {
			return err
		}
	}
	depth := 1
	for _, slot := range []int{indirectIdx, doubleIdx, tripleIdx} {
		if err := v.freeTree(in.Block[slot], depth); err != nil {
			return err
		}
		depth++
	}
	in.Block = [numBlockPtr]uint32{}
	in.Blocks = 0
	in.setSize(0)
	return nil
}
