// Copyright 2021 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package ext2

import (
	"bytes"
	"encoding/binary"
)

const (
	// Superblock is always at byte offset 1024 from the start of the filesystem.
	superblockOffset = 1024
	superblockSize   = 1024

	magic = 0xEF53

	revDynamic  = 1
	inodeSize   = 128
	groupDescSz = 32

	stateValid  = 1
	errorsCont  = 1
	creatorOSLx = 0

	// Reserved inodes
	badBlocksIno = 1
	rootIno      = 2
	firstIno     = 11 // lost+found

	// Feature flags
	compatHasJournal    = 0x0004
	incompatFiletype    = 0x0002
	roCompatSparseSuper = 0x0001
	roCompatLargeFile   = 0x0002

	supportedIncompat = incompatFiletype
	supportedROCompat = roCompatSparseSuper | roCompatLargeFile

	// Inode mode bits
	sIFMT  = 0xF000
	sIFDIR = 0x4000
	sIFREG = 0x8000

	// Block map layout of i_block
	numDirect   = 12
	indirectIdx = 12
	doubleIdx   = 13
	tripleIdx   = 14
	numBlockPtr = 15

	nameMax = 255
)

// Directory entry file types.
const (
	ftUnknown = 0
	ftRegFile = 1
	ftDir     = 2
)

// superblock is the revision 1 ext2 superblock.  Fields past FirstMetaBg are reserved.
type superblock struct {
	InodesCount       uint32
	BlocksCount       uint32
	RBlocksCount      uint32
	FreeBlocksCount   uint32
	FreeInodesCount   uint32
	FirstDataBlock    uint32
	LogBlockSize      uint32
	LogFragSize       uint32
	BlocksPerGroup    uint32
	FragsPerGroup     uint32
	InodesPerGroup    uint32
	MTime             uint32
	WTime             uint32
	MntCount          uint16
	MaxMntCount       int16
	Magic             uint16
	State             uint16
	Errors            uint16
	MinorRevLevel     uint16
	LastCheck         uint32
	CheckInterval     uint32
	CreatorOS         uint32
	RevLevel          uint32
	DefResUID         uint16
	DefResGID         uint16
	FirstIno          uint32   // 0x54
	InodeSize         uint16   // 0x58
	BlockGroupNr      uint16   // 0x5A
	FeatureCompat     uint32   // 0x5C
	FeatureIncompat   uint32   // 0x60
	FeatureROCompat   uint32   // 0x64
	UUID              [16]byte // 0x68
	VolumeName        [16]byte // 0x78
	LastMounted       [64]byte // 0x88
	AlgoBitmap        uint32   // 0xC8
	PreallocBlocks    uint8
	PreallocDirBlocks uint8
	Padding1          uint16
	JournalUUID       [16]byte  // 0xD0
	JournalInum       uint32    // 0xE0
	JournalDev        uint32    // 0xE4
	LastOrphan        uint32    // 0xE8
	HashSeed          [4]uint32 // 0xEC
	DefHashVersion    uint8     // 0xFC
	Padding2          [3]byte
	DefaultMountOpts  uint32      // 0x100
	FirstMetaBg       uint32      // 0x104
	Reserved          [190]uint32 // 0x108
}

func (sb *superblock) blockSize() int64 {
	return 1024 << sb.LogBlockSize
}

func (sb *superblock) groupCount() uint32 {
	return (sb.BlocksCount - sb.FirstDataBlock + sb.BlocksPerGroup - 1) / sb.BlocksPerGroup
}

func (sb *superblock) volumeName() string {
	return string(bytes.TrimRight(sb.VolumeName[:], "\x00"))
}

// groupDesc is a block group descriptor.
type groupDesc struct {
	BlockBitmap     uint32
	InodeBitmap     uint32
	InodeTable      uint32
	FreeBlocksCount uint16
	FreeInodesCount uint16
	UsedDirsCount   uint16
	Pad             uint16
	Reserved        [3]uint32
}

// inode is the 128 byte revision 1 inode.
type inode struct {
	Mode       uint16
	UID        uint16
	Size       uint32
	Atime      uint32
	Ctime      uint32
	Mtime      uint32
	Dtime      uint32
	GID        uint16
	LinksCount uint16
	Blocks     uint32 // 512 byte units
	Flags      uint32
	OSD1       uint32
	Block      [numBlockPtr]uint32
	Generation uint32
	FileACL    uint32
	SizeHigh   uint32
	Faddr      uint32
	OSD2       [12]byte
}

func (i *inode) isDir() bool {
	return i.Mode&sIFMT == sIFDIR
}

func (i *inode) size() int64 {
	if i.isDir() {
		return int64(i.Size)
	}
	return int64(i.SizeHigh)<<32 | int64(i.Size)
}

func (i *inode) setSize(n int64) {
	i.Size = uint32(n)
	if !i.isDir() {
		i.SizeHigh = uint32(n >> 32)
	}
}

func fileType(mode uint16) uint8 {
	switch mode & sIFMT {
	case sIFREG:
		return ftRegFile
	case sIFDIR:
		return ftDir
	}
	return ftUnknown
}

func decode(p []byte, v interface{}) error {
	return binary.Read(bytes.NewReader(p), binary.LittleEndian, v)
}

// encode writes the little endian encoding of v into p, which must be large enough.
func encode(p []byte, v interface{}) error {
	var b bytes.Buffer
	if err := binary.Write(&b, binary.LittleEndian, v); err != nil {
		return err
	}
	copy(p, b.Bytes())
	return nil
}

// dirent is a directory entry as found on disk.
type dirent struct {
	Inode   uint32
	RecLen  uint16
	NameLen uint8
	Type    uint8
	Name    string
}

const direntHeader = 8

// direntSize returns the minimum record length of an entry with a name of n bytes.
func direntSize(n int) int {
	return (direntHeader + n + 3) &^ 3
}

func readDirent(p []byte) dirent {
	d := dirent{
		Inode:   binary.LittleEndian.Uint32(p[0:]),
		RecLen:  binary.LittleEndian.Uint16(p[4:]),
		NameLen: p[6],
		Type:    p[7],
	}
	if end := direntHeader + int(d.NameLen); end <= len(p) {
		d.Name = string(p[direntHeader:end])
	}
	return d
}

func putDirent(p []byte, d dirent) {
	binary.LittleEndian.PutUint32(p[0:], d.Inode)
	binary.LittleEndian.PutUint16(p[4:], d.RecLen)
	p[6] = uint8(len(d.Name))
	p[7] = d.Type
	copy(p[direntHeader:], d.Name)
}

// isSparseGroup reports whether group g carries a backup of the superblock under sparse_super.
func isSparseGroup(g uint32) bool {
	if g <= 1 {
		return true
	}
	for _, base := range []uint32{3, 5, 7} {
		n := base
		for n < g {
			n *= base
		}
		if n == g {
			return true
		}
	}
	return false
}
