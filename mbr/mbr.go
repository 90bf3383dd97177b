// Copyright 2021 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package mbr reads and writes the Master Boot Record partition table found in the first sector
// of a disk.
package mbr

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"go.fuchsia.dev/blkemu/block"
)

// MBRSize is the size of an encoded MBR in bytes.
const MBRSize = 512

// Signature is the boot signature found in the last two bytes of a valid MBR.
const Signature uint16 = 0xAA55

// Alignment is the sector alignment of partitions laid out by Write.  2048 sectors is 1 MiB.
const Alignment = 2048

var (
	// ErrNoMBR indicates that the first sector of a device does not carry a boot signature.
	ErrNoMBR = errors.New("mbr: no boot signature")

	// ErrInvalidPartition indicates that a partition entry does not fit on its device.
	ErrInvalidPartition = errors.New("mbr: invalid partition entry")

	// ErrInvalidDivision indicates that a partition layout cannot be satisfied.
	ErrInvalidDivision = errors.New("mbr: invalid partition division")
)

// OSType is the partition type byte of a PartitionRecord.
type OSType byte

// Partition types used by this package.
const (
	Empty         OSType = 0x00
	FAT32         OSType = 0x0C
	Linux         OSType = 0x83
	GPTProtective OSType = 0xEE
)

func (t OSType) String() string {
	switch t {
	case Empty:
		return "Empty"
	case FAT32:
		return "FAT32"
	case Linux:
		return "Linux"
	case GPTProtective:
		return "GPTProtective"
	}
	return fmt.Sprintf("%#x", byte(t))
}

// lbaOnlyCHS marks a CHS address as unused; readers must use the LBA fields.
var lbaOnlyCHS = [3]byte{0xFE, 0xFF, 0xFF}

// PartitionRecord is a single entry of the MBR partition table.
type PartitionRecord struct {
	BootIndicator byte
	StartingCHS   [3]byte
	OSType        OSType
	EndingCHS     [3]byte
	StartingLBA   uint32
	SizeInLBA     uint32
}

// MBR is the on-disk layout of the Master Boot Record.
type MBR struct {
	BootCode        [440]byte
	DiskSignature   uint32
	Unknown         uint16
	PartitionRecord [4]PartitionRecord
	Signature       uint16
}

// ReadFrom reads an MBR from r.
func (m *MBR) ReadFrom(r io.Reader) (int64, error) {
	if err := binary.Read(r, binary.LittleEndian, m); err != nil {
		return 0, err
	}
	return MBRSize, nil
}

// WriteTo writes m to w.
func (m *MBR) WriteTo(w io.Writer) (int64, error) {
	if err := binary.Write(w, binary.LittleEndian, m); err != nil {
		return 0, err
	}
	return MBRSize, nil
}

// Valid reports whether m carries the boot signature.
func (m *MBR) Valid() bool {
	return m.Signature == Signature
}

func (m *MBR) String() string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "Disk Signature: %#x\n", m.DiskSignature)
	fmt.Fprintf(&b, "Signature: %#x", m.Signature)
	for i, p := range m.PartitionRecord {
		if p.OSType == Empty {
			continue
		}
		fmt.Fprintf(&b, "\nPartition %d:\n", i)
		fmt.Fprintf(&b, "  Boot Indicator: %#x\n", p.BootIndicator)
		fmt.Fprintf(&b, "  OS Type: %s\n", p.OSType)
		fmt.Fprintf(&b, "  Starting LBA: %#x\n", p.StartingLBA)
		fmt.Fprintf(&b, "  Size In LBA: %#x (%d)", p.SizeInLBA, p.SizeInLBA)
	}
	return b.String()
}

// Partition describes a non-empty entry of a partition table in bytes.
type Partition struct {
	// Index is the position of the entry in the table.
	Index int

	// Type is the partition type.
	Type OSType

	// Offset is the byte offset of the partition from the start of the disk.
	Offset int64

	// Size is the size of the partition in bytes.
	Size int64
}

// Read reads the MBR in the first sector of dev using the device scratch buffer.
func Read(dev block.Device) (*MBR, error) {
	geo := dev.Geometry()
	if geo.BlockSize < MBRSize {
		return nil, errors.Wrapf(block.ErrBlockSize, "mbr: block size %d", geo.BlockSize)
	}

	buf := dev.Buffer()
	if err := dev.ReadBlocks(buf, 0, 1); err != nil {
		return nil, errors.Wrap(err, "mbr: reading sector 0")
	}

	m := &MBR{}
	if _, err := m.ReadFrom(bytes.NewReader(buf[:MBRSize])); err != nil {
		return nil, err
	}
	return m, nil
}

// Scan reads the partition table of dev and returns its non-empty entries in table order.
func Scan(dev block.Device) ([]Partition, error) {
	m, err := Read(dev)
	if err != nil {
		return nil, err
	}
	if !m.Valid() {
		return nil, errors.Wrapf(ErrNoMBR, "%s: signature %#x", dev.Path(), m.Signature)
	}

	size := dev.Geometry().Size
	var parts []Partition
	for i, r := range m.PartitionRecord {
		if r.OSType == Empty || r.SizeInLBA == 0 {
			continue
		}
		p := Partition{
			Index:  i,
			Type:   r.OSType,
			Offset: int64(r.StartingLBA) * block.SectorSize,
			Size:   int64(r.SizeInLBA) * block.SectorSize,
		}
		if p.Offset+p.Size > size {
			return nil, errors.Wrapf(ErrInvalidPartition, "%s: partition %d [%v, %v) exceeds %v bytes",
				dev.Path(), i, p.Offset, p.Offset+p.Size, size)
		}
		if glog.V(1) {
			glog.Infof("%s: partition %d type %s offset %d size %d\n", dev.Path(), i, p.Type, p.Offset, p.Size)
		}
		parts = append(parts, p)
	}
	return parts, nil
}

// Layout computes the partition table that divides a disk of the given number of sectors into
// up to four Linux partitions.  divisions gives each partition's share of the disk in percent;
// zero entries are left empty.
func Layout(sectors int64, divisions [4]uint8, diskID uint32) (*MBR, error) {
	var sum int
	for _, d := range divisions {
		sum += int(d)
	}
	if sum > 100 {
		return nil, errors.Wrapf(ErrInvalidDivision, "divisions add up to %d%%", sum)
	}
	if sectors <= Alignment {
		return nil, errors.Wrapf(ErrInvalidDivision, "disk of %d sectors is too small", sectors)
	}
	if sectors > 1<<32-1 {
		sectors = 1<<32 - 1
	}

	m := &MBR{
		DiskSignature: diskID,
		Signature:     Signature,
	}

	usable := sectors - Alignment
	start := int64(Alignment)
	for i, d := range divisions {
		if d == 0 {
			continue
		}
		size := usable * int64(d) / 100
		size -= size % Alignment
		if start+size > sectors {
			size = (sectors - start) / Alignment * Alignment
		}
		if size <= 0 {
			return nil, errors.Wrapf(ErrInvalidDivision, "partition %d of %d%% is smaller than %d sectors",
				i, d, Alignment)
		}
		m.PartitionRecord[i] = PartitionRecord{
			StartingCHS: lbaOnlyCHS,
			OSType:      Linux,
			EndingCHS:   lbaOnlyCHS,
			StartingLBA: uint32(start),
			SizeInLBA:   uint32(size),
		}
		start += size
	}
	return m, nil
}

// Write lays out a new partition table on dev as described by Layout.  The boot code already in
// the first sector is preserved.
func Write(dev block.Device, divisions [4]uint8, diskID uint32) error {
	geo := dev.Geometry()
	if geo.BlockSize < MBRSize {
		return errors.Wrapf(block.ErrBlockSize, "mbr: block size %d", geo.BlockSize)
	}

	m, err := Layout(geo.Size/block.SectorSize, divisions, diskID)
	if err != nil {
		return err
	}

	buf := dev.Buffer()
	if err := dev.ReadBlocks(buf, 0, 1); err != nil {
		return errors.Wrap(err, "mbr: reading sector 0")
	}
	copy(m.BootCode[:], buf)

	var w bytes.Buffer
	if _, err := m.WriteTo(&w); err != nil {
		return err
	}
	copy(buf, w.Bytes())

	glog.Infof("%s: writing partition table %v\n", dev.Path(), divisions)
	if err := dev.WriteBlocks(buf, 0, 1); err != nil {
		return errors.Wrap(err, "mbr: writing sector 0")
	}
	return dev.Flush()
}
