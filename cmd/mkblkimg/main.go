// Copyright 2021 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// mkblkimg provisions a disk image and writes an MBR partition table to it.
package main

import (
	goflag "flag"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/golang/glog"
	"github.com/pkg/errors"
	flag "github.com/spf13/pflag"
	"go.uber.org/multierr"

	"go.fuchsia.dev/blkemu/block"
	"go.fuchsia.dev/blkemu/block/file"
	"go.fuchsia.dev/blkemu/mbr"
)

type options struct {
	image      string
	blockSize  int64
	blockCount int64
	partitions []uint
	diskID     uint32
	force      bool
}

func parseFlags(args []string) (*options, error) {
	o := &options{}
	fs := flag.NewFlagSet("mkblkimg", flag.ContinueOnError)
	fs.AddGoFlagSet(goflag.CommandLine)
	fs.StringVar(&o.image, "image", "demo_ext2.img", "Path of the image to provision.")
	fs.Int64Var(&o.blockSize, "block-size", block.SectorSize, "Block size of the emulated medium.")
	fs.Int64Var(&o.blockCount, "block-count", block.SectorCount, "Number of blocks of the emulated medium.")
	fs.UintSliceVar(&o.partitions, "partitions", []uint{100, 0, 0, 0}, "Percentage of the disk given to each primary partition.")
	fs.Uint32Var(&o.diskID, "disk-id", 0, "MBR disk signature.")
	fs.BoolVar(&o.force, "force", false, "Replace an existing partition table.")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	// glog complains unless the standard flag set has been parsed.
	goflag.CommandLine.Parse(nil)
	if fs.NArg() != 0 {
		return nil, errors.Errorf("unexpected arguments %q", fs.Args())
	}
	if len(o.partitions) > 4 {
		return nil, errors.Errorf("%d partitions; an MBR holds 4", len(o.partitions))
	}
	return o, nil
}

func (o *options) divisions() ([4]uint8, error) {
	var d [4]uint8
	for i, p := range o.partitions {
		if p > 100 {
			return d, errors.Wrapf(mbr.ErrInvalidDivision, "partition %d of %d%%", i, p)
		}
		d[i] = uint8(p)
	}
	return d, nil
}

func run(o *options) (err error) {
	divisions, err := o.divisions()
	if err != nil {
		return err
	}
	d := file.NewDisk(o.image, block.NewIface(o.blockSize, o.blockCount))
	if err := d.Open(); err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, d.Close())
	}()
	glog.Infof("%s: %s medium of %d blocks\n", o.image, humanize.IBytes(uint64(o.blockSize*o.blockCount)), o.blockCount)

	if _, err := mbr.Scan(d); err == nil && !o.force {
		return errors.Errorf("%s already has a partition table; use --force to replace it", o.image)
	} else if err != nil && !errors.Is(err, mbr.ErrNoMBR) {
		glog.Warningf("%s: replacing unreadable partition table: %v\n", o.image, err)
	}

	if err := mbr.Write(d, divisions, o.diskID); err != nil {
		return err
	}
	parts, err := mbr.Scan(d)
	if err != nil {
		return err
	}
	for _, p := range parts {
		fmt.Printf("partition %d: %v, %s at offset %d\n", p.Index, p.Type, humanize.IBytes(uint64(p.Size)), p.Offset)
	}
	return nil
}

func main() {
	o, err := parseFlags(os.Args[1:])
	if err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "mkblkimg: %v\n", err)
		os.Exit(2)
	}
	if err := run(o); err != nil {
		glog.Flush()
		fmt.Fprintf(os.Stderr, "mkblkimg: rc = %d (%v)\n", block.Errno(err), err)
		os.Exit(1)
	}
	glog.Flush()
}
