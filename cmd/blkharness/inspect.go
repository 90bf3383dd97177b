// Copyright 2021 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/google/subcommands"
	"github.com/kr/pretty"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.fuchsia.dev/blkemu/block"
	"go.fuchsia.dev/blkemu/block/file"
	"go.fuchsia.dev/blkemu/ext2"
	"go.fuchsia.dev/blkemu/mbr"
)

// imageCmd holds the flags shared by the commands that inspect an existing image.
type imageCmd struct {
	image     string
	blockSize int64
	partition int
}

func (cmd *imageCmd) SetCommonFlags(f *flag.FlagSet) {
	f.StringVar(&cmd.image, "image", "demo_ext2.img", "Path of the disk image.")
	f.Int64Var(&cmd.blockSize, "block-size", block.SectorSize, "Block size of the image.")
	f.IntVar(&cmd.partition, "partition", 0, "Index of the partition to inspect.")
}

// openImage opens the whole image as a view, so that a missing image is never created.
func (cmd *imageCmd) openImage() (*block.Disk, error) {
	fi, err := os.Stat(cmd.image)
	if err != nil {
		return nil, err
	}
	if cmd.blockSize <= 0 {
		return nil, errors.Wrapf(block.ErrBlockSize, "block size %d", cmd.blockSize)
	}
	count := fi.Size() / cmd.blockSize
	d := file.NewPartition(cmd.image, block.NewIface(cmd.blockSize, count), 0, count*cmd.blockSize)
	if err := d.Open(); err != nil {
		return nil, err
	}
	return d, nil
}

// mount mounts the selected partition read-only at / and returns the session along with a
// function releasing it.
func (cmd *imageCmd) mount() (*ext2.Session, func() error, error) {
	d, err := cmd.openImage()
	if err != nil {
		return nil, nil, err
	}
	parts, err := mbr.Scan(d)
	if cerr := d.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, nil, err
	}
	if cmd.partition < 0 || cmd.partition >= len(parts) {
		return nil, nil, errors.Errorf("partition %d of %d", cmd.partition, len(parts))
	}

	p := parts[cmd.partition]
	dev := d.Partition(p.Offset, p.Size)
	if err := dev.Open(); err != nil {
		return nil, nil, err
	}
	s := ext2.NewSession()
	err = s.Register(dev, "inspect")
	if err == nil {
		err = s.Mount("inspect", "/", true)
	}
	if err != nil {
		return nil, nil, multierr.Append(err, dev.Close())
	}
	release := func() error {
		return multierr.Append(s.Umount("/"), dev.Close())
	}
	return s, release, nil
}

func fail(err error) subcommands.ExitStatus {
	fmt.Fprintf(os.Stderr, "rc = %d (%v)\n", errno(err), err)
	return subcommands.ExitFailure
}

func errno(err error) uint64 {
	if e, ok := ext2.Errno(err); ok {
		return uint64(e)
	}
	return uint64(block.Errno(err))
}

type scanCmd struct {
	imageCmd
	verbose bool
}

func (*scanCmd) Name() string {
	return "scan"
}

func (*scanCmd) Usage() string {
	return "scan [flags...]\n\nflags:\n"
}

func (*scanCmd) Synopsis() string {
	return "prints the partition table of an image"
}

func (cmd *scanCmd) SetFlags(f *flag.FlagSet) {
	cmd.SetCommonFlags(f)
	f.BoolVar(&cmd.verbose, "v", false, "Dump the whole MBR.")
}

func (cmd *scanCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	d, err := cmd.openImage()
	if err != nil {
		return fail(err)
	}
	defer d.Close()

	if cmd.verbose {
		m, err := mbr.Read(d)
		if err != nil {
			return fail(err)
		}
		fmt.Printf("%# v\n", pretty.Formatter(m))
	}
	parts, err := mbr.Scan(d)
	if err != nil {
		return fail(err)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "INDEX\tTYPE\tOFFSET\tSIZE")
	for _, p := range parts {
		fmt.Fprintf(w, "%d\t%v\t%d\t%s\n", p.Index, p.Type, p.Offset, humanize.IBytes(uint64(p.Size)))
	}
	w.Flush()
	return subcommands.ExitSuccess
}

type lsCmd struct {
	imageCmd
}

func (*lsCmd) Name() string {
	return "ls"
}

func (*lsCmd) Usage() string {
	return "ls [flags...] [dir]\n\nflags:\n"
}

func (*lsCmd) Synopsis() string {
	return "lists a directory of the filesystem on a partition"
}

func (cmd *lsCmd) SetFlags(f *flag.FlagSet) {
	cmd.SetCommonFlags(f)
}

func (cmd *lsCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	dir := "/"
	switch f.NArg() {
	case 0:
	case 1:
		dir = f.Arg(0)
	default:
		f.Usage()
		return subcommands.ExitUsageError
	}

	s, release, err := cmd.mount()
	if err != nil {
		return fail(err)
	}
	ents, err := s.ReadDir(dir)
	if rerr := release(); err == nil {
		err = rerr
	}
	if err != nil {
		return fail(err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	for _, fi := range ents {
		fmt.Fprintf(w, "%v\t%s\t%s\t%s\n", fi.Mode(), humanize.IBytes(uint64(fi.Size())),
			fi.ModTime().Format("Jan _2 15:04"), fi.Name())
	}
	w.Flush()
	return subcommands.ExitSuccess
}

type catCmd struct {
	imageCmd
}

func (*catCmd) Name() string {
	return "cat"
}

func (*catCmd) Usage() string {
	return "cat [flags...] file\n\nflags:\n"
}

func (*catCmd) Synopsis() string {
	return "prints a file of the filesystem on a partition"
}

func (cmd *catCmd) SetFlags(f *flag.FlagSet) {
	cmd.SetCommonFlags(f)
}

func (cmd *catCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	s, release, err := cmd.mount()
	if err != nil {
		return fail(err)
	}
	err = func() error {
		fh, err := s.OpenFile(f.Arg(0), "r")
		if err != nil {
			return err
		}
		_, err = io.Copy(os.Stdout, fh)
		return multierr.Append(err, fh.Close())
	}()
	if rerr := release(); err == nil {
		err = rerr
	}
	if err != nil {
		return fail(err)
	}
	return subcommands.ExitSuccess
}
