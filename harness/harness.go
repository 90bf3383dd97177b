// Copyright 2021 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package harness drives a filesystem lifecycle against an emulated block device: it opens the
// medium, finds its partitions, formats and mounts one of them, writes a file and reads it back.
package harness

import (
	"bytes"
	"fmt"
	"io"
	"io/ioutil"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/golang/glog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.fuchsia.dev/blkemu/block"
	"go.fuchsia.dev/blkemu/block/file"
	"go.fuchsia.dev/blkemu/block/mem"
	"go.fuchsia.dev/blkemu/ext2"
	"go.fuchsia.dev/blkemu/mbr"
)

var (
	// ErrNoPartition indicates that the scan did not find the configured partition.
	ErrNoPartition = errors.New("harness: no such partition")

	// ErrMismatch indicates that the file read back differs from what was written.
	ErrMismatch = errors.New("harness: file contents differ")
)

// StepError reports the step a run failed in.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Errno returns the result code of the failure.
func (e *StepError) Errno() syscall.Errno {
	if errno, ok := ext2.Errno(e.Err); ok {
		return errno
	}
	return block.Errno(e.Err)
}

// Report describes a run.
type Report struct {
	// Steps lists the steps that completed, in order.
	Steps      []string
	Partitions []mbr.Partition
	Filesystem ext2.FSInfo
	Verified   bool
}

func (r *Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "steps: %s\n", strings.Join(r.Steps, " "))
	for _, p := range r.Partitions {
		fmt.Fprintf(&b, "partition %d: %v at %s, %s\n", p.Index, p.Type,
			humanize.IBytes(uint64(p.Offset)), humanize.IBytes(uint64(p.Size)))
	}
	if fs := r.Filesystem; fs.Blocks != 0 {
		fmt.Fprintf(&b, "filesystem %s: %d blocks of %d bytes, %s free\n", fs.UUID, fs.Blocks, fs.BlockSize,
			humanize.IBytes(uint64(fs.FreeBlocks)*uint64(fs.BlockSize)))
	}
	if r.Verified {
		fmt.Fprintf(&b, "verified\n")
	}
	return b.String()
}

// Harness runs the lifecycle described by its Config.
type Harness struct {
	Config  *Config
	Backend block.Backend
}

// New validates cfg and returns a Harness using the backing store kind it names.
func New(cfg *Config) (*Harness, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	h := &Harness{Config: cfg}
	switch cfg.Backend {
	case FileBackend:
		h.Backend = file.Backend{Perm: 0644}
	case MemBackend:
		h.Backend = mem.New()
	}
	return h, nil
}

func (h *Harness) iface() *block.Iface {
	return block.NewIface(h.Config.BlockSize, h.Config.BlockCount)
}

// run tracks the resources of one Run so that they are released on every exit path.
type run struct {
	rep     *Report
	cleanup []func() error
}

func (r *run) step(name string, fn func() error) error {
	glog.Infof("%s\n", name)
	if err := fn(); err != nil {
		glog.Errorf("%s failed: %v\n", name, err)
		return &StepError{Step: name, Err: err}
	}
	r.rep.Steps = append(r.rep.Steps, name)
	return nil
}

// deferCleanup registers fn to run when the run ends.
func (r *run) deferCleanup(fn func() error) {
	r.cleanup = append(r.cleanup, fn)
}

func (r *run) release() error {
	var err error
	for i := len(r.cleanup) - 1; i >= 0; i-- {
		err = multierr.Append(err, r.cleanup[i]())
	}
	return err
}

func closeIfOpen(d *block.Disk) func() error {
	return func() error {
		if !d.IsOpen() {
			return nil
		}
		glog.Warningf("Closing %s after a failed run\n", d.Path())
		return d.Close()
	}
}

// Run performs every step of the lifecycle, stopping at the first failure.  A failing step is
// reported as a *StepError; errors releasing resources afterwards are combined with it.
func (h *Harness) Run() (rep *Report, err error) {
	cfg := h.Config
	r := &run{rep: &Report{}}
	defer func() {
		if cerr := r.release(); cerr != nil {
			glog.Errorf("cleanup: %v\n", cerr)
			err = multierr.Append(err, cerr)
		}
	}()

	disk := block.NewDisk(h.Backend, cfg.Image, h.iface())
	if err := r.step("open", disk.Open); err != nil {
		return r.rep, err
	}
	r.deferCleanup(closeIfOpen(disk))
	if glog.V(1) {
		geo := disk.Geometry()
		glog.Infof("%s: %d blocks of %d bytes (%s)\n", cfg.Image, geo.Blocks(), geo.BlockSize,
			humanize.IBytes(uint64(geo.Size)))
	}

	var parts []mbr.Partition
	scan := func() error {
		var err error
		parts, err = mbr.Scan(disk)
		return err
	}
	err = r.step("mbr_scan", scan)
	if errors.Is(err, mbr.ErrNoMBR) && cfg.writesTable() {
		glog.Infof("%s has no partition table; writing one\n", cfg.Image)
		write := func() error { return mbr.Write(disk, cfg.divisions(), cfg.DiskID) }
		if err := r.step("mbr_write", write); err != nil {
			return r.rep, err
		}
		err = r.step("mbr_scan", scan)
	}
	if err != nil {
		return r.rep, err
	}
	r.rep.Partitions = parts
	if cfg.Partition >= len(parts) {
		return r.rep, &StepError{Step: "mbr_scan",
			Err: errors.Wrapf(ErrNoPartition, "partition %d of %d", cfg.Partition, len(parts))}
	}
	part := parts[cfg.Partition]

	if err := r.step("close", disk.Close); err != nil {
		return r.rep, err
	}

	dev := block.NewPartition(h.Backend, cfg.Image, h.iface(), part.Offset, part.Size)
	if err := r.step("open_partition", dev.Open); err != nil {
		return r.rep, err
	}
	r.deferCleanup(closeIfOpen(dev))

	opts := &ext2.FormatOptions{
		BlockSize:  cfg.Filesystem.BlockSize,
		Journal:    cfg.Filesystem.Journal,
		VolumeName: cfg.Filesystem.VolumeName,
	}
	if err := r.step("mkfs", func() error { return ext2.Format(dev, opts) }); err != nil {
		return r.rep, err
	}

	s := ext2.NewSession()
	if err := r.step("register", func() error { return s.Register(dev, cfg.DeviceName) }); err != nil {
		return r.rep, err
	}
	mounted := false
	mount := func() error {
		if err := s.Mount(cfg.DeviceName, cfg.MountPoint, false); err != nil {
			return err
		}
		mounted = true
		var err error
		r.rep.Filesystem, err = s.StatFS(cfg.MountPoint)
		return err
	}
	if err := r.step("mount", mount); err != nil {
		return r.rep, err
	}
	r.deferCleanup(func() error {
		if !mounted {
			return nil
		}
		return s.Umount(cfg.MountPoint)
	})

	var f *ext2.File
	open := func() error {
		var err error
		f, err = s.OpenFile(cfg.File, cfg.Mode)
		return err
	}
	if err := r.step("fopen", open); err != nil {
		return r.rep, err
	}
	fileOpen := true
	r.deferCleanup(func() error {
		if !fileOpen {
			return nil
		}
		return f.Close()
	})

	write := func() error {
		n, err := f.Write([]byte(cfg.Payload))
		if err == nil && n != len(cfg.Payload) {
			err = io.ErrShortWrite
		}
		return err
	}
	if err := r.step("fwrite", write); err != nil {
		return r.rep, err
	}
	closeFile := func() error {
		fileOpen = false
		return f.Close()
	}
	if err := r.step("fclose", closeFile); err != nil {
		return r.rep, err
	}
	umount := func() error {
		mounted = false
		return s.Umount(cfg.MountPoint)
	}
	if err := r.step("umount", umount); err != nil {
		return r.rep, err
	}
	closePart := func() error {
		return multierr.Append(s.Unregister(cfg.DeviceName), dev.Close())
	}
	if err := r.step("close_partition", closePart); err != nil {
		return r.rep, err
	}

	if !cfg.Verify {
		return r.rep, nil
	}
	if err := r.step("verify", func() error { return h.Verify(part) }); err != nil {
		return r.rep, err
	}
	r.rep.Verified = true
	return r.rep, nil
}

// ReadFile mounts partition p read-only and returns the contents of the file name on it.
func (h *Harness) ReadFile(p mbr.Partition, name string) (data []byte, err error) {
	cfg := h.Config
	dev := block.NewPartition(h.Backend, cfg.Image, h.iface(), p.Offset, p.Size)
	if err := dev.Open(); err != nil {
		return nil, err
	}
	defer func() {
		err = multierr.Append(err, dev.Close())
	}()

	s := ext2.NewSession()
	if err := s.Register(dev, cfg.DeviceName); err != nil {
		return nil, err
	}
	if err := s.Mount(cfg.DeviceName, cfg.MountPoint, true); err != nil {
		return nil, err
	}
	defer func() {
		err = multierr.Append(err, s.Umount(cfg.MountPoint))
	}()

	f, err := s.OpenFile(name, "r")
	if err != nil {
		return nil, err
	}
	defer func() {
		err = multierr.Append(err, f.Close())
	}()
	return ioutil.ReadAll(f)
}

// Verify checks that the configured file on partition p holds the payload.  Append modes only
// require the file to end with it.
func (h *Harness) Verify(p mbr.Partition) error {
	cfg := h.Config
	data, err := h.ReadFile(p, cfg.File)
	if err != nil {
		return err
	}
	want := []byte(cfg.Payload)
	ok := bytes.Equal(data, want)
	if strings.HasPrefix(cfg.Mode, "a") || strings.HasPrefix(cfg.Mode, "r+") {
		ok = bytes.Contains(data, want)
	}
	if !ok {
		return errors.Wrapf(ErrMismatch, "%s: read %q, wrote %q", cfg.File, truncate(data), truncate(want))
	}
	glog.Infof("%s holds %s as written\n", cfg.File, humanize.IBytes(uint64(len(data))))
	return nil
}

func truncate(p []byte) []byte {
	if len(p) > 32 {
		return p[:32]
	}
	return p
}
