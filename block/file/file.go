// Copyright 2021 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package file implements the block.Backend interface backed by a traditional file.
package file

import (
	"os"

	"github.com/dustin/go-humanize"
	"github.com/golang/glog"
	"github.com/pkg/errors"

	"go.fuchsia.dev/blkemu/block"
)

// Backend creates and opens backing stores that are files on the host file system.  Store names
// are file paths.
type Backend struct {
	// Perm is the permission used when creating a file.  Zero means 0644.
	Perm os.FileMode
}

func (b Backend) perm() os.FileMode {
	if b.Perm == 0 {
		return 0644
	}
	return b.Perm
}

// Open implements block.Backend.Open for Backend.
func (b Backend) Open(name string) (block.Store, error) {
	f, err := os.OpenFile(name, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, &os.PathError{
			Op:   "Open",
			Path: name,
			Err:  err,
		}
	}

	if glog.V(2) {
		glog.Info("File name:      ", info.Name())
		glog.Info("     size:      ", info.Size())
		glog.Info("     mode:      ", info.Mode())
	}

	return &File{f: f, info: info}, nil
}

// Create implements block.Backend.Create for Backend.  The file is extended by writing a single
// byte at its last offset, so on most host file systems it is sparse.
func (b Backend) Create(name string, size int64) error {
	if size <= 0 {
		return &os.PathError{
			Op:   "Create",
			Path: name,
			Err:  errors.Errorf("invalid size %d", size),
		}
	}

	glog.Infof("Creating %s (%s)\n", name, humanize.IBytes(uint64(size)))

	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, b.perm())
	if err != nil {
		return err
	}
	if _, err := f.WriteAt([]byte{0}, size-1); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// File is a block.Store backed by an open file.
type File struct {
	f    *os.File
	info os.FileInfo
}

// Size implements block.Store.Size for File.  For block special files the size reported by the
// kernel is used; otherwise it is the size reported by Stat().
func (f *File) Size() (int64, error) {
	if f.info.Mode()&os.ModeDevice != 0 {
		if size, err := ioctlBlockGetSize(f.f.Fd()); err == nil {
			return size, nil
		}
	}

	info, err := f.f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// SectorSize returns the logical sector size of a block special file, or def for regular files
// and when the kernel cannot report it.
func (f *File) SectorSize(def int64) int64 {
	if f.info.Mode()&os.ModeDevice != 0 {
		if ssz, err := ioctlBlockGetSectorSize(f.f.Fd()); err == nil {
			return ssz
		}
	}
	return def
}

// ReadAt implements io.ReaderAt for File.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	return f.f.ReadAt(p, off)
}

// WriteAt implements io.WriterAt for File.
func (f *File) WriteAt(p []byte, off int64) (int, error) {
	return f.f.WriteAt(p, off)
}

// Sync implements block.Store.Sync for File.
func (f *File) Sync() error {
	return f.f.Sync()
}

// Discard implements block.Store.Discard for File.
func (f *File) Discard(off, len int64) error {
	if f.info.Mode()&os.ModeDevice != 0 {
		return ioctlBlockDiscard(f.f.Fd(), uint64(off), uint64(len))
	}
	return fallocate(f.f.Fd(), off, len)
}

// Close implements block.Store.Close for File.
func (f *File) Close() error {
	if glog.V(2) {
		glog.Infof("Closing file %s\n", f.info.Name())
	}
	return f.f.Close()
}

// NewDisk returns the provisioning block.Disk for the image at path.
func NewDisk(path string, iface *block.Iface) *block.Disk {
	return block.NewDisk(Backend{}, path, iface)
}

// NewPartition returns a block.Disk covering size bytes of the image at path, starting at byte
// offset.
func NewPartition(path string, iface *block.Iface, offset, size int64) *block.Disk {
	return block.NewPartition(Backend{}, path, iface, offset, size)
}
