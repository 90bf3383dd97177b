// Copyright 2021 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package block

import (
	"io"
	"os"
	"runtime"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// openPolicy decides the geometry of a Disk and whether it may create its backing store.
type openPolicy interface {
	// geometry returns the geometry the device will have once it is open.
	geometry(iface *Iface, cur Geometry) Geometry

	// provision creates the backing store, or returns an error if the device is not
	// allowed to.
	provision(b Backend, name string, size int64) error
}

// provisioner is the policy of the device representing the whole medium.  It owns the
// geometry of the backing store and creates it on first use.
type provisioner struct{}

func (provisioner) geometry(iface *Iface, _ Geometry) Geometry {
	return Geometry{
		BlockSize:  iface.BlockSize,
		BlockCount: iface.BlockCount,
		Offset:     0,
		Size:       iface.BlockCount * iface.BlockSize,
	}
}

func (provisioner) provision(b Backend, name string, size int64) error {
	if glog.V(1) {
		glog.Infof("Provisioning %s with %d bytes\n", name, size)
	}
	return b.Create(name, size)
}

// view is the policy of a device carved out of a medium that some other device provisioned.  It
// trusts the geometry it was given and never creates or resizes the backing store.
type view struct{}

func (view) geometry(_ *Iface, cur Geometry) Geometry {
	return cur
}

func (view) provision(Backend, string, int64) error {
	return os.ErrNotExist
}

// Disk implements Device on top of a Backend.  A Disk is either the provisioning device for a
// whole medium (see NewDisk) or a view of a byte range of a medium (see NewPartition).
type Disk struct {
	backend Backend
	name    string
	iface   *Iface
	policy  openPolicy

	geo Geometry
	st  Store
}

// NewDisk returns an unopened Disk covering the whole medium described by iface.  Opening the
// returned Disk creates the backing store if it does not exist yet.
func NewDisk(b Backend, name string, iface *Iface) *Disk {
	return &Disk{
		backend: b,
		name:    name,
		iface:   iface,
		policy:  provisioner{},
	}
}

// NewPartition returns an unopened Disk covering size bytes of the medium described by iface,
// starting at byte offset.  The returned Disk never creates or resizes the backing store.
func NewPartition(b Backend, name string, iface *Iface, offset, size int64) *Disk {
	return &Disk{
		backend: b,
		name:    name,
		iface:   iface.clone(),
		policy:  view{},
		geo: Geometry{
			BlockSize:  iface.BlockSize,
			BlockCount: iface.BlockCount,
			Offset:     offset,
			Size:       size,
		},
	}
}

// Partition returns an unopened view of size bytes of d's medium starting at byte offset.  The
// view opens its own handle on the backing store; it shares nothing with d after construction.
func (d *Disk) Partition(offset, size int64) *Disk {
	return NewPartition(d.backend, d.name, d.iface, offset, size)
}

// required returns the minimum size the backing store must have for d's geometry.
func (d *Disk) required() int64 {
	size := d.iface.BlockCount * d.iface.BlockSize
	if end := d.geo.Offset + d.geo.Size; end > size {
		size = end
	}
	return size
}

// Open implements Device.Open for Disk.
func (d *Disk) Open() error {
	if d.st != nil {
		return errors.Wrapf(ErrOpen, "%s: already open", d.name)
	}
	if d.iface.BlockSize <= 0 {
		return errors.Wrapf(ErrBlockSize, "%s: block size %d", d.name, d.iface.BlockSize)
	}
	if d.geo.Offset%d.iface.BlockSize != 0 || d.geo.Size%d.iface.BlockSize != 0 {
		return errors.Wrapf(ErrBlockSize, "%s: range [%v, %v)", d.name, d.geo.Offset, d.geo.Offset+d.geo.Size)
	}

	d.geo = d.policy.geometry(d.iface, d.geo)
	if d.geo.Size <= 0 {
		return errors.Wrapf(ErrOutOfBounds, "%s: empty device", d.name)
	}
	required := d.required()

	st, err := d.backend.Open(d.name)
	if err != nil && os.IsNotExist(err) {
		if perr := d.policy.provision(d.backend, d.name, required); perr != nil && !os.IsNotExist(perr) {
			return errors.Wrapf(ErrOpen, "%s: %v", d.name, perr)
		}
		st, err = d.backend.Open(d.name)
	}
	if err != nil {
		return errors.Wrapf(ErrOpen, "%s: %v", d.name, err)
	}

	size, err := st.Size()
	if err != nil {
		st.Close()
		return errors.Wrapf(ErrOpen, "%s: %v", d.name, err)
	}
	if size < required {
		st.Close()
		return errors.Wrapf(ErrNoData, "%s: have %d bytes, need %d", d.name, size, required)
	}

	if glog.V(2) {
		glog.Info("Device name:    ", d.name)
		glog.Info("       offset:  ", d.geo.Offset)
		glog.Info("       size:    ", d.geo.Size)
		glog.Info("       blocks:  ", d.geo.BlockCount)
		glog.Info("       store:   ", size)
	}

	d.st = st
	runtime.SetFinalizer(d, func(d *Disk) {
		glog.Errorf("Device %s became unreachable before it was closed\n", d.name)
		if err := d.Close(); err != nil {
			glog.Errorf("Error closing device %s: %v", d.name, err)
		}
	})
	return nil
}

// bounds returns the byte range of the blocks [blk, blk+cnt).
func (d *Disk) bounds(blk uint64, cnt uint32, op string) (int64, int64, error) {
	if d.st == nil {
		return 0, 0, errors.Wrapf(ErrNotOpen, "%s: %s", d.name, op)
	}
	blocks := uint64(d.geo.Blocks())
	if blk >= blocks || uint64(cnt) > blocks-blk {
		return 0, 0, errors.Wrapf(ErrOutOfBounds, "%s: %s [%v, %v)", d.name, op, blk, blk+uint64(cnt))
	}
	return d.geo.Offset + int64(blk)*d.geo.BlockSize, int64(cnt) * d.geo.BlockSize, nil
}

func (d *Disk) check(p []byte, blk uint64, cnt uint32, op string) (int64, int64, error) {
	off, n, err := d.bounds(blk, cnt, op)
	if err != nil {
		return 0, 0, err
	}
	if cnt == 0 || int64(len(p)) < n {
		return 0, 0, errors.Wrapf(ErrBlockSize, "%s: %s of %d blocks into %d bytes", d.name, op, cnt, len(p))
	}
	return off, n, nil
}

// ReadBlocks implements Device.ReadBlocks for Disk.
func (d *Disk) ReadBlocks(p []byte, blk uint64, cnt uint32) error {
	off, n, err := d.check(p, blk, cnt, "read")
	if err != nil {
		return err
	}

	if glog.V(2) {
		glog.Infof("ReadBlocks: reading %v bytes from offset %#x\n", n, off)
	}

	d.iface.lock()
	defer d.iface.unlock()
	if m, err := d.st.ReadAt(p[:n], off); int64(m) < n {
		if err == nil || err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return errors.Wrapf(err, "%s: read %d of %d bytes at %#x", d.name, m, n, off)
	}
	return nil
}

// WriteBlocks implements Device.WriteBlocks for Disk.
func (d *Disk) WriteBlocks(p []byte, blk uint64, cnt uint32) error {
	off, n, err := d.check(p, blk, cnt, "write")
	if err != nil {
		return err
	}

	if glog.V(2) {
		glog.Infof("WriteBlocks: writing %v bytes to offset %#x\n", n, off)
	}

	d.iface.lock()
	defer d.iface.unlock()
	if m, err := d.st.WriteAt(p[:n], off); int64(m) < n {
		if err == nil {
			err = io.ErrShortWrite
		}
		return errors.Wrapf(err, "%s: wrote %d of %d bytes at %#x", d.name, m, n, off)
	}
	return nil
}

// Flush implements Device.Flush for Disk.
func (d *Disk) Flush() error {
	if d.st == nil {
		return errors.Wrapf(ErrNotOpen, "%s: flush", d.name)
	}
	if glog.V(2) {
		glog.Infof("Syncing device %s\n", d.name)
	}
	return d.st.Sync()
}

// Discard implements Device.Discard for Disk.
func (d *Disk) Discard(blk uint64, cnt uint32) error {
	off, n, err := d.bounds(blk, cnt, "discard")
	if err != nil || n == 0 {
		return err
	}

	if glog.V(2) {
		glog.Infof("Discarding data in range [%#x, %#x)\n", off, off+n)
	}
	return d.st.Discard(off, n)
}

// Close implements Device.Close for Disk.
func (d *Disk) Close() error {
	if d.st == nil {
		return errors.Wrapf(ErrNotOpen, "%s: close", d.name)
	}
	runtime.SetFinalizer(d, nil)

	if glog.V(2) {
		glog.Infof("Closing device %s\n", d.name)
	}

	st := d.st
	d.st = nil
	return multierr.Append(st.Sync(), st.Close())
}

// Geometry implements Device.Geometry for Disk.
func (d *Disk) Geometry() Geometry {
	return d.geo
}

// Buffer implements Device.Buffer for Disk.
func (d *Disk) Buffer() []byte {
	return d.iface.Buf
}

// Path implements Device.Path for Disk.
func (d *Disk) Path() string {
	return d.name
}

// IsOpen reports whether d currently holds a handle on its backing store.
func (d *Disk) IsOpen() bool {
	return d.st != nil
}
