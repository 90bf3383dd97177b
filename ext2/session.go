// Copyright 2021 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package ext2

import (
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.fuchsia.dev/blkemu/block"
)

type mounted struct {
	path   string
	device string
	v      *fs
}

// Session holds the devices registered for mounting and the filesystems mounted from them.  The
// devices must stay open while they are registered.
type Session struct {
	mu      sync.Mutex
	devices map[string]block.Device
	mounts  []*mounted
}

// NewSession returns an empty session.
func NewSession() *Session {
	return &Session{devices: make(map[string]block.Device)}
}

// Register makes dev mountable under name.
func (s *Session) Register(dev block.Device, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if name == "" {
		return errors.Wrap(ErrNotExist, "empty device name")
	}
	if _, ok := s.devices[name]; ok {
		return errors.Wrapf(ErrExist, "device %q", name)
	}
	s.devices[name] = dev
	return nil
}

// Unregister forgets the device registered under name.
func (s *Session) Unregister(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[name]; !ok {
		return errors.Wrapf(ErrNotExist, "device %q", name)
	}
	for _, m := range s.mounts {
		if m.device == name {
			return errors.Wrapf(ErrBusy, "device %q is mounted at %s", name, m.path)
		}
	}
	delete(s.devices, name)
	return nil
}

func cleanMountPoint(p string) (string, error) {
	if !strings.HasPrefix(p, "/") {
		return "", errors.Wrapf(ErrNotExist, "mount point %q is not absolute", p)
	}
	return path.Clean(p), nil
}

// Mount mounts the filesystem on the device registered under name at mountPoint.
func (s *Session) Mount(name, mountPoint string, readOnly bool) error {
	mp, err := cleanMountPoint(mountPoint)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	dev, ok := s.devices[name]
	if !ok {
		return errors.Wrapf(ErrNotExist, "device %q", name)
	}
	for _, m := range s.mounts {
		if m.path == mp {
			return errors.Wrapf(ErrBusy, "%s is already a mount point", mp)
		}
		if m.device == name {
			return errors.Wrapf(ErrBusy, "device %q is already mounted at %s", name, m.path)
		}
	}

	v, err := mount(dev, readOnly)
	if err != nil {
		return errors.Wrapf(err, "mounting %q", name)
	}
	s.mounts = append(s.mounts, &mounted{path: mp, device: name, v: v})
	glog.V(1).Infof("Mounted %q at %s (read-only %t)\n", name, mp, readOnly)
	return nil
}

// Umount commits and detaches the filesystem mounted at mountPoint.  It fails with ErrBusy while
// files are open on it.
func (s *Session) Umount(mountPoint string) error {
	mp, err := cleanMountPoint(mountPoint)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.mounts {
		if m.path != mp {
			continue
		}
		m.v.mu.Lock()
		defer m.v.mu.Unlock()
		if m.v.openFiles > 0 {
			return errors.Wrapf(ErrBusy, "%d files open on %s", m.v.openFiles, mp)
		}
		s.mounts = append(s.mounts[:i], s.mounts[i+1:]...)
		if err := m.v.umount(); err != nil {
			return errors.Wrapf(err, "unmounting %s", mp)
		}
		glog.V(1).Infof("Unmounted %s\n", mp)
		return nil
	}
	return errors.Wrapf(ErrNotMounted, "%s", mp)
}

// resolve returns the filesystem holding the absolute path p and p relative to its root.
func (s *Session) resolve(p string) (*fs, string, error) {
	if !strings.HasPrefix(p, "/") {
		return nil, "", errors.Wrapf(ErrNotExist, "path %q is not absolute", p)
	}
	p = path.Clean(p)

	s.mu.Lock()
	defer s.mu.Unlock()
	var best *mounted
	for _, m := range s.mounts {
		if p != m.path && m.path != "/" && !strings.HasPrefix(p, m.path+"/") {
			continue
		}
		if best == nil || len(m.path) > len(best.path) {
			best = m
		}
	}
	if best == nil {
		return nil, "", errors.Wrapf(ErrNotMounted, "%s", p)
	}
	return best.v, strings.TrimPrefix(p, best.path), nil
}

// OpenFile opens the regular file name.  mode is one of r, r+, w, w+, a or a+, optionally
// containing b.
func (s *Session) OpenFile(name, mode string) (*File, error) {
	v, rel, err := s.resolve(name)
	if err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.openFile(name, rel, mode)
}

// Mkdir creates the directory name.
func (s *Session) Mkdir(name string) error {
	v, rel, err := s.resolve(name)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.readOnly {
		return errors.Wrapf(ErrReadOnly, "mkdir %s", name)
	}
	dir, _, base, err := v.walkParent(rel)
	if err != nil {
		return err
	}
	if _, err := v.mkdir(dir, base); err != nil {
		return errors.Wrapf(err, "mkdir %s", name)
	}
	return nil
}

// InodeInfo is returned by the Sys method of the os.FileInfo values of this package.
type InodeInfo struct {
	Ino    uint32
	Links  uint16
	Blocks uint32 // 512 byte units
}

type fileInfo struct {
	name string
	ino  uint32
	in   inode
}

func (fi *fileInfo) Name() string { return fi.name }
func (fi *fileInfo) Size() int64  { return fi.in.size() }
func (fi *fileInfo) Mode() os.FileMode {
	m := os.FileMode(fi.in.Mode & 0777)
	if fi.in.isDir() {
		m |= os.ModeDir
	}
	return m
}
func (fi *fileInfo) ModTime() time.Time { return time.Unix(int64(fi.in.Mtime), 0) }
func (fi *fileInfo) IsDir() bool        { return fi.in.isDir() }
func (fi *fileInfo) Sys() interface{} {
	return InodeInfo{Ino: fi.ino, Links: fi.in.LinksCount, Blocks: fi.in.Blocks}
}

// Stat returns information about the file or directory at path.
func (s *Session) Stat(p string) (os.FileInfo, error) {
	v, rel, err := s.resolve(p)
	if err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	ino, in, err := v.walk(rel)
	if err != nil {
		return nil, err
	}
	return &fileInfo{name: path.Base(p), ino: ino, in: *in}, nil
}

// ReadDir returns the entries of the directory at path, sorted by name.
func (s *Session) ReadDir(p string) ([]os.FileInfo, error) {
	v, rel, err := s.resolve(p)
	if err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	ino, in, err := v.walk(rel)
	if err != nil {
		return nil, err
	}
	ents, err := v.entries(ino, in)
	if err != nil {
		return nil, err
	}
	infos := make([]os.FileInfo, 0, len(ents))
	for _, d := range ents {
		child, err := v.readInode(d.Inode)
		if err != nil {
			return nil, err
		}
		infos = append(infos, &fileInfo{name: d.Name, ino: d.Inode, in: *child})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name() < infos[j].Name() })
	return infos, nil
}

// Sync commits every writable mount to its device.
func (s *Session) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	for _, m := range s.mounts {
		m.v.mu.Lock()
		err = multierr.Append(err, m.v.sync())
		m.v.mu.Unlock()
	}
	return err
}

// FSInfo summarizes a mounted filesystem.
type FSInfo struct {
	BlockSize  int64
	Blocks     uint32
	FreeBlocks uint32
	Inodes     uint32
	FreeInodes uint32
	Groups     uint32
	VolumeName string
	UUID       uuid.UUID
	ReadOnly   bool
	MountCount uint16
	Clean      bool // the valid state flag, cleared while mounted read-write
}

// StatFS returns a summary of the filesystem mounted at mountPoint.
func (s *Session) StatFS(mountPoint string) (FSInfo, error) {
	mp, err := cleanMountPoint(mountPoint)
	if err != nil {
		return FSInfo{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.mounts {
		if m.path != mp {
			continue
		}
		v := m.v
		v.mu.Lock()
		defer v.mu.Unlock()
		return FSInfo{
			BlockSize:  v.l.blockSize,
			Blocks:     v.sb.BlocksCount,
			FreeBlocks: v.sb.FreeBlocksCount,
			Inodes:     v.sb.InodesCount,
			FreeInodes: v.sb.FreeInodesCount,
			Groups:     v.l.groupCount,
			VolumeName: v.sb.volumeName(),
			UUID:       uuid.UUID(v.sb.UUID),
			ReadOnly:   v.readOnly,
			MountCount: v.sb.MntCount,
			Clean:      v.sb.State&stateValid != 0,
		}, nil
	}
	return FSInfo{}, errors.Wrapf(ErrNotMounted, "%s", mp)
}
