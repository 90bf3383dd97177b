// Copyright 2021 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package ext2

import (
	"strings"

	"github.com/pkg/errors"
)

// newDirBlock returns the first block of a directory holding only "." and "..".
func newDirBlock(bs int64, self, parent uint32) []byte {
	p := make([]byte, bs)
	dot := direntSize(1)
	putDirent(p, dirent{Inode: self, RecLen: uint16(dot), Type: ftDir, Name: "."})
	putDirent(p[dot:], dirent{Inode: parent, RecLen: uint16(bs) - uint16(dot), Type: ftDir, Name: ".."})
	return p
}

// scanDir calls fn for every live entry of dir along with the logical block holding it, stopping
// early if fn returns false.
func (v *fs) scanDir(ino uint32, dir *inode, fn func(lblk uint64, d dirent) bool) error {
	if !dir.isDir() {
		return errors.Wrapf(ErrNotDir, "inode %d", ino)
	}
	bs := v.l.blockSize
	nblk := uint64((dir.size() + bs - 1) / bs)
	for lblk := uint64(0); lblk < nblk; lblk++ {
		phys, err := v.bmap(ino, dir, lblk, false)
		if err != nil {
			return err
		}
		if phys == 0 {
			continue
		}
		data, err := v.blk.read(phys)
		if err != nil {
			return err
		}
		for off := int64(0); off < bs; {
			d := readDirent(data[off:])
			if d.RecLen < direntHeader || off+int64(d.RecLen) > bs || direntSize(int(d.NameLen)) > int(d.RecLen) {
				return errors.Wrapf(ErrCorrupt, "directory %d block %d: entry at %d with length %d",
					ino, lblk, off, d.RecLen)
			}
			if d.Inode != 0 && !fn(lblk, d) {
				return nil
			}
			off += int64(d.RecLen)
		}
	}
	return nil
}

// lookup returns the inode number of the entry name in dir.
func (v *fs) lookup(ino uint32, dir *inode, name string) (uint32, error) {
	var found uint32
	err := v.scanDir(ino, dir, func(_ uint64, d dirent) bool {
		if d.Name == name {
			found = d.Inode
			return false
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	if found == 0 {
		return 0, errors.Wrapf(ErrNotExist, "%q", name)
	}
	return found, nil
}

// entries returns the live entries of dir other than "." and "..".
func (v *fs) entries(ino uint32, dir *inode) ([]dirent, error) {
	var ents []dirent
	err := v.scanDir(ino, dir, func(_ uint64, d dirent) bool {
		if d.Name != "." && d.Name != ".." {
			ents = append(ents, d)
		}
		return true
	})
	return ents, err
}

// addEntry links ino into dir under name, reusing slack in an existing block when possible and
// growing the directory by a block otherwise.  The updated dir inode is written back.
func (v *fs) addEntry(dirIno uint32, dir *inode, name string, ino uint32, ft uint8) error {
	bs := v.l.blockSize
	need := direntSize(len(name))
	nblk := uint64((dir.size() + bs - 1) / bs)
	t := now()

	for lblk := uint64(0); lblk < nblk; lblk++ {
		phys, err := v.bmap(dirIno, dir, lblk, false)
		if err != nil {
			return err
		}
		if phys == 0 {
			continue
		}
		placed := false
		err = v.blk.update(phys, func(p []byte) error {
			for off := 0; off < int(bs); {
				d := readDirent(p[off:])
				if d.RecLen < direntHeader || off+int(d.RecLen) > int(bs) {
					return errors.Wrapf(ErrCorrupt, "directory %d block %d: entry at %d with length %d",
						dirIno, lblk, off, d.RecLen)
				}
				if d.Inode == 0 && int(d.RecLen) >= need {
					putDirent(p[off:], dirent{Inode: ino, RecLen: d.RecLen, Type: ft, Name: name})
					placed = true
					return nil
				}
				if used := direntSize(int(d.NameLen)); d.Inode != 0 && int(d.RecLen)-used >= need {
					rest := d.RecLen - uint16(used)
					d.RecLen = uint16(used)
					putDirent(p[off:], d)
					putDirent(p[off+used:], dirent{Inode: ino, RecLen: rest, Type: ft, Name: name})
					placed = true
					return nil
				}
				off += int(d.RecLen)
			}
			return nil
		})
		if err != nil {
			return err
		}
		if placed {
			dir.Mtime, dir.Ctime = t, t
			return v.writeInode(dirIno, dir)
		}
	}

	phys, err := v.bmap(dirIno, dir, nblk, true)
	if err != nil {
		return err
	}
	p := make([]byte, bs)
	putDirent(p, dirent{Inode: ino, RecLen: uint16(bs), Type: ft, Name: name})
	if err := v.blk.put(phys, p); err != nil {
		return err
	}
	dir.setSize(int64(nblk+1) * bs)
	dir.Mtime, dir.Ctime = t, t
	return v.writeInode(dirIno, dir)
}

// mkdir creates the directory name in the directory parent and returns its inode number.
func (v *fs) mkdir(parent uint32, name string) (uint32, error) {
	pin, err := v.readInode(parent)
	if err != nil {
		return 0, err
	}
	if _, err := v.lookup(parent, pin, name); err == nil {
		return 0, errors.Wrapf(ErrExist, "%q", name)
	} else if !errors.Is(err, ErrNotExist) {
		return 0, err
	}

	goal, _ := v.l.inodeGroup(parent)
	ino, err := v.allocInode(goal, true)
	if err != nil {
		return 0, err
	}
	goal, _ = v.l.inodeGroup(ino)
	blk, err := v.allocBlock(goal)
	if err != nil {
		return 0, err
	}
	if err := v.blk.put(blk, newDirBlock(v.l.blockSize, ino, parent)); err != nil {
		return 0, err
	}

	t := now()
	in := &inode{
		Mode:       sIFDIR | 0755,
		Atime:      t,
		Ctime:      t,
		Mtime:      t,
		LinksCount: 2,
		Blocks:     v.l.sectorsPerBlock(),
	}
	if ino == firstIno {
		in.Mode = sIFDIR | 0700
	}
	in.Block[0] = blk
	in.setSize(v.l.blockSize)
	if err := v.writeInode(ino, in); err != nil {
		return 0, err
	}

	pin.LinksCount++
	if err := v.addEntry(parent, pin, name, ino, ftDir); err != nil {
		return 0, err
	}
	return ino, nil
}

// create makes an empty regular file name in the directory parent.
func (v *fs) create(parent uint32, pin *inode, name string) (uint32, *inode, error) {
	goal, _ := v.l.inodeGroup(parent)
	ino, err := v.allocInode(goal, false)
	if err != nil {
		return 0, nil, err
	}
	t := now()
	in := &inode{
		Mode:       sIFREG | 0644,
		Atime:      t,
		Ctime:      t,
		Mtime:      t,
		LinksCount: 1,
	}
	if err := v.writeInode(ino, in); err != nil {
		return 0, nil, err
	}
	if err := v.addEntry(parent, pin, name, ino, ftRegFile); err != nil {
		return 0, nil, err
	}
	return ino, in, nil
}

// splitPath returns the components of the relative path p.
func splitPath(p string) ([]string, error) {
	var parts []string
	for _, s := range strings.Split(p, "/") {
		if s == "" || s == "." {
			continue
		}
		if len(s) > nameMax {
			return nil, errors.Wrapf(ErrNameTooLong, "%.32q...", s)
		}
		parts = append(parts, s)
	}
	return parts, nil
}

// walk resolves the path p relative to the root directory.
func (v *fs) walk(p string) (uint32, *inode, error) {
	parts, err := splitPath(p)
	if err != nil {
		return 0, nil, err
	}
	ino := uint32(rootIno)
	in, err := v.readInode(ino)
	if err != nil {
		return 0, nil, err
	}
	for i, name := range parts {
		if !in.isDir() {
			return 0, nil, errors.Wrapf(ErrNotDir, "/%s", strings.Join(parts[:i], "/"))
		}
		if ino, err = v.lookup(ino, in, name); err != nil {
			return 0, nil, errors.Wrapf(err, "/%s", strings.Join(parts[:i+1], "/"))
		}
		if in, err = v.readInode(ino); err != nil {
			return 0, nil, err
		}
	}
	return ino, in, nil
}

// walkParent resolves the directory holding the last component of p and returns it along with
// that component.  The root has no parent and yields ErrExist.
func (v *fs) walkParent(p string) (uint32, *inode, string, error) {
	parts, err := splitPath(p)
	if err != nil {
		return 0, nil, "", err
	}
	if len(parts) == 0 {
		return 0, nil, "", errors.Wrap(ErrExist, "/")
	}
	dir, name := strings.Join(parts[:len(parts)-1], "/"), parts[len(parts)-1]
	ino, in, err := v.walk(dir)
	if err != nil {
		return 0, nil, "", err
	}
	if !in.isDir() {
		return 0, nil, "", errors.Wrapf(ErrNotDir, "/%s", dir)
	}
	return ino, in, name, nil
}
