// Copyright 2021 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package ext2

import (
	"io"
	"strings"

	"github.com/pkg/errors"
)

// openMode is a parsed mode string.
type openMode struct {
	read, write bool
	create      bool
	truncate    bool
	append      bool
}

// parseMode parses a mode string as accepted by fopen(3).
func parseMode(mode string) (openMode, error) {
	s := strings.Replace(mode, "b", "", 1)
	switch s {
	case "r":
		return openMode{read: true}, nil
	case "r+":
		return openMode{read: true, write: true}, nil
	case "w":
		return openMode{write: true, create: true, truncate: true}, nil
	case "w+":
		return openMode{read: true, write: true, create: true, truncate: true}, nil
	case "a":
		return openMode{write: true, create: true, append: true}, nil
	case "a+":
		return openMode{read: true, write: true, create: true, append: true}, nil
	}
	return openMode{}, errors.Wrapf(ErrInvalidMode, "%q", mode)
}

// File is an open regular file on a mounted filesystem.
type File struct {
	v      *fs
	name   string
	ino    uint32
	in     *inode
	mode   openMode
	pos    int64
	closed bool
}

// openFile opens the file at the relative path p of v.
func (v *fs) openFile(name, p string, mode string) (*File, error) {
	m, err := parseMode(mode)
	if err != nil {
		return nil, err
	}
	if m.write && v.readOnly {
		return nil, errors.Wrapf(ErrReadOnly, "opening %s with mode %q", name, mode)
	}

	ino, in, err := v.walk(p)
	switch {
	case errors.Is(err, ErrNotExist) && m.create:
		dir, din, base, err := v.walkParent(p)
		if err != nil {
			return nil, err
		}
		if ino, in, err = v.create(dir, din, base); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	case in.isDir():
		return nil, errors.Wrapf(ErrIsDir, "%s", name)
	case m.truncate && in.size() > 0:
		if err := v.truncate(in); err != nil {
			return nil, err
		}
		t := now()
		in.Mtime, in.Ctime = t, t
		if err := v.writeInode(ino, in); err != nil {
			return nil, err
		}
	}

	f := &File{v: v, name: name, ino: ino, in: in, mode: m}
	if m.append {
		f.pos = in.size()
	}
	v.openFiles++
	return f, nil
}

// Name returns the path the file was opened with.
func (f *File) Name() string {
	return f.name
}

// Size returns the current size of the file in bytes.
func (f *File) Size() int64 {
	f.v.mu.Lock()
	defer f.v.mu.Unlock()
	return f.in.size()
}

// Read reads up to len(p) bytes from the current offset.  Holes read as zeros.
func (f *File) Read(p []byte) (int, error) {
	f.v.mu.Lock()
	defer f.v.mu.Unlock()
	if f.closed {
		return 0, ErrClosed
	}
	if !f.mode.read {
		return 0, errors.Wrapf(ErrInvalidMode, "%s is not open for reading", f.name)
	}

	size := f.in.size()
	if f.pos >= size {
		return 0, io.EOF
	}
	if rest := size - f.pos; int64(len(p)) > rest {
		p = p[:rest]
	}

	bs := f.v.l.blockSize
	n := 0
	for n < len(p) {
		lblk, off := f.pos/bs, f.pos%bs
		chunk := p[n:]
		if int64(len(chunk)) > bs-off {
			chunk = chunk[:bs-off]
		}
		phys, err := f.v.bmap(f.ino, f.in, uint64(lblk), false)
		if err != nil {
			return n, err
		}
		if phys == 0 {
			for i := range chunk {
				chunk[i] = 0
			}
		} else {
			data, _, err := f.v.blk.get(phys)
			if err != nil {
				return n, err
			}
			copy(chunk, data[off:])
		}
		n += len(chunk)
		f.pos += int64(len(chunk))
	}
	return n, nil
}

// Write writes p at the current offset, or at the end of the file in append modes.
func (f *File) Write(p []byte) (int, error) {
	f.v.mu.Lock()
	defer f.v.mu.Unlock()
	if f.closed {
		return 0, ErrClosed
	}
	if !f.mode.write {
		return 0, errors.Wrapf(ErrReadOnly, "%s is not open for writing", f.name)
	}
	if f.mode.append {
		f.pos = f.in.size()
	}

	bs := f.v.l.blockSize
	if end := uint64(f.pos) + uint64(len(p)); end > f.v.maxFileBlocks()*uint64(bs) {
		return 0, errors.Wrapf(ErrFileTooLarge, "%s: writing %d bytes at %d", f.name, len(p), f.pos)
	}

	n := 0
	var err error
	for n < len(p) {
		lblk, off := f.pos/bs, f.pos%bs
		chunk := p[n:]
		if int64(len(chunk)) > bs-off {
			chunk = chunk[:bs-off]
		}
		var phys uint32
		if phys, err = f.v.bmap(f.ino, f.in, uint64(lblk), true); err != nil {
			break
		}
		if len(chunk) == int(bs) {
			buf := make([]byte, bs)
			copy(buf, chunk)
			err = f.v.blk.put(phys, buf)
		} else {
			err = f.v.blk.update(phys, func(data []byte) error {
				copy(data[off:], chunk)
				return nil
			})
		}
		if err != nil {
			break
		}
		n += len(chunk)
		f.pos += int64(len(chunk))
		if f.pos > f.in.size() {
			f.in.setSize(f.pos)
		}
	}

	if n > 0 || err != nil {
		t := now()
		f.in.Mtime, f.in.Ctime = t, t
		if werr := f.v.writeInode(f.ino, f.in); err == nil {
			err = werr
		}
	}
	return n, err
}

// Seek sets the offset for the next Read or Write.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	f.v.mu.Lock()
	defer f.v.mu.Unlock()
	if f.closed {
		return 0, ErrClosed
	}
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset += f.pos
	case io.SeekEnd:
		offset += f.in.size()
	default:
		return 0, errors.Errorf("ext2: invalid whence %d", whence)
	}
	if offset < 0 {
		return 0, errors.Errorf("ext2: negative offset %d", offset)
	}
	f.pos = offset
	return offset, nil
}

// Close releases the file and commits the filesystem to the device.
func (f *File) Close() error {
	f.v.mu.Lock()
	defer f.v.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	f.closed = true
	f.v.openFiles--
	if !f.mode.write {
		return nil
	}
	return f.v.sync()
}
