// Copyright 2021 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package mem provides an in-memory implementation of block.Backend.
package mem

import (
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"

	"go.fuchsia.dev/blkemu/block"
)

// Backend implements block.Backend using named byte slices.  The zero value is not usable; use
// New.
type Backend struct {
	mu     sync.Mutex
	stores map[string][]byte
}

// New returns an empty Backend.
func New() *Backend {
	return &Backend{stores: make(map[string][]byte)}
}

// Open implements block.Backend.Open for Backend.
func (b *Backend) Open(name string) (block.Store, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.stores[name]; !ok {
		return nil, &os.PathError{Op: "open", Path: name, Err: os.ErrNotExist}
	}
	return &Store{b: b, name: name}, nil
}

// Create implements block.Backend.Create for Backend.
func (b *Backend) Create(name string, size int64) error {
	if size <= 0 {
		return &os.PathError{Op: "create", Path: name, Err: errors.Errorf("invalid size %d", size)}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.stores[name] = make([]byte, size)
	return nil
}

// Put replaces the contents of the named store with a copy of data, creating it if necessary.
func (b *Backend) Put(name string, data []byte) {
	c := make([]byte, len(data))
	copy(c, data)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.stores[name] = c
}

// Bytes returns a copy of the contents of the named store.
func (b *Backend) Bytes(name string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	data, ok := b.stores[name]
	if !ok {
		return nil, false
	}
	c := make([]byte, len(data))
	copy(c, data)
	return c, true
}

// Truncate changes the size of the named store, discarding or zero-extending its contents.
func (b *Backend) Truncate(name string, size int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	data, ok := b.stores[name]
	if !ok {
		return &os.PathError{Op: "truncate", Path: name, Err: os.ErrNotExist}
	}
	if size <= int64(len(data)) {
		b.stores[name] = data[:size:size]
		return nil
	}
	grown := make([]byte, size)
	copy(grown, data)
	b.stores[name] = grown
	return nil
}

// Remove deletes the named store.
func (b *Backend) Remove(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.stores, name)
}

// Store is an open handle on a store in a Backend.
type Store struct {
	b      *Backend
	name   string
	closed bool
}

func (s *Store) data() ([]byte, error) {
	if s.closed {
		return nil, os.ErrClosed
	}
	data, ok := s.b.stores[s.name]
	if !ok {
		return nil, &os.PathError{Op: "read", Path: s.name, Err: os.ErrNotExist}
	}
	return data, nil
}

// ReadAt implements io.ReaderAt for Store.
func (s *Store) ReadAt(p []byte, off int64) (int, error) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	data, err := s.data()
	if err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, errors.Errorf("negative offset %d", off)
	}
	if off >= int64(len(data)) {
		return 0, io.EOF
	}
	n := copy(p, data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt for Store.  Writes past the end of the store extend it.
func (s *Store) WriteAt(p []byte, off int64) (int, error) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	data, err := s.data()
	if err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, errors.Errorf("negative offset %d", off)
	}
	if end := off + int64(len(p)); end > int64(len(data)) {
		grown := make([]byte, end)
		copy(grown, data)
		data = grown
		s.b.stores[s.name] = data
	}
	return copy(data[off:], p), nil
}

// Size implements block.Store.Size for Store.
func (s *Store) Size() (int64, error) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	data, err := s.data()
	if err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

// Sync implements block.Store.Sync for Store.
func (s *Store) Sync() error {
	if s.closed {
		return os.ErrClosed
	}
	return nil
}

// Discard implements block.Store.Discard for Store by zeroing the range.
func (s *Store) Discard(off, n int64) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	data, err := s.data()
	if err != nil {
		return err
	}
	end := off + n
	if off < 0 || end > int64(len(data)) {
		return errors.Errorf("discard range [%v, %v) is out of bounds", off, end)
	}
	for i := off; i < end; i++ {
		data[i] = 0
	}
	return nil
}

// Close implements block.Store.Close for Store.
func (s *Store) Close() error {
	if s.closed {
		return os.ErrClosed
	}
	s.closed = true
	return nil
}

// NewDisk returns the provisioning block.Disk for the named store in b.
func NewDisk(b *Backend, name string, iface *block.Iface) *block.Disk {
	return block.NewDisk(b, name, iface)
}
