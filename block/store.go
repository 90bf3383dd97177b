// Copyright 2021 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package block

import (
	"io"
)

// Store is a single open handle onto a backing store.  Offsets are absolute byte offsets within
// the store.  A Store is owned by exactly one Disk.
type Store interface {
	io.ReaderAt
	io.WriterAt

	// Size returns the current size of the store in bytes.
	Size() (int64, error)

	// Sync commits any buffered writes to stable storage.
	Sync() error

	// Discard releases the byte range [off, off+len).  Subsequent reads of the range return
	// zeroes.
	Discard(off, len int64) error

	// Close releases the handle.
	Close() error
}

// Backend is a kind of backing store, such as a file on the host file system or a buffer in
// memory.
type Backend interface {
	// Open opens the named store for reading and writing.  If the store does not exist, the
	// returned error satisfies os.IsNotExist.
	Open(name string) (Store, error)

	// Create creates the named store with a logical size of exactly size bytes.  Any existing
	// store with the same name is replaced.
	Create(name string, size int64) error
}
