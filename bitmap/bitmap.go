// Copyright 2021 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package bitmap provides bitmaps which can be used as trivial inode / block map allocation tables
package bitmap

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrFull is returned by Allocate when there are not enough clear bits left.
var ErrFull = errors.New("not enough free bits")

// Bitmap describes a byte slice which acts as a slice of bits.  Bit i lives in byte i/8 at
// position i%8, which is the layout ext2 uses on disk.
type Bitmap struct {
	lo uint32 // Lowest value which should be allocated
	hi uint32 // Highest value which should be allocated

	sync.Mutex
	slice         []byte
	lastAllocated uint32
}

// New transforms b into a bitmap.  The bitmap aliases b; changes are visible in both.
// When allocating from the bitmap, the structure will search in the range of lo (inclusive) to
// hi (exclusive).
func New(b []byte, lo, hi uint32) *Bitmap {
	if hi > uint32(len(b)*8) || hi <= lo {
		panic("Invalid hi argument")
	}
	return &Bitmap{
		slice:         b,
		lo:            lo,
		hi:            hi,
		lastAllocated: hi,
	}
}

// Copy returns a copy of the bitmap. lo and hi are ignored; the bitmap is returned exactly as a
// byte slice.
func (bm *Bitmap) Copy() []byte {
	c := make([]byte, len(bm.slice))
	bm.Lock()
	copy(c, bm.slice)
	bm.Unlock()
	return c
}

// Allocate finds bits set to 0 in the range of [lo, hi), and sets them to '1'. It returns ErrFull
// and leaves the bitmap untouched if it cannot allocate count bits.
func (bm *Bitmap) Allocate(count uint32) ([]uint32, error) {
	bits := make([]uint32, 0, count)
	if count == 0 {
		return bits, nil
	}

	bm.Lock()
	defer bm.Unlock()
	start := bm.lastAllocated + 1
	if start < bm.lo || bm.hi <= start {
		start = bm.lo
	}

	grab := func(from, to uint32) bool {
		for i := from; i < to; i++ {
			if !bm.get(i) {
				bm.set(i, true)
				bits = append(bits, i)
				if uint32(len(bits)) == count {
					bm.lastAllocated = i
					return true
				}
			}
		}
		return false
	}
	if grab(start, bm.hi) || grab(bm.lo, start) {
		return bits, nil
	}

	// We don't have enough space to allocate count bits. Free them.
	for _, i := range bits {
		bm.set(i, false)
	}
	return nil, errors.Wrapf(ErrFull, "want %d bits in [%d, %d)", count, bm.lo, bm.hi)
}

// Free flips the bits in the 'toFree' slice to zero, 'freeing' them.
func (bm *Bitmap) Free(toFree []uint32) {
	if len(toFree) == 0 {
		return
	}
	bm.Lock()
	for _, i := range toFree {
		bm.set(i, false)
	}
	bm.Unlock()
}

// Get returns the status of the bit in position i.
func (bm *Bitmap) Get(i uint32) bool {
	bm.Lock()
	defer bm.Unlock()
	return bm.get(i)
}

// Set sets the bit in position i to v.  Unlike Allocate it may touch bits outside [lo, hi).
func (bm *Bitmap) Set(i uint32, v bool) {
	bm.Lock()
	bm.set(i, v)
	bm.Unlock()
}

// FreeCount returns the number of clear bits in [lo, hi).
func (bm *Bitmap) FreeCount() uint32 {
	bm.Lock()
	defer bm.Unlock()
	var n uint32
	for i := bm.lo; i < bm.hi; i++ {
		if !bm.get(i) {
			n++
		}
	}
	return n
}

// Unlocked internal mechanism to get a bit status.
func (bm *Bitmap) get(i uint32) bool {
	if i >= uint32(len(bm.slice)*8) {
		panic("Bitmap Get: Index out of range")
	}

	byteIndex := i / 8
	bitIndex := i % 8

	targetByte := bm.slice[byteIndex]
	return targetByte&(1<<bitIndex) != 0
}

// Unlocked internal mechanism to set a bit status.
func (bm *Bitmap) set(i uint32, v bool) {
	if i >= uint32(len(bm.slice)*8) {
		panic("Bitmap Set: Index out of range")
	}

	byteIndex := i / 8
	bitIndex := i % 8

	if v {
		bm.slice[byteIndex] |= (1 << bitIndex)
	} else {
		bm.slice[byteIndex] &^= (1 << bitIndex)
	}
}
