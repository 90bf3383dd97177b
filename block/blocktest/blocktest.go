// Copyright 2021 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package blocktest is a test library for testing implementations of the
// block.Device interface.
package blocktest

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/pkg/errors"

	"go.fuchsia.dev/blkemu/block"
)

const (
	numIterations = 100
)

// ReadBlocks tests the block.Device.ReadBlocks implementation.  dev must be open and buf must be
// a []byte with the same contents as dev.
func ReadBlocks(t *testing.T, dev block.Device, r *rand.Rand, buf []byte) {
	geo := dev.Geometry()
	numBlocks := geo.Blocks()

	if int64(len(buf)) != geo.Size {
		t.Fatalf("len(buf) = %v; want %v\n", len(buf), geo.Size)
	}

	// Read a random number of blocks from a random offset.
	for i := int64(0); i < numIterations; i++ {
		blk := r.Int63n(numBlocks)
		cnt := r.Int63n(numBlocks - blk)
		if cnt == 0 {
			cnt = 1
		}
		off := blk * geo.BlockSize

		expected := buf[off : off+cnt*geo.BlockSize]
		actual := make([]byte, cnt*geo.BlockSize)

		if err := dev.ReadBlocks(actual, uint64(blk), uint32(cnt)); err != nil {
			t.Errorf("Error reading %v blocks from block %v: %v\n", cnt, blk, err)
			continue
		}

		if !bytes.Equal(actual, expected) {
			t.Errorf("Mismatched byte slices for %v block read from block %v\n", cnt, blk)
		}
	}
}

// WriteBlocks tests the block.Device.WriteBlocks implementation.  dev must be open and buf must be
// a []byte with the same contents as dev.  On return buf holds the new contents of dev.
func WriteBlocks(t *testing.T, dev block.Device, r *rand.Rand, buf []byte) {
	geo := dev.Geometry()
	numBlocks := geo.Blocks()

	if int64(len(buf)) != geo.Size {
		t.Fatalf("len(buf) = %v; want %v\n", len(buf), geo.Size)
	}

	// Write a random number of blocks to a random offset.
	for i := int64(0); i < numIterations; i++ {
		blk := r.Int63n(numBlocks)
		cnt := r.Int63n(numBlocks - blk)
		if cnt == 0 {
			cnt = 1
		}

		expected := make([]byte, cnt*geo.BlockSize)
		r.Read(expected)

		if err := dev.WriteBlocks(expected, uint64(blk), uint32(cnt)); err != nil {
			t.Errorf("Error writing %v blocks to block %v: %v\n", cnt, blk, err)
			continue
		}

		copy(buf[blk*geo.BlockSize:], expected)
	}

	actual := make([]byte, geo.Size)
	if err := dev.ReadBlocks(actual, 0, uint32(numBlocks)); err != nil {
		t.Error("Error reading contents of device: ", err)
	}
	if !bytes.Equal(actual, buf) {
		t.Error("Device contents differ from expected contents")
	}
}

// ErrorPaths tests that block.Device implementations return errors when clients attempt to
// perform any operations with invalid arguments.  dev must be open.
func ErrorPaths(t *testing.T, dev block.Device) {
	geo := dev.Geometry()
	numBlocks := uint64(geo.Blocks())

	// Buffer too small for the requested block count.
	p := make([]byte, geo.BlockSize-1)
	if err := dev.ReadBlocks(p, 0, 1); errors.Cause(err) != block.ErrBlockSize {
		t.Errorf("dev.ReadBlocks with a short buffer: got %v, want %v", err, block.ErrBlockSize)
	}
	if err := dev.WriteBlocks(p, 0, 1); errors.Cause(err) != block.ErrBlockSize {
		t.Errorf("dev.WriteBlocks with a short buffer: got %v, want %v", err, block.ErrBlockSize)
	}

	// Zero block count.
	p = make([]byte, geo.BlockSize)
	if err := dev.ReadBlocks(p, 0, 0); err == nil {
		t.Error("dev.ReadBlocks returned a nil error for a zero block count")
	}

	// Range is out of bounds.
	p = make([]byte, 2*geo.BlockSize)
	if err := dev.ReadBlocks(p, numBlocks-1, 2); errors.Cause(err) != block.ErrOutOfBounds {
		t.Errorf("dev.ReadBlocks past the end: got %v, want %v", err, block.ErrOutOfBounds)
	}
	if err := dev.WriteBlocks(p, numBlocks-1, 2); errors.Cause(err) != block.ErrOutOfBounds {
		t.Errorf("dev.WriteBlocks past the end: got %v, want %v", err, block.ErrOutOfBounds)
	}
	if err := dev.ReadBlocks(p, numBlocks, 1); errors.Cause(err) != block.ErrOutOfBounds {
		t.Errorf("dev.ReadBlocks at the end: got %v, want %v", err, block.ErrOutOfBounds)
	}
}

// Lifecycle tests the open and close contract of an unopened dev.  dev is closed on return.
func Lifecycle(t *testing.T, dev block.Device) {
	if err := dev.Close(); errors.Cause(err) != block.ErrNotOpen {
		t.Errorf("Close of an unopened device: got %v, want %v", err, block.ErrNotOpen)
	}

	if err := dev.Open(); err != nil {
		t.Fatal("Error opening device: ", err)
	}
	if err := dev.Open(); errors.Cause(err) != block.ErrOpen {
		t.Errorf("Open of an open device: got %v, want %v", err, block.ErrOpen)
	}

	p := make([]byte, dev.Geometry().BlockSize)
	if err := dev.ReadBlocks(p, 0, 1); err != nil {
		t.Error("Error reading from open device: ", err)
	}

	if err := dev.Close(); err != nil {
		t.Fatal("Error closing device: ", err)
	}
	if err := dev.Close(); errors.Cause(err) != block.ErrNotOpen {
		t.Errorf("Second Close: got %v, want %v", err, block.ErrNotOpen)
	}
	if err := dev.ReadBlocks(p, 0, 1); errors.Cause(err) != block.ErrNotOpen {
		t.Errorf("ReadBlocks on a closed device: got %v, want %v", err, block.ErrNotOpen)
	}
}
