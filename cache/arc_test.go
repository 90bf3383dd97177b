// Copyright 2021 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package cache

import (
	"math/rand"
	"testing"
	"time"

	"github.com/pkg/errors"
)

var errInjected = errors.New("injected failure")

type mapStore struct {
	m       map[Key]Value
	gets    int
	puts    int
	failGet bool
	failPut bool
}

func newMapStore() *mapStore {
	return &mapStore{m: make(map[Key]Value)}
}

func (s *mapStore) Get(k Key) (Value, error) {
	s.gets++
	if s.failGet {
		return nil, errInjected
	}
	return s.m[k], nil
}

func (s *mapStore) Put(k Key, v Value) error {
	s.puts++
	if s.failPut {
		return errInjected
	}
	s.m[k] = v
	return nil
}

func TestHitsAvoidTheBackingStore(t *testing.T) {
	s := newMapStore()
	s.m[1] = "one"
	c := New(4, s)

	for i := 0; i < 3; i++ {
		e, err := c.Get(1)
		if err != nil {
			t.Fatal(err)
		}
		if e.Value != "one" {
			t.Errorf("Get(1): got %v, want %q", e.Value, "one")
		}
	}
	if s.gets != 1 {
		t.Errorf("BackingStore.Get called %d times, want 1", s.gets)
	}
}

func TestDirtyEntriesAreCommitted(t *testing.T) {
	s := newMapStore()
	c := New(2, s)

	if err := c.Put("a", 1); err != nil {
		t.Fatal(err)
	}
	e, err := c.Get("b")
	if err != nil {
		t.Fatal(err)
	}
	e.Value = 2
	e.IsDirty = true

	if s.puts != 0 {
		t.Errorf("Writes reached the BackingStore before Flush: %d", s.puts)
	}
	if err := c.Flush(); err != nil {
		t.Fatal(err)
	}
	if s.m["a"] != 1 || s.m["b"] != 2 {
		t.Errorf("BackingStore after Flush: %v", s.m)
	}

	// Clean entries are not written again.
	if err := c.Flush(); err != nil {
		t.Fatal(err)
	}
	if s.puts != 2 {
		t.Errorf("BackingStore.Put called %d times, want 2", s.puts)
	}
}

func TestEvictionCommits(t *testing.T) {
	s := newMapStore()
	c := New(2, s)

	for i := 0; i < 8; i++ {
		if err := c.Put(i, i*i); err != nil {
			t.Fatal(err)
		}
		if c.Len() > 2 {
			t.Fatalf("Cache holds %d values, want at most 2", c.Len())
		}
	}
	if err := c.Flush(); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 8; i++ {
		if s.m[i] != i*i {
			t.Errorf("BackingStore[%d]: got %v, want %v", i, s.m[i], i*i)
		}
	}
}

func TestRandomWorkload(t *testing.T) {
	seed := time.Now().UTC().UnixNano()
	t.Log("Seed is", seed)
	r := rand.New(rand.NewSource(seed))

	s := newMapStore()
	c := New(16, s)
	want := make(map[int]int)

	for i := 0; i < 10000; i++ {
		k := r.Intn(64)
		if r.Intn(3) == 0 {
			v := r.Int()
			if err := c.Put(k, v); err != nil {
				t.Fatal(err)
			}
			want[k] = v
			continue
		}

		e, err := c.Get(k)
		if err != nil {
			t.Fatal(err)
		}
		if v, ok := want[k]; ok && e.Value != v {
			t.Fatalf("Get(%d): got %v, want %v", k, e.Value, v)
		}
		if c.Len() > 16 {
			t.Fatalf("Cache holds %d values, want at most 16", c.Len())
		}
	}

	if err := c.Flush(); err != nil {
		t.Fatal(err)
	}
	for k, v := range want {
		if s.m[k] != v {
			t.Errorf("BackingStore[%d]: got %v, want %v", k, s.m[k], v)
		}
	}
}

func TestErrors(t *testing.T) {
	s := newMapStore()
	c := New(2, s)

	s.failGet = true
	if e, err := c.Get(1); err != errInjected || e != nil {
		t.Errorf("Get with a failing store: got (%v, %v), want (nil, %v)", e, err, errInjected)
	}
	if c.Len() != 0 {
		t.Errorf("Failed Get left %d values in the cache", c.Len())
	}
	s.failGet = false

	if err := c.Put(1, "x"); err != nil {
		t.Fatal(err)
	}
	s.failPut = true
	if err := c.Flush(); errors.Cause(err) != errInjected {
		t.Errorf("Flush with a failing store: got %v, want %v", err, errInjected)
	}
	s.failPut = false
	if err := c.Flush(); err != nil {
		t.Errorf("Retried Flush: %v", err)
	}
	if s.m[1] != "x" {
		t.Errorf("BackingStore[1]: got %v, want %q", s.m[1], "x")
	}
}
