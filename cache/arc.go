// Copyright 2021 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package cache provides an object cache that uses an adaptive replacement policy
// described by Megiddo & Modha in "Outperforming LRU with an Adaptive Replacement
// Cache Algorithm".
package cache

import (
	"container/list"

	"go.uber.org/multierr"
)

// Key represents a key to an object in the cache.
type Key interface{}

// Value represents a value associated with a key in the cache.
type Value interface{}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Entry represents a single entry in the cache.
type Entry struct {
	// The list.Element corresponding to this entry.
	elem *list.Element

	// The list.List to which this entry belongs.
	list *list.List

	// The key for this entry.
	key Key

	// The value associated with the key for this entry.
	Value Value

	// Indicates whether this entry has been modified.  Callers must set this field
	// to true when they modify Value.  The cache will only commit this Entry to the BackingStore
	// if IsDirty is true.
	IsDirty bool
}

// BackingStore defines the interface that the cache expects from the storage medium for which
// it is acting as a cache.
type BackingStore interface {
	// Get is called by the cache when a requested key is not found in the cache and needs
	// to be read in from the BackingStore.
	Get(Key) (Value, error)

	// Put is called by the cache when a dirty entry is flushed and should be committed to
	// the BackingStore.
	Put(Key, Value) error
}

// C represents an object cache.  C is not safe for concurrent use.
type C struct {
	lru     *list.List // Least recently used.
	lruhist *list.List // Least recently used history.
	lfu     *list.List // Least frequently used.
	lfuhist *list.List // Least frequently used history.

	p       int            // The adaptive parameter.
	size    int            // Size of the cache.
	bs      BackingStore   // Backing store for the cache.
	entries map[Key]*Entry // The actual cache entries.
}

// New returns a new, initialized Adaptive Replacement Cache holding at most size values.
func New(size int, bs BackingStore) *C {
	if size < 1 {
		size = 1
	}
	return &C{
		lru:     list.New(),
		lruhist: list.New(),
		lfu:     list.New(),
		lfuhist: list.New(),
		p:       0,
		size:    size,
		entries: make(map[Key]*Entry),
		bs:      bs,
	}
}

// commit writes e to the BackingStore if it is dirty.
func (c *C) commit(e *Entry) error {
	if !e.IsDirty {
		return nil
	}
	if err := c.bs.Put(e.key, e.Value); err != nil {
		return err
	}
	e.IsDirty = false
	return nil
}

// evict moves the last Entry from top to the front of bottom, clearing the value associated with the
// Entry and committing it to the BackingStore, if necessary.  The Entry is moved even if the commit
// fails.
func (c *C) evict(top, bottom *list.List) error {
	victim := top.Back().Value.(*Entry)

	err := c.commit(victim)
	victim.IsDirty = false
	victim.Value = nil

	// Move onto bottom.
	top.Remove(victim.elem)
	victim.elem = bottom.PushFront(victim)
	victim.list = bottom
	return err
}

// replace implements the REPLACE subroutine from the paper.
func (c *C) replace(e *Entry) error {
	lrulen := c.lru.Len()
	if lrulen >= 1 && ((e.list == c.lfuhist && lrulen == c.p) || lrulen > c.p) {
		return c.evict(c.lru, c.lruhist)
	}
	if c.lfu.Len() > 0 {
		return c.evict(c.lfu, c.lfuhist)
	}
	if lrulen > 0 {
		return c.evict(c.lru, c.lruhist)
	}
	return nil
}

// remove deletes an Entry from the cache, committing its value to the BackingStore, if necessary.
func (c *C) remove(e *Entry) error {
	err := c.commit(e)
	e.IsDirty = false
	e.Value = nil

	e.list.Remove(e.elem)
	e.list = nil
	e.elem = nil
	delete(c.entries, e.key)
	return err
}

// handleMiss implements Case IV from the paper.
func (c *C) handleMiss(e *Entry) error {
	var err error
	if l1len := c.lru.Len() + c.lruhist.Len(); c.size == l1len {
		if c.lru.Len() < c.size {
			err = multierr.Append(c.remove(c.lruhist.Back().Value.(*Entry)), c.replace(e))
		} else {
			err = c.remove(c.lru.Back().Value.(*Entry))
		}
	} else if l2len := c.lfu.Len() + c.lfuhist.Len(); l1len < c.size && l1len+l2len >= c.size {
		if l1len+l2len == 2*c.size {
			err = c.remove(c.lfuhist.Back().Value.(*Entry))
		}
		err = multierr.Append(err, c.replace(e))
	}
	e.list = c.lru
	e.elem = c.lru.PushFront(e)
	return err
}

// handleHit implements Case I from the paper.
func (c *C) handleHit(e *Entry) {
	e.list.Remove(e.elem)
	e.elem = c.lfu.PushFront(e)
	e.list = c.lfu
}

// handleFakeHit implements Case II and Case III from the paper.
func (c *C) handleFakeHit(e *Entry) error {
	// Adapt p.
	if e.list == c.lruhist {
		c.p = min(c.size, c.p+max(c.lfuhist.Len()/c.lruhist.Len(), 1))
	} else {
		c.p = max(0, c.p-max(c.lruhist.Len()/c.lfuhist.Len(), 1))
	}
	err := c.replace(e)

	c.handleHit(e)
	return err
}

// Get returns the Entry containing the Value for the Key k, fetching it from the BackingStore
// if necessary.  Callers _must_ set the IsDirty field for the returned Entry if they change the
// Value in the Entry to ensure that the change is propagated to the BackingStore.  Callers must
// also not retain the returned Entry.
//
// If the fetch fails, Get returns a nil Entry and the error.  If making room for the Entry fails to
// commit an evicted value, Get returns both the Entry and the error.
func (c *C) Get(k Key) (*Entry, error) {
	e, ok := c.entries[k]
	if !ok {
		v, err := c.bs.Get(k)
		if err != nil {
			return nil, err
		}
		e = &Entry{
			key:     k,
			Value:   v,
			IsDirty: false,
		}
		c.entries[k] = e

		return e, c.handleMiss(e)
	} else if e.list == c.lruhist || e.list == c.lfuhist {
		v, err := c.bs.Get(k)
		if err != nil {
			return nil, err
		}
		e.Value = v

		return e, c.handleFakeHit(e)
	}

	c.handleHit(e)
	return e, nil
}

// Put associates the Value v with the Key k and stores it in the cache.  It additionally marks the
// Entry dirty so that the new Value will be propagated to the BackingStore.  Callers may wish to
// use Put when they want to completely replace the Value associated with some Key and want to avoid
// a potentially expensive lookup for the Key in the BackingStore.
func (c *C) Put(k Key, v Value) error {
	e, ok := c.entries[k]
	if !ok {
		e = &Entry{
			key:     k,
			Value:   v,
			IsDirty: true,
		}
		c.entries[k] = e

		return c.handleMiss(e)
	}

	e.Value = v
	e.IsDirty = true
	if e.list == c.lruhist || e.list == c.lfuhist {
		return c.handleFakeHit(e)
	}
	c.handleHit(e)
	return nil
}

// Flush commits all dirty Entries in the cache to the BackingStore.  Entries that fail to commit
// stay dirty.
func (c *C) Flush() error {
	var err error
	for _, e := range c.entries {
		err = multierr.Append(err, c.commit(e))
	}
	return err
}

// Len returns the number of values currently held in the cache.
func (c *C) Len() int {
	return c.lru.Len() + c.lfu.Len()
}
