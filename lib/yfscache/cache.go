// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package yfscache implements C5, the write-back cache: a tiny
// fully-associative cache of (object, logical-chunk) → data buffer,
// through which yfs routes every file read and write. It's grounded directly on lib/caching's generic
// Cache[K,V]/Source[K,V] pair — the same Acquire/Release pinning that
// caching.Cache already provides is exactly spec §5's "locked flag set
// for the exact span of a memcpy", so no new synchronization is
// needed here.
package yfscache

import (
	"context"

	"github.com/zhaogezhang/study-yaffs/lib/caching"
	"github.com/zhaogezhang/study-yaffs/lib/yfsaddr"
)

// DefaultSlots is n_caches, the number of fully-associative slots.
const DefaultSlots = 10

// Key identifies one cached (object, logical chunk) pair.
type Key struct {
	Object yfsaddr.ObjectID
	Chunk  yfsaddr.LogicalChunkID
}

// Slot is one cache entry's payload (spec §3 "Write-back cache"). Key
// is carried on the slot itself (rather than threaded back in through
// Flush, which lib/caching.Source doesn't pass) so that a flush knows
// which (object, logical chunk) its bytes belong to — mirroring the
// spec's slot layout, which already names "object-pointer,
// logical-chunk-id" as fields of the slot, not just the cache index.
type Slot struct {
	Key    Key
	Dirty  bool
	Length int
	Data   []byte
}

// Backend is what yfscache needs from the rest of the core to
// materialize and persist a chunk's bytes. yfs.FS implements this by
// consulting the index tree (C4) and the NAND driver.
type Backend interface {
	// LoadChunk fills buf with the current on-flash contents of key,
	// returning the valid length (which may be less than len(buf) for
	// a chunk's last, partial chunk). It must zero-fill buf for a key
	// that has never been written (a hole).
	LoadChunk(ctx context.Context, key Key, buf []byte) (n int, err error)
	// FlushChunk writes data back to flash at a newly allocated
	// chunk, updating the index tree and freeing the prior chunk.
	FlushChunk(ctx context.Context, key Key, data []byte) error
}

type source struct {
	backend   Backend
	chunkSize int
}

var _ caching.Source[Key, Slot] = (*source)(nil)

// Load fills a (possibly reused) slot for k. caching.Cache reuses a
// slot's *Slot across evictions rather than allocating a fresh one, so
// if the slot we're about to repurpose still holds a prior key's
// dirty bytes, spec §3's "a dirty victim is flushed first" happens
// right here, before the old content is overwritten.
func (s *source) Load(ctx context.Context, k Key, v *Slot) {
	if v.Dirty {
		_ = s.backend.FlushChunk(ctx, v.Key, v.Data[:v.Length])
		v.Dirty = false
	}
	if v.Data == nil {
		v.Data = make([]byte, s.chunkSize)
	}
	n, err := s.backend.LoadChunk(ctx, k, v.Data)
	if err != nil {
		n = 0
	}
	v.Key = k
	v.Length = n
}

func (s *source) Flush(ctx context.Context, v *Slot) {
	if !v.Dirty {
		return
	}
	if err := s.backend.FlushChunk(ctx, v.Key, v.Data[:v.Length]); err == nil {
		v.Dirty = false
	}
}

// Cache is C5.
type Cache struct {
	inner     caching.Cache[Key, Slot]
	chunkSize int
}

// New constructs a cache of nSlots fully-associative entries, each up
// to chunkSize bytes, backed by backend.
func New(nSlots, chunkSize int, backend Backend) *Cache {
	src := &source{backend: backend, chunkSize: chunkSize}
	return &Cache{
		inner:     caching.NewLRUCache[Key, Slot](nSlots, src),
		chunkSize: chunkSize,
	}
}

// Acquire loads (or finds already-cached) key's slot and pins it;
// the caller must call Release when done. Blocks if the cache is at
// capacity and every slot is pinned.
func (c *Cache) Acquire(ctx context.Context, key Key) *Slot {
	return c.inner.Acquire(ctx, key)
}

// Release unpins key's slot.
func (c *Cache) Release(key Key) {
	c.inner.Release(key)
}

// MarkDirty copies data into slot (growing its backing buffer if
// needed) and marks it dirty. The caller must have Acquired the slot
// first and must Release it afterward.
func (c *Cache) MarkDirty(slot *Slot, data []byte) {
	if cap(slot.Data) < len(data) {
		slot.Data = make([]byte, len(data))
	}
	slot.Data = slot.Data[:len(data)]
	copy(slot.Data, data)
	slot.Length = len(data)
	slot.Dirty = true
}

// Delete invalidates key's slot without flushing it (used when a
// chunk is deleted outright, e.g. by truncate).
func (c *Cache) Delete(key Key) {
	// caching.Cache keeps a deleted slot for reuse and flushes it
	// along with the rest, so clear Dirty before handing it back.
	slot := c.inner.Acquire(context.Background(), key)
	slot.Dirty = false
	c.inner.Release(key)
	c.inner.Delete(key)
}

// Flush writes back every dirty slot.
func (c *Cache) Flush(ctx context.Context) {
	c.inner.Flush(ctx)
}
