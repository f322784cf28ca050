// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package yfsgc implements C6, the garbage collector: block selection
// under the aggressive/leisurely/background policy tiers, priority
// retirement of blocks with unrecoverable ECC strikes, and relocation
// of a chosen block's remaining live chunks.
package yfsgc

import (
	"context"
	"errors"

	"github.com/zhaogezhang/study-yaffs/lib/yfsaddr"
	"github.com/zhaogezhang/study-yaffs/lib/yfsalloc"
	"github.com/zhaogezhang/study-yaffs/lib/yfsblock"
	"github.com/zhaogezhang/study-yaffs/lib/yfsnand"
	"github.com/zhaogezhang/study-yaffs/lib/yfstags"
)

// goodEnoughLivePages is the early-exit threshold of spec §4.6.
const goodEnoughLivePages = 2

// leisurelySampleCap bounds how many blocks a leisurely invocation
// samples.
const leisurelySampleCap = 100

// priorityRetireStrikes is how many unrecoverable-ECC reads a block
// tolerates before it's marked needs_retiring.
const priorityRetireStrikes = 3

// futileForegroundLimit and futileBackgroundLimit are the
// futile-invocation counts after which GC falls back to collecting
// the oldest-sequence dirty block regardless of its dirtiness.
const (
	futileBackgroundLimit = 10
	futileForegroundLimit = 20
)

// Verdict is what CollectBlock decided to do with one live chunk.
type Verdict int

const (
	// VerdictDeleted means the chunk's object no longer claims it (not
	// found, or tags say deleted): the source chunk is simply dropped.
	VerdictDeleted Verdict = iota
	// VerdictSoftDeleted means the owning object is soft-deleted; the
	// chunk's bookkeeping is adjusted but the object itself isn't
	// touched further here.
	VerdictSoftDeleted
	// VerdictRelocated means the chunk was live and was rewritten to a
	// new physical chunk.
	VerdictRelocated
)

// ErrNothingToCollect is returned by SelectBlock when no tier finds a
// candidate.
var ErrNothingToCollect = errors.New("yfsgc: no block selected")

// Backend is what the collector needs from the rest of the core to
// read a chunk and decide/perform the per-chunk disposition of spec
// §4.6's three sub-cases.
type Backend interface {
	// ReadChunk reads the data+tags at addr.
	ReadChunk(ctx context.Context, addr yfsaddr.PhysAddr) (data []byte, tags yfstags.ExtTags, status yfsnand.ECCStatus, err error)
	// Classify resolves the chunk's owning object and reports which of
	// the three sub-cases applies.
	Classify(ctx context.Context, tags yfstags.ExtTags) (Verdict, error)
	// Relocate rewrites a live chunk's data to a newly-allocated
	// physical chunk (using the reserve), patching the index tree (or
	// hdr_chunk) and bumping the serial number. It returns the new
	// address, for the collector to mark live in the block table.
	Relocate(ctx context.Context, tags yfstags.ExtTags, data []byte) (yfsaddr.PhysAddr, error)
	// ReclaimSoftDeleted is called once per VerdictSoftDeleted chunk
	// after its bitmap bit is cleared: it records the reclaim against
	// the owning object's live data-chunk count and, once that count
	// reaches zero, drops the object from the table entirely (spec's
	// cleanup list).
	ReclaimSoftDeleted(ctx context.Context, tags yfstags.ExtTags) error
}

// Collector is C6.
type Collector struct {
	tbl     *yfsblock.Table
	alloc   *yfsalloc.Allocator
	dev     yfsnand.Device
	geo     yfsaddr.Geometry
	backend Backend
	codec   yfstags.Codec

	lastHand yfsaddr.BlockNo

	futileForeground int
	futileBackground int
	gcNotDone        int

	strikes map[yfsaddr.BlockNo]int
}

// NewCollector constructs a collector over the given block table,
// allocator, device, and tag codec, delegating chunk-level decisions
// to backend.
func NewCollector(tbl *yfsblock.Table, alloc *yfsalloc.Allocator, dev yfsnand.Device, codec yfstags.Codec, backend Backend) *Collector {
	return &Collector{
		tbl:     tbl,
		alloc:   alloc,
		dev:     dev,
		geo:     dev.Geometry(),
		backend: backend,
		codec:   codec,
		strikes: make(map[yfsaddr.BlockNo]int),
	}
}

// Tier reports which policy tier currently applies, per spec §4.6:
// aggressive when erased blocks are below reserve+checkpoint-need,
// leisurely in the foreground otherwise, background when background
// is true.
func (c *Collector) Tier(background bool) string {
	if c.tbl.CountErased() < c.alloc.NReservedBlocks+c.alloc.CheckpointBlocksNeeded {
		return "aggressive"
	}
	if background {
		return "background"
	}
	return "leisurely"
}

func (c *Collector) dirtinessThreshold(background bool) int {
	base := c.geo.ChunksPerBlock / 8
	if background {
		base = c.geo.ChunksPerBlock / 2
	}
	raise := 2 * (c.gcNotDone + 2)
	threshold := base + raise
	if threshold > c.geo.ChunksPerBlock {
		threshold = c.geo.ChunksPerBlock
	}
	return threshold
}

// RecordECCFault flags block as gc_prioritise and counts a strike;
// the third strike marks it needs_retiring (spec's "migrated to DEAD
// on the next touch" is then performed by Touch).
func (c *Collector) RecordECCFault(block yfsaddr.BlockNo) {
	info := c.tbl.GetBlockInfo(block)
	info.GCPrioritise = true
	c.strikes[block]++
	if c.strikes[block] >= priorityRetireStrikes {
		info.NeedsRetiring = true
	}
}

// Touch retires block if it's pending retirement from prior ECC
// strikes, per spec's "migrated to DEAD on the next touch".
func (c *Collector) Touch(block yfsaddr.BlockNo) {
	if c.tbl.GetBlockInfo(block).NeedsRetiring {
		c.tbl.Retire(block)
		delete(c.strikes, block)
	}
}

// prioritizedBlock returns a gc_prioritise block, if any, since spec
// §4.6 requires GC to sweep for these before any other policy.
func (c *Collector) prioritizedBlock() (yfsaddr.BlockNo, bool) {
	n := c.tbl.NumBlocks()
	for i := 0; i < n; i++ {
		if c.tbl.GetBlockInfo(yfsaddr.BlockNo(i)).GCPrioritise {
			return yfsaddr.BlockNo(i), true
		}
	}
	return 0, false
}

// oldestDirty returns the DIRTY-eligible (i.e. FULL, since DIRTY
// blocks are already reclaimed) block with the lowest sequence
// number, for the futile-invocation fallback.
func (c *Collector) oldestDirty() (yfsaddr.BlockNo, bool) {
	best := yfsaddr.BlockNo(-1)
	var bestSeq yfsaddr.SeqNo
	found := false
	n := c.tbl.NumBlocks()
	for i := 0; i < n; i++ {
		info := c.tbl.GetBlockInfo(yfsaddr.BlockNo(i))
		if info.State != yfsblock.Full {
			continue
		}
		if !found || info.SeqNum < bestSeq {
			best = yfsaddr.BlockNo(i)
			bestSeq = info.SeqNum
			found = true
		}
	}
	return best, found
}

// SelectBlock picks the next block to collect, per spec §4.6.
func (c *Collector) SelectBlock(background bool) (yfsaddr.BlockNo, error) {
	if block, ok := c.prioritizedBlock(); ok {
		return block, nil
	}

	tier := c.Tier(background)
	n := c.tbl.NumBlocks()

	best := yfsaddr.BlockNo(-1)
	bestLive := -1
	found := false

	// score weighs a block's still-genuinely-live pages against its
	// total set bits: soft-deleted pages hold a bitmap bit but carry no
	// live data to relocate, so spec.md §4.6's "prefer such blocks"
	// rule treats them as cheaper to collect than an equal number of
	// truly-live pages.
	score := func(block yfsaddr.BlockNo) int {
		info := c.tbl.GetBlockInfo(block)
		live := c.tbl.CountChunkBits(block) - info.SoftDelPages
		if live < 0 {
			live = 0
		}
		return live
	}

	consider := func(block yfsaddr.BlockNo) bool {
		info := c.tbl.GetBlockInfo(block)
		if info.State != yfsblock.Full {
			return false
		}
		live := score(block)
		if !found || live < bestLive {
			best, bestLive, found = block, live, true
		}
		return live <= goodEnoughLivePages
	}

	switch tier {
	case "aggressive":
		for i := 0; i < n; i++ {
			if consider(yfsaddr.BlockNo(i)) {
				break
			}
		}
	default:
		threshold := c.dirtinessThreshold(tier == "background")
		samples := n/16 + 1
		if samples > leisurelySampleCap {
			samples = leisurelySampleCap
		}
		for i := 0; i < samples; i++ {
			block := yfsaddr.BlockNo((int(c.lastHand) + i) % n)
			info := c.tbl.GetBlockInfo(block)
			if info.State != yfsblock.Full {
				continue
			}
			live := score(block)
			if live > threshold {
				continue
			}
			if !found || live < bestLive {
				best, bestLive, found = block, live, true
			}
			if live <= goodEnoughLivePages {
				break
			}
		}
		c.lastHand = yfsaddr.BlockNo((int(c.lastHand) + samples) % n)
	}

	if found {
		c.gcNotDone = 0
		return best, nil
	}

	c.gcNotDone++
	limit := futileForegroundLimit
	if background {
		limit = futileBackgroundLimit
	}
	if background {
		c.futileBackground++
		if c.futileBackground < limit {
			return 0, ErrNothingToCollect
		}
	} else {
		c.futileForeground++
		if c.futileForeground < limit {
			return 0, ErrNothingToCollect
		}
	}
	if block, ok := c.oldestDirty(); ok {
		return block, nil
	}
	return 0, ErrNothingToCollect
}

// maxCopies bounds how many live chunks one CollectBlock call will
// relocate: 5 in leisurely mode, the whole block in aggressive mode.
func (c *Collector) maxCopies(background bool) int {
	if c.Tier(background) == "aggressive" {
		return c.geo.ChunksPerBlock
	}
	return 5
}

// CollectBlock relocates up to maxCopies live chunks out of block,
// then erases it if and only if it ended up empty.
func (c *Collector) CollectBlock(ctx context.Context, block yfsaddr.BlockNo, background bool) error {
	c.Touch(block)
	info := c.tbl.GetBlockInfo(block)

	if !c.tbl.StillSomeChunks(block) {
		return c.eraseIfEmpty(ctx, block)
	}

	_ = c.tbl.Transition(block, yfsblock.Collecting)

	limit := c.maxCopies(background)
	relocated := 0
	for offset := yfsaddr.ChunkOffset(0); int(offset) < c.geo.ChunksPerBlock && relocated < limit; offset++ {
		if !c.tbl.CheckChunkBit(block, offset) {
			continue
		}
		addr := c.geo.Join(block, offset)
		data, tags, status, err := c.backend.ReadChunk(ctx, addr)
		if err != nil {
			return err
		}
		if yfsnand.Policy(status) == yfsnand.ActionRetire {
			c.RecordECCFault(block)
		}

		verdict, err := c.backend.Classify(ctx, tags)
		if err != nil {
			return err
		}
		switch verdict {
		case VerdictDeleted:
			c.tbl.ClearChunkBit(block, offset)
			info.PagesInUse--
		case VerdictSoftDeleted:
			c.tbl.ClearChunkBit(block, offset)
			info.PagesInUse--
			info.SoftDelPages--
			if err := c.backend.ReclaimSoftDeleted(ctx, tags); err != nil {
				return err
			}
		case VerdictRelocated:
			newAddr, err := c.backend.Relocate(ctx, tags, data)
			if err != nil {
				return err
			}
			newBlock, newOffset := c.geo.Split(newAddr)
			c.tbl.SetChunkBit(newBlock, newOffset)
			c.tbl.GetBlockInfo(newBlock).PagesInUse++

			c.tbl.ClearChunkBit(block, offset)
			info.PagesInUse--
		}
		relocated++
	}

	if !c.tbl.StillSomeChunks(block) {
		_ = c.tbl.Transition(block, yfsblock.Dirty)
		return c.eraseBlock(ctx, block)
	}
	return nil
}

func (c *Collector) eraseIfEmpty(ctx context.Context, block yfsaddr.BlockNo) error {
	if c.tbl.GetBlockInfo(block).State == yfsblock.Full {
		_ = c.tbl.Transition(block, yfsblock.Collecting)
		_ = c.tbl.Transition(block, yfsblock.Dirty)
	}
	return c.eraseBlock(ctx, block)
}

func (c *Collector) eraseBlock(ctx context.Context, block yfsaddr.BlockNo) error {
	if err := c.dev.EraseBlock(ctx, block); err != nil {
		c.tbl.Retire(block)
		return err
	}
	info := c.tbl.GetBlockInfo(block)
	info.PagesInUse = 0
	info.SoftDelPages = 0
	info.GCPrioritise = false
	delete(c.strikes, block)
	return c.tbl.Transition(block, yfsblock.Empty)
}

// Run selects and collects a single block. ErrNothingToCollect is not
// an error the caller need treat as fatal — it just means there was
// nothing worth doing this invocation.
func (c *Collector) Run(ctx context.Context, background bool) error {
	block, err := c.SelectBlock(background)
	if err != nil {
		return err
	}
	return c.CollectBlock(ctx, block, background)
}
