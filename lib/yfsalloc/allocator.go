// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package yfsalloc implements C2, the chunk allocator: at most one
// ALLOCATING block at a time, a circular scan for the next EMPTY block,
// and the reserve policy that keeps deletion from ever failing for
// lack of space.
package yfsalloc

import (
	"errors"
	"fmt"

	"github.com/zhaogezhang/study-yaffs/lib/yfsaddr"
	"github.com/zhaogezhang/study-yaffs/lib/yfsblock"
)

// ErrNoSpace is returned by AllocChunk when the device has no EMPTY
// block left to become ALLOCATING, or when the reserve policy refuses
// a non-reserve request.
var ErrNoSpace = errors.New("yfsalloc: no space")

// Allocator is C2. It holds no storage of its own beyond bookkeeping;
// the durable state is the block table it's given.
type Allocator struct {
	tbl *yfsblock.Table
	geo yfsaddr.Geometry

	// NReservedBlocks is the minimum number of EMPTY blocks (beyond
	// what a checkpoint write would need) that a non-reserve caller
	// must leave behind.
	NReservedBlocks int
	// CheckpointBlocksNeeded is calc_checkpt_blocks_required's current
	// estimate; yfs.FS keeps this updated from
	// yfscheckpoint.BlocksNeeded.
	CheckpointBlocksNeeded int

	lastHand      yfsaddr.BlockNo
	hasAllocating bool
	allocating    yfsaddr.BlockNo
	allocOffset   yfsaddr.ChunkOffset
	nextSeq       yfsaddr.SeqNo
}

// NewAllocator constructs an allocator over tbl. startSeq is the
// sequence number the first newly-selected ALLOCATING block will
// receive. A mount that replays the log passes 1 here and primes the
// counter afterwards with SetNextSeq.
func NewAllocator(tbl *yfsblock.Table, geo yfsaddr.Geometry, nReservedBlocks, checkpointBlocksNeeded int, startSeq yfsaddr.SeqNo) *Allocator {
	return &Allocator{
		tbl:                    tbl,
		geo:                    geo,
		NReservedBlocks:        nReservedBlocks,
		CheckpointBlocksNeeded: checkpointBlocksNeeded,
		nextSeq:                startSeq,
	}
}

// selectBlock scans block records circularly from the last hand and
// transitions the first EMPTY block it finds to ALLOCATING.
func (a *Allocator) selectBlock() error {
	n := a.tbl.NumBlocks()
	for i := 0; i < n; i++ {
		block := yfsaddr.BlockNo((int(a.lastHand) + i) % n)
		if a.tbl.GetBlockInfo(block).State == yfsblock.Empty {
			if err := a.tbl.Transition(block, yfsblock.Allocating); err != nil {
				return fmt.Errorf("yfsalloc: %w", err)
			}
			info := a.tbl.GetBlockInfo(block)
			info.SeqNum = a.nextSeq
			a.nextSeq++

			a.allocating = block
			a.allocOffset = 0
			a.hasAllocating = true
			a.lastHand = yfsaddr.BlockNo((int(block) + 1) % n)
			return nil
		}
	}
	return ErrNoSpace
}

// reserveOK applies the reserve policy of spec §4.2.
func (a *Allocator) reserveOK(useReserve bool) bool {
	if useReserve {
		return true
	}
	return a.tbl.CountErased()-a.CheckpointBlocksNeeded >= a.NReservedBlocks
}

// AllocChunk returns the next chunk's physical address from the
// current ALLOCATING block, selecting a new one if needed. useReserve
// grants access to the reserve pool, as required for GC-internal
// relocations and the writes that complete an object deletion.
func (a *Allocator) AllocChunk(useReserve bool) (yfsaddr.PhysAddr, error) {
	if !a.hasAllocating {
		if !a.reserveOK(useReserve) {
			return 0, ErrNoSpace
		}
		if err := a.selectBlock(); err != nil {
			return 0, err
		}
	} else if !a.reserveOK(useReserve) {
		return 0, ErrNoSpace
	}

	addr := a.geo.Join(a.allocating, a.allocOffset)
	a.tbl.SetChunkBit(a.allocating, a.allocOffset)
	a.tbl.GetBlockInfo(a.allocating).PagesInUse++
	a.allocOffset++

	if int(a.allocOffset) >= a.geo.ChunksPerBlock {
		a.forgetAllocating(yfsblock.Full)
	}
	return addr, nil
}

func (a *Allocator) forgetAllocating(next yfsblock.State) {
	_ = a.tbl.Transition(a.allocating, next)
	a.hasAllocating = false
}

// SkipRestOfBlock promotes the current ALLOCATING block to FULL
// without further writes, used when a write or erase check fails
// mid-block so that no partial block straddles a confirmed-bad
// programming event.
func (a *Allocator) SkipRestOfBlock() {
	if !a.hasAllocating {
		return
	}
	a.forgetAllocating(yfsblock.Full)
}

// AllocatingBlock reports the block currently being filled, if any.
func (a *Allocator) AllocatingBlock() (yfsaddr.BlockNo, bool) {
	return a.allocating, a.hasAllocating
}

// NextSeq previews the sequence number the next newly-selected
// ALLOCATING block will receive.
func (a *Allocator) NextSeq() yfsaddr.SeqNo {
	return a.nextSeq
}

// SetNextSeq lets the mount path prime the sequence counter from the
// highest sequence number observed during yfsscan's log replay.
func (a *Allocator) SetNextSeq(seq yfsaddr.SeqNo) {
	a.nextSeq = seq
}
