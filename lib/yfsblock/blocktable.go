// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package yfsblock implements C1, the block table and free-space map:
// one record per erase block plus a bitmap of which chunks within
// each block currently carry the live copy of some (object, logical
// chunk).
package yfsblock

import (
	"fmt"

	"github.com/zhaogezhang/study-yaffs/lib/yfsaddr"
)

// State is a block's position in the state machine of spec §3/§4.1.
type State uint8

const (
	Unknown State = iota
	NeedsScan
	Scanning
	Empty
	Allocating
	Full
	Dirty
	Checkpoint
	Collecting
	Dead
)

func (s State) String() string {
	switch s {
	case Unknown:
		return "UNKNOWN"
	case NeedsScan:
		return "NEEDS_SCAN"
	case Scanning:
		return "SCANNING"
	case Empty:
		return "EMPTY"
	case Allocating:
		return "ALLOCATING"
	case Full:
		return "FULL"
	case Dirty:
		return "DIRTY"
	case Checkpoint:
		return "CHECKPOINT"
	case Collecting:
		return "COLLECTING"
	case Dead:
		return "DEAD"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// transitions enumerates the edges of the state machine in spec
// §4.1. CHECKPOINT is an orthogonal label (spec says so explicitly)
// and is applied/cleared out-of-band via SetCheckpoint, not through
// Transition.
var transitions = map[State]map[State]bool{
	Empty:      {Allocating: true},
	Allocating: {Full: true},
	Full:       {Collecting: true},
	Collecting: {Dirty: true},
	Dirty:      {Empty: true},
}

// Info is one block's record.
type Info struct {
	State         State
	SeqNum        yfsaddr.SeqNo
	PagesInUse    int
	SoftDelPages  int
	RetirePending bool
	NeedsRetiring bool
	GCPrioritise  bool
	GCStrikes     int
	IsCheckpoint  bool
}

// Table is the in-RAM block table and chunk bitmap (C1). It owns two
// parallel allocations sized to the block count, exactly as spec §4.1
// describes.
type Table struct {
	geo    yfsaddr.Geometry
	blocks []Info
	bitmap [][]byte // one row per block, ceil(chunksPerBlock/8) bytes
}

// NewTable allocates a block table with every block UNKNOWN and every
// bitmap bit clear.
func NewTable(geo yfsaddr.Geometry) *Table {
	rowBytes := (geo.ChunksPerBlock + 7) / 8
	t := &Table{
		geo:    geo,
		blocks: make([]Info, geo.NumBlocks),
		bitmap: make([][]byte, geo.NumBlocks),
	}
	for i := range t.bitmap {
		t.bitmap[i] = make([]byte, rowBytes)
	}
	return t
}

func (t *Table) checkBlock(block yfsaddr.BlockNo) {
	if int(block) < 0 || int(block) >= len(t.blocks) {
		panic(fmt.Errorf("yfsblock: block %v out of range [0,%d)", block, len(t.blocks)))
	}
}

func (t *Table) checkChunk(chunk yfsaddr.ChunkOffset) {
	if int(chunk) < 0 || int(chunk) >= t.geo.ChunksPerBlock {
		panic(fmt.Errorf("yfsblock: chunk offset %v out of range [0,%d)", chunk, t.geo.ChunksPerBlock))
	}
}

// GetBlockInfo returns the record for block. It is a programming
// error (fatal, per spec §4.1) to call this out of range.
func (t *Table) GetBlockInfo(block yfsaddr.BlockNo) *Info {
	t.checkBlock(block)
	return &t.blocks[block]
}

// NumBlocks returns the device-wide block count.
func (t *Table) NumBlocks() int { return len(t.blocks) }

// SetChunkBit marks (block, chunk) as carrying live data.
func (t *Table) SetChunkBit(block yfsaddr.BlockNo, chunk yfsaddr.ChunkOffset) {
	t.checkBlock(block)
	t.checkChunk(chunk)
	t.bitmap[block][chunk/8] |= 1 << (uint(chunk) % 8)
}

// ClearChunkBit marks (block, chunk) as not carrying live data.
func (t *Table) ClearChunkBit(block yfsaddr.BlockNo, chunk yfsaddr.ChunkOffset) {
	t.checkBlock(block)
	t.checkChunk(chunk)
	t.bitmap[block][chunk/8] &^= 1 << (uint(chunk) % 8)
}

// CheckChunkBit reports whether (block, chunk) is the current live
// copy of some (object, chunk-id).
func (t *Table) CheckChunkBit(block yfsaddr.BlockNo, chunk yfsaddr.ChunkOffset) bool {
	t.checkBlock(block)
	t.checkChunk(chunk)
	return t.bitmap[block][chunk/8]&(1<<(uint(chunk)%8)) != 0
}

// CountChunkBits returns the population count over a block's bitmap
// row.
func (t *Table) CountChunkBits(block yfsaddr.BlockNo) int {
	t.checkBlock(block)
	n := 0
	for _, b := range t.bitmap[block] {
		n += popcount(b)
	}
	return n
}

// StillSomeChunks is a fast-path check used by GC to skip blocks with
// no live chunks at all.
func (t *Table) StillSomeChunks(block yfsaddr.BlockNo) bool {
	t.checkBlock(block)
	for _, b := range t.bitmap[block] {
		if b != 0 {
			return true
		}
	}
	return false
}

func popcount(b byte) int {
	n := 0
	for b != 0 {
		n += int(b & 1)
		b >>= 1
	}
	return n
}

// Transition moves block from its current state to next, enforcing
// the state machine of spec §4.1. CHECKPOINT is handled separately by
// SetCheckpoint since it's an orthogonal label, and Dead is reachable
// from any state via Retire.
func (t *Table) Transition(block yfsaddr.BlockNo, next State) error {
	info := t.GetBlockInfo(block)
	if allowed, ok := transitions[info.State]; !ok || !allowed[next] {
		return fmt.Errorf("yfsblock: invalid transition %v -> %v for block %v", info.State, next, block)
	}
	info.State = next
	return nil
}

// Retire forces block to DEAD, as is valid from any state (spec
// §4.1's `* -> DEAD`). DEAD blocks are never reused.
func (t *Table) Retire(block yfsaddr.BlockNo) {
	info := t.GetBlockInfo(block)
	info.State = Dead
	info.RetirePending = false
}

// SetCheckpoint toggles the orthogonal CHECKPOINT label.
func (t *Table) SetCheckpoint(block yfsaddr.BlockNo, on bool) {
	t.GetBlockInfo(block).IsCheckpoint = on
}

// CountErased returns the number of EMPTY blocks, used by the
// allocator's reserve policy (spec §4.2).
func (t *Table) CountErased() int {
	n := 0
	for i := range t.blocks {
		if t.blocks[i].State == Empty {
			n++
		}
	}
	return n
}

// AllocatingBlock returns the current ALLOCATING block, with ok=false
// if there is none (testable property 2/3 of spec §8).
func (t *Table) AllocatingBlock() (yfsaddr.BlockNo, bool) {
	for i := range t.blocks {
		if t.blocks[i].State == Allocating {
			return yfsaddr.BlockNo(i), true
		}
	}
	return 0, false
}
