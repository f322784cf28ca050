// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package yfsaddr defines the address types used throughout the core:
// erase-block numbers, chunk offsets within a block, and the flat
// physical chunk index that the two combine into.
package yfsaddr

import (
	"fmt"

	"github.com/zhaogezhang/study-yaffs/lib/fmtutil"
)

type (
	// BlockNo identifies an erase block on the device.
	BlockNo int32
	// ChunkOffset is a chunk's position within its erase block.
	ChunkOffset int32
	// PhysAddr is the flat, device-wide physical chunk index.
	PhysAddr int64
	// ObjectID identifies an object uniquely within the volume.
	ObjectID uint32
	// LogicalChunkID is the ordinal position of a data chunk within a
	// file; 0 is reserved on-flash for the object header, so a file's
	// first data chunk is stored on-flash with chunk_id==1 but is
	// addressed here as LogicalChunkID(0).
	LogicalChunkID int64
	// SeqNo is the monotonically increasing sequence number assigned
	// to a block when it first becomes ALLOCATING.
	SeqNo uint32
)

func formatHex(v int64, f fmt.State, verb rune) {
	switch verb {
	case 'v', 's', 'q':
		fmt.Fprintf(f, fmtutil.FmtStateString(f, verb), fmt.Sprintf("%#016x", v))
	default:
		fmt.Fprintf(f, fmtutil.FmtStateString(f, verb), v)
	}
}

func (a BlockNo) Format(f fmt.State, verb rune)     { formatHex(int64(a), f, verb) }
func (a ChunkOffset) Format(f fmt.State, verb rune) { formatHex(int64(a), f, verb) }
func (a PhysAddr) Format(f fmt.State, verb rune)     { formatHex(int64(a), f, verb) }
func (a ObjectID) Format(f fmt.State, verb rune)     { formatHex(int64(a), f, verb) }

// Geometry carries the device's fixed physical parameters.
type Geometry struct {
	ChunksPerBlock int
	NumBlocks      int
	DataBytes      int // data_bytes_per_chunk
}

// NumChunks returns the device-wide total chunk count.
func (g Geometry) NumChunks() int64 {
	return int64(g.ChunksPerBlock) * int64(g.NumBlocks)
}

// Split decomposes a flat physical chunk address into its block and
// in-block offset.
func (g Geometry) Split(addr PhysAddr) (BlockNo, ChunkOffset) {
	cpb := int64(g.ChunksPerBlock)
	return BlockNo(int64(addr) / cpb), ChunkOffset(int64(addr) % cpb)
}

// Join combines a block and in-block offset into a flat physical
// chunk address.
func (g Geometry) Join(block BlockNo, offset ChunkOffset) PhysAddr {
	return PhysAddr(int64(block)*int64(g.ChunksPerBlock) + int64(offset))
}

// Valid reports whether addr names an in-range chunk.
func (g Geometry) Valid(addr PhysAddr) bool {
	return addr >= 0 && int64(addr) < g.NumChunks()
}
