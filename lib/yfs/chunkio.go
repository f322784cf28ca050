// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package yfs

import (
	"context"
	"fmt"

	"github.com/zhaogezhang/study-yaffs/lib/yfsaddr"
	"github.com/zhaogezhang/study-yaffs/lib/yfstags"
)

// defaultWriteAttempts bounds the retry loop in writeChunk when the
// driver reports a write failure, so a persistently failing device
// can't spin mount/write operations forever (spec §6's wr_attempts is
// silent on an upper bound; this façade picks one and retires the
// offending block on each failed attempt).
const defaultWriteAttempts = 4

// writeChunk allocates a new physical chunk, encodes tags+payload into
// it, and writes it through the driver, retrying on a fresh chunk (and
// retiring the failing block) up to defaultWriteAttempts times.
func (fs *FS) writeChunk(ctx context.Context, tags yfstags.ExtTags, payload []byte, useReserve bool) (yfsaddr.PhysAddr, error) {
	var lastErr error
	for attempt := 0; attempt < defaultWriteAttempts; attempt++ {
		addr, err := fs.alloc.AllocChunk(useReserve)
		if err != nil {
			return 0, err
		}
		block, offset := fs.geo.Split(addr)
		tags.BlockSeq = uint32(fs.tbl.GetBlockInfo(block).SeqNum)

		data := make([]byte, fs.geo.DataBytes)
		copy(data, payload)
		oob := fs.codec.Encode(data, tags)

		if err := fs.dev.WriteChunk(ctx, block, offset, data, oob); err != nil {
			lastErr = err
			fs.tbl.ClearChunkBit(block, offset)
			info := fs.tbl.GetBlockInfo(block)
			info.PagesInUse--
			info.RetirePending = true
			fs.alloc.SkipRestOfBlock()
			continue
		}
		return addr, nil
	}
	return 0, fmt.Errorf("yfs: writeChunk: %d consecutive failures: %w", defaultWriteAttempts, lastErr)
}

// writeChunkForRelocation is writeChunk for the one caller
// (yfsgc.Backend.Relocate) whose own caller (Collector.CollectBlock)
// marks the returned address live in the block table itself, per
// yfsgc.Backend's doc comment. writeChunk's underlying allocator
// unconditionally marks every chunk it hands out live, so this undoes
// that single accounting step to avoid double-counting PagesInUse.
func (fs *FS) writeChunkForRelocation(ctx context.Context, tags yfstags.ExtTags, payload []byte) (yfsaddr.PhysAddr, error) {
	addr, err := fs.writeChunk(ctx, tags, payload, true)
	if err != nil {
		return 0, err
	}
	block, offset := fs.geo.Split(addr)
	fs.tbl.ClearChunkBit(block, offset)
	fs.tbl.GetBlockInfo(block).PagesInUse--
	return addr, nil
}

// deleteChunk clears addr's liveness bit and decrements its block's
// in-use count, used when a chunk is outright superseded or the
// object owning it is gone.
func (fs *FS) deleteChunk(addr yfsaddr.PhysAddr) {
	block, offset := fs.geo.Split(addr)
	if !fs.tbl.CheckChunkBit(block, offset) {
		return
	}
	fs.tbl.ClearChunkBit(block, offset)
	info := fs.tbl.GetBlockInfo(block)
	info.PagesInUse--
}

// softDeleteChunk marks addr as soft-deleted (spec §4.4/§4.6): the
// bitmap bit is left set (the chunk still occupies space and is still
// readable for forward-scan recovery) but its block's soft-delete
// accounting is bumped so the free-space estimate can tell apportioned
// pages apart from truly-free ones.
func (fs *FS) softDeleteChunk(addr yfsaddr.PhysAddr) {
	block, _ := fs.geo.Split(addr)
	fs.tbl.GetBlockInfo(block).SoftDelPages++
}

// rawRead reads a chunk's full data+tags through the driver and codec.
func (fs *FS) rawRead(ctx context.Context, addr yfsaddr.PhysAddr) ([]byte, yfstags.ExtTags, error) {
	block, offset := fs.geo.Split(addr)
	data := make([]byte, fs.geo.DataBytes)
	oob := make([]byte, yfstags.InlineSize)
	if _, err := fs.dev.ReadChunk(ctx, block, offset, data, oob); err != nil {
		return nil, yfstags.ExtTags{}, err
	}
	tags, err := fs.codec.Decode(data, oob)
	if err != nil {
		return nil, yfstags.ExtTags{}, err
	}
	return data, tags, nil
}

// resolveChunk finds the physical address a file's logical chunk is
// currently stored at, expanding a >1-sized chunk group by consulting
// the block bitmap and tags, as yfstree.Tree documents callers must
// (spec §4.4 "find chunk in group").
func (fs *FS) resolveChunk(ctx context.Context, objID yfsaddr.ObjectID, tree yfstreeLike, logical yfsaddr.LogicalChunkID) (yfsaddr.PhysAddr, bool) {
	groupIdx, ok := tree.Lookup(logical)
	if !ok {
		return 0, false
	}
	return fs.resolveGroupChunk(ctx, objID, groupIdx, tree.GroupSize(), logical)
}

// resolveGroupChunk is resolveChunk's bitmap/tag search, factored out
// so a soft-delete walk (which already has the group index from the
// tree callback, not a fresh Lookup) can reuse it. A candidate chunk
// is only ever live when its bitmap bit is set (spec.md's bitmap-hit
// rule); tags are consulted in addition, never instead, once
// groupSize>1 makes a single group index ambiguous between chunks.
func (fs *FS) resolveGroupChunk(ctx context.Context, objID yfsaddr.ObjectID, groupIdx yfsaddr.PhysAddr, groupSize int64, logical yfsaddr.LogicalChunkID) (yfsaddr.PhysAddr, bool) {
	base := groupIdx * yfsaddr.PhysAddr(groupSize)
	if groupSize == 1 {
		block, offset := fs.geo.Split(base)
		if !fs.tbl.CheckChunkBit(block, offset) {
			return 0, false
		}
		return base, true
	}
	for i := int64(0); i < groupSize; i++ {
		candidate := base + yfsaddr.PhysAddr(i)
		block, offset := fs.geo.Split(candidate)
		if !fs.tbl.CheckChunkBit(block, offset) {
			continue
		}
		_, tags, err := fs.rawRead(ctx, candidate)
		if err != nil {
			continue
		}
		if tags.ObjectID == objID && !tags.IsHeader() && tags.LogicalChunk() == logical {
			return candidate, true
		}
	}
	return 0, false
}

// yfstreeLike is the subset of *yfstree.Tree that resolveChunk and the
// cache/GC backends need; declared locally so chunkio.go doesn't
// import yfstree just for a type name already aliased through
// yfsobj.FilePayload's opaque Tree field.
type yfstreeLike = interface {
	Lookup(id yfsaddr.LogicalChunkID) (yfsaddr.PhysAddr, bool)
	GroupSize() int64
	Insert(id yfsaddr.LogicalChunkID, addr yfsaddr.PhysAddr)
}
