// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package yfsgc_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhaogezhang/study-yaffs/lib/yfsaddr"
	"github.com/zhaogezhang/study-yaffs/lib/yfsalloc"
	"github.com/zhaogezhang/study-yaffs/lib/yfsblock"
	"github.com/zhaogezhang/study-yaffs/lib/yfsgc"
	"github.com/zhaogezhang/study-yaffs/lib/yfsnand"
	"github.com/zhaogezhang/study-yaffs/lib/yfstags"
)

type fakeBackend struct {
	dev        *yfsnand.SimDevice
	geo        yfsaddr.Geometry
	codec      yfstags.Codec
	deleted    map[yfsaddr.ObjectID]bool
	softDelete map[yfsaddr.ObjectID]bool
	relocated  []yfsaddr.ObjectID
	reclaimed  []yfsaddr.ObjectID
}

func (b *fakeBackend) ReadChunk(ctx context.Context, addr yfsaddr.PhysAddr) ([]byte, yfstags.ExtTags, yfsnand.ECCStatus, error) {
	block, offset := b.geo.Split(addr)
	data := make([]byte, b.geo.DataBytes)
	oob := make([]byte, yfstags.InlineSize)
	status, err := b.dev.ReadChunk(ctx, block, offset, data, oob)
	if err != nil {
		return nil, yfstags.ExtTags{}, status, err
	}
	tags, err := b.codec.Decode(data, oob)
	return data, tags, status, err
}

func (b *fakeBackend) Classify(ctx context.Context, tags yfstags.ExtTags) (yfsgc.Verdict, error) {
	if b.deleted[tags.ObjectID] {
		return yfsgc.VerdictDeleted, nil
	}
	if b.softDelete[tags.ObjectID] {
		return yfsgc.VerdictSoftDeleted, nil
	}
	return yfsgc.VerdictRelocated, nil
}

func (b *fakeBackend) ReclaimSoftDeleted(ctx context.Context, tags yfstags.ExtTags) error {
	b.reclaimed = append(b.reclaimed, tags.ObjectID)
	return nil
}

func (b *fakeBackend) Relocate(ctx context.Context, tags yfstags.ExtTags, data []byte) (yfsaddr.PhysAddr, error) {
	b.relocated = append(b.relocated, tags.ObjectID)
	// relocate into the next block over, chunk 0, to keep the test simple.
	addr := b.geo.Join(1, 0)
	block, offset := b.geo.Split(addr)
	oob := b.codec.Encode(data, tags)
	if err := b.dev.WriteChunk(ctx, block, offset, data, oob); err != nil {
		return 0, err
	}
	return addr, nil
}

func setup(t *testing.T) (*yfsblock.Table, *yfsalloc.Allocator, *fakeBackend, yfsaddr.Geometry) {
	t.Helper()
	geo := yfsaddr.Geometry{ChunksPerBlock: 4, NumBlocks: 4, DataBytes: 64}
	tbl := yfsblock.NewTable(geo)
	for i := 0; i < geo.NumBlocks; i++ {
		tbl.GetBlockInfo(yfsaddr.BlockNo(i)).State = yfsblock.Empty
	}
	alloc := yfsalloc.NewAllocator(tbl, geo, 0, 0, 1)
	dev := yfsnand.NewSimDevice(geo)
	backend := &fakeBackend{
		dev:        dev,
		geo:        geo,
		codec:      yfstags.OOBCodec{},
		deleted:    make(map[yfsaddr.ObjectID]bool),
		softDelete: make(map[yfsaddr.ObjectID]bool),
	}
	return tbl, alloc, backend, geo
}

func writeLiveChunk(t *testing.T, tbl *yfsblock.Table, backend *fakeBackend, block yfsaddr.BlockNo, offset yfsaddr.ChunkOffset, obj yfsaddr.ObjectID) {
	t.Helper()
	data := make([]byte, backend.geo.DataBytes)
	tags := yfstags.ExtTags{ObjectID: obj, ChunkID: 1}
	oob := backend.codec.Encode(data, tags)
	require.NoError(t, backend.dev.WriteChunk(context.Background(), block, offset, data, oob))
	tbl.SetChunkBit(block, offset)
	tbl.GetBlockInfo(block).PagesInUse++
}

func TestCollectEmptyBlockErasesDirectly(t *testing.T) {
	t.Parallel()
	tbl, alloc, backend, _ := setup(t)
	tbl.GetBlockInfo(0).State = yfsblock.Full
	gc := yfsgc.NewCollector(tbl, alloc, backend.dev, backend.codec, backend)

	require.NoError(t, gc.CollectBlock(context.Background(), 0, false))
	assert.Equal(t, yfsblock.Empty, tbl.GetBlockInfo(0).State)
}

func TestCollectRelocatesLiveChunks(t *testing.T) {
	t.Parallel()
	tbl, alloc, backend, _ := setup(t)
	tbl.GetBlockInfo(1).State = yfsblock.Full
	writeLiveChunk(t, tbl, backend, 0, 1, 42)
	tbl.GetBlockInfo(0).State = yfsblock.Full

	gc := yfsgc.NewCollector(tbl, alloc, backend.dev, backend.codec, backend)
	require.NoError(t, gc.CollectBlock(context.Background(), 0, false))

	assert.Contains(t, backend.relocated, yfsaddr.ObjectID(42))
	assert.Equal(t, yfsblock.Empty, tbl.GetBlockInfo(0).State)
	assert.True(t, tbl.CheckChunkBit(1, 0))
}

func TestCollectDropsDeletedChunk(t *testing.T) {
	t.Parallel()
	tbl, alloc, backend, _ := setup(t)
	backend.deleted[99] = true
	writeLiveChunk(t, tbl, backend, 0, 0, 99)
	tbl.GetBlockInfo(0).State = yfsblock.Full

	gc := yfsgc.NewCollector(tbl, alloc, backend.dev, backend.codec, backend)
	require.NoError(t, gc.CollectBlock(context.Background(), 0, false))

	assert.Empty(t, backend.relocated)
	assert.Equal(t, yfsblock.Empty, tbl.GetBlockInfo(0).State)
}

func TestPriorityRetireAfterThreeStrikes(t *testing.T) {
	t.Parallel()
	tbl, alloc, backend, _ := setup(t)
	tbl.GetBlockInfo(2).State = yfsblock.Full

	gc := yfsgc.NewCollector(tbl, alloc, backend.dev, backend.codec, backend)
	gc.RecordECCFault(2)
	gc.RecordECCFault(2)
	assert.False(t, tbl.GetBlockInfo(2).NeedsRetiring)
	gc.RecordECCFault(2)
	assert.True(t, tbl.GetBlockInfo(2).NeedsRetiring)

	gc.Touch(2)
	assert.Equal(t, yfsblock.Dead, tbl.GetBlockInfo(2).State)
}

// TestCollectSoftDeletedChunkAccounting covers the cleanup-list path
// (spec.md §4.6): a block holding one soft-deleted object's chunk,
// with SoftDelPages already bumped the way Unlink's tree walk does it,
// must come back out of CollectBlock with SoftDelPages at zero (never
// negative) and the backend notified so it can drop the object once
// its last chunk is reclaimed — spec.md:195's invariant that
// sum(pages_in_use - soft_del_pages) over all blocks stays consistent
// with the device's total chunk count.
func TestCollectSoftDeletedChunkAccounting(t *testing.T) {
	t.Parallel()
	tbl, alloc, backend, _ := setup(t)
	backend.softDelete[7] = true
	writeLiveChunk(t, tbl, backend, 0, 0, 7)
	tbl.GetBlockInfo(0).State = yfsblock.Full
	tbl.GetBlockInfo(0).SoftDelPages = 1

	gc := yfsgc.NewCollector(tbl, alloc, backend.dev, backend.codec, backend)
	require.NoError(t, gc.CollectBlock(context.Background(), 0, false))

	assert.Contains(t, backend.reclaimed, yfsaddr.ObjectID(7))
	assert.GreaterOrEqual(t, tbl.GetBlockInfo(0).SoftDelPages, 0)
	assert.Equal(t, 0, tbl.GetBlockInfo(0).SoftDelPages)
	assert.Equal(t, 0, tbl.GetBlockInfo(0).PagesInUse)
}

// TestSelectBlockPrefersSoftDeleteHeavyBlock checks that a block whose
// set bits are mostly soft-deleted scores as less "live" than an
// equally-full block of genuinely live chunks, so spec.md §4.6's
// "prefer such blocks" rule actually steers SelectBlock toward it.
func TestSelectBlockPrefersSoftDeleteHeavyBlock(t *testing.T) {
	t.Parallel()
	tbl, alloc, backend, _ := setup(t)

	tbl.GetBlockInfo(0).State = yfsblock.Full
	writeLiveChunk(t, tbl, backend, 0, 0, 1)
	writeLiveChunk(t, tbl, backend, 0, 1, 1)
	tbl.GetBlockInfo(0).SoftDelPages = 2

	tbl.GetBlockInfo(1).State = yfsblock.Full
	writeLiveChunk(t, tbl, backend, 1, 0, 2)
	writeLiveChunk(t, tbl, backend, 1, 1, 2)

	// force the aggressive tier, which scans every block linearly,
	// rather than the leisurely tier's small circular sample window.
	alloc.NReservedBlocks = tbl.NumBlocks()

	gc := yfsgc.NewCollector(tbl, alloc, backend.dev, backend.codec, backend)
	block, err := gc.SelectBlock(false)
	require.NoError(t, err)
	assert.Equal(t, yfsaddr.BlockNo(0), block)
}

func TestSelectBlockPrefersPrioritized(t *testing.T) {
	t.Parallel()
	tbl, alloc, backend, _ := setup(t)
	tbl.GetBlockInfo(0).State = yfsblock.Full
	tbl.GetBlockInfo(1).State = yfsblock.Full
	tbl.GetBlockInfo(1).GCPrioritise = true

	gc := yfsgc.NewCollector(tbl, alloc, backend.dev, backend.codec, backend)
	block, err := gc.SelectBlock(false)
	require.NoError(t, err)
	assert.Equal(t, yfsaddr.BlockNo(1), block)
}
