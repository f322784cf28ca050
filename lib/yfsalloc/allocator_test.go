// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package yfsalloc_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhaogezhang/study-yaffs/lib/yfsaddr"
	"github.com/zhaogezhang/study-yaffs/lib/yfsalloc"
	"github.com/zhaogezhang/study-yaffs/lib/yfsblock"
)

func newTable(nBlocks, chunksPerBlock int) (*yfsblock.Table, yfsaddr.Geometry) {
	geo := yfsaddr.Geometry{ChunksPerBlock: chunksPerBlock, NumBlocks: nBlocks, DataBytes: 512}
	tbl := yfsblock.NewTable(geo)
	for i := 0; i < nBlocks; i++ {
		tbl.GetBlockInfo(yfsaddr.BlockNo(i)).State = yfsblock.Empty
	}
	return tbl, geo
}

func TestAllocFillsBlockThenRolls(t *testing.T) {
	t.Parallel()
	tbl, geo := newTable(3, 2)
	a := yfsalloc.NewAllocator(tbl, geo, 0, 0, 1)

	addr1, err := a.AllocChunk(false)
	require.NoError(t, err)
	block, ok := a.AllocatingBlock()
	require.True(t, ok)
	assert.Equal(t, yfsblock.Allocating, tbl.GetBlockInfo(block).State)

	addr2, err := a.AllocChunk(false)
	require.NoError(t, err)
	assert.NotEqual(t, addr1, addr2)

	// block is now full; next alloc must pick a new block
	assert.Equal(t, yfsblock.Full, tbl.GetBlockInfo(block).State)
	_, ok = a.AllocatingBlock()
	assert.False(t, ok)

	_, err = a.AllocChunk(false)
	require.NoError(t, err)
	newBlock, ok := a.AllocatingBlock()
	require.True(t, ok)
	assert.NotEqual(t, block, newBlock)
}

func TestReservePolicy(t *testing.T) {
	t.Parallel()
	tbl, geo := newTable(2, 2)
	a := yfsalloc.NewAllocator(tbl, geo, 1, 0, 1)

	// one block is EMPTY after selecting the allocating one; reserve
	// requires at least 1 EMPTY block remain, so a plain alloc must
	// still succeed while 2 blocks are free...
	_, err := a.AllocChunk(false)
	require.NoError(t, err)

	// ...but once the only remaining EMPTY block is consumed, a
	// non-reserve alloc must be refused.
	tbl.GetBlockInfo(1).State = yfsblock.Dirty
	_, err = a.AllocChunk(false)
	assert.ErrorIs(t, err, yfsalloc.ErrNoSpace)

	// reserve callers still get through.
	_, err = a.AllocChunk(true)
	assert.NoError(t, err)
}

func TestSkipRestOfBlock(t *testing.T) {
	t.Parallel()
	tbl, geo := newTable(2, 4)
	a := yfsalloc.NewAllocator(tbl, geo, 0, 0, 1)

	_, err := a.AllocChunk(false)
	require.NoError(t, err)
	block, ok := a.AllocatingBlock()
	require.True(t, ok)

	a.SkipRestOfBlock()
	assert.Equal(t, yfsblock.Full, tbl.GetBlockInfo(block).State)
	_, ok = a.AllocatingBlock()
	assert.False(t, ok)
}

func TestNoSpaceWhenDeviceFull(t *testing.T) {
	t.Parallel()
	tbl, geo := newTable(1, 1)
	a := yfsalloc.NewAllocator(tbl, geo, 0, 0, 1)

	_, err := a.AllocChunk(true)
	require.NoError(t, err)

	_, err = a.AllocChunk(true)
	assert.ErrorIs(t, err, yfsalloc.ErrNoSpace)
}
