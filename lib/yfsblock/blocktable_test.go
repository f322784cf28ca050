// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package yfsblock_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhaogezhang/study-yaffs/lib/yfsaddr"
	"github.com/zhaogezhang/study-yaffs/lib/yfsblock"
)

func geo() yfsaddr.Geometry {
	return yfsaddr.Geometry{ChunksPerBlock: 8, NumBlocks: 4, DataBytes: 512}
}

func TestBitmapRoundTrip(t *testing.T) {
	t.Parallel()
	tbl := yfsblock.NewTable(geo())

	assert.False(t, tbl.CheckChunkBit(1, 3))
	tbl.SetChunkBit(1, 3)
	assert.True(t, tbl.CheckChunkBit(1, 3))
	assert.Equal(t, 1, tbl.CountChunkBits(1))
	assert.True(t, tbl.StillSomeChunks(1))

	tbl.ClearChunkBit(1, 3)
	assert.False(t, tbl.CheckChunkBit(1, 3))
	assert.False(t, tbl.StillSomeChunks(1))
}

func TestTransitions(t *testing.T) {
	t.Parallel()
	tbl := yfsblock.NewTable(geo())
	info := tbl.GetBlockInfo(0)
	info.State = yfsblock.Empty

	require.NoError(t, tbl.Transition(0, yfsblock.Allocating))
	require.NoError(t, tbl.Transition(0, yfsblock.Full))
	require.NoError(t, tbl.Transition(0, yfsblock.Collecting))
	require.NoError(t, tbl.Transition(0, yfsblock.Dirty))
	require.NoError(t, tbl.Transition(0, yfsblock.Empty))

	assert.Error(t, tbl.Transition(0, yfsblock.Collecting))
}

func TestRetireFromAnyState(t *testing.T) {
	t.Parallel()
	tbl := yfsblock.NewTable(geo())
	tbl.GetBlockInfo(2).State = yfsblock.Allocating
	tbl.Retire(2)
	assert.Equal(t, yfsblock.Dead, tbl.GetBlockInfo(2).State)
}

func TestCountErasedAndAllocatingBlock(t *testing.T) {
	t.Parallel()
	tbl := yfsblock.NewTable(geo())
	for i := 0; i < tbl.NumBlocks(); i++ {
		tbl.GetBlockInfo(yfsaddr.BlockNo(i)).State = yfsblock.Empty
	}
	assert.Equal(t, tbl.NumBlocks(), tbl.CountErased())

	require.NoError(t, tbl.Transition(1, yfsblock.Allocating))
	assert.Equal(t, tbl.NumBlocks()-1, tbl.CountErased())

	block, ok := tbl.AllocatingBlock()
	require.True(t, ok)
	assert.Equal(t, yfsaddr.BlockNo(1), block)
}

func TestOutOfRangePanics(t *testing.T) {
	t.Parallel()
	tbl := yfsblock.NewTable(geo())
	assert.Panics(t, func() { tbl.GetBlockInfo(100) })
	assert.Panics(t, func() { tbl.SetChunkBit(0, 100) })
}
