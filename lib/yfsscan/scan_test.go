// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package yfsscan_test

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhaogezhang/study-yaffs/lib/yfsaddr"
	"github.com/zhaogezhang/study-yaffs/lib/yfsblock"
	"github.com/zhaogezhang/study-yaffs/lib/yfsnand"
	"github.com/zhaogezhang/study-yaffs/lib/yfsobj"
	"github.com/zhaogezhang/study-yaffs/lib/yfsscan"
	"github.com/zhaogezhang/study-yaffs/lib/yfstags"
	"github.com/zhaogezhang/study-yaffs/lib/yfstree"
)

func newPseudoDirs() *yfsobj.Table {
	tbl := yfsobj.NewTable(false, rand.New(rand.NewSource(1)))
	for _, id := range []yfsaddr.ObjectID{yfsobj.Unlinked, yfsobj.Deleted, yfsobj.Root, yfsobj.LostAndFound} {
		tbl.Insert(&yfsobj.Object{ID: id, Type: yfsobj.TypeDirectory, Dir: &yfsobj.DirPayload{}})
	}
	return tbl
}

func writeChunk(t *testing.T, dev *yfsnand.SimDevice, geo yfsaddr.Geometry, codec yfstags.Codec, block yfsaddr.BlockNo, offset yfsaddr.ChunkOffset, tags yfstags.ExtTags) {
	t.Helper()
	data := make([]byte, geo.DataBytes)
	oob := codec.Encode(data, tags)
	require.NoError(t, dev.WriteChunk(context.Background(), block, offset, data, oob))
}

func TestBackwardScanRebuildsFileAndDir(t *testing.T) {
	t.Parallel()
	geo := yfsaddr.Geometry{ChunksPerBlock: 4, NumBlocks: 2, DataBytes: 64}
	dev := yfsnand.NewSimDevice(geo)
	codec := yfstags.OOBCodec{}

	// block 0: sequence 1, a directory "sub" under ROOT.
	writeChunk(t, dev, geo, codec, 0, 0, yfstags.ExtTags{
		ObjectID: 20, ChunkID: 0, ObjType: uint8(yfsobj.TypeDirectory),
		ParentID: yfsobj.Root, BlockSeq: 1,
	})
	// block 1: sequence 2, a file under "sub" with one data chunk.
	writeChunk(t, dev, geo, codec, 1, 0, yfstags.ExtTags{
		ObjectID: 21, ChunkID: 0, ObjType: uint8(yfsobj.TypeFile),
		ParentID: 20, FileSize: 64, BlockSeq: 2,
	})
	writeChunk(t, dev, geo, codec, 1, 1, yfstags.ExtTags{
		ObjectID: 21, ChunkID: 1, BlockSeq: 2,
	})

	tbl := yfsblock.NewTable(geo)
	objTbl := newPseudoDirs()
	trees := make(map[yfsaddr.ObjectID]*yfstree.Tree)

	scanner := yfsscan.NewScanner(dev, codec, tbl, objTbl, trees, 0, yfsscan.ModeBackward)
	result, err := scanner.Scan(context.Background())
	require.NoError(t, err)
	assert.True(t, result.RootOK)

	dirObj, ok := objTbl.Get(20)
	require.True(t, ok)
	assert.Equal(t, yfsobj.TypeDirectory, dirObj.Type)
	assert.Equal(t, yfsobj.Root, dirObj.Parent)

	fileObj, ok := objTbl.Get(21)
	require.True(t, ok)
	assert.Equal(t, yfsobj.TypeFile, fileObj.Type)
	assert.Equal(t, yfsaddr.ObjectID(20), fileObj.Parent)

	tree := trees[21]
	require.NotNil(t, tree)
	addr, ok := tree.Lookup(0)
	require.True(t, ok)
	assert.Equal(t, geo.Join(1, 1), addr)
}

func TestOrphanIsRehomedToLostAndFound(t *testing.T) {
	t.Parallel()
	geo := yfsaddr.Geometry{ChunksPerBlock: 4, NumBlocks: 1, DataBytes: 64}
	dev := yfsnand.NewSimDevice(geo)
	codec := yfstags.OOBCodec{}

	// object 30's parent (99) never appears anywhere in the log.
	writeChunk(t, dev, geo, codec, 0, 0, yfstags.ExtTags{
		ObjectID: 30, ChunkID: 0, ObjType: uint8(yfsobj.TypeFile),
		ParentID: 99, FileSize: 0, BlockSeq: 1,
	})

	tbl := yfsblock.NewTable(geo)
	objTbl := newPseudoDirs()
	trees := make(map[yfsaddr.ObjectID]*yfstree.Tree)

	scanner := yfsscan.NewScanner(dev, codec, tbl, objTbl, trees, 0, yfsscan.ModeBackward)
	result, err := scanner.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.OrphansFound)

	obj, ok := objTbl.Get(30)
	require.True(t, ok)
	assert.Equal(t, yfsobj.LostAndFound, obj.Parent)
}

func TestForwardScanSerialArbitration(t *testing.T) {
	t.Parallel()
	geo := yfsaddr.Geometry{ChunksPerBlock: 4, NumBlocks: 1, DataBytes: 64}
	dev := yfsnand.NewSimDevice(geo)
	codec := yfstags.OOBCodec{}

	writeChunk(t, dev, geo, codec, 0, 0, yfstags.ExtTags{
		ObjectID: 40, ChunkID: 0, ObjType: uint8(yfsobj.TypeFile),
		ParentID: yfsobj.Root, FileSize: 64, BlockSeq: 1,
	})
	// two writes of the same logical chunk within the block; the
	// second carries the next serial number and must win.
	writeChunk(t, dev, geo, codec, 0, 1, yfstags.ExtTags{
		ObjectID: 40, ChunkID: 1, SerialNumber: 0, BlockSeq: 1,
	})
	writeChunk(t, dev, geo, codec, 0, 2, yfstags.ExtTags{
		ObjectID: 40, ChunkID: 1, SerialNumber: 1, BlockSeq: 1,
	})

	tbl := yfsblock.NewTable(geo)
	objTbl := newPseudoDirs()
	trees := make(map[yfsaddr.ObjectID]*yfstree.Tree)

	scanner := yfsscan.NewScanner(dev, codec, tbl, objTbl, trees, 0, yfsscan.ModeForward)
	_, err := scanner.Scan(context.Background())
	require.NoError(t, err)

	addr, ok := trees[40].Lookup(0)
	require.True(t, ok)
	assert.Equal(t, geo.Join(0, 2), addr)
}
