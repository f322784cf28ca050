// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package yfscheckpoint_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhaogezhang/study-yaffs/lib/yfsaddr"
	"github.com/zhaogezhang/study-yaffs/lib/yfsblock"
	"github.com/zhaogezhang/study-yaffs/lib/yfscheckpoint"
	"github.com/zhaogezhang/study-yaffs/lib/yfsobj"
	"github.com/zhaogezhang/study-yaffs/lib/yfstree"
)

func TestCaptureWriteReadRestoreRoundTrip(t *testing.T) {
	t.Parallel()
	geo := yfsaddr.Geometry{ChunksPerBlock: 4, NumBlocks: 2, DataBytes: 64}

	tbl := yfsblock.NewTable(geo)
	tbl.GetBlockInfo(0).State = yfsblock.Full
	tbl.SetChunkBit(0, 1)
	tbl.GetBlockInfo(0).PagesInUse = 1

	objTbl := yfsobj.NewTable(false, nil)
	for _, id := range []yfsaddr.ObjectID{yfsobj.Unlinked, yfsobj.Deleted, yfsobj.Root, yfsobj.LostAndFound} {
		objTbl.Insert(&yfsobj.Object{ID: id, Type: yfsobj.TypeDirectory, Dir: &yfsobj.DirPayload{}})
	}

	file := &yfsobj.Object{ID: 10, Type: yfsobj.TypeFile, Parent: yfsobj.Root}
	tree := yfstree.NewTree(0)
	file.File = &yfsobj.FilePayload{Tree: tree, FileSize: 128}
	tree.Insert(0, geo.Join(0, 1))
	file.SetName("hello.txt", objTbl.Checksum16("hello.txt"))
	objTbl.Insert(file)
	objTbl.LinkChild(objTbl.MustGet(yfsobj.Root), file)

	trees := map[yfsaddr.ObjectID]*yfstree.Tree{10: tree}

	header := yfscheckpoint.New(geo, 7)
	cp := yfscheckpoint.Capture(tbl, objTbl, trees, header)

	var buf bytes.Buffer
	require.NoError(t, yfscheckpoint.Write(&buf, cp))

	got, err := yfscheckpoint.Read(&buf)
	require.NoError(t, err)
	assert.Equal(t, cp.Header.ID, got.Header.ID)

	newTbl, newObjTbl, newTrees := yfscheckpoint.Restore(got, false, 1)
	assert.Equal(t, yfsblock.Full, newTbl.GetBlockInfo(0).State)
	assert.True(t, newTbl.CheckChunkBit(0, 1))
	assert.Equal(t, 1, newTbl.GetBlockInfo(0).PagesInUse)

	restoredFile, ok := newObjTbl.Get(10)
	require.True(t, ok)
	assert.Equal(t, yfsobj.Root, restoredFile.Parent)
	name, lazy := restoredFile.Name()
	assert.False(t, lazy)
	assert.Equal(t, "hello.txt", name)

	restoredTree := newTrees[10]
	require.NotNil(t, restoredTree)
	addr, ok := restoredTree.Lookup(0)
	require.True(t, ok)
	assert.Equal(t, geo.Join(0, 1), addr)
}

func TestBlocksNeededNeverUndersizes(t *testing.T) {
	t.Parallel()
	n := yfscheckpoint.BlocksNeeded(1000, 5000, 64, 2048)
	assert.Greater(t, n, 0)
	assert.Equal(t, 0, yfscheckpoint.BlocksNeeded(0, 0, 0, 0))
}
