// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package yfstree_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhaogezhang/study-yaffs/lib/yfsaddr"
	"github.com/zhaogezhang/study-yaffs/lib/yfstree"
)

func TestInsertLookupWithinOneLeaf(t *testing.T) {
	t.Parallel()
	tr := yfstree.NewTree(0)
	tr.Insert(3, 100)
	tr.Insert(5, 200)

	got, ok := tr.Lookup(3)
	require.True(t, ok)
	assert.Equal(t, yfsaddr.PhysAddr(100), got)

	got, ok = tr.Lookup(5)
	require.True(t, ok)
	assert.Equal(t, yfsaddr.PhysAddr(200), got)

	_, ok = tr.Lookup(4)
	assert.False(t, ok)
	assert.Equal(t, 0, tr.Depth())
}

func TestGrowsWhenIdExceedsReach(t *testing.T) {
	t.Parallel()
	tr := yfstree.NewTree(0)
	// id 16 doesn't fit in a single 16-slot leaf; the tree must grow.
	tr.Insert(16, 500)
	assert.Greater(t, tr.Depth(), 0)

	got, ok := tr.Lookup(16)
	require.True(t, ok)
	assert.Equal(t, yfsaddr.PhysAddr(500), got)

	// id 0 was never inserted, in the same or a different leaf.
	_, ok = tr.Lookup(0)
	assert.False(t, ok)
}

func TestDeletePrunesBottomUp(t *testing.T) {
	t.Parallel()
	tr := yfstree.NewTree(0)
	tr.Insert(16, 500) // grows the tree to depth 1

	tr.Delete(16)
	_, ok := tr.Lookup(16)
	assert.False(t, ok)

	// after deleting the only entry, the tree should have pruned back
	// down to a bare leaf.
	assert.Equal(t, 0, tr.Depth())
}

func TestTruncateRemovesHighEntries(t *testing.T) {
	t.Parallel()
	tr := yfstree.NewTree(0)
	for i := yfsaddr.LogicalChunkID(0); i < 20; i++ {
		tr.Insert(i, yfsaddr.PhysAddr(i))
	}

	tr.Truncate(10)

	for i := yfsaddr.LogicalChunkID(0); i < 10; i++ {
		_, ok := tr.Lookup(i)
		assert.True(t, ok, "id %d should survive truncate", i)
	}
	for i := yfsaddr.LogicalChunkID(10); i < 20; i++ {
		_, ok := tr.Lookup(i)
		assert.False(t, ok, "id %d should be gone after truncate", i)
	}
}

func TestWalkVisitsInAscendingOrder(t *testing.T) {
	t.Parallel()
	tr := yfstree.NewTree(0)
	ids := []yfsaddr.LogicalChunkID{50, 3, 17, 0}
	for _, id := range ids {
		tr.Insert(id, yfsaddr.PhysAddr(id)*10)
	}

	var seen []yfsaddr.LogicalChunkID
	tr.Walk(func(id yfsaddr.LogicalChunkID, base yfsaddr.PhysAddr) {
		seen = append(seen, id)
		assert.Equal(t, yfsaddr.PhysAddr(id)*10, base)
	})
	require.Len(t, seen, len(ids))
	for i := 1; i < len(seen); i++ {
		assert.Less(t, seen[i-1], seen[i])
	}
}

func TestGroupBitsDividesPhysAddr(t *testing.T) {
	t.Parallel()
	tr := yfstree.NewTree(2) // group size 4
	tr.Insert(0, 9)          // group base = 9/4 = 2

	got, ok := tr.Lookup(0)
	require.True(t, ok)
	assert.Equal(t, yfsaddr.PhysAddr(2), got)
	assert.Equal(t, int64(4), tr.GroupSize())
}
