// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package yfsobj_test

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhaogezhang/study-yaffs/lib/yfsobj"
)

func TestAssignIDAvoidsPseudoDirsAndDuplicates(t *testing.T) {
	t.Parallel()
	tbl := yfsobj.NewTable(false, rand.New(rand.NewSource(42)))

	seen := make(map[uint32]bool)
	for i := 0; i < 50; i++ {
		id, err := tbl.AssignID()
		require.NoError(t, err)
		assert.GreaterOrEqual(t, uint32(id), uint32(5))
		assert.False(t, seen[uint32(id)])
		seen[uint32(id)] = true
		tbl.Insert(&yfsobj.Object{ID: id, Type: yfsobj.TypeFile})
	}
}

func TestLookupChildChecksumPrefilterAndCaseFold(t *testing.T) {
	t.Parallel()
	tbl := yfsobj.NewTable(true, rand.New(rand.NewSource(1)))

	dir := &yfsobj.Object{ID: yfsobj.Root, Type: yfsobj.TypeDirectory, Dir: &yfsobj.DirPayload{}}
	tbl.Insert(dir)

	child := &yfsobj.Object{ID: 10, Type: yfsobj.TypeFile}
	child.SetName("Hello.txt", tbl.Checksum16("Hello.txt"))
	tbl.Insert(child)
	tbl.LinkChild(dir, child)

	got, err := tbl.LookupChild(dir, "hello.txt", nil)
	require.NoError(t, err)
	assert.Equal(t, child, got)

	_, err = tbl.LookupChild(dir, "nonexistent.txt", nil)
	assert.ErrorIs(t, err, yfsobj.ErrNotFound)
}

func TestLazyNameResolution(t *testing.T) {
	t.Parallel()
	tbl := yfsobj.NewTable(false, rand.New(rand.NewSource(1)))
	dir := &yfsobj.Object{ID: yfsobj.Root, Type: yfsobj.TypeDirectory, Dir: &yfsobj.DirPayload{}}
	tbl.Insert(dir)

	longName := "this-name-is-definitely-longer-than-fifteen-chars.txt"
	child := &yfsobj.Object{ID: 20, Type: yfsobj.TypeFile}
	child.SetName(longName, tbl.Checksum16(longName))
	tbl.Insert(child)
	tbl.LinkChild(dir, child)

	name, lazy := child.Name()
	assert.True(t, lazy)
	assert.Empty(t, name)

	loads := 0
	got, err := tbl.LookupChild(dir, longName, func(o *yfsobj.Object) (string, error) {
		loads++
		return longName, nil
	})
	require.NoError(t, err)
	assert.Equal(t, child, got)
	assert.Equal(t, 1, loads)

	gotName, lazy := got.Name()
	assert.False(t, lazy)
	assert.Equal(t, longName, gotName)
}

func TestHardLinkPromotion(t *testing.T) {
	t.Parallel()
	tbl := yfsobj.NewTable(false, rand.New(rand.NewSource(1)))
	dir := &yfsobj.Object{ID: yfsobj.Root, Type: yfsobj.TypeDirectory, Dir: &yfsobj.DirPayload{}}
	tbl.Insert(dir)

	target := &yfsobj.Object{ID: 30, Type: yfsobj.TypeFile}
	target.SetName("orig.txt", tbl.Checksum16("orig.txt"))
	tbl.Insert(target)
	tbl.LinkChild(dir, target)

	link := &yfsobj.Object{ID: 31, Type: yfsobj.TypeHardlink}
	link.SetName("link.txt", tbl.Checksum16("link.txt"))
	tbl.Insert(link)
	tbl.LinkChild(dir, link)
	tbl.LinkHardlink(target, link)

	assert.Equal(t, target, tbl.Equivalent(link))

	promoted, newParent, newName, ok := tbl.PromoteFirstHardLink(target)
	require.True(t, ok)
	assert.Equal(t, link, promoted)
	assert.Equal(t, dir.ID, newParent)
	assert.Equal(t, "link.txt", newName)
}
