// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package yfs_test

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhaogezhang/study-yaffs/lib/yfs"
	"github.com/zhaogezhang/study-yaffs/lib/yfsaddr"
	"github.com/zhaogezhang/study-yaffs/lib/yfsnand"
	"github.com/zhaogezhang/study-yaffs/lib/yfsobj"
	"github.com/zhaogezhang/study-yaffs/lib/yfstags"
)

func newFormatted(t *testing.T, geo yfsaddr.Geometry) (*yfs.FS, *yfsnand.SimDevice) {
	t.Helper()
	dev := yfsnand.NewSimDevice(geo)
	cfg := yfs.DefaultMountConfig(geo)
	fsys, err := yfs.Format(context.Background(), dev, yfstags.OOBCodec{}, cfg)
	require.NoError(t, err)
	return fsys, dev
}

// S1: format a 16-block/32-chunks-per-block/512B device, create a
// root-level file, write 1500 bytes of 0x41, and read them back.
func TestScenarioS1(t *testing.T) {
	ctx := context.Background()
	geo := yfsaddr.Geometry{ChunksPerBlock: 32, NumBlocks: 16, DataBytes: 512}
	fsys, _ := newFormatted(t, geo)

	id, err := fsys.Create(ctx, yfsobj.Root, "a", yfsobj.TypeFile, 0o644, 0, 0, nil)
	require.NoError(t, err)

	payload := bytes.Repeat([]byte{0x41}, 1500)
	n, err := fsys.Write(ctx, id, 0, payload, true)
	require.NoError(t, err)
	assert.Equal(t, 1500, n)

	buf := make([]byte, 1500)
	n, err = fsys.Read(ctx, id, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, 1500, n)
	assert.Equal(t, payload, buf)

	st, err := fsys.Stat(id)
	require.NoError(t, err)
	assert.EqualValues(t, 1500, st.Size)
}

// S2: overwrite a middle span of an existing file and check the
// surrounding bytes are untouched.
func TestScenarioS2(t *testing.T) {
	ctx := context.Background()
	geo := yfsaddr.Geometry{ChunksPerBlock: 32, NumBlocks: 16, DataBytes: 512}
	fsys, _ := newFormatted(t, geo)

	id, err := fsys.Create(ctx, yfsobj.Root, "a", yfsobj.TypeFile, 0o644, 0, 0, nil)
	require.NoError(t, err)
	_, err = fsys.Write(ctx, id, 0, bytes.Repeat([]byte{0x41}, 1500), true)
	require.NoError(t, err)

	_, err = fsys.Write(ctx, id, 200, bytes.Repeat([]byte{0xFF}, 100), true)
	require.NoError(t, err)

	buf := make([]byte, 1500)
	n, err := fsys.Read(ctx, id, 0, buf)
	require.NoError(t, err)
	require.Equal(t, 1500, n)

	assert.Equal(t, bytes.Repeat([]byte{0x41}, 200), buf[0:200])
	assert.Equal(t, bytes.Repeat([]byte{0xFF}, 100), buf[200:300])
	assert.Equal(t, bytes.Repeat([]byte{0x41}, 1200), buf[300:1500])
}

// S3: create 300 one-byte files, unlink every even-numbered one,
// cleanly unmount (which persists a checkpoint), and remount —
// confirming the 150 odd-numbered files survive with their original
// contents.
func TestScenarioS3(t *testing.T) {
	ctx := context.Background()
	geo := yfsaddr.Geometry{ChunksPerBlock: 32, NumBlocks: 64, DataBytes: 512}
	fsys, dev := newFormatted(t, geo)

	for i := 0; i < 300; i++ {
		name := fmt.Sprintf("f%03d", i)
		id, err := fsys.Create(ctx, yfsobj.Root, name, yfsobj.TypeFile, 0o644, 0, 0, nil)
		require.NoError(t, err)
		_, err = fsys.Write(ctx, id, 0, []byte{byte(i)}, true)
		require.NoError(t, err)
	}
	for i := 0; i < 300; i += 2 {
		require.NoError(t, fsys.Unlink(ctx, yfsobj.Root, fmt.Sprintf("f%03d", i)))
	}
	require.NoError(t, fsys.Unmount(ctx))

	cfg := yfs.DefaultMountConfig(geo)
	fsys2, err := yfs.Mount(ctx, dev, yfstags.OOBCodec{}, cfg)
	require.NoError(t, err)
	defer fsys2.Unmount(ctx)

	count := 0
	for cursor := 0; ; cursor++ {
		_, name, _, hasMore, err := fsys2.Readdir(yfsobj.Root, cursor)
		require.NoError(t, err)
		if name == "" {
			break
		}
		count++
		if !hasMore {
			break
		}
	}
	assert.Equal(t, 150, count)

	for i := 1; i < 300; i += 2 {
		name := fmt.Sprintf("f%03d", i)
		id, err := fsys2.Lookup(yfsobj.Root, name)
		require.NoError(t, err, name)
		buf := make([]byte, 1)
		n, err := fsys2.Read(ctx, id, 0, buf)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		assert.Equal(t, byte(i), buf[0])
	}
	for i := 0; i < 300; i += 2 {
		_, err := fsys2.Lookup(yfsobj.Root, fmt.Sprintf("f%03d", i))
		assert.True(t, yfs.KindNotFound.Is(err))
	}
}

// S5: a hardlink keeps its target's data reachable after the
// original name is unlinked (spec §4.3's first-hardlink promotion).
func TestScenarioS5(t *testing.T) {
	ctx := context.Background()
	geo := yfsaddr.Geometry{ChunksPerBlock: 32, NumBlocks: 16, DataBytes: 512}
	fsys, _ := newFormatted(t, geo)

	xID, err := fsys.Create(ctx, yfsobj.Root, "x", yfsobj.TypeFile, 0o644, 0, 0, nil)
	require.NoError(t, err)
	payload := bytes.Repeat([]byte{0x7A}, 10)
	_, err = fsys.Write(ctx, xID, 0, payload, true)
	require.NoError(t, err)

	_, err = fsys.Create(ctx, yfsobj.Root, "y", yfsobj.TypeHardlink, 0, 0, 0, xID)
	require.NoError(t, err)

	require.NoError(t, fsys.Unlink(ctx, yfsobj.Root, "x"))

	yID, err := fsys.Lookup(yfsobj.Root, "y")
	require.NoError(t, err)
	st, err := fsys.Stat(yID)
	require.NoError(t, err)
	assert.EqualValues(t, 10, st.Size)

	buf := make([]byte, 10)
	n, err := fsys.Read(ctx, yID, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, payload, buf)

	_, err = fsys.Lookup(yfsobj.Root, "x")
	assert.True(t, yfs.KindNotFound.Is(err))
}

// S6: a symlink pointing at itself fails resolution with *loop*
// rather than recursing forever.
func TestScenarioS6(t *testing.T) {
	ctx := context.Background()
	geo := yfsaddr.Geometry{ChunksPerBlock: 32, NumBlocks: 16, DataBytes: 512}
	fsys, _ := newFormatted(t, geo)

	_, err := fsys.Create(ctx, yfsobj.Root, "s", yfsobj.TypeSymlink, 0o777, 0, 0, "s")
	require.NoError(t, err)

	_, err = fsys.ResolveSymlink(yfsobj.Root, []string{"s"}, 5)
	require.Error(t, err)
	assert.True(t, yfs.KindLoop.Is(err))
}

func TestWriteZeroBytesIsNoop(t *testing.T) {
	ctx := context.Background()
	geo := yfsaddr.Geometry{ChunksPerBlock: 32, NumBlocks: 16, DataBytes: 512}
	fsys, _ := newFormatted(t, geo)

	id, err := fsys.Create(ctx, yfsobj.Root, "a", yfsobj.TypeFile, 0o644, 0, 0, nil)
	require.NoError(t, err)
	n, err := fsys.Write(ctx, id, 0, nil, true)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	st, err := fsys.Stat(id)
	require.NoError(t, err)
	assert.EqualValues(t, 0, st.Size)
}

func TestResizeToCurrentSizeIsNoop(t *testing.T) {
	ctx := context.Background()
	geo := yfsaddr.Geometry{ChunksPerBlock: 32, NumBlocks: 16, DataBytes: 512}
	fsys, _ := newFormatted(t, geo)

	id, err := fsys.Create(ctx, yfsobj.Root, "a", yfsobj.TypeFile, 0o644, 0, 0, nil)
	require.NoError(t, err)
	_, err = fsys.Write(ctx, id, 0, []byte("hello"), true)
	require.NoError(t, err)

	require.NoError(t, fsys.Resize(ctx, id, 5))
	st, err := fsys.Stat(id)
	require.NoError(t, err)
	assert.EqualValues(t, 5, st.Size)

	buf := make([]byte, 5)
	n, err := fsys.Read(ctx, id, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, []byte("hello"), buf)
}

func TestReadPastEOFReturnsZero(t *testing.T) {
	ctx := context.Background()
	geo := yfsaddr.Geometry{ChunksPerBlock: 32, NumBlocks: 16, DataBytes: 512}
	fsys, _ := newFormatted(t, geo)

	id, err := fsys.Create(ctx, yfsobj.Root, "a", yfsobj.TypeFile, 0o644, 0, 0, nil)
	require.NoError(t, err)
	_, err = fsys.Write(ctx, id, 0, []byte("hi"), true)
	require.NoError(t, err)

	buf := make([]byte, 10)
	n, err := fsys.Read(ctx, id, 100, buf)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestUnmountTwiceFailsBusy(t *testing.T) {
	ctx := context.Background()
	geo := yfsaddr.Geometry{ChunksPerBlock: 32, NumBlocks: 16, DataBytes: 512}
	fsys, _ := newFormatted(t, geo)

	require.NoError(t, fsys.Unmount(ctx))
	err := fsys.Unmount(ctx)
	require.Error(t, err)
	assert.True(t, yfs.KindBusy.Is(err))
}

func TestRenameDirectoryIntoOwnSubtreeFailsLoop(t *testing.T) {
	ctx := context.Background()
	geo := yfsaddr.Geometry{ChunksPerBlock: 32, NumBlocks: 16, DataBytes: 512}
	fsys, _ := newFormatted(t, geo)

	parentID, err := fsys.Create(ctx, yfsobj.Root, "parent", yfsobj.TypeDirectory, 0o755, 0, 0, nil)
	require.NoError(t, err)
	childID, err := fsys.Create(ctx, parentID, "child", yfsobj.TypeDirectory, 0o755, 0, 0, nil)
	require.NoError(t, err)
	_ = childID

	err = fsys.Rename(ctx, yfsobj.Root, "parent", childID, "oops")
	require.Error(t, err)
	assert.True(t, yfs.KindLoop.Is(err))
}

func TestCreateExistingNameFailsExists(t *testing.T) {
	ctx := context.Background()
	geo := yfsaddr.Geometry{ChunksPerBlock: 32, NumBlocks: 16, DataBytes: 512}
	fsys, _ := newFormatted(t, geo)

	_, err := fsys.Create(ctx, yfsobj.Root, "a", yfsobj.TypeFile, 0o644, 0, 0, nil)
	require.NoError(t, err)
	_, err = fsys.Create(ctx, yfsobj.Root, "a", yfsobj.TypeFile, 0o644, 0, 0, nil)
	require.Error(t, err)
	assert.True(t, yfs.KindExists.Is(err))
}

func TestResizeBeyondMaxFileSizeFailsRange(t *testing.T) {
	ctx := context.Background()
	geo := yfsaddr.Geometry{ChunksPerBlock: 32, NumBlocks: 16, DataBytes: 512}
	fsys, _ := newFormatted(t, geo)

	id, err := fsys.Create(ctx, yfsobj.Root, "a", yfsobj.TypeFile, 0o644, 0, 0, nil)
	require.NoError(t, err)

	err = fsys.Resize(ctx, id, uint64(geo.NumChunks())*uint64(geo.DataBytes)+1)
	require.Error(t, err)
	assert.True(t, yfs.KindRange.Is(err))
}

func TestFsckCleanAfterOrdinaryUse(t *testing.T) {
	ctx := context.Background()
	geo := yfsaddr.Geometry{ChunksPerBlock: 32, NumBlocks: 16, DataBytes: 512}
	fsys, _ := newFormatted(t, geo)

	id, err := fsys.Create(ctx, yfsobj.Root, "a", yfsobj.TypeFile, 0o644, 0, 0, nil)
	require.NoError(t, err)
	_, err = fsys.Write(ctx, id, 0, bytes.Repeat([]byte{0x41}, 1500), true)
	require.NoError(t, err)

	problems := fsys.Fsck(ctx)
	assert.Empty(t, problems)
}
