// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package yfs

import (
	"context"

	"github.com/zhaogezhang/study-yaffs/lib/yfsaddr"
	"github.com/zhaogezhang/study-yaffs/lib/yfsobj"
	"github.com/zhaogezhang/study-yaffs/lib/yfstags"
)

// buildHeaderTags derives the current header-chunk tags for obj from
// its in-memory state. Every header rewrite (creation, size change,
// rename, GC relocation) goes through this so a fresh on-flash copy
// always reflects the record's latest generation.
func (fs *FS) buildHeaderTags(obj *yfsobj.Object) yfstags.ExtTags {
	t := yfstags.ExtTags{
		ObjectID: obj.ID,
		ChunkID:  0,
		ParentID: obj.Parent,
		ObjType:  uint8(obj.Type),
	}
	if obj.File != nil {
		t.FileSize = obj.File.FileSize
	}
	return t
}

// writeHeader rewrites obj's header chunk, freeing the previous one
// when hadOld is true (false only on an object's very first header,
// since a zero-value PhysAddr is itself a valid chunk address and
// can't double as a "no previous header" sentinel). shadows, when
// non-zero, names an object id this header's write makes unreachable
// via a same-named rename (spec's ShadowsID hint, consumed by
// forward-scan replay).
func (fs *FS) writeHeader(ctx context.Context, obj *yfsobj.Object, hadOld bool, shadows yfsaddr.ObjectID, shrink bool) error {
	tags := fs.buildHeaderTags(obj)
	tags.ShadowsID = shadows
	tags.IsShrink = shrink

	old := obj.HeaderChunk
	addr, err := fs.writeChunk(ctx, tags, nil, false)
	if err != nil {
		return err
	}
	obj.HeaderChunk = addr
	if hadOld {
		fs.deleteChunk(old)
	}
	return nil
}
