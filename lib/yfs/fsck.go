// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package yfs

import (
	"context"
	"fmt"

	"github.com/zhaogezhang/study-yaffs/lib/yfsaddr"
	"github.com/zhaogezhang/study-yaffs/lib/yfsobj"
)

// Fsck walks the mounted volume checking the universal invariants
// spec.md §8 lists (every object has exactly one parent directory
// that lists it as a child, every hard link resolves to a live
// target, every header chunk is actually marked live in the block
// table, every file's recorded data-chunk count agrees with what its
// index tree can resolve) and returns one description per violation
// found. It does not repair anything.
func (fs *FS) Fsck(ctx context.Context) []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	var problems []string
	report := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	for i := 0; i < yfsobj.NBuckets; i++ {
		fs.objTbl.ForEachBucket(i, func(obj *yfsobj.Object) {
			fs.fsckObject(ctx, obj, report)
		})
	}
	return problems
}

func (fs *FS) fsckObject(ctx context.Context, obj *yfsobj.Object, report func(string, ...interface{})) {
	if obj.ID != yfsobj.Root && obj.ID != yfsobj.Unlinked && obj.ID != yfsobj.Deleted && obj.ID != yfsobj.LostAndFound {
		parent, ok := fs.objTbl.Get(obj.Parent)
		if !ok {
			report("object %d: parent %d does not exist", obj.ID, obj.Parent)
			return
		}
		if parent.Dir != nil {
			found := false
			for e := parent.Dir.Children.Oldest; e != nil; e = e.Newer {
				if e.Value == obj {
					found = true
					break
				}
			}
			if !found {
				report("object %d: not linked into parent %d's child list", obj.ID, obj.Parent)
			}
		}
	}

	if obj.Type == yfsobj.TypeHardlink {
		if _, ok := fs.objTbl.Get(obj.EquivalentID); !ok {
			report("hardlink %d: target %d does not exist", obj.ID, obj.EquivalentID)
		}
	}

	if obj.HeaderChunk != 0 || obj.ID == yfsobj.Root {
		block, offset := fs.geo.Split(obj.HeaderChunk)
		if !fs.tbl.CheckChunkBit(block, offset) {
			report("object %d: header chunk %v not marked live", obj.ID, obj.HeaderChunk)
		}
	}

	if obj.File != nil {
		tree, ok := obj.File.Tree.(yfstreeLike)
		if !ok {
			report("object %d: file has no usable index tree", obj.ID)
			return
		}
		live := 0
		if full, ok := obj.File.Tree.(interface {
			Walk(func(yfsaddr.LogicalChunkID, yfsaddr.PhysAddr))
		}); ok {
			full.Walk(func(id yfsaddr.LogicalChunkID, _ yfsaddr.PhysAddr) {
				if _, ok := fs.resolveChunk(ctx, obj.ID, tree, id); ok {
					live++
				} else {
					report("object %d: logical chunk %d indexed but not resolvable on flash", obj.ID, id)
				}
			})
		}
		if live != obj.File.DataChunkCount {
			report("object %d: DataChunkCount=%d but tree resolves %d live chunks", obj.ID, obj.File.DataChunkCount, live)
		}
	}
}
