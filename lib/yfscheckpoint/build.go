// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package yfscheckpoint

import (
	"math/rand"

	"github.com/zhaogezhang/study-yaffs/lib/yfsaddr"
	"github.com/zhaogezhang/study-yaffs/lib/yfsblock"
	"github.com/zhaogezhang/study-yaffs/lib/yfsobj"
	"github.com/zhaogezhang/study-yaffs/lib/yfstree"
)

// bytesPerCheckpointEntry is a conservative estimate of the serialized
// size of one ObjectRecord/TreeEntry once JSON-encoded, used only to
// size the CHECKPOINT block reservation; it doesn't need to be exact,
// only not an undercount.
const bytesPerCheckpointEntry = 256

// BlocksNeeded estimates how many CHECKPOINT-labeled blocks a
// checkpoint capturing numObjects objects and numTreeEntries index
// entries would need, given a chunk holds chunkBytes of payload. The
// allocator's reserve policy (spec §4.2) uses this so that a volume
// never paints itself into a corner where it can allocate space for
// user data but not for the checkpoint that must eventually persist
// it.
func BlocksNeeded(numObjects, numTreeEntries, chunksPerBlock, chunkBytes int) int {
	if chunksPerBlock <= 0 || chunkBytes <= 0 {
		return 0
	}
	totalBytes := (numObjects + numTreeEntries) * bytesPerCheckpointEntry
	chunksNeeded := (totalBytes + chunkBytes - 1) / chunkBytes
	blocks := (chunksNeeded + chunksPerBlock - 1) / chunksPerBlock
	if blocks < 1 {
		blocks = 1
	}
	return blocks
}

// Capture snapshots tbl, objTbl, and trees into a Checkpoint ready to
// be serialized with Write. header.Geometry must match the geometry
// tbl was constructed with.
func Capture(tbl *yfsblock.Table, objTbl *yfsobj.Table, trees map[yfsaddr.ObjectID]*yfstree.Tree, header Header) Checkpoint {
	cp := Checkpoint{Header: header}

	for i := 0; i < tbl.NumBlocks(); i++ {
		block := yfsaddr.BlockNo(i)
		info := tbl.GetBlockInfo(block)
		rowBytes := (header.Geometry.ChunksPerBlock + 7) / 8
		bitmap := make([]byte, rowBytes)
		for c := 0; c < header.Geometry.ChunksPerBlock; c++ {
			if tbl.CheckChunkBit(block, yfsaddr.ChunkOffset(c)) {
				bitmap[c/8] |= 1 << (uint(c) % 8)
			}
		}
		cp.Blocks = append(cp.Blocks, BlockRecord{
			Block:        block,
			State:        uint8(info.State),
			SeqNum:       info.SeqNum,
			PagesInUse:   info.PagesInUse,
			SoftDelPages: info.SoftDelPages,
			IsCheckpoint: info.IsCheckpoint,
			Bitmap:       bitmap,
		})
	}

	for i := 0; i < yfsobj.NBuckets; i++ {
		objTbl.ForEachBucket(i, func(obj *yfsobj.Object) {
			name, lazy := obj.Name()
			rec := ObjectRecord{
				ID:           obj.ID,
				Type:         uint8(obj.Type),
				Parent:       obj.Parent,
				Name:         name,
				NameChecksum: obj.NameChecksum(),
				NameLazy:     lazy,
				HeaderChunk:  obj.HeaderChunk,
				Perm:         obj.Perm,
				UID:          obj.UID,
				GID:          obj.GID,
				ATime:        obj.ATime,
				MTime:        obj.MTime,
				CTime:        obj.CTime,
				HasXattr:     obj.HasXattr,
				EquivalentID: obj.EquivalentID,
			}
			if obj.File != nil {
				rec.FileSize = obj.File.FileSize
				rec.StoredSize = obj.File.StoredSize
				rec.ShrinkSize = obj.File.ShrinkSize
				rec.DataChunkCount = obj.File.DataChunkCount
				if tree, ok := obj.File.Tree.(*yfstree.Tree); ok {
					rec.TreeGroupBits = tree.GroupBits
				}
			}
			if obj.Symlink != nil {
				rec.SymlinkTarget = obj.Symlink.Target
			}
			if obj.Special != nil {
				rec.SpecialMajor = obj.Special.Major
				rec.SpecialMinor = obj.Special.Minor
			}
			cp.Objects = append(cp.Objects, rec)
		})
	}

	for id, tree := range trees {
		tree.Walk(func(logical yfsaddr.LogicalChunkID, groupBase yfsaddr.PhysAddr) {
			cp.TreeEntries = append(cp.TreeEntries, TreeEntry{
				Object:    id,
				Logical:   logical,
				GroupBase: groupBase,
			})
		})
	}

	return cp
}

// Restore rebuilds a block table, object table, and the per-file tree
// map from a previously-captured Checkpoint. caseInsensitive and rng
// configure the rebuilt object table exactly as yfsobj.NewTable does.
func Restore(cp Checkpoint, caseInsensitive bool, rngSeed int64) (*yfsblock.Table, *yfsobj.Table, map[yfsaddr.ObjectID]*yfstree.Tree) {
	tbl := yfsblock.NewTable(cp.Header.Geometry)
	for _, rec := range cp.Blocks {
		info := tbl.GetBlockInfo(rec.Block)
		info.State = yfsblock.State(rec.State)
		info.SeqNum = rec.SeqNum
		info.PagesInUse = rec.PagesInUse
		info.SoftDelPages = rec.SoftDelPages
		info.IsCheckpoint = rec.IsCheckpoint
		for c := 0; c < cp.Header.Geometry.ChunksPerBlock; c++ {
			if rec.Bitmap[c/8]&(1<<(uint(c)%8)) != 0 {
				tbl.SetChunkBit(rec.Block, yfsaddr.ChunkOffset(c))
			}
		}
	}

	objTbl := yfsobj.NewTable(caseInsensitive, rand.New(rand.NewSource(rngSeed)))
	trees := make(map[yfsaddr.ObjectID]*yfstree.Tree)

	for _, rec := range cp.Objects {
		obj := &yfsobj.Object{
			ID:           rec.ID,
			Type:         yfsobj.Type(rec.Type),
			Parent:       rec.Parent,
			HeaderChunk:  rec.HeaderChunk,
			Perm:         rec.Perm,
			UID:          rec.UID,
			GID:          rec.GID,
			ATime:        rec.ATime,
			MTime:        rec.MTime,
			CTime:        rec.CTime,
			HasXattr:     rec.HasXattr,
			EquivalentID: rec.EquivalentID,
		}
		obj.RestoreName(rec.Name, rec.NameChecksum, rec.NameLazy)
		switch obj.Type {
		case yfsobj.TypeDirectory:
			obj.Dir = &yfsobj.DirPayload{}
		case yfsobj.TypeFile:
			tree := yfstree.NewTree(rec.TreeGroupBits)
			trees[obj.ID] = tree
			obj.File = &yfsobj.FilePayload{
				Tree:           tree,
				FileSize:       rec.FileSize,
				StoredSize:     rec.StoredSize,
				ShrinkSize:     rec.ShrinkSize,
				DataChunkCount: rec.DataChunkCount,
			}
		case yfsobj.TypeSymlink:
			obj.Symlink = &yfsobj.SymlinkPayload{Target: rec.SymlinkTarget}
		case yfsobj.TypeSpecial:
			obj.Special = &yfsobj.SpecialPayload{Major: rec.SpecialMajor, Minor: rec.SpecialMinor}
		}
		objTbl.Insert(obj)
	}

	// second pass: re-link parent/child and hard-link structure, now
	// that every object is present in the table.
	for _, rec := range cp.Objects {
		obj, _ := objTbl.Get(rec.ID)
		if isPseudoDir(rec.ID) {
			continue
		}
		if parent, ok := objTbl.Get(rec.Parent); ok && parent.Dir != nil {
			objTbl.LinkChild(parent, obj)
		}
		if obj.Type == yfsobj.TypeHardlink {
			if target, ok := objTbl.Get(obj.EquivalentID); ok {
				objTbl.LinkHardlink(target, obj)
			}
		}
	}

	for _, te := range cp.TreeEntries {
		tree, ok := trees[te.Object]
		if !ok {
			continue
		}
		tree.Insert(te.Logical, te.GroupBase*yfsaddr.PhysAddr(tree.GroupSize()))
	}

	return tbl, objTbl, trees
}

func isPseudoDir(id yfsaddr.ObjectID) bool {
	switch id {
	case yfsobj.Unlinked, yfsobj.Deleted, yfsobj.Root, yfsobj.LostAndFound:
		return true
	default:
		return false
	}
}
