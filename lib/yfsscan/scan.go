// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package yfsscan implements C7, the mount-time log replay that
// rebuilds the block table (C1), object table (C3), and per-file
// index trees (C4) by reading every non-bad block, sorted by
// sequence number. Checkpoint restore — the other half of mount scan
// — lives in yfscheckpoint, since it deserializes rather than replays.
package yfsscan

import (
	"context"

	"github.com/zhaogezhang/study-yaffs/lib/containers"
	"github.com/zhaogezhang/study-yaffs/lib/yfsaddr"
	"github.com/zhaogezhang/study-yaffs/lib/yfsblock"
	"github.com/zhaogezhang/study-yaffs/lib/yfsnand"
	"github.com/zhaogezhang/study-yaffs/lib/yfsobj"
	"github.com/zhaogezhang/study-yaffs/lib/yfstags"
	"github.com/zhaogezhang/study-yaffs/lib/yfstree"
)

// Mode selects the log-replay arbitration rule (spec §4.7).
type Mode int

const (
	// ModeBackward is the v2 path: blocks newest-sequence-first, chunks
	// high-to-low offset, first-seen-wins.
	ModeBackward Mode = iota
	// ModeForward is the v1 path: blocks oldest-sequence-first, chunks
	// low-to-high offset, higher-serial-number-wins on collision.
	ModeForward
)

// maxParentDepth bounds the root-reachability repair walk (spec
// §4.7's "depth limit of 100").
const maxParentDepth = 100

// Result summarizes what the scan found that needed fixing up.
type Result struct {
	RootOK         bool
	OrphansFound   int
	RehomedDepth   int
	HardlinksFixed int
}

type blockSeq struct {
	Block yfsaddr.BlockNo
	Seq   yfsaddr.SeqNo
}

// Scanner drives C7's log-replay path.
type Scanner struct {
	dev    yfsnand.Device
	codec  yfstags.Codec
	geo    yfsaddr.Geometry
	tbl    *yfsblock.Table
	objTbl *yfsobj.Table
	trees  map[yfsaddr.ObjectID]*yfstree.Tree
	mode   Mode

	groupBits uint

	deferredHardlinks []*yfsobj.Object
	// serials tracks the last-seen serial number per (object, logical
	// chunk), used only by ModeForward to arbitrate collisions via
	// yfstags.Supersedes.
	serials map[yfsaddr.ObjectID]map[yfsaddr.LogicalChunkID]uint8
}

// NewScanner constructs a scanner. trees is populated in place as
// files are discovered; it should be empty on entry. objTbl should
// already contain the four pseudo-directories.
func NewScanner(dev yfsnand.Device, codec yfstags.Codec, tbl *yfsblock.Table, objTbl *yfsobj.Table, trees map[yfsaddr.ObjectID]*yfstree.Tree, groupBits uint, mode Mode) *Scanner {
	return &Scanner{
		dev:       dev,
		codec:     codec,
		geo:       dev.Geometry(),
		tbl:       tbl,
		objTbl:    objTbl,
		trees:     trees,
		groupBits: groupBits,
		mode:      mode,
		serials:   make(map[yfsaddr.ObjectID]map[yfsaddr.LogicalChunkID]uint8),
	}
}

// Scan performs the full log replay and post-walk fixups.
func (s *Scanner) Scan(ctx context.Context) (Result, error) {
	order, err := s.orderBlocks(ctx)
	if err != nil {
		return Result{}, err
	}

	for _, bs := range order {
		if err := s.replayBlock(ctx, bs); err != nil {
			return Result{}, err
		}
	}

	s.fixupHardlinks()
	orphans := s.collectOrphans()
	depth := s.repairUnreachable()
	s.stripPseudoDirContents()

	return Result{
		RootOK:         true,
		OrphansFound:   orphans,
		RehomedDepth:   depth,
		HardlinksFixed: len(s.deferredHardlinks),
	}, nil
}

// orderBlocks reads each non-bad block's first chunk to recover its
// sequence number, then sorts via an RBTree keyed by sequence number
// (ascending for forward, walked in reverse for backward).
func (s *Scanner) orderBlocks(ctx context.Context) ([]blockSeq, error) {
	tree := &containers.RBTree[containers.NativeOrdered[yfsaddr.SeqNo], blockSeq]{
		KeyFn: func(bs blockSeq) containers.NativeOrdered[yfsaddr.SeqNo] {
			return containers.NativeOrdered[yfsaddr.SeqNo]{Val: bs.Seq}
		},
	}

	for i := 0; i < s.tbl.NumBlocks(); i++ {
		block := yfsaddr.BlockNo(i)
		bad, err := s.dev.CheckBad(ctx, block)
		if err != nil {
			return nil, err
		}
		if bad {
			s.tbl.GetBlockInfo(block).State = yfsblock.Dead
			continue
		}

		data := make([]byte, s.geo.DataBytes)
		oob := make([]byte, yfstags.InlineSize)
		_, err = s.dev.ReadChunk(ctx, block, 0, data, oob)
		if err != nil {
			// An unreadable first chunk means the block was never
			// written; treat it as EMPTY rather than failing the scan.
			s.tbl.GetBlockInfo(block).State = yfsblock.Empty
			continue
		}
		tags, err := s.codec.Decode(data, oob)
		if err != nil || (tags.ObjectID == 0 && tags.BlockSeq == 0) {
			s.tbl.GetBlockInfo(block).State = yfsblock.Empty
			continue
		}

		s.tbl.GetBlockInfo(block).State = yfsblock.Full
		s.tbl.GetBlockInfo(block).SeqNum = yfsaddr.SeqNo(tags.BlockSeq)
		tree.Insert(blockSeq{Block: block, Seq: yfsaddr.SeqNo(tags.BlockSeq)})
	}

	var order []blockSeq
	switch s.mode {
	case ModeForward:
		for n := tree.Min(); n != nil; n = tree.Next(n) {
			order = append(order, n.Value)
		}
	default:
		for n := tree.Max(); n != nil; n = tree.Prev(n) {
			order = append(order, n.Value)
		}
	}
	return order, nil
}

func (s *Scanner) chunkOffsets() []yfsaddr.ChunkOffset {
	offs := make([]yfsaddr.ChunkOffset, s.geo.ChunksPerBlock)
	for i := range offs {
		if s.mode == ModeForward {
			offs[i] = yfsaddr.ChunkOffset(i)
		} else {
			offs[i] = yfsaddr.ChunkOffset(s.geo.ChunksPerBlock - 1 - i)
		}
	}
	return offs
}

func (s *Scanner) replayBlock(ctx context.Context, bs blockSeq) error {
	data := make([]byte, s.geo.DataBytes)
	oob := make([]byte, yfstags.InlineSize)

	for _, offset := range s.chunkOffsets() {
		status, err := s.dev.ReadChunk(ctx, bs.Block, offset, data, oob)
		if err != nil {
			continue
		}
		if yfsnand.Policy(status) == yfsnand.ActionRetire {
			s.tbl.GetBlockInfo(bs.Block).GCPrioritise = true
		}
		tags, err := s.codec.Decode(data, oob)
		if err != nil || tags.ObjectID == 0 {
			continue // unwritten or unparseable slot
		}

		addr := s.geo.Join(bs.Block, offset)
		if tags.IsHeader() {
			s.replayHeader(tags, addr)
		} else {
			s.replayDataChunk(tags, addr)
		}
	}
	return nil
}

func (s *Scanner) getOrCreateFile(id yfsaddr.ObjectID) *yfsobj.Object {
	if obj, ok := s.objTbl.Get(id); ok {
		return obj
	}
	obj := &yfsobj.Object{ID: id, Type: yfsobj.TypeFile, File: &yfsobj.FilePayload{}}
	s.objTbl.Insert(obj)
	s.trees[id] = yfstree.NewTree(s.groupBits)
	obj.File.Tree = s.trees[id]
	return obj
}

func (s *Scanner) replayHeader(tags yfstags.ExtTags, addr yfsaddr.PhysAddr) {
	existing, seen := s.objTbl.Get(tags.ObjectID)
	if seen && existing.Parent == 0 && !isPseudoDir(existing.ID) {
		// replayDataChunk created this object before any of its headers
		// was reached, so this is the first header seen for it.
		s.applyHeader(existing, tags, addr)
		return
	}
	if seen {
		if s.mode == ModeBackward {
			// first-seen-wins on backward scan: newer (already visited)
			// header stays authoritative.
			return
		}
		// forward scan: this header is newer (blocks walked
		// oldest-first); it wins outright by overwriting the record.
		s.applyHeader(existing, tags, addr)
		return
	}

	obj := &yfsobj.Object{ID: tags.ObjectID, Parent: tags.ParentID, HeaderChunk: addr}
	obj.SetName("", 0)
	s.objTbl.Insert(obj)
	s.applyHeader(obj, tags, addr)

	switch obj.Type {
	case yfsobj.TypeDirectory:
		obj.Dir = &yfsobj.DirPayload{}
	case yfsobj.TypeHardlink:
		s.deferredHardlinks = append(s.deferredHardlinks, obj)
	}
}

// applyHeader installs a header's fields onto obj, creating its
// file payload and index tree the first time a file's header is seen.
func (s *Scanner) applyHeader(obj *yfsobj.Object, tags yfstags.ExtTags, addr yfsaddr.PhysAddr) {
	obj.Type = yfsobj.Type(tags.ObjType)
	obj.Parent = tags.ParentID
	obj.HeaderChunk = addr
	obj.EquivalentID = tags.ShadowsID
	if obj.Type == yfsobj.TypeFile {
		if obj.File == nil {
			tr := yfstree.NewTree(s.groupBits)
			s.trees[obj.ID] = tr
			obj.File = &yfsobj.FilePayload{Tree: tr}
		}
		obj.File.FileSize = tags.FileSize
		if tags.IsShrink {
			obj.File.ShrinkSize = tags.FileSize
		}
	}
	// ShadowsID marks a concurrently-rewritten predecessor as deleted:
	// drop it from the table outright so nothing resolves to it again.
	if tags.ShadowsID != 0 {
		if shadowed, ok := s.objTbl.Get(tags.ShadowsID); ok {
			s.objTbl.Remove(shadowed)
		}
	}
}

func (s *Scanner) replayDataChunk(tags yfstags.ExtTags, addr yfsaddr.PhysAddr) {
	s.getOrCreateFile(tags.ObjectID)
	tree := s.trees[tags.ObjectID]
	logical := tags.LogicalChunk()

	if s.mode == ModeBackward {
		if _, ok := tree.Lookup(logical); ok {
			return // first-seen-wins
		}
		tree.Insert(logical, addr)
		return
	}

	// forward scan: the higher serial number (mod 4, with wrap) wins a
	// collision.
	perObj := s.serials[tags.ObjectID]
	if perObj == nil {
		perObj = make(map[yfsaddr.LogicalChunkID]uint8)
		s.serials[tags.ObjectID] = perObj
	}
	oldSerial, seen := perObj[logical]
	if !seen || yfstags.Supersedes(oldSerial, tags.SerialNumber) {
		tree.Insert(logical, addr)
		perObj[logical] = tags.SerialNumber
	}
}

// fixupHardlinks resolves deferred hard-link headers against their
// equivalent target, registering each into the target's hard-link
// list.
func (s *Scanner) fixupHardlinks() {
	for _, link := range s.deferredHardlinks {
		target, ok := s.objTbl.Get(link.EquivalentID)
		if !ok {
			continue
		}
		s.objTbl.LinkHardlink(target, link)
	}
}

// collectOrphans moves every non-pseudo-dir object with no resolvable
// parent directory to LOST_AND_FOUND.
func (s *Scanner) collectOrphans() int {
	lostAndFound, ok := s.objTbl.Get(yfsobj.LostAndFound)
	if !ok {
		return 0
	}
	n := 0
	for i := 0; i < yfsobj.NBuckets; i++ {
		var orphans []*yfsobj.Object
		s.objTbl.ForEachBucket(i, func(obj *yfsobj.Object) {
			if isPseudoDir(obj.ID) {
				return
			}
			if _, ok := s.objTbl.Get(obj.Parent); !ok {
				orphans = append(orphans, obj)
			}
		})
		for _, obj := range orphans {
			s.objTbl.LinkChild(lostAndFound, obj)
			n++
		}
	}
	return n
}

// repairUnreachable re-homes any object whose parent chain doesn't
// reach ROOT within maxParentDepth hops, returning how many objects
// needed fixing.
func (s *Scanner) repairUnreachable() int {
	lostAndFound, ok := s.objTbl.Get(yfsobj.LostAndFound)
	if !ok {
		return 0
	}
	fixed := 0
	for i := 0; i < yfsobj.NBuckets; i++ {
		var broken []*yfsobj.Object
		s.objTbl.ForEachBucket(i, func(obj *yfsobj.Object) {
			if isPseudoDir(obj.ID) {
				return
			}
			if !s.reachesRoot(obj) {
				broken = append(broken, obj)
			}
		})
		for _, obj := range broken {
			s.objTbl.LinkChild(lostAndFound, obj)
			fixed++
		}
	}
	return fixed
}

func (s *Scanner) reachesRoot(obj *yfsobj.Object) bool {
	cur := obj
	for i := 0; i < maxParentDepth; i++ {
		if cur.Parent == yfsobj.Root {
			return true
		}
		parent, ok := s.objTbl.Get(cur.Parent)
		if !ok {
			return false
		}
		cur = parent
	}
	return false
}

// stripPseudoDirContents removes anything scan left linked under
// DELETED/UNLINKED — those exist only to anchor soft-deleted/unlinked
// objects until GC reclaims their data, and a fresh mount shouldn't
// expose them as visible directory entries.
func (s *Scanner) stripPseudoDirContents() {
	for _, id := range []yfsaddr.ObjectID{yfsobj.Deleted, yfsobj.Unlinked} {
		dir, ok := s.objTbl.Get(id)
		if !ok || dir.Dir == nil {
			continue
		}
		var children []*yfsobj.Object
		for e := dir.Dir.Children.Oldest; e != nil; e = e.Newer {
			children = append(children, e.Value)
		}
		for _, child := range children {
			s.objTbl.UnlinkChild(dir, child)
			s.objTbl.Remove(child)
		}
	}
}

func isPseudoDir(id yfsaddr.ObjectID) bool {
	switch id {
	case yfsobj.Unlinked, yfsobj.Deleted, yfsobj.Root, yfsobj.LostAndFound:
		return true
	default:
		return false
	}
}
