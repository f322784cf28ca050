// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package yfstree implements C4, the per-file index tree: a
// fixed-fanout radix tree keyed by the logical chunk index within a
// file, whose leaves hold the physical chunk address at which that
// logical chunk last landed.
//
// The source this spec was distilled from packs each leaf slot into a
// manually bit-packed `tnode_width`-wide integer to save RAM; here
// each slot is a plain Go struct instead; the Go runtime already lays
// out a fixed-size array densely, and fighting the garbage collector
// with unsafe bit-packing buys nothing a systems-C implementation
// needed it for.
package yfstree

import (
	"github.com/zhaogezhang/study-yaffs/lib/yfsaddr"
)

// InternalFanout and LeafFanout are the tree's two fanout widths
// (spec §3 "Index tree").
const (
	InternalFanout = 8
	LeafFanout     = 16
)

// slot is one leaf entry: the chunk-group base a logical chunk was
// last written to, or the zero value when unset.
type slot struct {
	base yfsaddr.PhysAddr
	set  bool
}

// node is either an internal node (children populated) or a leaf
// node (leaves populated); a Tree's nodes all share one kind per
// level, determined by depth during traversal.
type node struct {
	children [InternalFanout]*node
	leaves   [LeafFanout]slot
}

func (n *node) isEmpty(leaf bool) bool {
	if leaf {
		for _, s := range n.leaves {
			if s.set {
				return false
			}
		}
		return true
	}
	for _, c := range n.children {
		if c != nil {
			return false
		}
	}
	return true
}

// Tree is one file's index tree (C4). GroupBits is chunk_grp_bits:
// log2 of the chunk-group size that a single leaf slot's stored
// address may actually resolve to, when the physical address space is
// wider than this file has needed to address exactly so far — callers
// resolve the exact chunk within a >1-sized group themselves, via the
// block bitmap and tags (yfsblock, yfstags), since that requires
// device access the tree itself doesn't have.
type Tree struct {
	root      *node
	depth     int // number of internal levels above the leaf level
	GroupBits uint
}

// NewTree creates an empty index tree. groupBits is chunk_grp_bits;
// pass 0 if every leaf slot addresses an exact physical chunk.
func NewTree(groupBits uint) *Tree {
	return &Tree{root: &node{}, depth: 0, GroupBits: groupBits}
}

// GroupSize is 2^GroupBits, the number of adjacent physical chunks a
// single leaf slot's group base may represent.
func (t *Tree) GroupSize() int64 {
	return int64(1) << t.GroupBits
}

func capacityAtDepth(depth int) int64 {
	cap := int64(LeafFanout)
	for i := 0; i < depth; i++ {
		cap *= InternalFanout
	}
	return cap
}

// growToFit grows the tree (wrapping the current root as child 0 of a
// fresh, taller root) until key fits within its addressable range.
func (t *Tree) growToFit(key int64) {
	for key >= capacityAtDepth(t.depth) {
		newRoot := &node{}
		newRoot.children[0] = t.root
		t.root = newRoot
		t.depth++
	}
}

// descend walks from the root to the leaf node that would hold key,
// creating internal nodes along the way when create is true. It
// returns nil if create is false and a node on the path is missing.
func (t *Tree) descend(key int64, create bool) *node {
	n := t.root
	for level := t.depth; level > 0; level-- {
		below := capacityAtDepth(level - 1)
		idx := (key / below) % InternalFanout
		if n.children[idx] == nil {
			if !create {
				return nil
			}
			n.children[idx] = &node{}
		}
		n = n.children[idx]
	}
	return n
}

// Insert records that logical chunk id now lives at addr, growing the
// tree if id is beyond its current reach.
func (t *Tree) Insert(id yfsaddr.LogicalChunkID, addr yfsaddr.PhysAddr) {
	key := int64(id)
	t.growToFit(key)
	leaf := t.descend(key, true)
	leaf.leaves[key%LeafFanout] = slot{base: addr / yfsaddr.PhysAddr(t.GroupSize()), set: true}
}

// Lookup returns the chunk-group base last recorded for id, and
// whether an entry exists at all.
func (t *Tree) Lookup(id yfsaddr.LogicalChunkID) (groupBase yfsaddr.PhysAddr, ok bool) {
	key := int64(id)
	if key >= capacityAtDepth(t.depth) {
		return 0, false
	}
	leaf := t.descend(key, false)
	if leaf == nil {
		return 0, false
	}
	s := leaf.leaves[key%LeafFanout]
	return s.base, s.set
}

// Delete clears id's entry, then prunes now-empty nodes bottom-up
// along the path to the root.
func (t *Tree) Delete(id yfsaddr.LogicalChunkID) {
	key := int64(id)
	if key >= capacityAtDepth(t.depth) {
		return
	}
	t.deleteAndPrune(t.root, t.depth, key)
	t.shrinkTop()
}

// deleteAndPrune clears the slot for key under n (at the given
// level), removing any child node left fully empty afterward.
// Returns whether n itself is now empty.
func (t *Tree) deleteAndPrune(n *node, level int, key int64) bool {
	if level == 0 {
		n.leaves[key%LeafFanout] = slot{}
		return n.isEmpty(true)
	}
	below := capacityAtDepth(level - 1)
	idx := (key / below) % InternalFanout
	child := n.children[idx]
	if child == nil {
		return n.isEmpty(false)
	}
	if t.deleteAndPrune(child, level-1, key%below) {
		n.children[idx] = nil
	}
	return n.isEmpty(false)
}

// shrinkTop implements the top-down half of pruning: while the root
// has only its first child occupied, replace the root with that
// child and shorten the tree by one level.
func (t *Tree) shrinkTop() {
	for t.depth > 0 {
		only := true
		for i := 1; i < InternalFanout; i++ {
			if t.root.children[i] != nil {
				only = false
				break
			}
		}
		if !only || t.root.children[0] == nil {
			return
		}
		t.root = t.root.children[0]
		t.depth--
	}
}

// Truncate deletes every entry with a logical chunk id >= newLen,
// used when a file shrinks.
func (t *Tree) Truncate(newLen yfsaddr.LogicalChunkID) {
	if int64(newLen) >= capacityAtDepth(t.depth) {
		return
	}
	t.truncateNode(t.root, t.depth, int64(newLen))
	t.shrinkTop()
}

// truncateNode removes every slot with a key >= cutoff from the
// subtree rooted at n (covering the range [0, capacityAtDepth(level)))
// and prunes children left empty.
func (t *Tree) truncateNode(n *node, level int, cutoff int64) {
	if cutoff <= 0 {
		*n = node{}
		return
	}
	if level == 0 {
		for i := range n.leaves {
			if int64(i) >= cutoff {
				n.leaves[i] = slot{}
			}
		}
		return
	}
	below := capacityAtDepth(level - 1)
	firstAffected := cutoff / below
	for i := int64(firstAffected) + 1; i < InternalFanout; i++ {
		n.children[i] = nil
	}
	if int(firstAffected) < InternalFanout && n.children[firstAffected] != nil {
		childCutoff := cutoff % below
		if childCutoff == 0 {
			n.children[firstAffected] = nil
		} else {
			t.truncateNode(n.children[firstAffected], level-1, childCutoff)
			if n.children[firstAffected].isEmpty(level == 1) {
				n.children[firstAffected] = nil
			}
		}
	}
}

// SoftDelete walks every populated leaf in post-order, right-to-left,
// calls fn with each live leaf's (id, group base) before zeroing it,
// and prunes any subtree the zeroing leaves fully empty. fn is
// expected to account the chunk as soft-deleted on its owning block;
// the tree itself has no device access to do that.
func (t *Tree) SoftDelete(fn func(id yfsaddr.LogicalChunkID, groupBase yfsaddr.PhysAddr)) {
	t.softDeleteNode(t.root, t.depth, 0, fn)
	t.shrinkTop()
}

func (t *Tree) softDeleteNode(n *node, level int, base int64, fn func(yfsaddr.LogicalChunkID, yfsaddr.PhysAddr)) bool {
	if level == 0 {
		for i := LeafFanout - 1; i >= 0; i-- {
			s := n.leaves[i]
			if s.set {
				fn(yfsaddr.LogicalChunkID(base+int64(i)), s.base)
				n.leaves[i] = slot{}
			}
		}
		return n.isEmpty(true)
	}
	below := capacityAtDepth(level - 1)
	empty := true
	for i := InternalFanout - 1; i >= 0; i-- {
		c := n.children[i]
		if c == nil {
			continue
		}
		if t.softDeleteNode(c, level-1, base+int64(i)*below, fn) {
			n.children[i] = nil
		} else {
			empty = false
		}
	}
	return empty
}

// Walk visits every populated (logical chunk id, group base) pair in
// ascending order of id. Used by GC and fsck-style invariant checks.
func (t *Tree) Walk(fn func(id yfsaddr.LogicalChunkID, groupBase yfsaddr.PhysAddr)) {
	t.walkNode(t.root, t.depth, 0, fn)
}

func (t *Tree) walkNode(n *node, level int, base int64, fn func(yfsaddr.LogicalChunkID, yfsaddr.PhysAddr)) {
	if n == nil {
		return
	}
	if level == 0 {
		for i, s := range n.leaves {
			if s.set {
				fn(yfsaddr.LogicalChunkID(base+int64(i)), s.base)
			}
		}
		return
	}
	below := capacityAtDepth(level - 1)
	for i, c := range n.children {
		if c != nil {
			t.walkNode(c, level-1, base+int64(i)*below, fn)
		}
	}
}

// Depth reports the current number of internal levels above the leaf
// level (0 means the root is itself a leaf node).
func (t *Tree) Depth() int { return t.depth }
