// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package yfsobj implements C3, the object table: id→record lookup by
// hash bucket, directory child-list and name lookup, and hard-link
// resolution.
package yfsobj

import (
	"github.com/zhaogezhang/study-yaffs/lib/containers"
	"github.com/zhaogezhang/study-yaffs/lib/yfsaddr"
)

// Pseudo-directory object ids, reserved below ID 5 (spec §3 "Object").
const (
	Unlinked     yfsaddr.ObjectID = 1
	Deleted      yfsaddr.ObjectID = 2
	Root         yfsaddr.ObjectID = 3
	LostAndFound yfsaddr.ObjectID = 4

	firstFreeID yfsaddr.ObjectID = 5
)

// Type is an object's kind.
type Type uint8

const (
	TypeUnknown Type = iota
	TypeFile
	TypeDirectory
	TypeSymlink
	TypeHardlink
	TypeSpecial
)

// ShortNameLen is SHORT_NAME_LEN: names up to this length live inline
// in the object record; longer names are recovered from the header
// chunk on demand.
const ShortNameLen = 15

// FilePayload is the per-type payload of a TypeFile object.
type FilePayload struct {
	// Tree is the object's index tree (C4). It's stored as an opaque
	// value to avoid a yfsobj<->yfstree import cycle; yfstree.Tree
	// satisfies whatever the owning yfs.FS needs from it.
	Tree interface{}

	TopLevel       int
	FileSize       uint64
	StoredSize     uint64
	ShrinkSize     uint64
	DataChunkCount int
}

// DirPayload is the per-type payload of a TypeDirectory object.
type DirPayload struct {
	Children containers.LinkedList[*Object]
	// DirtyEntry links this directory into the dirty-directory list
	// used to defer mtime updates, when non-nil.
	DirtyEntry *containers.LinkedListEntry[*Object]
}

// SymlinkPayload is the per-type payload of a TypeSymlink object.
type SymlinkPayload struct {
	Target string
}

// SpecialPayload is the per-type payload of a TypeSpecial object.
type SpecialPayload struct {
	Major, Minor uint32
}

// Object is one object-table record.
type Object struct {
	ID     yfsaddr.ObjectID
	Type   Type
	Parent yfsaddr.ObjectID

	nameInline   string
	nameChecksum uint16
	nameLazy     bool // name must be re-read from the header chunk
	HeaderChunk  yfsaddr.PhysAddr

	Perm      uint32
	UID, GID  uint32
	ATime     int64
	MTime     int64
	CTime     int64
	HasXattr  bool
	Dirty     bool

	// childEntry is this object's entry in its parent's DirPayload.Children.
	childEntry *containers.LinkedListEntry[*Object]

	// HardLinks is the list of TypeHardlink objects pointing at this
	// object, populated for the target of at least one hard link.
	HardLinks containers.LinkedList[*Object]
	// hardLinkEntry is this object's entry in its target's HardLinks
	// list, populated when Type == TypeHardlink.
	hardLinkEntry *containers.LinkedListEntry[*Object]
	// EquivalentID is the target object id, populated when Type ==
	// TypeHardlink.
	EquivalentID yfsaddr.ObjectID

	File    *FilePayload
	Dir     *DirPayload
	Symlink *SymlinkPayload
	Special *SpecialPayload

	bucketEntry *containers.LinkedListEntry[*Object]
}

// Name returns the object's name if it's known without a header
// read, and whether a lazy load is still pending.
func (o *Object) Name() (name string, needsLazyLoad bool) {
	return o.nameInline, o.nameLazy
}

// SetName stores name inline if it fits within ShortNameLen, else it
// records only the checksum and marks the name as lazily-loaded (to
// be resolved from the header chunk on first use).
func (o *Object) SetName(name string, checksum uint16) {
	o.nameChecksum = checksum
	if len([]rune(name)) <= ShortNameLen {
		o.nameInline = name
		o.nameLazy = false
	} else {
		o.nameInline = ""
		o.nameLazy = true
	}
}

// ResolveLazyName installs a name recovered from the header chunk,
// clearing the pending-lazy-load flag.
func (o *Object) ResolveLazyName(name string) {
	o.nameInline = name
	o.nameLazy = false
}

func (o *Object) NameChecksum() uint16 { return o.nameChecksum }

// RestoreName installs a name record exactly as captured by a prior
// Name()/NameChecksum() pair, bypassing SetName's length heuristic.
// Used only by yfscheckpoint, which persists the lazy flag directly
// rather than re-deriving it from a (possibly now-unavailable) name.
func (o *Object) RestoreName(inline string, checksum uint16, lazy bool) {
	o.nameInline = inline
	o.nameChecksum = checksum
	o.nameLazy = lazy
}
