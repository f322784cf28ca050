// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package yfscheckpoint implements the checkpoint side of mount scan
// (spec §4.7): rather than replaying the entire log, a volume that
// unmounted cleanly can restore its block table (C1), object table
// (C3), and per-file index trees (C4) from a single serialized
// snapshot written to a run of CHECKPOINT-labeled blocks. yfs.Mount
// falls back to yfsscan's log replay when no checkpoint validates.
package yfscheckpoint

import (
	"github.com/google/uuid"

	"github.com/zhaogezhang/study-yaffs/lib/yfsaddr"
)

// Header identifies and validates a checkpoint stream.
type Header struct {
	ID       uuid.UUID // stamped fresh each time a checkpoint is written
	Geometry yfsaddr.Geometry
	// WrittenSeq is the block-sequence counter value at the moment the
	// checkpoint was taken; yfs.Mount resumes the allocator's sequence
	// counter from this value plus one.
	WrittenSeq yfsaddr.SeqNo
}

// BlockRecord mirrors one yfsblock.Info, minus the fields (GCStrikes,
// RetirePending, NeedsRetiring, GCPrioritise) that are
// scan-and-GC-only bookkeeping the checkpoint doesn't preserve across
// a mount.
type BlockRecord struct {
	Block        yfsaddr.BlockNo
	State        uint8
	SeqNum       yfsaddr.SeqNo
	PagesInUse   int
	SoftDelPages int
	IsCheckpoint bool
	Bitmap       []byte
}

// ObjectRecord mirrors one yfsobj.Object's persistent fields.
type ObjectRecord struct {
	ID           yfsaddr.ObjectID
	Type         uint8
	Parent       yfsaddr.ObjectID
	Name         string
	NameChecksum uint16
	NameLazy     bool
	HeaderChunk  yfsaddr.PhysAddr
	Perm         uint32
	UID          uint32
	GID          uint32
	ATime        int64
	MTime        int64
	CTime        int64
	HasXattr     bool
	EquivalentID yfsaddr.ObjectID

	// File-only fields, zero otherwise.
	FileSize       uint64
	StoredSize     uint64
	ShrinkSize     uint64
	DataChunkCount int
	TreeGroupBits  uint

	// Symlink-only field.
	SymlinkTarget string

	// Special-only fields.
	SpecialMajor uint32
	SpecialMinor uint32
}

// TreeEntry is one (object, logical chunk) -> chunk-group-base mapping
// from a file's index tree.
type TreeEntry struct {
	Object    yfsaddr.ObjectID
	Logical   yfsaddr.LogicalChunkID
	GroupBase yfsaddr.PhysAddr
}

// Checkpoint is the full serializable snapshot (spec §4.7).
type Checkpoint struct {
	Header      Header
	Blocks      []BlockRecord
	Objects     []ObjectRecord
	TreeEntries []TreeEntry
}

// New stamps a fresh checkpoint header with a new random ID.
func New(geo yfsaddr.Geometry, writtenSeq yfsaddr.SeqNo) Header {
	return Header{
		ID:         uuid.New(),
		Geometry:   geo,
		WrittenSeq: writtenSeq,
	}
}
