// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package yfs

import (
	"context"

	"github.com/zhaogezhang/study-yaffs/lib/yfsaddr"
	"github.com/zhaogezhang/study-yaffs/lib/yfscache"
	"github.com/zhaogezhang/study-yaffs/lib/yfsgc"
	"github.com/zhaogezhang/study-yaffs/lib/yfsnand"
	"github.com/zhaogezhang/study-yaffs/lib/yfsobj"
	"github.com/zhaogezhang/study-yaffs/lib/yfstags"
)

var _ yfscache.Backend = (*FS)(nil)
var _ yfsgc.Backend = (*FS)(nil)

// LoadChunk implements yfscache.Backend by resolving key's logical
// chunk through the owning file's index tree and reading it off flash.
// A hole (never written) zero-fills buf, matching the contract.
func (fs *FS) LoadChunk(ctx context.Context, key yfscache.Key, buf []byte) (int, error) {
	for i := range buf {
		buf[i] = 0
	}
	obj, ok := fs.objTbl.Get(key.Object)
	if !ok || obj.File == nil {
		return 0, nil
	}
	tree, ok := obj.File.Tree.(yfstreeLike)
	if !ok {
		return 0, nil
	}
	addr, ok := fs.resolveChunk(ctx, key.Object, tree, key.Chunk)
	if !ok {
		return 0, nil
	}
	data, tags, err := fs.rawRead(ctx, addr)
	if err != nil {
		return 0, err
	}
	n := int(tags.NBytes)
	if n > len(buf) {
		n = len(buf)
	}
	copy(buf, data[:n])
	return n, nil
}

// FlushChunk implements yfscache.Backend: it writes data to a newly
// allocated chunk, bumps the write-generation serial number, patches
// the file's index tree, and drops the previous chunk (if any).
func (fs *FS) FlushChunk(ctx context.Context, key yfscache.Key, data []byte) error {
	obj, ok := fs.objTbl.Get(key.Object)
	if !ok || obj.File == nil {
		return nil
	}
	tree, ok := obj.File.Tree.(yfstreeLike)
	if !ok {
		return nil
	}

	old, hadOld := fs.resolveChunk(ctx, key.Object, tree, key.Chunk)

	serial := fs.nextSerial(key.Object, key.Chunk)
	tags := yfstags.ExtTags{
		ObjectID:     key.Object,
		ChunkID:      uint32(key.Chunk) + 1,
		NBytes:       uint16(len(data)),
		SerialNumber: serial,
	}
	addr, err := fs.writeChunk(ctx, tags, data, false)
	if err != nil {
		return err
	}
	tree.Insert(key.Chunk, addr)
	fs.setSerial(key.Object, key.Chunk, serial)

	if hadOld {
		fs.deleteChunk(old)
	} else {
		obj.File.DataChunkCount++
	}
	obj.File.StoredSize += uint64(len(data))
	return nil
}

func (fs *FS) nextSerial(obj yfsaddr.ObjectID, chunk yfsaddr.LogicalChunkID) uint8 {
	perObj, ok := fs.serials[obj]
	if !ok {
		return 0
	}
	return yfstags.NextSerial(perObj[chunk])
}

func (fs *FS) setSerial(obj yfsaddr.ObjectID, chunk yfsaddr.LogicalChunkID, serial uint8) {
	perObj, ok := fs.serials[obj]
	if !ok {
		perObj = make(map[yfsaddr.LogicalChunkID]uint8)
		fs.serials[obj] = perObj
	}
	perObj[chunk] = serial
}

// ReadChunk implements yfsgc.Backend.
func (fs *FS) ReadChunk(ctx context.Context, addr yfsaddr.PhysAddr) ([]byte, yfstags.ExtTags, yfsnand.ECCStatus, error) {
	block, offset := fs.geo.Split(addr)
	data := make([]byte, fs.geo.DataBytes)
	oob := make([]byte, yfstags.InlineSize)
	status, err := fs.dev.ReadChunk(ctx, block, offset, data, oob)
	if err != nil {
		return nil, yfstags.ExtTags{}, status, err
	}
	tags, err := fs.codec.Decode(data, oob)
	return data, tags, status, err
}

// Classify implements yfsgc.Backend: a chunk whose owning object no
// longer exists (or, for data chunks, whose owner isn't a file) is
// dropped; a chunk owned by an object parked under the DELETED
// pseudo-directory is soft-deleted; anything else is live and must be
// relocated.
func (fs *FS) Classify(ctx context.Context, tags yfstags.ExtTags) (yfsgc.Verdict, error) {
	if tags.ObjectID == checkpointObjectID {
		return yfsgc.VerdictDeleted, nil
	}
	obj, ok := fs.objTbl.Get(tags.ObjectID)
	if !ok {
		return yfsgc.VerdictDeleted, nil
	}
	if tags.IsHeader() {
		return yfsgc.VerdictRelocated, nil
	}
	if obj.Type != yfsobj.TypeFile || obj.File == nil {
		return yfsgc.VerdictDeleted, nil
	}
	if obj.Parent == yfsobj.Deleted {
		return yfsgc.VerdictSoftDeleted, nil
	}
	return yfsgc.VerdictRelocated, nil
}

// ReclaimSoftDeleted implements yfsgc.Backend: spec's cleanup-list
// mechanism. Each call records one reclaimed data chunk against its
// owning object's live data-chunk count; once that count reaches
// zero the object (its header chunk, index tree, serials, and
// xattrs) is dropped from the table entirely.
func (fs *FS) ReclaimSoftDeleted(ctx context.Context, tags yfstags.ExtTags) error {
	obj, ok := fs.objTbl.Get(tags.ObjectID)
	if !ok || obj.File == nil {
		return nil
	}
	if obj.File.DataChunkCount > 0 {
		obj.File.DataChunkCount--
	}
	if obj.File.DataChunkCount > 0 {
		return nil
	}
	if parent, ok := fs.objTbl.Get(obj.Parent); ok {
		fs.objTbl.UnlinkChild(parent, obj)
	}
	fs.objTbl.Remove(obj)
	fs.deleteChunk(obj.HeaderChunk)
	delete(fs.trees, obj.ID)
	delete(fs.serials, obj.ID)
	delete(fs.xattrs, obj.ID)
	return nil
}

// Relocate implements yfsgc.Backend: header chunks are rewritten
// verbatim (refreshing the object's current HeaderChunk pointer);
// data chunks are rewritten with a bumped serial number and the
// owning file's index tree is patched to the new address.
func (fs *FS) Relocate(ctx context.Context, tags yfstags.ExtTags, data []byte) (yfsaddr.PhysAddr, error) {
	if tags.IsHeader() {
		obj, ok := fs.objTbl.Get(tags.ObjectID)
		if !ok {
			return 0, nil
		}
		newTags := fs.buildHeaderTags(obj)
		addr, err := fs.writeChunkForRelocation(ctx, newTags, nil)
		if err != nil {
			return 0, err
		}
		obj.HeaderChunk = addr
		return addr, nil
	}

	obj, ok := fs.objTbl.Get(tags.ObjectID)
	if !ok || obj.File == nil {
		return 0, nil
	}
	tree, ok := obj.File.Tree.(yfstreeLike)
	if !ok {
		return 0, nil
	}
	serial := fs.nextSerial(tags.ObjectID, tags.LogicalChunk())
	newTags := yfstags.ExtTags{
		ObjectID:     tags.ObjectID,
		ChunkID:      tags.ChunkID,
		NBytes:       tags.NBytes,
		SerialNumber: serial,
	}
	addr, err := fs.writeChunkForRelocation(ctx, newTags, data[:tags.NBytes])
	if err != nil {
		return 0, err
	}
	tree.Insert(tags.LogicalChunk(), addr)
	fs.setSerial(tags.ObjectID, tags.LogicalChunk(), serial)
	return addr, nil
}
