// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package yfs

import (
	"context"
	"time"

	"github.com/zhaogezhang/study-yaffs/lib/yfsaddr"
	"github.com/zhaogezhang/study-yaffs/lib/yfscache"
)

// Read implements spec §6's read(object, offset, len, buf).
func (fs *FS) Read(ctx context.Context, object yfsaddr.ObjectID, offset int64, buf []byte) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	obj, ok := fs.objTbl.Get(object)
	if !ok {
		return 0, newErr("read", KindBadHandle, nil)
	}
	if obj.File == nil {
		return 0, newErr("read", KindIsDir, nil)
	}
	if offset < 0 {
		return 0, newErr("read", KindRange, nil)
	}
	if uint64(offset) >= obj.File.FileSize {
		return 0, nil
	}

	want := int64(len(buf))
	if offset+want > int64(obj.File.FileSize) {
		want = int64(obj.File.FileSize) - offset
	}

	chunkBytes := int64(fs.payloadBytes())
	total := 0
	for total < int(want) {
		pos := offset + int64(total)
		logical := yfsaddr.LogicalChunkID(pos / chunkBytes)
		inChunk := int(pos % chunkBytes)

		slot := fs.cache.Acquire(ctx, yfscache.Key{Object: object, Chunk: logical})
		n := slot.Length - inChunk
		if n < 0 {
			n = 0
		}
		remaining := int(want) - total
		if n > remaining {
			n = remaining
		}
		if n > 0 {
			copy(buf[total:total+n], slot.Data[inChunk:inChunk+n])
		}
		fs.cache.Release(yfscache.Key{Object: object, Chunk: logical})

		if n == 0 {
			break
		}
		total += n
	}
	return total, nil
}

// Write implements spec §6's write(object, offset, len, buf,
// writethrough).
func (fs *FS) Write(ctx context.Context, object yfsaddr.ObjectID, offset int64, data []byte, writethrough bool) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	obj, ok := fs.objTbl.Get(object)
	if !ok {
		return 0, newErr("write", KindBadHandle, nil)
	}
	if obj.File == nil {
		return 0, newErr("write", KindIsDir, nil)
	}
	if offset < 0 {
		return 0, newErr("write", KindRange, nil)
	}

	chunkBytes := int64(fs.payloadBytes())
	total := 0
	for total < len(data) {
		pos := offset + int64(total)
		logical := yfsaddr.LogicalChunkID(pos / chunkBytes)
		inChunk := int(pos % chunkBytes)

		n := int(chunkBytes) - inChunk
		if remaining := len(data) - total; n > remaining {
			n = remaining
		}

		key := yfscache.Key{Object: object, Chunk: logical}
		slot := fs.cache.Acquire(ctx, key)
		if cap(slot.Data) < int(chunkBytes) {
			grown := make([]byte, inChunk+n)
			copy(grown, slot.Data[:slot.Length])
			slot.Data = grown
		} else if slot.Length < inChunk+n {
			slot.Data = slot.Data[:inChunk+n]
		}
		copy(slot.Data[inChunk:inChunk+n], data[total:total+n])
		newLen := slot.Length
		if inChunk+n > newLen {
			newLen = inChunk + n
		}
		fs.cache.MarkDirty(slot, slot.Data[:newLen])
		fs.cache.Release(key)

		total += n
	}

	if end := uint64(offset) + uint64(len(data)); end > obj.File.FileSize {
		obj.File.FileSize = end
		if err := fs.writeHeader(ctx, obj, obj.HeaderChunk != 0, 0, false); err != nil {
			return total, newErr("write", KindIOError, err)
		}
	}

	if writethrough {
		fs.cache.Flush(ctx)
	}
	return total, nil
}

// Resize implements spec §6's resize(object, new_size): growing is a
// pure metadata change (holes read as zero); shrinking truncates the
// index tree and releases now-unreachable chunks.
func (fs *FS) Resize(ctx context.Context, object yfsaddr.ObjectID, newSize uint64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	obj, ok := fs.objTbl.Get(object)
	if !ok {
		return newErr("resize", KindBadHandle, nil)
	}
	if obj.File == nil {
		return newErr("resize", KindIsDir, nil)
	}
	if newSize > fs.cfg.MaxFileSize {
		return newErr("resize", KindRange, nil)
	}

	shrinking := newSize < obj.File.FileSize
	if shrinking {
		chunkBytes := uint64(fs.payloadBytes())
		newLogicalCount := yfsaddr.LogicalChunkID((newSize + chunkBytes - 1) / chunkBytes)

		tree, ok := obj.File.Tree.(yfstreeLike)
		if ok {
			if full, ok := obj.File.Tree.(interface {
				Walk(func(yfsaddr.LogicalChunkID, yfsaddr.PhysAddr))
			}); ok {
				var stale []yfsaddr.LogicalChunkID
				full.Walk(func(id yfsaddr.LogicalChunkID, _ yfsaddr.PhysAddr) {
					if id >= newLogicalCount {
						stale = append(stale, id)
					}
				})
				for _, id := range stale {
					if addr, ok := fs.resolveChunk(ctx, object, tree, id); ok {
						fs.deleteChunk(addr)
						obj.File.DataChunkCount--
					}
					fs.cache.Delete(yfscache.Key{Object: object, Chunk: id})
				}
			}
			if truncatable, ok := obj.File.Tree.(interface {
				Truncate(yfsaddr.LogicalChunkID)
			}); ok {
				truncatable.Truncate(newLogicalCount)
			}
		}
		obj.File.StoredSize = newSize
	}

	obj.File.FileSize = newSize
	if err := fs.writeHeader(ctx, obj, obj.HeaderChunk != 0, 0, shrinking); err != nil {
		return newErr("resize", KindIOError, err)
	}
	return nil
}

// Flush implements spec §6's flush(object, update-time?, data-sync?,
// discard-cache?).
func (fs *FS) Flush(ctx context.Context, object yfsaddr.ObjectID, updateTime, dataSync, discardCache bool) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	obj, ok := fs.objTbl.Get(object)
	if !ok {
		return newErr("flush", KindBadHandle, nil)
	}

	if updateTime {
		now := time.Now().Unix()
		obj.MTime = now
		obj.CTime = now
	}
	if dataSync {
		fs.cache.Flush(ctx)
	}
	if discardCache && obj.File != nil {
		if full, ok := obj.File.Tree.(interface {
			Walk(func(yfsaddr.LogicalChunkID, yfsaddr.PhysAddr))
		}); ok {
			var keys []yfsaddr.LogicalChunkID
			full.Walk(func(id yfsaddr.LogicalChunkID, _ yfsaddr.PhysAddr) { keys = append(keys, id) })
			for _, id := range keys {
				fs.cache.Delete(yfscache.Key{Object: object, Chunk: id})
			}
		}
	}
	if updateTime {
		if err := fs.writeHeader(ctx, obj, obj.HeaderChunk != 0, 0, false); err != nil {
			return newErr("flush", KindIOError, err)
		}
	}
	return nil
}
