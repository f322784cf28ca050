// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package yfs

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/datawire/dlib/derror"

	"github.com/zhaogezhang/study-yaffs/lib/yfsaddr"
	"github.com/zhaogezhang/study-yaffs/lib/yfsalloc"
	"github.com/zhaogezhang/study-yaffs/lib/yfsblock"
	"github.com/zhaogezhang/study-yaffs/lib/yfscache"
	"github.com/zhaogezhang/study-yaffs/lib/yfscheckpoint"
	"github.com/zhaogezhang/study-yaffs/lib/yfsgc"
	"github.com/zhaogezhang/study-yaffs/lib/yfsnand"
	"github.com/zhaogezhang/study-yaffs/lib/yfsobj"
	"github.com/zhaogezhang/study-yaffs/lib/yfsscan"
	"github.com/zhaogezhang/study-yaffs/lib/yfstags"
	"github.com/zhaogezhang/study-yaffs/lib/yfstree"
)

// checkpointObjectID is the reserved object id under which a
// checkpoint stream's bytes are written as ordinary data chunks
// (spec §4.7's checkpoint path shares the normal allocator and block
// pool; CHECKPOINT is only ever an orthogonal label on the blocks
// those chunks land in). It sits in the high range AssignID never
// hands out.
const checkpointObjectID = yfsaddr.ObjectID(0xFFFFFFFE)

// FS is the mounted volume: the façade wiring C1 (block table), C2
// (allocator), C3 (object table), C4 (index trees), C5 (write-back
// cache), C6 (garbage collector), and C7 (mount scan) into the
// caller-facing operations of spec.md §6. Every operation holds mu for
// its duration, matching spec §5's single device-wide mutex model.
type FS struct {
	mu sync.Mutex

	cfg   MountConfig
	geo   yfsaddr.Geometry
	dev   yfsnand.Device
	codec yfstags.Codec

	tbl    *yfsblock.Table
	alloc  *yfsalloc.Allocator
	objTbl *yfsobj.Table
	trees  map[yfsaddr.ObjectID]*yfstree.Tree

	cache *yfscache.Cache
	gc    *yfsgc.Collector

	// serials tracks the last-written serial number per (object,
	// logical chunk), needed to stamp the next overwrite correctly;
	// yfsscan rebuilds this on mount from the replayed log.
	serials map[yfsaddr.ObjectID]map[yfsaddr.LogicalChunkID]uint8

	// xattrs holds extended-attribute bytes per object. The source this
	// spec was distilled from stores these inline in spare header-chunk
	// space; this façade keeps them in a side table instead of growing
	// yfsobj.Object with an on-flash xattr blob layout SPEC_FULL.md
	// doesn't otherwise need.
	xattrs map[yfsaddr.ObjectID]map[string][]byte

	mounted bool
}

// payloadBytes is the number of data bytes a single chunk can carry
// once the tag codec's reservation is subtracted.
func (fs *FS) payloadBytes() int {
	return fs.geo.DataBytes - fs.codec.TagsSize()
}

// scanReplay runs the mount-time log replay, recovering any panic
// reaching this boundary (a corrupted log can drive yfsobj.Table's
// own consistency panics, e.g. a duplicate object id) into a
// KindFatal error instead of bringing down the mount, the same
// recover()/derror.PanicToError boundary the teacher's inspectors use
// around untrusted on-disk state.
func scanReplay(ctx context.Context, scanner *yfsscan.Scanner) (result yfsscan.Result, err error) {
	defer func() {
		if r := derror.PanicToError(recover()); r != nil {
			err = newErr("mount", KindFatal, r)
		}
	}()
	result, ioErr := scanner.Scan(ctx)
	if ioErr != nil {
		return result, newErr("mount", KindIOError, ioErr)
	}
	return result, nil
}

// Mount brings up a volume: it looks for a valid checkpoint stream
// first (spec §4.7's fast path) and falls back to full log replay via
// yfsscan when none validates.
func Mount(ctx context.Context, dev yfsnand.Device, codec yfstags.Codec, cfg MountConfig) (*FS, error) {
	geo := dev.Geometry()
	fs := &FS{
		cfg:     cfg,
		geo:     geo,
		dev:     dev,
		codec:   codec,
		serials: make(map[yfsaddr.ObjectID]map[yfsaddr.LogicalChunkID]uint8),
		xattrs:  make(map[yfsaddr.ObjectID]map[string][]byte),
	}

	if cp, ok, err := fs.findCheckpoint(ctx); err != nil {
		return nil, newErr("mount", KindIOError, err)
	} else if ok {
		fs.tbl, fs.objTbl, fs.trees = yfscheckpoint.Restore(cp, cfg.CaseInsensitive, 1)
		fs.alloc = yfsalloc.NewAllocator(fs.tbl, geo, cfg.NReservedBlocks, 0, cp.Header.WrittenSeq+1)
	} else {
		fs.tbl = yfsblock.NewTable(geo)
		fs.objTbl = yfsobj.NewTable(cfg.CaseInsensitive, nil)
		for _, id := range []yfsaddr.ObjectID{yfsobj.Unlinked, yfsobj.Deleted, yfsobj.Root, yfsobj.LostAndFound} {
			fs.objTbl.Insert(&yfsobj.Object{ID: id, Type: yfsobj.TypeDirectory, Dir: &yfsobj.DirPayload{}})
		}
		fs.trees = make(map[yfsaddr.ObjectID]*yfstree.Tree)
		fs.alloc = yfsalloc.NewAllocator(fs.tbl, geo, cfg.NReservedBlocks, 0, 1)

		scanner := yfsscan.NewScanner(dev, codec, fs.tbl, fs.objTbl, fs.trees, cfg.GroupBits, cfg.ScanMode)
		result, err := scanReplay(ctx, scanner)
		if err != nil {
			return nil, err
		}
		if !result.RootOK {
			return nil, newErr("mount", KindFatal, fmt.Errorf("root directory not recoverable from log"))
		}
		fs.primeNextSeq()
	}

	fs.gc = yfsgc.NewCollector(fs.tbl, fs.alloc, dev, codec, fs)
	fs.cache = yfscache.New(cfg.NCaches, fs.payloadBytes(), fs)
	fs.mounted = true
	return fs, nil
}

// primeNextSeq sets the allocator's sequence counter one past the
// highest BlockSeq observed across every non-empty block, used after
// a full log replay (checkpoint restore primes it directly from the
// header instead).
func (fs *FS) primeNextSeq() {
	var max yfsaddr.SeqNo
	any := false
	for i := 0; i < fs.tbl.NumBlocks(); i++ {
		info := fs.tbl.GetBlockInfo(yfsaddr.BlockNo(i))
		if info.State == yfsblock.Empty || info.State == yfsblock.Unknown {
			continue
		}
		if !any || info.SeqNum > max {
			max = info.SeqNum
			any = true
		}
	}
	if any {
		fs.alloc.SetNextSeq(max + 1)
	}
}

// Format erases every block and constructs a fresh, empty volume:
// four pseudo-directories and nothing else.
func Format(ctx context.Context, dev yfsnand.Device, codec yfstags.Codec, cfg MountConfig) (*FS, error) {
	geo := dev.Geometry()
	for i := 0; i < geo.NumBlocks; i++ {
		if err := dev.EraseBlock(ctx, yfsaddr.BlockNo(i)); err != nil {
			return nil, newErr("format", KindIOError, err)
		}
	}

	fs := &FS{
		cfg:     cfg,
		geo:     geo,
		dev:     dev,
		codec:   codec,
		tbl:     yfsblock.NewTable(geo),
		objTbl:  yfsobj.NewTable(cfg.CaseInsensitive, nil),
		trees:   make(map[yfsaddr.ObjectID]*yfstree.Tree),
		serials: make(map[yfsaddr.ObjectID]map[yfsaddr.LogicalChunkID]uint8),
		xattrs:  make(map[yfsaddr.ObjectID]map[string][]byte),
	}
	for i := 0; i < geo.NumBlocks; i++ {
		fs.tbl.GetBlockInfo(yfsaddr.BlockNo(i)).State = yfsblock.Empty
	}
	for _, id := range []yfsaddr.ObjectID{yfsobj.Unlinked, yfsobj.Deleted, yfsobj.Root, yfsobj.LostAndFound} {
		fs.objTbl.Insert(&yfsobj.Object{ID: id, Type: yfsobj.TypeDirectory, Dir: &yfsobj.DirPayload{}})
	}
	fs.alloc = yfsalloc.NewAllocator(fs.tbl, geo, cfg.NReservedBlocks, 0, 1)
	fs.gc =yfsgc.NewCollector(fs.tbl, fs.alloc, dev, codec, fs)
	fs.cache = yfscache.New(cfg.NCaches, fs.payloadBytes(), fs)
	fs.mounted = true
	return fs, nil
}

// Sync flushes every dirty cache slot and runs one foreground garbage
// collection pass.
func (fs *FS) Sync(ctx context.Context) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.syncLocked(ctx)
}

func (fs *FS) syncLocked(ctx context.Context) error {
	fs.cache.Flush(ctx)
	fs.refreshCheckpointReserve()
	if err := fs.gc.Run(ctx, false); err != nil && err != yfsgc.ErrNothingToCollect {
		return newErr("sync", KindIOError, err)
	}
	return nil
}

// refreshCheckpointReserve recomputes calc_checkpt_blocks_required
// (spec §4.2/§4.7) from the volume's current object and index-tree
// entry counts, and feeds it to the allocator's reserve policy.
func (fs *FS) refreshCheckpointReserve() {
	numObjects := 0
	for i := 0; i < yfsobj.NBuckets; i++ {
		fs.objTbl.ForEachBucket(i, func(*yfsobj.Object) { numObjects++ })
	}
	numTreeEntries := 0
	for _, tree := range fs.trees {
		tree.Walk(func(yfsaddr.LogicalChunkID, yfsaddr.PhysAddr) { numTreeEntries++ })
	}
	fs.alloc.CheckpointBlocksNeeded = yfscheckpoint.BlocksNeeded(numObjects, numTreeEntries, fs.geo.ChunksPerBlock, fs.payloadBytes())
}

// Unmount flushes outstanding writes, clears any stale checkpoint
// blocks, writes a fresh checkpoint stream, and marks the volume
// unmounted. Callers must not use fs again afterward. Sync and
// checkpoint-write are attempted independently so a failure in one
// doesn't hide whatever the other also found; both errors (if any)
// are reported together via derror.MultiError.
func (fs *FS) Unmount(ctx context.Context) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.mounted {
		return newErr("unmount", KindBusy, fmt.Errorf("already unmounted"))
	}

	var errs derror.MultiError
	if err := fs.syncLocked(ctx); err != nil {
		errs = append(errs, err)
	}
	for i := 0; i < fs.tbl.NumBlocks(); i++ {
		block := yfsaddr.BlockNo(i)
		if fs.tbl.GetBlockInfo(block).IsCheckpoint {
			fs.tbl.SetCheckpoint(block, false)
		}
	}
	if err := fs.writeCheckpoint(ctx); err != nil {
		errs = append(errs, err)
	}
	fs.mounted = false
	if len(errs) > 0 {
		return newErr("unmount", KindIOError, errs)
	}
	return nil
}

// writeCheckpoint captures the current volume state and writes it as
// a data-chunk stream under checkpointObjectID, flagging every block
// it lands in as IsCheckpoint.
func (fs *FS) writeCheckpoint(ctx context.Context) error {
	header := yfscheckpoint.New(fs.geo, fs.alloc.NextSeq()-1)
	cp := yfscheckpoint.Capture(fs.tbl, fs.objTbl, fs.trees, header)

	var buf bytes.Buffer
	if err := yfscheckpoint.Write(&buf, cp); err != nil {
		return err
	}

	payload := fs.payloadBytes()
	data := buf.Bytes()
	chunkID := uint32(0)
	for off := 0; off < len(data) || len(data) == 0; off += payload {
		end := off + payload
		if end > len(data) {
			end = len(data)
		}
		tags := yfstags.ExtTags{
			ObjectID: checkpointObjectID,
			ChunkID:  chunkID,
			NBytes:   uint16(end - off),
		}
		if _, err := fs.writeChunk(ctx, tags, data[off:end], true); err != nil {
			return err
		}
		chunkID++
		if len(data) == 0 {
			break
		}
	}
	return nil
}

// checkpointChunkRef is one chunk discovered to belong to a candidate
// checkpoint stream during findCheckpoint's device-wide probe.
type checkpointChunkRef struct {
	addr    yfsaddr.PhysAddr
	chunkID uint32
	nBytes  uint16
}

// findCheckpoint scans the whole device for chunks tagged with
// checkpointObjectID, reassembles them in chunk-id order, and
// attempts to decode a Checkpoint from the result. It reports ok=false
// (not an error) when no such stream is present, which is the normal
// case for a volume that has never been unmounted cleanly.
func (fs *FS) findCheckpoint(ctx context.Context) (yfscheckpoint.Checkpoint, bool, error) {
	var refs []checkpointChunkRef
	data := make([]byte, fs.geo.DataBytes)
	oob := make([]byte, yfstags.InlineSize)
	for i := int64(0); i < fs.geo.NumChunks(); i++ {
		addr := yfsaddr.PhysAddr(i)
		block, offset := fs.geo.Split(addr)
		if _, err := fs.dev.ReadChunk(ctx, block, offset, data, oob); err != nil {
			continue
		}
		tags, err := fs.codec.Decode(data, oob)
		if err != nil || tags.ObjectID != checkpointObjectID {
			continue
		}
		refs = append(refs, checkpointChunkRef{addr: addr, chunkID: tags.ChunkID, nBytes: tags.NBytes})
	}
	if len(refs) == 0 {
		return yfscheckpoint.Checkpoint{}, false, nil
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].chunkID < refs[j].chunkID })

	var buf bytes.Buffer
	for _, ref := range refs {
		block, offset := fs.geo.Split(ref.addr)
		if _, err := fs.dev.ReadChunk(ctx, block, offset, data, oob); err != nil {
			return yfscheckpoint.Checkpoint{}, false, nil
		}
		buf.Write(data[:ref.nBytes])
	}

	cp, err := yfscheckpoint.Read(&buf)
	if err != nil {
		return yfscheckpoint.Checkpoint{}, false, nil
	}
	return cp, true, nil
}

// Checkpoint exposes findCheckpoint for debug tooling (cmd/yfs-dbg's
// checkpoint dump): it re-scans the device for a persisted checkpoint
// stream without altering any mount state.
func (fs *FS) Checkpoint(ctx context.Context) (yfscheckpoint.Checkpoint, bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.findCheckpoint(ctx)
}

// DeviceStats is a point-in-time summary of volume occupancy, used by
// Stat-on-the-volume-style callers (SPEC_FULL.md's supplemented
// statfs operation).
type DeviceStats struct {
	NumBlocks      int
	ErasedBlocks   int
	TotalChunks    int64
	UsedChunks     int64
	ReservedBlocks int
}

// DeviceStats reports current space usage across the volume.
func (fs *FS) DeviceStats() DeviceStats {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	stats := DeviceStats{
		NumBlocks:      fs.tbl.NumBlocks(),
		ErasedBlocks:   fs.tbl.CountErased(),
		TotalChunks:    fs.geo.NumChunks(),
		ReservedBlocks: fs.cfg.NReservedBlocks,
	}
	for i := 0; i < fs.tbl.NumBlocks(); i++ {
		stats.UsedChunks += int64(fs.tbl.GetBlockInfo(yfsaddr.BlockNo(i)).PagesInUse)
	}
	return stats
}
