// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package yfsnand

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/zhaogezhang/study-yaffs/lib/diskio"
	"github.com/zhaogezhang/study-yaffs/lib/yfsaddr"
)

// fileMagic tags a yfs-mkfs image file so yfs-fsck/yfs-mount can
// sanity-check they were handed the right kind of file before trying
// to interpret its geometry.
const fileMagic = "YFSIMG02"

// oobAreaSize is the fixed OOB tag area of a chunk record; see
// chunkRecordSize for the full record (chunk data + this area + one
// "written since erase" marker byte), the unit FileDevice addresses
// every chunk at.
const oobAreaSize = 40 // >= yfstags.marshalledSize, leaves slack for codec growth

// FileDevice is a Device backed by a single regular file, used by
// cmd/yfs-mkfs, cmd/yfs-fsck, and cmd/yfs-mount to persist a volume
// across process invocations (spec §3's "Lifecycle" scenarios assume
// a volume survives a remount, which an in-process-only SimDevice
// cannot model across separate command invocations). Built on
// lib/diskio.File, buffered with an LRU page cache the same way the
// teacher buffers its own disk-backed image reads.
type FileDevice struct {
	geo  yfsaddr.Geometry
	file diskio.File[int64]

	mu  sync.Mutex
	bad []bool // per-block, mirrored into the file's bad-block table
}

var _ Device = (*FileDevice)(nil)

func chunkRecordSize(geo yfsaddr.Geometry) int64 {
	return int64(geo.DataBytes) + oobAreaSize + 1
}

func badTableOffset() int64 { return int64(len(fileMagic)) + 4 + 4 + 4 }

func headerSize(geo yfsaddr.Geometry) int64 {
	return badTableOffset() + int64(geo.NumBlocks)
}

// CreateFileDevice formats a fresh image file at path, sized for geo,
// all blocks erased and none marked bad.
func CreateFileDevice(path string, geo yfsaddr.Geometry) (*FileDevice, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("yfsnand: create %s: %w", path, err)
	}
	total := headerSize(geo) + geo.NumChunks()*chunkRecordSize(geo)
	if err := f.Truncate(total); err != nil {
		f.Close()
		return nil, fmt.Errorf("yfsnand: truncate %s: %w", path, err)
	}
	dev := newFileDeviceFromOS(f, geo)
	if err := dev.writeHeader(); err != nil {
		return nil, err
	}
	return dev, nil
}

// OpenFileDevice reopens an existing image file, restoring bad-block
// state persisted by a prior session.
func OpenFileDevice(path string) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("yfsnand: open %s: %w", path, err)
	}
	geo, err := readHeader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	dev := newFileDeviceFromOS(f, geo)
	badTbl := make([]byte, geo.NumBlocks)
	if _, err := dev.file.ReadAt(badTbl, badTableOffset()); err != nil {
		return nil, fmt.Errorf("yfsnand: read bad-block table: %w", err)
	}
	for i, b := range badTbl {
		dev.bad[i] = b != 0
	}
	return dev, nil
}

func newFileDeviceFromOS(f *os.File, geo yfsaddr.Geometry) *FileDevice {
	osFile := &diskio.OSFile[int64]{File: f}
	buffered := diskio.NewBufferedFile[int64](osFile, int64(chunkRecordSize(geo)), 64)
	return &FileDevice{
		geo:  geo,
		file: buffered,
		bad:  make([]bool, geo.NumBlocks),
	}
}

func (d *FileDevice) writeHeader() error {
	buf := make([]byte, badTableOffset())
	copy(buf, fileMagic)
	putU32(buf[8:12], uint32(d.geo.ChunksPerBlock))
	putU32(buf[12:16], uint32(d.geo.NumBlocks))
	putU32(buf[16:20], uint32(d.geo.DataBytes))
	if _, err := d.file.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("yfsnand: write header: %w", err)
	}
	badTbl := make([]byte, d.geo.NumBlocks)
	if _, err := d.file.WriteAt(badTbl, badTableOffset()); err != nil {
		return fmt.Errorf("yfsnand: write bad-block table: %w", err)
	}
	return nil
}

func readHeader(f *os.File) (yfsaddr.Geometry, error) {
	buf := make([]byte, badTableOffset())
	if _, err := f.ReadAt(buf, 0); err != nil {
		return yfsaddr.Geometry{}, fmt.Errorf("yfsnand: read header: %w", err)
	}
	if string(buf[:len(fileMagic)]) != fileMagic {
		return yfsaddr.Geometry{}, fmt.Errorf("yfsnand: %s: not a yfs image file", f.Name())
	}
	return yfsaddr.Geometry{
		ChunksPerBlock: int(getU32(buf[8:12])),
		NumBlocks:      int(getU32(buf[12:16])),
		DataBytes:      int(getU32(buf[16:20])),
	}, nil
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func getU32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func (d *FileDevice) Geometry() yfsaddr.Geometry { return d.geo }

func (d *FileDevice) recordOffset(block yfsaddr.BlockNo, chunk yfsaddr.ChunkOffset) int64 {
	flat := int64(block)*int64(d.geo.ChunksPerBlock) + int64(chunk)
	return headerSize(d.geo) + flat*chunkRecordSize(d.geo)
}

func (d *FileDevice) WriteChunk(ctx context.Context, block yfsaddr.BlockNo, chunk yfsaddr.ChunkOffset, data, oob []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bad[block] {
		return fmt.Errorf("yfsnand: block %d is marked bad", block)
	}
	off := d.recordOffset(block, chunk)
	rec := make([]byte, chunkRecordSize(d.geo))
	copy(rec, data)
	copy(rec[d.geo.DataBytes:], oob)
	rec[len(rec)-1] = 1 // written marker
	_, err := d.file.WriteAt(rec, off)
	return err
}

func (d *FileDevice) ReadChunk(ctx context.Context, block yfsaddr.BlockNo, chunk yfsaddr.ChunkOffset, data, oob []byte) (ECCStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	off := d.recordOffset(block, chunk)
	rec := make([]byte, chunkRecordSize(d.geo))
	if _, err := d.file.ReadAt(rec, off); err != nil {
		return ECCUnrecoverable, err
	}
	if rec[len(rec)-1] == 0 {
		return ECCUnrecoverable, fmt.Errorf("yfsnand: chunk %d/%d never written", block, chunk)
	}
	copy(data, rec[:d.geo.DataBytes])
	copy(oob, rec[d.geo.DataBytes:d.geo.DataBytes+len(oob)])
	return ECCNoError, nil
}

func (d *FileDevice) EraseBlock(ctx context.Context, block yfsaddr.BlockNo) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	blank := make([]byte, chunkRecordSize(d.geo)*int64(d.geo.ChunksPerBlock))
	off := d.recordOffset(block, 0)
	_, err := d.file.WriteAt(blank, off)
	return err
}

func (d *FileDevice) MarkBad(ctx context.Context, block yfsaddr.BlockNo) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bad[block] = true
	_, err := d.file.WriteAt([]byte{1}, badTableOffset()+int64(block))
	return err
}

func (d *FileDevice) CheckBad(ctx context.Context, block yfsaddr.BlockNo) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bad[block], nil
}

// Close flushes and closes the backing file.
func (d *FileDevice) Close() error {
	return d.file.Close()
}
