// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package yfsnand

import (
	"context"
	"fmt"
	"sync"

	"github.com/zhaogezhang/study-yaffs/lib/yfsaddr"
	"github.com/zhaogezhang/study-yaffs/lib/yfstags"
)

// SimDevice is an in-memory Device used by tests to exercise the core
// without real flash. Its backing store
// outlives any particular *yfs.FS that mounts it, so a test can model
// "simulated power loss" (spec §3 "Lifecycle", scenario S3) by
// discarding the FS's RAM state and mounting a fresh one against the
// same SimDevice.
type SimDevice struct {
	geo yfsaddr.Geometry

	mu      sync.Mutex
	data    []byte   // flat NumChunks()*DataBytes payload store
	oob     [][]byte // per-chunk spare-area tags, len yfstags marshalledSize
	written []bool   // per-chunk: programmed since last erase
	bad     []bool   // per-block: marked bad

	// fault injection, keyed by flat physical chunk index / block number
	eccFaults   map[yfsaddr.PhysAddr]ECCStatus
	writeFaults map[yfsaddr.PhysAddr]error
	eraseFaults map[yfsaddr.BlockNo]error
}

var _ Device = (*SimDevice)(nil)

// NewSimDevice allocates a blank (all-erased) simulated device.
func NewSimDevice(geo yfsaddr.Geometry) *SimDevice {
	n := geo.NumChunks()
	d := &SimDevice{
		geo:         geo,
		data:        make([]byte, n*int64(geo.DataBytes)),
		oob:         make([][]byte, n),
		written:     make([]bool, n),
		bad:         make([]bool, geo.NumBlocks),
		eccFaults:   make(map[yfsaddr.PhysAddr]ECCStatus),
		writeFaults: make(map[yfsaddr.PhysAddr]error),
		eraseFaults: make(map[yfsaddr.BlockNo]error),
	}
	for i := range d.oob {
		d.oob[i] = make([]byte, yfstags.InlineSize)
	}
	return d
}

func (d *SimDevice) Geometry() yfsaddr.Geometry { return d.geo }

// InjectECCFault makes the next ReadChunk at addr report status
// instead of ECCNoError, without corrupting the stored data.
func (d *SimDevice) InjectECCFault(addr yfsaddr.PhysAddr, status ECCStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.eccFaults[addr] = status
}

// InjectWriteFault makes the next WriteChunk at addr fail with err,
// modelling a program-verify mismatch (spec §4 failure model table).
func (d *SimDevice) InjectWriteFault(addr yfsaddr.PhysAddr, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writeFaults[addr] = err
}

// InjectEraseFault makes the next EraseBlock on block fail with err.
func (d *SimDevice) InjectEraseFault(block yfsaddr.BlockNo, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.eraseFaults[block] = err
}

func (d *SimDevice) WriteChunk(_ context.Context, block yfsaddr.BlockNo, chunkInBlock yfsaddr.ChunkOffset, data, oob []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	addr := d.geo.Join(block, chunkInBlock)
	if !d.geo.Valid(addr) {
		return fmt.Errorf("yfsnand: write out of range: %v", addr)
	}
	if d.bad[block] {
		return fmt.Errorf("yfsnand: write to bad block %v", block)
	}
	if err := d.writeFaults[addr]; err != nil {
		delete(d.writeFaults, addr)
		return err
	}
	if d.written[addr] {
		return fmt.Errorf("yfsnand: chunk %v already programmed since last erase", addr)
	}
	if len(data) != d.geo.DataBytes {
		return fmt.Errorf("yfsnand: write of %d bytes, want %d", len(data), d.geo.DataBytes)
	}

	off := int64(addr) * int64(d.geo.DataBytes)
	copy(d.data[off:off+int64(d.geo.DataBytes)], data)
	if oob != nil {
		buf := make([]byte, len(oob))
		copy(buf, oob)
		d.oob[addr] = buf
	}
	d.written[addr] = true
	return nil
}

func (d *SimDevice) ReadChunk(_ context.Context, block yfsaddr.BlockNo, chunkInBlock yfsaddr.ChunkOffset, data, oob []byte) (ECCStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	addr := d.geo.Join(block, chunkInBlock)
	if !d.geo.Valid(addr) {
		return ECCUnrecoverable, fmt.Errorf("yfsnand: read out of range: %v", addr)
	}
	if status, ok := d.eccFaults[addr]; ok {
		delete(d.eccFaults, addr)
		if status == ECCUnrecoverable {
			return status, nil
		}
		// fall through to still return the (possibly-stale) data, as a
		// real driver would after a corrected-but-reportable read.
		off := int64(addr) * int64(d.geo.DataBytes)
		copy(data, d.data[off:off+int64(d.geo.DataBytes)])
		if oob != nil {
			copy(oob, d.oob[addr])
		}
		return status, nil
	}

	off := int64(addr) * int64(d.geo.DataBytes)
	copy(data, d.data[off:off+int64(d.geo.DataBytes)])
	if oob != nil {
		copy(oob, d.oob[addr])
	}
	return ECCNoError, nil
}

func (d *SimDevice) EraseBlock(_ context.Context, block yfsaddr.BlockNo) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.eraseFaults[block]; err != nil {
		delete(d.eraseFaults, block)
		return err
	}
	for off := yfsaddr.ChunkOffset(0); int(off) < d.geo.ChunksPerBlock; off++ {
		addr := d.geo.Join(block, off)
		zOff := int64(addr) * int64(d.geo.DataBytes)
		for i := range d.data[zOff : zOff+int64(d.geo.DataBytes)] {
			d.data[zOff+int64(i)] = 0
		}
		for i := range d.oob[addr] {
			d.oob[addr][i] = 0
		}
		d.written[addr] = false
	}
	return nil
}

func (d *SimDevice) MarkBad(_ context.Context, block yfsaddr.BlockNo) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bad[block] = true
	return nil
}

func (d *SimDevice) CheckBad(_ context.Context, block yfsaddr.BlockNo) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bad[block], nil
}
