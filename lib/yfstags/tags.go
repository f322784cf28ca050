// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package yfstags implements the chunk-tag marshalling consumed by the
// core (spec §6 "Tag marshalling"). Tags are the per-chunk metadata
// that rides alongside (OOB) or within (inband) the data payload:
// which object and logical chunk a chunk belongs to, its write
// generation, and the scan hints used by mount scan and GC.
package yfstags

import (
	"encoding/binary"
	"fmt"

	"github.com/zhaogezhang/study-yaffs/lib/yfsaddr"
)

// ExtTags is the in-memory representation of one chunk's tags.
type ExtTags struct {
	ObjectID     yfsaddr.ObjectID
	ChunkID      uint32 // 0 = object header, >=1 = logical data chunk + 1
	NBytes       uint16
	SerialNumber uint8 // 0-3, wraps

	// BlockSeq is the sequence number of the block this chunk's write
	// belonged to, carried on every chunk so mount scan can recover a
	// block's sequence number from its first chunk without consulting
	// anything else.
	BlockSeq uint32

	// Scan hints, valid only when ChunkID == 0 (header chunks).
	ParentID  yfsaddr.ObjectID
	FileSize  uint64
	ObjType   uint8
	IsShrink  bool
	ShadowsID yfsaddr.ObjectID
}

const marshalledSize = 4 + 4 + 2 + 1 + 4 + 4 + 8 + 1 + 1 + 4

// InlineSize is the number of trailing bytes the inband strategy
// steals from a chunk's data payload to hold its tags.
const InlineSize = marshalledSize

func (t ExtTags) marshal(buf []byte) {
	if len(buf) < marshalledSize {
		panic(fmt.Errorf("yfstags: buffer too small: %d < %d", len(buf), marshalledSize))
	}
	bo := binary.BigEndian
	bo.PutUint32(buf[0:4], uint32(t.ObjectID))
	bo.PutUint32(buf[4:8], t.ChunkID)
	bo.PutUint16(buf[8:10], t.NBytes)
	buf[10] = t.SerialNumber & 0x3
	bo.PutUint32(buf[11:15], t.BlockSeq)
	bo.PutUint32(buf[15:19], uint32(t.ParentID))
	bo.PutUint64(buf[19:27], t.FileSize)
	buf[27] = t.ObjType
	buf[28] = boolByte(t.IsShrink)
	bo.PutUint32(buf[29:33], uint32(t.ShadowsID))
}

func (t *ExtTags) unmarshal(buf []byte) error {
	if len(buf) < marshalledSize {
		return fmt.Errorf("yfstags: buffer too small: %d < %d", len(buf), marshalledSize)
	}
	bo := binary.BigEndian
	t.ObjectID = yfsaddr.ObjectID(bo.Uint32(buf[0:4]))
	t.ChunkID = bo.Uint32(buf[4:8])
	t.NBytes = bo.Uint16(buf[8:10])
	t.SerialNumber = buf[10] & 0x3
	t.BlockSeq = bo.Uint32(buf[11:15])
	t.ParentID = yfsaddr.ObjectID(bo.Uint32(buf[15:19]))
	t.FileSize = bo.Uint64(buf[19:27])
	t.ObjType = buf[27]
	t.IsShrink = buf[28] != 0
	t.ShadowsID = yfsaddr.ObjectID(bo.Uint32(buf[29:33]))
	return nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// IsHeader reports whether these tags describe an object-header chunk.
func (t ExtTags) IsHeader() bool { return t.ChunkID == 0 }

// LogicalChunk returns the 0-based logical chunk id for a data chunk's
// tags; callers must first check !IsHeader().
func (t ExtTags) LogicalChunk() yfsaddr.LogicalChunkID {
	return yfsaddr.LogicalChunkID(t.ChunkID - 1)
}

// NextSerial implements the mod-4 write-generation wrap rule used by
// forward-scan arbitration (spec §4.4): the tags for a chunk that
// replaces one with serial number `old` carry serial (old+1)&3.
func NextSerial(old uint8) uint8 {
	return (old + 1) & 0x3
}

// Supersedes reports whether tags with serial number `newer` should
// win over a chunk previously observed with serial number `older`,
// using the forward-scan (oldest-block-first) arbitration rule.
func Supersedes(older, newer uint8) bool {
	return NextSerial(older&0x3) == newer&0x3
}

// Codec marshals/unmarshals tags to/from the strategy selected at
// mount (spec §6): inband (tags occupy the tail of the data payload,
// v2 only) or OOB (tags live in the page spare area via the driver).
type Codec interface {
	// TagsSize returns how many bytes of a chunk's data region this
	// codec reserves for tags (0 for OOB, since those live outside the
	// data payload entirely).
	TagsSize() int
	// Encode writes tags into data (for inband) and/or returns the OOB
	// bytes that the driver should write as the page's spare area.
	Encode(data []byte, t ExtTags) (oob []byte)
	// Decode recovers tags from data and/or the OOB bytes read back
	// from the driver.
	Decode(data []byte, oob []byte) (ExtTags, error)
}

// InbandCodec implements the v2 "inband" strategy: tags occupy the
// last InlineSize bytes of the chunk payload.
type InbandCodec struct{}

var _ Codec = InbandCodec{}

func (InbandCodec) TagsSize() int { return InlineSize }

func (InbandCodec) Encode(data []byte, t ExtTags) []byte {
	t.marshal(data[len(data)-InlineSize:])
	return nil
}

func (InbandCodec) Decode(data []byte, _ []byte) (ExtTags, error) {
	var t ExtTags
	err := t.unmarshal(data[len(data)-InlineSize:])
	return t, err
}

// OOBCodec implements the "out-of-band" strategy: tags are carried in
// the page's spare area by the driver, leaving the entire data payload
// available to the caller.
type OOBCodec struct{}

var _ Codec = OOBCodec{}

func (OOBCodec) TagsSize() int { return 0 }

func (OOBCodec) Encode(_ []byte, t ExtTags) []byte {
	buf := make([]byte, marshalledSize)
	t.marshal(buf)
	return buf
}

func (OOBCodec) Decode(_ []byte, oob []byte) (ExtTags, error) {
	var t ExtTags
	err := t.unmarshal(oob)
	return t, err
}
