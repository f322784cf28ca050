// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package yfstags_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhaogezhang/study-yaffs/lib/yfsaddr"
	"github.com/zhaogezhang/study-yaffs/lib/yfstags"
)

func sampleTags() yfstags.ExtTags {
	return yfstags.ExtTags{
		ObjectID:     42,
		ChunkID:      7,
		NBytes:       512,
		SerialNumber: 2,
		BlockSeq:     99,
		ParentID:     3,
		FileSize:     65536,
		ObjType:      1,
		IsShrink:     true,
		ShadowsID:    41,
	}
}

func TestOOBCodecRoundTrip(t *testing.T) {
	t.Parallel()
	codec := yfstags.OOBCodec{}
	in := sampleTags()
	oob := codec.Encode(nil, in)
	out, err := codec.Decode(nil, oob)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestInbandCodecRoundTrip(t *testing.T) {
	t.Parallel()
	codec := yfstags.InbandCodec{}
	in := sampleTags()
	data := make([]byte, 512+yfstags.InlineSize)
	codec.Encode(data, in)
	out, err := codec.Decode(data, nil)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestNextSerialWraps(t *testing.T) {
	t.Parallel()
	assert.Equal(t, uint8(1), yfstags.NextSerial(0))
	assert.Equal(t, uint8(3), yfstags.NextSerial(2))
	assert.Equal(t, uint8(0), yfstags.NextSerial(3))
}

func TestSupersedes(t *testing.T) {
	t.Parallel()
	assert.True(t, yfstags.Supersedes(0, 1))
	assert.True(t, yfstags.Supersedes(3, 0))
	assert.False(t, yfstags.Supersedes(0, 2))
	assert.False(t, yfstags.Supersedes(0, 0))
}

func TestIsHeaderAndLogicalChunk(t *testing.T) {
	t.Parallel()
	header := yfstags.ExtTags{ChunkID: 0}
	assert.True(t, header.IsHeader())

	data := yfstags.ExtTags{ChunkID: 5}
	assert.False(t, data.IsHeader())
	assert.Equal(t, yfsaddr.LogicalChunkID(4), data.LogicalChunk())
}
