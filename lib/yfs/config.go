// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package yfs

import (
	"github.com/zhaogezhang/study-yaffs/lib/yfsaddr"
	"github.com/zhaogezhang/study-yaffs/lib/yfsscan"
)

// MountConfig is the set of mount-time parameters spec.md §6 leaves
// to the driver/façade layer: chunk geometry, reserve policy, cache
// size, tag strategy, scan mode, and name-lookup case sensitivity.
type MountConfig struct {
	Geometry yfsaddr.Geometry

	NReservedBlocks int
	NCaches         int

	// Inband selects the v2 tag strategy (tags ride in the tail of the
	// data payload); false selects OOB (tags live in the driver's spare
	// area).
	Inband bool

	// GroupBits is chunk_grp_bits, the log2 chunk-group size used by
	// every file's index tree.
	GroupBits uint

	// ScanMode selects forward (v1) or backward (v2, default) log
	// replay when no checkpoint validates at mount.
	ScanMode yfsscan.Mode

	CaseInsensitive bool

	// MaxSymlinkDepth bounds ResolveSymlink (spec.md §4 supplemented
	// features, scenario S6).
	MaxSymlinkDepth int

	// MaxFileSize bounds resize/write growth. LogicalChunkID is a
	// signed 64-bit ordinal, so this can never legitimately exceed
	// math.MaxInt64 chunks worth of bytes; DefaultMountConfig sets a
	// far smaller, geometry-derived bound.
	MaxFileSize uint64
}

// DefaultMountConfig returns sane defaults matching the scale spec.md
// uses in its worked scenarios.
func DefaultMountConfig(geo yfsaddr.Geometry) MountConfig {
	return MountConfig{
		Geometry:        geo,
		NReservedBlocks: 1,
		NCaches:         10,
		Inband:          false,
		GroupBits:       0,
		ScanMode:        yfsscan.ModeBackward,
		CaseInsensitive: false,
		MaxSymlinkDepth: 5,
		MaxFileSize:     uint64(geo.NumChunks()) * uint64(geo.DataBytes),
	}
}
