// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package yfsnand specifies the NAND driver contract the core
// consumes (spec §6 "Driver contract"): write a chunk, read a chunk
// back with its ECC status, erase a block, and (v2) mark/check a
// block bad. It provides two implementations: an in-memory SimDevice
// for tests, and a FileDevice (backed by lib/diskio.File) for CLI
// tools that need a volume to persist across process invocations.
package yfsnand

import (
	"context"
	"fmt"

	"github.com/zhaogezhang/study-yaffs/lib/yfsaddr"
)

// ECCStatus distinguishes the outcomes a driver's read can report.
type ECCStatus int

const (
	ECCNoError ECCStatus = iota
	ECCCorrected
	ECCCorrectedSuspect
	ECCUnrecoverable
)

func (s ECCStatus) String() string {
	switch s {
	case ECCNoError:
		return "no-error"
	case ECCCorrected:
		return "corrected"
	case ECCCorrectedSuspect:
		return "corrected-suspect"
	case ECCUnrecoverable:
		return "unrecoverable"
	default:
		return fmt.Sprintf("ECCStatus(%d)", int(s))
	}
}

// Action is what the core's ECC policy table maps an ECCStatus to
// (spec §6).
type Action int

const (
	ActionNone Action = iota
	ActionContinue
	ActionPrioritizeGC
	ActionRetire
)

// Policy maps an observed ECC status to the action the core should
// take.
func Policy(s ECCStatus) Action {
	switch s {
	case ECCNoError:
		return ActionNone
	case ECCCorrected:
		return ActionContinue
	case ECCCorrectedSuspect:
		return ActionPrioritizeGC
	case ECCUnrecoverable:
		return ActionRetire
	default:
		return ActionRetire
	}
}

// Device is the driver contract the core requires of its storage
// substrate (spec §6). chunkInBlock is a yfsaddr.ChunkOffset; oob is
// nil when the mount-time tag strategy is inband.
type Device interface {
	Geometry() yfsaddr.Geometry

	WriteChunk(ctx context.Context, block yfsaddr.BlockNo, chunkInBlock yfsaddr.ChunkOffset, data, oob []byte) error
	ReadChunk(ctx context.Context, block yfsaddr.BlockNo, chunkInBlock yfsaddr.ChunkOffset, data, oob []byte) (ECCStatus, error)
	EraseBlock(ctx context.Context, block yfsaddr.BlockNo) error

	// MarkBad and CheckBad are v2-only; a v1 driver may implement them
	// as a permanent no-op/false.
	MarkBad(ctx context.Context, block yfsaddr.BlockNo) error
	CheckBad(ctx context.Context, block yfsaddr.BlockNo) (bool, error)
}
