// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"bufio"
	"io"

	"git.lukeshu.com/go/lowmemjson"

	"github.com/zhaogezhang/study-yaffs/lib/yfscheckpoint"
)

// dumpCheckpointJSON renders a decoded checkpoint stream as indented
// JSON, the same low-allocation encoder the teacher uses for its own
// big-tree debug dumps.
func dumpCheckpointJSON(w io.Writer, cp yfscheckpoint.Checkpoint) (err error) {
	buffer := bufio.NewWriter(w)
	defer func() {
		if _err := buffer.Flush(); err == nil && _err != nil {
			err = _err
		}
	}()
	cfg := lowmemjson.ReEncoder{
		Out:            buffer,
		Indent:         "  ",
		ForceTrailingNewlines: true,
	}
	return lowmemjson.Encode(&cfg, cp)
}
