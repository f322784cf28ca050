// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package yfscheckpoint

import (
	"bufio"
	"io"

	"git.lukeshu.com/go/lowmemjson"
)

// Write serializes cp to w. The encoding is plain JSON (via
// lowmemjson, which cmd/yfs-dbg's dump also uses): the whole
// checkpoint is a single JSON value followed by a newline.
func Write(w io.Writer, cp Checkpoint) (err error) {
	buffer := bufio.NewWriter(w)
	defer func() {
		if ferr := buffer.Flush(); err == nil && ferr != nil {
			err = ferr
		}
	}()
	return lowmemjson.Encode(&lowmemjson.ReEncoder{
		Out:                   buffer,
		Indent:                "",
		ForceTrailingNewlines: true,
		CompactIfUnder:        0,
	}, cp)
}

// Read deserializes a checkpoint previously written by Write. It
// requires the stream to be fully consumed with nothing trailing, so
// a checkpoint blown away mid-write by power loss fails to parse
// rather than silently restoring a partial snapshot.
func Read(r io.Reader) (Checkpoint, error) {
	var cp Checkpoint
	if err := lowmemjson.DecodeThenEOF(bufio.NewReader(r), &cp); err != nil {
		return Checkpoint{}, err
	}
	return cp, nil
}
