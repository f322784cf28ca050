// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Command yfs-fsck mounts a volume the ordinary way (restoring from a
// valid on-flash checkpoint if there is one, replaying the log
// otherwise), reports its device/usage stats, and walks the object
// table and every file's index tree checking the universal invariants
// spec.md §8 lists. It unmounts on exit, which flushes, runs a GC pass
// and writes a fresh checkpoint to the image.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/datawire/dlib/dlog"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/zhaogezhang/study-yaffs/lib/textui"
	"github.com/zhaogezhang/study-yaffs/lib/yfs"
	"github.com/zhaogezhang/study-yaffs/lib/yfsnand"
	"github.com/zhaogezhang/study-yaffs/lib/yfstags"
)

func main() {
	var inband bool

	cmd := &cobra.Command{
		Use:   "yfs-fsck IMAGE",
		Short: "Check a YAFFS-style volume image for consistency",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logrus.New()
			ctx := dlog.WithLogger(context.Background(), dlog.WrapLogrus(logger))
			return Main(ctx, args[0], inband)
		},
	}
	cmd.Flags().BoolVar(&inband, "inband-tags", false, "the image uses v2 inband tag placement")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "yfs-fsck: error: %v\n", err)
		os.Exit(1)
	}
}

func Main(ctx context.Context, path string, inband bool) (err error) {
	dev, err := yfsnand.OpenFileDevice(path)
	if err != nil {
		return err
	}
	defer func() {
		if _err := dev.Close(); _err != nil && err == nil {
			err = _err
		}
	}()

	var codec yfstags.Codec = yfstags.OOBCodec{}
	if inband {
		codec = yfstags.InbandCodec{}
	}

	cfg := yfs.DefaultMountConfig(dev.Geometry())
	cfg.Inband = inband

	fsys, err := yfs.Mount(ctx, dev, codec, cfg)
	if err != nil {
		return fmt.Errorf("mount: %w", err)
	}
	defer func() {
		if _err := fsys.Unmount(ctx); _err != nil && err == nil {
			err = _err
		}
	}()

	stats := fsys.DeviceStats()
	textui.Fprintf(os.Stdout, "blocks: %d total, %d erased, reserved %d\n",
		stats.NumBlocks, stats.ErasedBlocks, stats.ReservedBlocks)
	textui.Fprintf(os.Stdout, "chunks: %d total, %d in use\n",
		stats.TotalChunks, stats.UsedChunks)

	problems := fsys.Fsck(ctx)
	for _, p := range problems {
		fmt.Fprintln(os.Stderr, p)
	}
	if len(problems) > 0 {
		return fmt.Errorf("found %d consistency problem(s)", len(problems))
	}
	dlog.Infof(ctx, "%s: clean", path)
	return nil
}
