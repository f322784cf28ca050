// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Command yfs-mkfs formats a fresh YAFFS-style volume image file.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/datawire/dlib/dlog"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/zhaogezhang/study-yaffs/lib/yfs"
	"github.com/zhaogezhang/study-yaffs/lib/yfsaddr"
	"github.com/zhaogezhang/study-yaffs/lib/yfsnand"
	"github.com/zhaogezhang/study-yaffs/lib/yfstags"
)

func main() {
	var (
		chunksPerBlock int
		numBlocks      int
		dataBytes      int
		inband         bool
		groupBits      int
	)

	cmd := &cobra.Command{
		Use:   "yfs-mkfs IMAGE",
		Short: "Format a fresh YAFFS-style volume image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logrus.New()
			ctx := dlog.WithLogger(context.Background(), dlog.WrapLogrus(logger))

			geo := yfsaddr.Geometry{
				ChunksPerBlock: chunksPerBlock,
				NumBlocks:      numBlocks,
				DataBytes:      dataBytes,
			}

			dev, err := yfsnand.CreateFileDevice(args[0], geo)
			if err != nil {
				return err
			}
			defer dev.Close()

			var codec yfstags.Codec = yfstags.OOBCodec{}
			if inband {
				codec = yfstags.InbandCodec{}
			}

			cfg := yfs.DefaultMountConfig(geo)
			cfg.Inband = inband
			cfg.GroupBits = uint(groupBits)

			fs, err := yfs.Format(ctx, dev, codec, cfg)
			if err != nil {
				return fmt.Errorf("format: %w", err)
			}
			if err := fs.Unmount(ctx); err != nil {
				return fmt.Errorf("unmount after format: %w", err)
			}
			dlog.Infof(ctx, "formatted %s: %d blocks x %d chunks x %d bytes", args[0], numBlocks, chunksPerBlock, dataBytes)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&chunksPerBlock, "chunks-per-block", 64, "NAND pages per erase block")
	flags.IntVar(&numBlocks, "blocks", 256, "number of erase blocks")
	flags.IntVar(&dataBytes, "page-bytes", 2048, "data bytes per page")
	flags.BoolVar(&inband, "inband-tags", false, "use v2 inband tag placement instead of OOB")
	flags.IntVar(&groupBits, "group-bits", 0, "chunk_grp_bits for file index trees")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "yfs-mkfs: error: %v\n", err)
		os.Exit(1)
	}
}
