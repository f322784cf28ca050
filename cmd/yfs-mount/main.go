// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Command yfs-mount mounts a YAFFS-style volume image as a FUSE
// filesystem.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/zhaogezhang/study-yaffs/lib/yfs"
	"github.com/zhaogezhang/study-yaffs/lib/yfsnand"
	"github.com/zhaogezhang/study-yaffs/lib/yfstags"
)

func main() {
	var inband, readOnly bool

	cmd := &cobra.Command{
		Use:   "yfs-mount IMAGE MOUNTPOINT",
		Short: "Mount a YAFFS-style volume image over FUSE",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logrus.New()
			ctx := dlog.WithLogger(context.Background(), dlog.WrapLogrus(logger))

			grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{
				EnableSignalHandling: true,
			})
			grp.Go("main", func(ctx context.Context) error {
				return Main(ctx, args[0], args[1], inband, readOnly)
			})
			return grp.Wait()
		},
	}
	cmd.Flags().BoolVar(&inband, "inband-tags", false, "the image uses v2 inband tag placement")
	cmd.Flags().BoolVar(&readOnly, "read-only", false, "reject all mutating operations")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "yfs-mount: error: %v\n", err)
		os.Exit(1)
	}
}

// Main opens imgPath, mounts the resulting volume at mountpoint, and
// blocks until ctx is cancelled or the kernel tears the mount down.
func Main(ctx context.Context, imgPath, mountpoint string, inband, readOnly bool) (err error) {
	dev, err := yfsnand.OpenFileDevice(imgPath)
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

	vol := &Volume{FS: fsys, ReadOnly: readOnly}

	fuseCfg := &fuse.MountConfig{
		FSName:   imgPath,
		Subtype:  "yfs",
		ReadOnly: readOnly,
		Options: map[string]string{
			"allow_other": "",
		},
	}
	return Mount(ctx, mountpoint, fuseutil.NewFileSystemServer(vol), fuseCfg)
}
