// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Command yfs-dbg inspects a YAFFS-style volume image without
// mutating it: space usage, object attributes, directory listings,
// and the persisted checkpoint stream (if any).
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/zhaogezhang/study-yaffs/lib/textui"
	"github.com/zhaogezhang/study-yaffs/lib/yfs"
	"github.com/zhaogezhang/study-yaffs/lib/yfsaddr"
	"github.com/zhaogezhang/study-yaffs/lib/yfsnand"
	"github.com/zhaogezhang/study-yaffs/lib/yfstags"
)

var inbandFlag bool

func openRO(ctx context.Context, path string) (*yfs.FS, *yfsnand.FileDevice, error) {
	dev, err := yfsnand.OpenFileDevice(path)
	if err != nil {
		return nil, nil, err
	}
	var codec yfstags.Codec = yfstags.OOBCodec{}
	if inbandFlag {
		codec = yfstags.InbandCodec{}
	}
	cfg := yfs.DefaultMountConfig(dev.Geometry())
	cfg.Inband = inbandFlag
	fsys, err := yfs.Mount(ctx, dev, codec, cfg)
	if err != nil {
		dev.Close()
		return nil, nil, err
	}
	return fsys, dev, nil
}

func closeRO(ctx context.Context, fsys *yfs.FS, dev *yfsnand.FileDevice) {
	_ = fsys.Unmount(ctx)
	_ = dev.Close()
}

func main() {
	argparser := &cobra.Command{
		Use:           "yfs-dbg {[flags]|SUBCOMMAND}",
		Short:         "Inspect a YAFFS-style volume image",
		Args:          cliutil.WrapPositionalArgs(cliutil.OnlySubcommands),
		RunE:          cliutil.RunSubcommands,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	argparser.SetFlagErrorFunc(cliutil.FlagErrorFunc)
	argparser.SetHelpTemplate(cliutil.HelpTemplate)
	argparser.PersistentFlags().BoolVar(&inbandFlag, "inband-tags", false, "the image uses v2 inband tag placement")

	argparser.AddCommand(dfCommand())
	argparser.AddCommand(statCommand())
	argparser.AddCommand(lsCommand())
	argparser.AddCommand(dumpCheckpointCommand())

	logger := logrus.New()
	ctx := dlog.WithLogger(context.Background(), dlog.WrapLogrus(logger))
	if err := argparser.ExecuteContext(ctx); err != nil {
		textui.Fprintf(os.Stderr, "%v: error: %v\n", argparser.CommandPath(), err)
		os.Exit(1)
	}
}

func dfCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "df IMAGE",
		Short: "Report block/chunk occupancy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			fsys, dev, err := openRO(ctx, args[0])
			if err != nil {
				return err
			}
			defer closeRO(ctx, fsys, dev)

			p := message.NewPrinter(language.English)
			s := fsys.DeviceStats()
			p.Printf("blocks:      %d total, %d erased, %d reserved\n", s.NumBlocks, s.ErasedBlocks, s.ReservedBlocks)
			p.Printf("chunks:      %d total, %d in use (%d free)\n", s.TotalChunks, s.UsedChunks, s.TotalChunks-s.UsedChunks)
			return nil
		},
	}
}

func statCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stat IMAGE OBJECT_ID",
		Short: "Show one object's attributes",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			fsys, dev, err := openRO(ctx, args[0])
			if err != nil {
				return err
			}
			defer closeRO(ctx, fsys, dev)

			var id uint32
			if _, err := fmt.Sscanf(args[1], "%d", &id); err != nil {
				return fmt.Errorf("bad object id %q: %w", args[1], err)
			}
			st, err := fsys.Stat(yfsaddr.ObjectID(id))
			if err != nil {
				return err
			}
			textui.Fprintf(os.Stdout, "id=%d type=%v parent=%d perm=%o uid=%d gid=%d size=%d xattr=%v\n",
				st.ID, st.Type, st.Parent, st.Perm, st.UID, st.GID, st.Size, st.HasXattr)
			return nil
		},
	}
}

func lsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ls IMAGE DIR_OBJECT_ID",
		Short: "List a directory's children",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			fsys, dev, err := openRO(ctx, args[0])
			if err != nil {
				return err
			}
			defer closeRO(ctx, fsys, dev)

			var dir uint32
			if _, err := fmt.Sscanf(args[1], "%d", &dir); err != nil {
				return fmt.Errorf("bad object id %q: %w", args[1], err)
			}
			for cursor := 0; ; cursor++ {
				id, name, typ, hasMore, err := fsys.Readdir(yfsaddr.ObjectID(dir), cursor)
				if err != nil {
					return err
				}
				if name == "" && !hasMore && id == 0 {
					break
				}
				textui.Fprintf(os.Stdout, "%d\t%v\t%s\n", id, typ, name)
				if !hasMore {
					break
				}
			}
			return nil
		},
	}
}

func dumpCheckpointCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "dump-checkpoint IMAGE",
		Short: "Dump the persisted checkpoint stream, if any",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			fsys, dev, err := openRO(ctx, args[0])
			if err != nil {
				return err
			}
			defer closeRO(ctx, fsys, dev)

			cp, ok, err := fsys.Checkpoint(ctx)
			if err != nil {
				return err
			}
			if !ok {
				textui.Fprintf(os.Stdout, "no checkpoint stream present\n")
				return nil
			}
			return dumpCheckpointJSON(os.Stdout, cp)
		},
	}
}
