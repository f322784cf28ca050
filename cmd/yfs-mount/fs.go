// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"os"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"

	"github.com/zhaogezhang/study-yaffs/lib/util"
	"github.com/zhaogezhang/study-yaffs/lib/yfs"
	"github.com/zhaogezhang/study-yaffs/lib/yfsaddr"
	"github.com/zhaogezhang/study-yaffs/lib/yfsobj"
)

// dirHandle is the state behind an OpenDirOp: a directory's object
// id. No cursor is stored here; fs.Readdir is cursor-based, and each
// ReadDirOp's Offset serves as the cursor.
type dirHandle struct {
	dir yfsaddr.ObjectID
}

// fileHandle is the state behind an OpenFileOp. The façade's Read and
// Write operate directly on an object id, so there's nothing to cache
// beyond which object this handle names.
type fileHandle struct {
	obj yfsaddr.ObjectID
}

// Volume adapts a mounted *yfs.FS to fuseutil.FileSystem, translating
// FUSE's inode numbering (root is always 1) to the façade's object
// ids (root is yfsobj.Root) and FUSE's per-call ops to the façade's
// Create/Unlink/Rename/Read/Write/Resize/Flush/Stat/Readdir/xattr
// methods.
type Volume struct {
	fuseutil.NotImplementedFileSystem

	FS       *yfs.FS
	ReadOnly bool

	lastHandle  uint64
	dirHandles  util.SyncMap[fuseops.HandleID, *dirHandle]
	fileHandles util.SyncMap[fuseops.HandleID, *fileHandle]

	attrs attrCache
}

func (v *Volume) newHandle() fuseops.HandleID {
	return fuseops.HandleID(atomic.AddUint64(&v.lastHandle, 1))
}

func toObjectID(inode fuseops.InodeID) yfsaddr.ObjectID {
	if inode == fuseops.RootInodeID {
		return yfsobj.Root
	}
	return yfsaddr.ObjectID(inode)
}

func toInodeID(obj yfsaddr.ObjectID) fuseops.InodeID {
	if obj == yfsobj.Root {
		return fuseops.RootInodeID
	}
	return fuseops.InodeID(obj)
}

// errnoFor translates the façade's abstract Kind into the POSIX code
// the kernel expects, the boundary spec §7 describes every such
// façade doing itself rather than leaking yfs.Kind past this point.
func errnoFor(err error) error {
	if err == nil {
		return nil
	}
	yerr, ok := err.(*yfs.Error)
	if !ok {
		return syscall.EIO
	}
	switch yerr.Kind {
	case yfs.KindBadHandle:
		return syscall.EBADF
	case yfs.KindNotFound:
		return syscall.ENOENT
	case yfs.KindNotDir:
		return syscall.ENOTDIR
	case yfs.KindIsDir:
		return syscall.EISDIR
	case yfs.KindNotEmpty:
		return syscall.ENOTEMPTY
	case yfs.KindExists:
		return syscall.EEXIST
	case yfs.KindNameTooLong:
		return syscall.ENAMETOOLONG
	case yfs.KindLoop:
		return syscall.ELOOP
	case yfs.KindNoSpace:
		return syscall.ENOSPC
	case yfs.KindNoMemory:
		return syscall.ENOMEM
	case yfs.KindReadOnly:
		return syscall.EROFS
	case yfs.KindCrossDevice:
		return syscall.EXDEV
	case yfs.KindBusy:
		return syscall.EBUSY
	case yfs.KindRange:
		return syscall.EFBIG
	case yfs.KindNoData:
		return syscall.ENODATA
	default:
		return syscall.EIO
	}
}

func statToAttr(st yfs.Stat) fuseops.InodeAttributes {
	mode := os.FileMode(st.Perm & 0o7777)
	switch st.Type {
	case yfsobj.TypeDirectory:
		mode |= os.ModeDir
	case yfsobj.TypeSymlink:
		mode |= os.ModeSymlink
	}
	nlink := uint32(1)
	if st.Type == yfsobj.TypeDirectory {
		nlink = 2
	}
	return fuseops.InodeAttributes{
		Size:  st.Size,
		Nlink: nlink,
		Mode:  mode,
		Atime: time.Unix(st.ATime, 0),
		Mtime: time.Unix(st.MTime, 0),
		Ctime: time.Unix(st.CTime, 0),
		Uid:   st.UID,
		Gid:   st.GID,
	}
}

func (v *Volume) statCached(id yfsaddr.ObjectID) (yfs.Stat, error) {
	if st, ok := v.attrs.Get(id); ok {
		return st, nil
	}
	st, err := v.FS.Stat(id)
	if err != nil {
		return yfs.Stat{}, err
	}
	v.attrs.Add(id, st)
	return st, nil
}

func (v *Volume) StatFS(_ context.Context, op *fuseops.StatFSOp) error {
	s := v.FS.DeviceStats()
	op.IoSize = 4096
	op.BlockSize = 4096
	op.Blocks = uint64(s.TotalChunks)
	op.BlocksFree = uint64(s.TotalChunks - s.UsedChunks)
	op.BlocksAvailable = op.BlocksFree
	op.Inodes = 0
	op.InodesFree = 0
	return nil
}

func (v *Volume) LookUpInode(_ context.Context, op *fuseops.LookUpInodeOp) error {
	child, err := v.FS.Lookup(toObjectID(op.Parent), op.Name)
	if err != nil {
		return errnoFor(err)
	}
	st, err := v.statCached(child)
	if err != nil {
		return errnoFor(err)
	}
	op.Entry = fuseops.ChildInodeEntry{
		Child:      toInodeID(child),
		Attributes: statToAttr(st),
	}
	return nil
}

func (v *Volume) GetInodeAttributes(_ context.Context, op *fuseops.GetInodeAttributesOp) error {
	st, err := v.statCached(toObjectID(op.Inode))
	if err != nil {
		return errnoFor(err)
	}
	op.Attributes = statToAttr(st)
	return nil
}

func (v *Volume) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	if v.ReadOnly {
		return syscall.EROFS
	}
	id := toObjectID(op.Inode)
	if op.Size != nil {
		if err := v.FS.Resize(ctx, id, *op.Size); err != nil {
			return errnoFor(err)
		}
	}
	v.attrs.Remove(id)
	st, err := v.statCached(id)
	if err != nil {
		return errnoFor(err)
	}
	op.Attributes = statToAttr(st)
	return nil
}

func (v *Volume) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	if v.ReadOnly {
		return syscall.EROFS
	}
	id, err := v.FS.Create(ctx, toObjectID(op.Parent), op.Name, yfsobj.TypeDirectory, uint32(op.Mode), 0, 0, nil)
	if err != nil {
		return errnoFor(err)
	}
	st, err := v.statCached(id)
	if err != nil {
		return errnoFor(err)
	}
	op.Entry = fuseops.ChildInodeEntry{Child: toInodeID(id), Attributes: statToAttr(st)}
	return nil
}

func (v *Volume) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	if v.ReadOnly {
		return syscall.EROFS
	}
	id, err := v.FS.Create(ctx, toObjectID(op.Parent), op.Name, yfsobj.TypeFile, uint32(op.Mode), 0, 0, nil)
	if err != nil {
		return errnoFor(err)
	}
	st, err := v.statCached(id)
	if err != nil {
		return errnoFor(err)
	}
	op.Entry = fuseops.ChildInodeEntry{Child: toInodeID(id), Attributes: statToAttr(st)}
	handle := v.newHandle()
	v.fileHandles.Store(handle, &fileHandle{obj: id})
	op.Handle = handle
	return nil
}

func (v *Volume) CreateSymlink(ctx context.Context, op *fuseops.CreateSymlinkOp) error {
	if v.ReadOnly {
		return syscall.EROFS
	}
	id, err := v.FS.Create(ctx, toObjectID(op.Parent), op.Name, yfsobj.TypeSymlink, 0o777, 0, 0, op.Target)
	if err != nil {
		return errnoFor(err)
	}
	st, err := v.statCached(id)
	if err != nil {
		return errnoFor(err)
	}
	op.Entry = fuseops.ChildInodeEntry{Child: toInodeID(id), Attributes: statToAttr(st)}
	return nil
}

func (v *Volume) CreateLink(ctx context.Context, op *fuseops.CreateLinkOp) error {
	if v.ReadOnly {
		return syscall.EROFS
	}
	target := toObjectID(op.Target)
	id, err := v.FS.Create(ctx, toObjectID(op.Parent), op.Name, yfsobj.TypeHardlink, 0, 0, 0, target)
	if err != nil {
		return errnoFor(err)
	}
	st, err := v.statCached(id)
	if err != nil {
		return errnoFor(err)
	}
	op.Entry = fuseops.ChildInodeEntry{Child: toInodeID(id), Attributes: statToAttr(st)}
	return nil
}

func (v *Volume) Rename(ctx context.Context, op *fuseops.RenameOp) error {
	if v.ReadOnly {
		return syscall.EROFS
	}
	err := v.FS.Rename(ctx, toObjectID(op.OldParent), op.OldName, toObjectID(op.NewParent), op.NewName)
	return errnoFor(err)
}

func (v *Volume) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	if v.ReadOnly {
		return syscall.EROFS
	}
	return errnoFor(v.FS.Unlink(ctx, toObjectID(op.Parent), op.Name))
}

func (v *Volume) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	if v.ReadOnly {
		return syscall.EROFS
	}
	return errnoFor(v.FS.Unlink(ctx, toObjectID(op.Parent), op.Name))
}

func (v *Volume) OpenDir(_ context.Context, op *fuseops.OpenDirOp) error {
	handle := v.newHandle()
	v.dirHandles.Store(handle, &dirHandle{dir: toObjectID(op.Inode)})
	op.Handle = handle
	return nil
}

func (v *Volume) ReadDir(_ context.Context, op *fuseops.ReadDirOp) error {
	state, ok := v.dirHandles.Load(op.Handle)
	if !ok {
		return syscall.EBADF
	}
	cursor := int(op.Offset)
	for {
		id, name, typ, hasMore, err := v.FS.Readdir(state.dir, cursor)
		if err != nil {
			return errnoFor(err)
		}
		if name == "" {
			break
		}
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], fuseutil.Dirent{
			Offset: fuseops.DirOffset(cursor + 1),
			Inode:  toInodeID(id),
			Name:   name,
			Type:   direntType(typ),
		})
		if n == 0 {
			break
		}
		op.BytesRead += n
		cursor++
		if !hasMore {
			break
		}
	}
	return nil
}

func direntType(typ yfsobj.Type) fuseutil.DirentType {
	switch typ {
	case yfsobj.TypeFile, yfsobj.TypeHardlink:
		return fuseutil.DT_File
	case yfsobj.TypeDirectory:
		return fuseutil.DT_Directory
	case yfsobj.TypeSymlink:
		return fuseutil.DT_Link
	default:
		return fuseutil.DT_Unknown
	}
}

func (v *Volume) ReleaseDirHandle(_ context.Context, op *fuseops.ReleaseDirHandleOp) error {
	_, ok := v.dirHandles.LoadAndDelete(op.Handle)
	if !ok {
		return syscall.EBADF
	}
	return nil
}

func (v *Volume) OpenFile(_ context.Context, op *fuseops.OpenFileOp) error {
	handle := v.newHandle()
	v.fileHandles.Store(handle, &fileHandle{obj: toObjectID(op.Inode)})
	op.Handle = handle
	return nil
}

func (v *Volume) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	state, ok := v.fileHandles.Load(op.Handle)
	if !ok {
		return syscall.EBADF
	}
	n, err := v.FS.Read(ctx, state.obj, op.Offset, op.Dst)
	op.BytesRead = n
	if err != nil {
		return errnoFor(err)
	}
	return nil
}

func (v *Volume) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	if v.ReadOnly {
		return syscall.EROFS
	}
	state, ok := v.fileHandles.Load(op.Handle)
	if !ok {
		return syscall.EBADF
	}
	v.attrs.Remove(state.obj)
	_, err := v.FS.Write(ctx, state.obj, op.Offset, op.Data, false)
	return errnoFor(err)
}

func (v *Volume) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) error {
	state, ok := v.fileHandles.Load(op.Handle)
	if !ok {
		return syscall.EBADF
	}
	return errnoFor(v.FS.Flush(ctx, state.obj, true, true, false))
}

func (v *Volume) ReleaseFileHandle(_ context.Context, op *fuseops.ReleaseFileHandleOp) error {
	_, ok := v.fileHandles.LoadAndDelete(op.Handle)
	if !ok {
		return syscall.EBADF
	}
	return nil
}

func (v *Volume) ReadSymlink(_ context.Context, op *fuseops.ReadSymlinkOp) error {
	target, err := v.FS.Readlink(toObjectID(op.Inode))
	if err != nil {
		return errnoFor(err)
	}
	op.Target = target
	return nil
}

func (v *Volume) GetXattr(_ context.Context, op *fuseops.GetXattrOp) error {
	val, err := v.FS.GetXattr(toObjectID(op.Inode), op.Name)
	if err != nil {
		return errnoFor(err)
	}
	op.BytesRead = len(val)
	if len(op.Dst) >= len(val) {
		copy(op.Dst, val)
	} else if len(op.Dst) != 0 {
		return syscall.ERANGE
	}
	return nil
}

func (v *Volume) SetXattr(ctx context.Context, op *fuseops.SetXattrOp) error {
	if v.ReadOnly {
		return syscall.EROFS
	}
	return errnoFor(v.FS.SetXattr(ctx, toObjectID(op.Inode), op.Name, op.Value))
}

func (v *Volume) ListXattr(_ context.Context, op *fuseops.ListXattrOp) error {
	names, err := v.FS.ListXattr(toObjectID(op.Inode))
	if err != nil {
		return errnoFor(err)
	}
	var buf []byte
	for _, name := range names {
		buf = append(buf, name...)
		buf = append(buf, 0)
	}
	op.BytesRead = len(buf)
	if len(op.Dst) >= len(buf) {
		copy(op.Dst, buf)
	} else if len(op.Dst) != 0 {
		return syscall.ERANGE
	}
	return nil
}

func (v *Volume) RemoveXattr(ctx context.Context, op *fuseops.RemoveXattrOp) error {
	if v.ReadOnly {
		return syscall.EROFS
	}
	return errnoFor(v.FS.RemoveXattr(ctx, toObjectID(op.Inode), op.Name))
}

func (v *Volume) Destroy() {}
