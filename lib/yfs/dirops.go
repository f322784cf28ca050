// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package yfs

import (
	"context"
	"fmt"

	"github.com/zhaogezhang/study-yaffs/lib/yfsaddr"
	"github.com/zhaogezhang/study-yaffs/lib/yfsobj"
	"github.com/zhaogezhang/study-yaffs/lib/yfstree"
)

// Stat is the attribute record returned by Stat.
type Stat struct {
	ID       yfsaddr.ObjectID
	Type     yfsobj.Type
	Parent   yfsaddr.ObjectID
	Perm     uint32
	UID, GID uint32
	ATime, MTime, CTime int64
	Size     uint64
	HasXattr bool
}

// Create implements spec §6's create(parent, name, type, mode, uid,
// gid, [alias/equiv/rdev]). extra carries the type-specific argument:
// the symlink target for TypeSymlink, the hardlink target's object id
// for TypeHardlink (as a yfsaddr.ObjectID), the device numbers for
// TypeSpecial (as a [2]uint32{major, minor}; anything else gives
// 0/0), or nil otherwise.
func (fs *FS) Create(ctx context.Context, parent yfsaddr.ObjectID, name string, typ yfsobj.Type, perm, uid, gid uint32, extra interface{}) (yfsaddr.ObjectID, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	dir, ok := fs.objTbl.Get(parent)
	if !ok {
		return 0, newErr("create", KindBadHandle, nil)
	}
	if dir.Dir == nil {
		return 0, newErr("create", KindNotDir, nil)
	}
	if len(name) > 255 {
		return 0, newErr("create", KindNameTooLong, nil)
	}
	if _, err := fs.objTbl.LookupChild(dir, name, fs.loadName); err == nil {
		return 0, newErr("create", KindExists, nil)
	}

	if typ == yfsobj.TypeHardlink {
		targetID, ok := extra.(yfsaddr.ObjectID)
		if !ok {
			return 0, newErr("create", KindFatal, fmt.Errorf("hardlink create requires a target object id"))
		}
		target, ok := fs.objTbl.Get(targetID)
		if !ok {
			return 0, newErr("create", KindNotFound, nil)
		}
		id, err := fs.objTbl.AssignID()
		if err != nil {
			return 0, newErr("create", KindNoSpace, err)
		}
		link := &yfsobj.Object{ID: id, Type: yfsobj.TypeHardlink, Perm: perm, UID: uid, GID: gid}
		link.SetName(name, fs.objTbl.Checksum16(name))
		if err := fs.writeHeader(ctx, link, false, 0, false); err != nil {
			return 0, newErr("create", KindIOError, err)
		}
		fs.objTbl.Insert(link)
		fs.objTbl.LinkChild(dir, link)
		fs.objTbl.LinkHardlink(target, link)
		return id, nil
	}

	id, err := fs.objTbl.AssignID()
	if err != nil {
		return 0, newErr("create", KindNoSpace, err)
	}
	obj := &yfsobj.Object{ID: id, Type: typ, Perm: perm, UID: uid, GID: gid}
	obj.SetName(name, fs.objTbl.Checksum16(name))

	switch typ {
	case yfsobj.TypeDirectory:
		obj.Dir = &yfsobj.DirPayload{}
	case yfsobj.TypeFile:
		tree := yfstree.NewTree(fs.cfg.GroupBits)
		fs.trees[id] = tree
		obj.File = &yfsobj.FilePayload{Tree: tree}
	case yfsobj.TypeSymlink:
		target, _ := extra.(string)
		obj.Symlink = &yfsobj.SymlinkPayload{Target: target}
	case yfsobj.TypeSpecial:
		if rdev, ok := extra.([2]uint32); ok {
			obj.Special = &yfsobj.SpecialPayload{Major: rdev[0], Minor: rdev[1]}
		} else {
			obj.Special = &yfsobj.SpecialPayload{}
		}
	default:
		return 0, newErr("create", KindFatal, fmt.Errorf("unknown object type %v", typ))
	}

	if err := fs.writeHeader(ctx, obj, false, 0, false); err != nil {
		return 0, newErr("create", KindIOError, err)
	}
	fs.objTbl.Insert(obj)
	fs.objTbl.LinkChild(dir, obj)
	return id, nil
}

// loadName resolves a lazily-loaded name. This façade never defers
// name storage to the header chunk (see headers.go), so a name is
// always already resolved; loadName exists only to satisfy
// yfsobj.Table.LookupChild's signature.
func (fs *FS) loadName(obj *yfsobj.Object) (string, error) {
	name, _ := obj.Name()
	return name, nil
}

// Unlink implements spec §6's unlink(dir, name): dropping a name from
// a directory. An object with no remaining holders (no hard links,
// not a non-empty directory) is deleted outright if it has no data,
// soft-deleted (parked under DELETED) if it has live data chunks, and
// subject to hard-link promotion first if it has other names.
func (fs *FS) Unlink(ctx context.Context, dir yfsaddr.ObjectID, name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	parent, ok := fs.objTbl.Get(dir)
	if !ok {
		return newErr("unlink", KindBadHandle, nil)
	}
	if parent.Dir == nil {
		return newErr("unlink", KindNotDir, nil)
	}
	child, err := fs.objTbl.LookupChild(parent, name, fs.loadName)
	if err != nil {
		return newErr("unlink", KindNotFound, nil)
	}
	if child.ID == yfsobj.Root {
		return newErr("unlink", KindBadHandle, fmt.Errorf("cannot unlink root"))
	}
	if child.Dir != nil && child.Dir.Children.Len != 0 {
		return newErr("unlink", KindNotEmpty, nil)
	}

	// child is the original (non-hardlink) object and other names point
	// at it: promote the first of those names instead of destroying the
	// object, per spec §4.3's hard-link promotion rule.
	if child.Type != yfsobj.TypeHardlink && child.HardLinks.Len > 0 {
		link, newParentID, newName, ok := fs.objTbl.PromoteFirstHardLink(child)
		if ok {
			if linkParent, ok := fs.objTbl.Get(link.Parent); ok {
				fs.objTbl.UnlinkChild(linkParent, link)
			}
			fs.objTbl.Remove(link)
			fs.deleteChunk(link.HeaderChunk)

			fs.objTbl.UnlinkChild(parent, child)
			child.SetName(newName, fs.objTbl.Checksum16(newName))
			if newParent, ok := fs.objTbl.Get(newParentID); ok {
				fs.objTbl.LinkChild(newParent, child)
			}
			if err := fs.writeHeader(ctx, child, true, 0, false); err != nil {
				return newErr("unlink", KindIOError, err)
			}
			return nil
		}
	}

	fs.objTbl.UnlinkChild(parent, child)

	if child.Type == yfsobj.TypeHardlink {
		if tgt, ok := fs.objTbl.Get(child.EquivalentID); ok {
			// best-effort unlink from target's hard-link list; the
			// table has no direct remove-by-value, so walk it.
			for e := tgt.HardLinks.Oldest; e != nil; e = e.Newer {
				if e.Value == child {
					tgt.HardLinks.Delete(e)
					break
				}
			}
		}
		fs.objTbl.Remove(child)
		fs.deleteChunk(child.HeaderChunk)
		return nil
	}

	hasData := child.File != nil && child.File.DataChunkCount > 0
	if !hasData {
		fs.objTbl.Remove(child)
		fs.deleteChunk(child.HeaderChunk)
		delete(fs.trees, child.ID)
		delete(fs.serials, child.ID)
		delete(fs.xattrs, child.ID)
		return nil
	}

	// Soft-delete walk: zero every live leaf, marking each chunk's
	// block soft-deleted. child.File.DataChunkCount is left untouched
	// here — GC's cleanup list decrements it as it actually reclaims
	// each chunk and drops the object once the count reaches zero
	// (spec.md §4.6).
	if tree, ok := fs.trees[child.ID]; ok {
		groupSize := tree.GroupSize()
		tree.SoftDelete(func(logical yfsaddr.LogicalChunkID, groupIdx yfsaddr.PhysAddr) {
			addr, ok := fs.resolveGroupChunk(ctx, child.ID, groupIdx, groupSize, logical)
			if !ok {
				return
			}
			fs.softDeleteChunk(addr)
		})
	}

	deletedDir := fs.objTbl.MustGet(yfsobj.Deleted)
	child.Parent = yfsobj.Deleted
	fs.objTbl.LinkChild(deletedDir, child)
	if err := fs.writeHeader(ctx, child, true, 0, false); err != nil {
		return newErr("unlink", KindIOError, err)
	}
	return nil
}

// Rename implements spec §6's rename(olddir, oldname, newdir,
// newname).
func (fs *FS) Rename(ctx context.Context, oldDir yfsaddr.ObjectID, oldName string, newDir yfsaddr.ObjectID, newName string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	src, ok := fs.objTbl.Get(oldDir)
	if !ok {
		return newErr("rename", KindBadHandle, nil)
	}
	dst, ok := fs.objTbl.Get(newDir)
	if !ok {
		return newErr("rename", KindBadHandle, nil)
	}
	if src.Dir == nil || dst.Dir == nil {
		return newErr("rename", KindNotDir, nil)
	}

	child, err := fs.objTbl.LookupChild(src, oldName, fs.loadName)
	if err != nil {
		return newErr("rename", KindNotFound, nil)
	}

	if child.Dir != nil {
		for anc := newDir; ; {
			if anc == child.ID {
				return newErr("rename", KindLoop, fmt.Errorf("cannot rename a directory into its own subtree"))
			}
			if anc == yfsobj.Root {
				break
			}
			ancObj, ok := fs.objTbl.Get(anc)
			if !ok {
				break
			}
			anc = ancObj.Parent
		}
	}

	var shadowed yfsaddr.ObjectID
	if existing, err := fs.objTbl.LookupChild(dst, newName, fs.loadName); err == nil {
		if existing.ID == child.ID {
			return nil
		}
		if existing.Dir != nil && existing.Dir.Children.Len != 0 {
			return newErr("rename", KindNotEmpty, nil)
		}
		fs.objTbl.UnlinkChild(dst, existing)
		fs.objTbl.Remove(existing)
		fs.deleteChunk(existing.HeaderChunk)
		shadowed = existing.ID
	}

	fs.objTbl.UnlinkChild(src, child)
	child.SetName(newName, fs.objTbl.Checksum16(newName))
	fs.objTbl.LinkChild(dst, child)

	if err := fs.writeHeader(ctx, child, true, shadowed, false); err != nil {
		return newErr("rename", KindIOError, err)
	}
	return nil
}

// Readdir implements spec §6's readdir(dir, cursor): cursor is the
// number of children already returned to this caller; it returns the
// next child's id/name/type and whether more remain.
func (fs *FS) Readdir(dir yfsaddr.ObjectID, cursor int) (id yfsaddr.ObjectID, name string, typ yfsobj.Type, hasMore bool, err error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	obj, ok := fs.objTbl.Get(dir)
	if !ok {
		return 0, "", 0, false, newErr("readdir", KindBadHandle, nil)
	}
	if obj.Dir == nil {
		return 0, "", 0, false, newErr("readdir", KindNotDir, nil)
	}

	i := 0
	for e := obj.Dir.Children.Oldest; e != nil; e = e.Newer {
		if i == cursor {
			childName, _ := e.Value.Name()
			return e.Value.ID, childName, e.Value.Type, e.Newer != nil, nil
		}
		i++
	}
	return 0, "", 0, false, nil
}

// Lookup resolves a single child name within dir, the form FUSE's
// LookUpInode wants (as opposed to Readdir's whole-directory scan).
func (fs *FS) Lookup(dir yfsaddr.ObjectID, name string) (yfsaddr.ObjectID, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	obj, ok := fs.objTbl.Get(dir)
	if !ok {
		return 0, newErr("lookup", KindBadHandle, nil)
	}
	if obj.Dir == nil {
		return 0, newErr("lookup", KindNotDir, nil)
	}
	child, err := fs.objTbl.LookupChild(obj, name, fs.loadName)
	if err != nil {
		return 0, newErr("lookup", KindNotFound, nil)
	}
	return child.ID, nil
}

// Stat implements spec §6's stat(object).
func (fs *FS) Stat(object yfsaddr.ObjectID) (Stat, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	obj, ok := fs.objTbl.Get(object)
	if !ok {
		return Stat{}, newErr("stat", KindBadHandle, nil)
	}
	s := Stat{
		ID: obj.ID, Type: obj.Type, Parent: obj.Parent,
		Perm: obj.Perm, UID: obj.UID, GID: obj.GID,
		ATime: obj.ATime, MTime: obj.MTime, CTime: obj.CTime,
		HasXattr: obj.HasXattr,
	}
	if obj.File != nil {
		s.Size = obj.File.FileSize
	}
	return s, nil
}
