// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package yfs

import (
	"github.com/zhaogezhang/study-yaffs/lib/yfsaddr"
	"github.com/zhaogezhang/study-yaffs/lib/yfsobj"
)

// Readlink returns a symlink object's alias string (SPEC_FULL.md §4's
// supplemented accessor: spec.md's operation table only exposes
// generic stat, but the alias itself must be reachable somehow).
func (fs *FS) Readlink(object yfsaddr.ObjectID) (string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	obj, ok := fs.objTbl.Get(object)
	if !ok {
		return "", newErr("readlink", KindBadHandle, nil)
	}
	if obj.Symlink == nil {
		return "", newErr("readlink", KindFatal, nil)
	}
	return obj.Symlink.Target, nil
}

// ResolveSymlink walks from dir/name, following symlinks, up to
// maxDepth hops (scenario S6: a chain past 5 hops fails with *loop*).
// Each path component is resolved as a plain lookup; a symlink
// encountered along the way is substituted by its target, which must
// itself be an absolute-from-root or relative-from-parent path the
// caller has already split into components — this façade resolves one
// already-split component list at a time, leaving path splitting to
// the caller (there is no path-string type in this library, only
// object/name pairs, per spec.md §6).
func (fs *FS) ResolveSymlink(dir yfsaddr.ObjectID, components []string, maxDepth int) (yfsaddr.ObjectID, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.resolveSymlinkLocked(dir, components, maxDepth, 0)
}

func (fs *FS) resolveSymlinkLocked(dir yfsaddr.ObjectID, components []string, maxDepth, depth int) (yfsaddr.ObjectID, error) {
	cur := dir
	for _, name := range components {
		parent, ok := fs.objTbl.Get(cur)
		if !ok || parent.Dir == nil {
			return 0, newErr("resolve", KindNotDir, nil)
		}
		child, err := fs.objTbl.LookupChild(parent, name, fs.loadName)
		if err != nil {
			return 0, newErr("resolve", KindNotFound, nil)
		}
		if child.Type == yfsobj.TypeSymlink {
			if depth >= maxDepth {
				return 0, newErr("resolve", KindLoop, nil)
			}
			target := child.Symlink.Target
			next, err := fs.resolveSymlinkLocked(child.Parent, splitPath(target), maxDepth, depth+1)
			if err != nil {
				return 0, err
			}
			cur = next
			continue
		}
		cur = fs.objTbl.Equivalent(child).ID
	}
	return cur, nil
}

// splitPath splits a slash-separated alias into path components,
// dropping empty segments (leading slash, repeated slashes).
func splitPath(alias string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(alias); i++ {
		if i == len(alias) || alias[i] == '/' {
			if i > start {
				out = append(out, alias[start:i])
			}
			start = i + 1
		}
	}
	return out
}
