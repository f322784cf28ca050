// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package yfs

import (
	"context"

	"github.com/zhaogezhang/study-yaffs/lib/yfsaddr"
)

// SetXattr implements spec §6's setxattr(object, name, value).
func (fs *FS) SetXattr(ctx context.Context, object yfsaddr.ObjectID, name string, value []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	obj, ok := fs.objTbl.Get(object)
	if !ok {
		return newErr("setxattr", KindBadHandle, nil)
	}

	attrs, ok := fs.xattrs[object]
	if !ok {
		attrs = make(map[string][]byte)
		fs.xattrs[object] = attrs
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	attrs[name] = stored

	if !obj.HasXattr {
		obj.HasXattr = true
		if err := fs.writeHeader(ctx, obj, obj.HeaderChunk != 0, 0, false); err != nil {
			return newErr("setxattr", KindIOError, err)
		}
	}
	return nil
}

// GetXattr implements spec §6's getxattr(object, name).
func (fs *FS) GetXattr(object yfsaddr.ObjectID, name string) ([]byte, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, ok := fs.objTbl.Get(object); !ok {
		return nil, newErr("getxattr", KindBadHandle, nil)
	}
	attrs, ok := fs.xattrs[object]
	if !ok {
		return nil, newErr("getxattr", KindNoData, nil)
	}
	value, ok := attrs[name]
	if !ok {
		return nil, newErr("getxattr", KindNoData, nil)
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

// ListXattr implements spec §6's listxattr(object).
func (fs *FS) ListXattr(object yfsaddr.ObjectID) ([]string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, ok := fs.objTbl.Get(object); !ok {
		return nil, newErr("listxattr", KindBadHandle, nil)
	}
	attrs := fs.xattrs[object]
	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	return names, nil
}

// RemoveXattr implements spec §6's removexattr(object, name).
func (fs *FS) RemoveXattr(ctx context.Context, object yfsaddr.ObjectID, name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	obj, ok := fs.objTbl.Get(object)
	if !ok {
		return newErr("removexattr", KindBadHandle, nil)
	}
	attrs, ok := fs.xattrs[object]
	if !ok {
		return newErr("removexattr", KindNoData, nil)
	}
	if _, ok := attrs[name]; !ok {
		return newErr("removexattr", KindNoData, nil)
	}
	delete(attrs, name)

	if len(attrs) == 0 {
		delete(fs.xattrs, object)
		obj.HasXattr = false
		if err := fs.writeHeader(ctx, obj, obj.HeaderChunk != 0, 0, false); err != nil {
			return newErr("removexattr", KindIOError, err)
		}
	}
	return nil
}
