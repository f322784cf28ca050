// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/zhaogezhang/study-yaffs/lib/yfs"
	"github.com/zhaogezhang/study-yaffs/lib/yfsaddr"
)

// attrCache remembers recently-Stat'd objects so repeated
// GetInodeAttributes calls (the kernel issues a lot of them) don't
// each retake fs.mu for a dirops.go Stat round-trip.
type attrCache struct {
	initOnce sync.Once
	inner    *lru.ARCCache
}

func (c *attrCache) init() {
	c.initOnce.Do(func() {
		c.inner, _ = lru.NewARC(512)
	})
}

func (c *attrCache) Get(id yfsaddr.ObjectID) (yfs.Stat, bool) {
	c.init()
	v, ok := c.inner.Get(id)
	if !ok {
		return yfs.Stat{}, false
	}
	return v.(yfs.Stat), true
}

func (c *attrCache) Add(id yfsaddr.ObjectID, st yfs.Stat) {
	c.init()
	c.inner.Add(id, st)
}

func (c *attrCache) Remove(id yfsaddr.ObjectID) {
	c.init()
	c.inner.Remove(id)
}
