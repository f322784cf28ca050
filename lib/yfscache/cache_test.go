// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package yfscache_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhaogezhang/study-yaffs/lib/yfscache"
)

type fakeBackend struct {
	flushed map[yfscache.Key][]byte
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{flushed: make(map[yfscache.Key][]byte)}
}

func (b *fakeBackend) LoadChunk(_ context.Context, key yfscache.Key, buf []byte) (int, error) {
	if data, ok := b.flushed[key]; ok {
		n := copy(buf, data)
		return n, nil
	}
	for i := range buf {
		buf[i] = 0
	}
	return 0, nil
}

func (b *fakeBackend) FlushChunk(_ context.Context, key yfscache.Key, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	b.flushed[key] = cp
	return nil
}

func TestAcquireWriteReleaseFlush(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backend := newFakeBackend()
	c := yfscache.New(2, 16, backend)

	key := yfscache.Key{Object: 7, Chunk: 0}
	slot := c.Acquire(ctx, key)
	c.MarkDirty(slot, []byte("hello"))
	c.Release(key)

	c.Flush(ctx)
	require.Contains(t, backend.flushed, key)
	assert.Equal(t, []byte("hello"), backend.flushed[key])
}

func TestAcquireLoadsFromBackendOnMiss(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backend := newFakeBackend()
	backend.flushed[yfscache.Key{Object: 1, Chunk: 2}] = []byte("preexisting")

	c := yfscache.New(2, 16, backend)
	slot := c.Acquire(ctx, yfscache.Key{Object: 1, Chunk: 2})
	assert.Equal(t, "preexisting", string(slot.Data[:slot.Length]))
	c.Release(yfscache.Key{Object: 1, Chunk: 2})
}

func TestCapacityEvictsLRU(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backend := newFakeBackend()
	c := yfscache.New(1, 16, backend)

	k1 := yfscache.Key{Object: 1}
	k2 := yfscache.Key{Object: 2}

	s1 := c.Acquire(ctx, k1)
	c.MarkDirty(s1, []byte("one"))
	c.Release(k1)

	// acquiring k2 evicts k1, which must flush it first since it's dirty.
	s2 := c.Acquire(ctx, k2)
	c.Release(k2)
	_ = s2

	assert.Equal(t, []byte("one"), backend.flushed[k1])
}
