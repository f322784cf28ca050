// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package yfsnand

import (
	"sync/atomic"

	"git.lukeshu.com/go/typedsync"
)

// BufferPool is the scoped temporary-buffer pool of spec §5: a small
// fixed count of chunk-sized buffers that a caller borrows for at
// most one device-region acquisition and then returns. It is grounded
// on the same typedsync.Pool primitive that lib/containers/slicepool.go
// uses, but — unlike that unbounded sync.Pool wrapper — this one
// enforces the fixed count itself via a buffered channel of tokens, so
// that exceeding it is observable (it falls back to a one-shot heap
// allocation and increments Overflows) rather than silently growing.
type BufferPool struct {
	chunkSize int
	tokens    chan []byte
	inner     typedsync.Pool[[]byte]

	overflows atomic.Int64
}

// NewBufferPool creates a pool of n chunkSize-sized buffers.
func NewBufferPool(n int, chunkSize int) *BufferPool {
	p := &BufferPool{
		chunkSize: chunkSize,
		tokens:    make(chan []byte, n),
	}
	for i := 0; i < n; i++ {
		p.tokens <- make([]byte, chunkSize)
	}
	return p
}

// Borrow reserves a buffer. If the pool is exhausted it falls back to
// a fresh heap allocation and records the overflow.
func (p *BufferPool) Borrow() []byte {
	select {
	case buf := <-p.tokens:
		return buf
	default:
	}
	if buf, ok := p.inner.Get(); ok && cap(buf) >= p.chunkSize {
		return buf[:p.chunkSize]
	}
	p.overflows.Add(1)
	return make([]byte, p.chunkSize)
}

// Return releases a buffer borrowed with Borrow. It is the scope
// guard's job (see WithBuffer) to guarantee this is called on every
// exit path.
func (p *BufferPool) Return(buf []byte) {
	select {
	case p.tokens <- buf[:p.chunkSize]:
		return
	default:
	}
	p.inner.Put(buf)
}

// Overflows returns the number of Borrow calls that could not be
// satisfied from the fixed pool and fell back to a heap allocation.
func (p *BufferPool) Overflows() int64 {
	return p.overflows.Load()
}

// WithBuffer borrows a buffer for the duration of fn and guarantees it
// is returned on every exit path, including panics.
func (p *BufferPool) WithBuffer(fn func(buf []byte) error) error {
	buf := p.Borrow()
	defer p.Return(buf)
	return fn(buf)
}
