// File: core/buffer/bufferpool.go
// Package buffer implements size-classed pooling of connection I/O buffers.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package buffer

import (
	"sync"
	"sync/atomic"
)

// Power-of-two size classes (bytes). Requests above the largest class are
// allocated directly and never pooled.
var sizeClasses = [...]int{
	512,
	1024,
	2 * 1024,
	4 * 1024,
	8 * 1024,
	16 * 1024,
	32 * 1024,
	64 * 1024,
}

// classIndex returns the smallest class that fits size, or -1.
func classIndex(size int) int {
	for i, c := range sizeClasses {
		if size <= c {
			return i
		}
	}
	return -1
}

// Stats is a point-in-time view of pool usage.
type Stats struct {
	Gets     uint64 `json:"gets"`
	Allocs   uint64 `json:"allocs"`
	Returned uint64 `json:"returned"`
}

// Pool hands out byte slices grouped by size class. It is safe for
// concurrent use.
type Pool struct {
	classes [len(sizeClasses)]sync.Pool

	gets     atomic.Uint64
	allocs   atomic.Uint64
	returned atomic.Uint64
}

func New() *Pool {
	p := &Pool{}
	for i := range p.classes {
		size := sizeClasses[i]
		p.classes[i].New = func() any {
			p.allocs.Add(1)
			b := make([]byte, size)
			return &b
		}
	}
	return p
}

// Get returns a slice of length size. Its contents are unspecified.
func (p *Pool) Get(size int) []byte {
	p.gets.Add(1)
	i := classIndex(size)
	if i < 0 {
		p.allocs.Add(1)
		return make([]byte, size)
	}
	b := *(p.classes[i].Get().(*[]byte))
	return b[:size]
}

// Put recycles b. Slices not obtained from Get are ignored.
func (p *Pool) Put(b []byte) {
	i := classIndex(cap(b))
	if i < 0 || sizeClasses[i] != cap(b) {
		return
	}
	b = b[:cap(b)]
	p.returned.Add(1)
	p.classes[i].Put(&b)
}

func (p *Pool) Stats() Stats {
	return Stats{
		Gets:     p.gets.Load(),
		Allocs:   p.allocs.Load(),
		Returned: p.returned.Load(),
	}
}
