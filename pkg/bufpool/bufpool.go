// Package bufpool provides a size-class pooled buffer allocator for block
// I/O staging.
//
// The pipeline allocates a transient buffer for nearly every transform it
// applies (compression output, encryption output, device alignment padding,
// gang headers). Pooling these by size class keeps the allocation rate and
// GC pressure flat under load.
//
// A Pool is created once at engine startup and injected into every
// component that stages data, so tests can run with isolated pools.
//
// # Size Classes
//
//   - tiny (4 KiB): gang headers, embedded-data staging
//   - small (128 KiB): typical recordsize blocks
//   - large (1 MiB): large blocks and aggregated device writes
//   - huge (16 MiB): the maximum block size
//
// Requests above the huge class allocate directly and are not pooled.
package bufpool

import (
	"sync"
)

// Default size class boundaries.
const (
	DefaultTinySize  = 4 << 10
	DefaultSmallSize = 128 << 10
	DefaultLargeSize = 1 << 20
	DefaultHugeSize  = 16 << 20
)

// Pool manages byte slice pools organized by size class. All methods are
// safe for concurrent use.
type Pool struct {
	classes []class
}

type class struct {
	size int
	pool *sync.Pool
}

// New creates a Pool with the default size classes.
func New() *Pool {
	return NewWithSizes(DefaultTinySize, DefaultSmallSize, DefaultLargeSize, DefaultHugeSize)
}

// NewWithSizes creates a Pool with custom class boundaries. Sizes must be
// ascending and positive.
func NewWithSizes(sizes ...int) *Pool {
	p := &Pool{}
	for _, s := range sizes {
		s := s
		p.classes = append(p.classes, class{
			size: s,
			pool: &sync.Pool{
				New: func() any {
					b := make([]byte, s)
					return &b
				},
			},
		})
	}
	return p
}

// Get returns a zeroed buffer of exactly size bytes, backed by the smallest
// class that fits. Oversized requests are allocated directly.
func (p *Pool) Get(size int) []byte {
	if size < 0 {
		size = 0
	}
	for _, c := range p.classes {
		if size <= c.size {
			buf := *(c.pool.Get().(*[]byte))
			buf = buf[:size]
			clear(buf)
			return buf
		}
	}
	return make([]byte, size)
}

// Put returns a buffer obtained from Get to its class pool. Buffers that
// did not come from a class (oversized) are dropped for the GC to collect.
func (p *Pool) Put(buf []byte) {
	if buf == nil {
		return
	}
	c := cap(buf)
	for i := range p.classes {
		if c == p.classes[i].size {
			full := buf[:c]
			p.classes[i].pool.Put(&full)
			return
		}
	}
}

// ClassSizes returns the configured class boundaries, ascending.
func (p *Pool) ClassSizes() []int {
	out := make([]int, len(p.classes))
	for i, c := range p.classes {
		out[i] = c.size
	}
	return out
}
