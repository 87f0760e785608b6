package alloc

import "sync"

// Well-known class names. Dedup and log fall back to the normal class when
// their dedicated regions are exhausted; the pipeline drives that fallback.
const (
	ClassNormal = "normal"
	ClassDedup  = "dedup"
	ClassLog    = "log"
)

// Class groups free space with a common purpose and carries the
// reservation accounting used to throttle writes against it.
//
// Reservations are sharded: each in-flight writer is bound to one shard
// (chosen from its block offset) so that accounting does not serialize all
// writers on a single counter. A reservation covers asize bytes times the
// number of copies and is held from the allocate stage until the write
// reaches done.
type Class struct {
	Name string

	// Throttled reports whether writers must reserve before allocating.
	// The log class is never throttled; log writes are latency sensitive
	// and self-limiting.
	Throttled bool

	shards []classShard
}

type classShard struct {
	mu       sync.Mutex
	reserved uint64
	limit    uint64
}

// NewClass builds a class with the given number of reservation shards,
// each capped at limitBytes of outstanding reservations.
func NewClass(name string, shards int, limitBytes uint64, throttled bool) *Class {
	if shards < 1 {
		shards = 1
	}
	c := &Class{Name: name, Throttled: throttled, shards: make([]classShard, shards)}
	for i := range c.shards {
		c.shards[i].limit = limitBytes
	}
	return c
}

// Shards returns the number of reservation shards.
func (c *Class) Shards() int { return len(c.shards) }

// Reserve attempts to reserve size*copies bytes on the given shard.
// A forced reservation always succeeds and may push the shard over its
// limit; it is used when the caller cannot tolerate queueing.
func (c *Class) Reserve(shard, copies int, size uint64, force bool) bool {
	s := &c.shards[shard%len(c.shards)]
	need := size * uint64(copies)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !force && s.reserved+need > s.limit {
		return false
	}
	s.reserved += need
	return true
}

// Unreserve releases a reservation taken with Reserve. It returns true
// when the shard dropped below its limit, meaning queued writers may now
// fit and the caller should redrive its throttle queue.
func (c *Class) Unreserve(shard, copies int, size uint64) bool {
	s := &c.shards[shard%len(c.shards)]
	give := size * uint64(copies)

	s.mu.Lock()
	defer s.mu.Unlock()
	if give > s.reserved {
		s.reserved = 0
	} else {
		s.reserved -= give
	}
	return s.reserved < s.limit
}

// Reserved returns the outstanding reservation on a shard, for metrics.
func (c *Class) Reserved(shard int) uint64 {
	s := &c.shards[shard%len(c.shards)]
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reserved
}
