// Package ddt implements the deduplication table: a sharded in-memory map
// from block content digests to physical block entries with reference
// counts.
//
// The table stores where each unique block lives and how many logical
// block pointers reference it. Write coordination (electing a lead writer
// among concurrent duplicates, chaining followers behind it) is driven by
// the pipeline; the table only provides the shared state plus per-entry
// locking.
package ddt

import (
	"sync"
	"sync/atomic"

	"github.com/stratum-storage/stratum/pkg/blockptr"
)

// Key identifies one unique block. Two blocks dedup against each other
// only if their content digest, sizes, and transform settings all match.
type Key struct {
	Checksum    blockptr.Checksum
	Digest      blockptr.Digest
	LSize       uint64
	PSize       uint64
	Compression blockptr.Compression
}

// KeyFromPointer derives the table key from a written block pointer.
func KeyFromPointer(bp *blockptr.Pointer) Key {
	return Key{
		Checksum:    bp.Checksum,
		Digest:      bp.Sum,
		LSize:       bp.LSize,
		PSize:       bp.PSize,
		Compression: bp.Compression,
	}
}

// Phys is one physical variant of a unique block. Variants are indexed by
// copy count: a block first written with copies=1 and later wanted with
// copies=2 occupies two slots, each with its own extents and refcount.
type Phys struct {
	DVAs     []blockptr.DVA
	Birth    uint64
	Refcount int64
}

// Empty reports whether the slot has never been filled.
func (p *Phys) Empty() bool { return len(p.DVAs) == 0 && p.Birth == 0 }

// Entry is the table record for one unique block.
//
// All slot access happens under the entry lock. Lead holds the in-flight
// lead writer per slot while a write is outstanding; the pipeline stores
// its own node type there.
type Entry struct {
	mu sync.Mutex

	Key  Key
	Phys [blockptr.MaxCopies + 1]Phys
	Lead [blockptr.MaxCopies + 1]any

	orig  [blockptr.MaxCopies + 1]Phys
	saved [blockptr.MaxCopies + 1]bool
}

// Lock acquires the entry lock.
func (e *Entry) Lock() { e.mu.Lock() }

// Unlock releases the entry lock.
func (e *Entry) Unlock() { e.mu.Unlock() }

// SaveOrig snapshots slot p so a failed lead write can restore it.
// Idempotent until RestoreOrig or DiscardOrig.
func (e *Entry) SaveOrig(p int) {
	if e.saved[p] {
		return
	}
	e.orig[p] = e.Phys[p]
	e.orig[p].DVAs = append([]blockptr.DVA(nil), e.Phys[p].DVAs...)
	e.saved[p] = true
}

// RestoreOrig rolls slot p back to its last snapshot.
func (e *Entry) RestoreOrig(p int) {
	if !e.saved[p] {
		return
	}
	e.Phys[p] = e.orig[p]
	e.saved[p] = false
}

// DiscardOrig drops the snapshot for slot p after a successful write.
func (e *Entry) DiscardOrig(p int) {
	e.orig[p] = Phys{}
	e.saved[p] = false
}

// Fill records the physical location of slot p.
func (e *Entry) Fill(p int, dvas []blockptr.DVA, birth uint64) {
	e.Phys[p].DVAs = append([]blockptr.DVA(nil), dvas...)
	e.Phys[p].Birth = birth
}

// AddRef adds one logical reference to slot p.
func (e *Entry) AddRef(p int) { e.Phys[p].Refcount++ }

// Release drops one logical reference from slot p and returns the new
// count.
func (e *Entry) Release(p int) int64 {
	if e.Phys[p].Refcount > 0 {
		e.Phys[p].Refcount--
	}
	return e.Phys[p].Refcount
}

// TotalRefs sums the refcounts across all slots.
func (e *Entry) TotalRefs() int64 {
	var total int64
	for i := range e.Phys {
		total += e.Phys[i].Refcount
	}
	return total
}

// HasLead reports whether any slot has an in-flight lead writer.
func (e *Entry) HasLead() bool {
	for i := range e.Lead {
		if e.Lead[i] != nil {
			return true
		}
	}
	return false
}

// Table is the sharded dedup table.
type Table struct {
	shards []tableShard

	hits   atomic.Uint64
	misses atomic.Uint64
}

type tableShard struct {
	mu      sync.Mutex
	entries map[Key]*Entry
}

// NewTable builds a table with the given shard count.
func NewTable(shards int) *Table {
	if shards < 1 {
		shards = 1
	}
	t := &Table{shards: make([]tableShard, shards)}
	for i := range t.shards {
		t.shards[i].entries = make(map[Key]*Entry)
	}
	return t
}

func (t *Table) shard(k Key) *tableShard {
	// The digest is uniformly distributed; its first byte spreads keys
	// well enough.
	return &t.shards[int(k.Digest[0])%len(t.shards)]
}

// Lookup finds the entry for a key. With create set, a missing entry is
// inserted; concurrent creators observe the same entry.
func (t *Table) Lookup(k Key, create bool) *Entry {
	s := t.shard(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[k]
	if ok {
		t.hits.Add(1)
		return e
	}
	t.misses.Add(1)
	if !create {
		return nil
	}
	e = &Entry{Key: k}
	s.entries[k] = e
	return e
}

// Remove drops an entry once nothing references it. The caller must hold
// the entry lock; removal is skipped if a racing writer took a reference
// or installed a lead in the meantime.
func (t *Table) Remove(e *Entry) bool {
	if e.TotalRefs() > 0 || e.HasLead() {
		return false
	}
	s := t.shard(e.Key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entries[e.Key] == e {
		delete(s.entries, e.Key)
		return true
	}
	return false
}

// Len returns the number of unique blocks tracked.
func (t *Table) Len() int {
	var n int
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

// Stats returns lookup hit and miss counts.
func (t *Table) Stats() (hits, misses uint64) {
	return t.hits.Load(), t.misses.Load()
}
