// Package alloc defines the space allocator consumed by the request
// pipeline: allocation classes with reservation-based back-pressure
// accounting, and a freelist allocator over device regions.
//
// The pipeline only depends on the SpaceAllocator interface and the Class
// reservation operations. The free-space search strategy is deliberately
// simple (first fit with a device rotor); fragmentation policy is out of
// scope for this engine.
package alloc

import (
	"errors"

	"github.com/stratum-storage/stratum/pkg/blockptr"
)

// ErrNoSpace indicates the allocation could not be satisfied in the
// requested class.
var ErrNoSpace = errors.New("no space available")

// ErrNotAllocated indicates a claim targeted an extent the allocator does
// not consider allocatable (outside any region, or double-claimed).
var ErrNotAllocated = errors.New("extent cannot be claimed")

// SpaceAllocator is the allocation collaborator of the pipeline.
//
// Sizes are in bytes and must be multiples of the allocation granularity.
// Copies land on distinct devices when the class spans more than one.
type SpaceAllocator interface {
	// Allocate finds size bytes for each of copies physical copies.
	// Returns ErrNoSpace when the class cannot satisfy the request.
	Allocate(class *Class, size uint64, copies int, txg uint64) ([]blockptr.DVA, error)

	// AllocateUpTo allocates between min and max bytes for each copy,
	// preferring larger extents. Used by the gang path to grab the
	// biggest pieces still available. Returns the per-copy size actually
	// allocated.
	AllocateUpTo(class *Class, min, max uint64, copies int, txg uint64) ([]blockptr.DVA, uint64, error)

	// Free returns the extents behind the DVAs to the free space map.
	Free(dvas []blockptr.DVA, txg uint64)

	// Claim marks the extents behind the DVAs as allocated, used during
	// log replay to re-assert ownership of blocks written before a crash.
	Claim(dvas []blockptr.DVA, txg uint64) error

	// SetDeviceAllocatable marks a device as eligible or ineligible for
	// new allocations. The pipeline withdraws devices that reject writes.
	SetDeviceAllocatable(device uint64, ok bool)
}
