package alloc

import (
	"sort"
	"sync"

	"github.com/stratum-storage/stratum/internal/logger"
	"github.com/stratum-storage/stratum/pkg/blockptr"
)

// Region describes a span of a device handed to the allocator at setup.
type Region struct {
	Device uint64
	Start  uint64
	Size   uint64
}

type extent struct {
	start uint64
	size  uint64
}

// deviceSpace holds the sorted free extents of one device within a class.
type deviceSpace struct {
	device      uint64
	free        []extent
	allocatable bool
}

// Freelist is an in-memory first-fit allocator over per-class device
// regions. Copies of the same block are spread across devices with a
// rotor; a single-device class simply stacks copies on that device.
type Freelist struct {
	mu      sync.Mutex
	classes map[string][]*deviceSpace
	rotor   map[string]int

	// maxContig caps the size of any single extent handed out. Requests
	// above it fail with ErrNoSpace, forcing the caller down the gang
	// path. Zero means unlimited.
	maxContig uint64
}

// FreelistOption configures a Freelist.
type FreelistOption func(*Freelist)

// WithMaxContiguous caps single-extent allocations at n bytes.
func WithMaxContiguous(n uint64) FreelistOption {
	return func(f *Freelist) { f.maxContig = n }
}

// NewFreelist builds an empty freelist allocator.
func NewFreelist(opts ...FreelistOption) *Freelist {
	f := &Freelist{
		classes: make(map[string][]*deviceSpace),
		rotor:   make(map[string]int),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// AddRegion contributes a device region to a class. Regions are expected
// not to overlap; the allocator does not check.
func (f *Freelist) AddRegion(class string, r Region) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ds := range f.classes[class] {
		if ds.device == r.Device {
			ds.free = append(ds.free, extent{start: r.Start, size: r.Size})
			sortExtents(ds.free)
			return
		}
	}
	f.classes[class] = append(f.classes[class], &deviceSpace{
		device:      r.Device,
		free:        []extent{{start: r.Start, size: r.Size}},
		allocatable: true,
	})
}

// SetDeviceAllocatable marks a device as eligible or ineligible for new
// allocations across all classes. Existing allocations are unaffected.
func (f *Freelist) SetDeviceAllocatable(device uint64, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, devs := range f.classes {
		for _, ds := range devs {
			if ds.device == device {
				ds.allocatable = ok
			}
		}
	}
}

// Allocate implements SpaceAllocator.
func (f *Freelist) Allocate(class *Class, size uint64, copies int, txg uint64) ([]blockptr.DVA, error) {
	dvas, _, err := f.allocate(class.Name, size, size, copies)
	return dvas, err
}

// AllocateUpTo implements SpaceAllocator.
func (f *Freelist) AllocateUpTo(class *Class, min, max uint64, copies int, txg uint64) ([]blockptr.DVA, uint64, error) {
	return f.allocate(class.Name, min, max, copies)
}

func (f *Freelist) allocate(class string, min, max uint64, copies int) ([]blockptr.DVA, uint64, error) {
	if copies < 1 || copies > blockptr.MaxCopies {
		return nil, 0, ErrNoSpace
	}
	if f.maxContig != 0 && min > f.maxContig {
		return nil, 0, ErrNoSpace
	}
	if f.maxContig != 0 && max > f.maxContig {
		max = f.maxContig
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	devs := f.classes[class]
	if len(devs) == 0 {
		return nil, 0, ErrNoSpace
	}

	// All copies are cut to the same size: the size the tightest device
	// can supply. Walk once at max, shrinking the goal as devices come up
	// short, then carve.
	got := max
	picks := make([]*deviceSpace, 0, copies)
	rotor := f.rotor[class]
	for i := 0; i < copies; i++ {
		var pick *deviceSpace
		var pickFit uint64
		for j := 0; j < len(devs); j++ {
			ds := devs[(rotor+i+j)%len(devs)]
			if !ds.allocatable || containsDevice(picks, ds) {
				continue
			}
			fit := largestFit(ds.free, got)
			if fit >= min && fit > pickFit {
				pick, pickFit = ds, fit
			}
		}
		if pick == nil {
			// Distinct devices exhausted; reuse one if the class is
			// smaller than the copy count.
			if len(devs) < copies {
				for j := 0; j < len(devs); j++ {
					ds := devs[(rotor+i+j)%len(devs)]
					if !ds.allocatable {
						continue
					}
					if fit := largestFit(ds.free, got); fit >= min {
						pick, pickFit = ds, fit
						break
					}
				}
			}
			if pick == nil {
				return nil, 0, ErrNoSpace
			}
		}
		if pickFit < got {
			got = pickFit
		}
		picks = append(picks, pick)
	}
	f.rotor[class] = (rotor + 1) % len(devs)

	dvas := make([]blockptr.DVA, 0, copies)
	for _, ds := range picks {
		off, ok := carve(ds, got)
		if !ok {
			// A prior carve in this loop cannot shrink another device's
			// largest extent, so this only fires on a same-device double
			// copy race within picks; undo and fail.
			f.release(dvas)
			return nil, 0, ErrNoSpace
		}
		dvas = append(dvas, blockptr.DVA{Device: ds.device, Offset: off, Asize: got})
	}
	return dvas, got, nil
}

// Free implements SpaceAllocator.
func (f *Freelist) Free(dvas []blockptr.DVA, txg uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.release(dvas)
}

func (f *Freelist) release(dvas []blockptr.DVA) {
	for _, d := range dvas {
		if d.Asize == 0 {
			continue
		}
		ds := f.findDevice(d.Device)
		if ds == nil {
			logger.Warn("free for unknown device", logger.KeyDevice, d.Device)
			continue
		}
		ds.free = append(ds.free, extent{start: d.Offset, size: dvaExtent(d)})
		sortExtents(ds.free)
		ds.free = coalesce(ds.free)
	}
}

// dvaExtent is the on-device extent behind a DVA. A gang DVA's recorded
// asize totals the whole subtree behind the header; the extent at its
// offset is a single header block.
func dvaExtent(d blockptr.DVA) uint64 {
	if d.Gang {
		return blockptr.MinBlockSize
	}
	return d.Asize
}

// Claim implements SpaceAllocator. Each extent must currently be free on
// its device; claiming carves it out exactly.
func (f *Freelist) Claim(dvas []blockptr.DVA, txg uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	// Validate all before mutating any, so a failed claim is a no-op.
	for _, d := range dvas {
		ds := f.findDevice(d.Device)
		if ds == nil || !covers(ds.free, d.Offset, dvaExtent(d)) {
			return ErrNotAllocated
		}
	}
	for _, d := range dvas {
		ds := f.findDevice(d.Device)
		carveAt(ds, d.Offset, dvaExtent(d))
	}
	return nil
}

// FreeSpace returns the total free bytes in a class, for metrics.
func (f *Freelist) FreeSpace(class string) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var total uint64
	for _, ds := range f.classes[class] {
		for _, e := range ds.free {
			total += e.size
		}
	}
	return total
}

func (f *Freelist) findDevice(device uint64) *deviceSpace {
	for _, devs := range f.classes {
		for _, ds := range devs {
			if ds.device == device {
				return ds
			}
		}
	}
	return nil
}

func containsDevice(picks []*deviceSpace, ds *deviceSpace) bool {
	for _, p := range picks {
		if p == ds {
			return true
		}
	}
	return false
}

// largestFit returns the size of the best extent available, capped at max.
func largestFit(free []extent, max uint64) uint64 {
	var best uint64
	for _, e := range free {
		if e.size >= max {
			return max
		}
		if e.size > best {
			best = e.size
		}
	}
	return best
}

// carve removes size bytes from the first extent large enough and returns
// the offset.
func carve(ds *deviceSpace, size uint64) (uint64, bool) {
	for i := range ds.free {
		if ds.free[i].size >= size {
			off := ds.free[i].start
			ds.free[i].start += size
			ds.free[i].size -= size
			if ds.free[i].size == 0 {
				ds.free = append(ds.free[:i], ds.free[i+1:]...)
			}
			return off, true
		}
	}
	return 0, false
}

// carveAt removes [off, off+size) from the free list. The caller has
// already verified coverage.
func carveAt(ds *deviceSpace, off, size uint64) {
	for i := range ds.free {
		e := ds.free[i]
		if off < e.start || off+size > e.start+e.size {
			continue
		}
		rest := append([]extent(nil), ds.free[i+1:]...)
		head := extent{start: e.start, size: off - e.start}
		tail := extent{start: off + size, size: e.start + e.size - (off + size)}
		out := ds.free[:i]
		if head.size > 0 {
			out = append(out, head)
		}
		if tail.size > 0 {
			out = append(out, tail)
		}
		ds.free = append(out, rest...)
		return
	}
}

func covers(free []extent, off, size uint64) bool {
	for _, e := range free {
		if off >= e.start && off+size <= e.start+e.size {
			return true
		}
	}
	return false
}

func sortExtents(free []extent) {
	sort.Slice(free, func(i, j int) bool { return free[i].start < free[j].start })
}

func coalesce(free []extent) []extent {
	out := free[:0]
	for _, e := range free {
		if n := len(out); n > 0 && out[n-1].start+out[n-1].size == e.start {
			out[n-1].size += e.size
			continue
		}
		out = append(out, e)
	}
	return out
}
