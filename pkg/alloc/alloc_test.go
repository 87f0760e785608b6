package alloc

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratum-storage/stratum/pkg/blockptr"
)

func newTestFreelist(opts ...FreelistOption) *Freelist {
	f := NewFreelist(opts...)
	f.AddRegion(ClassNormal, Region{Device: 0, Start: 0, Size: 1 << 20})
	f.AddRegion(ClassNormal, Region{Device: 1, Start: 0, Size: 1 << 20})
	f.AddRegion(ClassNormal, Region{Device: 2, Start: 0, Size: 1 << 20})
	return f
}

func TestFreelistAllocate(t *testing.T) {
	normal := NewClass(ClassNormal, 4, 1<<20, true)

	// ========================================
	// Copies land on distinct devices
	// ========================================

	t.Run("copies on distinct devices", func(t *testing.T) {
		f := newTestFreelist()
		dvas, err := f.Allocate(normal, 4096, 3, 1)
		require.NoError(t, err)
		require.Len(t, dvas, 3)

		seen := map[uint64]bool{}
		for _, d := range dvas {
			assert.EqualValues(t, 4096, d.Asize)
			assert.False(t, seen[d.Device], "device %d used twice", d.Device)
			seen[d.Device] = true
		}
	})

	t.Run("copies stack when class smaller than copy count", func(t *testing.T) {
		f := NewFreelist()
		f.AddRegion(ClassNormal, Region{Device: 7, Start: 0, Size: 1 << 20})

		dvas, err := f.Allocate(normal, 4096, 2, 1)
		require.NoError(t, err)
		require.Len(t, dvas, 2)
		assert.EqualValues(t, 7, dvas[0].Device)
		assert.EqualValues(t, 7, dvas[1].Device)
		assert.NotEqual(t, dvas[0].Offset, dvas[1].Offset)
	})

	// ========================================
	// Exhaustion
	// ========================================

	t.Run("exhaustion returns ErrNoSpace", func(t *testing.T) {
		f := NewFreelist()
		f.AddRegion(ClassNormal, Region{Device: 0, Start: 0, Size: 8192})

		_, err := f.Allocate(normal, 4096, 1, 1)
		require.NoError(t, err)
		_, err = f.Allocate(normal, 8192, 1, 1)
		assert.ErrorIs(t, err, ErrNoSpace)
	})

	t.Run("unknown class returns ErrNoSpace", func(t *testing.T) {
		f := newTestFreelist()
		_, err := f.Allocate(NewClass("missing", 1, 0, false), 4096, 1, 1)
		assert.ErrorIs(t, err, ErrNoSpace)
	})

	t.Run("max contiguous cap forces failure", func(t *testing.T) {
		f := newTestFreelist(WithMaxContiguous(64 << 10))
		_, err := f.Allocate(normal, 128<<10, 1, 1)
		assert.ErrorIs(t, err, ErrNoSpace)
	})

	// ========================================
	// Ranged allocation
	// ========================================

	t.Run("allocate up to returns largest available", func(t *testing.T) {
		f := NewFreelist()
		f.AddRegion(ClassNormal, Region{Device: 0, Start: 0, Size: 96 << 10})

		dvas, got, err := f.AllocateUpTo(normal, 4096, 128<<10, 1, 1)
		require.NoError(t, err)
		require.Len(t, dvas, 1)
		assert.EqualValues(t, 96<<10, got)
		assert.EqualValues(t, 96<<10, dvas[0].Asize)
	})

	t.Run("allocate up to honors max contiguous", func(t *testing.T) {
		f := newTestFreelist(WithMaxContiguous(32 << 10))
		_, got, err := f.AllocateUpTo(normal, 4096, 128<<10, 1, 1)
		require.NoError(t, err)
		assert.EqualValues(t, 32<<10, got)
	})

	t.Run("copies share the tightest size", func(t *testing.T) {
		f := NewFreelist()
		f.AddRegion(ClassNormal, Region{Device: 0, Start: 0, Size: 1 << 20})
		f.AddRegion(ClassNormal, Region{Device: 1, Start: 0, Size: 16 << 10})

		dvas, got, err := f.AllocateUpTo(normal, 4096, 64<<10, 2, 1)
		require.NoError(t, err)
		assert.EqualValues(t, 16<<10, got)
		for _, d := range dvas {
			assert.EqualValues(t, 16<<10, d.Asize)
		}
	})
}

func TestFreelistFree(t *testing.T) {
	normal := NewClass(ClassNormal, 4, 1<<20, true)

	t.Run("free returns space", func(t *testing.T) {
		f := NewFreelist()
		f.AddRegion(ClassNormal, Region{Device: 0, Start: 0, Size: 64 << 10})

		dvas, err := f.Allocate(normal, 64<<10, 1, 1)
		require.NoError(t, err)
		_, err = f.Allocate(normal, 4096, 1, 1)
		require.ErrorIs(t, err, ErrNoSpace)

		f.Free(dvas, 2)
		_, err = f.Allocate(normal, 64<<10, 1, 2)
		assert.NoError(t, err)
	})

	t.Run("adjacent frees coalesce", func(t *testing.T) {
		f := NewFreelist()
		f.AddRegion(ClassNormal, Region{Device: 0, Start: 0, Size: 64 << 10})

		a, err := f.Allocate(normal, 32<<10, 1, 1)
		require.NoError(t, err)
		b, err := f.Allocate(normal, 32<<10, 1, 1)
		require.NoError(t, err)

		f.Free(a, 2)
		f.Free(b, 2)

		// Only possible if the two halves merged back into one extent.
		_, err = f.Allocate(normal, 64<<10, 1, 2)
		assert.NoError(t, err)
	})

	t.Run("hole dvas are ignored", func(t *testing.T) {
		f := newTestFreelist()
		f.Free([]blockptr.DVA{{}}, 1)
		assert.EqualValues(t, 3<<20, f.FreeSpace(ClassNormal))
	})

	t.Run("gang dva frees one header block", func(t *testing.T) {
		f := NewFreelist()
		f.AddRegion(ClassNormal, Region{Device: 0, Start: 0, Size: 64 << 10})

		dvas, err := f.Allocate(normal, blockptr.MinBlockSize, 1, 1)
		require.NoError(t, err)

		// A gang DVA's recorded asize totals the member tree behind the
		// header; only the header extent itself comes back.
		gd := dvas[0]
		gd.Gang = true
		gd.Asize = 48 << 10
		f.Free([]blockptr.DVA{gd}, 2)
		assert.EqualValues(t, 64<<10, f.FreeSpace(ClassNormal))
	})
}

func TestFreelistClaim(t *testing.T) {
	t.Run("claim carves exactly", func(t *testing.T) {
		f := NewFreelist()
		f.AddRegion(ClassNormal, Region{Device: 0, Start: 0, Size: 64 << 10})

		dva := blockptr.DVA{Device: 0, Offset: 8 << 10, Asize: 8 << 10}
		require.NoError(t, f.Claim([]blockptr.DVA{dva}, 1))

		// The claimed range is gone; its neighbors remain.
		assert.EqualValues(t, 56<<10, f.FreeSpace(ClassNormal))
		assert.ErrorIs(t, f.Claim([]blockptr.DVA{dva}, 1), ErrNotAllocated)
	})

	t.Run("failed claim mutates nothing", func(t *testing.T) {
		f := NewFreelist()
		f.AddRegion(ClassNormal, Region{Device: 0, Start: 0, Size: 64 << 10})

		dvas := []blockptr.DVA{
			{Device: 0, Offset: 0, Asize: 8 << 10},
			{Device: 9, Offset: 0, Asize: 8 << 10},
		}
		require.ErrorIs(t, f.Claim(dvas, 1), ErrNotAllocated)
		assert.EqualValues(t, 64<<10, f.FreeSpace(ClassNormal))
	})

	t.Run("gang dva claims one header block", func(t *testing.T) {
		f := NewFreelist()
		f.AddRegion(ClassNormal, Region{Device: 0, Start: 0, Size: 64 << 10})

		gd := blockptr.DVA{Device: 0, Offset: 0, Asize: 48 << 10, Gang: true}
		require.NoError(t, f.Claim([]blockptr.DVA{gd}, 1))
		assert.EqualValues(t, 64<<10-blockptr.MinBlockSize, f.FreeSpace(ClassNormal))
	})
}

func TestClassReservations(t *testing.T) {
	t.Run("reserve up to the limit", func(t *testing.T) {
		c := NewClass(ClassNormal, 1, 100, true)
		assert.True(t, c.Reserve(0, 2, 40, false))
		assert.False(t, c.Reserve(0, 1, 40, false))
		assert.True(t, c.Reserve(0, 1, 20, false))
	})

	t.Run("forced reservation exceeds the limit", func(t *testing.T) {
		c := NewClass(ClassNormal, 1, 100, true)
		assert.True(t, c.Reserve(0, 3, 100, true))
		assert.EqualValues(t, 300, c.Reserved(0))
	})

	t.Run("unreserve signals when space opens", func(t *testing.T) {
		c := NewClass(ClassNormal, 1, 100, true)
		require.True(t, c.Reserve(0, 1, 100, false))
		assert.True(t, c.Unreserve(0, 1, 50))
		assert.EqualValues(t, 50, c.Reserved(0))
	})

	t.Run("unreserve below forced overshoot stays full", func(t *testing.T) {
		c := NewClass(ClassNormal, 1, 100, true)
		require.True(t, c.Reserve(0, 3, 100, true))
		assert.False(t, c.Unreserve(0, 1, 100))
		assert.True(t, c.Unreserve(0, 2, 100))
	})

	t.Run("shards are independent", func(t *testing.T) {
		c := NewClass(ClassNormal, 2, 100, true)
		require.True(t, c.Reserve(0, 1, 100, false))
		assert.True(t, c.Reserve(1, 1, 100, false))
		assert.False(t, c.Reserve(0, 1, 1, false))
	})
}

func TestFreelistConcurrency(t *testing.T) {
	f := newTestFreelist()
	normal := NewClass(ClassNormal, 4, 1<<20, true)

	var wg sync.WaitGroup
	var mu sync.Mutex
	allocated := make(map[[2]uint64]bool)

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 32; j++ {
				dvas, err := f.Allocate(normal, 4096, 2, 1)
				if err != nil {
					continue
				}
				mu.Lock()
				for _, d := range dvas {
					key := [2]uint64{d.Device, d.Offset}
					if allocated[key] {
						t.Errorf("extent handed out twice: dev %d off %d", d.Device, d.Offset)
					}
					allocated[key] = true
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
}
