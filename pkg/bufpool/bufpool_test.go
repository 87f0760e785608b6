package bufpool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassSelection(t *testing.T) {
	p := New()

	t.Run("TinyClass", func(t *testing.T) {
		buf := p.Get(100)
		defer p.Put(buf)
		assert.Len(t, buf, 100)
		assert.Equal(t, DefaultTinySize, cap(buf))
	})

	t.Run("SmallClass", func(t *testing.T) {
		buf := p.Get(64 << 10)
		defer p.Put(buf)
		assert.Equal(t, DefaultSmallSize, cap(buf))
	})

	t.Run("LargeClass", func(t *testing.T) {
		buf := p.Get(512 << 10)
		defer p.Put(buf)
		assert.Equal(t, DefaultLargeSize, cap(buf))
	})

	t.Run("HugeClass", func(t *testing.T) {
		buf := p.Get(8 << 20)
		defer p.Put(buf)
		assert.Equal(t, DefaultHugeSize, cap(buf))
	})

	t.Run("OversizedNotPooled", func(t *testing.T) {
		buf := p.Get(32 << 20)
		assert.Len(t, buf, 32<<20)
		p.Put(buf) // must not panic
	})

	t.Run("ZeroSize", func(t *testing.T) {
		buf := p.Get(0)
		assert.Len(t, buf, 0)
		p.Put(buf)
	})
}

func TestBuffersAreZeroed(t *testing.T) {
	p := New()

	buf := p.Get(4096)
	for i := range buf {
		buf[i] = 0xaa
	}
	p.Put(buf)

	again := p.Get(4096)
	defer p.Put(again)
	for i, b := range again {
		require.Zero(t, b, "byte %d not zeroed after reuse", i)
	}
}

func TestConcurrentGetPut(t *testing.T) {
	p := New()
	var wg sync.WaitGroup

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				buf := p.Get(13000)
				buf[0] = byte(j)
				p.Put(buf)
			}
		}()
	}
	wg.Wait()
}

func TestCustomSizes(t *testing.T) {
	p := NewWithSizes(512, 4096)
	buf := p.Get(513)
	assert.Equal(t, 4096, cap(buf))
	assert.Equal(t, []int{512, 4096}, p.ClassSizes())
}
