package blockptr

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPointerShapes(t *testing.T) {
	t.Run("ZeroValueIsHole", func(t *testing.T) {
		var p Pointer
		assert.True(t, p.IsHole())
		assert.Equal(t, 0, p.NumCopies())
	})

	t.Run("EmbeddedIsNotHole", func(t *testing.T) {
		var p Pointer
		p.SetEmbedded([]byte{1, 2, 3}, CompressZstd, 4096, 7)
		assert.False(t, p.IsHole())
		assert.True(t, p.Embedded)
		assert.Equal(t, uint64(3), p.PSize)
		assert.Equal(t, uint64(4096), p.LSize)
	})

	t.Run("CopiesCounted", func(t *testing.T) {
		var p Pointer
		p.DVAs[0] = DVA{Device: 1, Offset: 512, Asize: 1024}
		p.DVAs[1] = DVA{Device: 2, Offset: 2048, Asize: 1024}
		assert.Equal(t, 2, p.NumCopies())
		assert.False(t, p.IsHole())

		p.ClearCopies()
		assert.True(t, p.IsHole())
	})
}

func TestPointerEqual(t *testing.T) {
	a := &Pointer{LSize: 4096, PSize: 1024, Checksum: ChecksumBlake3, Birth: 3}
	a.DVAs[0] = DVA{Device: 1, Offset: 512, Asize: 1024}
	b := a.Clone()

	assert.True(t, a.Equal(b))

	b.Sum[0] = 0xff
	assert.False(t, a.Equal(b))
}

func TestChecksumStrength(t *testing.T) {
	assert.True(t, ChecksumBlake3.Strong())
	assert.True(t, ChecksumSHA256.Strong())
	assert.False(t, ChecksumXXHash64.Strong())
	assert.False(t, ChecksumOff.Strong())
}

func TestRoundUp(t *testing.T) {
	assert.Equal(t, uint64(512), RoundUp(1))
	assert.Equal(t, uint64(512), RoundUp(512))
	assert.Equal(t, uint64(1024), RoundUp(513))
	assert.Equal(t, uint64(0), RoundUp(0))
}
