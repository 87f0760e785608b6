package bytesize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		want ByteSize
	}{
		{"4096", 4096},
		{"128Ki", 128 * KiB},
		{"1Gi", GiB},
		{"4MB", 4 * MB},
		{"2TiB", 2 * TiB},
		{" 16 Mi ", 16 * MiB},
	}
	for _, c := range cases {
		got, err := Parse(c.in)
		require.NoError(t, err, c.in)
		assert.Equal(t, c.want, got, c.in)
	}
}

func TestParseInvalid(t *testing.T) {
	for _, in := range []string{"", "abc", "12Q", "-5Ki"} {
		_, err := Parse(in)
		assert.Error(t, err, in)
	}
}

func TestString(t *testing.T) {
	assert.Equal(t, "128Ki", (128 * KiB).String())
	assert.Equal(t, "1Gi", GiB.String())
	assert.Equal(t, "4097", ByteSize(4097).String())
}
