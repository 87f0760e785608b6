package xform

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratum-storage/stratum/pkg/blockptr"
)

// ============================================================================
// Compression Tests
// ============================================================================

func TestCompressRoundTrip(t *testing.T) {
	src := bytes.Repeat([]byte("stratum block data "), 4096)

	for _, algo := range []blockptr.Compression{blockptr.CompressS2, blockptr.CompressZstd} {
		t.Run(algo.String(), func(t *testing.T) {
			out, ok := Compress(algo, src, len(src)-1)
			require.True(t, ok)
			require.Less(t, len(out), len(src))

			back, err := Decompress(algo, out, len(src))
			require.NoError(t, err)
			assert.Equal(t, src, back)
		})
	}
}

func TestCompressIncompressible(t *testing.T) {
	src := make([]byte, 64<<10)
	_, err := rand.Read(src)
	require.NoError(t, err)

	_, ok := Compress(blockptr.CompressZstd, src, len(src)-512)
	assert.False(t, ok, "random data should not compress under maxSize")
}

func TestDecompressSizeMismatch(t *testing.T) {
	src := bytes.Repeat([]byte{7}, 8192)
	out, ok := Compress(blockptr.CompressZstd, src, 8191)
	require.True(t, ok)

	_, err := Decompress(blockptr.CompressZstd, out, 4096)
	assert.Error(t, err)
}

func TestDecompressIgnoresPadding(t *testing.T) {
	src := bytes.Repeat([]byte{3}, 8192)
	out, ok := Compress(blockptr.CompressS2, src, 8191)
	require.True(t, ok)

	// Stored blocks are zero-padded to the allocation granularity.
	padded := append(out, make([]byte, 512-len(out)%512)...)
	back, err := Decompress(blockptr.CompressS2, padded, len(src))
	require.NoError(t, err)
	assert.Equal(t, src, back)
}

func TestAllZero(t *testing.T) {
	assert.True(t, AllZero(make([]byte, 100)))
	assert.True(t, AllZero(nil))

	buf := make([]byte, 100)
	buf[99] = 1
	assert.False(t, AllZero(buf))
}

// ============================================================================
// Checksum Tests
// ============================================================================

func TestChecksumVerify(t *testing.T) {
	data := []byte("the quick brown fox")

	for _, algo := range []blockptr.Checksum{
		blockptr.ChecksumXXHash64,
		blockptr.ChecksumBlake3,
		blockptr.ChecksumSHA256,
	} {
		t.Run(algo.String(), func(t *testing.T) {
			sum := ChecksumData(algo, data)
			assert.True(t, Verify(algo, data, sum))
			assert.False(t, Verify(algo, append(data, 'x'), sum))
		})
	}
}

func TestChecksumGangVerifier(t *testing.T) {
	hdr := []byte("gang header bytes")

	a := ChecksumGang(hdr, 1, 4096, 10)
	b := ChecksumGang(hdr, 1, 8192, 10)
	assert.NotEqual(t, a, b, "same bytes at different offsets must differ")
	assert.Equal(t, a, ChecksumGang(hdr, 1, 4096, 10))
}

// ============================================================================
// Encryption Tests
// ============================================================================

func TestEncryptRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)

	p := &CryptParams{Key: key}
	require.NoError(t, p.NewSaltIV())

	plain := []byte("secret block contents")
	ct, mac, err := Encrypt(p, plain)
	require.NoError(t, err)
	require.Len(t, ct, len(plain))
	assert.NotEqual(t, plain, ct)

	back, err := Decrypt(p, ct, mac)
	require.NoError(t, err)
	assert.Equal(t, plain, back)
}

func TestDecryptTamperDetected(t *testing.T) {
	key := make([]byte, 32)
	_, _ = rand.Read(key)
	p := &CryptParams{Key: key}
	require.NoError(t, p.NewSaltIV())

	ct, mac, err := Encrypt(p, []byte("payload"))
	require.NoError(t, err)

	ct[0] ^= 0xff
	_, err = Decrypt(p, ct, mac)
	assert.ErrorIs(t, err, ErrAuth)
}

func TestMACOnly(t *testing.T) {
	key := make([]byte, 32)
	_, _ = rand.Read(key)
	p := &CryptParams{Key: key}
	require.NoError(t, p.NewSaltIV())

	data := []byte("authenticated, not encrypted")
	mac, err := MAC(p, data)
	require.NoError(t, err)
	require.NoError(t, VerifyMAC(p, data, mac))

	assert.ErrorIs(t, VerifyMAC(p, []byte("other"), mac), ErrAuth)
}
