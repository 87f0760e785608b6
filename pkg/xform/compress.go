// Package xform implements the data transform primitives consumed by the
// request pipeline: compression, checksumming, and encryption.
//
// The pipeline treats these as black boxes; all policy (which algorithm,
// when to fall back to uncompressed, embed thresholds) lives in the
// pipeline's write-preparation stages.
package xform

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"

	"github.com/stratum-storage/stratum/pkg/blockptr"
)

var (
	zstdEnc *zstd.Encoder
	zstdDec *zstd.Decoder
)

func init() {
	// EncodeAll/DecodeAll on shared instances are safe for concurrent use.
	zstdEnc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDec, _ = zstd.NewReader(nil)
}

// compressed payloads carry a 4-byte length prefix so the stored block
// may be zero-padded to the allocation granularity without confusing the
// codec on the way back.
const lengthPrefix = 4

// Compress compresses src with the given algorithm. It returns the
// compressed payload and true, or nil and false when the result would not
// fit under maxSize (no space gain at the caller's granularity).
//
// Callers detect the all-zero fast path themselves; Compress always runs
// the codec.
func Compress(c blockptr.Compression, src []byte, maxSize int) ([]byte, bool) {
	if maxSize <= 0 || c == blockptr.CompressOff {
		return nil, false
	}

	var out []byte
	switch c {
	case blockptr.CompressS2:
		out = s2.Encode(nil, src)
	case blockptr.CompressZstd:
		out = zstdEnc.EncodeAll(src, nil)
	default:
		return nil, false
	}

	if len(out)+lengthPrefix > maxSize {
		return nil, false
	}
	buf := make([]byte, len(out)+lengthPrefix)
	binary.BigEndian.PutUint32(buf, uint32(len(out)))
	copy(buf[lengthPrefix:], out)
	return buf, true
}

// Decompress expands src into a buffer of exactly lsize bytes. Trailing
// padding beyond the recorded payload length is ignored.
func Decompress(c blockptr.Compression, src []byte, lsize int) ([]byte, error) {
	if len(src) < lengthPrefix {
		return nil, fmt.Errorf("decompress %s: truncated payload", c)
	}
	plen := int(binary.BigEndian.Uint32(src))
	if plen > len(src)-lengthPrefix {
		return nil, fmt.Errorf("decompress %s: payload length %d exceeds block", c, plen)
	}
	src = src[lengthPrefix : lengthPrefix+plen]

	var out []byte
	var err error
	switch c {
	case blockptr.CompressS2:
		out, err = s2.Decode(nil, src)
	case blockptr.CompressZstd:
		out, err = zstdDec.DecodeAll(src, nil)
	default:
		return nil, fmt.Errorf("decompress: unsupported algorithm %s", c)
	}
	if err != nil {
		return nil, fmt.Errorf("decompress %s: %w", c, err)
	}
	if len(out) != lsize {
		return nil, fmt.Errorf("decompress %s: expanded to %d bytes, want %d",
			c, len(out), lsize)
	}
	return out, nil
}

// AllZero reports whether buf contains only zero bytes. Zero blocks become
// holes instead of being compressed.
func AllZero(buf []byte) bool {
	for len(buf) >= 8 {
		if buf[0]|buf[1]|buf[2]|buf[3]|buf[4]|buf[5]|buf[6]|buf[7] != 0 {
			return false
		}
		buf = buf[8:]
	}
	for _, b := range buf {
		if b != 0 {
			return false
		}
	}
	return true
}
