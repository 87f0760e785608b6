package xform

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"lukechampine.com/blake3"

	"github.com/stratum-storage/stratum/pkg/blockptr"
)

// ChecksumData computes the digest of data under the given algorithm.
// Algorithms with outputs shorter than the digest width zero-fill the tail.
//
// ChecksumGangHeader digests with SHA-256 mixed with a caller-supplied
// verifier via ChecksumGang; passing it here digests the raw bytes only.
func ChecksumData(c blockptr.Checksum, data []byte) blockptr.Digest {
	var d blockptr.Digest
	switch c {
	case blockptr.ChecksumOff:
		// zero digest
	case blockptr.ChecksumXXHash64:
		binary.BigEndian.PutUint64(d[:8], xxhash.Sum64(data))
	case blockptr.ChecksumBlake3:
		d = blake3.Sum256(data)
	case blockptr.ChecksumSHA256, blockptr.ChecksumGangHeader:
		d = sha256.Sum256(data)
	}
	return d
}

// ChecksumGang computes the gang-header self-checksum: SHA-256 over the
// header bytes salted with a location verifier, so two headers with equal
// contents at different locations have distinct digests.
func ChecksumGang(data []byte, device, offset, birth uint64) blockptr.Digest {
	h := sha256.New()
	var v [24]byte
	binary.BigEndian.PutUint64(v[0:8], device)
	binary.BigEndian.PutUint64(v[8:16], offset)
	binary.BigEndian.PutUint64(v[16:24], birth)
	h.Write(v[:])
	h.Write(data)
	var d blockptr.Digest
	h.Sum(d[:0])
	return d
}

// Verify recomputes the digest and compares it to want.
func Verify(c blockptr.Checksum, data []byte, want blockptr.Digest) bool {
	if c == blockptr.ChecksumOff {
		return true
	}
	return ChecksumData(c, data) == want
}
