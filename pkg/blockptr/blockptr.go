// Package blockptr defines the block pointer descriptor: the record of where
// a block lives, how big it is, and which transforms (compression,
// encryption, checksum) were applied when it was written.
//
// The pointer is the contract between the request pipeline and its
// collaborators (allocator, device layer, dedup table). The binary on-disk
// encoding is owned by the on-disk-format layer and is not defined here.
package blockptr

import "bytes"

// MaxCopies is the maximum number of physical copies a single pointer can
// reference.
const MaxCopies = 3

// DefaultEmbedThreshold is the largest compressed payload that may be stored
// inline in the pointer instead of being allocated on a device.
const DefaultEmbedThreshold = 512

// MinBlockSize is the allocation granularity. Physical sizes are always
// multiples of this.
const MinBlockSize = 512

// MaxBlockSize bounds the logical size of a single block.
const MaxBlockSize = 16 << 20

// Compression identifies a compression algorithm.
type Compression uint8

const (
	CompressOff Compression = iota
	CompressS2
	CompressZstd
)

func (c Compression) String() string {
	switch c {
	case CompressOff:
		return "off"
	case CompressS2:
		return "s2"
	case CompressZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// Checksum identifies a checksum algorithm.
type Checksum uint8

const (
	ChecksumOff Checksum = iota
	ChecksumXXHash64
	ChecksumBlake3
	ChecksumSHA256
	// ChecksumGangHeader is the self-checksum used for gang headers. It is
	// never selected by callers; the gang subsystem applies it when
	// rewriting headers.
	ChecksumGangHeader
)

func (c Checksum) String() string {
	switch c {
	case ChecksumOff:
		return "off"
	case ChecksumXXHash64:
		return "xxhash64"
	case ChecksumBlake3:
		return "blake3"
	case ChecksumSHA256:
		return "sha256"
	case ChecksumGangHeader:
		return "gang-header"
	default:
		return "unknown"
	}
}

// Strong reports whether the checksum is collision-resistant enough to
// stand in for a byte comparison. Only strong checksums are eligible for
// nop-write detection and dedup without verify.
func (c Checksum) Strong() bool {
	return c == ChecksumBlake3 || c == ChecksumSHA256
}

// Digest holds a checksum value. Algorithms with shorter outputs zero-fill.
type Digest [32]byte

// Equal reports digest equality.
func (d Digest) Equal(o Digest) bool { return d == o }

// DVA (device virtual address) names one physical copy of a block.
type DVA struct {
	Device uint64 // device id
	Offset uint64 // byte offset on the device
	Asize  uint64 // allocated size, including raidz/gang padding
	Gang   bool   // the copy is a gang header, not data
}

// IsZero reports whether the DVA is unset.
func (d DVA) IsZero() bool { return d == DVA{} }

// Pointer describes a stored block.
//
// A pointer is in exactly one of four shapes:
//   - hole: no copies, no embedded data (all-zero content)
//   - embedded: payload carried inline, no allocation
//   - normal: 1..MaxCopies DVAs addressing device storage
//   - gang: like normal, but the DVAs address gang headers
type Pointer struct {
	DVAs [MaxCopies]DVA

	LSize uint64 // logical size
	PSize uint64 // physical (post-compression) size

	Checksum    Checksum
	Compression Compression
	Dedup       bool
	Encrypted   bool
	Gang        bool

	Birth uint64 // txg in which the block was written

	Sum Digest // content checksum (of the physical data)

	// Embedded payload, present only when Embedded is true. Holds the
	// compressed physical bytes.
	Embedded bool
	Embed    []byte

	// Encryption parameters. Valid only when Encrypted is true.
	Salt [8]byte
	IV   [12]byte
	MAC  [16]byte
}

// NumCopies returns the count of populated DVAs.
func (p *Pointer) NumCopies() int {
	n := 0
	for _, d := range p.DVAs {
		if !d.IsZero() {
			n++
		}
	}
	return n
}

// IsHole reports whether the pointer describes all-zero content with no
// storage behind it.
func (p *Pointer) IsHole() bool {
	return !p.Embedded && p.NumCopies() == 0
}

// Reset returns the pointer to the hole state, preserving nothing.
func (p *Pointer) Reset() {
	*p = Pointer{}
}

// ClearCopies drops all DVAs and the birth txg, keeping transform metadata.
// Used when a preallocated or override pointer must be re-allocated.
func (p *Pointer) ClearCopies() {
	p.DVAs = [MaxCopies]DVA{}
	p.Birth = 0
}

// SetEmbedded stores the given compressed payload inline.
func (p *Pointer) SetEmbedded(data []byte, comp Compression, lsize uint64, txg uint64) {
	p.Embedded = true
	p.Embed = append([]byte(nil), data...)
	p.Compression = comp
	p.LSize = lsize
	p.PSize = uint64(len(data))
	p.Birth = txg
	p.DVAs = [MaxCopies]DVA{}
}

// Equal reports full equality of two pointers, embedded payloads included.
func (p *Pointer) Equal(o *Pointer) bool {
	if p.DVAs != o.DVAs ||
		p.LSize != o.LSize || p.PSize != o.PSize ||
		p.Checksum != o.Checksum || p.Compression != o.Compression ||
		p.Dedup != o.Dedup || p.Encrypted != o.Encrypted ||
		p.Gang != o.Gang || p.Birth != o.Birth ||
		p.Sum != o.Sum || p.Embedded != o.Embedded {
		return false
	}
	return bytes.Equal(p.Embed, o.Embed)
}

// Clone returns an independent copy.
func (p *Pointer) Clone() *Pointer {
	c := *p
	if p.Embed != nil {
		c.Embed = append([]byte(nil), p.Embed...)
	}
	return &c
}

// RoundUp rounds size up to the allocation granularity.
func RoundUp(size uint64) uint64 {
	return (size + MinBlockSize - 1) &^ (MinBlockSize - 1)
}
