// Package bytesize parses human-readable byte sizes used in configuration,
// such as "128Ki", "1Gi", "4MB", or plain byte counts.
package bytesize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ByteSize represents a size in bytes that can be unmarshaled from
// human-readable strings.
//
// Supported formats:
//   - Plain numbers: 4096, 1073741824
//   - Binary units (x1024): Ki/KiB, Mi/MiB, Gi/GiB, Ti/TiB
//   - Decimal units (x1000): K/KB, M/MB, G/GB, T/TB
type ByteSize uint64

// Common byte size constants
const (
	B  ByteSize = 1
	KB ByteSize = 1000
	MB ByteSize = 1000 * KB
	GB ByteSize = 1000 * MB
	TB ByteSize = 1000 * GB

	KiB ByteSize = 1024
	MiB ByteSize = 1024 * KiB
	GiB ByteSize = 1024 * MiB
	TiB ByteSize = 1024 * GiB
)

var sizePattern = regexp.MustCompile(`(?i)^\s*(\d+(?:\.\d+)?)\s*([a-z]*)\s*$`)

var multipliers = map[string]ByteSize{
	"": B, "b": B,
	"k": KB, "kb": KB, "ki": KiB, "kib": KiB,
	"m": MB, "mb": MB, "mi": MiB, "mib": MiB,
	"g": GB, "gb": GB, "gi": GiB, "gib": GiB,
	"t": TB, "tb": TB, "ti": TiB, "tib": TiB,
}

// Parse converts a human-readable size string into a ByteSize.
func Parse(s string) (ByteSize, error) {
	m := sizePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid byte size %q", s)
	}

	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}

	mult, ok := multipliers[strings.ToLower(m[2])]
	if !ok {
		return 0, fmt.Errorf("invalid byte size unit %q", m[2])
	}

	return ByteSize(value * float64(mult)), nil
}

// Bytes returns the size as a plain uint64 byte count.
func (b ByteSize) Bytes() uint64 { return uint64(b) }

// String renders the size with the largest exact binary unit.
func (b ByteSize) String() string {
	switch {
	case b >= TiB && b%TiB == 0:
		return fmt.Sprintf("%dTi", b/TiB)
	case b >= GiB && b%GiB == 0:
		return fmt.Sprintf("%dGi", b/GiB)
	case b >= MiB && b%MiB == 0:
		return fmt.Sprintf("%dMi", b/MiB)
	case b >= KiB && b%KiB == 0:
		return fmt.Sprintf("%dKi", b/KiB)
	default:
		return strconv.FormatUint(uint64(b), 10)
	}
}

// UnmarshalText implements encoding.TextUnmarshaler so ByteSize fields can
// be decoded directly from YAML and environment strings.
func (b *ByteSize) UnmarshalText(text []byte) error {
	v, err := Parse(string(text))
	if err != nil {
		return err
	}
	*b = v
	return nil
}
