package pipeline

import (
	"errors"

	"github.com/stratum-storage/stratum/pkg/alloc"
	"github.com/stratum-storage/stratum/pkg/vdev"
)

// Sentinel pipeline errors. Device and space errors are shared with the
// collaborator packages that originate them.
var (
	// ErrChecksum indicates block data failed integrity verification.
	ErrChecksum = errors.New("checksum mismatch")

	// ErrIO is the generic hardware or transport failure.
	ErrIO = errors.New("io error")

	// ErrSuspended is returned to interruptible waiters when the pool
	// suspends instead of completing their request.
	ErrSuspended = errors.New("pool suspended")

	// ErrNoDevice aliases the device layer's missing-device error so
	// callers can match it without importing pkg/vdev.
	ErrNoDevice = vdev.ErrNoDevice

	// ErrNoSpace aliases the allocator's exhaustion error.
	ErrNoSpace = alloc.ErrNoSpace
)

// errRank orders errors from least to most severe. Unknown errors rank
// above everything listed.
func errRank(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrNoDevice):
		return 1
	case errors.Is(err, ErrChecksum):
		return 2
	case errors.Is(err, ErrIO):
		return 3
	default:
		return 4
	}
}

// WorstError merges two errors, keeping the more severe one. It is
// commutative up to rank: both orders return an error of the same rank,
// and merging an error with itself returns it unchanged.
func WorstError(a, b error) error {
	if errRank(b) > errRank(a) {
		return b
	}
	return a
}
