package vdev

import "sync/atomic"

// Stats holds per-operation counters for one device. All fields are
// updated atomically by device workers.
type Stats struct {
	Ops    [numOps]atomic.Uint64
	Bytes  [numOps]atomic.Uint64
	Errors [numOps]atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of a device's counters.
type StatsSnapshot struct {
	Ops    [numOps]uint64
	Bytes  [numOps]uint64
	Errors [numOps]uint64
}

// Snapshot copies the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	var out StatsSnapshot
	for i := 0; i < int(numOps); i++ {
		out.Ops[i] = s.Ops[i].Load()
		out.Bytes[i] = s.Bytes[i].Load()
		out.Errors[i] = s.Errors[i].Load()
	}
	return out
}
