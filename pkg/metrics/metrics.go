// Package metrics defines the observation points the IO engine reports
// to, and the optional Prometheus registry backing them.
//
// The engine itself depends only on the Sink interface; binaries that
// want Prometheus output call InitRegistry once at startup and build a
// prometheus-backed sink from the subpackage. Everything degrades to
// no-ops when no registry was initialized.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	registryMu sync.RWMutex
	registry   *prometheus.Registry
)

// InitRegistry creates the process-wide metrics registry with the
// standard Go and process collectors. Calling it twice is a no-op.
func InitRegistry() {
	registryMu.Lock()
	defer registryMu.Unlock()
	if registry != nil {
		return
	}
	registry = prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// GetRegistry returns the registry, nil before InitRegistry.
func GetRegistry() *prometheus.Registry {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return registry
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	return GetRegistry() != nil
}

// Sink receives engine events. Implementations must be cheap and safe
// for concurrent use; every method is called from hot paths.
type Sink interface {
	// ChecksumError records a failed integrity verification attributed
	// to a device.
	ChecksumError(device uint64)

	// SlowIO records an operation exceeding the deadman interval.
	SlowIO(op string, elapsed time.Duration)

	// GangWrite records a write split into a gang block of the given
	// logical size.
	GangWrite(size uint64)

	// Dedup table outcomes for deduplicating writes.
	DedupHit()
	DedupMiss()
	DedupCollision()

	// ThrottleWait records a write parked by the allocation throttle.
	ThrottleWait(class string)

	// AllocFallback records an allocation moved to the normal class
	// after its own class ran out of space.
	AllocFallback()

	// Suspend and Resume track pool availability transitions.
	Suspend(reason string)
	Resume()
}

// Noop is a Sink that discards everything.
type Noop struct{}

func (Noop) ChecksumError(uint64)         {}
func (Noop) SlowIO(string, time.Duration) {}
func (Noop) GangWrite(uint64)             {}
func (Noop) DedupHit()                    {}
func (Noop) DedupMiss()                   {}
func (Noop) DedupCollision()              {}
func (Noop) ThrottleWait(string)          {}
func (Noop) AllocFallback()               {}
func (Noop) Suspend(string)               {}
func (Noop) Resume()                      {}
