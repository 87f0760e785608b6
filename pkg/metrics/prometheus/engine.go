// Package prometheus provides the Prometheus-backed implementation of
// the engine metrics sink.
package prometheus

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/stratum-storage/stratum/pkg/metrics"
)

// engineSink implements metrics.Sink on a Prometheus registry.
type engineSink struct {
	checksumErrors *prometheus.CounterVec
	slowIOs        *prometheus.CounterVec
	slowIOSeconds  *prometheus.HistogramVec
	gangWrites     prometheus.Counter
	gangBytes      prometheus.Counter
	dedupHits      prometheus.Counter
	dedupMisses    prometheus.Counter
	dedupCollides  prometheus.Counter
	throttleWaits  *prometheus.CounterVec
	allocFallbacks prometheus.Counter
	suspends       *prometheus.CounterVec
	suspended      prometheus.Gauge
}

// NewEngineSink creates a Prometheus-backed metrics.Sink.
//
// Returns nil if metrics are not enabled (InitRegistry not called);
// callers fall back to metrics.Noop.
func NewEngineSink() metrics.Sink {
	if !metrics.IsEnabled() {
		return nil
	}
	reg := metrics.GetRegistry()

	return &engineSink{
		checksumErrors: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "stratum_checksum_errors_total",
				Help: "Blocks that failed integrity verification, by device",
			},
			[]string{"device"},
		),
		slowIOs: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "stratum_slow_ios_total",
				Help: "Operations that exceeded the deadman interval",
			},
			[]string{"op"},
		),
		slowIOSeconds: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stratum_slow_io_seconds",
				Help:    "Elapsed time of operations reported by the deadman",
				Buckets: []float64{60, 120, 300, 600, 1800, 3600},
			},
			[]string{"op"},
		),
		gangWrites: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "stratum_gang_writes_total",
				Help: "Writes split into gang blocks for lack of contiguous space",
			},
		),
		gangBytes: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "stratum_gang_write_bytes_total",
				Help: "Logical bytes written through gang blocks",
			},
		),
		dedupHits: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "stratum_dedup_hits_total",
				Help: "Deduplicating writes satisfied by existing copies",
			},
		),
		dedupMisses: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "stratum_dedup_misses_total",
				Help: "Deduplicating writes that had to store new copies",
			},
		),
		dedupCollides: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "stratum_dedup_collisions_total",
				Help: "Verified dedup writes whose content did not match the stored block",
			},
		),
		throttleWaits: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "stratum_throttle_waits_total",
				Help: "Writes parked by the allocation throttle, by class",
			},
			[]string{"class"},
		),
		allocFallbacks: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "stratum_alloc_fallbacks_total",
				Help: "Allocations redirected to the normal class",
			},
		),
		suspends: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "stratum_suspends_total",
				Help: "Pool suspensions by reason",
			},
			[]string{"reason"},
		),
		suspended: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "stratum_suspended",
				Help: "1 while the pool is suspended",
			},
		),
	}
}

func (s *engineSink) ChecksumError(device uint64) {
	s.checksumErrors.WithLabelValues(formatDevice(device)).Inc()
}

func (s *engineSink) SlowIO(op string, elapsed time.Duration) {
	s.slowIOs.WithLabelValues(op).Inc()
	s.slowIOSeconds.WithLabelValues(op).Observe(elapsed.Seconds())
}

func (s *engineSink) GangWrite(size uint64) {
	s.gangWrites.Inc()
	s.gangBytes.Add(float64(size))
}

func (s *engineSink) DedupHit()       { s.dedupHits.Inc() }
func (s *engineSink) DedupMiss()      { s.dedupMisses.Inc() }
func (s *engineSink) DedupCollision() { s.dedupCollides.Inc() }

func (s *engineSink) ThrottleWait(class string) {
	s.throttleWaits.WithLabelValues(class).Inc()
}

func (s *engineSink) AllocFallback() { s.allocFallbacks.Inc() }

func (s *engineSink) Suspend(reason string) {
	s.suspends.WithLabelValues(reason).Inc()
	s.suspended.Set(1)
}

func (s *engineSink) Resume() {
	s.suspended.Set(0)
}

func formatDevice(id uint64) string {
	return strconv.FormatUint(id, 10)
}
