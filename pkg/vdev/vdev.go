// Package vdev provides the leaf device layer: storage backends, a
// per-device submission queue with completion callbacks, operational
// flags, and per-device statistics.
//
// Devices are dumb executors. Retry policy, error conversion, and flag
// transitions on failure live in the pipeline's device stages; tests
// exercise those paths through each device's error injector.
package vdev

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/stratum-storage/stratum/internal/logger"
	"github.com/stratum-storage/stratum/pkg/taskq"
)

// Sentinel device errors.
var (
	// ErrNoDevice indicates the target device is missing or faulted.
	ErrNoDevice = errors.New("device missing or faulted")

	// ErrNotSupported indicates the backend cannot perform the
	// operation, notably flush on write-through media.
	ErrNotSupported = errors.New("operation not supported by device")

	// ErrOutOfRange indicates an access past the end of the device.
	ErrOutOfRange = errors.New("access beyond device capacity")
)

// OpKind enumerates device operations.
type OpKind int

const (
	OpRead OpKind = iota
	OpWrite
	OpFlush
	OpTrim

	numOps
)

func (k OpKind) String() string {
	switch k {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpFlush:
		return "flush"
	case OpTrim:
		return "trim"
	default:
		return fmt.Sprintf("op(%d)", int(k))
	}
}

// IO is one device operation. Done is invoked exactly once from a device
// worker when the operation completes; the callback must not block for
// long since it occupies the device queue.
type IO struct {
	Kind   OpKind
	Offset uint64
	Size   uint64 // trim length; reads and writes size via Data
	Data   []byte
	Done   func(err error)

	// claimed guards against double execution when a queued operation
	// is also promoted to the front of the queue.
	claimed atomic.Bool
}

// Device wraps a backend with an ordered submission queue, flags, and
// stats.
type Device struct {
	ID      uint64
	backend Backend
	queue   *taskq.Queue

	mu          sync.Mutex
	accessible  bool
	cantAlloc   bool
	noCache     bool
	injectError func(*IO) error

	stats Stats
}

func newDevice(id uint64, backend Backend, workers int) *Device {
	return &Device{
		ID:         id,
		backend:    backend,
		queue:      taskq.New(fmt.Sprintf("vdev-%d", id), workers),
		accessible: true,
	}
}

// Submit queues the operation behind any already-queued work.
func (d *Device) Submit(io *IO) {
	d.queue.Dispatch(func() { d.run(io) })
}

// SubmitFront queues the operation ahead of waiting work. Retries use
// this so a struggling request does not also wait behind the queue it
// already waited in once.
func (d *Device) SubmitFront(io *IO) {
	d.queue.DispatchFront(func() { d.run(io) })
}

// Promote moves an already-submitted operation ahead of waiting work,
// used when the owning request gains urgency after submission. An
// operation that is already running or finished is left alone; its
// original queue slot drains as a no-op.
func (d *Device) Promote(io *IO) {
	d.queue.DispatchFront(func() { d.run(io) })
}

func (d *Device) run(io *IO) {
	if !io.claimed.CompareAndSwap(false, true) {
		return
	}
	err := d.execute(io)
	if err != nil {
		d.stats.Errors[io.Kind].Add(1)
		logger.Debug("device io failed",
			logger.KeyDevice, d.ID,
			logger.KeyOp, io.Kind.String(),
			logger.KeyOffset, io.Offset,
			logger.KeyError, err)
	}
	io.Done(err)
}

func (d *Device) execute(io *IO) error {
	d.mu.Lock()
	accessible, noCache, inject := d.accessible, d.noCache, d.injectError
	d.mu.Unlock()

	if !accessible {
		return ErrNoDevice
	}
	if io.Kind == OpFlush && noCache {
		// Nothing to persist; the backend (and the injector) never see
		// the operation.
		d.stats.Ops[OpFlush].Add(1)
		return nil
	}
	if inject != nil {
		if err := inject(io); err != nil {
			return err
		}
	}

	d.stats.Ops[io.Kind].Add(1)
	switch io.Kind {
	case OpRead:
		d.stats.Bytes[OpRead].Add(uint64(len(io.Data)))
		_, err := d.backend.ReadAt(io.Data, int64(io.Offset))
		return err
	case OpWrite:
		d.stats.Bytes[OpWrite].Add(uint64(len(io.Data)))
		_, err := d.backend.WriteAt(io.Data, int64(io.Offset))
		return err
	case OpFlush:
		return d.backend.Flush()
	case OpTrim:
		d.stats.Bytes[OpTrim].Add(io.Size)
		return d.backend.Trim(int64(io.Offset), int64(io.Size))
	default:
		return fmt.Errorf("unknown device op %d", io.Kind)
	}
}

// Accessible reports whether the device accepts IO.
func (d *Device) Accessible() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.accessible
}

// SetAccessible toggles the device online or offline.
func (d *Device) SetAccessible(ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.accessible = ok
}

// CantAllocate reports whether new allocations should avoid the device.
func (d *Device) CantAllocate() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cantAlloc
}

// SetCantAllocate marks the device as a bad allocation target while
// leaving existing data readable.
func (d *Device) SetCantAllocate(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cantAlloc = v
}

// NoCache reports whether flushes are known to be pointless here.
func (d *Device) NoCache() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.noCache
}

// SetNoCache records that the device has no volatile cache. Subsequent
// flushes succeed without touching the backend.
func (d *Device) SetNoCache(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.noCache = v
}

// SetErrorInjector installs a hook consulted before every operation; a
// non-nil return fails the operation with that error. Pass nil to clear.
func (d *Device) SetErrorInjector(fn func(*IO) error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.injectError = fn
}

// Stats returns the device's counters.
func (d *Device) Stats() *Stats { return &d.stats }

// Size returns the backend capacity in bytes.
func (d *Device) Size() uint64 { return uint64(d.backend.Size()) }

// Close drains the queue and closes the backend.
func (d *Device) Close() error {
	d.queue.Close()
	return d.backend.Close()
}
