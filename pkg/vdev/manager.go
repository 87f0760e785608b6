package vdev

import (
	"sync"

	"github.com/hashicorp/go-multierror"
)

// Manager owns the device set of one pool.
type Manager struct {
	mu      sync.RWMutex
	devices map[uint64]*Device
}

// NewManager builds an empty device set.
func NewManager() *Manager {
	return &Manager{devices: make(map[uint64]*Device)}
}

// Attach registers a backend under a device id with the given number of
// queue workers. Attaching an id twice replaces the previous device
// without closing it; callers detach first.
func (m *Manager) Attach(id uint64, backend Backend, workers int) *Device {
	d := newDevice(id, backend, workers)
	m.mu.Lock()
	m.devices[id] = d
	m.mu.Unlock()
	return d
}

// Get returns the device for an id, or nil when absent.
func (m *Manager) Get(id uint64) *Device {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.devices[id]
}

// Detach removes a device from the set and closes it.
func (m *Manager) Detach(id uint64) error {
	m.mu.Lock()
	d := m.devices[id]
	delete(m.devices, id)
	m.mu.Unlock()
	if d == nil {
		return ErrNoDevice
	}
	return d.Close()
}

// Each calls fn for every attached device.
func (m *Manager) Each(fn func(*Device)) {
	m.mu.RLock()
	devices := make([]*Device, 0, len(m.devices))
	for _, d := range m.devices {
		devices = append(devices, d)
	}
	m.mu.RUnlock()
	for _, d := range devices {
		fn(d)
	}
}

// Len returns the number of attached devices.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.devices)
}

// Close drains and closes every device, collecting all errors.
func (m *Manager) Close() error {
	m.mu.Lock()
	devices := m.devices
	m.devices = make(map[uint64]*Device)
	m.mu.Unlock()

	var errs *multierror.Error
	for _, d := range devices {
		if err := d.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}
