package device

import "fmt"

// Host is a device backed by host memory. Host devices share one address
// space, so every Host can access every other Host's memory.
type Host struct {
	id  int
	acc accounting
}

// NewHost creates a host device with the given ordinal.
func NewHost(id int) *Host {
	return &Host{id: id}
}

// ID implements Device.
func (h *Host) ID() int { return h.id }

// Name implements Device.
func (h *Host) Name() string { return fmt.Sprintf("host:%d", h.id) }

// Alloc implements Device.
func (h *Host) Alloc(n int) *Memory {
	m := newMemory(h, n, h.acc.remove)
	h.acc.add(m)
	return m
}

// CanAccessPeer implements Device.
func (h *Host) CanAccessPeer(peer Device) bool {
	_, ok := peer.(*Host)
	return ok
}

// Synchronize implements Device. Host memory is always coherent.
func (h *Host) Synchronize() error { return nil }

// Allocated implements Device.
func (h *Host) Allocated() int64 { return h.acc.current.Load() }

// Peak returns the largest number of bytes reserved at any time.
func (h *Host) Peak() int64 { return h.acc.peak.Load() }

// Close implements Device.
func (h *Host) Close() error {
	for _, m := range h.acc.regions() {
		m.Free()
	}
	return nil
}
