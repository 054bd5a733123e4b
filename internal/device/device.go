// Package device provides the compute devices a Net runs on and the Memory
// regions it allocates on them.
//
// Kernels in internal/backend/cpu operate on the host view of a Memory region.
// Accelerator devices (WebGPU on Windows) additionally mirror every region
// into device storage and move data across on Synchronize and Download.
package device

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gomlx/exceptions"
)

// Device is one compute device.
type Device interface {
	// ID returns the device ordinal as listed in the configuration.
	ID() int

	// Name returns a human-readable device name.
	Name() string

	// Alloc reserves a zero-filled region of n float32 elements.
	Alloc(n int) *Memory

	// CanAccessPeer reports whether this device can address memory
	// allocated on peer.
	CanAccessPeer(peer Device) bool

	// Synchronize blocks until all pending transfers have completed.
	Synchronize() error

	// Allocated returns the number of bytes currently reserved.
	Allocated() int64

	// Close releases every region and the device itself.
	Close() error
}

// Memory is a region of float32 elements owned by one Device.
//
// A region may be a view (Slice) into a larger parent region; views share
// storage with their parent and are never freed on their own.
type Memory struct {
	dev    Device
	data   []float32
	parent *Memory
	offset int
	freed  atomic.Bool
	onFree func(*Memory)
}

func newMemory(dev Device, n int, onFree func(*Memory)) *Memory {
	return &Memory{dev: dev, data: make([]float32, n), onFree: onFree}
}

// Device returns the owning device.
func (m *Memory) Device() Device { return m.dev }

// Len returns the number of elements.
func (m *Memory) Len() int { return len(m.data) }

// Bytes returns the size of the region in bytes.
func (m *Memory) Bytes() int { return 4 * len(m.data) }

// Offset returns the element offset of a view inside its root region.
func (m *Memory) Offset() int { return m.offset }

// Root returns the region that owns the storage.
func (m *Memory) Root() *Memory {
	if m.parent == nil {
		return m
	}
	return m.parent.Root()
}

// Float32 returns the host view of the region.
func (m *Memory) Float32() []float32 {
	if m.Root().freed.Load() {
		exceptions.Panicf("device %s: access to freed memory", m.dev.Name())
	}
	return m.data
}

// Slice returns a view of n elements starting at off.
func (m *Memory) Slice(off, n int) *Memory {
	if off < 0 || n < 0 || off+n > len(m.data) {
		exceptions.Panicf("device %s: slice [%d:%d] out of range for %d elements", m.dev.Name(), off, off+n, len(m.data))
	}
	return &Memory{dev: m.dev, data: m.data[off : off+n : off+n], parent: m, offset: m.offset + off}
}

// Zero fills the region with zeros.
func (m *Memory) Zero() {
	clear(m.Float32())
}

// CopyFrom copies src into the region. Lengths must match.
func (m *Memory) CopyFrom(src []float32) {
	if len(src) != len(m.data) {
		exceptions.Panicf("device %s: copy of %d elements into region of %d", m.dev.Name(), len(src), len(m.data))
	}
	copy(m.Float32(), src)
}

// Free releases a root region. Calling Free on a view or twice is a no-op.
func (m *Memory) Free() {
	if m.parent != nil || !m.freed.CompareAndSwap(false, true) {
		return
	}
	if m.onFree != nil {
		m.onFree(m)
	}
}

// accounting tracks the bytes reserved by a device.
type accounting struct {
	mu      sync.Mutex
	live    map[*Memory]struct{}
	current atomic.Int64
	peak    atomic.Int64
}

func (a *accounting) add(m *Memory) {
	a.mu.Lock()
	if a.live == nil {
		a.live = make(map[*Memory]struct{})
	}
	a.live[m] = struct{}{}
	a.mu.Unlock()
	cur := a.current.Add(int64(m.Bytes()))
	for {
		p := a.peak.Load()
		if cur <= p || a.peak.CompareAndSwap(p, cur) {
			break
		}
	}
}

func (a *accounting) remove(m *Memory) {
	a.mu.Lock()
	delete(a.live, m)
	a.mu.Unlock()
	a.current.Add(-int64(m.Bytes()))
}

func (a *accounting) regions() []*Memory {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*Memory, 0, len(a.live))
	for m := range a.live {
		out = append(out, m)
	}
	return out
}

// CheckPeerAccess verifies that every pair of devices can address each
// other's memory. It returns an error naming the first failing pair.
func CheckPeerAccess(devices []Device) error {
	for _, a := range devices {
		for _, b := range devices {
			if a == b {
				continue
			}
			if !a.CanAccessPeer(b) {
				return fmt.Errorf("device %s cannot access memory of device %s", a.Name(), b.Name())
			}
		}
	}
	return nil
}
