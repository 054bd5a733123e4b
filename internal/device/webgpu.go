//go:build windows

package device

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/go-webgpu/webgpu/wgpu"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// WebGPU is a device that mirrors every Memory region into a WebGPU storage
// buffer. Kernels run on the host view; Synchronize uploads host regions to
// their storage buffers and Download reads a storage buffer back.
//
// WebGPU adapters do not share memory, so a WebGPU device can only access
// its own regions and multi-replica training across WebGPU devices fails the
// peer check.
type WebGPU struct {
	id       int
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue

	pool *bufferPool
	acc  accounting

	mu      sync.Mutex
	mirrors map[*Memory]*wgpu.Buffer
}

const storageUsage = wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst

// NewWebGPU opens the high-performance WebGPU adapter as device id.
func NewWebGPU(id int) (dev Device, err error) {
	// wgpu panics when the native library is missing.
	defer func() {
		if r := recover(); r != nil {
			dev = nil
			err = errors.Errorf("webgpu: native library not available: %v", r)
		}
	}()

	instance := wgpu.CreateInstance(nil)
	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		instance.Release()
		return nil, errors.Wrap(err, "webgpu: failed to request adapter")
	}
	device, err := adapter.RequestDevice(nil)
	if err != nil {
		adapter.Release()
		instance.Release()
		return nil, errors.Wrap(err, "webgpu: failed to request device")
	}
	queue := device.GetQueue()
	if queue == nil {
		device.Release()
		adapter.Release()
		instance.Release()
		return nil, errors.New("webgpu: failed to get queue")
	}
	return &WebGPU{
		id:       id,
		instance: instance,
		adapter:  adapter,
		device:   device,
		queue:    queue,
		pool:     newBufferPool(device),
		mirrors:  make(map[*Memory]*wgpu.Buffer),
	}, nil
}

// ID implements Device.
func (g *WebGPU) ID() int { return g.id }

// Name implements Device.
func (g *WebGPU) Name() string { return fmt.Sprintf("webgpu:%d", g.id) }

// Alloc implements Device.
func (g *WebGPU) Alloc(n int) *Memory {
	m := newMemory(g, n, g.free)
	g.acc.add(m)
	if n > 0 {
		buf := g.pool.acquire(alignedSize(m), storageUsage)
		g.mu.Lock()
		g.mirrors[m] = buf
		g.mu.Unlock()
	}
	return m
}

func (g *WebGPU) free(m *Memory) {
	g.acc.remove(m)
	g.mu.Lock()
	buf, ok := g.mirrors[m]
	delete(g.mirrors, m)
	g.mu.Unlock()
	if ok {
		g.pool.release(buf, alignedSize(m), storageUsage)
	}
}

// CanAccessPeer implements Device.
func (g *WebGPU) CanAccessPeer(peer Device) bool {
	return peer == Device(g)
}

// Synchronize uploads every live region into its storage buffer and waits
// for the queue to drain.
func (g *WebGPU) Synchronize() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	encoder := g.device.CreateCommandEncoder(nil)
	var staging []*wgpu.Buffer
	for m, dst := range g.mirrors {
		size := alignedSize(m)
		src := g.device.CreateBuffer(&wgpu.BufferDescriptor{
			Usage:            wgpu.BufferUsageCopySrc,
			Size:             size,
			MappedAtCreation: wgpu.True,
		})
		mapped := src.GetMappedRange(0, size)
		//nolint:gosec // unsafe.Slice for zero-copy conversion from unsafe.Pointer
		copy(unsafe.Slice((*float32)(mapped), m.Len()), m.data)
		src.Unmap()
		encoder.CopyBufferToBuffer(src, 0, dst, 0, size)
		staging = append(staging, src)
	}
	g.queue.Submit(encoder.Finish(nil))
	for _, s := range staging {
		s.Release()
	}
	return nil
}

// Download reads the storage buffer of a root region back into its host view.
func (g *WebGPU) Download(m *Memory) error {
	g.mu.Lock()
	src, ok := g.mirrors[m.Root()]
	g.mu.Unlock()
	if !ok {
		return errors.Errorf("webgpu: region is not allocated on %s", g.Name())
	}
	root := m.Root()
	size := alignedSize(root)
	staging := g.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
		Size:  size,
	})
	defer staging.Release()

	encoder := g.device.CreateCommandEncoder(nil)
	encoder.CopyBufferToBuffer(src, 0, staging, 0, size)
	g.queue.Submit(encoder.Finish(nil))

	if err := staging.MapAsync(g.device, wgpu.MapModeRead, 0, size); err != nil {
		return errors.Wrap(err, "webgpu: failed to map staging buffer")
	}
	mapped := staging.GetMappedRange(0, size)
	//nolint:gosec // unsafe.Slice for zero-copy conversion from unsafe.Pointer
	copy(root.data, unsafe.Slice((*float32)(mapped), root.Len()))
	staging.Unmap()
	return nil
}

// Allocated implements Device.
func (g *WebGPU) Allocated() int64 { return g.acc.current.Load() }

// Close implements Device.
func (g *WebGPU) Close() error {
	for _, m := range g.acc.regions() {
		m.Free()
	}
	allocated, released, hits, misses, _ := g.pool.stats()
	klog.V(1).Infof("%s buffer pool: %d allocated, %d released, %d hits, %d misses",
		g.Name(), allocated, released, hits, misses)
	g.pool.clear()
	g.queue.Release()
	g.device.Release()
	g.adapter.Release()
	g.instance.Release()
	return nil
}

// alignedSize rounds the region size up to the 4-byte copy alignment WebGPU
// requires, with a floor of 4 bytes.
func alignedSize(m *Memory) uint64 {
	size := uint64(max(m.Bytes(), 4))
	return (size + 3) &^ 3
}

// Size thresholds for pool categories.
const (
	smallThreshold  = 4 * 1024    // 4KB
	mediumThreshold = 1024 * 1024 // 1MB
	maxPoolSize     = 100         // Max buffers per category
)

type pooledBuffer struct {
	buffer *wgpu.Buffer
	size   uint64
	usage  wgpu.BufferUsage
}

// bufferPool reuses storage buffers released by freed regions.
// Buffers are bucketed by size category.
type bufferPool struct {
	device *wgpu.Device

	mu      sync.Mutex
	buckets [3][]*pooledBuffer

	totalAllocated uint64
	totalReleased  uint64
	poolHits       uint64
	poolMisses     uint64
}

func newBufferPool(device *wgpu.Device) *bufferPool {
	return &bufferPool{device: device}
}

func categorize(size uint64) int {
	switch {
	case size < smallThreshold:
		return 0
	case size < mediumThreshold:
		return 1
	default:
		return 2
	}
}

func (p *bufferPool) acquire(size uint64, usage wgpu.BufferUsage) *wgpu.Buffer {
	p.mu.Lock()
	defer p.mu.Unlock()

	c := categorize(size)
	for i, pb := range p.buckets[c] {
		if pb.size >= size && pb.usage&usage == usage {
			p.buckets[c] = append(p.buckets[c][:i], p.buckets[c][i+1:]...)
			p.poolHits++
			return pb.buffer
		}
	}
	p.poolMisses++
	p.totalAllocated++
	return p.device.CreateBuffer(&wgpu.BufferDescriptor{Usage: usage, Size: size})
}

func (p *bufferPool) release(buffer *wgpu.Buffer, size uint64, usage wgpu.BufferUsage) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.totalReleased++
	c := categorize(size)
	if len(p.buckets[c]) >= maxPoolSize {
		buffer.Release()
		return
	}
	p.buckets[c] = append(p.buckets[c], &pooledBuffer{buffer: buffer, size: size, usage: usage})
}

func (p *bufferPool) clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for c := range p.buckets {
		for _, pb := range p.buckets[c] {
			pb.buffer.Release()
		}
		p.buckets[c] = nil
	}
}

func (p *bufferPool) stats() (allocated, released, hits, misses uint64, pooled int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for c := range p.buckets {
		pooled += len(p.buckets[c])
	}
	return p.totalAllocated, p.totalReleased, p.poolHits, p.poolMisses, pooled
}
