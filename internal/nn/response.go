package nn

import (
	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/born-ml/gradnet/internal/backend/cpu"
	"github.com/born-ml/gradnet/internal/device"
	"github.com/born-ml/gradnet/internal/tensor"
)

// Response is a named activation flowing between layers, with an optional
// gradient of the same shape.
//
// Both regions are allocated lazily by the first Malloc; the shape is frozen
// from then on. Responses live as long as the Net that created them.
type Response struct {
	name     string
	shape    tensor.Shape
	strides  []int
	data     *device.Memory
	diff     *device.Memory
	needDiff bool

	// Receptive field, gap and offset per spatial dimension, in input
	// coordinates. Only used for introspection.
	ReceptiveField  []float64
	ReceptiveGap    []float64
	ReceptiveOffset []float64
}

// NewResponse creates an unallocated Response.
func NewResponse(name string) *Response {
	return &Response{name: name}
}

// Name returns the Response name.
func (r *Response) Name() string { return r.name }

// Shape returns the frozen shape, or nil before Malloc.
func (r *Response) Shape() tensor.Shape { return r.shape }

// Strides returns the row-major strides.
func (r *Response) Strides() []int { return r.strides }

// NumElements returns the number of elements.
func (r *Response) NumElements() int { return r.shape.NumElements() }

// SizeOfItem returns the number of elements per item along dimension 0.
func (r *Response) SizeOfItem() int { return r.shape.SizeOfItem() }

// Allocated reports whether Malloc has run.
func (r *Response) Allocated() bool { return r.data != nil }

// Data returns the activation region.
func (r *Response) Data() *device.Memory {
	if r.data == nil {
		exceptions.Panicf("response %q used before allocation", r.name)
	}
	return r.data
}

// Diff returns the gradient region, or nil if no gradient is needed.
func (r *Response) Diff() *device.Memory { return r.diff }

// NeedDiff reports whether a gradient is kept for this Response.
func (r *Response) NeedDiff() bool { return r.needDiff }

// SetNeedDiff sets whether the producing layer wants a gradient. It must be
// called before Malloc. Once set it cannot be cleared.
func (r *Response) SetNeedDiff(need bool) {
	r.needDiff = r.needDiff || need
}

// RequireDiff marks the Response as needing a gradient after it may already
// have been allocated, allocating the gradient now if so. It returns the
// bytes reserved.
func (r *Response) RequireDiff() int {
	r.needDiff = true
	return r.ensureDiff()
}

func (r *Response) ensureDiff() int {
	if !r.needDiff || r.data == nil || r.diff != nil {
		return 0
	}
	r.diff = r.data.Device().Alloc(r.shape.NumElements())
	return r.diff.Bytes()
}

// Malloc reserves memory for shape on dev and returns the bytes reserved.
// Calling it again with the same shape reserves nothing; a different shape
// panics.
func (r *Response) Malloc(dev device.Device, shape tensor.Shape) int {
	if r.data != nil {
		if !r.shape.Equal(shape) {
			exceptions.Panicf("response %q: allocation shape %s does not match existing %s", r.name, shape, r.shape)
		}
		return r.ensureDiff()
	}
	if err := shape.Validate(); err != nil {
		exceptions.Panicf("response %q: %v", r.name, err)
	}
	r.shape = shape.Clone()
	r.strides = r.shape.ComputeStrides()
	r.data = dev.Alloc(r.shape.NumElements())
	bytes := r.data.Bytes()
	if r.needDiff {
		r.diff = dev.Alloc(r.shape.NumElements())
		bytes += r.diff.Bytes()
	}
	if klog.V(1).Enabled() {
		mark := " "
		if r.needDiff {
			mark = "*"
		}
		klog.Infof("%s response %s %s RF%v GP%v OF%v", mark, r.name, r.shape, r.ReceptiveField, r.ReceptiveGap, r.ReceptiveOffset)
	}
	return bytes
}

// ClearDiff zeroes the gradient, if any.
func (r *Response) ClearDiff() {
	if r.diff != nil {
		r.diff.Zero()
	}
}

// Read copies the activation into a new host Buffer.
func (r *Response) Read() *tensor.Buffer {
	return tensor.FromFloat32(r.name, r.shape, r.Data().Float32())
}

// ReadDiff copies the gradient into a new host Buffer, or returns nil.
func (r *Response) ReadDiff() *tensor.Buffer {
	if r.diff == nil {
		return nil
	}
	return tensor.FromFloat32(r.name+"_diff", r.shape, r.diff.Float32())
}

// Write uploads the first NumElements values of b into the activation.
func (r *Response) Write(b *tensor.Buffer) {
	values := b.Float32s()
	if len(values) < r.NumElements() {
		exceptions.Panicf("response %q: buffer %s holds %d values, need %d", r.name, b, len(values), r.NumElements())
	}
	copy(r.Data().Float32(), values[:r.NumElements()])
}

// AbsMeanData returns the mean absolute activation, or -1 if unallocated.
func (r *Response) AbsMeanData() float64 {
	if r.data == nil {
		return -1
	}
	return absMean(r.data)
}

// AbsMeanDiff returns the mean absolute gradient, or -1 if there is none.
func (r *Response) AbsMeanDiff() float64 {
	if r.diff == nil {
		return -1
	}
	return absMean(r.diff)
}

// CheckNaN reports whether the activation holds a NaN.
func (r *Response) CheckNaN() bool {
	return r.data != nil && cpu.HasNaN(r.data.Float32())
}

// Free releases both regions.
func (r *Response) Free() {
	if r.data != nil {
		r.data.Free()
	}
	if r.diff != nil {
		r.diff.Free()
	}
}

// copyReceptive copies the receptive field metadata of src.
func (r *Response) copyReceptive(src *Response) {
	r.ReceptiveField = append([]float64(nil), src.ReceptiveField...)
	r.ReceptiveGap = append([]float64(nil), src.ReceptiveGap...)
	r.ReceptiveOffset = append([]float64(nil), src.ReceptiveOffset...)
}

// initReceptive sets the metadata of a data source: field 1, gap 1, offset 0.
func (r *Response) initReceptive(spatial int) {
	spatial = max(spatial, 0)
	r.ReceptiveField = make([]float64, spatial)
	r.ReceptiveGap = make([]float64, spatial)
	r.ReceptiveOffset = make([]float64, spatial)
	for d := range spatial {
		r.ReceptiveField[d], r.ReceptiveGap[d] = 1, 1
	}
}

// propagateWindow updates the metadata for a windowed operator (convolution,
// pooling).
func (r *Response) propagateWindow(src *Response, window, stride, padding []int) {
	n := len(src.ReceptiveField)
	r.ReceptiveField = make([]float64, n)
	r.ReceptiveGap = make([]float64, n)
	r.ReceptiveOffset = make([]float64, n)
	for d := range n {
		r.ReceptiveField[d] = src.ReceptiveField[d] + float64(window[d]-1)*src.ReceptiveGap[d]
		r.ReceptiveGap[d] = float64(stride[d]) * src.ReceptiveGap[d]
		r.ReceptiveOffset[d] = src.ReceptiveOffset[d] - float64(padding[d])*src.ReceptiveGap[d]
	}
}

func absMean(m *device.Memory) float64 {
	if m.Len() == 0 {
		return 0
	}
	return cpu.Asum(m.Float32()) / float64(m.Len())
}
