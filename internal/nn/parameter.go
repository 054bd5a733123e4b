package nn

import (
	"math/rand/v2"

	"github.com/gomlx/exceptions"

	"github.com/born-ml/gradnet/internal/backend/cpu"
	"github.com/born-ml/gradnet/internal/device"
	"github.com/born-ml/gradnet/internal/tensor"
)

// Parameter is a trainable weight or bias owned by a layer.
//
// Data always belongs to the layer. Diff and Hist may be views handed in by
// the Solver, which lays out every replica's gradient next to the shared
// history in one region.
type Parameter struct {
	name  string
	shape tensor.Shape
	data  *device.Memory
	diff  *device.Memory
	hist  *device.Memory

	LRMult      float32
	DecayMult   float32
	Filler      Filler
	FillerParam float64
}

// NewParameter creates an unallocated Parameter.
func NewParameter(name string, shape tensor.Shape, lrMult, decayMult float32, filler Filler, fillerParam float64) *Parameter {
	return &Parameter{
		name: name, shape: shape.Clone(),
		LRMult: lrMult, DecayMult: decayMult,
		Filler: filler, FillerParam: fillerParam,
	}
}

// Name returns the checkpoint name, e.g. "conv1.weight".
func (p *Parameter) Name() string { return p.name }

// Shape returns the Parameter shape.
func (p *Parameter) Shape() tensor.Shape { return p.shape }

// NumElements returns the number of elements.
func (p *Parameter) NumElements() int { return p.shape.NumElements() }

// Data returns the values.
func (p *Parameter) Data() *device.Memory { return p.data }

// Diff returns the gradient, or nil when the Parameter is not trained.
func (p *Parameter) Diff() *device.Memory { return p.diff }

// Hist returns the optimizer history, or nil if none was attached.
func (p *Parameter) Hist() *device.Memory { return p.hist }

// Malloc allocates the values, and the gradient when withDiff. It returns the
// bytes reserved. Calling it again is a no-op.
func (p *Parameter) Malloc(dev device.Device, withDiff bool) int {
	bytes := 0
	if p.data == nil {
		p.data = dev.Alloc(p.NumElements())
		bytes += p.data.Bytes()
	}
	if withDiff && p.diff == nil {
		p.diff = dev.Alloc(p.NumElements())
		bytes += p.diff.Bytes()
	}
	return bytes
}

// SetDiff replaces the gradient region, releasing the one owned before.
func (p *Parameter) SetDiff(m *device.Memory) {
	p.checkLen(m)
	if p.diff != nil && p.diff != m {
		p.diff.Free()
	}
	p.diff = m
}

// SetHist attaches the optimizer history.
func (p *Parameter) SetHist(m *device.Memory) {
	p.checkLen(m)
	p.hist = m
}

func (p *Parameter) checkLen(m *device.Memory) {
	if m != nil && m.Len() != p.NumElements() {
		exceptions.Panicf("parameter %q: region of %d elements, need %d", p.name, m.Len(), p.NumElements())
	}
}

// Fill initializes the values with the Parameter's filler.
func (p *Parameter) Fill(rng *rand.Rand) {
	p.Filler.Fill(rng, p.data.Float32(), p.shape[0], p.FillerParam)
}

// ClearDiff zeroes the gradient.
func (p *Parameter) ClearDiff() {
	if p.diff != nil {
		p.diff.Zero()
	}
}

// ClearHist zeroes the history.
func (p *Parameter) ClearHist() {
	if p.hist != nil {
		p.hist.Zero()
	}
}

// Update applies w -= hist.
func (p *Parameter) Update() {
	if p.hist != nil {
		cpu.Axpy(-1, p.hist.Float32(), p.data.Float32())
	}
}

// Read copies the values into a host Buffer named after the Parameter.
func (p *Parameter) Read() *tensor.Buffer {
	return tensor.FromFloat32(p.name, p.shape, p.data.Float32())
}

// ReadDiff copies the gradient into a host Buffer named "<name>_diff".
func (p *Parameter) ReadDiff() *tensor.Buffer {
	return tensor.FromFloat32(p.name+"_diff", p.shape, p.diff.Float32())
}

// Free releases the regions the Parameter owns. Views handed in by the
// Solver are left alone.
func (p *Parameter) Free() {
	if p.data != nil {
		p.data.Free()
	}
	if p.diff != nil {
		p.diff.Free()
	}
}

func loadInto(name string, shape tensor.Shape, dst *device.Memory, b *tensor.Buffer) error {
	if !b.Shape().Equal(shape) {
		return &ParamMismatchError{Name: name, Want: shape, Got: b.Shape()}
	}
	dst.CopyFrom(b.Float32s()[:shape.NumElements()])
	return nil
}
