package nn

import (
	"github.com/born-ml/gradnet/internal/backend/cpu"
	"github.com/born-ml/gradnet/internal/config"
	"github.com/born-ml/gradnet/internal/tensor"
)

// checkBoxPairs panics unless the inputs come in (data, boxes) pairs, one
// pair per output.
func (b *Base) checkBoxPairs() {
	if len(b.outs) == 0 || len(b.ins) != 2*len(b.outs) {
		b.fatalf("needs one (data, boxes) input pair per output, got %d inputs and %d outputs", len(b.ins), len(b.outs))
	}
}

// ROI crops a window of fixed size from every item, starting at the
// per-item offsets given by the boxes input.
type ROI struct {
	Base
	shape []int
}

// NewROI creates an ROI layer; "shape" gives the crop size of every
// non-batch dimension, 0 keeping the input size.
func NewROI(node *config.Node) Layer {
	return &ROI{
		Base:  NewBase(node, TrainingTesting, false),
		shape: node.Ints("shape"),
	}
}

func (l *ROI) Malloc(ctx *Context, phase Phase) int {
	l.start(ctx, phase)
	l.checkBoxPairs()
	bytes := 0
	for i, out := range l.outs {
		data, boxes := l.ins[2*i], l.ins[2*i+1]
		in := data.Shape()
		if len(in) != len(l.shape)+1 {
			l.fatalf("input %q %s needs %d dimensions for shape %v", data.Name(), in, len(l.shape)+1, l.shape)
		}
		if boxes.Shape()[0] != in[0] || boxes.SizeOfItem() != len(l.shape) {
			l.fatalf("boxes %q %s need one row of %d starts per item of %s", boxes.Name(), boxes.Shape(), len(l.shape), in)
		}
		shape := tensor.Shape{in[0]}
		for d, v := range l.shape {
			if v == 0 {
				v = in[d+1]
			}
			shape = append(shape, v)
		}
		out.SetNeedDiff(data.NeedDiff())
		out.copyReceptive(data)
		bytes += out.Malloc(ctx.Device, shape)
	}
	return bytes
}

func (l *ROI) Forward(Phase) {
	l.checkAllocated()
	for i, out := range l.outs {
		data, boxes := l.ins[2*i], l.ins[2*i+1]
		cpu.ROICropForward(data.Data().Float32(), data.Shape()[1:], boxes.Data().Float32(), out.Data().Float32(), out.Shape()[1:])
	}
}

func (l *ROI) Backward(Phase) {
	l.checkAllocated()
	for i, out := range l.outs {
		data, boxes := l.ins[2*i], l.ins[2*i+1]
		if data.Diff() == nil || out.Diff() == nil {
			continue
		}
		cpu.ROICropBackward(data.Diff().Float32(), data.Shape()[1:], boxes.Data().Float32(), out.Diff().Float32(), out.Shape()[1:])
	}
}

// ROIPooling max-pools every box of the boxes input into a grid of fixed
// size.
type ROIPooling struct {
	Base
	shape  []int
	scale  float32
	shapes []cpu.ROIPoolShape
	argmax [][]int
}

// NewROIPooling creates an ROIPooling layer; "shape" and "spatial_scale" are
// required.
func NewROIPooling(node *config.Node) Layer {
	return &ROIPooling{
		Base:  NewBase(node, TrainingTesting, false),
		shape: node.Ints("shape"),
		scale: float32(node.Float("spatial_scale")),
	}
}

func (l *ROIPooling) Malloc(ctx *Context, phase Phase) int {
	l.start(ctx, phase)
	l.checkBoxPairs()
	bytes := 0
	l.shapes = l.shapes[:0]
	for i, out := range l.outs {
		data, boxes := l.ins[2*i], l.ins[2*i+1]
		in := data.Shape()
		if len(in) != len(l.shape)+2 {
			l.fatalf("input %q %s needs %d dimensions for shape %v", data.Name(), in, len(l.shape)+2, l.shape)
		}
		if boxes.SizeOfItem() != 1+2*len(l.shape) {
			l.fatalf("boxes %q %s need rows of %d values", boxes.Name(), boxes.Shape(), 1+2*len(l.shape))
		}
		s := cpu.ROIPoolShape{
			Batch: in[0], Channels: in[1], In: spatialOf(in),
			Pooled: l.shape, NumROIs: boxes.Shape()[0], SpatialScale: l.scale,
		}
		l.shapes = append(l.shapes, s)
		shape := append(tensor.Shape{s.NumROIs, s.Channels}, l.shape...)
		out.SetNeedDiff(data.NeedDiff())
		bytes += out.Malloc(ctx.Device, shape)
		if i >= len(l.argmax) {
			l.argmax = append(l.argmax, make([]int, shape.NumElements()))
		}
	}
	return bytes
}

func (l *ROIPooling) Forward(Phase) {
	l.checkAllocated()
	for i, s := range l.shapes {
		data, boxes := l.ins[2*i], l.ins[2*i+1]
		cpu.ROIPoolForward(s, data.Data().Float32(), boxes.Data().Float32(), l.outs[i].Data().Float32(), l.argmax[i])
	}
}

func (l *ROIPooling) Backward(Phase) {
	l.checkAllocated()
	for i, out := range l.outs {
		data := l.ins[2*i]
		if data.Diff() == nil || out.Diff() == nil {
			continue
		}
		cpu.ROIPoolBackward(out.Diff().Float32(), l.argmax[i], data.Diff().Float32())
	}
}
