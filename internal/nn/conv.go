package nn

import (
	"github.com/born-ml/gradnet/internal/backend/cpu"
	"github.com/born-ml/gradnet/internal/config"
	"github.com/born-ml/gradnet/internal/tensor"
)

// Convolution is a grouped n-dimensional convolution. Every (in, out) pair
// is convolved with the same weights.
type Convolution struct {
	Base
	numOutput int
	window    []int
	padding   []int
	stride    []int
	group     int
	bias      bool
	shapes    []cpu.ConvShape
}

// NewConvolution creates a Convolution layer. "num_output" and "window" are
// required; padding defaults to zeros, stride and upscale to ones.
func NewConvolution(node *config.Node) Layer {
	window := node.Ints("window")
	l := &Convolution{
		Base:      NewBase(node, TrainingTesting, true),
		numOutput: node.Int("num_output"),
		window:    window,
		padding:   node.IntsOr("padding", make([]int, len(window))),
		stride:    node.IntsOr("stride", ones(len(window))),
		group:     node.IntOr("group", 1),
		bias:      node.BoolOr("bias", true),
	}
	for _, u := range node.IntsOr("upscale", ones(len(window))) {
		if u != 1 {
			l.fatalf("upscale %v is not implemented", node.IntsOr("upscale", nil))
		}
	}
	return l
}

func (l *Convolution) weight() *Parameter { return l.params[0] }

func (l *Convolution) biasParam() *Parameter {
	if !l.bias {
		return nil
	}
	return l.params[1]
}

// Malloc sizes every output and the shared weights.
func (l *Convolution) Malloc(ctx *Context, phase Phase) int {
	l.start(ctx, phase)
	l.checkPairs()
	bytes := 0
	l.shapes = l.shapes[:0]
	for i, in := range l.ins {
		shape := in.Shape()
		if len(shape) != len(l.window)+2 {
			l.fatalf("input %q %s does not match window %v", in.Name(), shape, l.window)
		}
		s := cpu.ConvShape{
			Batch: shape[0], InChannels: shape[1], OutChannels: l.numOutput, Group: l.group,
			In: spatialOf(shape), Window: l.window, Padding: l.padding, Stride: l.stride,
		}
		s.Validate()
		if i > 0 && s.InChannels != l.shapes[0].InChannels {
			l.fatalf("inputs have %d and %d channels, weights are shared", l.shapes[0].InChannels, s.InChannels)
		}
		l.shapes = append(l.shapes, s)

		out := l.outs[i]
		out.SetNeedDiff(l.train || in.NeedDiff())
		out.propagateWindow(in, l.window, l.stride, l.padding)
		bytes += out.Malloc(ctx.Device, append(tensor.Shape{s.Batch, l.numOutput}, s.Out()...))
	}
	c := l.shapes[0].InChannels
	weightShape := append(tensor.Shape{l.numOutput, c / l.group}, l.window...)
	biasShape := append(tensor.Shape{1, l.numOutput}, ones(len(l.window))...)
	bytes += l.weightAndBias(weightShape, biasShape, l.bias)
	return bytes
}

// Forward computes out = w * in + bias for every pair.
func (l *Convolution) Forward(Phase) {
	l.checkAllocated()
	w := l.weight().Data().Float32()
	for i, s := range l.shapes {
		out := l.outs[i].Data().Float32()
		cpu.ConvForward(s, l.ins[i].Data().Float32(), w, out)
		if b := l.biasParam(); b != nil {
			cpu.BiasForward(out, b.Data().Float32(), s.Batch, l.numOutput, product(s.Out()))
		}
	}
}

// Backward accumulates the input gradient where one is kept, and the weight
// and bias gradients while training.
func (l *Convolution) Backward(Phase) {
	l.checkAllocated()
	w := l.weight()
	for i, s := range l.shapes {
		dout := l.outs[i].Diff()
		if dout == nil {
			continue
		}
		if din := l.ins[i].Diff(); din != nil {
			cpu.ConvBackwardData(s, w.Data().Float32(), dout.Float32(), din.Float32())
		}
		if l.train {
			cpu.ConvBackwardFilter(s, l.ins[i].Data().Float32(), dout.Float32(), w.Diff().Float32())
			if b := l.biasParam(); b != nil {
				cpu.BiasBackward(dout.Float32(), b.Diff().Float32(), s.Batch, l.numOutput, product(s.Out()))
			}
		}
	}
}

// InnerProduct is a fully connected layer over the flattened items of its
// inputs. Every (in, out) pair uses the same weights.
type InnerProduct struct {
	Base
	numOutput int
	numInput  int
	bias      bool
}

// NewInnerProduct creates an InnerProduct layer; "num_output" is required.
func NewInnerProduct(node *config.Node) Layer {
	return &InnerProduct{
		Base:      NewBase(node, TrainingTesting, true),
		numOutput: node.Int("num_output"),
		bias:      node.BoolOr("bias", true),
	}
}

// Malloc sizes the outputs as [N, num_output, 1...] and the shared weights.
func (l *InnerProduct) Malloc(ctx *Context, phase Phase) int {
	l.start(ctx, phase)
	l.checkPairs()
	bytes := 0
	for i, in := range l.ins {
		shape := in.Shape()
		if i == 0 {
			l.numInput = shape.SizeOfItem()
		} else if shape.SizeOfItem() != l.numInput {
			l.fatalf("inputs have items of %d and %d elements, weights are shared", l.numInput, shape.SizeOfItem())
		}
		out := l.outs[i]
		out.SetNeedDiff(l.train || in.NeedDiff())
		spatial := spatialOf(shape)
		out.ReceptiveField = make([]float64, len(spatial))
		out.ReceptiveGap = make([]float64, len(spatial))
		out.ReceptiveOffset = make([]float64, len(spatial))
		for d := range spatial {
			if d < len(in.ReceptiveField) {
				out.ReceptiveField[d] = in.ReceptiveField[d] + float64(spatial[d]-1)*in.ReceptiveGap[d]
			}
		}
		bytes += out.Malloc(ctx.Device, append(tensor.Shape{shape[0], l.numOutput}, ones(len(spatial))...))
	}
	bytes += l.weightAndBias(tensor.Shape{l.numOutput, l.numInput}, tensor.Shape{l.numOutput}, l.bias)
	return bytes
}

// Forward computes out = in · wᵀ + bias.
func (l *InnerProduct) Forward(Phase) {
	l.checkAllocated()
	w := l.params[0].Data().Float32()
	for i, in := range l.ins {
		n := in.Shape()[0]
		out := l.outs[i].Data().Float32()
		cpu.Gemm(false, true, n, l.numOutput, l.numInput, 1, in.Data().Float32(), w, 0, out)
		if l.bias {
			cpu.BiasForward(out, l.params[1].Data().Float32(), n, l.numOutput, 1)
		}
	}
}

// Backward accumulates din += dout · w, dw += doutᵀ · in and db += Σ dout.
func (l *InnerProduct) Backward(Phase) {
	l.checkAllocated()
	w := l.params[0]
	for i, in := range l.ins {
		dout := l.outs[i].Diff()
		if dout == nil {
			continue
		}
		n := in.Shape()[0]
		if din := in.Diff(); din != nil {
			cpu.Gemm(false, false, n, l.numInput, l.numOutput, 1, dout.Float32(), w.Data().Float32(), 1, din.Float32())
		}
		if l.train {
			cpu.Gemm(true, false, l.numOutput, l.numInput, n, 1, dout.Float32(), in.Data().Float32(), 1, w.Diff().Float32())
			if l.bias {
				cpu.BiasBackward(dout.Float32(), l.params[1].Diff().Float32(), n, l.numOutput, 1)
			}
		}
	}
}

func ones(n int) []int {
	s := make([]int, n)
	for i := range s {
		s[i] = 1
	}
	return s
}
