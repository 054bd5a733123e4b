package nn

import (
	"github.com/born-ml/gradnet/internal/backend/cpu"
	"github.com/born-ml/gradnet/internal/config"
	"github.com/born-ml/gradnet/internal/device"
)

// mallocSameShape sizes every output like its input, forwarding NeedDiff
// and the receptive field. Outputs may alias their inputs.
func (b *Base) mallocSameShape(ctx *Context) int {
	b.checkPairs()
	bytes := 0
	for i, in := range b.ins {
		out := b.outs[i]
		if out == in {
			continue
		}
		out.SetNeedDiff(in.NeedDiff())
		out.copyReceptive(in)
		bytes += out.Malloc(ctx.Device, in.Shape())
	}
	return bytes
}

// backwardPairs calls f(i, dx) for every pair with both gradients. For
// in-place pairs dx is a zeroed scratch slice that replaces the shared
// gradient once f returns, so f may always accumulate.
func (b *Base) backwardPairs(f func(i int, dx []float32)) {
	for i, in := range b.ins {
		out := b.outs[i]
		if in.Diff() == nil || out.Diff() == nil {
			continue
		}
		if in != out {
			f(i, in.Diff().Float32())
			continue
		}
		scratch := make([]float32, in.NumElements())
		f(i, scratch)
		in.Diff().CopyFrom(scratch)
	}
}

// Activation applies an elementwise nonlinearity.
type Activation struct {
	Base
	forward  func(x, y []float32)
	backward func(y, dy, dx []float32)
}

// NewActivation creates an Activation layer; "mode" is ReLU (default),
// Sigmoid or TanH.
func NewActivation(node *config.Node) Layer {
	l := &Activation{Base: NewBase(node, TrainingTesting, false)}
	switch mode := node.StrOr("mode", "ReLU"); mode {
	case "ReLU":
		l.forward, l.backward = cpu.ReLUForward, cpu.ReLUBackward
	case "Sigmoid":
		l.forward, l.backward = cpu.SigmoidForward, cpu.SigmoidBackward
	case "TanH":
		l.forward, l.backward = cpu.TanhForward, cpu.TanhBackward
	default:
		l.fatalf("unknown activation mode %q", mode)
	}
	return l
}

func (l *Activation) Malloc(ctx *Context, phase Phase) int {
	l.start(ctx, phase)
	return l.mallocSameShape(ctx)
}

func (l *Activation) Forward(Phase) {
	l.checkAllocated()
	for i, in := range l.ins {
		l.forward(in.Data().Float32(), l.outs[i].Data().Float32())
	}
}

func (l *Activation) Backward(Phase) {
	l.checkAllocated()
	l.backwardPairs(func(i int, dx []float32) {
		out := l.outs[i]
		l.backward(out.Data().Float32(), out.Diff().Float32(), dx)
	})
}

// Softmax normalizes over the channel dimension.
//
// With stable_gradient (the default) the backward pass forwards the
// gradient unchanged: it is meant to feed a MultinomialLogistic_StableSoftmax
// loss, which already produces the gradient with respect to the logits.
type Softmax struct {
	Base
	stable bool
}

// NewSoftmax creates a Softmax layer.
func NewSoftmax(node *config.Node) Layer {
	return &Softmax{
		Base:   NewBase(node, TrainingTesting, false),
		stable: node.BoolOr("stable_gradient", true),
	}
}

func (l *Softmax) Malloc(ctx *Context, phase Phase) int {
	l.start(ctx, phase)
	return l.mallocSameShape(ctx)
}

func (l *Softmax) Forward(Phase) {
	l.checkAllocated()
	for i, in := range l.ins {
		n, c, sp := dims3(in)
		cpu.SoftmaxForward(in.Data().Float32(), l.outs[i].Data().Float32(), n, c, sp)
	}
}

func (l *Softmax) Backward(Phase) {
	l.checkAllocated()
	if l.stable {
		for i, in := range l.ins {
			if in != l.outs[i] && in.Diff() != nil && l.outs[i].Diff() != nil {
				cpu.Accumulate(in.Diff().Float32(), l.outs[i].Diff().Float32())
			}
		}
		return
	}
	l.backwardPairs(func(i int, dx []float32) {
		out := l.outs[i]
		n, c, sp := dims3(out)
		cpu.SoftmaxBackward(out.Data().Float32(), out.Diff().Float32(), dx, n, c, sp)
	})
}

// dims3 views a Response as [N, C, spatial].
func dims3(r *Response) (n, c, spatial int) {
	shape := r.Shape()
	c = 1
	if len(shape) > 1 {
		c = shape[1]
	}
	return shape[0], c, shape.SpatialElements()
}

// Dropout zeroes a random fraction of the activations while training and
// scales the rest by 1/(1-rate).
type Dropout struct {
	Base
	rate  float32
	masks []*device.Memory
}

// NewDropout creates a Dropout layer; "dropout_rate" defaults to 0.5.
func NewDropout(node *config.Node) Layer {
	l := &Dropout{
		Base: NewBase(node, TrainingTesting, false),
		rate: float32(node.FloatOr("dropout_rate", 0.5)),
	}
	if l.rate < 0 || l.rate >= 1 {
		l.fatalf("dropout_rate %g must be in [0, 1)", l.rate)
	}
	return l
}

func (l *Dropout) Malloc(ctx *Context, phase Phase) int {
	l.start(ctx, phase)
	bytes := l.mallocSameShape(ctx)
	for i := len(l.masks); i < len(l.ins); i++ {
		m := ctx.Device.Alloc(l.ins[i].NumElements())
		l.masks = append(l.masks, m)
		bytes += m.Bytes()
	}
	return bytes
}

func (l *Dropout) Forward(phase Phase) {
	l.checkAllocated()
	for i, in := range l.ins {
		out := l.outs[i]
		if phase != Training {
			if out != in {
				copy(out.Data().Float32(), in.Data().Float32())
			}
			continue
		}
		mask := l.masks[i].Float32()
		cpu.DropoutMask(l.ctx.Rand, l.rate, mask)
		cpu.Mul(in.Data().Float32(), mask, out.Data().Float32())
	}
}

func (l *Dropout) Backward(phase Phase) {
	l.checkAllocated()
	l.backwardPairs(func(i int, dx []float32) {
		dy := l.outs[i].Diff().Float32()
		if phase != Training {
			cpu.Accumulate(dx, dy)
			return
		}
		cpu.MulAcc(dy, l.masks[i].Float32(), dx)
	})
}
