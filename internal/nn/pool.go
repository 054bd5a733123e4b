package nn

import (
	"github.com/born-ml/gradnet/internal/backend/cpu"
	"github.com/born-ml/gradnet/internal/config"
	"github.com/born-ml/gradnet/internal/tensor"
)

// Pooling is n-dimensional max or average pooling.
type Pooling struct {
	Base
	max     bool
	window  []int
	padding []int
	stride  []int
	shapes  []cpu.PoolShape
}

// NewPooling creates a Pooling layer. "window" is required; "mode" is "max"
// (default) or "average", padding defaults to zeros and stride to the window.
func NewPooling(node *config.Node) Layer {
	window := node.Ints("window")
	l := &Pooling{
		Base:    NewBase(node, TrainingTesting, false),
		window:  window,
		padding: node.IntsOr("padding", make([]int, len(window))),
		stride:  node.IntsOr("stride", window),
	}
	switch mode := node.StrOr("mode", "max"); mode {
	case "max":
		l.max = true
	case "average":
	default:
		l.fatalf("unknown pooling mode %q", mode)
	}
	return l
}

// Malloc sizes each output to 1 + (in + 2p - w)/s per spatial dimension.
func (l *Pooling) Malloc(ctx *Context, phase Phase) int {
	l.start(ctx, phase)
	l.checkPairs()
	bytes := 0
	l.shapes = l.shapes[:0]
	for i, in := range l.ins {
		shape := in.Shape()
		if len(shape) != len(l.window)+2 {
			l.fatalf("input %q %s does not match window %v", in.Name(), shape, l.window)
		}
		s := cpu.PoolShape{
			Batch: shape[0], Channels: shape[1], In: spatialOf(shape),
			Window: l.window, Padding: l.padding, Stride: l.stride,
		}
		s.Validate()
		l.shapes = append(l.shapes, s)
		out := l.outs[i]
		out.SetNeedDiff(in.NeedDiff())
		out.propagateWindow(in, l.window, l.stride, l.padding)
		bytes += out.Malloc(ctx.Device, append(tensor.Shape{s.Batch, s.Channels}, s.Out()...))
	}
	return bytes
}

func (l *Pooling) Forward(Phase) {
	l.checkAllocated()
	for i, s := range l.shapes {
		in, out := l.ins[i].Data().Float32(), l.outs[i].Data().Float32()
		if l.max {
			cpu.MaxPoolForward(s, in, out)
		} else {
			cpu.AvgPoolForward(s, in, out)
		}
	}
}

func (l *Pooling) Backward(Phase) {
	l.checkAllocated()
	for i, s := range l.shapes {
		in, out := l.ins[i], l.outs[i]
		if in.Diff() == nil || out.Diff() == nil {
			continue
		}
		if l.max {
			cpu.MaxPoolBackward(s, in.Data().Float32(), out.Data().Float32(), out.Diff().Float32(), in.Diff().Float32())
		} else {
			cpu.AvgPoolBackward(s, out.Diff().Float32(), in.Diff().Float32())
		}
	}
}
