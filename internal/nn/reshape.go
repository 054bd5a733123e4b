package nn

import (
	"github.com/born-ml/gradnet/internal/backend/cpu"
	"github.com/born-ml/gradnet/internal/config"
	"github.com/born-ml/gradnet/internal/tensor"
)

// Reshape copies its input into a Response of another shape with the same
// number of elements.
type Reshape struct {
	Base
	shape []int
}

// NewReshape creates a Reshape layer. In "shape", 0 keeps the input
// dimension and a single -1 is inferred from the rest.
func NewReshape(node *config.Node) Layer {
	l := &Reshape{
		Base:  NewBase(node, TrainingTesting, false),
		shape: node.Ints("shape"),
	}
	inferred := 0
	for _, d := range l.shape {
		switch {
		case d == -1:
			inferred++
		case d < -1:
			l.fatalf("invalid dimension %d in shape %v", d, l.shape)
		}
	}
	if inferred > 1 {
		l.fatalf("shape %v can infer at most one dimension", l.shape)
	}
	return l
}

// outShape resolves the configured shape against an input shape.
func (l *Reshape) outShape(in tensor.Shape) tensor.Shape {
	out := make(tensor.Shape, len(l.shape))
	known, inferAt := 1, -1
	for d, v := range l.shape {
		switch v {
		case 0:
			if d >= len(in) {
				l.fatalf("shape %v copies dimension %d of input %s", l.shape, d, in)
			}
			out[d] = in[d]
		case -1:
			inferAt = d
			continue
		default:
			out[d] = v
		}
		known *= out[d]
	}
	if inferAt >= 0 {
		if known == 0 || in.NumElements()%known != 0 {
			l.fatalf("cannot infer shape %v from input %s", l.shape, in)
		}
		out[inferAt] = in.NumElements() / known
	}
	if out.NumElements() != in.NumElements() {
		l.fatalf("shape %s does not hold the %d elements of input %s", out, in.NumElements(), in)
	}
	return out
}

func (l *Reshape) Malloc(ctx *Context, phase Phase) int {
	l.start(ctx, phase)
	l.checkPairs()
	bytes := 0
	for i, in := range l.ins {
		out := l.outs[i]
		out.SetNeedDiff(in.NeedDiff())
		out.copyReceptive(in)
		bytes += out.Malloc(ctx.Device, l.outShape(in.Shape()))
	}
	return bytes
}

func (l *Reshape) Forward(Phase) {
	l.checkAllocated()
	for i, in := range l.ins {
		copy(l.outs[i].Data().Float32(), in.Data().Float32())
	}
}

func (l *Reshape) Backward(Phase) {
	l.checkAllocated()
	for i, in := range l.ins {
		if in.Diff() != nil && l.outs[i].Diff() != nil {
			cpu.Accumulate(in.Diff().Float32(), l.outs[i].Diff().Float32())
		}
	}
}
