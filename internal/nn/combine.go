package nn

import (
	"math"

	"github.com/born-ml/gradnet/internal/backend/cpu"
	"github.com/born-ml/gradnet/internal/config"
)

// group returns the inputs of output i when the inputs are split into
// equal consecutive groups, one per output, of at least two each.
func (b *Base) group(i int) []*Response {
	g := b.groupSize()
	return b.ins[i*g : (i+1)*g]
}

func (b *Base) groupSize() int {
	if len(b.outs) == 0 || len(b.ins)%len(b.outs) != 0 || len(b.ins)/len(b.outs) < 2 {
		b.fatalf("needs at least two inputs per output, got %d inputs and %d outputs", len(b.ins), len(b.outs))
	}
	return len(b.ins) / len(b.outs)
}

// ElementWise combines a group of equally shaped inputs element by element.
// Only "eql" is implemented: it emits 1 where every input equals the first.
type ElementWise struct {
	Base
	mode string
}

// NewElementWise creates an ElementWise layer; "mode" is required.
func NewElementWise(node *config.Node) Layer {
	l := &ElementWise{
		Base: NewBase(node, TrainingTesting, false),
		mode: node.Str("mode"),
	}
	switch l.mode {
	case "eql":
	case "mul", "sum", "max":
		l.fatalf("mode %s is not implemented", l.mode)
	default:
		l.fatalf("unknown mode %q", l.mode)
	}
	return l
}

func (l *ElementWise) Malloc(ctx *Context, phase Phase) int {
	l.start(ctx, phase)
	l.groupSize()
	bytes := 0
	for i, out := range l.outs {
		ins := l.group(i)
		for _, in := range ins {
			if !in.Shape().Equal(ins[0].Shape()) {
				l.fatalf("inputs %q %s and %q %s differ in shape", ins[0].Name(), ins[0].Shape(), in.Name(), in.Shape())
			}
			out.SetNeedDiff(in.NeedDiff())
		}
		out.copyReceptive(ins[0])
		bytes += out.Malloc(ctx.Device, ins[0].Shape())
	}
	return bytes
}

func (l *ElementWise) Forward(Phase) {
	l.checkAllocated()
	for i, out := range l.outs {
		ins := l.group(i)
		dst := out.Data().Float32()
		cpu.Fill(dst, 1)
		first := ins[0].Data().Float32()
		for _, in := range ins[1:] {
			for k, v := range in.Data().Float32() {
				if v != first[k] {
					dst[k] = 0
				}
			}
		}
	}
}

// Backward panics when a gradient is requested: equality has none.
func (l *ElementWise) Backward(Phase) {
	l.checkAllocated()
	for _, out := range l.outs {
		if out.Diff() != nil {
			l.fatalf("backward of mode %s is not implemented", l.mode)
		}
	}
}

// Concat stacks each group of inputs along the channel dimension.
type Concat struct {
	Base
}

// NewConcat creates a Concat layer.
func NewConcat(node *config.Node) Layer {
	return &Concat{Base: NewBase(node, TrainingTesting, false)}
}

func (l *Concat) Malloc(ctx *Context, phase Phase) int {
	l.start(ctx, phase)
	l.groupSize()
	bytes := 0
	for i, out := range l.outs {
		ins := l.group(i)
		shape := ins[0].Shape().Clone()
		if len(shape) < 2 {
			l.fatalf("input %q %s has no channel dimension", ins[0].Name(), shape)
		}
		shape[1] = 0
		for _, in := range ins {
			s := in.Shape()
			if len(s) != len(shape) || s[0] != shape[0] || !s[2:].Equal(shape[2:]) {
				l.fatalf("input %q %s does not match %q %s outside the channel dimension",
					in.Name(), s, ins[0].Name(), ins[0].Shape())
			}
			shape[1] += s[1]
			out.SetNeedDiff(in.NeedDiff())
		}
		concatReceptive(out, ins)
		bytes += out.Malloc(ctx.Device, shape)
	}
	return bytes
}

// concatReceptive keeps the widest field and gap and the smallest offset.
func concatReceptive(out *Response, ins []*Response) {
	out.copyReceptive(ins[0])
	for _, in := range ins[1:] {
		for d := range out.ReceptiveField {
			if d >= len(in.ReceptiveField) {
				break
			}
			out.ReceptiveField[d] = math.Max(out.ReceptiveField[d], in.ReceptiveField[d])
			out.ReceptiveGap[d] = math.Max(out.ReceptiveGap[d], in.ReceptiveGap[d])
			out.ReceptiveOffset[d] = math.Min(out.ReceptiveOffset[d], in.ReceptiveOffset[d])
		}
	}
}

func (l *Concat) Forward(Phase) {
	l.checkAllocated()
	for i, out := range l.outs {
		offset := 0
		for _, in := range l.group(i) {
			n := in.Shape()[0]
			cpu.CopyItems(n, in.Data().Float32(), out.Data().Float32(), in.SizeOfItem(), out.SizeOfItem(), offset)
			offset += in.SizeOfItem()
		}
	}
}

func (l *Concat) Backward(Phase) {
	l.checkAllocated()
	for i, out := range l.outs {
		if out.Diff() == nil {
			continue
		}
		offset := 0
		for _, in := range l.group(i) {
			if in.Diff() != nil {
				cpu.CopyItemsBackward(in.Shape()[0], in.Diff().Float32(), out.Diff().Float32(), in.SizeOfItem(), out.SizeOfItem(), offset)
			}
			offset += in.SizeOfItem()
		}
	}
}
