package nn

import (
	"github.com/born-ml/gradnet/internal/backend/cpu"
	"github.com/born-ml/gradnet/internal/config"
	"github.com/born-ml/gradnet/internal/device"
)

// LRN is cross-channel local response normalization.
type LRN struct {
	Base
	lrn    cpu.LRNParams
	scales []*device.Memory
}

// NewLRN creates an LRN layer. Only "CrossChannel" mode exists;
// "DivisiveNormalization" is rejected.
func NewLRN(node *config.Node) Layer {
	l := &LRN{
		Base: NewBase(node, TrainingTesting, false),
		lrn: cpu.LRNParams{
			Size:  node.IntOr("local_size", 5),
			Alpha: float32(node.FloatOr("alpha", 1e-4)),
			Beta:  float32(node.FloatOr("beta", 0.75)),
			K:     float32(node.FloatOr("k", 1)),
		},
	}
	switch mode := node.StrOr("mode", "CrossChannel"); mode {
	case "CrossChannel":
	case "DivisiveNormalization":
		l.fatalf("mode %s is not implemented", mode)
	default:
		l.fatalf("unknown LRN mode %q", mode)
	}
	p := l.lrn
	switch {
	case p.Size < 1 || p.Size > 16:
		l.fatalf("local_size %d must be in [1, 16]", p.Size)
	case p.K < 1e-5:
		l.fatalf("k %g must be at least 1e-5", p.K)
	case p.Beta < 0.01:
		l.fatalf("beta %g must be at least 0.01", p.Beta)
	}
	return l
}

func (l *LRN) Malloc(ctx *Context, phase Phase) int {
	l.start(ctx, phase)
	for i, in := range l.ins {
		if i < len(l.outs) && l.outs[i] == in {
			l.fatalf("cannot run in place on %q", in.Name())
		}
	}
	bytes := l.mallocSameShape(ctx)
	for i := len(l.scales); i < len(l.ins); i++ {
		m := ctx.Device.Alloc(l.ins[i].NumElements())
		l.scales = append(l.scales, m)
		bytes += m.Bytes()
	}
	return bytes
}

func (l *LRN) Forward(Phase) {
	l.checkAllocated()
	for i, in := range l.ins {
		n, c, sp := dims3(in)
		cpu.LRNForward(l.lrn, in.Data().Float32(), l.outs[i].Data().Float32(), l.scales[i].Float32(), n, c, sp)
	}
}

func (l *LRN) Backward(Phase) {
	l.checkAllocated()
	l.backwardPairs(func(i int, dx []float32) {
		in, out := l.ins[i], l.outs[i]
		n, c, sp := dims3(in)
		cpu.LRNBackward(l.lrn, in.Data().Float32(), out.Data().Float32(), l.scales[i].Float32(), out.Diff().Float32(), dx, n, c, sp)
	})
}
