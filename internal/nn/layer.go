// Package nn implements the layers of a gradnet network.
//
// This package provides:
//   - Response: a named activation (and optional gradient) between layers
//   - Parameter: trainable weights with gradient and optimizer history
//   - Layer: the operator interface, with a shared Base implementation
//   - Registry: maps architecture type tags to layer constructors
//   - Variants: data sources, convolution, inner product, pooling,
//     normalization, reshaping, region of interest and loss layers
//
// Layers run on the host reference kernels of the cpu backend, against
// memory reserved on the Context's device.
package nn

import (
	"math/rand/v2"

	"github.com/gomlx/exceptions"

	"github.com/born-ml/gradnet/internal/config"
	"github.com/born-ml/gradnet/internal/tensor"
)

// Layer is an operator of the network graph.
//
// The life cycle is Connect, then Malloc, then any sequence of Forward and
// Backward. Forward and Backward panic when called before Malloc.
type Layer interface {
	// Name returns the unique layer name.
	Name() string

	// Type returns the architecture type tag, e.g. "Convolution".
	Type() string

	// Phase returns the phase the layer runs in.
	Phase() Phase

	// Train reports whether the layer updates its parameters. It is only
	// meaningful after Malloc.
	Train() bool

	// Ins and Outs return the wired Responses.
	Ins() []*Response
	Outs() []*Response

	// Connect wires the input and output Responses.
	Connect(ins, outs []*Response)

	// Malloc sizes the outputs and parameters for the given net phase and
	// returns the bytes reserved. Calling it again reserves nothing.
	Malloc(ctx *Context, phase Phase) int

	// Forward computes the outputs from the inputs.
	Forward(phase Phase)

	// Backward accumulates gradients into the inputs and parameters.
	Backward(phase Phase)

	// Update applies w -= hist to every trainable parameter.
	Update()

	// Params returns the parameters, weight first, then bias.
	Params() []*Parameter

	// ClearDiff and ClearHist zero the parameter gradients and history.
	ClearDiff()
	ClearHist()

	// RandInit fills the parameters from their fillers.
	RandInit(rng *rand.Rand)
}

// Base implements the parts of Layer shared by every variant.
type Base struct {
	node    *config.Node
	phase   Phase
	trainMe bool
	train   bool
	ins     []*Response
	outs    []*Response
	params  []*Parameter
	ctx     *Context
}

// NewBase parses the common attributes of node: "phase" (defaulting to
// defaultPhase) and "train_me" (defaulting to defaultTrain).
func NewBase(node *config.Node, defaultPhase Phase, defaultTrain bool) Base {
	phase, err := ParsePhase(node.StrOr("phase", defaultPhase.String()))
	if err != nil {
		exceptions.Panicf("layer %q: %v", node.Name, err)
	}
	return Base{
		node:    node,
		phase:   phase,
		trainMe: node.BoolOr("train_me", defaultTrain),
	}
}

func (b *Base) Name() string                  { return b.node.Name }
func (b *Base) Type() string                  { return b.node.Type }
func (b *Base) Phase() Phase                  { return b.phase }
func (b *Base) Train() bool                   { return b.train }
func (b *Base) Ins() []*Response              { return b.ins }
func (b *Base) Outs() []*Response             { return b.outs }
func (b *Base) Params() []*Parameter          { return b.params }
func (b *Base) Node() *config.Node            { return b.node }
func (b *Base) Connect(ins, outs []*Response) { b.ins, b.outs = ins, outs }

// Backward is a no-op for layers without a gradient.
func (b *Base) Backward(Phase) {}

// Update applies w -= hist to every trainable parameter.
func (b *Base) Update() {
	if !b.train {
		return
	}
	for _, p := range b.params {
		p.Update()
	}
}

// ClearDiff zeroes the parameter gradients.
func (b *Base) ClearDiff() {
	for _, p := range b.params {
		p.ClearDiff()
	}
}

// ClearHist zeroes the optimizer history.
func (b *Base) ClearHist() {
	for _, p := range b.params {
		p.ClearHist()
	}
}

// RandInit fills every parameter from its filler.
func (b *Base) RandInit(rng *rand.Rand) {
	for _, p := range b.params {
		if p.Data() != nil {
			p.Fill(rng)
		}
	}
}

// fatalf panics with a message naming the layer.
func (b *Base) fatalf(format string, args ...any) {
	exceptions.Panicf("layer %q (%s): "+format, append([]any{b.node.Name, b.node.Type}, args...)...)
}

// start records the Context and the training flag at the beginning of
// Malloc.
func (b *Base) start(ctx *Context, phase Phase) {
	b.ctx = ctx
	b.train = b.trainMe && phase != Testing
}

// checkPairs panics unless the layer has the same, non-zero number of ins and
// outs.
func (b *Base) checkPairs() {
	if len(b.outs) == 0 || len(b.ins) != len(b.outs) {
		b.fatalf("needs matching inputs and outputs, got %d and %d", len(b.ins), len(b.outs))
	}
}

// checkAllocated panics if Malloc has not run.
func (b *Base) checkAllocated() {
	if b.ctx == nil {
		b.fatalf("used before allocation")
	}
}

// weightAndBias creates the "<name>.weight" and, when withBias,
// "<name>.bias" parameters from the filler and multiplier attributes, then
// allocates them. It returns the bytes reserved. A second call only checks
// that the shapes did not change.
func (b *Base) weightAndBias(weightShape, biasShape tensor.Shape, withBias bool) int {
	if len(b.params) > 0 {
		if !b.params[0].Shape().Equal(weightShape) {
			b.fatalf("weight shape changed from %s to %s", b.params[0].Shape(), weightShape)
		}
		return 0
	}
	n := b.node
	wFiller, err := ParseFiller(n.StrOr("weight_filler", Xavier.String()))
	if err != nil {
		b.fatalf("%v", err)
	}
	b.params = append(b.params, NewParameter(n.Name+".weight", weightShape,
		float32(n.FloatOr("weight_lr_mult", 1)), float32(n.FloatOr("weight_decay_mult", 1)),
		wFiller, n.FloatOr("weight_filler_param", 0)))
	if withBias {
		bFiller, err := ParseFiller(n.StrOr("bias_filler", Constant.String()))
		if err != nil {
			b.fatalf("%v", err)
		}
		b.params = append(b.params, NewParameter(n.Name+".bias", biasShape,
			float32(n.FloatOr("bias_lr_mult", 2)), float32(n.FloatOr("bias_decay_mult", 1)),
			bFiller, n.FloatOr("bias_filler_param", 0)))
	}
	bytes := 0
	for _, p := range b.params {
		bytes += p.Malloc(b.ctx.Device, b.train)
	}
	return bytes
}

// spatialOf returns the dimensions after the channel dimension.
func spatialOf(shape tensor.Shape) []int {
	if len(shape) <= 2 {
		return nil
	}
	return append([]int(nil), shape[2:]...)
}
