// Package net assembles layers into a directed acyclic graph and drives
// them.
//
// A Net is built from the ordered layer list of an architecture
// description. Layers run in list order on Forward and in reverse on
// Backward; Responses are created the first time a layer names them and are
// shared by every layer that names them again.
//
// Example:
//
//	desc := must.M1(config.Load("mnist.yaml"))
//	n := net.Build(desc.Layers, nn.NewContext(device.NewHost(0), 1))
//	n.Malloc(nn.Testing)
//	must.M(n.LoadWeights(ctx, "mnist.gradnet"))
//	results, err := n.Test(ctx, nil, nil, 0)
package net

import (
	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/born-ml/gradnet/internal/config"
	"github.com/born-ml/gradnet/internal/nn"
)

// Net is a graph of layers sharing one nn.Context.
type Net struct {
	ctx       *nn.Context
	phase     nn.Phase
	layers    []nn.Layer
	responses []*nn.Response
	byName    map[string]*nn.Response
	losses    []nn.LossLayer

	// TrainIter is the number of forward/backward passes per StepTrain.
	TrainIter int
	// TestIter is the number of forward passes per StepTest.
	TestIter int
}

// Build creates the layers of arch in order and wires them. Outputs are
// wired before inputs, so a layer naming the same Response on both sides
// works in place. An unknown layer type panics.
func Build(arch []*config.Node, ctx *nn.Context) *Net {
	n := &Net{
		ctx:       ctx,
		byName:    make(map[string]*nn.Response),
		TrainIter: 1,
		TestIter:  1,
	}
	for _, node := range arch {
		ctor, ok := nn.Lookup(node.Type)
		if !ok {
			exceptions.Panicf("layer %q has unknown type %q, known types are %v", node.Name, node.Type, nn.Types())
		}
		l := ctor(node)
		outs := n.wire(node.Out)
		ins := n.wire(node.In)
		l.Connect(ins, outs)
		n.layers = append(n.layers, l)
		if loss, ok := l.(nn.LossLayer); ok {
			n.losses = append(n.losses, loss)
		}
		klog.V(1).Infof("layer %-20s %-14s in %v out %v", node.Name, node.Type, node.In, node.Out)
	}
	return n
}

func (n *Net) wire(names []string) []*nn.Response {
	rs := make([]*nn.Response, len(names))
	for i, name := range names {
		r, ok := n.byName[name]
		if !ok {
			r = nn.NewResponse(name)
			n.byName[name] = r
			n.responses = append(n.responses, r)
		}
		rs[i] = r
	}
	return rs
}

// Context returns the Context shared by the layers.
func (n *Net) Context() *nn.Context { return n.ctx }

// Phase returns the phase the net currently runs in.
func (n *Net) Phase() nn.Phase { return n.phase }

// SetPhase switches the phase used by Forward, Backward and Eval.
func (n *Net) SetPhase(phase nn.Phase) { n.phase = phase }

// Layers returns the layers in construction order.
func (n *Net) Layers() []nn.Layer { return n.layers }

// Losses returns the Loss layers in construction order.
func (n *Net) Losses() []nn.LossLayer { return n.losses }

// Layer returns the layer with the given name, or nil.
func (n *Net) Layer(name string) nn.Layer {
	for _, l := range n.layers {
		if l.Name() == name {
			return l
		}
	}
	return nil
}

// Response returns the Response with the given name, or nil.
func (n *Net) Response(name string) *nn.Response { return n.byName[name] }

// mustResponse returns the named Response or panics.
func (n *Net) mustResponse(name string) *nn.Response {
	r := n.byName[name]
	if r == nil {
		exceptions.Panicf("no response named %q", name)
	}
	return r
}

// runs reports whether l takes part in the current phase.
func (n *Net) runs(l nn.Layer) bool { return l.Phase().Runs(n.phase) }

// Malloc sizes every layer for phase and returns the bytes reserved. A
// Training net also sizes its Testing layers so that StepTest can run on it;
// a Testing net skips Training-only layers. Calling Malloc again reserves
// nothing.
func (n *Net) Malloc(phase nn.Phase) int {
	n.phase = phase
	total := 0
	for _, l := range n.layers {
		if phase == nn.Testing && l.Phase() == nn.Training {
			continue
		}
		bytes := l.Malloc(n.ctx, phase)
		klog.V(1).Infof("malloc %-20s %s", l.Name(), humanize.Bytes(uint64(bytes)))
		total += bytes
	}
	klog.Infof("%s: reserved %s for %s", n.ctx.Device.Name(), humanize.Bytes(uint64(total)), phase)
	return total
}

// RandInit fills every parameter from its filler.
func (n *Net) RandInit() {
	for _, l := range n.layers {
		l.RandInit(n.ctx.Rand)
	}
}

// NumParams returns the number of parameter values.
func (n *Net) NumParams() int {
	total := 0
	for _, l := range n.layers {
		for _, p := range l.Params() {
			total += p.NumElements()
		}
	}
	return total
}

// Forward runs the layers of the current phase in construction order.
func (n *Net) Forward() {
	for i, l := range n.layers {
		if !n.runs(l) {
			continue
		}
		l.Forward(n.phase)
		if n.ctx.Debug {
			n.debugForward(i, l)
		}
	}
}

// Backward clears every Response gradient, then runs the layers of the
// current phase in reverse order.
func (n *Net) Backward() {
	for _, r := range n.responses {
		r.ClearDiff()
	}
	for i := len(n.layers) - 1; i >= 0; i-- {
		l := n.layers[i]
		if !n.runs(l) {
			continue
		}
		l.Backward(n.phase)
		if n.ctx.Debug {
			n.debugBackward(i, l)
		}
	}
}

func (n *Net) debugForward(i int, l nn.Layer) {
	if !klog.V(2).Enabled() {
		return
	}
	for _, p := range l.Params() {
		klog.Infof("[forward] layer[%d] %s %s.data %g", i, l.Name(), p.Name(), absMean(p.Data().Float32()))
	}
	for o, r := range l.Outs() {
		klog.Infof("[forward] layer[%d] %s out[%d] %s.data %g", i, l.Name(), o, r.Name(), r.AbsMeanData())
		if r.CheckNaN() {
			klog.Warningf("layer %q: out[%d] %q holds NaN", l.Name(), o, r.Name())
		}
	}
}

func (n *Net) debugBackward(i int, l nn.Layer) {
	if !klog.V(2).Enabled() {
		return
	}
	for _, p := range l.Params() {
		if p.Diff() != nil {
			klog.Infof("[backward] layer[%d] %s %s.diff %g", i, l.Name(), p.Name(), absMean(p.Diff().Float32()))
		}
	}
	for j, r := range l.Ins() {
		if d := r.AbsMeanDiff(); d >= 0 {
			klog.Infof("[backward] layer[%d] %s in[%d] %s.diff %g", i, l.Name(), j, r.Name(), d)
		}
	}
}

func absMean(values []float32) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		if v < 0 {
			v = -v
		}
		sum += float64(v)
	}
	return sum / float64(len(values))
}

// Update applies w -= hist on every trainable layer.
func (n *Net) Update() {
	for _, l := range n.layers {
		l.Update()
	}
}

// ClearDiff zeroes the parameter gradients of every layer.
func (n *Net) ClearDiff() {
	for _, l := range n.layers {
		l.ClearDiff()
	}
}

// DataLayer returns the first data layer running in phase, or nil.
func (n *Net) DataLayer(phase nn.Phase) nn.DataLayer {
	for _, l := range n.layers {
		if d, ok := l.(nn.DataLayer); ok && l.Phase().Runs(phase) {
			return d
		}
	}
	return nil
}

// Close stops the DiskData producers and releases every Response and
// Parameter.
func (n *Net) Close() error {
	var firstErr error
	for _, l := range n.layers {
		if c, ok := l.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	for _, r := range n.responses {
		r.Free()
	}
	for _, l := range n.layers {
		for _, p := range l.Params() {
			p.Free()
		}
	}
	return firstErr
}
