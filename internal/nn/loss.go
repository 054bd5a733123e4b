package nn

import (
	"fmt"

	"github.com/born-ml/gradnet/internal/backend/cpu"
	"github.com/born-ml/gradnet/internal/config"
)

// LossMode selects the objective of a Loss layer.
type LossMode int

const (
	MultinomialLogisticStableSoftmax LossMode = iota
	MultinomialLogistic
	SmoothL1
	Contrastive
	EuclideanSSE
	HingeL1
	HingeL2
	SigmoidCrossEntropy
	Infogain
)

var lossModeNames = [...]string{
	"MultinomialLogistic_StableSoftmax", "MultinomialLogistic", "SmoothL1", "Contrastive",
	"EuclideanSSE", "HingeL1", "HingeL2", "SigmoidCrossEntropy", "Infogain",
}

func (m LossMode) String() string { return lossModeNames[m] }

func parseLossMode(name string) (LossMode, bool) {
	for i, n := range lossModeNames {
		if n == name {
			return LossMode(i), true
		}
	}
	return 0, false
}

// LossLayer is implemented by layers that score the network output.
type LossLayer interface {
	Layer

	// Eval adds the loss (and accuracy, for classification) of the current
	// forward pass to the running totals.
	Eval()

	// ResetLoss zeroes the running totals.
	ResetLoss()

	// Average divides the running totals by n.
	Average(n int)

	// Loss and Result return the running totals. Result is the accuracy for
	// classification modes and 0 otherwise.
	Loss() float64
	Result() float64

	// Weight returns the loss weight.
	Weight() float64
}

// Loss computes an objective over its inputs (prediction, target and an
// optional weight) and seeds the backward pass. It has no outputs.
//
// EuclideanSSE, HingeL1, HingeL2, SigmoidCrossEntropy and Infogain are
// accepted but contribute nothing.
type Loss struct {
	Base
	mode         LossMode
	weight       float64
	margin       float32
	classWeights []float32

	count  int
	scale  float32
	loss   float64
	result float64
}

// NewLoss creates a Loss layer. "mode" is required; "loss_weight" and
// "margin" default to 1 and "loss_weights" holds optional per-class weights.
func NewLoss(node *config.Node) Layer {
	l := &Loss{
		Base:   NewBase(node, TrainingTesting, false),
		weight: node.FloatOr("loss_weight", 1),
		margin: float32(node.FloatOr("margin", 1)),
	}
	mode, ok := parseLossMode(node.Str("mode"))
	if !ok {
		l.fatalf("unknown loss mode %q", node.Str("mode"))
	}
	l.mode = mode
	for _, w := range node.FloatsOr("loss_weights", nil) {
		l.classWeights = append(l.classWeights, float32(w))
	}
	return l
}

func (l *Loss) Mode() LossMode  { return l.mode }
func (l *Loss) Weight() float64 { return l.weight }
func (l *Loss) Loss() float64   { return l.loss }
func (l *Loss) Result() float64 { return l.result }
func (l *Loss) ResetLoss()      { l.loss, l.result = 0, 0 }

func (l *Loss) Average(n int) {
	l.loss /= float64(n)
	l.result /= float64(n)
}

func (l *Loss) classification() bool {
	return l.mode == MultinomialLogisticStableSoftmax || l.mode == MultinomialLogistic
}

// Malloc validates the inputs and fixes the normalization count: one per
// item and spatial position for classification, one per element for
// SmoothL1 and one per pair for Contrastive.
func (l *Loss) Malloc(ctx *Context, phase Phase) int {
	l.start(ctx, phase)
	if len(l.outs) != 0 || len(l.ins) == 0 {
		l.fatalf("needs inputs and no outputs, got %d and %d", len(l.ins), len(l.outs))
	}
	pred := l.ins[0].Shape()
	switch l.mode {
	case MultinomialLogisticStableSoftmax, MultinomialLogistic:
		l.checkInputs(2, 3)
		label := l.ins[1].Shape()
		if len(label) != len(pred) || label[0] != pred[0] || !label[2:].Equal(pred[2:]) {
			l.fatalf("label %s must match prediction %s except in channels", label, pred)
		}
		if label[1] != 1 {
			l.fatalf("label %s must have one channel", label)
		}
		if len(l.ins) == 3 {
			if n := l.ins[2].NumElements(); n != pred.NumElements() && n != pred.SizeOfItem() {
				l.fatalf("weights %s must hold %d or %d elements", l.ins[2].Shape(), pred.NumElements(), pred.SizeOfItem())
			}
		}
		if len(l.classWeights) > 0 && len(l.classWeights) != pred[1] {
			l.fatalf("%d loss_weights for %d classes", len(l.classWeights), pred[1])
		}
		l.count = pred[0] * pred.SpatialElements()
	case SmoothL1:
		l.checkInputs(2, 3)
		for _, in := range l.ins[1:] {
			if !in.Shape().Equal(pred) {
				l.fatalf("input %q %s must match prediction %s", in.Name(), in.Shape(), pred)
			}
		}
		l.count = pred.NumElements()
	case Contrastive:
		l.checkInputs(3, 3)
		if !l.ins[1].Shape().Equal(pred) || l.ins[2].NumElements() != pred[0] {
			l.fatalf("needs two embeddings of equal shape and one similarity per pair, got %s, %s and %s",
				pred, l.ins[1].Shape(), l.ins[2].Shape())
		}
		l.count = pred[0]
	default:
		l.count = 1
	}
	l.scale = float32(l.weight / float64(l.count))
	return 0
}

func (l *Loss) checkInputs(lo, hi int) {
	if len(l.ins) < lo || len(l.ins) > hi {
		l.fatalf("mode %s needs %d to %d inputs, got %d", l.mode, lo, hi, len(l.ins))
	}
}

// Forward does nothing: the loss is evaluated by Eval.
func (l *Loss) Forward(Phase) { l.checkAllocated() }

func (l *Loss) classLoss() cpu.ClassLoss {
	pred := l.ins[0].Shape()
	cl := cpu.ClassLoss{N: pred[0], C: pred[1], M: pred.SpatialElements(), ClassWeights: l.classWeights}
	if len(l.ins) == 3 {
		cl.Weights = l.ins[2].Data().Float32()
	}
	return cl
}

// labels returns the class labels, panicking on any label outside [0, C).
func (l *Loss) labels() []float32 {
	label := l.ins[1].Data().Float32()
	c := l.ins[0].Shape()[1]
	m := l.ins[0].Shape().SpatialElements()
	for i, v := range label[:l.ins[0].Shape()[0]*m] {
		if v < 0 || int(v) >= c || float32(int(v)) != v {
			l.fatalf("label %g at element %d is not a class in [0, %d)", v, i, c)
		}
	}
	return label
}

func (l *Loss) optional(i int) []float32 {
	if i < len(l.ins) {
		return l.ins[i].Data().Float32()
	}
	return nil
}

// Eval accumulates the loss, and the accuracy for classification, each
// normalized by the count.
func (l *Loss) Eval() {
	l.checkAllocated()
	pred := l.ins[0].Data().Float32()
	var sum float64
	switch l.mode {
	case MultinomialLogisticStableSoftmax, MultinomialLogistic:
		cl := l.classLoss()
		label := l.labels()
		l.result += cl.Accuracy(pred, label) / float64(l.count)
		sum = cl.LogLoss(pred, label)
	case SmoothL1:
		sum = cpu.SmoothL1Loss(pred, l.ins[1].Data().Float32(), l.optional(2))
	case Contrastive:
		c := l.ins[0].SizeOfItem()
		sum = cpu.ContrastiveLoss(pred, l.ins[1].Data().Float32(), l.ins[2].Data().Float32(), l.count, c, l.margin)
	}
	l.loss += sum / float64(l.count)
}

// Backward seeds the prediction gradient, scaled by loss_weight/count, when
// the prediction keeps one.
func (l *Loss) Backward(Phase) {
	l.checkAllocated()
	in := l.ins[0]
	if in.Diff() == nil {
		return
	}
	pred, diff := in.Data().Float32(), in.Diff().Float32()
	switch l.mode {
	case MultinomialLogisticStableSoftmax:
		l.classLoss().StableSoftmaxGrad(l.scale, pred, l.labels(), diff)
	case MultinomialLogistic:
		l.classLoss().LogLossGrad(l.scale, pred, l.labels(), diff)
	case SmoothL1:
		cpu.SmoothL1Grad(l.scale, pred, l.ins[1].Data().Float32(), l.optional(2), diff)
	case Contrastive:
		var db []float32
		if d := l.ins[1].Diff(); d != nil {
			db = d.Float32()
		}
		cpu.ContrastiveGrad(l.scale, pred, l.ins[1].Data().Float32(), l.ins[2].Data().Float32(),
			l.count, in.SizeOfItem(), l.margin, diff, db)
	}
}

// String summarizes the running totals, e.g. "loss = 0.31 * 1  eval = 0.92".
func (l *Loss) String() string {
	s := fmt.Sprintf("loss = %g * %g", l.loss, l.weight)
	if l.classification() {
		s += fmt.Sprintf("  eval = %g", l.result)
	}
	return s
}
