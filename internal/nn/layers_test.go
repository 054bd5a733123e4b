package nn

import (
	"math"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/gradnet/internal/tensor"
)

func TestConvolutionForward(t *testing.T) {
	ctx := newTestContext()
	in := input(ctx, "data", tensor.Shape{1, 1, 3, 3}, []float32{1, 2, 3, 4, 5, 6, 7, 8, 9}, false)
	l := newLayer(t, map[string]any{"type": "Convolution", "name": "conv", "num_output": 1, "window": []int{2, 2}})
	outs := outputs("conv")
	wire(ctx, l, Training, []*Response{in}, outs)

	assert.True(t, l.Train())
	require.Len(t, l.Params(), 2)
	assert.Equal(t, "conv.weight", l.Params()[0].Name())
	assert.Equal(t, tensor.Shape{1, 1, 2, 2}, l.Params()[0].Shape())
	assert.Equal(t, tensor.Shape{1, 1, 1, 1}, l.Params()[1].Shape())
	assert.Equal(t, float32(2), l.Params()[1].LRMult)

	l.Params()[0].Data().CopyFrom([]float32{1, 0, 0, 1})
	l.Params()[1].Data().CopyFrom([]float32{0.5})
	l.Forward(Training)
	assert.Equal(t, tensor.Shape{1, 1, 2, 2}, outs[0].Shape())
	assert.Equal(t, []float32{6.5, 8.5, 12.5, 14.5}, outs[0].Data().Float32())
	assert.True(t, outs[0].NeedDiff())
	assert.Equal(t, []float64{2, 2}, outs[0].ReceptiveField)
}

func TestConvolutionTestingHasNoGradient(t *testing.T) {
	ctx := newTestContext()
	in := input(ctx, "data", tensor.Shape{2, 3, 5, 5}, nil, false)
	l := newLayer(t, map[string]any{
		"type": "Convolution", "name": "conv", "num_output": 4, "window": []int{3, 3},
		"padding": []int{1, 1}, "stride": []int{2, 2},
	})
	outs := outputs("conv")
	wire(ctx, l, Testing, []*Response{in}, outs)
	assert.False(t, l.Train())
	assert.Equal(t, tensor.Shape{2, 4, 3, 3}, outs[0].Shape())
	assert.False(t, outs[0].NeedDiff())
	assert.Nil(t, l.Params()[0].Diff())
	assert.Equal(t, []float64{-1, -1}, outs[0].ReceptiveOffset)
	assert.Equal(t, []float64{2, 2}, outs[0].ReceptiveGap)

	assert.Panics(t, func() {
		newLayer(t, map[string]any{"type": "Convolution", "name": "c", "num_output": 1, "window": []int{3}, "upscale": []int{2}})
	})
}

func TestInnerProduct(t *testing.T) {
	ctx := newTestContext()
	in := input(ctx, "x", tensor.Shape{2, 3}, []float32{1, 2, 3, 4, 5, 6}, true)
	l := newLayer(t, map[string]any{"type": "InnerProduct", "name": "fc", "num_output": 2})
	outs := outputs("fc")
	wire(ctx, l, Training, []*Response{in}, outs)
	require.Equal(t, tensor.Shape{2, 2}, outs[0].Shape())

	w, b := l.Params()[0], l.Params()[1]
	assert.Equal(t, tensor.Shape{2, 3}, w.Shape())
	w.Data().CopyFrom([]float32{1, 0, 0, 0, 1, 1})
	b.Data().CopyFrom([]float32{0.5, -1})
	l.Forward(Training)
	assert.Equal(t, []float32{1.5, 4, 4.5, 10}, outs[0].Data().Float32())

	outs[0].Diff().CopyFrom([]float32{1, 1, 1, 1})
	l.Backward(Training)
	assert.Equal(t, []float32{1, 1, 1, 1, 1, 1}, in.Diff().Float32())
	assert.Equal(t, []float32{5, 7, 9, 5, 7, 9}, w.Diff().Float32())
	assert.Equal(t, []float32{2, 2}, b.Diff().Float32())

	// Gradients accumulate until cleared.
	l.Backward(Training)
	assert.Equal(t, []float32{4, 4}, b.Diff().Float32())
	l.ClearDiff()
	assert.Equal(t, []float32{0, 0}, b.Diff().Float32())
}

func TestInnerProductSharesWeightsAcrossPairs(t *testing.T) {
	ctx := newTestContext()
	a := input(ctx, "a", tensor.Shape{1, 2, 1, 1}, []float32{1, 2}, false)
	b := input(ctx, "b", tensor.Shape{3, 2, 1, 1}, []float32{1, 0, 0, 1, 1, 1}, false)
	l := newLayer(t, map[string]any{"type": "InnerProduct", "name": "fc", "num_output": 1, "bias": false})
	outs := outputs("fa", "fb")
	wire(ctx, l, Training, []*Response{a, b}, outs)
	require.Len(t, l.Params(), 1)
	assert.Equal(t, tensor.Shape{3, 1, 1, 1}, outs[1].Shape())

	l.Params()[0].Data().CopyFrom([]float32{10, 1})
	l.Forward(Training)
	assert.Equal(t, []float32{12}, outs[0].Data().Float32())
	assert.Equal(t, []float32{10, 1, 11}, outs[1].Data().Float32())
}

func TestPooling(t *testing.T) {
	ctx := newTestContext()
	values := make([]float32, 16)
	for i := range values {
		values[i] = float32(i + 1)
	}
	in := input(ctx, "x", tensor.Shape{1, 1, 4, 4}, values, true)
	l := newLayer(t, map[string]any{"type": "Pooling", "name": "pool", "window": []int{2, 2}})
	outs := outputs("pool")
	wire(ctx, l, Training, []*Response{in}, outs)
	assert.Equal(t, tensor.Shape{1, 1, 2, 2}, outs[0].Shape())
	assert.True(t, outs[0].NeedDiff())

	l.Forward(Training)
	assert.Equal(t, []float32{6, 8, 14, 16}, outs[0].Data().Float32())

	outs[0].Diff().CopyFrom([]float32{1, 2, 3, 4})
	l.Backward(Training)
	din := in.Diff().Float32()
	assert.Equal(t, float32(1), din[5])
	assert.Equal(t, float32(4), din[15])
	assert.Equal(t, float32(0), din[0])

	avg := newLayer(t, map[string]any{"type": "Pooling", "name": "avg", "mode": "average", "window": []int{2, 2}})
	avgOut := outputs("avg")
	wire(ctx, avg, Training, []*Response{in}, avgOut)
	avg.Forward(Training)
	assert.Equal(t, []float32{3.5, 5.5, 11.5, 13.5}, avgOut[0].Data().Float32())
}

func TestActivationInPlace(t *testing.T) {
	ctx := newTestContext()
	x := input(ctx, "x", tensor.Shape{1, 4}, []float32{-1, 2, -3, 4}, true)
	l := newLayer(t, map[string]any{"type": "Activation", "name": "relu"})
	assert.Equal(t, 0, wire(ctx, l, Training, []*Response{x}, []*Response{x}))

	l.Forward(Training)
	assert.Equal(t, []float32{0, 2, 0, 4}, x.Data().Float32())
	x.Diff().CopyFrom([]float32{1, 1, 1, 1})
	l.Backward(Training)
	assert.Equal(t, []float32{0, 1, 0, 1}, x.Diff().Float32())
}

func TestActivationModes(t *testing.T) {
	ctx := newTestContext()
	x := input(ctx, "x", tensor.Shape{1, 1}, []float32{0}, true)
	for mode, want := range map[string]float32{"Sigmoid": 0.5, "TanH": 0, "ReLU": 0} {
		l := newLayer(t, map[string]any{"type": "Activation", "name": mode, "mode": mode})
		outs := outputs(mode)
		wire(ctx, l, Training, []*Response{x}, outs)
		l.Forward(Training)
		assert.Equal(t, want, outs[0].Data().Float32()[0], mode)
	}
	assert.Panics(t, func() { newLayer(t, map[string]any{"type": "Activation", "name": "a", "mode": "GELU"}) })
}

func TestSoftmax(t *testing.T) {
	ctx := newTestContext()
	x := input(ctx, "x", tensor.Shape{1, 2}, []float32{0, 0}, true)
	l := newLayer(t, map[string]any{"type": "Softmax", "name": "prob"})
	outs := outputs("prob")
	wire(ctx, l, Training, []*Response{x}, outs)
	l.Forward(Training)
	assert.InDeltaSlice(t, []float32{0.5, 0.5}, outs[0].Data().Float32(), 1e-6)

	outs[0].Diff().CopyFrom([]float32{0.3, -0.3})
	l.Backward(Training)
	assert.Equal(t, []float32{0.3, -0.3}, x.Diff().Float32())

	full := newLayer(t, map[string]any{"type": "Softmax", "name": "full", "stable_gradient": false})
	fullOut := outputs("full")
	wire(ctx, full, Training, []*Response{x}, fullOut)
	full.Forward(Training)
	x.ClearDiff()
	fullOut[0].Diff().CopyFrom([]float32{1, 1})
	full.Backward(Training)
	assert.InDeltaSlice(t, []float32{0, 0}, x.Diff().Float32(), 1e-6)
}

func TestDropout(t *testing.T) {
	ctx := newTestContext()
	values := make([]float32, 1000)
	for i := range values {
		values[i] = 1
	}
	x := input(ctx, "x", tensor.Shape{1, 1000}, values, true)
	l := newLayer(t, map[string]any{"type": "Dropout", "name": "drop"})
	outs := outputs("drop")
	wire(ctx, l, Training, []*Response{x}, outs)

	l.Forward(Testing)
	assert.Equal(t, values, outs[0].Data().Float32())

	l.Forward(Training)
	kept := 0
	for _, v := range outs[0].Data().Float32() {
		switch v {
		case 2:
			kept++
		case 0:
		default:
			t.Fatalf("unexpected dropout output %g", v)
		}
	}
	assert.InDelta(t, 500, kept, 100)

	outs[0].Diff().CopyFrom(values)
	l.Backward(Training)
	assert.Equal(t, outs[0].Data().Float32(), x.Diff().Float32())
}

func TestLRN(t *testing.T) {
	ctx := newTestContext()
	x := input(ctx, "x", tensor.Shape{1, 3, 1, 1}, []float32{1, 2, 3}, true)
	l := newLayer(t, map[string]any{"type": "LRN", "name": "norm", "local_size": 1, "alpha": 1.0, "beta": 1.0})
	outs := outputs("norm")
	wire(ctx, l, Training, []*Response{x}, outs)
	l.Forward(Training)
	// y = x / (1 + x²)
	assert.InDeltaSlice(t, []float32{0.5, 0.4, 0.3}, outs[0].Data().Float32(), 1e-6)

	assert.Panics(t, func() { newLayer(t, map[string]any{"type": "LRN", "name": "n", "local_size": 17}) })
	assert.Panics(t, func() { newLayer(t, map[string]any{"type": "LRN", "name": "n", "beta": 0.001}) })
	assert.Panics(t, func() { newLayer(t, map[string]any{"type": "LRN", "name": "n", "mode": "DivisiveNormalization"}) })
	assert.Panics(t, func() { wire(ctx, newLayer(t, map[string]any{"type": "LRN", "name": "n"}), Training, []*Response{x}, []*Response{x}) })
}

func TestReshape(t *testing.T) {
	ctx := newTestContext()
	x := input(ctx, "x", tensor.Shape{2, 3, 2}, []float32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}, true)
	l := newLayer(t, map[string]any{"type": "Reshape", "name": "flat", "shape": []int{0, -1}})
	outs := outputs("flat")
	wire(ctx, l, Training, []*Response{x}, outs)
	assert.Equal(t, tensor.Shape{2, 6}, outs[0].Shape())
	l.Forward(Training)
	assert.Equal(t, x.Data().Float32(), outs[0].Data().Float32())

	cpuFill(outs[0].Diff().Float32(), 1)
	l.Backward(Training)
	l.Backward(Training)
	assert.Equal(t, float32(2), x.Diff().Float32()[7])

	assert.Panics(t, func() { newLayer(t, map[string]any{"type": "Reshape", "name": "r", "shape": []int{-1, -1}}) })
	bad := newLayer(t, map[string]any{"type": "Reshape", "name": "r", "shape": []int{5, 0}})
	assert.Panics(t, func() { wire(ctx, bad, Training, []*Response{x}, outputs("r")) })
}

func cpuFill(x []float32, v float32) {
	for i := range x {
		x[i] = v
	}
}

func TestROI(t *testing.T) {
	ctx := newTestContext()
	values := make([]float32, 2*4*4)
	for i := range values {
		values[i] = float32(i)
	}
	data := input(ctx, "data", tensor.Shape{2, 4, 4}, values, true)
	boxes := input(ctx, "boxes", tensor.Shape{2, 2}, []float32{1, 1, 0, 2}, false)
	l := newLayer(t, map[string]any{"type": "ROI", "name": "crop", "shape": []int{2, 0}})
	outs := outputs("crop")
	wire(ctx, l, Training, []*Response{data, boxes}, outs)
	// The second dimension is copied from the input, so its start must be 0.
	assert.Equal(t, tensor.Shape{2, 2, 4}, outs[0].Shape())
	assert.Panics(t, func() { l.Forward(Training) })

	boxes.Data().CopyFrom([]float32{1, 0, 2, 0})
	l.Forward(Training)
	assert.Equal(t, []float32{4, 5, 6, 7, 8, 9, 10, 11}, outs[0].Data().Float32()[:8])
	assert.Equal(t, []float32{24, 25, 26, 27, 28, 29, 30, 31}, outs[0].Data().Float32()[8:])

	cpuFill(outs[0].Diff().Float32(), 1)
	l.Backward(Training)
	assert.Equal(t, float32(1), data.Diff().Float32()[4])
	assert.Equal(t, float32(0), data.Diff().Float32()[0])
}

func TestROIPooling(t *testing.T) {
	ctx := newTestContext()
	values := make([]float32, 16)
	for i := range values {
		values[i] = float32(i)
	}
	data := input(ctx, "data", tensor.Shape{1, 1, 4, 4}, values, true)
	boxes := input(ctx, "boxes", tensor.Shape{1, 5}, []float32{0, 0, 3, 0, 3}, false)
	l := newLayer(t, map[string]any{"type": "ROIPooling", "name": "rp", "shape": []int{2, 2}, "spatial_scale": 1.0})
	outs := outputs("rp")
	wire(ctx, l, Training, []*Response{data, boxes}, outs)
	assert.Equal(t, tensor.Shape{1, 1, 2, 2}, outs[0].Shape())
	l.Forward(Training)
	assert.Equal(t, []float32{5, 7, 13, 15}, outs[0].Data().Float32())

	cpuFill(outs[0].Diff().Float32(), 1)
	l.Backward(Training)
	assert.Equal(t, float32(1), data.Diff().Float32()[15])

	assert.Panics(t, func() { newLayer(t, map[string]any{"type": "ROIPooling", "name": "rp", "shape": []int{2, 2}}) })
}

func TestElementWiseEql(t *testing.T) {
	ctx := newTestContext()
	a := input(ctx, "a", tensor.Shape{1, 3}, []float32{1, 2, 3}, false)
	b := input(ctx, "b", tensor.Shape{1, 3}, []float32{1, 0, 3}, false)
	l := newLayer(t, map[string]any{"type": "ElementWise", "name": "eq", "mode": "eql"})
	outs := outputs("eq")
	wire(ctx, l, Testing, []*Response{a, b}, outs)
	l.Forward(Testing)
	assert.Equal(t, []float32{1, 0, 1}, outs[0].Data().Float32())
	assert.NotPanics(t, func() { l.Backward(Testing) })

	assert.Panics(t, func() { newLayer(t, map[string]any{"type": "ElementWise", "name": "m", "mode": "mul"}) })
	single := newLayer(t, map[string]any{"type": "ElementWise", "name": "s", "mode": "eql"})
	assert.Panics(t, func() { wire(ctx, single, Testing, []*Response{a}, outputs("s")) })
}

func TestConcat(t *testing.T) {
	ctx := newTestContext()
	a := input(ctx, "a", tensor.Shape{1, 1, 2}, []float32{1, 2}, true)
	b := input(ctx, "b", tensor.Shape{1, 2, 2}, []float32{3, 4, 5, 6}, true)
	a.ReceptiveField[0], b.ReceptiveField[0] = 3, 5
	a.ReceptiveOffset[0], b.ReceptiveOffset[0] = -1, 0
	l := newLayer(t, map[string]any{"type": "Concat", "name": "cat"})
	outs := outputs("cat")
	wire(ctx, l, Training, []*Response{a, b}, outs)
	assert.Equal(t, tensor.Shape{1, 3, 2}, outs[0].Shape())
	assert.Equal(t, []float64{5}, outs[0].ReceptiveField)
	assert.Equal(t, []float64{-1}, outs[0].ReceptiveOffset)

	l.Forward(Training)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, outs[0].Data().Float32())

	outs[0].Diff().CopyFrom([]float32{1, 2, 3, 4, 5, 6})
	l.Backward(Training)
	assert.Equal(t, []float32{1, 2}, a.Diff().Float32())
	assert.Equal(t, []float32{3, 4, 5, 6}, b.Diff().Float32())
}

func TestLossMultinomialLogistic(t *testing.T) {
	ctx := newTestContext()
	pred := input(ctx, "prob", tensor.Shape{2, 2}, []float32{0.25, 0.75, 0.5, 0.5}, true)
	label := input(ctx, "label", tensor.Shape{2, 1}, []float32{1, 0}, false)
	l := newLayer(t, map[string]any{"type": "Loss", "name": "loss", "mode": "MultinomialLogistic"}).(*Loss)
	wire(ctx, l, Training, []*Response{pred, label}, nil)

	l.Eval()
	assert.InDelta(t, 1.0, l.Result(), 1e-9)
	want := (-math.Log(0.75) - math.Log(0.5)) / 2
	assert.InDelta(t, want, l.Loss(), 1e-6)
	l.Eval()
	l.Average(2)
	assert.InDelta(t, want, l.Loss(), 1e-6)
	assert.Contains(t, l.String(), "eval = 1")

	l.Backward(Training)
	assert.InDeltaSlice(t, []float32{0, -0.5 / 0.75, -1, 0}, pred.Diff().Float32(), 1e-6)

	l.ResetLoss()
	assert.Zero(t, l.Loss())
}

func TestLossRejectsLabelsOutsideClasses(t *testing.T) {
	for _, mode := range []string{"MultinomialLogistic", "MultinomialLogistic_StableSoftmax"} {
		for _, bad := range []float32{2, -1, 0.5} {
			ctx := newTestContext()
			pred := input(ctx, "prob", tensor.Shape{2, 2}, []float32{0.25, 0.75, 0.5, 0.5}, true)
			label := input(ctx, "label", tensor.Shape{2, 1}, []float32{1, bad}, false)
			l := newLayer(t, map[string]any{"type": "Loss", "name": "loss", "mode": mode}).(*Loss)
			wire(ctx, l, Training, []*Response{pred, label}, nil)

			err := exceptions.TryCatch[error](l.Eval)
			require.Error(t, err, "mode %s label %g", mode, bad)
			assert.Contains(t, err.Error(), "not a class in [0, 2)")
			err = exceptions.TryCatch[error](func() { l.Backward(Training) })
			require.Error(t, err, "mode %s label %g", mode, bad)
			assert.Contains(t, err.Error(), "at element 1")
		}
	}
}

func TestLossStableSoftmaxWithClassWeights(t *testing.T) {
	ctx := newTestContext()
	pred := input(ctx, "prob", tensor.Shape{1, 2, 2}, []float32{0.5, 0.25, 0.5, 0.75}, true)
	label := input(ctx, "label", tensor.Shape{1, 1, 2}, []float32{0, 1}, false)
	l := newLayer(t, map[string]any{
		"type": "Loss", "name": "loss", "mode": "MultinomialLogistic_StableSoftmax",
		"loss_weight": 2.0, "loss_weights": []float64{1, 3},
	}).(*Loss)
	wire(ctx, l, Training, []*Response{pred, label}, nil)
	l.Backward(Training)
	// scale = 2/2; position 0 (label 0, weight 1), position 1 (label 1, weight 3).
	assert.InDeltaSlice(t, []float32{0.5 - 1, 0.75, 0.5, 2.25 - 3}, pred.Diff().Float32(), 1e-6)

	wrongLabel := input(ctx, "label2", tensor.Shape{1, 2, 2}, nil, false)
	bad := newLayer(t, map[string]any{"type": "Loss", "name": "bad", "mode": "MultinomialLogistic"})
	assert.Panics(t, func() { wire(ctx, bad, Training, []*Response{pred, wrongLabel}, nil) })
}

func TestLossSmoothL1AndContrastive(t *testing.T) {
	ctx := newTestContext()
	pred := input(ctx, "pred", tensor.Shape{1, 2}, []float32{0.5, 3}, true)
	target := input(ctx, "target", tensor.Shape{1, 2}, []float32{0, 0}, false)
	l := newLayer(t, map[string]any{"type": "Loss", "name": "l1", "mode": "SmoothL1"}).(*Loss)
	wire(ctx, l, Training, []*Response{pred, target}, nil)
	l.Eval()
	assert.InDelta(t, (0.125+2.5)/2, l.Loss(), 1e-6)
	assert.Zero(t, l.Result())
	l.Backward(Training)
	assert.InDeltaSlice(t, []float32{0.25, 0.5}, pred.Diff().Float32(), 1e-6)

	a := input(ctx, "a", tensor.Shape{2, 2}, []float32{0, 0, 0, 0}, true)
	b := input(ctx, "b", tensor.Shape{2, 2}, []float32{3, 4, 0, 0.5}, true)
	y := input(ctx, "y", tensor.Shape{2, 1}, []float32{1, 0}, false)
	c := newLayer(t, map[string]any{"type": "Loss", "name": "siamese", "mode": "Contrastive", "margin": 1.0}).(*Loss)
	wire(ctx, c, Training, []*Response{a, b, y}, nil)
	c.Eval()
	// similar pair: ½·25; dissimilar pair at distance 0.5: ½·0.25.
	assert.InDelta(t, (12.5+0.125)/2, c.Loss(), 1e-6)
	c.Backward(Training)
	assert.InDelta(t, -1.5, a.Diff().Float32()[0], 1e-6)
	assert.InDelta(t, 1.5, b.Diff().Float32()[0], 1e-6)
}

func TestLossAcceptsUnimplementedModes(t *testing.T) {
	ctx := newTestContext()
	pred := input(ctx, "pred", tensor.Shape{1, 2}, []float32{1, 2}, true)
	l := newLayer(t, map[string]any{"type": "Loss", "name": "sse", "mode": "EuclideanSSE"}).(*Loss)
	wire(ctx, l, Training, []*Response{pred, pred}, nil)
	l.Eval()
	l.Backward(Training)
	assert.Zero(t, l.Loss())
	assert.Equal(t, []float32{0, 0}, pred.Diff().Float32())
	assert.Panics(t, func() { newLayer(t, map[string]any{"type": "Loss", "name": "x", "mode": "Huber"}) })
}

func TestForwardBeforeMallocPanics(t *testing.T) {
	l := newLayer(t, map[string]any{"type": "Activation", "name": "relu"})
	assert.Panics(t, func() { l.Forward(Training) })
}
