package cpu

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randSlice(rng *rand.Rand, n int) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = rng.Float32()*2 - 1
	}
	return s
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

func TestGemmMatchesNaive(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	const m, n, k = 5, 7, 3
	for _, tc := range []struct{ ta, tb bool }{{false, false}, {true, false}, {false, true}, {true, true}} {
		a, b := randSlice(rng, m*k), randSlice(rng, k*n)
		c := randSlice(rng, m*n)
		want := make([]float32, m*n)
		for i := 0; i < m; i++ {
			for j := 0; j < n; j++ {
				var s float32
				for p := 0; p < k; p++ {
					av := a[i*k+p]
					if tc.ta {
						av = a[p*m+i]
					}
					bv := b[p*n+j]
					if tc.tb {
						bv = b[j*k+p]
					}
					s += av * bv
				}
				want[i*n+j] = 2*s + 0.5*c[i*n+j]
			}
		}
		Gemm(tc.ta, tc.tb, m, n, k, 2, a, b, 0.5, c)
		assert.InDeltaSlice(t, want, c, 1e-4, "transA=%v transB=%v", tc.ta, tc.tb)
	}
}

func TestConvForwardDiagonalKernel(t *testing.T) {
	s := ConvShape{
		Batch: 1, InChannels: 1, OutChannels: 1, Group: 1,
		In: []int{3, 3}, Window: []int{2, 2}, Padding: []int{0, 0}, Stride: []int{1, 1},
	}
	s.Validate()
	require.Equal(t, []int{2, 2}, s.Out())

	in := []float32{1, 2, 3, 4, 5, 6, 7, 8, 9}
	w := []float32{1, 0, 0, 1}
	out := make([]float32, 4)
	ConvForward(s, in, w, out)
	assert.Equal(t, []float32{6, 8, 12, 14}, out)
}

func TestConvForwardPaddingAndStride(t *testing.T) {
	s := ConvShape{
		Batch: 1, InChannels: 1, OutChannels: 1, Group: 1,
		In: []int{3, 3}, Window: []int{3, 3}, Padding: []int{1, 1}, Stride: []int{2, 2},
	}
	require.Equal(t, []int{2, 2}, s.Out())
	in := []float32{1, 1, 1, 1, 1, 1, 1, 1, 1}
	w := make([]float32, 9)
	Fill(w, 1)
	out := make([]float32, 4)
	ConvForward(s, in, w, out)
	// Every corner window overlaps a 2x2 block of the input.
	assert.Equal(t, []float32{4, 4, 4, 4}, out)
}

// The backward kernels are adjoints of the forward convolution:
// <conv(x, w), dy> = <x, dx> = <w, dw>.
func TestConvBackwardIsAdjoint(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	s := ConvShape{
		Batch: 2, InChannels: 4, OutChannels: 6, Group: 2,
		In: []int{5, 4}, Window: []int{3, 2}, Padding: []int{1, 0}, Stride: []int{2, 1},
	}
	s.Validate()
	oSize := product(s.Out())
	x := randSlice(rng, s.Batch*s.InChannels*product(s.In))
	w := randSlice(rng, s.WeightCount())
	dy := randSlice(rng, s.Batch*s.OutChannels*oSize)

	y := make([]float32, len(dy))
	ConvForward(s, x, w, y)
	lhs := dot(y, dy)

	dx := make([]float32, len(x))
	ConvBackwardData(s, w, dy, dx)
	assert.InDelta(t, lhs, dot(x, dx), 1e-3)

	dw := make([]float32, len(w))
	ConvBackwardFilter(s, x, dy, dw)
	assert.InDelta(t, lhs, dot(w, dw), 1e-3)
}

func TestConvValidatePanics(t *testing.T) {
	s := ConvShape{
		Batch: 1, InChannels: 3, OutChannels: 4, Group: 2,
		In: []int{4}, Window: []int{3}, Padding: []int{0}, Stride: []int{1},
	}
	assert.Panics(t, s.Validate)

	s = ConvShape{
		Batch: 1, InChannels: 2, OutChannels: 2, Group: 1,
		In: []int{2}, Window: []int{5}, Padding: []int{0}, Stride: []int{1},
	}
	assert.Panics(t, s.Validate)
}

func TestMaxPool(t *testing.T) {
	s := PoolShape{
		Batch: 1, Channels: 1,
		In: []int{4, 4}, Window: []int{2, 2}, Padding: []int{0, 0}, Stride: []int{2, 2},
	}
	s.Validate()
	in := []float32{
		1, 2, 5, 6,
		3, 4, 7, 8,
		9, 10, 13, 14,
		11, 12, 15, 16,
	}
	out := make([]float32, 4)
	MaxPoolForward(s, in, out)
	assert.Equal(t, []float32{4, 8, 12, 16}, out)

	din := make([]float32, 16)
	MaxPoolBackward(s, in, out, []float32{1, 2, 3, 4}, din)
	assert.Equal(t, float32(1), din[5])
	assert.Equal(t, float32(2), din[7])
	assert.Equal(t, float32(3), din[13])
	assert.Equal(t, float32(4), din[15])
	assert.InDelta(t, 10, Asum(din), 1e-6)
}

func TestMaxPoolTieGoesToFirst(t *testing.T) {
	s := PoolShape{Batch: 1, Channels: 1, In: []int{4}, Window: []int{4}, Padding: []int{0}, Stride: []int{1}}
	in := []float32{0, 3, 3, 1}
	out := make([]float32, 1)
	MaxPoolForward(s, in, out)
	din := make([]float32, 4)
	MaxPoolBackward(s, in, out, []float32{1}, din)
	assert.Equal(t, []float32{0, 1, 0, 0}, din)
}

func TestAvgPoolCountsPadding(t *testing.T) {
	s := PoolShape{Batch: 1, Channels: 1, In: []int{2}, Window: []int{2}, Padding: []int{1}, Stride: []int{2}}
	require.Equal(t, []int{2}, s.Out())
	out := make([]float32, 2)
	AvgPoolForward(s, []float32{4, 8}, out)
	assert.Equal(t, []float32{2, 4}, out)

	din := make([]float32, 2)
	AvgPoolBackward(s, []float32{1, 1}, din)
	assert.Equal(t, []float32{0.5, 0.5}, din)
}

func TestSoftmax(t *testing.T) {
	const n, c, sp = 2, 3, 2
	rng := rand.New(rand.NewPCG(5, 6))
	x := randSlice(rng, n*c*sp)
	x[0] = 1000 // large logits must not overflow
	y := make([]float32, len(x))
	SoftmaxForward(x, y, n, c, sp)
	for b := 0; b < n; b++ {
		for s := 0; s < sp; s++ {
			var sum float32
			for ch := 0; ch < c; ch++ {
				v := y[(b*c+ch)*sp+s]
				assert.False(t, math.IsNaN(float64(v)))
				sum += v
			}
			assert.InDelta(t, 1, sum, 1e-5)
		}
	}
	assert.InDelta(t, 1, y[0], 1e-6)

	// A uniform upstream gradient has no effect through a softmax.
	dy := make([]float32, len(x))
	Fill(dy, 1)
	dx := make([]float32, len(x))
	SoftmaxBackward(y, dy, dx, n, c, sp)
	for _, v := range dx {
		assert.InDelta(t, 0, v, 1e-6)
	}
}

func TestActivations(t *testing.T) {
	x := []float32{-1, 0, 2}
	y := make([]float32, 3)
	ReLUForward(x, y)
	assert.Equal(t, []float32{0, 0, 2}, y)
	dx := []float32{1, 1, 1}
	ReLUBackward(y, []float32{5, 5, 5}, dx)
	assert.Equal(t, []float32{1, 1, 6}, dx)

	SigmoidForward([]float32{0}, y[:1])
	assert.InDelta(t, 0.5, y[0], 1e-7)
	dx = []float32{0}
	SigmoidBackward(y[:1], []float32{1}, dx)
	assert.InDelta(t, 0.25, dx[0], 1e-7)

	TanhForward([]float32{0}, y[:1])
	assert.Equal(t, float32(0), y[0])
	dx = []float32{0}
	TanhBackward(y[:1], []float32{2}, dx)
	assert.InDelta(t, 2, dx[0], 1e-7)
}

func TestLRNSingleChannelWindow(t *testing.T) {
	p := LRNParams{Size: 1, Alpha: 1, Beta: 0.5, K: 1}
	x := []float32{0, 1, 2, 3}
	y := make([]float32, 4)
	scale := make([]float32, 4)
	LRNForward(p, x, y, scale, 1, 2, 2)
	for i, v := range x {
		assert.InDelta(t, 1+v*v, scale[i], 1e-6)
		assert.InDelta(t, float64(v)/math.Sqrt(float64(1+v*v)), y[i], 1e-6)
	}
}

func TestLRNWindowSpansNeighbours(t *testing.T) {
	p := LRNParams{Size: 3, Alpha: 3, Beta: 1, K: 0}
	// one item, three channels, one position
	x := []float32{1, 2, 3}
	y := make([]float32, 3)
	scale := make([]float32, 3)
	LRNForward(p, x, y, scale, 1, 3, 1)
	assert.InDeltaSlice(t, []float32{5, 14, 13}, scale, 1e-6)
}

func TestDropoutMask(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 8))
	mask := make([]float32, 10000)
	DropoutMask(rng, 0.25, mask)
	zeros := 0
	for _, v := range mask {
		if v == 0 {
			zeros++
		} else {
			assert.InDelta(t, 1/0.75, v, 1e-6)
		}
	}
	assert.InDelta(t, 2500, zeros, 300)
}

func TestROICrop(t *testing.T) {
	// two items of [1, 3, 3], crop [1, 2, 2]
	in := make([]float32, 18)
	for i := range in {
		in[i] = float32(i)
	}
	starts := []float32{0, 0, 0, 0, 1, 1}
	out := make([]float32, 8)
	ROICropForward(in, []int{1, 3, 3}, starts, out, []int{1, 2, 2})
	assert.Equal(t, []float32{0, 1, 3, 4, 13, 14, 16, 17}, out)

	din := make([]float32, 18)
	ROICropBackward(din, []int{1, 3, 3}, starts, []float32{1, 1, 1, 1, 1, 1, 1, 1}, []int{1, 2, 2})
	assert.InDelta(t, 8, Asum(din), 1e-6)
	assert.Equal(t, float32(1), din[17])
	assert.Equal(t, float32(0), din[8])

	assert.Panics(t, func() {
		ROICropForward(in, []int{1, 3, 3}, []float32{0, 2, 2, 0, 0, 0}, out, []int{1, 2, 2})
	})
}

func TestROIPool(t *testing.T) {
	s := ROIPoolShape{Batch: 1, Channels: 1, In: []int{4, 4}, Pooled: []int{2, 2}, NumROIs: 1, SpatialScale: 1}
	in := make([]float32, 16)
	for i := range in {
		in[i] = float32(i)
	}
	// whole image: batch 0, rows 0..3, cols 0..3
	rois := []float32{0, 0, 3, 0, 3}
	out := make([]float32, 4)
	argmax := make([]int, 4)
	ROIPoolForward(s, in, rois, out, argmax)
	assert.Equal(t, []float32{5, 7, 13, 15}, out)
	assert.Equal(t, []int{5, 7, 13, 15}, argmax)

	din := make([]float32, 16)
	ROIPoolBackward([]float32{1, 2, 3, 4}, argmax, din)
	assert.Equal(t, float32(4), din[15])
	assert.InDelta(t, 10, Asum(din), 1e-6)
}

func TestROIPoolEmptyBin(t *testing.T) {
	s := ROIPoolShape{Batch: 1, Channels: 1, In: []int{2, 2}, Pooled: []int{1, 1}, NumROIs: 1, SpatialScale: 1}
	out := []float32{9}
	argmax := []int{0}
	// box entirely outside the image
	ROIPoolForward(s, []float32{1, 2, 3, 4}, []float32{0, 5, 6, 5, 6}, out, argmax)
	assert.Equal(t, float32(0), out[0])
	assert.Equal(t, -1, argmax[0])
}

func TestClassLossAccuracyAndLog(t *testing.T) {
	// two items, three classes, one position
	pred := []float32{
		0.7, 0.2, 0.1,
		0.3, 0.3, 0.4,
	}
	label := []float32{0, 1}
	l := ClassLoss{N: 2, C: 3, M: 1}
	assert.InDelta(t, 1, l.Accuracy(pred, label), 1e-9)
	assert.InDelta(t, -math.Log(0.7)-math.Log(0.3), l.LogLoss(pred, label), 1e-6)

	// ties with the maximum count as correct
	assert.InDelta(t, 2, l.Accuracy([]float32{0.5, 0.5, 0, 0.2, 0.4, 0.4}, []float32{1, 2}), 1e-9)

	l.ClassWeights = []float32{2, 0, 1}
	assert.InDelta(t, 2, l.Accuracy(pred, label), 1e-9)
}

func TestClassLossLogGrad(t *testing.T) {
	pred := []float32{0.5, 0.25, 0.25}
	diff := make([]float32, 3)
	l := ClassLoss{N: 1, C: 3, M: 1}
	l.LogLossGrad(1, pred, []float32{1}, diff)
	assert.Equal(t, []float32{0, -4, 0}, diff)

	// a zero probability is clamped instead of dividing by zero
	diff = make([]float32, 3)
	l.LogLossGrad(1, []float32{1, 0, 0}, []float32{2}, diff)
	assert.False(t, math.IsInf(float64(diff[2]), 0))
	assert.InDelta(t, -0x1p126, float64(diff[2]), 0x1p104)
	assert.Equal(t, []float32{0, 0}, diff[:2])

	loss := l.LogLoss([]float32{1, 0, 0}, []float32{2})
	assert.False(t, math.IsInf(loss, 0))
	assert.InDelta(t, 126*math.Ln2, loss, 1e-9)
}

func TestClassLossStableSoftmaxGrad(t *testing.T) {
	pred := []float32{0.5, 0.25, 0.25, 0.1, 0.6, 0.3}
	label := []float32{2, 1}
	diff := make([]float32, 6)
	l := ClassLoss{N: 2, C: 3, M: 1}
	l.StableSoftmaxGrad(0.5, pred, label, diff)
	assert.InDeltaSlice(t, []float32{0.25, 0.125, -0.375, 0.05, -0.2, 0.15}, diff, 1e-6)
}

func TestClassLossSpatialLayout(t *testing.T) {
	// one item, two classes, two positions: pred is [1, 2, 2]
	pred := []float32{0.9, 0.2, 0.1, 0.8}
	l := ClassLoss{N: 1, C: 2, M: 2}
	assert.InDelta(t, 2, l.Accuracy(pred, []float32{0, 1}), 1e-9)
	assert.InDelta(t, 0, l.Accuracy(pred, []float32{1, 0}), 1e-9)
}

func TestSmoothL1(t *testing.T) {
	pred := []float32{0.5, 3, -2}
	target := []float32{0, 0, 0}
	assert.InDelta(t, 0.125+2.5+1.5, SmoothL1Loss(pred, target, nil), 1e-6)

	diff := make([]float32, 3)
	SmoothL1Grad(2, pred, target, nil, diff)
	assert.Equal(t, []float32{1, 2, -2}, diff)

	assert.InDelta(t, 0.125, SmoothL1Loss([]float32{2}, []float32{1}, []float32{0.5}), 1e-6)
}

func TestContrastive(t *testing.T) {
	// pair 0 similar at distance 1, pair 1 dissimilar at distance 1 with margin 3
	a := []float32{1, 0, 0, 0}
	b := []float32{0, 0, 1, 0}
	y := []float32{1, 0}
	assert.InDelta(t, 0.5+0.5*4, ContrastiveLoss(a, b, y, 2, 2, 3), 1e-6)

	da, db := make([]float32, 4), make([]float32, 4)
	ContrastiveGrad(1, a, b, y, 2, 2, 3, da, db)
	assert.InDelta(t, 1, da[0], 1e-6)
	assert.InDelta(t, -1, db[0], 1e-6)
	// dissimilar pair is pushed apart
	assert.InDelta(t, 2/(1+1e-4), da[2], 1e-5)
	assert.InDelta(t, -2/(1+1e-4), db[2], 1e-5)

	// beyond the margin there is no gradient
	da = make([]float32, 4)
	ContrastiveGrad(1, a, b, y, 2, 2, 0.5, da, nil)
	assert.Equal(t, float32(0), da[2])
}

func TestBiasAndCopyItems(t *testing.T) {
	x := make([]float32, 8) // [2, 2, 2]
	BiasForward(x, []float32{1, 2}, 2, 2, 2)
	assert.Equal(t, []float32{1, 1, 2, 2, 1, 1, 2, 2}, x)
	db := make([]float32, 2)
	BiasBackward(x, db, 2, 2, 2)
	assert.Equal(t, []float32{4, 8}, db)

	out := make([]float32, 6)
	CopyItems(2, []float32{1, 2, 3, 4}, out, 2, 3, 1)
	assert.Equal(t, []float32{0, 1, 2, 0, 3, 4}, out)
	back := make([]float32, 4)
	CopyItemsBackward(2, back, out, 2, 3, 1)
	assert.Equal(t, []float32{1, 2, 3, 4}, back)
}
