package optim

import (
	"math"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	p, err := ParsePolicy("LR_poly")
	require.NoError(t, err)
	assert.Equal(t, Poly, p)
	p, err = ParsePolicy("inv")
	require.NoError(t, err)
	assert.Equal(t, Inv, p)
	_, err = ParsePolicy("cosine")
	assert.Error(t, err)

	a, err := ParseAlgorithm("NAG")
	require.NoError(t, err)
	assert.Equal(t, AlgorithmNAG, a)
	r, err := ParseRegularizer("L1")
	require.NoError(t, err)
	assert.Equal(t, "L1", r.String())
	_, err = ParseRegularizer("elastic")
	assert.Error(t, err)
}

func TestInvLearningRate(t *testing.T) {
	lr := NewLearningRate(Schedule{Policy: Inv, Base: 0.01, Gamma: 1e-4, Power: 0.75})
	assert.InDelta(t, 0.01, lr.At(0), 1e-12)
	assert.InDelta(t, 0.01*math.Pow(2, -0.75), lr.At(10000), 1e-12)
	prev := lr.At(0)
	for iter := 100; iter <= 5000; iter += 100 {
		cur := lr.At(iter)
		assert.Less(t, cur, prev, "iteration %d", iter)
		prev = cur
	}
}

func TestLearningRatePolicies(t *testing.T) {
	for _, tc := range []struct {
		name string
		s    Schedule
		iter int
		want float64
	}{
		{"fixed", Schedule{Policy: Fixed, Base: 0.3}, 1234, 0.3},
		{"step", Schedule{Policy: Step, Base: 1, Gamma: 0.1, StepSize: 10}, 25, 0.01},
		{"exp", Schedule{Policy: Exp, Base: 2, Gamma: 0.5}, 3, 0.25},
		{"poly", Schedule{Policy: Poly, Base: 1, Power: 2, MaxIter: 10}, 5, 0.25},
		{"sigmoid", Schedule{Policy: Sigmoid, Base: 1, Gamma: 1, StepSize: 5}, 5, 0.5},
		{"cyclical", Schedule{Policy: Cyclical, Base: 1}, 7, 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, NewLearningRate(tc.s).At(tc.iter), 1e-12)
		})
	}
}

func TestMultiStepAdvancesOncePerCall(t *testing.T) {
	lr := NewLearningRate(Schedule{Policy: MultiStep, Base: 1, Gamma: 0.1, StepValue: []int{2, 4}})
	want := []float64{1, 1, 0.1, 0.1, 0.01, 0.01}
	for iter, w := range want {
		assert.InDelta(t, w, lr.At(iter), 1e-12, "iteration %d", iter)
	}
	assert.Equal(t, 2, lr.CurrentStep())

	// Starting late, the schedule catches up one step per call.
	lr = NewLearningRate(Schedule{Policy: MultiStep, Base: 1, Gamma: 0.1, StepValue: []int{2, 4}})
	assert.InDelta(t, 0.1, lr.At(10), 1e-12)
	assert.InDelta(t, 0.01, lr.At(11), 1e-12)
}

func target() Target {
	return Target{
		Weights: []float32{1, -2},
		// hist, replica 0, replica 1
		Region:    []float32{1, 0, 0.5, 1, 0.5, -1},
		Replicas:  2,
		LRMult:    2,
		DecayMult: 1,
	}
}

func TestSGDL2(t *testing.T) {
	sgd := must.M1(NewSGD(Config{Momentum: 0.9, WeightDecay: 0.1}))
	tg := target()
	sgd.Step(0.5, tg)
	// g = 0.1*1 + 0.5 + 0.5 and g = 0.1*-2 + 1 - 1
	assert.InDeltaSlice(t, []float32{0.9 + 1.1, -0.2}, tg.Hist(), 1e-6)
	assert.Equal(t, []float32{0.5, 1}, tg.Grad(0))
	assert.Equal(t, []float32{0.5, -1}, tg.Grad(1))
	assert.Equal(t, []float32{1, -2}, tg.Weights)
}

func TestSGDL1(t *testing.T) {
	sgd := must.M1(NewSGD(Config{Regularizer: L1, Momentum: 0.9, WeightDecay: 0.1}))
	tg := target()
	sgd.Step(0.5, tg)
	assert.InDeltaSlice(t, []float32{0.9 + 1.1, -0.1}, tg.Hist(), 1e-6)
}

func TestSGDRejects(t *testing.T) {
	_, err := NewSGD(Config{Algorithm: AlgorithmAdaGrad})
	assert.Error(t, err)
	_, err = NewSGD(Config{Momentum: 1})
	assert.Error(t, err)
	_, err = NewSGD(Config{WeightDecay: -1})
	assert.Error(t, err)

	sgd := must.M1(NewSGD(Config{}))
	bad := target()
	bad.Replicas = 3
	assert.Panics(t, func() { sgd.Step(0.1, bad) })
}
