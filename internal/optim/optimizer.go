// Package optim implements the parameter update rules and learning rate
// schedules used by the solver.
//
// This package provides:
//   - SGD: momentum SGD with L2 or L1 weight decay over replica gradients
//   - LearningRate: the fixed, step, exp, inv, multistep, poly, sigmoid and
//     cyclical schedules
//
// Gradients of all replicas live next to the update history in one region
// per parameter (see Target), so a single pass sums them and updates the
// history.
//
// Example usage:
//
//	sgd := must.M1(optim.NewSGD(optim.Config{Momentum: 0.9, WeightDecay: 5e-4}))
//	schedule := optim.NewLearningRate(optim.Schedule{Policy: optim.Inv, Base: 0.01, Gamma: 1e-4, Power: 0.75})
//	for iter := range maxIter {
//	    // ... every replica runs forward/backward into its gradient slot ...
//	    lr := schedule.At(iter)
//	    for _, t := range targets {
//	        sgd.Step(lr, t)
//	    }
//	    // ... every replica applies w -= hist ...
//	}
package optim

import (
	"strings"

	"github.com/pkg/errors"
)

// Algorithm names an update rule.
type Algorithm int

const (
	AlgorithmSGD Algorithm = iota
	AlgorithmAdaGrad
	AlgorithmNAG
)

var algorithmNames = [...]string{"SGD", "AdaGrad", "NAG"}

func (a Algorithm) String() string {
	if a < 0 || int(a) >= len(algorithmNames) {
		return "Algorithm(?)"
	}
	return algorithmNames[a]
}

// ParseAlgorithm parses an algorithm name.
func ParseAlgorithm(name string) (Algorithm, error) {
	for i, n := range algorithmNames {
		if n == name {
			return Algorithm(i), nil
		}
	}
	return 0, errors.Errorf("unknown solver %q", name)
}

// Regularizer names the weight decay penalty.
type Regularizer int

const (
	L2 Regularizer = iota
	L1
)

var regularizerNames = [...]string{"L2", "L1"}

func (r Regularizer) String() string {
	if r < 0 || int(r) >= len(regularizerNames) {
		return "Regularizer(?)"
	}
	return regularizerNames[r]
}

// ParseRegularizer parses a regularizer name.
func ParseRegularizer(name string) (Regularizer, error) {
	for i, n := range regularizerNames {
		if n == name {
			return Regularizer(i), nil
		}
	}
	return 0, errors.Errorf("unknown regularizer %q", name)
}

// Config holds the hyperparameters of the update rule.
type Config struct {
	Algorithm   Algorithm
	Regularizer Regularizer
	Momentum    float32 // History decay (default: 0, range: [0, 1))
	WeightDecay float32 // Regularization strength (default: 0)
}

// Target is one trainable parameter as the solver sees it.
type Target struct {
	// Weights are the values the penalty is computed from.
	Weights []float32

	// Region holds (Replicas+1) * len(Weights) values: the update history in
	// slot 0, then the gradient of each replica.
	Region   []float32
	Replicas int

	// LRMult and DecayMult scale the learning rate and the weight decay.
	LRMult    float32
	DecayMult float32
}

// Hist returns the history slot of the region.
func (t Target) Hist() []float32 { return t.Region[:len(t.Weights)] }

// Grad returns the gradient slot of replica r.
func (t Target) Grad(r int) []float32 {
	n := len(t.Weights)
	return t.Region[(r+1)*n : (r+2)*n]
}

func (t Target) validate() error {
	if t.Replicas <= 0 {
		return errors.Errorf("target needs at least one replica, got %d", t.Replicas)
	}
	if len(t.Region) != (t.Replicas+1)*len(t.Weights) {
		return errors.Errorf("region holds %d values, need %d for %d weights and %d replicas",
			len(t.Region), (t.Replicas+1)*len(t.Weights), len(t.Weights), t.Replicas)
	}
	return nil
}

// parsePolicyName accepts both "inv" and "LR_inv".
func parsePolicyName(name string) string {
	return strings.TrimPrefix(name, "LR_")
}
