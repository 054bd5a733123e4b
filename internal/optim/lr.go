package optim

import (
	"math"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Policy names a learning rate schedule.
type Policy int

const (
	Fixed Policy = iota
	Step
	Exp
	Inv
	MultiStep
	Poly
	Sigmoid
	Cyclical
)

var policyNames = [...]string{"fixed", "step", "exp", "inv", "multistep", "poly", "sigmoid", "cyclical"}

func (p Policy) String() string {
	if p < 0 || int(p) >= len(policyNames) {
		return "Policy(?)"
	}
	return policyNames[p]
}

// ParsePolicy parses a policy name such as "inv" or "LR_inv".
func ParsePolicy(name string) (Policy, error) {
	name = parsePolicyName(name)
	for i, n := range policyNames {
		if n == name {
			return Policy(i), nil
		}
	}
	return 0, errors.Errorf("unknown lr_policy %q", name)
}

// Schedule holds the parameters of a learning rate schedule.
type Schedule struct {
	Policy    Policy
	Base      float64
	Gamma     float64
	Power     float64
	StepSize  int
	StepValue []int
	MaxIter   int
}

// LearningRate computes the rate of a Schedule per iteration. MultiStep is
// stateful: it advances at most one step per call, so At must be called for
// every iteration in order.
type LearningRate struct {
	Schedule
	current int
}

// NewLearningRate creates a LearningRate for s.
func NewLearningRate(s Schedule) *LearningRate {
	return &LearningRate{Schedule: s}
}

// CurrentStep returns the number of steps taken by the step and multistep
// policies so far.
func (lr *LearningRate) CurrentStep() int { return lr.current }

// At returns the learning rate for iteration iter.
func (lr *LearningRate) At(iter int) float64 {
	it := float64(iter)
	switch lr.Policy {
	case Fixed:
		return lr.Base
	case Step:
		lr.current = iter / lr.StepSize
		return lr.Base * math.Pow(lr.Gamma, float64(lr.current))
	case Exp:
		return lr.Base * math.Pow(lr.Gamma, it)
	case Inv:
		return lr.Base * math.Pow(1+lr.Gamma*it, -lr.Power)
	case MultiStep:
		if lr.current < len(lr.StepValue) && iter >= lr.StepValue[lr.current] {
			lr.current++
			klog.Infof("multistep: iteration %d, step = %d", iter, lr.current)
		}
		return lr.Base * math.Pow(lr.Gamma, float64(lr.current))
	case Poly:
		return lr.Base * math.Pow(1-it/float64(lr.MaxIter), lr.Power)
	case Sigmoid:
		return lr.Base / (1 + math.Exp(-lr.Gamma*(it-float64(lr.StepSize))))
	default:
		// Cyclical is accepted but has no schedule yet.
		return 0
	}
}
