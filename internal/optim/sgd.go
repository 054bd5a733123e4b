package optim

import (
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/born-ml/gradnet/internal/parallel"
)

// SGD implements momentum SGD with weight decay over the summed gradients
// of all replicas.
//
// Update rule (L2):
//
//	g    = decay * w + Σ_r grad_r
//	hist = momentum * hist + lr * g
//
// With L1 the penalty term is decay * sign(w). The weights themselves are
// changed by the caller, which applies w -= hist on every replica.
type SGD struct {
	cfg Config
	par parallel.Config
}

// NewSGD creates an SGD update rule. Only the SGD algorithm is implemented.
func NewSGD(cfg Config) (*SGD, error) {
	if cfg.Algorithm != AlgorithmSGD {
		return nil, errors.Errorf("solver %s is not implemented, only SGD is", cfg.Algorithm)
	}
	if cfg.Momentum < 0 || cfg.Momentum >= 1 {
		return nil, errors.Errorf("momentum must be in [0, 1), got %g", cfg.Momentum)
	}
	if cfg.WeightDecay < 0 {
		return nil, errors.Errorf("weight decay must not be negative, got %g", cfg.WeightDecay)
	}
	return &SGD{cfg: cfg, par: parallel.DefaultConfig()}, nil
}

// Config returns the hyperparameters.
func (s *SGD) Config() Config { return s.cfg }

// Step updates the history of t for learning rate lr.
func (s *SGD) Step(lr float32, t Target) {
	if err := t.validate(); err != nil {
		exceptions.Panicf("sgd: %v", err)
	}
	decay := s.cfg.WeightDecay * t.DecayMult
	rate := lr * t.LRMult
	n := len(t.Weights)
	w, region := t.Weights, t.Region
	l1 := s.cfg.Regularizer == L1
	parallel.For(n, func(i int) {
		var g float32
		switch {
		case !l1:
			g = decay * w[i]
		case w[i] > 0:
			g = decay
		case w[i] < 0:
			g = -decay
		}
		for r := 1; r <= t.Replicas; r++ {
			g += region[r*n+i]
		}
		region[i] = s.cfg.Momentum*region[i] + rate*g
	}, s.par)
}
