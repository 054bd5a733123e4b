// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package optim

import (
	"github.com/born-ml/gradnet/internal/config"
	"github.com/born-ml/gradnet/internal/device"
	"github.com/born-ml/gradnet/internal/optim"
	"github.com/born-ml/gradnet/internal/solver"
)

// Solver

// Solver trains one Net replica per device.
type Solver = solver.Solver

// SolverConfig holds the settings of a train block.
type SolverConfig = solver.Config

// LossStat is a loss averaged across replicas.
type LossStat = solver.LossStat

// NewSolver builds one replica per device from desc. The update history
// lives on solverDev.
//
// Example:
//
//	devices := must.M1(nn.OpenDevices("host", []int{0, 1}))
//	solver := must.M1(optim.NewSolver(desc, devices, devices[0]))
func NewSolver(desc *config.Description, devices []device.Device, solverDev device.Device) (*Solver, error) {
	return solver.New(desc, devices, solverDev)
}

// ParseSolverConfig reads a train block.
func ParseSolverConfig(train *config.Node) (SolverConfig, error) {
	return solver.NewConfig(train)
}

// SGD

// SGD is momentum SGD with weight decay over replica gradients.
type SGD = optim.SGD

// Config holds the hyperparameters of the update rule.
type Config = optim.Config

// Target is one parameter with its history and replica gradients.
type Target = optim.Target

// Algorithm names an update rule. Only SGD is implemented.
type Algorithm = optim.Algorithm

// Regularizer names the weight decay penalty.
type Regularizer = optim.Regularizer

const (
	AlgorithmSGD     = optim.AlgorithmSGD
	AlgorithmAdaGrad = optim.AlgorithmAdaGrad
	AlgorithmNAG     = optim.AlgorithmNAG

	L2 = optim.L2
	L1 = optim.L1
)

// NewSGD creates an SGD update rule.
func NewSGD(cfg Config) (*SGD, error) {
	return optim.NewSGD(cfg)
}

// Learning rate

// LearningRate computes the rate of a Schedule per iteration.
type LearningRate = optim.LearningRate

// Schedule holds the parameters of a learning rate policy.
type Schedule = optim.Schedule

// Policy names a learning rate schedule.
type Policy = optim.Policy

const (
	Fixed     = optim.Fixed
	Step      = optim.Step
	Exp       = optim.Exp
	Inv       = optim.Inv
	MultiStep = optim.MultiStep
	Poly      = optim.Poly
	Sigmoid   = optim.Sigmoid
	Cyclical  = optim.Cyclical
)

// ParsePolicy parses "inv" or "LR_inv" style names.
func ParsePolicy(name string) (Policy, error) {
	return optim.ParsePolicy(name)
}

// NewLearningRate creates a LearningRate for s.
//
// Example:
//
//	lr := optim.NewLearningRate(optim.Schedule{Policy: optim.Inv, Base: 0.01, Gamma: 1e-4, Power: 0.75})
//	rate := lr.At(iter)
func NewLearningRate(s Schedule) *LearningRate {
	return optim.NewLearningRate(s)
}
