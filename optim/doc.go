// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package optim trains gradnet networks.
//
// # Overview
//
// This package contains:
//   - Solver: trains one Net replica per device with a shared update
//   - SGD: momentum SGD with L2 or L1 weight decay
//   - LearningRate: the fixed, step, exp, inv, multistep, poly, sigmoid
//     and cyclical schedules
//
// # Basic Usage
//
//	import (
//	    "github.com/born-ml/gradnet/nn"
//	    "github.com/born-ml/gradnet/optim"
//	)
//
//	func main() {
//	    desc := must.M1(nn.LoadDescription("lenet.yaml"))
//	    devices := must.M1(nn.OpenDevices("host", []int{0, 1}))
//	    defer nn.CloseDevices(devices)
//
//	    solver := must.M1(optim.NewSolver(desc, devices, devices[0]))
//	    defer solver.Close()
//	    solver.Malloc()
//	    solver.RandInit()
//	    if _, err := solver.Train(ctx, 0); err != nil {
//	        log.Fatal(err)
//	    }
//	}
//
// # Update Rule
//
// Every iteration each replica accumulates its gradient, then for every
// trainable parameter:
//
//	g    = decay * decay_mult * w + Σ_replica grad
//	hist = momentum * hist + lr * lr_mult * g
//	w   -= hist                      (on every replica)
//
// # Train Block
//
// The solver reads its settings from the "train" block of the description:
//
//	train:
//	  path: out/lenet          # snapshot prefix, required
//	  base_lr: 0.01
//	  lr_policy: inv           # or LR_inv
//	  momentum: 0.9
//	  weight_decay: 0.0005
//	  max_iter: 10000
//	  snapshot_iter: 5000
//	  test_interval: 500
//	  GPU: [0, 1]
package optim
