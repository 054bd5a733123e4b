// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package nn builds and runs gradnet networks.
//
// # Overview
//
// A network is described as an ordered list of layer nodes, usually loaded
// from a YAML architecture file. Layers are wired by the names of the
// Responses they read ("in") and write ("out"); a name written by several
// layers refers to the same Response, which is how in-place layers work.
//
// # Basic Usage
//
//	import "github.com/born-ml/gradnet/nn"
//
//	func main() {
//	    desc, err := nn.LoadDescription("lenet.yaml")
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    net := nn.Build(desc.Layers, nn.NewContext(nn.NewHost(0), 1))
//	    defer net.Close()
//
//	    net.Malloc(nn.Testing)
//	    if _, err := net.LoadWeights(ctx, "lenet.gradnet"); err != nil {
//	        log.Fatal(err)
//	    }
//	    results, err := net.Test(ctx, nil, nil, 0)
//	}
//
// # Layer Types
//
// Tensor, MemoryData and DiskData read data. Convolution, InnerProduct,
// Pooling, Activation, Softmax, Dropout, LRN, Reshape, ROI, ROIPooling,
// ElementWise and Concat transform it, and Loss scores it. New types are
// added with Register.
//
// # Phases
//
// Every layer runs in the Training phase, the Testing phase or both. A net
// allocated for Training also sizes its Testing layers so that both can run
// on the same weights.
package nn
