// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package cpu provides the host device for gradnet networks.
//
// # Overview
//
// The host device keeps every region in ordinary Go memory and runs the
// pure Go reference kernels (im2col convolution, n-d pooling, blocked
// gemm). Host devices with different ordinals can read each other's
// memory, so a multi-replica solver may span any number of them.
//
// # Basic Usage
//
//	import (
//	    "github.com/born-ml/gradnet/backend/cpu"
//	    "github.com/born-ml/gradnet/nn"
//	)
//
//	func main() {
//	    net := nn.Build(desc.Layers, nn.NewContext(cpu.New(0), 1))
//	    defer net.Close()
//	}
package cpu
