// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package webgpu provides the WebGPU device for gradnet networks.
//
// A WebGPU device mirrors every region into a storage buffer on the GPU
// adapter with the given ordinal. It is only available on Windows builds;
// elsewhere New returns ErrUnsupported.
//
// Example:
//
//	import (
//	    "github.com/born-ml/gradnet/backend/webgpu"
//	    "github.com/born-ml/gradnet/nn"
//	)
//
//	func main() {
//	    gpu, err := webgpu.New(0)
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    defer gpu.Close()
//
//	    net := nn.Build(desc.Layers, nn.NewContext(gpu, 1))
//	}
package webgpu

import (
	"github.com/born-ml/gradnet/internal/device"
)

// ErrUnsupported is returned on platforms without the WebGPU runtime.
var ErrUnsupported = device.ErrUnsupported

// New opens the WebGPU adapter with the given ordinal.
func New(id int) (device.Device, error) {
	return device.NewWebGPU(id)
}

// IsAvailable reports whether a WebGPU adapter can be opened.
func IsAvailable() bool {
	d, err := device.NewWebGPU(0)
	if err != nil {
		return false
	}
	_ = d.Close()
	return true
}
