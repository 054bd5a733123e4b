// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package cpu

import (
	"github.com/born-ml/gradnet/internal/device"
)

// Device is the host device.
type Device = device.Host

// Compile-time check that Device implements device.Device.
var _ device.Device = (*Device)(nil)

// New returns the host device with the given ordinal.
//
// Example:
//
//	devices := []nn.Device{cpu.New(0), cpu.New(1)}
//	solver := must.M1(optim.NewSolver(desc, devices, devices[0]))
func New(id int) *Device {
	return device.NewHost(id)
}
