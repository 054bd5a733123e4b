// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package nn

import (
	"github.com/born-ml/gradnet/internal/config"
	"github.com/born-ml/gradnet/internal/device"
	"github.com/born-ml/gradnet/internal/net"
	"github.com/born-ml/gradnet/internal/nn"
)

// Description is a decoded architecture file.
type Description = config.Description

// Node is one layer (or the train and test blocks) of a Description.
type Node = config.Node

// LoadDescription reads an architecture file.
func LoadDescription(path string) (*Description, error) {
	return config.Load(path)
}

// ParseDescription decodes an architecture document (YAML or JSON).
func ParseDescription(data []byte) (*Description, error) {
	return config.Parse(data)
}

// Net is an ordered graph of layers.
type Net = net.Net

// Build creates a Net from layer nodes. It panics on unknown layer types.
//
// Example:
//
//	desc := must.M1(nn.LoadDescription("lenet.yaml"))
//	net := nn.Build(desc.Layers, nn.NewContext(nn.NewHost(0), 1))
func Build(layers []*Node, ctx *Context) *Net {
	return net.Build(layers, ctx)
}

// Context carries the device, random source and debug flag of one Net.
type Context = nn.Context

// NewContext creates a Context on dev seeded with seed.
func NewContext(dev Device, seed uint64) *Context {
	return nn.NewContext(dev, seed)
}

// Device is the memory and compute target of a Net.
type Device = device.Device

// NewHost returns the host device with the given ordinal.
func NewHost(id int) Device {
	return device.NewHost(id)
}

// OpenDevices opens one device per ordinal on a backend ("host" or
// "webgpu").
func OpenDevices(backend string, ids []int) ([]Device, error) {
	return device.Open(backend, ids)
}

// CloseDevices closes every device, logging failures.
func CloseDevices(devices []Device) {
	device.CloseAll(devices)
}

// Layers

// Layer is an operator of the network graph.
type Layer = nn.Layer

// LossLayer is a Layer that scores the network output.
type LossLayer = nn.LossLayer

// DataLayer is a Layer that feeds batches into the network.
type DataLayer = nn.DataLayer

// Base implements the parts of Layer shared by every type. Custom layers
// embed it.
type Base = nn.Base

// NewBase creates a Base from a node.
func NewBase(node *Node, defaultPhase Phase, defaultTrain bool) Base {
	return nn.NewBase(node, defaultPhase, defaultTrain)
}

// Constructor builds a Layer from its node.
type Constructor = nn.Constructor

// Register makes a layer type available to Build.
func Register(typ string, ctor Constructor) {
	nn.Register(typ, ctor)
}

// Types lists the registered layer types.
func Types() []string {
	return nn.Types()
}

// Response is a named activation between layers.
type Response = nn.Response

// Parameter is a trainable weight or bias.
type Parameter = nn.Parameter

// Phases

// Phase selects which layers run.
type Phase = nn.Phase

const (
	Training        = nn.Training
	Testing         = nn.Testing
	TrainingTesting = nn.TrainingTesting
)

// Checkpoints

// LoadReport lists what a lenient checkpoint load did.
type LoadReport = nn.LoadReport

// ParamMismatchError reports a checkpoint entry that was skipped.
type ParamMismatchError = nn.ParamMismatchError
