// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package optim_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/gradnet/nn"
	"github.com/born-ml/gradnet/optim"
)

func TestParseSolverConfig(t *testing.T) {
	desc, err := nn.ParseDescription([]byte(`
train: {path: out/m, lr_policy: LR_step, lr_gamma: 0.5, lr_stepsize: 10, GPU: [1]}
layers: []
`))
	require.NoError(t, err)
	cfg, err := optim.ParseSolverConfig(desc.Train)
	require.NoError(t, err)
	assert.Equal(t, optim.Step, cfg.Schedule.Policy)
	assert.Equal(t, 1, cfg.GPUSolver)

	lr := optim.NewLearningRate(cfg.Schedule)
	assert.InDelta(t, 0.01*0.25, lr.At(25), 1e-12)
}

func TestNewSolverRejectsMissingPath(t *testing.T) {
	desc, err := nn.ParseDescription([]byte("train: {}\nlayers: []\n"))
	require.NoError(t, err)
	_, err = optim.NewSolver(desc, []nn.Device{nn.NewHost(0)}, nn.NewHost(0))
	assert.Error(t, err)
}
