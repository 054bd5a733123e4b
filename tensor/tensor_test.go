// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package tensor_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/gradnet/tensor"
)

func TestFileRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "pair"+tensor.FileExtension)
	images := tensor.FromFloat64("images", tensor.Shape{3, 2}, []float64{1, 2, 3, 4, 5, 6})
	labels := tensor.FromFloat32("labels", tensor.Shape{3}, []float32{0, 1, 0})
	require.NoError(t, tensor.WriteFile(ctx, path, images, labels))

	headers, err := tensor.ReadHeaders(ctx, path)
	require.NoError(t, err)
	require.Len(t, headers, 2)
	assert.Equal(t, "images", headers[0].Name)
	assert.Equal(t, tensor.KindDouble, headers[0].Kind())

	// The double record is converted to float and padded to the batch size.
	b, err := tensor.ReadFile(ctx, path, tensor.KindFloat, 2)
	require.NoError(t, err)
	assert.Equal(t, tensor.KindFloat, b.Kind())
	assert.Equal(t, tensor.Shape{3, 2}, b.Shape())
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, b.Float32()[:6])

	all, err := tensor.ReadAll(ctx, path, tensor.KindFloat)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, []float32{0, 1, 0}, all[1].Float32())
}

func TestParseKind(t *testing.T) {
	k, err := tensor.ParseKind("uint8")
	require.NoError(t, err)
	assert.Equal(t, tensor.KindUint8, k)
	_, err = tensor.ParseKind("bfloat16")
	assert.Error(t, err)
}
