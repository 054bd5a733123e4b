// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor provides the host-side N-d arrays exchanged with gradnet:
// datasets, checkpoints and feature dumps.
//
// # Overview
//
// A Buffer is a named, typed N-d array. Its first dimension counts items.
// Buffers are stored in ".gradnet" record files: a file is a sequence of
// records, each a small header (kind tag, element size, name, dims) followed
// by the row-major payload.
//
// # Basic Usage
//
//	import "github.com/born-ml/gradnet/tensor"
//
//	func main() {
//	    labels := tensor.FromFloat32("label", tensor.Shape{4}, []float32{0, 1, 1, 0})
//	    if err := tensor.WriteFile(ctx, "labels.gradnet", labels); err != nil {
//	        log.Fatal(err)
//	    }
//
//	    // Any stored kind converts to the requested one on read.
//	    b, err := tensor.ReadFile(ctx, "images.gradnet", tensor.KindFloat, 64)
//	}
//
// # Element Kinds
//
// Half, float, double, the signed and unsigned integers, char and bool. The
// training stack computes in float; other kinds are converted when read.
//
// # Retries
//
// Opening a file is retried every RetryDelay until it succeeds or the
// context ends, so datasets on flaky network mounts do not abort training.
package tensor
