// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package tensor

import (
	"context"

	"github.com/born-ml/gradnet/internal/serialization"
	"github.com/born-ml/gradnet/internal/tensor"
)

// Buffer is a named N-d array.
type Buffer = tensor.Buffer

// Shape holds the dimensions of a Buffer, item count first.
type Shape = tensor.Shape

// Kind is the element type of a Buffer.
type Kind = tensor.Kind

// Header describes one record of a file.
type Header = serialization.Header

// Element kinds.
const (
	KindHalf   = tensor.KindHalf
	KindFloat  = tensor.KindFloat
	KindDouble = tensor.KindDouble
	KindUint8  = tensor.KindUint8
	KindUint16 = tensor.KindUint16
	KindUint32 = tensor.KindUint32
	KindUint64 = tensor.KindUint64
	KindInt8   = tensor.KindInt8
	KindInt16  = tensor.KindInt16
	KindInt32  = tensor.KindInt32
	KindInt64  = tensor.KindInt64
	KindChar   = tensor.KindChar
	KindBool   = tensor.KindBool
)

// FileExtension is the extension of record files.
const FileExtension = serialization.FileExtension

// Errors reported while decoding records.
var (
	ErrCorrupt      = serialization.ErrCorrupt
	ErrKindMismatch = serialization.ErrKindMismatch
	ErrNoConversion = serialization.ErrNoConversion
)

// New allocates a zeroed Buffer.
func New(name string, kind Kind, shape Shape) *Buffer {
	return tensor.New(name, kind, shape)
}

// FromFloat32 creates a float Buffer holding a copy of values.
//
// Example:
//
//	w := tensor.FromFloat32("ip1.bias", tensor.Shape{3}, []float32{0, 0.5, 1})
func FromFloat32(name string, shape Shape, values []float32) *Buffer {
	return tensor.FromFloat32(name, shape, values)
}

// FromFloat64 creates a double Buffer holding a copy of values.
func FromFloat64(name string, shape Shape, values []float64) *Buffer {
	return tensor.FromFloat64(name, shape, values)
}

// ParseKind parses a kind name such as "float" or "uint8".
func ParseKind(name string) (Kind, error) {
	return tensor.ParseKind(name)
}

// ReadFile reads the first record of path converted to kind want. When
// batchSize > 0 the item count is padded with zeros to a multiple of it.
func ReadFile(ctx context.Context, path string, want Kind, batchSize int) (*Buffer, error) {
	return serialization.ReadFile(ctx, path, want, batchSize)
}

// ReadAll reads every record of path converted to kind want.
func ReadAll(ctx context.Context, path string, want Kind) ([]*Buffer, error) {
	return serialization.ReadAll(ctx, path, want)
}

// ReadHeaders lists the records of path without reading their payloads.
func ReadHeaders(ctx context.Context, path string) ([]*Header, error) {
	return serialization.ReadHeaders(ctx, path)
}

// WriteFile writes buffers to path as consecutive records.
func WriteFile(ctx context.Context, path string, buffers ...*Buffer) error {
	return serialization.WriteFile(ctx, path, buffers...)
}
