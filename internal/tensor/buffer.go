package tensor

import (
	"fmt"
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/x448/float16"
)

// Buffer is a named, host-resident array of one element Kind.
//
// The payload is kept as raw bytes so that any Kind of the Buffer-stream
// format can be held without conversion. Typed views (Float32, Float64, Half,
// ...) alias the payload, so writes through a view modify the Buffer.
//
// A Buffer read with batch padding owns an allocation longer than
// NumElements(); the typed views cover the whole allocation and the padded
// tail is zero.
type Buffer struct {
	name  string
	kind  Kind
	shape Shape
	data  []byte
}

// New creates a zero-filled Buffer.
func New(name string, kind Kind, shape Shape) *Buffer {
	return NewPadded(name, kind, shape, shape.NumElements())
}

// NewPadded creates a zero-filled Buffer whose allocation holds capacity
// elements (at least NumElements()).
func NewPadded(name string, kind Kind, shape Shape, capacity int) *Buffer {
	if err := shape.Validate(); err != nil {
		exceptions.Panicf("tensor %q: %v", name, err)
	}
	capacity = max(capacity, shape.NumElements())
	return &Buffer{
		name:  name,
		kind:  kind,
		shape: shape.Clone(),
		data:  make([]byte, capacity*kind.Size()),
	}
}

// FromFloat32 creates a float Buffer holding a copy of values.
func FromFloat32(name string, shape Shape, values []float32) *Buffer {
	b := New(name, KindFloat, shape)
	if len(values) != shape.NumElements() {
		exceptions.Panicf("tensor %q: %d values for shape %s", name, len(values), shape)
	}
	copy(b.Float32(), values)
	return b
}

// FromFloat64 creates a double Buffer holding a copy of values.
func FromFloat64(name string, shape Shape, values []float64) *Buffer {
	b := New(name, KindDouble, shape)
	if len(values) != shape.NumElements() {
		exceptions.Panicf("tensor %q: %d values for shape %s", name, len(values), shape)
	}
	copy(b.Float64(), values)
	return b
}

// FromHalf creates a half Buffer holding a copy of values.
func FromHalf(name string, shape Shape, values []float16.Float16) *Buffer {
	b := New(name, KindHalf, shape)
	if len(values) != shape.NumElements() {
		exceptions.Panicf("tensor %q: %d values for shape %s", name, len(values), shape)
	}
	copy(b.Half(), values)
	return b
}

// Name returns the Buffer name.
func (b *Buffer) Name() string { return b.name }

// SetName renames the Buffer.
func (b *Buffer) SetName(name string) { b.name = name }

// Kind returns the element kind.
func (b *Buffer) Kind() Kind { return b.kind }

// Shape returns the dimensions. The returned slice must not be modified.
func (b *Buffer) Shape() Shape { return b.shape }

// NumElements returns the product of the dimensions.
func (b *Buffer) NumElements() int { return b.shape.NumElements() }

// SizeOfItem returns the number of elements of one item along dimension 0.
func (b *Buffer) SizeOfItem() int { return b.shape.SizeOfItem() }

// ByteSize returns the payload size in bytes, excluding padding.
func (b *Buffer) ByteSize() int { return b.NumElements() * b.kind.Size() }

// Bytes returns the payload bytes, excluding padding.
func (b *Buffer) Bytes() []byte { return b.data[:b.ByteSize()] }

// Capacity returns the number of elements the allocation can hold.
func (b *Buffer) Capacity() int { return len(b.data) / b.kind.Size() }

// Reshape changes the dimensions in place. The element count may not grow
// past the allocation.
func (b *Buffer) Reshape(shape Shape) {
	if shape.NumElements() > b.Capacity() {
		exceptions.Panicf("tensor %q: cannot reshape %s to %s", b.name, b.shape, shape)
	}
	b.shape = shape.Clone()
}

func (b *Buffer) mustBe(kind Kind) {
	if b.kind != kind {
		exceptions.Panicf("tensor %q has kind %s, not %s", b.name, b.kind, kind)
	}
}

// Float32 returns the payload as []float32. Panics if the kind is not float.
func (b *Buffer) Float32() []float32 {
	b.mustBe(KindFloat)
	if len(b.data) == 0 {
		return nil
	}
	//nolint:gosec // unsafe.Slice for zero-copy access, length derived from the allocation
	return unsafe.Slice((*float32)(unsafe.Pointer(&b.data[0])), len(b.data)/4)
}

// Float64 returns the payload as []float64. Panics if the kind is not double.
func (b *Buffer) Float64() []float64 {
	b.mustBe(KindDouble)
	if len(b.data) == 0 {
		return nil
	}
	//nolint:gosec // unsafe.Slice for zero-copy access, length derived from the allocation
	return unsafe.Slice((*float64)(unsafe.Pointer(&b.data[0])), len(b.data)/8)
}

// Half returns the payload as []float16.Float16. Panics if the kind is not half.
func (b *Buffer) Half() []float16.Float16 {
	b.mustBe(KindHalf)
	if len(b.data) == 0 {
		return nil
	}
	//nolint:gosec // unsafe.Slice for zero-copy access, length derived from the allocation
	return unsafe.Slice((*float16.Float16)(unsafe.Pointer(&b.data[0])), len(b.data)/2)
}

// Int32 returns the payload as []int32. Panics if the kind is not int32.
func (b *Buffer) Int32() []int32 {
	b.mustBe(KindInt32)
	if len(b.data) == 0 {
		return nil
	}
	//nolint:gosec // unsafe.Slice for zero-copy access, length derived from the allocation
	return unsafe.Slice((*int32)(unsafe.Pointer(&b.data[0])), len(b.data)/4)
}

// Uint8 returns the payload as []uint8. Panics if the kind is neither uint8 nor char.
func (b *Buffer) Uint8() []uint8 {
	if b.kind != KindChar {
		b.mustBe(KindUint8)
	}
	return b.data
}

// Float32s returns a converted copy of a floating-point payload (padding
// included). Panics for integer kinds.
func (b *Buffer) Float32s() []float32 {
	out := make([]float32, b.Capacity())
	switch b.kind {
	case KindFloat:
		copy(out, b.Float32())
	case KindDouble:
		for i, v := range b.Float64() {
			out[i] = float32(v)
		}
	case KindHalf:
		for i, v := range b.Half() {
			out[i] = v.Float32()
		}
	default:
		exceptions.Panicf("tensor %q: cannot read kind %s as float", b.name, b.kind)
	}
	return out
}

// SetFloat32s stores values into a floating-point payload, converting to the
// Buffer kind. Panics for integer kinds.
func (b *Buffer) SetFloat32s(values []float32) {
	if len(values) > b.Capacity() {
		exceptions.Panicf("tensor %q: %d values exceed capacity %d", b.name, len(values), b.Capacity())
	}
	switch b.kind {
	case KindFloat:
		copy(b.Float32(), values)
	case KindDouble:
		dst := b.Float64()
		for i, v := range values {
			dst[i] = float64(v)
		}
	case KindHalf:
		dst := b.Half()
		for i, v := range values {
			dst[i] = float16.Fromfloat32(v)
		}
	default:
		exceptions.Panicf("tensor %q: cannot store float into kind %s", b.name, b.kind)
	}
}

// Convert returns a copy of the Buffer in another floating-point kind.
// Converting between anything other than half, float and double panics.
func (b *Buffer) Convert(kind Kind) *Buffer {
	if !b.kind.CanConvert(kind) {
		exceptions.Panicf("tensor %q: no conversion from %s to %s", b.name, b.kind, kind)
	}
	if b.kind == kind {
		return b.Clone()
	}
	out := NewPadded(b.name, kind, b.shape, b.Capacity())
	if b.kind == KindDouble && kind == KindHalf {
		src, dst := b.Float64(), out.Half()
		for i, v := range src {
			dst[i] = float16.Fromfloat32(float32(v))
		}
		return out
	}
	if b.kind == KindHalf && kind == KindDouble {
		src, dst := b.Half(), out.Float64()
		for i, v := range src {
			dst[i] = float64(v.Float32())
		}
		return out
	}
	out.SetFloat32s(b.Float32s())
	return out
}

// Clone returns a deep copy of the Buffer.
func (b *Buffer) Clone() *Buffer {
	data := make([]byte, len(b.data))
	copy(data, b.data)
	return &Buffer{name: b.name, kind: b.kind, shape: b.shape.Clone(), data: data}
}

// Permute reorders items along dimension 0 so that item i of the result is
// item order[i] of the original.
func (b *Buffer) Permute(order []int) {
	if len(b.shape) == 0 || len(order) != b.shape[0] {
		exceptions.Panicf("tensor %q: permutation of %d items for shape %s", b.name, len(order), b.shape)
	}
	item := b.SizeOfItem() * b.kind.Size()
	src := make([]byte, b.ByteSize())
	copy(src, b.data)
	for i, j := range order {
		copy(b.data[i*item:(i+1)*item], src[j*item:(j+1)*item])
	}
}

// String returns a short description, e.g. `float "conv1.weight" [96 x 3 x 11 x 11]`.
func (b *Buffer) String() string {
	return fmt.Sprintf("%s %q %s", b.kind, b.name, b.shape)
}
