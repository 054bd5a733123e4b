package tensor

import (
	"fmt"
	"strings"
)

// Shape represents the dimensions of a Buffer or Response.
// Dimension 0 is always the batch (item) dimension.
type Shape []int

// NumElements returns the total number of elements.
func (s Shape) NumElements() int {
	if len(s) == 0 {
		return 0
	}
	n := 1
	for _, dim := range s {
		n *= dim
	}
	return n
}

// SizeOfItem returns the number of elements of one item along dimension 0.
func (s Shape) SizeOfItem() int {
	if len(s) == 0 {
		return 0
	}
	n := 1
	for _, dim := range s[1:] {
		n *= dim
	}
	return n
}

// SpatialElements returns the product of the dimensions after the channel
// dimension (dims[2:]), or 1 for shapes of rank two or less.
func (s Shape) SpatialElements() int {
	n := 1
	for i := 2; i < len(s); i++ {
		n *= s[i]
	}
	return n
}

// Validate checks that no dimension is negative.
func (s Shape) Validate() error {
	for i, dim := range s {
		if dim < 0 {
			return fmt.Errorf("invalid dimension at index %d: %d (must be >= 0)", i, dim)
		}
	}
	return nil
}

// Equal checks if two shapes are equal.
func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy of the shape.
func (s Shape) Clone() Shape {
	clone := make(Shape, len(s))
	copy(clone, s)
	return clone
}

// ComputeStrides calculates row-major strides for the shape.
// Strides define memory layout: stride[i] = product of all dimensions after i.
func (s Shape) ComputeStrides() []int {
	strides := make([]int, len(s))
	if len(s) == 0 {
		return strides
	}

	strides[len(s)-1] = 1
	for i := len(s) - 2; i >= 0; i-- {
		strides[i] = strides[i+1] * s[i+1]
	}
	return strides
}

// String formats the shape as "[2 x 3 x 4]".
func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = fmt.Sprint(d)
	}
	return "[" + strings.Join(parts, " x ") + "]"
}
