// Package tensor provides the host-side Buffer type used for datasets, labels
// and checkpoints, together with the element kinds understood by the
// Buffer-stream format.
package tensor

import "fmt"

// Kind identifies the element type of a Buffer.
//
// The numeric value of each Kind is the tag written in the first byte of a
// Buffer-stream record, so the order of the constants below is part of the
// file format and must never change.
type Kind uint8

// Supported element kinds.
const (
	KindHalf Kind = iota
	KindFloat
	KindDouble
	KindUint8
	KindUint16
	KindUint32
	KindUint64
	KindInt8
	KindInt16
	KindInt32
	KindInt64
	KindChar
	KindBool

	numKinds
)

var kindNames = [numKinds]string{
	KindHalf:   "half",
	KindFloat:  "float",
	KindDouble: "double",
	KindUint8:  "uint8",
	KindUint16: "uint16",
	KindUint32: "uint32",
	KindUint64: "uint64",
	KindInt8:   "int8",
	KindInt16:  "int16",
	KindInt32:  "int32",
	KindInt64:  "int64",
	KindChar:   "char",
	KindBool:   "bool",
}

// KindFromTag returns the Kind stored under the given record tag.
func KindFromTag(tag uint8) (Kind, bool) {
	if tag >= uint8(numKinds) {
		return 0, false
	}
	return Kind(tag), true
}

// ParseKind returns the Kind with the given name ("half", "float", ...).
func ParseKind(name string) (Kind, error) {
	for k, n := range kindNames {
		if n == name {
			return Kind(k), nil
		}
	}
	return 0, fmt.Errorf("unknown element kind %q", name)
}

// Tag returns the record tag of the kind.
func (k Kind) Tag() uint8 {
	return uint8(k)
}

// Size returns the byte width of one element.
func (k Kind) Size() int {
	switch k {
	case KindUint8, KindInt8, KindChar, KindBool:
		return 1
	case KindHalf, KindUint16, KindInt16:
		return 2
	case KindFloat, KindUint32, KindInt32:
		return 4
	case KindDouble, KindUint64, KindInt64:
		return 8
	default:
		panic(fmt.Sprintf("unknown element kind %d", uint8(k)))
	}
}

// IsFloat reports whether the kind is one of the floating-point precisions.
// Only floating-point kinds can be converted into one another.
func (k Kind) IsFloat() bool {
	return k == KindHalf || k == KindFloat || k == KindDouble
}

// CanConvert reports whether a Buffer of kind k can be converted to kind to.
func (k Kind) CanConvert(to Kind) bool {
	return k == to || (k.IsFloat() && to.IsFloat())
}

// String returns the name of the kind.
func (k Kind) String() string {
	if k >= numKinds {
		return "unknown"
	}
	return kindNames[k]
}
