package tensor

import (
	"encoding/binary"
	"math"

	"github.com/gomlx/exceptions"
	"github.com/x448/float16"
)

// DecodeFloat32 converts little-endian raw elements of kind k into dst,
// which must hold len(raw)/k.Size() values. Every kind except bool is
// supported; 64-bit integers lose precision.
func DecodeFloat32(k Kind, raw []byte, dst []float32) {
	size := k.Size()
	if len(raw) != len(dst)*size {
		exceptions.Panicf("decode %s: %d bytes for %d values", k, len(raw), len(dst))
	}
	le := binary.LittleEndian
	for i := range dst {
		e := raw[i*size : (i+1)*size]
		switch k {
		case KindUint8, KindChar:
			dst[i] = float32(e[0])
		case KindInt8:
			dst[i] = float32(int8(e[0]))
		case KindUint16:
			dst[i] = float32(le.Uint16(e))
		case KindInt16:
			dst[i] = float32(int16(le.Uint16(e)))
		case KindUint32:
			dst[i] = float32(le.Uint32(e))
		case KindInt32:
			dst[i] = float32(int32(le.Uint32(e)))
		case KindUint64:
			dst[i] = float32(le.Uint64(e))
		case KindInt64:
			dst[i] = float32(int64(le.Uint64(e)))
		case KindHalf:
			dst[i] = float16.Frombits(le.Uint16(e)).Float32()
		case KindFloat:
			dst[i] = math.Float32frombits(le.Uint32(e))
		case KindDouble:
			dst[i] = float32(math.Float64frombits(le.Uint64(e)))
		default:
			exceptions.Panicf("decode: kind %s cannot be read as float", k)
		}
	}
}
