package serialization

import (
	"fmt"

	"github.com/born-ml/gradnet/internal/tensor"
)

// Validation limits for resource protection against malformed streams.
const (
	MaxNameLen  = 4096    // Maximum record name length
	MaxDims     = 32      // Maximum number of dimensions
	MaxElements = 1 << 30 // Maximum number of elements in a record
)

// ValidateHeader checks a decoded header against the expected kind.
//
// A record whose tag equals want but whose byte width differs is malformed.
// A record of another kind is accepted only when a conversion to want exists.
func ValidateHeader(h *Header, want tensor.Kind) error {
	kind, ok := tensor.KindFromTag(h.Tag)
	if !ok {
		return &ValidationError{
			Type:    "unknown_kind",
			Record:  h.Name,
			Details: fmt.Sprintf("tag %d", h.Tag),
			Err:     ErrUnknownKind,
		}
	}
	if int(h.ElemSize) != kind.Size() {
		return &ValidationError{
			Type:    "kind_mismatch",
			Record:  h.Name,
			Details: fmt.Sprintf("kind %s has %d bytes per element, record declares %d", kind, kind.Size(), h.ElemSize),
			Err:     ErrKindMismatch,
		}
	}
	if err := validateElements(h); err != nil {
		return err
	}
	if !kind.CanConvert(want) {
		return &ValidationError{
			Type:    "no_conversion",
			Record:  h.Name,
			Details: fmt.Sprintf("stored as %s, requested %s", kind, want),
			Err:     ErrNoConversion,
		}
	}
	return nil
}

func validateLengths(nameLen, nDims int32) error {
	if nameLen < 0 || nDims < 0 {
		return &ValidationError{
			Type:    "negative_length",
			Details: fmt.Sprintf("name length %d, dims count %d", nameLen, nDims),
			Err:     ErrNegativeValue,
		}
	}
	if nameLen > MaxNameLen {
		return &ValidationError{
			Type:    "name_too_long",
			Details: fmt.Sprintf("got %d, max %d", nameLen, MaxNameLen),
			Err:     ErrNameTooLong,
		}
	}
	if nDims > MaxDims {
		return &ValidationError{
			Type:    "too_many_dims",
			Details: fmt.Sprintf("got %d, max %d", nDims, MaxDims),
			Err:     ErrTooManyDims,
		}
	}
	return nil
}

// validateElements bounds the product of the dimensions without overflowing.
func validateElements(h *Header) error {
	n := 1
	for _, d := range h.Dims {
		if d != 0 && n > MaxElements/d {
			return &ValidationError{
				Type:    "too_many_elements",
				Record:  h.Name,
				Details: fmt.Sprintf("dims %v exceed %d elements", h.Dims, MaxElements),
				Err:     ErrTooManyElements,
			}
		}
		n *= d
	}
	return nil
}
