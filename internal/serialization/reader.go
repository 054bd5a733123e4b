package serialization

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"

	"github.com/born-ml/gradnet/internal/tensor"
)

// Reader reads records of a Buffer stream.
type Reader struct {
	r *bufio.Reader
}

// NewReader creates a Reader on top of r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// ReadHeader decodes the next record header.
// A short or failed read of the header returns io.EOF: that is how the end
// of a stream is detected.
func (r *Reader) ReadHeader() (*Header, error) {
	var fixed [9]byte
	if _, err := io.ReadFull(r.r, fixed[:]); err != nil {
		return nil, io.EOF
	}
	h := &Header{
		Tag:      fixed[0],
		ElemSize: binary.LittleEndian.Uint32(fixed[1:5]),
	}
	nameLen := int32(binary.LittleEndian.Uint32(fixed[5:9]))
	if err := validateLengths(nameLen, 0); err != nil {
		return nil, err
	}
	name := make([]byte, nameLen)
	if _, err := io.ReadFull(r.r, name); err != nil {
		return nil, io.EOF
	}
	h.Name = string(name)

	var count [4]byte
	if _, err := io.ReadFull(r.r, count[:]); err != nil {
		return nil, io.EOF
	}
	nDims := int32(binary.LittleEndian.Uint32(count[:]))
	if err := validateLengths(0, nDims); err != nil {
		return nil, err
	}
	dims := make([]byte, 4*nDims)
	if _, err := io.ReadFull(r.r, dims); err != nil {
		return nil, io.EOF
	}
	h.Dims = make(tensor.Shape, nDims)
	for i := range h.Dims {
		d := int32(binary.LittleEndian.Uint32(dims[4*i:]))
		if d < 0 {
			return nil, &ValidationError{
				Type:    "negative_dim",
				Record:  h.Name,
				Details: fmt.Sprintf("dims %v", h.Dims[:i+1]),
				Err:     ErrNegativeValue,
			}
		}
		h.Dims[i] = int(d)
	}
	if err := validateElements(h); err != nil {
		return nil, err
	}
	return h, nil
}

// ReadBuffer reads the next record as a Buffer of kind want.
//
// A record of another floating-point kind is read in its on-disk kind and
// then converted. When batchSize > 0 the allocation is padded so that the
// item count rounds up to a multiple of batchSize; the padded items are zero.
//
// Returns (nil, io.EOF) at end of stream. Any other error means the stream
// is malformed and no Buffer is returned.
func (r *Reader) ReadBuffer(want tensor.Kind, batchSize int) (*tensor.Buffer, error) {
	h, err := r.ReadHeader()
	if err != nil {
		return nil, err
	}
	if err := ValidateHeader(h, want); err != nil {
		return nil, err
	}

	capacity := h.Dims.NumElements()
	if batchSize > 0 && len(h.Dims) > 0 {
		items := (h.Dims[0] + batchSize - 1) / batchSize * batchSize
		capacity = items * h.Dims.SizeOfItem()
	}
	b := tensor.NewPadded(h.Name, h.Kind(), h.Dims, capacity)
	if _, err := io.ReadFull(r.r, b.Bytes()); err != nil {
		return nil, &ValidationError{
			Type:    "truncated",
			Record:  h.Name,
			Details: fmt.Sprintf("expected %d payload bytes: %v", h.PayloadSize(), err),
			Err:     ErrTruncated,
		}
	}
	if b.Kind() != want {
		b = b.Convert(want)
	}
	return b, nil
}

// Skip discards the payload that follows h.
func (r *Reader) Skip(h *Header) error {
	if _, err := r.r.Discard(int(h.PayloadSize())); err != nil {
		return errors.Wrapf(ErrTruncated, "record %q: %v", h.Name, err)
	}
	return nil
}

// ReadAll reads every remaining record as kind want.
func (r *Reader) ReadAll(want tensor.Kind) ([]*tensor.Buffer, error) {
	var out []*tensor.Buffer
	for {
		b, err := r.ReadBuffer(want, 0)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
}
