package serialization

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/born-ml/gradnet/internal/tensor"
)

// Writer writes records of a Buffer stream.
type Writer struct {
	w *bufio.Writer
}

// NewWriter creates a Writer on top of w. Call Flush when done.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// WriteBuffer writes one complete record.
func (w *Writer) WriteBuffer(b *tensor.Buffer) error {
	if err := w.WriteHeader(b.Kind(), b.Name(), b.Shape()); err != nil {
		return err
	}
	_, err := w.WriteData(b, 0)
	return err
}

// WriteHeader writes a record header. The payload must follow, either through
// WriteData or through several WriteData calls that together cover
// shape.NumElements() elements.
func (w *Writer) WriteHeader(kind tensor.Kind, name string, shape tensor.Shape) error {
	if len(name) > MaxNameLen {
		return errors.Wrapf(ErrNameTooLong, "record %q", name)
	}
	if len(shape) > MaxDims {
		return errors.Wrapf(ErrTooManyDims, "record %q", name)
	}
	buf := make([]byte, 0, 13+len(name)+4*len(shape))
	buf = append(buf, kind.Tag())
	buf = binary.LittleEndian.AppendUint32(buf, uint32(kind.Size()))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(int32(len(name))))
	buf = append(buf, name...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(int32(len(shape))))
	for _, d := range shape {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(int32(d)))
	}
	if _, err := w.w.Write(buf); err != nil {
		return errors.Wrapf(err, "failed to write header of %q", name)
	}
	return nil
}

// WriteData writes the payload of b. When maxElems > 0 at most maxElems
// elements are written. Returns the number of elements written.
func (w *Writer) WriteData(b *tensor.Buffer, maxElems int) (int, error) {
	n := b.NumElements()
	if maxElems > 0 {
		n = min(n, maxElems)
	}
	if _, err := w.w.Write(b.Bytes()[:n*b.Kind().Size()]); err != nil {
		return 0, errors.Wrapf(err, "failed to write payload of %q", b.Name())
	}
	return n, nil
}

// Flush writes any buffered data to the underlying writer.
func (w *Writer) Flush() error {
	return errors.Wrap(w.w.Flush(), "failed to flush")
}
