package serialization

import "github.com/born-ml/gradnet/internal/tensor"

// FileExtension is the extension used for checkpoints and snapshots.
const FileExtension = ".gradnet"

// Header describes one record of a Buffer stream.
type Header struct {
	Tag      uint8        // Kind tag as written on disk
	ElemSize uint32       // Element byte width as written on disk
	Name     string       // Record name
	Dims     tensor.Shape // Dimensions, dims[0] is the item count
}

// Kind returns the element kind of the record.
func (h *Header) Kind() tensor.Kind {
	return tensor.Kind(h.Tag)
}

// PayloadSize returns the payload length in bytes.
func (h *Header) PayloadSize() int64 {
	return int64(h.Dims.NumElements()) * int64(h.ElemSize)
}

// HeaderSize returns the encoded length of the header.
func (h *Header) HeaderSize() int {
	return 1 + 4 + 4 + len(h.Name) + 4 + 4*len(h.Dims)
}
