package nn

import (
	"github.com/born-ml/gradnet/internal/config"
	"github.com/born-ml/gradnet/internal/serialization"
	"github.com/born-ml/gradnet/internal/tensor"
)

// DataLayer is a layer that feeds the network from a dataset.
type DataLayer interface {
	Layer

	// Epoch returns the number of completed passes over the dataset.
	Epoch() int

	// NumItems returns the dataset size.
	NumItems() int
}

// readBuffer reads the first record of path as float, padded to batch items.
func (b *Base) readBuffer(path string, batch int) *tensor.Buffer {
	buf, err := serialization.ReadFile(b.ctx.IO, path, tensor.KindFloat, batch)
	if err != nil {
		b.fatalf("%+v", err)
	}
	return buf
}

// Tensor loads whole Buffers, one file per output, and serves them unchanged.
type Tensor struct {
	Base
	files  []string
	loaded bool
	epoch  int
	items  int
}

// NewTensor creates a Tensor layer from "file_data".
func NewTensor(node *config.Node) Layer {
	return &Tensor{
		Base:  NewBase(node, TrainingTesting, false),
		files: node.Strs("file_data"),
	}
}

func (l *Tensor) Epoch() int    { return l.epoch }
func (l *Tensor) NumItems() int { return l.items }

// Malloc loads the files into the outputs.
func (l *Tensor) Malloc(ctx *Context, phase Phase) int {
	l.start(ctx, phase)
	if len(l.ins) != 0 || len(l.outs) != len(l.files) {
		l.fatalf("needs no inputs and one output per file, got %d and %d for %d files", len(l.ins), len(l.outs), len(l.files))
	}
	if l.loaded {
		return 0
	}
	bytes := 0
	for i, path := range l.files {
		buf := l.readBuffer(path, 0)
		out := l.outs[i]
		out.initReceptive(len(buf.Shape()) - 2)
		bytes += out.Malloc(ctx.Device, buf.Shape())
		out.Write(buf)
		if i == 0 {
			l.items = buf.Shape()[0]
		}
	}
	l.loaded = true
	return bytes
}

// Forward counts one epoch per call; the outputs never change.
func (l *Tensor) Forward(Phase) {
	l.checkAllocated()
	l.epoch++
}

// MemoryData holds a whole dataset in host memory and serves it batch by
// batch, applying mean subtraction and scaling once at load time.
type MemoryData struct {
	Base
	batch    int
	scale    float32
	mean     float32
	fileMean string

	data, label *tensor.Buffer
	n           int
	counter     int
	epoch       int
}

// NewMemoryData creates a MemoryData layer. "file_data" and "file_label" are
// required; "batch_size" defaults to 64, "scale" to 1 and "mean" to 0.
func NewMemoryData(node *config.Node) Layer {
	l := &MemoryData{
		Base:     NewBase(node, Training, false),
		batch:    node.IntOr("batch_size", 64),
		scale:    float32(node.FloatOr("scale", 1)),
		mean:     float32(node.FloatOr("mean", 0)),
		fileMean: node.StrOr("file_mean", ""),
	}
	node.Str("file_data")
	node.Str("file_label")
	if l.batch <= 0 {
		l.fatalf("batch_size must be positive, got %d", l.batch)
	}
	return l
}

func (l *MemoryData) Epoch() int    { return l.epoch }
func (l *MemoryData) NumItems() int { return l.n }

// Malloc loads and preprocesses the dataset, then sizes the data and label
// outputs for one batch. A Training layer reserves nothing in a Testing net.
func (l *MemoryData) Malloc(ctx *Context, phase Phase) int {
	if l.phase == Training && phase == Testing {
		return 0
	}
	l.start(ctx, phase)
	if len(l.ins) != 0 || len(l.outs) != 2 {
		l.fatalf("needs no inputs and two outputs (data, label), got %d and %d", len(l.ins), len(l.outs))
	}
	if l.data == nil {
		l.load()
	}
	dataShape := append(tensor.Shape{l.batch}, l.data.Shape()[1:]...)
	labelShape := append(tensor.Shape{l.batch}, l.label.Shape()[1:]...)
	l.outs[0].initReceptive(len(dataShape) - 2)
	return l.outs[0].Malloc(ctx.Device, dataShape) + l.outs[1].Malloc(ctx.Device, labelShape)
}

func (l *MemoryData) load() {
	l.data = l.readBuffer(l.node.Str("file_data"), l.batch)
	l.label = l.readBuffer(l.node.Str("file_label"), l.batch)
	l.n = l.data.Shape()[0]
	if l.label.Shape()[0] != l.n {
		l.fatalf("%d data items but %d labels", l.n, l.label.Shape()[0])
	}
	values := l.data.Float32()[:l.data.NumElements()]
	if l.fileMean != "" {
		mean := l.readBuffer(l.fileMean, 0)
		m := mean.Float32()[:mean.NumElements()]
		if len(m) != l.data.SizeOfItem() {
			l.fatalf("mean %s does not match the item size %d", mean, l.data.SizeOfItem())
		}
		for i := range values {
			values[i] -= m[i%len(m)]
		}
	}
	if l.scale != 1 {
		for i := range values {
			values[i] *= l.scale
		}
	}
	if l.mean != 0 {
		for i := range values {
			values[i] -= l.mean
		}
	}
	if rank := len(l.data.Shape()); len(l.label.Shape()) < rank {
		shape := l.label.Shape().Clone()
		for len(shape) < rank {
			shape = append(shape, 1)
		}
		l.label.Reshape(shape)
	}
	if l.phase != Testing {
		l.shuffle()
	}
}

func (l *MemoryData) shuffle() {
	order := l.ctx.Rand.Perm(l.n)
	l.data.Permute(order)
	l.label.Permute(order)
}

// Forward copies the next batch into the outputs. Reaching the end of the
// dataset starts a new epoch; outside Testing the data is reshuffled and
// reading restarts at the first item, in Testing the last batch is completed
// from the zero padding.
func (l *MemoryData) Forward(Phase) {
	l.checkAllocated()
	if l.counter+l.batch >= l.n {
		l.epoch++
		if l.phase != Testing {
			l.shuffle()
			l.counter = 0
		}
	}
	copyBatch(l.outs[0], l.data, l.counter)
	copyBatch(l.outs[1], l.label, l.counter)
	l.counter += l.batch
	if l.counter >= l.n {
		l.counter = 0
	}
}

// copyBatch copies the items starting at first into out.
func copyBatch(out *Response, src *tensor.Buffer, first int) {
	item := out.SizeOfItem()
	values := src.Float32()
	copy(out.Data().Float32(), values[first*item:first*item+out.NumElements()])
}
