package nn

import (
	"math/rand/v2"
	"os"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/gradnet/internal/config"
	"github.com/born-ml/gradnet/internal/serialization"
	"github.com/born-ml/gradnet/internal/tensor"
)

// DiskData streams items of a single large record from disk, cropping (and
// optionally mirroring) each item. Labels are loaded whole.
//
// A producer goroutine prepares the next batch while the network runs on
// the current one. Forward hands the prepared batch to the outputs and asks
// for the next; Close stops the producer.
type DiskData struct {
	Base
	batch    int
	crop     []int
	mirror   bool
	file     *os.File
	kind     tensor.Kind
	offset   int64
	itemDims []int // [C, spatial...] on disk
	label    *tensor.Buffer
	epoch    int

	// Producer state, only touched by the producer goroutine after start.
	rng     *rand.Rand
	order   []int
	counter int
	pEpoch  int

	requests chan struct{}
	ready    chan *diskBatch
	stop     chan struct{}
	done     chan struct{}
	once     sync.Once
}

type diskBatch struct {
	data  []float32
	label []float32
	epoch int
	err   error
}

// NewDiskData creates a DiskData layer. "file_data", "file_label",
// "batch_size" and "size_crop" are required; "mirror" defaults to false.
func NewDiskData(node *config.Node) Layer {
	l := &DiskData{
		Base:   NewBase(node, Training, false),
		batch:  node.Int("batch_size"),
		crop:   node.Ints("size_crop"),
		mirror: node.BoolOr("mirror", false),
	}
	node.Str("file_data")
	node.Str("file_label")
	if len(l.crop) != 2 && len(l.crop) != 3 {
		l.fatalf("only 2-D and 3-D crops are supported, got size_crop %v", l.crop)
	}
	return l
}

func (l *DiskData) Epoch() int    { return l.epoch }
func (l *DiskData) NumItems() int { return l.label.Shape()[0] }

// Malloc opens the data file, loads the labels, sizes the outputs and starts
// the producer. A Training layer reserves nothing in a Testing net.
func (l *DiskData) Malloc(ctx *Context, phase Phase) int {
	if l.phase == Training && phase == Testing {
		return 0
	}
	l.start(ctx, phase)
	if len(l.ins) > 1 || len(l.outs) != 2 {
		l.fatalf("needs 0 or 1 input (a mean to subtract) and two outputs, got %d and %d", len(l.ins), len(l.outs))
	}
	if l.file == nil {
		l.open()
	}
	dataShape := append(tensor.Shape{l.batch, l.itemDims[0]}, l.crop...)
	labelShape := append(tensor.Shape{l.batch}, l.label.Shape()[1:]...)
	l.outs[0].initReceptive(len(l.crop))
	bytes := l.outs[0].Malloc(ctx.Device, dataShape) + l.outs[1].Malloc(ctx.Device, labelShape)
	if len(l.ins) == 1 && l.ins[0].NumElements() != dataShape.SizeOfItem() {
		l.fatalf("mean %q has %d elements, items have %d", l.ins[0].Name(), l.ins[0].NumElements(), dataShape.SizeOfItem())
	}
	if l.requests == nil {
		l.startProducer()
	}
	return bytes
}

func (l *DiskData) open() {
	path := l.node.Str("file_data")
	f, err := serialization.Open(l.ctx.IO, path)
	if err != nil {
		l.fatalf("%+v", err)
	}
	h, err := serialization.NewReader(f).ReadHeader()
	if err != nil {
		_ = f.Close()
		l.fatalf("%+v", errors.WithMessagef(err, "failed to read header of %s", path))
	}
	if len(h.Dims) != len(l.crop)+2 {
		_ = f.Close()
		l.fatalf("data %s has dims %s, need %d spatial dims for size_crop %v", path, h.Dims, len(l.crop), l.crop)
	}
	for d, c := range l.crop {
		if c <= 0 || c > h.Dims[d+2] {
			_ = f.Close()
			l.fatalf("size_crop %v does not fit data dims %s", l.crop, h.Dims)
		}
	}
	l.file, l.kind = f, h.Kind()
	l.offset = int64(h.HeaderSize())
	l.itemDims = append([]int(nil), h.Dims[1:]...)

	l.label = l.readBuffer(l.node.Str("file_label"), 0)
	if l.label.Shape()[0] != h.Dims[0] {
		l.fatalf("%d data items but %d labels", h.Dims[0], l.label.Shape()[0])
	}
	if rank := len(h.Dims); len(l.label.Shape()) < rank {
		shape := l.label.Shape().Clone()
		for len(shape) < rank {
			shape = append(shape, 1)
		}
		l.label.Reshape(shape)
	}
	klog.V(1).Infof("DiskData %s: %s items of %v %s", l.Name(), l.kind, l.itemDims, path)
}

func (l *DiskData) startProducer() {
	l.rng = rand.New(rand.NewPCG(l.ctx.Rand.Uint64(), l.ctx.Rand.Uint64())) //nolint:gosec // not security sensitive
	l.order = make([]int, l.NumItems())
	for i := range l.order {
		l.order[i] = i
	}
	if l.phase != Testing {
		l.shuffle()
	}
	l.requests = make(chan struct{}, 1)
	l.ready = make(chan *diskBatch, 1)
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	l.requests <- struct{}{}
	go l.produce()
}

func (l *DiskData) shuffle() {
	l.rng.Shuffle(len(l.order), func(i, j int) { l.order[i], l.order[j] = l.order[j], l.order[i] })
}

func (l *DiskData) produce() {
	defer close(l.done)
	for {
		select {
		case <-l.stop:
			return
		case <-l.requests:
		}
		var b *diskBatch
		if err := exceptions.TryCatch[error](func() { b = l.prefetch() }); err != nil {
			b = &diskBatch{err: err}
		}
		select {
		case l.ready <- b:
		case <-l.stop:
			return
		}
	}
}

// prefetch reads and crops the next batch_size items.
func (l *DiskData) prefetch() *diskBatch {
	channels := l.itemDims[0]
	orig := l.itemDims[1:]
	cropItem := channels * product(l.crop)
	labelItem := l.label.SizeOfItem()
	raw := make([]byte, product(l.itemDims)*l.kind.Size())
	item := make([]float32, product(l.itemDims))
	b := &diskBatch{
		data:  make([]float32, l.batch*cropItem),
		label: make([]float32, l.batch*labelItem),
	}
	labels := l.label.Float32()
	begin := make([]int, len(l.crop))
	for i := 0; i < l.batch; i++ {
		idx := l.order[l.counter]
		copy(b.label[i*labelItem:(i+1)*labelItem], labels[idx*labelItem:(idx+1)*labelItem])

		if _, err := l.file.ReadAt(raw, l.offset+int64(idx)*int64(len(raw))); err != nil {
			l.fatalf("reading item %d: %v", idx, err)
		}
		tensor.DecodeFloat32(l.kind, raw, item)

		for d := range l.crop {
			switch {
			case l.phase == Testing:
				begin[d] = (orig[d] - l.crop[d]) / 2
			default:
				begin[d] = l.rng.IntN(orig[d] - l.crop[d] + 1)
			}
		}
		flip := l.mirror && l.rng.IntN(2) == 1
		cropItemInto(item, channels, orig, l.crop, begin, flip, b.data[i*cropItem:(i+1)*cropItem])

		l.counter++
		if l.counter >= len(l.order) {
			if l.phase != Testing {
				l.shuffle()
			}
			l.counter = 0
			l.pEpoch++
		}
	}
	b.epoch = l.pEpoch
	return b
}

// cropItemInto copies the crop of one [channels, orig...] item starting at
// begin into dst, flipping the second spatial axis when flip is set.
func cropItemInto(item []float32, channels int, orig, crop, begin []int, flip bool, dst []float32) {
	origPlane, cropPlane := product(orig), product(crop)
	depth, origDepth := 1, 1
	if len(crop) == 3 {
		depth, origDepth = crop[2], orig[2]
	}
	for x := 0; x < crop[0]; x++ {
		xo := x + begin[0]
		for y := 0; y < crop[1]; y++ {
			yo := y + begin[1]
			if flip {
				yo = orig[1] - 1 - yo
			}
			for z := 0; z < depth; z++ {
				zo := z
				if len(crop) == 3 {
					zo += begin[2]
				}
				si := (xo*orig[1]+yo)*origDepth + zo
				di := (x*crop[1]+y)*depth + z
				for c := 0; c < channels; c++ {
					dst[di+c*cropPlane] = item[si+c*origPlane]
				}
			}
		}
	}
}

// Forward waits for the prepared batch, uploads it and requests the next.
// It panics once the layer is closed.
func (l *DiskData) Forward(Phase) {
	l.checkAllocated()
	var b *diskBatch
	select {
	case b = <-l.ready:
	case <-l.done:
		l.fatalf("used after Close")
	}
	if b.err != nil {
		panic(b.err)
	}
	l.epoch = b.epoch
	data := l.outs[0].Data().Float32()
	copy(data, b.data)
	if len(l.ins) == 1 {
		mean := l.ins[0].Data().Float32()
		for i := range data {
			data[i] -= mean[i%len(mean)]
		}
	}
	l.outs[1].Data().CopyFrom(b.label)
	l.requests <- struct{}{}
}

// Close stops the producer and releases the data file.
func (l *DiskData) Close() error {
	var err error
	l.once.Do(func() {
		if l.stop != nil {
			close(l.stop)
			<-l.done
			select {
			case <-l.ready:
			default:
			}
		}
		if l.file != nil {
			err = l.file.Close()
		}
	})
	return err
}

func product(dims []int) int {
	p := 1
	for _, d := range dims {
		p *= d
	}
	return p
}
