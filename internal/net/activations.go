package net

import (
	"context"
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/gradnet/internal/nn"
	"github.com/born-ml/gradnet/internal/serialization"
	"github.com/born-ml/gradnet/internal/tensor"
)

// topK keeps the k highest scoring crops of one channel.
type topK struct {
	k      int
	scores []float32
	crops  []*tensor.Buffer
	lowest float32
}

// admits reports whether a crop scoring v would be kept.
func (t *topK) admits(v float32) bool {
	return len(t.scores) < t.k || v > t.lowest
}

func (t *topK) add(v float32, crop *tensor.Buffer) {
	if len(t.scores) < t.k {
		t.scores = append(t.scores, v)
		t.crops = append(t.crops, crop)
	} else {
		i := slices.Index(t.scores, slices.Min(t.scores))
		t.scores[i], t.crops[i] = v, crop
	}
	if len(t.scores) == t.k {
		t.lowest = slices.Min(t.scores)
	}
}

// sorted returns the crops by descending score.
func (t *topK) sorted() ([]float32, []*tensor.Buffer) {
	order := make([]int, len(t.scores))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		switch {
		case t.scores[a] > t.scores[b]:
			return -1
		case t.scores[a] < t.scores[b]:
			return 1
		}
		return 0
	})
	scores := make([]float32, len(order))
	crops := make([]*tensor.Buffer, len(order))
	for i, j := range order {
		scores[i], crops[i] = t.scores[j], t.crops[j]
	}
	return scores, crops
}

// TopActivations runs the Training data over at most maxIter forward passes
// (stopping at the end of the first epoch) and, for every selected channel
// of every named Response, keeps the topK strongest activations. For each
// it saves the crop of the data Response under the activation's receptive
// field, to "<prefix><name>_<channel>.gradnet", strongest first.
//
// The data must be 2-D or 3-D.
func (n *Net) TopActivations(ctx context.Context, dataName string, names []string, channels [][]int, prefix string, k, maxIter int) error {
	if len(names) != len(channels) {
		return errors.Errorf("%d responses but %d channel lists", len(names), len(channels))
	}
	if k <= 0 {
		return errors.Errorf("topK must be positive, got %d", k)
	}
	n.phase = nn.Training
	data := n.DataLayer(nn.Training)
	if data == nil {
		return errors.New("no data layer for Training")
	}
	rData := n.mustResponse(dataName)
	if s := len(rData.Shape()) - 2; s != 2 && s != 3 {
		return errors.Errorf("data %q has shape %s, only 2-D and 3-D data are supported", dataName, rData.Shape())
	}
	tops := make([][]*topK, len(names))
	for i, name := range names {
		r := n.mustResponse(name)
		tops[i] = make([]*topK, len(channels[i]))
		for j, c := range channels[i] {
			if c < 0 || c >= r.Shape()[1] {
				return errors.Errorf("channel %d out of range for %q with %d channels", c, name, r.Shape()[1])
			}
			tops[i][j] = &topK{k: k}
		}
	}

	for iter := 0; data.Epoch() == 0 && iter < maxIter; iter++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		n.ResetLoss()
		n.Forward()
		n.Eval()
		klog.Infof("iteration %d  %s", iter, n.DisplayLosses())

		dataValues := rData.Data().Float32()
		for i, name := range names {
			n.collect(rData, dataValues, n.byName[name], channels[i], tops[i])
		}
	}

	for i, name := range names {
		for j, c := range channels[i] {
			scores, crops := tops[i][j].sorted()
			klog.Infof("%s_%d: %v", name, c, scores)
			for idx, crop := range crops {
				crop.SetName(fmt.Sprintf("%s_%d_%d", name, c, idx))
			}
			path := fmt.Sprintf("%s%s_%d%s", prefix, name, c, serialization.FileExtension)
			if err := writeNew(ctx, path, crops); err != nil {
				return err
			}
		}
	}
	return nil
}

// collect scores every position of the selected channels of r and crops the
// receptive field of the admitted ones out of the data.
func (n *Net) collect(rData *nn.Response, dataValues []float32, r *nn.Response, channels []int, tops []*topK) {
	dataShape := rData.Shape()
	spatial := len(dataShape) - 2
	if len(r.Shape())-2 != spatial || len(r.ReceptiveField) != spatial {
		exceptions.Panicf("response %q has shape %s, need %d spatial dims like the data", r.Name(), r.Shape(), spatial)
	}
	field := make([]int, spatial)
	offset := make([]int, spatial)
	for d := range spatial {
		field[d] = int(r.ReceptiveField[d] / rData.ReceptiveField[d])
		offset[d] = int(r.ReceptiveOffset[d] / rData.ReceptiveField[d])
	}
	cropShape := append(tensor.Shape{dataShape[1]}, field...)
	features := r.Data().Float32()
	rSpatial := r.Shape()[2:]
	positions := product(rSpatial)
	pos := make([]int, spatial)
	for j, c := range channels {
		for item := range r.Shape()[0] {
			for p := range positions {
				v := features[(item*r.Shape()[1]+c)*positions+p]
				if !tops[j].admits(v) {
					continue
				}
				unravel(p, rSpatial, pos)
				for d := range pos {
					pos[d] += offset[d]
				}
				crop := tensor.New("", tensor.KindFloat, cropShape)
				cropInto(dataValues, dataShape, item, pos, crop)
				tops[j].add(v, crop)
			}
		}
	}
}

// cropInto copies the window of the data item starting at begin into crop.
// Positions outside the data stay zero.
func cropInto(data []float32, dataShape tensor.Shape, item int, begin []int, crop *tensor.Buffer) {
	dst := crop.Float32()
	cropShape := crop.Shape()
	window := cropShape[1:]
	orig := dataShape[2:]
	plane := product(orig)
	at := make([]int, len(window))
	for ch := range cropShape[0] {
		base := (item*dataShape[1] + ch) * plane
		for w := range product(window) {
			unravel(w, window, at)
			src, inside := 0, true
			for d := range at {
				x := begin[d] + at[d]
				if x < 0 || x >= orig[d] {
					inside = false
					break
				}
				src = src*orig[d] + x
			}
			if inside {
				dst[ch*product(window)+w] = data[base+src]
			}
		}
	}
}

func writeNew(ctx context.Context, path string, buffers []*tensor.Buffer) error {
	f, err := serialization.CreateNew(ctx, path)
	if err != nil {
		return err
	}
	w := serialization.NewWriter(f)
	for _, b := range buffers {
		if err := w.WriteBuffer(b); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	return errors.Wrapf(f.Close(), "failed to close %s", path)
}

func product(dims []int) int {
	p := 1
	for _, d := range dims {
		p *= d
	}
	return p
}

// unravel converts the row-major index i over dims into pos.
func unravel(i int, dims, pos []int) {
	for d := len(dims) - 1; d >= 0; d-- {
		pos[d] = i % dims[d]
		i /= dims[d]
	}
}
