package net

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/gradnet/internal/nn"
	"github.com/born-ml/gradnet/internal/serialization"
	"github.com/born-ml/gradnet/internal/tensor"
)

// ResetLoss zeroes the running totals of every Loss layer.
func (n *Net) ResetLoss() {
	for _, l := range n.losses {
		l.ResetLoss()
	}
}

// Eval adds the loss of the current forward pass to the totals of every Loss
// layer running in the current phase.
func (n *Net) Eval() {
	for _, l := range n.losses {
		if n.runs(l) {
			l.Eval()
		}
	}
}

func (n *Net) average(iters int) {
	for _, l := range n.losses {
		l.Average(iters)
	}
}

// ActiveLosses returns the Loss layers running in the current phase.
func (n *Net) ActiveLosses() []nn.LossLayer {
	var active []nn.LossLayer
	for _, l := range n.losses {
		if n.runs(l) {
			active = append(active, l)
		}
	}
	return active
}

// DisplayLosses formats the totals of the active Loss layers.
func (n *Net) DisplayLosses() string {
	var parts []string
	for _, l := range n.ActiveLosses() {
		parts = append(parts, fmt.Sprintf("%s: %v", l.Name(), l))
	}
	return strings.Join(parts, "  ")
}

// StepTest runs TestIter forward passes in the Testing phase and leaves the
// averaged loss in the Loss layers. The previous phase is restored.
func (n *Net) StepTest() {
	prev := n.phase
	n.phase = nn.Testing
	defer func() { n.phase = prev }()

	n.ResetLoss()
	for range n.TestIter {
		n.Forward()
		n.Eval()
	}
	n.average(n.TestIter)
}

// StepTrain runs TrainIter forward/backward passes, accumulating the
// parameter gradients. With eval set it also leaves the averaged loss in the
// Loss layers; otherwise the losses stay zero.
// The weights are not changed: the solver updates the history from the
// gradients and then calls Update.
func (n *Net) StepTrain(eval bool) {
	n.ResetLoss()
	n.ClearDiff()
	for range n.TrainIter {
		n.Forward()
		n.Backward()
		if eval {
			n.Eval()
		}
	}
	if eval {
		n.average(n.TrainIter)
	}
}

// Test runs the Testing phase over one epoch of the first Testing data
// layer and returns the mean result of every Loss layer.
//
// When names is not empty, the named Responses are dumped to the matching
// files. With itersPerSave == 0 each file receives the whole dataset as one
// record; otherwise a new file "<file>_<k>.gradnet" is started every
// itersPerSave iterations. The dumps stop at the dataset size, so the zero
// padding of the last batch is not written.
func (n *Net) Test(ctx context.Context, names, files []string, itersPerSave int) (results []float64, err error) {
	if len(names) != len(files) {
		return nil, errors.Errorf("%d responses to dump but %d files", len(names), len(files))
	}
	n.phase = nn.Testing
	data := n.DataLayer(nn.Testing)
	if data == nil {
		return nil, errors.New("no data layer for Testing")
	}
	dumps := make([]*dump, len(names))
	for i, name := range names {
		dumps[i] = &dump{r: n.mustResponse(name), path: files[i]}
		shape := dumps[i].r.Shape().Clone()
		shape[0] = data.NumItems()
		dumps[i].remaining = shape.NumElements()
	}
	defer func() {
		for _, d := range dumps {
			if cerr := d.close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	}()

	results = make([]float64, len(n.losses))
	iter := 0
	for data.Epoch() == 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n.ResetLoss()
		n.Forward()
		n.Eval()
		for i, l := range n.losses {
			if n.runs(l) {
				results[i] += l.Result()
			}
		}
		klog.Infof("iteration %d  %s", iter, n.DisplayLosses())

		for _, d := range dumps {
			if err := d.write(ctx, iter, itersPerSave, data.NumItems()); err != nil {
				return nil, err
			}
		}
		iter++
	}
	for i := range results {
		results[i] /= float64(iter)
	}
	klog.Infof("average over %d iterations: %v", iter, results)
	return results, nil
}

// dump streams one Response into record files during Test.
type dump struct {
	r         *nn.Response
	path      string
	remaining int
	counter   int
	f         *os.File
	w         *serialization.Writer
}

func (d *dump) write(ctx context.Context, iter, itersPerSave, numItems int) error {
	if (itersPerSave == 0 && iter == 0) || (itersPerSave != 0 && iter%itersPerSave == 0) {
		if err := d.open(ctx, itersPerSave, numItems); err != nil {
			return err
		}
	}
	if d.w == nil || d.remaining <= 0 {
		return nil
	}
	written, err := d.w.WriteData(d.r.Read(), d.remaining)
	if err != nil {
		return err
	}
	d.remaining -= written
	if itersPerSave != 0 && iter%itersPerSave == itersPerSave-1 {
		return d.close()
	}
	return nil
}

func (d *dump) open(ctx context.Context, itersPerSave, numItems int) error {
	if err := d.close(); err != nil {
		return err
	}
	path := d.path
	shape := d.r.Shape().Clone()
	if itersPerSave == 0 {
		shape[0] = numItems
	} else {
		path = fmt.Sprintf("%s_%d%s", d.path, d.counter, serialization.FileExtension)
		perFile := d.r.Shape()[0] * itersPerSave
		saved := perFile * d.counter
		shape[0] = min(perFile, numItems-saved)
	}
	if shape[0] <= 0 {
		return nil
	}
	f, err := serialization.CreateNew(ctx, path)
	if err != nil {
		return err
	}
	d.f, d.w = f, serialization.NewWriter(f)
	d.counter++
	if err := d.w.WriteHeader(tensor.KindFloat, d.r.Name(), shape); err != nil {
		return err
	}
	klog.V(1).Infof("dumping %s %s to %s", d.r.Name(), shape, path)
	return nil
}

func (d *dump) close() error {
	if d.f == nil {
		return nil
	}
	f := d.f
	d.f = nil
	if err := d.w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	d.w = nil
	return errors.Wrapf(f.Close(), "failed to close %s", f.Name())
}
