package net

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/gradnet/internal/nn"
	"github.com/born-ml/gradnet/internal/serialization"
	"github.com/born-ml/gradnet/internal/tensor"
)

// LoadWeights reads a checkpoint and loads it with SetWeights. Gradient
// entries ("<name>_diff") are loaded into the parameter gradients when
// present.
func (n *Net) LoadWeights(ctx context.Context, path string) (*nn.LoadReport, error) {
	buffers, err := serialization.ReadAll(ctx, path, tensor.KindFloat)
	if err != nil {
		return nil, err
	}
	report := n.SetWeights(buffers)
	klog.Infof("loaded %d parameters from %s", len(report.Loaded), path)
	return report, nil
}

// SetWeights loads buffers into the parameters they name. Entries whose
// dims differ and entries that match no parameter are logged, recorded in
// the report and skipped.
func (n *Net) SetWeights(buffers []*tensor.Buffer) *nn.LoadReport {
	bufs := make(map[string]*tensor.Buffer, len(buffers))
	for _, b := range buffers {
		bufs[b.Name()] = b
	}
	report := &nn.LoadReport{}
	for _, l := range n.layers {
		nn.LoadParams(l.Params(), bufs, "", report)
	}
	diffs := &nn.LoadReport{}
	for _, l := range n.layers {
		var withDiff []*nn.Parameter
		for _, p := range l.Params() {
			if p.Diff() != nil {
				withDiff = append(withDiff, p)
			}
		}
		nn.LoadParams(withDiff, bufs, "_diff", diffs)
	}
	// Gradients are optional: only report the ones that were present.
	report.Loaded = append(report.Loaded, diffs.Loaded...)
	report.Mismatches = append(report.Mismatches, diffs.Mismatches...)

	names := make([]string, 0, len(bufs))
	for name := range bufs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		report.Mismatches = append(report.Mismatches, &nn.ParamMismatchError{Name: name, Got: bufs[name].Shape()})
	}
	report.Log()
	return report
}

// SaveWeights writes every parameter to path.
func (n *Net) SaveWeights(ctx context.Context, path string) error {
	return n.save(ctx, path, false)
}

// SaveDiffs writes every parameter followed by its gradient.
func (n *Net) SaveDiffs(ctx context.Context, path string) error {
	return n.save(ctx, path, true)
}

func (n *Net) save(ctx context.Context, path string, withDiff bool) error {
	var buffers []*tensor.Buffer
	for _, l := range n.layers {
		for _, p := range l.Params() {
			if p.Data() == nil {
				continue
			}
			buffers = append(buffers, p.Read())
			if withDiff && p.Diff() != nil {
				buffers = append(buffers, p.ReadDiff())
			}
		}
	}
	if err := serialization.WriteFile(ctx, path, buffers...); err != nil {
		return errors.WithMessage(err, "failed to save weights")
	}
	klog.Infof("saved %d tensors to %s", len(buffers), path)
	return nil
}
