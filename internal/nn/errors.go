package nn

import (
	"fmt"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/gradnet/internal/tensor"
)

// ParamMismatchError describes a checkpoint entry that could not be loaded
// into a Parameter. Want is nil when no Parameter carries the entry's name.
type ParamMismatchError struct {
	Name string
	Want tensor.Shape
	Got  tensor.Shape
}

func (e *ParamMismatchError) Error() string {
	if e.Want == nil {
		return fmt.Sprintf("checkpoint entry %q %s matches no parameter", e.Name, e.Got)
	}
	return fmt.Sprintf("checkpoint entry %q has dims %s, parameter has %s", e.Name, e.Got, e.Want)
}

// LoadReport collects the outcome of a lenient checkpoint load.
type LoadReport struct {
	// Loaded names the parameters that received values.
	Loaded []string
	// Missing names the parameters the checkpoint did not cover.
	Missing []string
	// Mismatches holds entries that were skipped.
	Mismatches []*ParamMismatchError
}

// Merge appends another report.
func (r *LoadReport) Merge(other *LoadReport) {
	r.Loaded = append(r.Loaded, other.Loaded...)
	r.Missing = append(r.Missing, other.Missing...)
	r.Mismatches = append(r.Mismatches, other.Mismatches...)
}

// Log emits one warning per mismatch.
func (r *LoadReport) Log() {
	for _, m := range r.Mismatches {
		klog.Warningf("%v", m)
	}
	for _, name := range r.Missing {
		klog.V(1).Infof("parameter %q not found in checkpoint", name)
	}
}

// Load copies the values of b into the Parameter. It returns a
// *ParamMismatchError when the dims differ.
func (p *Parameter) Load(b *tensor.Buffer) error {
	return loadInto(p.name, p.shape, p.data, b)
}

// LoadDiff copies a gradient checkpoint entry into the Parameter.
func (p *Parameter) LoadDiff(b *tensor.Buffer) error {
	if p.diff == nil {
		return errors.Errorf("parameter %q has no gradient", p.name)
	}
	return loadInto(p.name+"_diff", p.shape, p.diff, b)
}

// LoadParams loads every Parameter whose name is a key of bufs, deleting
// the used keys. Entries are matched on name + suffix, so "_diff" loads
// gradients.
func LoadParams(params []*Parameter, bufs map[string]*tensor.Buffer, suffix string, report *LoadReport) {
	for _, p := range params {
		b, ok := bufs[p.name+suffix]
		if !ok {
			report.Missing = append(report.Missing, p.name+suffix)
			continue
		}
		delete(bufs, p.name+suffix)
		var err error
		if suffix == "" {
			err = p.Load(b)
		} else {
			err = p.LoadDiff(b)
		}
		var mismatch *ParamMismatchError
		switch {
		case errors.As(err, &mismatch):
			report.Mismatches = append(report.Mismatches, mismatch)
		case err != nil:
			klog.Warningf("%v", err)
		default:
			report.Loaded = append(report.Loaded, p.name+suffix)
		}
	}
}
