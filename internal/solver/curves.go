package solver

import (
	"fmt"
	"io"
	"sort"

	mg "github.com/erkkah/margaid"
	"github.com/pkg/errors"
)

// Curves records the losses reported during training and renders them as
// an SVG line plot, one line per Loss layer and phase.
type Curves struct {
	perName map[string]*mg.Series
	all     *mg.Series
	points  int
}

// NewCurves returns an empty recorder.
func NewCurves() *Curves {
	return &Curves{perName: make(map[string]*mg.Series), all: mg.NewSeries()}
}

// Add records the loss of every stat at iteration iter under the given
// phase label ("train" or "test").
func (c *Curves) Add(label string, iter int, stats []LossStat) {
	for _, st := range stats {
		name := fmt.Sprintf("%s %s", label, st.Name)
		s, found := c.perName[name]
		if !found {
			s = mg.NewSeries(mg.Titled(name))
			c.perName[name] = s
		}
		v := mg.MakeValue(float64(iter), st.Loss)
		s.Add(v)
		c.all.Add(v)
		c.points++
	}
}

// Len returns the number of recorded points.
func (c *Curves) Len() int { return c.points }

// Names returns the recorded line names, sorted.
func (c *Curves) Names() []string {
	names := make([]string, 0, len(c.perName))
	for name := range c.perName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Render writes the plot as SVG.
func (c *Curves) Render(w io.Writer, width, height int) error {
	if c.points == 0 {
		return errors.New("no losses recorded")
	}
	names := c.Names()
	series := make([]*mg.Series, 0, len(names))
	for _, name := range names {
		series = append(series, c.perName[name])
	}
	diagram := mg.New(width, height,
		mg.WithAutorange(mg.XAxis, series...),
		mg.WithAutorange(mg.YAxis, series...),
		mg.WithInset(70),
		mg.WithPadding(2),
		mg.WithColorScheme(90),
		mg.WithBackgroundColor("#f8f8f8"),
	)
	for _, s := range series {
		diagram.Line(s, mg.UsingAxes(mg.XAxis, mg.YAxis), mg.UsingMarker("square"), mg.UsingStrokeWidth(2))
	}
	diagram.Axis(c.all, mg.XAxis, diagram.ValueTicker('f', 0, 10), false, "Iterations")
	diagram.Axis(c.all, mg.YAxis, diagram.ValueTicker('f', 3, 10), true, "Loss")
	diagram.Frame()
	diagram.Title("Training losses")
	diagram.Legend(mg.BottomLeft)
	return errors.Wrap(diagram.Render(w), "failed to render loss plot")
}
