package nn

import (
	"math"
	"math/rand/v2"

	"github.com/pkg/errors"
)

// Filler selects how a Parameter is initialized.
type Filler int

const (
	Xavier Filler = iota
	Gaussian
	Constant
)

var fillerNames = [...]string{"Xavier", "Gaussian", "Constant"}

// ParseFiller parses a filler name.
func ParseFiller(name string) (Filler, error) {
	for i, n := range fillerNames {
		if n == name {
			return Filler(i), nil
		}
	}
	return 0, errors.Errorf("unknown filler %q", name)
}

func (f Filler) String() string { return fillerNames[f] }

// Fill initializes values, whose first dimension has dim0 entries.
//
// Xavier draws uniformly from ±sqrt(3/fanIn) with fanIn = len(values)/dim0,
// Gaussian from N(0, param²) and Constant sets every value to param.
func (f Filler) Fill(rng *rand.Rand, values []float32, dim0 int, param float64) {
	switch f {
	case Xavier:
		fanIn := len(values) / max(dim0, 1)
		scale := math.Sqrt(3 / float64(max(fanIn, 1)))
		for i := range values {
			values[i] = float32((rng.Float64()*2 - 1) * scale)
		}
	case Gaussian:
		for i := range values {
			values[i] = float32(rng.NormFloat64() * param)
		}
	case Constant:
		for i := range values {
			values[i] = float32(param)
		}
	}
}
