package cpu

import (
	"math"

	"github.com/gomlx/exceptions"

	"github.com/born-ml/gradnet/internal/parallel"
)

// PoolShape describes n-dimensional pooling over [Batch, Channels, In...].
type PoolShape struct {
	Batch    int
	Channels int
	In       []int
	Window   []int
	Padding  []int
	Stride   []int
}

// Out returns the spatial output size, 1 + (in + 2p - w)/s per dimension.
func (s PoolShape) Out() []int {
	out := make([]int, len(s.In))
	for d := range s.In {
		out[d] = 1 + (s.In[d]+2*s.Padding[d]-s.Window[d])/s.Stride[d]
	}
	return out
}

// Validate panics when the geometry is inconsistent.
func (s PoolShape) Validate() {
	nd := len(s.In)
	if len(s.Window) != nd || len(s.Padding) != nd || len(s.Stride) != nd {
		exceptions.Panicf("pooling: window %v, padding %v and stride %v must have %d entries",
			s.Window, s.Padding, s.Stride, nd)
	}
	for d, o := range s.Out() {
		if o <= 0 || s.Stride[d] <= 0 || s.Window[d] <= 0 {
			exceptions.Panicf("pooling: invalid output size %v for input %v (window %v, padding %v, stride %v)",
				s.Out(), s.In, s.Window, s.Padding, s.Stride)
		}
	}
}

// window calls f with the flat input index of every in-bounds element of
// the pooling window of output position opos, and returns the window size
// including padded positions.
func (s PoolShape) window(opos, kpos []int, f func(idx int)) int {
	nd := len(s.In)
	kSize := product(s.Window)
	for k := 0; k < kSize; k++ {
		unravel(k, s.Window, kpos)
		idx, inside := 0, true
		for d := 0; d < nd; d++ {
			x := opos[d]*s.Stride[d] - s.Padding[d] + kpos[d]
			if x < 0 || x >= s.In[d] {
				inside = false
				break
			}
			idx = idx*s.In[d] + x
		}
		if inside {
			f(idx)
		}
	}
	return kSize
}

func (s PoolShape) planes(f func(plane int, opos, kpos []int)) {
	nd := len(s.In)
	parallel.For(s.Batch*s.Channels, func(p int) {
		f(p, make([]int, nd), make([]int, nd))
	}, parallel.Config{Enabled: cfg.Enabled, NumWorkers: cfg.NumWorkers, MinChunkSize: 1})
}

// MaxPoolForward writes the window maxima of in into out. Padded positions
// never win.
func MaxPoolForward(s PoolShape, in, out []float32) {
	oDims := s.Out()
	iSize, oSize := product(s.In), product(oDims)
	s.planes(func(p int, opos, kpos []int) {
		src, dst := in[p*iSize:(p+1)*iSize], out[p*oSize:(p+1)*oSize]
		for o := range dst {
			unravel(o, oDims, opos)
			best := float32(math.Inf(-1))
			s.window(opos, kpos, func(idx int) {
				if src[idx] > best {
					best = src[idx]
				}
			})
			dst[o] = best
		}
	})
}

// MaxPoolBackward routes each output gradient to the first input element
// that attained the window maximum, accumulating into din.
func MaxPoolBackward(s PoolShape, in, out, dout, din []float32) {
	oDims := s.Out()
	iSize, oSize := product(s.In), product(oDims)
	s.planes(func(p int, opos, kpos []int) {
		src, dst := in[p*iSize:(p+1)*iSize], din[p*iSize:(p+1)*iSize]
		y, dy := out[p*oSize:(p+1)*oSize], dout[p*oSize:(p+1)*oSize]
		for o := range dy {
			unravel(o, oDims, opos)
			target := -1
			s.window(opos, kpos, func(idx int) {
				if target < 0 && src[idx] == y[o] {
					target = idx
				}
			})
			if target >= 0 {
				dst[target] += dy[o]
			}
		}
	})
}

// AvgPoolForward writes window averages of in into out. Padded positions
// count as zeros in the divisor.
func AvgPoolForward(s PoolShape, in, out []float32) {
	oDims := s.Out()
	iSize, oSize := product(s.In), product(oDims)
	s.planes(func(p int, opos, kpos []int) {
		src, dst := in[p*iSize:(p+1)*iSize], out[p*oSize:(p+1)*oSize]
		for o := range dst {
			unravel(o, oDims, opos)
			var sum float32
			n := s.window(opos, kpos, func(idx int) { sum += src[idx] })
			dst[o] = sum / float32(n)
		}
	})
}

// AvgPoolBackward spreads each output gradient evenly over its window,
// accumulating into din.
func AvgPoolBackward(s PoolShape, dout, din []float32) {
	oDims := s.Out()
	iSize, oSize := product(s.In), product(oDims)
	inv := 1 / float32(product(s.Window))
	s.planes(func(p int, opos, kpos []int) {
		dst, dy := din[p*iSize:(p+1)*iSize], dout[p*oSize:(p+1)*oSize]
		for o := range dy {
			unravel(o, oDims, opos)
			g := dy[o] * inv
			s.window(opos, kpos, func(idx int) { dst[idx] += g })
		}
	})
}
