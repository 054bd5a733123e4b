package cpu

import "math"

// LRNParams configures cross-channel local response normalization.
type LRNParams struct {
	Size  int
	Alpha float32
	Beta  float32
	K     float32
}

func (p LRNParams) span() (pre, post int) {
	pre = (p.Size - 1) / 2
	return pre, p.Size - 1 - pre
}

// LRNForward computes y = x * scale^-beta with
// scale = k + alpha/size * Σ x² over a window of Size neighbouring channels.
// scale is kept for the backward pass.
func LRNForward(p LRNParams, x, y, scale []float32, n, c, spatial int) {
	pre, post := p.span()
	coeff := p.Alpha / float32(p.Size)
	for b := 0; b < n; b++ {
		base := b * c * spatial
		for s := 0; s < spatial; s++ {
			for ch := 0; ch < c; ch++ {
				var sq float32
				for j := max(ch-pre, 0); j <= min(ch+post, c-1); j++ {
					v := x[base+j*spatial+s]
					sq += v * v
				}
				k := base + ch*spatial + s
				scale[k] = p.K + coeff*sq
				y[k] = x[k] * float32(math.Pow(float64(scale[k]), -float64(p.Beta)))
			}
		}
	}
}

// LRNBackward accumulates the input gradient of LRNForward into dx.
func LRNBackward(p LRNParams, x, y, scale, dy, dx []float32, n, c, spatial int) {
	pre, post := p.span()
	coeff := 2 * p.Alpha * p.Beta / float32(p.Size)
	for b := 0; b < n; b++ {
		base := b * c * spatial
		for s := 0; s < spatial; s++ {
			for ch := 0; ch < c; ch++ {
				k := base + ch*spatial + s
				g := dy[k] * float32(math.Pow(float64(scale[k]), -float64(p.Beta)))
				// Channel ch lies in the window of every j in [ch-post, ch+pre].
				var acc float32
				for j := max(ch-post, 0); j <= min(ch+pre, c-1); j++ {
					kj := base + j*spatial + s
					acc += dy[kj] * y[kj] / scale[kj]
				}
				dx[k] += g - coeff*x[k]*acc
			}
		}
	}
}
