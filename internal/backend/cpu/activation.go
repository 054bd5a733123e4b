package cpu

import "math"

// ReLUForward computes y = max(x, 0).
func ReLUForward(x, y []float32) {
	for i, v := range x {
		y[i] = max(v, 0)
	}
}

// ReLUBackward accumulates dx += dy where y > 0.
func ReLUBackward(y, dy, dx []float32) {
	for i, v := range y {
		if v > 0 {
			dx[i] += dy[i]
		}
	}
}

// SigmoidForward computes y = 1/(1+exp(-x)).
func SigmoidForward(x, y []float32) {
	for i, v := range x {
		y[i] = float32(1 / (1 + math.Exp(-float64(v))))
	}
}

// SigmoidBackward accumulates dx += dy*y*(1-y).
func SigmoidBackward(y, dy, dx []float32) {
	for i, v := range y {
		dx[i] += dy[i] * v * (1 - v)
	}
}

// TanhForward computes y = tanh(x).
func TanhForward(x, y []float32) {
	for i, v := range x {
		y[i] = float32(math.Tanh(float64(v)))
	}
}

// TanhBackward accumulates dx += dy*(1-y²).
func TanhBackward(y, dy, dx []float32) {
	for i, v := range y {
		dx[i] += dy[i] * (1 - v*v)
	}
}

// SoftmaxForward computes a softmax across the channel dimension of
// x [n, c, spatial] for every item and spatial position.
func SoftmaxForward(x, y []float32, n, c, spatial int) {
	for b := 0; b < n; b++ {
		base := b * c * spatial
		for s := 0; s < spatial; s++ {
			m := float32(math.Inf(-1))
			for ch := 0; ch < c; ch++ {
				m = max(m, x[base+ch*spatial+s])
			}
			var sum float64
			for ch := 0; ch < c; ch++ {
				e := math.Exp(float64(x[base+ch*spatial+s] - m))
				y[base+ch*spatial+s] = float32(e)
				sum += e
			}
			for ch := 0; ch < c; ch++ {
				y[base+ch*spatial+s] = float32(float64(y[base+ch*spatial+s]) / sum)
			}
		}
	}
}

// SoftmaxBackward accumulates dx += y*(dy - Σ dy*y) across channels.
func SoftmaxBackward(y, dy, dx []float32, n, c, spatial int) {
	for b := 0; b < n; b++ {
		base := b * c * spatial
		for s := 0; s < spatial; s++ {
			var dot float32
			for ch := 0; ch < c; ch++ {
				k := base + ch*spatial + s
				dot += dy[k] * y[k]
			}
			for ch := 0; ch < c; ch++ {
				k := base + ch*spatial + s
				dx[k] += y[k] * (dy[k] - dot)
			}
		}
	}
}
