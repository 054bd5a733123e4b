package cpu

import (
	"math"

	"github.com/born-ml/gradnet/internal/parallel"
)

var cfg = parallel.Config{
	Enabled:      parallel.DefaultConfig().Enabled,
	NumWorkers:   parallel.DefaultConfig().NumWorkers,
	MinChunkSize: 8,
}

// Gemm computes C = alpha*op(A)*op(B) + beta*C for row-major matrices, where
// op(A) is m×k, op(B) is k×n and C is m×n. With transA the slice a holds the
// k×m matrix A and op(A) = Aᵀ; likewise for transB.
func Gemm(transA, transB bool, m, n, k int, alpha float32, a, b []float32, beta float32, c []float32) {
	parallel.For(m, func(i int) {
		row := c[i*n : (i+1)*n]
		if beta == 0 {
			clear(row)
		} else if beta != 1 {
			for j := range row {
				row[j] *= beta
			}
		}
		for p := 0; p < k; p++ {
			var av float32
			if transA {
				av = a[p*m+i]
			} else {
				av = a[i*k+p]
			}
			av *= alpha
			if av == 0 {
				continue
			}
			if transB {
				for j := range row {
					row[j] += av * b[j*k+p]
				}
			} else {
				brow := b[p*n : (p+1)*n]
				for j, bv := range brow {
					row[j] += av * bv
				}
			}
		}
	}, cfg)
}

// Axpy computes y += alpha*x.
func Axpy(alpha float32, x, y []float32) {
	for i, v := range x {
		y[i] += alpha * v
	}
}

// Accumulate computes dst += src.
func Accumulate(dst, src []float32) {
	for i, v := range src {
		dst[i] += v
	}
}

// Scale computes x *= alpha.
func Scale(alpha float32, x []float32) {
	for i := range x {
		x[i] *= alpha
	}
}

// Fill sets every element of x to v.
func Fill(x []float32, v float32) {
	for i := range x {
		x[i] = v
	}
}

// Asum returns the sum of absolute values of x.
func Asum(x []float32) float64 {
	var s float64
	for _, v := range x {
		s += math.Abs(float64(v))
	}
	return s
}

// HasNaN reports whether x contains a NaN.
func HasNaN(x []float32) bool {
	for _, v := range x {
		if v != v {
			return true
		}
	}
	return false
}

// Mul computes out = a*b element-wise.
func Mul(a, b, out []float32) {
	for i := range out {
		out[i] = a[i] * b[i]
	}
}

// MulAcc computes out += a*b element-wise.
func MulAcc(a, b, out []float32) {
	for i := range out {
		out[i] += a[i] * b[i]
	}
}

// Equal writes 1 where a and b are equal and 0 elsewhere.
func Equal(a, b, out []float32) {
	for i := range out {
		if a[i] == b[i] {
			out[i] = 1
		} else {
			out[i] = 0
		}
	}
}

// BiasForward adds bias[c] to every element of channel c of x [n, c, spatial].
func BiasForward(x, bias []float32, n, c, spatial int) {
	parallel.ForBatch(n, c, func(b, ch int) {
		plane := x[(b*c+ch)*spatial : (b*c+ch+1)*spatial]
		v := bias[ch]
		for i := range plane {
			plane[i] += v
		}
	}, cfg)
}

// BiasBackward accumulates the per-channel sums of dy [n, c, spatial] into dbias.
func BiasBackward(dy, dbias []float32, n, c, spatial int) {
	for ch := 0; ch < c; ch++ {
		var s float32
		for b := 0; b < n; b++ {
			for _, v := range dy[(b*c+ch)*spatial : (b*c+ch+1)*spatial] {
				s += v
			}
		}
		dbias[ch] += s
	}
}

// CopyItems copies n items of inItem elements from in into out, whose items
// hold outItem elements, starting at element offset inside each out item.
// Used to concatenate along the channel dimension.
func CopyItems(n int, in, out []float32, inItem, outItem, offset int) {
	for i := 0; i < n; i++ {
		copy(out[i*outItem+offset:i*outItem+offset+inItem], in[i*inItem:(i+1)*inItem])
	}
}

// CopyItemsBackward is the adjoint of CopyItems: in += the matching part of out.
func CopyItemsBackward(n int, in, out []float32, inItem, outItem, offset int) {
	for i := 0; i < n; i++ {
		Accumulate(in[i*inItem:(i+1)*inItem], out[i*outItem+offset:i*outItem+offset+inItem])
	}
}

func product(dims []int) int {
	p := 1
	for _, d := range dims {
		p *= d
	}
	return p
}

// unravel writes the row-major coordinates of flat index i in dims into pos.
func unravel(i int, dims, pos []int) {
	for d := len(dims) - 1; d >= 0; d-- {
		pos[d] = i % dims[d]
		i /= dims[d]
	}
}
