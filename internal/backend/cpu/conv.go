package cpu

import (
	"github.com/gomlx/exceptions"

	"github.com/born-ml/gradnet/internal/parallel"
)

// ConvShape describes a grouped n-dimensional convolution over inputs laid
// out as [Batch, InChannels, In...] with weights laid out as
// [OutChannels, InChannels/Group, Window...].
type ConvShape struct {
	Batch       int
	InChannels  int
	OutChannels int
	Group       int
	In          []int // spatial input size
	Window      []int
	Padding     []int
	Stride      []int
}

// Out returns the spatial output size, (in + 2p - w)/s + 1 per dimension.
func (s ConvShape) Out() []int {
	out := make([]int, len(s.In))
	for d := range s.In {
		out[d] = (s.In[d]+2*s.Padding[d]-s.Window[d])/s.Stride[d] + 1
	}
	return out
}

// Validate panics when the geometry is inconsistent.
func (s ConvShape) Validate() {
	nd := len(s.In)
	if len(s.Window) != nd || len(s.Padding) != nd || len(s.Stride) != nd {
		exceptions.Panicf("convolution: window %v, padding %v and stride %v must have %d entries",
			s.Window, s.Padding, s.Stride, nd)
	}
	if s.Group <= 0 || s.InChannels%s.Group != 0 || s.OutChannels%s.Group != 0 {
		exceptions.Panicf("convolution: %d input and %d output channels are not divisible into %d groups",
			s.InChannels, s.OutChannels, s.Group)
	}
	for d, o := range s.Out() {
		if o <= 0 || s.Stride[d] <= 0 {
			exceptions.Panicf("convolution: invalid output size %v for input %v (window %v, padding %v, stride %v)",
				s.Out(), s.In, s.Window, s.Padding, s.Stride)
		}
	}
}

// WeightCount returns the number of weight elements.
func (s ConvShape) WeightCount() int {
	return s.OutChannels * s.InChannels / s.Group * product(s.Window)
}

// im2col unrolls the input patches of `channels` channels of one image into
// a (channels*prod(Window)) × prod(Out) matrix.
func (s ConvShape) im2col(img []float32, channels int, col []float32) {
	nd := len(s.In)
	out := s.Out()
	kSize, oSize, iSize := product(s.Window), product(out), product(s.In)
	parallel.For(channels*kSize, func(r int) {
		c, k := r/kSize, r%kSize
		kpos := make([]int, nd)
		opos := make([]int, nd)
		unravel(k, s.Window, kpos)
		row := col[r*oSize : (r+1)*oSize]
		src := img[c*iSize : (c+1)*iSize]
		for o := range row {
			unravel(o, out, opos)
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
				row[o] = src[idx]
			} else {
				row[o] = 0
			}
		}
	}, cfg)
}

// col2imAdd is the adjoint of im2col: it scatters col back onto img,
// accumulating overlapping patches.
func (s ConvShape) col2imAdd(col []float32, channels int, img []float32) {
	nd := len(s.In)
	out := s.Out()
	kSize, oSize, iSize := product(s.Window), product(out), product(s.In)
	// Channels are independent, so parallelize over them to avoid write races.
	parallel.For(channels, func(c int) {
		kpos := make([]int, nd)
		opos := make([]int, nd)
		dst := img[c*iSize : (c+1)*iSize]
		for k := 0; k < kSize; k++ {
			unravel(k, s.Window, kpos)
			row := col[(c*kSize+k)*oSize : (c*kSize+k+1)*oSize]
			for o, v := range row {
				unravel(o, out, opos)
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
					dst[idx] += v
				}
			}
		}
	}, parallel.Config{Enabled: cfg.Enabled, NumWorkers: cfg.NumWorkers, MinChunkSize: 1})
}

type convDims struct {
	cg, og, kSize, oSize, iSize, colRows int
}

func (s ConvShape) dims() convDims {
	cg, og := s.InChannels/s.Group, s.OutChannels/s.Group
	kSize := product(s.Window)
	return convDims{
		cg: cg, og: og, kSize: kSize,
		oSize:   product(s.Out()),
		iSize:   product(s.In),
		colRows: cg * kSize,
	}
}

// ConvForward computes out = conv(in, w). out is overwritten.
func ConvForward(s ConvShape, in, w, out []float32) {
	d := s.dims()
	col := make([]float32, d.colRows*d.oSize)
	wPerGroup := d.og * d.colRows
	for n := 0; n < s.Batch; n++ {
		for g := 0; g < s.Group; g++ {
			img := in[(n*s.InChannels+g*d.cg)*d.iSize:]
			s.im2col(img, d.cg, col)
			dst := out[(n*s.OutChannels+g*d.og)*d.oSize : (n*s.OutChannels+(g+1)*d.og)*d.oSize]
			Gemm(false, false, d.og, d.oSize, d.colRows, 1, w[g*wPerGroup:(g+1)*wPerGroup], col, 0, dst)
		}
	}
}

// ConvBackwardData accumulates the input gradient: din += convᵀ(w, dout).
func ConvBackwardData(s ConvShape, w, dout, din []float32) {
	d := s.dims()
	col := make([]float32, d.colRows*d.oSize)
	wPerGroup := d.og * d.colRows
	for n := 0; n < s.Batch; n++ {
		for g := 0; g < s.Group; g++ {
			dy := dout[(n*s.OutChannels+g*d.og)*d.oSize : (n*s.OutChannels+(g+1)*d.og)*d.oSize]
			Gemm(true, false, d.colRows, d.oSize, d.og, 1, w[g*wPerGroup:(g+1)*wPerGroup], dy, 0, col)
			s.col2imAdd(col, d.cg, din[(n*s.InChannels+g*d.cg)*d.iSize:])
		}
	}
}

// ConvBackwardFilter accumulates the weight gradient: dw += dout ⋆ in.
func ConvBackwardFilter(s ConvShape, in, dout, dw []float32) {
	d := s.dims()
	col := make([]float32, d.colRows*d.oSize)
	wPerGroup := d.og * d.colRows
	for n := 0; n < s.Batch; n++ {
		for g := 0; g < s.Group; g++ {
			s.im2col(in[(n*s.InChannels+g*d.cg)*d.iSize:], d.cg, col)
			dy := dout[(n*s.OutChannels+g*d.og)*d.oSize : (n*s.OutChannels+(g+1)*d.og)*d.oSize]
			Gemm(false, true, d.og, d.colRows, d.oSize, 1, dy, col, 1, dw[g*wPerGroup:(g+1)*wPerGroup])
		}
	}
}
