package cpu

import (
	"math"

	"github.com/gomlx/exceptions"
)

// ROICropForward crops a fixed-size window per item. in has shape
// [N, inDims...], out has shape [N, outDims...] and starts holds
// len(outDims) start offsets per item.
func ROICropForward(in []float32, inDims []int, starts []float32, out []float32, outDims []int) {
	roiCrop(in, inDims, starts, out, outDims, func(o, i int) { out[o] = in[i] })
}

// ROICropBackward accumulates the crop gradient back into din.
func ROICropBackward(din []float32, inDims []int, starts []float32, dout []float32, outDims []int) {
	roiCrop(din, inDims, starts, dout, outDims, func(o, i int) { din[i] += dout[o] })
}

func roiCrop(in []float32, inDims []int, starts []float32, out []float32, outDims []int, f func(o, i int)) {
	k := len(outDims)
	if len(inDims) != k {
		exceptions.Panicf("roi: input rank %d does not match crop rank %d", len(inDims)+1, k+1)
	}
	oItem, iItem := product(outDims), product(inDims)
	pos := make([]int, k)
	n := len(out) / max(oItem, 1)
	for b := 0; b < n; b++ {
		for o := 0; o < oItem; o++ {
			unravel(o, outDims, pos)
			idx := 0
			for d := 0; d < k; d++ {
				x := pos[d] + int(starts[b*k+d])
				if x < 0 || x >= inDims[d] {
					exceptions.Panicf("roi: crop start %v of item %d falls outside %v", starts[b*k:(b+1)*k], b, inDims)
				}
				idx = idx*inDims[d] + x
			}
			f(b*oItem+o, b*iItem+idx)
		}
	}
}

// ROIPoolShape describes region-of-interest max pooling over data
// [Batch, Channels, In...] with boxes [NumROIs, 1+2*len(In)] whose rows hold
// the batch index followed by (start, end) pairs per spatial dimension.
type ROIPoolShape struct {
	Batch        int
	Channels     int
	In           []int
	Pooled       []int
	NumROIs      int
	SpatialScale float32
}

// ROIPoolForward max-pools each box into Pooled bins. argmax receives the
// flat input index of each maximum, or -1 for empty bins.
func ROIPoolForward(s ROIPoolShape, in, rois, out []float32, argmax []int) {
	nd := len(s.In)
	stride := 1 + 2*nd
	pSize, iSize := product(s.Pooled), product(s.In)
	ppos := make([]int, nd)
	lo, hi := make([]int, nd), make([]int, nd)
	start := make([]int, nd)
	bin := make([]float64, nd)
	for r := 0; r < s.NumROIs; r++ {
		box := rois[r*stride : (r+1)*stride]
		batch := int(box[0])
		for d := 0; d < nd; d++ {
			start[d] = int(math.Round(float64(box[1+2*d] * s.SpatialScale)))
			end := int(math.Round(float64(box[2+2*d] * s.SpatialScale)))
			// Malformed boxes are forced to size 1.
			bin[d] = float64(max(end-start[d]+1, 1)) / float64(s.Pooled[d])
		}
		for c := 0; c < s.Channels; c++ {
			plane := in[(batch*s.Channels+c)*iSize : (batch*s.Channels+c+1)*iSize]
			for p := 0; p < pSize; p++ {
				unravel(p, s.Pooled, ppos)
				empty := false
				for d := 0; d < nd; d++ {
					lo[d] = min(max(int(math.Floor(float64(ppos[d])*bin[d]))+start[d], 0), s.In[d])
					hi[d] = min(max(int(math.Ceil(float64(ppos[d]+1)*bin[d]))+start[d], 0), s.In[d])
					empty = empty || hi[d] <= lo[d]
				}
				o := (r*s.Channels+c)*pSize + p
				if empty {
					out[o], argmax[o] = 0, -1
					continue
				}
				best, bestIdx := float32(-math.MaxFloat32), -1
				forEachInBox(lo, hi, s.In, func(idx int) {
					if v := plane[idx]; v > best {
						best, bestIdx = v, idx
					}
				})
				out[o] = best
				argmax[o] = (batch*s.Channels+c)*iSize + bestIdx
			}
		}
	}
}

// ROIPoolBackward accumulates each pooled gradient into the input element
// recorded in argmax.
func ROIPoolBackward(dout []float32, argmax []int, din []float32) {
	for o, idx := range argmax {
		if idx >= 0 {
			din[idx] += dout[o]
		}
	}
}

// forEachInBox visits every flat index inside the box [lo, hi) of dims.
func forEachInBox(lo, hi, dims []int, f func(idx int)) {
	nd := len(dims)
	pos := make([]int, nd)
	copy(pos, lo)
	for {
		idx := 0
		for d := 0; d < nd; d++ {
			idx = idx*dims[d] + pos[d]
		}
		f(idx)
		d := nd - 1
		for ; d >= 0; d-- {
			pos[d]++
			if pos[d] < hi[d] {
				break
			}
			pos[d] = lo[d]
		}
		if d < 0 {
			return
		}
	}
}
