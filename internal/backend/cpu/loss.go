package cpu

import "math"

// minProb is the smallest probability fed to log or divided by: the
// smallest normal float32, so 1/minProb stays finite.
const minProb = 0x1p-126

// ClassLoss describes a multinomial prediction pred [n, c, m] and labels
// [n, 1, m]. Weights are optional: ClassWeights is indexed by label and
// Weights (a tensor input) is indexed cyclically by element.
type ClassLoss struct {
	N, C, M      int
	ClassWeights []float32
	Weights      []float32
}

func (l ClassLoss) weight(label, elem int) float32 {
	w := float32(1)
	if len(l.ClassWeights) > 0 {
		w *= l.ClassWeights[label]
	}
	if len(l.Weights) > 0 {
		w *= l.Weights[elem%len(l.Weights)]
	}
	return w
}

func (l ClassLoss) each(label []float32, f func(baseID, elementID, lbl int)) {
	for idx := 0; idx < l.N*l.M; idx++ {
		lbl := int(label[idx])
		baseID := (idx/l.M)*l.C*l.M + idx%l.M
		f(baseID, baseID+lbl*l.M, lbl)
	}
}

// Accuracy returns the weighted count of positions where the labelled class
// has the highest score.
func (l ClassLoss) Accuracy(pred, label []float32) float64 {
	var sum float64
	l.each(label, func(baseID, elementID, lbl int) {
		p := pred[elementID]
		hit := float32(1)
		for d := 0; d < l.C; d++ {
			if pred[baseID+d*l.M] > p {
				hit = 0
				break
			}
		}
		sum += float64(hit * l.weight(lbl, elementID))
	})
	return sum
}

// LogLoss returns the weighted sum of -log(p[label]).
func (l ClassLoss) LogLoss(pred, label []float32) float64 {
	var sum float64
	l.each(label, func(_, elementID, lbl int) {
		p := max(float64(pred[elementID]), minProb)
		sum += -math.Log(p) * float64(l.weight(lbl, elementID))
	})
	return sum
}

// LogLossGrad accumulates the gradient of scale*LogLoss with respect to the
// probabilities into diff.
func (l ClassLoss) LogLossGrad(scale float32, pred, label, diff []float32) {
	l.each(label, func(_, elementID, lbl int) {
		p := max(pred[elementID], minProb)
		diff[elementID] -= scale * l.weight(lbl, elementID) / p
	})
}

// StableSoftmaxGrad accumulates the gradient of scale*LogLoss with respect
// to the logits that produced pred through a softmax: p - onehot(label).
func (l ClassLoss) StableSoftmaxGrad(scale float32, pred, label, diff []float32) {
	l.each(label, func(baseID, elementID, lbl int) {
		cw := float32(1)
		if len(l.ClassWeights) > 0 {
			cw = l.ClassWeights[lbl]
		}
		for d := 0; d < l.C; d++ {
			k := baseID + d*l.M
			w := cw
			if len(l.Weights) > 0 {
				w *= l.Weights[k%len(l.Weights)]
			}
			diff[k] += scale * w * pred[k]
		}
		diff[elementID] -= scale * l.weight(lbl, elementID)
	})
}

// SmoothL1Loss returns Σ f(w*(pred-target)) with f(x) = 0.5x² for |x| < 1
// and |x| - 0.5 otherwise. weight may be nil.
func SmoothL1Loss(pred, target, weight []float32) float64 {
	var sum float64
	for i := range pred {
		v := float64(pred[i] - target[i])
		if weight != nil {
			v *= float64(weight[i])
		}
		if a := math.Abs(v); a < 1 {
			sum += 0.5 * v * v
		} else {
			sum += a - 0.5
		}
	}
	return sum
}

// SmoothL1Grad accumulates scale*f'(w*(pred-target)) into diff.
func SmoothL1Grad(scale float32, pred, target, weight, diff []float32) {
	for i := range pred {
		v := pred[i] - target[i]
		if weight != nil {
			v *= weight[i]
		}
		switch {
		case v > -1 && v < 1:
			diff[i] += scale * v
		case v > 0:
			diff[i] += scale
		default:
			diff[i] -= scale
		}
	}
}

// ContrastiveLoss returns Σ ½(y·d² + (1-y)·max(margin-d, 0)²) over n pairs of
// c-dimensional embeddings a and b, with d the Euclidean distance.
func ContrastiveLoss(a, b, y []float32, n, c int, margin float32) float64 {
	var sum float64
	for i := 0; i < n; i++ {
		var d2 float64
		for k := i * c; k < (i+1)*c; k++ {
			diff := float64(a[k] - b[k])
			d2 += diff * diff
		}
		yn := float64(y[i])
		p := max(float64(margin)-math.Sqrt(d2), 0)
		sum += 0.5 * (yn*d2 + (1-yn)*p*p)
	}
	return sum
}

// ContrastiveGrad accumulates the contrastive loss gradient into da and db.
// Either may be nil.
func ContrastiveGrad(scale float32, a, b, y []float32, n, c int, margin float32, da, db []float32) {
	add := func(k int, beta float32) {
		if da != nil {
			da[k] += beta
		}
		if db != nil {
			db[k] -= beta
		}
	}
	for i := 0; i < n; i++ {
		if int(y[i]) != 0 {
			for k := i * c; k < (i+1)*c; k++ {
				add(k, scale*(a[k]-b[k]))
			}
			continue
		}
		var d2 float32
		for k := i * c; k < (i+1)*c; k++ {
			diff := a[k] - b[k]
			d2 += diff * diff
		}
		dist := float32(math.Sqrt(float64(d2)))
		if mdist := margin - dist; mdist > 0 {
			for k := i * c; k < (i+1)*c; k++ {
				add(k, -scale*mdist/(dist+1e-4)*(a[k]-b[k]))
			}
		}
	}
}
