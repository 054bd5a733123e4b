package cpu

import "math/rand/v2"

// DropoutMask fills mask with 0 (dropped, probability rate) or
// 1/(1-rate) (kept).
func DropoutMask(rng *rand.Rand, rate float32, mask []float32) {
	scale := 1 / (1 - rate)
	for i := range mask {
		if rng.Float32() < rate {
			mask[i] = 0
		} else {
			mask[i] = scale
		}
	}
}
