// Package cpu is the host math library behind every layer: dense and
// grouped n-dimensional convolution via im2col, pooling, normalization,
// nonlinearities, region-of-interest operators and loss kernels.
//
// All kernels operate on row-major []float32 slices laid out as
// [N, C, spatial...]. Kernels that produce gradients accumulate into their
// destination (dst += ...) instead of overwriting it, so several consumers of
// one Response can each add their contribution.
package cpu
