//go:build !windows

package device

// NewWebGPU is only available on Windows builds.
func NewWebGPU(int) (Device, error) {
	return nil, ErrUnsupported
}
