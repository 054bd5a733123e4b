package device

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Backend names accepted by Open.
const (
	BackendHost   = "host"
	BackendWebGPU = "webgpu"
)

// ErrUnsupported is returned when a backend is not available in this build.
var ErrUnsupported = errors.New("device backend not supported on this platform")

// Open creates one device per ordinal on the named backend.
func Open(backend string, ids []int) ([]Device, error) {
	devices := make([]Device, 0, len(ids))
	for _, id := range ids {
		var (
			d   Device
			err error
		)
		switch backend {
		case "", BackendHost:
			d = NewHost(id)
		case BackendWebGPU:
			d, err = NewWebGPU(id)
		default:
			err = errors.Errorf("unknown device backend %q", backend)
		}
		if err != nil {
			CloseAll(devices)
			return nil, errors.WithMessagef(err, "failed to open device %d", id)
		}
		klog.V(1).Infof("opened device %s", d.Name())
		devices = append(devices, d)
	}
	return devices, nil
}

// CloseAll closes every device, logging failures.
func CloseAll(devices []Device) {
	for _, d := range devices {
		if err := d.Close(); err != nil {
			klog.Errorf("failed to close device %s: %v", d.Name(), err)
		}
	}
}
