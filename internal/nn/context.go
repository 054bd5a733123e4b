package nn

import (
	"context"
	"math/rand/v2"

	"github.com/born-ml/gradnet/internal/device"
)

// Context carries the per-Net state shared by all of its layers: the
// device that holds their memory, the random source for fillers, shuffling
// and dropout, and the debug flag.
//
// One Context belongs to exactly one Net, so replicas running concurrently
// never share one.
type Context struct {
	Device device.Device
	Rand   *rand.Rand
	Debug  bool

	// IO bounds file access made by data layers (open retries, prefetch).
	IO context.Context
}

// NewContext creates a Context on dev with a seeded random source.
func NewContext(dev device.Device, seed uint64) *Context {
	return &Context{
		Device: dev,
		Rand:   rand.New(rand.NewPCG(seed, uint64(dev.ID())+1)), //nolint:gosec // not security sensitive
		IO:     context.Background(),
	}
}
