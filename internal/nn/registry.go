package nn

import (
	"sort"
	"sync"

	"github.com/born-ml/gradnet/internal/config"
)

// Constructor builds a Layer from its architecture node.
type Constructor func(node *config.Node) Layer

var (
	registryMu sync.RWMutex
	registry   = map[string]Constructor{}
)

// Register makes a layer type available under the given tag. Registering the
// same tag twice replaces the constructor.
func Register(typ string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[typ] = ctor
}

// Lookup returns the constructor for a type tag.
func Lookup(typ string) (Constructor, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	ctor, ok := registry[typ]
	return ctor, ok
}

// Types lists the registered type tags in order.
func Types() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	types := make([]string, 0, len(registry))
	for t := range registry {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func init() {
	Register("Tensor", NewTensor)
	Register("MemoryData", NewMemoryData)
	Register("DiskData", NewDiskData)
	Register("Convolution", NewConvolution)
	Register("InnerProduct", NewInnerProduct)
	Register("Pooling", NewPooling)
	Register("Activation", NewActivation)
	Register("Softmax", NewSoftmax)
	Register("Dropout", NewDropout)
	Register("LRN", NewLRN)
	Register("Reshape", NewReshape)
	Register("ROI", NewROI)
	Register("ROIPooling", NewROIPooling)
	Register("ElementWise", NewElementWise)
	Register("Concat", NewConcat)
	Register("Loss", NewLoss)
}
