// Package config decodes architecture descriptions.
//
// A description is a YAML (or JSON, which YAML accepts) document with a
// "train" block, a "test" block and an ordered "layers" list:
//
//	train: {path: out/mnist, base_lr: 0.01, GPU: [0, 1]}
//	test:  {path: out/mnist}
//	layers:
//	  - {type: MemoryData, name: data, out: [data, label], file_data: train.gradnet, ...}
//	  - {type: Convolution, name: conv1, in: [data], out: [conv1], num_output: 20, window: [5, 5]}
//
// Attributes are read through typed accessors. Missing required attributes
// panic; optional ones fall back to the given default.
package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Description is a decoded architecture description.
type Description struct {
	Train  *Node
	Test   *Node
	Layers []*Node
}

type rawDescription struct {
	Train  map[string]any `yaml:"train"`
	Test   map[string]any `yaml:"test"`
	Layers []*Node        `yaml:"layers"`
}

// Parse decodes a description.
func Parse(data []byte) (*Description, error) {
	var raw rawDescription
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "failed to decode architecture")
	}
	d := &Description{
		Train:  &Node{Name: "train", attrs: raw.Train},
		Test:   &Node{Name: "test", attrs: raw.Test},
		Layers: raw.Layers,
	}
	seen := make(map[string]bool, len(d.Layers))
	for i, n := range d.Layers {
		if n == nil {
			return nil, errors.Errorf("layer #%d is empty", i)
		}
		if n.Type == "" {
			return nil, errors.Errorf("layer #%d (%q) has no type", i, n.Name)
		}
		if n.Name == "" {
			return nil, errors.Errorf("layer #%d of type %s has no name", i, n.Type)
		}
		if seen[n.Name] {
			return nil, errors.Errorf("duplicate layer name %q", n.Name)
		}
		seen[n.Name] = true
	}
	return d, nil
}

// Load reads and decodes a description file.
func Load(path string) (*Description, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read architecture %q", path)
	}
	d, err := Parse(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "architecture %q", path)
	}
	return d, nil
}
