package config

import (
	"fmt"
	"maps"
	"reflect"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Node is one block of a description: a layer, or the train/test block.
type Node struct {
	Type  string
	Name  string
	In    []string
	Out   []string
	attrs map[string]any
}

// NewNode creates a Node from an attribute map. The "type", "name", "in" and
// "out" keys are lifted into the corresponding fields.
func NewNode(attrs map[string]any) (*Node, error) {
	n := &Node{attrs: maps.Clone(attrs)}
	if n.attrs == nil {
		n.attrs = make(map[string]any)
	}
	var err error
	if n.Type, err = n.liftString("type"); err != nil {
		return nil, err
	}
	if n.Name, err = n.liftString("name"); err != nil {
		return nil, err
	}
	if n.In, err = n.liftStrings("in"); err != nil {
		return nil, err
	}
	if n.Out, err = n.liftStrings("out"); err != nil {
		return nil, err
	}
	return n, nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (n *Node) UnmarshalYAML(value *yaml.Node) error {
	var attrs map[string]any
	if err := value.Decode(&attrs); err != nil {
		return err
	}
	decoded, err := NewNode(attrs)
	if err != nil {
		return errors.WithMessagef(err, "line %d", value.Line)
	}
	*n = *decoded
	return nil
}

func (n *Node) liftString(key string) (string, error) {
	v, ok := n.attrs[key]
	if !ok {
		return "", nil
	}
	delete(n.attrs, key)
	s, ok := v.(string)
	if !ok {
		return "", errors.Errorf("attribute %q must be a string, got %T", key, v)
	}
	return s, nil
}

// liftStrings accepts a single string or a list of strings.
func (n *Node) liftStrings(key string) ([]string, error) {
	v, ok := n.attrs[key]
	if !ok {
		return nil, nil
	}
	delete(n.attrs, key)
	if s, ok := v.(string); ok {
		return []string{s}, nil
	}
	out, err := convert[[]string](v)
	if err != nil {
		return nil, errors.WithMessagef(err, "attribute %q", key)
	}
	return out, nil
}

// Has reports whether the attribute is set.
func (n *Node) Has(key string) bool {
	v, ok := n.attrs[key]
	return ok && v != nil
}

// Set sets an attribute.
func (n *Node) Set(key string, value any) {
	if n.attrs == nil {
		n.attrs = make(map[string]any)
	}
	n.attrs[key] = value
}

// Len returns the number of attributes.
func (n *Node) Len() int { return len(n.attrs) }

func (n *Node) String() string {
	if n.Type == "" {
		return n.Name
	}
	return fmt.Sprintf("%s %q", n.Type, n.Name)
}

// GetOr returns the attribute converted to T, or defaultValue when it is
// missing. A value that cannot be converted panics.
func GetOr[T any](n *Node, key string, defaultValue T) T {
	v, ok := n.attrs[key]
	if !ok || v == nil {
		return defaultValue
	}
	return mustConvert[T](n, key, v)
}

// MustGet returns the attribute converted to T, panicking when it is missing
// or cannot be converted.
func MustGet[T any](n *Node, key string) T {
	v, ok := n.attrs[key]
	if !ok || v == nil {
		exceptions.Panicf("%s: missing required attribute %q", n, key)
	}
	return mustConvert[T](n, key, v)
}

func mustConvert[T any](n *Node, key string, v any) T {
	out, err := convert[T](v)
	if err != nil {
		exceptions.Panicf("%s: attribute %q: %v", n, key, err)
	}
	return out
}

// Int returns a required integer attribute.
func (n *Node) Int(key string) int { return MustGet[int](n, key) }

// IntOr returns an integer attribute or def.
func (n *Node) IntOr(key string, def int) int { return GetOr(n, key, def) }

// Ints returns a required integer list attribute.
func (n *Node) Ints(key string) []int { return MustGet[[]int](n, key) }

// IntsOr returns an integer list attribute or def.
func (n *Node) IntsOr(key string, def []int) []int { return GetOr(n, key, def) }

// Float returns a required floating-point attribute.
func (n *Node) Float(key string) float64 { return MustGet[float64](n, key) }

// FloatOr returns a floating-point attribute or def.
func (n *Node) FloatOr(key string, def float64) float64 { return GetOr(n, key, def) }

// FloatsOr returns a floating-point list attribute or def.
func (n *Node) FloatsOr(key string, def []float64) []float64 { return GetOr(n, key, def) }

// Str returns a required string attribute.
func (n *Node) Str(key string) string { return MustGet[string](n, key) }

// StrOr returns a string attribute or def.
func (n *Node) StrOr(key, def string) string { return GetOr(n, key, def) }

// Strs returns a required string list attribute.
func (n *Node) Strs(key string) []string { return MustGet[[]string](n, key) }

// StrsOr returns a string list attribute or def.
func (n *Node) StrsOr(key string, def []string) []string { return GetOr(n, key, def) }

// BoolOr returns a boolean attribute or def.
func (n *Node) BoolOr(key string, def bool) bool { return GetOr(n, key, def) }

// convert maps the dynamic values produced by the YAML decoder (int,
// float64, string, bool and []any of those) onto T.
func convert[T any](v any) (T, error) {
	var zero T
	if out, ok := v.(T); ok {
		return out, nil
	}
	target := reflect.TypeOf(zero)
	rv, err := convertValue(reflect.ValueOf(v), target)
	if err != nil {
		return zero, err
	}
	return rv.Interface().(T), nil
}

func convertValue(v reflect.Value, target reflect.Type) (reflect.Value, error) {
	if v.Kind() == reflect.Interface && !v.IsNil() {
		v = v.Elem()
	}
	if !v.IsValid() {
		return reflect.Value{}, errors.Errorf("null cannot be converted to %s", target)
	}
	if v.Type() == target {
		return v, nil
	}
	switch target.Kind() {
	case reflect.Slice:
		if v.Kind() != reflect.Slice {
			// A scalar is accepted as a single-element list.
			elem, err := convertValue(v, target.Elem())
			if err != nil {
				return reflect.Value{}, err
			}
			out := reflect.MakeSlice(target, 1, 1)
			out.Index(0).Set(elem)
			return out, nil
		}
		out := reflect.MakeSlice(target, v.Len(), v.Len())
		for i := 0; i < v.Len(); i++ {
			elem, err := convertValue(v.Index(i), target.Elem())
			if err != nil {
				return reflect.Value{}, errors.WithMessagef(err, "element %d", i)
			}
			out.Index(i).Set(elem)
		}
		return out, nil
	case reflect.Int, reflect.Int32, reflect.Int64:
		switch v.Kind() {
		case reflect.Int, reflect.Int32, reflect.Int64:
			return v.Convert(target), nil
		case reflect.Float32, reflect.Float64:
			if f := v.Float(); f == float64(int64(f)) {
				return reflect.ValueOf(int64(f)).Convert(target), nil
			}
		}
	case reflect.Float32, reflect.Float64:
		switch v.Kind() {
		case reflect.Int, reflect.Int32, reflect.Int64, reflect.Float32, reflect.Float64:
			return v.Convert(target), nil
		}
	}
	return reflect.Value{}, errors.Errorf("%v (%s) cannot be converted to %s", v.Interface(), v.Type(), target)
}
