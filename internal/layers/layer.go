// Package layers provides the inference-time layers a serialized classifier
// graph is rebuilt from, and the registry that maps serialized class names to
// their constructors.
package layers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/Brownie44l1/defect-api/internal/tensor"
)

var (
	// ErrUnknownLayer is returned when a class name has no registered factory.
	ErrUnknownLayer = errors.New("layers: unknown layer class")
	// ErrShapeMismatch is returned when an input does not match the shape a layer was built for.
	ErrShapeMismatch = tensor.ErrShapeMismatch
	// ErrNotBuilt is returned by Call before Build allocated the layer's weights.
	ErrNotBuilt = errors.New("layers: layer is not built")
	// ErrInputArity is returned when a layer receives other than one input.
	ErrInputArity = errors.New("layers: expected exactly one input")
	// ErrInvalidConfig is returned for configurations the layer cannot honour.
	ErrInvalidConfig = errors.New("layers: invalid config")
)

// Layer is a node of an inference graph.
type Layer interface {
	// Name returns the unique layer name weights are bound by.
	Name() string
	// ClassName returns the serialized type identifier.
	ClassName() string
	// Build allocates the layer's weights for the given input shape and
	// returns the output shape. Unknown dimensions are -1.
	Build(input tensor.Shape) (tensor.Shape, error)
	// Call runs the forward transform. The input may be passed directly or
	// as a single-element slice. Outputs are allocated from scope.
	Call(scope *tensor.Scope, inputs ...*tensor.Tensor) (*tensor.Tensor, error)
	// Weights returns the named weights allocated by Build, in declaration order.
	Weights() []*Weight
	// Config returns the serializable configuration.
	Config() any
}

// Weight is a named parameter of a layer.
type Weight struct {
	Name  string
	Value *tensor.Tensor
}

// Spec is the serialized form of a layer: its class name and raw config.
type Spec struct {
	ClassName string          `json:"class_name"`
	Config    json.RawMessage `json:"config"`
}

// BaseConfig carries the keys every serialized layer shares.
type BaseConfig struct {
	Name      string          `json:"name"`
	Trainable bool            `json:"trainable"`
	DType     json.RawMessage `json:"dtype,omitempty"`

	// BatchInputShape and BatchShape declare the model input on the first
	// layer; null entries are unknown dimensions.
	BatchInputShape []*int `json:"batch_input_shape,omitempty"`
	BatchShape      []*int `json:"batch_shape,omitempty"`
}

// InputShape returns the declared batch input shape, if any, with null
// dimensions as -1.
func (c BaseConfig) InputShape() (tensor.Shape, bool) {
	dims := c.BatchShape
	if len(dims) == 0 {
		dims = c.BatchInputShape
	}
	if len(dims) == 0 {
		return nil, false
	}
	shape := make(tensor.Shape, len(dims))
	for i, d := range dims {
		if d == nil {
			shape[i] = -1
			continue
		}
		shape[i] = *d
	}
	return shape, true
}

// Serialize encodes a layer as a Spec.
func Serialize(l Layer) (Spec, error) {
	raw, err := json.Marshal(l.Config())
	if err != nil {
		return Spec{}, fmt.Errorf("serialize %s: %w", l.Name(), err)
	}
	return Spec{ClassName: l.ClassName(), Config: raw}, nil
}

// decodeConfig unmarshals raw into v, treating an empty or null config as
// "all defaults".
func decodeConfig(raw json.RawMessage, v any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(trimmed, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

var camelBoundary = regexp.MustCompile(`([a-z0-9])([A-Z])`)

// defaultName derives a layer name from its class, e.g. GlobalAveragePooling2D
// becomes global_average_pooling2d.
func defaultName(className string) string {
	return strings.ToLower(camelBoundary.ReplaceAllString(className, "${1}_${2}"))
}

func nameOr(cfg *BaseConfig, className string) {
	if cfg.Name == "" {
		cfg.Name = defaultName(className)
	}
}

// single extracts the one input tensor regardless of how the caller wrapped it.
func single(inputs []*tensor.Tensor) (*tensor.Tensor, error) {
	if len(inputs) != 1 || inputs[0] == nil {
		return nil, fmt.Errorf("%w: got %d", ErrInputArity, len(inputs))
	}
	return inputs[0], nil
}

// checkTrailing verifies that x matches the built shape on every known
// non-batch dimension.
func checkTrailing(layer string, built, got tensor.Shape) error {
	if len(built) != len(got) {
		return fmt.Errorf("%w: %s expects rank %d, got %s", ErrShapeMismatch, layer, len(built), got)
	}
	for i := 1; i < len(built); i++ {
		if built[i] >= 0 && built[i] != got[i] {
			return fmt.Errorf("%w: %s expects %s, got %s", ErrShapeMismatch, layer, built, got)
		}
	}
	return nil
}
