package layers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	"github.com/Brownie44l1/defect-api/internal/tensor"
)

// NormalizationClass is the serialized type identifier of Normalization.
const NormalizationClass = "Normalization"

// NormalizationEpsilon is added to the variance before the square root.
const NormalizationEpsilon = 1e-7

// Axis is a normalization axis. It decodes from an integer, a single-element
// list, or null (the last axis).
type Axis int

func (a *Axis) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*a = -1
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*a = Axis(n)
		return nil
	}
	var list []int
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("axis: %w", err)
	}
	if len(list) != 1 {
		return fmt.Errorf("axis: only a single axis is supported, got %v", list)
	}
	*a = Axis(list[0])
	return nil
}

// NormalizationConfig is the serialized configuration of Normalization.
// Mean and Variance, when present, override the initial weight values.
type NormalizationConfig struct {
	BaseConfig
	Axis     Axis      `json:"axis"`
	Mean     []float32 `json:"mean,omitempty"`
	Variance []float32 `json:"variance,omitempty"`
}

// Normalization replays feature statistics learned during training:
// (x - mean) / sqrt(variance + epsilon) along one axis. Build allocates mean,
// variance and count; count is never read by the transform but the weight
// manifest binds all three by name.
type Normalization struct {
	cfg NormalizationConfig

	mean     *tensor.Tensor
	variance *tensor.Tensor
	count    *tensor.Tensor
}

// NewNormalization constructs an unbuilt Normalization layer. An empty
// config normalizes along the last axis.
func NewNormalization(raw json.RawMessage) (Layer, error) {
	cfg := NormalizationConfig{Axis: -1}
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	nameOr(&cfg.BaseConfig, NormalizationClass)
	return &Normalization{cfg: cfg}, nil
}

func (n *Normalization) Name() string      { return n.cfg.Name }
func (n *Normalization) ClassName() string { return NormalizationClass }
func (n *Normalization) Config() any       { return n.cfg }

// Axis returns the configured normalization axis.
func (n *Normalization) Axis() int { return int(n.cfg.Axis) }

// Mean, Variance and Count expose the allocated weights; nil before Build.
func (n *Normalization) Mean() *tensor.Tensor     { return n.mean }
func (n *Normalization) Variance() *tensor.Tensor { return n.variance }
func (n *Normalization) Count() *tensor.Tensor    { return n.count }

func (n *Normalization) Build(input tensor.Shape) (tensor.Shape, error) {
	axis, ok := input.Axis(int(n.cfg.Axis))
	if !ok {
		return nil, fmt.Errorf("%w: axis %d out of range for input %s", ErrInvalidConfig, n.cfg.Axis, input)
	}
	channels := input[axis]
	if channels <= 0 {
		return nil, fmt.Errorf("%w: %s needs a known channel dimension, got %s", ErrInvalidConfig, n.cfg.Name, input)
	}

	n.mean = tensor.Zeros(tensor.NewShape(channels))
	if n.cfg.Mean != nil {
		if err := fill(n.mean, n.cfg.Mean, "mean"); err != nil {
			return nil, err
		}
	}
	n.variance = tensor.Ones(tensor.NewShape(channels))
	if n.cfg.Variance != nil {
		if err := fill(n.variance, n.cfg.Variance, "variance"); err != nil {
			return nil, err
		}
	}
	n.count = tensor.New(tensor.NewShape(), tensor.I32)
	return input.Clone(), nil
}

func fill(dst *tensor.Tensor, values []float32, what string) error {
	if len(values) != dst.Numel() {
		return fmt.Errorf("%w: %s has %d values, want %d", ErrShapeMismatch, what, len(values), dst.Numel())
	}
	copy(dst.DataPtr(), values)
	return nil
}

func (n *Normalization) Weights() []*Weight {
	if n.mean == nil {
		return nil
	}
	return []*Weight{
		{Name: "mean", Value: n.mean},
		{Name: "variance", Value: n.variance},
		{Name: "count", Value: n.count},
	}
}

func (n *Normalization) Call(scope *tensor.Scope, inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
	x, err := single(inputs)
	if err != nil {
		return nil, err
	}
	if n.mean == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotBuilt, n.cfg.Name)
	}
	return n.apply(scope, x)
}

func (n *Normalization) apply(scope *tensor.Scope, x *tensor.Tensor) (*tensor.Tensor, error) {
	shape := x.Shape()
	axis, ok := shape.Axis(int(n.cfg.Axis))
	if !ok {
		return nil, fmt.Errorf("%w: axis %d out of range for input %s", ErrShapeMismatch, n.cfg.Axis, shape)
	}
	channels := n.mean.Numel()
	if shape[axis] != channels {
		return nil, fmt.Errorf("%w: %s has %d channels, input %s has %d",
			ErrShapeMismatch, n.cfg.Name, channels, shape, shape[axis])
	}

	mean := n.mean.DataPtr()
	variance := n.variance.DataPtr()
	denom := make([]float32, channels)
	for c := range denom {
		denom[c] = float32(math.Sqrt(float64(variance[c]) + NormalizationEpsilon))
	}

	out := scope.New(shape, tensor.F32)
	src := x.DataPtr()
	dst := out.DataPtr()
	inner := shape.Strides()[axis]
	for i, v := range src {
		c := (i / inner) % channels
		dst[i] = (v - mean[c]) / denom[c]
	}
	return out, nil
}
