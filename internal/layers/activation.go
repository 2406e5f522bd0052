package layers

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/Brownie44l1/defect-api/internal/tensor"
)

// activationFunc transforms data in place. Row-wise activations treat data as
// consecutive rows of width elements.
type activationFunc func(data []float32, width int)

func lookupActivation(name string) (activationFunc, error) {
	switch name {
	case "", "linear":
		return nil, nil
	case "relu":
		return relu, nil
	case "relu6":
		return relu6, nil
	case "sigmoid":
		return sigmoid, nil
	case "tanh":
		return tanhAct, nil
	case "softmax":
		return softmax, nil
	default:
		return nil, fmt.Errorf("%w: unsupported activation %q", ErrInvalidConfig, name)
	}
}

func relu(data []float32, _ int) {
	for i, v := range data {
		if v < 0 {
			data[i] = 0
		}
	}
}

func relu6(data []float32, _ int) {
	for i, v := range data {
		data[i] = min(max(v, 0), 6)
	}
}

func sigmoid(data []float32, _ int) {
	for i, v := range data {
		data[i] = float32(1 / (1 + math.Exp(-float64(v))))
	}
}

func tanhAct(data []float32, _ int) {
	for i, v := range data {
		data[i] = float32(math.Tanh(float64(v)))
	}
}

func softmax(data []float32, width int) {
	for off := 0; off+width <= len(data); off += width {
		row := data[off : off+width]
		peak := row[0]
		for _, v := range row[1:] {
			peak = max(peak, v)
		}
		var sum float64
		for i, v := range row {
			e := math.Exp(float64(v - peak))
			row[i] = float32(e)
			sum += e
		}
		for i := range row {
			row[i] = float32(float64(row[i]) / sum)
		}
	}
}

// ActivationConfig is the serialized configuration of Activation.
type ActivationConfig struct {
	BaseConfig
	Activation string `json:"activation"`
}

// Activation applies a named activation function.
type Activation struct {
	cfg ActivationConfig
	fn  activationFunc
}

// NewActivation constructs an Activation layer.
func NewActivation(raw json.RawMessage) (Layer, error) {
	var cfg ActivationConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	nameOr(&cfg.BaseConfig, "Activation")
	fn, err := lookupActivation(cfg.Activation)
	if err != nil {
		return nil, err
	}
	return &Activation{cfg: cfg, fn: fn}, nil
}

func (a *Activation) Name() string       { return a.cfg.Name }
func (a *Activation) ClassName() string  { return "Activation" }
func (a *Activation) Config() any        { return a.cfg }
func (a *Activation) Weights() []*Weight { return nil }

func (a *Activation) Build(input tensor.Shape) (tensor.Shape, error) {
	return input.Clone(), nil
}

func (a *Activation) Call(scope *tensor.Scope, inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
	x, err := single(inputs)
	if err != nil {
		return nil, err
	}
	return applyElementwise(scope, x, a.fn), nil
}

// ReLUConfig is the serialized configuration of ReLU.
type ReLUConfig struct {
	BaseConfig
	MaxValue      *float32 `json:"max_value"`
	NegativeSlope float32  `json:"negative_slope"`
	Threshold     float32  `json:"threshold"`
}

// ReLU is the parameterised rectifier layer.
type ReLU struct {
	cfg ReLUConfig
}

// NewReLU constructs a ReLU layer.
func NewReLU(raw json.RawMessage) (Layer, error) {
	var cfg ReLUConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	nameOr(&cfg.BaseConfig, "ReLU")
	return &ReLU{cfg: cfg}, nil
}

func (r *ReLU) Name() string       { return r.cfg.Name }
func (r *ReLU) ClassName() string  { return "ReLU" }
func (r *ReLU) Config() any        { return r.cfg }
func (r *ReLU) Weights() []*Weight { return nil }

func (r *ReLU) Build(input tensor.Shape) (tensor.Shape, error) {
	return input.Clone(), nil
}

func (r *ReLU) Call(scope *tensor.Scope, inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
	x, err := single(inputs)
	if err != nil {
		return nil, err
	}
	cfg := r.cfg
	return applyElementwise(scope, x, func(data []float32, _ int) {
		for i, v := range data {
			switch {
			case v >= cfg.Threshold:
			case cfg.NegativeSlope != 0:
				v = cfg.NegativeSlope * (v - cfg.Threshold)
			default:
				v = 0
			}
			if cfg.MaxValue != nil {
				v = min(v, *cfg.MaxValue)
			}
			data[i] = v
		}
	}), nil
}

// SoftmaxConfig is the serialized configuration of Softmax.
type SoftmaxConfig struct {
	BaseConfig
	Axis Axis `json:"axis"`
}

// Softmax normalizes the last axis into a probability distribution.
type Softmax struct {
	cfg SoftmaxConfig
}

// NewSoftmax constructs a Softmax layer. Only the last axis is supported.
func NewSoftmax(raw json.RawMessage) (Layer, error) {
	cfg := SoftmaxConfig{Axis: -1}
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	nameOr(&cfg.BaseConfig, "Softmax")
	return &Softmax{cfg: cfg}, nil
}

func (s *Softmax) Name() string       { return s.cfg.Name }
func (s *Softmax) ClassName() string  { return "Softmax" }
func (s *Softmax) Config() any        { return s.cfg }
func (s *Softmax) Weights() []*Weight { return nil }

func (s *Softmax) Build(input tensor.Shape) (tensor.Shape, error) {
	axis, ok := input.Axis(int(s.cfg.Axis))
	if !ok || axis != len(input)-1 {
		return nil, fmt.Errorf("%w: softmax supports the last axis only, got %d", ErrInvalidConfig, s.cfg.Axis)
	}
	return input.Clone(), nil
}

func (s *Softmax) Call(scope *tensor.Scope, inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
	x, err := single(inputs)
	if err != nil {
		return nil, err
	}
	return applyElementwise(scope, x, softmax), nil
}

// applyElementwise copies x into a scope tensor and applies fn over its rows.
func applyElementwise(scope *tensor.Scope, x *tensor.Tensor, fn activationFunc) *tensor.Tensor {
	out := scope.New(x.Shape(), tensor.F32)
	copy(out.DataPtr(), x.DataPtr())
	if fn != nil {
		fn(out.DataPtr(), x.Shape().At(-1))
	}
	return out
}
