package layers

import (
	"encoding/json"
	"fmt"

	"github.com/Brownie44l1/defect-api/internal/tensor"
)

// passthrough is shared by the layers that are the identity at inference.
type passthrough struct {
	class string
	cfg   BaseConfig
}

func (p *passthrough) Name() string       { return p.cfg.Name }
func (p *passthrough) ClassName() string  { return p.class }
func (p *passthrough) Weights() []*Weight { return nil }

func (p *passthrough) Build(input tensor.Shape) (tensor.Shape, error) {
	return input.Clone(), nil
}

func (p *passthrough) Call(_ *tensor.Scope, inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
	return single(inputs)
}

// InputLayer declares the model input; it does not transform data.
type InputLayer struct {
	passthrough
}

// NewInputLayer constructs an InputLayer.
func NewInputLayer(raw json.RawMessage) (Layer, error) {
	var cfg BaseConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	nameOr(&cfg, "InputLayer")
	return &InputLayer{passthrough: passthrough{class: "InputLayer", cfg: cfg}}, nil
}

func (l *InputLayer) Config() any { return l.cfg }

// DropoutConfig is the serialized configuration of Dropout.
type DropoutConfig struct {
	BaseConfig
	Rate float64 `json:"rate"`
	Seed *int64  `json:"seed,omitempty"`
}

// Dropout is only active during training and passes inputs through here.
type Dropout struct {
	passthrough
	rate float64
	seed *int64
}

// NewDropout constructs a Dropout layer.
func NewDropout(raw json.RawMessage) (Layer, error) {
	var cfg DropoutConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.Rate < 0 || cfg.Rate >= 1 {
		return nil, fmt.Errorf("%w: dropout rate %v out of [0, 1)", ErrInvalidConfig, cfg.Rate)
	}
	nameOr(&cfg.BaseConfig, "Dropout")
	return &Dropout{passthrough: passthrough{class: "Dropout", cfg: cfg.BaseConfig}, rate: cfg.Rate, seed: cfg.Seed}, nil
}

func (d *Dropout) Config() any {
	return DropoutConfig{BaseConfig: d.cfg, Rate: d.rate, Seed: d.seed}
}

// RescalingConfig is the serialized configuration of Rescaling.
type RescalingConfig struct {
	BaseConfig
	Scale  float32 `json:"scale"`
	Offset float32 `json:"offset"`
}

// Rescaling computes x*scale + offset.
type Rescaling struct {
	cfg RescalingConfig
}

// NewRescaling constructs a Rescaling layer.
func NewRescaling(raw json.RawMessage) (Layer, error) {
	cfg := RescalingConfig{Scale: 1}
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	nameOr(&cfg.BaseConfig, "Rescaling")
	return &Rescaling{cfg: cfg}, nil
}

func (r *Rescaling) Name() string       { return r.cfg.Name }
func (r *Rescaling) ClassName() string  { return "Rescaling" }
func (r *Rescaling) Config() any        { return r.cfg }
func (r *Rescaling) Weights() []*Weight { return nil }

func (r *Rescaling) Build(input tensor.Shape) (tensor.Shape, error) {
	return input.Clone(), nil
}

func (r *Rescaling) Call(scope *tensor.Scope, inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
	x, err := single(inputs)
	if err != nil {
		return nil, err
	}
	scale, offset := r.cfg.Scale, r.cfg.Offset
	return applyElementwise(scope, x, func(data []float32, _ int) {
		for i, v := range data {
			data[i] = v*scale + offset
		}
	}), nil
}

// Flatten collapses every non-batch dimension into one.
type Flatten struct {
	cfg BaseConfig
}

// NewFlatten constructs a Flatten layer.
func NewFlatten(raw json.RawMessage) (Layer, error) {
	var cfg BaseConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	nameOr(&cfg, "Flatten")
	return &Flatten{cfg: cfg}, nil
}

func (f *Flatten) Name() string       { return f.cfg.Name }
func (f *Flatten) ClassName() string  { return "Flatten" }
func (f *Flatten) Config() any        { return f.cfg }
func (f *Flatten) Weights() []*Weight { return nil }

func (f *Flatten) Build(input tensor.Shape) (tensor.Shape, error) {
	if len(input) < 2 {
		return nil, fmt.Errorf("%w: flatten needs a batch dimension, got %s", ErrInvalidConfig, input)
	}
	features := tensor.Shape(input[1:]).Numel()
	if features <= 0 {
		features = -1
	}
	return tensor.NewShape(input[0], features), nil
}

func (f *Flatten) Call(_ *tensor.Scope, inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
	x, err := single(inputs)
	if err != nil {
		return nil, err
	}
	shape := x.Shape()
	if len(shape) < 1 || shape[0] <= 0 {
		return nil, fmt.Errorf("%w: flatten got %s", ErrShapeMismatch, shape)
	}
	return x.Reshape(tensor.NewShape(shape[0], x.Numel()/shape[0]))
}
