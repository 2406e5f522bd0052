package layers

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/Brownie44l1/defect-api/internal/tensor"
)

// BatchNormalizationConfig is the serialized configuration of BatchNormalization.
type BatchNormalizationConfig struct {
	BaseConfig
	Axis     Axis    `json:"axis"`
	Epsilon  float64 `json:"epsilon"`
	Center   *bool   `json:"center,omitempty"`
	Scale    *bool   `json:"scale,omitempty"`
	Momentum float64 `json:"momentum,omitempty"`
}

// BatchNormalization applies the moving statistics recorded during
// training: gamma * (x - moving_mean) / sqrt(moving_variance + epsilon) + beta.
type BatchNormalization struct {
	cfg BatchNormalizationConfig

	gamma, beta                *tensor.Tensor
	movingMean, movingVariance *tensor.Tensor
}

// NewBatchNormalization constructs a BatchNormalization layer.
func NewBatchNormalization(raw json.RawMessage) (Layer, error) {
	cfg := BatchNormalizationConfig{Axis: -1, Epsilon: 1e-3}
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	nameOr(&cfg.BaseConfig, "BatchNormalization")
	return &BatchNormalization{cfg: cfg}, nil
}

func (b *BatchNormalization) Name() string      { return b.cfg.Name }
func (b *BatchNormalization) ClassName() string { return "BatchNormalization" }
func (b *BatchNormalization) Config() any       { return b.cfg }

func (b *BatchNormalization) Build(input tensor.Shape) (tensor.Shape, error) {
	axis, ok := input.Axis(int(b.cfg.Axis))
	if !ok || input[axis] <= 0 {
		return nil, fmt.Errorf("%w: %s needs a known axis %d on %s", ErrInvalidConfig, b.cfg.Name, b.cfg.Axis, input)
	}
	ch := tensor.NewShape(input[axis])
	if b.cfg.Scale == nil || *b.cfg.Scale {
		b.gamma = tensor.Ones(ch)
	}
	if b.cfg.Center == nil || *b.cfg.Center {
		b.beta = tensor.Zeros(ch)
	}
	b.movingMean = tensor.Zeros(ch)
	b.movingVariance = tensor.Ones(ch)
	return input.Clone(), nil
}

func (b *BatchNormalization) Weights() []*Weight {
	if b.movingMean == nil {
		return nil
	}
	var w []*Weight
	if b.gamma != nil {
		w = append(w, &Weight{Name: "gamma", Value: b.gamma})
	}
	if b.beta != nil {
		w = append(w, &Weight{Name: "beta", Value: b.beta})
	}
	return append(w,
		&Weight{Name: "moving_mean", Value: b.movingMean},
		&Weight{Name: "moving_variance", Value: b.movingVariance},
	)
}

func (b *BatchNormalization) Call(scope *tensor.Scope, inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
	x, err := single(inputs)
	if err != nil {
		return nil, err
	}
	if b.movingMean == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotBuilt, b.cfg.Name)
	}
	shape := x.Shape()
	axis, ok := shape.Axis(int(b.cfg.Axis))
	channels := b.movingMean.Numel()
	if !ok || shape[axis] != channels {
		return nil, fmt.Errorf("%w: %s has %d channels, got %s", ErrShapeMismatch, b.cfg.Name, channels, shape)
	}

	// Fold the statistics into one scale and shift per channel.
	scale := make([]float32, channels)
	shift := make([]float32, channels)
	mean := b.movingMean.DataPtr()
	variance := b.movingVariance.DataPtr()
	for c := 0; c < channels; c++ {
		s := 1 / math.Sqrt(float64(variance[c])+b.cfg.Epsilon)
		if b.gamma != nil {
			s *= float64(b.gamma.DataPtr()[c])
		}
		sh := -float64(mean[c]) * s
		if b.beta != nil {
			sh += float64(b.beta.DataPtr()[c])
		}
		scale[c] = float32(s)
		shift[c] = float32(sh)
	}

	out := scope.New(shape, tensor.F32)
	src := x.DataPtr()
	dst := out.DataPtr()
	inner := shape.Strides()[axis]
	for i, v := range src {
		c := (i / inner) % channels
		dst[i] = v*scale[c] + shift[c]
	}
	return out, nil
}
