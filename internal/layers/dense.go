package layers

import (
	"encoding/json"
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/Brownie44l1/defect-api/internal/tensor"
)

// DenseConfig is the serialized configuration of Dense.
type DenseConfig struct {
	BaseConfig
	Units      int    `json:"units"`
	Activation string `json:"activation"`
	UseBias    *bool  `json:"use_bias,omitempty"`
}

// Dense is a fully connected layer over the last axis.
type Dense struct {
	cfg    DenseConfig
	act    activationFunc
	in     int
	kernel *tensor.Tensor
	bias   *tensor.Tensor
}

// NewDense constructs a Dense layer.
func NewDense(raw json.RawMessage) (Layer, error) {
	var cfg DenseConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.Units <= 0 {
		return nil, fmt.Errorf("%w: dense units must be positive, got %d", ErrInvalidConfig, cfg.Units)
	}
	nameOr(&cfg.BaseConfig, "Dense")
	act, err := lookupActivation(cfg.Activation)
	if err != nil {
		return nil, err
	}
	return &Dense{cfg: cfg, act: act}, nil
}

func (d *Dense) Name() string      { return d.cfg.Name }
func (d *Dense) ClassName() string { return "Dense" }
func (d *Dense) Config() any       { return d.cfg }

func (d *Dense) useBias() bool {
	return d.cfg.UseBias == nil || *d.cfg.UseBias
}

func (d *Dense) Build(input tensor.Shape) (tensor.Shape, error) {
	in := input.At(-1)
	if in <= 0 {
		return nil, fmt.Errorf("%w: %s needs a known last dimension, got %s", ErrInvalidConfig, d.cfg.Name, input)
	}
	d.in = in
	d.kernel = tensor.Zeros(tensor.NewShape(in, d.cfg.Units))
	if d.useBias() {
		d.bias = tensor.Zeros(tensor.NewShape(d.cfg.Units))
	}
	out := input.Clone()
	out[len(out)-1] = d.cfg.Units
	return out, nil
}

func (d *Dense) Weights() []*Weight {
	if d.kernel == nil {
		return nil
	}
	w := []*Weight{{Name: "kernel", Value: d.kernel}}
	if d.bias != nil {
		w = append(w, &Weight{Name: "bias", Value: d.bias})
	}
	return w
}

func (d *Dense) Call(scope *tensor.Scope, inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
	x, err := single(inputs)
	if err != nil {
		return nil, err
	}
	if d.kernel == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotBuilt, d.cfg.Name)
	}
	shape := x.Shape()
	if shape.At(-1) != d.in {
		return nil, fmt.Errorf("%w: %s expects %d features, got %s", ErrShapeMismatch, d.cfg.Name, d.in, shape)
	}

	units := d.cfg.Units
	rows := x.Numel() / d.in
	outShape := shape.Clone()
	outShape[len(outShape)-1] = units
	out := scope.New(outShape, tensor.F32)

	matmul(x.DataPtr(), rows, d.in, d.kernel.DataPtr(), units, out.DataPtr())
	if d.bias != nil {
		addBias(out.DataPtr(), d.bias.DataPtr())
	}
	if d.act != nil {
		d.act(out.DataPtr(), units)
	}
	return out, nil
}

// matmul computes c[m×n] = a[m×k] · b[k×n] in row-major layout.
func matmul(a []float32, m, k int, b []float32, n int, c []float32) {
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
		blas32.General{Rows: m, Cols: k, Stride: k, Data: a},
		blas32.General{Rows: k, Cols: n, Stride: n, Data: b},
		0,
		blas32.General{Rows: m, Cols: n, Stride: n, Data: c},
	)
}

func addBias(data, bias []float32) {
	n := len(bias)
	for i := range data {
		data[i] += bias[i%n]
	}
}
