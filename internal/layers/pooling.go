package layers

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/Brownie44l1/defect-api/internal/tensor"
)

// Pooling2DConfig is the serialized configuration of the 2-D pooling layers.
type Pooling2DConfig struct {
	BaseConfig
	PoolSize   Pair   `json:"pool_size"`
	Strides    *Pair  `json:"strides"`
	Padding    string `json:"padding"`
	DataFormat string `json:"data_format,omitempty"`
}

// Pooling2D reduces each spatial window to its maximum or mean.
type Pooling2D struct {
	class string
	cfg   Pooling2DConfig
	max   bool
	in    tensor.Shape
	win   window
}

// NewMaxPooling2D constructs a MaxPooling2D layer.
func NewMaxPooling2D(raw json.RawMessage) (Layer, error) {
	return newPooling2D("MaxPooling2D", true, raw)
}

// NewAveragePooling2D constructs an AveragePooling2D layer.
func NewAveragePooling2D(raw json.RawMessage) (Layer, error) {
	return newPooling2D("AveragePooling2D", false, raw)
}

func newPooling2D(class string, isMax bool, raw json.RawMessage) (Layer, error) {
	cfg := Pooling2DConfig{PoolSize: Pair{2, 2}, Padding: "valid"}
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.Strides == nil {
		strides := cfg.PoolSize
		cfg.Strides = &strides
	}
	if cfg.DataFormat != "" && cfg.DataFormat != "channels_last" {
		return nil, fmt.Errorf("%w: unsupported data_format %q", ErrInvalidConfig, cfg.DataFormat)
	}
	nameOr(&cfg.BaseConfig, class)
	return &Pooling2D{class: class, cfg: cfg, max: isMax}, nil
}

func (p *Pooling2D) Name() string       { return p.cfg.Name }
func (p *Pooling2D) ClassName() string  { return p.class }
func (p *Pooling2D) Config() any        { return p.cfg }
func (p *Pooling2D) Weights() []*Weight { return nil }

func (p *Pooling2D) Build(input tensor.Shape) (tensor.Shape, error) {
	if len(input) != 4 {
		return nil, fmt.Errorf("%w: %s expects NHWC input, got %s", ErrInvalidConfig, p.cfg.Name, input)
	}
	win, err := newWindow(input[1], input[2], p.cfg.PoolSize, *p.cfg.Strides, p.cfg.Padding)
	if err != nil {
		return nil, err
	}
	p.in = input.Clone()
	p.win = win
	return tensor.NewShape(input[0], win.outH, win.outW, input[3]), nil
}

func (p *Pooling2D) Call(scope *tensor.Scope, inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
	x, err := single(inputs)
	if err != nil {
		return nil, err
	}
	if p.in == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotBuilt, p.cfg.Name)
	}
	if err := checkTrailing(p.cfg.Name, p.in, x.Shape()); err != nil {
		return nil, err
	}

	shape := x.Shape()
	batch, inH, inW, ch := shape[0], shape[1], shape[2], shape[3]
	win := p.win
	if inH != win.inH || inW != win.inW {
		if win, err = newWindow(inH, inW, p.cfg.PoolSize, *p.cfg.Strides, p.cfg.Padding); err != nil {
			return nil, err
		}
	}

	out := scope.New(tensor.NewShape(batch, win.outH, win.outW, ch), tensor.F32)
	src := x.DataPtr()
	dst := out.DataPtr()
	for n := 0; n < batch; n++ {
		for oy := 0; oy < win.outH; oy++ {
			for ox := 0; ox < win.outW; ox++ {
				base := ((n*win.outH+oy)*win.outW + ox) * ch
				for c := 0; c < ch; c++ {
					acc := float32(0)
					if p.max {
						acc = float32(math.Inf(-1))
					}
					count := 0
					for ky := 0; ky < win.kh; ky++ {
						iy := oy*win.sh + ky - win.padTop
						if iy < 0 || iy >= inH {
							continue
						}
						for kx := 0; kx < win.kw; kx++ {
							ix := ox*win.sw + kx - win.padLeft
							if ix < 0 || ix >= inW {
								continue
							}
							v := src[((n*inH+iy)*inW+ix)*ch+c]
							if p.max {
								acc = max(acc, v)
							} else {
								acc += v
							}
							count++
						}
					}
					if !p.max && count > 0 {
						acc /= float32(count)
					}
					dst[base+c] = acc
				}
			}
		}
	}
	return out, nil
}

// GlobalPoolingConfig is the serialized configuration of GlobalAveragePooling2D.
type GlobalPoolingConfig struct {
	BaseConfig
	Keepdims   bool   `json:"keepdims"`
	DataFormat string `json:"data_format,omitempty"`
}

// GlobalAveragePooling2D averages every channel over the spatial axes.
type GlobalAveragePooling2D struct {
	cfg GlobalPoolingConfig
}

// NewGlobalAveragePooling2D constructs a GlobalAveragePooling2D layer.
func NewGlobalAveragePooling2D(raw json.RawMessage) (Layer, error) {
	var cfg GlobalPoolingConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.DataFormat != "" && cfg.DataFormat != "channels_last" {
		return nil, fmt.Errorf("%w: unsupported data_format %q", ErrInvalidConfig, cfg.DataFormat)
	}
	nameOr(&cfg.BaseConfig, "GlobalAveragePooling2D")
	return &GlobalAveragePooling2D{cfg: cfg}, nil
}

func (g *GlobalAveragePooling2D) Name() string       { return g.cfg.Name }
func (g *GlobalAveragePooling2D) ClassName() string  { return "GlobalAveragePooling2D" }
func (g *GlobalAveragePooling2D) Config() any        { return g.cfg }
func (g *GlobalAveragePooling2D) Weights() []*Weight { return nil }

func (g *GlobalAveragePooling2D) Build(input tensor.Shape) (tensor.Shape, error) {
	if len(input) != 4 {
		return nil, fmt.Errorf("%w: %s expects NHWC input, got %s", ErrInvalidConfig, g.cfg.Name, input)
	}
	if g.cfg.Keepdims {
		return tensor.NewShape(input[0], 1, 1, input[3]), nil
	}
	return tensor.NewShape(input[0], input[3]), nil
}

func (g *GlobalAveragePooling2D) Call(scope *tensor.Scope, inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
	x, err := single(inputs)
	if err != nil {
		return nil, err
	}
	shape := x.Shape()
	if len(shape) != 4 {
		return nil, fmt.Errorf("%w: %s expects NHWC input, got %s", ErrShapeMismatch, g.cfg.Name, shape)
	}
	batch, pixels, ch := shape[0], shape[1]*shape[2], shape[3]

	outShape := tensor.NewShape(batch, ch)
	if g.cfg.Keepdims {
		outShape = tensor.NewShape(batch, 1, 1, ch)
	}
	out := scope.New(outShape, tensor.F32)
	src := x.DataPtr()
	dst := out.DataPtr()
	for n := 0; n < batch; n++ {
		sums := make([]float64, ch)
		img := src[n*pixels*ch : (n+1)*pixels*ch]
		for i, v := range img {
			sums[i%ch] += float64(v)
		}
		for c, s := range sums {
			dst[n*ch+c] = float32(s / float64(pixels))
		}
	}
	return out, nil
}
