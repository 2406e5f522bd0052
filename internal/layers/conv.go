package layers

import (
	"encoding/json"
	"fmt"

	"github.com/Brownie44l1/defect-api/internal/tensor"
)

// Pair is a (height, width) hyperparameter that decodes from an integer or a
// two-element list.
type Pair [2]int

func (p *Pair) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*p = Pair{n, n}
		return nil
	}
	var list []int
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	if len(list) != 2 {
		return fmt.Errorf("expected 2 values, got %v", list)
	}
	*p = Pair{list[0], list[1]}
	return nil
}

// window describes a sliding 2-D window over an NHWC input.
type window struct {
	kh, kw   int
	sh, sw   int
	padTop   int
	padLeft  int
	outH     int
	outW     int
	inH, inW int
}

func newWindow(inH, inW int, kernel, strides Pair, padding string) (window, error) {
	w := window{kh: kernel[0], kw: kernel[1], sh: strides[0], sw: strides[1], inH: inH, inW: inW}
	if w.kh <= 0 || w.kw <= 0 || w.sh <= 0 || w.sw <= 0 {
		return w, fmt.Errorf("%w: kernel %v and strides %v must be positive", ErrInvalidConfig, kernel, strides)
	}
	switch padding {
	case "", "valid":
		w.outH = outDim(inH, func(n int) int { return (n-w.kh)/w.sh + 1 })
		w.outW = outDim(inW, func(n int) int { return (n-w.kw)/w.sw + 1 })
	case "same":
		w.outH = outDim(inH, func(n int) int { return (n + w.sh - 1) / w.sh })
		w.outW = outDim(inW, func(n int) int { return (n + w.sw - 1) / w.sw })
		if inH > 0 {
			w.padTop = max((w.outH-1)*w.sh+w.kh-inH, 0) / 2
		}
		if inW > 0 {
			w.padLeft = max((w.outW-1)*w.sw+w.kw-inW, 0) / 2
		}
	default:
		return w, fmt.Errorf("%w: unsupported padding %q", ErrInvalidConfig, padding)
	}
	if (inH > 0 && w.outH <= 0) || (inW > 0 && w.outW <= 0) {
		return w, fmt.Errorf("%w: window %v larger than input %dx%d", ErrInvalidConfig, kernel, inH, inW)
	}
	return w, nil
}

func outDim(n int, f func(int) int) int {
	if n < 0 {
		return -1
	}
	return f(n)
}

// Conv2DConfig is the serialized configuration of Conv2D.
type Conv2DConfig struct {
	BaseConfig
	Filters      int    `json:"filters"`
	KernelSize   Pair   `json:"kernel_size"`
	Strides      Pair   `json:"strides"`
	Padding      string `json:"padding"`
	DataFormat   string `json:"data_format,omitempty"`
	DilationRate Pair   `json:"dilation_rate"`
	Activation   string `json:"activation"`
	UseBias      *bool  `json:"use_bias,omitempty"`
}

// Conv2D is a channels-last 2-D convolution.
type Conv2D struct {
	cfg    Conv2DConfig
	act    activationFunc
	in     tensor.Shape
	win    window
	kernel *tensor.Tensor
	bias   *tensor.Tensor
}

// NewConv2D constructs a Conv2D layer. Dilated and channels-first
// convolutions are rejected.
func NewConv2D(raw json.RawMessage) (Layer, error) {
	cfg := Conv2DConfig{Strides: Pair{1, 1}, DilationRate: Pair{1, 1}, Padding: "valid"}
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.Filters <= 0 {
		return nil, fmt.Errorf("%w: conv filters must be positive, got %d", ErrInvalidConfig, cfg.Filters)
	}
	if cfg.DataFormat != "" && cfg.DataFormat != "channels_last" {
		return nil, fmt.Errorf("%w: unsupported data_format %q", ErrInvalidConfig, cfg.DataFormat)
	}
	if cfg.DilationRate != (Pair{1, 1}) {
		return nil, fmt.Errorf("%w: dilation_rate %v is not supported", ErrInvalidConfig, cfg.DilationRate)
	}
	nameOr(&cfg.BaseConfig, "Conv2D")
	act, err := lookupActivation(cfg.Activation)
	if err != nil {
		return nil, err
	}
	return &Conv2D{cfg: cfg, act: act}, nil
}

func (c *Conv2D) Name() string      { return c.cfg.Name }
func (c *Conv2D) ClassName() string { return "Conv2D" }
func (c *Conv2D) Config() any       { return c.cfg }

func (c *Conv2D) Build(input tensor.Shape) (tensor.Shape, error) {
	if len(input) != 4 || input[3] <= 0 {
		return nil, fmt.Errorf("%w: %s expects NHWC input with known channels, got %s", ErrInvalidConfig, c.cfg.Name, input)
	}
	win, err := newWindow(input[1], input[2], c.cfg.KernelSize, c.cfg.Strides, c.cfg.Padding)
	if err != nil {
		return nil, err
	}
	c.in = input.Clone()
	c.win = win
	c.kernel = tensor.Zeros(tensor.NewShape(win.kh, win.kw, input[3], c.cfg.Filters))
	if c.cfg.UseBias == nil || *c.cfg.UseBias {
		c.bias = tensor.Zeros(tensor.NewShape(c.cfg.Filters))
	}
	return tensor.NewShape(input[0], win.outH, win.outW, c.cfg.Filters), nil
}

func (c *Conv2D) Weights() []*Weight {
	if c.kernel == nil {
		return nil
	}
	w := []*Weight{{Name: "kernel", Value: c.kernel}}
	if c.bias != nil {
		w = append(w, &Weight{Name: "bias", Value: c.bias})
	}
	return w
}

// Call lowers the convolution to a matrix product: each output pixel's
// receptive field becomes one row of a patch matrix multiplied by the
// [kh*kw*cin, filters] kernel.
func (c *Conv2D) Call(scope *tensor.Scope, inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
	x, err := single(inputs)
	if err != nil {
		return nil, err
	}
	if c.kernel == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotBuilt, c.cfg.Name)
	}
	if err := checkTrailing(c.cfg.Name, c.in, x.Shape()); err != nil {
		return nil, err
	}

	shape := x.Shape()
	batch, inH, inW, cin := shape[0], shape[1], shape[2], shape[3]
	win := c.win
	if inH != win.inH || inW != win.inW {
		if win, err = newWindow(inH, inW, c.cfg.KernelSize, c.cfg.Strides, c.cfg.Padding); err != nil {
			return nil, err
		}
	}

	filters := c.cfg.Filters
	pixels := win.outH * win.outW
	patch := win.kh * win.kw * cin
	cols := scope.New(tensor.NewShape(pixels, patch), tensor.F32)
	out := scope.New(tensor.NewShape(batch, win.outH, win.outW, filters), tensor.F32)

	src := x.DataPtr()
	colData := cols.DataPtr()
	for n := 0; n < batch; n++ {
		clear(colData)
		img := src[n*inH*inW*cin : (n+1)*inH*inW*cin]
		for oy := 0; oy < win.outH; oy++ {
			for ox := 0; ox < win.outW; ox++ {
				row := colData[(oy*win.outW+ox)*patch:]
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
						copy(row[(ky*win.kw+kx)*cin:(ky*win.kw+kx+1)*cin], img[(iy*inW+ix)*cin:(iy*inW+ix+1)*cin])
					}
				}
			}
		}
		dst := out.DataPtr()[n*pixels*filters : (n+1)*pixels*filters]
		matmul(colData, pixels, patch, c.kernel.DataPtr(), filters, dst)
	}

	if c.bias != nil {
		addBias(out.DataPtr(), c.bias.DataPtr())
	}
	if c.act != nil {
		c.act(out.DataPtr(), filters)
	}
	return out, nil
}
