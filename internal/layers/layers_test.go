package layers

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/defect-api/internal/tensor"
)

func newLayer(t *testing.T, class, config string) Layer {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg))
	l, err := reg.New(Spec{ClassName: class, Config: json.RawMessage(config)})
	require.NoError(t, err)
	return l
}

func mustTensor(t *testing.T, data []float32, dims ...int) *tensor.Tensor {
	t.Helper()
	x, err := tensor.FromSlice(data, tensor.NewShape(dims...))
	require.NoError(t, err)
	return x
}

func TestRegistryRejectsUnknownAndDuplicate(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.New(Spec{ClassName: NormalizationClass})
	assert.ErrorIs(t, err, ErrUnknownLayer)

	require.NoError(t, reg.Register(NormalizationClass, NewNormalization))
	assert.True(t, reg.Has(NormalizationClass))
	assert.Error(t, reg.Register(NormalizationClass, NewNormalization))
	assert.Panics(t, func() { reg.MustRegister(NormalizationClass, NewNormalization) })
}

func TestRegisterBuiltinsIncludesNormalization(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg))
	assert.Contains(t, reg.Classes(), NormalizationClass)
	assert.Contains(t, reg.Classes(), "Dense")
}

func TestDenseForward(t *testing.T) {
	l := newLayer(t, "Dense", `{"name":"dense","units":2}`)
	out, err := l.Build(tensor.NewShape(-1, 3))
	require.NoError(t, err)
	assert.Equal(t, tensor.NewShape(-1, 2), out)

	w := l.Weights()
	require.Len(t, w, 2)
	copy(w[0].Value.DataPtr(), []float32{
		1, 0,
		0, 1,
		1, 1,
	})
	copy(w[1].Value.DataPtr(), []float32{0.5, -0.5})

	y, err := l.Call(nil, mustTensor(t, []float32{1, 2, 3}, 1, 3))
	require.NoError(t, err)
	assert.Equal(t, []float32{4.5, 4.5}, y.Data())

	_, err = l.Call(nil, mustTensor(t, []float32{1, 2}, 1, 2))
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestDenseSoftmaxActivation(t *testing.T) {
	l := newLayer(t, "Dense", `{"units":2,"activation":"softmax","use_bias":false}`)
	_, err := l.Build(tensor.NewShape(-1, 1))
	require.NoError(t, err)
	require.Len(t, l.Weights(), 1)
	copy(l.Weights()[0].Value.DataPtr(), []float32{1, -1})

	y, err := l.Call(nil, mustTensor(t, []float32{0}, 1, 1))
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0.5, 0.5}, y.Data(), 1e-6)
}

func TestConv2DSamePadding(t *testing.T) {
	l := newLayer(t, "Conv2D", `{"filters":1,"kernel_size":[3,3],"padding":"same","use_bias":false}`)
	out, err := l.Build(tensor.NewShape(-1, 3, 3, 1))
	require.NoError(t, err)
	assert.Equal(t, tensor.NewShape(-1, 3, 3, 1), out)

	// A box filter sums each 3x3 neighbourhood.
	l.Weights()[0].Value.Fill(1)
	x := mustTensor(t, []float32{
		1, 1, 1,
		1, 1, 1,
		1, 1, 1,
	}, 1, 3, 3, 1)

	y, err := l.Call(nil, x)
	require.NoError(t, err)
	assert.Equal(t, []float32{
		4, 6, 4,
		6, 9, 6,
		4, 6, 4,
	}, y.Data())
}

func TestConv2DValidStrided(t *testing.T) {
	l := newLayer(t, "Conv2D", `{"filters":2,"kernel_size":2,"strides":2,"activation":"relu"}`)
	out, err := l.Build(tensor.NewShape(-1, 4, 4, 1))
	require.NoError(t, err)
	assert.Equal(t, tensor.NewShape(-1, 2, 2, 2), out)

	kernel := l.Weights()[0].Value
	for i := 0; i < 4; i++ {
		kernel.DataPtr()[i*2] = 1
		kernel.DataPtr()[i*2+1] = -1
	}
	x := tensor.Ones(tensor.NewShape(1, 4, 4, 1))
	y, err := l.Call(nil, x)
	require.NoError(t, err)
	assert.Equal(t, []float32{4, 0, 4, 0, 4, 0, 4, 0}, y.Data())
}

func TestConv2DRejectsDilation(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg))
	_, err := reg.New(Spec{ClassName: "Conv2D", Config: json.RawMessage(`{"filters":1,"kernel_size":3,"dilation_rate":2}`)})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestPooling(t *testing.T) {
	x := mustTensor(t, []float32{
		1, 2, 3, 4,
		5, 6, 7, 8,
		9, 10, 11, 12,
		13, 14, 15, 16,
	}, 1, 4, 4, 1)

	maxPool := newLayer(t, "MaxPooling2D", `{"pool_size":[2,2]}`)
	_, err := maxPool.Build(tensor.NewShape(-1, 4, 4, 1))
	require.NoError(t, err)
	y, err := maxPool.Call(nil, x)
	require.NoError(t, err)
	assert.Equal(t, []float32{6, 8, 14, 16}, y.Data())

	avgPool := newLayer(t, "AveragePooling2D", `{"pool_size":2}`)
	_, err = avgPool.Build(tensor.NewShape(-1, 4, 4, 1))
	require.NoError(t, err)
	y, err = avgPool.Call(nil, x)
	require.NoError(t, err)
	assert.Equal(t, []float32{3.5, 5.5, 11.5, 13.5}, y.Data())

	global := newLayer(t, "GlobalAveragePooling2D", `{}`)
	shape, err := global.Build(tensor.NewShape(-1, 4, 4, 1))
	require.NoError(t, err)
	assert.Equal(t, tensor.NewShape(-1, 1), shape)
	y, err = global.Call(nil, x)
	require.NoError(t, err)
	assert.Equal(t, []float32{8.5}, y.Data())
}

func TestBatchNormalization(t *testing.T) {
	l := newLayer(t, "BatchNormalization", `{"epsilon":0}`)
	_, err := l.Build(tensor.NewShape(-1, 2))
	require.NoError(t, err)

	w := l.Weights()
	require.Len(t, w, 4)
	names := []string{w[0].Name, w[1].Name, w[2].Name, w[3].Name}
	assert.Equal(t, []string{"gamma", "beta", "moving_mean", "moving_variance"}, names)
	copy(w[0].Value.DataPtr(), []float32{2, 1})
	copy(w[1].Value.DataPtr(), []float32{1, 0})
	copy(w[2].Value.DataPtr(), []float32{1, 4})
	copy(w[3].Value.DataPtr(), []float32{4, 1})

	y, err := l.Call(nil, mustTensor(t, []float32{3, 6}, 1, 2))
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{3, 2}, y.Data(), 1e-6)
}

func TestSimpleLayers(t *testing.T) {
	x := mustTensor(t, []float32{-2, 0, 3, 8}, 1, 2, 2)

	rescale := newLayer(t, "Rescaling", `{"scale":0.5,"offset":1}`)
	y, err := rescale.Call(nil, x)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1, 2.5, 5}, y.Data())

	relu := newLayer(t, "ReLU", `{"max_value":6}`)
	y, err = relu.Call(nil, x)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 3, 6}, y.Data())

	act := newLayer(t, "Activation", `{"activation":"relu"}`)
	y, err = act.Call(nil, x)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 3, 8}, y.Data())

	flatten := newLayer(t, "Flatten", `{}`)
	shape, err := flatten.Build(tensor.NewShape(-1, 2, 2))
	require.NoError(t, err)
	assert.Equal(t, tensor.NewShape(-1, 4), shape)
	y, err = flatten.Call(nil, x)
	require.NoError(t, err)
	assert.Equal(t, tensor.NewShape(1, 4), y.Shape())

	dropout := newLayer(t, "Dropout", `{"rate":0.5}`)
	y, err = dropout.Call(nil, x)
	require.NoError(t, err)
	assert.Same(t, x, y)

	_, err = newLayer(t, "Activation", `{}`).Call(nil)
	assert.ErrorIs(t, err, ErrInputArity)
}

func TestActivationRejectsUnknownName(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg))
	_, err := reg.New(Spec{ClassName: "Activation", Config: json.RawMessage(`{"activation":"swishy"}`)})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestInputShapeFromBaseConfig(t *testing.T) {
	var cfg BaseConfig
	require.NoError(t, json.Unmarshal([]byte(`{"batch_shape":[null,224,224,3]}`), &cfg))
	shape, ok := cfg.InputShape()
	require.True(t, ok)
	assert.Equal(t, tensor.NewShape(-1, 224, 224, 3), shape)

	cfg = BaseConfig{}
	_, ok = cfg.InputShape()
	assert.False(t, ok)
}

func TestDefaultName(t *testing.T) {
	assert.Equal(t, "global_average_pooling2d", defaultName("GlobalAveragePooling2D"))
	assert.Equal(t, "conv2d", defaultName("Conv2D"))
}
