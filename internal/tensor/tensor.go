// Package tensor provides the dense float32 tensors the inference graph runs on.
package tensor

import (
	"errors"
	"fmt"
)

var (
	// ErrShapeMismatch is returned when data does not fit the requested shape.
	ErrShapeMismatch = errors.New("tensor: shape mismatch")
	// ErrInvalidShape is returned for shapes with a negative dimension or
	// more elements than a tensor may hold.
	ErrInvalidShape = errors.New("tensor: invalid shape")
)

// MaxElements bounds the element count of a single tensor (4 GiB of float32).
const MaxElements = 1 << 30

// CheckedNumel returns the element count, failing with ErrInvalidShape on a
// negative dimension or when the count would exceed limit.
func (s Shape) CheckedNumel(limit int) (int, error) {
	n := 1
	for _, d := range s {
		if d < 0 {
			return 0, fmt.Errorf("%w: negative dimension in %s", ErrInvalidShape, s)
		}
		if d != 0 && n > limit/d {
			return 0, fmt.Errorf("%w: %s exceeds %d elements", ErrInvalidShape, s, limit)
		}
		n *= d
	}
	return n, nil
}

// DType is the logical element type. Values are always held as float32;
// the dtype only records how they are persisted.
type DType string

const (
	F32 DType = "float32"
	I32 DType = "int32"
)

// Size returns the persisted byte width of one element.
func (d DType) Size() (int, error) {
	switch d {
	case F32, I32:
		return 4, nil
	default:
		return 0, fmt.Errorf("tensor: unsupported dtype %q", string(d))
	}
}

// Tensor is a dense row-major array.
type Tensor struct {
	data  []float32
	shape Shape
	dtype DType
}

// New creates a zero-filled tensor. It panics with ErrInvalidShape for a
// negative dimension or more than MaxElements elements.
func New(shape Shape, dtype DType) *Tensor {
	n, err := shape.CheckedNumel(MaxElements)
	if err != nil {
		panic(err)
	}
	return &Tensor{
		data:  make([]float32, n),
		shape: shape.Clone(),
		dtype: dtype,
	}
}

// Zeros creates a zero-filled float32 tensor.
func Zeros(shape Shape) *Tensor {
	return New(shape, F32)
}

// Ones creates a float32 tensor filled with ones.
func Ones(shape Shape) *Tensor {
	t := New(shape, F32)
	t.Fill(1)
	return t
}

// FromSlice copies data into a new float32 tensor of the given shape.
func FromSlice(data []float32, shape Shape) (*Tensor, error) {
	if len(data) != shape.Numel() {
		return nil, fmt.Errorf("%w: %d values for shape %s", ErrShapeMismatch, len(data), shape)
	}
	t := New(shape, F32)
	copy(t.data, data)
	return t, nil
}

// Shape returns the tensor's shape. Callers must not modify it.
func (t *Tensor) Shape() Shape {
	return t.shape
}

// DType returns the tensor's dtype.
func (t *Tensor) DType() DType {
	return t.dtype
}

// Numel returns the number of elements.
func (t *Tensor) Numel() int {
	return len(t.data)
}

// Data returns a copy of the underlying data.
func (t *Tensor) Data() []float32 {
	d := make([]float32, len(t.data))
	copy(d, t.data)
	return d
}

// DataPtr returns the underlying data (use with caution).
func (t *Tensor) DataPtr() []float32 {
	return t.data
}

// Fill sets every element to v.
func (t *Tensor) Fill(v float32) {
	for i := range t.data {
		t.data[i] = v
	}
}

// Assign copies src into t. Shapes must match exactly.
func (t *Tensor) Assign(src *Tensor) error {
	if !t.shape.Equal(src.shape) {
		return fmt.Errorf("%w: cannot assign %s to %s", ErrShapeMismatch, src.shape, t.shape)
	}
	copy(t.data, src.data)
	return nil
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	c := New(t.shape, t.dtype)
	copy(c.data, t.data)
	return c
}

// Reshape returns a view sharing data with t under a new shape.
func (t *Tensor) Reshape(shape Shape) (*Tensor, error) {
	if shape.Numel() != len(t.data) {
		return nil, fmt.Errorf("%w: cannot reshape %s to %s", ErrShapeMismatch, t.shape, shape)
	}
	return &Tensor{data: t.data, shape: shape.Clone(), dtype: t.dtype}, nil
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(%s, %s)", t.shape, t.dtype)
}
