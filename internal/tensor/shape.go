package tensor

import (
	"fmt"
	"strings"
)

// Shape holds the dimensions of a tensor in row-major order. An empty shape
// describes a scalar.
type Shape []int

// NewShape copies dims into a new Shape.
func NewShape(dims ...int) Shape {
	s := make(Shape, len(dims))
	copy(s, dims)
	return s
}

// NDim returns the number of dimensions.
func (s Shape) NDim() int {
	return len(s)
}

// Numel returns the number of elements. A scalar has one element.
func (s Shape) Numel() int {
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

// At returns the size of dimension dim. Negative values count from the end.
func (s Shape) At(dim int) int {
	dim, ok := s.Axis(dim)
	if !ok {
		return 0
	}
	return s[dim]
}

// Axis resolves a possibly negative axis to its positive index.
func (s Shape) Axis(axis int) (int, bool) {
	if axis < 0 {
		axis += len(s)
	}
	if axis < 0 || axis >= len(s) {
		return 0, false
	}
	return axis, true
}

// Strides returns the row-major strides.
func (s Shape) Strides() []int {
	strides := make([]int, len(s))
	stride := 1
	for i := len(s) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= s[i]
	}
	return strides
}

// Equal reports whether both shapes have the same dimensions.
func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy of the shape.
func (s Shape) Clone() Shape {
	return NewShape(s...)
}

func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = fmt.Sprintf("%d", d)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
