// Package tensor holds the dense float32 arrays that make up an atmospheric
// state and the grid description used to check their shapes.
package tensor

import (
	"fmt"
	"slices"
)

// Tensor is a dense row-major float32 array.
type Tensor struct {
	Shape []int64
	Data  []float32
}

// New allocates a zero-filled tensor of the given shape.
func New(shape ...int64) Tensor {
	return Tensor{
		Shape: slices.Clone(shape),
		Data:  make([]float32, numElems(shape)),
	}
}

// Validate reports whether the data length agrees with the shape.
func (t Tensor) Validate() error {
	if len(t.Shape) == 0 {
		return fmt.Errorf("tensor has no dimensions")
	}
	for i, d := range t.Shape {
		if d <= 0 {
			return fmt.Errorf("dimension %d has non-positive size %d", i, d)
		}
	}
	if n := numElems(t.Shape); n != len(t.Data) {
		return fmt.Errorf("shape %v needs %d elements, got %d", t.Shape, n, len(t.Data))
	}
	return nil
}

// HasShape reports whether the tensor has exactly the given shape.
func (t Tensor) HasShape(shape []int64) bool {
	return slices.Equal(t.Shape, shape)
}

// Clone returns a deep copy.
func (t Tensor) Clone() Tensor {
	return Tensor{Shape: slices.Clone(t.Shape), Data: slices.Clone(t.Data)}
}

// Dims returns the shape as ints, the form the array codecs use.
func (t Tensor) Dims() []int {
	dims := make([]int, len(t.Shape))
	for i, d := range t.Shape {
		dims[i] = int(d)
	}
	return dims
}

// FromDims builds a tensor around data using an int shape.
func FromDims(dims []int, data []float32) Tensor {
	shape := make([]int64, len(dims))
	for i, d := range dims {
		shape[i] = int64(d)
	}
	return Tensor{Shape: shape, Data: data}
}

func numElems(shape []int64) int {
	if len(shape) == 0 {
		return 0
	}
	n := int64(1)
	for _, d := range shape {
		n *= d
	}
	return int(n)
}

// State is the full model state at one simulated time: the upper-air tensor
// (variables x levels x lat x lon) and the surface tensor (variables x lat x
// lon).
type State struct {
	Upper   Tensor
	Surface Tensor
}

// Validate checks both tensors against the grid.
func (s State) Validate(g Grid) error {
	if err := s.Upper.Validate(); err != nil {
		return fmt.Errorf("upper-air: %w", err)
	}
	if err := s.Surface.Validate(); err != nil {
		return fmt.Errorf("surface: %w", err)
	}
	if want := g.UpperShape(); !s.Upper.HasShape(want) {
		return fmt.Errorf("upper-air shape %v, want %v", s.Upper.Shape, want)
	}
	if want := g.SurfaceShape(); !s.Surface.HasShape(want) {
		return fmt.Errorf("surface shape %v, want %v", s.Surface.Shape, want)
	}
	return nil
}

// SameShape reports whether both tensors of s and o have equal shapes.
func (s State) SameShape(o State) bool {
	return s.Upper.HasShape(o.Upper.Shape) && s.Surface.HasShape(o.Surface.Shape)
}

// Clone returns a deep copy of the state.
func (s State) Clone() State {
	return State{Upper: s.Upper.Clone(), Surface: s.Surface.Clone()}
}
