// Package shapes defines the Shape of tensors and scalar values in the IR.
package shapes

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/gomlx/gmlst/pkg/types/dtypes"
)

// DimUnknown marks a dimension whose size is not known statically. It is printed as "?".
const DimUnknown = -1

// Shape of a value: either a tensor (DType and Dimensions), or a bare element
// value (Elemental set), as used by the scalar payloads of linalg operations and by loop
// induction variables.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int

	// Elemental marks a bare element type (e.g. "f32" or "index") rather than a tensor.
	// A rank-0 tensor ("tensor<f32>") has Elemental set to false.
	Elemental bool
}

// Make returns a tensor shape with the given dtype and dimensions.
// With no dimensions it returns a rank-0 tensor shape.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	return Shape{DType: dtype, Dimensions: slices.Clone(dimensions)}
}

// Scalar returns the element shape for dtype.
func Scalar(dtype dtypes.DType) Shape {
	return Shape{DType: dtype, Elemental: true}
}

// Ok returns whether the shape has a valid dtype.
func (s Shape) Ok() bool {
	return s.DType != dtypes.InvalidDType
}

// Rank returns the number of dimensions.
func (s Shape) Rank() int {
	return len(s.Dimensions)
}

// Dim returns the dimension for the given axis. Negative axes count from the end.
func (s Shape) Dim(axis int) int {
	if axis < 0 {
		axis += s.Rank()
	}
	return s.Dimensions[axis]
}

// Size returns the number of elements, or DimUnknown if any dimension is dynamic.
func (s Shape) Size() int {
	size := 1
	for _, dim := range s.Dimensions {
		if dim < 0 {
			return DimUnknown
		}
		size *= dim
	}
	return size
}

// IsDynamic returns whether any of the dimensions is not known statically.
func (s Shape) IsDynamic() bool {
	return slices.Contains(s.Dimensions, DimUnknown)
}

// Clone returns a deep copy of the shape.
func (s Shape) Clone() Shape {
	s.Dimensions = slices.Clone(s.Dimensions)
	return s
}

// Equal compares two shapes.
func (s Shape) Equal(other Shape) bool {
	return s.DType == other.DType && s.Elemental == other.Elemental &&
		slices.Equal(s.Dimensions, other.Dimensions)
}

// ElementShape returns the elemental shape of the tensor's element type.
func (s Shape) ElementShape() Shape {
	return Scalar(s.DType)
}

// WithDType returns a copy of the shape with a different dtype.
func (s Shape) WithDType(dtype dtypes.DType) Shape {
	s = s.Clone()
	s.DType = dtype
	return s
}

// String implements fmt.Stringer, using the MLIR spelling.
func (s Shape) String() string {
	return s.ToMLIR()
}

// ToMLIR returns the MLIR representation of the shape's type, e.g. "tensor<4x?xf32>" or "index".
func (s Shape) ToMLIR() string {
	var sb strings.Builder
	_ = s.WriteMLIR(&sb)
	return sb.String()
}

// WriteMLIR writes the MLIR representation of the shape's type to the given writer.
func (s Shape) WriteMLIR(writer io.Writer) error {
	var err error
	w := func(format string, args ...any) {
		if err != nil {
			return
		}
		_, err = fmt.Fprintf(writer, format, args...)
	}
	if s.Elemental {
		w("%s", s.DType.ToMLIR())
		return err
	}
	w("tensor<")
	for _, dim := range s.Dimensions {
		if dim < 0 {
			w("?x")
		} else {
			w("%dx", dim)
		}
	}
	w("%s>", s.DType.ToMLIR())
	return err
}
