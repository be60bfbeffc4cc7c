// Package shapeinference calculates the output shapes of mhlo operations, and validates their operands.
package shapeinference

import (
	"slices"

	"github.com/gomlx/gmlst/internal/optypes"
	"github.com/gomlx/gmlst/pkg/types/dtypes"
	"github.com/gomlx/gmlst/pkg/types/shapes"
	"github.com/pkg/errors"
)

// compatibleDims returns whether two dimensions can be the same at runtime: they are equal, or
// one of them is dynamic.
func compatibleDims(a, b int) bool {
	return a == b || a == shapes.DimUnknown || b == shapes.DimUnknown
}

// mergeDims returns the most static of two compatible dimensions.
func mergeDims(a, b int) int {
	if a == shapes.DimUnknown {
		return b
	}
	return a
}

// compatibleShapes checks that lhs and rhs have the same rank and compatible dimensions, and
// returns the merged dimensions.
func compatibleShapes(op optypes.OpType, lhs, rhs shapes.Shape) ([]int, error) {
	if lhs.Elemental || rhs.Elemental {
		return nil, errors.Errorf("%s requires tensor operands, got %s and %s", op, lhs, rhs)
	}
	if lhs.Rank() != rhs.Rank() {
		return nil, errors.Errorf("%s requires operands of the same rank, got %s and %s", op, lhs, rhs)
	}
	dims := make([]int, lhs.Rank())
	for axis := range dims {
		if !compatibleDims(lhs.Dimensions[axis], rhs.Dimensions[axis]) {
			return nil, errors.Errorf("%s requires operands with the same dimensions, got %s and %s (axis %d)",
				op, lhs, rhs, axis)
		}
		dims[axis] = mergeDims(lhs.Dimensions[axis], rhs.Dimensions[axis])
	}
	return dims, nil
}

// BinaryOp returns the output shape of an elementwise binary operation.
func BinaryOp(op optypes.OpType, lhs, rhs shapes.Shape) (shapes.Shape, error) {
	if lhs.DType != rhs.DType {
		return shapes.Shape{}, errors.Errorf("%s requires operands of the same dtype, got %s and %s", op, lhs, rhs)
	}
	if lhs.DType == dtypes.Bool || lhs.DType == dtypes.Index {
		return shapes.Shape{}, errors.Errorf("%s is not defined for boolean operands", op)
	}
	dims, err := compatibleShapes(op, lhs, rhs)
	if err != nil {
		return shapes.Shape{}, err
	}
	return shapes.Make(lhs.DType, dims...), nil
}

// UnaryOp returns the output shape of an elementwise unary operation.
func UnaryOp(op optypes.OpType, operand shapes.Shape) (shapes.Shape, error) {
	if operand.Elemental {
		return shapes.Shape{}, errors.Errorf("%s requires a tensor operand, got %s", op, operand)
	}
	switch op {
	case optypes.Exponential, optypes.Log, optypes.Tanh, optypes.Sqrt, optypes.Rsqrt:
		if !operand.DType.IsFloat() {
			return shapes.Shape{}, errors.Errorf("%s requires a floating point operand, got %s", op, operand)
		}
	case optypes.Negate, optypes.Abs:
		if operand.DType == dtypes.Bool || operand.DType.IsUnsigned() {
			return shapes.Shape{}, errors.Errorf("%s requires a signed operand, got %s", op, operand)
		}
	}
	return operand.Clone(), nil
}

// Compare returns the output shape of mhlo.compare: a boolean tensor.
func Compare(lhs, rhs shapes.Shape) (shapes.Shape, error) {
	if lhs.DType != rhs.DType {
		return shapes.Shape{}, errors.Errorf("%s requires operands of the same dtype, got %s and %s",
			optypes.Compare, lhs, rhs)
	}
	dims, err := compatibleShapes(optypes.Compare, lhs, rhs)
	if err != nil {
		return shapes.Shape{}, err
	}
	return shapes.Make(dtypes.Bool, dims...), nil
}

// Select returns the output shape of mhlo.select. The predicate can be a scalar (rank-0) or have the
// shape of the values.
func Select(pred, onTrue, onFalse shapes.Shape) (shapes.Shape, error) {
	if pred.DType != dtypes.Bool {
		return shapes.Shape{}, errors.Errorf("%s requires a boolean predicate, got %s", optypes.Select, pred)
	}
	if onTrue.DType != onFalse.DType {
		return shapes.Shape{}, errors.Errorf("%s requires values of the same dtype, got %s and %s",
			optypes.Select, onTrue, onFalse)
	}
	dims, err := compatibleShapes(optypes.Select, onTrue, onFalse)
	if err != nil {
		return shapes.Shape{}, err
	}
	if pred.Rank() != 0 {
		if _, err := compatibleShapes(optypes.Select, pred.WithDType(onTrue.DType), onTrue); err != nil {
			return shapes.Shape{}, err
		}
	}
	return shapes.Make(onTrue.DType, dims...), nil
}

// Convert returns the output shape of mhlo.convert.
func Convert(operand shapes.Shape, dtype dtypes.DType) (shapes.Shape, error) {
	if dtype == dtypes.InvalidDType || dtype == dtypes.Index {
		return shapes.Shape{}, errors.Errorf("%s cannot convert to %s", optypes.Convert, dtype)
	}
	return operand.WithDType(dtype), nil
}

// BroadcastInDim validates mhlo.broadcast_in_dim: every operand axis i is mapped to the output axis
// broadcastDimensions[i], which must either have the same size or the operand axis must have size 1.
func BroadcastInDim(operand, output shapes.Shape, broadcastDimensions []int) (shapes.Shape, error) {
	op := optypes.BroadcastInDim
	if operand.DType != output.DType {
		return shapes.Shape{}, errors.Errorf("%s cannot change the dtype from %s to %s", op, operand.DType, output.DType)
	}
	if len(broadcastDimensions) != operand.Rank() {
		return shapes.Shape{}, errors.Errorf("%s requires one broadcast dimension per operand axis, got %v for %s",
			op, broadcastDimensions, operand)
	}
	seen := make([]bool, output.Rank())
	for axis, outAxis := range broadcastDimensions {
		if outAxis < 0 || outAxis >= output.Rank() || seen[outAxis] {
			return shapes.Shape{}, errors.Errorf("%s: invalid broadcast dimension %d for output %s",
				op, outAxis, output)
		}
		seen[outAxis] = true
		if axis > 0 && outAxis <= broadcastDimensions[axis-1] {
			return shapes.Shape{}, errors.Errorf("%s: broadcast dimensions %v must be strictly increasing",
				op, broadcastDimensions)
		}
		dim := operand.Dimensions[axis]
		if dim != 1 && !compatibleDims(dim, output.Dimensions[outAxis]) {
			return shapes.Shape{}, errors.Errorf("%s: operand axis %d of size %d cannot be broadcast to size %d",
				op, axis, dim, output.Dimensions[outAxis])
		}
	}
	return output.Clone(), nil
}

// Transpose returns the output shape of mhlo.transpose: output axis i is the operand axis permutation[i].
func Transpose(operand shapes.Shape, permutation []int) (shapes.Shape, error) {
	if len(permutation) != operand.Rank() {
		return shapes.Shape{}, errors.Errorf("%s requires a permutation of rank %d, got %v",
			optypes.Transpose, operand.Rank(), permutation)
	}
	seen := make([]bool, operand.Rank())
	dims := make([]int, operand.Rank())
	for i, axis := range permutation {
		if axis < 0 || axis >= operand.Rank() || seen[axis] {
			return shapes.Shape{}, errors.Errorf("%s: %v is not a permutation", optypes.Transpose, permutation)
		}
		seen[axis] = true
		dims[i] = operand.Dimensions[axis]
	}
	return shapes.Make(operand.DType, dims...), nil
}

// Dot returns the output shape of mhlo.dot: vector·vector, matrix·vector or matrix·matrix.
func Dot(lhs, rhs shapes.Shape) (shapes.Shape, error) {
	op := optypes.Dot
	if lhs.DType != rhs.DType {
		return shapes.Shape{}, errors.Errorf("%s requires operands of the same dtype, got %s and %s", op, lhs, rhs)
	}
	if lhs.Rank() < 1 || lhs.Rank() > 2 || rhs.Rank() < 1 || rhs.Rank() > 2 || (lhs.Rank() == 1 && rhs.Rank() == 2) {
		return shapes.Shape{}, errors.Errorf("%s not defined for operands %s and %s", op, lhs, rhs)
	}
	contractingLHS := lhs.Dim(-1)
	if !compatibleDims(contractingLHS, rhs.Dim(0)) {
		return shapes.Shape{}, errors.Errorf("%s contracting dimensions don't match: %s and %s", op, lhs, rhs)
	}
	var dims []int
	if lhs.Rank() == 2 {
		dims = append(dims, lhs.Dim(0))
	}
	if rhs.Rank() == 2 {
		dims = append(dims, rhs.Dim(1))
	}
	return shapes.Make(lhs.DType, dims...), nil
}

// Reduce returns the output shape of mhlo.reduce over the given axes. The initial value must be a
// rank-0 tensor of the operand dtype.
func Reduce(operand, initialValue shapes.Shape, axes []int) (shapes.Shape, error) {
	op := optypes.Reduce
	if initialValue.Rank() != 0 || initialValue.Elemental || initialValue.DType != operand.DType {
		return shapes.Shape{}, errors.Errorf("%s requires a rank-0 initial value of dtype %s, got %s",
			op, operand.DType, initialValue)
	}
	if len(axes) == 0 {
		return shapes.Shape{}, errors.Errorf("%s requires at least one axis", op)
	}
	reduced := make([]bool, operand.Rank())
	for _, axis := range axes {
		if axis < 0 || axis >= operand.Rank() || reduced[axis] {
			return shapes.Shape{}, errors.Errorf("%s: invalid axes %v for operand %s", op, axes, operand)
		}
		reduced[axis] = true
	}
	var dims []int
	for axis, dim := range operand.Dimensions {
		if !reduced[axis] {
			dims = append(dims, dim)
		}
	}
	return shapes.Make(operand.DType, dims...), nil
}

// Concatenate returns the output shape of mhlo.concatenate along the given axis.
func Concatenate(axis int, operands ...shapes.Shape) (shapes.Shape, error) {
	op := optypes.Concatenate
	if len(operands) == 0 {
		return shapes.Shape{}, errors.Errorf("%s requires at least one operand", op)
	}
	first := operands[0]
	if axis < 0 || axis >= first.Rank() {
		return shapes.Shape{}, errors.Errorf("%s: invalid axis %d for operands of rank %d", op, axis, first.Rank())
	}
	dims := slices.Clone(first.Dimensions)
	for i, operand := range operands[1:] {
		if operand.DType != first.DType || operand.Rank() != first.Rank() {
			return shapes.Shape{}, errors.Errorf("%s: operand #%d (%s) doesn't match operand #0 (%s)",
				op, i+1, operand, first)
		}
		for a := range dims {
			if a == axis {
				if dims[a] == shapes.DimUnknown || operand.Dimensions[a] == shapes.DimUnknown {
					dims[a] = shapes.DimUnknown
				} else {
					dims[a] += operand.Dimensions[a]
				}
				continue
			}
			if !compatibleDims(dims[a], operand.Dimensions[a]) {
				return shapes.Shape{}, errors.Errorf("%s: operand #%d (%s) differs on axis %d", op, i+1, operand, a)
			}
			dims[a] = mergeDims(dims[a], operand.Dimensions[a])
		}
	}
	return shapes.Make(first.DType, dims...), nil
}
