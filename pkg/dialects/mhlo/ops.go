// Package mhlo provides builders for the mhlo operations, the source dialect of the lowering, and the
// hlo-legalize-to-linalg pass.
//
// Builders take the operand values, find the function they belong to (the innermost one, if the operands
// come from a closure and its parents), validate the operands with shape inference and return the
// new value.
package mhlo

import (
	"github.com/gomlx/gmlst/internal/optypes"
	"github.com/gomlx/gmlst/internal/shapeinference"
	"github.com/gomlx/gmlst/pkg/ir"
	"github.com/gomlx/gmlst/pkg/types/dtypes"
	"github.com/gomlx/gmlst/pkg/types/shapes"
	"github.com/pkg/errors"
)

// Attribute names of mhlo operations.
const (
	AttrValue               = "value"
	AttrComparison          = "comparison_direction"
	AttrBroadcastDimensions = "broadcast_dimensions"
	AttrPermutation         = "permutation"
	AttrDimensions          = "dimensions"
	AttrDimension           = "dimension"
)

// ComparisonDirection of mhlo.compare.
type ComparisonDirection string

const (
	CompareEQ ComparisonDirection = "EQ"
	CompareNE ComparisonDirection = "NE"
	CompareLT ComparisonDirection = "LT"
	CompareLE ComparisonDirection = "LE"
	CompareGT ComparisonDirection = "GT"
	CompareGE ComparisonDirection = "GE"
)

func (d ComparisonDirection) valid() bool {
	switch d {
	case CompareEQ, CompareNE, CompareLT, CompareLE, CompareGT, CompareGE:
		return true
	}
	return false
}

// functionOf returns the function where an operation on the given operands must be added: the innermost
// of the functions of the operands. They must all be in the same chain of closures.
func functionOf(op optypes.OpType, operands ...*ir.Value) (*ir.Function, error) {
	var fn *ir.Function
	for i, operand := range operands {
		if operand == nil {
			return nil, errors.Errorf("cannot add operation %s: operand #%d is nil", op, i)
		}
		other := operand.Function()
		switch {
		case fn == nil, fn.IsAncestorOf(other):
			fn = other
		case other.IsAncestorOf(fn):
		default:
			return nil, errors.Errorf("cannot add operation %s, because operands are from different functions (%s and %s)",
				op, fn.DisplayName(), other.DisplayName())
		}
	}
	if fn == nil {
		return nil, errors.Errorf("operation %s requires at least one operand", op)
	}
	if fn.Returned {
		return nil, errors.Errorf("cannot add operation %s after returning, in function %s", op, fn.DisplayName())
	}
	return fn, nil
}

func addOp(fn *ir.Function, op optypes.OpType, outputShape shapes.Shape, inputs []*ir.Value,
	attributes map[string]any, regions ...*ir.Function) (*ir.Value, error) {
	stmt, err := fn.AddOp(op, []shapes.Shape{outputShape}, inputs, attributes, regions...)
	if err != nil {
		return nil, err
	}
	return stmt.Output(), nil
}

// Constant creates an mhlo.constant with the given tensor literal.
func Constant(fn *ir.Function, value ir.DenseElements) (*ir.Value, error) {
	if value.Shape.Elemental {
		return nil, errors.Errorf("%s requires a tensor literal, got type %s", optypes.Constant, value.Shape)
	}
	return addOp(fn, optypes.Constant, value.Shape.Clone(), nil, map[string]any{AttrValue: value})
}

// ConstantOf creates an mhlo.constant of the given shape: either with one value per element, or with a
// single value for all elements.
func ConstantOf(fn *ir.Function, shape shapes.Shape, values ...float64) (*ir.Value, error) {
	dense, err := ir.NewDenseElements(shape, values...)
	if err != nil {
		return nil, err
	}
	return Constant(fn, dense)
}

func binaryOp(op optypes.OpType, lhs, rhs *ir.Value) (*ir.Value, error) {
	fn, err := functionOf(op, lhs, rhs)
	if err != nil {
		return nil, err
	}
	outputShape, err := shapeinference.BinaryOp(op, lhs.Shape(), rhs.Shape())
	if err != nil {
		return nil, err
	}
	return addOp(fn, op, outputShape, []*ir.Value{lhs, rhs}, nil)
}

func unaryOp(op optypes.OpType, operand *ir.Value) (*ir.Value, error) {
	fn, err := functionOf(op, operand)
	if err != nil {
		return nil, err
	}
	outputShape, err := shapeinference.UnaryOp(op, operand.Shape())
	if err != nil {
		return nil, err
	}
	return addOp(fn, op, outputShape, []*ir.Value{operand}, nil)
}

// Add returns lhs + rhs, element-wise.
func Add(lhs, rhs *ir.Value) (*ir.Value, error) { return binaryOp(optypes.Add, lhs, rhs) }

// Subtract returns lhs - rhs, element-wise.
func Subtract(lhs, rhs *ir.Value) (*ir.Value, error) { return binaryOp(optypes.Subtract, lhs, rhs) }

// Multiply returns lhs * rhs, element-wise.
func Multiply(lhs, rhs *ir.Value) (*ir.Value, error) { return binaryOp(optypes.Multiply, lhs, rhs) }

// Divide returns lhs / rhs, element-wise.
func Divide(lhs, rhs *ir.Value) (*ir.Value, error) { return binaryOp(optypes.Divide, lhs, rhs) }

// Maximum returns max(lhs, rhs), element-wise.
func Maximum(lhs, rhs *ir.Value) (*ir.Value, error) { return binaryOp(optypes.Maximum, lhs, rhs) }

// Minimum returns min(lhs, rhs), element-wise.
func Minimum(lhs, rhs *ir.Value) (*ir.Value, error) { return binaryOp(optypes.Minimum, lhs, rhs) }

// Negate returns -x.
func Negate(x *ir.Value) (*ir.Value, error) { return unaryOp(optypes.Negate, x) }

// Abs returns |x|.
func Abs(x *ir.Value) (*ir.Value, error) { return unaryOp(optypes.Abs, x) }

// Exponential returns e^x.
func Exponential(x *ir.Value) (*ir.Value, error) { return unaryOp(optypes.Exponential, x) }

// Log returns the natural logarithm of x.
func Log(x *ir.Value) (*ir.Value, error) { return unaryOp(optypes.Log, x) }

// Tanh returns the hyperbolic tangent of x.
func Tanh(x *ir.Value) (*ir.Value, error) { return unaryOp(optypes.Tanh, x) }

// Sqrt returns the square root of x.
func Sqrt(x *ir.Value) (*ir.Value, error) { return unaryOp(optypes.Sqrt, x) }

// Rsqrt returns 1/sqrt(x).
func Rsqrt(x *ir.Value) (*ir.Value, error) { return unaryOp(optypes.Rsqrt, x) }

// Compare returns the boolean result of comparing lhs and rhs element-wise.
func Compare(lhs, rhs *ir.Value, direction ComparisonDirection) (*ir.Value, error) {
	op := optypes.Compare
	fn, err := functionOf(op, lhs, rhs)
	if err != nil {
		return nil, err
	}
	if !direction.valid() {
		return nil, errors.Errorf("%s: invalid comparison direction %q", op, direction)
	}
	outputShape, err := shapeinference.Compare(lhs.Shape(), rhs.Shape())
	if err != nil {
		return nil, err
	}
	return addOp(fn, op, outputShape, []*ir.Value{lhs, rhs}, map[string]any{AttrComparison: string(direction)})
}

// Select takes element-wise values from onTrue or onFalse depending on the value of pred.
//
// The pred must be boolean and can be a rank-0 tensor or have the same shape as onTrue and onFalse.
func Select(pred, onTrue, onFalse *ir.Value) (*ir.Value, error) {
	op := optypes.Select
	fn, err := functionOf(op, pred, onTrue, onFalse)
	if err != nil {
		return nil, err
	}
	outputShape, err := shapeinference.Select(pred.Shape(), onTrue.Shape(), onFalse.Shape())
	if err != nil {
		return nil, err
	}
	return addOp(fn, op, outputShape, []*ir.Value{pred, onTrue, onFalse}, nil)
}

// Convert x to the given dtype.
func Convert(x *ir.Value, dtype dtypes.DType) (*ir.Value, error) {
	op := optypes.Convert
	fn, err := functionOf(op, x)
	if err != nil {
		return nil, err
	}
	outputShape, err := shapeinference.Convert(x.Shape(), dtype)
	if err != nil {
		return nil, err
	}
	return addOp(fn, op, outputShape, []*ir.Value{x}, nil)
}

// BroadcastInDim broadcasts operand to the target shape: operand axis i becomes the target axis
// broadcastDimensions[i]. Operand axes of size 1 can be expanded to any size.
func BroadcastInDim(operand *ir.Value, target shapes.Shape, broadcastDimensions []int) (*ir.Value, error) {
	op := optypes.BroadcastInDim
	fn, err := functionOf(op, operand)
	if err != nil {
		return nil, err
	}
	outputShape, err := shapeinference.BroadcastInDim(operand.Shape(), target, broadcastDimensions)
	if err != nil {
		return nil, err
	}
	return addOp(fn, op, outputShape, []*ir.Value{operand}, map[string]any{
		AttrBroadcastDimensions: ir.I64s(broadcastDimensions),
	})
}

// DynamicBroadcastInDim is like BroadcastInDim, but the target dimensions are given by the rank-1 integer
// tensor outputDimensions. If it is a constant, the output shape is static, otherwise its dimensions are
// unknown.
func DynamicBroadcastInDim(operand, outputDimensions *ir.Value, broadcastDimensions []int) (*ir.Value, error) {
	op := optypes.DynamicBroadcastInDim
	fn, err := functionOf(op, operand, outputDimensions)
	if err != nil {
		return nil, err
	}
	dimsShape := outputDimensions.Shape()
	if dimsShape.Elemental || dimsShape.Rank() != 1 || dimsShape.Dim(0) == shapes.DimUnknown ||
		!dimsShape.DType.IsInt() || dimsShape.DType == dtypes.Bool {
		return nil, errors.Errorf("%s requires output dimensions given by a static rank-1 integer tensor, got %s",
			op, dimsShape)
	}
	dims, ok := ExtractConstantShape(outputDimensions)
	if !ok {
		dims = make([]int, dimsShape.Dim(0))
		for i := range dims {
			dims[i] = shapes.DimUnknown
		}
	}
	target := shapes.Make(operand.Shape().DType, dims...)
	outputShape, err := shapeinference.BroadcastInDim(operand.Shape(), target, broadcastDimensions)
	if err != nil {
		return nil, err
	}
	return addOp(fn, op, outputShape, []*ir.Value{operand, outputDimensions}, map[string]any{
		AttrBroadcastDimensions: ir.I64s(broadcastDimensions),
	})
}

// Transpose permutes the axes of x: output axis i is the axis permutation[i] of x.
func Transpose(x *ir.Value, permutation ...int) (*ir.Value, error) {
	op := optypes.Transpose
	fn, err := functionOf(op, x)
	if err != nil {
		return nil, err
	}
	outputShape, err := shapeinference.Transpose(x.Shape(), permutation)
	if err != nil {
		return nil, err
	}
	return addOp(fn, op, outputShape, []*ir.Value{x}, map[string]any{AttrPermutation: ir.I64s(permutation)})
}

// Dot returns the product of vectors or matrices: vector·vector, matrix·vector or matrix·matrix.
func Dot(lhs, rhs *ir.Value) (*ir.Value, error) {
	op := optypes.Dot
	fn, err := functionOf(op, lhs, rhs)
	if err != nil {
		return nil, err
	}
	outputShape, err := shapeinference.Dot(lhs.Shape(), rhs.Shape())
	if err != nil {
		return nil, err
	}
	return addOp(fn, op, outputShape, []*ir.Value{lhs, rhs}, nil)
}

// ReductionFn creates a closure of fn to be used as the reduction function of Reduce: it takes the
// accumulated value and the element being reduced, both rank-0 tensors of the given dtype.
// Add its operations with the builders of this package and finish it with Return.
func ReductionFn(fn *ir.Function, dtype dtypes.DType) (reductionFn *ir.Function, acc, elem *ir.Value, err error) {
	reductionFn = fn.Closure()
	reductionFn.Terminator = optypes.Return
	if acc, err = reductionFn.Input(shapes.Make(dtype)); err != nil {
		return nil, nil, nil, err
	}
	if elem, err = reductionFn.Input(shapes.Make(dtype)); err != nil {
		return nil, nil, nil, err
	}
	return reductionFn, acc, elem, nil
}

// Reduce reduces x along the given axes with reductionFn, starting from initialValue (a rank-0 tensor).
//
// The reduction function must be a closure of the function of x (see ReductionFn), taking two rank-0
// tensors (accumulator and element) and returning one.
func Reduce(x, initialValue *ir.Value, reductionFn *ir.Function, axes ...int) (*ir.Value, error) {
	op := optypes.Reduce
	fn, err := functionOf(op, x, initialValue)
	if err != nil {
		return nil, err
	}
	if reductionFn == nil || reductionFn.Parent != fn {
		return nil, errors.Errorf("cannot add operation %s because reductionFn is not a closure of %s",
			op, fn.DisplayName())
	}
	if !reductionFn.Returned {
		return nil, errors.Errorf("%s reductionFn must return its result", op)
	}
	scalarShape := shapes.Make(x.Shape().DType)
	inputShapes, outputShapes := reductionFn.InputShapes(), reductionFn.OutputShapes()
	if len(inputShapes) != 2 || !inputShapes[0].Equal(scalarShape) || !inputShapes[1].Equal(scalarShape) ||
		len(outputShapes) != 1 || !outputShapes[0].Equal(scalarShape) {
		return nil, errors.Errorf("%s reductionFn must take two %s and return one, got %v -> %v",
			op, scalarShape, inputShapes, outputShapes)
	}
	outputShape, err := shapeinference.Reduce(x.Shape(), initialValue.Shape(), axes)
	if err != nil {
		return nil, err
	}
	reductionFn.Terminator = optypes.Return
	return addOp(fn, op, outputShape, []*ir.Value{x, initialValue}, map[string]any{
		AttrDimensions: ir.I64s(axes),
	}, reductionFn)
}

// Concatenate operands along the given axis.
func Concatenate(axis int, operands ...*ir.Value) (*ir.Value, error) {
	op := optypes.Concatenate
	fn, err := functionOf(op, operands...)
	if err != nil {
		return nil, err
	}
	outputShape, err := shapeinference.Concatenate(axis, ir.ValuesShapes(operands)...)
	if err != nil {
		return nil, err
	}
	return addOp(fn, op, outputShape, operands, map[string]any{AttrDimension: int64(axis)})
}
