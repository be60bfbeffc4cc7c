package mhlo

import (
	"github.com/gomlx/gmlst/internal/optypes"
	"github.com/gomlx/gmlst/internal/shapeinference"
	"github.com/gomlx/gmlst/pkg/ir"
	"github.com/gomlx/gmlst/pkg/types/shapes"
	"github.com/pkg/errors"
)

// numOperands of the mhlo operations with a fixed number of operands.
var numOperands = map[optypes.OpType]int{
	optypes.Constant:              0,
	optypes.Negate:                1,
	optypes.Abs:                   1,
	optypes.Exponential:           1,
	optypes.Log:                   1,
	optypes.Tanh:                  1,
	optypes.Sqrt:                  1,
	optypes.Rsqrt:                 1,
	optypes.Convert:               1,
	optypes.Add:                   2,
	optypes.Subtract:              2,
	optypes.Multiply:              2,
	optypes.Divide:                2,
	optypes.Maximum:               2,
	optypes.Minimum:               2,
	optypes.Compare:               2,
	optypes.Select:                3,
	optypes.BroadcastInDim:        1,
	optypes.DynamicBroadcastInDim: 2,
	optypes.Transpose:             1,
	optypes.Dot:                   2,
	optypes.Reduce:                2,
}

// Verify checks an mhlo statement the way its builder checks the operands: the number of operands and
// results, the attributes and regions, and that the result shape matches the one inferred from the
// operands. Statements parsed from text are only checked by this.
//
// Operations without a builder here are not checked.
func Verify(stmt *ir.Statement) error {
	want, fixed := numOperands[stmt.OpType]
	if !fixed && stmt.OpType != optypes.Concatenate {
		return nil
	}
	if fixed && len(stmt.Inputs) != want {
		return stmt.Errorf("requires %d operands, got %d", want, len(stmt.Inputs))
	}
	if len(stmt.Outputs) != 1 {
		return stmt.Errorf("requires 1 result, got %d", len(stmt.Outputs))
	}
	declared := stmt.Output().Shape()
	inferred, err := inferShape(stmt, declared)
	if err != nil {
		return stmt.Errorf("%s", err)
	}
	if !compatibleShapes(inferred, declared) {
		return stmt.Errorf("result has type %s, but %s was inferred from the operands", declared, inferred)
	}
	return nil
}

// inferShape returns the result shape of stmt given its operands and attributes. Operations whose result
// depends on the program values (constants and broadcasts) are validated against declared.
func inferShape(stmt *ir.Statement, declared shapes.Shape) (shapes.Shape, error) {
	inputs := ir.ValuesShapes(stmt.Inputs)
	attrError := func(name string) (shapes.Shape, error) {
		return shapes.Shape{}, errors.Errorf("missing or invalid %q attribute", name)
	}
	switch stmt.OpType {
	case optypes.Constant:
		dense, ok := stmt.DenseAttr(AttrValue)
		if !ok {
			return attrError(AttrValue)
		}
		return dense.Shape, nil
	case optypes.Negate, optypes.Abs, optypes.Exponential, optypes.Log, optypes.Tanh, optypes.Sqrt, optypes.Rsqrt:
		return shapeinference.UnaryOp(stmt.OpType, inputs[0])
	case optypes.Convert:
		return shapeinference.Convert(inputs[0], declared.DType)
	case optypes.Add, optypes.Subtract, optypes.Multiply, optypes.Divide, optypes.Maximum, optypes.Minimum:
		return shapeinference.BinaryOp(stmt.OpType, inputs[0], inputs[1])
	case optypes.Compare:
		direction, _ := stmt.StringAttr(AttrComparison)
		if !ComparisonDirection(direction).valid() {
			return attrError(AttrComparison)
		}
		return shapeinference.Compare(inputs[0], inputs[1])
	case optypes.Select:
		return shapeinference.Select(inputs[0], inputs[1], inputs[2])
	case optypes.BroadcastInDim, optypes.DynamicBroadcastInDim:
		dims, ok := stmt.IntsAttr(AttrBroadcastDimensions)
		if !ok {
			return attrError(AttrBroadcastDimensions)
		}
		return shapeinference.BroadcastInDim(inputs[0], declared, dims)
	case optypes.Transpose:
		permutation, ok := stmt.IntsAttr(AttrPermutation)
		if !ok {
			return attrError(AttrPermutation)
		}
		return shapeinference.Transpose(inputs[0], permutation)
	case optypes.Dot:
		return shapeinference.Dot(inputs[0], inputs[1])
	case optypes.Reduce:
		axes, ok := stmt.IntsAttr(AttrDimensions)
		if !ok {
			return attrError(AttrDimensions)
		}
		if len(stmt.Regions) != 1 || len(stmt.Regions[0].Inputs) != 2 || len(stmt.Regions[0].Outputs) != 1 {
			return shapes.Shape{}, errors.New("requires a reduction function taking 2 values and returning 1")
		}
		return shapeinference.Reduce(inputs[0], inputs[1], axes)
	case optypes.Concatenate:
		axis, ok := stmt.IntAttr(AttrDimension)
		if !ok {
			return attrError(AttrDimension)
		}
		return shapeinference.Concatenate(axis, inputs...)
	}
	return declared, nil
}

// compatibleShapes returns whether the declared shape of a result can hold the inferred one: same dtype
// and rank, with dimensions equal unless one of them is dynamic.
func compatibleShapes(inferred, declared shapes.Shape) bool {
	if inferred.DType != declared.DType || inferred.Elemental != declared.Elemental ||
		inferred.Rank() != declared.Rank() {
		return false
	}
	for axis, dim := range inferred.Dimensions {
		other := declared.Dimensions[axis]
		if dim != other && dim != shapes.DimUnknown && other != shapes.DimUnknown {
			return false
		}
	}
	return true
}
