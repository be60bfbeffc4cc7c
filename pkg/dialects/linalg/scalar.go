package linalg

import (
	"github.com/gomlx/gmlst/internal/optypes"
	"github.com/gomlx/gmlst/pkg/ir"
	"github.com/gomlx/gmlst/pkg/types/dtypes"
	"github.com/gomlx/gmlst/pkg/types/shapes"
	"github.com/pkg/errors"
)

// AttrPredicate is the name of the comparison predicate attribute of arith.cmpf and arith.cmpi.
const AttrPredicate = "predicate"

// Constant creates an arith.constant. The value is either an ir.TypedValue, for a scalar,
// or an ir.DenseElements, for a tensor.
func Constant(fn *ir.Function, value any) (*ir.Value, error) {
	var shape shapes.Shape
	switch v := value.(type) {
	case ir.TypedValue:
		shape = shapes.Scalar(v.DType)
	case ir.DenseElements:
		shape = v.Shape.Clone()
	default:
		return nil, errors.Errorf("%s: unsupported value %v (%T)", optypes.ArithConstant, value, value)
	}
	stmt, err := fn.AddOp(optypes.ArithConstant, []shapes.Shape{shape}, nil, map[string]any{"value": value})
	if err != nil {
		return nil, err
	}
	return stmt.Output(), nil
}

// ScalarConstant creates an arith.constant with a scalar of the given dtype.
func ScalarConstant(fn *ir.Function, dtype dtypes.DType, value float64) (*ir.Value, error) {
	return Constant(fn, ir.NewTypedValue(dtype, value))
}

func requireScalars(op optypes.OpType, values ...*ir.Value) error {
	for i, v := range values {
		if v == nil {
			return errors.Errorf("%s: operand #%d is nil", op, i)
		}
		if !v.Shape().Elemental {
			return errors.Errorf("%s requires scalar operands, operand #%d is %s", op, i, v.Shape())
		}
	}
	return nil
}

func addScalarOp(fn *ir.Function, op optypes.OpType, dtype dtypes.DType, attributes map[string]any,
	operands ...*ir.Value) (*ir.Value, error) {
	stmt, err := fn.AddOp(op, []shapes.Shape{shapes.Scalar(dtype)}, operands, attributes)
	if err != nil {
		return nil, err
	}
	return stmt.Output(), nil
}

// Binary creates a scalar binary operation of the arith dialect, like arith.addf.
func Binary(fn *ir.Function, op optypes.OpType, lhs, rhs *ir.Value) (*ir.Value, error) {
	if err := requireScalars(op, lhs, rhs); err != nil {
		return nil, err
	}
	if lhs.Shape().DType != rhs.Shape().DType {
		return nil, errors.Errorf("%s requires operands of the same type, got %s and %s", op, lhs.Shape(), rhs.Shape())
	}
	return addScalarOp(fn, op, lhs.Shape().DType, nil, lhs, rhs)
}

// Unary creates a scalar unary operation of the arith or math dialects, like math.exp.
func Unary(fn *ir.Function, op optypes.OpType, x *ir.Value) (*ir.Value, error) {
	if err := requireScalars(op, x); err != nil {
		return nil, err
	}
	return addScalarOp(fn, op, x.Shape().DType, nil, x)
}

// Cmp creates an arith.cmpf or arith.cmpi with the given predicate ("olt", "slt", "eq", ...).
func Cmp(fn *ir.Function, op optypes.OpType, predicate string, lhs, rhs *ir.Value) (*ir.Value, error) {
	if op != optypes.ArithCmpF && op != optypes.ArithCmpI {
		return nil, errors.Errorf("%s is not a comparison", op)
	}
	if err := requireScalars(op, lhs, rhs); err != nil {
		return nil, err
	}
	if lhs.Shape().DType != rhs.Shape().DType {
		return nil, errors.Errorf("%s requires operands of the same type, got %s and %s", op, lhs.Shape(), rhs.Shape())
	}
	return addScalarOp(fn, op, dtypes.Bool, map[string]any{AttrPredicate: predicate}, lhs, rhs)
}

// Select creates an arith.select.
func Select(fn *ir.Function, pred, onTrue, onFalse *ir.Value) (*ir.Value, error) {
	op := optypes.ArithSelect
	if err := requireScalars(op, pred, onTrue, onFalse); err != nil {
		return nil, err
	}
	if pred.Shape().DType != dtypes.Bool || onTrue.Shape().DType != onFalse.Shape().DType {
		return nil, errors.Errorf("%s: invalid operand types %s, %s and %s",
			op, pred.Shape(), onTrue.Shape(), onFalse.Shape())
	}
	return addScalarOp(fn, op, onTrue.Shape().DType, nil, pred, onTrue, onFalse)
}

// Cast creates a scalar conversion (arith.sitofp, arith.extf, ...) of x to dtype.
func Cast(fn *ir.Function, op optypes.OpType, x *ir.Value, dtype dtypes.DType) (*ir.Value, error) {
	if err := requireScalars(op, x); err != nil {
		return nil, err
	}
	from := x.Shape().DType
	var ok bool
	switch op {
	case optypes.ArithSIToFP:
		ok = from.IsInt() && dtype.IsFloat()
	case optypes.ArithFPToSI:
		ok = from.IsFloat() && dtype.IsInt()
	case optypes.ArithExtF:
		ok = from.IsFloat() && dtype.IsFloat() && dtype.Bits() > from.Bits()
	case optypes.ArithTruncF:
		ok = from.IsFloat() && dtype.IsFloat() && dtype.Bits() <= from.Bits()
	case optypes.ArithExtSI:
		ok = from.IsInt() && dtype.IsInt() && dtype.Bits() > from.Bits()
	case optypes.ArithTruncI:
		ok = from.IsInt() && dtype.IsInt() && dtype.Bits() < from.Bits()
	default:
		return nil, errors.Errorf("%s is not a conversion", op)
	}
	if !ok {
		return nil, errors.Errorf("%s cannot convert %s to %s", op, from, dtype)
	}
	return addScalarOp(fn, op, dtype, nil, x)
}
