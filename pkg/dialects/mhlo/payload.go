package mhlo

import (
	"github.com/gomlx/gmlst/internal/optypes"
	"github.com/gomlx/gmlst/pkg/dialects/linalg"
	"github.com/gomlx/gmlst/pkg/ir"
	"github.com/gomlx/gmlst/pkg/types/dtypes"
	"github.com/pkg/errors"
)

var (
	floatPredicates = map[ComparisonDirection]string{
		CompareEQ: "oeq", CompareNE: "une", CompareLT: "olt", CompareLE: "ole", CompareGT: "ogt", CompareGE: "oge",
	}
	signedPredicates = map[ComparisonDirection]string{
		CompareEQ: "eq", CompareNE: "ne", CompareLT: "slt", CompareLE: "sle", CompareGT: "sgt", CompareGE: "sge",
	}
	unsignedPredicates = map[ComparisonDirection]string{
		CompareEQ: "eq", CompareNE: "ne", CompareLT: "ult", CompareLE: "ule", CompareGT: "ugt", CompareGE: "uge",
	}
)

// scalarBinaryOps maps binary mhlo ops to their float and integer arith equivalents.
var scalarBinaryOps = map[optypes.OpType][2]optypes.OpType{
	optypes.Add:      {optypes.ArithAddF, optypes.ArithAddI},
	optypes.Subtract: {optypes.ArithSubF, optypes.ArithSubI},
	optypes.Multiply: {optypes.ArithMulF, optypes.ArithMulI},
	optypes.Divide:   {optypes.ArithDivF, optypes.ArithDivSI},
	optypes.Maximum:  {optypes.ArithMaxF, optypes.ArithMaxSI},
	optypes.Minimum:  {optypes.ArithMinF, optypes.ArithMinSI},
}

var scalarUnaryOps = map[optypes.OpType]optypes.OpType{
	optypes.Exponential: optypes.MathExp,
	optypes.Log:         optypes.MathLog,
	optypes.Tanh:        optypes.MathTanh,
	optypes.Sqrt:        optypes.MathSqrt,
	optypes.Rsqrt:       optypes.MathRsqrt,
}

// scalarOp adds to body the scalar equivalent of the elementwise mhlo operation stmt, applied to operands.
func scalarOp(body *ir.Function, stmt *ir.Statement, operands []*ir.Value) (*ir.Value, error) {
	dtype := operands[0].Shape().DType
	if pair, found := scalarBinaryOps[stmt.OpType]; found {
		if dtype.IsFloat() {
			return linalg.Binary(body, pair[0], operands[0], operands[1])
		}
		return linalg.Binary(body, pair[1], operands[0], operands[1])
	}
	if op, found := scalarUnaryOps[stmt.OpType]; found {
		return linalg.Unary(body, op, operands[0])
	}
	switch stmt.OpType {
	case optypes.Negate:
		if dtype.IsFloat() {
			return linalg.Unary(body, optypes.ArithNegF, operands[0])
		}
		zero, err := linalg.ScalarConstant(body, dtype, 0)
		if err != nil {
			return nil, err
		}
		return linalg.Binary(body, optypes.ArithSubI, zero, operands[0])
	case optypes.Abs:
		if dtype.IsFloat() {
			return linalg.Unary(body, optypes.MathAbsF, operands[0])
		}
		return linalg.Unary(body, optypes.MathAbsI, operands[0])
	case optypes.Compare:
		direction, _ := stmt.StringAttr(AttrComparison)
		dir := ComparisonDirection(direction)
		switch {
		case dtype.IsFloat():
			return linalg.Cmp(body, optypes.ArithCmpF, floatPredicates[dir], operands[0], operands[1])
		case dtype.IsUnsigned() || dtype == dtypes.Bool:
			return linalg.Cmp(body, optypes.ArithCmpI, unsignedPredicates[dir], operands[0], operands[1])
		default:
			return linalg.Cmp(body, optypes.ArithCmpI, signedPredicates[dir], operands[0], operands[1])
		}
	case optypes.Select:
		return linalg.Select(body, operands[0], operands[1], operands[2])
	case optypes.Convert:
		return convertScalar(body, stmt, operands[0], stmt.Output().Shape().DType)
	}
	return nil, stmt.Errorf("has no scalar equivalent")
}

// convertScalar converts x to dtype with arith operations.
func convertScalar(body *ir.Function, stmt *ir.Statement, x *ir.Value, to dtypes.DType) (*ir.Value, error) {
	from := x.Shape().DType
	switch {
	case from == to:
		return x, nil
	case to == dtypes.Bool:
		zero, err := linalg.ScalarConstant(body, from, 0)
		if err != nil {
			return nil, err
		}
		if from.IsFloat() {
			return linalg.Cmp(body, optypes.ArithCmpF, "une", x, zero)
		}
		return linalg.Cmp(body, optypes.ArithCmpI, "ne", x, zero)
	case from == dtypes.Bool:
		one, err := linalg.ScalarConstant(body, to, 1)
		if err != nil {
			return nil, err
		}
		zero, err := linalg.ScalarConstant(body, to, 0)
		if err != nil {
			return nil, err
		}
		return linalg.Select(body, x, one, zero)
	case from.IsInt() && to.IsFloat():
		return linalg.Cast(body, optypes.ArithSIToFP, x, to)
	case from.IsFloat() && to.IsInt():
		return linalg.Cast(body, optypes.ArithFPToSI, x, to)
	case from.IsFloat() && to.IsFloat():
		if to.Bits() > from.Bits() {
			return linalg.Cast(body, optypes.ArithExtF, x, to)
		}
		return linalg.Cast(body, optypes.ArithTruncF, x, to)
	case from.IsInt() && to.IsInt() && to.Bits() > from.Bits():
		return linalg.Cast(body, optypes.ArithExtSI, x, to)
	case from.IsInt() && to.IsInt() && to.Bits() < from.Bits():
		return linalg.Cast(body, optypes.ArithTruncI, x, to)
	}
	return nil, stmt.Errorf("conversion from %s to %s is not supported", from, to)
}

// scalarizeRegion adds to body the scalar equivalent of the statements of region (the reduction function
// of an mhlo.reduce), with args in place of the region inputs. It returns the scalar values of the region
// outputs.
func scalarizeRegion(body *ir.Function, region *ir.Function, args []*ir.Value) ([]*ir.Value, error) {
	mapping := make(map[*ir.Value]*ir.Value, len(region.Inputs)+len(region.Statements))
	for i, input := range region.Inputs {
		mapping[input] = args[i]
	}
	for _, stmt := range region.Statements {
		var result *ir.Value
		var err error
		switch {
		case stmt.OpType == optypes.Constant:
			dense, ok := stmt.DenseAttr(AttrValue)
			if !ok || dense.Shape.Rank() != 0 {
				return nil, stmt.Errorf("only rank-0 constants can be used in a reduction function")
			}
			result, err = linalg.ScalarConstant(body, dense.Shape.DType, dense.Values[0])
		case stmt.OpType.IsElementwise():
			operands := make([]*ir.Value, len(stmt.Inputs))
			for i, input := range stmt.Inputs {
				scalar, found := mapping[input]
				if !found {
					return nil, stmt.Errorf("operand #%d is defined outside of the reduction function", i)
				}
				operands[i] = scalar
			}
			result, err = scalarOp(body, stmt, operands)
		default:
			return nil, stmt.Errorf("cannot be used in a reduction function lowered to linalg")
		}
		if err != nil {
			return nil, err
		}
		mapping[stmt.Output()] = result
	}
	results := make([]*ir.Value, len(region.Outputs))
	for i, output := range region.Outputs {
		scalar, found := mapping[output]
		if !found {
			return nil, errors.Errorf("value #%d returned by the reduction function in %s is not defined by it",
				i, region.DisplayName())
		}
		results[i] = scalar
	}
	return results, nil
}
