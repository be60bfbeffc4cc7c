package mhlo

import (
	"math"

	"github.com/gomlx/gmlst/internal/optypes"
	"github.com/gomlx/gmlst/pkg/ir"
)

// ExtractConstantShape attempts to extract the integer values of a rank-1 shape tensor.
// It handles constants (mhlo.constant and arith.constant) and concatenations of constants, the common
// patterns when building shape tensors.
// Returns (dimensions, true) if successful, or (nil, false) if the shape is truly dynamic.
func ExtractConstantShape(shapeValue *ir.Value) ([]int, bool) {
	stmt := shapeValue.Statement()
	if stmt == nil {
		return nil, false
	}
	switch stmt.OpType {
	case optypes.Constant, optypes.ArithConstant:
		dense, ok := stmt.DenseAttr(AttrValue)
		if !ok || dense.Shape.Rank() != 1 || !dense.Shape.DType.IsInt() {
			return nil, false
		}
		return extractIntegers(dense)
	case optypes.Concatenate:
		var result []int
		for _, input := range stmt.Inputs {
			part, ok := ExtractConstantShape(input)
			if !ok {
				return nil, false
			}
			result = append(result, part...)
		}
		return result, true
	}
	return nil, false
}

// extractIntegers returns the values of an integer literal, expanding splats.
func extractIntegers(dense ir.DenseElements) ([]int, bool) {
	size := dense.Shape.Size()
	result := make([]int, size)
	for i := range result {
		v := dense.Values[0]
		if !dense.IsSplat() {
			v = dense.Values[i]
		}
		if v != math.Trunc(v) || v < 0 {
			return nil, false
		}
		result[i] = int(v)
	}
	return result, true
}
