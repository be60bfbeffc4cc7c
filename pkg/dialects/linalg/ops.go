// Package linalg provides builders for the linalg, arith, math and tensor operations produced by the
// lowering of mhlo, queries over structured operations, and the elementwise fusion pass.
//
// Structured operations (linalg.generic, linalg.matmul, linalg.fill) follow the "destination passing
// style": their last operands are the "outs", tensors the results are written into, and the first ones
// are the "ins". The split is stored in the "operand_segment_sizes" attribute.
package linalg

import (
	"github.com/gomlx/gmlst/internal/optypes"
	"github.com/gomlx/gmlst/pkg/ir"
	"github.com/gomlx/gmlst/pkg/types/shapes"
	"github.com/pkg/errors"
)

// Attribute names used by the structured operations.
const (
	AttrIndexingMaps        = "indexing_maps"
	AttrIteratorTypes       = "iterator_types"
	AttrOperandSegmentSizes = "operand_segment_sizes"
	AttrStaticSizes         = "static_sizes"
)

// InitTensor creates an uninitialized tensor with the given static shape, to be used as the "outs"
// of a structured operation.
func InitTensor(fn *ir.Function, shape shapes.Shape) (*ir.Value, error) {
	op := optypes.LinalgInitTensor
	if shape.Elemental || !shape.Ok() {
		return nil, errors.Errorf("%s requires a tensor shape, got %s", op, shape)
	}
	if shape.IsDynamic() {
		return nil, errors.Errorf("%s requires a static shape, got %s", op, shape)
	}
	stmt, err := fn.AddOp(op, []shapes.Shape{shape.Clone()}, nil, map[string]any{
		AttrStaticSizes: ir.I64s(shape.Dimensions),
	})
	if err != nil {
		return nil, err
	}
	return stmt.Output(), nil
}

// Payload creates the region of a linalg.generic that will take the given ins and outs: it has one
// scalar input per operand, with the operand's dtype. Add statements to it with the arith/math builders
// and finish it with Return, yielding one value per "outs" operand.
func Payload(fn *ir.Function, operands ...*ir.Value) (*ir.Function, error) {
	body := fn.Closure()
	body.Terminator = optypes.LinalgYield
	for _, operand := range operands {
		if _, err := body.Input(shapes.Scalar(operand.Shape().DType)); err != nil {
			return nil, err
		}
	}
	return body, nil
}

// Generic creates a linalg.generic operation: for every point of the iteration space (one loop per
// iterator type), the payload body is called with the elements of ins and outs selected by the
// indexing maps, and the values it yields are written into the results.
//
// There must be one indexing map per operand (ins followed by outs), with one dimension per loop and one
// result per operand axis. The body must be created with Payload (or have the same inputs).
func Generic(fn *ir.Function, ins, outs []*ir.Value, indexingMaps []ir.AffineMap, iteratorTypes []string,
	body *ir.Function) ([]*ir.Value, error) {
	op := optypes.LinalgGeneric
	numOperands := len(ins) + len(outs)
	if len(outs) == 0 {
		return nil, errors.Errorf("%s requires at least one outs operand", op)
	}
	if len(indexingMaps) != numOperands {
		return nil, errors.Errorf("%s requires one indexing map per operand: got %d maps for %d operands",
			op, len(indexingMaps), numOperands)
	}
	for _, iterator := range iteratorTypes {
		if iterator != ir.IteratorParallel && iterator != ir.IteratorReduction {
			return nil, errors.Errorf("%s: invalid iterator type %q", op, iterator)
		}
	}
	operands := append(append([]*ir.Value{}, ins...), outs...)
	for i, operand := range operands {
		if operand == nil {
			return nil, errors.Errorf("%s: operand #%d is nil", op, i)
		}
		m := indexingMaps[i]
		if m.NumDims != len(iteratorTypes) {
			return nil, errors.Errorf("%s: indexing map #%d %s has %d dimensions, but the op has %d loops",
				op, i, m, m.NumDims, len(iteratorTypes))
		}
		if m.NumResults() != operand.Shape().Rank() {
			return nil, errors.Errorf("%s: indexing map #%d %s has %d results for operand of shape %s",
				op, i, m, m.NumResults(), operand.Shape())
		}
		for _, r := range m.Results {
			if r != ir.AffineConstantZero && (r < 0 || r >= m.NumDims) {
				return nil, errors.Errorf("%s: indexing map #%d %s is invalid", op, i, m)
			}
		}
	}
	if body == nil || body.Parent != fn {
		return nil, errors.Errorf("%s requires a payload created in %s", op, fn.DisplayName())
	}
	if !body.Returned {
		return nil, errors.Errorf("%s requires a payload that yields its results", op)
	}
	if len(body.Inputs) != numOperands {
		return nil, errors.Errorf("%s payload takes %d arguments, but the op has %d operands",
			op, len(body.Inputs), numOperands)
	}
	for i, input := range body.Inputs {
		if input.Shape().DType != operands[i].Shape().DType {
			return nil, errors.Errorf("%s payload argument #%d has type %s, operand has %s",
				op, i, input.Shape(), operands[i].Shape())
		}
	}
	if len(body.Outputs) != len(outs) {
		return nil, errors.Errorf("%s payload yields %d values for %d outs", op, len(body.Outputs), len(outs))
	}
	outputShapes := make([]shapes.Shape, len(outs))
	for i, out := range outs {
		if body.Outputs[i].Shape().DType != out.Shape().DType {
			return nil, errors.Errorf("%s payload yields %s for outs #%d of shape %s",
				op, body.Outputs[i].Shape(), i, out.Shape())
		}
		outputShapes[i] = out.Shape().Clone()
	}
	body.Terminator = optypes.LinalgYield
	stmt, err := fn.AddOp(op, outputShapes, operands, map[string]any{
		AttrIndexingMaps:        cloneMaps(indexingMaps),
		AttrIteratorTypes:       append([]string{}, iteratorTypes...),
		AttrOperandSegmentSizes: []int64{int64(len(ins)), int64(len(outs))},
	}, body)
	if err != nil {
		return nil, err
	}
	return stmt.Outputs, nil
}

// Matmul creates a linalg.matmul, accumulating lhs x rhs into out.
func Matmul(fn *ir.Function, lhs, rhs, out *ir.Value) (*ir.Value, error) {
	op := optypes.LinalgMatmul
	l, r, o := lhs.Shape(), rhs.Shape(), out.Shape()
	if l.Rank() != 2 || r.Rank() != 2 || o.Rank() != 2 {
		return nil, errors.Errorf("%s requires rank-2 operands, got %s, %s and %s", op, l, r, o)
	}
	if l.DType != r.DType || l.DType != o.DType {
		return nil, errors.Errorf("%s requires operands of the same dtype, got %s, %s and %s", op, l, r, o)
	}
	if l.Dim(1) != r.Dim(0) || l.Dim(0) != o.Dim(0) || r.Dim(1) != o.Dim(1) {
		return nil, errors.Errorf("%s: incompatible shapes %s x %s -> %s", op, l, r, o)
	}
	stmt, err := fn.AddOp(op, []shapes.Shape{o.Clone()}, []*ir.Value{lhs, rhs, out}, map[string]any{
		AttrOperandSegmentSizes: []int64{2, 1},
	})
	if err != nil {
		return nil, err
	}
	return stmt.Output(), nil
}

// Fill creates a linalg.fill, setting every element of out to the scalar value.
func Fill(fn *ir.Function, value, out *ir.Value) (*ir.Value, error) {
	op := optypes.LinalgFill
	if !value.Shape().Elemental {
		return nil, errors.Errorf("%s requires a scalar value, got %s", op, value.Shape())
	}
	if value.Shape().DType != out.Shape().DType || out.Shape().Elemental {
		return nil, errors.Errorf("%s cannot fill %s with %s", op, out.Shape(), value.Shape())
	}
	stmt, err := fn.AddOp(op, []shapes.Shape{out.Shape().Clone()}, []*ir.Value{value, out}, map[string]any{
		AttrOperandSegmentSizes: []int64{1, 1},
	})
	if err != nil {
		return nil, err
	}
	return stmt.Output(), nil
}

// Extract creates a tensor.extract, reading one element of tensor at the given index values.
func Extract(fn *ir.Function, tensor *ir.Value, indices ...*ir.Value) (*ir.Value, error) {
	op := optypes.TensorExtract
	shape := tensor.Shape()
	if shape.Elemental || len(indices) != shape.Rank() {
		return nil, errors.Errorf("%s requires %d indices for %s, got %d", op, shape.Rank(), shape, len(indices))
	}
	inputs := append([]*ir.Value{tensor}, indices...)
	stmt, err := fn.AddOp(op, []shapes.Shape{shape.ElementShape()}, inputs, nil)
	if err != nil {
		return nil, err
	}
	return stmt.Output(), nil
}

func cloneMaps(maps []ir.AffineMap) []ir.AffineMap {
	result := make([]ir.AffineMap, len(maps))
	for i, m := range maps {
		result[i] = ir.NewAffineMap(m.NumDims, m.Results...)
	}
	return result
}
