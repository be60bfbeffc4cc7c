// Package gmlst provides builders for the gml_st operations, the tiled loop dialect targeted by the
// lowering, and its two passes: legalize-mhlo-to-gml and gml-tiling.
package gmlst

import (
	"slices"

	"github.com/gomlx/gmlst/internal/optypes"
	"github.com/gomlx/gmlst/internal/shapeinference"
	"github.com/gomlx/gmlst/pkg/ir"
	"github.com/gomlx/gmlst/pkg/types/dtypes"
	"github.com/gomlx/gmlst/pkg/types/shapes"
	"github.com/pkg/errors"
)

// Attribute names of gml_st operations.
const (
	AttrBroadcastDimensions = "broadcast_dimensions"
	AttrDimension           = "dimension"
	AttrLowerBound          = "lower_bound"
	AttrUpperBound          = "upper_bound"
	AttrStep                = "step"
	AttrStaticSizes         = "static_sizes"
)

func addOp(fn *ir.Function, op optypes.OpType, outputShapes []shapes.Shape, inputs []*ir.Value,
	attributes map[string]any, regions ...*ir.Function) (*ir.Value, error) {
	stmt, err := fn.AddOp(op, outputShapes, inputs, attributes, regions...)
	if err != nil {
		return nil, err
	}
	return stmt.Output(), nil
}

// DynamicBroadcastInDim broadcasts operand into init (usually a linalg.init_tensor): operand axis i
// becomes the axis broadcastDimensions[i] of the result.
func DynamicBroadcastInDim(fn *ir.Function, operand, init *ir.Value, broadcastDimensions []int) (*ir.Value, error) {
	op := optypes.GmlStDynamicBroadcastInDim
	outputShape, err := shapeinference.BroadcastInDim(operand.Shape(), init.Shape(), broadcastDimensions)
	if err != nil {
		return nil, errors.WithMessagef(err, "while building %s", op)
	}
	return addOp(fn, op, []shapes.Shape{outputShape}, []*ir.Value{operand, init}, map[string]any{
		AttrBroadcastDimensions: ir.I64s(broadcastDimensions),
	})
}

// Concatenate writes the concatenation of operands along axis into init.
func Concatenate(fn *ir.Function, axis int, init *ir.Value, operands ...*ir.Value) (*ir.Value, error) {
	op := optypes.GmlStConcatenate
	outputShape, err := shapeinference.Concatenate(axis, ir.ValuesShapes(operands)...)
	if err != nil {
		return nil, errors.WithMessagef(err, "while building %s", op)
	}
	if !outputShape.Equal(init.Shape()) {
		return nil, errors.Errorf("%s: the concatenation has shape %s, but init has shape %s",
			op, outputShape, init.Shape())
	}
	inputs := append(slices.Clone(operands), init)
	return addOp(fn, op, []shapes.Shape{init.Shape().Clone()}, inputs, map[string]any{
		AttrDimension: int64(axis),
	})
}

// Materialize extracts from source the tile starting at the given offsets (index values, one per axis),
// with the given static sizes.
func Materialize(fn *ir.Function, source *ir.Value, offsets []*ir.Value, sizes []int) (*ir.Value, error) {
	op := optypes.GmlStMaterialize
	shape := source.Shape()
	if shape.Elemental || len(offsets) != shape.Rank() || len(sizes) != shape.Rank() {
		return nil, errors.Errorf("%s requires one offset and one size per axis of %s, got %d and %d",
			op, shape, len(offsets), len(sizes))
	}
	for i, offset := range offsets {
		if offset == nil || !offset.Shape().Equal(shapes.Scalar(dtypes.Index)) {
			return nil, errors.Errorf("%s: offset #%d must be an index value", op, i)
		}
	}
	for axis, size := range sizes {
		if size < 0 || (shape.Dimensions[axis] != shapes.DimUnknown && size > shape.Dimensions[axis]) {
			return nil, errors.Errorf("%s: invalid size %d for axis %d of %s", op, size, axis, shape)
		}
	}
	return addOp(fn, op, []shapes.Shape{shapes.Make(shape.DType, sizes...)},
		append([]*ir.Value{source}, offsets...), map[string]any{
		AttrStaticSizes: ir.I64s(sizes),
	})
}

// ParallelBody creates the body of a gml_st.parallel with numLoops index induction variables.
// It must be finished with Return, yielding one tile per result of the loop.
func ParallelBody(fn *ir.Function, numLoops int) (*ir.Function, error) {
	body := fn.Closure()
	body.Terminator = optypes.GmlStSetYield
	for range numLoops {
		if _, err := body.Input(shapes.Scalar(dtypes.Index)); err != nil {
			return nil, err
		}
	}
	return body, nil
}

// Parallel creates a gml_st.parallel: the body is run for every value of the induction variables from
// lowerBounds to upperBounds (excluded) in the given steps, and the tiles it yields assemble the results.
func Parallel(fn *ir.Function, lowerBounds, upperBounds, steps []int, resultShapes []shapes.Shape,
	body *ir.Function) ([]*ir.Value, error) {
	op := optypes.GmlStParallel
	numLoops := len(body.Inputs)
	if len(lowerBounds) != numLoops || len(upperBounds) != numLoops || len(steps) != numLoops {
		return nil, errors.Errorf("%s requires one lower bound, upper bound and step per induction variable", op)
	}
	for i, step := range steps {
		if step <= 0 || lowerBounds[i] > upperBounds[i] {
			return nil, errors.Errorf("%s: invalid loop #%d from %d to %d step %d",
				op, i, lowerBounds[i], upperBounds[i], step)
		}
	}
	if body.Parent != fn || !body.Returned {
		return nil, errors.Errorf("%s requires a finished body created with ParallelBody", op)
	}
	if len(body.Outputs) != len(resultShapes) {
		return nil, errors.Errorf("%s body yields %d tiles for %d results", op, len(body.Outputs), len(resultShapes))
	}
	for i, tile := range body.OutputShapes() {
		if tile.DType != resultShapes[i].DType || tile.Rank() != resultShapes[i].Rank() {
			return nil, errors.Errorf("%s body yields %s for a result of shape %s", op, tile, resultShapes[i])
		}
	}
	body.Terminator = optypes.GmlStSetYield
	stmt, err := fn.AddOp(op, resultShapes, nil, map[string]any{
		AttrLowerBound: ir.I64s(lowerBounds),
		AttrUpperBound: ir.I64s(upperBounds),
		AttrStep:       ir.I64s(steps),
	}, body)
	if err != nil {
		return nil, err
	}
	return stmt.Outputs, nil
}
