package gmlst

import (
	"context"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/gmlst/internal/optypes"
	"github.com/gomlx/gmlst/internal/shapeinference"
	"github.com/gomlx/gmlst/pkg/dialects/linalg"
	"github.com/gomlx/gmlst/pkg/ir"
	"github.com/gomlx/gmlst/pkg/types/dtypes"
	"github.com/gomlx/gmlst/pkg/types/shapes"
	"k8s.io/klog/v2"
)

// TilingPassName is the name of the tiling pass in textual pipelines.
const TilingPassName = "gml-tiling"

// TilingPass tiles the loops of the tileable operations of a function: linalg.generic, linalg.matmul,
// linalg.fill and gml_st.dynamic_broadcast_in_dim.
type TilingPass struct {
	tileSizes []int
}

// NewTilingPass returns a tiling pass with the given tile sizes, one per loop: the slice is copied.
//
// The tile sizes are only validated when the pass runs: it fails if they are empty, if any is negative,
// or if an operation has fewer loops than tile sizes. Tiles have static sizes, so a tile size must also
// divide the bound of its loop. Loops without a tile size, or with size 0, are not tiled. Reduction loops
// are never tiled.
func NewTilingPass(tileSizes []int) *TilingPass {
	return &TilingPass{tileSizes: slices.Clone(tileSizes)}
}

// Name implements passes.FunctionPass.
func (p *TilingPass) Name() string { return TilingPassName }

// TileSizes returns a copy of the tile sizes of the pass.
func (p *TilingPass) TileSizes() []int { return slices.Clone(p.tileSizes) }

// Options returns the options of the pass in their textual form, e.g. "tile-sizes=4,4".
func (p *TilingPass) Options() string {
	parts := make([]string, len(p.tileSizes))
	for i, size := range p.tileSizes {
		parts[i] = strconv.Itoa(size)
	}
	return "tile-sizes=" + strings.Join(parts, ",")
}

// RunOnFunction implements passes.FunctionPass.
func (p *TilingPass) RunOnFunction(ctx context.Context, fn *ir.Function) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	count, err := Tile(fn, p.tileSizes)
	if err != nil {
		return err
	}
	klog.V(1).Infof("%s: tiled %d operations in %s", TilingPassName, count, fn.DisplayName())
	return nil
}

// tilingInfo holds the loop structure of a tileable operation.
type tilingInfo struct {
	iterators []string
	maps      []ir.AffineMap
	bounds    []int
}

// getTilingInfo returns the loop structure of stmt, or nil if it is not tileable.
func getTilingInfo(stmt *ir.Statement) (*tilingInfo, error) {
	if linalg.IsStructured(stmt) {
		iterators, maps, bounds, err := linalg.StructuredInfo(stmt)
		if err != nil {
			return nil, err
		}
		return &tilingInfo{iterators: iterators, maps: maps, bounds: bounds}, nil
	}
	if stmt.OpType != optypes.GmlStDynamicBroadcastInDim {
		return nil, nil
	}
	if len(stmt.Inputs) != 2 || len(stmt.Outputs) != 1 {
		return nil, stmt.Errorf("requires 2 operands and 1 result, got %d and %d", len(stmt.Inputs), len(stmt.Outputs))
	}
	operand, init := stmt.Inputs[0], stmt.Inputs[1]
	dims, ok := stmt.IntsAttr(AttrBroadcastDimensions)
	if !ok {
		return nil, stmt.Errorf("missing %q attribute", AttrBroadcastDimensions)
	}
	if _, err := shapeinference.BroadcastInDim(operand.Shape(), init.Shape(), dims); err != nil {
		return nil, stmt.Errorf("%s", err)
	}
	rank := init.Shape().Rank()
	results := make([]int, len(dims))
	for axis, outAxis := range dims {
		if operand.Shape().Dimensions[axis] == 1 && init.Shape().Dimensions[outAxis] != 1 {
			results[axis] = ir.AffineConstantZero
		} else {
			results[axis] = outAxis
		}
	}
	maps := []ir.AffineMap{ir.NewAffineMap(rank, results...), ir.IdentityMap(rank)}
	bounds, err := linalg.LoopBounds(stmt, maps, rank)
	if err != nil {
		return nil, err
	}
	iterators := make([]string, rank)
	for i := range iterators {
		iterators[i] = ir.IteratorParallel
	}
	return &tilingInfo{iterators: iterators, maps: maps, bounds: bounds}, nil
}

// loopTileSizes validates tileSizes for the loops of stmt, and returns the tile size of each loop, 0 for
// loops that are not tiled.
func loopTileSizes(stmt *ir.Statement, info *tilingInfo, tileSizes []int) ([]int, error) {
	numLoops := len(info.iterators)
	if len(tileSizes) == 0 {
		return nil, stmt.Errorf("cannot be tiled: no tile sizes given")
	}
	if len(tileSizes) > numLoops {
		return nil, stmt.Errorf("has %d loops, but %d tile sizes were given", numLoops, len(tileSizes))
	}
	sizes := make([]int, numLoops)
	for loop, size := range tileSizes {
		switch {
		case size < 0:
			return nil, stmt.Errorf("invalid tile size %d for loop #%d", size, loop)
		case size == 0:
		case info.iterators[loop] == ir.IteratorReduction:
			klog.V(2).Infof("%s: reduction loop #%d of %s is not tiled", TilingPassName, loop, stmt.OpName())
		case info.bounds[loop]%size != 0:
			return nil, stmt.Errorf("tile size %d does not divide the size %d of loop #%d",
				size, info.bounds[loop], loop)
		default:
			sizes[loop] = size
		}
	}
	return sizes, nil
}

// Tile replaces every tileable operation of fn with a gml_st.parallel computing it tile by tile.
// It returns the number of tiled operations. Operations without loops, or with no tiled loop, are left
// as they are.
func Tile(fn *ir.Function, tileSizes []int) (int, error) {
	count := 0
	err := fn.Rewrite(func(rw *ir.Rewriter, stmt *ir.Statement) error {
		info, err := getTilingInfo(stmt)
		if err != nil {
			return err
		}
		if info == nil || len(info.iterators) == 0 {
			return nil
		}
		sizes, err := loopTileSizes(stmt, info, tileSizes)
		if err != nil {
			return err
		}
		if !slices.ContainsFunc(sizes, func(size int) bool { return size > 0 }) {
			return nil
		}
		results, err := tileStatement(rw.Function(), stmt, info, sizes)
		if err != nil {
			return err
		}
		klog.V(2).Infof("%s: tiled %s with sizes %v in %s", TilingPassName, stmt.OpName(), sizes, fn.DisplayName())
		count++
		return rw.Replace(results...)
	})
	return count, err
}

// tileStatement creates the gml_st.parallel computing stmt: one induction variable per tiled loop, and
// a body that materializes the tiles of the operands, and computes the tile of the results with a copy of
// stmt.
func tileStatement(fn *ir.Function, stmt *ir.Statement, info *tilingInfo, sizes []int) ([]*ir.Value, error) {
	var lowerBounds, upperBounds, steps []int
	inductionVar := make([]int, len(sizes))
	for loop, size := range sizes {
		inductionVar[loop] = -1
		if size > 0 {
			inductionVar[loop] = len(steps)
			lowerBounds = append(lowerBounds, 0)
			upperBounds = append(upperBounds, info.bounds[loop])
			steps = append(steps, size)
		}
	}
	body, err := ParallelBody(fn, len(steps))
	if err != nil {
		return nil, err
	}
	var zero *ir.Value
	tiles := slices.Clone(stmt.Inputs)
	for operandIdx, operand := range stmt.Inputs {
		m := info.maps[operandIdx]
		if operand.Shape().Elemental || m.NumResults() == 0 {
			continue
		}
		offsets := make([]*ir.Value, m.NumResults())
		tileShape := make([]int, m.NumResults())
		for axis, loop := range m.Results {
			if loop != ir.AffineConstantZero && sizes[loop] > 0 {
				offsets[axis] = body.Inputs[inductionVar[loop]]
				tileShape[axis] = sizes[loop]
				continue
			}
			if zero == nil {
				if zero, err = linalg.ScalarConstant(body, dtypes.Index, 0); err != nil {
					return nil, err
				}
			}
			offsets[axis] = zero
			tileShape[axis] = operand.Shape().Dimensions[axis]
		}
		tile, err := Materialize(body, operand, offsets, tileShape)
		if err != nil {
			return nil, err
		}
		tiles[operandIdx] = tile
	}
	// Operands are replaced by position: the same value can be read with different maps.
	clone, err := body.Clone(stmt, make(map[*ir.Value]*ir.Value))
	if err != nil {
		return nil, err
	}
	copy(clone.Inputs, tiles)
	// Results have the shape of the tiles of the corresponding outs, the last operands.
	numOuts := len(stmt.Outputs)
	for i, output := range clone.Outputs {
		out := clone.Inputs[len(clone.Inputs)-numOuts+i]
		output.SetShape(out.Shape())
	}
	if err := body.Return(clone.Outputs...); err != nil {
		return nil, err
	}
	resultShapes := make([]shapes.Shape, len(stmt.Outputs))
	for i, output := range stmt.Outputs {
		resultShapes[i] = output.Shape().Clone()
	}
	return Parallel(fn, lowerBounds, upperBounds, steps, resultShapes, body)
}
