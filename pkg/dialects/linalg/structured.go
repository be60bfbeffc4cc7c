package linalg

import (
	"slices"

	"github.com/gomlx/gmlst/internal/optypes"
	"github.com/gomlx/gmlst/pkg/ir"
	"github.com/gomlx/gmlst/pkg/types/shapes"
)

// IsStructured returns whether stmt is one of the structured linalg operations: linalg.generic,
// linalg.matmul or linalg.fill.
func IsStructured(stmt *ir.Statement) bool {
	switch stmt.OpType {
	case optypes.LinalgGeneric, optypes.LinalgMatmul, optypes.LinalgFill:
		return true
	}
	return false
}

// NumIns returns the number of "ins" operands of a structured operation.
func NumIns(stmt *ir.Statement) int {
	if sizes, ok := stmt.IntsAttr(AttrOperandSegmentSizes); ok && len(sizes) == 2 {
		return sizes[0]
	}
	// Without the attribute, the last operand is the only "outs".
	return max(len(stmt.Inputs)-1, 0)
}

// Ins returns the "ins" operands of a structured operation.
func Ins(stmt *ir.Statement) []*ir.Value {
	return stmt.Inputs[:NumIns(stmt)]
}

// Outs returns the "outs" operands of a structured operation: the tensors its results are written into.
func Outs(stmt *ir.Statement) []*ir.Value {
	return stmt.Inputs[NumIns(stmt):]
}

// IteratorTypes returns the iterator type of each loop of a structured operation.
func IteratorTypes(stmt *ir.Statement) ([]string, error) {
	switch stmt.OpType {
	case optypes.LinalgGeneric:
		iterators, ok := stmt.StringsAttr(AttrIteratorTypes)
		if !ok {
			return nil, stmt.Errorf("missing %q attribute", AttrIteratorTypes)
		}
		return slices.Clone(iterators), nil
	case optypes.LinalgMatmul:
		return []string{ir.IteratorParallel, ir.IteratorParallel, ir.IteratorReduction}, nil
	case optypes.LinalgFill:
		iterators := make([]string, stmt.Output().Shape().Rank())
		for i := range iterators {
			iterators[i] = ir.IteratorParallel
		}
		return iterators, nil
	}
	return nil, stmt.Errorf("is not a structured operation")
}

// IndexingMaps returns the indexing map of each operand of a structured operation, from its loops to the
// operand axes. Scalar operands (the value of a linalg.fill) have a map with no results.
func IndexingMaps(stmt *ir.Statement) ([]ir.AffineMap, error) {
	switch stmt.OpType {
	case optypes.LinalgGeneric:
		maps, ok := stmt.MapsAttr(AttrIndexingMaps)
		if !ok {
			return nil, stmt.Errorf("missing %q attribute", AttrIndexingMaps)
		}
		if len(maps) != len(stmt.Inputs) {
			return nil, stmt.Errorf("has %d indexing maps for %d operands", len(maps), len(stmt.Inputs))
		}
		return cloneMaps(maps), nil
	case optypes.LinalgMatmul:
		return []ir.AffineMap{
			ir.NewAffineMap(3, 0, 2),
			ir.NewAffineMap(3, 2, 1),
			ir.NewAffineMap(3, 0, 1),
		}, nil
	case optypes.LinalgFill:
		rank := stmt.Output().Shape().Rank()
		return []ir.AffineMap{ir.NewAffineMap(rank), ir.IdentityMap(rank)}, nil
	}
	return nil, stmt.Errorf("is not a structured operation")
}

// LoopBounds returns the static size of each loop of an operation given its indexing maps, taken from
// the operands indexed by each loop.
func LoopBounds(stmt *ir.Statement, maps []ir.AffineMap, numLoops int) ([]int, error) {
	bounds := make([]int, numLoops)
	for i := range bounds {
		bounds[i] = shapes.DimUnknown
	}
	if len(maps) != len(stmt.Inputs) {
		return nil, stmt.Errorf("has %d indexing maps for %d operands", len(maps), len(stmt.Inputs))
	}
	for operandIdx, m := range maps {
		shape := stmt.Inputs[operandIdx].Shape()
		if m.NumResults() != shape.Rank() {
			return nil, stmt.Errorf("indexing map %s of operand #%d doesn't match its type %s", m, operandIdx, shape)
		}
		for axis, loop := range m.Results {
			if loop == ir.AffineConstantZero {
				continue
			}
			if loop < 0 || loop >= numLoops {
				return nil, stmt.Errorf("indexing map %s of operand #%d refers to loop %d, the operation has %d loops",
					m, operandIdx, loop, numLoops)
			}
			dim := shape.Dimensions[axis]
			if dim == shapes.DimUnknown {
				continue
			}
			if bounds[loop] != shapes.DimUnknown && bounds[loop] != dim {
				return nil, stmt.Errorf("loop #%d has inconsistent bounds %d and %d", loop, bounds[loop], dim)
			}
			bounds[loop] = dim
		}
	}
	for loop, bound := range bounds {
		if bound == shapes.DimUnknown {
			return nil, stmt.Errorf("loop #%d has no static bound", loop)
		}
	}
	return bounds, nil
}

// StructuredInfo returns the iterator types, indexing maps and loop bounds of a structured operation.
func StructuredInfo(stmt *ir.Statement) (iterators []string, maps []ir.AffineMap, bounds []int, err error) {
	if !IsStructured(stmt) {
		return nil, nil, nil, stmt.Errorf("is not a structured operation")
	}
	if err = checkOperands(stmt); err != nil {
		return
	}
	iterators, err = IteratorTypes(stmt)
	if err != nil {
		return
	}
	maps, err = IndexingMaps(stmt)
	if err != nil {
		return
	}
	bounds, err = LoopBounds(stmt, maps, len(iterators))
	return
}

// checkOperands checks stmt has one "outs" operand per result, the number of operands of its kind, and for
// linalg.generic a body taking one argument per operand.
func checkOperands(stmt *ir.Statement) error {
	if len(stmt.Outputs) == 0 {
		return stmt.Errorf("has no results")
	}
	numIns := NumIns(stmt)
	if numIns < 0 || numIns > len(stmt.Inputs) || len(stmt.Inputs)-numIns != len(stmt.Outputs) {
		return stmt.Errorf("has %d operands, %d of them ins, for %d results", len(stmt.Inputs), numIns, len(stmt.Outputs))
	}
	if stmt.OpType == optypes.LinalgGeneric && (len(stmt.Regions) != 1 || len(stmt.Regions[0].Inputs) != len(stmt.Inputs)) {
		return stmt.Errorf("requires a body with one argument per operand")
	}
	want := map[optypes.OpType]int{optypes.LinalgMatmul: 2, optypes.LinalgFill: 1}
	if n, found := want[stmt.OpType]; found && numIns != n {
		return stmt.Errorf("requires %d ins operands, got %d", n, numIns)
	}
	return nil
}

// IsAllParallel returns whether all iterators are parallel.
func IsAllParallel(iterators []string) bool {
	for _, iterator := range iterators {
		if iterator != ir.IteratorParallel {
			return false
		}
	}
	return true
}
