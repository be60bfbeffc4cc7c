package mhlo

import (
	"context"

	"github.com/gomlx/gmlst/internal/optypes"
	"github.com/gomlx/gmlst/pkg/dialects/linalg"
	"github.com/gomlx/gmlst/pkg/ir"
	"k8s.io/klog/v2"
)

// LegalizeToLinalgPassName is the name of the mhlo to linalg lowering in textual pipelines.
const LegalizeToLinalgPassName = "hlo-legalize-to-linalg"

// LegalizeToLinalgPass converts every mhlo operation of a function to linalg, arith and math
// operations. It fails on mhlo operations that have no lowering.
type LegalizeToLinalgPass struct{}

// NewLegalizeToLinalgPass returns the mhlo to linalg lowering pass.
func NewLegalizeToLinalgPass() *LegalizeToLinalgPass {
	return &LegalizeToLinalgPass{}
}

// Name implements passes.FunctionPass.
func (p *LegalizeToLinalgPass) Name() string { return LegalizeToLinalgPassName }

// RunOnFunction implements passes.FunctionPass.
func (p *LegalizeToLinalgPass) RunOnFunction(ctx context.Context, fn *ir.Function) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	count, err := LegalizeToLinalg(fn)
	if err != nil {
		return err
	}
	klog.V(1).Infof("%s: lowered %d operations in %s", LegalizeToLinalgPassName, count, fn.DisplayName())
	return nil
}

// LegalizeToLinalg lowers the mhlo operations of fn, and erases the constants left unused.
// It returns the number of lowered operations.
//
// mhlo.concatenate has no lowering here; it must be legalized before by legalize-mhlo-to-gml.
func LegalizeToLinalg(fn *ir.Function) (int, error) {
	count := 0
	err := fn.Rewrite(func(rw *ir.Rewriter, stmt *ir.Statement) error {
		if stmt.Dialect() != "mhlo" {
			return nil
		}
		results, err := lowerStatement(rw.Function(), stmt)
		if err != nil {
			return err
		}
		klog.V(2).Infof("%s: lowered %s in %s", LegalizeToLinalgPassName, stmt.OpName(), fn.DisplayName())
		count++
		return rw.Replace(results...)
	})
	if err != nil {
		return count, err
	}
	fn.EraseDeadOps(func(stmt *ir.Statement) bool { return stmt.OpType == optypes.ArithConstant })
	return count, nil
}

func lowerStatement(fn *ir.Function, stmt *ir.Statement) ([]*ir.Value, error) {
	if err := Verify(stmt); err != nil {
		return nil, err
	}
	if stmt.OpType.IsElementwise() {
		return lowerElementwise(fn, stmt)
	}
	switch stmt.OpType {
	case optypes.Constant:
		dense, ok := stmt.DenseAttr(AttrValue)
		if !ok {
			return nil, stmt.Errorf("missing %q attribute", AttrValue)
		}
		v, err := linalg.Constant(fn, dense)
		if err != nil {
			return nil, err
		}
		return []*ir.Value{v}, nil
	case optypes.BroadcastInDim, optypes.DynamicBroadcastInDim:
		return lowerBroadcast(fn, stmt)
	case optypes.Transpose:
		return lowerTranspose(fn, stmt)
	case optypes.Dot:
		return lowerDot(fn, stmt)
	case optypes.Reduce:
		return lowerReduce(fn, stmt)
	}
	return nil, stmt.Errorf("failed to legalize operation '%s'", stmt.OpName())
}

// staticInit creates the linalg.init_tensor for the result of stmt, which must have a static shape.
func staticInit(fn *ir.Function, stmt *ir.Statement) (*ir.Value, error) {
	shape := stmt.Output().Shape()
	if shape.IsDynamic() {
		return nil, stmt.Errorf("failed to legalize operation '%s': dynamic shape %s is not supported",
			stmt.OpName(), shape)
	}
	return linalg.InitTensor(fn, shape)
}

func parallelIterators(n int) []string {
	iterators := make([]string, n)
	for i := range iterators {
		iterators[i] = ir.IteratorParallel
	}
	return iterators
}

// lowerElementwise creates a linalg.generic applying the scalar equivalent of stmt to every element.
func lowerElementwise(fn *ir.Function, stmt *ir.Statement) ([]*ir.Value, error) {
	init, err := staticInit(fn, stmt)
	if err != nil {
		return nil, err
	}
	rank := init.Shape().Rank()
	maps := make([]ir.AffineMap, 0, len(stmt.Inputs)+1)
	for _, input := range stmt.Inputs {
		if input.Shape().Rank() == 0 && rank > 0 {
			// Rank-0 predicate of mhlo.select.
			maps = append(maps, ir.NewAffineMap(rank))
		} else {
			maps = append(maps, ir.IdentityMap(rank))
		}
	}
	maps = append(maps, ir.IdentityMap(rank))
	body, err := linalg.Payload(fn, append(append([]*ir.Value{}, stmt.Inputs...), init)...)
	if err != nil {
		return nil, err
	}
	result, err := scalarOp(body, stmt, body.Inputs[:len(stmt.Inputs)])
	if err != nil {
		return nil, err
	}
	if err := body.Return(result); err != nil {
		return nil, err
	}
	return linalg.Generic(fn, stmt.Inputs, []*ir.Value{init}, maps, parallelIterators(rank), body)
}

// copyGeneric creates a linalg.generic copying operand, read with operandMap, into init.
func copyGeneric(fn *ir.Function, operand, init *ir.Value, operandMap ir.AffineMap) ([]*ir.Value, error) {
	rank := init.Shape().Rank()
	body, err := linalg.Payload(fn, operand, init)
	if err != nil {
		return nil, err
	}
	if err := body.Return(body.Inputs[0]); err != nil {
		return nil, err
	}
	return linalg.Generic(fn, []*ir.Value{operand}, []*ir.Value{init},
		[]ir.AffineMap{operandMap, ir.IdentityMap(rank)}, parallelIterators(rank), body)
}

// lowerBroadcast lowers mhlo.broadcast_in_dim and mhlo.dynamic_broadcast_in_dim (with a static result):
// operand axes of size 1 expanded to a larger size are read at index 0.
func lowerBroadcast(fn *ir.Function, stmt *ir.Statement) ([]*ir.Value, error) {
	init, err := staticInit(fn, stmt)
	if err != nil {
		return nil, err
	}
	broadcastDims, ok := stmt.IntsAttr(AttrBroadcastDimensions)
	operand := stmt.Inputs[0]
	if !ok || len(broadcastDims) != operand.Shape().Rank() {
		return nil, stmt.Errorf("invalid %q attribute", AttrBroadcastDimensions)
	}
	outShape := init.Shape()
	results := make([]int, len(broadcastDims))
	for axis, outAxis := range broadcastDims {
		if operand.Shape().Dimensions[axis] == 1 && outShape.Dimensions[outAxis] != 1 {
			results[axis] = ir.AffineConstantZero
		} else {
			results[axis] = outAxis
		}
	}
	return copyGeneric(fn, operand, init, ir.NewAffineMap(outShape.Rank(), results...))
}

// lowerTranspose lowers mhlo.transpose: loop i reads the operand axis permutation[i].
func lowerTranspose(fn *ir.Function, stmt *ir.Statement) ([]*ir.Value, error) {
	init, err := staticInit(fn, stmt)
	if err != nil {
		return nil, err
	}
	permutation, ok := stmt.IntsAttr(AttrPermutation)
	if !ok || len(permutation) != init.Shape().Rank() {
		return nil, stmt.Errorf("invalid %q attribute", AttrPermutation)
	}
	results := make([]int, len(permutation))
	for i, axis := range permutation {
		results[axis] = i
	}
	return copyGeneric(fn, stmt.Inputs[0], init, ir.NewAffineMap(len(permutation), results...))
}

// zeroFilled returns the result of stmt as a linalg.fill of init with zeros.
func zeroFilled(fn *ir.Function, stmt *ir.Statement) (*ir.Value, error) {
	init, err := staticInit(fn, stmt)
	if err != nil {
		return nil, err
	}
	zero, err := linalg.ScalarConstant(fn, init.Shape().DType, 0)
	if err != nil {
		return nil, err
	}
	return linalg.Fill(fn, zero, init)
}

// lowerDot lowers mhlo.dot: matrix·matrix becomes a linalg.matmul, the other cases a linalg.generic
// with a reduction loop.
func lowerDot(fn *ir.Function, stmt *ir.Statement) ([]*ir.Value, error) {
	lhs, rhs := stmt.Inputs[0], stmt.Inputs[1]
	filled, err := zeroFilled(fn, stmt)
	if err != nil {
		return nil, err
	}
	if lhs.Shape().Rank() == 2 && rhs.Shape().Rank() == 2 {
		v, err := linalg.Matmul(fn, lhs, rhs, filled)
		if err != nil {
			return nil, err
		}
		return []*ir.Value{v}, nil
	}
	var maps []ir.AffineMap
	var iterators []string
	switch {
	case lhs.Shape().Rank() == 2 && rhs.Shape().Rank() == 1:
		maps = []ir.AffineMap{ir.NewAffineMap(2, 0, 1), ir.NewAffineMap(2, 1), ir.NewAffineMap(2, 0)}
		iterators = []string{ir.IteratorParallel, ir.IteratorReduction}
	case lhs.Shape().Rank() == 1 && rhs.Shape().Rank() == 1:
		maps = []ir.AffineMap{ir.NewAffineMap(1, 0), ir.NewAffineMap(1, 0), ir.NewAffineMap(1)}
		iterators = []string{ir.IteratorReduction}
	default:
		return nil, stmt.Errorf("failed to legalize operation '%s': operands %s and %s are not supported",
			stmt.OpName(), lhs.Shape(), rhs.Shape())
	}
	body, err := linalg.Payload(fn, lhs, rhs, filled)
	if err != nil {
		return nil, err
	}
	mulOp, sumOp := optypes.ArithMulF, optypes.ArithAddF
	if !lhs.Shape().DType.IsFloat() {
		mulOp, sumOp = optypes.ArithMulI, optypes.ArithAddI
	}
	product, err := linalg.Binary(body, mulOp, body.Inputs[0], body.Inputs[1])
	if err != nil {
		return nil, err
	}
	sum, err := linalg.Binary(body, sumOp, body.Inputs[2], product)
	if err != nil {
		return nil, err
	}
	if err := body.Return(sum); err != nil {
		return nil, err
	}
	return linalg.Generic(fn, []*ir.Value{lhs, rhs}, []*ir.Value{filled}, maps, iterators, body)
}

// lowerReduce lowers mhlo.reduce: the result is filled with the initial value, and a linalg.generic
// with reduction loops for the reduced axes accumulates the elements with the scalar equivalent of the
// reduction function.
func lowerReduce(fn *ir.Function, stmt *ir.Statement) ([]*ir.Value, error) {
	operand, initialValue := stmt.Inputs[0], stmt.Inputs[1]
	axes, ok := stmt.IntsAttr(AttrDimensions)
	if !ok || len(stmt.Regions) != 1 {
		return nil, stmt.Errorf("is malformed")
	}
	if operand.Shape().IsDynamic() {
		return nil, stmt.Errorf("failed to legalize operation '%s': dynamic shape %s is not supported",
			stmt.OpName(), operand.Shape())
	}
	init, err := staticInit(fn, stmt)
	if err != nil {
		return nil, err
	}
	initScalar, err := linalg.Extract(fn, initialValue)
	if err != nil {
		return nil, err
	}
	filled, err := linalg.Fill(fn, initScalar, init)
	if err != nil {
		return nil, err
	}

	rank := operand.Shape().Rank()
	reduced := make([]bool, rank)
	for _, axis := range axes {
		reduced[axis] = true
	}
	iterators := make([]string, rank)
	var outResults []int
	for axis := range rank {
		if reduced[axis] {
			iterators[axis] = ir.IteratorReduction
		} else {
			iterators[axis] = ir.IteratorParallel
			outResults = append(outResults, axis)
		}
	}
	body, err := linalg.Payload(fn, operand, filled)
	if err != nil {
		return nil, err
	}
	elem, acc := body.Inputs[0], body.Inputs[1]
	results, err := scalarizeRegion(body, stmt.Regions[0], []*ir.Value{acc, elem})
	if err != nil {
		return nil, err
	}
	if err := body.Return(results...); err != nil {
		return nil, err
	}
	return linalg.Generic(fn, []*ir.Value{operand}, []*ir.Value{filled},
		[]ir.AffineMap{ir.IdentityMap(rank), ir.NewAffineMap(rank, outResults...)}, iterators, body)
}
