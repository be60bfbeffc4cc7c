package linalg_test

import (
	"context"
	"testing"

	"github.com/gomlx/gmlst/internal/optypes"
	"github.com/gomlx/gmlst/pkg/dialects/linalg"
	"github.com/gomlx/gmlst/pkg/dialects/mhlo"
	"github.com/gomlx/gmlst/pkg/ir"
	"github.com/gomlx/gmlst/pkg/types/dtypes"
	"github.com/gomlx/gmlst/pkg/types/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func opTypes(fn *ir.Function) []optypes.OpType {
	var types []optypes.OpType
	for _, stmt := range fn.Statements {
		types = append(types, stmt.OpType)
	}
	return types
}

// fuse lowers the main function of m to linalg and fuses it, checking the result is a valid program.
func fuse(t *testing.T, m *ir.Module) (*ir.Function, int) {
	fn := m.Main()
	_, err := mhlo.LegalizeToLinalg(fn)
	require.NoError(t, err)
	count, err := linalg.FuseElementwiseOps(fn)
	require.NoError(t, err)
	require.NoError(t, ir.Verify(m))
	text := m.String()
	parsed, err := ir.Parse(text)
	require.NoError(t, err, "failed to parse:\n%s", text)
	assert.Equal(t, text, parsed.String())
	return fn, count
}

func TestFuseElementwiseChain(t *testing.T) {
	m := ir.New("chain")
	fn := m.Main()
	x, err := fn.Input(shapes.Make(dtypes.F32, 4, 4))
	require.NoError(t, err)
	y, err := fn.Input(shapes.Make(dtypes.F32, 4, 4))
	require.NoError(t, err)
	sum, err := mhlo.Add(x, y)
	require.NoError(t, err)
	e, err := mhlo.Exponential(sum)
	require.NoError(t, err)
	neg, err := mhlo.Negate(e)
	require.NoError(t, err)
	require.NoError(t, fn.Return(neg))

	fn, count := fuse(t, m)
	assert.Equal(t, 2, count)
	assert.Equal(t, []optypes.OpType{optypes.LinalgInitTensor, optypes.LinalgGeneric}, opTypes(fn))
	fused := fn.Statements[1]
	assert.Equal(t, []*ir.Value{x, y}, linalg.Ins(fused))
	assert.Equal(t, []optypes.OpType{optypes.ArithAddF, optypes.MathExp, optypes.ArithNegF},
		opTypes(fused.Regions[0]))
	body := fused.Regions[0]
	assert.Equal(t, []*ir.Value{body.Inputs[0], body.Inputs[1]}, body.Statements[0].Inputs)
	assert.Same(t, body.Statements[2].Output(), body.Outputs[0])
}

func TestFuseBroadcastAndTranspose(t *testing.T) {
	m := ir.New("broadcast")
	fn := m.Main()
	b, err := fn.Input(shapes.Make(dtypes.F32, 4))
	require.NoError(t, err)
	x, err := fn.Input(shapes.Make(dtypes.F32, 4, 8))
	require.NoError(t, err)
	broadcast, err := mhlo.BroadcastInDim(b, shapes.Make(dtypes.F32, 8, 4), []int{1})
	require.NoError(t, err)
	transposed, err := mhlo.Transpose(x, 1, 0)
	require.NoError(t, err)
	sum, err := mhlo.Add(broadcast, transposed)
	require.NoError(t, err)
	require.NoError(t, fn.Return(sum))

	fn, count := fuse(t, m)
	assert.Equal(t, 2, count)
	require.Equal(t, []optypes.OpType{optypes.LinalgInitTensor, optypes.LinalgGeneric}, opTypes(fn))
	fused := fn.Statements[1]
	assert.Equal(t, []*ir.Value{b, x}, linalg.Ins(fused))
	maps, err := linalg.IndexingMaps(fused)
	require.NoError(t, err)
	require.Len(t, maps, 3)
	assert.Equal(t, "affine_map<(d0, d1) -> (d1)>", maps[0].String())
	assert.Equal(t, "affine_map<(d0, d1) -> (d1, d0)>", maps[1].String())
	assert.True(t, maps[2].IsIdentity())
	assert.Equal(t, []optypes.OpType{optypes.ArithAddF}, opTypes(fused.Regions[0]))
}

func TestFusionPreconditions(t *testing.T) {
	// The result of the addition is used twice: it is not fused.
	m := ir.New("multiple_uses")
	fn := m.Main()
	x, err := fn.Input(shapes.Make(dtypes.F32, 4))
	require.NoError(t, err)
	sum, err := mhlo.Add(x, x)
	require.NoError(t, err)
	product, err := mhlo.Multiply(sum, sum)
	require.NoError(t, err)
	require.NoError(t, fn.Return(product))
	fn, count := fuse(t, m)
	assert.Equal(t, 0, count)
	assert.Len(t, fn.Statements, 4)

	// A producer with a reduction is not fused.
	m = ir.New("reduction")
	fn = m.Main()
	x, err = fn.Input(shapes.Make(dtypes.F32, 4, 8))
	require.NoError(t, err)
	zero, err := mhlo.ConstantOf(fn, shapes.Make(dtypes.F32), 0)
	require.NoError(t, err)
	reductionFn, acc, elem, err := mhlo.ReductionFn(fn, dtypes.F32)
	require.NoError(t, err)
	total, err := mhlo.Add(acc, elem)
	require.NoError(t, err)
	require.NoError(t, reductionFn.Return(total))
	reduced, err := mhlo.Reduce(x, zero, reductionFn, 1)
	require.NoError(t, err)
	e, err := mhlo.Exponential(reduced)
	require.NoError(t, err)
	require.NoError(t, fn.Return(e))
	_, count = fuse(t, m)
	assert.Equal(t, 0, count)

	// The pass itself never fails on programs it can't fuse.
	require.NoError(t, linalg.NewElementwiseFusionPass().RunOnFunction(context.Background(), fn))
	assert.Equal(t, linalg.FusionPassName, linalg.NewElementwiseFusionPass().Name())
}

func TestStructuredQueries(t *testing.T) {
	fn := ir.New("queries").Main()
	lhs, err := fn.Input(shapes.Make(dtypes.F32, 2, 3))
	require.NoError(t, err)
	rhs, err := fn.Input(shapes.Make(dtypes.F32, 3, 5))
	require.NoError(t, err)
	init, err := linalg.InitTensor(fn, shapes.Make(dtypes.F32, 2, 5))
	require.NoError(t, err)
	zero, err := linalg.ScalarConstant(fn, dtypes.F32, 0)
	require.NoError(t, err)
	filled, err := linalg.Fill(fn, zero, init)
	require.NoError(t, err)
	product, err := linalg.Matmul(fn, lhs, rhs, filled)
	require.NoError(t, err)

	matmul := product.Statement()
	assert.True(t, linalg.IsStructured(matmul))
	assert.Equal(t, []*ir.Value{lhs, rhs}, linalg.Ins(matmul))
	assert.Equal(t, []*ir.Value{filled}, linalg.Outs(matmul))
	iterators, maps, bounds, err := linalg.StructuredInfo(matmul)
	require.NoError(t, err)
	assert.Equal(t, []string{ir.IteratorParallel, ir.IteratorParallel, ir.IteratorReduction}, iterators)
	assert.Len(t, maps, 3)
	assert.Equal(t, []int{2, 5, 3}, bounds)

	iterators, _, bounds, err = linalg.StructuredInfo(filled.Statement())
	require.NoError(t, err)
	assert.True(t, linalg.IsAllParallel(iterators))
	assert.Equal(t, []int{2, 5}, bounds)

	_, err = linalg.Matmul(fn, rhs, lhs, filled)
	require.Error(t, err)
	_, err = linalg.InitTensor(fn, shapes.Make(dtypes.F32, shapes.DimUnknown))
	require.Error(t, err)
	assert.False(t, linalg.IsStructured(init.Statement()))
}
