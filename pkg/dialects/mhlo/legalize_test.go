package mhlo

import (
	"context"
	"testing"

	"github.com/gomlx/gmlst/internal/optypes"
	"github.com/gomlx/gmlst/pkg/dialects/linalg"
	"github.com/gomlx/gmlst/pkg/ir"
	"github.com/gomlx/gmlst/pkg/types/dtypes"
	"github.com/gomlx/gmlst/pkg/types/shapes"
	"github.com/pkg/errors"
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

// lower runs the pass over the main function of m, and checks the result is valid and can be printed
// and parsed back.
func lower(t *testing.T, m *ir.Module) *ir.Function {
	fn := m.Main()
	require.NoError(t, NewLegalizeToLinalgPass().RunOnFunction(context.Background(), fn))
	require.NoError(t, ir.Verify(m))
	text := m.String()
	parsed, err := ir.Parse(text)
	require.NoError(t, err, "failed to parse:\n%s", text)
	assert.Equal(t, text, parsed.String())
	return fn
}

func TestLegalizeElementwise(t *testing.T) {
	m := ir.New("elementwise")
	fn := m.Main()
	x, err := fn.Input(shapes.Make(dtypes.F32, 4, 4))
	require.NoError(t, err)
	y, err := fn.Input(shapes.Make(dtypes.F32, 4, 4))
	require.NoError(t, err)
	sum, err := Add(x, y)
	require.NoError(t, err)
	e, err := Exponential(sum)
	require.NoError(t, err)
	require.NoError(t, fn.Return(e))

	lower(t, m)
	assert.Equal(t, []optypes.OpType{
		optypes.LinalgInitTensor, optypes.LinalgGeneric,
		optypes.LinalgInitTensor, optypes.LinalgGeneric,
	}, opTypes(fn))
	add := fn.Statements[1]
	assert.Equal(t, []*ir.Value{x, y}, linalg.Ins(add))
	maps, err := linalg.IndexingMaps(add)
	require.NoError(t, err)
	for _, m := range maps {
		assert.True(t, m.IsIdentity())
	}
	require.Len(t, add.Regions, 1)
	assert.Equal(t, []optypes.OpType{optypes.ArithAddF}, opTypes(add.Regions[0]))
	assert.Equal(t, optypes.LinalgYield, add.Regions[0].Terminator)
	assert.Equal(t, []optypes.OpType{optypes.MathExp}, opTypes(fn.Statements[3].Regions[0]))
	assert.Same(t, fn.Statements[3].Output(), fn.Outputs[0])
}

func TestLegalizeIntegerOps(t *testing.T) {
	m := ir.New("integers")
	fn := m.Main()
	x, err := fn.Input(shapes.Make(dtypes.Int32, 8))
	require.NoError(t, err)
	neg, err := Negate(x)
	require.NoError(t, err)
	f, err := Convert(neg, dtypes.F32)
	require.NoError(t, err)
	require.NoError(t, fn.Return(f))

	lower(t, m)
	assert.Equal(t, []optypes.OpType{optypes.ArithConstant, optypes.ArithSubI},
		opTypes(fn.Statements[1].Regions[0]))
	assert.Equal(t, []optypes.OpType{optypes.ArithSIToFP}, opTypes(fn.Statements[3].Regions[0]))
}

func TestLegalizeBroadcastAndTranspose(t *testing.T) {
	m := ir.New("broadcast")
	fn := m.Main()
	x, err := fn.Input(shapes.Make(dtypes.F32, 1, 4))
	require.NoError(t, err)
	b, err := BroadcastInDim(x, shapes.Make(dtypes.F32, 8, 4), []int{0, 1})
	require.NoError(t, err)
	tr, err := Transpose(b, 1, 0)
	require.NoError(t, err)
	require.NoError(t, fn.Return(tr))

	lower(t, m)
	broadcastMaps, err := linalg.IndexingMaps(fn.Statements[1])
	require.NoError(t, err)
	assert.Equal(t, "affine_map<(d0, d1) -> (0, d1)>", broadcastMaps[0].String())
	transposeMaps, err := linalg.IndexingMaps(fn.Statements[3])
	require.NoError(t, err)
	assert.Equal(t, "affine_map<(d0, d1) -> (d1, d0)>", transposeMaps[0].String())
	assert.True(t, fn.Outputs[0].Shape().Equal(shapes.Make(dtypes.F32, 4, 8)))
}

func TestLegalizeDotAndReduce(t *testing.T) {
	m := ir.New("dot")
	fn := m.Main()
	lhs, err := fn.Input(shapes.Make(dtypes.F32, 4, 8))
	require.NoError(t, err)
	rhs, err := fn.Input(shapes.Make(dtypes.F32, 8, 2))
	require.NoError(t, err)
	product, err := Dot(lhs, rhs)
	require.NoError(t, err)
	zero, err := ConstantOf(fn, shapes.Make(dtypes.F32), 0)
	require.NoError(t, err)
	reductionFn, acc, elem, err := ReductionFn(fn, dtypes.F32)
	require.NoError(t, err)
	total, err := Add(acc, elem)
	require.NoError(t, err)
	require.NoError(t, reductionFn.Return(total))
	reduced, err := Reduce(product, zero, reductionFn, 1)
	require.NoError(t, err)
	require.NoError(t, fn.Return(reduced))

	lower(t, m)
	assert.Equal(t, []optypes.OpType{
		optypes.LinalgInitTensor, optypes.ArithConstant, optypes.LinalgFill, optypes.LinalgMatmul,
		optypes.ArithConstant, optypes.LinalgInitTensor, optypes.TensorExtract, optypes.LinalgFill,
		optypes.LinalgGeneric,
	}, opTypes(fn))
	reduce := fn.Statements[8]
	iterators, err := linalg.IteratorTypes(reduce)
	require.NoError(t, err)
	assert.Equal(t, []string{ir.IteratorParallel, ir.IteratorReduction}, iterators)
	assert.Equal(t, []optypes.OpType{optypes.ArithAddF}, opTypes(reduce.Regions[0]))
	// The accumulator (outs) is the first operand of the addition.
	body := reduce.Regions[0]
	assert.Same(t, body.Inputs[1], body.Statements[0].Inputs[0])
}

func TestLegalizeConcatenateFails(t *testing.T) {
	m := ir.New("concat")
	fn := m.Main()
	x, err := fn.Input(shapes.Make(dtypes.F32, 2, 3))
	require.NoError(t, err)
	c, err := Concatenate(0, x, x)
	require.NoError(t, err)
	require.NoError(t, fn.Return(c))

	err = NewLegalizeToLinalgPass().RunOnFunction(context.Background(), fn)
	require.Error(t, err)
	var diagnostic *ir.Diagnostic
	require.True(t, errors.As(err, &diagnostic))
	assert.Equal(t, "mhlo.concatenate", diagnostic.Op)
	assert.Equal(t, "main", diagnostic.Function)
	assert.Contains(t, err.Error(), "failed to legalize operation 'mhlo.concatenate'")
	require.NoError(t, ir.Verify(m), "the function is left valid after a failure")
}

// malformedProgram returns a module whose main function returns the result of the single operation op, of
// the given type. Its inputs are %arg0: tensor<4x8xf32>, %arg1: tensor<8xf32> and %arg2: tensor<f32>.
func malformedProgram(op, resultType string) string {
	return `func.func @main(%arg0: tensor<4x8xf32>, %arg1: tensor<8xf32>, %arg2: tensor<f32>) -> ` + resultType + ` {
  %0 = ` + op + `
  "func.return"(%0) : (` + resultType + `) -> ()
}`
}

func TestLegalizeMalformed(t *testing.T) {
	for _, tc := range []struct {
		name, op, resultType, want string
	}{
		{"transpose out of range",
			`"mhlo.transpose"(%arg0) { permutation = array<i64: 1, 5> } : (tensor<4x8xf32>) -> tensor<8x4xf32>`,
			"tensor<8x4xf32>", "is not a permutation"},
		{"transpose without operands",
			`"mhlo.transpose"() { permutation = array<i64: 1, 0> } : () -> tensor<8x4xf32>`,
			"tensor<8x4xf32>", "requires 1 operands, got 0"},
		{"transpose without permutation",
			`"mhlo.transpose"(%arg0) : (tensor<4x8xf32>) -> tensor<8x4xf32>`,
			"tensor<8x4xf32>", `missing or invalid "permutation" attribute`},
		{"broadcast out of range",
			`"mhlo.broadcast_in_dim"(%arg1) { broadcast_dimensions = array<i64: 2> } : (tensor<8xf32>) -> tensor<4x8xf32>`,
			"tensor<4x8xf32>", "invalid broadcast dimension 2"},
		{"add with one operand",
			`"mhlo.add"(%arg0) : (tensor<4x8xf32>) -> tensor<4x8xf32>`,
			"tensor<4x8xf32>", "requires 2 operands, got 1"},
		{"exponential without operands",
			`"mhlo.exponential"() : () -> tensor<4x8xf32>`,
			"tensor<4x8xf32>", "requires 1 operands, got 0"},
		{"wrong result type",
			`"mhlo.negate"(%arg0) : (tensor<4x8xf32>) -> tensor<8x4xf32>`,
			"tensor<8x4xf32>", "result has type tensor<8x4xf32>, but tensor<4x8xf32> was inferred"},
		{"dot with mismatched contracting dimensions",
			`"mhlo.dot"(%arg0, %arg0) : (tensor<4x8xf32>, tensor<4x8xf32>) -> tensor<4x4xf32>`,
			"tensor<4x4xf32>", "contracting dimensions don't match"},
		{"reduce out of range", `"mhlo.reduce"(%arg0, %arg2) ({
  ^bb0(%arg3: tensor<f32>, %arg4: tensor<f32>):
    %1 = "mhlo.add"(%arg3, %arg4) : (tensor<f32>, tensor<f32>) -> tensor<f32>
    "mhlo.return"(%1) : (tensor<f32>) -> ()
  }) { dimensions = array<i64: 3> } : (tensor<4x8xf32>, tensor<f32>) -> tensor<4xf32>`,
			"tensor<4xf32>", "invalid axes [3]"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m, err := ir.Parse(malformedProgram(tc.op, tc.resultType))
			require.NoError(t, err)
			err = NewLegalizeToLinalgPass().RunOnFunction(context.Background(), m.Main())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
			var diagnostic *ir.Diagnostic
			require.True(t, errors.As(err, &diagnostic))
			assert.Equal(t, "main", diagnostic.Function)
		})
	}
}
