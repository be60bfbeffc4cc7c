package tests

import (
	"testing"

	"github.com/gomlx/gmlst/internal/optypes"
	"github.com/gomlx/gmlst/pkg/dialects/gmlst"
	"github.com/gomlx/gmlst/pkg/dialects/mhlo"
	"github.com/gomlx/gmlst/pkg/ir"
	"github.com/gomlx/gmlst/pkg/types/dtypes"
	"github.com/gomlx/gmlst/pkg/types/shapes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// broadcastModule returns a module broadcasting x: f32[8] to [4, 8] with an mhlo.dynamic_broadcast_in_dim
// whose output dimensions are constant.
func broadcastModule(t *testing.T) *ir.Module {
	m := ir.New("broadcast")
	fn := m.Main()
	x, err := fn.NamedInput("x", shapes.Make(dtypes.F32, 8))
	require.NoError(t, err)
	dims, err := mhlo.ConstantOf(fn, shapes.Make(dtypes.Int64, 2), 4, 8)
	require.NoError(t, err)
	y, err := mhlo.DynamicBroadcastInDim(x, dims, []int{1})
	require.NoError(t, err)
	require.NoError(t, fn.Return(y))
	return m
}

func TestLegalizationPrecedence(t *testing.T) {
	// In the pipeline order the gml_st rule applies first.
	lowered, err := lower(t, broadcastModule(t), "func.func(legalize-mhlo-to-gml),func.func(hlo-legalize-to-linalg)")
	require.NoError(t, err)
	assert.Equal(t, 1, countOps(t, lowered, optypes.GmlStDynamicBroadcastInDim))
	assert.Equal(t, 0, countOps(t, lowered, optypes.LinalgGeneric))
	assert.Equal(t, 0, countOps(t, lowered, optypes.DynamicBroadcastInDim))

	// Swapped, the generic lowering consumes the operation first.
	lowered, err = lower(t, broadcastModule(t), "func.func(hlo-legalize-to-linalg),func.func(legalize-mhlo-to-gml)")
	require.NoError(t, err)
	assert.Equal(t, 0, countOps(t, lowered, optypes.GmlStDynamicBroadcastInDim))
	assert.Equal(t, 1, countOps(t, lowered, optypes.LinalgGeneric))
}

func concatenateModule(t *testing.T) *ir.Module {
	m := ir.New("concatenate")
	fn := m.Main()
	x, err := fn.NamedInput("x", shapes.Make(dtypes.F32, 4, 8))
	require.NoError(t, err)
	y, err := fn.NamedInput("y", shapes.Make(dtypes.F32, 4, 8))
	require.NoError(t, err)
	z, err := mhlo.Concatenate(0, x, y)
	require.NoError(t, err)
	require.NoError(t, fn.Return(z))
	return m
}

func TestConcatenate(t *testing.T) {
	// Only the gml_st legalization handles mhlo.concatenate.
	_, err := lower(t, concatenateModule(t), "func.func(hlo-legalize-to-linalg)")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `pass "hlo-legalize-to-linalg" failed on function @main`)
	assert.Contains(t, err.Error(), "failed to legalize operation 'mhlo.concatenate'")
	var diagnostic *ir.Diagnostic
	require.True(t, errors.As(err, &diagnostic))
	assert.Equal(t, "main", diagnostic.Function)
	assert.Equal(t, "mhlo.concatenate", diagnostic.Op)

	lowered, err := lower(t, concatenateModule(t), "func.func(legalize-mhlo-to-gml,hlo-legalize-to-linalg)")
	require.NoError(t, err)
	assert.Equal(t, 1, countOps(t, lowered, optypes.GmlStConcatenate))
}

// addBroadcastModule returns add(broadcast(x), y) with x: f32[8] and y: f32[8, 8].
func addBroadcastModule(t *testing.T) *ir.Module {
	m := ir.New("add_broadcast")
	fn := m.Main()
	x, err := fn.NamedInput("x", shapes.Make(dtypes.F32, 8))
	require.NoError(t, err)
	y, err := fn.NamedInput("y", shapes.Make(dtypes.F32, 8, 8))
	require.NoError(t, err)
	b, err := mhlo.BroadcastInDim(x, y.Shape(), []int{1})
	require.NoError(t, err)
	z, err := mhlo.Add(b, y)
	require.NoError(t, err)
	require.NoError(t, fn.Return(z))
	return m
}

func TestFusion(t *testing.T) {
	lowered, err := lower(t, addBroadcastModule(t), "func.func(hlo-legalize-to-linalg)")
	require.NoError(t, err)
	assert.Equal(t, 2, countOps(t, lowered, optypes.LinalgGeneric))

	lowered, err = lower(t, addBroadcastModule(t), "func.func(hlo-legalize-to-linalg),func.func(linalg-fuse-elementwise-ops)")
	require.NoError(t, err)
	assert.Equal(t, 1, countOps(t, lowered, optypes.LinalgGeneric))
}

func TestTiling(t *testing.T) {
	lowered, err := lower(t, addBroadcastModule(t), "gml-st-pipeline{tile-sizes=4,4}")
	require.NoError(t, err)
	require.Equal(t, 1, countOps(t, lowered, optypes.GmlStParallel))

	mainFn := lowered.Main()
	var parallel *ir.Statement
	for _, stmt := range mainFn.Statements {
		if stmt.OpType == optypes.GmlStParallel {
			parallel = stmt
		}
	}
	require.NotNil(t, parallel)
	steps, _ := parallel.IntsAttr(gmlst.AttrStep)
	assert.Equal(t, []int{4, 4}, steps)
	upper, _ := parallel.IntsAttr(gmlst.AttrUpperBound)
	assert.Equal(t, []int{8, 8}, upper)
	assert.Equal(t, "tensor<8x8xf32>", parallel.Output().Shape().String())

	// The tiled operation works on 4x4 tiles.
	body := parallel.Regions[0]
	var tiled *ir.Statement
	for _, stmt := range body.Statements {
		if stmt.OpType == optypes.LinalgGeneric {
			tiled = stmt
		}
	}
	require.NotNil(t, tiled, "no linalg.generic in the gml_st.parallel body:\n%s", lowered)
	assert.True(t, tiled.Output().Shape().Equal(shapes.Make(dtypes.F32, 4, 4)))
	assert.Same(t, mainFn.Outputs[0], parallel.Output())
}

func TestTilingErrors(t *testing.T) {
	for _, tc := range []struct {
		pipeline, want string
	}{
		{"gml-st-pipeline{tile-sizes=4,4,4}", "has 2 loops, but 3 tile sizes were given"},
		{"gml-st-pipeline{tile-sizes=}", "no tile sizes given"},
		{"gml-st-pipeline", "no tile sizes given"},
		{"gml-st-pipeline{tile-sizes=3,4}", "tile size 3 does not divide the size 8 of loop #0"},
		{"gml-st-pipeline{tile-sizes=-4}", "invalid tile size -4"},
	} {
		t.Run(tc.pipeline, func(t *testing.T) {
			_, err := lower(t, addBroadcastModule(t), tc.pipeline)
			require.Error(t, err)
			assert.Contains(t, err.Error(), `pass "gml-tiling" failed on function @main`)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestManyFunctions(t *testing.T) {
	m := ir.New("many")
	const numFunctions = 16
	for i := range numFunctions {
		fn := m.NewFunction("f" + string(rune('a'+i)))
		x, err := fn.NamedInput("x", shapes.Make(dtypes.F32, 8, 8))
		require.NoError(t, err)
		y, err := mhlo.Exponential(x)
		require.NoError(t, err)
		y, err = mhlo.Negate(y)
		require.NoError(t, err)
		require.NoError(t, fn.Return(y))
	}
	lowered, err := lower(t, m, "gml-st-pipeline{tile-sizes=2,8}")
	require.NoError(t, err)
	assert.Equal(t, numFunctions, countOps(t, lowered, optypes.GmlStParallel))
	assert.Equal(t, numFunctions, countOps(t, lowered, optypes.LinalgGeneric))
}

func TestMalformedInput(t *testing.T) {
	const header = "func.func @main(%arg0: tensor<4x8xf32>) -> tensor<8x4xf32> {\n"
	const footer = "\n  \"func.return\"(%0) : (tensor<8x4xf32>) -> ()\n}"
	for _, tc := range []struct {
		op, want string
	}{
		{`  %0 = "mhlo.transpose"(%arg0) { permutation = array<i64: 1, 5> } : (tensor<4x8xf32>) -> tensor<8x4xf32>`,
			"is not a permutation"},
		{`  %0 = "mhlo.transpose"() { permutation = array<i64: 1, 0> } : () -> tensor<8x4xf32>`,
			"requires 1 operands, got 0"},
	} {
		m, err := ir.Parse(header + tc.op + footer)
		require.NoError(t, err)
		_, err = lower(t, m, "gml-st-pipeline{tile-sizes=4,4}")
		require.Error(t, err)
		assert.Contains(t, err.Error(), `pass "hlo-legalize-to-linalg" failed on function @main`)
		assert.Contains(t, err.Error(), tc.want)
		var diagnostic *ir.Diagnostic
		assert.True(t, errors.As(err, &diagnostic))
	}
}
