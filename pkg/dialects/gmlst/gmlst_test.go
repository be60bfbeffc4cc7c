package gmlst

import (
	"context"
	"testing"

	"github.com/gomlx/gmlst/internal/optypes"
	"github.com/gomlx/gmlst/pkg/dialects/linalg"
	"github.com/gomlx/gmlst/pkg/dialects/mhlo"
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

// checkModule verifies m and checks that it can be printed and parsed back.
func checkModule(t *testing.T, m *ir.Module) {
	require.NoError(t, ir.Verify(m))
	text := m.String()
	parsed, err := ir.Parse(text)
	require.NoError(t, err, "failed to parse:\n%s", text)
	assert.Equal(t, text, parsed.String())
}

func TestLegalizeMHLOToGML(t *testing.T) {
	m := ir.New("legalize")
	fn := m.Main()
	x, err := fn.Input(shapes.Make(dtypes.F32, 8))
	require.NoError(t, err)
	dynamicDims, err := fn.Input(shapes.Make(dtypes.Int64, 2))
	require.NoError(t, err)
	dims, err := mhlo.ConstantOf(fn, shapes.Make(dtypes.Int64, 2), 4, 8)
	require.NoError(t, err)
	static, err := mhlo.DynamicBroadcastInDim(x, dims, []int{1})
	require.NoError(t, err)
	dynamic, err := mhlo.DynamicBroadcastInDim(x, dynamicDims, []int{1})
	require.NoError(t, err)
	concat, err := mhlo.Concatenate(0, static, static)
	require.NoError(t, err)
	require.NoError(t, fn.Return(concat, dynamic))

	require.NoError(t, NewLegalizeMHLOToGMLPass().RunOnFunction(context.Background(), fn))
	assert.Equal(t, []optypes.OpType{
		optypes.Constant,
		optypes.LinalgInitTensor, optypes.GmlStDynamicBroadcastInDim,
		optypes.DynamicBroadcastInDim,
		optypes.LinalgInitTensor, optypes.GmlStConcatenate,
	}, opTypes(fn))
	broadcast := fn.Statements[2]
	assert.Same(t, x, broadcast.Inputs[0])
	assert.Same(t, fn.Statements[1].Output(), broadcast.Inputs[1])
	concatStmt := fn.Statements[5]
	assert.Equal(t, []*ir.Value{broadcast.Output(), broadcast.Output(), fn.Statements[4].Output()}, concatStmt.Inputs)
	assert.True(t, concatStmt.Output().Shape().Equal(shapes.Make(dtypes.F32, 8, 8)))
	assert.Same(t, concatStmt.Output(), fn.Outputs[0])
	checkModule(t, m)
}

// elementwiseProgram returns a module with main(x, y) = x + y, lowered to linalg.
func elementwiseProgram(t *testing.T, dims ...int) *ir.Module {
	m := ir.New("tiling")
	fn := m.Main()
	x, err := fn.Input(shapes.Make(dtypes.F32, dims...))
	require.NoError(t, err)
	y, err := fn.Input(shapes.Make(dtypes.F32, dims...))
	require.NoError(t, err)
	sum, err := mhlo.Add(x, y)
	require.NoError(t, err)
	require.NoError(t, fn.Return(sum))
	_, err = mhlo.LegalizeToLinalg(fn)
	require.NoError(t, err)
	return m
}

func TestTiling(t *testing.T) {
	m := elementwiseProgram(t, 8, 8)
	fn := m.Main()
	count, err := Tile(fn, []int{4, 4})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, []optypes.OpType{optypes.LinalgInitTensor, optypes.GmlStParallel}, opTypes(fn))

	parallel := fn.Statements[1]
	upper, _ := parallel.IntsAttr(AttrUpperBound)
	step, _ := parallel.IntsAttr(AttrStep)
	lower, _ := parallel.IntsAttr(AttrLowerBound)
	assert.Equal(t, []int{8, 8}, upper)
	assert.Equal(t, []int{4, 4}, step)
	assert.Equal(t, []int{0, 0}, lower)
	assert.True(t, parallel.Output().Shape().Equal(shapes.Make(dtypes.F32, 8, 8)))
	assert.Same(t, parallel.Output(), fn.Outputs[0])

	body := parallel.Regions[0]
	require.Len(t, body.Inputs, 2)
	assert.Equal(t, []optypes.OpType{
		optypes.GmlStMaterialize, optypes.GmlStMaterialize, optypes.GmlStMaterialize, optypes.LinalgGeneric,
	}, opTypes(body))
	tile := shapes.Make(dtypes.F32, 4, 4)
	for _, stmt := range body.Statements {
		assert.True(t, stmt.Output().Shape().Equal(tile), "%s has shape %s", stmt.OpName(), stmt.Output().Shape())
	}
	assert.Equal(t, []*ir.Value{body.Inputs[0], body.Inputs[1]}, body.Statements[0].Inputs[1:])
	assert.Equal(t, optypes.GmlStSetYield, body.Terminator)
	checkModule(t, m)
}

func TestTilingPartialAndReductions(t *testing.T) {
	m := elementwiseProgram(t, 8, 8)
	fn := m.Main()
	_, err := Tile(fn, []int{0, 4})
	require.NoError(t, err)
	parallel := fn.Statements[1]
	upper, _ := parallel.IntsAttr(AttrUpperBound)
	assert.Equal(t, []int{8}, upper)
	body := parallel.Regions[0]
	assert.Equal(t, optypes.ArithConstant, body.Statements[0].OpType)
	sizes, _ := body.Statements[1].IntsAttr(AttrStaticSizes)
	assert.Equal(t, []int{8, 4}, sizes)
	checkModule(t, m)

	// Matmul: the reduction loop is left untiled.
	m = ir.New("matmul")
	fn = m.Main()
	lhs, err := fn.Input(shapes.Make(dtypes.F32, 4, 6))
	require.NoError(t, err)
	rhs, err := fn.Input(shapes.Make(dtypes.F32, 6, 8))
	require.NoError(t, err)
	out, err := fn.Input(shapes.Make(dtypes.F32, 4, 8))
	require.NoError(t, err)
	product, err := linalg.Matmul(fn, lhs, rhs, out)
	require.NoError(t, err)
	require.NoError(t, fn.Return(product))
	_, err = Tile(fn, []int{2, 4, 3})
	require.NoError(t, err)
	parallel = fn.Statements[0]
	require.Equal(t, optypes.GmlStParallel, parallel.OpType)
	step, _ := parallel.IntsAttr(AttrStep)
	assert.Equal(t, []int{2, 4}, step)
	body = parallel.Regions[0]
	assert.Equal(t, []optypes.OpType{
		optypes.ArithConstant, optypes.GmlStMaterialize, optypes.GmlStMaterialize, optypes.GmlStMaterialize,
		optypes.LinalgMatmul,
	}, opTypes(body))
	for i, want := range [][]int{{2, 6}, {6, 4}, {2, 4}} {
		sizes, _ := body.Statements[i+1].IntsAttr(AttrStaticSizes)
		assert.Equal(t, want, sizes)
	}
	checkModule(t, m)
}

func TestTilingErrors(t *testing.T) {
	for _, tc := range []struct {
		name      string
		tileSizes []int
		message   string
	}{
		{"empty", nil, "no tile sizes"},
		{"too many", []int{4, 4, 4}, "has 2 loops, but 3 tile sizes were given"},
		{"negative", []int{-1}, "invalid tile size -1"},
		{"not dividing", []int{3}, "tile size 3 does not divide the size 8 of loop #0"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := elementwiseProgram(t, 8, 8)
			err := NewTilingPass(tc.tileSizes).RunOnFunction(context.Background(), m.Main())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.message)
			assert.Contains(t, err.Error(), "'linalg.generic' op")
		})
	}
}

func TestTilingPass(t *testing.T) {
	sizes := []int{4, 4}
	p := NewTilingPass(sizes)
	sizes[0] = 1
	assert.Equal(t, []int{4, 4}, p.TileSizes())
	assert.Equal(t, "tile-sizes=4,4", p.Options())
	assert.Equal(t, TilingPassName, p.Name())

	// Operations without loops are not tiled, even with empty tile sizes.
	m := ir.New("scalar")
	fn := m.Main()
	x, err := fn.Input(shapes.Make(dtypes.F32))
	require.NoError(t, err)
	neg, err := mhlo.Negate(x)
	require.NoError(t, err)
	require.NoError(t, fn.Return(neg))
	_, err = mhlo.LegalizeToLinalg(fn)
	require.NoError(t, err)
	require.NoError(t, NewTilingPass(nil).RunOnFunction(context.Background(), fn))
	assert.Equal(t, []optypes.OpType{optypes.LinalgInitTensor, optypes.LinalgGeneric}, opTypes(fn))
}

func TestTilingBroadcast(t *testing.T) {
	m := ir.New("broadcast")
	fn := m.Main()
	x, err := fn.Input(shapes.Make(dtypes.F32, 8))
	require.NoError(t, err)
	init, err := linalg.InitTensor(fn, shapes.Make(dtypes.F32, 4, 8))
	require.NoError(t, err)
	b, err := DynamicBroadcastInDim(fn, x, init, []int{1})
	require.NoError(t, err)
	require.NoError(t, fn.Return(b))

	_, err = Tile(fn, []int{2, 4})
	require.NoError(t, err)
	parallel := fn.Statements[1]
	require.Equal(t, optypes.GmlStParallel, parallel.OpType)
	body := parallel.Regions[0]
	assert.Equal(t, []optypes.OpType{
		optypes.GmlStMaterialize, optypes.GmlStMaterialize, optypes.GmlStDynamicBroadcastInDim,
	}, opTypes(body))
	assert.True(t, body.Statements[0].Output().Shape().Equal(shapes.Make(dtypes.F32, 4)))
	assert.Same(t, body.Inputs[1], body.Statements[0].Inputs[1])
	assert.True(t, body.Statements[2].Output().Shape().Equal(shapes.Make(dtypes.F32, 2, 4)))
	checkModule(t, m)
}

// parseMain parses a module with the main function given by its arguments, result type and body,
// which must define %result.
func parseMain(t *testing.T, args, resultType, body string) *ir.Module {
	text := "func.func @main(" + args + ") -> " + resultType + " {\n" + body +
		"\n  \"func.return\"(%result) : (" + resultType + ") -> ()\n}"
	m, err := ir.Parse(text)
	require.NoError(t, err, "failed to parse:\n%s", text)
	return m
}

func TestLegalizeMHLOToGMLMalformed(t *testing.T) {
	const args = "%arg0: tensor<8xf32>, %arg1: tensor<4x8xf32>, %dims: tensor<2xi64>"
	for _, tc := range []struct {
		name, resultType, body, want string
	}{
		{"broadcast without operands", "tensor<4x8xf32>",
			`  %result = "mhlo.dynamic_broadcast_in_dim"() { broadcast_dimensions = array<i64: 1> } : () -> tensor<4x8xf32>`,
			"requires 2 operands, got 0"},
		{"broadcast out of range", "tensor<4x8xf32>",
			`  %result = "mhlo.dynamic_broadcast_in_dim"(%arg0, %dims) { broadcast_dimensions = array<i64: 5> } : (tensor<8xf32>, tensor<2xi64>) -> tensor<4x8xf32>`,
			"invalid broadcast dimension 5"},
		{"concatenate without operands", "tensor<8x8xf32>",
			`  %result = "mhlo.concatenate"() { dimension = 0 : i64 } : () -> tensor<8x8xf32>`,
			"requires at least one operand"},
		{"concatenate axis out of range", "tensor<8x8xf32>",
			`  %result = "mhlo.concatenate"(%arg1, %arg1) { dimension = 2 : i64 } : (tensor<4x8xf32>, tensor<4x8xf32>) -> tensor<8x8xf32>`,
			"invalid axis 2"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := parseMain(t, args, tc.resultType, tc.body)
			err := NewLegalizeMHLOToGMLPass().RunOnFunction(context.Background(), m.Main())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
			var diagnostic *ir.Diagnostic
			require.True(t, errors.As(err, &diagnostic))
			assert.Equal(t, "main", diagnostic.Function)
		})
	}
}

func TestTilingMalformed(t *testing.T) {
	const args = "%arg0: tensor<8xf32>, %arg1: tensor<4x8xf32>"
	for _, tc := range []struct {
		name, body, want string
	}{
		{"broadcast without operands",
			`  %result = "gml_st.dynamic_broadcast_in_dim"() { broadcast_dimensions = array<i64: 1> } : () -> tensor<4x8xf32>`,
			"requires 2 operands and 1 result, got 0 and 1"},
		{"broadcast out of range",
			`  %result = "gml_st.dynamic_broadcast_in_dim"(%arg0, %arg1) { broadcast_dimensions = array<i64: 7> } : (tensor<8xf32>, tensor<4x8xf32>) -> tensor<4x8xf32>`,
			"invalid broadcast dimension 7"},
		{"fill without value",
			`  %result = "linalg.fill"(%arg1) : (tensor<4x8xf32>) -> tensor<4x8xf32>`,
			"requires 1 ins operands, got 0"},
		{"matmul with missing operand",
			`  %result = "linalg.matmul"(%arg1, %arg1) : (tensor<4x8xf32>, tensor<4x8xf32>) -> tensor<4x8xf32>`,
			"requires 2 ins operands, got 1"},
		{"generic map of the wrong rank", `  %result = "linalg.generic"(%arg1, %arg1) ({
  ^bb0(%a: f32, %b: f32):
    "linalg.yield"(%a) : (f32) -> ()
  }) { indexing_maps = [affine_map<(d0, d1) -> (d0)>, affine_map<(d0, d1) -> (d0, d1)>], iterator_types = ["parallel", "parallel"] } : (tensor<4x8xf32>, tensor<4x8xf32>) -> tensor<4x8xf32>`,
			"indexing map affine_map<(d0, d1) -> (d0)> of operand #0 doesn't match its type tensor<4x8xf32>"},
		{"generic body with too few arguments", `  %result = "linalg.generic"(%arg1, %arg1) ({
  ^bb0(%a: f32):
    "linalg.yield"(%a) : (f32) -> ()
  }) { indexing_maps = [affine_map<(d0, d1) -> (d0, d1)>, affine_map<(d0, d1) -> (d0, d1)>], iterator_types = ["parallel", "parallel"] } : (tensor<4x8xf32>, tensor<4x8xf32>) -> tensor<4x8xf32>`,
			"requires a body with one argument per operand"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := parseMain(t, args, "tensor<4x8xf32>", tc.body)
			err := NewTilingPass([]int{2, 4}).RunOnFunction(context.Background(), m.Main())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
			var diagnostic *ir.Diagnostic
			require.True(t, errors.As(err, &diagnostic))
			assert.Equal(t, "main", diagnostic.Function)
		})
	}
}
