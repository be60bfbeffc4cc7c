package mhlo

import (
	"testing"

	"github.com/gomlx/gmlst/internal/optypes"
	"github.com/gomlx/gmlst/pkg/ir"
	"github.com/gomlx/gmlst/pkg/types/dtypes"
	"github.com/gomlx/gmlst/pkg/types/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilders(t *testing.T) {
	m := ir.New("builders")
	fn := m.Main()
	x, err := fn.Input(shapes.Make(dtypes.F32, 2, 3))
	require.NoError(t, err)
	y, err := fn.Input(shapes.Make(dtypes.F32, 3, 2))
	require.NoError(t, err)

	_, err = Add(x, y)
	require.Error(t, err, "operands of different shapes")

	yt, err := Transpose(y, 1, 0)
	require.NoError(t, err)
	assert.True(t, yt.Shape().Equal(shapes.Make(dtypes.F32, 2, 3)))
	sum, err := Add(x, yt)
	require.NoError(t, err)

	cmp, err := Compare(sum, x, CompareGT)
	require.NoError(t, err)
	assert.Equal(t, dtypes.Bool, cmp.Shape().DType)
	_, err = Compare(sum, x, "BIGGER")
	require.Error(t, err)

	selected, err := Select(cmp, sum, x)
	require.NoError(t, err)
	require.NoError(t, fn.Return(selected))
	require.NoError(t, ir.Verify(m))

	_, err = Negate(x)
	require.Error(t, err, "cannot add operations after the function returned")

	other := m.NewFunction("other")
	z, err := other.Input(shapes.Make(dtypes.F32, 2, 3))
	require.NoError(t, err)
	_, err = Add(x, z)
	require.Error(t, err, "operands from different functions")
}

func TestReduceBuilder(t *testing.T) {
	m := ir.New("reduce")
	fn := m.Main()
	x, err := fn.Input(shapes.Make(dtypes.F32, 4, 8))
	require.NoError(t, err)
	zero, err := ConstantOf(fn, shapes.Make(dtypes.F32), 0)
	require.NoError(t, err)

	reductionFn, acc, elem, err := ReductionFn(fn, dtypes.F32)
	require.NoError(t, err)
	_, err = Reduce(x, zero, reductionFn, 1)
	require.Error(t, err, "reduction function didn't return")
	total, err := Add(acc, elem)
	require.NoError(t, err)
	assert.Same(t, reductionFn, total.Function(), "ops on closure values are added to the closure")
	require.NoError(t, reductionFn.Return(total))

	reduced, err := Reduce(x, zero, reductionFn, 1)
	require.NoError(t, err)
	assert.True(t, reduced.Shape().Equal(shapes.Make(dtypes.F32, 4)))
	assert.Equal(t, optypes.Return, reductionFn.Terminator)
	require.NoError(t, fn.Return(reduced))
	require.NoError(t, ir.Verify(m))
}

func TestExtractConstantShape(t *testing.T) {
	fn := ir.New("shapes").Main()
	dims, err := ConstantOf(fn, shapes.Make(dtypes.Int64, 2), 4, 8)
	require.NoError(t, err)
	got, ok := ExtractConstantShape(dims)
	require.True(t, ok)
	assert.Equal(t, []int{4, 8}, got)

	more, err := ConstantOf(fn, shapes.Make(dtypes.Int64, 2), 3)
	require.NoError(t, err)
	concat, err := Concatenate(0, dims, more)
	require.NoError(t, err)
	got, ok = ExtractConstantShape(concat)
	require.True(t, ok)
	assert.Equal(t, []int{4, 8, 3, 3}, got)

	input, err := fn.Input(shapes.Make(dtypes.Int64, 2))
	require.NoError(t, err)
	_, ok = ExtractConstantShape(input)
	assert.False(t, ok)

	x, err := fn.Input(shapes.Make(dtypes.F32, 8))
	require.NoError(t, err)
	static, err := DynamicBroadcastInDim(x, dims, []int{1})
	require.NoError(t, err)
	assert.True(t, static.Shape().Equal(shapes.Make(dtypes.F32, 4, 8)))
	dynamic, err := DynamicBroadcastInDim(x, input, []int{1})
	require.NoError(t, err)
	assert.True(t, dynamic.Shape().IsDynamic())
}
