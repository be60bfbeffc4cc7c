package ir

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/gmlst/pkg/types/dtypes"
	"github.com/gomlx/gmlst/pkg/types/shapes"
	"github.com/pkg/errors"
)

// Attribute values stored in Statement.Attributes are one of:
//
//   - int64: printed as "4 : i64".
//   - bool, string.
//   - []int64: printed as "array<i64: 1, 2>".
//   - []string: printed as `["parallel", "reduction"]`.
//   - AffineMap and []AffineMap.
//   - Symbol: a reference to a top-level function, printed as "@name".
//   - DenseElements: a constant tensor literal.
//   - TypedValue: a scalar literal with its type, printed as "1.0 : f32".

// Symbol is a reference to a top-level function by name.
type Symbol string

// AffineConstantZero is used in AffineMap.Results for a result that is the constant 0,
// as happens when broadcasting a dimension of size 1.
const AffineConstantZero = -1

// AffineMap maps the loop indices of a structured operation to the indices of one of its
// operands. Only projected permutations (plus constant zeros) can be represented:
// result i reads the loop dimension Results[i] (or is AffineConstantZero).
type AffineMap struct {
	NumDims int
	Results []int
}

// IdentityMap returns the identity AffineMap over n dimensions.
func IdentityMap(n int) AffineMap {
	results := make([]int, n)
	for i := range results {
		results[i] = i
	}
	return AffineMap{NumDims: n, Results: results}
}

// NewAffineMap returns an AffineMap with the given number of dimensions and results.
func NewAffineMap(numDims int, results ...int) AffineMap {
	return AffineMap{NumDims: numDims, Results: slices.Clone(results)}
}

// NumResults returns the number of results of the map, that is, the rank of the operand it indexes.
func (m AffineMap) NumResults() int {
	return len(m.Results)
}

// Equal compares two maps.
func (m AffineMap) Equal(other AffineMap) bool {
	return m.NumDims == other.NumDims && slices.Equal(m.Results, other.Results)
}

// IsIdentity returns whether the map is the identity.
func (m AffineMap) IsIdentity() bool {
	if len(m.Results) != m.NumDims {
		return false
	}
	for i, r := range m.Results {
		if r != i {
			return false
		}
	}
	return true
}

// IsPermutation returns whether the map is a permutation of its dimensions.
func (m AffineMap) IsPermutation() bool {
	if len(m.Results) != m.NumDims {
		return false
	}
	seen := make([]bool, m.NumDims)
	for _, r := range m.Results {
		if r < 0 || r >= m.NumDims || seen[r] {
			return false
		}
		seen[r] = true
	}
	return true
}

// Inverse returns the inverse of a permutation map.
func (m AffineMap) Inverse() (AffineMap, error) {
	if !m.IsPermutation() {
		return AffineMap{}, errors.Errorf("affine map %s is not invertible", m)
	}
	inverse := AffineMap{NumDims: m.NumDims, Results: make([]int, m.NumDims)}
	for i, r := range m.Results {
		inverse.Results[r] = i
	}
	return inverse, nil
}

// Compose returns the map m after other: for an index vector x, the result is m(other(x)).
// It requires m.NumDims == other.NumResults().
func (m AffineMap) Compose(other AffineMap) (AffineMap, error) {
	if m.NumDims != other.NumResults() {
		return AffineMap{}, errors.Errorf("cannot compose affine map %s after %s: %d dimensions != %d results",
			m, other, m.NumDims, other.NumResults())
	}
	composed := AffineMap{NumDims: other.NumDims, Results: make([]int, len(m.Results))}
	for i, r := range m.Results {
		if r == AffineConstantZero {
			composed.Results[i] = AffineConstantZero
		} else {
			composed.Results[i] = other.Results[r]
		}
	}
	return composed, nil
}

// Apply maps the per-loop sizes (loop bounds or tile sizes) to the sizes of the indexed operand.
// Constant results have size 1.
func (m AffineMap) Apply(loopSizes []int) []int {
	sizes := make([]int, len(m.Results))
	for i, r := range m.Results {
		if r == AffineConstantZero {
			sizes[i] = 1
		} else {
			sizes[i] = loopSizes[r]
		}
	}
	return sizes
}

// String returns the MLIR spelling, e.g. "affine_map<(d0, d1) -> (d1, 0)>".
func (m AffineMap) String() string {
	var sb strings.Builder
	sb.WriteString("affine_map<(")
	for i := range m.NumDims {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "d%d", i)
	}
	sb.WriteString(") -> (")
	for i, r := range m.Results {
		if i > 0 {
			sb.WriteString(", ")
		}
		if r == AffineConstantZero {
			sb.WriteString("0")
		} else {
			fmt.Fprintf(&sb, "d%d", r)
		}
	}
	sb.WriteString(")>")
	return sb.String()
}

// Iterator types of structured (linalg) operations.
const (
	IteratorParallel  = "parallel"
	IteratorReduction = "reduction"
)

// DenseElements is a constant tensor literal. Values are stored as float64 regardless of the dtype,
// and are rounded to the dtype precision when created. A literal with a single value and a
// shape with more elements is a splat.
type DenseElements struct {
	Shape  shapes.Shape
	Values []float64
}

// NewDenseElements creates a dense literal, rounding values to the precision of shape.DType.
func NewDenseElements(shape shapes.Shape, values ...float64) (DenseElements, error) {
	size := shape.Size()
	if size == shapes.DimUnknown {
		return DenseElements{}, errors.Errorf("dense literal requires a static shape, got %s", shape)
	}
	if len(values) != 1 && len(values) != size {
		return DenseElements{}, errors.Errorf("dense literal for shape %s requires 1 or %d values, got %d",
			shape, size, len(values))
	}
	rounded := make([]float64, len(values))
	for i, v := range values {
		rounded[i] = shape.DType.RoundFloat(v)
	}
	return DenseElements{Shape: shape.Clone(), Values: rounded}, nil
}

// IsSplat returns whether all elements share one value.
func (d DenseElements) IsSplat() bool {
	return len(d.Values) == 1
}

// String returns the MLIR spelling, e.g. "dense<[1.0, 2.0]> : tensor<2xf32>".
func (d DenseElements) String() string {
	var sb strings.Builder
	sb.WriteString("dense<")
	if d.IsSplat() {
		sb.WriteString(d.Shape.DType.FormatLiteral(d.Values[0]))
	} else {
		d.writeNested(&sb, 0, 0)
	}
	sb.WriteString("> : ")
	sb.WriteString(d.Shape.ToMLIR())
	return sb.String()
}

// writeNested writes the values for the given axis starting at flat offset, and returns the number of
// elements written.
func (d DenseElements) writeNested(sb *strings.Builder, axis, offset int) int {
	if axis == d.Shape.Rank() {
		sb.WriteString(d.Shape.DType.FormatLiteral(d.Values[offset]))
		return 1
	}
	sb.WriteString("[")
	count := 0
	for i := range d.Shape.Dimensions[axis] {
		if i > 0 {
			sb.WriteString(", ")
		}
		count += d.writeNested(sb, axis+1, offset+count)
	}
	sb.WriteString("]")
	return count
}

// TypedValue is a scalar literal with an explicit element type, used by arith.constant and
// by comparison predicates of scalar payloads.
type TypedValue struct {
	DType dtypes.DType
	Value float64
}

// NewTypedValue creates a scalar literal, rounding the value to the precision of dtype.
func NewTypedValue(dtype dtypes.DType, value float64) TypedValue {
	return TypedValue{DType: dtype, Value: dtype.RoundFloat(value)}
}

// String returns the MLIR spelling, e.g. "0.0 : f32" or "true : i1".
func (t TypedValue) String() string {
	return t.DType.FormatLiteral(t.Value) + " : " + t.DType.ToMLIR()
}

// I64s converts a slice of ints to the []int64 used by array attributes.
func I64s(values []int) []int64 {
	result := make([]int64, len(values))
	for i, v := range values {
		result[i] = int64(v)
	}
	return result
}

// IntAttr returns the named integer attribute.
func (s *Statement) IntAttr(name string) (int, bool) {
	switch v := s.Attributes[name].(type) {
	case int64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}

// IntsAttr returns the named array attribute as ints.
func (s *Statement) IntsAttr(name string) ([]int, bool) {
	switch v := s.Attributes[name].(type) {
	case []int64:
		result := make([]int, len(v))
		for i, x := range v {
			result[i] = int(x)
		}
		return result, true
	case []int:
		return slices.Clone(v), true
	}
	return nil, false
}

// StringAttr returns the named string attribute.
func (s *Statement) StringAttr(name string) (string, bool) {
	v, ok := s.Attributes[name].(string)
	return v, ok
}

// StringsAttr returns the named list of strings attribute.
func (s *Statement) StringsAttr(name string) ([]string, bool) {
	v, ok := s.Attributes[name].([]string)
	return v, ok
}

// MapsAttr returns the named list of affine maps attribute.
func (s *Statement) MapsAttr(name string) ([]AffineMap, bool) {
	v, ok := s.Attributes[name].([]AffineMap)
	return v, ok
}

// DenseAttr returns the named dense literal attribute.
func (s *Statement) DenseAttr(name string) (DenseElements, bool) {
	v, ok := s.Attributes[name].(DenseElements)
	return v, ok
}

// TypedAttr returns the named scalar literal attribute. Integer attributes are returned as i64 literals.
func (s *Statement) TypedAttr(name string) (TypedValue, bool) {
	switch v := s.Attributes[name].(type) {
	case TypedValue:
		return v, true
	case int64:
		return TypedValue{DType: dtypes.Int64, Value: float64(v)}, true
	}
	return TypedValue{}, false
}

// cloneAttributes returns a copy of the attributes map, copying slices so the clone can be
// modified independently.
func cloneAttributes(attributes map[string]any) map[string]any {
	result := make(map[string]any, len(attributes))
	for key, value := range attributes {
		switch v := value.(type) {
		case []int64:
			value = slices.Clone(v)
		case []string:
			value = slices.Clone(v)
		case []AffineMap:
			maps := make([]AffineMap, len(v))
			for i, m := range v {
				maps[i] = NewAffineMap(m.NumDims, m.Results...)
			}
			value = maps
		case AffineMap:
			value = NewAffineMap(v.NumDims, v.Results...)
		case DenseElements:
			value = DenseElements{Shape: v.Shape.Clone(), Values: slices.Clone(v.Values)}
		}
		result[key] = value
	}
	return result
}
