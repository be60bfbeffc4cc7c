package dtypes

import (
	"math"
	"strconv"
	"strings"

	"github.com/x448/float16"
)

// RoundFloat rounds v to the precision representable by dtype.
// For integer types it truncates towards zero.
func (dtype DType) RoundFloat(v float64) float64 {
	switch dtype {
	case F16:
		return float64(float16.Fromfloat32(float32(v)).Float32())
	case BFloat16:
		// BFloat16 keeps the upper 16 bits of a float32, rounding to nearest even.
		bits := math.Float32bits(float32(v))
		bits += 0x7fff + ((bits >> 16) & 1)
		return float64(math.Float32frombits(bits & 0xffff0000))
	case F32:
		return float64(float32(v))
	case F64:
		return v
	}
	if dtype.IsInt() {
		return math.Trunc(v)
	}
	return v
}

// FormatLiteral formats a scalar literal of the given dtype the way MLIR prints it in
// dense attributes: floats always carry a decimal point or exponent, booleans are "true"/"false".
func (dtype DType) FormatLiteral(v float64) string {
	if dtype == Bool {
		if v != 0 {
			return "true"
		}
		return "false"
	}
	if dtype.IsInt() {
		return strconv.FormatInt(int64(v), 10)
	}
	v = dtype.RoundFloat(v)
	switch {
	case math.IsInf(v, 1):
		return "0x7F800000"
	case math.IsInf(v, -1):
		return "0xFF800000"
	case math.IsNaN(v):
		return "0x7FC00000"
	}
	bitSize := 64
	if dtype != F64 {
		bitSize = 32
	}
	s := strconv.FormatFloat(v, 'g', -1, bitSize)
	if !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	return s
}
