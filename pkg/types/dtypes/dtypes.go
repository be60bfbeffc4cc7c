// Package dtypes defines the element types of tensors and scalars in the IR.
package dtypes

import (
	"fmt"

	"github.com/pkg/errors"
)

// DType is the element type of a tensor, or the type of a scalar.
type DType int

const (
	InvalidDType DType = iota
	Bool
	Int8
	Int16
	Int32
	Int64
	U8
	U16
	U32
	U64
	F16
	BFloat16
	F32
	F64

	// Index is the type of loop induction variables and tensor dimensions.
	Index
)

var dtypeNames = map[DType]string{
	InvalidDType: "InvalidDType",
	Bool:         "Bool",
	Int8:         "Int8",
	Int16:        "Int16",
	Int32:        "Int32",
	Int64:        "Int64",
	U8:           "U8",
	U16:          "U16",
	U32:          "U32",
	U64:          "U64",
	F16:          "F16",
	BFloat16:     "BFloat16",
	F32:          "F32",
	F64:          "F64",
	Index:        "Index",
}

// String implements fmt.Stringer.
func (dtype DType) String() string {
	if name, ok := dtypeNames[dtype]; ok {
		return name
	}
	return fmt.Sprintf("DType(%d)", int(dtype))
}

// ToMLIR returns the MLIR spelling of the DType, e.g. "f32" or "i64".
func (dtype DType) ToMLIR() string {
	switch dtype {
	case F64:
		return "f64"
	case F32:
		return "f32"
	case F16:
		return "f16"
	case BFloat16:
		return "bf16"
	case Int64:
		return "i64"
	case Int32:
		return "i32"
	case Int16:
		return "i16"
	case Int8:
		return "i8"
	case U64:
		return "ui64"
	case U32:
		return "ui32"
	case U16:
		return "ui16"
	case U8:
		return "ui8"
	case Bool:
		return "i1"
	case Index:
		return "index"
	default:
		return fmt.Sprintf("unknown_dtype<%s>", dtype.String())
	}
}

var dtypeByMLIR = func() map[string]DType {
	m := make(map[string]DType, len(dtypeNames))
	for dtype := range dtypeNames {
		if dtype == InvalidDType {
			continue
		}
		m[dtype.ToMLIR()] = dtype
	}
	return m
}()

// FromMLIR parses the MLIR spelling of an element type.
func FromMLIR(s string) (DType, error) {
	if dtype, ok := dtypeByMLIR[s]; ok {
		return dtype, nil
	}
	return InvalidDType, errors.Errorf("unknown element type %q", s)
}

// IsFloat returns whether dtype is a floating point type.
func (dtype DType) IsFloat() bool {
	return dtype == F16 || dtype == BFloat16 || dtype == F32 || dtype == F64
}

// IsInt returns whether dtype is a signed or unsigned integer type, including Index and Bool.
func (dtype DType) IsInt() bool {
	switch dtype {
	case Bool, Int8, Int16, Int32, Int64, U8, U16, U32, U64, Index:
		return true
	}
	return false
}

// IsUnsigned returns whether dtype is an unsigned integer type.
func (dtype DType) IsUnsigned() bool {
	return dtype == U8 || dtype == U16 || dtype == U32 || dtype == U64
}

// Bits returns the width of the type in bits. Index is reported as 64 bits.
func (dtype DType) Bits() int {
	switch dtype {
	case Bool:
		return 1
	case Int8, U8:
		return 8
	case Int16, U16, F16, BFloat16:
		return 16
	case Int32, U32, F32:
		return 32
	case Int64, U64, F64, Index:
		return 64
	}
	return 0
}
