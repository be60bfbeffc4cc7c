// Package optypes enumerates the operation kinds known to the IR, across all dialects
// used by the lowering pipeline.
package optypes

import "strings"

// OpType identifies an operation kind. Its textual name (String) is the MLIR
// operation name, e.g. "mhlo.add" or "gml_st.parallel".
type OpType int

const (
	Invalid OpType = iota

	// Unknown is used for operations parsed from text that are not in this list.
	// The statement keeps the raw name.
	Unknown

	// func dialect.
	FuncReturn

	// mhlo dialect: the source of the lowering.
	Constant
	Add
	Subtract
	Multiply
	Divide
	Maximum
	Minimum
	Negate
	Abs
	Exponential
	Log
	Tanh
	Sqrt
	Rsqrt
	Convert
	Compare
	Select
	BroadcastInDim
	DynamicBroadcastInDim
	Transpose
	Dot
	Reduce
	Concatenate
	Return

	// linalg dialect.
	LinalgGeneric
	LinalgMatmul
	LinalgFill
	LinalgInitTensor
	LinalgYield

	// tensor dialect.
	TensorExtract

	// arith and math dialects: scalar payloads of linalg ops.
	ArithConstant
	ArithAddF
	ArithAddI
	ArithSubF
	ArithSubI
	ArithMulF
	ArithMulI
	ArithDivF
	ArithDivSI
	ArithMaxF
	ArithMaxSI
	ArithMinF
	ArithMinSI
	ArithNegF
	ArithCmpF
	ArithCmpI
	ArithSelect
	ArithSIToFP
	ArithFPToSI
	ArithExtF
	ArithTruncF
	ArithExtSI
	ArithTruncI
	MathAbsF
	MathAbsI
	MathExp
	MathLog
	MathTanh
	MathSqrt
	MathRsqrt

	// gml_st dialect: the target of the lowering.
	GmlStDynamicBroadcastInDim
	GmlStConcatenate
	GmlStParallel
	GmlStMaterialize
	GmlStSetYield

	// Last should always be kept the last, it is used as a counter/marker for OpType.
	Last
)

var opNames = [Last]string{
	Invalid:    "invalid",
	Unknown:    "unknown",
	FuncReturn: "func.return",

	Constant:              "mhlo.constant",
	Add:                   "mhlo.add",
	Subtract:              "mhlo.subtract",
	Multiply:              "mhlo.multiply",
	Divide:                "mhlo.divide",
	Maximum:               "mhlo.maximum",
	Minimum:               "mhlo.minimum",
	Negate:                "mhlo.negate",
	Abs:                   "mhlo.abs",
	Exponential:           "mhlo.exponential",
	Log:                   "mhlo.log",
	Tanh:                  "mhlo.tanh",
	Sqrt:                  "mhlo.sqrt",
	Rsqrt:                 "mhlo.rsqrt",
	Convert:               "mhlo.convert",
	Compare:               "mhlo.compare",
	Select:                "mhlo.select",
	BroadcastInDim:        "mhlo.broadcast_in_dim",
	DynamicBroadcastInDim: "mhlo.dynamic_broadcast_in_dim",
	Transpose:             "mhlo.transpose",
	Dot:                   "mhlo.dot",
	Reduce:                "mhlo.reduce",
	Concatenate:           "mhlo.concatenate",
	Return:                "mhlo.return",

	LinalgGeneric:    "linalg.generic",
	LinalgMatmul:     "linalg.matmul",
	LinalgFill:       "linalg.fill",
	LinalgInitTensor: "linalg.init_tensor",
	LinalgYield:      "linalg.yield",

	TensorExtract: "tensor.extract",

	ArithConstant: "arith.constant",
	ArithAddF:     "arith.addf",
	ArithAddI:     "arith.addi",
	ArithSubF:     "arith.subf",
	ArithSubI:     "arith.subi",
	ArithMulF:     "arith.mulf",
	ArithMulI:     "arith.muli",
	ArithDivF:     "arith.divf",
	ArithDivSI:    "arith.divsi",
	ArithMaxF:     "arith.maxf",
	ArithMaxSI:    "arith.maxsi",
	ArithMinF:     "arith.minf",
	ArithMinSI:    "arith.minsi",
	ArithNegF:     "arith.negf",
	ArithCmpF:     "arith.cmpf",
	ArithCmpI:     "arith.cmpi",
	ArithSelect:   "arith.select",
	ArithSIToFP:   "arith.sitofp",
	ArithFPToSI:   "arith.fptosi",
	ArithExtF:     "arith.extf",
	ArithTruncF:   "arith.truncf",
	ArithExtSI:    "arith.extsi",
	ArithTruncI:   "arith.trunci",
	MathAbsF:      "math.absf",
	MathAbsI:      "math.absi",
	MathExp:       "math.exp",
	MathLog:       "math.log",
	MathTanh:      "math.tanh",
	MathSqrt:      "math.sqrt",
	MathRsqrt:     "math.rsqrt",

	GmlStDynamicBroadcastInDim: "gml_st.dynamic_broadcast_in_dim",
	GmlStConcatenate:           "gml_st.concatenate",
	GmlStParallel:              "gml_st.parallel",
	GmlStMaterialize:           "gml_st.materialize",
	GmlStSetYield:              "gml_st.set_yield",
}

var opByName = func() map[string]OpType {
	m := make(map[string]OpType, int(Last))
	for op := Invalid + 1; op < Last; op++ {
		if op == Unknown {
			continue
		}
		m[opNames[op]] = op
	}
	return m
}()

// String returns the MLIR name of the operation.
func (op OpType) String() string {
	if op < 0 || op >= Last {
		return "invalid"
	}
	return opNames[op]
}

// FromName returns the OpType for the given MLIR operation name, or Unknown.
func FromName(name string) OpType {
	if op, ok := opByName[name]; ok {
		return op
	}
	return Unknown
}

// Dialect returns the dialect prefix of an operation name, e.g. "mhlo" for "mhlo.add".
func Dialect(name string) string {
	if idx := strings.IndexByte(name, '.'); idx > 0 {
		return name[:idx]
	}
	return ""
}

// Dialect returns the dialect of the operation.
func (op OpType) Dialect() string {
	return Dialect(op.String())
}

// IsTerminator returns whether the operation ends a region or function body.
func (op OpType) IsTerminator() bool {
	switch op {
	case FuncReturn, Return, LinalgYield, GmlStSetYield:
		return true
	}
	return false
}

// IsElementwise returns whether op is an mhlo operation applied independently to every element
// of its operands.
func (op OpType) IsElementwise() bool {
	switch op {
	case Add, Subtract, Multiply, Divide, Maximum, Minimum,
		Negate, Abs, Exponential, Log, Tanh, Sqrt, Rsqrt,
		Convert, Compare, Select:
		return true
	}
	return false
}
