// Package ir holds the in-memory representation of programs handled by the lowering pipeline:
// a Module with Functions made of Statements, connected by Values.
//
// The same representation is used for all dialects: a Statement is identified by its
// optypes.OpType ("mhlo.add", "linalg.generic", "gml_st.parallel", ...), and operations with
// nested code (the payload of a linalg.generic, the body of a gml_st.parallel, the reduction of
// an mhlo.reduce) hold it as region Functions: functions whose Parent is set.
//
// Programs can be built with the builders in the dialect packages, or parsed from the MLIR
// generic textual form (see Parse), and printed back with Module.Write.
package ir

import (
	"slices"

	"github.com/gomlx/gmlst/internal/optypes"
	"github.com/gomlx/gmlst/internal/utils"
	"github.com/gomlx/gmlst/pkg/types/shapes"
	"github.com/pkg/errors"
)

// Module is the top-level unit: an ordered list of functions.
type Module struct {
	Name      string
	Functions []*Function
}

// New creates an empty module with the given name.
func New(name string) *Module {
	return &Module{Name: utils.NormalizeIdentifier(name)}
}

// NewFunction creates a new top-level function in the module.
// Use Function.Input to add parameters, the dialect builders to add operations and
// Function.Return to finish it.
func (m *Module) NewFunction(name string) *Function {
	fn := &Function{
		Module:     m,
		Name:       utils.NormalizeIdentifier(name),
		Terminator: optypes.FuncReturn,
	}
	m.Functions = append(m.Functions, fn)
	return fn
}

// Main returns the function named "main", creating it if it doesn't exist yet.
func (m *Module) Main() *Function {
	if fn := m.Function("main"); fn != nil {
		return fn
	}
	return m.NewFunction("main")
}

// Function returns the top-level function with the given name, or nil.
func (m *Module) Function(name string) *Function {
	for _, fn := range m.Functions {
		if fn.Name == name {
			return fn
		}
	}
	return nil
}

// Function is either a top-level function of a Module, or a region (when Parent is set):
// the nested code of a Statement, like the payload of a linalg.generic.
//
// Statements are kept in execution order: values are always defined before they are used.
type Function struct {
	Module *Module

	// Name of the function. Empty for regions.
	Name string

	// Parent is the function enclosing the region, nil for top-level functions.
	// Values of the parent (and its ancestors) can be used in the region.
	Parent *Function

	// Owner is the statement holding the region. Nil for top-level functions and for regions
	// not yet attached to a statement.
	Owner *Statement

	// Inputs are the function parameters, or the block arguments of a region.
	Inputs []*Value

	Statements []*Statement

	// Outputs are the values returned by the function (or yielded by the region) with its
	// Terminator operation.
	Outputs []*Value

	// Terminator is the operation used to return the Outputs: "func.return" for top-level functions,
	// "linalg.yield", "mhlo.return" or "gml_st.set_yield" for regions.
	Terminator optypes.OpType

	// Returned is set once Return has been called. No more statements can be added afterwards.
	Returned bool
}

// IsRegion returns whether fn is the region of a statement, as opposed to a top-level function.
func (fn *Function) IsRegion() bool {
	return fn.Parent != nil
}

// TopLevel returns the top-level function enclosing fn, or fn itself.
func (fn *Function) TopLevel() *Function {
	for fn.Parent != nil {
		fn = fn.Parent
	}
	return fn
}

// IsAncestorOf returns whether fn is other or one of the functions enclosing it.
func (fn *Function) IsAncestorOf(other *Function) bool {
	for ; other != nil; other = other.Parent {
		if other == fn {
			return true
		}
	}
	return false
}

// DisplayName returns the name used in messages: "@name" for top-level functions,
// "region of @name" for regions.
func (fn *Function) DisplayName() string {
	if fn.IsRegion() {
		return "region of @" + fn.TopLevel().Name
	}
	return "@" + fn.Name
}

func (fn *Function) newValue(shape shapes.Shape) *Value {
	return &Value{fn: fn, shape: shape}
}

// Input adds a new parameter (or region block argument) to the function.
func (fn *Function) Input(shape shapes.Shape) (*Value, error) {
	return fn.NamedInput("", shape)
}

// NamedInput adds a new parameter with a name hint used when printing.
func (fn *Function) NamedInput(name string, shape shapes.Shape) (*Value, error) {
	if fn.Returned {
		return nil, errors.Errorf("cannot add input to function %s after it returned", fn.DisplayName())
	}
	if !shape.Ok() {
		return nil, errors.Errorf("invalid shape %s for input of function %s", shape, fn.DisplayName())
	}
	v := fn.newValue(shape)
	v.name = utils.NormalizeIdentifier(name)
	fn.Inputs = append(fn.Inputs, v)
	return v, nil
}

// Closure creates a new region whose parent is fn. The region is attached to a statement
// when it is passed to AddOp.
func (fn *Function) Closure() *Function {
	return &Function{
		Module:     fn.Module,
		Parent:     fn,
		Terminator: optypes.FuncReturn,
	}
}

// Return finishes the function, returning the given values with the function's Terminator.
func (fn *Function) Return(values ...*Value) error {
	if fn.Returned {
		return errors.Errorf("function %s already returned", fn.DisplayName())
	}
	for i, v := range values {
		if v == nil {
			return errors.Errorf("nil value #%d returned by function %s", i, fn.DisplayName())
		}
		if !v.fn.IsAncestorOf(fn) {
			return errors.Errorf("value #%d returned by function %s is not visible in it", i, fn.DisplayName())
		}
	}
	fn.Outputs = slices.Clone(values)
	fn.Returned = true
	return nil
}

// OutputShapes returns the shapes of the returned values.
func (fn *Function) OutputShapes() []shapes.Shape {
	return ValuesShapes(fn.Outputs)
}

// InputShapes returns the shapes of the function parameters.
func (fn *Function) InputShapes() []shapes.Shape {
	return ValuesShapes(fn.Inputs)
}

// AddOp appends a new statement to the function, with one output per element of outputShapes.
//
// Inputs must be values of fn or of one of its ancestors. Regions must be closures of fn, they
// become owned by the new statement. Attributes may be nil.
func (fn *Function) AddOp(opType optypes.OpType, outputShapes []shapes.Shape, inputs []*Value,
	attributes map[string]any, regions ...*Function) (*Statement, error) {
	if fn.Returned {
		return nil, errors.Errorf("cannot add operation %s after returning, in function %s",
			opType, fn.DisplayName())
	}
	for i, input := range inputs {
		if input == nil {
			return nil, errors.Errorf("cannot add operation %s to function %s: operand #%d is nil",
				opType, fn.DisplayName(), i)
		}
		if !input.fn.IsAncestorOf(fn) {
			return nil, errors.Errorf("cannot add operation %s to function %s, because operand #%d is not part of the function",
				opType, fn.DisplayName(), i)
		}
	}
	for i, region := range regions {
		if region.Parent != fn {
			return nil, errors.Errorf("cannot add operation %s to function %s: region #%d is not a closure of the function",
				opType, fn.DisplayName(), i)
		}
		if region.Owner != nil {
			return nil, errors.Errorf("cannot add operation %s to function %s: region #%d already belongs to %s",
				opType, fn.DisplayName(), i, region.Owner.OpName())
		}
	}
	if attributes == nil {
		attributes = make(map[string]any)
	}
	stmt := &Statement{
		Function:   fn,
		OpType:     opType,
		Inputs:     slices.Clone(inputs),
		Attributes: attributes,
		Regions:    slices.Clone(regions),
	}
	stmt.Outputs = make([]*Value, len(outputShapes))
	for i, shape := range outputShapes {
		v := fn.newValue(shape)
		v.stmt = stmt
		v.outputIndex = i
		stmt.Outputs[i] = v
	}
	for _, region := range regions {
		region.Owner = stmt
	}
	fn.Statements = append(fn.Statements, stmt)
	return stmt, nil
}

// Statement is one operation in a function.
type Statement struct {
	Function *Function
	OpType   optypes.OpType

	// Name is the raw operation name, only used when OpType is optypes.Unknown.
	Name string

	Inputs     []*Value
	Outputs    []*Value
	Attributes map[string]any

	// Regions holds the nested code of the operation, if any.
	Regions []*Function
}

// OpName returns the MLIR name of the operation.
func (s *Statement) OpName() string {
	if s.OpType == optypes.Unknown {
		return s.Name
	}
	return s.OpType.String()
}

// Dialect returns the dialect of the operation, e.g. "mhlo".
func (s *Statement) Dialect() string {
	return optypes.Dialect(s.OpName())
}

// Output returns the first output, or nil if the statement has no outputs.
func (s *Statement) Output() *Value {
	if len(s.Outputs) == 0 {
		return nil
	}
	return s.Outputs[0]
}

// Value represents a value in a program, like `%0` or `%arg0`: the output of a statement,
// or a function (or region) input.
type Value struct {
	fn    *Function
	name  string
	shape shapes.Shape

	// stmt is the statement that created this value. It is nil for function inputs.
	stmt *Statement

	// outputIndex is the index of this value in stmt.Outputs. It is only valid when stmt != nil.
	outputIndex int
}

// Shape returns the shape of the value.
func (v *Value) Shape() shapes.Shape {
	return v.shape
}

// Function returns the function (or region) where the value is defined.
func (v *Value) Function() *Function {
	return v.fn
}

// Statement returns the statement that defines the value, or nil if it is a function input.
func (v *Value) Statement() *Statement {
	return v.stmt
}

// OutputIndex returns the index of the value in the outputs of its defining statement.
func (v *Value) OutputIndex() int {
	return v.outputIndex
}

// IsInput returns whether v is a function (or region) input.
func (v *Value) IsInput() bool {
	return v.stmt == nil
}

// Name returns the name hint of the value, usually empty.
func (v *Value) Name() string {
	return v.name
}

// DefinedBy returns whether v is the output of a statement of the given kind.
func (v *Value) DefinedBy(opType optypes.OpType) bool {
	return v.stmt != nil && v.stmt.OpType == opType
}

// ValuesShapes returns the shapes of the given values.
func ValuesShapes(values []*Value) []shapes.Shape {
	result := make([]shapes.Shape, len(values))
	for i, v := range values {
		result[i] = v.shape
	}
	return result
}
