package ir

import (
	"github.com/gomlx/gmlst/pkg/types/shapes"
	"github.com/pkg/errors"
)

// Rewriter is given to the visitor of Function.Rewrite: it allows replacing or erasing the
// visited statement, and new statements can be added to the function being rewritten
// (with AddOp or any of the dialect builders) at the position of the visited statement.
type Rewriter struct {
	fn      *Function
	current *Statement
	removed bool
	mapping map[*Value]*Value
}

// Function returns the function being rewritten.
func (rw *Rewriter) Function() *Function {
	return rw.fn
}

// Replace removes the visited statement and replaces the uses of its outputs by values.
func (rw *Rewriter) Replace(values ...*Value) error {
	stmt := rw.current
	if len(values) != len(stmt.Outputs) {
		return errors.Errorf("cannot replace %s in %s: %d outputs, %d replacement values",
			stmt.OpName(), rw.fn.DisplayName(), len(stmt.Outputs), len(values))
	}
	for i, v := range values {
		if v == nil {
			return errors.Errorf("cannot replace output #%d of %s with nil", i, stmt.OpName())
		}
		rw.mapping[stmt.Outputs[i]] = v
	}
	rw.removed = true
	return nil
}

// Erase removes the visited statement. Its outputs must not be used.
func (rw *Rewriter) Erase() {
	rw.removed = true
}

// lookup returns the value v was replaced with, following chains of replacements.
func (rw *Rewriter) lookup(v *Value) *Value {
	for {
		next, found := rw.mapping[v]
		if !found {
			return v
		}
		v = next
	}
}

// remap updates the inputs of stmt, and of the statements in its regions, with the replacements
// made so far.
func (rw *Rewriter) remap(stmt *Statement) {
	for i, input := range stmt.Inputs {
		stmt.Inputs[i] = rw.lookup(input)
	}
	for _, region := range stmt.Regions {
		for _, inner := range region.Statements {
			rw.remap(inner)
		}
		for i, output := range region.Outputs {
			region.Outputs[i] = rw.lookup(output)
		}
	}
}

// Rewrite visits each statement of fn in order, giving the visitor a chance to replace it.
//
// Statements added by the visitor are inserted before the visited one. Uses of replaced values
// in later statements (including in their regions) and in the function outputs are updated.
// If the visitor returns an error, the rewrite stops and the error is returned: statements
// not yet visited are kept, with the replacements made so far, so the function stays valid.
func (fn *Function) Rewrite(visit func(rw *Rewriter, stmt *Statement) error) error {
	old := fn.Statements
	returned := fn.Returned
	fn.Statements = make([]*Statement, 0, len(old))
	fn.Returned = false
	defer func() { fn.Returned = returned }()

	rw := &Rewriter{fn: fn, mapping: make(map[*Value]*Value)}
	var err error
	for i, stmt := range old {
		rw.remap(stmt)
		rw.current, rw.removed = stmt, false
		err = visit(rw, stmt)
		if !rw.removed {
			fn.Statements = append(fn.Statements, stmt)
		}
		if err != nil {
			for _, rest := range old[i+1:] {
				rw.remap(rest)
				fn.Statements = append(fn.Statements, rest)
			}
			break
		}
	}
	for i, output := range fn.Outputs {
		fn.Outputs[i] = rw.lookup(output)
	}
	return err
}

// Walk calls visit for every statement of fn, including the statements in regions (visited
// after the statement owning them). It stops at the first error.
func (fn *Function) Walk(visit func(stmt *Statement) error) error {
	for _, stmt := range fn.Statements {
		if err := visit(stmt); err != nil {
			return err
		}
		for _, region := range stmt.Regions {
			if err := region.Walk(visit); err != nil {
				return err
			}
		}
	}
	return nil
}

// countUses returns the number of uses of every value used in fn, including the uses in
// regions and as outputs.
func (fn *Function) countUses() map[*Value]int {
	counts := make(map[*Value]int)
	var count func(f *Function)
	count = func(f *Function) {
		for _, stmt := range f.Statements {
			for _, input := range stmt.Inputs {
				counts[input]++
			}
			for _, region := range stmt.Regions {
				count(region)
			}
		}
		for _, output := range f.Outputs {
			counts[output]++
		}
	}
	count(fn)
	return counts
}

// UseCounts returns the number of uses of every value used in fn. See NumUses.
func (fn *Function) UseCounts() map[*Value]int {
	return fn.countUses()
}

// NumUses returns how many times v is used in fn: as an operand (also in regions) or as an output.
func (fn *Function) NumUses(v *Value) int {
	return fn.countUses()[v]
}

// Users returns the statements of fn (not of its regions) that use v as an operand, in order.
// A statement using v more than once is listed once.
func (fn *Function) Users(v *Value) []*Statement {
	var users []*Statement
	for _, stmt := range fn.Statements {
		for _, input := range stmt.Inputs {
			if input == v {
				users = append(users, stmt)
				break
			}
		}
	}
	return users
}

// EraseDeadOps removes the statements of fn for which removable returns true and whose outputs
// are not used, repeatedly, until no more statements can be removed. It returns the number of removed
// statements.
func (fn *Function) EraseDeadOps(removable func(stmt *Statement) bool) int {
	removed := 0
	for {
		counts := fn.countUses()
		kept := fn.Statements[:0]
		changed := false
		for _, stmt := range fn.Statements {
			dead := removable(stmt)
			for _, output := range stmt.Outputs {
				if counts[output] > 0 {
					dead = false
					break
				}
			}
			if dead {
				changed = true
				removed++
				continue
			}
			kept = append(kept, stmt)
		}
		fn.Statements = kept
		if !changed {
			return removed
		}
	}
}

// Clone appends to fn a copy of stmt whose inputs are remapped with mapping: inputs not in mapping are
// used as they are. The outputs of the copy are added to mapping. Regions are copied recursively.
func (fn *Function) Clone(stmt *Statement, mapping map[*Value]*Value) (*Statement, error) {
	inputs := make([]*Value, len(stmt.Inputs))
	for i, input := range stmt.Inputs {
		inputs[i] = mapValue(mapping, input)
	}
	regions := make([]*Function, len(stmt.Regions))
	for i, region := range stmt.Regions {
		clone, err := fn.cloneRegion(region, mapping)
		if err != nil {
			return nil, err
		}
		regions[i] = clone
	}
	outputShapes := make([]shapes.Shape, len(stmt.Outputs))
	for i, output := range stmt.Outputs {
		outputShapes[i] = output.shape.Clone()
	}
	clone, err := fn.AddOp(stmt.OpType, outputShapes, inputs, cloneAttributes(stmt.Attributes), regions...)
	if err != nil {
		return nil, err
	}
	clone.Name = stmt.Name
	for i, output := range stmt.Outputs {
		mapping[output] = clone.Outputs[i]
	}
	return clone, nil
}

// cloneRegion creates a closure of fn with a copy of region.
func (fn *Function) cloneRegion(region *Function, mapping map[*Value]*Value) (*Function, error) {
	clone := fn.Closure()
	clone.Terminator = region.Terminator
	for _, input := range region.Inputs {
		v, err := clone.NamedInput(input.name, input.shape.Clone())
		if err != nil {
			return nil, err
		}
		mapping[input] = v
	}
	for _, stmt := range region.Statements {
		if _, err := clone.Clone(stmt, mapping); err != nil {
			return nil, err
		}
	}
	outputs := make([]*Value, len(region.Outputs))
	for i, output := range region.Outputs {
		outputs[i] = mapValue(mapping, output)
	}
	if err := clone.Return(outputs...); err != nil {
		return nil, err
	}
	return clone, nil
}

func mapValue(mapping map[*Value]*Value, v *Value) *Value {
	if mapped, found := mapping[v]; found {
		return mapped
	}
	return v
}

// SetShape changes the shape of a value. It is used by transformations that change the types of
// cloned operations, like tiling.
func (v *Value) SetShape(shape shapes.Shape) {
	v.shape = shape.Clone()
}
