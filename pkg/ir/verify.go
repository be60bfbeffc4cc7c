package ir

import (
	"github.com/gomlx/gmlst/internal/utils"
	"github.com/pkg/errors"
)

// Verify checks the structural invariants of the module:
//
//   - function names are unique and every function (and region) returned;
//   - values are used only after being defined, in the function defining them or in one of its regions;
//   - statements and regions point back to their function and owner;
//   - terminators only appear as function terminators.
//
// It returns the first violation found.
func Verify(m *Module) error {
	names := utils.MakeSet[string](len(m.Functions))
	for _, fn := range m.Functions {
		if fn.Parent != nil {
			return errors.Errorf("function @%s of module @%s must be top-level", fn.Name, m.Name)
		}
		if names.Has(fn.Name) {
			return errors.Errorf("function @%s defined more than once in module @%s", fn.Name, m.Name)
		}
		names.Insert(fn.Name)
		if err := VerifyFunction(fn); err != nil {
			return err
		}
	}
	return nil
}

// VerifyFunction checks the structural invariants of a single function. See Verify.
func VerifyFunction(fn *Function) error {
	return verifyFunction(fn, utils.MakeSet[*Value]())
}

// verifyFunction checks fn given the set of values visible from its ancestors.
func verifyFunction(fn *Function, visible utils.Set[*Value]) error {
	if !fn.Returned {
		return errors.Errorf("%s has no terminator", fn.DisplayName())
	}
	if !fn.Terminator.IsTerminator() {
		return errors.Errorf("%s uses %s as a terminator", fn.DisplayName(), fn.Terminator)
	}
	// Values defined in a region are not visible outside of it: use a copy for fn.
	defined := utils.MakeSet[*Value](len(visible) + len(fn.Inputs) + len(fn.Statements))
	for v := range visible {
		defined.Insert(v)
	}
	for i, input := range fn.Inputs {
		if input.fn != fn || input.stmt != nil {
			return errors.Errorf("input #%d of %s doesn't belong to it", i, fn.DisplayName())
		}
		defined.Insert(input)
	}
	for _, stmt := range fn.Statements {
		if stmt.Function != fn {
			return errors.Errorf("%s in %s points to another function", stmt.OpName(), fn.DisplayName())
		}
		if stmt.OpType.IsTerminator() {
			return stmt.Errorf("is a terminator and can only be used to end a function or region")
		}
		for i, input := range stmt.Inputs {
			if !defined.Has(input) {
				return stmt.Errorf("operand #%d is used before being defined, or is not visible", i)
			}
		}
		for i, region := range stmt.Regions {
			if region.Parent != fn || region.Owner != stmt {
				return stmt.Errorf("region #%d is not properly attached", i)
			}
			if err := verifyFunction(region, defined); err != nil {
				return err
			}
		}
		for i, output := range stmt.Outputs {
			if output.stmt != stmt || output.outputIndex != i || output.fn != fn {
				return stmt.Errorf("output #%d doesn't point back to the statement", i)
			}
			if !output.shape.Ok() {
				return stmt.Errorf("output #%d has an invalid shape", i)
			}
			defined.Insert(output)
		}
	}
	for i, output := range fn.Outputs {
		if !defined.Has(output) {
			return errors.Errorf("value #%d returned by %s is not defined or not visible", i, fn.DisplayName())
		}
	}
	return nil
}
