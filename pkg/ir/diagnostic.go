package ir

import (
	"fmt"

	"github.com/pkg/errors"
)

// Diagnostic is an error attributable to a specific operation of a program.
// Use errors.As to recover it from errors returned by passes.
type Diagnostic struct {
	// Function is the name of the top-level function holding the operation.
	Function string

	// Op is the MLIR name of the operation.
	Op string

	Message string
}

// Error implements error.
func (d *Diagnostic) Error() string {
	return fmt.Sprintf("@%s: '%s' op %s", d.Function, d.Op, d.Message)
}

// Errorf returns a Diagnostic error for the statement, with a stack trace.
func (s *Statement) Errorf(format string, args ...any) error {
	fnName := ""
	if s.Function != nil {
		fnName = s.Function.TopLevel().Name
	}
	return errors.WithStack(&Diagnostic{
		Function: fnName,
		Op:       s.OpName(),
		Message:  fmt.Sprintf(format, args...),
	})
}
