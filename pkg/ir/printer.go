package ir

import (
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/gmlst/pkg/types/shapes"
	"github.com/pkg/errors"
)

// printer writes a module in the MLIR generic textual form.
// Values are named at printing time: outputs are numbered "%0", "%1", ..., and inputs are named
// "%argN" unless they have a name hint. Numbering is shared by a top-level function and its regions.
type printer struct {
	w         io.Writer
	err       error
	names     map[*Value]string
	used      map[string]bool
	nextValue int
	nextArg   int
}

func (p *printer) printf(format string, args ...any) {
	if p.err != nil {
		return
	}
	_, p.err = fmt.Fprintf(p.w, format, args...)
}

func (p *printer) resetNames() {
	p.names = make(map[*Value]string)
	p.used = make(map[string]bool)
	p.nextValue = 0
	p.nextArg = 0
}

func (p *printer) nameInput(v *Value) string {
	name := v.name
	if name == "" || p.used[name] || isNumeric(name) {
		for {
			name = "arg" + strconv.Itoa(p.nextArg)
			p.nextArg++
			if !p.used[name] {
				break
			}
		}
	}
	p.used[name] = true
	p.names[v] = name
	return "%" + name
}

func (p *printer) nameOutput(v *Value) string {
	name := strconv.Itoa(p.nextValue)
	p.nextValue++
	p.used[name] = true
	p.names[v] = name
	return "%" + name
}

func isNumeric(name string) bool {
	_, err := strconv.Atoi(name)
	return err == nil
}

func (p *printer) valueName(v *Value) string {
	if name, ok := p.names[v]; ok {
		return "%" + name
	}
	// Values not defined in scope: only happens with malformed programs, Verify reports them.
	return "%<undefined>"
}

// Write writes the module in the MLIR generic textual form to w.
func (m *Module) Write(w io.Writer) error {
	p := &printer{w: w}
	if m.Name != "" {
		p.printf("module @%s {\n", m.Name)
	} else {
		p.printf("module {\n")
	}
	for _, fn := range m.Functions {
		p.resetNames()
		p.writeFunction(fn, "  ")
	}
	p.printf("}\n")
	return errors.Wrapf(p.err, "failed to write module @%s", m.Name)
}

// String returns the module in the MLIR generic textual form.
func (m *Module) String() string {
	var sb strings.Builder
	_ = m.Write(&sb)
	return sb.String()
}

// Write writes a single top-level function to w.
func (fn *Function) Write(w io.Writer, indentation string) error {
	p := &printer{w: w}
	p.resetNames()
	p.writeFunction(fn, indentation)
	return p.err
}

// String returns the function in MLIR generic textual form.
func (fn *Function) String() string {
	var sb strings.Builder
	_ = fn.TopLevel().Write(&sb, "")
	return sb.String()
}

func (p *printer) writeFunction(fn *Function, indentation string) {
	p.printf("%sfunc.func @%s(", indentation, fn.Name)
	for i, input := range fn.Inputs {
		if i > 0 {
			p.printf(", ")
		}
		p.printf("%s: %s", p.nameInput(input), input.shape.ToMLIR())
	}
	p.printf(")")
	if len(fn.Outputs) > 0 {
		p.printf(" -> %s", resultTypes(fn.OutputShapes()))
	}
	p.printf(" {\n")
	p.writeBody(fn, indentation+"  ")
	p.printf("%s}\n", indentation)
}

// writeBody writes the statements and the terminator of fn.
func (p *printer) writeBody(fn *Function, indentation string) {
	for _, stmt := range fn.Statements {
		p.writeStatement(stmt, indentation)
	}
	p.printf("%s\"%s\"(", indentation, fn.Terminator)
	p.writeValues(fn.Outputs)
	p.printf(") : %s -> ()\n", operandTypes(fn.OutputShapes()))
}

func (p *printer) writeValues(values []*Value) {
	for i, v := range values {
		if i > 0 {
			p.printf(", ")
		}
		p.printf("%s", p.valueName(v))
	}
}

func (p *printer) writeStatement(stmt *Statement, indentation string) {
	p.printf("%s", indentation)
	// Inputs are named before outputs: outputs can't be used by the statement itself.
	inputs := make([]string, len(stmt.Inputs))
	for i, input := range stmt.Inputs {
		inputs[i] = p.valueName(input)
	}
	if len(stmt.Outputs) > 0 {
		outputs := make([]string, len(stmt.Outputs))
		for i, output := range stmt.Outputs {
			outputs[i] = p.nameOutput(output)
		}
		p.printf("%s = ", strings.Join(outputs, ", "))
	}
	p.printf("%q(%s)", stmt.OpName(), strings.Join(inputs, ", "))
	if len(stmt.Regions) > 0 {
		p.printf(" (")
		for i, region := range stmt.Regions {
			if i > 0 {
				p.printf(", ")
			}
			p.writeRegion(region, indentation)
		}
		p.printf(")")
	}
	if len(stmt.Attributes) > 0 {
		p.printf(" { ")
		keys := make([]string, 0, len(stmt.Attributes))
		for key := range stmt.Attributes {
			keys = append(keys, key)
		}
		slices.Sort(keys)
		for i, key := range keys {
			if i > 0 {
				p.printf(", ")
			}
			p.printf("%s = %s", key, FormatAttribute(stmt.Attributes[key]))
		}
		p.printf(" }")
	}
	p.printf(" : %s -> %s\n", operandTypes(ValuesShapes(stmt.Inputs)), resultTypes(ValuesShapes(stmt.Outputs)))
}

func (p *printer) writeRegion(region *Function, indentation string) {
	p.printf("{\n")
	if len(region.Inputs) > 0 {
		p.printf("%s^bb0(", indentation)
		for i, input := range region.Inputs {
			if i > 0 {
				p.printf(", ")
			}
			p.printf("%s: %s", p.nameInput(input), input.shape.ToMLIR())
		}
		p.printf("):\n")
	}
	p.writeBody(region, indentation+"  ")
	p.printf("%s}", indentation)
}

func operandTypes(shapesList []shapes.Shape) string {
	parts := make([]string, len(shapesList))
	for i, shape := range shapesList {
		parts[i] = shape.ToMLIR()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func resultTypes(shapesList []shapes.Shape) string {
	if len(shapesList) == 1 {
		return shapesList[0].ToMLIR()
	}
	return operandTypes(shapesList)
}

// FormatAttribute returns the MLIR spelling of an attribute value.
func FormatAttribute(value any) string {
	switch v := value.(type) {
	case int64:
		return strconv.FormatInt(v, 10) + " : i64"
	case int:
		return strconv.Itoa(v) + " : i64"
	case bool:
		return strconv.FormatBool(v)
	case string:
		return strconv.Quote(v)
	case []int64:
		if len(v) == 0 {
			return "array<i64>"
		}
		parts := make([]string, len(v))
		for i, x := range v {
			parts[i] = strconv.FormatInt(x, 10)
		}
		return "array<i64: " + strings.Join(parts, ", ") + ">"
	case []string:
		parts := make([]string, len(v))
		for i, x := range v {
			parts[i] = strconv.Quote(x)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case AffineMap:
		return v.String()
	case []AffineMap:
		parts := make([]string, len(v))
		for i, x := range v {
			parts[i] = x.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case Symbol:
		return "@" + string(v)
	case DenseElements:
		return v.String()
	case TypedValue:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	default:
		return fmt.Sprintf("%q", fmt.Sprintf("%v", v))
	}
}
