package ir

import (
	"math"
	"strconv"
	"strings"

	"github.com/gomlx/gmlst/internal/optypes"
	"github.com/gomlx/gmlst/pkg/types/dtypes"
	"github.com/gomlx/gmlst/pkg/types/shapes"
	"github.com/pkg/errors"
)

// Parse reads a module in the MLIR generic textual form, as written by Module.Write.
//
// The text can be either a "module @name { ... }" or a sequence of "func.func" definitions.
// Operations not known by optypes are kept with optypes.Unknown and their raw name.
func Parse(text string) (*Module, error) {
	p := &parser{src: text}
	m, err := p.parseModule()
	if err != nil {
		return nil, err
	}
	return m, nil
}

// parser is a recursive descent parser working directly on the source text.
type parser struct {
	src string
	pos int
}

// scope maps value names to values, for a function and its regions.
type scope struct {
	parent *scope
	values map[string]*Value
}

func newScope(parent *scope) *scope {
	return &scope{parent: parent, values: make(map[string]*Value)}
}

func (s *scope) lookup(name string) *Value {
	for ; s != nil; s = s.parent {
		if v, ok := s.values[name]; ok {
			return v
		}
	}
	return nil
}

func (p *parser) errorf(format string, args ...any) error {
	line, col := 1, 1
	for _, c := range p.src[:min(p.pos, len(p.src))] {
		if c == '\n' {
			line++
			col = 1
		} else {
			col++
		}
	}
	return errors.Wrapf(errors.Errorf(format, args...), "parse error at line %d, column %d", line, col)
}

func (p *parser) skipSpace() {
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			p.pos++
		case strings.HasPrefix(p.src[p.pos:], "//"):
			for p.pos < len(p.src) && p.src[p.pos] != '\n' {
				p.pos++
			}
		default:
			return
		}
	}
}

func (p *parser) atEOF() bool {
	p.skipSpace()
	return p.pos >= len(p.src)
}

func (p *parser) hasPrefix(s string) bool {
	p.skipSpace()
	return strings.HasPrefix(p.src[p.pos:], s)
}

func (p *parser) consume(s string) bool {
	if p.hasPrefix(s) {
		p.pos += len(s)
		return true
	}
	return false
}

func (p *parser) expect(s string) error {
	if !p.consume(s) {
		found := p.src[p.pos:min(p.pos+20, len(p.src))]
		return p.errorf("expected %q, found %q", s, found)
	}
	return nil
}

func isIdentChar(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') ||
		c == '_' || c == '.' || c == '$'
}

// identifier reads a bare identifier, possibly empty.
func (p *parser) identifier() string {
	p.skipSpace()
	start := p.pos
	for p.pos < len(p.src) && isIdentChar(p.src[p.pos]) {
		p.pos++
	}
	return p.src[start:p.pos]
}

// prefixedName reads an identifier prefixed by sigil, like "%0" or "@main", and returns it without the sigil.
func (p *parser) prefixedName(sigil string) (string, error) {
	if err := p.expect(sigil); err != nil {
		return "", err
	}
	name := p.identifier()
	if name == "" {
		return "", p.errorf("missing name after %q", sigil)
	}
	return name, nil
}

func (p *parser) stringLiteral() (string, error) {
	p.skipSpace()
	quoted, err := strconv.QuotedPrefix(p.src[p.pos:])
	if err != nil {
		return "", p.errorf("expected string literal")
	}
	p.pos += len(quoted)
	unquoted, err := strconv.Unquote(quoted)
	if err != nil {
		return "", p.errorf("invalid string literal %s", quoted)
	}
	return unquoted, nil
}

// parseType reads a tensor or element type.
func (p *parser) parseType() (shapes.Shape, error) {
	p.skipSpace()
	start := p.pos
	if strings.HasPrefix(p.src[p.pos:], "tensor<") {
		end := strings.IndexByte(p.src[p.pos:], '>')
		if end < 0 {
			return shapes.Shape{}, p.errorf("unterminated tensor type")
		}
		p.pos += end + 1
	} else {
		p.identifier()
	}
	shape, err := shapes.Parse(p.src[start:p.pos])
	if err != nil {
		p.pos = start
		return shapes.Shape{}, p.errorf("%v", err)
	}
	return shape, nil
}

// parseTypeList reads "(t1, t2, ...)".
func (p *parser) parseTypeList() ([]shapes.Shape, error) {
	if err := p.expect("("); err != nil {
		return nil, err
	}
	var result []shapes.Shape
	if p.consume(")") {
		return result, nil
	}
	for {
		shape, err := p.parseType()
		if err != nil {
			return nil, err
		}
		result = append(result, shape)
		if p.consume(")") {
			return result, nil
		}
		if err := p.expect(","); err != nil {
			return nil, err
		}
	}
}

// parseResultTypes reads either a single type or a parenthesized list of types.
func (p *parser) parseResultTypes() ([]shapes.Shape, error) {
	if p.hasPrefix("(") {
		return p.parseTypeList()
	}
	shape, err := p.parseType()
	if err != nil {
		return nil, err
	}
	return []shapes.Shape{shape}, nil
}

func (p *parser) parseModule() (*Module, error) {
	m := New("")
	wrapped := false
	if p.consume("module") {
		wrapped = true
		if p.hasPrefix("@") {
			name, err := p.prefixedName("@")
			if err != nil {
				return nil, err
			}
			m.Name = name
		}
		if err := p.expect("{"); err != nil {
			return nil, err
		}
	}
	for {
		if wrapped && p.consume("}") {
			break
		}
		if !wrapped && p.atEOF() {
			break
		}
		if err := p.parseFunction(m); err != nil {
			return nil, err
		}
	}
	if !p.atEOF() {
		return nil, p.errorf("unexpected text after the end of the module")
	}
	return m, nil
}

func (p *parser) parseFunction(m *Module) error {
	if err := p.expect("func.func"); err != nil {
		return err
	}
	name, err := p.prefixedName("@")
	if err != nil {
		return err
	}
	if m.Function(name) != nil {
		return p.errorf("function @%s redefined", name)
	}
	fn := m.NewFunction(name)
	fnScope := newScope(nil)
	if err := p.parseArguments(fn, fnScope); err != nil {
		return err
	}
	var resultShapes []shapes.Shape
	if p.consume("->") {
		resultShapes, err = p.parseResultTypes()
		if err != nil {
			return err
		}
	}
	if err := p.expect("{"); err != nil {
		return err
	}
	if err := p.parseBody(fn, fnScope); err != nil {
		return err
	}
	if !shapesEqual(resultShapes, fn.OutputShapes()) {
		return p.errorf("function @%s declared results %v, but returns %v", name, resultShapes, fn.OutputShapes())
	}
	return nil
}

// parseArguments reads "(%a: type, ...)" adding inputs to fn.
func (p *parser) parseArguments(fn *Function, s *scope) error {
	if err := p.expect("("); err != nil {
		return err
	}
	if p.consume(")") {
		return nil
	}
	for {
		name, err := p.prefixedName("%")
		if err != nil {
			return err
		}
		if err := p.expect(":"); err != nil {
			return err
		}
		shape, err := p.parseType()
		if err != nil {
			return err
		}
		hint := name
		if isNumeric(name) || strings.HasPrefix(name, "arg") {
			hint = ""
		}
		v, err := fn.NamedInput(hint, shape)
		if err != nil {
			return p.errorf("%v", err)
		}
		if s.values[name] != nil {
			return p.errorf("value %%%s redefined", name)
		}
		s.values[name] = v
		if p.consume(")") {
			return nil
		}
		if err := p.expect(","); err != nil {
			return err
		}
	}
}

// parseBody reads statements until the terminator, and the closing "}".
func (p *parser) parseBody(fn *Function, s *scope) error {
	for !fn.Returned {
		if p.hasPrefix("}") {
			return p.errorf("missing terminator at the end of %s", fn.DisplayName())
		}
		if err := p.parseStatement(fn, s); err != nil {
			return err
		}
	}
	return p.expect("}")
}

func (p *parser) parseStatement(fn *Function, s *scope) error {
	var resultNames []string
	if p.hasPrefix("%") {
		for {
			name, err := p.prefixedName("%")
			if err != nil {
				return err
			}
			resultNames = append(resultNames, name)
			if !p.consume(",") {
				break
			}
		}
		if err := p.expect("="); err != nil {
			return err
		}
	}
	opName, err := p.stringLiteral()
	if err != nil {
		return err
	}
	opType := optypes.FromName(opName)

	// Operands.
	if err := p.expect("("); err != nil {
		return err
	}
	var operands []*Value
	if !p.consume(")") {
		for {
			name, err := p.prefixedName("%")
			if err != nil {
				return err
			}
			v := s.lookup(name)
			if v == nil {
				return p.errorf("use of undefined value %%%s", name)
			}
			operands = append(operands, v)
			if p.consume(")") {
				break
			}
			if err := p.expect(","); err != nil {
				return err
			}
		}
	}

	// Regions.
	var regions []*Function
	if p.consume("(") {
		for {
			region, err := p.parseRegion(fn, s)
			if err != nil {
				return err
			}
			regions = append(regions, region)
			if p.consume(")") {
				break
			}
			if err := p.expect(","); err != nil {
				return err
			}
		}
	}

	// Attributes.
	attributes := make(map[string]any)
	if p.consume("{") {
		if err := p.parseAttributes(attributes); err != nil {
			return err
		}
	}

	// Signature.
	if err := p.expect(":"); err != nil {
		return err
	}
	operandShapes, err := p.parseTypeList()
	if err != nil {
		return err
	}
	if err := p.expect("->"); err != nil {
		return err
	}
	resultShapes, err := p.parseResultTypes()
	if err != nil {
		return err
	}
	if !shapesEqual(operandShapes, ValuesShapes(operands)) {
		return p.errorf("operand types %v of %q don't match the types of its operands %v",
			operandShapes, opName, ValuesShapes(operands))
	}
	if len(resultShapes) != len(resultNames) {
		return p.errorf("%q declares %d results, but %d names are given", opName, len(resultShapes), len(resultNames))
	}

	if opType.IsTerminator() {
		if len(regions) > 0 || len(attributes) > 0 || len(resultNames) > 0 {
			return p.errorf("malformed terminator %q", opName)
		}
		fn.Terminator = opType
		if err := fn.Return(operands...); err != nil {
			return p.errorf("%v", err)
		}
		return nil
	}

	stmt, err := fn.AddOp(opType, resultShapes, operands, attributes, regions...)
	if err != nil {
		return p.errorf("%v", err)
	}
	if opType == optypes.Unknown {
		stmt.Name = opName
	}
	for i, name := range resultNames {
		if s.values[name] != nil {
			return p.errorf("value %%%s redefined", name)
		}
		s.values[name] = stmt.Outputs[i]
	}
	return nil
}

// parseRegion reads "{ [^bb0(args):] statements }" as a closure of fn.
func (p *parser) parseRegion(fn *Function, outer *scope) (*Function, error) {
	if err := p.expect("{"); err != nil {
		return nil, err
	}
	region := fn.Closure()
	regionScope := newScope(outer)
	if p.consume("^") {
		if label := p.identifier(); label == "" {
			return nil, p.errorf("missing block label")
		}
		if err := p.parseArguments(region, regionScope); err != nil {
			return nil, err
		}
		if err := p.expect(":"); err != nil {
			return nil, err
		}
	}
	if err := p.parseBody(region, regionScope); err != nil {
		return nil, err
	}
	return region, nil
}

// parseAttributes reads "key = value, ..." up to and including the closing "}".
func (p *parser) parseAttributes(attributes map[string]any) error {
	if p.consume("}") {
		return nil
	}
	for {
		var key string
		if p.hasPrefix("\"") {
			var err error
			if key, err = p.stringLiteral(); err != nil {
				return err
			}
		} else if key = p.identifier(); key == "" {
			return p.errorf("expected attribute name")
		}
		if err := p.expect("="); err != nil {
			return err
		}
		value, err := p.parseAttributeValue()
		if err != nil {
			return errors.WithMessagef(err, "attribute %q", key)
		}
		attributes[key] = value
		if p.consume("}") {
			return nil
		}
		if err := p.expect(","); err != nil {
			return err
		}
	}
}

func (p *parser) parseAttributeValue() (any, error) {
	switch {
	case p.consume("array<"):
		return p.parseArrayAttribute()
	case p.hasPrefix("affine_map<"):
		return p.parseAffineMap()
	case p.consume("dense<"):
		return p.parseDense()
	case p.consume("["):
		return p.parseListAttribute()
	case p.hasPrefix("\""):
		return p.stringLiteral()
	case p.hasPrefix("@"):
		name, err := p.prefixedName("@")
		return Symbol(name), err
	case p.consume("true"):
		return p.boolAttribute(true)
	case p.consume("false"):
		return p.boolAttribute(false)
	}
	text, isFloat, err := p.number()
	if err != nil {
		return nil, err
	}
	if !p.consume(":") {
		if isFloat {
			return strconv.ParseFloat(text, 64)
		}
		return strconv.ParseInt(text, 0, 64)
	}
	typ, err := p.parseType()
	if err != nil {
		return nil, err
	}
	if typ.Elemental && typ.DType == dtypes.Int64 && !isFloat && !isHex(text) {
		return strconv.ParseInt(text, 0, 64)
	}
	if !typ.Elemental {
		return nil, p.errorf("scalar attribute with tensor type %s", typ)
	}
	v, err := p.literalFromText(text, isFloat)
	if err != nil {
		return nil, err
	}
	return NewTypedValue(typ.DType, v), nil
}

// boolAttribute returns a bool, or a TypedValue if the literal is followed by a type.
func (p *parser) boolAttribute(value bool) (any, error) {
	if !p.consume(":") {
		return value, nil
	}
	typ, err := p.parseType()
	if err != nil {
		return nil, err
	}
	if !typ.Elemental || typ.DType != dtypes.Bool {
		return nil, p.errorf("boolean literal with type %s", typ)
	}
	if value {
		return NewTypedValue(dtypes.Bool, 1), nil
	}
	return NewTypedValue(dtypes.Bool, 0), nil
}

func isHex(text string) bool {
	return strings.Contains(strings.ToLower(text), "0x")
}

// number reads a numeric literal and returns its text and whether it is a floating point literal.
func (p *parser) number() (string, bool, error) {
	p.skipSpace()
	start := p.pos
	if p.pos < len(p.src) && (p.src[p.pos] == '-' || p.src[p.pos] == '+') {
		p.pos++
	}
	if strings.HasPrefix(p.src[p.pos:], "0x") || strings.HasPrefix(p.src[p.pos:], "0X") {
		p.pos += 2
		for p.pos < len(p.src) && strings.IndexByte("0123456789abcdefABCDEF", p.src[p.pos]) >= 0 {
			p.pos++
		}
		return p.src[start:p.pos], false, nil
	}
	digits := 0
	isFloat := false
scan:
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		switch {
		case c >= '0' && c <= '9':
			digits++
		case c == '.':
			isFloat = true
		case c == 'e' || c == 'E':
			isFloat = true
			if p.pos+1 < len(p.src) && (p.src[p.pos+1] == '-' || p.src[p.pos+1] == '+') {
				p.pos++
			}
		default:
			break scan
		}
		p.pos++
	}
	if digits == 0 {
		p.pos = start
		return "", false, p.errorf("expected number")
	}
	return p.src[start:p.pos], isFloat, nil
}

// parseArrayAttribute reads the rest of "array<i64: 1, 2>" after "array<".
func (p *parser) parseArrayAttribute() ([]int64, error) {
	if elementType := p.identifier(); elementType != "i64" && elementType != "i32" {
		return nil, p.errorf("unsupported array element type %q", elementType)
	}
	result := []int64{}
	if p.consume(">") {
		return result, nil
	}
	if err := p.expect(":"); err != nil {
		return nil, err
	}
	for {
		text, isFloat, err := p.number()
		if err != nil {
			return nil, err
		}
		if isFloat {
			return nil, p.errorf("integer expected in array attribute, got %s", text)
		}
		v, err := strconv.ParseInt(text, 0, 64)
		if err != nil {
			return nil, p.errorf("invalid integer %s", text)
		}
		result = append(result, v)
		if p.consume(">") {
			return result, nil
		}
		if err := p.expect(","); err != nil {
			return nil, err
		}
	}
}

// parseListAttribute reads the rest of a list of strings or affine maps, after "[".
func (p *parser) parseListAttribute() (any, error) {
	if p.consume("]") {
		return []string{}, nil
	}
	if p.hasPrefix("affine_map<") {
		var maps []AffineMap
		for {
			m, err := p.parseAffineMap()
			if err != nil {
				return nil, err
			}
			maps = append(maps, m)
			if p.consume("]") {
				return maps, nil
			}
			if err := p.expect(","); err != nil {
				return nil, err
			}
		}
	}
	var values []string
	for {
		s, err := p.stringLiteral()
		if err != nil {
			return nil, err
		}
		values = append(values, s)
		if p.consume("]") {
			return values, nil
		}
		if err := p.expect(","); err != nil {
			return nil, err
		}
	}
}

// parseAffineMap reads "affine_map<(d0, d1) -> (d1, 0)>".
func (p *parser) parseAffineMap() (AffineMap, error) {
	if err := p.expect("affine_map<("); err != nil {
		return AffineMap{}, err
	}
	dims := make(map[string]int)
	var m AffineMap
	if !p.consume(")") {
		for {
			name := p.identifier()
			if name == "" {
				return AffineMap{}, p.errorf("expected affine dimension name")
			}
			dims[name] = m.NumDims
			m.NumDims++
			if p.consume(")") {
				break
			}
			if err := p.expect(","); err != nil {
				return AffineMap{}, err
			}
		}
	}
	if err := p.expect("->"); err != nil {
		return AffineMap{}, err
	}
	if err := p.expect("("); err != nil {
		return AffineMap{}, err
	}
	m.Results = []int{}
	if !p.consume(")") {
		for {
			name := p.identifier()
			switch dim, ok := dims[name]; {
			case ok:
				m.Results = append(m.Results, dim)
			case name == "0":
				m.Results = append(m.Results, AffineConstantZero)
			default:
				return AffineMap{}, p.errorf("unsupported affine expression %q", name)
			}
			if p.consume(")") {
				break
			}
			if err := p.expect(","); err != nil {
				return AffineMap{}, err
			}
		}
	}
	if err := p.expect(">"); err != nil {
		return AffineMap{}, err
	}
	return m, nil
}

// parseDense reads the rest of "dense<values> : type" after "dense<".
func (p *parser) parseDense() (DenseElements, error) {
	var values []float64
	var readValues func() error
	readValues = func() error {
		if p.consume("[") {
			if p.consume("]") {
				return nil
			}
			for {
				if err := readValues(); err != nil {
					return err
				}
				if p.consume("]") {
					return nil
				}
				if err := p.expect(","); err != nil {
					return err
				}
			}
		}
		v, err := p.literalValue()
		if err != nil {
			return err
		}
		values = append(values, v)
		return nil
	}
	if err := readValues(); err != nil {
		return DenseElements{}, err
	}
	if err := p.expect(">"); err != nil {
		return DenseElements{}, err
	}
	if err := p.expect(":"); err != nil {
		return DenseElements{}, err
	}
	shape, err := p.parseType()
	if err != nil {
		return DenseElements{}, err
	}
	dense, err := NewDenseElements(shape, values...)
	if err != nil {
		return DenseElements{}, p.errorf("%v", err)
	}
	return dense, nil
}

// literalValue reads one element of a dense literal.
func (p *parser) literalValue() (float64, error) {
	if p.consume("true") {
		return 1, nil
	}
	if p.consume("false") {
		return 0, nil
	}
	text, isFloat, err := p.number()
	if err != nil {
		return 0, err
	}
	return p.literalFromText(text, isFloat)
}

// literalFromText converts the text of a numeric literal to its value.
func (p *parser) literalFromText(text string, isFloat bool) (float64, error) {
	if isHex(text) {
		// Hexadecimal literals are the bit pattern of a float32, used for infinities and NaNs.
		bits, err := strconv.ParseUint(strings.TrimPrefix(text, "-"), 0, 32)
		if err != nil {
			return 0, p.errorf("invalid hexadecimal literal %s", text)
		}
		return float64(math.Float32frombits(uint32(bits))), nil
	}
	if isFloat {
		v, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return 0, p.errorf("invalid literal %s", text)
		}
		return v, nil
	}
	v, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return 0, p.errorf("invalid literal %s", text)
	}
	return float64(v), nil
}

func shapesEqual(a, b []shapes.Shape) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}
