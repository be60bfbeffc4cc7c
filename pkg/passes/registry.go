package passes

import (
	"slices"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrUnknownPass is the cause of the errors returned by Registry.Parse for names that are not registered.
	ErrUnknownPass = errors.New("unknown pass or pipeline")

	// ErrInvalidPipeline is the cause of the errors returned by Registry.Parse for malformed pipelines
	// and options.
	ErrInvalidPipeline = errors.New("invalid pass pipeline")
)

// Options of a pass or pipeline in a textual pipeline: "name{key1=value1 key2=value2}".
type Options map[string]string

// Check returns an error if o has an option not in known.
func (o Options) Check(known ...string) error {
	for key := range o {
		if !slices.Contains(known, key) {
			return errors.Wrapf(ErrInvalidPipeline, "unknown option %q", key)
		}
	}
	return nil
}

// Ints parses the option key as a comma separated list of integers. It returns nil if the option
// is not set, and an empty list if it is set to "".
func (o Options) Ints(key string) ([]int, error) {
	text, found := o[key]
	if !found {
		return nil, nil
	}
	values := []int{}
	if strings.TrimSpace(text) == "" {
		return values, nil
	}
	for _, part := range strings.Split(text, ",") {
		v, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidPipeline, "option %s=%q: %q is not an integer", key, text, part)
		}
		values = append(values, v)
	}
	return values, nil
}

// PassFactory creates a pass from its options. The pass returned must be a FunctionPass or a ModulePass.
type PassFactory func(options Options) (Pass, error)

// PipelineBuilder appends the passes of a named pipeline to pm.
type PipelineBuilder func(pm *PassManager, options Options) error

// Registry maps names to passes and pipelines, to build a PassManager from a textual pipeline.
type Registry struct {
	passes    map[string]PassFactory
	pipelines map[string]PipelineBuilder
}

// NewRegistry returns a registry holding only VerifierPass.
func NewRegistry() *Registry {
	r := &Registry{
		passes:    make(map[string]PassFactory),
		pipelines: make(map[string]PipelineBuilder),
	}
	_ = r.RegisterPass(VerifierPassName, func(options Options) (Pass, error) {
		if err := options.Check(); err != nil {
			return nil, err
		}
		return VerifierPass{}, nil
	})
	return r
}

func (r *Registry) taken(name string) error {
	if name == "" || name == FuncScope || strings.ContainsAny(name, "(){},= \t\n") {
		return errors.Errorf("invalid pass name %q", name)
	}
	if _, found := r.passes[name]; found {
		return errors.Errorf("pass %q already registered", name)
	}
	if _, found := r.pipelines[name]; found {
		return errors.Errorf("pipeline %q already registered", name)
	}
	return nil
}

// RegisterPass registers a pass factory under name.
func (r *Registry) RegisterPass(name string, factory PassFactory) error {
	if err := r.taken(name); err != nil {
		return err
	}
	r.passes[name] = factory
	return nil
}

// RegisterPipeline registers a pipeline builder under name.
func (r *Registry) RegisterPipeline(name string, builder PipelineBuilder) error {
	if err := r.taken(name); err != nil {
		return err
	}
	r.pipelines[name] = builder
	return nil
}

// Names returns the registered pass and pipeline names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.passes)+len(r.pipelines))
	for name := range r.passes {
		names = append(names, name)
	}
	for name := range r.pipelines {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// element is one parsed item of a textual pipeline.
type element struct {
	name    string
	options Options
	nested  []element // Only for FuncScope.
}

// Parse appends to pm the passes described by text, in the same syntax as PassManager.String:
//
//	gml-st-pipeline{tile-sizes=4,4}
//	verify,func.func(legalize-mhlo-to-gml,hlo-legalize-to-linalg)
//
// Function passes named at the top level are nested in the function scope. Pipelines can only be
// used at the top level. On error pm is left unchanged.
func (r *Registry) Parse(pm *PassManager, text string) error {
	elements, err := parseElements(text)
	if err != nil {
		return err
	}
	staging := &PassManager{}
	for _, elem := range elements {
		if err := r.apply(staging, elem); err != nil {
			return err
		}
	}
	pm.entries = append(pm.entries, staging.entries...)
	return nil
}

func (r *Registry) apply(pm *PassManager, elem element) error {
	if elem.name == FuncScope {
		nested := make([]FunctionPass, 0, len(elem.nested))
		for _, inner := range elem.nested {
			pass, err := r.newPass(inner)
			if err != nil {
				return err
			}
			fnPass, ok := pass.(FunctionPass)
			if !ok {
				return errors.Wrapf(ErrInvalidPipeline, "pass %q can't be nested in %s", inner.name, FuncScope)
			}
			nested = append(nested, fnPass)
		}
		pm.addNested(nested)
		return nil
	}
	if builder, found := r.pipelines[elem.name]; found {
		return errors.WithMessagef(builder(pm, elem.options), "pipeline %q", elem.name)
	}
	pass, err := r.newPass(elem)
	if err != nil {
		return err
	}
	switch p := pass.(type) {
	case ModulePass:
		pm.AddPass(p)
	case FunctionPass:
		pm.AddNestedPass(p)
	default:
		return errors.Errorf("pass %q (%T) is neither a function nor a module pass", elem.name, pass)
	}
	return nil
}

func (r *Registry) newPass(elem element) (Pass, error) {
	if elem.nested != nil || elem.name == FuncScope {
		return nil, errors.Wrapf(ErrInvalidPipeline, "%s can't be nested", elem.name)
	}
	factory, found := r.passes[elem.name]
	if !found {
		if _, isPipeline := r.pipelines[elem.name]; isPipeline {
			return nil, errors.Wrapf(ErrInvalidPipeline, "pipeline %q can only be used at the top level", elem.name)
		}
		return nil, errors.Wrapf(ErrUnknownPass, "%q", elem.name)
	}
	pass, err := factory(elem.options)
	if err != nil {
		return nil, errors.WithMessagef(err, "pass %q", elem.name)
	}
	return pass, nil
}

// parseElements parses a comma separated list of elements.
func parseElements(text string) ([]element, error) {
	parts, err := splitTopLevel(text)
	if err != nil {
		return nil, err
	}
	elements := make([]element, 0, len(parts))
	for _, part := range parts {
		elem, err := parseElement(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		elements = append(elements, elem)
	}
	return elements, nil
}

func parseElement(text string) (element, error) {
	if text == "" {
		return element{}, errors.Wrap(ErrInvalidPipeline, "empty pass name")
	}
	if open := strings.IndexByte(text, '('); open >= 0 {
		name := strings.TrimSpace(text[:open])
		if name != FuncScope {
			return element{}, errors.Wrapf(ErrInvalidPipeline, "unknown scope %q, only %s is supported", name, FuncScope)
		}
		if !strings.HasSuffix(text, ")") {
			return element{}, errors.Wrapf(ErrInvalidPipeline, "%q: missing ')'", text)
		}
		nested, err := parseElements(text[open+1 : len(text)-1])
		if err != nil {
			return element{}, err
		}
		if nested == nil {
			nested = []element{}
		}
		return element{name: name, nested: nested}, nil
	}
	elem := element{name: text, options: Options{}}
	if open := strings.IndexByte(text, '{'); open >= 0 {
		if !strings.HasSuffix(text, "}") {
			return element{}, errors.Wrapf(ErrInvalidPipeline, "%q: missing '}'", text)
		}
		elem.name = strings.TrimSpace(text[:open])
		options, err := parseOptions(text[open+1 : len(text)-1])
		if err != nil {
			return element{}, errors.WithMessagef(err, "options of %q", elem.name)
		}
		elem.options = options
	}
	if elem.name == "" || strings.ContainsAny(elem.name, "(){} \t\n") {
		return element{}, errors.Wrapf(ErrInvalidPipeline, "invalid pass name %q", elem.name)
	}
	return elem, nil
}

// parseOptions parses space separated "key=value" pairs.
func parseOptions(text string) (Options, error) {
	options := Options{}
	for _, field := range strings.Fields(text) {
		key, value, found := strings.Cut(field, "=")
		if !found || key == "" {
			return nil, errors.Wrapf(ErrInvalidPipeline, "option %q is not in the form key=value", field)
		}
		if _, duplicate := options[key]; duplicate {
			return nil, errors.Wrapf(ErrInvalidPipeline, "option %q given more than once", key)
		}
		options[key] = value
	}
	return options, nil
}

// splitTopLevel splits text at the commas that are not inside parentheses or braces.
// An empty (or blank) text has no elements.
func splitTopLevel(text string) ([]string, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	var (
		parts []string
		stack []byte
		start int
	)
	for i := 0; i < len(text); i++ {
		switch c := text[i]; c {
		case '(', '{':
			stack = append(stack, c)
		case ')', '}':
			open := byte('(')
			if c == '}' {
				open = '{'
			}
			if len(stack) == 0 || stack[len(stack)-1] != open {
				return nil, errors.Wrapf(ErrInvalidPipeline, "unbalanced %q at position %d of %q", c, i, text)
			}
			stack = stack[:len(stack)-1]
		case ',':
			if len(stack) == 0 {
				parts = append(parts, text[start:i])
				start = i + 1
			}
		}
	}
	if len(stack) > 0 {
		return nil, errors.Wrapf(ErrInvalidPipeline, "unclosed %q in %q", stack[len(stack)-1], text)
	}
	return append(parts, text[start:]), nil
}
