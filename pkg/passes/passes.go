// Package passes implements a pass manager: an ordered list of transformations over an ir.Module.
//
// Module passes transform the whole module. Function passes are attached to the manager nested in a
// function scope (see PassManager.AddNestedPass): they run over every top-level function of the module,
// and different functions are processed concurrently.
package passes

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/gomlx/gmlst/pkg/ir"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// FuncScope is the scope of nested function passes, as spelled in textual pipelines.
const FuncScope = "func.func"

// Pass is the common part of FunctionPass and ModulePass.
type Pass interface {
	// Name of the pass in textual pipelines, e.g. "gml-tiling".
	Name() string
}

// FunctionPass transforms one top-level function at a time. RunOnFunction may be called concurrently for
// different functions of the same module: it must only change the function it is given.
type FunctionPass interface {
	Pass
	RunOnFunction(ctx context.Context, fn *ir.Function) error
}

// ModulePass transforms a whole module.
type ModulePass interface {
	Pass
	RunOnModule(ctx context.Context, m *ir.Module) error
}

// Configurable is implemented by passes with options: Options returns them in their textual form,
// e.g. "tile-sizes=4,4", or "" if the pass uses its defaults.
type Configurable interface {
	Options() string
}

// Entry is one item of a PassManager pipeline: either a *Nested or a ModulePass.
type Entry interface {
	Name() string
}

// Nested holds function passes that run, in order, over each function of the module.
type Nested struct {
	Scope  string
	Passes []FunctionPass
}

// Name returns the names of the nested passes, separated by commas.
func (n *Nested) Name() string {
	names := make([]string, len(n.Passes))
	for i, pass := range n.Passes {
		names[i] = pass.Name()
	}
	return strings.Join(names, ",")
}

// String returns the nested entry in its textual form, e.g. "func.func(gml-tiling{tile-sizes=4,4})".
func (n *Nested) String() string {
	parts := make([]string, len(n.Passes))
	for i, pass := range n.Passes {
		parts[i] = passText(pass)
	}
	return n.Scope + "(" + strings.Join(parts, ",") + ")"
}

// passText returns the pass name followed by its options, if any.
func passText(pass Pass) string {
	if configurable, ok := pass.(Configurable); ok {
		if options := configurable.Options(); options != "" {
			return pass.Name() + "{" + options + "}"
		}
	}
	return pass.Name()
}

func entryText(entry Entry) string {
	if nested, ok := entry.(*Nested); ok {
		return nested.String()
	}
	return passText(entry)
}

// PassManager holds an ordered list of entries, and runs them over modules.
//
// Configure it with the Enable* and Set* methods before calling Run.
type PassManager struct {
	entries     []Entry
	verify      bool
	irOutput    io.Writer
	timing      bool
	parallelism int

	mu      sync.Mutex
	elapsed []time.Duration
}

// New returns an empty pass manager, with verification after each entry enabled.
func New() *PassManager {
	return &PassManager{verify: true}
}

// EnableVerifier sets whether ir.Verify runs on the module after each entry. It is enabled by default.
func (pm *PassManager) EnableVerifier(enabled bool) *PassManager {
	pm.verify = enabled
	return pm
}

// EnableIRPrinting makes Run print the module to w after each entry. Pass nil to disable it.
func (pm *PassManager) EnableIRPrinting(w io.Writer) *PassManager {
	pm.irOutput = w
	return pm
}

// EnableTiming makes Run log the duration of each entry, with klog at level 1.
func (pm *PassManager) EnableTiming(enabled bool) *PassManager {
	pm.timing = enabled
	return pm
}

// SetParallelism sets the maximum number of functions processed concurrently by nested
// entries. A value <= 0 means runtime.GOMAXPROCS(0), the default.
func (pm *PassManager) SetParallelism(n int) *PassManager {
	pm.parallelism = n
	return pm
}

// AddPass appends a module pass.
func (pm *PassManager) AddPass(pass ModulePass) {
	pm.entries = append(pm.entries, pass)
}

// AddNestedPass appends a function pass, nested in the function scope. Each call appends a new entry,
// even if the previous entry is also nested.
func (pm *PassManager) AddNestedPass(pass FunctionPass) {
	pm.entries = append(pm.entries, &Nested{Scope: FuncScope, Passes: []FunctionPass{pass}})
}

// addNested appends one nested entry holding all the given passes.
func (pm *PassManager) addNested(passes []FunctionPass) {
	pm.entries = append(pm.entries, &Nested{Scope: FuncScope, Passes: passes})
}

// Entries returns a copy of the list of entries, in order.
func (pm *PassManager) Entries() []Entry {
	return append([]Entry(nil), pm.entries...)
}

// Len returns the number of entries.
func (pm *PassManager) Len() int {
	return len(pm.entries)
}

// String returns the pipeline in its textual form, as accepted by Registry.Parse.
func (pm *PassManager) String() string {
	parts := make([]string, len(pm.entries))
	for i, entry := range pm.entries {
		parts[i] = entryText(entry)
	}
	return strings.Join(parts, ",")
}

// Elapsed returns the duration of each entry in the last call to Run. Entries not reached are 0.
func (pm *PassManager) Elapsed() []time.Duration {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return append([]time.Duration(nil), pm.elapsed...)
}

func (pm *PassManager) limit() int {
	if pm.parallelism <= 0 {
		return runtime.GOMAXPROCS(0)
	}
	return pm.parallelism
}

// Run runs the entries in order over m. It stops at the first error, or when ctx is cancelled.
//
// Errors returned by passes are kept as the cause of the returned error, so errors.As can recover an
// *ir.Diagnostic from it.
func (pm *PassManager) Run(ctx context.Context, m *ir.Module) error {
	elapsed := make([]time.Duration, len(pm.entries))
	defer func() {
		pm.mu.Lock()
		pm.elapsed = elapsed
		pm.mu.Unlock()
	}()
	for i, entry := range pm.entries {
		if err := ctx.Err(); err != nil {
			return errors.WithStack(err)
		}
		start := time.Now()
		var err error
		switch e := entry.(type) {
		case *Nested:
			err = pm.runNested(ctx, e, m)
		case ModulePass:
			if err = e.RunOnModule(ctx, m); err != nil {
				err = errors.WithMessagef(err, "pass %q failed on module @%s", e.Name(), m.Name)
			}
		default:
			err = errors.Errorf("unknown pass manager entry %T", entry)
		}
		elapsed[i] = time.Since(start)
		if err != nil {
			return err
		}
		if pm.timing {
			klog.V(1).Infof("pass %s: %s", entry.Name(), elapsed[i])
		}
		if pm.verify {
			if err := ir.Verify(m); err != nil {
				return errors.WithMessagef(err, "verification failed after pass %q", entry.Name())
			}
		}
		if pm.irOutput != nil {
			if _, err := fmt.Fprintf(pm.irOutput, "// -----// IR Dump After %s //----- //\n", entry.Name()); err != nil {
				return errors.Wrap(err, "failed to print IR")
			}
			if err := m.Write(pm.irOutput); err != nil {
				return err
			}
		}
	}
	return nil
}

// runNested runs the passes of nested over each function of m, concurrently.
func (pm *PassManager) runNested(ctx context.Context, nested *Nested, m *ir.Module) error {
	errGrp, gCtx := errgroup.WithContext(ctx)
	errGrp.SetLimit(pm.limit())
	for _, fn := range m.Functions {
		errGrp.Go(func() error {
			for _, pass := range nested.Passes {
				if err := gCtx.Err(); err != nil {
					return errors.WithStack(err)
				}
				if err := pass.RunOnFunction(gCtx, fn); err != nil {
					return errors.WithMessagef(err, "pass %q failed on function @%s", pass.Name(), fn.Name)
				}
			}
			return nil
		})
	}
	return errGrp.Wait()
}

// VerifierPassName is the name of VerifierPass in textual pipelines.
const VerifierPassName = "verify"

// VerifierPass is a module pass that checks the module with ir.Verify.
type VerifierPass struct{}

// Name implements ModulePass.
func (VerifierPass) Name() string { return VerifierPassName }

// RunOnModule implements ModulePass.
func (VerifierPass) RunOnModule(ctx context.Context, m *ir.Module) error {
	if err := ctx.Err(); err != nil {
		return errors.WithStack(err)
	}
	return ir.Verify(m)
}
