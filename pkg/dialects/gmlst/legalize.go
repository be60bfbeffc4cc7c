package gmlst

import (
	"context"

	"github.com/gomlx/gmlst/internal/optypes"
	"github.com/gomlx/gmlst/pkg/dialects/linalg"
	"github.com/gomlx/gmlst/pkg/dialects/mhlo"
	"github.com/gomlx/gmlst/pkg/ir"
	"k8s.io/klog/v2"
)

// LegalizeMHLOToGMLPassName is the name of the mhlo to gml_st legalization in textual pipelines.
const LegalizeMHLOToGMLPassName = "legalize-mhlo-to-gml"

// LegalizeMHLOToGMLPass converts the mhlo operations that have a direct gml_st equivalent:
// mhlo.dynamic_broadcast_in_dim and mhlo.concatenate, when their result has a static shape.
// Other operations are left for hlo-legalize-to-linalg. It never fails on unsupported operations, only on
// malformed ones.
type LegalizeMHLOToGMLPass struct{}

// NewLegalizeMHLOToGMLPass returns the mhlo to gml_st legalization pass.
func NewLegalizeMHLOToGMLPass() *LegalizeMHLOToGMLPass {
	return &LegalizeMHLOToGMLPass{}
}

// Name implements passes.FunctionPass.
func (p *LegalizeMHLOToGMLPass) Name() string { return LegalizeMHLOToGMLPassName }

// RunOnFunction implements passes.FunctionPass.
func (p *LegalizeMHLOToGMLPass) RunOnFunction(ctx context.Context, fn *ir.Function) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	count, err := LegalizeMHLOToGML(fn)
	if err != nil {
		return err
	}
	klog.V(1).Infof("%s: legalized %d operations in %s", LegalizeMHLOToGMLPassName, count, fn.DisplayName())
	return nil
}

// LegalizeMHLOToGML rewrites the mhlo operations of fn with a gml_st equivalent, and returns how many
// were rewritten.
func LegalizeMHLOToGML(fn *ir.Function) (int, error) {
	count := 0
	err := fn.Rewrite(func(rw *ir.Rewriter, stmt *ir.Statement) error {
		if stmt.OpType != optypes.DynamicBroadcastInDim && stmt.OpType != optypes.Concatenate {
			return nil
		}
		if err := mhlo.Verify(stmt); err != nil {
			return err
		}
		outputShape := stmt.Output().Shape()
		if outputShape.IsDynamic() {
			klog.V(2).Infof("%s: %s with dynamic shape %s left as is in %s", LegalizeMHLOToGMLPassName,
				stmt.OpName(), outputShape, fn.DisplayName())
			return nil
		}
		body := rw.Function()
		init, err := linalg.InitTensor(body, outputShape)
		if err != nil {
			return err
		}
		var result *ir.Value
		switch stmt.OpType {
		case optypes.DynamicBroadcastInDim:
			dims, ok := stmt.IntsAttr(AttrBroadcastDimensions)
			if !ok {
				return stmt.Errorf("missing %q attribute", AttrBroadcastDimensions)
			}
			result, err = DynamicBroadcastInDim(body, stmt.Inputs[0], init, dims)
		case optypes.Concatenate:
			axis, ok := stmt.IntAttr(AttrDimension)
			if !ok {
				return stmt.Errorf("missing %q attribute", AttrDimension)
			}
			result, err = Concatenate(body, axis, init, stmt.Inputs...)
		}
		if err != nil {
			return err
		}
		klog.V(2).Infof("%s: %s legalized to %s in %s", LegalizeMHLOToGMLPassName,
			stmt.OpName(), result.Statement().OpName(), fn.DisplayName())
		count++
		return rw.Replace(result)
	})
	return count, err
}
