// Package pipeline builds the gml_st lowering pipeline: from mhlo operations on tensors down to tiled
// gml_st.parallel loops over linalg operations.
package pipeline

import (
	"github.com/gomlx/gmlst/pkg/dialects/gmlst"
	"github.com/gomlx/gmlst/pkg/dialects/linalg"
	"github.com/gomlx/gmlst/pkg/dialects/mhlo"
	"github.com/gomlx/gmlst/pkg/passes"
	"github.com/pkg/errors"
)

// GmlStPipelineName is the name of the pipeline in textual pipelines.
const GmlStPipelineName = "gml-st-pipeline"

// TileSizesOption is the option holding the tile sizes, as comma separated integers.
const TileSizesOption = "tile-sizes"

// Options configures BuildGmlStPipeline.
type Options struct {
	// TileSizes used by the tiling pass, one per loop of the tiled operations.
	TileSizes []int
}

// BuildGmlStPipeline appends to pm, each nested in the function scope:
//
//  1. legalize-mhlo-to-gml: mhlo operations with a direct gml_st form.
//  2. hlo-legalize-to-linalg: the remaining mhlo operations.
//  3. linalg-fuse-elementwise-ops.
//  4. gml-tiling, with options.TileSizes.
//
// The gml_st legalization goes first so its rules take precedence over the generic lowering to linalg.
// The tile sizes are not validated here: invalid ones make the tiling pass fail when pm runs.
func BuildGmlStPipeline(pm *passes.PassManager, options *Options) {
	pm.AddNestedPass(gmlst.NewLegalizeMHLOToGMLPass())
	pm.AddNestedPass(mhlo.NewLegalizeToLinalgPass())
	pm.AddNestedPass(linalg.NewElementwiseFusionPass())
	pm.AddNestedPass(gmlst.NewTilingPass(options.TileSizes))
}

// Register registers in reg the pipeline, as "gml-st-pipeline{tile-sizes=...}", and each of its passes.
func Register(reg *passes.Registry) error {
	noOptions := func(create func() passes.Pass) passes.PassFactory {
		return func(options passes.Options) (passes.Pass, error) {
			if err := options.Check(); err != nil {
				return nil, err
			}
			return create(), nil
		}
	}
	for name, factory := range map[string]passes.PassFactory{
		gmlst.LegalizeMHLOToGMLPassName: noOptions(func() passes.Pass { return gmlst.NewLegalizeMHLOToGMLPass() }),
		mhlo.LegalizeToLinalgPassName:   noOptions(func() passes.Pass { return mhlo.NewLegalizeToLinalgPass() }),
		linalg.FusionPassName:           noOptions(func() passes.Pass { return linalg.NewElementwiseFusionPass() }),
		gmlst.TilingPassName: func(options passes.Options) (passes.Pass, error) {
			tileSizes, err := tileSizesOption(options)
			if err != nil {
				return nil, err
			}
			return gmlst.NewTilingPass(tileSizes), nil
		},
	} {
		if err := reg.RegisterPass(name, factory); err != nil {
			return errors.WithMessage(err, "failed to register the gml_st pipeline")
		}
	}
	err := reg.RegisterPipeline(GmlStPipelineName, func(pm *passes.PassManager, options passes.Options) error {
		tileSizes, err := tileSizesOption(options)
		if err != nil {
			return err
		}
		BuildGmlStPipeline(pm, &Options{TileSizes: tileSizes})
		return nil
	})
	return errors.WithMessage(err, "failed to register the gml_st pipeline")
}

func tileSizesOption(options passes.Options) ([]int, error) {
	if err := options.Check(TileSizesOption); err != nil {
		return nil, err
	}
	return options.Ints(TileSizesOption)
}
