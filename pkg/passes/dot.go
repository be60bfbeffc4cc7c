package passes

import (
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/dominikbraun/graph"
	"github.com/dominikbraun/graph/draw"
	"github.com/pkg/errors"
	"gopkg.in/go-playground/colors.v1"
)

const maxRGB = 255

// WriteDOT writes the pipeline to w as a Graphviz DOT directed graph: one vertex per pass, linked in
// execution order, with the passes of nested entries grouped under their scope.
//
// After a Run, vertices are filled with a colour going from blue (fastest entry) to red (slowest).
func (pm *PassManager) WriteDOT(w io.Writer) error {
	g := graph.New(graph.StringHash, graph.Directed())
	colours, err := pm.timingColours()
	if err != nil {
		return err
	}
	const input = "input"
	if err := g.AddVertex(input, graph.VertexAttribute("shape", "oval")); err != nil {
		return errors.Wrap(err, "failed to draw pipeline")
	}
	previous := input
	for i, entry := range pm.entries {
		var passes []Pass
		scope := ""
		if nested, ok := entry.(*Nested); ok {
			scope = nested.Scope
			for _, pass := range nested.Passes {
				passes = append(passes, pass)
			}
		} else {
			passes = []Pass{entry}
		}
		for j, pass := range passes {
			id := fmt.Sprintf("%d.%d %s", i, j, pass.Name())
			attributes := map[string]string{
				"shape": "box",
				"label": passText(pass),
			}
			if scope != "" {
				attributes["xlabel"] = scope
			}
			if colour, found := colours[i]; found {
				attributes["style"] = "filled"
				attributes["fillcolor"] = colour
			}
			if err := g.AddVertex(id, graph.VertexAttributes(attributes)); err != nil {
				return errors.Wrap(err, "failed to draw pipeline")
			}
			if err := g.AddEdge(previous, id); err != nil {
				return errors.Wrap(err, "failed to draw pipeline")
			}
			previous = id
		}
	}
	if err := draw.DOT(g, w, draw.GraphAttribute("rankdir", "LR")); err != nil {
		return errors.Wrap(err, "failed to write DOT graph")
	}
	return nil
}

// timingColours maps the index of each entry measured in the last Run to a hex colour.
func (pm *PassManager) timingColours() (map[int]string, error) {
	elapsed := pm.Elapsed()
	var measured []time.Duration
	for _, d := range elapsed {
		if d > 0 {
			measured = append(measured, d)
		}
	}
	if len(measured) == 0 {
		return nil, nil
	}
	minValue, maxValue := slices.Min(measured), slices.Max(measured)
	colours := make(map[int]string, len(measured))
	for i, d := range elapsed {
		if d <= 0 {
			continue
		}
		fraction := 1.0
		if maxValue > minValue {
			fraction = float64(d-minValue) / float64(maxValue-minValue)
		}
		colour, err := colors.RGB(uint8(maxRGB*fraction), 0, uint8(maxRGB*(1-fraction)))
		if err != nil {
			return nil, errors.Wrap(err, "unable to get colour")
		}
		colours[i] = colour.ToHEX().String()
	}
	return colours, nil
}
