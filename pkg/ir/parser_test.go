package ir

import (
	"strings"
	"testing"

	"github.com/gomlx/gmlst/internal/optypes"
	"github.com/gomlx/gmlst/pkg/types/dtypes"
	"github.com/gomlx/gmlst/pkg/types/shapes"
)

const roundTripProgram = `module @round_trip {
  func.func @main(%arg0: tensor<4x8xf32>, %arg1: tensor<8xf32>) -> tensor<4x8xf32> {
    %0 = "linalg.init_tensor"() { static_sizes = array<i64: 4, 8> } : () -> tensor<4x8xf32>
    %1 = "linalg.generic"(%arg0, %arg1, %0) ({
    ^bb0(%arg2: f32, %arg3: f32, %arg4: f32):
      %2 = "arith.addf"(%arg2, %arg3) : (f32, f32) -> f32
      "linalg.yield"(%2) : (f32) -> ()
    }) { indexing_maps = [affine_map<(d0, d1) -> (d0, d1)>, affine_map<(d0, d1) -> (d1)>, affine_map<(d0, d1) -> (d0, d1)>], iterator_types = ["parallel", "parallel"], operand_segment_sizes = array<i64: 2, 1> } : (tensor<4x8xf32>, tensor<8xf32>, tensor<4x8xf32>) -> tensor<4x8xf32>
    %3 = "mhlo.constant"() { value = dense<[1.0, 2.5]> : tensor<2xf32> } : () -> tensor<2xf32>
    %4 = "mhlo.sort"(%3) { dimension = 0 : i64, is_stable = true } : (tensor<2xf32>) -> tensor<2xf32>
    "func.return"(%1) : (tensor<4x8xf32>) -> ()
  }
}
`

func TestParseRoundTrip(t *testing.T) {
	m, err := Parse(roundTripProgram)
	if err != nil {
		t.Fatalf("Parse: %+v", err)
	}
	if err := Verify(m); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got := m.String(); got != roundTripProgram {
		t.Fatalf("round trip mismatch.\nWant:\n%s\nGot:\n%s", roundTripProgram, got)
	}

	fn := m.Function("main")
	if fn == nil || len(fn.Statements) != 4 {
		t.Fatalf("unexpected parsed function:\n%s", m)
	}
	generic := fn.Statements[1]
	if generic.OpType != optypes.LinalgGeneric || len(generic.Regions) != 1 {
		t.Fatalf("expected linalg.generic with one region, got %s", generic.OpName())
	}
	if got := generic.Regions[0].Terminator; got != optypes.LinalgYield {
		t.Errorf("region terminator = %s, want linalg.yield", got)
	}
	maps, ok := generic.MapsAttr("indexing_maps")
	if !ok || len(maps) != 3 || !maps[1].Equal(NewAffineMap(2, 1)) {
		t.Errorf("unexpected indexing maps %v", maps)
	}
	sizes, ok := fn.Statements[0].IntsAttr("static_sizes")
	if !ok || len(sizes) != 2 || sizes[0] != 4 || sizes[1] != 8 {
		t.Errorf("unexpected static_sizes %v", sizes)
	}
	sort := fn.Statements[3]
	if sort.OpType != optypes.Unknown || sort.OpName() != "mhlo.sort" {
		t.Errorf("unknown op should keep its name, got %q", sort.OpName())
	}
	if dim, ok := sort.IntAttr("dimension"); !ok || dim != 0 {
		t.Errorf("unexpected dimension attribute %v", sort.Attributes["dimension"])
	}
	dense, ok := fn.Statements[2].DenseAttr("value")
	if !ok || len(dense.Values) != 2 || dense.Values[1] != 2.5 {
		t.Errorf("unexpected dense literal %v", dense)
	}
}

func TestParseWithoutModule(t *testing.T) {
	m, err := Parse(`
// A function without the module wrapper.
func.func @f(%x: tensor<f32>) -> tensor<f32> {
  %0 = "mhlo.negate"(%x) : (tensor<f32>) -> tensor<f32>
  "func.return"(%0) : (tensor<f32>) -> ()
}`)
	if err != nil {
		t.Fatalf("Parse: %+v", err)
	}
	fn := m.Function("f")
	if fn == nil {
		t.Fatalf("function @f not found")
	}
	if got := fn.Inputs[0].Name(); got != "x" {
		t.Errorf("input name = %q, want \"x\"", got)
	}
	if !fn.Outputs[0].Shape().Equal(shapes.Make(dtypes.F32)) {
		t.Errorf("unexpected output shape %s", fn.Outputs[0].Shape())
	}
	if !strings.Contains(m.String(), `func.func @f(%x: tensor<f32>) -> tensor<f32>`) {
		t.Errorf("input name hint not used when printing:\n%s", m)
	}
}

func TestParseErrors(t *testing.T) {
	cases := map[string]struct {
		text string
		want string
	}{
		"undefined value": {
			text: `func.func @f() {
  %0 = "mhlo.negate"(%1) : (tensor<f32>) -> tensor<f32>
  "func.return"() : () -> ()
}`,
			want: "undefined value %1",
		},
		"missing terminator": {
			text: `func.func @f(%a: tensor<f32>) {
}`,
			want: "missing terminator",
		},
		"type mismatch": {
			text: `func.func @f(%a: tensor<f32>) {
  %0 = "mhlo.negate"(%a) : (tensor<2xf32>) -> tensor<2xf32>
  "func.return"() : () -> ()
}`,
			want: "don't match",
		},
		"wrong results": {
			text: `func.func @f(%a: tensor<f32>) -> tensor<2xf32> {
  "func.return"(%a) : (tensor<f32>) -> ()
}`,
			want: "declared results",
		},
		"bad type": {
			text: `func.func @f(%a: tensor<4xq32>) {
  "func.return"() : () -> ()
}`,
			want: "unknown element type",
		},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(c.text)
			if err == nil {
				t.Fatalf("expected error containing %q", c.want)
			}
			if !strings.Contains(err.Error(), c.want) {
				t.Fatalf("error %q does not contain %q", err, c.want)
			}
			if !strings.Contains(err.Error(), "parse error at line") {
				t.Errorf("error %q has no position", err)
			}
		})
	}
}
