package shapes

import (
	"strconv"
	"strings"

	"github.com/gomlx/gmlst/pkg/types/dtypes"
	"github.com/pkg/errors"
)

// Parse parses the MLIR spelling of a type: either a ranked tensor type ("tensor<4x?xf32>",
// "tensor<i1>") or a bare element type ("f32", "index").
func Parse(text string) (Shape, error) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "tensor<") {
		dtype, err := dtypes.FromMLIR(text)
		if err != nil {
			return Shape{}, err
		}
		return Scalar(dtype), nil
	}
	if !strings.HasSuffix(text, ">") {
		return Shape{}, errors.Errorf("malformed tensor type %q: missing closing '>'", text)
	}
	body := text[len("tensor<") : len(text)-1]
	parts := strings.Split(body, "x")
	// Element types never contain an "x", so the last part is the dtype.
	dtype, err := dtypes.FromMLIR(parts[len(parts)-1])
	if err != nil {
		return Shape{}, errors.WithMessagef(err, "in tensor type %q", text)
	}
	dims := make([]int, 0, len(parts)-1)
	for _, part := range parts[:len(parts)-1] {
		if part == "?" {
			dims = append(dims, DimUnknown)
			continue
		}
		dim, err := strconv.Atoi(part)
		if err != nil || dim < 0 {
			return Shape{}, errors.Errorf("invalid dimension %q in tensor type %q", part, text)
		}
		dims = append(dims, dim)
	}
	return Shape{DType: dtype, Dimensions: dims}, nil
}
