package policy

import (
	"context"
	"fmt"
	"math"

	"github.com/nidhogg/streamrl/internal/version"
)

// Quantize rounds every parameter onto a symmetric grid of 2^(bits-1)-1
// steps per sign, scaled by the largest magnitude. The result is still
// float-encoded so the same Load path serves both precisions.
func (l *Linear) Quantize(_ context.Context, data []byte, precision version.Precision) ([]byte, error) {
	if !precision.IsQuantized() {
		return data, nil
	}
	if precision.Bits < 2 || precision.Bits > 32 {
		return nil, fmt.Errorf("quantize: unsupported bit width %d", precision.Bits)
	}
	w, err := Decode(data)
	if err != nil {
		return nil, err
	}
	var maxAbs float64
	for i := range w.W {
		for _, v := range w.W[i] {
			maxAbs = math.Max(maxAbs, math.Abs(v))
		}
		maxAbs = math.Max(maxAbs, math.Abs(w.B[i]))
	}
	if maxAbs == 0 {
		return w.Encode()
	}
	levels := math.Exp2(float64(precision.Bits-1)) - 1
	step := maxAbs / levels
	round := func(v float64) float64 { return math.Round(v/step) * step }
	for i := range w.W {
		for j := range w.W[i] {
			w.W[i][j] = round(w.W[i][j])
		}
		w.B[i] = round(w.B[i])
	}
	return w.Encode()
}
