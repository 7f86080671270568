package policy

import (
	"context"
	"fmt"

	"github.com/nidhogg/streamrl/internal/learner"
)

// Reinforce is an importance-weighted REINFORCE step with a mean-reward
// baseline. Each turn contributes Weight * (Reward - baseline) * grad log pi.
type Reinforce struct {
	LearningRate float64
}

func (r Reinforce) Update(ctx context.Context, batch []learner.CorrectedTurn, data []byte) ([]byte, error) {
	w, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if len(batch) == 0 {
		return w.Encode()
	}
	lr := r.LearningRate
	if lr <= 0 {
		lr = 0.01
	}

	var baseline float64
	for _, t := range batch {
		baseline += t.Reward
	}
	baseline /= float64(len(batch))

	gradW := make([][]float64, len(w.W))
	for i := range gradW {
		gradW[i] = make([]float64, len(w.W[i]))
	}
	gradB := make([]float64, len(w.B))

	for n, t := range batch {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, a, err := w.evaluate(t.Observation, t.Action)
		if err != nil {
			return nil, fmt.Errorf("turn %d: %w", n, err)
		}
		x, _ := t.Observation.AsFloat64s()
		adv := t.Weight * (t.Reward - baseline)
		for i := range p {
			g := -p[i]
			if i == a {
				g += 1
			}
			g *= adv
			gradB[i] += g
			for j, xj := range x {
				gradW[i][j] += g * xj
			}
		}
	}

	scale := lr / float64(len(batch))
	for i := range w.W {
		for j := range w.W[i] {
			w.W[i][j] += scale * gradW[i][j]
		}
		w.B[i] += scale * gradB[i]
	}
	return w.Encode()
}
