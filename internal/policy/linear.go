// Package policy implements a linear softmax policy over float observations
// and discrete actions. It is small enough to train in-process and covers
// every plug-in point the runtime needs: loading and sampling for inference,
// weight quantization, log-prob re-evaluation and a policy gradient update.
package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/nidhogg/streamrl/internal/inference"
	"github.com/nidhogg/streamrl/internal/shard"
	"github.com/nidhogg/streamrl/internal/version"
)

var ErrShape = errors.New("weight shape mismatch")

// Weights are the serialized parameters. W is [actions][obsDim], B is [actions].
type Weights struct {
	W [][]float64 `json:"w"`
	B []float64   `json:"b"`
}

// Initial returns small symmetric weights for obsDim inputs and n actions.
func Initial(obsDim, n int) Weights {
	w := Weights{W: make([][]float64, n), B: make([]float64, n)}
	for i := range w.W {
		w.W[i] = make([]float64, obsDim)
		sign := 1.0
		if i%2 == 1 {
			sign = -1
		}
		for j := range w.W[i] {
			w.W[i][j] = 0.01 * sign
		}
	}
	return w
}

// Encode serializes w.
func (w Weights) Encode() ([]byte, error) {
	b, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encode weights: %w", err)
	}
	return b, nil
}

// Decode parses and shape-checks serialized weights.
func Decode(data []byte) (Weights, error) {
	var w Weights
	if err := json.Unmarshal(data, &w); err != nil {
		return Weights{}, fmt.Errorf("decode weights: %w", err)
	}
	if len(w.W) == 0 || len(w.W) != len(w.B) {
		return Weights{}, fmt.Errorf("%w: %d rows, %d biases", ErrShape, len(w.W), len(w.B))
	}
	for _, row := range w.W {
		if len(row) != len(w.W[0]) {
			return Weights{}, fmt.Errorf("%w: ragged rows", ErrShape)
		}
	}
	return w, nil
}

func (w Weights) probs(obs []float64) ([]float64, error) {
	if len(obs) != len(w.W[0]) {
		return nil, fmt.Errorf("%w: observation has %d values, want %d", ErrShape, len(obs), len(w.W[0]))
	}
	logits := make([]float64, len(w.W))
	for i := range logits {
		logits[i] = w.B[i]
		for j, x := range obs {
			logits[i] += w.W[i][j] * x
		}
	}
	return softmax(logits), nil
}

func softmax(logits []float64) []float64 {
	maxLogit := logits[0]
	for _, v := range logits[1:] {
		if v > maxLogit {
			maxLogit = v
		}
	}
	out := make([]float64, len(logits))
	var sum float64
	for i, v := range logits {
		out[i] = math.Exp(v - maxLogit)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func sampleCategorical(probs []float64, rng *rand.Rand) int {
	threshold := rng.Float64()
	var cumulative float64
	for i, p := range probs {
		cumulative += p
		if threshold <= cumulative {
			return i
		}
	}
	return len(probs) - 1
}

func logProb(p float64) float64 { return math.Log(p + 1e-8) }

// Linear is the factory side of the policy. A single value serves as
// inference.Policy, learner.Evaluator and inference.Quantizer.
type Linear struct {
	seed int64
}

// NewLinear returns a policy whose loaded models sample with rngs derived
// from seed.
func NewLinear(seed int64) *Linear { return &Linear{seed: seed} }

func (l *Linear) Load(_ context.Context, data []byte, precision version.Precision) (inference.Model, error) {
	if err := precision.Validate(); err != nil {
		return nil, err
	}
	w, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return &model{w: w, rng: rand.New(rand.NewSource(l.seed))}, nil
}

type model struct {
	w   Weights
	rng *rand.Rand
	mu  sync.Mutex
}

func (m *model) Forward(ctx context.Context, obs []shard.Tensor) ([]inference.Sample, error) {
	out := make([]inference.Sample, len(obs))
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, o := range obs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		x, err := o.AsFloat64s()
		if err != nil {
			return nil, fmt.Errorf("observation %d: %w", i, err)
		}
		p, err := m.w.probs(x)
		if err != nil {
			return nil, fmt.Errorf("observation %d: %w", i, err)
		}
		choice := sampleCategorical(p, m.rng)
		out[i] = inference.Sample{Action: shard.Int64s(int64(choice)), LogProb: logProb(p[choice])}
	}
	return out, nil
}

// LogProbs evaluates recorded actions under data.
func (l *Linear) LogProbs(_ context.Context, data []byte, obs, actions []shard.Tensor) ([]float64, error) {
	if len(obs) != len(actions) {
		return nil, fmt.Errorf("%w: %d observations, %d actions", ErrShape, len(obs), len(actions))
	}
	w, err := Decode(data)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(obs))
	for i := range obs {
		p, a, err := w.evaluate(obs[i], actions[i])
		if err != nil {
			return nil, fmt.Errorf("turn %d: %w", i, err)
		}
		out[i] = logProb(p[a])
	}
	return out, nil
}

func (w Weights) evaluate(obs, action shard.Tensor) ([]float64, int, error) {
	x, err := obs.AsFloat64s()
	if err != nil {
		return nil, 0, err
	}
	a, err := action.AsInt64s()
	if err != nil {
		return nil, 0, err
	}
	if len(a) != 1 || a[0] < 0 || int(a[0]) >= len(w.W) {
		return nil, 0, fmt.Errorf("%w: action %v out of range", ErrShape, a)
	}
	p, err := w.probs(x)
	if err != nil {
		return nil, 0, err
	}
	return p, int(a[0]), nil
}
