package shard

import (
	"encoding/binary"
	"fmt"
	"math"
)

// DType names the element type of a Tensor payload.
type DType string

const (
	Float32 DType = "float32"
	Float64 DType = "float64"
	Int64   DType = "int64"
	Bytes   DType = "bytes"
)

// Tensor is an opaque byte-addressable payload with a declared shape and dtype.
// Observations and actions both travel as tensors; their meaning belongs to the
// environment and policy collaborators.
type Tensor struct {
	Shape []int  `json:"shape"`
	DType DType  `json:"dtype"`
	Data  []byte `json:"data"`
}

// Float64s encodes values as a rank-1 float64 tensor.
func Float64s(values ...float64) Tensor {
	data := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(data[i*8:], math.Float64bits(v))
	}
	return Tensor{Shape: []int{len(values)}, DType: Float64, Data: data}
}

// Int64s encodes values as a rank-1 int64 tensor.
func Int64s(values ...int64) Tensor {
	data := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(data[i*8:], uint64(v))
	}
	return Tensor{Shape: []int{len(values)}, DType: Int64, Data: data}
}

// AsFloat64s decodes a float64 tensor.
func (t Tensor) AsFloat64s() ([]float64, error) {
	if t.DType != Float64 || len(t.Data)%8 != 0 {
		return nil, fmt.Errorf("tensor is %s with %d bytes, not float64", t.DType, len(t.Data))
	}
	out := make([]float64, len(t.Data)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(t.Data[i*8:]))
	}
	return out, nil
}

// AsInt64s decodes an int64 tensor.
func (t Tensor) AsInt64s() ([]int64, error) {
	if t.DType != Int64 || len(t.Data)%8 != 0 {
		return nil, fmt.Errorf("tensor is %s with %d bytes, not int64", t.DType, len(t.Data))
	}
	out := make([]int64, len(t.Data)/8)
	for i := range out {
		out[i] = int64(binary.LittleEndian.Uint64(t.Data[i*8:]))
	}
	return out, nil
}

// Elements returns the product of the shape dimensions.
func (t Tensor) Elements() int {
	if len(t.Shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Turn is one observe -> act -> reward transition. PolicyVersion is captured at
// sampling time and never recomputed.
type Turn struct {
	Observation   Tensor  `json:"observation"`
	Action        Tensor  `json:"action"`
	ActionLogProb float64 `json:"action_log_prob"`
	Reward        float64 `json:"reward"`
	Done          bool    `json:"done"`
	PolicyVersion uint64  `json:"policy_version"`
}

// TrajectoryShard is a bounded, ordered slice of one environment's rollout.
type TrajectoryShard struct {
	ActorID       string `json:"actor_id"`
	EnvironmentID string `json:"environment_id"`
	Sequence      uint64 `json:"shard_sequence"`
	Turns         []Turn `json:"turns"`
	IsTerminal    bool   `json:"is_terminal"`
}

// Key identifies the ordering domain of a shard.
func (s *TrajectoryShard) Key() StreamKey {
	return StreamKey{ActorID: s.ActorID, EnvironmentID: s.EnvironmentID}
}

// Validate checks structural invariants a Learner relies on.
func (s *TrajectoryShard) Validate() error {
	if s.ActorID == "" || s.EnvironmentID == "" {
		return fmt.Errorf("shard missing actor or environment id")
	}
	if len(s.Turns) == 0 && !s.IsTerminal {
		return fmt.Errorf("shard %s/%s#%d has no turns", s.ActorID, s.EnvironmentID, s.Sequence)
	}
	return nil
}

// StreamKey is the per-environment ordering domain. Sequences are monotonic
// within a key and unordered across keys.
type StreamKey struct {
	ActorID       string `json:"actor_id"`
	EnvironmentID string `json:"environment_id"`
}

func (k StreamKey) String() string { return k.ActorID + "/" + k.EnvironmentID }
