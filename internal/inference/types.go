package inference

import (
	"context"

	"github.com/nidhogg/streamrl/internal/shard"
	"github.com/nidhogg/streamrl/internal/version"
)

// Policy turns raw weights into a servable model.
type Policy interface {
	Load(ctx context.Context, weights []byte, precision version.Precision) (Model, error)
}

// Model runs one forward pass over a batch. Results are index-aligned with obs.
type Model interface {
	Forward(ctx context.Context, obs []shard.Tensor) ([]Sample, error)
}

// Sample is one sampled action with its log-probability under the model.
type Sample struct {
	Action  shard.Tensor `json:"action"`
	LogProb float64      `json:"log_prob"`
}

// Quantizer converts full-precision weights to the rollout precision.
type Quantizer interface {
	Quantize(ctx context.Context, weights []byte, precision version.Precision) ([]byte, error)
}

// VersionSource reports the canonical version. The coordinator client implements it.
type VersionSource interface {
	CurrentVersion(ctx context.Context) (version.ModelVersion, error)
}

// Acker tells the coordinator which version this instance now serves.
type Acker interface {
	AckSwap(ctx context.Context, componentID string, served uint64) error
}

// Request is one infer call. RequestedVersion 0 means "whatever is active".
type Request struct {
	Observations     []shard.Tensor `json:"observations"`
	RequestedVersion uint64         `json:"requested_version,omitempty"`
}

// Response carries one sample per observation and the version that produced
// all of them.
type Response struct {
	Samples       []Sample `json:"samples"`
	ServedVersion uint64   `json:"served_version"`
}

// Client is what an Actor needs from an inference endpoint.
type Client interface {
	Infer(ctx context.Context, req Request) (Response, error)
}
