package learner

import (
	"context"

	"github.com/nidhogg/streamrl/internal/shard"
	"github.com/nidhogg/streamrl/internal/version"
)

// Algorithm computes new weights from a corrected batch.
type Algorithm interface {
	Update(ctx context.Context, batch []CorrectedTurn, weights []byte) ([]byte, error)
}

// Evaluator recomputes log-probabilities of recorded actions under weights.
// Results are index-aligned with the inputs.
type Evaluator interface {
	LogProbs(ctx context.Context, weights []byte, obs, actions []shard.Tensor) ([]float64, error)
}

// Publisher is the coordinator as seen by a Learner.
type Publisher interface {
	PublishVersion(ctx context.Context, mv version.ModelVersion) error
	CurrentVersion(ctx context.Context) (version.ModelVersion, error)
}

// Consumption summarises how much data one behaviour version contributed to an update.
type Consumption struct {
	Turns      int     `json:"turns"`
	MeanWeight float64 `json:"mean_weight"`
}

// LineageRecorder stores provenance of published versions.
type LineageRecorder interface {
	RecordUpdate(ctx context.Context, mv version.ModelVersion, parent uint64, consumed map[uint64]Consumption) error
}

// CorrectedTurn is a turn with its importance weight against the training version.
type CorrectedTurn struct {
	shard.Turn
	ActorID       string  `json:"actor_id"`
	EnvironmentID string  `json:"environment_id"`
	Ratio         float64 `json:"ratio"`
	Weight        float64 `json:"weight"`
	Staleness     uint64  `json:"staleness"`
}
