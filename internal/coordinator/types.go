package coordinator

import (
	"context"
	"time"

	"github.com/nidhogg/streamrl/internal/version"
)

// Role is the kind of a registered component.
type Role string

const (
	RoleInference Role = "inference"
	RoleLearner   Role = "learner"
	RoleActor     Role = "actor"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleInference, RoleLearner, RoleActor:
		return true
	}
	return false
}

// Component is one registered process. ServedVersion is only meaningful for
// inference components and reflects their last swap acknowledgement.
type Component struct {
	ID            string    `json:"id"`
	Role          Role      `json:"role"`
	Endpoint      string    `json:"endpoint"`
	RegisteredAt  time.Time `json:"registered_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Reachable     bool      `json:"reachable"`
	ServedVersion uint64    `json:"served_version"`
}

// Ack is returned by accepted writes. For publishes, SwapTargets lists the
// inference components the new version was advertised to.
type Ack struct {
	Version     uint64   `json:"version,omitempty"`
	SwapTargets []string `json:"swap_targets,omitempty"`
}

// RunInfo is the bootstrap view a starting component asks for.
type RunInfo struct {
	CurrentVersion     *version.ModelVersion `json:"current_version,omitempty"`
	RolloutPrecision   version.Precision     `json:"rollout_precision"`
	InferenceEndpoints []string              `json:"inference_endpoints"`
	LearnerEndpoints   []string              `json:"learner_endpoints"`
}

// Notifier delivers swap advertisements to inference components.
type Notifier interface {
	Notify(ctx context.Context, target Component, mv version.ModelVersion) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, target Component, mv version.ModelVersion) error

func (f NotifierFunc) Notify(ctx context.Context, target Component, mv version.ModelVersion) error {
	return f(ctx, target, mv)
}

// EventKind names a journaled state change.
type EventKind string

const (
	EventRegister EventKind = "register"
	EventPublish  EventKind = "publish"
	EventAck      EventKind = "ack"
)

// Event is one journal record. Only the fields relevant to Kind are set.
type Event struct {
	Seq       uint64                `json:"seq"`
	Kind      EventKind             `json:"kind"`
	Component string                `json:"component,omitempty"`
	Role      Role                  `json:"role,omitempty"`
	Endpoint  string                `json:"endpoint,omitempty"`
	Version   *version.ModelVersion `json:"version,omitempty"`
	Acked     uint64                `json:"acked,omitempty"`
	At        time.Time             `json:"at"`
}

// Snapshot is the full coordinator state as of LastSeq.
type Snapshot struct {
	LastSeq    uint64                 `json:"last_seq"`
	Components []Component            `json:"components"`
	Versions   []version.ModelVersion `json:"versions"`
	Current    uint64                 `json:"current"`
	TakenAt    time.Time              `json:"taken_at"`
}

// Journal persists coordinator events and periodic snapshots. Append assigns
// the next sequence number. LoadSnapshot returns nil when none was saved.
type Journal interface {
	Append(ctx context.Context, ev Event) (uint64, error)
	Events(ctx context.Context, afterSeq uint64) ([]Event, error)
	SaveSnapshot(ctx context.Context, snap Snapshot) error
	LoadSnapshot(ctx context.Context) (*Snapshot, error)
}
