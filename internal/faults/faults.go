package faults

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInferenceUnavailable is returned when no inference buffer can serve a request.
	ErrInferenceUnavailable = errors.New("inference unavailable")
	// ErrVersionNotServed is returned in strict mode when the requested version is not active.
	ErrVersionNotServed = errors.New("requested version not served")
	// ErrStaleVersion is the parent of every publish rejection.
	ErrStaleVersion = errors.New("stale version rejected")
	// ErrDuplicateVersion means the proposed version equals the canonical one.
	ErrDuplicateVersion = errors.New("duplicate")
	// ErrOutOfOrderVersion means the proposed version is below the canonical one.
	ErrOutOfOrderVersion = errors.New("out_of_order")
	// ErrSwapPreempted marks a weight preparation cancelled by a newer target.
	ErrSwapPreempted = errors.New("swap preempted")
	// ErrQueueFull is the backpressure signal of a bounded ingestion queue.
	ErrQueueFull = errors.New("queue is full")
	// ErrUnknownComponent is returned for heartbeats or acks from unregistered ids.
	ErrUnknownComponent = errors.New("unknown component")
	// ErrNoVersion is returned when nothing has been published yet.
	ErrNoVersion = errors.New("no version published")
	// ErrCheckpointExists guards write-once checkpoints.
	ErrCheckpointExists = errors.New("checkpoint already written")
	// ErrCheckpointCorrupt is returned when stored bytes fail their checksum.
	ErrCheckpointCorrupt = errors.New("checkpoint corrupt")
)

// EnvironmentFault is an unrecoverable error raised by one environment collaborator.
// It never affects sibling environments.
type EnvironmentFault struct {
	ActorID       string
	EnvironmentID string
	Op            string // "reset" or "step"
	Err           error
}

func (e *EnvironmentFault) Error() string {
	return fmt.Sprintf("environment %s/%s %s: %v", e.ActorID, e.EnvironmentID, e.Op, e.Err)
}

func (e *EnvironmentFault) Unwrap() error { return e.Err }

// ShardOrderingGap reports that shard sequences between Expected and Received-1
// never arrived for an environment. It is a data-loss event.
type ShardOrderingGap struct {
	ActorID       string
	EnvironmentID string
	Expected      uint64
	Received      uint64
}

func (g *ShardOrderingGap) Error() string {
	return fmt.Sprintf("shard gap for %s/%s: expected seq %d, received %d (%d lost)",
		g.ActorID, g.EnvironmentID, g.Expected, g.Received, g.Missing())
}

// Missing returns how many shard sequences were skipped.
func (g *ShardOrderingGap) Missing() uint64 {
	if g.Received <= g.Expected {
		return 0
	}
	return g.Received - g.Expected
}

// StaleVersionRejected is the Coordinator's refusal of a publish.
type StaleVersionRejected struct {
	Reason   error // ErrDuplicateVersion or ErrOutOfOrderVersion
	Proposed uint64
	Current  uint64
}

func (r *StaleVersionRejected) Error() string {
	return fmt.Sprintf("publish version %d rejected (%v): current is %d", r.Proposed, r.Reason, r.Current)
}

func (r *StaleVersionRejected) Unwrap() []error {
	return []error{ErrStaleVersion, r.Reason}
}

// RejectReason returns the short reason string ("duplicate" or "out_of_order").
func (r *StaleVersionRejected) RejectReason() string {
	if r.Reason == nil {
		return ""
	}
	return r.Reason.Error()
}

// Kind classifies reportable events.
type Kind string

const (
	KindEnvironmentFault Kind = "environment_fault"
	KindOrderingGap      Kind = "shard_ordering_gap"
	KindHealthDegraded   Kind = "health_degraded"
	KindHealthRestored   Kind = "health_restored"
	KindVersionPublished Kind = "version_published"
	KindUnattributable   Kind = "unattributable_turns"
	KindDataLoss         Kind = "data_loss"
)

// Event is a reportable occurrence surfaced to operators.
type Event struct {
	Kind      Kind              `json:"kind"`
	Component string            `json:"component"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
	At        time.Time         `json:"at"`
}

// Reporter receives events. Implementations must not block the caller for long.
type Reporter interface {
	Report(ev Event)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ev Event)

func (f ReporterFunc) Report(ev Event) { f(ev) }

// Discard drops every event.
var Discard Reporter = ReporterFunc(func(Event) {})

// FromError builds an event for the typed faults of this package.
func FromError(component string, err error) Event {
	ev := Event{Component: component, Message: err.Error(), At: time.Now(), Fields: map[string]string{}}
	var ef *EnvironmentFault
	var gap *ShardOrderingGap
	switch {
	case errors.As(err, &ef):
		ev.Kind = KindEnvironmentFault
		ev.Fields["actor"] = ef.ActorID
		ev.Fields["environment"] = ef.EnvironmentID
		ev.Fields["op"] = ef.Op
	case errors.As(err, &gap):
		ev.Kind = KindOrderingGap
		ev.Fields["actor"] = gap.ActorID
		ev.Fields["environment"] = gap.EnvironmentID
		ev.Fields["expected"] = fmt.Sprint(gap.Expected)
		ev.Fields["received"] = fmt.Sprint(gap.Received)
	default:
		ev.Kind = KindHealthDegraded
	}
	return ev
}
