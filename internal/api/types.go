package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/nidhogg/streamrl/internal/coordinator"
	"github.com/nidhogg/streamrl/internal/faults"
	"github.com/nidhogg/streamrl/internal/shard"
)

// RegisterRequest is the body of POST /api/coordinator/register.
type RegisterRequest struct {
	ID       string           `json:"id"`
	Role     coordinator.Role `json:"role"`
	Endpoint string           `json:"endpoint"`
}

// HeartbeatRequest is the body of POST /api/coordinator/heartbeat.
type HeartbeatRequest struct {
	ID string `json:"id"`
}

// AckRequest is the body of POST /api/coordinator/ack.
type AckRequest struct {
	ID      string `json:"id"`
	Version uint64 `json:"version"`
}

// ShardAck answers an accepted shard with the remaining queue credits.
type ShardAck struct {
	Key      shard.StreamKey `json:"key"`
	Sequence uint64          `json:"shard_sequence"`
	Credits  int             `json:"credits"`
}

// Error codes carried in ErrorBody.Code.
const (
	CodeBadRequest       = "bad_request"
	CodeUnavailable      = "unavailable"
	CodeQueueFull        = "queue_full"
	CodeStaleVersion     = "stale_version"
	CodeVersionNotServed = "version_not_served"
	CodeUnknownComponent = "unknown_component"
	CodeNoVersion        = "no_version"
	CodeNotFound         = "not_found"
	CodeInternal         = "internal"
)

// ErrorBody is every non-2xx response. Reason, Proposed and Current are set
// for publish rejections.
type ErrorBody struct {
	Error    string `json:"error"`
	Code     string `json:"code"`
	Reason   string `json:"reason,omitempty"`
	Proposed uint64 `json:"proposed,omitempty"`
	Current  uint64 `json:"current,omitempty"`
}

// errorBody maps err onto a status and body.
func errorBody(err error) (int, ErrorBody) {
	body := ErrorBody{Error: err.Error()}
	var rej *faults.StaleVersionRejected
	switch {
	case errors.As(err, &rej):
		body.Code = CodeStaleVersion
		body.Reason = rej.RejectReason()
		body.Proposed = rej.Proposed
		body.Current = rej.Current
		return http.StatusConflict, body
	case errors.Is(err, faults.ErrQueueFull):
		body.Code = CodeQueueFull
		return http.StatusTooManyRequests, body
	case errors.Is(err, faults.ErrInferenceUnavailable), errors.Is(err, shard.ErrStreamClosed):
		body.Code = CodeUnavailable
		return http.StatusServiceUnavailable, body
	case errors.Is(err, faults.ErrVersionNotServed):
		body.Code = CodeVersionNotServed
		return http.StatusConflict, body
	case errors.Is(err, faults.ErrUnknownComponent):
		body.Code = CodeUnknownComponent
		return http.StatusNotFound, body
	case errors.Is(err, faults.ErrNoVersion):
		body.Code = CodeNoVersion
		return http.StatusNotFound, body
	}
	body.Code = CodeInternal
	return http.StatusInternalServerError, body
}

// Err turns a decoded error body back into the error the server saw, so
// callers can use errors.Is across the wire.
func (b ErrorBody) Err() error {
	var sentinel error
	switch b.Code {
	case CodeStaleVersion:
		reason := faults.ErrOutOfOrderVersion
		if b.Reason == faults.ErrDuplicateVersion.Error() {
			reason = faults.ErrDuplicateVersion
		}
		return &faults.StaleVersionRejected{Reason: reason, Proposed: b.Proposed, Current: b.Current}
	case CodeQueueFull:
		sentinel = faults.ErrQueueFull
	case CodeUnavailable:
		sentinel = faults.ErrInferenceUnavailable
	case CodeVersionNotServed:
		sentinel = faults.ErrVersionNotServed
	case CodeUnknownComponent:
		sentinel = faults.ErrUnknownComponent
	case CodeNoVersion:
		sentinel = faults.ErrNoVersion
	default:
		return fmt.Errorf("%s: %s", b.Code, b.Error)
	}
	return fmt.Errorf("%w: %s", sentinel, b.Error)
}
