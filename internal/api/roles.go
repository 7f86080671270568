package api

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/nidhogg/streamrl/internal/inference"
	"github.com/nidhogg/streamrl/internal/shard"
	"github.com/nidhogg/streamrl/internal/version"
)

func (h *Handler) infer(w http.ResponseWriter, r *http.Request) {
	var req inference.Request
	if !decode(w, r, &req) {
		return
	}
	if len(req.Observations) == 0 {
		writeJSON(w, http.StatusBadRequest, ErrorBody{Error: "observations are required", Code: CodeBadRequest})
		return
	}
	resp, err := h.inference.Infer(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// notify receives a swap advertisement. Preparation runs in the background.
func (h *Handler) notify(w http.ResponseWriter, r *http.Request) {
	var mv version.ModelVersion
	if !decode(w, r, &mv) {
		return
	}
	if err := h.inference.NotifyTarget(r.Context(), mv); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]uint64{"target": mv.Version})
}

func (h *Handler) inferenceStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.inference.Status())
}

// ingestShard never blocks: a full queue answers 429 with Retry-After so the
// sender backs off instead of holding a connection open.
func (h *Handler) ingestShard(w http.ResponseWriter, r *http.Request) {
	var s shard.TrajectoryShard
	if !decode(w, r, &s) {
		return
	}
	if err := s.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorBody{Error: err.Error(), Code: CodeBadRequest})
		return
	}
	if err := h.learner.TryIngest(&s); err != nil {
		status, body := errorBody(err)
		if status == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", "1")
			h.logger.Debug("shard rejected, queue full", zap.String("stream", s.Key().String()))
		}
		writeJSON(w, status, body)
		return
	}
	credits := h.learner.Credits()
	w.Header().Set("X-Credits", strconv.Itoa(credits))
	writeJSON(w, http.StatusAccepted, ShardAck{Key: s.Key(), Sequence: s.Sequence, Credits: credits})
}

func (h *Handler) learnerStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.learner.Stats())
}

func (h *Handler) learnerStreams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.learner.Streams())
}

func (h *Handler) actorStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.actor.Stats())
}

func (h *Handler) actorEnvironments(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.actor.Environments())
}
