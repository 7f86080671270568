package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nidhogg/streamrl/internal/version"
)

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ID == "" || !req.Role.Valid() {
		writeJSON(w, http.StatusBadRequest, ErrorBody{Error: "id and a valid role are required", Code: CodeBadRequest})
		return
	}
	ack, err := h.coord.Register(r.Context(), req.ID, req.Role, req.Endpoint)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

func (h *Handler) heartbeat(w http.ResponseWriter, r *http.Request) {
	var req HeartbeatRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.coord.Heartbeat(req.ID); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) currentVersion(w http.ResponseWriter, r *http.Request) {
	mv, err := h.coord.CurrentVersion()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mv)
}

func (h *Handler) listVersions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.coord.Versions())
}

func (h *Handler) getVersion(w http.ResponseWriter, r *http.Request) {
	v, err := strconv.ParseUint(chi.URLParam(r, "v"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorBody{Error: "version must be an unsigned integer", Code: CodeBadRequest})
		return
	}
	mv, ok := h.coord.Version(v)
	if !ok {
		writeJSON(w, http.StatusNotFound, ErrorBody{Error: "version not found", Code: CodeNotFound})
		return
	}
	writeJSON(w, http.StatusOK, mv)
}

func (h *Handler) publish(w http.ResponseWriter, r *http.Request) {
	var mv version.ModelVersion
	if !decode(w, r, &mv) {
		return
	}
	if mv.WeightRef == "" {
		writeJSON(w, http.StatusBadRequest, ErrorBody{Error: "weight_ref is required", Code: CodeBadRequest})
		return
	}
	ack, err := h.coord.PublishVersion(r.Context(), mv)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

func (h *Handler) ackSwap(w http.ResponseWriter, r *http.Request) {
	var req AckRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.coord.AckSwap(r.Context(), req.ID, req.Version); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) listComponents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.coord.Components())
}

func (h *Handler) runInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.coord.RunInfo())
}
