// Package api serves the coordinator, inference and learner roles over HTTP.
// A node mounts only the roles it runs; the others answer 503.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nidhogg/streamrl/internal/actor"
	"github.com/nidhogg/streamrl/internal/coordinator"
	"github.com/nidhogg/streamrl/internal/inference"
	"github.com/nidhogg/streamrl/internal/learner"
	"github.com/nidhogg/streamrl/internal/shard"
	"github.com/nidhogg/streamrl/internal/version"
)

// InferenceBackend is the part of inference.Service the API exposes.
type InferenceBackend interface {
	Infer(ctx context.Context, req inference.Request) (inference.Response, error)
	NotifyTarget(ctx context.Context, mv version.ModelVersion) error
	Status() inference.Status
}

// LearnerBackend is the part of learner.Learner the API exposes.
type LearnerBackend interface {
	TryIngest(s *shard.TrajectoryShard) error
	Credits() int
	Stats() learner.Stats
	Streams() []learner.StreamStats
}

// ActorBackend reports actor progress.
type ActorBackend interface {
	Stats() actor.Stats
	Environments() []actor.EnvStatus
}

// Handler holds the role backends served by this node. Any may be nil.
type Handler struct {
	coord     *coordinator.Coordinator
	inference InferenceBackend
	learner   LearnerBackend
	actor     ActorBackend
	logger    *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(
	coord *coordinator.Coordinator,
	inf InferenceBackend,
	lrn LearnerBackend,
	act ActorBackend,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		coord:     coord,
		inference: inf,
		learner:   lrn,
		actor:     act,
		logger:    logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.Route("/coordinator", func(r chi.Router) {
			r.Use(h.require(h.coord != nil, "coordinator"))
			r.Post("/register", h.register)
			r.Post("/heartbeat", h.heartbeat)
			r.Get("/version", h.currentVersion)
			r.Get("/versions", h.listVersions)
			r.Get("/versions/{v}", h.getVersion)
			r.Post("/publish", h.publish)
			r.Post("/ack", h.ackSwap)
			r.Get("/components", h.listComponents)
			r.Get("/runinfo", h.runInfo)
		})

		r.Route("/inference", func(r chi.Router) {
			r.Use(h.require(h.inference != nil, "inference"))
			r.Post("/infer", h.infer)
			r.Post("/notify", h.notify)
			r.Get("/status", h.inferenceStatus)
		})

		r.Route("/learner", func(r chi.Router) {
			r.Use(h.require(h.learner != nil, "learner"))
			r.Post("/shards", h.ingestShard)
			r.Get("/stats", h.learnerStats)
			r.Get("/streams", h.learnerStreams)
		})

		r.Route("/actor", func(r chi.Router) {
			r.Use(h.require(h.actor != nil, "actor"))
			r.Get("/stats", h.actorStats)
			r.Get("/environments", h.actorEnvironments)
		})
	})

	return r
}

func (h *Handler) require(ok bool, role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !ok {
				writeJSON(w, http.StatusServiceUnavailable, ErrorBody{Error: role + " not running on this node", Code: CodeUnavailable})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	roles := []string{}
	if h.coord != nil {
		roles = append(roles, "coordinator")
	}
	if h.inference != nil {
		roles = append(roles, "inference")
	}
	if h.learner != nil {
		roles = append(roles, "learner")
	}
	if h.actor != nil {
		roles = append(roles, "actor")
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "roles": roles})
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorBody{Error: err.Error(), Code: CodeBadRequest})
		return false
	}
	return true
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := errorBody(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
