package actor

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"

	"github.com/nidhogg/streamrl/internal/faults"
	"github.com/nidhogg/streamrl/internal/inference"
	"go.uber.org/zap"
)

// Inferer routes an environment's request to some inference endpoint.
type Inferer interface {
	Infer(ctx context.Context, environmentID string, req inference.Request) (inference.Response, error)
}

// Router pins each environment to one inference endpoint so its requests hit
// a warm batch, and falls back to the other endpoints when that one is
// unavailable.
type Router struct {
	endpoints map[string]inference.Client
	order     []string
	bindings  map[string]string // environmentID -> endpoint
	mu        sync.RWMutex
	logger    *zap.Logger
}

// NewRouter creates an empty router.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		endpoints: make(map[string]inference.Client),
		bindings:  make(map[string]string),
		logger:    logger,
	}
}

// Add registers an endpoint under a stable name.
func (r *Router) Add(name string, c inference.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.endpoints[name]; !ok {
		r.order = append(r.order, name)
		sort.Strings(r.order)
	}
	r.endpoints[name] = c
	r.logger.Info("inference endpoint added", zap.String("endpoint", name))
}

// Bind overrides the hashed choice for one environment.
func (r *Router) Bind(environmentID, endpoint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[environmentID] = endpoint
}

// Pick returns the endpoint an environment is pinned to.
func (r *Router) Pick(environmentID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pickLocked(environmentID)
}

func (r *Router) pickLocked(environmentID string) string {
	if name, ok := r.bindings[environmentID]; ok {
		if _, ok := r.endpoints[name]; ok {
			return name
		}
	}
	if len(r.order) == 0 {
		return ""
	}
	h := fnv.New32a()
	h.Write([]byte(environmentID))
	return r.order[int(h.Sum32()%uint32(len(r.order)))]
}

// Infer implements Inferer. Only unavailability triggers a fallback; other
// errors are returned as they are.
func (r *Router) Infer(ctx context.Context, environmentID string, req inference.Request) (inference.Response, error) {
	r.mu.RLock()
	primary := r.pickLocked(environmentID)
	chain := make([]string, 0, len(r.order))
	if primary != "" {
		chain = append(chain, primary)
	}
	for _, name := range r.order {
		if name != primary {
			chain = append(chain, name)
		}
	}
	clients := make([]inference.Client, len(chain))
	for i, name := range chain {
		clients[i] = r.endpoints[name]
	}
	r.mu.RUnlock()

	if len(chain) == 0 {
		return inference.Response{}, fmt.Errorf("no inference endpoint for %s: %w", environmentID, faults.ErrInferenceUnavailable)
	}

	var err error
	for i, c := range clients {
		var resp inference.Response
		resp, err = c.Infer(ctx, req)
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, faults.ErrInferenceUnavailable) {
			return inference.Response{}, err
		}
		if i == 0 && len(clients) > 1 {
			r.logger.Warn("pinned inference endpoint unavailable, trying fallbacks",
				zap.String("environment", environmentID),
				zap.String("endpoint", chain[0]),
				zap.Error(err))
		}
	}
	return inference.Response{}, fmt.Errorf("all inference endpoints failed for %s: %w", environmentID, err)
}

// Single adapts one client to Inferer.
func Single(c inference.Client) Inferer {
	return single{c}
}

type single struct{ c inference.Client }

func (s single) Infer(ctx context.Context, _ string, req inference.Request) (inference.Response, error) {
	return s.c.Infer(ctx, req)
}
