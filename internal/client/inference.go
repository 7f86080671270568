package client

import (
	"context"
	"fmt"
	"net/http"

	"github.com/nidhogg/streamrl/internal/coordinator"
	"github.com/nidhogg/streamrl/internal/faults"
	"github.com/nidhogg/streamrl/internal/inference"
	"github.com/nidhogg/streamrl/internal/version"
)

// Inference is an HTTP inference.Client. An unreachable endpoint reports
// faults.ErrInferenceUnavailable so the actor's router can fail over.
type Inference struct {
	base
}

func NewInference(baseURL string, hc *http.Client) *Inference {
	return &Inference{base: newBase(baseURL, hc)}
}

func (c *Inference) Infer(ctx context.Context, req inference.Request) (inference.Response, error) {
	var resp inference.Response
	if err := c.do(ctx, http.MethodPost, "/api/inference/infer", req, &resp); err != nil {
		if isTransport(err) {
			return inference.Response{}, fmt.Errorf("%w: %v", faults.ErrInferenceUnavailable, err)
		}
		return inference.Response{}, err
	}
	if len(resp.Samples) != len(req.Observations) {
		return inference.Response{}, fmt.Errorf("infer: got %d samples for %d observations", len(resp.Samples), len(req.Observations))
	}
	return resp, nil
}

func (c *Inference) Status(ctx context.Context) (inference.Status, error) {
	var st inference.Status
	err := c.do(ctx, http.MethodGet, "/api/inference/status", nil, &st)
	return st, err
}

// SwapNotifier is a coordinator.Notifier that POSTs adverts to each
// inference component's own endpoint.
type SwapNotifier struct {
	http *http.Client
}

func NewSwapNotifier(hc *http.Client) *SwapNotifier {
	return &SwapNotifier{http: hc}
}

func (n *SwapNotifier) Notify(ctx context.Context, target coordinator.Component, mv version.ModelVersion) error {
	if target.Endpoint == "" {
		return fmt.Errorf("notify %s: no endpoint registered", target.ID)
	}
	b := newBase(target.Endpoint, n.http)
	return b.do(ctx, http.MethodPost, "/api/inference/notify", mv, nil)
}

var (
	_ inference.Client     = (*Inference)(nil)
	_ coordinator.Notifier = (*SwapNotifier)(nil)
)
