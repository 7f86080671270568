package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/streamrl/internal/api"
	"github.com/nidhogg/streamrl/internal/coordinator"
	"github.com/nidhogg/streamrl/internal/faults"
	"github.com/nidhogg/streamrl/internal/version"
)

// Coordinator is an HTTP client for the coordinator role. It satisfies
// learner.Publisher, inference.VersionSource and inference.Acker.
type Coordinator struct {
	base
}

// NewCoordinator creates a client for the coordinator at baseURL. A nil hc
// gets a client with a 10s timeout.
func NewCoordinator(baseURL string, hc *http.Client) *Coordinator {
	return &Coordinator{base: newBase(baseURL, hc)}
}

func (c *Coordinator) Register(ctx context.Context, id string, role coordinator.Role, endpoint string) (coordinator.Ack, error) {
	var ack coordinator.Ack
	err := c.do(ctx, http.MethodPost, "/api/coordinator/register", api.RegisterRequest{ID: id, Role: role, Endpoint: endpoint}, &ack)
	if err != nil {
		return coordinator.Ack{}, fmt.Errorf("register %s: %w", id, err)
	}
	return ack, nil
}

func (c *Coordinator) Heartbeat(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/coordinator/heartbeat", api.HeartbeatRequest{ID: id}, nil)
}

func (c *Coordinator) CurrentVersion(ctx context.Context) (version.ModelVersion, error) {
	var mv version.ModelVersion
	if err := c.do(ctx, http.MethodGet, "/api/coordinator/version", nil, &mv); err != nil {
		return version.ModelVersion{}, err
	}
	return mv, nil
}

// PublishVersion returns *faults.StaleVersionRejected on rejection.
func (c *Coordinator) PublishVersion(ctx context.Context, mv version.ModelVersion) error {
	_, err := c.Publish(ctx, mv)
	return err
}

// Publish is PublishVersion that also returns the coordinator's ack.
func (c *Coordinator) Publish(ctx context.Context, mv version.ModelVersion) (coordinator.Ack, error) {
	var ack coordinator.Ack
	if err := c.do(ctx, http.MethodPost, "/api/coordinator/publish", mv, &ack); err != nil {
		return coordinator.Ack{}, err
	}
	return ack, nil
}

func (c *Coordinator) AckSwap(ctx context.Context, id string, served uint64) error {
	return c.do(ctx, http.MethodPost, "/api/coordinator/ack", api.AckRequest{ID: id, Version: served}, nil)
}

func (c *Coordinator) RunInfo(ctx context.Context) (coordinator.RunInfo, error) {
	var info coordinator.RunInfo
	if err := c.do(ctx, http.MethodGet, "/api/coordinator/runinfo", nil, &info); err != nil {
		return coordinator.RunInfo{}, err
	}
	return info, nil
}

// Heartbeater keeps one component registered. Plug it into a clock.Clock.
// An ErrUnknownComponent answer (the coordinator restarted without that
// registration) triggers a re-register.
type Heartbeater struct {
	coord    *Coordinator
	id       string
	role     coordinator.Role
	endpoint string
	timeout  time.Duration
	logger   *zap.Logger
}

func NewHeartbeater(coord *Coordinator, id string, role coordinator.Role, endpoint string, logger *zap.Logger) *Heartbeater {
	return &Heartbeater{coord: coord, id: id, role: role, endpoint: endpoint, timeout: 5 * time.Second, logger: logger}
}

func (h *Heartbeater) OnTick(time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	err := h.coord.Heartbeat(ctx, h.id)
	if err == nil {
		return
	}
	if !errors.Is(err, faults.ErrUnknownComponent) {
		h.logger.Warn("heartbeat failed", zap.String("component", h.id), zap.Error(err))
		return
	}
	if _, err := h.coord.Register(ctx, h.id, h.role, h.endpoint); err != nil {
		h.logger.Warn("re-register failed", zap.String("component", h.id), zap.Error(err))
		return
	}
	h.logger.Info("re-registered with coordinator", zap.String("component", h.id))
}
