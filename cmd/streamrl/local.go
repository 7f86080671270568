package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/streamrl/internal/actor"
	"github.com/nidhogg/streamrl/internal/clock"
	"github.com/nidhogg/streamrl/internal/config"
	"github.com/nidhogg/streamrl/internal/coordinator"
	"github.com/nidhogg/streamrl/internal/learner"
	"github.com/nidhogg/streamrl/internal/shard"
	"github.com/nidhogg/streamrl/internal/version"
)

// localCoordinator lets in-process roles call the coordinator directly.
type localCoordinator struct {
	c *coordinator.Coordinator
}

func (l localCoordinator) CurrentVersion(context.Context) (version.ModelVersion, error) {
	return l.c.CurrentVersion()
}

func (l localCoordinator) PublishVersion(ctx context.Context, mv version.ModelVersion) error {
	_, err := l.c.PublishVersion(ctx, mv)
	return err
}

// learnerSink feeds actor shards straight into the learner queue.
type learnerSink struct {
	l *learner.Learner
}

func (s learnerSink) Send(ctx context.Context, sh *shard.TrajectoryShard) error {
	return s.l.Ingest(ctx, sh)
}

var _ shard.Sink = learnerSink{}

// startLocal wires every role into one node. Order matters: the inference
// service registers before the learner publishes its first version so the
// advertisement reaches it.
func startLocal(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*node, error) {
	n := newNode(ctx, cfg, logger)
	if err := n.startAlerts(); err != nil {
		return nil, n.abort(err)
	}
	store, err := n.checkpoints()
	if err != nil {
		return nil, n.abort(err)
	}

	notifier := coordinator.NotifierFunc(func(ctx context.Context, target coordinator.Component, mv version.ModelVersion) error {
		if n.inference == nil || target.ID != cfg.Inference.ID {
			return fmt.Errorf("no in-process inference service %q", target.ID)
		}
		return n.inference.NotifyTarget(ctx, mv)
	})
	if err := n.startCoordinator(notifier); err != nil {
		return nil, n.abort(err)
	}
	local := localCoordinator{c: n.coord}

	if err := n.startInference(store, local, n.coord); err != nil {
		return nil, n.abort(err)
	}
	if err := n.registerLocal(cfg.Inference.ID, coordinator.RoleInference); err != nil {
		return nil, n.abort(err)
	}

	if err := n.startLearner(store, local); err != nil {
		return nil, n.abort(err)
	}
	if err := n.registerLocal(cfg.Learner.ID, coordinator.RoleLearner); err != nil {
		return nil, n.abort(err)
	}

	if err := n.startActor(actor.Single(n.inference), learnerSink{l: n.learner}); err != nil {
		return nil, n.abort(err)
	}
	if err := n.registerLocal(cfg.Actor.ID, coordinator.RoleActor); err != nil {
		return nil, n.abort(err)
	}

	n.serve()
	logger.Info("local pipeline running",
		zap.String("env", cfg.Actor.EnvKind),
		zap.Int("environments", cfg.Actor.Environments),
		zap.Int("port", cfg.Server.Port))
	return n, nil
}

// registerLocal registers an in-process component and heartbeats it on the
// node clock.
func (n *node) registerLocal(id string, role coordinator.Role) error {
	if _, err := n.coord.Register(n.ctx, id, role, "local://"+id); err != nil {
		return fmt.Errorf("register %s %s: %w", role, id, err)
	}
	n.clock.AddListener(clock.ListenerFunc(func(time.Time) {
		if err := n.coord.Heartbeat(id); err != nil {
			n.logger.Warn("local heartbeat failed", zap.String("component", id), zap.Error(err))
		}
	}))
	return nil
}
