package main

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nidhogg/streamrl/internal/client"
	"github.com/nidhogg/streamrl/internal/config"
	"github.com/nidhogg/streamrl/internal/coordinator"
)

// --- coordinator ---

var coordinatorCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "Run the coordinator: registry, version log and swap fan-out",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRole(cmd, runCoordinator)
	},
}

func runCoordinator(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	n := newNode(ctx, cfg, logger)
	if err := n.startAlerts(); err != nil {
		return n.abort(err)
	}

	var notifier coordinator.Notifier = client.NewSwapNotifier(n.hc)
	if cfg.Transport.Swap == "redis" {
		b, err := n.redis()
		if err != nil {
			return n.abort(err)
		}
		notifier = b
	}
	if err := n.startCoordinator(notifier); err != nil {
		return n.abort(err)
	}
	n.serve()
	return n.wait()
}

// --- inference ---

var inferenceCmd = &cobra.Command{
	Use:   "inference",
	Short: "Run an inference service registered with the coordinator",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRole(cmd, runInference)
	},
}

func runInference(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	n := newNode(ctx, cfg, logger)
	if err := n.startAlerts(); err != nil {
		return n.abort(err)
	}
	store, err := n.checkpoints()
	if err != nil {
		return n.abort(err)
	}

	coord := client.NewCoordinator(cfg.Coordinator.URL, n.hc)
	if err := n.startInference(store, coord, coord); err != nil {
		return n.abort(err)
	}
	if cfg.Transport.Swap == "redis" {
		b, err := n.redis()
		if err != nil {
			return n.abort(err)
		}
		n.group.Go(func() error {
			b.SubscribeSwaps(n.ctx, cfg.Inference.ID, n.inference)
			return nil
		})
	}

	n.serve()
	endpoint := advertised(cfg.Inference.URL, cfg.Server.Port)
	if err := n.register(coord, cfg.Inference.ID, coordinator.RoleInference, endpoint); err != nil {
		return n.abort(err)
	}
	return n.wait()
}

// --- learner ---

var learnerCmd = &cobra.Command{
	Use:   "learner",
	Short: "Run the learner: ingest shards, train and publish versions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRole(cmd, runLearner)
	},
}

func runLearner(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	n := newNode(ctx, cfg, logger)
	if err := n.startAlerts(); err != nil {
		return n.abort(err)
	}
	store, err := n.checkpoints()
	if err != nil {
		return n.abort(err)
	}

	coord := client.NewCoordinator(cfg.Coordinator.URL, n.hc)
	if err := n.startLearner(store, coord); err != nil {
		return n.abort(err)
	}
	if cfg.Transport.Shards == "redis" {
		b, err := n.redis()
		if err != nil {
			return n.abort(err)
		}
		n.group.Go(func() error {
			return b.ConsumeShards(n.ctx, shardGroup, cfg.Learner.Partition, cfg.Learner.ID, n.learner)
		})
	}

	n.serve()
	endpoint := advertised(cfg.Learner.URL, cfg.Server.Port)
	if err := n.register(coord, cfg.Learner.ID, coordinator.RoleLearner, endpoint); err != nil {
		return n.abort(err)
	}
	return n.wait()
}

// --- actor ---

var actorCmd = &cobra.Command{
	Use:   "actor",
	Short: "Run an actor: step environments and stream shards to the learner",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRole(cmd, runActor)
	},
}

func runActor(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	n := newNode(ctx, cfg, logger)
	if err := n.startAlerts(); err != nil {
		return n.abort(err)
	}

	infer, err := n.inferer(cfg.Actor.InferenceURLs)
	if err != nil {
		return n.abort(err)
	}
	sink, err := n.shardSink()
	if err != nil {
		return n.abort(err)
	}
	if err := n.startActor(infer, sink); err != nil {
		return n.abort(err)
	}

	n.serve()
	coord := client.NewCoordinator(cfg.Coordinator.URL, n.hc)
	endpoint := advertised("", cfg.Server.Port)
	if err := n.register(coord, cfg.Actor.ID, coordinator.RoleActor, endpoint); err != nil {
		// Actors only report to the coordinator; they can step without it.
		logger.Warn("actor running unregistered", zap.Error(err))
	}
	return n.wait()
}

// --- local ---

var localCmd = &cobra.Command{
	Use:   "local",
	Short: "Run every role in one process",
	Long: `Run the coordinator, one inference service, one learner and one actor
pool in this process. Roles talk through in-process channels instead of
HTTP; the HTTP API still serves every role for inspection.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRole(cmd, func(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
			n, err := startLocal(ctx, cfg, logger)
			if err != nil {
				return err
			}
			return n.wait()
		})
	},
}
