package main

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/streamrl/internal/actor"
	"github.com/nidhogg/streamrl/internal/checkpoint"
	"github.com/nidhogg/streamrl/internal/client"
	"github.com/nidhogg/streamrl/internal/clock"
	"github.com/nidhogg/streamrl/internal/coordinator"
	"github.com/nidhogg/streamrl/internal/envs"
	"github.com/nidhogg/streamrl/internal/inference"
	"github.com/nidhogg/streamrl/internal/learner"
	"github.com/nidhogg/streamrl/internal/lineage"
	"github.com/nidhogg/streamrl/internal/policy"
	"github.com/nidhogg/streamrl/internal/shard"
	"github.com/nidhogg/streamrl/internal/transport/grpcinfer"
	"github.com/nidhogg/streamrl/internal/version"
)

// shardGroup is the Redis consumer group on every shard partition. Each
// partition has a single owning learner.
const shardGroup = "learners"

// startCoordinator restores the coordinator from its journal and sweeps
// liveness on the configured interval.
func (n *node) startCoordinator(notifier coordinator.Notifier) error {
	cc := n.cfg.Coordinator
	precision, err := version.ParsePrecision(cc.RolloutPrecision)
	if err != nil {
		return err
	}
	journal, err := n.journal()
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}

	coord := coordinator.New(coordinator.Options{
		HeartbeatTimeout: cc.HeartbeatTimeout.Std(),
		RolloutPrecision: precision,
		SnapshotEvery:    cc.SnapshotEvery,
	}, journal, notifier, n.logger)
	coord.SetReporter(n.reporter())
	if err := coord.Restore(n.ctx); err != nil {
		return fmt.Errorf("restore coordinator: %w", err)
	}
	n.onClose(coord.Wait)

	sweeper := clock.New("sweeper", cc.SweepInterval.Std(), n.logger)
	sweeper.AddListener(coord)
	sweeper.Start(n.ctx)
	n.onClose(sweeper.Stop)

	n.coord = coord
	return nil
}

// startInference loads the policy behind a double buffer and polls source so
// missed swap advertisements heal.
func (n *node) startInference(store checkpoint.Store, source inference.VersionSource, acker inference.Acker) error {
	ic := n.cfg.Inference
	precision, err := version.ParsePrecision(n.cfg.Coordinator.RolloutPrecision)
	if err != nil {
		return err
	}

	linear := policy.NewLinear(ic.Seed)
	svc := inference.NewService(inference.Options{
		ID:               ic.ID,
		CoalesceWindow:   ic.CoalesceWindow.Std(),
		MaxBatch:         ic.MaxBatch,
		StrictVersion:    ic.StrictVersion,
		RolloutPrecision: precision,
	}, store, linear, linear, n.logger)
	if acker != nil {
		svc.SetAcker(acker)
	}
	svc.Start(n.ctx)
	n.onClose(svc.Close)

	if source != nil && ic.PollInterval > 0 {
		poller := clock.New("version-poll", ic.PollInterval.Std(), n.logger)
		poller.AddListener(inference.NewWatcher(svc, source, 0, n.logger))
		poller.Start(n.ctx)
		n.onClose(poller.Stop)
	}

	if ic.GRPCPort > 0 {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", ic.GRPCPort))
		if err != nil {
			return fmt.Errorf("listen grpc: %w", err)
		}
		srv := grpcinfer.NewServer(svc, n.logger)
		n.group.Go(func() error { return srv.Serve(n.ctx, lis) })
	}

	n.inference = svc
	return nil
}

// startLearner builds the learner, adopts or publishes the first version and
// runs its update loop.
func (n *node) startLearner(store checkpoint.Store, publisher learner.Publisher) error {
	lc := n.cfg.Learner
	trigger, err := learner.ParseTrigger(lc.Trigger)
	if err != nil {
		return err
	}
	correction, err := n.cfg.Correction()
	if err != nil {
		return err
	}
	precision, err := version.ParsePrecision(lc.Precision)
	if err != nil {
		return err
	}

	l := learner.New(learner.Options{
		ID:            lc.ID,
		QueueCapacity: lc.QueueCapacity,
		ReorderWindow: lc.ReorderWindow,
		Trigger:       trigger,
		Correction:    correction,
		Precision:     precision,
		MaxRederive:   lc.MaxRederive,
		Retry: learner.Retry{
			Initial:    lc.Retry.Initial.Std(),
			Max:        lc.Retry.Max.Std(),
			MaxElapsed: lc.Retry.MaxElapsed.Std(),
		},
	}, policy.Reinforce{LearningRate: lc.LearningRate}, policy.NewLinear(0), store, publisher, n.logger)
	l.SetReporter(n.reporter())

	if neo := n.cfg.Database.Neo4j; neo.URI != "" {
		ls, err := lineage.NewStore(neo.URI, neo.User, neo.Password, n.logger)
		if err != nil {
			return err
		}
		n.onClose(func() { ls.Close(context.Background()) })
		if err := ls.EnsureSchema(n.ctx); err != nil {
			return fmt.Errorf("lineage schema: %w", err)
		}
		l.SetLineage(ls)
	}

	kind := envs.Kind(n.cfg.Actor.EnvKind)
	initial, err := policy.Initial(envs.ObsDim(kind), envs.Actions(kind)).Encode()
	if err != nil {
		return err
	}
	if err := l.Bootstrap(n.ctx, initial); err != nil {
		return err
	}
	n.group.Go(func() error { return l.Run(n.ctx) })

	n.learner = l
	return nil
}

// startActor steps the environment pool against infer, emitting into sink.
// The actor returning (a run limit was reached) does not stop the node.
func (n *node) startActor(infer actor.Inferer, sink shard.Sink) error {
	ac := n.cfg.Actor
	factory, err := envs.Factory(envs.Kind(ac.EnvKind), ac.Seed)
	if err != nil {
		return err
	}
	a := actor.New(actor.Options{
		ID:             ac.ID,
		Environments:   ac.Environments,
		FlushTurns:     ac.FlushTurns,
		FlushInterval:  ac.FlushInterval.Std(),
		MaxSteps:       ac.MaxSteps,
		MaxEpisodes:    ac.MaxEpisodes,
		RestartOnFault: ac.RestartOnFault,
		MaxRestarts:    ac.MaxRestarts,
		Retry: actor.RetryPolicy{
			Initial:    ac.Retry.Initial.Std(),
			Max:        ac.Retry.Max.Std(),
			MaxElapsed: ac.Retry.MaxElapsed.Std(),
		},
	}, factory, infer, sink, n.logger)
	a.SetReporter(n.reporter())
	n.group.Go(func() error { return a.Run(n.ctx) })

	n.actor = a
	return nil
}

// register announces this node's role and keeps it alive with heartbeats.
func (n *node) register(coord *client.Coordinator, id string, role coordinator.Role, endpoint string) error {
	ctx, cancel := context.WithTimeout(n.ctx, 10*time.Second)
	defer cancel()
	if _, err := coord.Register(ctx, id, role, endpoint); err != nil {
		return fmt.Errorf("register %s %s: %w", role, id, err)
	}
	n.clock.AddListener(client.NewHeartbeater(coord, id, role, endpoint, n.logger))
	n.logger.Info("registered with coordinator",
		zap.String("id", id), zap.String("role", string(role)), zap.String("endpoint", endpoint))
	return nil
}

// inferer builds the actor's view of the configured inference endpoints.
// grpc://host:port endpoints use the gRPC transport, anything else HTTP.
func (n *node) inferer(urls []string) (actor.Inferer, error) {
	if len(urls) == 0 {
		urls = []string{n.cfg.Inference.URL}
	}
	clients := make([]inference.Client, 0, len(urls))
	for _, u := range urls {
		if addr, ok := strings.CutPrefix(u, "grpc://"); ok {
			gc, err := grpcinfer.Dial(addr)
			if err != nil {
				return nil, err
			}
			n.onClose(func() { gc.Close() })
			clients = append(clients, gc)
			continue
		}
		clients = append(clients, client.NewInference(u, n.hc))
	}
	if len(clients) == 1 {
		return actor.Single(clients[0]), nil
	}
	router := actor.NewRouter(n.logger)
	for i, c := range clients {
		router.Add(urls[i], c)
	}
	return router, nil
}

// shardSink picks the learner transport.
func (n *node) shardSink() (shard.Sink, error) {
	if n.cfg.Transport.Shards == "redis" {
		b, err := n.redis()
		if err != nil {
			return nil, err
		}
		return b.ShardWriter(shardGroup, int64(n.cfg.Learner.QueueCapacity), n.cfg.Transport.Partitions), nil
	}
	url := n.cfg.Actor.LearnerURL
	if url == "" {
		url = n.cfg.Learner.URL
	}
	return client.NewShardSink(url, n.hc, n.logger), nil
}
