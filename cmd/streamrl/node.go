package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nidhogg/streamrl/internal/actor"
	"github.com/nidhogg/streamrl/internal/alert"
	"github.com/nidhogg/streamrl/internal/api"
	"github.com/nidhogg/streamrl/internal/bus"
	"github.com/nidhogg/streamrl/internal/checkpoint"
	"github.com/nidhogg/streamrl/internal/clock"
	"github.com/nidhogg/streamrl/internal/config"
	"github.com/nidhogg/streamrl/internal/coordinator"
	"github.com/nidhogg/streamrl/internal/faults"
	"github.com/nidhogg/streamrl/internal/inference"
	"github.com/nidhogg/streamrl/internal/learner"
	"github.com/nidhogg/streamrl/internal/store"
)

// node is one process: whichever roles it runs, the HTTP server exposing
// them, and the infrastructure they share.
type node struct {
	cfg    *config.Config
	logger *zap.Logger
	hc     *http.Client
	group  *errgroup.Group
	ctx    context.Context
	stop   context.CancelFunc

	alerts  *alert.Broadcaster
	bus     *bus.Bus
	clock   *clock.Clock
	closers []func()

	coord     *coordinator.Coordinator
	inference *inference.Service
	learner   *learner.Learner
	actor     *actor.Actor
}

func newNode(ctx context.Context, cfg *config.Config, logger *zap.Logger) *node {
	ctx, stop := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(ctx)
	return &node{
		cfg:    cfg,
		logger: logger,
		hc:     &http.Client{Timeout: 30 * time.Second},
		group:  group,
		ctx:    gctx,
		stop:   stop,
		clock:  clock.New("node", time.Second, logger),
	}
}

func (n *node) onClose(fn func()) { n.closers = append(n.closers, fn) }

// close releases resources in reverse order of acquisition.
func (n *node) close() {
	for i := len(n.closers) - 1; i >= 0; i-- {
		n.closers[i]()
	}
	n.closers = nil
}

// startAlerts builds the broadcaster from the enabled chat channels.
func (n *node) startAlerts() error {
	var sinks []alert.Sink
	if sc := n.cfg.Alert.Slack; sc.Enabled {
		sinks = append(sinks, alert.NewSlack(sc.BotToken, sc.Channel))
	}
	if dc := n.cfg.Alert.Discord; dc.Enabled {
		d, err := alert.NewDiscord(dc.BotToken, dc.Channel)
		if err != nil {
			return fmt.Errorf("discord alerts: %w", err)
		}
		sinks = append(sinks, d)
	}
	n.alerts = alert.NewBroadcaster(n.logger, sinks...)
	n.group.Go(func() error {
		n.alerts.Run(n.ctx)
		return nil
	})
	return nil
}

// reporter is where roles send operator-facing events.
func (n *node) reporter() faults.Reporter {
	if n.alerts == nil {
		return faults.Discard
	}
	return n.alerts
}

// redis connects the shared bus on first use.
func (n *node) redis() (*bus.Bus, error) {
	if n.bus != nil {
		return n.bus, nil
	}
	b, err := bus.New(n.ctx, n.cfg.Database.Redis.URL, n.logger)
	if err != nil {
		return nil, err
	}
	b.SetReporter(n.reporter())
	n.bus = b
	n.onClose(func() { b.Close() })
	return b, nil
}

// checkpoints opens the weight store shared by learner and inference.
func (n *node) checkpoints() (checkpoint.Store, error) {
	if n.cfg.Learner.CheckpointDir == "" {
		return checkpoint.NewMemoryStore(), nil
	}
	return checkpoint.NewFileStore(n.cfg.Learner.CheckpointDir, n.logger)
}

// journal opens the coordinator's durable log. nil selects the in-memory journal.
func (n *node) journal() (coordinator.Journal, error) {
	jc := n.cfg.Coordinator.Journal
	switch jc.Driver {
	case "postgres":
		dsn := jc.DSN
		if dsn == "" {
			dsn = n.cfg.Database.Postgres.DSN
		}
		pg, err := store.New(n.ctx, dsn, n.logger)
		if err != nil {
			return nil, err
		}
		n.onClose(pg.Close)
		if err := pg.Migrate(n.ctx); err != nil {
			return nil, err
		}
		return pg, nil
	case "sqlite":
		db, err := store.OpenSQLite(n.ctx, jc.DSN, n.logger)
		if err != nil {
			return nil, err
		}
		n.onClose(func() { db.Close() })
		return db, nil
	default:
		return nil, nil
	}
}

// serve starts the node clock and the HTTP API for whatever roles are set.
// Port 0 runs without the API.
func (n *node) serve() {
	n.clock.Start(n.ctx)
	n.onClose(n.clock.Stop)
	if n.cfg.Server.Port == 0 {
		return
	}

	var (
		inf api.InferenceBackend
		lrn api.LearnerBackend
		act api.ActorBackend
	)
	if n.inference != nil {
		inf = n.inference
	}
	if n.learner != nil {
		lrn = n.learner
	}
	if n.actor != nil {
		act = n.actor
	}
	handler := api.NewHandler(n.coord, inf, lrn, act, n.logger)

	addr := fmt.Sprintf(":%d", n.cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler.Router(),
		BaseContext: func(_ net.Listener) context.Context {
			return n.ctx
		},
	}

	n.group.Go(func() error {
		n.logger.Info("HTTP API listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	n.group.Go(func() error {
		<-n.ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// wait blocks until every role goroutine has returned, then releases resources.
func (n *node) wait() error {
	err := n.group.Wait()
	n.stop()
	n.close()
	return err
}

// abort stops a node that failed to start.
func (n *node) abort(err error) error {
	n.stop()
	_ = n.wait()
	return err
}

// advertised is the base URL other components use to reach this node.
func advertised(configured string, port int) string {
	if configured != "" {
		return strings.TrimRight(configured, "/")
	}
	return fmt.Sprintf("http://localhost:%d", port)
}
