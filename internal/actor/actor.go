// Package actor drives a pool of environments through the
// observe -> infer -> step loop and streams their turns out as shards.
package actor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nidhogg/streamrl/internal/faults"
	"github.com/nidhogg/streamrl/internal/inference"
	"github.com/nidhogg/streamrl/internal/shard"
	"github.com/nidhogg/streamrl/internal/utilization"
	"go.uber.org/zap"
)

// Environment is the simulation collaborator. Any error it returns is treated
// as an unrecoverable fault for that environment.
type Environment interface {
	Reset(ctx context.Context) (shard.Tensor, error)
	Step(ctx context.Context, action shard.Tensor) (obs shard.Tensor, reward float64, done bool, err error)
}

// Factory builds the environment for an id. It is called again on restart.
type Factory func(environmentID string) (Environment, error)

// EnvState is the per-environment state machine.
type EnvState string

const (
	Active         EnvState = "active"
	AwaitingAction EnvState = "awaiting_action"
	Terminated     EnvState = "terminated"
)

// RetryPolicy bounds inference retries.
type RetryPolicy struct {
	Initial    time.Duration
	Max        time.Duration
	MaxElapsed time.Duration // 0 retries until the context ends
}

// Options configure the pool and its flush policy.
type Options struct {
	ID             string
	Environments   int
	FlushTurns     int
	FlushInterval  time.Duration
	MaxSteps       int64 // 0 = unlimited
	MaxEpisodes    int64 // 0 = unlimited
	RestartOnFault bool
	MaxRestarts    int
	Retry          RetryPolicy
	MeterWindow    time.Duration
}

// Stats are cumulative counters across all environments.
type Stats struct {
	TotalSteps    int64              `json:"total_steps"`
	TotalEpisodes int64              `json:"total_episodes"`
	ShardsEmitted int64              `json:"shards_emitted"`
	Faults        int64              `json:"faults"`
	Restarts      int64              `json:"restarts"`
	Retries       int64              `json:"inference_retries"`
	Utilization   utilization.Sample `json:"utilization"`
}

// EnvStatus describes one environment.
type EnvStatus struct {
	ID           string   `json:"id"`
	State        EnvState `json:"state"`
	Episode      int64    `json:"episode"`
	NextSequence uint64   `json:"next_sequence"`
	ContextLen   int      `json:"context_len"`
	LastVersion  uint64   `json:"last_version"`
	Restarts     int      `json:"restarts"`
	LastFault    string   `json:"last_fault,omitempty"`
}

// Actor runs Options.Environments environments concurrently. No environment
// waits on another: each has its own goroutine, buffer and sequence.
type Actor struct {
	opts     Options
	factory  Factory
	infer    Inferer
	sink     shard.Sink
	reporter faults.Reporter
	meter    *utilization.Meter

	steps    atomic.Int64
	started  atomic.Int64
	episodes atomic.Int64
	shards   atomic.Int64
	faultsN  atomic.Int64
	restarts atomic.Int64
	retries  atomic.Int64

	mu     sync.RWMutex
	envs   map[string]*envRunner
	logger *zap.Logger
}

// New creates an actor.
func New(opts Options, factory Factory, infer Inferer, sink shard.Sink, logger *zap.Logger) *Actor {
	if opts.Environments <= 0 {
		opts.Environments = 1
	}
	if opts.FlushTurns <= 0 {
		opts.FlushTurns = 32
	}
	if opts.Retry.Initial <= 0 {
		opts.Retry.Initial = 50 * time.Millisecond
	}
	if opts.Retry.Max <= 0 {
		opts.Retry.Max = 2 * time.Second
	}
	return &Actor{
		opts:     opts,
		factory:  factory,
		infer:    infer,
		sink:     sink,
		reporter: faults.Discard,
		meter:    utilization.NewMeter(opts.MeterWindow),
		envs:     make(map[string]*envRunner),
		logger:   logger,
	}
}

// SetReporter routes environment faults to r.
func (a *Actor) SetReporter(r faults.Reporter) {
	if r == nil {
		r = faults.Discard
	}
	a.reporter = r
}

// EnvironmentID names the i-th environment of this actor.
func (a *Actor) EnvironmentID(i int) string {
	return fmt.Sprintf("%s-env-%d", a.opts.ID, i)
}

// Run steps every environment until ctx ends or a run limit is reached. It
// returns nil in both cases; environment faults never surface here.
func (a *Actor) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < a.opts.Environments; i++ {
		r := &envRunner{actor: a, id: a.EnvironmentID(i), state: Active}
		a.mu.Lock()
		a.envs[r.id] = r
		a.mu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			r.run(ctx)
		}()
	}
	a.logger.Info("actor started",
		zap.String("actor", a.opts.ID),
		zap.Int("environments", a.opts.Environments),
		zap.Int("flush_turns", a.opts.FlushTurns),
		zap.Duration("flush_interval", a.opts.FlushInterval))
	wg.Wait()

	st := a.Stats()
	a.logger.Info("actor finished",
		zap.String("actor", a.opts.ID),
		zap.Int64("steps", st.TotalSteps),
		zap.Int64("episodes", st.TotalEpisodes),
		zap.Int64("shards", st.ShardsEmitted),
		zap.Int64("faults", st.Faults))
	return nil
}

// Stats returns cumulative counters.
func (a *Actor) Stats() Stats {
	return Stats{
		TotalSteps:    a.steps.Load(),
		TotalEpisodes: a.episodes.Load(),
		ShardsEmitted: a.shards.Load(),
		Faults:        a.faultsN.Load(),
		Restarts:      a.restarts.Load(),
		Retries:       a.retries.Load(),
		Utilization:   a.meter.Sample(),
	}
}

// Environments lists the state of every environment, ordered by id.
func (a *Actor) Environments() []EnvStatus {
	a.mu.RLock()
	runners := make([]*envRunner, 0, len(a.envs))
	for _, r := range a.envs {
		runners = append(runners, r)
	}
	a.mu.RUnlock()

	out := make([]EnvStatus, 0, len(runners))
	for _, r := range runners {
		out = append(out, r.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// claimStep reserves one step against MaxSteps.
func (a *Actor) claimStep() bool {
	n := a.steps.Add(1)
	if a.opts.MaxSteps > 0 && n > a.opts.MaxSteps {
		a.steps.Add(-1)
		return false
	}
	return true
}

// claimEpisode reserves the start of one episode against MaxEpisodes.
func (a *Actor) claimEpisode() bool {
	if a.opts.MaxEpisodes <= 0 {
		return true
	}
	// Episodes are claimed when they start so concurrent environments cannot
	// overshoot the limit.
	for {
		n := a.started.Load()
		if n >= a.opts.MaxEpisodes {
			return false
		}
		if a.started.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (a *Actor) inferWithRetry(ctx context.Context, envID string, obs shard.Tensor) (inference.Response, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.opts.Retry.Initial
	b.MaxInterval = a.opts.Retry.Max
	b.MaxElapsedTime = a.opts.Retry.MaxElapsed

	var resp inference.Response
	op := func() error {
		var err error
		resp, err = a.infer.Infer(ctx, envID, inference.Request{Observations: []shard.Tensor{obs}})
		if err == nil && len(resp.Samples) != 1 {
			return backoff.Permanent(fmt.Errorf("inference returned %d samples for 1 observation", len(resp.Samples)))
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		a.retries.Add(1)
		a.logger.Warn("inference failed, retrying",
			zap.String("environment", envID),
			zap.Duration("backoff", wait),
			zap.Error(err))
	}
	err := a.suspended(func() error {
		return backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
	})
	return resp, err
}

func (a *Actor) emit(ctx context.Context, s *shard.TrajectoryShard) error {
	err := a.suspended(func() error { return a.sink.Send(ctx, s) })
	if err != nil {
		return err
	}
	a.shards.Add(1)
	a.logger.Debug("shard emitted",
		zap.String("environment", s.EnvironmentID),
		zap.Uint64("sequence", s.Sequence),
		zap.Int("turns", len(s.Turns)),
		zap.Bool("terminal", s.IsTerminal))
	return nil
}

// suspended runs fn with the calling environment counted as waiting.
func (a *Actor) suspended(fn func() error) error {
	a.meter.Leave()
	defer a.meter.Enter()
	return fn()
}

var errLimitReached = errors.New("run limit reached")
