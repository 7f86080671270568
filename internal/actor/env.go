package actor

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/nidhogg/streamrl/internal/faults"
	"github.com/nidhogg/streamrl/internal/shard"
	"go.uber.org/zap"
)

const finalFlushTimeout = 5 * time.Second

// EnvContext is the history one environment accumulated in the current
// episode. It is owned by its runner and cleared on reset.
type EnvContext struct {
	Episode      int64
	Observations []shard.Tensor
	Actions      []shard.Tensor
	Return       float64
}

func (c *EnvContext) reset(episode int64, first shard.Tensor) {
	c.Episode = episode
	c.Observations = append(c.Observations[:0], first)
	c.Actions = c.Actions[:0]
	c.Return = 0
}

func (c *EnvContext) add(action, next shard.Tensor, reward float64) {
	c.Actions = append(c.Actions, action)
	c.Observations = append(c.Observations, next)
	c.Return += reward
}

type envRunner struct {
	actor *Actor
	id    string

	mu          sync.Mutex
	state       EnvState
	seq         uint64
	episode     int64
	history     EnvContext
	lastVersion uint64
	restarts    int
	lastFault   string

	turns  []shard.Turn
	oldest time.Time
	open   bool // a non-terminal shard of the current episode was emitted
}

func (r *envRunner) run(ctx context.Context) {
	a := r.actor
	a.meter.Enter()
	defer a.meter.Leave()

	for {
		err := r.runEnvironment(ctx)
		if err == nil || errors.Is(err, errLimitReached) || ctx.Err() != nil {
			r.setState(Terminated)
			return
		}

		var fault *faults.EnvironmentFault
		if !errors.As(err, &fault) {
			a.logger.Error("environment stopped",
				zap.String("environment", r.id),
				zap.Error(err))
			a.reporter.Report(faults.FromError(a.opts.ID, err))
			r.terminate(err)
			return
		}

		a.faultsN.Add(1)
		a.reporter.Report(faults.FromError(a.opts.ID, fault))
		a.logger.Warn("environment fault",
			zap.String("environment", r.id),
			zap.String("op", fault.Op),
			zap.Error(fault.Err))

		r.mu.Lock()
		canRestart := a.opts.RestartOnFault && r.restarts < a.opts.MaxRestarts
		r.lastFault = fault.Error()
		r.mu.Unlock()
		if !canRestart {
			r.terminate(fault)
			return
		}
		r.mu.Lock()
		r.restarts++
		r.mu.Unlock()
		a.restarts.Add(1)
	}
}

func (r *envRunner) terminate(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = Terminated
	r.lastFault = err.Error()
}

// runEnvironment builds a fresh environment and plays episodes until ctx ends,
// a limit is hit, or the environment faults.
func (r *envRunner) runEnvironment(ctx context.Context) error {
	a := r.actor
	env, err := a.factory(r.id)
	if err != nil {
		return r.fault("create", err)
	}
	if c, ok := env.(io.Closer); ok {
		defer c.Close()
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		if !a.claimEpisode() {
			return errLimitReached
		}
		obs, err := env.Reset(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return r.fault("reset", err)
		}
		r.beginEpisode(obs)

		if err := r.playEpisode(ctx, env, obs); err != nil {
			return err
		}
	}
}

// playEpisode returns nil when the episode ended normally or inference gave up.
func (r *envRunner) playEpisode(ctx context.Context, env Environment, obs shard.Tensor) error {
	a := r.actor
	for {
		if ctx.Err() != nil {
			return r.flush(ctx, true)
		}
		if !a.claimStep() {
			if err := r.flush(ctx, true); err != nil {
				return err
			}
			return errLimitReached
		}

		started := time.Now()
		r.setState(AwaitingAction)
		stopAging := r.flushOnAge(ctx)
		resp, err := a.inferWithRetry(ctx, r.id, obs)
		if ferr := stopAging(); ferr != nil {
			a.steps.Add(-1)
			return ferr
		}
		if err != nil {
			a.steps.Add(-1)
			if ctx.Err() != nil {
				return r.flush(ctx, true)
			}
			a.logger.Warn("inference gave up, ending episode",
				zap.String("environment", r.id),
				zap.Error(err))
			return r.flush(ctx, true)
		}
		sample := resp.Samples[0]

		// Steps are not cancellable once started.
		r.setState(Active)
		next, reward, done, err := env.Step(context.WithoutCancel(ctx), sample.Action)
		if err != nil {
			a.steps.Add(-1)
			if ferr := r.flush(ctx, true); ferr != nil {
				return ferr
			}
			return r.fault("step", err)
		}

		r.record(shard.Turn{
			Observation:   obs,
			Action:        sample.Action,
			ActionLogProb: sample.LogProb,
			Reward:        reward,
			Done:          done,
			PolicyVersion: resp.ServedVersion,
		}, next, started)
		obs = next

		if done {
			a.episodes.Add(1)
			return r.flush(ctx, true)
		}
		if r.due(time.Now()) {
			if err := r.flush(ctx, false); err != nil {
				return err
			}
		}
	}
}

func (r *envRunner) fault(op string, err error) error {
	return &faults.EnvironmentFault{
		ActorID:       r.actor.opts.ID,
		EnvironmentID: r.id,
		Op:            op,
		Err:           err,
	}
}

func (r *envRunner) beginEpisode(first shard.Tensor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.episode++
	r.history.reset(r.episode, first)
	r.state = Active
	r.open = false
}

// record buffers t. started is when the turn began, which ages the buffer.
func (r *envRunner) record(t shard.Turn, next shard.Tensor, started time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.turns) == 0 {
		r.oldest = started
	}
	r.turns = append(r.turns, t)
	r.history.add(t.Action, next, t.Reward)
	r.lastVersion = t.PolicyVersion
}

// due reports whether the size or age threshold was reached.
func (r *envRunner) due(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.turns) == 0 {
		return false
	}
	if len(r.turns) >= r.actor.opts.FlushTurns {
		return true
	}
	iv := r.actor.opts.FlushInterval
	return iv > 0 && now.Sub(r.oldest) >= iv
}

// flushOnAge emits the buffered turns as a non-terminal shard once they reach
// the flush interval, for use while the runner is blocked on inference. The
// returned stop waits for any flush in progress, so the caller never records
// or flushes concurrently with it.
func (r *envRunner) flushOnAge(ctx context.Context) (stop func() error) {
	iv := r.actor.opts.FlushInterval
	r.mu.Lock()
	buffered, oldest := len(r.turns), r.oldest
	r.mu.Unlock()
	if iv <= 0 || buffered == 0 {
		return func() error { return nil }
	}

	done := make(chan struct{})
	result := make(chan error, 1)
	go func() {
		timer := time.NewTimer(time.Until(oldest.Add(iv)))
		defer timer.Stop()
		select {
		case <-done:
			result <- nil
		case <-timer.C:
			r.actor.meter.Enter()
			defer r.actor.meter.Leave()
			result <- r.flush(ctx, false)
		}
	}()
	return func() error {
		close(done)
		return <-result
	}
}

// flush emits buffered turns as the next shard. A terminal flush with nothing
// buffered still closes an episode that already emitted shards.
func (r *envRunner) flush(ctx context.Context, terminal bool) error {
	r.mu.Lock()
	if len(r.turns) == 0 && (!terminal || !r.open) {
		r.mu.Unlock()
		return nil
	}
	s := &shard.TrajectoryShard{
		ActorID:       r.actor.opts.ID,
		EnvironmentID: r.id,
		Sequence:      r.seq,
		Turns:         r.turns,
		IsTerminal:    terminal,
	}
	r.mu.Unlock()

	sendCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), finalFlushTimeout)
		defer cancel()
	}
	if err := r.actor.emit(sendCtx, s); err != nil {
		return err
	}

	r.mu.Lock()
	r.seq++
	r.turns = nil
	r.open = !terminal
	r.mu.Unlock()
	return nil
}

func (r *envRunner) setState(s EnvState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = s
}

func (r *envRunner) status() EnvStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return EnvStatus{
		ID:           r.id,
		State:        r.state,
		Episode:      r.episode,
		NextSequence: r.seq,
		ContextLen:   len(r.history.Observations),
		LastVersion:  r.lastVersion,
		Restarts:     r.restarts,
		LastFault:    r.lastFault,
	}
}
