// Package learner consumes the shard stream, corrects for policy staleness,
// applies updates and publishes new model versions.
package learner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nidhogg/streamrl/internal/checkpoint"
	"github.com/nidhogg/streamrl/internal/faults"
	"github.com/nidhogg/streamrl/internal/shard"
	"github.com/nidhogg/streamrl/internal/utilization"
	"github.com/nidhogg/streamrl/internal/version"
	"go.uber.org/zap"
)

// Retry bounds publish retries.
type Retry struct {
	Initial    time.Duration
	Max        time.Duration
	MaxElapsed time.Duration
}

// Options configure ingestion, triggering and correction.
type Options struct {
	ID            string
	QueueCapacity int
	ReorderWindow int
	Trigger       Trigger
	Correction    Correction
	Precision     version.Precision
	Retry         Retry
	MaxRederive   int
	MeterWindow   time.Duration
}

// Stats are cumulative learner counters.
type Stats struct {
	Updates             int64              `json:"updates"`
	ShardsReceived      int64              `json:"shards_received"`
	TurnsConsumed       int64              `json:"turns_consumed"`
	TurnsDroppedStale   int64              `json:"turns_dropped_stale"`
	TurnsUnattributable int64              `json:"turns_unattributable"`
	TurnsLost           int64              `json:"turns_lost"`
	Gaps                int64              `json:"gaps"`
	LostShards          uint64             `json:"lost_shards"`
	Duplicates          int64              `json:"duplicates"`
	CurrentVersion      uint64             `json:"current_version"`
	PublishedVersion    uint64             `json:"published_version"`
	MeanISWeight        float64            `json:"mean_is_weight"`
	Degraded            bool               `json:"degraded"`
	PendingTurns        int                `json:"pending_turns"`
	QueueLen            int                `json:"queue_len"`
	Credits             int                `json:"credits"`
	Utilization         utilization.Sample `json:"utilization"`
}

// StreamStats are the per-environment statistics, applied in shard order.
type StreamStats struct {
	Key           shard.StreamKey `json:"key"`
	Shards        int64           `json:"shards"`
	Turns         int64           `json:"turns"`
	Episodes      int64           `json:"episodes"`
	LastSequence  uint64          `json:"last_sequence"`
	EpisodeReturn float64         `json:"episode_return"`
	LastReturn    float64         `json:"last_return"`
}

// Learner is one training process. Ingest may be called concurrently; Run
// owns everything else.
type Learner struct {
	opts      Options
	queue     *shard.Stream
	tracker   *shard.SequenceTracker
	algo      Algorithm
	eval      Evaluator
	store     checkpoint.Store
	publisher Publisher
	lineage   LineageRecorder
	reporter  faults.Reporter
	meter     *utilization.Meter

	mu        sync.RWMutex
	pending   []*shard.TrajectoryShard
	pendingN  int
	lastApply time.Time
	weights   []byte
	current   version.ModelVersion
	published uint64
	degraded  bool
	// failedSteps counts consecutive updates that failed before consuming their batch.
	failedSteps int
	streams     map[shard.StreamKey]*StreamStats
	stats       Stats
	weightSum   float64
	weightN     int64
	logger      *zap.Logger
}

// New creates a learner. Bootstrap must run before Run.
func New(opts Options, algo Algorithm, eval Evaluator, store checkpoint.Store, publisher Publisher, logger *zap.Logger) *Learner {
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = 256
	}
	if opts.Trigger.Turns == 0 && opts.Trigger.Interval == 0 {
		opts.Trigger.Turns = 256
	}
	if opts.Correction.Policy == "" {
		opts.Correction.Policy = StaleDrop
	}
	if opts.Precision.Kind == "" {
		opts.Precision = version.FullPrecision()
	}
	if opts.MaxRederive <= 0 {
		opts.MaxRederive = 3
	}
	if opts.Retry.Initial <= 0 {
		opts.Retry.Initial = 100 * time.Millisecond
	}
	if opts.Retry.Max <= 0 {
		opts.Retry.Max = 5 * time.Second
	}
	if opts.Retry.MaxElapsed <= 0 {
		opts.Retry.MaxElapsed = 30 * time.Second
	}
	return &Learner{
		opts:      opts,
		queue:     shard.NewStream(opts.QueueCapacity),
		tracker:   shard.NewSequenceTracker(opts.ReorderWindow),
		algo:      algo,
		eval:      eval,
		store:     store,
		publisher: publisher,
		reporter:  faults.Discard,
		meter:     utilization.NewMeter(opts.MeterWindow),
		streams:   make(map[shard.StreamKey]*StreamStats),
		logger:    logger,
	}
}

// SetReporter routes data-loss and health events to r.
func (l *Learner) SetReporter(r faults.Reporter) {
	if r == nil {
		r = faults.Discard
	}
	l.reporter = r
}

// SetLineage records provenance for every published version.
func (l *Learner) SetLineage(rec LineageRecorder) { l.lineage = rec }

// Ingest queues s, suspending while the queue is full.
func (l *Learner) Ingest(ctx context.Context, s *shard.TrajectoryShard) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	return l.queue.Send(ctx, s)
}

// TryIngest queues s or returns faults.ErrQueueFull. Remote transports use it
// to turn backpressure into an explicit signal.
func (l *Learner) TryIngest(s *shard.TrajectoryShard) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	return l.queue.TrySend(s)
}

// Credits returns how many shards fit before ingestion backpressures.
func (l *Learner) Credits() int { return l.queue.Credits() }

// Bootstrap adopts the canonical version, or publishes initial as version 1
// when nothing was published yet.
func (l *Learner) Bootstrap(ctx context.Context, initial []byte) error {
	mv, err := l.publisher.CurrentVersion(ctx)
	switch {
	case err == nil:
		weights, err := l.store.Read(ctx, mv.WeightRef)
		if err != nil {
			return fmt.Errorf("load canonical v%d: %w", mv.Version, err)
		}
		l.adopt(mv, weights, true)
		l.logger.Info("learner adopted canonical version", zap.Uint64("version", mv.Version))
		return nil
	case !errors.Is(err, faults.ErrNoVersion):
		return fmt.Errorf("bootstrap: %w", err)
	}

	mv, err = l.publishNew(ctx, 1, initial, 0, nil)
	if err != nil {
		return fmt.Errorf("publish initial version: %w", err)
	}
	l.adopt(mv, initial, true)
	return nil
}

// Run consumes shards and applies updates until ctx ends. Held shards are
// released (and their gaps reported) on exit.
func (l *Learner) Run(ctx context.Context) error {
	l.mu.Lock()
	l.lastApply = time.Now()
	l.mu.Unlock()

	var tick <-chan time.Time
	if iv := l.opts.Trigger.Interval; iv > 0 {
		t := time.NewTicker(iv / 2)
		defer t.Stop()
		tick = t.C
	}

	l.logger.Info("learner started",
		zap.String("id", l.opts.ID),
		zap.String("trigger", l.opts.Trigger.String()),
		zap.Uint64("staleness_bound", l.opts.Correction.StalenessBound),
		zap.String("stale_policy", string(l.opts.Correction.Policy)))

	for {
		select {
		case <-ctx.Done():
			l.queue.Close()
			l.accept(l.tracker.Flush())
			return nil
		case s := <-l.queue.Shards():
			l.meter.Busy()
			l.observe(s)
		case <-tick:
		}

		l.mu.RLock()
		due := l.opts.Trigger.Due(l.pendingN, l.lastApply, time.Now())
		l.mu.RUnlock()
		if due {
			l.meter.Busy()
			if err := l.Step(ctx); err != nil && ctx.Err() == nil {
				l.logger.Error("update failed", zap.Error(err))
			}
		}
		l.meter.Suspend()
	}
}

func (l *Learner) observe(s *shard.TrajectoryShard) {
	res := l.tracker.Observe(s)
	l.mu.Lock()
	l.stats.ShardsReceived++
	if res.Verdict == shard.Duplicate {
		l.stats.Duplicates++
	}
	l.mu.Unlock()
	if res.Verdict == shard.Duplicate {
		l.logger.Debug("duplicate shard dropped",
			zap.String("stream", s.Key().String()),
			zap.Uint64("sequence", s.Sequence))
		return
	}
	l.accept(res)
}

// accept reports gaps and queues released shards in release order.
func (l *Learner) accept(res shard.Result) {
	for _, gap := range res.Gaps {
		l.logger.Error("shard ordering gap",
			zap.String("actor", gap.ActorID),
			zap.String("environment", gap.EnvironmentID),
			zap.Uint64("expected", gap.Expected),
			zap.Uint64("received", gap.Received))
		l.reporter.Report(faults.FromError(l.opts.ID, gap))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, gap := range res.Gaps {
		l.stats.Gaps++
		l.stats.LostShards += gap.Missing()
	}
	for _, s := range res.Released {
		l.applyStreamStats(s)
		l.pending = append(l.pending, s)
		l.pendingN += len(s.Turns)
	}
}

// applyStreamStats must see each stream's shards in sequence order.
func (l *Learner) applyStreamStats(s *shard.TrajectoryShard) {
	st, ok := l.streams[s.Key()]
	if !ok {
		st = &StreamStats{Key: s.Key()}
		l.streams[s.Key()] = st
	}
	st.Shards++
	st.Turns += int64(len(s.Turns))
	st.LastSequence = s.Sequence
	for _, t := range s.Turns {
		st.EpisodeReturn += t.Reward
	}
	if s.IsTerminal {
		st.Episodes++
		st.LastReturn = st.EpisodeReturn
		st.EpisodeReturn = 0
	}
}

// Streams returns per-environment statistics ordered by key.
func (l *Learner) Streams() []StreamStats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]StreamStats, 0, len(l.streams))
	for _, st := range l.streams {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// Stats returns a snapshot of the counters.
func (l *Learner) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	st := l.stats
	st.CurrentVersion = l.current.Version
	st.PublishedVersion = l.published
	st.Degraded = l.degraded
	st.PendingTurns = l.pendingN
	if l.weightN > 0 {
		st.MeanISWeight = l.weightSum / float64(l.weightN)
	}
	st.QueueLen = l.queue.Len()
	st.Credits = l.queue.Credits()
	st.Utilization = l.meter.Sample()
	return st
}

// CurrentVersion is the version the learner trains on top of.
func (l *Learner) CurrentVersion() version.ModelVersion {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

func (l *Learner) adopt(mv version.ModelVersion, weights []byte, published bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.current = mv
	l.weights = weights
	if published {
		l.published = mv.Version
		l.degraded = false
	}
}
