package learner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nidhogg/streamrl/internal/faults"
	"github.com/nidhogg/streamrl/internal/shard"
	"github.com/nidhogg/streamrl/internal/version"
	"go.uber.org/zap"
)

// maxVersionBumps bounds how far publishNew skips past versions whose
// checkpoint already exists.
const maxVersionBumps = 16

type correctionReport struct {
	consumed       map[uint64]Consumption
	kept           int
	droppedStale   int
	unattributable int
	weightSum      float64
}

// Step applies every pending turn as one update and publishes the result.
// It is what Run calls when the trigger fires; tests call it directly.
func (l *Learner) Step(ctx context.Context) error {
	l.mu.Lock()
	batch := l.pending
	l.pending = nil
	l.pendingN = 0
	l.lastApply = time.Now()
	base := l.current
	weights := l.weights
	l.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	err := l.step(ctx, batch, base, weights)
	if err == nil {
		l.mu.Lock()
		l.failedSteps = 0
		l.mu.Unlock()
		return nil
	}
	l.requeue(batch, err)
	return err
}

// requeue puts a batch whose update failed back in front of pending. After
// more than MaxRederive consecutive failures the batch is dropped and the
// loss is reported.
func (l *Learner) requeue(batch []*shard.TrajectoryShard, cause error) {
	turns := 0
	for _, s := range batch {
		turns += len(s.Turns)
	}

	l.mu.Lock()
	l.failedSteps++
	if l.failedSteps > l.opts.MaxRederive {
		l.failedSteps = 0
		l.stats.TurnsLost += int64(turns)
		l.mu.Unlock()
		l.logger.Error("update kept failing, batch dropped",
			zap.Int("shards", len(batch)),
			zap.Int("turns", turns),
			zap.Error(cause))
		l.reporter.Report(faults.Event{
			Kind:      faults.KindDataLoss,
			Component: l.opts.ID,
			Message:   fmt.Sprintf("dropped %d turns after repeated update failures: %v", turns, cause),
			Fields:    map[string]string{"turns": fmt.Sprint(turns), "shards": fmt.Sprint(len(batch))},
			At:        time.Now(),
		})
		return
	}
	l.pending = append(batch[:len(batch):len(batch)], l.pending...)
	l.pendingN += turns
	l.mu.Unlock()
}

// catchUp adopts the canonical version when batch holds turns sampled under
// a version newer than base, which happens once another learner published.
// Turns newer than the canonical version stay unattributable.
func (l *Learner) catchUp(ctx context.Context, batch []*shard.TrajectoryShard, base version.ModelVersion, weights []byte) (version.ModelVersion, []byte, error) {
	var newest uint64
	for _, s := range batch {
		for _, t := range s.Turns {
			if t.PolicyVersion > newest {
				newest = t.PolicyVersion
			}
		}
	}
	if newest <= base.Version {
		return base, weights, nil
	}

	canonical, err := l.publisher.CurrentVersion(ctx)
	if err != nil {
		return base, weights, fmt.Errorf("fetch canonical version: %w", err)
	}
	if canonical.Version <= base.Version {
		return base, weights, nil
	}
	cw, err := l.store.Read(ctx, canonical.WeightRef)
	if err != nil {
		return base, weights, fmt.Errorf("load canonical v%d: %w", canonical.Version, err)
	}
	l.adopt(canonical, cw, true)
	l.logger.Info("adopted newer canonical version before update",
		zap.Uint64("from", base.Version),
		zap.Uint64("to", canonical.Version),
		zap.Uint64("newest_behaviour", newest))
	return canonical, cw, nil
}

// step runs one update over batch. An error means nothing was consumed.
func (l *Learner) step(ctx context.Context, batch []*shard.TrajectoryShard, base version.ModelVersion, weights []byte) error {
	if base.IsZero() {
		return fmt.Errorf("step: learner not bootstrapped")
	}
	base, weights, err := l.catchUp(ctx, batch, base, weights)
	if err != nil {
		return err
	}

	for attempt := 0; ; attempt++ {
		corrected, rep, err := l.correct(ctx, batch, base.Version, weights)
		if err != nil {
			return fmt.Errorf("correct batch: %w", err)
		}
		if len(corrected) == 0 {
			l.record(rep)
			l.logger.Debug("batch had no usable turns", zap.Int("shards", len(batch)))
			return nil
		}

		next, err := l.algo.Update(ctx, corrected, weights)
		if err != nil {
			return fmt.Errorf("update from v%d: %w", base.Version, err)
		}

		mv, err := l.publishNew(ctx, base.Version+1, next, base.Version, rep.consumed)
		if err == nil {
			l.record(rep)
			l.mu.Lock()
			l.stats.Updates++
			wasDegraded := l.degraded
			l.mu.Unlock()
			l.adopt(mv, next, true)
			if wasDegraded {
				l.reporter.Report(faults.Event{Kind: faults.KindHealthRestored, Component: l.opts.ID, Message: "publishing again", At: time.Now()})
			}
			l.logger.Info("update published",
				zap.Uint64("version", mv.Version),
				zap.Uint64("parent", base.Version),
				zap.Int("turns", rep.kept),
				zap.Int("dropped_stale", rep.droppedStale))
			return nil
		}

		rej, rejected := asRejected(err)
		if !rejected || attempt >= l.opts.MaxRederive {
			l.record(rep)
			l.mu.Lock()
			l.stats.Updates++
			l.mu.Unlock()
			l.degrade(mv, next, err)
			return nil
		}

		// Someone else moved the canonical version: rebuild on top of it.
		l.logger.Warn("publish rejected, re-deriving from canonical version",
			zap.Uint64("proposed", rej.Proposed),
			zap.Uint64("current", rej.Current),
			zap.String("reason", rej.RejectReason()))
		canonical, err := l.publisher.CurrentVersion(ctx)
		if err != nil {
			return fmt.Errorf("fetch canonical version: %w", err)
		}
		cw, err := l.store.Read(ctx, canonical.WeightRef)
		if err != nil {
			return fmt.Errorf("load canonical v%d: %w", canonical.Version, err)
		}
		l.adopt(canonical, cw, true)
		base, weights = canonical, cw
	}
}

// correct admits, re-scores and weighs every turn in batch against version current.
func (l *Learner) correct(ctx context.Context, batch []*shard.TrajectoryShard, current uint64, weights []byte) ([]CorrectedTurn, correctionReport, error) {
	rep := correctionReport{consumed: make(map[uint64]Consumption)}
	var (
		kept    []CorrectedTurn
		obs     []shard.Tensor
		actions []shard.Tensor
	)
	for _, s := range batch {
		for _, t := range s.Turns {
			switch l.opts.Correction.Admit(t.PolicyVersion, current) {
			case Unattributable:
				rep.unattributable++
				continue
			case DropStale:
				rep.droppedStale++
				continue
			}
			kept = append(kept, CorrectedTurn{Turn: t, ActorID: s.ActorID, EnvironmentID: s.EnvironmentID})
			obs = append(obs, t.Observation)
			actions = append(actions, t.Action)
		}
	}
	if len(kept) == 0 {
		return nil, rep, nil
	}

	logps, err := l.eval.LogProbs(ctx, weights, obs, actions)
	if err != nil {
		return nil, rep, err
	}
	if len(logps) != len(kept) {
		return nil, rep, fmt.Errorf("evaluator returned %d log-probs for %d turns", len(logps), len(kept))
	}

	for i := range kept {
		ct := &kept[i]
		ct.Staleness = current - ct.PolicyVersion
		ct.Ratio, ct.Weight = l.opts.Correction.Weigh(ct.PolicyVersion, current, logps[i], ct.ActionLogProb)
		rep.weightSum += ct.Weight

		c := rep.consumed[ct.PolicyVersion]
		c.MeanWeight = (c.MeanWeight*float64(c.Turns) + ct.Weight) / float64(c.Turns+1)
		c.Turns++
		rep.consumed[ct.PolicyVersion] = c
	}
	rep.kept = len(kept)
	return kept, rep, nil
}

func (l *Learner) record(rep correctionReport) {
	if rep.unattributable > 0 {
		l.logger.Warn("unattributable turns excluded", zap.Int("turns", rep.unattributable))
		l.reporter.Report(faults.Event{
			Kind:      faults.KindUnattributable,
			Component: l.opts.ID,
			Message:   fmt.Sprintf("%d turns carried an unknown or future policy version", rep.unattributable),
			At:        time.Now(),
		})
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stats.TurnsConsumed += int64(rep.kept)
	l.stats.TurnsDroppedStale += int64(rep.droppedStale)
	l.stats.TurnsUnattributable += int64(rep.unattributable)
	l.weightSum += rep.weightSum
	l.weightN += int64(rep.kept)
}

// publishNew writes the checkpoint for v (or the next free version) and
// publishes it, retrying transport failures with backoff. On failure the
// returned version still describes the locally trained weights.
func (l *Learner) publishNew(ctx context.Context, v uint64, weights []byte, parent uint64, consumed map[uint64]Consumption) (version.ModelVersion, error) {
	var handle string
	for bumps := 0; ; bumps++ {
		h, err := l.store.Write(ctx, v, weights)
		if err == nil {
			handle = h
			break
		}
		if errors.Is(err, faults.ErrCheckpointExists) && bumps < maxVersionBumps {
			v++
			continue
		}
		return version.ModelVersion{Version: v, Precision: l.opts.Precision}, fmt.Errorf("write checkpoint v%d: %w", v, err)
	}

	mv := version.ModelVersion{Version: v, WeightRef: handle, Precision: l.opts.Precision, CreatedAt: time.Now()}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.opts.Retry.Initial
	b.MaxInterval = l.opts.Retry.Max
	b.MaxElapsedTime = l.opts.Retry.MaxElapsed
	op := func() error {
		err := l.publisher.PublishVersion(ctx, mv)
		if _, ok := asRejected(err); ok {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		l.logger.Warn("publish failed, retrying",
			zap.Uint64("version", mv.Version),
			zap.Duration("backoff", wait),
			zap.Error(err))
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return mv, err
	}

	if l.lineage != nil {
		if err := l.lineage.RecordUpdate(ctx, mv, parent, consumed); err != nil {
			l.logger.Warn("lineage record failed", zap.Uint64("version", mv.Version), zap.Error(err))
		}
	}
	return mv, nil
}

// degrade keeps training on local weights after publishing gave up. The next
// successful publish carries a later version.
func (l *Learner) degrade(local version.ModelVersion, weights []byte, cause error) {
	l.mu.Lock()
	l.current = local
	l.weights = weights
	first := !l.degraded
	l.degraded = true
	l.mu.Unlock()

	l.logger.Error("publish gave up, continuing on local weights",
		zap.Uint64("local_version", local.Version),
		zap.Error(cause))
	if first {
		l.reporter.Report(faults.Event{
			Kind:      faults.KindHealthDegraded,
			Component: l.opts.ID,
			Message:   fmt.Sprintf("cannot publish v%d: %v", local.Version, cause),
			At:        time.Now(),
		})
	}
}

func asRejected(err error) (*faults.StaleVersionRejected, bool) {
	var r *faults.StaleVersionRejected
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}
