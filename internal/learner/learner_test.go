package learner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nidhogg/streamrl/internal/checkpoint"
	"github.com/nidhogg/streamrl/internal/coordinator"
	"github.com/nidhogg/streamrl/internal/faults"
	"github.com/nidhogg/streamrl/internal/shard"
	"github.com/nidhogg/streamrl/internal/version"
	"go.uber.org/zap"
)

// appendAlgo appends one byte per update so versions have distinct weights.
type appendAlgo struct {
	mu      sync.Mutex
	batches [][]CorrectedTurn
}

func (a *appendAlgo) Update(_ context.Context, batch []CorrectedTurn, weights []byte) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.batches = append(a.batches, batch)
	out := append([]byte(nil), weights...)
	return append(out, byte(len(batch))), nil
}

type constEval struct{ logp float64 }

func (e constEval) LogProbs(_ context.Context, _ []byte, obs, _ []shard.Tensor) ([]float64, error) {
	out := make([]float64, len(obs))
	for i := range out {
		out[i] = e.logp
	}
	return out, nil
}

// coordPublisher adapts an in-process coordinator.
type coordPublisher struct {
	c    *coordinator.Coordinator
	down bool
	mu   sync.Mutex
}

func (p *coordPublisher) setDown(down bool) {
	p.mu.Lock()
	p.down = down
	p.mu.Unlock()
}

func (p *coordPublisher) PublishVersion(ctx context.Context, mv version.ModelVersion) error {
	p.mu.Lock()
	down := p.down
	p.mu.Unlock()
	if down {
		return errors.New("connection refused")
	}
	_, err := p.c.PublishVersion(ctx, mv)
	return err
}

func (p *coordPublisher) CurrentVersion(context.Context) (version.ModelVersion, error) {
	return p.c.CurrentVersion()
}

type fixture struct {
	learner *Learner
	coord   *coordinator.Coordinator
	pub     *coordPublisher
	store   *checkpoint.MemoryStore
	algo    *appendAlgo
	events  *eventLog
}

type eventLog struct {
	mu  sync.Mutex
	evs []faults.Event
}

func (e *eventLog) Report(ev faults.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.evs = append(e.evs, ev)
}

func (e *eventLog) count(k faults.Kind) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ev := range e.evs {
		if ev.Kind == k {
			n++
		}
	}
	return n
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		coord:  coordinator.New(coordinator.Options{}, nil, nil, zap.NewNop()),
		store:  checkpoint.NewMemoryStore(),
		algo:   &appendAlgo{},
		events: &eventLog{},
	}
	f.pub = &coordPublisher{c: f.coord}
	if opts.ID == "" {
		opts.ID = "learner-test"
	}
	if opts.Retry.MaxElapsed == 0 {
		opts.Retry = Retry{Initial: time.Millisecond, Max: time.Millisecond, MaxElapsed: 10 * time.Millisecond}
	}
	f.learner = New(opts, f.algo, constEval{logp: -0.5}, f.store, f.pub, zap.NewNop())
	f.learner.SetReporter(f.events)
	return f
}

// publishRival simulates another learner moving the canonical version.
func (f *fixture) publishRival(t *testing.T, v uint64) {
	t.Helper()
	h, err := f.store.Write(context.Background(), v, []byte{byte(v)})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.coord.PublishVersion(context.Background(), version.ModelVersion{Version: v, WeightRef: h}); err != nil {
		t.Fatal(err)
	}
}

func mkShard(env string, seq uint64, policyVersion uint64, n int) *shard.TrajectoryShard {
	s := &shard.TrajectoryShard{ActorID: "A", EnvironmentID: env, Sequence: seq}
	for i := 0; i < n; i++ {
		s.Turns = append(s.Turns, shard.Turn{
			Observation:   shard.Float64s(float64(i)),
			Action:        shard.Int64s(1),
			ActionLogProb: -0.5,
			Reward:        1,
			PolicyVersion: policyVersion,
		})
	}
	return s
}

func TestBootstrapPublishesInitialVersion(t *testing.T) {
	f := newFixture(t, Options{})
	if err := f.learner.Bootstrap(context.Background(), []byte("init")); err != nil {
		t.Fatal(err)
	}
	cur, err := f.coord.CurrentVersion()
	if err != nil || cur.Version != 1 {
		t.Fatalf("canonical %v, %v; want v1", cur, err)
	}
	got, err := f.store.Read(context.Background(), cur.WeightRef)
	if err != nil || string(got) != "init" {
		t.Errorf("checkpoint %q, %v", got, err)
	}
}

func TestBootstrapAdoptsCanonical(t *testing.T) {
	f := newFixture(t, Options{})
	f.publishRival(t, 4)
	if err := f.learner.Bootstrap(context.Background(), []byte("ignored")); err != nil {
		t.Fatal(err)
	}
	if v := f.learner.CurrentVersion().Version; v != 4 {
		t.Fatalf("got v%d, want 4", v)
	}
}

func TestRunAppliesAndPublishes(t *testing.T) {
	f := newFixture(t, Options{Trigger: Trigger{Turns: 4}, Correction: Correction{StalenessBound: 4, Policy: StaleDrop}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := f.learner.Bootstrap(ctx, []byte{0}); err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		f.learner.Run(ctx)
		close(done)
	}()

	f.learner.Ingest(ctx, mkShard("E1", 0, 1, 2))
	f.learner.Ingest(ctx, mkShard("E2", 0, 1, 1))
	f.learner.Ingest(ctx, mkShard("E1", 1, 1, 1))

	deadline := time.Now().Add(2 * time.Second)
	for f.learner.Stats().PublishedVersion < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("no update published, stats %+v", f.learner.Stats())
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done

	st := f.learner.Stats()
	if st.Updates != 1 || st.TurnsConsumed != 4 || st.MeanISWeight != 1 {
		t.Errorf("got stats %+v", st)
	}
	cur, _ := f.coord.CurrentVersion()
	if cur.Version != 2 {
		t.Errorf("canonical v%d, want 2", cur.Version)
	}
	streams := f.learner.Streams()
	if len(streams) != 2 || streams[0].Turns != 3 || streams[0].LastSequence != 1 {
		t.Errorf("got streams %+v", streams)
	}
}

func TestGapReportedAndDuplicatesDropped(t *testing.T) {
	f := newFixture(t, Options{Trigger: Trigger{Turns: 1000}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.learner.Bootstrap(ctx, []byte{0})
	done := make(chan struct{})
	go func() {
		f.learner.Run(ctx)
		close(done)
	}()

	f.learner.Ingest(ctx, mkShard("E", 0, 1, 1))
	f.learner.Ingest(ctx, mkShard("E", 0, 1, 1))
	f.learner.Ingest(ctx, mkShard("E", 3, 1, 1))

	deadline := time.Now().Add(2 * time.Second)
	for f.learner.Stats().ShardsReceived < 3 {
		if time.Now().After(deadline) {
			t.Fatal("shards not consumed")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done

	st := f.learner.Stats()
	if st.Gaps != 1 || st.LostShards != 2 || st.Duplicates != 1 {
		t.Errorf("got gaps=%d lost=%d duplicates=%d", st.Gaps, st.LostShards, st.Duplicates)
	}
	if f.events.count(faults.KindOrderingGap) != 1 {
		t.Errorf("gap not reported as a data-loss event")
	}
	if st.PendingTurns != 2 {
		t.Errorf("got %d pending turns, want 2", st.PendingTurns)
	}
}

func TestStaleTurnsDroppedAndUnattributableExcluded(t *testing.T) {
	f := newFixture(t, Options{Correction: Correction{StalenessBound: 2, Policy: StaleDrop}})
	ctx := context.Background()
	f.publishRival(t, 5)
	f.learner.Bootstrap(ctx, nil)

	f.learner.accept(shard.Result{Released: []*shard.TrajectoryShard{
		mkShard("E", 0, 1, 3), // staleness 4: dropped
		mkShard("F", 0, 4, 2), // staleness 1: kept
		mkShard("G", 0, 9, 1), // future version: unattributable
	}})
	if err := f.learner.Step(ctx); err != nil {
		t.Fatal(err)
	}
	st := f.learner.Stats()
	if st.TurnsDroppedStale != 3 || st.TurnsConsumed != 2 || st.TurnsUnattributable != 1 {
		t.Errorf("got %+v", st)
	}
	if f.events.count(faults.KindUnattributable) != 1 {
		t.Error("unattributable turns not reported")
	}
	batch := f.algo.batches[0]
	if len(batch) != 2 || batch[0].Staleness != 1 {
		t.Errorf("got batch %+v", batch)
	}
}

func TestRederiveAfterRejection(t *testing.T) {
	f := newFixture(t, Options{Correction: Correction{StalenessBound: 10, Policy: StaleDrop}})
	ctx := context.Background()
	f.learner.Bootstrap(ctx, []byte{0})

	// A rival learner moved the canonical version past ours.
	f.publishRival(t, 5)

	f.learner.accept(shard.Result{Released: []*shard.TrajectoryShard{mkShard("E", 0, 1, 2)}})
	if err := f.learner.Step(ctx); err != nil {
		t.Fatal(err)
	}

	cur, _ := f.coord.CurrentVersion()
	if cur.Version != 6 {
		t.Fatalf("canonical v%d, want 6 (re-derived on top of 5)", cur.Version)
	}
	weights, err := f.store.Read(ctx, cur.WeightRef)
	if err != nil {
		t.Fatal(err)
	}
	if len(weights) != 2 || weights[0] != 5 {
		t.Errorf("v6 weights %v not derived from v5", weights)
	}
	if len(f.algo.batches) != 2 || f.algo.batches[1][0].Staleness != 4 {
		t.Errorf("corrections were not recomputed against v5")
	}
}

func TestDegradedThenRecovers(t *testing.T) {
	f := newFixture(t, Options{Correction: Correction{StalenessBound: 10, Policy: StaleDrop}})
	ctx := context.Background()
	f.learner.Bootstrap(ctx, []byte{0})

	f.pub.setDown(true)
	f.learner.accept(shard.Result{Released: []*shard.TrajectoryShard{mkShard("E", 0, 1, 1)}})
	if err := f.learner.Step(ctx); err != nil {
		t.Fatal(err)
	}
	st := f.learner.Stats()
	if !st.Degraded || st.CurrentVersion != 2 || st.PublishedVersion != 1 {
		t.Fatalf("got %+v, want degraded at local v2", st)
	}
	if f.events.count(faults.KindHealthDegraded) != 1 {
		t.Error("degradation not reported")
	}

	f.pub.setDown(false)
	f.learner.accept(shard.Result{Released: []*shard.TrajectoryShard{mkShard("E", 1, 1, 1)}})
	if err := f.learner.Step(ctx); err != nil {
		t.Fatal(err)
	}
	st = f.learner.Stats()
	if st.Degraded || st.PublishedVersion != 3 {
		t.Errorf("got %+v, want published v3", st)
	}
	if f.events.count(faults.KindHealthRestored) != 1 {
		t.Error("recovery not reported")
	}
}

func TestTryIngestBackpressure(t *testing.T) {
	f := newFixture(t, Options{QueueCapacity: 1})
	if err := f.learner.TryIngest(mkShard("E", 0, 1, 1)); err != nil {
		t.Fatal(err)
	}
	if err := f.learner.TryIngest(mkShard("E", 1, 1, 1)); !errors.Is(err, faults.ErrQueueFull) {
		t.Fatalf("got %v, want ErrQueueFull", err)
	}
	if f.learner.Credits() != 0 {
		t.Errorf("got %d credits, want 0", f.learner.Credits())
	}
}

func TestNewerBehaviourVersionAdoptsCanonical(t *testing.T) {
	f := newFixture(t, Options{Correction: Correction{StalenessBound: 4, Policy: StaleDrop}})
	ctx := context.Background()
	f.learner.Bootstrap(ctx, []byte{0})

	// Another learner published v3 and the actor already sampled under it.
	f.publishRival(t, 3)
	f.learner.accept(shard.Result{Released: []*shard.TrajectoryShard{mkShard("E", 0, 3, 4)}})
	if err := f.learner.Step(ctx); err != nil {
		t.Fatal(err)
	}

	st := f.learner.Stats()
	if st.TurnsConsumed != 4 || st.TurnsUnattributable != 0 {
		t.Errorf("got consumed=%d unattributable=%d, want 4 and 0", st.TurnsConsumed, st.TurnsUnattributable)
	}
	cur, _ := f.coord.CurrentVersion()
	if cur.Version != 4 {
		t.Fatalf("canonical v%d, want 4 (built on v3)", cur.Version)
	}
	weights, err := f.store.Read(ctx, cur.WeightRef)
	if err != nil {
		t.Fatal(err)
	}
	if len(weights) != 2 || weights[0] != 3 {
		t.Errorf("v4 weights %v not derived from v3", weights)
	}
	if f.algo.batches[0][0].Staleness != 0 {
		t.Errorf("staleness %d, want 0 against v3", f.algo.batches[0][0].Staleness)
	}
}

type toggleEval struct {
	mu  sync.Mutex
	err error
}

func (e *toggleEval) set(err error) {
	e.mu.Lock()
	e.err = err
	e.mu.Unlock()
}

func (e *toggleEval) LogProbs(ctx context.Context, w []byte, obs, actions []shard.Tensor) ([]float64, error) {
	e.mu.Lock()
	err := e.err
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return constEval{logp: -0.5}.LogProbs(ctx, w, obs, actions)
}

func TestFailedUpdateKeepsBatchPending(t *testing.T) {
	f := newFixture(t, Options{MaxRederive: 2, Correction: Correction{StalenessBound: 4, Policy: StaleDrop}})
	ctx := context.Background()
	f.learner.Bootstrap(ctx, []byte{0})
	eval := &toggleEval{err: errors.New("evaluator down")}
	f.learner.eval = eval

	f.learner.accept(shard.Result{Released: []*shard.TrajectoryShard{mkShard("E", 0, 1, 5)}})
	if err := f.learner.Step(ctx); err == nil {
		t.Fatal("expected step error")
	}
	if st := f.learner.Stats(); st.PendingTurns != 5 || st.TurnsConsumed != 0 {
		t.Fatalf("got pending=%d consumed=%d, want 5 and 0", st.PendingTurns, st.TurnsConsumed)
	}

	eval.set(nil)
	if err := f.learner.Step(ctx); err != nil {
		t.Fatal(err)
	}
	st := f.learner.Stats()
	if st.PendingTurns != 0 || st.TurnsConsumed != 5 || st.TurnsLost != 0 {
		t.Errorf("got %+v", st)
	}
	if f.events.count(faults.KindDataLoss) != 0 {
		t.Error("data loss reported for a recovered batch")
	}
}

func TestRepeatedUpdateFailureReportsLoss(t *testing.T) {
	f := newFixture(t, Options{MaxRederive: 2, Correction: Correction{StalenessBound: 4, Policy: StaleDrop}})
	ctx := context.Background()
	f.learner.Bootstrap(ctx, []byte{0})
	f.learner.eval = &toggleEval{err: errors.New("evaluator down")}

	f.learner.accept(shard.Result{Released: []*shard.TrajectoryShard{mkShard("E", 0, 1, 5)}})
	for i := 0; i < 3; i++ {
		if err := f.learner.Step(ctx); err == nil {
			t.Fatalf("step %d: expected error", i)
		}
		if i < 2 && f.learner.Stats().PendingTurns != 5 {
			t.Fatalf("step %d: batch not kept", i)
		}
	}

	st := f.learner.Stats()
	if st.PendingTurns != 0 || st.TurnsLost != 5 {
		t.Errorf("got pending=%d lost=%d, want 0 and 5", st.PendingTurns, st.TurnsLost)
	}
	if f.events.count(faults.KindDataLoss) != 1 {
		t.Errorf("data loss events = %d, want 1", f.events.count(faults.KindDataLoss))
	}
}
