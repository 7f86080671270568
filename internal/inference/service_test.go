package inference

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nidhogg/streamrl/internal/faults"
	"github.com/nidhogg/streamrl/internal/shard"
	"github.com/nidhogg/streamrl/internal/version"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// taggedModel answers every observation with its own version number as the action.
type taggedModel struct {
	version uint64
}

func (m *taggedModel) Forward(_ context.Context, obs []shard.Tensor) ([]Sample, error) {
	out := make([]Sample, len(obs))
	for i := range obs {
		out[i] = Sample{Action: shard.Int64s(int64(m.version)), LogProb: -0.5}
	}
	return out, nil
}

// fakePolicy parses the version from the weights and can hold Load for chosen versions.
type fakePolicy struct {
	mu         sync.Mutex
	gates      map[uint64]chan struct{}
	precisions []version.Precision
}

func (p *fakePolicy) gate(v uint64) chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gates == nil {
		p.gates = make(map[uint64]chan struct{})
	}
	ch := make(chan struct{})
	p.gates[v] = ch
	return ch
}

func (p *fakePolicy) Load(ctx context.Context, weights []byte, precision version.Precision) (Model, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(string(weights), "w"), 10, 64)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	gate := p.gates[v]
	p.precisions = append(p.precisions, precision)
	p.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &taggedModel{version: v}, nil
}

// fakeStore serves "w<N>" for handle "h<N>" and can block reads.
type fakeStore struct {
	mu    sync.Mutex
	gates map[string]chan struct{}
}

func (s *fakeStore) Write(context.Context, uint64, []byte) (string, error) {
	return "", errors.New("read only")
}

func (s *fakeStore) Read(ctx context.Context, handle string) ([]byte, error) {
	s.mu.Lock()
	gate := s.gates[handle]
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return []byte("w" + strings.TrimPrefix(handle, "h")), nil
}

type quantizeRecorder struct {
	mu    sync.Mutex
	calls int
}

func (q *quantizeRecorder) Quantize(_ context.Context, w []byte, _ version.Precision) ([]byte, error) {
	q.mu.Lock()
	q.calls++
	q.mu.Unlock()
	return w, nil
}

type ackRecorder struct {
	mu   sync.Mutex
	acks []uint64
}

func (a *ackRecorder) AckSwap(_ context.Context, _ string, v uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks = append(a.acks, v)
	return nil
}

func (a *ackRecorder) list() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]uint64(nil), a.acks...)
}

func target(v uint64) version.ModelVersion {
	return version.ModelVersion{Version: v, WeightRef: "h" + strconv.FormatUint(v, 10), Precision: version.FullPrecision()}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func newTestService(t *testing.T, opts Options, store *fakeStore, policy *fakePolicy) *Service {
	t.Helper()
	if opts.ID == "" {
		opts.ID = "inf-test"
	}
	svc := NewService(opts, store, policy, &quantizeRecorder{}, zap.NewNop())
	svc.Start(context.Background())
	t.Cleanup(svc.Close)
	return svc
}

func obs(n int) []shard.Tensor {
	out := make([]shard.Tensor, n)
	for i := range out {
		out[i] = shard.Float64s(float64(i))
	}
	return out
}

func TestInferUnavailableBeforeFirstSwap(t *testing.T) {
	svc := newTestService(t, Options{}, &fakeStore{}, &fakePolicy{})
	_, err := svc.Infer(context.Background(), Request{Observations: obs(1)})
	if !errors.Is(err, faults.ErrInferenceUnavailable) {
		t.Fatalf("got %v, want ErrInferenceUnavailable", err)
	}
}

func TestSwapThenServe(t *testing.T) {
	acks := &ackRecorder{}
	svc := newTestService(t, Options{}, &fakeStore{}, &fakePolicy{})
	svc.SetAcker(acks)

	svc.NotifyTarget(context.Background(), target(1))
	waitFor(t, "v1 active", func() bool { return svc.ActiveVersion() == 1 })

	resp, err := svc.Infer(context.Background(), Request{Observations: obs(3)})
	if err != nil {
		t.Fatal(err)
	}
	if resp.ServedVersion != 1 || len(resp.Samples) != 3 {
		t.Fatalf("got %+v", resp)
	}
	waitFor(t, "swap ack", func() bool { return len(acks.list()) == 1 })

	// Stale or equal targets are ignored.
	svc.NotifyTarget(context.Background(), target(1))
	if st := svc.Status().Buffer; st.State != "idle" || st.Swaps != 1 {
		t.Errorf("stale target changed state: %+v", st)
	}
}

func TestLastTargetWins(t *testing.T) {
	store := &fakeStore{gates: map[string]chan struct{}{"h1": make(chan struct{})}}
	acks := &ackRecorder{}
	svc := newTestService(t, Options{}, store, &fakePolicy{})
	svc.SetAcker(acks)

	svc.NotifyTarget(context.Background(), target(1))
	waitFor(t, "fetching v1", func() bool { return svc.Status().Buffer.State == "fetching" })

	svc.NotifyTarget(context.Background(), target(2))
	waitFor(t, "v2 active", func() bool { return svc.ActiveVersion() == 2 })
	close(store.gates["h1"])

	st := svc.Status().Buffer
	if st.Preemptions != 1 || st.Swaps != 1 {
		t.Errorf("got %+v, want one preemption and one swap", st)
	}
	time.Sleep(10 * time.Millisecond)
	if svc.ActiveVersion() != 2 {
		t.Errorf("abandoned v1 preparation replaced v2")
	}
	if got := acks.list(); len(got) != 1 || got[0] != 2 {
		t.Errorf("got acks %v, want only [2]", got)
	}

	// An older target arriving late does not preempt anything.
	svc.NotifyTarget(context.Background(), target(1))
	if st := svc.Status().Buffer; st.State != "idle" {
		t.Errorf("older target restarted preparation: %+v", st)
	}
}

func TestNoMixedVersionsAcrossSwap(t *testing.T) {
	policy := &fakePolicy{}
	svc := newTestService(t, Options{CoalesceWindow: 300 * time.Millisecond, MaxBatch: 1000}, &fakeStore{}, policy)

	svc.NotifyTarget(context.Background(), target(1))
	waitFor(t, "v1 active", func() bool { return svc.ActiveVersion() == 1 })

	gate := policy.gate(2)
	svc.NotifyTarget(context.Background(), target(2))

	type result struct {
		resp Response
		err  error
	}
	first := make(chan result, 1)
	go func() {
		resp, err := svc.Infer(context.Background(), Request{Observations: obs(4)})
		first <- result{resp, err}
	}()
	time.Sleep(20 * time.Millisecond)

	close(gate)
	waitFor(t, "v2 active", func() bool { return svc.ActiveVersion() == 2 })
	second, err := svc.Infer(context.Background(), Request{Observations: obs(2)})
	if err != nil {
		t.Fatal(err)
	}
	r := <-first
	if r.err != nil {
		t.Fatal(r.err)
	}

	check := func(resp Response) {
		for _, s := range resp.Samples {
			v, _ := s.Action.AsInt64s()
			if uint64(v[0]) != resp.ServedVersion {
				t.Errorf("sample from v%d in response reporting v%d", v[0], resp.ServedVersion)
			}
		}
	}
	if r.resp.ServedVersion != 1 || second.ServedVersion != 2 {
		t.Fatalf("served %d and %d, want 1 and 2", r.resp.ServedVersion, second.ServedVersion)
	}
	check(r.resp)
	check(second)
}

func TestStrictVersion(t *testing.T) {
	svc := newTestService(t, Options{StrictVersion: true}, &fakeStore{}, &fakePolicy{})
	svc.NotifyTarget(context.Background(), target(5))
	waitFor(t, "v5 active", func() bool { return svc.ActiveVersion() == 5 })

	_, err := svc.Infer(context.Background(), Request{Observations: obs(1), RequestedVersion: 4})
	if !errors.Is(err, faults.ErrVersionNotServed) {
		t.Fatalf("got %v, want ErrVersionNotServed", err)
	}
	if _, err := svc.Infer(context.Background(), Request{Observations: obs(1), RequestedVersion: 5}); err != nil {
		t.Fatal(err)
	}
}

func TestRequestedVersionIsAHint(t *testing.T) {
	svc := newTestService(t, Options{}, &fakeStore{}, &fakePolicy{})
	svc.NotifyTarget(context.Background(), target(5))
	waitFor(t, "v5 active", func() bool { return svc.ActiveVersion() == 5 })
	resp, err := svc.Infer(context.Background(), Request{Observations: obs(1), RequestedVersion: 4})
	if err != nil || resp.ServedVersion != 5 {
		t.Fatalf("got %+v, %v; want served 5", resp, err)
	}
}

func TestQuantizedRollout(t *testing.T) {
	policy := &fakePolicy{}
	q := &quantizeRecorder{}
	svc := NewService(Options{ID: "q", RolloutPrecision: version.QuantizedPrecision(8, "")}, &fakeStore{}, policy, q, zap.NewNop())
	svc.Start(context.Background())
	defer svc.Close()

	svc.NotifyTarget(context.Background(), target(1))
	waitFor(t, "v1 active", func() bool { return svc.ActiveVersion() == 1 })
	if q.calls != 1 {
		t.Errorf("quantizer called %d times, want 1", q.calls)
	}
	policy.mu.Lock()
	defer policy.mu.Unlock()
	if len(policy.precisions) != 1 || !policy.precisions[0].IsQuantized() {
		t.Errorf("policy loaded with %v, want quantized", policy.precisions)
	}
}

type staticSource struct {
	mv  version.ModelVersion
	err error
}

func (s staticSource) CurrentVersion(context.Context) (version.ModelVersion, error) {
	return s.mv, s.err
}

func TestWatcherHealsMissedAdvertisement(t *testing.T) {
	svc := newTestService(t, Options{}, &fakeStore{}, &fakePolicy{})
	NewWatcher(svc, staticSource{err: errors.New("coordinator down")}, 0, zap.NewNop()).Poll(context.Background())
	if svc.Status().Buffer.State != "idle" {
		t.Fatal("failed poll must not start preparation")
	}
	w := NewWatcher(svc, staticSource{mv: target(3)}, 0, zap.NewNop())
	w.OnTick(time.Now())
	waitFor(t, "v3 active", func() bool { return svc.ActiveVersion() == 3 })
}

func TestWatcherLogsRefusedTarget(t *testing.T) {
	// never started, so NotifyTarget refuses every target
	svc := NewService(Options{ID: "inf-test"}, &fakeStore{}, &fakePolicy{}, &quantizeRecorder{}, zap.NewNop())
	core, logs := observer.New(zapcore.DebugLevel)
	NewWatcher(svc, staticSource{mv: target(2)}, 0, zap.New(core)).Poll(context.Background())

	got := logs.FilterMessage("notify target from poll failed").All()
	if len(got) != 1 {
		t.Fatalf("got %d log entries, want 1: %v", len(got), logs.All())
	}
	if got[0].Level != zapcore.DebugLevel || got[0].ContextMap()["target"] != uint64(2) {
		t.Errorf("got entry %+v", got[0])
	}
}
