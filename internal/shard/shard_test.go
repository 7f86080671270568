package shard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nidhogg/streamrl/internal/faults"
)

func mk(env string, seq uint64) *TrajectoryShard {
	return &TrajectoryShard{ActorID: "A", EnvironmentID: env, Sequence: seq, Turns: []Turn{{Reward: 1}}}
}

func TestTensorRoundTrip(t *testing.T) {
	tn := Float64s(0.5, -1.25, 3)
	got, err := tn.AsFloat64s()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 3 || got[1] != -1.25 {
		t.Errorf("got %v", got)
	}
	if tn.Elements() != 3 {
		t.Errorf("got %d elements, want 3", tn.Elements())
	}
	if _, err := tn.AsInt64s(); err == nil {
		t.Error("expected dtype mismatch")
	}
	ints, err := Int64s(1, -2).AsInt64s()
	if err != nil || ints[1] != -2 {
		t.Errorf("got %v, %v", ints, err)
	}
}

func TestShardValidate(t *testing.T) {
	if err := (&TrajectoryShard{EnvironmentID: "e"}).Validate(); err == nil {
		t.Error("missing actor id must fail")
	}
	if err := (&TrajectoryShard{ActorID: "a", EnvironmentID: "e"}).Validate(); err == nil {
		t.Error("empty non-terminal shard must fail")
	}
	if err := (&TrajectoryShard{ActorID: "a", EnvironmentID: "e", IsTerminal: true}).Validate(); err != nil {
		t.Errorf("empty terminal shard is allowed: %v", err)
	}
}

func TestSequenceInOrder(t *testing.T) {
	tr := NewSequenceTracker(0)
	for seq := uint64(0); seq < 4; seq++ {
		res := tr.Observe(mk("E", seq))
		if res.Verdict != Deliver || len(res.Released) != 1 || len(res.Gaps) != 0 {
			t.Fatalf("seq %d: unexpected result %+v", seq, res)
		}
	}
	if tr.Next(StreamKey{ActorID: "A", EnvironmentID: "E"}) != 4 {
		t.Errorf("next not advanced")
	}
}

func TestSequenceDuplicate(t *testing.T) {
	tr := NewSequenceTracker(0)
	tr.Observe(mk("E", 0))
	if res := tr.Observe(mk("E", 0)); res.Verdict != Duplicate {
		t.Errorf("got verdict %v, want Duplicate", res.Verdict)
	}
}

func TestSequenceGapReportedImmediately(t *testing.T) {
	tr := NewSequenceTracker(0)
	tr.Observe(mk("E", 0))
	res := tr.Observe(mk("E", 3))
	if len(res.Gaps) != 1 {
		t.Fatalf("got %d gaps, want 1", len(res.Gaps))
	}
	g := res.Gaps[0]
	if g.Expected != 1 || g.Received != 3 || g.Missing() != 2 {
		t.Errorf("unexpected gap %+v", g)
	}
	if len(res.Released) != 1 || res.Released[0].Sequence != 3 {
		t.Errorf("expected seq 3 to be released, got %v", res.Released)
	}
	// A late arrival of a skipped shard is a duplicate, never a silent heal.
	if res := tr.Observe(mk("E", 1)); res.Verdict != Duplicate {
		t.Errorf("late shard verdict %v, want Duplicate", res.Verdict)
	}
}

func TestSequenceReorderWindow(t *testing.T) {
	tr := NewSequenceTracker(2)
	tr.Observe(mk("E", 0))
	if res := tr.Observe(mk("E", 2)); res.Verdict != Hold {
		t.Fatalf("got %v, want Hold", res.Verdict)
	}
	res := tr.Observe(mk("E", 1))
	if res.Verdict != Deliver || len(res.Released) != 2 {
		t.Fatalf("expected 1 and 2 released, got %+v", res)
	}
	if res.Released[0].Sequence != 1 || res.Released[1].Sequence != 2 {
		t.Errorf("released out of order: %d, %d", res.Released[0].Sequence, res.Released[1].Sequence)
	}
	if tr.Held() != 0 {
		t.Errorf("held %d, want 0", tr.Held())
	}
}

func TestSequenceWindowOverflowDeclaresGap(t *testing.T) {
	tr := NewSequenceTracker(1)
	tr.Observe(mk("E", 0))
	tr.Observe(mk("E", 3))
	res := tr.Observe(mk("E", 4))
	if len(res.Gaps) != 1 || res.Gaps[0].Expected != 1 || res.Gaps[0].Received != 3 {
		t.Fatalf("unexpected gaps %+v", res.Gaps)
	}
	if len(res.Released) != 2 {
		t.Errorf("got %d released, want 2", len(res.Released))
	}
}

func TestSequenceIndependentEnvironments(t *testing.T) {
	tr := NewSequenceTracker(0)
	tr.Observe(mk("E1", 0))
	if res := tr.Observe(mk("E2", 0)); res.Verdict != Deliver || len(res.Gaps) != 0 {
		t.Errorf("E2 must have its own sequence: %+v", res)
	}
}

func TestSequenceFlush(t *testing.T) {
	tr := NewSequenceTracker(5)
	tr.Observe(mk("E", 2))
	res := tr.Flush()
	if len(res.Gaps) != 1 || len(res.Released) != 1 {
		t.Fatalf("got %+v", res)
	}
}

func TestStreamBackpressure(t *testing.T) {
	s := NewStream(1)
	if err := s.TrySend(mk("E", 0)); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if s.Credits() != 0 {
		t.Errorf("got %d credits, want 0", s.Credits())
	}
	if err := s.TrySend(mk("E", 1)); !errors.Is(err, faults.ErrQueueFull) {
		t.Errorf("got %v, want ErrQueueFull", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Send(ctx, mk("E", 1)); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("blocked send returned %v", err)
	}

	<-s.Shards()
	if err := s.Send(context.Background(), mk("E", 1)); err != nil {
		t.Errorf("send after drain: %v", err)
	}
	s.Close()
	if err := s.Send(context.Background(), mk("E", 2)); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("got %v, want ErrStreamClosed", err)
	}
}
