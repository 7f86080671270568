package faults

import (
	"errors"
	"fmt"
	"testing"
)

func TestStaleVersionRejectedUnwrap(t *testing.T) {
	err := fmt.Errorf("publish: %w", &StaleVersionRejected{Reason: ErrDuplicateVersion, Proposed: 12, Current: 12})

	if !errors.Is(err, ErrStaleVersion) {
		t.Error("expected ErrStaleVersion in chain")
	}
	if !errors.Is(err, ErrDuplicateVersion) {
		t.Error("expected ErrDuplicateVersion in chain")
	}
	if errors.Is(err, ErrOutOfOrderVersion) {
		t.Error("did not expect ErrOutOfOrderVersion")
	}
	var rej *StaleVersionRejected
	if !errors.As(err, &rej) || rej.RejectReason() != "duplicate" {
		t.Fatalf("got %v, want duplicate rejection", rej)
	}
}

func TestGapMissing(t *testing.T) {
	g := &ShardOrderingGap{Expected: 3, Received: 6}
	if g.Missing() != 3 {
		t.Errorf("got %d, want 3", g.Missing())
	}
	if (&ShardOrderingGap{Expected: 5, Received: 5}).Missing() != 0 {
		t.Error("expected no missing shards")
	}
}

func TestFromError(t *testing.T) {
	ev := FromError("actor-a", &EnvironmentFault{ActorID: "a", EnvironmentID: "e1", Op: "step", Err: errors.New("boom")})
	if ev.Kind != KindEnvironmentFault {
		t.Fatalf("got kind %s", ev.Kind)
	}
	if ev.Fields["environment"] != "e1" {
		t.Errorf("got env %q", ev.Fields["environment"])
	}

	ev = FromError("learner", fmt.Errorf("ingest: %w", &ShardOrderingGap{ActorID: "a", EnvironmentID: "e2", Expected: 1, Received: 4}))
	if ev.Kind != KindOrderingGap || ev.Fields["expected"] != "1" {
		t.Errorf("unexpected event %+v", ev)
	}
}
