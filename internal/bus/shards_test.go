package bus

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nidhogg/streamrl/internal/faults"
	"github.com/nidhogg/streamrl/internal/shard"
)

func TestPartitionKeepsStreamsTogether(t *testing.T) {
	seen := map[int]bool{}
	for i := 0; i < 64; i++ {
		key := shard.StreamKey{ActorID: "actor", EnvironmentID: "env-" + strconv.Itoa(i)}
		p := Partition(key, 4)
		if p < 0 || p >= 4 {
			t.Fatalf("partition %d out of range", p)
		}
		if again := Partition(key, 4); again != p {
			t.Fatalf("%s mapped to %d then %d", key, p, again)
		}
		seen[p] = true
	}
	if len(seen) < 2 {
		t.Errorf("64 environments all landed in partitions %v", seen)
	}
	if p := Partition(shard.StreamKey{ActorID: "a", EnvironmentID: "e"}, 1); p != 0 {
		t.Errorf("single partition got %d", p)
	}
	if ShardStream(3) != "streamrl:shards:3" {
		t.Errorf("got stream %q", ShardStream(3))
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []faults.Event
}

func (l *eventLog) Report(ev faults.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

type rejectAll struct{ err error }

func (r rejectAll) Ingest(context.Context, *shard.TrajectoryShard) error { return r.err }

func TestDroppedShardsAreReported(t *testing.T) {
	events := &eventLog{}
	b := &Bus{logger: zap.NewNop()}
	b.SetReporter(events)

	garbled := redis.XMessage{ID: "1-0", Values: map[string]interface{}{"data": "{not json"}}
	if err := b.ingest(context.Background(), ShardStream(0), garbled, rejectAll{}); err != nil {
		t.Fatal(err)
	}
	valid := redis.XMessage{ID: "2-0", Values: map[string]interface{}{
		"data": `{"actor_id":"a","environment_id":"e","shard_sequence":0,"turns":[]}`,
	}}
	if err := b.ingest(context.Background(), ShardStream(0), valid, rejectAll{err: errors.New("bad turns")}); err != nil {
		t.Fatal(err)
	}
	if err := b.ingest(context.Background(), ShardStream(0), valid, rejectAll{}); err != nil {
		t.Fatal(err)
	}

	if len(events.events) != 2 {
		t.Fatalf("got %d events, want 2: %+v", len(events.events), events.events)
	}
	for _, ev := range events.events {
		if ev.Kind != faults.KindDataLoss || ev.Fields["partition"] != "streamrl:shards:0" {
			t.Errorf("got event %+v", ev)
		}
	}
	if events.events[0].Fields["entry"] != "1-0" || events.events[1].Fields["stream"] != "a/e" {
		t.Errorf("got fields %v and %v", events.events[0].Fields, events.events[1].Fields)
	}
}

func TestShutdownDuringIngestIsNotReported(t *testing.T) {
	events := &eventLog{}
	b := &Bus{logger: zap.NewNop()}
	b.SetReporter(events)
	msg := redis.XMessage{ID: "1-0", Values: map[string]interface{}{"data": `{"actor_id":"a","environment_id":"e"}`}}
	err := b.ingest(context.Background(), ShardStream(0), msg, rejectAll{err: context.Canceled})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
	if len(events.events) != 0 {
		t.Errorf("shutdown reported as loss: %+v", events.events)
	}
}
