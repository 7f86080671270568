package shard

import (
	"sort"
	"sync"

	"github.com/nidhogg/streamrl/internal/faults"
)

// Verdict is the tracker's decision for one arriving shard.
type Verdict int

const (
	// Deliver: the shard (and possibly held successors) is next in order.
	Deliver Verdict = iota
	// Hold: the shard arrived early and waits for its predecessors.
	Hold
	// Duplicate: the sequence was already consumed.
	Duplicate
)

// Result carries the shards released by Observe, in order, plus any gaps that
// had to be declared to release them.
type Result struct {
	Verdict  Verdict
	Released []*TrajectoryShard
	Gaps     []*faults.ShardOrderingGap
}

type keyState struct {
	next uint64
	held map[uint64]*TrajectoryShard
}

// SequenceTracker enforces per-environment shard order. Early shards are held
// up to window per key; beyond that the missing range is declared lost.
type SequenceTracker struct {
	window int
	keys   map[StreamKey]*keyState
	mu     sync.Mutex
}

// NewSequenceTracker creates a tracker. window 0 declares gaps immediately.
func NewSequenceTracker(window int) *SequenceTracker {
	if window < 0 {
		window = 0
	}
	return &SequenceTracker{window: window, keys: make(map[StreamKey]*keyState)}
}

// Observe classifies s and returns every shard now ready for consumption.
func (t *SequenceTracker) Observe(s *TrajectoryShard) Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := s.Key()
	st, ok := t.keys[key]
	if !ok {
		st = &keyState{held: make(map[uint64]*TrajectoryShard)}
		t.keys[key] = st
	}

	switch {
	case s.Sequence < st.next:
		return Result{Verdict: Duplicate}
	case s.Sequence == st.next:
		res := Result{Verdict: Deliver, Released: []*TrajectoryShard{s}}
		st.next++
		res.Released = append(res.Released, st.drain()...)
		return res
	}

	if _, dup := st.held[s.Sequence]; dup {
		return Result{Verdict: Duplicate}
	}
	st.held[s.Sequence] = s
	if len(st.held) <= t.window {
		return Result{Verdict: Hold}
	}

	// Window exceeded: declare the missing range lost and advance to the
	// lowest held sequence.
	lowest := st.lowestHeld()
	gap := &faults.ShardOrderingGap{
		ActorID:       key.ActorID,
		EnvironmentID: key.EnvironmentID,
		Expected:      st.next,
		Received:      lowest,
	}
	st.next = lowest
	res := Result{Verdict: Deliver, Gaps: []*faults.ShardOrderingGap{gap}}
	res.Released = st.drain()
	return res
}

// Flush declares every outstanding gap for all keys and releases held shards.
// It is used on shutdown so held data is reported rather than forgotten.
func (t *SequenceTracker) Flush() Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	var res Result
	keys := make([]StreamKey, 0, len(t.keys))
	for k := range t.keys {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	for _, k := range keys {
		st := t.keys[k]
		for len(st.held) > 0 {
			lowest := st.lowestHeld()
			res.Gaps = append(res.Gaps, &faults.ShardOrderingGap{
				ActorID: k.ActorID, EnvironmentID: k.EnvironmentID,
				Expected: st.next, Received: lowest,
			})
			st.next = lowest
			res.Released = append(res.Released, st.drain()...)
		}
	}
	return res
}

// Next returns the sequence expected next for key.
func (t *SequenceTracker) Next(key StreamKey) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.keys[key]; ok {
		return st.next
	}
	return 0
}

// Held returns the number of shards waiting on predecessors.
func (t *SequenceTracker) Held() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, st := range t.keys {
		n += len(st.held)
	}
	return n
}

func (st *keyState) drain() []*TrajectoryShard {
	var out []*TrajectoryShard
	for {
		s, ok := st.held[st.next]
		if !ok {
			return out
		}
		delete(st.held, st.next)
		out = append(out, s)
		st.next++
	}
}

func (st *keyState) lowestHeld() uint64 {
	first := true
	var lowest uint64
	for seq := range st.held {
		if first || seq < lowest {
			lowest = seq
			first = false
		}
	}
	return lowest
}
