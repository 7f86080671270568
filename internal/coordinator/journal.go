package coordinator

import (
	"context"
	"sync"
)

// MemoryJournal is a process-local Journal. State survives a Coordinator
// rebuild inside the same process but not a process restart.
type MemoryJournal struct {
	mu     sync.RWMutex
	events []Event
	snap   *Snapshot
	seq    uint64
}

// NewMemoryJournal creates an empty journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{}
}

func (j *MemoryJournal) Append(_ context.Context, ev Event) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.seq++
	ev.Seq = j.seq
	j.events = append(j.events, ev)
	return ev.Seq, nil
}

func (j *MemoryJournal) Events(_ context.Context, afterSeq uint64) ([]Event, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	var out []Event
	for _, ev := range j.events {
		if ev.Seq > afterSeq {
			out = append(out, ev)
		}
	}
	return out, nil
}

// SaveSnapshot stores snap and compacts the events it covers.
func (j *MemoryJournal) SaveSnapshot(_ context.Context, snap Snapshot) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	s := snap
	j.snap = &s
	kept := j.events[:0]
	for _, ev := range j.events {
		if ev.Seq > snap.LastSeq {
			kept = append(kept, ev)
		}
	}
	j.events = kept
	return nil
}

func (j *MemoryJournal) LoadSnapshot(_ context.Context) (*Snapshot, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.snap == nil {
		return nil, nil
	}
	s := *j.snap
	return &s, nil
}
