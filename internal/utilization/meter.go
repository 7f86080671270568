// Package utilization measures how much of a sliding window a component spent
// doing work versus suspended waiting on a peer.
package utilization

import (
	"sync"
	"time"
)

type mark struct {
	at   time.Time
	busy bool
}

// Meter records busy/suspended transitions. The zero state is suspended.
// A meter shared by several workers counts as busy while any of them is.
type Meter struct {
	window  time.Duration
	now     func() time.Time
	marks   []mark
	busy    bool
	workers int
	mu      sync.Mutex
}

// NewMeter creates a meter over the given window.
func NewMeter(window time.Duration) *Meter {
	return newMeterAt(window, time.Now)
}

func newMeterAt(window time.Duration, now func() time.Time) *Meter {
	if window <= 0 {
		window = time.Minute
	}
	m := &Meter{window: window, now: now}
	m.marks = []mark{{at: now(), busy: false}}
	return m
}

// Busy marks the start of useful work.
func (m *Meter) Busy() { m.set(true) }

// Suspend marks the start of a wait on another component.
func (m *Meter) Suspend() { m.set(false) }

// Wait runs fn while marked suspended and restores the previous state.
func (m *Meter) Wait(fn func() error) error {
	m.mu.Lock()
	prev := m.busy
	m.mu.Unlock()
	m.Suspend()
	defer m.set(prev)
	return fn()
}

// Enter marks one more worker busy.
func (m *Meter) Enter() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workers++
	m.setLocked(m.workers > 0)
}

// Leave marks one worker suspended or finished.
func (m *Meter) Leave() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.workers > 0 {
		m.workers--
	}
	m.setLocked(m.workers > 0)
}

func (m *Meter) set(busy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setLocked(busy)
}

func (m *Meter) setLocked(busy bool) {
	if busy == m.busy {
		return
	}
	now := m.now()
	m.busy = busy
	m.marks = append(m.marks, mark{at: now, busy: busy})
	m.prune(now)
}

// prune keeps the last mark at or before the window start so the state at the
// window edge is still known.
func (m *Meter) prune(now time.Time) {
	cutoff := now.Add(-m.window)
	keep := 0
	for i, mk := range m.marks {
		if !mk.at.After(cutoff) {
			keep = i
		}
	}
	if keep > 0 {
		m.marks = append(m.marks[:0], m.marks[keep:]...)
	}
}

// Utilization returns the busy fraction of the window ending now, in [0, 1].
// A meter younger than its window is measured over its lifetime.
func (m *Meter) Utilization() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	start := now.Add(-m.window)
	if first := m.marks[0].at; first.After(start) {
		start = first
	}
	total := now.Sub(start)
	if total <= 0 {
		if m.busy {
			return 1
		}
		return 0
	}

	var busy time.Duration
	for i, mk := range m.marks {
		end := now
		if i+1 < len(m.marks) {
			end = m.marks[i+1].at
		}
		from := mk.at
		if from.Before(start) {
			from = start
		}
		if mk.busy && end.After(from) {
			busy += end.Sub(from)
		}
	}
	return float64(busy) / float64(total)
}

// Sample is a point-in-time reading suitable for status endpoints.
type Sample struct {
	Utilization float64       `json:"utilization"`
	Window      time.Duration `json:"window"`
	Busy        bool          `json:"busy"`
}

// Sample reads the meter.
func (m *Meter) Sample() Sample {
	u := m.Utilization()
	m.mu.Lock()
	defer m.mu.Unlock()
	return Sample{Utilization: u, Window: m.window, Busy: m.busy}
}
