// Package alert broadcasts operator-facing events (data loss, environment
// faults, degraded health, publishes) to chat channels and the log.
package alert

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/streamrl/internal/faults"
)

// Sink delivers a rendered alert to one channel.
type Sink interface {
	Name() string
	Post(ctx context.Context, text string) error
}

// Record is one delivered event.
type Record struct {
	Event   faults.Event `json:"event"`
	SentAt  time.Time    `json:"sent_at"`
	Targets []string     `json:"targets"`
}

// Broadcaster is a faults.Reporter. Report never blocks: events are queued
// and posted by Run; when the queue is full the event is only logged.
type Broadcaster struct {
	sinks   []Sink
	queue   chan faults.Event
	history []Record
	limit   int
	mu      sync.RWMutex
	logger  *zap.Logger
}

// NewBroadcaster creates a broadcaster posting to sinks.
func NewBroadcaster(logger *zap.Logger, sinks ...Sink) *Broadcaster {
	return &Broadcaster{
		sinks:  sinks,
		queue:  make(chan faults.Event, 256),
		limit:  100,
		logger: logger,
	}
}

// Report logs ev and queues it for the sinks.
func (b *Broadcaster) Report(ev faults.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b.log(ev)
	if len(b.sinks) == 0 {
		b.remember(ev, nil)
		return
	}
	select {
	case b.queue <- ev:
	default:
		b.logger.Warn("alert queue full, event not broadcast", zap.String("kind", string(ev.Kind)))
	}
}

// Run posts queued events until ctx ends.
func (b *Broadcaster) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-b.queue:
			b.send(ctx, ev)
		}
	}
}

func (b *Broadcaster) send(ctx context.Context, ev faults.Event) {
	text := Format(ev)
	var targets []string
	for _, s := range b.sinks {
		pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := s.Post(pctx, text)
		cancel()
		if err != nil {
			b.logger.Warn("alert delivery failed", zap.String("sink", s.Name()), zap.Error(err))
			continue
		}
		targets = append(targets, s.Name())
	}
	b.remember(ev, targets)
}

func (b *Broadcaster) remember(ev faults.Event, targets []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = append(b.history, Record{Event: ev, SentAt: time.Now(), Targets: targets})
	if len(b.history) > b.limit {
		b.history = b.history[len(b.history)-b.limit:]
	}
}

// History returns up to limit of the most recent records.
func (b *Broadcaster) History(limit int) []Record {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if limit <= 0 || limit > len(b.history) {
		limit = len(b.history)
	}
	out := make([]Record, limit)
	copy(out, b.history[len(b.history)-limit:])
	return out
}

func (b *Broadcaster) log(ev faults.Event) {
	fields := []zap.Field{
		zap.String("kind", string(ev.Kind)),
		zap.String("component", ev.Component),
	}
	for _, k := range sortedKeys(ev.Fields) {
		fields = append(fields, zap.String(k, ev.Fields[k]))
	}
	switch ev.Kind {
	case faults.KindOrderingGap, faults.KindDataLoss:
		b.logger.Error(ev.Message, fields...)
	case faults.KindEnvironmentFault, faults.KindHealthDegraded, faults.KindUnattributable:
		b.logger.Warn(ev.Message, fields...)
	default:
		b.logger.Info(ev.Message, fields...)
	}
}

// Format renders ev as one line of chat text.
func Format(ev faults.Event) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s [%s] %s: %s", icon(ev.Kind), ev.Kind, ev.Component, ev.Message)
	if keys := sortedKeys(ev.Fields); len(keys) > 0 {
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + "=" + ev.Fields[k]
		}
		fmt.Fprintf(&sb, " (%s)", strings.Join(parts, " "))
	}
	return sb.String()
}

func icon(k faults.Kind) string {
	switch k {
	case faults.KindOrderingGap, faults.KindDataLoss:
		return ":rotating_light:"
	case faults.KindEnvironmentFault, faults.KindHealthDegraded, faults.KindUnattributable:
		return ":warning:"
	case faults.KindHealthRestored:
		return ":white_check_mark:"
	}
	return ":information_source:"
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var _ faults.Reporter = (*Broadcaster)(nil)
