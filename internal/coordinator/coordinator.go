// Package coordinator owns the component registry and the canonical model
// version. Every write to the version pointer goes through PublishVersion.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nidhogg/streamrl/internal/faults"
	"github.com/nidhogg/streamrl/internal/version"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Options tune liveness and fan-out.
type Options struct {
	HeartbeatTimeout time.Duration
	RolloutPrecision version.Precision
	SnapshotEvery    int
	FanoutLimit      int
	NotifyTimeout    time.Duration
}

func (o *Options) defaults() {
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = 15 * time.Second
	}
	if o.SnapshotEvery <= 0 {
		o.SnapshotEvery = 100
	}
	if o.FanoutLimit <= 0 {
		o.FanoutLimit = 8
	}
	if o.NotifyTimeout <= 0 {
		o.NotifyTimeout = 10 * time.Second
	}
	if o.RolloutPrecision.Kind == "" {
		o.RolloutPrecision = version.FullPrecision()
	}
}

// Coordinator is the cluster's source of truth.
type Coordinator struct {
	opts       Options
	registry   *version.Registry
	components map[string]*Component
	current    uint64
	lastSeq    uint64
	unsnapped  int
	journal    Journal
	notifier   Notifier
	reporter   faults.Reporter
	fanout     sync.WaitGroup
	now        func() time.Time
	mu         sync.RWMutex
	logger     *zap.Logger
}

// New creates a coordinator. Call Restore before serving to recover journaled state.
func New(opts Options, journal Journal, notifier Notifier, logger *zap.Logger) *Coordinator {
	opts.defaults()
	if journal == nil {
		journal = NewMemoryJournal()
	}
	return &Coordinator{
		opts:       opts,
		registry:   version.NewRegistry(),
		components: make(map[string]*Component),
		journal:    journal,
		notifier:   notifier,
		reporter:   faults.Discard,
		now:        time.Now,
		logger:     logger,
	}
}

// SetReporter routes health and publish events to r.
func (c *Coordinator) SetReporter(r faults.Reporter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r == nil {
		r = faults.Discard
	}
	c.reporter = r
}

// Register adds or refreshes a component. Re-registering is idempotent and
// makes an unreachable component reachable again. An inference component that
// is behind the canonical version is advertised the current version.
func (c *Coordinator) Register(ctx context.Context, id string, role Role, endpoint string) (Ack, error) {
	if id == "" {
		return Ack{}, fmt.Errorf("register: empty component id")
	}
	if !role.Valid() {
		return Ack{}, fmt.Errorf("register %s: unknown role %q", id, role)
	}

	c.mu.Lock()
	now := c.now()
	existing, ok := c.components[id]
	changed := !ok || existing.Role != role || existing.Endpoint != endpoint
	if changed {
		if err := c.appendLocked(ctx, Event{Kind: EventRegister, Component: id, Role: role, Endpoint: endpoint, At: now}); err != nil {
			c.mu.Unlock()
			return Ack{}, err
		}
	}
	comp := c.applyRegister(id, role, endpoint, now)
	wasDown := ok && !existing.Reachable
	comp.Reachable = true
	snapshot := *comp
	current := c.current
	mv, _ := c.registry.Get(current)
	reporter := c.reporter
	c.mu.Unlock()

	c.logger.Info("component registered",
		zap.String("component", id),
		zap.String("role", string(role)),
		zap.String("endpoint", endpoint))
	if wasDown {
		reporter.Report(faults.Event{Kind: faults.KindHealthRestored, Component: id, Message: "component re-registered", At: now})
	}

	ack := Ack{Version: current}
	if role == RoleInference && current > 0 && snapshot.ServedVersion < current {
		c.dispatch([]Component{snapshot}, mv)
		ack.SwapTargets = []string{id}
	}
	return ack, nil
}

// Heartbeat refreshes liveness. Unknown ids must register first.
func (c *Coordinator) Heartbeat(id string) error {
	c.mu.Lock()
	comp, ok := c.components[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("heartbeat %s: %w", id, faults.ErrUnknownComponent)
	}
	now := c.now()
	comp.LastHeartbeat = now
	restored := !comp.Reachable
	comp.Reachable = true
	reporter := c.reporter
	c.mu.Unlock()

	if restored {
		c.logger.Info("component reachable again", zap.String("component", id))
		reporter.Report(faults.Event{Kind: faults.KindHealthRestored, Component: id, Message: "heartbeat resumed", At: now})
	}
	return nil
}

// CurrentVersion returns the canonical version, or ErrNoVersion before the first publish.
func (c *Coordinator) CurrentVersion() (version.ModelVersion, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current == 0 {
		return version.ModelVersion{}, faults.ErrNoVersion
	}
	mv, _ := c.registry.Get(c.current)
	return mv, nil
}

// Version looks up any published version by number.
func (c *Coordinator) Version(v uint64) (version.ModelVersion, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.registry.Get(v)
}

// PublishVersion moves the canonical pointer to mv. Numbers not above the
// current one are rejected with *faults.StaleVersionRejected. The event is
// journaled before the pointer moves; swap advertisements go out
// asynchronously after the pointer moved.
func (c *Coordinator) PublishVersion(ctx context.Context, mv version.ModelVersion) (Ack, error) {
	if err := mv.Precision.Validate(); err != nil {
		return Ack{}, fmt.Errorf("publish version %d: %w", mv.Version, err)
	}
	if mv.Precision.Kind == "" {
		mv.Precision = version.FullPrecision()
	}

	c.mu.Lock()
	if err := c.registry.Check(mv.Version); err != nil {
		c.mu.Unlock()
		c.logger.Warn("publish rejected", zap.Uint64("version", mv.Version), zap.Error(err))
		return Ack{}, err
	}
	if mv.CreatedAt.IsZero() {
		mv.CreatedAt = c.now()
	}
	if err := c.appendLocked(ctx, Event{Kind: EventPublish, Version: &mv, At: c.now()}); err != nil {
		c.mu.Unlock()
		return Ack{}, err
	}
	c.applyPublish(mv)
	targets := c.swapTargetsLocked(mv.Version)
	reporter := c.reporter
	c.mu.Unlock()

	c.logger.Info("version published",
		zap.Uint64("version", mv.Version),
		zap.String("precision", mv.Precision.String()),
		zap.Int("swap_targets", len(targets)))
	reporter.Report(faults.Event{
		Kind:      faults.KindVersionPublished,
		Component: "coordinator",
		Message:   fmt.Sprintf("published %s", mv),
		Fields:    map[string]string{"version": fmt.Sprint(mv.Version), "weights": mv.WeightRef},
		At:        mv.CreatedAt,
	})

	c.dispatch(targets, mv)
	return Ack{Version: mv.Version, SwapTargets: ids(targets)}, nil
}

// AdvertiseSwap re-sends target to every reachable inference component that
// has not acknowledged it and returns their ids. It never waits for the swaps.
func (c *Coordinator) AdvertiseSwap(target uint64) ([]string, error) {
	c.mu.RLock()
	mv, ok := c.registry.Get(target)
	targets := c.swapTargetsLocked(target)
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("advertise swap v%d: unknown version", target)
	}
	c.dispatch(targets, mv)
	return ids(targets), nil
}

// AckSwap records the version an inference component now serves.
func (c *Coordinator) AckSwap(ctx context.Context, id string, served uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	comp, ok := c.components[id]
	if !ok {
		return fmt.Errorf("ack swap %s: %w", id, faults.ErrUnknownComponent)
	}
	if served <= comp.ServedVersion {
		return nil
	}
	if err := c.appendLocked(ctx, Event{Kind: EventAck, Component: id, Acked: served, At: c.now()}); err != nil {
		return err
	}
	comp.ServedVersion = served
	comp.LastHeartbeat = c.now()
	c.logger.Info("swap acknowledged", zap.String("component", id), zap.Uint64("version", served))
	return nil
}

// Components lists every registered component, ordered by id.
func (c *Coordinator) Components() []Component {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Component, 0, len(c.components))
	for _, comp := range c.components {
		out = append(out, *comp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Versions lists every published version in order.
func (c *Coordinator) Versions() []version.ModelVersion {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.registry.All()
}

// RunInfo summarises what a starting component needs to join the run.
func (c *Coordinator) RunInfo() RunInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info := RunInfo{
		RolloutPrecision:   c.opts.RolloutPrecision,
		InferenceEndpoints: []string{},
		LearnerEndpoints:   []string{},
	}
	if mv, ok := c.registry.Get(c.current); ok {
		info.CurrentVersion = &mv
	}
	for _, comp := range c.sortedLocked() {
		if !comp.Reachable {
			continue
		}
		switch comp.Role {
		case RoleInference:
			info.InferenceEndpoints = append(info.InferenceEndpoints, comp.Endpoint)
		case RoleLearner:
			info.LearnerEndpoints = append(info.LearnerEndpoints, comp.Endpoint)
		}
	}
	return info
}

// Sweep marks components whose last heartbeat is older than the timeout as
// unreachable and returns their ids. They stay registered.
func (c *Coordinator) Sweep(now time.Time) []string {
	c.mu.Lock()
	var lost []string
	for _, comp := range c.sortedLocked() {
		if comp.Reachable && now.Sub(comp.LastHeartbeat) > c.opts.HeartbeatTimeout {
			comp.Reachable = false
			lost = append(lost, comp.ID)
		}
	}
	reporter := c.reporter
	c.mu.Unlock()

	for _, id := range lost {
		c.logger.Warn("component unreachable", zap.String("component", id))
		reporter.Report(faults.Event{
			Kind:      faults.KindHealthDegraded,
			Component: id,
			Message:   "heartbeat timeout, excluded from swap fan-out",
			At:        now,
		})
	}
	return lost
}

// OnTick lets the coordinator be driven by a clock.Clock.
func (c *Coordinator) OnTick(now time.Time) { c.Sweep(now) }

// Wait blocks until in-flight swap advertisements finished.
func (c *Coordinator) Wait() { c.fanout.Wait() }

// Restore rebuilds state from the latest snapshot plus the events after it.
// Restored components are considered alive as of now.
func (c *Coordinator) Restore(ctx context.Context) error {
	snap, err := c.journal.LoadSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.registry = version.NewRegistry()
	c.components = make(map[string]*Component)
	c.current, c.lastSeq, c.unsnapped = 0, 0, 0
	now := c.now()

	if snap != nil {
		for _, mv := range snap.Versions {
			if err := c.registry.Append(mv); err != nil {
				return fmt.Errorf("restore version %d: %w", mv.Version, err)
			}
		}
		for _, comp := range snap.Components {
			comp := comp
			comp.LastHeartbeat = now
			comp.Reachable = true
			c.components[comp.ID] = &comp
		}
		c.current = snap.Current
		c.lastSeq = snap.LastSeq
	}

	events, err := c.journal.Events(ctx, c.lastSeq)
	if err != nil {
		return fmt.Errorf("read journal: %w", err)
	}
	for _, ev := range events {
		c.replay(ev, now)
		c.lastSeq = ev.Seq
		c.unsnapped++
	}

	c.logger.Info("coordinator restored",
		zap.Bool("snapshot", snap != nil),
		zap.Int("replayed", len(events)),
		zap.Uint64("current_version", c.current),
		zap.Int("components", len(c.components)))
	return nil
}

func (c *Coordinator) replay(ev Event, now time.Time) {
	switch ev.Kind {
	case EventRegister:
		c.applyRegister(ev.Component, ev.Role, ev.Endpoint, now)
	case EventPublish:
		if ev.Version == nil {
			return
		}
		if err := c.registry.Check(ev.Version.Version); err != nil {
			c.logger.Warn("skipping journaled publish", zap.Uint64("seq", ev.Seq), zap.Error(err))
			return
		}
		c.applyPublish(*ev.Version)
	case EventAck:
		if comp, ok := c.components[ev.Component]; ok && ev.Acked > comp.ServedVersion {
			comp.ServedVersion = ev.Acked
		}
	}
}

func (c *Coordinator) applyRegister(id string, role Role, endpoint string, now time.Time) *Component {
	comp, ok := c.components[id]
	if !ok {
		comp = &Component{ID: id, RegisteredAt: now}
		c.components[id] = comp
	}
	comp.Role = role
	comp.Endpoint = endpoint
	comp.LastHeartbeat = now
	comp.Reachable = true
	return comp
}

func (c *Coordinator) applyPublish(mv version.ModelVersion) {
	// Check already passed; Append cannot fail here.
	_ = c.registry.Append(mv)
	c.current = mv.Version
}

// appendLocked journals ev and takes a snapshot every SnapshotEvery events.
// A failed snapshot is logged; the journal alone is still sufficient to recover.
func (c *Coordinator) appendLocked(ctx context.Context, ev Event) error {
	seq, err := c.journal.Append(ctx, ev)
	if err != nil {
		return fmt.Errorf("journal %s event: %w", ev.Kind, err)
	}
	c.lastSeq = seq
	c.unsnapped++
	if c.unsnapped < c.opts.SnapshotEvery {
		return nil
	}
	// The snapshot is taken before the caller applies ev, so it must not
	// claim ev's sequence number.
	snap := c.snapshotLocked(seq - 1)
	if err := c.journal.SaveSnapshot(ctx, snap); err != nil {
		c.logger.Error("snapshot failed", zap.Uint64("last_seq", snap.LastSeq), zap.Error(err))
		return nil
	}
	c.unsnapped = 1
	c.logger.Debug("snapshot saved", zap.Uint64("last_seq", snap.LastSeq))
	return nil
}

func (c *Coordinator) snapshotLocked(lastSeq uint64) Snapshot {
	comps := make([]Component, 0, len(c.components))
	for _, comp := range c.sortedLocked() {
		comps = append(comps, *comp)
	}
	return Snapshot{
		LastSeq:    lastSeq,
		Components: comps,
		Versions:   c.registry.All(),
		Current:    c.current,
		TakenAt:    c.now(),
	}
}

func (c *Coordinator) sortedLocked() []*Component {
	out := make([]*Component, 0, len(c.components))
	for _, comp := range c.components {
		out = append(out, comp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *Coordinator) swapTargetsLocked(target uint64) []Component {
	var out []Component
	for _, comp := range c.sortedLocked() {
		if comp.Role == RoleInference && comp.Reachable && comp.ServedVersion < target {
			out = append(out, *comp)
		}
	}
	return out
}

// dispatch sends mv to targets in the background with bounded concurrency.
func (c *Coordinator) dispatch(targets []Component, mv version.ModelVersion) {
	if c.notifier == nil || len(targets) == 0 {
		return
	}
	c.fanout.Add(1)
	go func() {
		defer c.fanout.Done()
		g := new(errgroup.Group)
		g.SetLimit(c.opts.FanoutLimit)
		for _, t := range targets {
			t := t
			g.Go(func() error {
				ctx, cancel := context.WithTimeout(context.Background(), c.opts.NotifyTimeout)
				defer cancel()
				if err := c.notifier.Notify(ctx, t, mv); err != nil {
					c.logger.Warn("swap advertisement failed",
						zap.String("component", t.ID),
						zap.Uint64("version", mv.Version),
						zap.Error(err))
					return nil
				}
				c.logger.Debug("swap advertised",
					zap.String("component", t.ID),
					zap.Uint64("version", mv.Version))
				return nil
			})
		}
		_ = g.Wait()
	}()
}

func ids(comps []Component) []string {
	out := make([]string, 0, len(comps))
	for _, c := range comps {
		out = append(out, c.ID)
	}
	return out
}

// IsRejected reports whether err is a publish rejection and returns it.
func IsRejected(err error) (*faults.StaleVersionRejected, bool) {
	var r *faults.StaleVersionRejected
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}
