package inference

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nidhogg/streamrl/internal/checkpoint"
	"github.com/nidhogg/streamrl/internal/faults"
	"github.com/nidhogg/streamrl/internal/version"
	"go.uber.org/zap"
)

// State is a step of the weight preparation state machine.
type State int

const (
	Idle State = iota
	Fetching
	Quantizing
	Ready
	Swapping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Fetching:
		return "fetching"
	case Quantizing:
		return "quantizing"
	case Ready:
		return "ready"
	case Swapping:
		return "swapping"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// buffer is one loaded weight set. It is immutable once built so requests may
// hold it past a swap.
type buffer struct {
	version version.ModelVersion
	model   Model
}

// BufferStatus is a snapshot of the double buffer.
type BufferStatus struct {
	State       string `json:"state"`
	Active      uint64 `json:"active_version"`
	Target      uint64 `json:"target_version,omitempty"`
	Swaps       int    `json:"swaps"`
	Preemptions int    `json:"preemptions"`
	LastError   string `json:"last_error,omitempty"`
}

// doubleBuffer holds the active weights and prepares the staging set in the
// background. A newer target always cancels the preparation in flight.
type doubleBuffer struct {
	store     checkpoint.Store
	policy    Policy
	quantizer Quantizer
	rollout   version.Precision
	onSwap    func(mv version.ModelVersion)

	mu          sync.RWMutex
	active      *buffer
	staging     *buffer
	state       State
	target      uint64
	gen         uint64
	cancel      context.CancelFunc
	swaps       int
	preemptions int
	lastErr     error
	prep        sync.WaitGroup
	logger      *zap.Logger
}

func newDoubleBuffer(store checkpoint.Store, policy Policy, quantizer Quantizer, rollout version.Precision, logger *zap.Logger) *doubleBuffer {
	return &doubleBuffer{
		store:     store,
		policy:    policy,
		quantizer: quantizer,
		rollout:   rollout,
		logger:    logger,
	}
}

// current returns the active buffer, or nil before the first swap.
func (d *doubleBuffer) current() *buffer {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.active
}

// offer starts preparing mv unless it is not newer than both the active
// version and the target already in preparation. It reports whether
// preparation started.
func (d *doubleBuffer) offer(base context.Context, mv version.ModelVersion) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.active != nil && mv.Version <= d.active.version.Version {
		return false
	}
	if d.state != Idle && mv.Version <= d.target {
		return false
	}
	if d.state != Idle && d.cancel != nil {
		d.cancel()
		d.preemptions++
		d.logger.Debug("weight preparation preempted",
			zap.Uint64("abandoned", d.target),
			zap.Uint64("target", mv.Version))
	}

	d.gen++
	gen := d.gen
	ctx, cancel := context.WithCancel(base)
	d.cancel = cancel
	d.target = mv.Version
	d.state = Fetching
	d.staging = nil

	d.prep.Add(1)
	go func() {
		defer d.prep.Done()
		defer cancel()
		d.prepare(ctx, gen, mv)
	}()
	return true
}

func (d *doubleBuffer) prepare(ctx context.Context, gen uint64, mv version.ModelVersion) {
	err := d.run(ctx, gen, mv)
	switch {
	case err == nil:
	case errors.Is(err, faults.ErrSwapPreempted):
		d.logger.Debug("preparation abandoned", zap.Uint64("version", mv.Version))
	default:
		d.mu.Lock()
		if d.gen == gen {
			d.state = Idle
			d.target = 0
			d.lastErr = err
		}
		d.mu.Unlock()
		d.logger.Warn("weight preparation failed", zap.Uint64("version", mv.Version), zap.Error(err))
	}
}

func (d *doubleBuffer) run(ctx context.Context, gen uint64, mv version.ModelVersion) error {
	weights, err := d.store.Read(ctx, mv.WeightRef)
	if err := d.checkpoint(ctx, gen, err); err != nil {
		return fmt.Errorf("fetch v%d: %w", mv.Version, err)
	}

	precision := mv.Precision
	if d.rollout.IsQuantized() && !mv.Precision.IsQuantized() {
		if err := d.advance(gen, Quantizing); err != nil {
			return err
		}
		if d.quantizer != nil {
			weights, err = d.quantizer.Quantize(ctx, weights, d.rollout)
			if err := d.checkpoint(ctx, gen, err); err != nil {
				return fmt.Errorf("quantize v%d: %w", mv.Version, err)
			}
		}
		precision = d.rollout
	}

	model, err := d.policy.Load(ctx, weights, precision)
	if err := d.checkpoint(ctx, gen, err); err != nil {
		return fmt.Errorf("load v%d: %w", mv.Version, err)
	}

	served := mv
	served.Precision = precision

	d.mu.Lock()
	if d.gen != gen {
		d.mu.Unlock()
		return faults.ErrSwapPreempted
	}
	d.staging = &buffer{version: served, model: model}
	d.state = Ready
	d.mu.Unlock()

	// Swapping -> Idle happens under one lock so no request can capture a
	// half-swapped pair.
	d.mu.Lock()
	if d.gen != gen {
		d.mu.Unlock()
		return faults.ErrSwapPreempted
	}
	d.state = Swapping
	d.active, d.staging = d.staging, nil
	d.state = Idle
	d.target = 0
	d.swaps++
	d.lastErr = nil
	onSwap := d.onSwap
	d.mu.Unlock()

	d.logger.Info("weights swapped",
		zap.Uint64("version", served.Version),
		zap.String("precision", served.Precision.String()))
	if onSwap != nil {
		onSwap(served)
	}
	return nil
}

// checkpoint maps cancellation to ErrSwapPreempted and confirms gen still owns
// the state machine.
func (d *doubleBuffer) checkpoint(ctx context.Context, gen uint64, err error) error {
	if ctx.Err() != nil {
		return faults.ErrSwapPreempted
	}
	if err != nil {
		return err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.gen != gen {
		return faults.ErrSwapPreempted
	}
	return nil
}

func (d *doubleBuffer) advance(gen uint64, s State) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gen != gen {
		return faults.ErrSwapPreempted
	}
	d.state = s
	return nil
}

func (d *doubleBuffer) status() BufferStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()
	st := BufferStatus{
		State:       d.state.String(),
		Target:      d.target,
		Swaps:       d.swaps,
		Preemptions: d.preemptions,
	}
	if d.active != nil {
		st.Active = d.active.version.Version
	}
	if d.lastErr != nil {
		st.LastError = d.lastErr.Error()
	}
	return st
}

// stop cancels any preparation and waits for it to unwind.
func (d *doubleBuffer) stop() {
	d.mu.Lock()
	if d.cancel != nil {
		d.cancel()
	}
	d.mu.Unlock()
	d.prep.Wait()
}
