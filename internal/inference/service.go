// Package inference serves actions for observation batches from a
// double-buffered set of model weights.
package inference

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nidhogg/streamrl/internal/checkpoint"
	"github.com/nidhogg/streamrl/internal/faults"
	"github.com/nidhogg/streamrl/internal/shard"
	"github.com/nidhogg/streamrl/internal/utilization"
	"github.com/nidhogg/streamrl/internal/version"
	"go.uber.org/zap"
)

// Options configure batching and version handling.
type Options struct {
	ID               string
	CoalesceWindow   time.Duration
	MaxBatch         int
	StrictVersion    bool
	RolloutPrecision version.Precision
	QueueDepth       int
	MeterWindow      time.Duration
}

// Status is what the service reports about itself.
type Status struct {
	ID          string             `json:"id"`
	Buffer      BufferStatus       `json:"buffer"`
	Pending     int                `json:"pending"`
	Batches     uint64             `json:"batches"`
	Requests    uint64             `json:"requests"`
	Utilization utilization.Sample `json:"utilization"`
}

type pending struct {
	buf   *buffer
	obs   []shard.Tensor
	reply chan reply
}

type reply struct {
	samples []Sample
	err     error
}

// Service is one InferenceService instance.
type Service struct {
	opts    Options
	buffers *doubleBuffer
	acker   Acker
	queue   chan *pending
	meter   *utilization.Meter

	ctx    context.Context
	cancel context.CancelFunc
	loop   sync.WaitGroup

	mu       sync.Mutex
	batches  uint64
	requests uint64
	logger   *zap.Logger
}

// NewService creates a service. Start must be called before Infer.
func NewService(opts Options, store checkpoint.Store, policy Policy, quantizer Quantizer, logger *zap.Logger) *Service {
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = 64
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 4 * opts.MaxBatch
	}
	if opts.RolloutPrecision.Kind == "" {
		opts.RolloutPrecision = version.FullPrecision()
	}
	s := &Service{
		opts:    opts,
		buffers: newDoubleBuffer(store, policy, quantizer, opts.RolloutPrecision, logger),
		queue:   make(chan *pending, opts.QueueDepth),
		meter:   utilization.NewMeter(opts.MeterWindow),
		logger:  logger,
	}
	s.buffers.onSwap = s.swapped
	return s
}

// SetAcker makes the service acknowledge completed swaps.
func (s *Service) SetAcker(a Acker) { s.acker = a }

// Start launches the batch loop. Preparations and the loop stop with ctx or Close.
func (s *Service) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.loop.Add(1)
	go func() {
		defer s.loop.Done()
		s.batchLoop(s.ctx)
	}()
	s.logger.Info("inference service started",
		zap.String("id", s.opts.ID),
		zap.Duration("coalesce_window", s.opts.CoalesceWindow),
		zap.Int("max_batch", s.opts.MaxBatch),
		zap.String("rollout_precision", s.opts.RolloutPrecision.String()))
}

// Close stops batching and abandons any weight preparation.
func (s *Service) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	s.buffers.stop()
	s.loop.Wait()
	s.logger.Info("inference service stopped", zap.String("id", s.opts.ID))
}

// NotifyTarget is the swap advertisement entry point. Stale targets are
// ignored; a newer one preempts the preparation in flight.
func (s *Service) NotifyTarget(_ context.Context, mv version.ModelVersion) error {
	if s.ctx == nil {
		return fmt.Errorf("notify target v%d: service not started", mv.Version)
	}
	if s.buffers.offer(s.ctx, mv) {
		s.logger.Info("preparing weights", zap.Uint64("target", mv.Version))
	}
	return nil
}

// Infer serves one request. The active buffer is captured on entry so the
// response is computed entirely by the version it reports.
func (s *Service) Infer(ctx context.Context, req Request) (Response, error) {
	buf := s.buffers.current()
	if buf == nil || s.ctx == nil {
		return Response{}, faults.ErrInferenceUnavailable
	}
	served := buf.version.Version
	if req.RequestedVersion != 0 && req.RequestedVersion != served && s.opts.StrictVersion {
		return Response{}, fmt.Errorf("requested v%d, serving v%d: %w", req.RequestedVersion, served, faults.ErrVersionNotServed)
	}
	if len(req.Observations) == 0 {
		return Response{ServedVersion: served}, nil
	}

	p := &pending{buf: buf, obs: req.Observations, reply: make(chan reply, 1)}
	select {
	case s.queue <- p:
	case <-ctx.Done():
		return Response{}, ctx.Err()
	case <-s.ctx.Done():
		return Response{}, faults.ErrInferenceUnavailable
	}

	select {
	case r := <-p.reply:
		if r.err != nil {
			return Response{}, r.err
		}
		return Response{Samples: r.samples, ServedVersion: served}, nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	case <-s.ctx.Done():
		return Response{}, faults.ErrInferenceUnavailable
	}
}

// Status reports buffer state and batching counters.
func (s *Service) Status() Status {
	s.mu.Lock()
	batches, requests := s.batches, s.requests
	s.mu.Unlock()
	return Status{
		ID:          s.opts.ID,
		Buffer:      s.buffers.status(),
		Pending:     len(s.queue),
		Batches:     batches,
		Requests:    requests,
		Utilization: s.meter.Sample(),
	}
}

// ActiveVersion returns the version currently serving, 0 if none.
func (s *Service) ActiveVersion() uint64 {
	if b := s.buffers.current(); b != nil {
		return b.version.Version
	}
	return 0
}

func (s *Service) swapped(mv version.ModelVersion) {
	if s.acker == nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	if err := s.acker.AckSwap(ctx, s.opts.ID, mv.Version); err != nil {
		s.logger.Warn("swap ack failed", zap.Uint64("version", mv.Version), zap.Error(err))
	}
}

func (s *Service) batchLoop(ctx context.Context) {
	for {
		var first *pending
		select {
		case <-ctx.Done():
			s.drain()
			return
		case first = <-s.queue:
		}

		batch := []*pending{first}
		size := len(first.obs)
		if s.opts.CoalesceWindow > 0 {
			timer := time.NewTimer(s.opts.CoalesceWindow)
		collect:
			for size < s.opts.MaxBatch {
				select {
				case p := <-s.queue:
					batch = append(batch, p)
					size += len(p.obs)
				case <-timer.C:
					break collect
				case <-ctx.Done():
					break collect
				}
			}
			timer.Stop()
		}
		s.dispatch(ctx, batch)
	}
}

// dispatch runs one forward per distinct captured buffer.
func (s *Service) dispatch(ctx context.Context, batch []*pending) {
	groups := make(map[*buffer][]*pending)
	var order []*buffer
	for _, p := range batch {
		if _, ok := groups[p.buf]; !ok {
			order = append(order, p.buf)
		}
		groups[p.buf] = append(groups[p.buf], p)
	}

	s.meter.Busy()
	defer s.meter.Suspend()
	for _, buf := range order {
		group := groups[buf]
		var obs []shard.Tensor
		for _, p := range group {
			obs = append(obs, p.obs...)
		}
		samples, err := buf.model.Forward(ctx, obs)
		if err == nil && len(samples) != len(obs) {
			err = fmt.Errorf("model v%d returned %d samples for %d observations", buf.version.Version, len(samples), len(obs))
		}

		offset := 0
		for _, p := range group {
			if err != nil {
				p.reply <- reply{err: fmt.Errorf("forward v%d: %w", buf.version.Version, err)}
				continue
			}
			p.reply <- reply{samples: samples[offset : offset+len(p.obs)]}
			offset += len(p.obs)
		}

		s.mu.Lock()
		s.batches++
		s.requests += uint64(len(group))
		s.mu.Unlock()
		s.logger.Debug("batch served",
			zap.Uint64("version", buf.version.Version),
			zap.Int("requests", len(group)),
			zap.Int("observations", len(obs)))
	}
}

func (s *Service) drain() {
	for {
		select {
		case p := <-s.queue:
			p.reply <- reply{err: faults.ErrInferenceUnavailable}
		default:
			return
		}
	}
}
