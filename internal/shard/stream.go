package shard

import (
	"context"
	"errors"
	"sync"

	"github.com/nidhogg/streamrl/internal/faults"
)

// ErrStreamClosed is returned by Send after the receiving side shut down.
var ErrStreamClosed = errors.New("shard stream closed")

// Sink accepts shards from an Actor. Send blocks only while the receiver is
// backpressured, and never drops a shard silently: it either delivers or
// returns an error.
type Sink interface {
	Send(ctx context.Context, s *TrajectoryShard) error
}

// Source yields shards to a Learner in arrival order.
type Source interface {
	Shards() <-chan *TrajectoryShard
}

// Stream is a bounded in-process channel between Actors and a Learner. Free
// capacity is exposed as credits so producers can slow down before blocking.
type Stream struct {
	ch      chan *TrajectoryShard
	done    chan struct{}
	closeMu sync.Once
}

// NewStream creates a stream holding at most capacity undelivered shards.
func NewStream(capacity int) *Stream {
	if capacity <= 0 {
		capacity = 1
	}
	return &Stream{
		ch:   make(chan *TrajectoryShard, capacity),
		done: make(chan struct{}),
	}
}

// Send enqueues sh, suspending while the stream is full.
func (s *Stream) Send(ctx context.Context, sh *TrajectoryShard) error {
	select {
	case <-s.done:
		return ErrStreamClosed
	default:
	}
	select {
	case s.ch <- sh:
		return nil
	case <-s.done:
		return ErrStreamClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySend enqueues without blocking, returning ErrQueueFull when no credit is left.
func (s *Stream) TrySend(sh *TrajectoryShard) error {
	select {
	case <-s.done:
		return ErrStreamClosed
	default:
	}
	select {
	case s.ch <- sh:
		return nil
	default:
		return faults.ErrQueueFull
	}
}

// Shards implements Source.
func (s *Stream) Shards() <-chan *TrajectoryShard { return s.ch }

// Credits returns how many more shards fit before Send would block.
func (s *Stream) Credits() int { return cap(s.ch) - len(s.ch) }

// Len returns the number of queued shards.
func (s *Stream) Len() int { return len(s.ch) }

// Cap returns the stream bound.
func (s *Stream) Cap() int { return cap(s.ch) }

// Close rejects further sends. Queued shards stay readable.
func (s *Stream) Close() {
	s.closeMu.Do(func() { close(s.done) })
}
