// Package clock drives periodic work through registered listeners.
package clock

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Listener receives tick events.
type Listener interface {
	OnTick(now time.Time)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(now time.Time)

func (f ListenerFunc) OnTick(now time.Time) { f(now) }

// Clock fans a ticker out to its listeners. Listeners run sequentially on the
// clock goroutine, so a slow listener delays the next tick rather than piling up.
type Clock struct {
	name      string
	interval  time.Duration
	listeners []Listener
	mu        sync.RWMutex
	cancel    context.CancelFunc
	done      chan struct{}
	logger    *zap.Logger
}

// New creates a stopped clock.
func New(name string, interval time.Duration, logger *zap.Logger) *Clock {
	return &Clock{name: name, interval: interval, logger: logger}
}

// AddListener registers a tick listener.
func (c *Clock) AddListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// Start begins the tick loop in a background goroutine. It stops when ctx is
// cancelled or Stop is called.
func (c *Clock) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go c.loop(ctx, done)
	c.logger.Info("clock started",
		zap.String("clock", c.name),
		zap.Duration("interval", c.interval))
}

// Stop halts the tick loop and waits for the running tick to finish.
func (c *Clock) Stop() {
	c.mu.RLock()
	cancel, done := c.cancel, c.done
	c.mu.RUnlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	c.logger.Info("clock stopped", zap.String("clock", c.name))
}

func (c *Clock) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.Tick(now)
		}
	}
}

// Tick delivers one tick synchronously. Exposed so tests can drive listeners
// without waiting on wall time.
func (c *Clock) Tick(now time.Time) {
	c.mu.RLock()
	listeners := make([]Listener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.RUnlock()

	for _, l := range listeners {
		l.OnTick(now)
	}
}
