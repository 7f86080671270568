package inference

import (
	"context"
	"errors"
	"time"

	"github.com/nidhogg/streamrl/internal/faults"
	"go.uber.org/zap"
)

// Watcher polls the canonical version so a missed advertisement heals. It is a
// clock.Listener; an unreachable coordinator leaves the active buffer serving.
type Watcher struct {
	svc     *Service
	source  VersionSource
	timeout time.Duration
	logger  *zap.Logger
}

// NewWatcher binds a version source to svc.
func NewWatcher(svc *Service, source VersionSource, timeout time.Duration, logger *zap.Logger) *Watcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Watcher{svc: svc, source: source, timeout: timeout, logger: logger}
}

// OnTick implements clock.Listener.
func (w *Watcher) OnTick(time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	w.Poll(ctx)
}

// Poll checks the source once.
func (w *Watcher) Poll(ctx context.Context) {
	mv, err := w.source.CurrentVersion(ctx)
	if err != nil {
		if !errors.Is(err, faults.ErrNoVersion) {
			w.logger.Debug("version poll failed, keeping last known version", zap.Error(err))
		}
		return
	}
	if mv.Version > w.svc.ActiveVersion() {
		if err := w.svc.NotifyTarget(ctx, mv); err != nil {
			w.logger.Debug("notify target from poll failed", zap.Uint64("target", mv.Version), zap.Error(err))
		}
	}
}
