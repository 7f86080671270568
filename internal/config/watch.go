package config

import (
	"context"
	"fmt"

	"github.com/fsnotify/fsnotify"
)

// WatchContext returns a context that is cancelled once any of paths is
// written, created, removed or renamed. The cause names the file.
func WatchContext(ctx context.Context, paths ...string) (context.Context, context.CancelFunc, error) {
	cctx, cancel := context.WithCancelCause(ctx)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		cancel(err)
		return nil, nil, fmt.Errorf("watch config: %w", err)
	}
	for _, p := range paths {
		if err := w.Add(p); err != nil {
			w.Close()
			cancel(err)
			return nil, nil, fmt.Errorf("watch config %s: %w", p, err)
		}
	}

	go func() {
		defer w.Close()
		for {
			select {
			case <-cctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) {
					continue
				}
				cancel(fmt.Errorf("%s changed (%s)", ev.Name, ev.Op))
				return
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				cancel(fmt.Errorf("watch config: %w", err))
				return
			}
		}
	}()
	return cctx, func() { cancel(nil) }, nil
}
