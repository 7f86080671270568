package bus

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nidhogg/streamrl/internal/coordinator"
	"github.com/nidhogg/streamrl/internal/version"
)

// Notify implements coordinator.Notifier by appending mv to the target's
// advertisement stream. Only the newest few adverts are retained.
func (b *Bus) Notify(ctx context.Context, target coordinator.Component, mv version.ModelVersion) error {
	_, err := b.add(ctx, swapPrefix+target.ID, 16, mv)
	return err
}

// SwapTarget receives advertisements. inference.Service implements it.
type SwapTarget interface {
	NotifyTarget(ctx context.Context, mv version.ModelVersion) error
}

// SubscribeSwaps forwards advertisements addressed to componentID until ctx
// ends. Adverts published while no subscriber was running are skipped; the
// inference watcher polls the coordinator for those.
func (b *Bus) SubscribeSwaps(ctx context.Context, componentID string, target SwapTarget) {
	stream := swapPrefix + componentID
	lastID := "$"

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		results, err := b.rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{stream, lastID},
			Count:   10,
			Block:   2 * time.Second,
		}).Result()
		if err != nil {
			if stopped(err) {
				return
			}
			continue
		}

		for _, r := range results {
			for _, msg := range r.Messages {
				lastID = msg.ID
				var mv version.ModelVersion
				if err := decode(msg, &mv); err != nil {
					b.logger.Warn("bad swap advert", zap.String("id", msg.ID), zap.Error(err))
					continue
				}
				if err := target.NotifyTarget(ctx, mv); err != nil {
					b.logger.Warn("swap advert rejected",
						zap.String("component", componentID),
						zap.Uint64("version", mv.Version),
						zap.Error(err))
				}
			}
		}
	}
}

var _ coordinator.Notifier = (*Bus)(nil)
