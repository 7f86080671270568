package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/nidhogg/streamrl/internal/api"
	"github.com/nidhogg/streamrl/internal/faults"
	"github.com/nidhogg/streamrl/internal/shard"
)

// ShardSink is a shard.Sink posting to a remote learner. Queue-full and
// unavailable answers are retried with exponential backoff until ctx ends,
// so a shard is delivered or Send returns an error; it is never dropped.
type ShardSink struct {
	base
	maxInterval time.Duration
	logger      *zap.Logger
}

func NewShardSink(baseURL string, hc *http.Client, logger *zap.Logger) *ShardSink {
	return &ShardSink{base: newBase(baseURL, hc), maxInterval: 2 * time.Second, logger: logger}
}

func (s *ShardSink) Send(ctx context.Context, sh *shard.TrajectoryShard) error {
	wait := backoff.NewExponentialBackOff()
	wait.InitialInterval = 25 * time.Millisecond
	wait.MaxInterval = s.maxInterval
	wait.MaxElapsedTime = 0

	op := func() error {
		var ack api.ShardAck
		err := s.do(ctx, http.MethodPost, "/api/learner/shards", sh, &ack)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, faults.ErrQueueFull), errors.Is(err, faults.ErrInferenceUnavailable), isTransport(err):
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, next time.Duration) {
		s.logger.Debug("shard send retry",
			zap.String("stream", sh.Key().String()),
			zap.Uint64("seq", sh.Sequence),
			zap.Duration("next", next),
			zap.Error(err))
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(wait, ctx), notify); err != nil {
		return fmt.Errorf("send shard %s#%d: %w", sh.Key(), sh.Sequence, err)
	}
	return nil
}

var _ shard.Sink = (*ShardSink)(nil)
