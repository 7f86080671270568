// Package bus carries trajectory shards and swap advertisements over Redis
// Streams, for deployments where actors, learner and inference run as
// separate processes.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nidhogg/streamrl/internal/faults"
)

const (
	streamPrefix = "streamrl:"
	shardPrefix  = streamPrefix + "shards:"
	swapPrefix   = streamPrefix + "swap:"
)

// Bus is a Redis connection shared by the shard and swap streams.
type Bus struct {
	rdb      *redis.Client
	logger   *zap.Logger
	reporter faults.Reporter
}

// New connects to redisURL.
func New(ctx context.Context, redisURL string, logger *zap.Logger) (*Bus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Bus{rdb: rdb, logger: logger, reporter: faults.Discard}, nil
}

// SetReporter routes shards dropped by ConsumeShards to r.
func (b *Bus) SetReporter(r faults.Reporter) {
	if r == nil {
		r = faults.Discard
	}
	b.reporter = r
}

// Close shuts down the Redis connection.
func (b *Bus) Close() error {
	return b.rdb.Close()
}

func (b *Bus) add(ctx context.Context, stream string, maxLen int64, v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode message: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{"data": string(data)},
	}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	id, err := b.rdb.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", stream, err)
	}
	return id, nil
}

func decode(msg redis.XMessage, v any) error {
	data, ok := msg.Values["data"].(string)
	if !ok {
		return fmt.Errorf("message %s has no data field", msg.ID)
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return fmt.Errorf("decode message %s: %w", msg.ID, err)
	}
	return nil
}

func stopped(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, redis.ErrClosed)
}
