package bus

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nidhogg/streamrl/internal/faults"
	"github.com/nidhogg/streamrl/internal/shard"
)

// ErrPartitionOwned is returned by ConsumeShards when another learner holds
// the partition.
var ErrPartitionOwned = errors.New("shard partition owned by another learner")

const (
	// partitionConsumer is the only consumer name used in a partition's
	// group, so a restarted owner replays whatever its predecessor left
	// pending regardless of learner ID.
	partitionConsumer = "owner"
	leaseTTL          = 15 * time.Second
)

// ShardStream names the stream holding partition p.
func ShardStream(p int) string {
	return shardPrefix + strconv.Itoa(p)
}

// Partition maps a stream key onto one of n partitions. Every shard of an
// environment lands in the same partition, so one consumer sees them in
// sequence order.
func Partition(key shard.StreamKey, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(key.String()))
	return int(h.Sum32() % uint32(n))
}

func leaseKey(p int) string { return ShardStream(p) + ":owner" }

// ShardWriter is a shard.Sink appending to the shard streams. Once a
// partition holds MaxPending unconsumed entries, Send waits for its learner
// to catch up.
type ShardWriter struct {
	bus        *Bus
	maxPending int64
	group      string
	partitions int
}

// ShardWriter returns a sink spreading shards over partitions streams, each
// bounded by maxPending entries not yet acknowledged by group.
func (b *Bus) ShardWriter(group string, maxPending int64, partitions int) *ShardWriter {
	if maxPending <= 0 {
		maxPending = 1024
	}
	if partitions <= 0 {
		partitions = 1
	}
	return &ShardWriter{bus: b, maxPending: maxPending, group: group, partitions: partitions}
}

func (w *ShardWriter) Send(ctx context.Context, s *shard.TrajectoryShard) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("send shard: %w", err)
	}
	stream := ShardStream(Partition(s.Key(), w.partitions))
	wait := backoff.NewExponentialBackOff()
	wait.InitialInterval = 20 * time.Millisecond
	wait.MaxInterval = time.Second
	wait.MaxElapsedTime = 0

	err := backoff.Retry(func() error {
		n, err := w.backlog(ctx, stream)
		if err != nil {
			return backoff.Permanent(err)
		}
		if n >= w.maxPending {
			return faults.ErrQueueFull
		}
		return nil
	}, backoff.WithContext(wait, ctx))
	if err != nil {
		return fmt.Errorf("send shard: %w", err)
	}
	if _, err := w.bus.add(ctx, stream, 0, s); err != nil {
		return err
	}
	w.bus.logger.Debug("shard published",
		zap.String("stream", s.Key().String()),
		zap.String("partition", stream),
		zap.Uint64("seq", s.Sequence),
		zap.Int("turns", len(s.Turns)))
	return nil
}

// backlog counts entries the consumer group has not acknowledged yet. Before
// the group exists every entry is backlog.
func (w *ShardWriter) backlog(ctx context.Context, stream string) (int64, error) {
	groups, err := w.bus.rdb.XInfoGroups(ctx, stream).Result()
	if err != nil {
		if strings.Contains(err.Error(), "no such key") {
			return 0, nil
		}
		return 0, fmt.Errorf("inspect %s: %w", stream, err)
	}
	for _, g := range groups {
		if g.Name == w.group {
			return g.Lag + g.Pending, nil
		}
	}
	return w.bus.rdb.XLen(ctx, stream).Result()
}

// Ingester is the learner side of the shard stream.
type Ingester interface {
	Ingest(ctx context.Context, s *shard.TrajectoryShard) error
}

// ConsumeShards reads partition p in group until ctx ends, handing every
// shard to in. owner must hold the partition's lease for the whole run: two
// consumers in one group would split an environment's shards between them.
// An entry is acknowledged only after Ingest accepted it, so entries left
// pending by a crash are redelivered first on restart; the learner's
// sequence tracker discards any duplicates.
func (b *Bus) ConsumeShards(ctx context.Context, group string, p int, owner string, in Ingester) error {
	if err := b.acquire(ctx, p, owner); err != nil {
		return err
	}
	defer b.release(p, owner)

	stream := ShardStream(p)
	err := b.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s: %w", group, err)
	}
	b.logger.Info("consuming shards",
		zap.String("group", group),
		zap.String("partition", stream),
		zap.String("owner", owner))

	renewed := time.Now()
	// "0" replays pending entries, ">" asks for new ones.
	cursor := "0"
	for {
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(renewed) > leaseTTL/3 {
			if err := b.renew(ctx, p, owner); err != nil {
				if stopped(err) {
					return nil
				}
				return err
			}
			renewed = time.Now()
		}
		res, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: partitionConsumer,
			Streams:  []string{stream, cursor},
			Count:    16,
			Block:    2 * time.Second,
		}).Result()
		if err != nil {
			if stopped(err) {
				return nil
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			b.logger.Warn("read shard stream", zap.String("partition", stream), zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		delivered := 0
		for _, r := range res {
			for _, msg := range r.Messages {
				delivered++
				if err := b.deliver(ctx, stream, group, msg, in); err != nil {
					if stopped(err) {
						return nil
					}
					return err
				}
			}
		}
		if cursor == "0" && delivered == 0 {
			cursor = ">"
		}
	}
}

// acquire takes the lease on partition p, or confirms owner already has it.
func (b *Bus) acquire(ctx context.Context, p int, owner string) error {
	ok, err := b.rdb.SetNX(ctx, leaseKey(p), owner, leaseTTL).Result()
	if err != nil {
		return fmt.Errorf("lease partition %d: %w", p, err)
	}
	if ok {
		return nil
	}
	return b.renew(ctx, p, owner)
}

func (b *Bus) renew(ctx context.Context, p int, owner string) error {
	holder, err := b.rdb.Get(ctx, leaseKey(p)).Result()
	switch {
	case errors.Is(err, redis.Nil):
		// expired while we were busy; take it back
		ok, err := b.rdb.SetNX(ctx, leaseKey(p), owner, leaseTTL).Result()
		if err != nil {
			return fmt.Errorf("lease partition %d: %w", p, err)
		}
		if !ok {
			return b.renew(ctx, p, owner)
		}
		return nil
	case err != nil:
		return fmt.Errorf("lease partition %d: %w", p, err)
	case holder != owner:
		return fmt.Errorf("partition %d held by %s: %w", p, holder, ErrPartitionOwned)
	}
	if err := b.rdb.PExpire(ctx, leaseKey(p), leaseTTL).Err(); err != nil {
		return fmt.Errorf("renew partition %d: %w", p, err)
	}
	return nil
}

func (b *Bus) release(p int, owner string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if holder, err := b.rdb.Get(ctx, leaseKey(p)).Result(); err == nil && holder == owner {
		b.rdb.Del(ctx, leaseKey(p))
	}
}

func (b *Bus) deliver(ctx context.Context, stream, group string, msg redis.XMessage, in Ingester) error {
	if err := b.ingest(ctx, stream, msg, in); err != nil {
		return err
	}
	if err := b.rdb.XAck(ctx, stream, group, msg.ID).Err(); err != nil {
		return fmt.Errorf("ack %s: %w", msg.ID, err)
	}
	return nil
}

// ingest hands msg to in. Entries that cannot be decoded or that in rejects
// are reported as lost and still acknowledged; only shutdown is an error.
func (b *Bus) ingest(ctx context.Context, stream string, msg redis.XMessage, in Ingester) error {
	var s shard.TrajectoryShard
	if err := decode(msg, &s); err != nil {
		b.logger.Error("dropping undecodable shard", zap.String("id", msg.ID), zap.Error(err))
		b.dropped(stream, msg.ID, "", err)
		return nil
	}
	if err := in.Ingest(ctx, &s); err != nil {
		if stopped(err) || errors.Is(err, shard.ErrStreamClosed) {
			return context.Canceled
		}
		b.logger.Error("dropping rejected shard",
			zap.String("id", msg.ID),
			zap.String("stream", s.Key().String()),
			zap.Error(err))
		b.dropped(stream, msg.ID, s.Key().String(), err)
	}
	return nil
}

func (b *Bus) dropped(partition, id, key string, cause error) {
	fields := map[string]string{"partition": partition, "entry": id}
	if key != "" {
		fields["stream"] = key
	}
	b.reporter.Report(faults.Event{
		Kind:      faults.KindDataLoss,
		Component: "shard-bus",
		Message:   fmt.Sprintf("dropped shard %s: %v", id, cause),
		Fields:    fields,
		At:        time.Now(),
	})
}
