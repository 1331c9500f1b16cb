// Package redisqueue provides the distributed tool-invocation queue (§4.G):
// in single-process mode the tool executor subscribes to tool.requested
// directly off the in-memory event bus, but distributed deployments fan
// tool.requested events out to a pool of worker processes over a Redis
// Streams consumer group instead, so invocation work can scale
// independently of the step-scheduling engine. The executor's own pipeline
// (§4.F: dedupe, resolve, validate, gate, invoke, cache) is unchanged; the
// queue only replaces how a tool.requested event reaches it.
package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flowcore/runengine/event"
	"github.com/flowcore/runengine/telemetry"
)

const (
	streamKey     = "queue:tools"
	consumerGroup = "tool-workers"
)

// Producer publishes tool.requested events onto the distributed queue. It is
// normally driven by subscribing to the run's event stream and forwarding
// every tool.requested it observes.
type Producer struct {
	rdb *redis.Client
}

// NewProducer returns a Producer over rdb.
func NewProducer(rdb *redis.Client) *Producer { return &Producer{rdb: rdb} }

// Enqueue publishes ev (which must be a tool.requested event) onto the
// stream. Enqueue does not create the consumer group; NewConsumer does.
func (p *Producer) Enqueue(ctx context.Context, ev event.Event) error {
	if ev.Type != event.TypeToolRequested {
		return fmt.Errorf("redisqueue: refusing to enqueue non tool.requested event %q", ev.Type)
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("redisqueue: marshal event: %w", err)
	}
	requestID, _ := ev.Data["request_id"].(string)
	if _, err := p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		Values: map[string]any{
			"run_id":     ev.RunID,
			"request_id": requestID,
			"event":      string(payload),
		},
	}).Result(); err != nil {
		return fmt.Errorf("%w: xadd: %v", event.ErrStoreUnavailable, err)
	}
	return nil
}

// Handler processes a single dequeued tool.requested event. tool.Executor.Handle
// satisfies this signature.
type Handler func(ctx context.Context, ev event.Event)

// Consumer reads tool.requested events from the distributed queue with
// at-least-once delivery, dedupes by request_id, and acknowledges each entry
// once its Handler returns. A crashed consumer's unacknowledged entries are
// reclaimed by reclaim after VisibilityTimeout elapses, so no tool request is
// silently dropped (§4.G "at-least-once delivery with idempotent dispatch").
type Consumer struct {
	rdb    *redis.Client
	name   string
	logger telemetry.Logger

	visibilityTimeout time.Duration
	blockFor          time.Duration
	batchSize         int64
}

// ConsumerConfig configures a new Consumer.
type ConsumerConfig struct {
	Name              string // unique per worker process, e.g. hostname-pid
	VisibilityTimeout time.Duration
	BlockFor          time.Duration
	BatchSize         int64
	Logger            telemetry.Logger
}

// NewConsumer builds a Consumer from cfg, creating the consumer group if it
// does not already exist.
func NewConsumer(ctx context.Context, rdb *redis.Client, cfg ConsumerConfig) (*Consumer, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("redisqueue: consumer name is required")
	}
	visibility := cfg.VisibilityTimeout
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	block := cfg.BlockFor
	if block <= 0 {
		block = 5 * time.Second
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 10
	}
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}

	if err := rdb.XGroupCreateMkStream(ctx, streamKey, consumerGroup, "0").Err(); err != nil &&
		!isBusyGroupErr(err) {
		return nil, fmt.Errorf("%w: xgroup create: %v", event.ErrStoreUnavailable, err)
	}

	return &Consumer{
		rdb: rdb, name: cfg.Name, logger: logger,
		visibilityTimeout: visibility, blockFor: block, batchSize: batch,
	}, nil
}

// isBusyGroupErr reports whether err is Redis's BUSYGROUP response, meaning
// the consumer group already exists from a prior process — not a real
// failure.
func isBusyGroupErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

// Run reads batches of undelivered entries, dispatches each through handle,
// and acknowledges it on success. It blocks until ctx is canceled.
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	seen := make(map[string]struct{})
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    consumerGroup,
			Consumer: c.name,
			Streams:  []string{streamKey, ">"},
			Count:    c.batchSize,
			Block:    c.blockFor,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			c.logger.Warn(ctx, "toolqueue: xreadgroup failed", "error", err.Error())
			continue
		}

		for _, s := range streams {
			for _, msg := range s.Messages {
				c.dispatch(ctx, msg, seen, handle)
			}
		}

		if err := c.reclaim(ctx, seen, handle); err != nil {
			c.logger.Warn(ctx, "toolqueue: reclaim failed", "error", err.Error())
		}
	}
}

func (c *Consumer) dispatch(ctx context.Context, msg redis.XMessage, seen map[string]struct{}, handle Handler) {
	requestID := fmt.Sprint(msg.Values["request_id"])
	if _, ok := seen[requestID]; ok {
		c.ack(ctx, msg.ID)
		return
	}
	ev, err := decodeMessage(msg)
	if err != nil {
		c.logger.Error(ctx, "toolqueue: malformed entry, acking to drop", "id", msg.ID, "error", err.Error())
		c.ack(ctx, msg.ID)
		return
	}
	seen[requestID] = struct{}{}
	handle(ctx, ev)
	c.ack(ctx, msg.ID)
}

func (c *Consumer) ack(ctx context.Context, id string) {
	if err := c.rdb.XAck(ctx, streamKey, consumerGroup, id).Err(); err != nil {
		c.logger.Warn(ctx, "toolqueue: ack failed", "id", id, "error", err.Error())
	}
}

// reclaim finds pending entries idle longer than visibilityTimeout —
// evidence of a crashed consumer that never acked — and claims them onto
// this consumer for (re)processing (§4.G crash recovery).
func (c *Consumer) reclaim(ctx context.Context, seen map[string]struct{}, handle Handler) error {
	pending, err := c.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: streamKey,
		Group:  consumerGroup,
		Idle:   c.visibilityTimeout,
		Start:  "-",
		End:    "+",
		Count:  c.batchSize,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("xpending: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
	}
	claimed, err := c.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   streamKey,
		Group:    consumerGroup,
		Consumer: c.name,
		MinIdle:  c.visibilityTimeout,
		Messages: ids,
	}).Result()
	if err != nil {
		return fmt.Errorf("xclaim: %w", err)
	}
	for _, msg := range claimed {
		c.dispatch(ctx, msg, seen, handle)
	}
	return nil
}

func decodeMessage(msg redis.XMessage) (event.Event, error) {
	raw, ok := msg.Values["event"].(string)
	if !ok || raw == "" {
		return event.Event{}, fmt.Errorf("redisqueue: missing event payload")
	}
	var ev event.Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return event.Event{}, fmt.Errorf("redisqueue: decode event: %w", err)
	}
	return ev, nil
}
