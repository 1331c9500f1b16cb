package redislog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/flowcore/runengine/event"
)

// notifyTopic is the pub/sub channel used to wake live subscribers; it
// carries only a pointer (run ID + seq), never the event payload itself, so
// a slow subscriber re-reads the authoritative stream via History/XRange
// rather than trusting an in-flight copy.
func notifyTopic(runID string) string { return fmt.Sprintf("ai:run:%s:notify", runID) }

type notification struct {
	Seq int64 `json:"seq"`
}

// Bus implements event.Bus over Redis pub/sub. It is the live-tail half of
// the distributed transport: Append publishes a lightweight notification
// after the stream write succeeds, and each Subscribe caller re-fetches any
// entries newer than its last-seen Seq directly from the stream so delivery
// survives missed pub/sub messages (Redis pub/sub has no durability or
// backlog).
type Bus struct {
	rdb *redis.Client
	log *Log
}

// NewBus returns a Bus that notifies over rdb and backfills from log.
func NewBus(rdb *redis.Client, log *Log) *Bus {
	return &Bus{rdb: rdb, log: log}
}

// Publish implements event.Bus by broadcasting a notification carrying the
// event's Seq; the event itself is already durable in the stream by the
// time Publish is called (event.Store always Appends to the Log first).
func (b *Bus) Publish(ctx context.Context, ev event.Event) error {
	payload, err := json.Marshal(notification{Seq: ev.Seq})
	if err != nil {
		return fmt.Errorf("redislog: marshal notification: %w", err)
	}
	return b.rdb.Publish(ctx, notifyTopic(ev.RunID), payload).Err()
}

// Subscribe implements event.Bus. It returns a channel that is fed by
// resolving each pub/sub wakeup against the stream starting after the
// highest Seq already delivered, so gaps introduced by pub/sub's at-most-
// once delivery are closed by falling back to the durable stream.
func (b *Bus) Subscribe(runID string) (<-chan event.Event, <-chan struct{}, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	pubsub := b.rdb.Subscribe(ctx, notifyTopic(runID))

	out := make(chan event.Event, 256)
	overflow := make(chan struct{})

	go func() {
		defer close(out)
		defer pubsub.Close()

		var lastSeq int64
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				hist, err := b.log.History(ctx, runID)
				if err != nil {
					continue
				}
				for _, e := range hist {
					if e.Seq <= lastSeq {
						continue
					}
					select {
					case out <- e:
						lastSeq = e.Seq
					default:
						select {
						case <-overflow:
						default:
							close(overflow)
						}
						return
					}
				}
			}
		}
	}()

	return out, overflow, cancel
}
