package memlog

import (
	"context"
	"sync"

	"github.com/flowcore/runengine/event"
)

// queueSize bounds each subscriber's live-event channel. A subscriber that
// cannot keep up is dropped (its overflow channel is closed) rather than
// allowed to block publishers, per the local-transport contract in §4.A.
const queueSize = 256

// Bus fans out published events to in-process subscribers, scoped per run
// ID. It mirrors the teacher pack's synchronous hook bus but keys
// subscribers by run so unrelated runs never contend and delivery is
// non-blocking per subscriber.
type Bus struct {
	mu   sync.Mutex
	subs map[string]map[*subscriber]struct{} // runID -> set of subscribers
}

type subscriber struct {
	ch        chan event.Event
	overflow  chan struct{}
	closeOnce sync.Once
}

// NewBus returns an empty in-process Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[*subscriber]struct{})}
}

// Publish implements event.Bus. Delivery is non-blocking: a full subscriber
// queue is dropped and signaled via its overflow channel instead of
// stalling the publisher (and therefore the workflow engine).
func (b *Bus) Publish(_ context.Context, ev event.Event) error {
	b.mu.Lock()
	targets := make([]*subscriber, 0, len(b.subs[ev.RunID]))
	for s := range b.subs[ev.RunID] {
		targets = append(targets, s)
	}
	b.mu.Unlock()

	for _, s := range targets {
		select {
		case s.ch <- ev:
		default:
			b.drop(ev.RunID, s)
		}
	}
	return nil
}

// Subscribe implements event.Bus.
func (b *Bus) Subscribe(runID string) (<-chan event.Event, <-chan struct{}, func()) {
	s := &subscriber{ch: make(chan event.Event, queueSize), overflow: make(chan struct{})}

	b.mu.Lock()
	if b.subs[runID] == nil {
		b.subs[runID] = make(map[*subscriber]struct{})
	}
	b.subs[runID][s] = struct{}{}
	b.mu.Unlock()

	cancel := func() { b.remove(runID, s) }
	return s.ch, s.overflow, cancel
}

func (b *Bus) drop(runID string, s *subscriber) {
	b.remove(runID, s)
	s.closeOnce.Do(func() { close(s.overflow) })
}

func (b *Bus) remove(runID string, s *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[runID]; ok {
		if _, present := set[s]; present {
			delete(set, s)
			close(s.ch)
		}
		if len(set) == 0 {
			delete(b.subs, runID)
		}
	}
}
