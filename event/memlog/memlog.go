// Package memlog provides an in-process, in-memory implementation of
// event.Log suitable for single-process mode, tests, and local development.
// It is not durable across process restarts.
package memlog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowcore/runengine/event"
)

// Log implements event.Log in memory, keyed by run ID. Append assigns
// Seq = len(existing)+1 under a single Log-wide mutex, so Appends for
// distinct runs are serialized with each other too.
type Log struct {
	mu     sync.Mutex
	byRun  map[string][]event.Event
	nowFn  func() time.Time
}

// New returns an empty in-memory log.
func New() *Log {
	return &Log{byRun: make(map[string][]event.Event), nowFn: time.Now}
}

// Append implements event.Log.
func (l *Log) Append(_ context.Context, runID string, typ event.Type, data map[string]any) (event.Event, error) {
	if runID == "" {
		return event.Event{}, fmt.Errorf("memlog: run_id is required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	seq := int64(len(l.byRun[runID])) + 1
	ev := event.Event{
		EventID:   uuid.NewString(),
		RunID:     runID,
		Seq:       seq,
		Timestamp: l.nowFn(),
		Type:      typ,
		Data:      data,
	}
	l.byRun[runID] = append(l.byRun[runID], ev)
	return ev, nil
}

// History implements event.Log. The returned slice is a defensive copy so
// callers cannot mutate the stored log.
func (l *Log) History(_ context.Context, runID string) ([]event.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	src := l.byRun[runID]
	out := make([]event.Event, len(src))
	copy(out, src)
	return out, nil
}
