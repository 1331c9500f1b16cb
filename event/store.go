package event

import (
	"context"

	"github.com/flowcore/runengine/telemetry"
)

// Store combines a Log and a Bus into the single abstraction the rest of the
// run engine depends on: append persists first and broadcasts second, and
// Subscribe yields a seamless replay-then-tail sequence.
//
// This is the "Event Log & Bus" component (§4.A): Local and distributed
// transports each provide a Log and a Bus; Store is transport-agnostic glue
// that enforces the ordering contract regardless of which pair is wired in.
type Store struct {
	log    Log
	bus    Bus
	logger telemetry.Logger
}

// NewStore builds a Store over the given Log and Bus. If logger is nil, a
// noop logger is used.
func NewStore(log Log, bus Bus, logger telemetry.Logger) *Store {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Store{log: log, bus: bus, logger: logger}
}

// Append persists the event via the Log, then best-effort broadcasts it via
// the Bus. Broadcast failures are logged and swallowed: a slow or absent
// subscriber must never cause an append to fail or a workflow step to stall.
func (s *Store) Append(ctx context.Context, runID string, typ Type, data map[string]any) (Event, error) {
	ev, err := s.log.Append(ctx, runID, typ, data)
	if err != nil {
		return Event{}, err
	}
	if err := s.bus.Publish(ctx, ev); err != nil {
		s.logger.Warn(ctx, "event: broadcast failed", "run_id", runID, "seq", ev.Seq, "error", err.Error())
	}
	return ev, nil
}

// History returns the full persisted event sequence for runID.
func (s *Store) History(ctx context.Context, runID string) ([]Event, error) {
	return s.log.History(ctx, runID)
}

// Subscribe returns a channel that yields the full history for runID
// followed seamlessly by live events, with no gap and no duplicate Seq. The
// stream closes when ctx is canceled, the caller invokes the returned
// cancel function, or a terminal event (run.completed/run.failed) is
// observed.
//
// Subscribe registers with the Bus before reading History so that any event
// appended in the window between registration and the history read is
// still delivered live; the merge logic below deduplicates by Seq so the
// replay-to-live transition never gaps or repeats.
func (s *Store) Subscribe(ctx context.Context, runID string) (<-chan Event, func(), error) {
	live, overflowed, cancel := s.bus.Subscribe(runID)

	hist, err := s.log.History(ctx, runID)
	if err != nil {
		cancel()
		return nil, nil, err
	}

	out := make(chan Event, 64)
	go func() {
		defer close(out)
		defer cancel()

		var lastSeq int64
		for _, e := range hist {
			select {
			case out <- e:
				lastSeq = e.Seq
			case <-ctx.Done():
				return
			}
			if isTerminal(e.Type) {
				return
			}
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-overflowed:
				return
			case e, ok := <-live:
				if !ok {
					return
				}
				if e.Seq <= lastSeq {
					continue // already delivered from history
				}
				select {
				case out <- e:
					lastSeq = e.Seq
				case <-ctx.Done():
					return
				}
				if isTerminal(e.Type) {
					return
				}
			}
		}
	}()

	return out, cancel, nil
}

func isTerminal(t Type) bool {
	return t == TypeRunCompleted || t == TypeRunFailed
}
