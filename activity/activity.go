// Package activity implements the per-step activity adapters (§4.E): one
// adapter per pipeline step, each a pure function of RunState plus injected
// collaborators, emitting node.started/node.completed and classifying
// collaborator failures into workflow.Result values.
package activity

import (
	"context"
	"fmt"

	"github.com/flowcore/runengine/errkind"
	"github.com/flowcore/runengine/event"
	"github.com/flowcore/runengine/workflow"
)

// requestID derives a deterministic idempotency key from (run_id, step,
// attempt), so a re-dispatched tool request after crash or retry is
// deduplicated at the executor (§4.D "Idempotency").
func requestID(runID string, step workflow.Step, attempt int) string {
	return fmt.Sprintf("%s:%s:%d", runID, step, attempt)
}

func emitNodeStarted(ctx context.Context, events *event.Store, runID, name string) {
	events.Append(ctx, runID, event.TypeNodeStarted, map[string]any{"name": name})
}

func emitNodeCompleted(ctx context.Context, events *event.Store, runID, name string, errMsg string) {
	data := map[string]any{"name": name}
	if errMsg != "" {
		data["error"] = errMsg
	}
	events.Append(ctx, runID, event.TypeNodeCompleted, data)
}

func emitStatus(ctx context.Context, events *event.Store, runID, phase string) {
	events.Append(ctx, runID, event.TypeStatusChanged, map[string]any{"phase": phase})
}

// classify maps a collaborator error to a workflow.Result per the fixed
// classification table in §4.E.
func classify(err error) workflow.Result {
	kind, ok := errkind.As(err)
	if !ok {
		return workflow.Transient(errkind.Wrap(errkind.NetworkFailure, "", err))
	}
	if kind.Transient() {
		return workflow.Transient(err)
	}
	return workflow.Fatal(err)
}
