package activity

import (
	"context"

	"github.com/flowcore/runengine/event"
	"github.com/flowcore/runengine/projection"
	"github.com/flowcore/runengine/workflow"
)

// Finalize marks the run complete. It emits run.completed itself; the
// engine's ensureTerminal guard skips its own emission once this one is
// observed (§4.D edge case, §9).
type Finalize struct {
	Events *event.Store
}

// Invoke implements workflow.Activity.
func (a *Finalize) Invoke(ctx context.Context, state projection.RunState, attempt int) workflow.Result {
	emitNodeStarted(ctx, a.Events, state.RunID, "finalize")
	emitStatus(ctx, a.Events, state.RunID, "complete")
	a.Events.Append(ctx, state.RunID, event.TypeRunCompleted, map[string]any{
		"outcome": "success", "verification_reason": "",
	})
	emitNodeCompleted(ctx, a.Events, state.RunID, "finalize", "")
	return workflow.Ok(workflow.StepFinalize)
}
