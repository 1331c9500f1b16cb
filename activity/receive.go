package activity

import (
	"context"

	"github.com/flowcore/runengine/event"
	"github.com/flowcore/runengine/projection"
	"github.com/flowcore/runengine/workflow"
)

// Receive is the entry adapter: it has already been satisfied by admission
// (run.started carries message/context/mode/identity), so it only marks the
// canonical phase transition and advances to plan.
type Receive struct {
	Events *event.Store
}

// Invoke implements workflow.Activity.
func (a *Receive) Invoke(ctx context.Context, state projection.RunState, attempt int) workflow.Result {
	emitNodeStarted(ctx, a.Events, state.RunID, "receive")
	emitStatus(ctx, a.Events, state.RunID, "received")
	emitNodeCompleted(ctx, a.Events, state.RunID, "receive", "")
	return workflow.Ok(workflow.StepPlan)
}
