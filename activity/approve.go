package activity

import (
	"context"

	"github.com/flowcore/runengine/errkind"
	"github.com/flowcore/runengine/event"
	"github.com/flowcore/runengine/projection"
	"github.com/flowcore/runengine/workflow"
)

// MaybeApprove suspends the run for a human decision when plan flagged a
// high-risk tool intent. It resumes via workflow.approval.recorded: an
// "approved" decision proceeds to retrieve, "rejected" is Fatal (§4.D
// "Approval gate").
type MaybeApprove struct {
	Events *event.Store
}

// Invoke implements workflow.Activity.
func (a *MaybeApprove) Invoke(ctx context.Context, state projection.RunState, attempt int) workflow.Result {
	emitNodeStarted(ctx, a.Events, state.RunID, "maybe_approve")

	switch state.HumanDecision {
	case "approved":
		emitNodeCompleted(ctx, a.Events, state.RunID, "maybe_approve", "")
		return workflow.Ok(workflow.StepRetrieve)
	case "rejected":
		emitNodeCompleted(ctx, a.Events, state.RunID, "maybe_approve", "rejected_by_user")
		return workflow.Fatal(errkind.New(errkind.Cancelled, "rejected_by_user"))
	default:
		return workflow.WaitForApproval("high_risk_tool_intent")
	}
}
