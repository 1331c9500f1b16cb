package activity

import (
	"context"

	"github.com/flowcore/runengine/collab"
	"github.com/flowcore/runengine/errkind"
	"github.com/flowcore/runengine/event"
	"github.com/flowcore/runengine/projection"
	"github.com/flowcore/runengine/workflow"
)

// Plan calls the injected Planner to decide the run's strategy and records
// the decision. A high-risk tool intent routes through maybe_approve before
// retrieve/respond can run (§4.D "Approval gate").
type Plan struct {
	Events  *event.Store
	Planner collab.Planner
}

// Invoke implements workflow.Activity.
func (a *Plan) Invoke(ctx context.Context, state projection.RunState, attempt int) workflow.Result {
	emitNodeStarted(ctx, a.Events, state.RunID, "plan")
	emitStatus(ctx, a.Events, state.RunID, "thinking")

	decision, err := a.Planner.Plan(ctx, state.Message, state.Context)
	if err != nil {
		emitNodeCompleted(ctx, a.Events, state.RunID, "plan", err.Error())
		return classify(err)
	}

	a.Events.Append(ctx, state.RunID, event.TypeDecisionMade, map[string]any{
		"kind":              "plan_type",
		"plan_type":         string(decision.PlanType),
		"response_strategy": decision.ResponseStrategy,
		"selected_tool":     decision.SelectedTool,
		"high_risk_tool":    decision.HighRiskTool,
	})
	emitNodeCompleted(ctx, a.Events, state.RunID, "plan", "")

	if decision.PlanType == "" {
		return workflow.Fatal(errkind.New(errkind.BadPlan, "planner returned no plan_type"))
	}
	if decision.HighRiskTool {
		return workflow.Ok(workflow.StepMaybeApprove)
	}
	return workflow.Ok(workflow.StepRetrieve)
}
