package activity

import (
	"context"
	"fmt"

	"github.com/flowcore/runengine/collab"
	"github.com/flowcore/runengine/errkind"
	"github.com/flowcore/runengine/event"
	"github.com/flowcore/runengine/projection"
	"github.com/flowcore/runengine/workflow"
)

// waitEventTypes are the terminators the engine resumes respond on once a
// submitted tool request is answered (§4.E).
var waitEventTypes = []string{
	string(event.TypeToolCompleted), string(event.TypeToolFailed),
	string(event.TypeToolDenied), string(event.TypeToolServerError),
}

// Respond streams the model's answer (or, on tool intent, submits the tool
// request and suspends). Guardrail screening runs on the input message
// first; a refusal is Fatal with guardrail.triggered emitted (§4.E).
type Respond struct {
	Events    *event.Store
	Model     collab.ModelStreamer
	Guardrail collab.Guardrail
	// ToolServerID resolves the server_id used for tool_name-qualified
	// requests produced by the planner; a real deployment would look this
	// up from a tool catalog keyed by tool name.
	ToolServerID string
}

// Invoke implements workflow.Activity.
func (a *Respond) Invoke(ctx context.Context, state projection.RunState, attempt int) workflow.Result {
	emitNodeStarted(ctx, a.Events, state.RunID, "respond")
	emitStatus(ctx, a.Events, state.RunID, "responding")

	if a.Guardrail != nil {
		verdict, err := a.Guardrail.Evaluate(ctx, "input", state.Message)
		if err != nil {
			emitNodeCompleted(ctx, a.Events, state.RunID, "respond", err.Error())
			return classify(err)
		}
		if verdict.Blocked {
			a.Events.Append(ctx, state.RunID, event.TypeGuardrailTriggered, map[string]any{
				"status": "blocked", "reason": verdict.Reason, "layer": verdict.Layer,
				"threat_type": verdict.ThreatType, "blocking": true,
			})
			emitNodeCompleted(ctx, a.Events, state.RunID, "respond", "refusal")
			return workflow.Fatal(errkind.New(errkind.Refusal, verdict.Reason))
		}
	}

	selectedTool := selectedToolFromDecisions(state.Decisions)
	if selectedTool != "" {
		reqID := requestID(state.RunID, workflow.StepRespond, attempt)
		if n := len(state.ToolRequests); n > 0 {
			// A resumed or retried respond step runs under a higher attempt
			// than the one that submitted the request; keep that request.
			reqID = state.ToolRequests[n-1].RequestID
		}
		if result, ok := toolResultFor(state, reqID); ok {
			return a.finishAfterTool(ctx, state, result)
		}
		if !alreadyRequested(state, reqID) {
			a.Events.Append(ctx, state.RunID, event.TypeToolDiscovered, map[string]any{"tool_name": selectedTool})
			a.Events.Append(ctx, state.RunID, event.TypeToolRequested, map[string]any{
				"request_id": reqID, "tool_name": selectedTool, "server_id": a.ToolServerID,
				"permission_scope": selectedTool, "arguments": toolArgumentsFromDecisions(state.Decisions),
			})
		}
		emitNodeCompleted(ctx, a.Events, state.RunID, "respond", "")
		return workflow.WaitForEvents("awaiting tool result", waitEventTypes...)
	}

	chunks, err := a.Model.Stream(ctx, buildPrompt(state))
	if err != nil {
		emitNodeCompleted(ctx, a.Events, state.RunID, "respond", err.Error())
		return classify(err)
	}
	for chunk := range chunks {
		if chunk.Text != "" {
			a.Events.Append(ctx, state.RunID, event.TypeOutputChunk, map[string]any{"text": chunk.Text})
		}
	}
	emitNodeCompleted(ctx, a.Events, state.RunID, "respond", "")
	return workflow.Ok(workflow.StepVerify)
}

func alreadyRequested(state projection.RunState, reqID string) bool {
	for _, r := range state.ToolRequests {
		if r.RequestID == reqID {
			return true
		}
	}
	return false
}

func toolResultFor(state projection.RunState, reqID string) (projection.ToolResultRef, bool) {
	for _, r := range state.ToolResults {
		if r.RequestID == reqID {
			return r, true
		}
	}
	return projection.ToolResultRef{}, false
}

// finishAfterTool interprets the terminator for a previously-submitted tool
// request once the waiting respond step is resumed.
func (a *Respond) finishAfterTool(ctx context.Context, state projection.RunState, result projection.ToolResultRef) workflow.Result {
	switch result.Status {
	case "completed":
		a.Events.Append(ctx, state.RunID, event.TypeOutputChunk, map[string]any{
			"text": fmt.Sprintf("Tool result: %v", state.LastToolStatus),
		})
		emitNodeCompleted(ctx, a.Events, state.RunID, "respond", "")
		return workflow.Ok(workflow.StepVerify)
	case "denied":
		emitNodeCompleted(ctx, a.Events, state.RunID, "respond", "permission_denied")
		return workflow.Fatal(errkind.New(errkind.PermissionDenied, state.ToolDeniedReason))
	default:
		emitNodeCompleted(ctx, a.Events, state.RunID, "respond", result.ErrorKind)
		kind := errkind.Kind(result.ErrorKind)
		if kind == "" {
			kind = errkind.ServerError
		}
		return classify(errkind.New(kind, result.ErrorKind))
	}
}

func selectedToolFromDecisions(decisions []projection.Decision) string {
	for i := len(decisions) - 1; i >= 0; i-- {
		if decisions[i].Kind == "plan_type" {
			if tool, ok := decisions[i].Data["selected_tool"].(string); ok {
				return tool
			}
			return ""
		}
	}
	return ""
}

func toolArgumentsFromDecisions(decisions []projection.Decision) map[string]any {
	for i := len(decisions) - 1; i >= 0; i-- {
		if decisions[i].Kind == "plan_type" {
			if args, ok := decisions[i].Data["tool_arguments"].(map[string]any); ok {
				return args
			}
		}
	}
	return map[string]any{}
}

func buildPrompt(state projection.RunState) string {
	if len(state.RetrievedChunks) == 0 {
		return fmt.Sprintf("Answer without citing sources (no evidence retrieved): %s", state.Message)
	}
	return fmt.Sprintf("Answer using the retrieved evidence, citing chunk ids: %s", state.Message)
}
