package activity

import (
	"context"
	"strings"

	"github.com/flowcore/runengine/collab"
	"github.com/flowcore/runengine/errkind"
	"github.com/flowcore/runengine/event"
	"github.com/flowcore/runengine/projection"
	"github.com/flowcore/runengine/workflow"
)

// Verify screens the produced output and, when retrieval produced evidence,
// requires it to be cited (§4.E).
type Verify struct {
	Events    *event.Store
	Guardrail collab.Guardrail
}

// Invoke implements workflow.Activity.
func (a *Verify) Invoke(ctx context.Context, state projection.RunState, attempt int) workflow.Result {
	emitNodeStarted(ctx, a.Events, state.RunID, "verify")

	if a.Guardrail != nil {
		verdict, err := a.Guardrail.Evaluate(ctx, "output", state.OutputText)
		if err != nil {
			emitNodeCompleted(ctx, a.Events, state.RunID, "verify", err.Error())
			return classify(err)
		}
		if verdict.Blocked {
			a.Events.Append(ctx, state.RunID, event.TypeGuardrailTriggered, map[string]any{
				"status": "blocked", "reason": verdict.Reason, "layer": verdict.Layer,
				"threat_type": verdict.ThreatType, "blocking": true,
			})
			emitNodeCompleted(ctx, a.Events, state.RunID, "verify", "refusal")
			return workflow.Fatal(errkind.New(errkind.Refusal, verdict.Reason))
		}
	}

	if len(state.RetrievedChunks) > 0 {
		cited := citedChunkIDs(state.OutputText, state.RetrievedChunks)
		if len(cited) == 0 {
			emitNodeCompleted(ctx, a.Events, state.RunID, "verify", "missing_citations")
			return workflow.Fatal(errkind.New(errkind.MissingCitations, "output cites no retrieved chunk"))
		}
		for _, id := range cited {
			if !chunkExists(state.RetrievedChunks, id) {
				emitNodeCompleted(ctx, a.Events, state.RunID, "verify", "invalid_citation")
				return workflow.Fatal(errkind.New(errkind.InvalidCitation, "output cites unknown chunk "+id))
			}
		}
	}

	emitNodeCompleted(ctx, a.Events, state.RunID, "verify", "")
	return workflow.Ok(workflow.StepFinalize)
}

func citedChunkIDs(output string, chunks []projection.RetrievedChunk) []string {
	var cited []string
	for _, c := range chunks {
		if strings.Contains(output, c.ChunkID) {
			cited = append(cited, c.ChunkID)
		}
	}
	return cited
}

func chunkExists(chunks []projection.RetrievedChunk, id string) bool {
	for _, c := range chunks {
		if c.ChunkID == id {
			return true
		}
	}
	return false
}
