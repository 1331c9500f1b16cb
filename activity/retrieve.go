package activity

import (
	"context"
	"fmt"
	"time"

	"github.com/flowcore/runengine/collab"
	"github.com/flowcore/runengine/engine"
	"github.com/flowcore/runengine/event"
	"github.com/flowcore/runengine/projection"
	"github.com/flowcore/runengine/workflow"
)

// RetrieveActivityName is the name Retrieve registers its collaborator call
// under with Backend, when one is configured.
const RetrieveActivityName = "collab.retrieve"

// Retrieve fetches supporting evidence via the injected Retriever. Zero
// chunks is not an error: it proceeds, and the RunState it leaves behind
// (empty RetrievedChunks) is what the respond adapter consults to avoid
// fabricating citations (§4.E, §8 boundary behavior).
type Retrieve struct {
	Events    *event.Store
	Retriever collab.Retriever
	// Backend, when set, runs the retriever call through the durable
	// activity-execution abstraction (package engine) instead of calling it
	// inline, giving the collaborator call its own crash-safe retry policy
	// independent of the step-level attempts tracked in workflow.State. The
	// caller must have registered RetrieveActivityName via
	// RegisterRetrieveActivity before this runs.
	Backend engine.Engine
}

// RegisterRetrieveActivity registers the retriever call as a named activity
// on backend, so Retrieve.Invoke can execute it durably. Call this once
// during wiring, before the engine starts processing runs.
func RegisterRetrieveActivity(ctx context.Context, backend engine.Engine, retriever collab.Retriever) error {
	return backend.RegisterActivity(ctx, engine.ActivityDefinition{
		Name: RetrieveActivityName,
		Handler: func(ctx context.Context, input any) (any, error) {
			query, _ := input.(string)
			return retriever.Retrieve(ctx, query)
		},
		Options: engine.ActivityOptions{
			RetryPolicy: engine.RetryPolicy{MaxAttempts: 3, InitialInterval: 200 * time.Millisecond, BackoffCoefficient: 2},
			Timeout:     10 * time.Second,
		},
	})
}

// Invoke implements workflow.Activity.
func (a *Retrieve) Invoke(ctx context.Context, state projection.RunState, attempt int) workflow.Result {
	emitNodeStarted(ctx, a.Events, state.RunID, "retrieve")
	a.Events.Append(ctx, state.RunID, event.TypeRetrievalStarted, map[string]any{"query": state.Message})

	chunks, err := a.retrieve(ctx, state.Message)
	if err != nil {
		emitNodeCompleted(ctx, a.Events, state.RunID, "retrieve", err.Error())
		return classify(err)
	}

	payload := make([]any, 0, len(chunks))
	for _, c := range chunks {
		payload = append(payload, map[string]any{
			"chunk_id": c.ChunkID, "doc_id": c.DocID, "score": c.Score, "metadata": c.Metadata, "text": c.Text,
		})
	}
	a.Events.Append(ctx, state.RunID, event.TypeRetrievalCompleted, map[string]any{"chunks": payload})
	emitNodeCompleted(ctx, a.Events, state.RunID, "retrieve", "")
	return workflow.Ok(workflow.StepRespond)
}

func (a *Retrieve) retrieve(ctx context.Context, query string) ([]collab.Chunk, error) {
	if a.Backend == nil {
		return a.Retriever.Retrieve(ctx, query)
	}
	var result any
	if err := a.Backend.ExecuteActivity(ctx, engine.ActivityRequest{Name: RetrieveActivityName, Input: query}, &result); err != nil {
		return nil, fmt.Errorf("retrieve: durable activity: %w", err)
	}
	chunks, ok := result.([]collab.Chunk)
	if !ok {
		return nil, fmt.Errorf("retrieve: unexpected activity result type %T", result)
	}
	return chunks, nil
}
