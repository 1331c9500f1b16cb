package activity

import (
	"context"

	"github.com/flowcore/runengine/collab"
	"github.com/flowcore/runengine/engine"
	"github.com/flowcore/runengine/event"
	"github.com/flowcore/runengine/workflow"
)

// Collaborators bundles the collaborator implementations wired into the
// activity adapters.
type Collaborators struct {
	Planner      collab.Planner
	Retriever    collab.Retriever
	Model        collab.ModelStreamer
	Guardrail    collab.Guardrail
	ToolServerID string

	// Backend, when set, runs the retrieval collaborator call through the
	// durable activity-execution abstraction (package engine) rather than
	// inline, so it gets crash-safe retries independent of step scheduling.
	Backend engine.Engine
}

// BuildAdapters wires one Activity per step, ready to hand to
// workflow.Config.Adapters. When collaborators.Backend is set, it must
// already have had RegisterRetrieveActivity called on it (or this call
// registers it).
func BuildAdapters(ctx context.Context, events *event.Store, collaborators Collaborators) (workflow.Adapters, error) {
	if collaborators.Backend != nil {
		if err := RegisterRetrieveActivity(ctx, collaborators.Backend, collaborators.Retriever); err != nil {
			return nil, err
		}
	}
	return workflow.Adapters{
		workflow.StepReceive:      &Receive{Events: events},
		workflow.StepPlan:         &Plan{Events: events, Planner: collaborators.Planner},
		workflow.StepRetrieve:     &Retrieve{Events: events, Retriever: collaborators.Retriever, Backend: collaborators.Backend},
		workflow.StepRespond:      &Respond{Events: events, Model: collaborators.Model, Guardrail: collaborators.Guardrail, ToolServerID: collaborators.ToolServerID},
		workflow.StepVerify:       &Verify{Events: events, Guardrail: collaborators.Guardrail},
		workflow.StepMaybeApprove: &MaybeApprove{Events: events},
		workflow.StepFinalize:     &Finalize{Events: events},
	}, nil
}
