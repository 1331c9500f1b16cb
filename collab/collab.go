// Package collab defines the collaborator interfaces the activity adapters
// consume: planner, retriever, model streamer, and guardrail. These are
// deliberately abstract — the production heuristics behind them are outside
// this repository's scope (§1); only a single illustrative ModelStreamer
// adapter (package collab/anthropic) is wired for demo/dev use.
package collab

import "context"

// PlanType classifies the planner's high-level decision.
type PlanType string

const (
	PlanDirectAnswer PlanType = "direct_answer"
	PlanUseTool      PlanType = "use_tool"
)

// PlanDecision is the planner's output for a run.
type PlanDecision struct {
	PlanType         PlanType
	ResponseStrategy string
	SelectedTool     string
	HighRiskTool     bool
}

// Planner decides how a run should proceed.
type Planner interface {
	Plan(ctx context.Context, message, runContext string) (PlanDecision, error)
}

// Chunk is a single retrieval result.
type Chunk struct {
	ChunkID  string
	DocID    string
	Score    float64
	Metadata map[string]any
	Text     string
}

// Retriever fetches supporting evidence for a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string) ([]Chunk, error)
}

// StreamChunk is one piece of a model's streamed text response.
type StreamChunk struct {
	Text     string
	Final    bool
	CostUsed float64
}

// ModelStreamer streams a model's response to a prompt.
type ModelStreamer interface {
	Stream(ctx context.Context, prompt string) (<-chan StreamChunk, error)
}

// GuardrailVerdict is the outcome of a guardrail evaluation.
type GuardrailVerdict struct {
	Blocked    bool
	Reason     string
	Layer      string
	ThreatType string
}

// Guardrail screens input or output content.
type Guardrail interface {
	Evaluate(ctx context.Context, layer, content string) (GuardrailVerdict, error)
}
