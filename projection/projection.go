// Package projection materializes the current view of a run — RunState —
// from its event log. The snapshot is a derived cache; the event log
// remains the sole source of truth, and RunState must always be
// reconstructible by replaying history from seq 1 (§4.B).
package projection

import (
	"context"
	"time"

	"github.com/flowcore/runengine/event"
)

// Identity carries the tenant/user pair attached to a run at admission.
type Identity struct {
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
}

// Decision records a planner/verifier decision surfaced via decision.made.
type Decision struct {
	Kind string         `json:"kind"`
	Data map[string]any `json:"data,omitempty"`
}

// RetrievedChunk mirrors a single retrieval result attached to the run.
type RetrievedChunk struct {
	ChunkID  string         `json:"chunk_id"`
	DocID    string         `json:"doc_id"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Text     string         `json:"text"`
}

// ToolRequestRef is the projection's lightweight record of a submitted tool
// request, distinct from tool.ToolRequest which carries the full payload.
type ToolRequestRef struct {
	RequestID string    `json:"request_id"`
	ToolName  string    `json:"tool_name"`
	ServerID  string    `json:"server_id"`
	SubmitAt  time.Time `json:"submitted_at"`
}

// ToolResultRef is the projection's record of a tool completion/denial.
type ToolResultRef struct {
	RequestID  string `json:"request_id"`
	Status     string `json:"status"`
	ErrorKind  string `json:"error_kind,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// Guardrail captures the outcome of the most recent guardrail evaluation.
type Guardrail struct {
	Status     string `json:"status,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Layer      string `json:"layer,omitempty"`
	ThreatType string `json:"threat_type,omitempty"`
}

// RunState is the materialized snapshot of a run, derived deterministically
// from the event log prefix (§3). It is safe for JSON persistence and is
// never mutated by anything other than Projector.Apply / Fold.
type RunState struct {
	RunID    string   `json:"run_id"`
	Message  string   `json:"message"`
	Context  string   `json:"context,omitempty"`
	Mode     string   `json:"mode"`
	Identity Identity `json:"identity"`

	Phase string `json:"phase,omitempty"`

	Decisions    []Decision       `json:"decisions,omitempty"`
	ToolRequests []ToolRequestRef `json:"tool_requests,omitempty"`
	ToolResults  []ToolResultRef  `json:"tool_results,omitempty"`

	RequestedTool    string `json:"requested_tool,omitempty"`
	LastToolStatus   string `json:"last_tool_status,omitempty"`
	ToolDeniedReason string `json:"tool_denied_reason,omitempty"`

	// HumanDecision mirrors the most recent workflow.approval.recorded
	// event ("approved"/"rejected"), so the maybe_approve activity adapter
	// can read it purely from RunState without a separate workflow-state
	// dependency.
	HumanDecision string `json:"human_decision,omitempty"`

	RetrievedChunks     []RetrievedChunk `json:"retrieved_chunks,omitempty"`
	SanitizedChunkIDs   []string         `json:"sanitized_chunk_ids,omitempty"`

	Guardrail Guardrail `json:"guardrail,omitempty"`

	OutputText string `json:"output_text,omitempty"`

	Outcome            string `json:"outcome,omitempty"`
	VerificationReason string `json:"verification_reason,omitempty"`

	CostSpent float64 `json:"cost_spent"`
	CostLimit float64 `json:"cost_limit"`
	Degraded  bool    `json:"degraded"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists and loads RunState snapshots, write-through on every
// projector update so reads stay O(1) (§4.B).
type Store interface {
	Load(ctx context.Context, runID string) (RunState, bool, error)
	Save(ctx context.Context, state RunState) error
}

// Fold replays the given ordered event history into a fresh RunState,
// deriving the snapshot from scratch. Used by Projector.Apply when no
// snapshot is stored yet (folding history up to and including the event
// being applied) and by Rebuild when a snapshot is missing or suspected stale.
func Fold(runID string, history []event.Event) RunState {
	state := RunState{RunID: runID}
	for _, ev := range history {
		apply(&state, ev)
	}
	return state
}

// Projector folds events into a run's snapshot and persists the result
// write-through, so a crash between events loses at most the next unfolded
// event, never a corrupted snapshot.
type Projector struct {
	store Store
}

// New returns a Projector backed by store.
func New(store Store) *Projector {
	return &Projector{store: store}
}

// Apply folds a single event onto the run's current snapshot (loading it,
// or rebuilding from history if absent) and persists the updated snapshot.
func (p *Projector) Apply(ctx context.Context, log event.Log, ev event.Event) (RunState, error) {
	state, ok, err := p.store.Load(ctx, ev.RunID)
	if err != nil {
		return RunState{}, err
	}
	if !ok {
		history, err := log.History(ctx, ev.RunID)
		if err != nil {
			return RunState{}, err
		}
		n := 0
		for n < len(history) && history[n].Seq <= ev.Seq {
			n++
		}
		state = Fold(ev.RunID, history[:n])
	} else {
		apply(&state, ev)
	}
	if err := p.store.Save(ctx, state); err != nil {
		return RunState{}, err
	}
	return state, nil
}

// Rebuild discards any stored snapshot and recomputes RunState from the full
// event history, persisting the result. Used on crash-recovery when a
// snapshot is missing or its consistency is in doubt.
func (p *Projector) Rebuild(ctx context.Context, log event.Log, runID string) (RunState, error) {
	history, err := log.History(ctx, runID)
	if err != nil {
		return RunState{}, err
	}
	state := Fold(runID, history)
	if err := p.store.Save(ctx, state); err != nil {
		return RunState{}, err
	}
	return state, nil
}

// Load returns the stored snapshot for runID, if any.
func (p *Projector) Load(ctx context.Context, runID string) (RunState, bool, error) {
	return p.store.Load(ctx, runID)
}

// Drive subscribes to runID's event stream and folds each event into the
// snapshot as it arrives, starting from the replayed history (handled by
// event.Store.Subscribe) so a projector started after run.started still
// converges to a complete RunState. It returns once the subscription closes
// (ctx cancelled, overflow, or a terminal event observed).
func (p *Projector) Drive(ctx context.Context, events interface {
	Subscribe(ctx context.Context, runID string) (<-chan event.Event, func(), error)
}, log event.Log, runID string) error {
	ch, cancel, err := events.Subscribe(ctx, runID)
	if err != nil {
		return err
	}
	defer cancel()
	for ev := range ch {
		if _, err := p.Apply(ctx, log, ev); err != nil {
			return err
		}
	}
	return nil
}

func apply(s *RunState, ev event.Event) {
	s.UpdatedAt = ev.Timestamp
	switch ev.Type {
	case event.TypeRunStarted:
		s.Message, _ = ev.Data["message"].(string)
		s.Context, _ = ev.Data["context"].(string)
		s.Mode, _ = ev.Data["mode"].(string)
		if id, ok := ev.Data["identity"].(map[string]any); ok {
			s.Identity.TenantID, _ = id["tenant_id"].(string)
			s.Identity.UserID, _ = id["user_id"].(string)
		}
	case event.TypeNodeStarted:
		s.Phase, _ = ev.Data["name"].(string)
	case event.TypeStatusChanged:
		if phase, ok := ev.Data["phase"].(string); ok {
			s.Phase = phase
		}
	case event.TypeDecisionMade:
		d := Decision{Data: ev.Data}
		d.Kind, _ = ev.Data["kind"].(string)
		s.Decisions = append(s.Decisions, d)
	case event.TypeRetrievalCompleted:
		if raw, ok := ev.Data["chunks"].([]any); ok {
			s.RetrievedChunks = s.RetrievedChunks[:0]
			for _, c := range raw {
				cm, ok := c.(map[string]any)
				if !ok {
					continue
				}
				chunk := RetrievedChunk{}
				chunk.ChunkID, _ = cm["chunk_id"].(string)
				chunk.DocID, _ = cm["doc_id"].(string)
				chunk.Score, _ = cm["score"].(float64)
				chunk.Text, _ = cm["text"].(string)
				if md, ok := cm["metadata"].(map[string]any); ok {
					chunk.Metadata = md
				}
				s.RetrievedChunks = append(s.RetrievedChunks, chunk)
			}
		}
	case event.TypeContextSanitized:
		if ids, ok := ev.Data["chunk_ids"].([]any); ok {
			s.SanitizedChunkIDs = s.SanitizedChunkIDs[:0]
			for _, id := range ids {
				if str, ok := id.(string); ok {
					s.SanitizedChunkIDs = append(s.SanitizedChunkIDs, str)
				}
			}
		}
	case event.TypeToolRequested:
		req := ToolRequestRef{SubmitAt: ev.Timestamp}
		req.RequestID, _ = ev.Data["request_id"].(string)
		req.ToolName, _ = ev.Data["tool_name"].(string)
		req.ServerID, _ = ev.Data["server_id"].(string)
		s.ToolRequests = append(s.ToolRequests, req)
		s.RequestedTool = req.ToolName
		s.LastToolStatus = "requested"
	case event.TypeToolCompleted, event.TypeToolFailed, event.TypeToolDenied, event.TypeToolServerError:
		res := ToolResultRef{}
		res.RequestID, _ = ev.Data["request_id"].(string)
		res.ErrorKind, _ = ev.Data["error_kind"].(string)
		if d, ok := ev.Data["duration_ms"].(float64); ok {
			res.DurationMs = int64(d)
		}
		switch ev.Type {
		case event.TypeToolCompleted:
			res.Status = "completed"
		case event.TypeToolFailed:
			res.Status = "failed"
		case event.TypeToolDenied:
			res.Status = "denied"
			s.ToolDeniedReason, _ = ev.Data["reason"].(string)
		case event.TypeToolServerError:
			res.Status = "server_error"
		}
		if ev.Type != event.TypeToolServerError {
			s.ToolResults = append(s.ToolResults, res)
			s.LastToolStatus = res.Status
		}
	case event.TypeGuardrailTriggered:
		s.Guardrail.Status, _ = ev.Data["status"].(string)
		s.Guardrail.Reason, _ = ev.Data["reason"].(string)
		s.Guardrail.Layer, _ = ev.Data["layer"].(string)
		s.Guardrail.ThreatType, _ = ev.Data["threat_type"].(string)
		if blocking, _ := ev.Data["blocking"].(bool); blocking {
			s.Outcome = "refusal"
		}
	case event.TypeOutputChunk:
		if text, ok := ev.Data["text"].(string); ok {
			s.OutputText += text
		}
	case event.TypeRunCompleted:
		if s.Outcome == "" {
			s.Outcome, _ = ev.Data["outcome"].(string)
			if s.Outcome == "" {
				s.Outcome = "success"
			}
		}
		s.VerificationReason, _ = ev.Data["verification_reason"].(string)
	case event.TypeRunFailed:
		if s.Outcome == "" {
			s.Outcome, _ = ev.Data["outcome"].(string)
			if s.Outcome == "" {
				s.Outcome = "failed"
			}
		}
		s.VerificationReason, _ = ev.Data["verification_reason"].(string)
	case event.TypeWorkflowApprovalRecord:
		s.HumanDecision, _ = ev.Data["decision"].(string)
	case event.TypeRateLimitExceeded:
		if scope, _ := ev.Data["scope"].(string); scope == "model_budget" {
			s.Degraded = true
		}
	case event.TypeDegradedModeEntered:
		s.Degraded = true
	}
	if spent, ok := ev.Data["cost_spent"].(float64); ok {
		s.CostSpent = spent
	}
	if limit, ok := ev.Data["cost_limit"].(float64); ok {
		s.CostLimit = limit
	}
}
