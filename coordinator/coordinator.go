// Package coordinator implements the admission path and run lifecycle
// wiring (§4.H): concurrency caps (global and per tenant) and crash-recovery
// resume via workflow.Store.ListIncomplete. A request's CostLimit is recorded
// on the initial RunState; no per-run model budget is checked or enforced.
package coordinator

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/flowcore/runengine/event"
	"github.com/flowcore/runengine/projection"
	"github.com/flowcore/runengine/tool"
	"github.com/flowcore/runengine/workflow"
)

// ToolProducer forwards a tool.requested event onto the distributed tool
// queue (toolqueue/redisqueue.Producer satisfies this).
type ToolProducer interface {
	Enqueue(ctx context.Context, ev event.Event) error
}

// StartRequest is the admission-path input (§6.1 POST /runs body).
type StartRequest struct {
	RunID     string
	Message   string
	Context   string
	Mode      string
	TenantID  string
	UserID    string
	CostLimit float64
}

// Coordinator admits runs, persists their initial RunState, appends
// run.started, and enqueues the workflow engine.
type Coordinator struct {
	events    *event.Store
	log       event.Log
	projector *projection.Projector
	projStore    projection.Store
	wfStore      workflow.Store
	engine       *workflow.Engine
	toolExec     *tool.Executor  // set in single-process mode: dispatches tool.requested in-process
	toolProducer ToolProducer    // set in distributed mode: forwards tool.requested onto the queue instead

	globalLimiter *rate.Limiter

	mu          sync.Mutex
	tenantInUse map[string]int
	globalInUse int
	globalCap   int
	tenantCap   int
}

// Config configures a new Coordinator.
type Config struct {
	Events            *event.Store
	Log               event.Log
	Projector         *projection.Projector
	ProjectionStore   projection.Store
	WorkflowStore     workflow.Store
	Engine            *workflow.Engine
	ToolExecutor      *tool.Executor // single-process mode only
	ToolProducer      ToolProducer   // distributed mode only
	GlobalConcurrency int
	TenantConcurrency int
}

// New builds a Coordinator from cfg.
func New(cfg Config) *Coordinator {
	globalCap := cfg.GlobalConcurrency
	if globalCap <= 0 {
		globalCap = 64
	}
	tenantCap := cfg.TenantConcurrency
	if tenantCap <= 0 {
		tenantCap = 16
	}
	return &Coordinator{
		events:        cfg.Events,
		log:           cfg.Log,
		projector:     cfg.Projector,
		projStore:     cfg.ProjectionStore,
		wfStore:       cfg.WorkflowStore,
		engine:        cfg.Engine,
		toolExec:      cfg.ToolExecutor,
		toolProducer:  cfg.ToolProducer,
		globalLimiter: rate.NewLimiter(rate.Limit(globalCap), globalCap),
		tenantInUse:   make(map[string]int),
		globalCap:     globalCap,
		tenantCap:     tenantCap,
	}
}

// ErrRefused is returned when admission declines to start a run.
type ErrRefused struct{ Scope, Reason string }

func (e *ErrRefused) Error() string { return fmt.Sprintf("coordinator: refused (%s): %s", e.Scope, e.Reason) }

// Start admits req: validates the message is non-empty, checks concurrency
// caps, persists the initial RunState, appends run.started, and enqueues
// the engine (§4.H, §8 "An empty message is refused at admission").
func (c *Coordinator) Start(ctx context.Context, req StartRequest) (string, error) {
	if req.Message == "" {
		return "", &ErrRefused{Scope: "validation", Reason: "empty message"}
	}

	runID := req.RunID
	if runID == "" {
		return "", &ErrRefused{Scope: "validation", Reason: "run_id is required"}
	}

	if !c.admit(req.TenantID) {
		c.events.Append(ctx, runID, event.TypeRateLimitExceeded, map[string]any{"scope": "global"})
		return "", &ErrRefused{Scope: "global", Reason: "concurrency cap reached"}
	}

	if _, err := c.events.Append(ctx, runID, event.TypeRunStarted, map[string]any{
		"message": req.Message, "context": req.Context, "mode": req.Mode,
		"identity": map[string]any{"tenant_id": req.TenantID, "user_id": req.UserID},
	}); err != nil {
		c.release(req.TenantID)
		return "", fmt.Errorf("coordinator: append run.started: %w", err)
	}

	state := projection.RunState{
		RunID: runID, Message: req.Message, Context: req.Context, Mode: req.Mode,
		Identity:  projection.Identity{TenantID: req.TenantID, UserID: req.UserID},
		CostLimit: req.CostLimit,
	}
	if err := c.projStore.Save(ctx, state); err != nil {
		c.release(req.TenantID)
		return "", fmt.Errorf("coordinator: save run state: %w", err)
	}

	wfState := workflow.NewState(runID)
	if err := c.wfStore.Save(ctx, wfState); err != nil {
		c.release(req.TenantID)
		return "", fmt.Errorf("coordinator: save workflow state: %w", err)
	}

	// Drive keeps the snapshot converging with every subsequent event for
	// this run; it returns on its own once run.completed/run.failed closes
	// the subscription (or the bus overflows, or bg is cancelled), which is
	// also the signal that this run's admission slot is free again. Started
	// only after every save above has succeeded, so every remaining error
	// path below is the one that frees the slot, never both.
	bg := context.WithoutCancel(ctx)
	go func() {
		c.projector.Drive(bg, c.events, c.log, runID)
		c.release(req.TenantID)
	}()
	c.watchTools(bg, runID)

	if !c.engine.Enqueue(runID) {
		// The run will never execute, so Drive above will wait forever for a
		// terminal event that no one will append; release here ourselves.
		c.release(req.TenantID)
		c.events.Append(ctx, runID, event.TypeRateLimitExceeded, map[string]any{"scope": "global"})
		return "", &ErrRefused{Scope: "global", Reason: "ready queue full"}
	}
	return runID, nil
}

func (c *Coordinator) admit(tenantID string) bool {
	// globalLimiter smooths the admission rate itself (a burst of N
	// concurrent Starts can't all land in the same instant even when the
	// concurrency counters below still have headroom); the counters then
	// enforce the steady-state concurrency ceiling.
	if !c.globalLimiter.Allow() {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.globalInUse >= c.globalCap {
		return false
	}
	if c.tenantInUse[tenantID] >= c.tenantCap {
		return false
	}
	c.globalInUse++
	c.tenantInUse[tenantID]++
	return true
}

func (c *Coordinator) release(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.globalInUse > 0 {
		c.globalInUse--
	}
	if c.tenantInUse[tenantID] > 0 {
		c.tenantInUse[tenantID]--
	}
}

// ResumeIncomplete re-attaches the projection driver (and, in single-process
// mode, the tool executor's watcher) for every run still in flight, then
// re-enqueues it with the engine, so a process restart picks every
// crash-interrupted run back up exactly where its durable state left it
// (§4.C, §4.H).
func (c *Coordinator) ResumeIncomplete(ctx context.Context) (int, error) {
	states, err := c.wfStore.ListIncomplete(ctx)
	if err != nil {
		return 0, err
	}
	bg := context.WithoutCancel(ctx)
	for _, s := range states {
		go c.projector.Drive(bg, c.events, c.log, s.RunID)
		c.watchTools(bg, s.RunID)
	}
	return c.engine.Resume(ctx)
}

// watchTools attaches runID's tool.requested dispatch path: directly to the
// in-process executor in single-process mode, or forwarded onto the
// distributed queue when a ToolProducer is configured (§4.G "the queue
// replaces the in-process event subscription").
func (c *Coordinator) watchTools(ctx context.Context, runID string) {
	switch {
	case c.toolExec != nil:
		go c.toolExec.Watch(ctx, c.events, runID)
	case c.toolProducer != nil:
		go func() {
			ch, cancel, err := c.events.Subscribe(ctx, runID)
			if err != nil {
				return
			}
			defer cancel()
			for ev := range ch {
				if ev.Type == event.TypeToolRequested {
					c.toolProducer.Enqueue(ctx, ev)
				}
			}
		}()
	}
}
