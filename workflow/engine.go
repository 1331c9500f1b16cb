package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flowcore/runengine/errkind"
	"github.com/flowcore/runengine/event"
	"github.com/flowcore/runengine/projection"
	"github.com/flowcore/runengine/telemetry"
)

// Activity is the per-step unit of work the engine invokes. Implementations
// live in package activity; the engine never encodes step-specific logic,
// only durable scheduling (§4.D).
type Activity interface {
	// Invoke runs the activity for the current attempt. attempt is the
	// 1-based count of times this step has been entered for this run,
	// available so adapters can derive deterministic idempotency keys
	// (§4.D "Idempotency": request_id derived from run_id, step, attempt).
	Invoke(ctx context.Context, state projection.RunState, attempt int) Result
}

// Adapters maps each Step to its Activity implementation. maybe_approve may
// be omitted when no activity ever requests it by name (Ok transitions
// bypass it directly).
type Adapters map[Step]Activity

// Engine drives every admitted run forward one step at a time, serially per
// run and in parallel across runs, resuming crash-interrupted runs from
// Store on Resume (§4.D, §5).
type Engine struct {
	events     *event.Store
	projector  *projection.Projector
	log        event.Log
	store      Store
	policies   map[Step]Policy
	adapters   Adapters
	logger     telemetry.Logger
	metrics    telemetry.Metrics

	ready chan string

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	workers int
	wg      sync.WaitGroup
	stop    chan struct{}
}

// Config configures a new Engine.
type Config struct {
	Events    *event.Store
	Log       event.Log
	Projector *projection.Projector
	Store     Store
	Policies  map[Step]Policy
	Adapters  Adapters
	Logger    telemetry.Logger
	Metrics   telemetry.Metrics
	Workers   int
	QueueSize int
}

// New builds an Engine. Policies defaults to DefaultPolicies() when nil.
func New(cfg Config) *Engine {
	policies := cfg.Policies
	if policies == nil {
		policies = DefaultPolicies()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 8
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Engine{
		events:    cfg.Events,
		projector: cfg.Projector,
		log:       cfg.Log,
		store:     cfg.Store,
		policies:  policies,
		adapters:  cfg.Adapters,
		logger:    logger,
		metrics:   metrics,
		ready:     make(chan string, queueSize),
		locks:     make(map[string]*sync.Mutex),
		workers:   workers,
		stop:      make(chan struct{}),
	}
}

// Run starts the worker pool; it blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx)
	}
	<-ctx.Done()
	close(e.stop)
	e.wg.Wait()
}

// Enqueue schedules runID for processing; returns false without blocking if
// the ready queue is full (the caller should treat this as admission
// backpressure — rate.limit.exceeded{scope="global"}, per §5).
func (e *Engine) Enqueue(runID string) bool {
	select {
	case e.ready <- runID:
		return true
	default:
		return false
	}
}

// Resume re-enqueues every incomplete run found in Store, for crash recovery
// on process start (§4.C, §4.H).
func (e *Engine) Resume(ctx context.Context) (int, error) {
	states, err := e.store.ListIncomplete(ctx)
	if err != nil {
		return 0, err
	}
	for _, s := range states {
		e.Enqueue(s.RunID)
	}
	return len(states), nil
}

func (e *Engine) worker(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		case runID := <-e.ready:
			e.advance(ctx, runID)
		}
	}
}

func (e *Engine) runLock(runID string) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	l, ok := e.locks[runID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[runID] = l
	}
	return l
}

// advance runs the lifecycle loop (§4.D steps 1-7) for a single run until it
// yields (waiting/retrying not yet due) or reaches a terminal status. It
// holds the run's lock for the whole call so at most one worker ever
// advances a given run at a time.
func (e *Engine) advance(ctx context.Context, runID string) {
	lock := e.runLock(runID)
	lock.Lock()
	defer lock.Unlock()

	for {
		state, ok, err := e.store.Load(ctx, runID)
		if err != nil {
			e.logger.Error(ctx, "workflow: load failed", "run_id", runID, "error", err.Error())
			return
		}
		if !ok {
			return
		}

		switch state.Status {
		case StatusCompleted, StatusFailed:
			return
		case StatusWaitingForEvent, StatusWaitingForApproval:
			return
		case StatusRetrying:
			if time.Now().Before(state.RetryDeadline) {
				go e.scheduleRetry(runID, state.RetryDeadline)
				return
			}
		}

		runState, _, err := e.projector.Load(ctx, runID)
		if err != nil {
			e.logger.Error(ctx, "workflow: projection load failed", "run_id", runID, "error", err.Error())
			return
		}

		state.Attempts[state.CurrentStep]++
		state.Status = StatusRunning
		state.UpdatedAt = time.Now().UTC()
		if err := e.store.Save(ctx, state); err != nil {
			e.logger.Error(ctx, "workflow: save failed", "run_id", runID, "error", err.Error())
			return
		}
		if _, err := e.events.Append(ctx, runID, event.TypeWorkflowStepStarted, map[string]any{
			"step": string(state.CurrentStep), "attempt": state.Attempts[state.CurrentStep],
		}); err != nil {
			e.logger.Error(ctx, "workflow: append step.started failed", "run_id", runID, "error", err.Error())
			return
		}

		adapter, ok := e.adapters[state.CurrentStep]
		if !ok {
			e.logger.Error(ctx, "workflow: no adapter registered", "run_id", runID, "step", string(state.CurrentStep))
			return
		}
		result := adapter.Invoke(ctx, runState, state.Attempts[state.CurrentStep])

		done := e.interpret(ctx, &state, result)
		if done {
			return
		}
	}
}

// interpret applies a Result to state, persists it, and emits the matching
// workflow event (§4.D "Interpret the result"). Returns true when the
// caller should stop looping this call (terminal, waiting, or a retry not
// yet due).
func (e *Engine) interpret(ctx context.Context, state *State, result Result) bool {
	runID := state.RunID
	step := state.CurrentStep

	switch result.kind {
	case kindOk:
		if _, err := e.events.Append(ctx, runID, event.TypeWorkflowStepCompleted, map[string]any{"step": string(step)}); err != nil {
			e.logger.Error(ctx, "workflow: append step.completed failed", "run_id", runID, "error", err.Error())
			return true
		}
		state.CurrentStep = result.nextStep
		state.Status = StatusRunning
		state.UpdatedAt = time.Now().UTC()
		if _, ok := state.Attempts[state.CurrentStep]; !ok {
			state.Attempts[state.CurrentStep] = 0
		}
		if err := e.store.Save(ctx, state.clone()); err != nil {
			e.logger.Error(ctx, "workflow: save failed", "run_id", runID, "error", err.Error())
			return true
		}
		// The run completes once the finalize adapter has returned Ok, or as
		// soon as it reaches finalize when no finalize adapter is registered.
		if step == StepFinalize || (isTerminalStep(result.nextStep) && e.adapters[StepFinalize] == nil) {
			e.completeRun(ctx, runID, state)
			return true
		}
		return false // loop again immediately for the next step

	case kindFatal:
		reason := ""
		if result.err != nil {
			reason = result.err.Error()
		}
		if _, err := e.events.Append(ctx, runID, event.TypeWorkflowStepCompleted, map[string]any{
			"step": string(step), "error": reason,
		}); err != nil {
			e.logger.Error(ctx, "workflow: append step.completed(error) failed", "run_id", runID, "error", err.Error())
		}
		state.Status = StatusFailed
		state.LastError = reason
		state.UpdatedAt = time.Now().UTC()
		_ = e.store.Save(ctx, state.clone())
		e.events.Append(ctx, runID, event.TypeWorkflowFailed, map[string]any{"step": string(step), "error": reason})
		e.ensureTerminal(ctx, runID, event.TypeRunFailed, map[string]any{"verification_reason": reason})
		return true

	case kindTransient:
		policy := e.policies[step]
		attempt := state.Attempts[step]
		if attempt < policy.MaxAttempts {
			backoff := policy.Backoff(attempt)
			state.Status = StatusRetrying
			state.RetryDeadline = time.Now().Add(backoff)
			state.UpdatedAt = time.Now().UTC()
			if result.err != nil {
				state.LastError = result.err.Error()
			}
			if err := e.store.Save(ctx, state.clone()); err != nil {
				e.logger.Error(ctx, "workflow: save failed", "run_id", runID, "error", err.Error())
				return true
			}
			e.events.Append(ctx, runID, event.TypeWorkflowRetrying, map[string]any{
				"step": string(step), "attempt": attempt, "backoff_seconds": backoff.Seconds(),
			})
			go e.scheduleRetry(runID, state.RetryDeadline)
			return true
		}
		return e.interpret(ctx, state, Fatal(result.err))

	case kindWaitForEvents:
		state.Status = StatusWaitingForEvent
		state.PendingEventTypes = result.waitEventTypes
		state.WaitingReason = result.waitReason
		state.UpdatedAt = time.Now().UTC()
		if err := e.store.Save(ctx, state.clone()); err != nil {
			e.logger.Error(ctx, "workflow: save failed", "run_id", runID, "error", err.Error())
			return true
		}
		e.events.Append(ctx, runID, event.TypeWorkflowWaitEvent, map[string]any{
			"event_types": result.waitEventTypes, "reason": result.waitReason,
		})
		e.watchForWake(ctx, runID, result.waitEventTypes)
		return true

	case kindWaitForApproval:
		state.Status = StatusWaitingForApproval
		state.WaitingReason = result.waitReason
		state.UpdatedAt = time.Now().UTC()
		if err := e.store.Save(ctx, state.clone()); err != nil {
			e.logger.Error(ctx, "workflow: save failed", "run_id", runID, "error", err.Error())
			return true
		}
		e.events.Append(ctx, runID, event.TypeWorkflowWaitApproval, map[string]any{"reason": result.waitReason})
		e.watchForWake(ctx, runID, []string{string(event.TypeWorkflowApprovalRecord)})
		return true

	default:
		e.logger.Error(ctx, "workflow: unknown result kind", "run_id", runID)
		return true
	}
}

func isTerminalStep(s Step) bool { return s == StepFinalize }

// completeRun emits workflow.completed and ensures exactly one terminal
// run.* event exists, per §9's resolved duplication question.
func (e *Engine) completeRun(ctx context.Context, runID string, state *State) {
	state.Status = StatusCompleted
	state.UpdatedAt = time.Now().UTC()
	_ = e.store.Save(ctx, state.clone())
	e.events.Append(ctx, runID, event.TypeWorkflowCompleted, map[string]any{})
	e.ensureTerminal(ctx, runID, event.TypeRunCompleted, map[string]any{"outcome": "success"})
}

// ensureTerminal appends typ only if no run.completed/run.failed event
// already exists in history, so an activity adapter that itself emitted the
// terminal event (e.g. finalize on success) is never duplicated (§4.D edge
// case, §9 Open Question resolution).
func (e *Engine) ensureTerminal(ctx context.Context, runID string, typ event.Type, data map[string]any) {
	hist, err := e.log.History(ctx, runID)
	if err != nil {
		e.logger.Error(ctx, "workflow: history read failed for terminal check", "run_id", runID, "error", err.Error())
		return
	}
	for _, ev := range hist {
		if ev.Type == event.TypeRunCompleted || ev.Type == event.TypeRunFailed {
			return
		}
	}
	e.events.Append(ctx, runID, typ, data)
}

// scheduleRetry wakes the run again once its backoff deadline passes. If
// the process restarts before the deadline, Resume's re-enqueue on boot
// handles the case where the deadline already passed while down (§4.D tie-
// break: "no catch-up penalty" — advance() re-checks the deadline itself).
func (e *Engine) scheduleRetry(runID string, deadline time.Time) {
	d := time.Until(deadline)
	if d > 0 {
		time.Sleep(d)
	}
	e.Enqueue(runID)
}

// watchForWake subscribes to the run's event bus and wakes the run the
// moment any of wantTypes is observed (§4.D "woken by the bus
// subscription"). If two awaited types arrive in the same persist round the
// lower seq wins naturally, since History/the bus deliver in seq order and
// this only needs the first match.
func (e *Engine) watchForWake(ctx context.Context, runID string, wantTypes []string) {
	want := make(map[string]struct{}, len(wantTypes))
	for _, t := range wantTypes {
		want[t] = struct{}{}
	}
	ch, cancel, err := e.events.Subscribe(ctx, runID)
	if err != nil {
		e.logger.Error(ctx, "workflow: subscribe failed", "run_id", runID, "error", err.Error())
		return
	}
	go func() {
		defer cancel()
		for ev := range ch {
			if _, ok := want[string(ev.Type)]; ok {
				e.wake(ctx, runID)
				return
			}
		}
	}()
}

// wake clears a waiting run's suspended status so the next advance() call
// re-invokes its current step instead of returning immediately at the
// waiting-status switch, then schedules that call. Takes the run lock so it
// never races a concurrent advance() on the same run.
func (e *Engine) wake(ctx context.Context, runID string) {
	lock := e.runLock(runID)
	lock.Lock()
	defer lock.Unlock()

	state, ok, err := e.store.Load(ctx, runID)
	if err != nil {
		e.logger.Error(ctx, "workflow: load failed on wake", "run_id", runID, "error", err.Error())
		return
	}
	if !ok {
		return
	}
	if state.Status != StatusWaitingForEvent && state.Status != StatusWaitingForApproval {
		return
	}
	state.Status = StatusRunning
	state.PendingEventTypes = nil
	state.WaitingReason = ""
	state.UpdatedAt = time.Now().UTC()
	if err := e.store.Save(ctx, state.clone()); err != nil {
		e.logger.Error(ctx, "workflow: save failed on wake", "run_id", runID, "error", err.Error())
		return
	}
	e.Enqueue(runID)
}

// Cancel terminates runID with a cancelled outcome (§4.D "Cancellation").
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	lock := e.runLock(runID)
	lock.Lock()
	defer lock.Unlock()

	state, ok, err := e.store.Load(ctx, runID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("workflow: run %s not found", runID)
	}
	if state.Status == StatusCompleted || state.Status == StatusFailed {
		return nil
	}
	state.Status = StatusFailed
	state.LastError = string(errkind.Cancelled)
	state.UpdatedAt = time.Now().UTC()
	if err := e.store.Save(ctx, state.clone()); err != nil {
		return err
	}
	_, err = e.events.Append(ctx, runID, event.TypeRunFailed, map[string]any{"reason": "cancelled"})
	return err
}
