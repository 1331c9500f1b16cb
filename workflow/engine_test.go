package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowcore/runengine/errkind"
	"github.com/flowcore/runengine/event"
	"github.com/flowcore/runengine/event/memlog"
	"github.com/flowcore/runengine/projection"
	projmemstore "github.com/flowcore/runengine/projection/memstore"
	wfmemstore "github.com/flowcore/runengine/workflow/memstore"
)

// fakeActivity is a minimal workflow.Activity double whose behavior is
// driven entirely by the supplied fn, so tests can script a step's result
// per attempt without wiring real collaborators.
type fakeActivity struct {
	fn    func(attempt int) Result
	calls int
}

func (f *fakeActivity) Invoke(_ context.Context, _ projection.RunState, attempt int) Result {
	f.calls++
	return f.fn(attempt)
}

func newTestEngine(t *testing.T, adapters Adapters, policies map[Step]Policy) (*Engine, *event.Store, event.Log, Store) {
	t.Helper()
	log := memlog.New()
	bus := memlog.NewBus()
	events := event.NewStore(log, bus, nil)
	wfStore := wfmemstore.New()
	projector := projection.New(projmemstore.New())

	eng := New(Config{
		Events: events, Log: log, Projector: projector, Store: wfStore,
		Adapters: adapters, Policies: policies, QueueSize: 4, Workers: 1,
	})
	return eng, events, log, wfStore
}

func TestAdvanceRunsFullPipelineToCompletion(t *testing.T) {
	receive := &fakeActivity{fn: func(int) Result { return Ok(StepPlan) }}
	plan := &fakeActivity{fn: func(int) Result { return Ok(StepRetrieve) }}
	retrieve := &fakeActivity{fn: func(int) Result { return Ok(StepRespond) }}
	respond := &fakeActivity{fn: func(int) Result { return Ok(StepVerify) }}
	verify := &fakeActivity{fn: func(int) Result { return Ok(StepFinalize) }}

	adapters := Adapters{
		StepReceive: receive, StepPlan: plan, StepRetrieve: retrieve,
		StepRespond: respond, StepVerify: verify,
	}
	eng, events, log, wfStore := newTestEngine(t, adapters, nil)

	ctx := context.Background()
	runID := "run-full"
	require.NoError(t, wfStore.Save(ctx, NewState(runID)))
	_, err := events.Append(ctx, runID, event.TypeRunStarted, map[string]any{})
	require.NoError(t, err)

	eng.advance(ctx, runID)

	state, ok, err := wfStore.Load(ctx, runID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, StatusCompleted, state.Status)

	hist, err := log.History(ctx, runID)
	require.NoError(t, err)
	var completed int
	for _, ev := range hist {
		if ev.Type == event.TypeRunCompleted {
			completed++
		}
	}
	require.Equal(t, 1, completed)
	require.Equal(t, 1, receive.calls)
	require.Equal(t, 1, verify.calls)
}

func TestAdvanceSuspendsOnToolWaitAndResumesWhenEventArrives(t *testing.T) {
	respond := &fakeActivity{}
	respond.fn = func(attempt int) Result {
		if attempt == 1 {
			return WaitForEvents("awaiting tool result", "tool.completed", "tool.failed")
		}
		return Ok(StepVerify)
	}
	adapters := Adapters{
		StepReceive: &fakeActivity{fn: func(int) Result { return Ok(StepRespond) }},
		StepRespond: respond,
		StepVerify:  &fakeActivity{fn: func(int) Result { return Ok(StepFinalize) }},
	}
	eng, events, _, wfStore := newTestEngine(t, adapters, nil)
	ctx := context.Background()
	runID := "run-tool-wait"
	require.NoError(t, wfStore.Save(ctx, NewState(runID)))

	eng.advance(ctx, runID)

	state, ok, err := wfStore.Load(ctx, runID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, StatusWaitingForEvent, state.Status)
	require.Equal(t, StepRespond, state.CurrentStep)
	require.Equal(t, []string{"tool.completed", "tool.failed"}, state.PendingEventTypes)

	_, err = events.Append(ctx, runID, event.TypeToolCompleted, map[string]any{"request_id": "x"})
	require.NoError(t, err)

	select {
	case woken := <-eng.ready:
		require.Equal(t, runID, woken)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for engine to wake the suspended run")
	}

	eng.advance(ctx, runID)

	state, ok, err = wfStore.Load(ctx, runID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, StatusCompleted, state.Status)
	require.Equal(t, 2, respond.calls)
	require.Empty(t, state.PendingEventTypes)
}

func TestAdvanceSuspendsOnApprovalAndResumesWhenRecorded(t *testing.T) {
	approve := &fakeActivity{}
	approve.fn = func(attempt int) Result {
		if attempt == 1 {
			return WaitForApproval("high_risk_tool_intent")
		}
		return Ok(StepFinalize)
	}
	adapters := Adapters{
		StepReceive:      &fakeActivity{fn: func(int) Result { return Ok(StepMaybeApprove) }},
		StepMaybeApprove: approve,
	}
	eng, events, _, wfStore := newTestEngine(t, adapters, nil)
	ctx := context.Background()
	runID := "run-approval-wait"
	require.NoError(t, wfStore.Save(ctx, NewState(runID)))

	eng.advance(ctx, runID)

	state, ok, err := wfStore.Load(ctx, runID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, StatusWaitingForApproval, state.Status)
	require.Equal(t, StepMaybeApprove, state.CurrentStep)
	require.Equal(t, "high_risk_tool_intent", state.WaitingReason)

	_, err = events.Append(ctx, runID, event.TypeWorkflowApprovalRecord, map[string]any{"decision": "approved"})
	require.NoError(t, err)

	select {
	case woken := <-eng.ready:
		require.Equal(t, runID, woken)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for engine to wake the suspended run")
	}

	eng.advance(ctx, runID)

	state, ok, err = wfStore.Load(ctx, runID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, StatusCompleted, state.Status)
	require.Equal(t, 2, approve.calls)
	require.Empty(t, state.WaitingReason)
}

func TestAdvanceRetriesTransientThenSucceeds(t *testing.T) {
	receive := &fakeActivity{}
	receive.fn = func(attempt int) Result {
		if attempt == 1 {
			return Transient(errkind.New(errkind.Timeout, "temporary"))
		}
		return Ok(StepFinalize)
	}
	adapters := Adapters{StepReceive: receive}

	policies := DefaultPolicies()
	p := policies[StepReceive]
	p.MaxAttempts = 2
	p.BackoffBase = time.Millisecond
	p.BackoffCap = 5 * time.Millisecond
	policies[StepReceive] = p

	eng, _, _, wfStore := newTestEngine(t, adapters, policies)
	ctx := context.Background()
	runID := "run-retry"
	require.NoError(t, wfStore.Save(ctx, NewState(runID)))

	eng.advance(ctx, runID)

	state, ok, err := wfStore.Load(ctx, runID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, StatusRetrying, state.Status)

	select {
	case woken := <-eng.ready:
		require.Equal(t, runID, woken)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the scheduled retry")
	}

	eng.advance(ctx, runID)

	state, ok, err = wfStore.Load(ctx, runID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, StatusCompleted, state.Status)
	require.Equal(t, 2, receive.calls)
}

func TestAdvanceFailsRunAfterAttemptsExhausted(t *testing.T) {
	cause := errkind.New(errkind.Timeout, "still failing")
	receive := &fakeActivity{fn: func(int) Result { return Transient(cause) }}
	adapters := Adapters{StepReceive: receive}

	policies := DefaultPolicies()
	p := policies[StepReceive]
	p.MaxAttempts = 1
	p.BackoffBase = time.Millisecond
	policies[StepReceive] = p

	eng, _, log, wfStore := newTestEngine(t, adapters, policies)
	ctx := context.Background()
	runID := "run-exhausted"
	require.NoError(t, wfStore.Save(ctx, NewState(runID)))

	eng.advance(ctx, runID)

	state, ok, err := wfStore.Load(ctx, runID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, StatusFailed, state.Status)
	require.Equal(t, 1, receive.calls)

	hist, err := log.History(ctx, runID)
	require.NoError(t, err)
	var failed int
	for _, ev := range hist {
		if ev.Type == event.TypeRunFailed {
			failed++
		}
	}
	require.Equal(t, 1, failed)
}

func TestEnsureTerminalDoesNotDuplicateWhenAlreadyRecorded(t *testing.T) {
	eng, events, log, _ := newTestEngine(t, Adapters{}, nil)
	ctx := context.Background()
	runID := "run-dedup"

	_, err := events.Append(ctx, runID, event.TypeRunCompleted, map[string]any{"outcome": "success"})
	require.NoError(t, err)

	eng.ensureTerminal(ctx, runID, event.TypeRunCompleted, map[string]any{"outcome": "success"})

	hist, err := log.History(ctx, runID)
	require.NoError(t, err)
	var completed int
	for _, ev := range hist {
		if ev.Type == event.TypeRunCompleted {
			completed++
		}
	}
	require.Equal(t, 1, completed)
}

func TestWakeIsNoopWhenRunIsNotWaiting(t *testing.T) {
	eng, _, _, wfStore := newTestEngine(t, Adapters{}, nil)
	ctx := context.Background()
	runID := "run-not-waiting"
	require.NoError(t, wfStore.Save(ctx, NewState(runID)))

	eng.wake(ctx, runID)

	select {
	case <-eng.ready:
		t.Fatal("wake must not enqueue a run that isn't suspended")
	default:
	}

	state, ok, err := wfStore.Load(ctx, runID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, StatusRunning, state.Status)
}
