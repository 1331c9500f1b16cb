package coordinator_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowcore/runengine/coordinator"
	"github.com/flowcore/runengine/event"
	"github.com/flowcore/runengine/event/memlog"
	"github.com/flowcore/runengine/projection"
	"github.com/flowcore/runengine/projection/memstore"
	"github.com/flowcore/runengine/workflow"
	wfmemstore "github.com/flowcore/runengine/workflow/memstore"
)

func newTestCoordinator(t *testing.T, globalCap, tenantCap, queueSize int) (*coordinator.Coordinator, *event.Store) {
	t.Helper()
	log := memlog.New()
	bus := memlog.NewBus()
	events := event.NewStore(log, bus, nil)
	projStore := memstore.New()
	projector := projection.New(projStore)
	wfStore := wfmemstore.New()

	engine := workflow.New(workflow.Config{
		Events: events, Log: log, Projector: projector, Store: wfStore, QueueSize: queueSize,
	})

	c := coordinator.New(coordinator.Config{
		Events: events, Log: log, Projector: projector, ProjectionStore: projStore,
		WorkflowStore: wfStore, Engine: engine,
		GlobalConcurrency: globalCap, TenantConcurrency: tenantCap,
	})
	return c, events
}

func TestStartRefusesEmptyMessage(t *testing.T) {
	c, _ := newTestCoordinator(t, 10, 10, 10)
	_, err := c.Start(context.Background(), coordinator.StartRequest{RunID: "run1", Message: ""})
	require.Error(t, err)
	var refused *coordinator.ErrRefused
	require.ErrorAs(t, err, &refused)
	require.Equal(t, "validation", refused.Scope)
}

func TestStartRefusesMissingRunID(t *testing.T) {
	c, _ := newTestCoordinator(t, 10, 10, 10)
	_, err := c.Start(context.Background(), coordinator.StartRequest{Message: "hi"})
	require.Error(t, err)
	var refused *coordinator.ErrRefused
	require.ErrorAs(t, err, &refused)
	require.Equal(t, "validation", refused.Scope)
}

func TestStartSucceedsAndAppendsRunStarted(t *testing.T) {
	c, _ := newTestCoordinator(t, 10, 10, 10)
	runID, err := c.Start(context.Background(), coordinator.StartRequest{
		RunID: "run1", Message: "hello", TenantID: "t1",
	})
	require.NoError(t, err)
	require.Equal(t, "run1", runID)
}

func TestStartRefusesOverTenantConcurrencyCap(t *testing.T) {
	c, _ := newTestCoordinator(t, 10, 1, 10)
	ctx := context.Background()

	_, err := c.Start(ctx, coordinator.StartRequest{RunID: "run1", Message: "hi", TenantID: "t1"})
	require.NoError(t, err)

	_, err = c.Start(ctx, coordinator.StartRequest{RunID: "run2", Message: "hi", TenantID: "t1"})
	require.Error(t, err)
	var refused *coordinator.ErrRefused
	require.ErrorAs(t, err, &refused)
	require.Equal(t, "global", refused.Scope)
}

func TestStartAllowsDifferentTenantsUnderSeparateCaps(t *testing.T) {
	c, _ := newTestCoordinator(t, 10, 1, 10)
	ctx := context.Background()

	_, err := c.Start(ctx, coordinator.StartRequest{RunID: "run1", Message: "hi", TenantID: "t1"})
	require.NoError(t, err)

	_, err = c.Start(ctx, coordinator.StartRequest{RunID: "run2", Message: "hi", TenantID: "t2"})
	require.NoError(t, err)
}

func TestStartReleasesAdmissionSlotWhenRunReachesTerminalEvent(t *testing.T) {
	c, events := newTestCoordinator(t, 10, 1, 10)
	ctx := context.Background()

	_, err := c.Start(ctx, coordinator.StartRequest{RunID: "run1", Message: "hi", TenantID: "t1"})
	require.NoError(t, err)

	// Without Start's per-run Drive goroutine releasing the admission slot
	// on a terminal event, the tenant cap of 1 would keep refusing every
	// further run for "t1" forever.
	_, err = events.Append(ctx, "run1", event.TypeRunCompleted, map[string]any{"outcome": "success"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := c.Start(ctx, coordinator.StartRequest{RunID: "run2", Message: "hi", TenantID: "t1"})
		return err == nil
	}, time.Second, 5*time.Millisecond, "admission slot was never released after run1 completed")
}

func TestResumeIncompleteReturnsZeroWhenNothingPending(t *testing.T) {
	c, _ := newTestCoordinator(t, 10, 10, 10)
	n, err := c.ResumeIncomplete(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, n)
}
