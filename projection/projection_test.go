package projection_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowcore/runengine/event"
	"github.com/flowcore/runengine/event/memlog"
	"github.com/flowcore/runengine/projection"
	"github.com/flowcore/runengine/projection/memstore"
)

func TestFoldAppliesRunStarted(t *testing.T) {
	history := []event.Event{
		{RunID: "run1", Type: event.TypeRunStarted, Data: map[string]any{
			"message": "hello", "mode": "chat",
			"identity": map[string]any{"tenant_id": "t1", "user_id": "u1"},
		}},
	}
	state := projection.Fold("run1", history)
	require.Equal(t, "hello", state.Message)
	require.Equal(t, "chat", state.Mode)
	require.Equal(t, "t1", state.Identity.TenantID)
}

func TestFoldTracksToolLifecycle(t *testing.T) {
	history := []event.Event{
		{RunID: "run1", Type: event.TypeToolRequested, Data: map[string]any{
			"request_id": "req1", "tool_name": "search", "server_id": "srv1",
		}},
		{RunID: "run1", Type: event.TypeToolDenied, Data: map[string]any{
			"request_id": "req1", "reason": "scope not allowed",
		}},
	}
	state := projection.Fold("run1", history)
	require.Equal(t, "search", state.RequestedTool)
	require.Equal(t, "denied", state.LastToolStatus)
	require.Equal(t, "scope not allowed", state.ToolDeniedReason)
	require.Len(t, state.ToolResults, 1)
}

func TestProjectorApplyRebuildsWhenSnapshotMissing(t *testing.T) {
	log := memlog.New()
	ctx := context.Background()
	ev1, err := log.Append(ctx, "run1", event.TypeRunStarted, map[string]any{"message": "hi"})
	require.NoError(t, err)

	store := memstore.New()
	p := projection.New(store)

	state, err := p.Apply(ctx, log, ev1)
	require.NoError(t, err)
	require.Equal(t, "hi", state.Message)

	loaded, ok, err := p.Load(ctx, "run1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "hi", loaded.Message)
}

func TestProjectorDriveConvergesOnLiveEvents(t *testing.T) {
	log := memlog.New()
	bus := memlog.NewBus()
	events := event.NewStore(log, bus, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := events.Append(ctx, "run1", event.TypeRunStarted, map[string]any{"message": "hi"})
	require.NoError(t, err)

	store := memstore.New()
	p := projection.New(store)

	done := make(chan error, 1)
	go func() { done <- p.Drive(ctx, events, log, "run1") }()

	_, err = events.Append(ctx, "run1", event.TypeRunCompleted, map[string]any{"outcome": "success"})
	require.NoError(t, err)

	require.NoError(t, <-done) // Drive returns once run.completed closes the subscription.

	state, ok, err := p.Load(ctx, "run1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "success", state.Outcome)
}
