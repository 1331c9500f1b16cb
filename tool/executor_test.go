package tool_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowcore/runengine/event"
	"github.com/flowcore/runengine/event/memlog"
	"github.com/flowcore/runengine/tool"
)

type allowAllGate struct{}

func (allowAllGate) Allow(context.Context, string, string, string) (bool, string) { return true, "" }

type denyAllGate struct{ reason string }

func (g denyAllGate) Allow(context.Context, string, string, string) (bool, string) {
	return false, g.reason
}

type echoServer struct {
	calls int
}

func (s *echoServer) Invoke(_ context.Context, _ string, arguments map[string]any) (map[string]any, error) {
	s.calls++
	return map[string]any{"echo": arguments["q"]}, nil
}

func newTestExecutor(t *testing.T, server tool.Server, gate tool.PermissionGate) (*tool.Executor, *event.Store) {
	t.Helper()
	log := memlog.New()
	bus := memlog.NewBus()
	events := event.NewStore(log, bus, nil)

	registry := tool.NewRegistry()
	require.NoError(t, registry.Register(tool.Descriptor{
		Name: "search", ServerID: "srv1", PermissionScope: "search.read", ReadOnly: true,
	}))

	servers := map[string]tool.Server{}
	if server != nil {
		servers["srv1"] = server
	}

	exec := tool.NewExecutor(tool.Config{
		Events: events, Registry: registry, PermissionGate: gate, Servers: servers,
	})
	return exec, events
}

func requestedEvent(requestID string) event.Event {
	return event.Event{
		RunID: "run1", Type: event.TypeToolRequested,
		Data: map[string]any{
			"request_id": requestID, "tool_name": "search", "server_id": "srv1",
			"arguments": map[string]any{"q": "go"},
		},
	}
}

func TestExecutorHandleInvokesServerAndCompletes(t *testing.T) {
	server := &echoServer{}
	exec, events := newTestExecutor(t, server, allowAllGate{})
	ctx := context.Background()

	exec.Handle(ctx, requestedEvent("req1"))

	hist, err := events.History(ctx, "run1")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	require.Equal(t, event.TypeToolCompleted, hist[0].Type)
	require.Equal(t, 1, server.calls)
}

func TestExecutorHandleDedupesByRequestID(t *testing.T) {
	server := &echoServer{}
	exec, events := newTestExecutor(t, server, allowAllGate{})
	ctx := context.Background()

	ev := requestedEvent("req1")
	exec.Handle(ctx, ev)
	exec.Handle(ctx, ev) // same request_id: must not invoke the server again

	hist, err := events.History(ctx, "run1")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	require.Equal(t, 1, server.calls)
}

func TestExecutorHandleDeniedByPermissionGate(t *testing.T) {
	server := &echoServer{}
	exec, events := newTestExecutor(t, server, denyAllGate{reason: "scope_not_allowed_production"})
	ctx := context.Background()

	exec.Handle(ctx, requestedEvent("req1"))

	hist, err := events.History(ctx, "run1")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	require.Equal(t, event.TypeToolDenied, hist[0].Type)
	require.Equal(t, 0, server.calls)
}

func TestExecutorHandleUnknownToolFails(t *testing.T) {
	exec, events := newTestExecutor(t, nil, allowAllGate{})
	ctx := context.Background()

	ev := event.Event{
		RunID: "run1", Type: event.TypeToolRequested,
		Data: map[string]any{"request_id": "req1", "tool_name": "unknown", "server_id": "srv1"},
	}
	exec.Handle(ctx, ev)

	hist, err := events.History(ctx, "run1")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	require.Equal(t, event.TypeToolFailed, hist[0].Type)
	require.Equal(t, "schema_violation", hist[0].Data["error_kind"])
}
