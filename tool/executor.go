package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/flowcore/runengine/event"
	"github.com/flowcore/runengine/telemetry"
	"github.com/flowcore/runengine/tool/lrucache"
)

// Executor implements the full tool execution pipeline (§4.F): dedupe,
// resolve, validate, gate, invoke with a bounded timeout, optionally cache.
type Executor struct {
	events   *event.Store
	registry *Registry
	gate     PermissionGate
	servers  map[string]Server
	cache    *lrucache.Cache
	timeout  time.Duration
	logger   telemetry.Logger

	seenMu sync.Mutex
	seen   map[string]struct{} // request_id dedup, process-local
}

// Config configures a new Executor.
type Config struct {
	Events          *event.Store
	Registry        *Registry
	PermissionGate  PermissionGate
	Servers         map[string]Server // keyed by server_id
	CacheCapacity   int               // 0 disables caching
	InvokeTimeout   time.Duration
	Logger          telemetry.Logger
}

// NewExecutor builds an Executor from cfg.
func NewExecutor(cfg Config) *Executor {
	var cache *lrucache.Cache
	if cfg.CacheCapacity > 0 {
		cache = lrucache.New(cfg.CacheCapacity)
	}
	timeout := cfg.InvokeTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Executor{
		events:   cfg.Events,
		registry: cfg.Registry,
		gate:     cfg.PermissionGate,
		servers:  cfg.Servers,
		cache:    cache,
		timeout:  timeout,
		logger:   logger,
		seen:     make(map[string]struct{}),
	}
}

// Handle processes a single tool.requested event end to end, emitting
// exactly one of tool.completed|failed|denied (possibly preceded by
// tool.server.error), per the ordering invariant in §4.F.
func (e *Executor) Handle(ctx context.Context, ev event.Event) {
	req, err := requestFromEvent(ev)
	if err != nil {
		e.logger.Error(ctx, "tool: malformed tool.requested event", "run_id", ev.RunID, "error", err.Error())
		return
	}

	if e.markSeen(req.RequestID) {
		return // already observed; dedupe per request_id
	}

	descriptor, ok := e.registry.Resolve(req.ToolName, req.ServerID)
	if !ok {
		e.failed(ctx, req, "schema_violation", fmt.Sprintf("unknown tool %s@%s", req.ToolName, req.ServerID))
		return
	}

	if err := e.registry.Validate(req.ToolName, req.ServerID, req.Arguments); err != nil {
		e.failed(ctx, req, "schema_violation", err.Error())
		return
	}

	if e.gate != nil {
		allowed, reason := e.gate.Allow(ctx, descriptor.PermissionScope, "production", req.RunID)
		if !allowed {
			e.denied(ctx, req, reason)
			return
		}
	}

	if descriptor.ReadOnly && e.cache != nil {
		if cached, ok := e.cache.Get(cacheKey(req.ToolName, req.Arguments)); ok {
			e.completed(ctx, req, cached.(map[string]any), 0)
			return
		}
	}

	server, ok := e.servers[req.ServerID]
	if !ok {
		e.failed(ctx, req, "transport", fmt.Sprintf("no server registered for %s", req.ServerID))
		return
	}

	invokeCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	output, err := server.Invoke(invokeCtx, req.ToolName, req.Arguments)
	duration := time.Since(start)

	if err != nil {
		if invokeCtx.Err() != nil {
			e.failed(ctx, req, "timeout", err.Error())
			return
		}
		var serverErr *ServerError
		if asServerError(err, &serverErr) {
			e.events.Append(ctx, req.RunID, event.TypeToolServerError, map[string]any{
				"request_id": req.RequestID, "reason": serverErr.Reason,
			})
			e.failed(ctx, req, "server_error", serverErr.Reason)
			return
		}
		e.failed(ctx, req, "transport", err.Error())
		return
	}

	if descriptor.ReadOnly && e.cache != nil {
		e.cache.Set(cacheKey(req.ToolName, req.Arguments), output)
	}
	e.completed(ctx, req, output, duration.Milliseconds())
}

// Watch subscribes to runID's event stream and dispatches every
// tool.requested observed to Handle, for single-process deployments where
// the executor lives in the same process as the workflow engine (§4.G: the
// distributed queue replaces this subscription, not the executor itself).
// It returns once the subscription closes.
func (e *Executor) Watch(ctx context.Context, events interface {
	Subscribe(ctx context.Context, runID string) (<-chan event.Event, func(), error)
}, runID string) {
	ch, cancel, err := events.Subscribe(ctx, runID)
	if err != nil {
		e.logger.Error(ctx, "tool: subscribe failed", "run_id", runID, "error", err.Error())
		return
	}
	defer cancel()
	for ev := range ch {
		if ev.Type == event.TypeToolRequested {
			e.Handle(ctx, ev)
		}
	}
}

func (e *Executor) markSeen(requestID string) (alreadySeen bool) {
	e.seenMu.Lock()
	defer e.seenMu.Unlock()
	if _, ok := e.seen[requestID]; ok {
		return true
	}
	e.seen[requestID] = struct{}{}
	return false
}

func (e *Executor) completed(ctx context.Context, req Request, output map[string]any, durationMs int64) {
	e.events.Append(ctx, req.RunID, event.TypeToolCompleted, map[string]any{
		"request_id": req.RequestID, "output": output, "duration_ms": durationMs,
	})
}

func (e *Executor) failed(ctx context.Context, req Request, errorKind, reason string) {
	e.events.Append(ctx, req.RunID, event.TypeToolFailed, map[string]any{
		"request_id": req.RequestID, "error_kind": errorKind, "error": reason,
	})
}

func (e *Executor) denied(ctx context.Context, req Request, reason string) {
	e.events.Append(ctx, req.RunID, event.TypeToolDenied, map[string]any{
		"request_id": req.RequestID, "reason": reason,
	})
}

func requestFromEvent(ev event.Event) (Request, error) {
	req := Request{RunID: ev.RunID, SubmittedAt: ev.Timestamp}
	req.RequestID, _ = ev.Data["request_id"].(string)
	req.ToolName, _ = ev.Data["tool_name"].(string)
	req.ServerID, _ = ev.Data["server_id"].(string)
	req.PermissionScope, _ = ev.Data["permission_scope"].(string)
	if args, ok := ev.Data["arguments"].(map[string]any); ok {
		req.Arguments = args
	}
	if req.RequestID == "" || req.ToolName == "" {
		return Request{}, fmt.Errorf("missing request_id or tool_name")
	}
	return req, nil
}

// asServerError reports whether err is itself a *ServerError (a direct type
// assertion; wrapped errors are not unwrapped) and stores it in *target.
func asServerError(err error, target **ServerError) bool {
	se, ok := err.(*ServerError)
	if !ok {
		return false
	}
	*target = se
	return true
}

// cacheKey canonicalizes arguments (sorted-key JSON encoding) so argument
// maps that differ only in key order hash to the same cache entry,
// matching the content-addressed cache key contract in §4.F.
func cacheKey(toolName string, arguments map[string]any) string {
	keys := make([]string, 0, len(arguments))
	for k := range arguments {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		ordered = append(ordered, k, arguments[k])
	}
	payload, _ := json.Marshal(ordered)
	return toolName + ":" + string(payload)
}
