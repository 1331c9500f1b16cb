// Package tool implements the tool descriptor registry, permission gating,
// and execution pipeline (§4.F): deduplicate by request_id, resolve and
// schema-validate against the descriptor, gate permission, invoke with a
// bounded timeout, optionally cache, and emit exactly one terminator event.
package tool

import (
	"context"
	"time"
)

// Request is a submitted tool invocation (§3 ToolRequest).
type Request struct {
	RunID            string
	RequestID        string
	ToolName         string
	ServerID         string
	PermissionScope  string
	Arguments        map[string]any
	SubmittedAt      time.Time
	ReadOnly         bool
}

// Status is the closed set of terminal outcomes for a Request.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusDenied    Status = "denied"
)

// Result is the outcome of invoking a tool (§3 ToolResult).
type Result struct {
	RequestID  string
	Status     Status
	Output     map[string]any
	ErrorKind  string
	Reason     string
	DurationMs int64
}

// Descriptor declares a tool's invocation contract: its input schema and the
// permission scope it requires.
type Descriptor struct {
	Name            string
	ServerID        string
	PermissionScope string
	InputSchema     []byte // raw JSON Schema document
	ReadOnly        bool
}

// Server invokes a tool's actual implementation out-of-process or in-process
// (§6.5 "Tool server").
type Server interface {
	Invoke(ctx context.Context, toolName string, arguments map[string]any) (map[string]any, error)
}

// ServerError is returned by a Server to signal an application-level
// failure distinct from transport/timeout errors, so the executor can emit
// tool.server.error before tool.failed.
type ServerError struct {
	Reason string
}

func (e *ServerError) Error() string { return e.Reason }

// PermissionGate decides whether a requested scope is allowed for the given
// environment and identity (§6.5). Executor passes the environment
// "production" and the request's run ID as the identity.
type PermissionGate interface {
	Allow(ctx context.Context, scope, environment, identity string) (bool, string)
}
