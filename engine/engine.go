// Package engine defines the pluggable durable-execution abstraction used to
// run a single collaborator call as a deterministically-retried activity,
// independent of the step scheduler in package workflow. The retriever call
// made by activity.Retrieve is the only call routed through it; the planner,
// model streamer and tool invocations are called directly. In single-process
// mode engine/inmem backs it with goroutines; in distributed mode
// engine/temporal backs it with the Temporal SDK, giving that call crash-safe
// retries without pulling the fixed seven-step scheduler itself into
// Temporal's deterministic-replay constraints.
package engine

import (
	"context"
	"time"

	"github.com/flowcore/runengine/telemetry"
)

type (
	// Engine abstracts activity registration and invocation so the in-memory
	// and Temporal backends can be swapped without touching collaborator code.
	Engine interface {
		RegisterActivity(ctx context.Context, def ActivityDefinition) error
		ExecuteActivity(ctx context.Context, req ActivityRequest, result any) error
		ExecuteActivityAsync(ctx context.Context, req ActivityRequest) (Future, error)
	}

	// ActivityDefinition registers an activity handler under a logical name.
	ActivityDefinition struct {
		Name    string
		Handler ActivityFunc
		Options ActivityOptions
	}

	// ActivityFunc performs the activity's side effects. Unlike a workflow
	// step, it may do I/O freely.
	ActivityFunc func(ctx context.Context, input any) (any, error)

	// ActivityOptions configures retry/timeout behavior for an activity.
	ActivityOptions struct {
		RetryPolicy RetryPolicy
		Timeout     time.Duration
	}

	// ActivityRequest describes a single activity invocation.
	ActivityRequest struct {
		Name        string
		Input       any
		RetryPolicy RetryPolicy
		Timeout     time.Duration
	}

	// Future represents a pending activity result.
	Future interface {
		Get(ctx context.Context, result any) error
		IsReady() bool
	}

	// RetryPolicy controls activity retry semantics. Zero-valued fields mean
	// the engine uses its defaults.
	RetryPolicy struct {
		MaxAttempts        int
		InitialInterval    time.Duration
		BackoffCoefficient float64
	}

	// Logger-bearing context accessor, kept for adapters that want scoped
	// telemetry without importing backend internals.
	Telemetry interface {
		Logger() telemetry.Logger
		Metrics() telemetry.Metrics
		Tracer() telemetry.Tracer
	}
)
