// Package telemetry defines the logging, metrics, and tracing interfaces used
// throughout the run engine. Every component accepts these interfaces rather
// than a concrete logging library so the ambient stack can be swapped (noop
// for tests, Clue/OTEL for production) without touching call sites.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Logger emits structured, leveled log messages. Key-value pairs follow the
	// (k1, v1, k2, v2, ...) convention; an odd-length slice pairs the trailing
	// key with a nil value.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters, timers, and gauges. Tags follow the same
	// (k1, v1, ...) convention as Logger key-values.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
		RecordGauge(name string, value float64, tags ...string)
	}

	// Tracer creates spans for tracking execution across run steps, activity
	// invocations, and tool calls.
	Tracer interface {
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
		Span(ctx context.Context) Span
	}

	// Span is a single unit of traced work.
	Span interface {
		End(opts ...trace.SpanEndOption)
		AddEvent(name string, attrs ...any)
		SetStatus(code codes.Code, description string)
		RecordError(err error, opts ...trace.EventOption)
	}
)
