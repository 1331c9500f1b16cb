// Package inmem implements engine.Engine by running each activity on its own
// goroutine, with a simple fixed-attempt retry loop honoring RetryPolicy.
// This backs single-process mode (§4.D): no durability is provided beyond
// the process lifetime, matching the rest of single-process mode's
// in-memory transports.
package inmem

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/flowcore/runengine/engine"
)

// Engine implements engine.Engine entirely in-process.
type Engine struct {
	mu         sync.RWMutex
	activities map[string]engine.ActivityDefinition
}

// New returns an empty in-memory Engine.
func New() *Engine {
	return &Engine{activities: make(map[string]engine.ActivityDefinition)}
}

// RegisterActivity implements engine.Engine.
func (e *Engine) RegisterActivity(_ context.Context, def engine.ActivityDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("inmem: activity name is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.activities[def.Name]; exists {
		return fmt.Errorf("inmem: activity %q already registered", def.Name)
	}
	e.activities[def.Name] = def
	return nil
}

// ExecuteActivity implements engine.Engine by running the activity
// synchronously with retries.
func (e *Engine) ExecuteActivity(ctx context.Context, req engine.ActivityRequest, result any) error {
	fut, err := e.ExecuteActivityAsync(ctx, req)
	if err != nil {
		return err
	}
	return fut.Get(ctx, result)
}

// ExecuteActivityAsync implements engine.Engine by spawning a goroutine that
// retries the handler per req's policy (falling back to the definition's
// policy, then a single attempt) and resolves a future channel.
func (e *Engine) ExecuteActivityAsync(ctx context.Context, req engine.ActivityRequest) (engine.Future, error) {
	e.mu.RLock()
	def, ok := e.activities[req.Name]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("inmem: activity %q not registered", req.Name)
	}

	policy := req.RetryPolicy
	if policy.MaxAttempts == 0 {
		policy = def.Options.RetryPolicy
	}
	maxAttempts := policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	interval := policy.InitialInterval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	coeff := policy.BackoffCoefficient
	if coeff < 1 {
		coeff = 1
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = def.Options.Timeout
	}

	f := &future{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		attemptCtx := ctx
		var cancel context.CancelFunc
		if timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		delay := interval
		var lastErr error
		for attempt := 1; attempt <= maxAttempts; attempt++ {
			res, err := def.Handler(attemptCtx, req.Input)
			if err == nil {
				f.result, f.ready = res, true
				return
			}
			lastErr = err
			if attempt == maxAttempts || attemptCtx.Err() != nil {
				break
			}
			select {
			case <-time.After(delay):
			case <-attemptCtx.Done():
				lastErr = attemptCtx.Err()
			}
			delay = time.Duration(float64(delay) * coeff)
		}
		f.err = lastErr
	}()
	return f, nil
}

type future struct {
	done   chan struct{}
	ready  bool
	result any
	err    error
}

func (f *future) Get(ctx context.Context, result any) error {
	select {
	case <-f.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if f.err != nil {
		return f.err
	}
	if result == nil || f.result == nil {
		return nil
	}
	rv := reflect.ValueOf(result)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return fmt.Errorf("inmem: result must be a non-nil pointer, got %T", result)
	}
	srcVal := reflect.ValueOf(f.result)
	if !srcVal.Type().AssignableTo(rv.Elem().Type()) {
		return fmt.Errorf("inmem: result type %T is not assignable to %s", f.result, rv.Elem().Type())
	}
	rv.Elem().Set(srcVal)
	return nil
}

func (f *future) IsReady() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}
