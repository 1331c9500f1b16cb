// Package temporal backs engine.Engine with the Temporal SDK, giving the
// collaborator calls invoked through it (the retrieval call registered by
// activity.RegisterRetrieveActivity) durable, crash-safe retries in
// distributed mode.
// It wraps each registered activity in a minimal single-activity Temporal
// workflow so engine.Engine's synchronous "ExecuteActivity" contract can be
// satisfied without asking collaborator code to become replay-deterministic
// itself — only the Temporal worker process needs the SDK's execution
// model, not the fixed seven-step scheduler in package workflow.
package temporal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/flowcore/runengine/engine"
)

const runnerWorkflowName = "RunEngineActivityRunner"

// Engine implements engine.Engine by starting a one-shot Temporal workflow
// per ExecuteActivity call, which in turn executes the named registered
// activity with Temporal's own retry policy.
type Engine struct {
	client    client.Client
	worker    worker.Worker
	taskQueue string

	mu         sync.RWMutex
	activities map[string]engine.ActivityDefinition
}

// Options configures the Temporal-backed engine.
type Options struct {
	Client    client.Client
	TaskQueue string
}

// New connects a Temporal-backed Engine and starts its worker.
func New(opts Options) (*Engine, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("temporal: client is required")
	}
	taskQueue := opts.TaskQueue
	if taskQueue == "" {
		taskQueue = "run-engine-activities"
	}
	e := &Engine{
		client:     opts.Client,
		taskQueue:  taskQueue,
		activities: make(map[string]engine.ActivityDefinition),
	}
	w := worker.New(opts.Client, taskQueue, worker.Options{})
	w.RegisterWorkflowWithOptions(e.runnerWorkflow, workflow.RegisterOptions{Name: runnerWorkflowName})
	e.worker = w
	if err := w.Start(); err != nil {
		return nil, fmt.Errorf("temporal: start worker: %w", err)
	}
	return e, nil
}

// Close stops the underlying worker.
func (e *Engine) Close() {
	if e.worker != nil {
		e.worker.Stop()
	}
}

// RegisterActivity implements engine.Engine.
func (e *Engine) RegisterActivity(_ context.Context, def engine.ActivityDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("temporal: activity name is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.activities[def.Name]; exists {
		return fmt.Errorf("temporal: activity %q already registered", def.Name)
	}
	e.activities[def.Name] = def
	e.worker.RegisterActivityWithOptions(wrapHandler(def.Handler), activity.RegisterOptions{Name: def.Name})
	return nil
}

// wrapHandler adapts an engine.ActivityFunc into a Temporal activity
// function, which must accept/return concrete types the SDK can encode.
func wrapHandler(h engine.ActivityFunc) func(ctx context.Context, input any) (any, error) {
	return func(ctx context.Context, input any) (any, error) {
		return h(ctx, input)
	}
}

// runnerWorkflow executes a single named activity and returns its result.
// It is intentionally minimal: the only workflow-level logic is "run one
// activity with this policy and return", so it stays trivially
// deterministic regardless of what the wrapped ActivityFunc does.
func (e *Engine) runnerWorkflow(ctx workflow.Context, req engine.ActivityRequest) (any, error) {
	retry := &temporal.RetryPolicy{MaximumAttempts: int32(req.RetryPolicy.MaxAttempts)}
	if req.RetryPolicy.InitialInterval > 0 {
		retry.InitialInterval = req.RetryPolicy.InitialInterval
	}
	if req.RetryPolicy.BackoffCoefficient >= 1 {
		retry.BackoffCoefficient = req.RetryPolicy.BackoffCoefficient
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	opts := workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy:         retry,
	}
	ctx = workflow.WithActivityOptions(ctx, opts)

	var result any
	err := workflow.ExecuteActivity(ctx, req.Name, req.Input).Get(ctx, &result)
	return result, err
}

// ExecuteActivity implements engine.Engine by starting the runner workflow
// and waiting for it to complete.
func (e *Engine) ExecuteActivity(ctx context.Context, req engine.ActivityRequest, result any) error {
	fut, err := e.ExecuteActivityAsync(ctx, req)
	if err != nil {
		return err
	}
	return fut.Get(ctx, result)
}

// ExecuteActivityAsync implements engine.Engine by starting the runner
// workflow asynchronously and returning a Future backed by its handle.
func (e *Engine) ExecuteActivityAsync(ctx context.Context, req engine.ActivityRequest) (engine.Future, error) {
	e.mu.RLock()
	def, ok := e.activities[req.Name]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("temporal: activity %q not registered", req.Name)
	}
	if req.RetryPolicy.MaxAttempts == 0 {
		req.RetryPolicy = def.Options.RetryPolicy
	}
	if req.Timeout <= 0 {
		req.Timeout = def.Options.Timeout
	}

	opts := client.StartWorkflowOptions{
		ID:        fmt.Sprintf("act-%s-%d", req.Name, time.Now().UnixNano()),
		TaskQueue: e.taskQueue,
	}
	run, err := e.client.ExecuteWorkflow(ctx, opts, runnerWorkflowName, req)
	if err != nil {
		return nil, fmt.Errorf("temporal: start runner workflow: %w", err)
	}
	return &future{run: run}, nil
}

type future struct {
	run client.WorkflowRun
}

func (f *future) Get(ctx context.Context, result any) error {
	return f.run.Get(ctx, result)
}

func (f *future) IsReady() bool {
	// Temporal's client SDK does not expose a non-blocking completion check
	// on WorkflowRun; callers needing polling should use GetWorkflow query
	// handles instead. IsReady is provided to satisfy engine.Future and
	// always reports false, favoring Get's blocking wait.
	return false
}
