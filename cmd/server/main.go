// Command server runs the run engine's HTTP API, wiring together the event
// store, projection/workflow snapshots, the activity adapters, and the
// workflow engine, in either single-process or distributed mode (§6.4 MODE).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.temporal.io/sdk/client"
	"goa.design/clue/log"
	"goa.design/pulse/rmap"

	"github.com/flowcore/runengine/activity"
	"github.com/flowcore/runengine/collab"
	"github.com/flowcore/runengine/collab/anthropic"
	"github.com/flowcore/runengine/collab/ratelimit"
	"github.com/flowcore/runengine/config"
	"github.com/flowcore/runengine/coordinator"
	"github.com/flowcore/runengine/engine"
	"github.com/flowcore/runengine/engine/inmem"
	enginetemporal "github.com/flowcore/runengine/engine/temporal"
	"github.com/flowcore/runengine/event"
	"github.com/flowcore/runengine/event/memlog"
	"github.com/flowcore/runengine/event/redislog"
	"github.com/flowcore/runengine/httpapi"
	"github.com/flowcore/runengine/projection"
	projmongo "github.com/flowcore/runengine/projection/mongostore"
	projmem "github.com/flowcore/runengine/projection/memstore"
	"github.com/flowcore/runengine/telemetry"
	"github.com/flowcore/runengine/tool"
	"github.com/flowcore/runengine/toolqueue/redisqueue"
	"github.com/flowcore/runengine/workflow"
	wfmongo "github.com/flowcore/runengine/workflow/mongostore"
	wfmem "github.com/flowcore/runengine/workflow/memstore"
)

func main() {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if os.Getenv("DEBUG") != "" {
		ctx = log.Context(ctx, log.WithDebug())
	}

	cfg := config.Load()
	log.Print(ctx, log.KV{K: "mode", V: string(cfg.Mode)}, log.KV{K: "http_addr", V: cfg.HTTPAddr})

	if err := run(ctx, cfg); err != nil {
		log.Error(ctx, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()

	// 1) Event store, projection store, workflow store: transport choice
	// hinges entirely on MODE, behind the same three interfaces either way.
	var (
		eventLog  event.Log
		eventBus  event.Bus
		projStore projection.Store
		wfStore   workflow.Store
		backend   engine.Engine
		rdb       *redis.Client
	)

	switch cfg.Mode {
	case config.ModeDistributed:
		rdb = redis.NewClient(&redis.Options{Addr: cfg.EventStoreURL})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		rlog := redislog.New(rdb)
		eventLog = rlog
		eventBus = redislog.NewBus(rdb, rlog)

		mongoClient, err := mongo.Connect(options.Client().ApplyURI(cfg.MongoURL))
		if err != nil {
			return fmt.Errorf("connect to mongo: %w", err)
		}
		defer mongoClient.Disconnect(ctx)

		if cfg.ClearDataOnStartup {
			if err := mongoClient.Database("runengine").Drop(ctx); err != nil {
				return fmt.Errorf("clear mongo database: %w", err)
			}
		}

		projStore, err = projmongo.New(ctx, projmongo.Options{Client: mongoClient, Database: "runengine"})
		if err != nil {
			return fmt.Errorf("projection mongostore: %w", err)
		}
		wfStore, err = wfmongo.New(ctx, wfmongo.Options{Client: mongoClient, Database: "runengine"})
		if err != nil {
			return fmt.Errorf("workflow mongostore: %w", err)
		}

		temporalClient, err := client.Dial(client.Options{HostPort: cfg.TemporalHostPort})
		if err != nil {
			return fmt.Errorf("connect to temporal: %w", err)
		}
		defer temporalClient.Close()
		backend, err = enginetemporal.New(enginetemporal.Options{Client: temporalClient, TaskQueue: "run-engine-activities"})
		if err != nil {
			return fmt.Errorf("start temporal engine: %w", err)
		}

	default:
		eventLog = memlog.New()
		eventBus = memlog.NewBus()
		projStore = projmem.New()
		wfStore = wfmem.New()
		backend = inmem.New()
	}

	events := event.NewStore(eventLog, eventBus, logger)
	projector := projection.New(projStore)

	// 2) Collaborators: the demo model streamer is real (Anthropic), wrapped
	// in an adaptive tokens-per-minute limiter so a single tenant cannot
	// starve the model-streaming step for everyone sharing the process; in
	// distributed mode the budget is coordinated cluster-wide via a Pulse
	// replicated map over Redis. Planner, retriever, and guardrail are
	// illustrative stand-ins a production deployment is expected to replace
	// (§1).
	model := modelStreamer()
	if limiter, err := newModelLimiter(ctx, cfg, rdb); err != nil {
		log.Error(ctx, fmt.Errorf("model rate limiter: %w", err))
	} else if limiter != nil {
		model = limiter.Wrap(model)
	}

	collaborators := activity.Collaborators{
		Planner:      &directAnswerPlanner{},
		Retriever:    &emptyRetriever{},
		Model:        model,
		Guardrail:    &passthroughGuardrail{},
		ToolServerID: "demo",
		Backend:      backend,
	}
	adapters, err := activity.BuildAdapters(ctx, events, collaborators)
	if err != nil {
		return fmt.Errorf("build activity adapters: %w", err)
	}

	// 3) Tool executor: registry/servers are left empty here: a production
	// deployment registers its own tool.Descriptor/tool.Server set.
	toolExecutor := tool.NewExecutor(tool.Config{
		Events:         events,
		Registry:       tool.NewRegistry(),
		PermissionGate: tool.NewEnvPermissionGate(nil),
		Servers:        map[string]tool.Server{},
		CacheCapacity:  ifElse(cfg.CacheToolResults, cfg.ToolCacheSize, 0),
		InvokeTimeout:  cfg.ToolInvokeTimeout,
		Logger:         logger,
	})
	var (
		toolExecForCoordinator *tool.Executor
		toolProducer           *redisqueue.Producer
	)
	if cfg.Mode == config.ModeDistributed {
		toolProducer = redisqueue.NewProducer(rdb)
		consumer, err := redisqueue.NewConsumer(ctx, rdb, redisqueue.ConsumerConfig{
			Name: fmt.Sprintf("worker-%d", os.Getpid()), Logger: logger,
		})
		if err != nil {
			return fmt.Errorf("tool queue consumer: %w", err)
		}
		go consumer.Run(context.WithoutCancel(ctx), toolExecutor.Handle)
	} else {
		toolExecForCoordinator = toolExecutor
	}

	// 4) Workflow engine.
	wfEngine := workflow.New(workflow.Config{
		Events:    events,
		Log:       eventLog,
		Projector: projector,
		Store:     wfStore,
		Policies:  cfg.StepPolicies,
		Adapters:  adapters,
		Logger:    logger,
		Metrics:   metrics,
	})

	// toolProducer is a typed *redisqueue.Producer; only hand it to Config as
	// a non-nil coordinator.ToolProducer when it actually points somewhere,
	// else the interface field would hold a non-nil interface wrapping a nil
	// pointer.
	var toolProducerIface coordinator.ToolProducer
	if toolProducer != nil {
		toolProducerIface = toolProducer
	}

	coord := coordinator.New(coordinator.Config{
		Events: events, Log: eventLog, Projector: projector, ProjectionStore: projStore,
		WorkflowStore: wfStore, Engine: wfEngine, ToolExecutor: toolExecForCoordinator, ToolProducer: toolProducerIface,
		GlobalConcurrency: cfg.GlobalConcurrency, TenantConcurrency: cfg.TenantConcurrency,
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go wfEngine.Run(runCtx)

	resumed, err := coord.ResumeIncomplete(ctx)
	if err != nil {
		return fmt.Errorf("resume incomplete runs: %w", err)
	}
	log.Print(ctx, log.KV{K: "resumed_runs", V: resumed})

	server := httpapi.New(httpapi.Config{
		Coordinator: coord, Events: events, Projector: projector, WorkflowStore: wfStore, Logger: logger,
	})

	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: server.Router()}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error(ctx, err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return httpServer.Shutdown(shutdownCtx)
}

// newModelLimiter builds the model streamer's rate limiter. In distributed
// mode the budget is shared across every process via a Pulse replicated map
// over the same Redis instance as the event store; in single-process mode
// it is process-local.
func newModelLimiter(ctx context.Context, cfg config.Config, rdb *redis.Client) (*ratelimit.Limiter, error) {
	initialTPM := cfg.RunModelBudget
	if initialTPM <= 0 {
		initialTPM = 60000
	}
	if cfg.Mode != config.ModeDistributed || rdb == nil {
		return ratelimit.New(ctx, nil, "", initialTPM, initialTPM*4), nil
	}
	m, err := rmap.Join(ctx, "model-rate-limit", rdb)
	if err != nil {
		return nil, err
	}
	return ratelimit.New(ctx, m, "tpm", initialTPM, initialTPM*4), nil
}

func ifElse(cond bool, whenTrue, whenFalse int) int {
	if cond {
		return whenTrue
	}
	return whenFalse
}

func modelStreamer() collab.ModelStreamer {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return &echoStreamer{}
	}
	model := os.Getenv("ANTHROPIC_MODEL")
	if model == "" {
		model = "claude-3-5-haiku-latest"
	}
	streamer, err := anthropic.NewFromAPIKey(apiKey, model)
	if err != nil {
		return &echoStreamer{}
	}
	return streamer
}

// echoStreamer is a zero-dependency fallback used when no Anthropic API key
// is configured, so the pipeline still runs end to end in a bare
// environment.
type echoStreamer struct{}

func (*echoStreamer) Stream(ctx context.Context, prompt string) (<-chan collab.StreamChunk, error) {
	ch := make(chan collab.StreamChunk, 2)
	ch <- collab.StreamChunk{Text: "I received your message but no model is configured."}
	ch <- collab.StreamChunk{Final: true}
	close(ch)
	return ch, nil
}

// directAnswerPlanner always answers directly, never invoking a tool. A
// production deployment supplies a real collab.Planner.
type directAnswerPlanner struct{}

func (*directAnswerPlanner) Plan(ctx context.Context, message, runContext string) (collab.PlanDecision, error) {
	return collab.PlanDecision{PlanType: collab.PlanDirectAnswer, ResponseStrategy: "direct"}, nil
}

// emptyRetriever returns no evidence. A production deployment supplies a
// real collab.Retriever (vector search, document store, etc).
type emptyRetriever struct{}

func (*emptyRetriever) Retrieve(ctx context.Context, query string) ([]collab.Chunk, error) {
	return nil, nil
}

// passthroughGuardrail never blocks. A production deployment supplies its
// own content-safety policy.
type passthroughGuardrail struct{}

func (*passthroughGuardrail) Evaluate(ctx context.Context, layer, content string) (collab.GuardrailVerdict, error) {
	return collab.GuardrailVerdict{}, nil
}
