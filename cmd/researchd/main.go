// Researchd runs research tasks through a six stage agent pipeline and
// serves their status and reports over HTTP.
//
// Configuration is loaded from ~/.config/researchd/config.yaml and
// RESEARCHD_* environment variables. See internal/config for details.
//
// Usage:
//
//	# Start the server
//	RESEARCHD_LLM_API_KEY=... researchd
//
//	# Use an explicit config file
//	researchd -config /etc/researchd/config.yaml
//
//	# Show version information
//	researchd version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	nethttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/researchd/internal/agents"
	"github.com/fyrsmithlabs/researchd/internal/config"
	"github.com/fyrsmithlabs/researchd/internal/embeddings"
	"github.com/fyrsmithlabs/researchd/internal/events"
	"github.com/fyrsmithlabs/researchd/internal/http"
	"github.com/fyrsmithlabs/researchd/internal/knowledge"
	"github.com/fyrsmithlabs/researchd/internal/llm"
	"github.com/fyrsmithlabs/researchd/internal/logging"
	"github.com/fyrsmithlabs/researchd/internal/pipeline"
	"github.com/fyrsmithlabs/researchd/internal/registry"
	"github.com/fyrsmithlabs/researchd/internal/research"
	"github.com/fyrsmithlabs/researchd/internal/scrape"
	"github.com/fyrsmithlabs/researchd/internal/secrets"
	"github.com/fyrsmithlabs/researchd/internal/telemetry"
	"github.com/fyrsmithlabs/researchd/internal/workflows"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default ~/.config/researchd/config.yaml)")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  researchd           Start the research server\n")
			fmt.Fprintf(os.Stderr, "  researchd version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadWithFile(*configPath)
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server shutdown complete")
}

// printVersion prints version information
func printVersion() {
	fmt.Printf("researchd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts researchd and blocks until ctx is cancelled.
//
// Startup order:
//  1. Telemetry and logging
//  2. Infrastructure (registry, knowledge store, event bus)
//  3. Agents and the orchestrator
//  4. The execution engine (in-process dispatcher or Temporal worker)
//  5. Recovery of tasks left by a previous process
//  6. The HTTP server
func run(ctx context.Context, cfg *config.Config) error {
	tel, err := telemetry.New(ctx, telemetryConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	logger, err := initLogger(cfg, tel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync() // Best-effort sync on shutdown
	}()
	zl := logger.Underlying()

	if degraded, reasons := tel.Degraded(); degraded {
		logger.Warn(ctx, "telemetry degraded", zap.Strings("reasons", reasons))
	}

	logger.Info(ctx, "Starting researchd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("engine", cfg.Pipeline.Engine),
		zap.String("llm_provider", cfg.LLM.Provider),
		zap.String("knowledge_provider", cfg.Knowledge.Provider),
		zap.String("registry_backend", cfg.Registry.Backend))

	deps, err := initDependencies(ctx, cfg, tel, zl)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer deps.Close()

	orch, err := initOrchestrator(ctx, cfg, deps, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize pipeline: %w", err)
	}

	engine, err := startEngine(ctx, cfg, orch, zl)
	if err != nil {
		return fmt.Errorf("failed to start %s engine: %w", cfg.Pipeline.Engine, err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := engine.Shutdown(shutdownCtx); err != nil {
			logger.Warn(context.Background(), "engine shutdown incomplete", zap.Error(err))
		}
	}()

	recoverTasks(ctx, deps.registry, engine, cfg.Pipeline.Engine == "temporal", logger)

	server, err := http.NewServer(deps.registry, engine, deps.bus, zl, &http.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- server.Start()
	}()

	logger.Info(ctx, "Server configured",
		zap.String("health_endpoint", fmt.Sprintf("http://%s:%d/health", cfg.Server.Host, cfg.Server.Port)),
		zap.String("metrics_endpoint", "/metrics"))

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func telemetryConfig(cfg *config.Config) *telemetry.Config {
	tc := telemetry.NewDefaultConfig()
	tc.Enabled = cfg.Observability.EnableTelemetry
	tc.ServiceVersion = version
	if cfg.Observability.ServiceName != "" {
		tc.ServiceName = cfg.Observability.ServiceName
	}
	if cfg.Observability.Endpoint != "" {
		tc.Endpoint = cfg.Observability.Endpoint
	}
	if cfg.Observability.Protocol != "" {
		tc.Protocol = cfg.Observability.Protocol
	}
	tc.Insecure = cfg.Observability.Insecure
	if cfg.Observability.SampleRate > 0 {
		tc.SampleRate = cfg.Observability.SampleRate
	}
	return tc
}

// initLogger builds the structured logger, bridging to OTEL logs when
// telemetry is enabled.
func initLogger(cfg *config.Config, tel *telemetry.Telemetry) (*logging.Logger, error) {
	lc := logging.NewDefaultConfig()
	if cfg.Logging.Level != "" {
		level, err := logging.LevelFromString(cfg.Logging.Level)
		if err != nil {
			return nil, err
		}
		lc.Level = level
	}
	if cfg.Logging.Format != "" {
		lc.Format = cfg.Logging.Format
	}
	lc.OTEL = cfg.Observability.EnableTelemetry
	return logging.NewLogger(lc, tel.LoggerProvider())
}

// dependencies holds all infrastructure dependencies.
type dependencies struct {
	registry  *registry.Registry
	store     knowledge.Store
	bus       events.Bus
	llm       llm.Client
	scrubber  secrets.Scrubber
	fetcher   *scrape.Fetcher
	tokenizer *llm.Tokenizer
	prompts   *agents.Prompts
	logger    *zap.Logger
}

// Close releases all infrastructure resources.
func (d *dependencies) Close() {
	if d.prompts != nil {
		_ = d.prompts.Close()
	}
	if d.bus != nil {
		_ = d.bus.Close()
	}
	if d.store != nil {
		_ = d.store.Close()
	}
	if d.registry != nil {
		if err := d.registry.Close(); err != nil {
			d.logger.Warn("closing task registry", zap.Error(err))
		}
	}
}

// initDependencies connects to the stores and providers named in cfg.
func initDependencies(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry, logger *zap.Logger) (_ *dependencies, err error) {
	d := &dependencies{logger: logger}
	defer func() {
		if err != nil {
			d.Close()
		}
	}()

	d.registry, err = registry.Open(ctx, cfg.Registry, logger.Named("registry"))
	if err != nil {
		return nil, fmt.Errorf("opening task registry: %w", err)
	}

	embedder, err := initEmbedder(cfg, tel, logger)
	if err != nil {
		return nil, err
	}
	d.store, err = knowledge.NewStore(ctx, cfg.Knowledge, embedder, logger.Named("knowledge"))
	if err != nil {
		return nil, fmt.Errorf("opening knowledge store: %w", err)
	}
	logger.Info("Knowledge store initialized",
		zap.String("provider", cfg.Knowledge.Provider),
		zap.String("collection", cfg.Knowledge.Collection))

	if cfg.Events.Enabled {
		nb, err := events.Connect(cfg.Events.NATSURL, cfg.Events.SubjectPrefix, logger.Named("events"))
		if err != nil {
			return nil, err
		}
		d.bus = nb
		logger.Info("Connected to NATS", zap.String("url", cfg.Events.NATSURL))
	} else {
		d.bus = events.NewLocalBus()
	}

	d.llm, err = llm.New(cfg.LLM, logger.Named("llm"))
	if err != nil {
		return nil, fmt.Errorf("creating llm client: %w", err)
	}

	if cfg.Secrets.Disabled {
		d.scrubber = secrets.Nop()
	} else {
		gs, err := secrets.New(secrets.Config{AllowlistPath: cfg.Secrets.AllowlistPath})
		if err != nil {
			return nil, fmt.Errorf("creating secret scrubber: %w", err)
		}
		d.scrubber = gs
	}

	d.fetcher = scrape.NewFetcher(cfg.Scrape, logger.Named("scrape"))
	d.tokenizer = llm.NewTokenizer(logger.Named("tokenizer"))

	d.prompts, err = agents.LoadPrompts(cfg.Agents.PromptsDir, logger.Named("prompts"))
	if err != nil {
		return nil, fmt.Errorf("loading prompts: %w", err)
	}
	if err := d.prompts.Watch(ctx); err != nil {
		logger.Warn("prompt hot reload disabled", zap.Error(err))
	}

	return d, nil
}

// initEmbedder returns the remote embedding service, or the local hashing
// embedder when no embeddings endpoint is configured.
func initEmbedder(cfg *config.Config, tel *telemetry.Telemetry, logger *zap.Logger) (embeddings.Embedder, error) {
	if !cfg.Embeddings.APIKey.IsSet() {
		logger.Warn("no embeddings api key configured, using local hash embeddings",
			zap.Int("dimensions", cfg.Knowledge.VectorSize))
		return embeddings.NewHashEmbedder(cfg.Knowledge.VectorSize), nil
	}
	svc, err := embeddings.NewService(cfg.Embeddings, tel.Meter("github.com/fyrsmithlabs/researchd/internal/embeddings"), logger.Named("embeddings"))
	if err != nil {
		return nil, fmt.Errorf("creating embedding service: %w", err)
	}
	logger.Info("Embedding service initialized",
		zap.String("base_url", cfg.Embeddings.BaseURL),
		zap.String("model", cfg.Embeddings.Model))
	return svc, nil
}

// initOrchestrator builds the stage agents and wires them into an
// orchestrator that publishes progress on the event bus.
func initOrchestrator(ctx context.Context, cfg *config.Config, d *dependencies, logger *logging.Logger) (*pipeline.Orchestrator, error) {
	zl := logger.Underlying()
	stageAgents, err := agents.NewAll(agents.Deps{
		LLM:       d.llm,
		Store:     d.store,
		Prompts:   d.prompts,
		Tokenizer: d.tokenizer,
		Fetcher:   d.fetcher,
		Scrubber:  d.scrubber,
		Config:    cfg.Agents,
		Logger:    zl.Named("agents"),
	})
	if err != nil {
		return nil, err
	}
	selector, err := agents.NewDomainSelector(d.llm, d.prompts, zl.Named("domain"))
	if err != nil {
		return nil, err
	}

	orch := pipeline.NewOrchestrator(d.registry, d.store, cfg.Pipeline, logger.Named("pipeline"))
	for _, a := range stageAgents {
		orch.RegisterAgent(a)
	}
	orch.SetDomainSelector(selector)
	orch.OnProgress(pipeline.Chain(
		pipeline.PublishProgress(d.bus, zl.Named("progress")),
		pipeline.LogProgress(zl.Named("progress")),
	))
	if err := orch.Validate(); err != nil {
		return nil, err
	}

	logger.Info(ctx, "Pipeline initialized",
		zap.Int("agents", len(stageAgents)),
		zap.Duration("stage_timeout", cfg.Pipeline.StageTimeout),
		zap.String("reports_dir", cfg.Pipeline.ReportsDir))
	return orch, nil
}

// engine launches tasks and drains in-flight runs on shutdown.
type engine interface {
	pipeline.Launcher
	Shutdown(ctx context.Context) error
}

// startEngine starts the execution engine selected by cfg.Pipeline.Engine.
func startEngine(ctx context.Context, cfg *config.Config, orch *pipeline.Orchestrator, logger *zap.Logger) (engine, error) {
	if cfg.Pipeline.Engine != "temporal" {
		d := pipeline.NewDispatcher(orch, cfg.Pipeline, logger)
		d.Start(ctx)
		return d, nil
	}

	c, err := workflows.Dial(cfg.Temporal)
	if err != nil {
		return nil, err
	}
	logger.Info("temporal client connected",
		zap.String("host", cfg.Temporal.HostPort),
		zap.String("namespace", cfg.Temporal.Namespace))

	w := workflows.NewWorker(c, cfg.Temporal.TaskQueue, orch)
	if err := w.Start(); err != nil {
		c.Close()
		return nil, fmt.Errorf("starting temporal worker: %w", err)
	}
	logger.Info("worker configured", zap.String("task_queue", cfg.Temporal.TaskQueue))

	return &temporalEngine{
		Launcher: workflows.NewLauncher(c, cfg.Temporal, cfg.Pipeline.StageTimeout, logger),
		client:   c,
		worker:   w,
	}, nil
}

type temporalEngine struct {
	*workflows.Launcher
	client client.Client
	worker worker.Worker
}

// Shutdown stops the worker. Running workflows continue on other workers or
// resume when this one restarts.
func (e *temporalEngine) Shutdown(context.Context) error {
	e.worker.Stop()
	e.client.Close()
	return nil
}

// recoverTasks resubmits pending tasks. With the local engine, tasks that
// were mid-run when the previous process stopped are failed first; Temporal
// workflows outlive the process, so their tasks are left alone. Pending tasks
// are resubmitted even if some interrupted ones could not be failed.
func recoverTasks(ctx context.Context, reg *registry.Registry, launcher pipeline.Launcher, durable bool, logger *logging.Logger) {
	var pending []string
	if durable {
		for s := range reg.List(ctx) {
			if s.Status == research.StatusPending {
				pending = append(pending, s.ID)
			}
		}
	} else {
		var err error
		pending, err = reg.Recover(ctx)
		if err != nil {
			logger.Error(ctx, "failing interrupted tasks", zap.Error(err))
		}
	}
	for _, id := range pending {
		if err := launcher.Launch(ctx, id); err != nil {
			logger.Warn(ctx, "resubmitting pending task failed", zap.String("task_id", id), zap.Error(err))
			continue
		}
		logger.Info(ctx, "resubmitted pending task", zap.String("task_id", id))
	}
}
