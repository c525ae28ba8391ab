// MeetPipe server: HTTP/WebSocket ingest, the staged processing pipeline
// over Redis, and the connector lifecycle manager.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/meetpipe/meetpipe/pkg/api"
	"github.com/meetpipe/meetpipe/pkg/auth"
	"github.com/meetpipe/meetpipe/pkg/blob"
	"github.com/meetpipe/meetpipe/pkg/breaker"
	"github.com/meetpipe/meetpipe/pkg/broker"
	"github.com/meetpipe/meetpipe/pkg/config"
	"github.com/meetpipe/meetpipe/pkg/connector"
	"github.com/meetpipe/meetpipe/pkg/database"
	"github.com/meetpipe/meetpipe/pkg/delivery"
	"github.com/meetpipe/meetpipe/pkg/ingest"
	"github.com/meetpipe/meetpipe/pkg/llm"
	"github.com/meetpipe/meetpipe/pkg/metrics"
	"github.com/meetpipe/meetpipe/pkg/pipeline"
	"github.com/meetpipe/meetpipe/pkg/queue"
	"github.com/meetpipe/meetpipe/pkg/reconcile"
	"github.com/meetpipe/meetpipe/pkg/store"
	"github.com/meetpipe/meetpipe/pkg/stt"
	"github.com/meetpipe/meetpipe/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func buildTranscriber(cfg *config.ProviderConfig) (stt.Transcriber, error) {
	switch cfg.STT {
	case "mock":
		return stt.NewMockTranscriber(), nil
	case "http":
		return stt.NewHTTPTranscriber(cfg.STTBaseURL, cfg.STTToken), nil
	default:
		return nil, fmt.Errorf("unknown STT provider %q", cfg.STT)
	}
}

func buildLLM(cfg *config.ProviderConfig) (llm.Client, error) {
	switch cfg.LLM {
	case "mock":
		return llm.NewMockClient(), nil
	case "openai_compat":
		return llm.NewOpenAICompatClient(cfg.LLMBaseURL, cfg.LLMToken, cfg.LLMModel), nil
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", cfg.LLM)
	}
}

func buildSender(cfg *config.ProviderConfig) (delivery.Sender, error) {
	switch cfg.Delivery {
	case "mock":
		return delivery.NewMockSender(), nil
	case "smtp":
		return delivery.NewSMTPSender(cfg.SMTPAddr, cfg.SMTPFrom), nil
	default:
		return nil, fmt.Errorf("unknown delivery provider %q", cfg.Delivery)
	}
}

func buildAdapter(cfg *config.ConnectorConfig) (connector.Adapter, error) {
	if cfg.Provider == "" || cfg.Provider == "mock" {
		return connector.NewMockAdapter(), nil
	}
	settings, ok := cfg.Registry.Get(cfg.Provider)
	if !ok {
		return nil, fmt.Errorf("connector provider %q not in registry", cfg.Provider)
	}
	return connector.NewHTTPAdapter(cfg.Provider, settings), nil
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx := context.Background()

	// 1. Configuration and startup readiness
	cfg, err := config.Load(*configDir)
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if state, err := config.EnforceStartupReadiness(cfg); err != nil {
		for _, issue := range state.Errors() {
			logger.Error("Readiness violation", "code", issue.Code, "detail", issue.Message)
		}
		logger.Error("Startup readiness enforcement failed", "error", err)
		os.Exit(1)
	}

	logger.Info("Starting MeetPipe",
		"version", version.Full(),
		"env", cfg.AppEnv,
		"http_port", cfg.HTTPPort,
		"queue_mode", cfg.Queue.Mode)

	// 2. Database (runs embedded migrations)
	dbCfg, err := database.LoadConfigFromEnv()
	if err != nil {
		logger.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbCfg)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logger.Error("Error closing database", "error", err)
		}
	}()
	st := store.New(dbClient.DB())
	logger.Info("Connected to PostgreSQL")

	// 3. Redis broker
	redisClient, err := broker.NewClient(ctx, cfg.RedisURL)
	if err != nil {
		logger.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer func() { _ = redisClient.Close() }()
	logger.Info("Connected to Redis")

	// 4. Blob storage
	blobs, err := blob.NewFSStore(cfg.Storage.BasePath, cfg.Storage.Mode)
	if err != nil {
		logger.Error("Failed to initialize blob storage", "error", err)
		os.Exit(1)
	}

	// 5. Stage providers
	transcriber, err := buildTranscriber(cfg.Providers)
	if err != nil {
		logger.Error("Failed to build STT provider", "error", err)
		os.Exit(1)
	}
	llmClient, err := buildLLM(cfg.Providers)
	if err != nil {
		logger.Error("Failed to build LLM provider", "error", err)
		os.Exit(1)
	}
	sender, err := buildSender(cfg.Providers)
	if err != nil {
		logger.Error("Failed to build delivery provider", "error", err)
		os.Exit(1)
	}
	logger.Info("Providers initialized",
		"stt", transcriber.Name(), "llm", llmClient.Name(), "delivery", sender.Name())

	// 6. Pipeline and queue fabric
	m := metrics.New()
	queues := queue.NewSet(redisClient, broker.StageQueues()...)
	pipe := pipeline.New(st, blobs, queues, transcriber, llmClient, sender,
		cfg.Queue, cfg.Providers.PIIMaskingEnabled, logger)

	var pools []*queue.Pool
	inline := cfg.Queue.Mode == config.QueueModeInline
	if inline {
		pipeline.NewInlineRunner(pipe)
		logger.Info("Queue fabric in inline mode, stages run in the request path")
	} else {
		for _, name := range broker.StageQueues() {
			pool := queue.NewPool(queues.Get(name), pipe.Handler(name),
				cfg.Queue, m, logger, pipe.OnDeadLetter)
			pool.Start()
			pools = append(pools, pool)
		}
		logger.Info("Worker pools started",
			"queues", len(pools), "workers_per_queue", cfg.Queue.WorkerCount)
	}

	watcher := pipeline.NewFinalizeWatcher(pipe, cfg.Queue, logger)
	watcher.Start()
	defer watcher.Stop()

	ingestSvc := ingest.NewService(st, blobs, pipe, logger)

	// 7. Connector manager and reconciler
	adapter, err := buildAdapter(cfg.Connector)
	if err != nil {
		logger.Error("Failed to build connector adapter", "error", err)
		os.Exit(1)
	}
	brk := breaker.New(redisClient, adapter.Name(), breaker.Settings{
		FailureThreshold: cfg.Connector.CBFailureThreshold,
		Window:           cfg.Connector.CBWindow,
		OpenFor:          cfg.Connector.CBOpen,
	})
	manager := connector.NewManager(st, redisClient, brk, adapter, ingestSvc,
		cfg.Connector, m, logger)
	reconciler := reconcile.New(manager, st, cfg.Connector, logger)
	reconciler.Start()
	defer reconciler.Stop()
	logger.Info("Connector manager started", "provider", adapter.Name())

	// 8. Auth and HTTP server
	var auditStore auth.AuditStore
	if cfg.Auth.AuditPersist {
		auditStore = st
	}
	authn := auth.New(cfg.Auth, cfg.IsProd(), auditStore, logger)

	serverQueues := queues
	if inline {
		serverQueues = nil
	}
	srv := api.NewServer(api.Deps{
		Config:     cfg,
		Store:      st,
		DB:         dbClient.DB(),
		Redis:      redisClient,
		Blobs:      blobs,
		Ingest:     ingestSvc,
		Pipeline:   pipe,
		Queues:     serverQueues,
		Manager:    manager,
		Reconciler: reconciler,
		Auth:       authn,
		Metrics:    m,
		Logger:     logger,
	})
	pipe.SetNotifier(srv.Hub())

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// 9. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("Shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		logger.Error("HTTP server error triggered shutdown", "error", err)
	}

	// 10. Graceful shutdown: stop intake first, then drain the workers.
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Queue.GracefulShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown incomplete", "error", err)
	}
	for _, pool := range pools {
		if err := pool.Stop(shutdownCtx); err != nil {
			logger.Warn("Worker pool drain incomplete", "error", err)
		}
	}
	logger.Info("Shutdown complete")
}
