// Command runctld is the agent run control plane server.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/agentctl/runctl/internal/api"
	"github.com/agentctl/runctl/internal/callback"
	"github.com/agentctl/runctl/internal/chat"
	"github.com/agentctl/runctl/internal/config"
	"github.com/agentctl/runctl/internal/domain"
	"github.com/agentctl/runctl/internal/eventbus"
	"github.com/agentctl/runctl/internal/filegateway"
	"github.com/agentctl/runctl/internal/identity"
	"github.com/agentctl/runctl/internal/middleware"
	"github.com/agentctl/runctl/internal/orchestrator"
	"github.com/agentctl/runctl/internal/provider"
	"github.com/agentctl/runctl/internal/queue"
	"github.com/agentctl/runctl/internal/rbac"
	"github.com/agentctl/runctl/internal/reconcile"
	"github.com/agentctl/runctl/internal/sched"
	"github.com/agentctl/runctl/internal/store"
	"github.com/agentctl/runctl/internal/tracing"
	"github.com/agentctl/runctl/internal/validate"
	"github.com/agentctl/runctl/internal/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("starting runctld", "port", cfg.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		ServiceName:  cfg.Tracing.ServiceName,
	})
	if err != nil {
		slog.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			slog.Error("failed to shut down tracing", "error", err)
		}
	}()

	st, err := store.NewSQLite(cfg.DBPath, cfg.Retry.DatabaseMaxRetries, cfg.Retry.DatabaseRetryBaseDelay)
	if err != nil {
		slog.Error("failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("failed to close store", "error", err)
		}
	}()

	if err := st.Ping(context.Background()); err != nil {
		slog.Error("database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("database connected")

	q := queue.New(st.Queue(), cfg.Queue.DefaultLeaseMs, cfg.Queue.DefaultRetryDelayMs, cfg.Queue.DefaultMaxAttempts)
	bus := eventbus.New(cfg.EventBus.RingBufferSize, cfg.EventBus.CloseGrace, cfg.EventBus.SubscriberHighWaterMark)

	registry, err := buildProviderRegistry(cfg)
	if err != nil {
		slog.Error("failed to build provider registry", "error", err)
		os.Exit(1)
	}

	hostname, _ := os.Hostname()
	orch := orchestrator.New(q, bus, registry, hostname, st.Callbacks(), st.Callbacks(), chat.New(st.Chat()))
	cb := callback.New(st.Callbacks(), bus, q)
	val, err := validate.New()
	if err != nil {
		slog.Error("failed to build validator", "error", err)
		os.Exit(1)
	}

	docker, err := worker.NewDockerClient(worker.DockerConfig{
		Image:               os.Getenv("RUNCTL_WORKER_IMAGE"),
		Runtime:             cfg.ContainerRuntime,
		MemoryLimitBytes:    cfg.Container.MemoryLimitBytes,
		CPUQuota:            cfg.Container.CPUQuota,
		PidsLimit:           cfg.Container.PidsLimit,
		NetworkName:         os.Getenv("RUNCTL_WORKER_NETWORK"),
		StopTimeout:         cfg.Timeout.ContainerStop,
		CreateRetryAttempts: cfg.Container.CreateRetryAttempts,
		CreateRetryDelay:    cfg.Container.CreateRetryDelay,
	})
	if err != nil {
		slog.Error("failed to initialize docker client", "error", err)
		os.Exit(1)
	}

	syncClient, err := worker.NewS3SyncClient(ctx, worker.S3SyncConfig{
		Bucket:   cfg.S3.Bucket,
		Region:   cfg.S3.Region,
		Endpoint: cfg.S3.Endpoint,
	})
	if err != nil {
		slog.Error("failed to initialize workspace sync client", "error", err)
		os.Exit(1)
	}

	workers := worker.New(st.Workers(), docker, syncClient, worker.NewExecutorClient(), worker.Config{
		IdleTimeout:      cfg.Worker.IdleTimeout,
		StoppedRetention: cfg.Worker.RemoveAfter,
		SweepLimit:       cfg.Worker.CleanupBatchSize,
		S3PrefixFormat:   "workspaces/%s",
	})

	checker := rbac.New(st.RBAC())

	fileBackend, err := buildFileBackend(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialize file gateway backend", "error", err)
		os.Exit(1)
	}
	files := filegateway.New(fileBackend, checker, st.RBAC())

	rec := reconcile.New(q, bus, st.Callbacks(), workers, cfg.Reconcile.SweepLimit, cfg.Reconcile.SweepLimit)
	scheduler, err := sched.New(rec, st.Workers(), sched.Config{
		StaleClaimsCron:      cfg.Reconcile.StaleClaimSchedule,
		StaleSyncsCron:       cfg.Reconcile.StaleSyncSchedule,
		HumanLoopTimeoutCron: cfg.Reconcile.HumanLoopSchedule,
		StaleSyncCutoff:      cfg.Reconcile.StaleSyncAfter,
		StaleSyncLimit:       cfg.Reconcile.SweepLimit,
	})
	if err != nil {
		slog.Error("failed to build reconcile scheduler", "error", err)
		os.Exit(1)
	}

	base := api.NewHandler(q, orch, bus, cb, workers, checker, files, chat.New(st.Chat()), val)
	base.WithReconciler(rec, st.Workers())
	runsHandler := api.NewRunsHandler(base)
	workersHandler := api.NewWorkersHandler(base)
	filesHandler := api.NewFilesHandler(base)
	reconcileHandler := api.NewReconcileHandler(base)
	healthHandler := api.NewHealthHandler(st)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS([]string{"*"}))
	r.Use(middleware.MaxBytes(cfg.SSE.MaxRequestBodySize))
	r.Use(identity.Middleware(os.Getenv("APP_ENV") == "development"))

	healthHandler.RegisterHealth(r)
	api.RegisterMetrics(r)
	runsHandler.RegisterRoutes(r)
	workersHandler.RegisterRoutes(r)
	filesHandler.RegisterRoutes(r)
	reconcileHandler.RegisterRoutes(r)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE streams never time out a write
		IdleTimeout:  120 * time.Second,
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scheduler.Start()
		<-ctx.Done()
		scheduler.Stop()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()
	slog.Info("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	wg.Wait()
	slog.Info("runctld stopped successfully")
}

// buildProviderRegistry wires a real gRPC-backed provider adapter when
// RUNCTL_PROVIDER_GRPC_ADDR is set, else falls back to a scripted stub so
// the server still boots (and its SSE/queue plumbing stays exercisable) in
// environments with no provider runtime deployed alongside it.
func buildProviderRegistry(cfg *config.Config) (*provider.Registry, error) {
	providerName := domain.Provider(envOr("RUNCTL_PROVIDER_NAME", "default"))

	if cfg.Provider.GRPCAddr == "" {
		stub := provider.NewStubAdapter(providerName, provider.Capabilities{}, nil)
		return provider.NewRegistry(stub), nil
	}

	adapter, err := provider.NewGRPCAdapter(provider.GRPCAdapterConfig{
		Provider:         providerName,
		Address:          cfg.Provider.GRPCAddr,
		ConnectTimeout:   cfg.Provider.ConnectTimeout,
		RequestTimeout:   cfg.Timeout.ProviderCall,
		KeepaliveTime:    30 * time.Second,
		KeepaliveTimeout: 10 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	return provider.NewRegistry(adapter), nil
}

// buildFileBackend selects the S3-backed file gateway backend when
// RUNCTL_LOCAL_FILES_DIR is unset, else a local-disk backend for
// single-node/dev deployments.
func buildFileBackend(ctx context.Context, cfg *config.Config) (filegateway.Backend, error) {
	if dir := os.Getenv("RUNCTL_LOCAL_FILES_DIR"); dir != "" {
		return filegateway.NewLocalBackend(dir), nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3.Region))
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3.Endpoint)
			o.UsePathStyle = true
		}
	})
	return filegateway.NewS3Backend(client, cfg.S3.Bucket, "files"), nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
