package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.temporal.io/sdk/client"
	otelcontrib "go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/interceptor"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/loomkit/loom-kernel/apps/server/internal/migrations"
	"github.com/loomkit/loom-kernel/apps/server/internal/migrations/execution"
	"github.com/loomkit/loom-kernel/apps/server/internal/migrations/handler"
	"github.com/loomkit/loom-kernel/apps/server/internal/migrations/migrator"
	"github.com/loomkit/loom-kernel/apps/server/internal/migrations/store"
	"github.com/loomkit/loom-kernel/apps/server/internal/migrations/store/pgmigrations"
	"github.com/loomkit/loom-kernel/apps/server/internal/platform/postgres"
	"github.com/loomkit/loom-kernel/apps/server/internal/platform/telemetry"
	temporalplatform "github.com/loomkit/loom-kernel/apps/server/internal/platform/temporal"
	"github.com/loomkit/loom-kernel/apps/server/internal/platform/validation"
	"github.com/loomkit/loom-kernel/pkg/logging"
	"github.com/loomkit/loom-kernel/schemas"
)

func main() {
	slog := logging.New()

	// --- Observability ---

	if os.Getenv("OTEL_SERVICE_NAME") == "" {
		os.Setenv("OTEL_SERVICE_NAME", "loom-server") //nolint:errcheck
	}

	otelEnabled := os.Getenv("OTEL_ENABLED") == "true"
	ctx := context.Background()
	tel, err := telemetry.New(ctx, otelEnabled)
	if err != nil {
		slog.Error("telemetry init failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Error("telemetry shutdown failed", "error", err)
		}
	}()

	// --- Platform: Temporal ---

	hostPort := os.Getenv("TEMPORAL_HOSTPORT")
	if hostPort == "" {
		hostPort = "localhost:7233"
	}

	tc, err := client.Dial(client.Options{HostPort: hostPort})
	if err != nil {
		slog.Error("temporal client init failed", "error", err)
		os.Exit(1)
	}
	defer tc.Close()

	engine := temporalplatform.NewEngine(tc)

	// --- Platform: Postgres (append-only step event log + business metrics,
	// and optionally the migration/candidate store itself) ---

	storeBackend := envOr("STORE_BACKEND", "redis")

	dsn := os.Getenv("POSTGRES_DSN")
	var pgPool *pgxpool.Pool
	if dsn != "" {
		var err error
		pgPool, err = postgres.New(ctx, dsn, pgmigrations.FS)
		if err != nil {
			slog.Error("postgres init failed", "error", err)
			os.Exit(1)
		}
		defer pgPool.Close()
	} else {
		slog.Warn("POSTGRES_DSN not set — metrics endpoints will return empty results")
	}

	var eventStore migrations.EventStore
	if pgPool != nil {
		eventStore = store.NewPGEventStore(pgPool)
	}

	// --- Platform: migration + candidate state store ---
	//
	// STORE_BACKEND selects the MigrationStore backend: "redis" (default, each
	// migration/candidate in its own key) or "postgres" (relational schema,
	// shares the same pool as the event store).

	var migrationStore migrations.MigrationStore
	switch storeBackend {
	case "postgres":
		if pgPool == nil {
			slog.Error("STORE_BACKEND=postgres requires POSTGRES_DSN")
			os.Exit(1)
		}
		migrationStore = store.NewPGMigrationStore(pgPool)
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     envOr("REDIS_ADDR", "localhost:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Error("redis ping failed", "error", err)
			os.Exit(1)
		}
		defer rdb.Close()
		migrationStore = store.NewRedisMigrationStore(rdb)
	default:
		slog.Error("unknown STORE_BACKEND", "value", storeBackend)
		os.Exit(1)
	}

	// --- Adapters: migrator HTTP client ---

	httpClient := &http.Client{Timeout: 30 * time.Second}
	notifier := migrator.NewHTTPMigratorNotifier(httpClient)
	dryRunner := migrator.NewHTTPDryRunAdapter(httpClient)

	// --- Temporal Worker ---

	activities := execution.NewActivities(notifier, migrationStore, eventStore, slog)

	workerOpts := worker.Options{}
	if otelEnabled {
		tracingInterceptor, err := otelcontrib.NewTracingInterceptor(otelcontrib.TracerOptions{})
		if err != nil {
			slog.Error("temporal tracing interceptor init failed", "error", err)
			os.Exit(1)
		}
		workerOpts.Interceptors = []interceptor.WorkerInterceptor{tracingInterceptor}
	}

	w := worker.New(tc, temporalplatform.TaskQueue(), workerOpts)
	w.RegisterWorkflowWithOptions(execution.MigrationOrchestrator, workflow.RegisterOptions{
		Name: "MigrationOrchestrator",
	})
	w.RegisterActivity(activities)

	go func() {
		if err := w.Run(worker.InterruptCh()); err != nil {
			log.Fatalf("temporal worker failed: %v", err)
		}
	}()
	slog.Info("temporal worker started", "taskQueue", temporalplatform.TaskQueue())

	// --- Service + HTTP ---

	svc := migrations.NewService(engine, migrationStore, dryRunner, notifier)
	svc.EventStore = eventStore

	router := gin.New()

	validator, err := validation.New(schemas.OpenAPISpec)
	if err != nil {
		slog.Error("openapi validation middleware init failed", "error", err)
		os.Exit(1)
	}

	router.Use(gin.Recovery(), otelgin.Middleware(os.Getenv("OTEL_SERVICE_NAME")), validator)
	handler.RegisterRoutes(router, svc, slog)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	slog.Info("starting loom", "port", port)
	if err := router.Run(":" + port); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
