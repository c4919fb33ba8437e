package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/vnmchuo/llm-taskd/config"
	"github.com/vnmchuo/llm-taskd/internal/api"
	"github.com/vnmchuo/llm-taskd/internal/archive"
	"github.com/vnmchuo/llm-taskd/internal/dispatcher"
	"github.com/vnmchuo/llm-taskd/internal/provider"
	"github.com/vnmchuo/llm-taskd/internal/provider/claude"
	"github.com/vnmchuo/llm-taskd/internal/provider/gemini"
	"github.com/vnmchuo/llm-taskd/internal/provider/openai"
	"github.com/vnmchuo/llm-taskd/internal/queue"
	"github.com/vnmchuo/llm-taskd/internal/store"
	"github.com/vnmchuo/llm-taskd/internal/telemetry"
	"github.com/vnmchuo/llm-taskd/internal/worker"
	"github.com/vnmchuo/llm-taskd/pkg/ratelimit"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("llm-taskd", cfg)
	if err != nil {
		log.Fatalf("failed to init tracer: %v", err)
	}
	defer shutdownTracer()
	tracer := otel.GetTracerProvider().Tracer("llm-taskd")

	// 3. Connect Redis
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to ping redis: %v", err)
	}
	log.Println("Redis connected")

	// 4. Connect PostgreSQL (optional, backs the task archive)
	var archiveStore archive.Store
	if cfg.PostgresDSN != "" {
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("failed to connect postgres: %v", err)
		}
		defer pool.Close()

		if err := pool.Ping(ctx); err != nil {
			log.Fatalf("failed to ping postgres: %v", err)
		}
		archiveStore = archive.NewPostgresStore(pool)
		log.Println("PostgreSQL connected")
	} else {
		log.Println("POSTGRES_DSN not set, task history disabled")
	}

	// 5. Init store and queue
	taskStore := store.NewRedisStore(rdb)
	taskQueue := queue.NewRedisQueue(rdb)

	// 6. Init rate limiter
	limiter := ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitTPM)

	// 7. Init providers
	providers := []provider.Provider{
		gemini.New(cfg.GeminiAPIKey),
		openai.New(cfg.OpenAIAPIKey),
		claude.New(cfg.AnthropicAPIKey),
	}

	// 8. Init provider router
	router := provider.NewRouter(providers)

	// 9. Init dispatcher
	disp, err := dispatcher.New(dispatcher.Options{
		Store:  taskStore,
		Queue:  taskQueue,
		Logger: logger,
		Tracer: tracer,
	})
	if err != nil {
		log.Fatalf("failed to init dispatcher: %v", err)
	}

	// 10. Init worker pool (WORKER_CONCURRENCY=0 runs the API alone)
	var pool *worker.Pool
	if cfg.WorkerConcurrency > 0 {
		pool, err = worker.New(worker.Options{
			Store:       taskStore,
			Queue:       taskQueue,
			Router:      router,
			Archive:     archiveStore,
			Logger:      logger,
			Tracer:      tracer,
			Concurrency: cfg.WorkerConcurrency,
			Model:       cfg.TaskModel,
			MaxTokens:   cfg.TaskMaxTokens,
			TaskTimeout: cfg.TaskTimeout,
			QueueWait:   cfg.QueueWait,
		})
		if err != nil {
			log.Fatalf("failed to init worker pool: %v", err)
		}
		pool.Start()
		log.Printf("Worker pool started (concurrency=%d, model=%s)", cfg.WorkerConcurrency, cfg.TaskModel)
	} else {
		log.Println("WORKER_CONCURRENCY=0, running without workers")
	}

	// 11. Init Chi router
	handler := api.NewHandler(disp, archiveStore, limiter, logger)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Mount("/", handler.Routes())

	// 12. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("llm-taskd starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-quit
	log.Println("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Stop accepting requests first, then drain in-flight tasks.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("forced server shutdown: %v", err)
	}
	if pool != nil {
		if err := pool.Stop(shutdownCtx); err != nil {
			log.Printf("worker pool shutdown: %v", err)
		}
	}
	log.Println("Server stopped")
}
