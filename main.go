package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"

	"github.com/s1natex/task-lifecycle-api/internal/config"
	"github.com/s1natex/task-lifecycle-api/internal/middleware"
	"github.com/s1natex/task-lifecycle-api/internal/tasks"
	"github.com/s1natex/task-lifecycle-api/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config_error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger) // for third-party packages that use slog

	ctx := context.Background()
	shutdownTracing, err := telemetry.Setup(ctx, cfg.TraceExporter, "task-lifecycle-api", os.Stdout)
	if err != nil {
		logger.Error("tracing_error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("store_error", slog.String("store", cfg.Store), slog.String("error", err.Error()))
		os.Exit(1)
	}

	svc, err := newService(cfg, store, logger)
	if err != nil {
		logger.Error("config_error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           newRouter(svc, logger, routerOptions{timeout: cfg.RequestTimeout, rps: cfg.RateLimitRPS, burst: cfg.RateLimitBurst}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server_listen", slog.String("addr", srv.Addr), slog.String("store", cfg.Store))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server_error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	wait := gfshutdown.GracefulShutdown(ctx, cfg.ShutdownTimeout, map[string]gfshutdown.Operation{
		// drain requests before the store goes away
		"http-server": func(ctx context.Context) error {
			logger.Info("server_shutdown")
			err := srv.Shutdown(ctx)
			return errors.Join(err, closeStore())
		},
		"tracing": func(ctx context.Context) error {
			return shutdownTracing(ctx)
		},
	})
	os.Exit(<-wait)
}

// openStore builds the configured task store and wraps it with the Redis
// cache when REDIS_ADDR is set. The returned close func releases everything.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (tasks.Store, func() error, error) {
	var (
		store   tasks.Store
		closers []func() error
	)

	switch cfg.Store {
	case config.StoreMemory:
		store = tasks.NewMemoryStore()
	case config.StoreSQLite:
		dsn, err := tasks.SQLiteFileDSN(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		repo, err := tasks.NewSQLiteStore(dsn)
		if err != nil {
			return nil, nil, err
		}
		if err := repo.ApplyMigrations(ctx); err != nil {
			_ = repo.Close()
			return nil, nil, err
		}
		store, closers = repo, append(closers, repo.Close)
	case config.StorePostgres:
		repo, err := tasks.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := repo.ApplyMigrations(ctx); err != nil {
			_ = repo.Close()
			return nil, nil, err
		}
		store, closers = repo, append(closers, repo.Close)
	}

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("task_cache_unavailable", slog.String("addr", cfg.RedisAddr), slog.String("error", err.Error()))
		}
		store = tasks.NewCachedStore(store, client, cfg.CacheTTL, logger)
		closers = append(closers, client.Close)
	}

	closeAll := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}
		return errors.Join(errs...)
	}
	return store, closeAll, nil
}

func newService(cfg *config.Config, store tasks.Store, logger *slog.Logger) (*tasks.Service, error) {
	merge, err := tasks.ParseMergePolicy(cfg.UpdateMerge)
	if err != nil {
		return nil, err
	}
	opts := []tasks.Option{tasks.WithLogger(logger), tasks.WithMergePolicy(merge)}
	if cfg.ApplyStoreDefaults {
		opts = append(opts, tasks.WithStoreDefaults())
	}
	return tasks.NewService(store, opts...), nil
}

type routerOptions struct {
	timeout time.Duration
	rps     float64
	burst   int
}

// newRouter wires the health endpoint, task routes, and middleware stack
func newRouter(svc *tasks.Service, logger *slog.Logger, opts routerOptions) *chi.Mux {
	r := chi.NewRouter()

	// ---- Middleware stack (order matters a bit) ----
	// RequestID first so downstream can include it (logger, errors, etc.)
	r.Use(chimw.RequestID)

	// Panic recovery: never crash the server; returns 500 on panics
	r.Use(chimw.Recoverer)

	if opts.timeout > 0 {
		r.Use(chimw.Timeout(opts.timeout))
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "Trace-Id"},
		AllowCredentials: false,
		MaxAge:           300, // 5 minutes
	}))

	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.MetricsMiddleware)
	r.Use(middleware.TracingMiddleware)
	r.Use(middleware.RateLimitMiddleware(middleware.NewLimiter(opts.rps, opts.burst)))

	// ---- Routes ----

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"message": "Server started"})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	})

	r.Method(http.MethodGet, "/metrics", middleware.MetricsHandler())

	tasks.RegisterRoutes(r, svc)

	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}

func newLogger(level string) *slog.Logger {
	return newLoggerTo(os.Stdout, level)
}

func newLoggerTo(out io.Writer, level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		l = slog.LevelDebug
	case "warn", "warning":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: l,
	})
	return slog.New(handler)
}
