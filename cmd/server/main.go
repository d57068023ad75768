// Command server starts the AI chat proxy HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-chat-proxy/internal/adapter/ai/gemini"
	"github.com/fairyhunter13/ai-chat-proxy/internal/adapter/ai/tokencount"
	httpserver "github.com/fairyhunter13/ai-chat-proxy/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-chat-proxy/internal/adapter/keypool"
	"github.com/fairyhunter13/ai-chat-proxy/internal/adapter/observability"
	"github.com/fairyhunter13/ai-chat-proxy/internal/adapter/repo/memory"
	"github.com/fairyhunter13/ai-chat-proxy/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/ai-chat-proxy/internal/app"
	"github.com/fairyhunter13/ai-chat-proxy/internal/config"
	"github.com/fairyhunter13/ai-chat-proxy/internal/domain"
	"github.com/fairyhunter13/ai-chat-proxy/internal/service/ratelimiter"
	"github.com/fairyhunter13/ai-chat-proxy/internal/service/sessionlock"
	"github.com/fairyhunter13/ai-chat-proxy/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register all Prometheus metrics once per process.
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Credentials and upstream
	keys := keypool.New(cfg.GeminiAPIKeys)
	if keys.Size() == 0 {
		slog.Warn("GEMINI_API_KEYS is empty; every chat call will fail with no credentials")
	}
	slog.Info("key pool loaded", slog.Int("size", keys.Size()), slog.Any("keys", keys.Snapshot()))
	dispatcher := gemini.NewFromConfig(cfg, keys)

	personas, err := config.LoadPersonas(cfg)
	if err != nil {
		slog.Error("persona load failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Persistence
	var (
		users  domain.UserRepository
		turns  domain.TurnRepository
		dbPing app.Pinger
	)
	if cfg.DBURL != "" {
		pool, err := postgres.NewPool(ctx, cfg.DBURL)
		if err != nil {
			slog.Error("db connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer pool.Close()
		if err := postgres.Migrate(ctx, pool); err != nil {
			slog.Error("db migrate failed", slog.Any("error", err))
			os.Exit(1)
		}
		users, turns, dbPing = postgres.NewUserRepo(pool), postgres.NewTurnRepo(pool), pool

		if cfg.DataRetentionDays > 0 {
			cleanupSvc := postgres.NewCleanupService(pool, cfg.DataRetentionDays)
			go cleanupSvc.RunPeriodic(ctx, cfg.CleanupInterval)
			slog.Info("cleanup service started", slog.Int("retention_days", cfg.DataRetentionDays), slog.Duration("interval", cfg.CleanupInterval))
		}
	} else {
		store := memory.NewStore()
		users, turns = store, store
		go store.RunPeriodic(ctx, cfg.SessionCleanupInterval, cfg.SessionIdleTTL)
		slog.Info("in-memory persistence; conversations are lost on restart",
			slog.Duration("idle_ttl", cfg.SessionIdleTTL), slog.Duration("sweep", cfg.SessionCleanupInterval))
	}

	// Coordination: conversation locks and per-account chat quota
	var (
		locker  domain.SessionLocker
		limiter usecase.QuotaLimiter
		rdb     *redis.Client
	)
	bucket := ratelimiter.NewBucketConfigFromPerMinute(cfg.UserChatRatePerMin)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", slog.Any("error", err))
			os.Exit(1)
		}
		rdb = redis.NewClient(opts)
		defer func() { _ = rdb.Close() }()
		locker = sessionlock.NewRedisLocker(rdb, cfg.ChatLockTTL)
		if bucket.Enabled() {
			limiter = ratelimiter.NewRedisLuaLimiter(rdb, bucket)
		}
	} else {
		locker = sessionlock.NewLocalLocker()
		if bucket.Enabled() {
			limiter = ratelimiter.NewLocalLimiter(bucket)
		}
	}

	// Usecases
	chatSvc := usecase.NewChatService(turns, locker, dispatcher, personas, cfg)
	chatSvc.Budget = tokencount.DefaultCounter
	chatSvc.Limiter = limiter
	accountSvc := usecase.NewAccountService(users, cfg)

	// HTTP server
	var redisPing app.RedisClient
	if rdb != nil {
		redisPing = rdb
	}
	srv := httpserver.NewServer(cfg, chatSvc, accountSvc, httpserver.NewSessionManager(cfg), keys,
		app.BuildReadinessChecks(dbPing, redisPing, keys)...)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     handler,
		ReadTimeout: cfg.HTTPReadTimeout,
		// The request timeout middleware answers first; leave room to write it.
		WriteTimeout:      cfg.HTTPWriteTimeout + 5*time.Second,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port), slog.String("model", cfg.GeminiModel))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
