package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ephes/fastdeploy/internal/app/migrate"
	"github.com/ephes/fastdeploy/internal/auth"
	"github.com/ephes/fastdeploy/internal/fsys"
	"github.com/ephes/fastdeploy/internal/httpx"
	"github.com/ephes/fastdeploy/internal/notify"
	"github.com/ephes/fastdeploy/internal/repository"
	"github.com/ephes/fastdeploy/internal/repository/postgres"
	"github.com/ephes/fastdeploy/internal/task"
	"github.com/ephes/fastdeploy/internal/ws"
	"github.com/ephes/fastdeploy/pkg/config"
	"github.com/ephes/fastdeploy/pkg/logger"
	"github.com/ephes/fastdeploy/pkg/token"
)

func main() {
	cfg := config.LoadAPIConfig()
	log := logger.New("api", slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	codec := token.NewCodec(cfg.SecretKey)
	verifier := auth.NewVerifier(codec)
	manager := ws.NewManager(verifier, log)
	filesystem := fsys.NewDirFilesystem(cfg.ServicesRoot)
	notifier := notify.NewLogNotifier(log)
	launcher := task.NewExecLauncher(cfg, codec, log)
	newUoW := func() repository.UnitOfWork { return postgres.NewUnitOfWork(pool) }

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, cfg, codec, verifier, newUoW, filesystem, manager, notifier, launcher, limiter, pool.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
