package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	api "kmz-pipeline/internal/api"
	"kmz-pipeline/internal/config"
	"kmz-pipeline/internal/logging"
	"kmz-pipeline/internal/queue"
	"kmz-pipeline/internal/ratelimit"
	"kmz-pipeline/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// The configured logger does not exist yet; the global one would discard this.
		logging.Startup().Sugar().Fatalw("reading configuration", "error", err)
	}
	logger := logging.New(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()
	undo := zap.ReplaceGlobals(logger)
	defer undo()
	log := zap.S().Named("api")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalw("connect postgres", "error", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalw("migrations", "error", err)
	}

	q := queue.NewRedisQueue(cfg)
	defer func() { _ = q.Close() }()
	limiter := ratelimit.NewTokenBucket(q.Client(), "rl:kmz-upload:", cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	server := api.New(cfg, st, q, limiter)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Infow("api listening", "addr", httpServer.Addr, "upload_dir", cfg.KMZUploadDir())
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalw("listen", "error", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	log.Info("api stopped")
}
