package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"kmz-pipeline/internal/config"
	"kmz-pipeline/internal/kmz"
	"kmz-pipeline/internal/logging"
	"kmz-pipeline/internal/notify"
	"kmz-pipeline/internal/pipeline"
	"kmz-pipeline/internal/queue"
	"kmz-pipeline/internal/store"
	"kmz-pipeline/internal/thumbnail"
	workerproc "kmz-pipeline/internal/worker"
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
	log := zap.S().Named("worker")

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

	opts := []thumbnail.Option{thumbnail.WithLayers(cfg.RenderLayers)}
	if cfg.ThumbnailS3Bucket != "" {
		up, err := thumbnail.NewS3Uploader(ctx, cfg)
		if err != nil {
			log.Fatalw("init thumbnail storage", "error", err)
		}
		opts = append(opts, thumbnail.WithUploader(up))
	}
	pipe := pipeline.New(kmz.Extractor{MaxBytes: cfg.MaxKMLBytes}, thumbnail.NewGenerator(cfg.RenderTimeout, opts...))

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		if hostname, _ := os.Hostname(); hostname != "" {
			workerID = hostname + "-" + uuid.NewString()[:8]
		} else {
			workerID = uuid.NewString()
		}
	}

	alerter := notify.New(cfg.AlertWebhook, cfg.AlertTimeout)
	processor := workerproc.NewProcessorWithID(cfg, q, workerproc.StoreAcquirer(st), pipe, alerter, workerID)
	processor.SetEvents(workerproc.Events{
		OnCompleted: func(lease *queue.Lease, res pipeline.Result) {
			log.Infow("job completed", "kmz_id", lease.Job.KMZID, "features", res.FeatureCount)
		},
		OnFailed: func(lease *queue.Lease, err error, attemptsMade, maxAttempts int) {
			log.Warnw("job attempt failed", "kmz_id", lease.Job.KMZID, "attempts", attemptsMade, "max_attempts", maxAttempts, "error", err)
		},
	})

	healthServer := &http.Server{
		Addr:              cfg.WorkerAddr,
		Handler:           workerproc.HealthRouter(processor, st),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw("health server stopped", "error", err)
		}
	}()

	log.Infow("worker starting", "worker_id", workerID, "queue", cfg.QueueName, "visibility", cfg.VisibilityTimeout, "alerts", alerter.Enabled())
	if err := processor.Run(ctx); err != nil {
		log.Errorw("worker stopped", "error", err)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = healthServer.Shutdown(shutdownCtx)
	log.Info("worker stopped")
}
