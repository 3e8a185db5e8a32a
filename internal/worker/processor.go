package worker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"kmz-pipeline/internal/config"
	"kmz-pipeline/internal/notify"
	"kmz-pipeline/internal/pipeline"
	"kmz-pipeline/internal/queue"
	"kmz-pipeline/internal/store"
	"kmz-pipeline/internal/telemetry"
)

// Session is the database scope of one attempt. It must be released on every path.
type Session interface {
	pipeline.FeatureStore
	MarkProcessing(ctx context.Context, kmzID int64) error
	Release()
}

// Acquirer checks out a Session.
type Acquirer interface {
	Acquire(ctx context.Context) (Session, error)
}

// Runner executes one processing attempt.
type Runner interface {
	Process(ctx context.Context, req pipeline.Request, db pipeline.FeatureStore) (pipeline.Result, error)
}

// Alerter is told about jobs that will not be retried again.
type Alerter interface {
	JobFailed(ctx context.Context, f notify.JobFailure) bool
}

// Events are optional lifecycle hooks.
type Events struct {
	OnCompleted func(lease *queue.Lease, res pipeline.Result)
	// OnFailed runs after every failed attempt; attemptsMade == maxAttempts means no retry follows.
	OnFailed func(lease *queue.Lease, err error, attemptsMade, maxAttempts int)
}

// StoreAcquirer adapts the Postgres store to Acquirer.
func StoreAcquirer(st *store.Store) Acquirer { return storeAcquirer{st} }

type storeAcquirer struct{ st *store.Store }

func (s storeAcquirer) Acquire(ctx context.Context) (Session, error) {
	conn, err := s.st.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Processor drives the worker slots and queue maintenance.
type Processor struct {
	cfg      config.Config
	queue    *queue.RedisQueue
	db       Acquirer
	runner   Runner
	alerter  Alerter
	events   Events
	workerID string

	counts atomic.Pointer[queue.Counts]
}

func NewProcessor(cfg config.Config, q *queue.RedisQueue, db Acquirer, runner Runner, alerter Alerter) *Processor {
	return NewProcessorWithID(cfg, q, db, runner, alerter, "")
}

// NewProcessorWithID creates a processor with a specific worker ID for tracking.
func NewProcessorWithID(cfg config.Config, q *queue.RedisQueue, db Acquirer, runner Runner, alerter Alerter, workerID string) *Processor {
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = 1
	}
	if cfg.WorkerPollInterval <= 0 {
		cfg.WorkerPollInterval = time.Second
	}
	return &Processor{
		cfg:      cfg,
		queue:    q,
		db:       db,
		runner:   runner,
		alerter:  alerter,
		workerID: workerID,
	}
}

// SetEvents installs lifecycle hooks. Call before Run.
func (p *Processor) SetEvents(ev Events) { p.events = ev }

// Counts returns the queue snapshot taken by the last maintenance pass.
func (p *Processor) Counts() (queue.Counts, bool) {
	c := p.counts.Load()
	if c == nil {
		return queue.Counts{}, false
	}
	return *c, true
}

// Run starts the worker slots and the maintenance loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	zap.S().Named("worker").Infow("worker started", "worker_id", p.workerID, "concurrency", p.cfg.WorkerConcurrency)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.maintain(ctx) })
	for i := 0; i < p.cfg.WorkerConcurrency; i++ {
		slot := i
		g.Go(func() error { return p.slot(ctx, slot) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Processor) slot(ctx context.Context, slot int) error {
	log := zap.S().Named("worker").With("worker_id", p.workerID, "slot", slot)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		lease, err := p.queue.Claim(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Warnw("claim failed", "error", err)
			}
			if err := sleep(ctx, p.cfg.WorkerPollInterval); err != nil {
				return err
			}
			continue
		}
		if lease == nil {
			if err := sleep(ctx, p.cfg.WorkerPollInterval); err != nil {
				return err
			}
			continue
		}
		p.handle(ctx, lease)
	}
}

func (p *Processor) maintain(ctx context.Context) error {
	log := zap.S().Named("worker")
	ticker := time.NewTicker(p.cfg.WorkerPollInterval)
	defer ticker.Stop()
	for {
		batch := int64(p.cfg.ScheduledBatchSize)
		if _, err := p.queue.PromoteScheduled(ctx, time.Now(), batch); err != nil && ctx.Err() == nil {
			log.Warnw("promote scheduled failed", "error", err)
		}
		if reclaimed, err := p.queue.RequeueExpired(ctx, time.Now(), batch); err != nil && ctx.Err() == nil {
			log.Warnw("requeue expired failed", "error", err)
		} else if len(reclaimed) > 0 {
			log.Warnw("reclaimed expired leases", "ids", reclaimed)
		}
		if counts, err := p.queue.Depth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(counts.Ready))
			p.counts.Store(&counts)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// handle runs one leased attempt to completion and settles the lease.
func (p *Processor) handle(ctx context.Context, lease *queue.Lease) {
	log := zap.S().Named("worker").With("worker_id", p.workerID, "kmz_id", lease.Job.KMZID, "attempt", lease.AttemptsMade+1)
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	attemptCtx, abandon := context.WithCancelCause(ctx)
	defer abandon(nil)
	hbCtx, stopHeartbeat := context.WithCancel(attemptCtx)
	defer stopHeartbeat()
	go p.heartbeat(hbCtx, lease, abandon)

	res, err := p.attempt(attemptCtx, lease)
	stopHeartbeat()

	if err != nil && ctx.Err() != nil {
		// Shutdown interrupted the attempt; the lease expires and is redelivered uncounted.
		log.Warnw("attempt interrupted by shutdown", "error", err)
		return
	}
	if errors.Is(context.Cause(attemptCtx), queue.ErrLeaseLost) {
		telemetry.LeaseLost.Inc()
		log.Warnw("lease lost, attempt abandoned", "error", err)
		return
	}
	settle := context.WithoutCancel(ctx)
	if err == nil {
		if ackErr := p.queue.Ack(settle, lease); ackErr != nil {
			if errors.Is(ackErr, queue.ErrLeaseLost) {
				telemetry.LeaseLost.Inc()
			}
			log.Errorw("ack failed", "error", ackErr)
			return
		}
		telemetry.WorkerSuccess.Inc()
		if p.events.OnCompleted != nil {
			p.events.OnCompleted(lease, res)
		}
		return
	}
	p.failed(settle, lease, err)
}

func (p *Processor) attempt(ctx context.Context, lease *queue.Lease) (res pipeline.Result, err error) {
	sess, err := p.db.Acquire(ctx)
	if err != nil {
		return pipeline.Result{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer sess.Release()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during processing: %v", r)
		}
	}()

	if err := sess.MarkProcessing(ctx, lease.Job.KMZID); err != nil {
		return pipeline.Result{}, err
	}
	return p.runner.Process(ctx, p.request(lease), sess)
}

func (p *Processor) request(lease *queue.Lease) pipeline.Request {
	path := lease.Job.StoredPath
	if path == "" {
		path = filepath.Join(p.cfg.KMZUploadDir(), lease.Job.Filename)
	}
	return pipeline.Request{
		JobID:      lease.Job.KMZID,
		StoredPath: path,
		RenderURL:  p.cfg.RenderServiceURL,
		BaseDir:    p.cfg.BaseDir,
	}
}

// failed decides between retry and dead letter. Terminal errors spend the whole budget at once.
func (p *Processor) failed(ctx context.Context, lease *queue.Lease, cause error) {
	log := zap.S().Named("worker").With("worker_id", p.workerID, "kmz_id", lease.Job.KMZID)
	attemptsMade := lease.AttemptsMade + 1
	if pipeline.IsTerminal(cause) || attemptsMade > lease.MaxAttempts {
		attemptsMade = lease.MaxAttempts
	}

	if attemptsMade < lease.MaxAttempts {
		delay := Backoff(lease.Backoff, p.cfg.BackoffMax, attemptsMade)
		if err := p.queue.Retry(ctx, lease, time.Now().Add(delay)); err != nil {
			if errors.Is(err, queue.ErrLeaseLost) {
				telemetry.LeaseLost.Inc()
			}
			log.Errorw("schedule retry failed", "error", err)
			return
		}
		telemetry.WorkerRetries.Inc()
		log.Warnw("attempt failed, retry scheduled", "attempts", attemptsMade, "max_attempts", lease.MaxAttempts, "delay", delay, "error", cause)
		if p.events.OnFailed != nil {
			p.events.OnFailed(lease, cause, attemptsMade, lease.MaxAttempts)
		}
		return
	}

	if err := p.queue.DeadLetter(ctx, lease, attemptsMade, cause); err != nil {
		if errors.Is(err, queue.ErrLeaseLost) {
			// Another claim owns the entry now and will settle it.
			telemetry.LeaseLost.Inc()
			log.Warnw("dead letter skipped, lease lost", "error", cause)
			return
		}
		log.Errorw("dead letter failed", "error", err)
	}
	telemetry.WorkerDeadLetter.Inc()
	log.Errorw("job failed permanently", "attempts", attemptsMade, "error", cause)
	if p.events.OnFailed != nil {
		p.events.OnFailed(lease, cause, attemptsMade, lease.MaxAttempts)
	}
	if p.alerter != nil {
		p.alerter.JobFailed(ctx, notify.JobFailure{JobID: lease.Job.KMZID, Filename: lease.Job.Filename, Err: cause})
	}
}

// heartbeat keeps the lease alive and abandons the attempt once it is lost.
func (p *Processor) heartbeat(ctx context.Context, lease *queue.Lease, abandon context.CancelCauseFunc) {
	ttl := p.queue.VisibilityTimeout()
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := p.queue.ExtendLease(ctx, lease, ttl)
			if err != nil && ctx.Err() == nil {
				zap.S().Named("worker").Warnw("lease extension failed", "kmz_id", lease.Job.KMZID, "error", err)
			} else if err == nil && !ok {
				zap.S().Named("worker").Warnw("lease lost", "kmz_id", lease.Job.KMZID)
				abandon(queue.ErrLeaseLost)
				return
			}
		}
	}
}

// Backoff is the delay before retry number attempt: base doubled per prior failure, capped at max.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = queue.DefaultBackoff
	}
	wait := base
	for i := 1; i < attempt; i++ {
		wait *= 2
		if max > 0 && wait >= max {
			return max
		}
	}
	if max > 0 && wait > max {
		return max
	}
	return wait
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
