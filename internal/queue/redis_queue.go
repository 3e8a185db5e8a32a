package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"kmz-pipeline/internal/config"
	"kmz-pipeline/internal/models"
)

// Default retry policy for new entries.
const (
	DefaultMaxAttempts = 5
	DefaultBackoff     = 2 * time.Second
)

const dlqRetention = 1000

var (
	// ErrInFlight is returned when enqueueing a job that a worker currently holds.
	ErrInFlight = errors.New("job is being processed")
	// ErrLeaseLost is returned when settling a lease that expired or was claimed again.
	ErrLeaseLost = errors.New("lease no longer held")
)

// Options is the retry policy carried by a queue entry.
type Options struct {
	MaxAttempts int
	Backoff     time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.Backoff <= 0 {
		o.Backoff = DefaultBackoff
	}
	return o
}

// Lease is an exclusive claim on one queue entry. It stays valid until acked,
// retried, dead-lettered or until its visibility deadline passes. Token fences
// the claim: once another claim replaces it, every settle call fails with ErrLeaseLost.
type Lease struct {
	ID           string
	Token        string
	Job          models.Job
	AttemptsMade int
	MaxAttempts  int
	Backoff      time.Duration
}

// DeadLetter is what remains of an entry after its final failure.
type DeadLetter struct {
	KMZID    int64     `json:"kmz_id"`
	Filename string    `json:"filename"`
	Error    string    `json:"error"`
	Attempts int       `json:"attempts"`
	FailedAt time.Time `json:"failed_at"`
}

// Counts is a snapshot of the queue structures.
type Counts struct {
	Ready      int64 `json:"ready"`
	InFlight   int64 `json:"in_flight"`
	Scheduled  int64 `json:"scheduled"`
	DeadLetter int64 `json:"dead_letter"`
	Completed  int64 `json:"completed"`
}

// RedisQueue coordinates ready, in-flight, and scheduled entries in Redis.
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	scheduledKey  string
	dlqKey        string
	completedKey  string
	jobMetaPrefix string
	visibilityTTL time.Duration
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return New(client, cfg.QueueName, cfg.VisibilityTimeout)
}

// New builds a queue named name on an existing client.
func New(client *redis.Client, name string, visibility time.Duration) *RedisQueue {
	if name == "" {
		name = "kmz-processing"
	}
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	prefix := "queue:" + name
	return &RedisQueue{
		client:        client,
		readyKey:      prefix + ":ready",
		inflightKey:   prefix + ":inflight",
		scheduledKey:  prefix + ":scheduled",
		dlqKey:        prefix + ":dlq",
		completedKey:  prefix + ":completed",
		jobMetaPrefix: prefix + ":job:",
		visibilityTTL: visibility,
	}
}

// Client exposes the underlying connection for collaborators sharing it.
func (q *RedisQueue) Client() *redis.Client { return q.client }

// VisibilityTimeout is how long a lease lasts without being extended.
func (q *RedisQueue) VisibilityTimeout() time.Duration { return q.visibilityTTL }

// Close releases the Redis connection.
func (q *RedisQueue) Close() error { return q.client.Close() }

// Ping checks Redis reachability.
func (q *RedisQueue) Ping(ctx context.Context) error { return q.client.Ping(ctx).Err() }

func (q *RedisQueue) metaKey(id string) string {
	return q.jobMetaPrefix + id
}

// EntryID is the queue identity of a job: one live entry per KMZ file.
func EntryID(job models.Job) string {
	return strconv.FormatInt(job.KMZID, 10)
}

// Enqueue makes job ready for claiming with a fresh attempt budget.
// Re-enqueuing an id that is ready or scheduled does not duplicate it; an id
// that is currently leased is rejected with ErrInFlight.
func (q *RedisQueue) Enqueue(ctx context.Context, job models.Job, opts Options) (string, error) {
	opts = opts.withDefaults()
	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}
	id := EntryID(job)

	keys := []string{q.metaKey(id), q.readyKey, q.scheduledKey, q.inflightKey}
	n, err := enqueueScript.Run(ctx, q.client, keys, id, payload, opts.MaxAttempts, opts.Backoff.Milliseconds()).Int()
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", id, err)
	}
	if n == 0 {
		return "", ErrInFlight
	}
	return id, nil
}

// InFlight reports whether a worker currently holds a lease on the job's entry.
func (q *RedisQueue) InFlight(ctx context.Context, kmzID int64) (bool, error) {
	err := q.client.ZScore(ctx, q.inflightKey, strconv.FormatInt(kmzID, 10)).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	return err == nil, err
}

// Claim leases the next ready entry. It returns nil, nil when nothing is ready.
func (q *RedisQueue) Claim(ctx context.Context) (*Lease, error) {
	deadline := time.Now().Add(q.visibilityTTL).UnixMilli()
	token := uuid.NewString()
	res, err := claimScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey}, deadline, token, q.jobMetaPrefix).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	id, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected type from claim script: %T", res)
	}

	vals, err := q.client.HMGet(ctx, q.metaKey(id), "payload", "attempts", "max_attempts", "backoff_ms").Result()
	if err != nil {
		return nil, fmt.Errorf("load entry %s: %w", id, err)
	}
	payload, _ := vals[0].(string)
	if payload == "" {
		// Orphaned id without metadata: drop it so it cannot block the slot.
		_ = q.client.ZRem(ctx, q.inflightKey, id).Err()
		_ = q.client.Del(ctx, q.metaKey(id)).Err()
		return nil, fmt.Errorf("entry %s has no payload", id)
	}
	lease := &Lease{ID: id, Token: token, MaxAttempts: DefaultMaxAttempts, Backoff: DefaultBackoff}
	if err := json.Unmarshal([]byte(payload), &lease.Job); err != nil {
		_ = q.client.ZRem(ctx, q.inflightKey, id).Err()
		return nil, fmt.Errorf("decode entry %s: %w", id, err)
	}
	if n, ok := intField(vals[1]); ok {
		lease.AttemptsMade = n
	}
	if n, ok := intField(vals[2]); ok && n > 0 {
		lease.MaxAttempts = n
	}
	if n, ok := intField(vals[3]); ok && n > 0 {
		lease.Backoff = time.Duration(n) * time.Millisecond
	}
	return lease, nil
}

func intField(v any) (int, bool) {
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	return n, err == nil
}

// ExtendLease pushes the visibility deadline forward. It reports false when the
// lease is no longer held, e.g. after it expired and was reclaimed.
func (q *RedisQueue) ExtendLease(ctx context.Context, lease *Lease, extension time.Duration) (bool, error) {
	deadline := time.Now().Add(extension).UnixMilli()
	n, err := extendScript.Run(ctx, q.client, []string{q.inflightKey, q.metaKey(lease.ID)}, lease.ID, lease.Token, deadline).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Ack removes a finished entry.
func (q *RedisQueue) Ack(ctx context.Context, lease *Lease) error {
	keys := []string{q.inflightKey, q.metaKey(lease.ID), q.completedKey}
	n, err := ackScript.Run(ctx, q.client, keys, lease.ID, lease.Token).Int()
	return settled(n, err)
}

// Retry records a failed attempt and schedules the entry to become ready at runAt.
func (q *RedisQueue) Retry(ctx context.Context, lease *Lease, runAt time.Time) error {
	keys := []string{q.inflightKey, q.metaKey(lease.ID), q.scheduledKey}
	n, err := retryScript.Run(ctx, q.client, keys, lease.ID, lease.Token, runAt.UnixMilli()).Int()
	return settled(n, err)
}

func settled(n int, err error) error {
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// DeadLetter removes the entry for good and records why.
func (q *RedisQueue) DeadLetter(ctx context.Context, lease *Lease, attempts int, cause error) error {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	record, err := json.Marshal(DeadLetter{
		KMZID:    lease.Job.KMZID,
		Filename: lease.Job.Filename,
		Error:    reason,
		Attempts: attempts,
		FailedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	keys := []string{q.inflightKey, q.metaKey(lease.ID), q.dlqKey}
	n, err := deadLetterScript.Run(ctx, q.client, keys, lease.ID, lease.Token, record, dlqRetention-1).Int()
	return settled(n, err)
}

// PromoteScheduled moves due scheduled entries into the ready list. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.move(ctx, q.scheduledKey, now, limit)
	return len(ids), err
}

// RequeueExpired reclaims leases whose deadline passed, e.g. after a worker crash.
// The interrupted attempt is not counted against the budget.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	return q.move(ctx, q.inflightKey, now, limit)
}

func (q *RedisQueue) move(ctx context.Context, from string, now time.Time, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	res, err := moveDueScript.Run(ctx, q.client, []string{from, q.readyKey}, now.UnixMilli(), limit, q.jobMetaPrefix).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return res, err
}

// Depth returns a snapshot of every queue structure.
func (q *RedisQueue) Depth(ctx context.Context) (Counts, error) {
	pipe := q.client.Pipeline()
	ready := pipe.LLen(ctx, q.readyKey)
	inflight := pipe.ZCard(ctx, q.inflightKey)
	scheduled := pipe.ZCard(ctx, q.scheduledKey)
	dlq := pipe.LLen(ctx, q.dlqKey)
	completed := pipe.Get(ctx, q.completedKey)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Counts{}, err
	}
	c := Counts{
		Ready:      ready.Val(),
		InFlight:   inflight.Val(),
		Scheduled:  scheduled.Val(),
		DeadLetter: dlq.Val(),
	}
	if n, err := completed.Int64(); err == nil {
		c.Completed = n
	}
	return c, nil
}

// DLQPeek reads the most recent dead letters, newest first.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]DeadLetter, error) {
	if count <= 0 {
		count = 50
	}
	raw, err := q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]DeadLetter, 0, len(raw))
	for _, r := range raw {
		var d DeadLetter
		if err := json.Unmarshal([]byte(r), &d); err != nil {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

var enqueueScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[4], ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], 'payload', ARGV[2], 'attempts', 0, 'max_attempts', ARGV[3], 'backoff_ms', ARGV[4])
redis.call('HDEL', KEYS[1], 'token')
redis.call('LREM', KEYS[2], 0, ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('RPUSH', KEYS[2], ARGV[1])
return 1
`)

var claimScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  redis.call('HSET', ARGV[3] .. job, 'token', ARGV[2])
  return job
end
return nil
`)

// The settle scripts act only while the entry is in flight under the caller's token.
// KEYS[1] inflight, KEYS[2] entry meta; ARGV[1] id, ARGV[2] token.
const holdsLease = `
if not redis.call('ZSCORE', KEYS[1], ARGV[1]) or redis.call('HGET', KEYS[2], 'token') ~= ARGV[2] then
  return 0
end
`

var extendScript = redis.NewScript(holdsLease + `
redis.call('ZADD', KEYS[1], 'XX', ARGV[3], ARGV[1])
return 1
`)

var ackScript = redis.NewScript(holdsLease + `
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('DEL', KEYS[2])
redis.call('INCR', KEYS[3])
return 1
`)

var retryScript = redis.NewScript(holdsLease + `
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HINCRBY', KEYS[2], 'attempts', 1)
redis.call('HDEL', KEYS[2], 'token')
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
return 1
`)

var deadLetterScript = redis.NewScript(holdsLease + `
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('DEL', KEYS[2])
redis.call('LPUSH', KEYS[3], ARGV[3])
redis.call('LTRIM', KEYS[3], 0, ARGV[4])
return 1
`)

// Moves members of a sorted set with score <= ARGV[1] onto the tail of a list,
// revoking any lease token they carried.
var moveDueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
local moved = {}
for _, id in ipairs(ids) do
  if redis.call('ZREM', KEYS[1], id) == 1 then
    redis.call('HDEL', ARGV[3] .. id, 'token')
    redis.call('RPUSH', KEYS[2], id)
    table.insert(moved, id)
  end
end
return moved
`)
