package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"kmz-pipeline/internal/models"
)

func newTestQueue(t *testing.T) *RedisQueue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, "test", time.Minute)
}

func TestEnqueueClaimCarriesPolicy(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if _, err := q.Enqueue(ctx, models.Job{KMZID: 11, Filename: "a.kmz", StoredPath: "/tmp/a.kmz"}, Options{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	lease, err := q.Claim(ctx)
	if err != nil || lease == nil {
		t.Fatalf("claim: lease=%v err=%v", lease, err)
	}
	if lease.Job.KMZID != 11 || lease.Job.StoredPath != "/tmp/a.kmz" {
		t.Fatalf("unexpected job %+v", lease.Job)
	}
	if lease.AttemptsMade != 0 || lease.MaxAttempts != DefaultMaxAttempts || lease.Backoff != DefaultBackoff {
		t.Fatalf("unexpected policy %+v", lease)
	}

	empty, err := q.Claim(ctx)
	if err != nil || empty != nil {
		t.Fatalf("expected empty claim, got %v err=%v", empty, err)
	}
}

func TestClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	const jobs = 20
	for i := 1; i <= jobs; i++ {
		if _, err := q.Enqueue(ctx, models.Job{KMZID: int64(i)}, Options{}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				lease, err := q.Claim(ctx)
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if lease == nil {
					return
				}
				mu.Lock()
				seen[lease.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != jobs {
		t.Fatalf("expected %d distinct claims, got %d", jobs, len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("job %s claimed %d times", id, n)
		}
	}
}

func TestEnqueueRejectsLeasedJob(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	job := models.Job{KMZID: 5}
	if _, err := q.Enqueue(ctx, job, Options{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Enqueue(ctx, job, Options{}); err != nil {
		t.Fatalf("re-enqueue ready job: %v", err)
	}
	counts, _ := q.Depth(ctx)
	if counts.Ready != 1 {
		t.Fatalf("expected one ready entry, got %d", counts.Ready)
	}

	if _, err := q.Claim(ctx); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := q.Enqueue(ctx, job, Options{}); !errors.Is(err, ErrInFlight) {
		t.Fatalf("expected ErrInFlight, got %v", err)
	}
}

func TestRetryPromoteCountsAttempts(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	if _, err := q.Enqueue(ctx, models.Job{KMZID: 1}, Options{MaxAttempts: 3, Backoff: time.Second}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	lease, _ := q.Claim(ctx)
	runAt := time.Now().Add(time.Hour)
	if err := q.Retry(ctx, lease, runAt); err != nil {
		t.Fatalf("retry: %v", err)
	}

	if n, _ := q.PromoteScheduled(ctx, time.Now(), 10); n != 0 {
		t.Fatalf("promoted %d entries before they were due", n)
	}
	if l, _ := q.Claim(ctx); l != nil {
		t.Fatalf("claimed a scheduled entry early")
	}
	if n, _ := q.PromoteScheduled(ctx, runAt.Add(time.Millisecond), 10); n != 1 {
		t.Fatalf("expected one promotion, got %d", n)
	}

	again, err := q.Claim(ctx)
	if err != nil || again == nil {
		t.Fatalf("claim after promote: %v", err)
	}
	if again.AttemptsMade != 1 || again.MaxAttempts != 3 || again.Backoff != time.Second {
		t.Fatalf("unexpected lease %+v", again)
	}
}

func TestDeadLetterAndAck(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	_, _ = q.Enqueue(ctx, models.Job{KMZID: 1, Filename: "bad.kmz"}, Options{})
	_, _ = q.Enqueue(ctx, models.Job{KMZID: 2, Filename: "good.kmz"}, Options{})

	bad, _ := q.Claim(ctx)
	good, _ := q.Claim(ctx)
	if err := q.DeadLetter(ctx, bad, 5, errors.New("boom")); err != nil {
		t.Fatalf("dead letter: %v", err)
	}
	if err := q.Ack(ctx, good); err != nil {
		t.Fatalf("ack: %v", err)
	}

	counts, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if counts != (Counts{DeadLetter: 1, Completed: 1}) {
		t.Fatalf("unexpected counts %+v", counts)
	}
	letters, err := q.DLQPeek(ctx, 10)
	if err != nil || len(letters) != 1 {
		t.Fatalf("dlq peek: %v %v", letters, err)
	}
	if letters[0].KMZID != 1 || letters[0].Filename != "bad.kmz" || letters[0].Error != "boom" || letters[0].Attempts != 5 {
		t.Fatalf("unexpected dead letter %+v", letters[0])
	}
}

func TestRequeueExpiredAndExtendLease(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	_, _ = q.Enqueue(ctx, models.Job{KMZID: 9}, Options{})
	lease, _ := q.Claim(ctx)

	if ids, _ := q.RequeueExpired(ctx, time.Now(), 10); len(ids) != 0 {
		t.Fatalf("requeued a live lease: %v", ids)
	}
	ok, err := q.ExtendLease(ctx, lease, 2*time.Minute)
	if err != nil || !ok {
		t.Fatalf("extend: ok=%v err=%v", ok, err)
	}

	ids, err := q.RequeueExpired(ctx, time.Now().Add(time.Hour), 10)
	if err != nil || len(ids) != 1 || ids[0] != "9" {
		t.Fatalf("expected lease 9 reclaimed, got %v err=%v", ids, err)
	}
	if ok, _ := q.ExtendLease(ctx, lease, time.Minute); ok {
		t.Fatalf("extended a lease that was reclaimed")
	}

	again, _ := q.Claim(ctx)
	if again == nil || again.AttemptsMade != 0 {
		t.Fatalf("expected reclaimed entry without a counted attempt, got %+v", again)
	}
}

func TestStaleLeaseCannotSettle(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	_, _ = q.Enqueue(ctx, models.Job{KMZID: 7, Filename: "slow.kmz"}, Options{MaxAttempts: 5, Backoff: time.Second})

	stale, _ := q.Claim(ctx)
	if _, err := q.RequeueExpired(ctx, time.Now().Add(2*time.Minute), 10); err != nil {
		t.Fatalf("requeue expired: %v", err)
	}
	current, err := q.Claim(ctx)
	if err != nil || current == nil {
		t.Fatalf("reclaim: lease=%v err=%v", current, err)
	}
	if current.Token == stale.Token {
		t.Fatalf("reclaimed lease reused token %q", stale.Token)
	}

	if err := q.Ack(ctx, stale); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost from stale ack, got %v", err)
	}
	if err := q.Retry(ctx, stale, time.Now()); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost from stale retry, got %v", err)
	}
	if err := q.DeadLetter(ctx, stale, 5, errors.New("late")); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost from stale dead letter, got %v", err)
	}
	if ok, err := q.ExtendLease(ctx, stale, time.Minute); err != nil || ok {
		t.Fatalf("stale lease extended: ok=%v err=%v", ok, err)
	}

	if ok, err := q.ExtendLease(ctx, current, time.Minute); err != nil || !ok {
		t.Fatalf("current lease not extendable: ok=%v err=%v", ok, err)
	}
	if err := q.Retry(ctx, current, time.Now()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if _, err := q.PromoteScheduled(ctx, time.Now().Add(time.Second), 10); err != nil {
		t.Fatalf("promote: %v", err)
	}
	next, err := q.Claim(ctx)
	if err != nil || next == nil {
		t.Fatalf("job lost after stale settle attempts: lease=%v err=%v", next, err)
	}
	if next.Job.KMZID != 7 || next.AttemptsMade != 1 {
		t.Fatalf("unexpected lease %+v", next)
	}
	counts, _ := q.Depth(ctx)
	if counts.DeadLetter != 0 || counts.Completed != 0 {
		t.Fatalf("stale lease settled the entry: %+v", counts)
	}
}

func TestInFlight(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	_, _ = q.Enqueue(ctx, models.Job{KMZID: 12}, Options{})

	if leased, err := q.InFlight(ctx, 12); err != nil || leased {
		t.Fatalf("ready entry reported in flight: %v %v", leased, err)
	}
	lease, _ := q.Claim(ctx)
	if leased, err := q.InFlight(ctx, 12); err != nil || !leased {
		t.Fatalf("claimed entry not in flight: %v %v", leased, err)
	}
	_ = q.Ack(ctx, lease)
	if leased, _ := q.InFlight(ctx, 12); leased {
		t.Fatalf("acked entry still in flight")
	}
}
