//go:build integration
// +build integration

package tests

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nmang004/thecommons-sub001/internal/config"
	"github.com/nmang004/thecommons-sub001/internal/job"
	"github.com/nmang004/thecommons-sub001/internal/log"
	"github.com/nmang004/thecommons-sub001/internal/queue"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func setupTestRedis(ctx context.Context, t *testing.T) (string, func()) {
	t.Helper()
	if addr := os.Getenv("TEST_REDIS_ADDR"); addr != "" {
		return addr, func() {}
	}
	redisContainer, err := tcRedis.RunContainer(ctx, testcontainers.WithImage("redis:7"))
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}
	redisAddr, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("failed to get redis endpoint: %v", err)
	}
	return redisAddr, func() { redisContainer.Terminate(ctx) }
}

func testConfig() *config.Config {
	return &config.Config{
		DispatchInterval:   50 * time.Millisecond,
		PromoteInterval:    100 * time.Millisecond,
		DispatchBatchSize:  10,
		PromoteBatchSize:   100,
		DefaultMaxAttempts: 3,
		RetentionDays:      7,
		HandlerTimeout:     5 * time.Second,
		WorkerID:           "it-worker",
		JWTSecret:          "super-secret-test-key",
	}
}

func newTestService(t *testing.T, addr string, db int) (*queue.Service, *redis.Client) {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := rdb.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("flush redis: %v", err)
	}
	return queue.New(rdb, testConfig(), log.NewLogger(), nil, nil), rdb
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestExactlyOnceProcessingAcrossWorkers(t *testing.T) {
	ctx := context.Background()
	addr, cleanup := setupTestRedis(ctx, t)
	defer cleanup()

	// Two services against the same store; the atomic ZREM claim must give
	// each job to exactly one of them.
	q1, _ := newTestService(t, addr, 1)
	defer q1.Close()
	rdb2 := redis.NewClient(&redis.Options{Addr: addr, DB: 1})
	q2 := queue.New(rdb2, testConfig(), log.NewLogger(), nil, nil)
	defer q2.Close()

	var counts sync.Map
	handler := func(_ context.Context, j *job.Job) error {
		v, _ := counts.LoadOrStore(j.ID, new(int64))
		atomic.AddInt64(v.(*int64), 1)
		return nil
	}
	q1.RegisterProcessor("race.test", handler)
	q2.RegisterProcessor("race.test", handler)

	const n = 50
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id, err := q1.AddJob(ctx, "race.test", json.RawMessage(`{}`), job.Options{})
		if err != nil {
			t.Fatalf("add job: %v", err)
		}
		ids = append(ids, id)
	}

	q1.StartWorker()
	q2.StartWorker()

	waitFor(t, 10*time.Second, func() bool {
		stats, err := q1.Stats(ctx)
		return err == nil && stats.Completed == n
	}, "all jobs completed")

	for _, id := range ids {
		v, ok := counts.Load(id)
		if !ok {
			t.Errorf("job %s never processed", id)
			continue
		}
		if got := atomic.LoadInt64(v.(*int64)); got != 1 {
			t.Errorf("job %s processed %d times, want exactly 1", id, got)
		}
	}
}

func TestPriorityOrdering(t *testing.T) {
	ctx := context.Background()
	addr, cleanup := setupTestRedis(ctx, t)
	defer cleanup()

	q, _ := newTestService(t, addr, 2)
	defer q.Close()

	var mu sync.Mutex
	var order []int
	q.RegisterProcessor("prio.test", func(_ context.Context, j *job.Job) error {
		var p struct {
			Priority int `json:"priority"`
		}
		json.Unmarshal(j.Payload, &p)
		mu.Lock()
		order = append(order, p.Priority)
		mu.Unlock()
		return nil
	})

	for _, prio := range []int{5, 1, 9} {
		payload, _ := json.Marshal(map[string]int{"priority": prio})
		if _, err := q.AddJob(ctx, "prio.test", payload, job.Options{Priority: prio}); err != nil {
			t.Fatalf("add job: %v", err)
		}
	}

	q.StartWorker()
	waitFor(t, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, "all jobs processed")

	mu.Lock()
	defer mu.Unlock()
	if order[0] != 9 {
		t.Errorf("first processed priority %d, want 9 (order %v)", order[0], order)
	}
	if order[1] != 5 || order[2] != 1 {
		t.Errorf("got order %v, want [9 5 1]", order)
	}
}

func TestRetryThenExhaustion(t *testing.T) {
	ctx := context.Background()
	addr, cleanup := setupTestRedis(ctx, t)
	defer cleanup()

	q, _ := newTestService(t, addr, 3)
	defer q.Close()

	var attempts int64
	q.RegisterProcessor("fail.test", func(_ context.Context, j *job.Job) error {
		atomic.AddInt64(&attempts, 1)
		return fmt.Errorf("smtp unavailable")
	})

	id, err := q.AddJob(ctx, "fail.test", json.RawMessage(`{}`), job.Options{
		MaxAttempts: 2,
		Backoff: &job.Backoff{
			Type:     job.BackoffFixed,
			Settings: job.BackoffSettings{Delay: 50},
		},
	})
	if err != nil {
		t.Fatalf("add job: %v", err)
	}

	q.StartWorker()
	waitFor(t, 10*time.Second, func() bool {
		stats, err := q.Stats(ctx)
		return err == nil && stats.Failed == 1
	}, "job to fail terminally")

	if got := atomic.LoadInt64(&attempts); got != 2 {
		t.Errorf("handler ran %d times, want 2", got)
	}

	failed, err := q.FailedJobs(ctx, 10)
	if err != nil {
		t.Fatalf("failed jobs: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != id {
		t.Fatalf("expected failed job %s, got %v", id, failed)
	}
	if failed[0].Attempts != 2 {
		t.Errorf("recorded attempts %d, want 2", failed[0].Attempts)
	}
	if failed[0].LastError == "" {
		t.Error("last error not preserved")
	}

	stats, _ := q.Stats(ctx)
	if stats.Scheduled != 0 {
		t.Errorf("exhausted job still scheduled: %+v", stats)
	}
}

func TestScheduledPromotion(t *testing.T) {
	ctx := context.Background()
	addr, cleanup := setupTestRedis(ctx, t)
	defer cleanup()

	q, _ := newTestService(t, addr, 4)
	defer q.Close()

	done := make(chan struct{})
	q.RegisterProcessor("delayed.test", func(_ context.Context, j *job.Job) error {
		close(done)
		return nil
	})

	if _, err := q.AddJob(ctx, "delayed.test", json.RawMessage(`{}`), job.Options{
		Delay: 300 * time.Millisecond,
	}); err != nil {
		t.Fatalf("add job: %v", err)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Ready != 0 || stats.Scheduled != 1 {
		t.Fatalf("delayed job should start scheduled, got %+v", stats)
	}

	q.StartWorker()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("delayed job never ran")
	}

	waitFor(t, 2*time.Second, func() bool {
		stats, err := q.Stats(ctx)
		return err == nil && stats.Scheduled == 0 && stats.Completed == 1
	}, "scheduled index drained")
}

func TestStartWorkerIdempotent(t *testing.T) {
	ctx := context.Background()
	addr, cleanup := setupTestRedis(ctx, t)
	defer cleanup()

	q, _ := newTestService(t, addr, 5)
	defer q.Close()

	var runs int64
	q.RegisterProcessor("once.test", func(_ context.Context, j *job.Job) error {
		atomic.AddInt64(&runs, 1)
		return nil
	})

	q.StartWorker()
	q.StartWorker() // no-op

	if _, err := q.AddJob(ctx, "once.test", json.RawMessage(`{}`), job.Options{}); err != nil {
		t.Fatalf("add job: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		return atomic.LoadInt64(&runs) >= 1
	}, "job processed")
	time.Sleep(300 * time.Millisecond)

	if got := atomic.LoadInt64(&runs); got != 1 {
		t.Errorf("job processed %d times after double start, want 1", got)
	}

	q.StopWorker()
	q.StopWorker() // no-op
}

func TestCleanupBoundary(t *testing.T) {
	ctx := context.Background()
	addr, cleanup := setupTestRedis(ctx, t)
	defer cleanup()

	q, rdb := newTestService(t, addr, 6)
	defer q.Close()

	now := time.Now()
	eightDaysAgo := float64(now.AddDate(0, 0, -8).UnixMilli())
	sixDaysAgo := float64(now.AddDate(0, 0, -6).UnixMilli())

	if err := rdb.ZAdd(ctx, "jobs:completed",
		redis.Z{Score: eightDaysAgo, Member: "old-job"},
		redis.Z{Score: sixDaysAgo, Member: "recent-job"},
	).Err(); err != nil {
		t.Fatalf("seed completed index: %v", err)
	}

	removed, err := q.Cleanup(ctx, 7)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed %d entries, want 1", removed)
	}

	members, err := rdb.ZRange(ctx, "jobs:completed", 0, -1).Result()
	if err != nil {
		t.Fatalf("read completed index: %v", err)
	}
	if len(members) != 1 || members[0] != "recent-job" {
		t.Errorf("got %v, want only recent-job retained", members)
	}
}

func TestMissingProcessorIsTerminal(t *testing.T) {
	ctx := context.Background()
	addr, cleanup := setupTestRedis(ctx, t)
	defer cleanup()

	q, _ := newTestService(t, addr, 7)
	defer q.Close()

	id, err := q.AddJob(ctx, "unregistered.type", json.RawMessage(`{}`), job.Options{})
	if err != nil {
		t.Fatalf("add job: %v", err)
	}

	q.StartWorker()
	waitFor(t, 5*time.Second, func() bool {
		stats, err := q.Stats(ctx)
		return err == nil && stats.Failed == 1
	}, "job to fail")

	failed, err := q.FailedJobs(ctx, 10)
	if err != nil {
		t.Fatalf("failed jobs: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != id {
		t.Fatalf("expected failed job %s, got %v", id, failed)
	}
	if failed[0].Attempts != 1 {
		t.Errorf("attempts %d, want 1 (no retries for missing processor)", failed[0].Attempts)
	}

	stats, _ := q.Stats(ctx)
	if stats.Scheduled != 0 {
		t.Errorf("missing-processor job must never be rescheduled: %+v", stats)
	}
}

func TestPanicContainment(t *testing.T) {
	ctx := context.Background()
	addr, cleanup := setupTestRedis(ctx, t)
	defer cleanup()

	q, _ := newTestService(t, addr, 8)
	defer q.Close()

	q.RegisterProcessor("panic.test", func(_ context.Context, j *job.Job) error {
		panic("handler blew up")
	})

	if _, err := q.AddJob(ctx, "panic.test", json.RawMessage(`{}`), job.Options{
		MaxAttempts: 1,
	}); err != nil {
		t.Fatalf("add job: %v", err)
	}

	q.StartWorker()
	waitFor(t, 5*time.Second, func() bool {
		stats, err := q.Stats(ctx)
		return err == nil && stats.Failed == 1
	}, "panicking job recorded as failed")

	failed, err := q.FailedJobs(ctx, 1)
	if err != nil || len(failed) != 1 {
		t.Fatalf("failed jobs: %v %v", failed, err)
	}
	if failed[0].LastError == "" {
		t.Error("panic message not preserved as last error")
	}
}
