package queue

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Unified-Projects/uni-status-sub002/internal/db"
)

var testDBSeq atomic.Int64

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:queue_test_%d?mode=memory&cache=shared", testDBSeq.Add(1))
	database, err := db.New(db.Config{Driver: "sqlite", DSN: dsn, Logger: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(database) })
	return database
}

func newTestQueue(t *testing.T) *GormQueue {
	t.Helper()
	return NewGormQueue(newTestDB(t), zap.NewNop(), "test-worker")
}

func TestBackoffFor(t *testing.T) {
	tests := []struct {
		name    string
		base    time.Duration
		attempt int
		want    time.Duration
	}{
		{name: "first retry uses base", base: time.Second, attempt: 1, want: time.Second},
		{name: "second retry doubles", base: time.Second, attempt: 2, want: 2 * time.Second},
		{name: "third retry doubles again", base: time.Second, attempt: 3, want: 4 * time.Second},
		{name: "fifth retry", base: time.Second, attempt: 5, want: 16 * time.Second},
		{name: "growth is capped", base: time.Second, attempt: 30, want: 5 * time.Minute},
		{name: "zero base falls back to default", base: 0, attempt: 1, want: DefaultBackoff},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, backoffFor(tt.base, tt.attempt))
		})
	}
}

func TestEnqueueClaimComplete(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	type payload struct {
		MonitorID string `json:"monitorId"`
	}
	require.NoError(t, q.Enqueue(ctx, "checks:http", payload{MonitorID: "mon-1"}, Options{}))

	jobs, err := q.claim(ctx, "checks:http", 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, "checks:http", jobs[0].Queue)
	require.Equal(t, 1, jobs[0].Attempt)
	require.Equal(t, DefaultMaxAttempts, jobs[0].MaxAttempts)

	var got payload
	require.NoError(t, jobs[0].Decode(&got))
	require.Equal(t, "mon-1", got.MonitorID)

	// A claimed job is invisible to other claimers.
	again, err := q.claim(ctx, "checks:http", 10)
	require.NoError(t, err)
	require.Empty(t, again)

	require.NoError(t, q.complete(ctx, jobs[0].ID))

	var stored db.QueueJob
	require.NoError(t, q.db.First(&stored, "id = ?", jobs[0].ID).Error)
	require.Equal(t, "done", stored.Status)
	require.NotNil(t, stored.FinishedAt)
}

func TestEnqueueDedupeByJobKey(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	opts := Options{JobKey: "mon-1-1700000000000"}
	require.NoError(t, q.Enqueue(ctx, "checks:http", map[string]string{"n": "1"}, opts))
	require.NoError(t, q.Enqueue(ctx, "checks:http", map[string]string{"n": "2"}, opts))

	var count int64
	require.NoError(t, q.db.Model(&db.QueueJob{}).
		Where("queue = ?", "checks:http").Count(&count).Error)
	require.EqualValues(t, 1, count)

	// Different key, same queue: both rows land.
	require.NoError(t, q.Enqueue(ctx, "checks:http", map[string]string{"n": "3"}, Options{JobKey: "mon-2-1700000000000"}))
	require.NoError(t, q.db.Model(&db.QueueJob{}).
		Where("queue = ?", "checks:http").Count(&count).Error)
	require.EqualValues(t, 2, count)
}

func TestDedupeReleasedAfterCompletion(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	opts := Options{JobKey: "alert-a1-c1"}
	require.NoError(t, q.Enqueue(ctx, "notifications", "first", opts))

	jobs, err := q.claim(ctx, "notifications", 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.NoError(t, q.complete(ctx, jobs[0].ID))

	// Once the first job is finished the key may be reused.
	require.NoError(t, q.Enqueue(ctx, "notifications", "second", opts))

	var count int64
	require.NoError(t, q.db.Model(&db.QueueJob{}).
		Where("queue = ? AND job_key = ?", "notifications", opts.JobKey).Count(&count).Error)
	require.EqualValues(t, 2, count)
}

func TestDelayedJobNotClaimableEarly(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "maintenance", "later", Options{Delay: time.Hour}))

	jobs, err := q.claim(ctx, "maintenance", 10)
	require.NoError(t, err)
	require.Empty(t, jobs)
}

func TestRetrySchedulesBackoffThenFails(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "notifications", "n", Options{
		Attempts: 2,
		Backoff:  time.Hour,
	}))

	jobs, err := q.claim(ctx, "notifications", 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, 1, jobs[0].Attempt)
	require.False(t, jobs[0].Final())

	require.NoError(t, q.retry(ctx, jobs[0], fmt.Errorf("connection refused")))

	var stored db.QueueJob
	require.NoError(t, q.db.First(&stored, "id = ?", jobs[0].ID).Error)
	require.Equal(t, "pending", stored.Status)
	require.Equal(t, "connection refused", stored.LastError)
	require.True(t, stored.RunAt.After(time.Now().UTC().Add(30*time.Minute)),
		"run_at should be pushed out by the backoff")

	// Not claimable until run_at passes.
	jobs, err = q.claim(ctx, "notifications", 1)
	require.NoError(t, err)
	require.Empty(t, jobs)

	// Force the job due and burn the final attempt.
	require.NoError(t, q.db.Model(&db.QueueJob{}).
		Where("id = ?", stored.ID).
		Update("run_at", time.Now().UTC().Add(-time.Minute)).Error)

	jobs, err = q.claim(ctx, "notifications", 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, 2, jobs[0].Attempt)
	require.True(t, jobs[0].Final())

	require.NoError(t, q.retry(ctx, jobs[0], fmt.Errorf("still refused")))

	require.NoError(t, q.db.First(&stored, "id = ?", jobs[0].ID).Error)
	require.Equal(t, "failed", stored.Status)
	require.Equal(t, "still refused", stored.LastError)
	require.NotNil(t, stored.FinishedAt)
}

func TestRequeueStale(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "checks:http", "x", Options{}))
	jobs, err := q.claim(ctx, "checks:http", 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	// Fresh locks are left alone.
	n, err := q.RequeueStale(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0, n)

	// Age the lock past the TTL, as if the worker died mid-job.
	require.NoError(t, q.db.Model(&db.QueueJob{}).
		Where("id = ?", jobs[0].ID).
		Update("locked_at", time.Now().UTC().Add(-q.lockTTL-time.Minute)).Error)

	n, err = q.RequeueStale(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	jobs, err = q.claim(ctx, "checks:http", 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, 2, jobs[0].Attempt, "redelivery counts as a new attempt")
}

func TestTrimFinished(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "cleanup", "old", Options{}))
	jobs, err := q.claim(ctx, "cleanup", 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.NoError(t, q.complete(ctx, jobs[0].ID))

	require.NoError(t, q.db.Model(&db.QueueJob{}).
		Where("id = ?", jobs[0].ID).
		Update("finished_at", time.Now().UTC().Add(-48*time.Hour)).Error)

	removed, err := q.TrimFinished(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.EqualValues(t, 1, removed)

	var count int64
	require.NoError(t, q.db.Model(&db.QueueJob{}).Count(&count).Error)
	require.EqualValues(t, 0, count)
}

func TestRegistryRunsHandlers(t *testing.T) {
	q := newTestQueue(t)
	reg := NewRegistry(q, zap.NewNop())
	reg.pollInterval = 10 * time.Millisecond
	reg.reapInterval = time.Hour

	received := make(chan string, 2)
	reg.Bind("checks:http", 2, func(ctx context.Context, job *Job) error {
		var s string
		if err := job.Decode(&s); err != nil {
			return err
		}
		received <- s
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- reg.Run(ctx) }()

	require.NoError(t, reg.Enqueue(ctx, "checks:http", "a", Options{}))
	require.NoError(t, reg.Enqueue(ctx, "checks:http", "b", Options{}))

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case s := <-received:
			got[s] = true
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for jobs")
		}
	}
	require.True(t, got["a"])
	require.True(t, got["b"])

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("registry did not stop")
	}
}

func TestRegistryRecoversFromPanic(t *testing.T) {
	q := newTestQueue(t)
	reg := NewRegistry(q, zap.NewNop())
	reg.pollInterval = 10 * time.Millisecond
	reg.reapInterval = time.Hour

	calls := make(chan int, 4)
	reg.Bind("flaky", 1, func(ctx context.Context, job *Job) error {
		calls <- job.Attempt
		if job.Attempt == 1 {
			panic("boom")
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = reg.Run(ctx) }()

	require.NoError(t, reg.Enqueue(ctx, "flaky", "x", Options{Attempts: 3, Backoff: time.Millisecond}))

	var attempts []int
	for len(attempts) < 2 {
		select {
		case a := <-calls:
			attempts = append(attempts, a)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out, saw attempts %v", attempts)
		}
	}
	require.Equal(t, []int{1, 2}, attempts)
}
