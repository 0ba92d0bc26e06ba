package cleanup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Unified-Projects/uni-status-sub002/internal/db"
	"github.com/Unified-Projects/uni-status-sub002/internal/dispatch"
	"github.com/Unified-Projects/uni-status-sub002/internal/queue"
	"github.com/Unified-Projects/uni-status-sub002/internal/repositories"
)

func TestMain(m *testing.M) {
	if err := db.InitEncryption([]byte("0123456789abcdef0123456789abcdef")); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

var testDBSeq atomic.Int64

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:cleanup_test_%d?mode=memory&cache=shared", testDBSeq.Add(1))
	database, err := db.New(db.Config{Driver: "sqlite", DSN: dsn, Logger: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(database) })
	return database
}

type retentionFixture struct {
	database *gorm.DB
	results  repositories.ResultRepository
	audit    repositories.AuditRepository
	orgs     repositories.OrgRepository
	probes   repositories.ProbeRepository
	queue    *queue.GormQueue
	svc      *Service
}

func newRetentionFixture(t *testing.T, retentionDays int) *retentionFixture {
	t.Helper()
	database := newTestDB(t)
	f := &retentionFixture{
		database: database,
		results:  repositories.NewResultRepository(database),
		audit:    repositories.NewAuditRepository(database),
		orgs:     repositories.NewOrgRepository(database),
		probes:   repositories.NewProbeRepository(database),
		queue:    queue.NewGormQueue(database, zap.NewNop(), "cleanup-test"),
	}
	f.svc = New(Config{
		Results:       f.results,
		Audit:         f.audit,
		Orgs:          f.orgs,
		Probes:        f.probes,
		Queue:         f.queue,
		RetentionDays: retentionDays,
		Logger:        zap.NewNop(),
	})
	return f
}

func (f *retentionFixture) seedResult(t *testing.T, age time.Duration) uuid.UUID {
	t.Helper()
	r := &db.CheckResult{MonitorID: uuid.New(), Region: "uk", Status: "success"}
	r.CreatedAt = time.Now().UTC().Add(-age)
	r.UpdatedAt = r.CreatedAt
	require.NoError(t, f.results.Create(context.Background(), r))
	return r.ID
}

func (f *retentionFixture) seedPing(t *testing.T, age time.Duration) {
	t.Helper()
	p := &db.HeartbeatPing{MonitorID: uuid.New(), Status: "complete"}
	p.CreatedAt = time.Now().UTC().Add(-age)
	p.UpdatedAt = p.CreatedAt
	require.NoError(t, f.results.CreatePing(context.Background(), p))
}

func (f *retentionFixture) seedAudit(t *testing.T, age time.Duration) {
	t.Helper()
	entry := &db.AuditLog{OrgID: uuid.New(), Action: "alert.triggered", Entity: "monitor"}
	entry.CreatedAt = time.Now().UTC().Add(-age)
	entry.UpdatedAt = entry.CreatedAt
	require.NoError(t, f.audit.Create(context.Background(), entry))
}

func (f *retentionFixture) seedSubscriber(t *testing.T, verified bool, age time.Duration) {
	t.Helper()
	sub := &db.StatusPageSubscriber{
		PageID:           uuid.New(),
		Email:            uuid.NewString() + "@example.com",
		EmailEnabled:     true,
		UnsubscribeToken: uuid.NewString(),
	}
	sub.CreatedAt = time.Now().UTC().Add(-age)
	sub.UpdatedAt = sub.CreatedAt
	if verified {
		at := sub.CreatedAt.Add(time.Hour)
		sub.VerifiedAt = &at
	}
	require.NoError(t, f.orgs.CreateSubscriber(context.Background(), sub))
}

func (f *retentionFixture) seedProbeJob(t *testing.T, status string, age time.Duration) {
	t.Helper()
	job := &db.ProbePendingJob{
		ProbeID:   uuid.New(),
		MonitorID: uuid.New(),
		JobData:   "{}",
		Status:    status,
		ExpiresAt: time.Now().UTC().Add(5 * time.Minute),
	}
	job.CreatedAt = time.Now().UTC().Add(-age)
	job.UpdatedAt = job.CreatedAt
	require.NoError(t, f.probes.CreatePendingJob(context.Background(), job))
}

func (f *retentionFixture) seedQueueJob(t *testing.T, status string, finishedAge time.Duration) {
	t.Helper()
	j := &db.QueueJob{
		Queue:       "checks:http",
		Payload:     "{}",
		Status:      status,
		MaxAttempts: 5,
		BackoffMs:   1000,
		RunAt:       time.Now().UTC(),
	}
	if status == "done" || status == "failed" {
		at := time.Now().UTC().Add(-finishedAge)
		j.FinishedAt = &at
	}
	require.NoError(t, f.database.Create(j).Error)
}

func (f *retentionFixture) count(t *testing.T, model interface{}) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.database.Model(model).Count(&n).Error)
	return n
}

func makeCleanupJob(t *testing.T) *queue.Job {
	t.Helper()
	raw, err := json.Marshal(dispatch.CleanupJob{TriggeredAt: time.Now().UTC()})
	require.NoError(t, err)
	return &queue.Job{
		ID: uuid.New(), Queue: dispatch.QueueCleanup, Payload: raw, Attempt: 1, MaxAttempts: 5,
	}
}

const day = 24 * time.Hour

func TestRetentionPassRemovesAgedRows(t *testing.T) {
	f := newRetentionFixture(t, 30)
	ctx := context.Background()

	keeper := f.seedResult(t, day)
	f.seedResult(t, 40*day)
	f.seedPing(t, day)
	f.seedPing(t, 40*day)

	// Audit rows live 180 days regardless of the tenant's retention setting.
	f.seedAudit(t, 170*day)
	f.seedAudit(t, 200*day)

	// Only stale unverified signups go; verified subscribers stay forever.
	f.seedSubscriber(t, false, 2*day)
	f.seedSubscriber(t, false, 8*day)
	f.seedSubscriber(t, true, 8*day)

	// Finished probe jobs age out after a day; pending ones are the
	// reaper's problem, not retention's.
	f.seedProbeJob(t, "completed", time.Hour)
	f.seedProbeJob(t, "completed", 48*time.Hour)
	f.seedProbeJob(t, "pending", 48*time.Hour)

	f.seedQueueJob(t, "done", time.Hour)
	f.seedQueueJob(t, "done", 48*time.Hour)
	f.seedQueueJob(t, "pending", 0)

	require.NoError(t, f.svc.Handle(ctx, makeCleanupJob(t)))

	assert.EqualValues(t, 1, f.count(t, &db.CheckResult{}))
	assert.EqualValues(t, 1, f.count(t, &db.HeartbeatPing{}))
	assert.EqualValues(t, 1, f.count(t, &db.AuditLog{}))
	assert.EqualValues(t, 2, f.count(t, &db.StatusPageSubscriber{}))
	assert.EqualValues(t, 2, f.count(t, &db.ProbePendingJob{}))
	assert.EqualValues(t, 2, f.count(t, &db.QueueJob{}))

	var remaining []db.CheckResult
	require.NoError(t, f.database.Find(&remaining).Error)
	require.Len(t, remaining, 1)
	assert.Equal(t, keeper, remaining[0].ID)
}

func TestRetentionDefaultsToNinetyDays(t *testing.T) {
	f := newRetentionFixture(t, 0)
	ctx := context.Background()

	keeper := f.seedResult(t, 80*day)
	f.seedResult(t, 100*day)

	require.NoError(t, f.svc.Handle(ctx, makeCleanupJob(t)))

	var remaining []db.CheckResult
	require.NoError(t, f.database.Find(&remaining).Error)
	require.Len(t, remaining, 1)
	assert.Equal(t, keeper, remaining[0].ID)
}

// failingResults breaks the check-result pass while leaving the rest of
// the repository intact.
type failingResults struct {
	repositories.ResultRepository
}

func (failingResults) DeleteOlderThan(context.Context, time.Time) (int64, error) {
	return 0, errors.New("results store is down")
}

func TestRetentionContinuesPastFailingPass(t *testing.T) {
	f := newRetentionFixture(t, 30)
	ctx := context.Background()

	svc := New(Config{
		Results:       failingResults{f.results},
		Audit:         f.audit,
		Orgs:          f.orgs,
		Probes:        f.probes,
		Queue:         f.queue,
		RetentionDays: 30,
		Logger:        zap.NewNop(),
	})

	f.seedAudit(t, 200*day)
	f.seedQueueJob(t, "done", 48*time.Hour)

	err := svc.Handle(ctx, makeCleanupJob(t))
	require.Error(t, err)
	assert.ErrorContains(t, err, "results store is down")

	// The later passes still ran.
	assert.EqualValues(t, 0, f.count(t, &db.AuditLog{}))
	assert.EqualValues(t, 0, f.count(t, &db.QueueJob{}))
}

func TestRetentionDropsMalformedJob(t *testing.T) {
	f := newRetentionFixture(t, 30)
	ctx := context.Background()

	f.seedAudit(t, 200*day)

	require.NoError(t, f.svc.Handle(ctx, &queue.Job{
		ID: uuid.New(), Queue: dispatch.QueueCleanup, Payload: []byte(`{"triggeredAt":`), Attempt: 1, MaxAttempts: 5,
	}))

	// The pass never started.
	assert.EqualValues(t, 1, f.count(t, &db.AuditLog{}))
}
