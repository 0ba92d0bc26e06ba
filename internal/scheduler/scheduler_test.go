package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Unified-Projects/uni-status-sub002/internal/checks"
	"github.com/Unified-Projects/uni-status-sub002/internal/db"
	"github.com/Unified-Projects/uni-status-sub002/internal/dispatch"
	"github.com/Unified-Projects/uni-status-sub002/internal/queue"
	"github.com/Unified-Projects/uni-status-sub002/internal/repositories"
)

var testDBSeq atomic.Int64

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:scheduler_test_%d?mode=memory&cache=shared", testDBSeq.Add(1))
	database, err := db.New(db.Config{Driver: "sqlite", DSN: dsn, Logger: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(database) })
	return database
}

type enqueueCall struct {
	Queue   string
	Payload interface{}
	Opts    queue.Options
}

// recordingEnqueuer captures Enqueue calls instead of writing queue rows.
type recordingEnqueuer struct {
	mu    sync.Mutex
	calls []enqueueCall
	err   error
}

func (e *recordingEnqueuer) Enqueue(_ context.Context, queueName string, payload interface{}, opts queue.Options) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.calls = append(e.calls, enqueueCall{Queue: queueName, Payload: payload, Opts: opts})
	return nil
}

func (e *recordingEnqueuer) byQueue(queueName string) []enqueueCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []enqueueCall
	for _, c := range e.calls {
		if c.Queue == queueName {
			out = append(out, c)
		}
	}
	return out
}

type fixture struct {
	db       *gorm.DB
	monitors repositories.MonitorRepository
	results  repositories.ResultRepository
	maint    repositories.MaintenanceRepository
	probes   repositories.ProbeRepository
	reports  repositories.ReportRepository
	enq      *recordingEnqueuer
	sched    *Scheduler
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database := newTestDB(t)
	f := &fixture{
		db:       database,
		monitors: repositories.NewMonitorRepository(database),
		results:  repositories.NewResultRepository(database),
		maint:    repositories.NewMaintenanceRepository(database),
		probes:   repositories.NewProbeRepository(database),
		reports:  repositories.NewReportRepository(database),
		enq:      &recordingEnqueuer{},
		now:      time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC),
	}

	s, err := New(Deps{
		Monitors:    f.monitors,
		Results:     f.results,
		Maintenance: f.maint,
		Probes:      f.probes,
		Reports:     f.reports,
		Queue:       f.enq,
	}, Config{Region: "uk"}, zap.NewNop())
	require.NoError(t, err)
	s.now = func() time.Time { return f.now }
	f.sched = s
	return f
}

func (f *fixture) seedMonitor(t *testing.T, mutate func(*db.Monitor)) *db.Monitor {
	t.Helper()
	due := f.now.Add(-time.Minute)
	m := &db.Monitor{
		OrgID:           uuid.New(),
		Name:            "api",
		Type:            checks.TypeHTTP,
		URL:             "https://api.example.com/health",
		Method:          "GET",
		Headers:         "{}",
		Assertions:      "[]",
		Config:          "{}",
		Regions:         "[]",
		IntervalSeconds: 60,
		TimeoutMs:       5000,
		Status:          "active",
		NextCheckAt:     &due,
	}
	if mutate != nil {
		mutate(m)
	}
	require.NoError(t, f.monitors.Create(context.Background(), m))
	return m
}

func TestPollDispatchesDueMonitor(t *testing.T) {
	f := newFixture(t)
	m := f.seedMonitor(t, nil)

	f.sched.pollDueMonitors(context.Background())

	calls := f.enq.byQueue(dispatch.QueueHTTP)
	require.Len(t, calls, 1)
	in, ok := calls[0].Payload.(*checks.Input)
	require.True(t, ok, "payload should be a check input")
	assert.Equal(t, m.ID.String(), in.MonitorID)
	assert.Equal(t, "uk", in.Region)
	assert.Equal(t, dispatch.JobKey(m.ID, f.now), calls[0].Opts.JobKey)

	stored, err := f.monitors.GetByID(context.Background(), m.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.NextCheckAt)
	assert.WithinDuration(t, f.now.Add(time.Minute), *stored.NextCheckAt, time.Second)
	require.NotNil(t, stored.LastCheckedAt)
	assert.WithinDuration(t, f.now, *stored.LastCheckedAt, time.Second)
}

func TestPollSkipsNotDueAndPaused(t *testing.T) {
	f := newFixture(t)
	f.seedMonitor(t, func(m *db.Monitor) {
		later := f.now.Add(time.Hour)
		m.NextCheckAt = &later
	})
	f.seedMonitor(t, func(m *db.Monitor) {
		m.Paused = true
	})

	f.sched.pollDueMonitors(context.Background())
	assert.Empty(t, f.enq.calls)
}

func TestPollSkipsSSLMonitors(t *testing.T) {
	f := newFixture(t)
	f.seedMonitor(t, func(m *db.Monitor) {
		m.Type = checks.TypeSSL
		m.URL = "example.com"
	})

	f.sched.pollDueMonitors(context.Background())
	assert.Empty(t, f.enq.calls, "ssl monitors run on the certificate sweep only")
}

func TestPollSkipsMonitorsInMaintenance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.seedMonitor(t, nil)
	before := *m.NextCheckAt

	w := &db.MaintenanceWindow{
		OrgID:    m.OrgID,
		Name:     "planned work",
		StartsAt: f.now.Add(-time.Hour),
		EndsAt:   f.now.Add(time.Hour),
	}
	require.NoError(t, f.maint.Create(ctx, w))
	require.NoError(t, f.maint.AddMonitor(ctx, w.ID, m.ID))

	f.sched.pollDueMonitors(ctx)

	assert.Empty(t, f.enq.calls)
	stored, err := f.monitors.GetByID(ctx, m.ID)
	require.NoError(t, err)
	// The schedule must stay stale so the monitor becomes due the moment
	// the window ends.
	assert.WithinDuration(t, before, *stored.NextCheckAt, time.Second)
}

func TestPassiveMonitorAdvancesWithoutJob(t *testing.T) {
	f := newFixture(t)
	m := f.seedMonitor(t, func(m *db.Monitor) {
		m.Type = checks.TypePrometheusRemoteWrite
		m.IntervalSeconds = 120
	})

	f.sched.pollDueMonitors(context.Background())

	assert.Empty(t, f.enq.calls)
	stored, err := f.monitors.GetByID(context.Background(), m.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, f.now.Add(2*time.Minute), *stored.NextCheckAt, time.Second)
}

func TestPollRoutesAssignedMonitorToProbe(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.seedMonitor(t, nil)

	probe := &db.Probe{OrgID: m.OrgID, Name: "probe-fra", Region: "eu", TokenHash: "h1", Status: "active"}
	require.NoError(t, f.probes.Create(ctx, probe))
	require.NoError(t, f.probes.CreateAssignment(ctx, &db.ProbeAssignment{ProbeID: probe.ID, MonitorID: m.ID}))

	f.sched.pollDueMonitors(ctx)

	assert.Empty(t, f.enq.calls, "assigned monitors bypass the local queues")

	var jobs []db.ProbePendingJob
	require.NoError(t, f.db.Find(&jobs).Error)
	require.Len(t, jobs, 1)
	assert.Equal(t, probe.ID, jobs[0].ProbeID)
	assert.Equal(t, m.ID, jobs[0].MonitorID)
	assert.Equal(t, "pending", jobs[0].Status)
	assert.WithinDuration(t, f.now.Add(5*time.Minute), jobs[0].ExpiresAt, time.Second)

	in, err := dispatch.DecodeJob([]byte(jobs[0].JobData))
	require.NoError(t, err)
	assert.Equal(t, m.ID.String(), in.MonitorID)
	assert.Empty(t, in.Region, "region is stamped at claim time")

	stored, err := f.monitors.GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, f.now.Add(time.Minute), *stored.NextCheckAt, time.Second)
}

func TestProbeFanOutSkipsOfflineProbes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.seedMonitor(t, nil)

	active := &db.Probe{OrgID: m.OrgID, Name: "up", Region: "eu", TokenHash: "h-up", Status: "active"}
	offline := &db.Probe{OrgID: m.OrgID, Name: "down", Region: "us", TokenHash: "h-down", Status: "offline"}
	require.NoError(t, f.probes.Create(ctx, active))
	require.NoError(t, f.probes.Create(ctx, offline))
	require.NoError(t, f.probes.CreateAssignment(ctx, &db.ProbeAssignment{ProbeID: active.ID, MonitorID: m.ID}))
	require.NoError(t, f.probes.CreateAssignment(ctx, &db.ProbeAssignment{ProbeID: offline.ID, MonitorID: m.ID}))

	f.sched.pollDueMonitors(ctx)

	var jobs []db.ProbePendingJob
	require.NoError(t, f.db.Find(&jobs).Error)
	require.Len(t, jobs, 1)
	assert.Equal(t, active.ID, jobs[0].ProbeID)
}

func TestAllProbesOfflineStillAdvancesSchedule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.seedMonitor(t, nil)

	offline := &db.Probe{OrgID: m.OrgID, Name: "down", Region: "us", TokenHash: "h-d", Status: "offline"}
	require.NoError(t, f.probes.Create(ctx, offline))
	require.NoError(t, f.probes.CreateAssignment(ctx, &db.ProbeAssignment{ProbeID: offline.ID, MonitorID: m.ID}))

	f.sched.pollDueMonitors(ctx)

	var count int64
	require.NoError(t, f.db.Model(&db.ProbePendingJob{}).Count(&count).Error)
	assert.Zero(t, count)

	stored, err := f.monitors.GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, f.now.Add(time.Minute), *stored.NextCheckAt, time.Second,
		"schedule advances even with no eligible probe, preventing a hot loop")
}

func TestExclusiveProbeWinsEvenWhileOffline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.seedMonitor(t, nil)

	exclusive := &db.Probe{OrgID: m.OrgID, Name: "edge", Region: "eu", TokenHash: "h-x", Status: "offline"}
	active := &db.Probe{OrgID: m.OrgID, Name: "shared", Region: "us", TokenHash: "h-a", Status: "active"}
	require.NoError(t, f.probes.Create(ctx, exclusive))
	require.NoError(t, f.probes.Create(ctx, active))
	require.NoError(t, f.probes.CreateAssignment(ctx, &db.ProbeAssignment{ProbeID: exclusive.ID, MonitorID: m.ID, Exclusive: true, Priority: 1}))
	require.NoError(t, f.probes.CreateAssignment(ctx, &db.ProbeAssignment{ProbeID: active.ID, MonitorID: m.ID, Priority: 2}))

	f.sched.pollDueMonitors(ctx)

	var jobs []db.ProbePendingJob
	require.NoError(t, f.db.Find(&jobs).Error)
	require.Len(t, jobs, 1)
	assert.Equal(t, exclusive.ID, jobs[0].ProbeID,
		"the job waits for the exclusive probe instead of leaking to others")
}

func TestEnqueueFailureLeavesScheduleForRetry(t *testing.T) {
	f := newFixture(t)
	m := f.seedMonitor(t, nil)
	before := *m.NextCheckAt
	f.enq.err = errors.New("queue unavailable")

	f.sched.pollDueMonitors(context.Background())

	stored, err := f.monitors.GetByID(context.Background(), m.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, before, *stored.NextCheckAt, time.Second,
		"a failed enqueue must be retried on the next tick")
}

func TestCTMonitorCarriesPriorBaseline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.seedMonitor(t, func(m *db.Monitor) {
		m.Type = checks.TypeCT
		m.URL = "example.com"
	})

	payload, err := json.Marshal(map[string]interface{}{"ctLogIds": []int64{100, 101}})
	require.NoError(t, err)
	require.NoError(t, f.results.Create(ctx, &db.CheckResult{
		MonitorID: m.ID,
		Region:    "uk",
		Status:    checks.StatusSuccess,
		Payload:   string(payload),
	}))

	f.sched.pollDueMonitors(ctx)

	calls := f.enq.byQueue(dispatch.QueueSSL)
	require.Len(t, calls, 1)
	in := calls[0].Payload.(*checks.Input)
	assert.Equal(t, []int64{100, 101}, in.PriorCTLogIDs)
}

func TestCTMonitorFirstRunHasNilBaseline(t *testing.T) {
	f := newFixture(t)
	f.seedMonitor(t, func(m *db.Monitor) {
		m.Type = checks.TypeCT
		m.URL = "example.com"
	})

	f.sched.pollDueMonitors(context.Background())

	calls := f.enq.byQueue(dispatch.QueueSSL)
	require.Len(t, calls, 1)
	in := calls[0].Payload.(*checks.Input)
	assert.Nil(t, in.PriorCTLogIDs)
}

func TestSweepCertificates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sslMon := f.seedMonitor(t, func(m *db.Monitor) {
		m.Type = checks.TypeSSL
		m.URL = "example.com"
	})
	httpsMon := f.seedMonitor(t, func(m *db.Monitor) {
		m.URL = "https://shop.example.com"
	})
	ctOptIn := f.seedMonitor(t, func(m *db.Monitor) {
		m.URL = "https://blog.example.com"
		m.Config = `{"checkCt":true}`
	})
	optedOut := f.seedMonitor(t, func(m *db.Monitor) {
		m.URL = "https://internal.example.com"
		m.Config = `{"checkCertificate":false}`
	})
	plainHTTP := f.seedMonitor(t, func(m *db.Monitor) {
		m.URL = "http://legacy.example.com"
	})

	f.sched.sweepCertificates(ctx)

	sslJobs := map[string]string{} // monitorID -> type
	for _, c := range f.enq.byQueue(dispatch.QueueSSL) {
		in := c.Payload.(*checks.Input)
		sslJobs[in.MonitorID+"/"+in.Type] = c.Opts.JobKey
	}

	assert.Contains(t, sslJobs, sslMon.ID.String()+"/"+checks.TypeSSL)
	assert.Contains(t, sslJobs, httpsMon.ID.String()+"/"+checks.TypeSSL)
	assert.Contains(t, sslJobs, ctOptIn.ID.String()+"/"+checks.TypeSSL)
	assert.Contains(t, sslJobs, ctOptIn.ID.String()+"/"+checks.TypeCT)
	assert.NotContains(t, sslJobs, optedOut.ID.String()+"/"+checks.TypeSSL)
	assert.NotContains(t, sslJobs, plainHTTP.ID.String()+"/"+checks.TypeSSL)

	// ssl monitors get their schedule stamped by the sweep.
	stored, err := f.monitors.GetByID(ctx, sslMon.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, f.now.Add(24*time.Hour), *stored.NextCheckAt, time.Second)
}

func TestEnqueueHourlyRollups(t *testing.T) {
	f := newFixture(t)
	m1 := f.seedMonitor(t, nil)
	m2 := f.seedMonitor(t, nil)
	f.seedMonitor(t, func(m *db.Monitor) { m.Paused = true })

	f.sched.enqueueHourlyRollups(context.Background())

	calls := f.enq.byQueue(dispatch.QueueAggregation)
	require.Len(t, calls, 2)

	wantBucket := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	seen := map[string]bool{}
	for _, c := range calls {
		job := c.Payload.(dispatch.HourlyRollupJob)
		assert.True(t, job.BucketStart.Equal(wantBucket), "bucket should be the previous complete hour")
		assert.Equal(t, fmt.Sprintf("hourly-%s-%d", job.MonitorID, wantBucket.Unix()), c.Opts.JobKey)
		seen[job.MonitorID] = true
	}
	assert.True(t, seen[m1.ID.String()])
	assert.True(t, seen[m2.ID.String()])
}

func TestEnqueueDailyRollups(t *testing.T) {
	f := newFixture(t)
	m := f.seedMonitor(t, nil)

	f.sched.enqueueDailyRollups(context.Background())

	calls := f.enq.byQueue(dispatch.QueueAggregation)
	require.Len(t, calls, 1)
	job := calls[0].Payload.(dispatch.DailyRollupJob)
	assert.Equal(t, m.ID.String(), job.MonitorID)
	assert.Equal(t, "2026-03-13", job.Date)
	assert.Equal(t, fmt.Sprintf("daily-%s-2026-03-13", m.ID), calls[0].Opts.JobKey)
}

func TestScanReports(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	lastRun := f.now.Add(-2 * time.Hour)
	due := &db.ReportConfig{OrgID: uuid.New(), Name: "weekly uptime", Schedule: "0 * * * *", ChannelID: uuid.New(), Enabled: true, LastRunAt: &lastRun}
	require.NoError(t, f.reports.Create(ctx, due))

	recent := f.now.Add(-10 * time.Minute)
	notDue := &db.ReportConfig{OrgID: uuid.New(), Name: "hourly", Schedule: "0 * * * *", ChannelID: uuid.New(), Enabled: true, LastRunAt: &recent}
	require.NoError(t, f.reports.Create(ctx, notDue))

	broken := &db.ReportConfig{OrgID: uuid.New(), Name: "bad", Schedule: "not-cron", ChannelID: uuid.New(), Enabled: true}
	require.NoError(t, f.reports.Create(ctx, broken))

	f.sched.scanReports(ctx)

	calls := f.enq.byQueue(dispatch.QueueReports)
	require.Len(t, calls, 1)
	job := calls[0].Payload.(dispatch.ReportJob)
	assert.Equal(t, due.ID.String(), job.ReportID)

	var stored db.ReportConfig
	require.NoError(t, f.db.First(&stored, "id = ?", due.ID).Error)
	require.NotNil(t, stored.LastRunAt)
	assert.WithinDuration(t, f.now, *stored.LastRunAt, time.Second)
}

func TestEnqueueCleanup(t *testing.T) {
	f := newFixture(t)

	f.sched.enqueueCleanup(context.Background())

	calls := f.enq.byQueue(dispatch.QueueCleanup)
	require.Len(t, calls, 1)
	assert.Equal(t, "cleanup-2026-03-14", calls[0].Opts.JobKey)
}

type recordingNotifier struct{ scans []time.Time }

func (n *recordingNotifier) Scan(_ context.Context, now time.Time) error {
	n.scans = append(n.scans, now)
	return nil
}

type recordingSweeper struct{ sweeps []time.Time }

func (s *recordingSweeper) Sweep(_ context.Context, now time.Time) error {
	s.sweeps = append(s.sweeps, now)
	return nil
}

func TestTimerDelegation(t *testing.T) {
	f := newFixture(t)
	notifier := &recordingNotifier{}
	sweeper := &recordingSweeper{}
	f.sched.deps.Notifier = notifier
	f.sched.deps.Sweeper = sweeper

	f.sched.scanMaintenance(context.Background())
	f.sched.sweepProbes(context.Background())

	require.Len(t, notifier.scans, 1)
	assert.True(t, notifier.scans[0].Equal(f.now))
	require.Len(t, sweeper.sweeps, 1)
	assert.True(t, sweeper.sweeps[0].Equal(f.now))
}

func TestStartAndStop(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.sched.Start())
	require.NoError(t, f.sched.Stop())
}
