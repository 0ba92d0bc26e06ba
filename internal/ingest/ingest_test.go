package ingest

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
	"github.com/Unified-Projects/uni-status-sub002/internal/events"
	"github.com/Unified-Projects/uni-status-sub002/internal/repositories"
)

var testDBSeq atomic.Int64

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:ingest_test_%d?mode=memory&cache=shared", testDBSeq.Add(1))
	database, err := db.New(db.Config{Driver: "sqlite", DSN: dsn, Logger: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(database) })
	return database
}

// recordingEvaluator captures Evaluate calls.
type recordingEvaluator struct {
	mu      sync.Mutex
	samples []Sample
	err     error
}

func (e *recordingEvaluator) Evaluate(_ context.Context, s Sample) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.samples = append(e.samples, s)
	return e.err
}

func (e *recordingEvaluator) all() []Sample {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Sample(nil), e.samples...)
}

// recordingPublisher captures hub publishes.
type recordingPublisher struct {
	mu       sync.Mutex
	messages []events.Message
}

func (p *recordingPublisher) Publish(_ string, msg events.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
}

func (p *recordingPublisher) byType(eventType string) []events.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Message
	for _, m := range p.messages {
		if m.Type == eventType {
			out = append(out, m)
		}
	}
	return out
}

type fixture struct {
	db        *gorm.DB
	monitors  repositories.MonitorRepository
	results   repositories.ResultRepository
	incidents repositories.IncidentRepository
	audit     repositories.AuditRepository
	eval      *recordingEvaluator
	hub       *recordingPublisher
	svc       *Service
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database := newTestDB(t)
	f := &fixture{
		db:        database,
		monitors:  repositories.NewMonitorRepository(database),
		results:   repositories.NewResultRepository(database),
		incidents: repositories.NewIncidentRepository(database),
		audit:     repositories.NewAuditRepository(database),
		eval:      &recordingEvaluator{},
		hub:       &recordingPublisher{},
		now:       time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC),
	}
	f.svc = New(Deps{
		Monitors:  f.monitors,
		Results:   f.results,
		Incidents: f.incidents,
		Audit:     f.audit,
		Evaluator: f.eval,
		Hub:       f.hub,
	}, zap.NewNop())
	f.svc.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) seedMonitor(t *testing.T, mutate func(*db.Monitor)) *db.Monitor {
	t.Helper()
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
	}
	if mutate != nil {
		mutate(m)
	}
	require.NoError(t, f.monitors.Create(context.Background(), m))
	return m
}

func checkInput(m *db.Monitor) *checks.Input {
	return &checks.Input{
		MonitorID: m.ID.String(),
		OrgID:     m.OrgID.String(),
		Type:      m.Type,
		URL:       m.URL,
		Region:    "uk",
	}
}

func TestIngestPersistsResult(t *testing.T) {
	f := newFixture(t)
	m := f.seedMonitor(t, nil)
	ctx := context.Background()

	out := checks.Success(240 * time.Millisecond)
	code := 200
	out.StatusCode = &code
	require.NoError(t, f.svc.Ingest(ctx, checkInput(m), out))

	latest, err := f.results.Latest(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, checks.StatusSuccess, latest.Status)
	assert.Equal(t, "uk", latest.Region)
	require.NotNil(t, latest.ResponseTimeMs)
	assert.EqualValues(t, 240, *latest.ResponseTimeMs)
	require.NotNil(t, latest.StatusCode)
	assert.Equal(t, 200, *latest.StatusCode)
	assert.Equal(t, "{}", latest.Payload)

	updated, err := f.monitors.GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "active", updated.Status)
	require.NotNil(t, updated.LastCheckedAt)
}

func TestIngestMapsCheckStatusToMonitorStatus(t *testing.T) {
	tests := []struct {
		checkStatus string
		want        string
	}{
		{checks.StatusSuccess, "active"},
		{checks.StatusDegraded, "degraded"},
		{checks.StatusFailure, "down"},
		{checks.StatusTimeout, "down"},
		{checks.StatusError, "down"},
	}
	for _, tt := range tests {
		t.Run(tt.checkStatus, func(t *testing.T) {
			f := newFixture(t)
			m := f.seedMonitor(t, nil)
			ctx := context.Background()

			out := &checks.Outcome{Status: tt.checkStatus}
			require.NoError(t, f.svc.Ingest(ctx, checkInput(m), out))

			updated, err := f.monitors.GetByID(ctx, m.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, updated.Status)
		})
	}
}

func TestFailureLinksActiveIncident(t *testing.T) {
	f := newFixture(t)
	m := f.seedMonitor(t, nil)
	ctx := context.Background()

	incident := &db.Incident{
		OrgID:     m.OrgID,
		Title:     "api outage",
		Severity:  "major",
		Status:    "investigating",
		StartedAt: f.now.Add(-10 * time.Minute),
	}
	require.NoError(t, f.incidents.Create(ctx, incident))
	require.NoError(t, f.incidents.AddMonitor(ctx, incident.ID, m.ID))

	out := checks.Failure(checks.CodeStatusCode, "got 503")
	require.NoError(t, f.svc.Ingest(ctx, checkInput(m), out))
	require.NoError(t, f.svc.Ingest(ctx, checkInput(m), out))

	ids, err := f.incidents.ListCheckResultIDs(ctx, incident.ID)
	require.NoError(t, err)
	assert.Len(t, ids, 2)
}

func TestSuccessDoesNotTouchIncidents(t *testing.T) {
	f := newFixture(t)
	m := f.seedMonitor(t, nil)
	ctx := context.Background()

	incident := &db.Incident{
		OrgID:     m.OrgID,
		Title:     "api outage",
		StartedAt: f.now.Add(-10 * time.Minute),
	}
	require.NoError(t, f.incidents.Create(ctx, incident))
	require.NoError(t, f.incidents.AddMonitor(ctx, incident.ID, m.ID))

	require.NoError(t, f.svc.Ingest(ctx, checkInput(m), checks.Success(50*time.Millisecond)))

	ids, err := f.incidents.ListCheckResultIDs(ctx, incident.ID)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestFailureWithoutIncidentStillPersists(t *testing.T) {
	f := newFixture(t)
	m := f.seedMonitor(t, nil)
	ctx := context.Background()

	out := checks.Errored(checks.CodeConnRefused, "connection refused")
	require.NoError(t, f.svc.Ingest(ctx, checkInput(m), out))

	latest, err := f.results.Latest(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, checks.StatusError, latest.Status)
	assert.Equal(t, checks.CodeConnRefused, latest.ErrorCode)
}

func TestIngestPublishesCheckEvent(t *testing.T) {
	f := newFixture(t)
	m := f.seedMonitor(t, nil)

	require.NoError(t, f.svc.Ingest(context.Background(), checkInput(m), checks.Success(120*time.Millisecond)))

	msgs := f.hub.byType(events.TypeMonitorCheck)
	require.Len(t, msgs, 1)
	assert.Equal(t, events.MonitorTopic(m.ID), msgs[0].Topic)

	data, ok := msgs[0].Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, m.ID.String(), data["monitorId"])
	assert.Equal(t, checks.StatusSuccess, data["status"])
	assert.Equal(t, "2026-03-14T10:30:00Z", data["timestamp"])
}

func TestSSLResultPublishesCertificateEvent(t *testing.T) {
	f := newFixture(t)
	m := f.seedMonitor(t, func(m *db.Monitor) { m.Type = checks.TypeSSL })

	out := checks.Success(90 * time.Millisecond)
	out.SetPayload("certificate", map[string]any{"daysRemaining": 42, "issuer": "R11"})
	require.NoError(t, f.svc.Ingest(context.Background(), checkInput(m), out))

	msgs := f.hub.byType(events.TypeMonitorCertificate)
	require.Len(t, msgs, 1)
	data, ok := msgs[0].Data.(map[string]any)
	require.True(t, ok)
	require.Contains(t, data, "certificate")
}

func TestCTResultPublishesCTEvent(t *testing.T) {
	f := newFixture(t)
	m := f.seedMonitor(t, func(m *db.Monitor) { m.Type = checks.TypeCT })

	out := checks.Success(0)
	out.SetPayload("ctLogIds", []int64{100, 101})
	out.SetPayload("totalCertificates", 2)
	require.NoError(t, f.svc.Ingest(context.Background(), checkInput(m), out))

	msgs := f.hub.byType(events.TypeMonitorCT)
	require.Len(t, msgs, 1)
	data, ok := msgs[0].Data.(map[string]any)
	require.True(t, ok)
	assert.Contains(t, data, "ctLogIds")
	assert.Contains(t, data, "totalCertificates")
}

func TestEvaluatorReceivesSample(t *testing.T) {
	f := newFixture(t)
	m := f.seedMonitor(t, nil)
	ctx := context.Background()

	out := checks.Failure(checks.CodeStatusCode, "got 500")
	code := 500
	out.StatusCode = &code
	require.NoError(t, f.svc.Ingest(ctx, checkInput(m), out))

	samples := f.eval.all()
	require.Len(t, samples, 1)
	s := samples[0]
	assert.Equal(t, m.ID, s.MonitorID)
	assert.Equal(t, m.OrgID, s.OrgID)
	assert.Equal(t, checks.StatusFailure, s.Status)
	assert.Equal(t, "got 500", s.ErrorMessage)
	require.NotNil(t, s.StatusCode)
	assert.Equal(t, 500, *s.StatusCode)

	// The sample's result id must point at the persisted row.
	persisted, err := f.results.GetByID(ctx, s.CheckResultID)
	require.NoError(t, err)
	assert.Equal(t, m.ID, persisted.MonitorID)
}

func TestEvaluatorErrorDoesNotFailIngest(t *testing.T) {
	f := newFixture(t)
	m := f.seedMonitor(t, nil)
	f.eval.err = errors.New("policy table unavailable")

	require.NoError(t, f.svc.Ingest(context.Background(), checkInput(m), checks.Success(10*time.Millisecond)))

	latest, err := f.results.Latest(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, checks.StatusSuccess, latest.Status)
}

func TestStatusTransitionWritesAudit(t *testing.T) {
	f := newFixture(t)
	m := f.seedMonitor(t, nil)
	ctx := context.Background()

	fail := checks.Failure(checks.CodeStatusCode, "got 503")
	require.NoError(t, f.svc.Ingest(ctx, checkInput(m), fail))
	// Already down: a second failure is not a transition.
	require.NoError(t, f.svc.Ingest(ctx, checkInput(m), fail))

	entries, total, err := f.audit.ListByOrg(ctx, m.OrgID, repositories.ListOptions{Limit: 10})
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	entry := entries[0]
	assert.Equal(t, "monitor.status_changed", entry.Action)
	assert.Equal(t, "monitor", entry.Entity)
	assert.Equal(t, m.ID.String(), entry.EntityID)

	var meta map[string]string
	require.NoError(t, json.Unmarshal([]byte(entry.Metadata), &meta))
	assert.Equal(t, "active", meta["from"])
	assert.Equal(t, "down", meta["to"])
}

func TestIngestRejectsUnparseableMonitorID(t *testing.T) {
	f := newFixture(t)

	in := &checks.Input{MonitorID: "not-a-uuid", OrgID: uuid.New().String(), Type: checks.TypeHTTP}
	err := f.svc.Ingest(context.Background(), in, checks.Success(0))
	require.Error(t, err)
}

func TestPingStoreMapsPingStatuses(t *testing.T) {
	f := newFixture(t)
	m := f.seedMonitor(t, func(m *db.Monitor) { m.Type = checks.TypeHeartbeat })
	ctx := context.Background()
	store := NewPingStore(f.results)

	// No pings yet.
	ping, err := store.LastPing(ctx, m.ID.String())
	require.NoError(t, err)
	assert.Nil(t, ping)

	require.NoError(t, f.results.CreatePing(ctx, &db.HeartbeatPing{MonitorID: m.ID, Status: "complete"}))
	ping, err = store.LastPing(ctx, m.ID.String())
	require.NoError(t, err)
	require.NotNil(t, ping)
	assert.Equal(t, "success", ping.Status)

	require.NoError(t, f.results.CreatePing(ctx, &db.HeartbeatPing{MonitorID: m.ID, Status: "fail"}))
	ping, err = store.LastPing(ctx, m.ID.String())
	require.NoError(t, err)
	require.NotNil(t, ping)
	assert.Equal(t, "fail", ping.Status)
}

func TestMemberSourceReadsAggregateMembers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	up := f.seedMonitor(t, func(m *db.Monitor) { m.Name = "web"; m.Status = "active" })
	down := f.seedMonitor(t, func(m *db.Monitor) { m.Name = "db"; m.Status = "down" })
	paused := f.seedMonitor(t, func(m *db.Monitor) { m.Name = "batch"; m.Paused = true })
	agg := f.seedMonitor(t, func(m *db.Monitor) {
		m.Name = "platform"
		m.Type = checks.TypeAggregate
		m.Config = fmt.Sprintf(`{"monitorIds":["%s","%s","%s"]}`, up.ID, down.ID, paused.ID)
	})

	source := NewMemberSource(f.monitors, zap.NewNop())
	members, err := source.MemberStatuses(ctx, agg.ID.String())
	require.NoError(t, err)
	require.Len(t, members, 3)

	byName := map[string]string{}
	for _, member := range members {
		byName[member.Name] = member.Status
	}
	assert.Equal(t, "active", byName["web"])
	assert.Equal(t, "down", byName["db"])
	assert.Equal(t, "paused", byName["batch"])
}

func TestMemberSourceEmptyConfig(t *testing.T) {
	f := newFixture(t)
	agg := f.seedMonitor(t, func(m *db.Monitor) { m.Type = checks.TypeAggregate })

	source := NewMemberSource(f.monitors, zap.NewNop())
	members, err := source.MemberStatuses(context.Background(), agg.ID.String())
	require.NoError(t, err)
	assert.Empty(t, members)
}
