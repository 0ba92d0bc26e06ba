package probes

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Unified-Projects/uni-status-sub002/internal/checks"
	"github.com/Unified-Projects/uni-status-sub002/internal/db"
	"github.com/Unified-Projects/uni-status-sub002/internal/dispatch"
	"github.com/Unified-Projects/uni-status-sub002/internal/events"
	"github.com/Unified-Projects/uni-status-sub002/internal/metrics"
	"github.com/Unified-Projects/uni-status-sub002/internal/repositories"
	"github.com/Unified-Projects/uni-status-sub002/internal/secrets"
)

func TestMain(m *testing.M) {
	if err := db.InitEncryption([]byte("0123456789abcdef0123456789abcdef")); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

var testDBSeq atomic.Int64

// recordingSink captures ingested outcomes.
type recordingSink struct {
	inputs   []*checks.Input
	outcomes []*checks.Outcome
	err      error
}

func (s *recordingSink) Ingest(_ context.Context, in *checks.Input, out *checks.Outcome) error {
	s.inputs = append(s.inputs, in)
	s.outcomes = append(s.outcomes, out)
	return s.err
}

type recordingPublisher struct {
	msgs []events.Message
}

func (p *recordingPublisher) Publish(_ string, msg events.Message) {
	p.msgs = append(p.msgs, msg)
}

func (p *recordingPublisher) ofType(typ string) []events.Message {
	var out []events.Message
	for _, m := range p.msgs {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

type fixture struct {
	t      *testing.T
	probes repositories.ProbeRepository
	orgs   repositories.OrgRepository
	audit  repositories.AuditRepository
	sink   *recordingSink
	hub    *recordingPublisher
	svc    *Service
	orgID  uuid.UUID
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dsn := fmt.Sprintf("file:probes_test_%d?mode=memory&cache=shared", testDBSeq.Add(1))
	database, err := db.New(db.Config{Driver: "sqlite", DSN: dsn, Logger: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(database) })

	f := &fixture{
		t:      t,
		probes: repositories.NewProbeRepository(database),
		orgs:   repositories.NewOrgRepository(database),
		audit:  repositories.NewAuditRepository(database),
		sink:   &recordingSink{},
		hub:    &recordingPublisher{},
		now:    time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC),
	}
	f.svc = New(Config{
		Probes:  f.probes,
		Orgs:    f.orgs,
		Audit:   f.audit,
		Sink:    f.sink,
		Hub:     f.hub,
		Metrics: metrics.New(prometheus.NewRegistry()),
		Logger:  zap.NewNop(),
	})
	f.svc.now = func() time.Time { return f.now }

	org := &db.Organization{
		Name:     "Acme",
		Slug:     "acme-" + uuid.NewString(),
		Settings: `{"probeEnrollSecret":"swordfish"}`,
	}
	require.NoError(t, f.orgs.Create(context.Background(), org))
	f.orgID = org.ID
	return f
}

func (f *fixture) seedProbe(status string) (*db.Probe, string) {
	f.t.Helper()
	token, hash, err := newToken()
	require.NoError(f.t, err)
	probe := &db.Probe{
		OrgID:     f.orgID,
		Name:      "edge-" + uuid.NewString()[:8],
		Region:    "us-east",
		TokenHash: hash,
		Status:    status,
	}
	require.NoError(f.t, f.probes.Create(context.Background(), probe))
	return probe, token
}

func checkInput(monitorID uuid.UUID) *checks.Input {
	return &checks.Input{
		MonitorID: monitorID.String(),
		OrgID:     uuid.NewString(),
		Type:      checks.TypeTCP,
		URL:       "db.internal:5432",
		TimeoutMs: 5000,
	}
}

func (f *fixture) seedJob(probeID uuid.UUID, in *checks.Input) *db.ProbePendingJob {
	f.t.Helper()
	raw, err := dispatch.EncodeJob(in)
	require.NoError(f.t, err)
	job := &db.ProbePendingJob{
		ProbeID:   probeID,
		MonitorID: uuid.MustParse(in.MonitorID),
		JobData:   string(raw),
		Status:    "pending",
		ExpiresAt: f.now.Add(5 * time.Minute),
	}
	require.NoError(f.t, f.probes.CreatePendingJob(context.Background(), job))
	return job
}

func TestRegisterIssuesTokenOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.svc.Register(ctx, &RegisterRequest{
		OrgID:        f.orgID,
		EnrollSecret: "swordfish",
		Name:         "edge-fra-1",
		Region:       "eu-central",
		Version:      "1.4.0",
	})
	require.NoError(t, err)
	assert.Len(t, resp.Token, 64)

	probe, err := f.probes.GetByID(ctx, resp.ProbeID)
	require.NoError(t, err)
	assert.Equal(t, "pending", probe.Status)
	assert.Equal(t, "edge-fra-1", probe.Name)
	assert.Equal(t, "eu-central", probe.Region)
	assert.Equal(t, "1.4.0", probe.Version)

	// Only the hash is at rest.
	assert.NotEqual(t, resp.Token, probe.TokenHash)
	assert.Equal(t, HashToken(resp.Token), probe.TokenHash)

	entries, _, err := f.audit.ListByOrg(ctx, f.orgID, repositories.ListOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "probe.registered", entries[0].Action)
	assert.Equal(t, "probe", entries[0].Entity)
	assert.Equal(t, probe.ID.String(), entries[0].EntityID)
}

func TestRegisterDenied(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	noSecretOrg := &db.Organization{Name: "Bare", Slug: "bare-" + uuid.NewString(), Settings: "{}"}
	require.NoError(t, f.orgs.Create(ctx, noSecretOrg))

	tests := []struct {
		name string
		req  RegisterRequest
	}{
		{"wrong secret", RegisterRequest{OrgID: f.orgID, EnrollSecret: "guess", Name: "edge-1"}},
		{"enrollment disabled", RegisterRequest{OrgID: noSecretOrg.ID, EnrollSecret: "swordfish", Name: "edge-1"}},
		{"unknown org", RegisterRequest{OrgID: uuid.New(), EnrollSecret: "swordfish", Name: "edge-1"}},
		{"missing name", RegisterRequest{OrgID: f.orgID, EnrollSecret: "swordfish"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Register(ctx, &tt.req)
			assert.ErrorIs(t, err, ErrEnrollDenied)
		})
	}

	probesForOrg, err := f.probes.List(ctx, f.orgID)
	require.NoError(t, err)
	assert.Empty(t, probesForOrg)
}

func TestAuthenticate(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	probe, token := f.seedProbe("active")

	got, err := f.svc.Authenticate(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, probe.ID, got.ID)

	_, err = f.svc.Authenticate(ctx, "")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = f.svc.Authenticate(ctx, strings.Repeat("ab", 32))
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, disabledToken := f.seedProbe("disabled")
	_, err = f.svc.Authenticate(ctx, disabledToken)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestHeartbeatActivatesAndAnnounces(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	probe, _ := f.seedProbe("pending")

	resp, err := f.svc.Heartbeat(ctx, probe, &HeartbeatRequest{
		Version: "1.5.0",
		Metrics: HeartbeatMetrics{CPUPct: 12.5, MemPct: 40.2, Goroutines: 18, UptimeSec: 3600},
	})
	require.NoError(t, err)
	assert.True(t, resp.ServerTime.Equal(f.now))
	assert.Zero(t, resp.PendingJobs)

	stored, err := f.probes.GetByID(ctx, probe.ID)
	require.NoError(t, err)
	assert.Equal(t, "active", stored.Status)
	assert.Equal(t, "1.5.0", stored.Version)
	require.NotNil(t, stored.LastHeartbeatAt)
	assert.WithinDuration(t, f.now, *stored.LastHeartbeatAt, time.Second)
	assert.Contains(t, stored.Metrics, `"cpuPct":12.5`)
	assert.Contains(t, stored.Metrics, `"goroutines":18`)

	require.Len(t, f.hub.msgs, 1)
	assert.Equal(t, events.TypeProbeOnline, f.hub.msgs[0].Type)
	assert.Equal(t, events.OrgTopic(f.orgID), f.hub.msgs[0].Topic)
	assert.Equal(t, probe.ID.String(), f.hub.msgs[0].Data.(map[string]any)["probeId"])
}

func TestHeartbeatReportsPendingJobs(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	probe, _ := f.seedProbe("active")
	f.seedJob(probe.ID, checkInput(uuid.New()))
	f.seedJob(probe.ID, checkInput(uuid.New()))

	resp, err := f.svc.Heartbeat(ctx, probe, &HeartbeatRequest{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), resp.PendingJobs)

	// An already-active probe heartbeating is not a transition.
	assert.Empty(t, f.hub.msgs)
}

func TestClaimLeasesPendingJobs(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	probe, _ := f.seedProbe("active")
	monitorID := uuid.New()

	sealed, err := secrets.SealValue("hunter2")
	require.NoError(t, err)
	in := checkInput(monitorID)
	in.Config = map[string]any{"password": sealed}
	job := f.seedJob(probe.ID, in)

	got, err := f.svc.Claim(ctx, probe, &ClaimRequest{Max: 4})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, job.ID, got[0].JobID)
	assert.Equal(t, monitorID, got[0].MonitorID)
	assert.True(t, got[0].ExpiresAt.Equal(f.now.Add(5*time.Minute)))
	assert.Equal(t, "us-east", got[0].Input.Region)
	assert.Equal(t, "hunter2", got[0].Input.Config["password"])

	stored, err := f.probes.GetPendingJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "claimed", stored.Status)
	require.NotNil(t, stored.ClaimedAt)
}

func TestClaimHonorsBatchLimit(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	probe, _ := f.seedProbe("active")
	for i := 0; i < 3; i++ {
		f.seedJob(probe.ID, checkInput(uuid.New()))
	}

	got, err := f.svc.Claim(ctx, probe, &ClaimRequest{Max: 2})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	left, err := f.probes.CountPendingJobs(ctx, probe.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), left)

	// Max 0 falls back to a single job.
	got, err = f.svc.Claim(ctx, probe, &ClaimRequest{})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestClaimEmptyReturnsWithoutJobs(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	probe, _ := f.seedProbe("active")
	got, err := f.svc.Claim(context.Background(), probe, &ClaimRequest{Max: 1})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestClaimLongPollPicksUpNewJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	// The poll loop needs a moving clock.
	f.svc.now = time.Now
	probe, _ := f.seedProbe("active")
	monitorID := uuid.New()

	go func() {
		time.Sleep(150 * time.Millisecond)
		raw, err := dispatch.EncodeJob(checkInput(monitorID))
		if err != nil {
			return
		}
		_ = f.probes.CreatePendingJob(context.Background(), &db.ProbePendingJob{
			ProbeID:   probe.ID,
			MonitorID: monitorID,
			JobData:   string(raw),
			Status:    "pending",
			ExpiresAt: time.Now().Add(5 * time.Minute),
		})
	}()

	start := time.Now()
	got, err := f.svc.Claim(context.Background(), probe, &ClaimRequest{Max: 1, WaitMs: 10000})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, monitorID, got[0].MonitorID)
	assert.Less(t, time.Since(start), 9*time.Second)
}

func TestClaimBuriesUndecodableJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	probe, _ := f.seedProbe("active")
	job := &db.ProbePendingJob{
		ProbeID:   probe.ID,
		MonitorID: uuid.New(),
		JobData:   "{broken",
		Status:    "pending",
		ExpiresAt: f.now.Add(5 * time.Minute),
	}
	require.NoError(t, f.probes.CreatePendingJob(ctx, job))

	got, err := f.svc.Claim(ctx, probe, &ClaimRequest{Max: 1})
	require.NoError(t, err)
	assert.Empty(t, got)

	stored, err := f.probes.GetPendingJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "completed", stored.Status)
	assert.Empty(t, f.sink.inputs)
}

func TestClaimBuriesUndecryptableConfig(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	probe, _ := f.seedProbe("active")
	monitorID := uuid.New()
	in := checkInput(monitorID)
	in.Config = map[string]any{"password": secrets.Prefix + "!!corrupt!!"}
	job := f.seedJob(probe.ID, in)

	got, err := f.svc.Claim(ctx, probe, &ClaimRequest{Max: 1})
	require.NoError(t, err)
	assert.Empty(t, got)

	stored, err := f.probes.GetPendingJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "completed", stored.Status)

	// The failure surfaces as an errored result on the monitor.
	require.Len(t, f.sink.outcomes, 1)
	assert.Equal(t, checks.StatusError, f.sink.outcomes[0].Status)
	assert.Equal(t, checks.CodeInvalidConfig, f.sink.outcomes[0].ErrorCode)
	assert.Equal(t, monitorID.String(), f.sink.inputs[0].MonitorID)
}

func TestSubmitResultIngests(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	probe, _ := f.seedProbe("active")
	monitorID := uuid.New()
	f.seedJob(probe.ID, checkInput(monitorID))

	got, err := f.svc.Claim(ctx, probe, &ClaimRequest{Max: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)

	ms := int64(42)
	err = f.svc.SubmitResult(ctx, probe, got[0].JobID, &ResultRequest{
		Status:         checks.StatusSuccess,
		ResponseTimeMs: &ms,
	})
	require.NoError(t, err)

	require.Len(t, f.sink.inputs, 1)
	assert.Equal(t, monitorID.String(), f.sink.inputs[0].MonitorID)
	assert.Equal(t, "us-east", f.sink.inputs[0].Region)
	require.Len(t, f.sink.outcomes, 1)
	assert.Equal(t, checks.StatusSuccess, f.sink.outcomes[0].Status)
	require.NotNil(t, f.sink.outcomes[0].ResponseTimeMs)
	assert.Equal(t, int64(42), *f.sink.outcomes[0].ResponseTimeMs)

	stored, err := f.probes.GetPendingJob(ctx, got[0].JobID)
	require.NoError(t, err)
	assert.Equal(t, "completed", stored.Status)

	// A second submission for the same job is stale.
	err = f.svc.SubmitResult(ctx, probe, got[0].JobID, &ResultRequest{Status: checks.StatusSuccess})
	assert.ErrorIs(t, err, ErrStaleJob)
}

func TestSubmitResultStaleAfterExpiry(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	probe, _ := f.seedProbe("active")
	f.seedJob(probe.ID, checkInput(uuid.New()))

	got, err := f.svc.Claim(ctx, probe, &ClaimRequest{Max: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)

	// The lease expires and the sweep returns the job to pending before
	// the result arrives.
	f.now = f.now.Add(6 * time.Minute)
	require.NoError(t, f.svc.Sweep(ctx, f.now))

	err = f.svc.SubmitResult(ctx, probe, got[0].JobID, &ResultRequest{Status: checks.StatusSuccess})
	assert.ErrorIs(t, err, ErrStaleJob)
	assert.Empty(t, f.sink.outcomes)
}

func TestSubmitResultRejections(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	probeA, _ := f.seedProbe("active")
	probeB, _ := f.seedProbe("active")
	f.seedJob(probeA.ID, checkInput(uuid.New()))

	got, err := f.svc.Claim(ctx, probeA, &ClaimRequest{Max: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)

	err = f.svc.SubmitResult(ctx, probeB, got[0].JobID, &ResultRequest{Status: checks.StatusSuccess})
	assert.ErrorIs(t, err, ErrStaleJob)

	err = f.svc.SubmitResult(ctx, probeA, uuid.New(), &ResultRequest{Status: checks.StatusSuccess})
	assert.ErrorIs(t, err, ErrStaleJob)

	err = f.svc.SubmitResult(ctx, probeA, got[0].JobID, &ResultRequest{Status: "fantastic"})
	assert.ErrorIs(t, err, ErrInvalidResult)

	assert.Empty(t, f.sink.outcomes)
}

func TestSweepRequeuesExpiredClaims(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	probe, _ := f.seedProbe("pending")
	require.NoError(t, f.probes.RecordHeartbeat(ctx, probe.ID, f.now, "", "{}"))
	job := f.seedJob(probe.ID, checkInput(uuid.New()))

	got, err := f.svc.Claim(ctx, probe, &ClaimRequest{Max: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)

	f.now = f.now.Add(6 * time.Minute)
	require.NoError(t, f.probes.RecordHeartbeat(ctx, probe.ID, f.now, "", "{}"))
	require.NoError(t, f.svc.Sweep(ctx, f.now))

	stored, err := f.probes.GetPendingJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "pending", stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	assert.Nil(t, stored.ClaimedAt)

	// The requeued job is claimable again.
	got, err = f.svc.Claim(ctx, probe, &ClaimRequest{Max: 1})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestSweepDropsExhaustedJobs(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	probe, _ := f.seedProbe("pending")
	require.NoError(t, f.probes.RecordHeartbeat(ctx, probe.ID, f.now, "", "{}"))

	outOfAttempts := &db.ProbePendingJob{
		ProbeID:   probe.ID,
		MonitorID: uuid.New(),
		JobData:   "{}",
		Status:    "claimed",
		Attempts:  2,
		ExpiresAt: f.now.Add(-time.Minute),
	}
	require.NoError(t, f.probes.CreatePendingJob(ctx, outOfAttempts))

	neverClaimed := &db.ProbePendingJob{
		ProbeID:   probe.ID,
		MonitorID: uuid.New(),
		JobData:   "{}",
		Status:    "pending",
		ExpiresAt: f.now.Add(-time.Minute),
	}
	require.NoError(t, f.probes.CreatePendingJob(ctx, neverClaimed))

	require.NoError(t, f.svc.Sweep(ctx, f.now))

	_, err := f.probes.GetPendingJob(ctx, outOfAttempts.ID)
	assert.ErrorIs(t, err, repositories.ErrNotFound)
	_, err = f.probes.GetPendingJob(ctx, neverClaimed.ID)
	assert.ErrorIs(t, err, repositories.ErrNotFound)
}

func TestSweepMarksSilentProbesOffline(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	silent, _ := f.seedProbe("pending")
	require.NoError(t, f.probes.RecordHeartbeat(ctx, silent.ID, f.now.Add(-10*time.Minute), "", "{}"))

	fresh, _ := f.seedProbe("pending")
	require.NoError(t, f.probes.RecordHeartbeat(ctx, fresh.ID, f.now.Add(-30*time.Second), "", "{}"))

	require.NoError(t, f.svc.Sweep(ctx, f.now))

	stored, err := f.probes.GetByID(ctx, silent.ID)
	require.NoError(t, err)
	assert.Equal(t, "offline", stored.Status)

	stillUp, err := f.probes.GetByID(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, "active", stillUp.Status)

	offline := f.hub.ofType(events.TypeProbeOffline)
	require.Len(t, offline, 1)
	assert.Equal(t, events.OrgTopic(f.orgID), offline[0].Topic)
	assert.Equal(t, silent.ID.String(), offline[0].Data.(map[string]any)["probeId"])
	assert.NotEmpty(t, offline[0].Data.(map[string]any)["lastHeartbeatAt"])

	entries, _, err := f.audit.ListByOrg(ctx, f.orgID, repositories.ListOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "probe.offline", entries[0].Action)
	assert.Equal(t, silent.ID.String(), entries[0].EntityID)

	// A silent probe that registered but never heartbeated stays pending;
	// only active probes flip.
	neverSeen, _ := f.seedProbe("pending")
	require.NoError(t, f.svc.Sweep(ctx, f.now))
	stored, err = f.probes.GetByID(ctx, neverSeen.ID)
	require.NoError(t, err)
	assert.Equal(t, "pending", stored.Status)
}
