package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Unified-Projects/uni-status-sub002/internal/checks"
	"github.com/Unified-Projects/uni-status-sub002/internal/db"
	"github.com/Unified-Projects/uni-status-sub002/internal/dispatch"
	"github.com/Unified-Projects/uni-status-sub002/internal/events"
	"github.com/Unified-Projects/uni-status-sub002/internal/maintenance"
	"github.com/Unified-Projects/uni-status-sub002/internal/metrics"
	"github.com/Unified-Projects/uni-status-sub002/internal/probes"
	"github.com/Unified-Projects/uni-status-sub002/internal/repositories"
)

func TestMain(m *testing.M) {
	if err := db.InitEncryption([]byte("0123456789abcdef0123456789abcdef")); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

var testDBSeq atomic.Int64

const unsubscribeSecret = "unsub-secret"

// recordingSink captures ingested outcomes. Handlers run on the test
// server's goroutines, so access is locked.
type recordingSink struct {
	mu       sync.Mutex
	inputs   []*checks.Input
	outcomes []*checks.Outcome
}

func (s *recordingSink) Ingest(_ context.Context, in *checks.Input, out *checks.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputs = append(s.inputs, in)
	s.outcomes = append(s.outcomes, out)
	return nil
}

func (s *recordingSink) snapshot() ([]*checks.Input, []*checks.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*checks.Input(nil), s.inputs...), append([]*checks.Outcome(nil), s.outcomes...)
}

type fixture struct {
	t        *testing.T
	monitors repositories.MonitorRepository
	results  repositories.ResultRepository
	orgs     repositories.OrgRepository
	probes   repositories.ProbeRepository
	sink     *recordingSink
	hub      *events.Hub
	srv      *httptest.Server
	orgID    uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dsn := fmt.Sprintf("file:api_test_%d?mode=memory&cache=shared", testDBSeq.Add(1))
	database, err := db.New(db.Config{Driver: "sqlite", DSN: dsn, Logger: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(database) })

	hub := events.NewHub()
	hubCtx, cancel := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		hub.Run(hubCtx)
	}()
	t.Cleanup(func() {
		cancel()
		<-hubDone
	})

	f := &fixture{
		t:        t,
		monitors: repositories.NewMonitorRepository(database),
		results:  repositories.NewResultRepository(database),
		orgs:     repositories.NewOrgRepository(database),
		probes:   repositories.NewProbeRepository(database),
		sink:     &recordingSink{},
		hub:      hub,
	}

	reg := prometheus.NewRegistry()
	set := metrics.New(reg)

	svc := probes.New(probes.Config{
		Probes:  f.probes,
		Orgs:    f.orgs,
		Audit:   repositories.NewAuditRepository(database),
		Sink:    f.sink,
		Hub:     hub,
		Metrics: set,
		Logger:  zap.NewNop(),
	})

	router := NewRouter(RouterConfig{
		Probes:            svc,
		Hub:               hub,
		Logger:            zap.NewNop(),
		Monitors:          f.monitors,
		Results:           f.results,
		Orgs:              f.orgs,
		Metrics:           reg,
		UnsubscribeSecret: unsubscribeSecret,
	})
	f.srv = httptest.NewServer(router)
	t.Cleanup(f.srv.Close)

	org := &db.Organization{
		Name:     "Acme",
		Slug:     "acme-" + uuid.NewString(),
		Settings: `{"probeEnrollSecret":"swordfish"}`,
	}
	require.NoError(t, f.orgs.Create(context.Background(), org))
	f.orgID = org.ID
	return f
}

// request runs one HTTP call against the fixture server and returns the
// response. token, when non-empty, goes into the Authorization header.
func (f *fixture) request(method, path, token string, body any) *http.Response {
	f.t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(f.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(f.t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := f.srv.Client().Do(req)
	require.NoError(f.t, err)
	f.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// decodeData unwraps the {"data": ...} envelope into out.
func decodeData(t *testing.T, resp *http.Response, out any) {
	t.Helper()

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	require.NoError(t, json.Unmarshal(envelope.Data, out))
}

// errorCode reads the code field of an error envelope.
func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()

	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	return envelope.Error.Code
}

// registerProbe enrolls a probe over HTTP and returns its id and token.
func (f *fixture) registerProbe(region string) (uuid.UUID, string) {
	f.t.Helper()

	resp := f.request(http.MethodPost, "/api/probe/v1/register", "", probes.RegisterRequest{
		OrgID:        f.orgID,
		EnrollSecret: "swordfish",
		Name:         "edge-" + uuid.NewString()[:8],
		Region:       region,
		Version:      "1.4.0",
	})
	require.Equal(f.t, http.StatusCreated, resp.StatusCode)

	var out probes.RegisterResponse
	decodeData(f.t, resp, &out)
	return out.ProbeID, out.Token
}

func (f *fixture) seedMonitor(monitorType, config string) *db.Monitor {
	f.t.Helper()

	monitor := &db.Monitor{
		OrgID:           f.orgID,
		Name:            "mon-" + uuid.NewString()[:8],
		Type:            monitorType,
		URL:             "db.internal:5432",
		IntervalSeconds: 60,
		TimeoutMs:       5000,
		Config:          config,
	}
	require.NoError(f.t, f.monitors.Create(context.Background(), monitor))
	return monitor
}

func (f *fixture) seedJob(probeID, monitorID uuid.UUID) *db.ProbePendingJob {
	f.t.Helper()

	raw, err := dispatch.EncodeJob(&checks.Input{
		MonitorID: monitorID.String(),
		OrgID:     f.orgID.String(),
		Type:      checks.TypeTCP,
		URL:       "db.internal:5432",
		TimeoutMs: 5000,
	})
	require.NoError(f.t, err)
	job := &db.ProbePendingJob{
		ProbeID:   probeID,
		MonitorID: monitorID,
		JobData:   string(raw),
		Status:    "pending",
		ExpiresAt: time.Now().Add(5 * time.Minute),
	}
	require.NoError(f.t, f.probes.CreatePendingJob(context.Background(), job))
	return job
}

func TestProbeLifecycleOverHTTP(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	probeID, token := f.registerProbe("eu-west")
	assert.Len(t, token, 64)

	// First heartbeat: nothing queued yet.
	resp := f.request(http.MethodPost, "/api/probe/v1/heartbeat", token, probes.HeartbeatRequest{
		Version: "1.4.0",
		Region:  "eu-west",
		Metrics: probes.HeartbeatMetrics{CPUPct: 12.5, MemPct: 40, Goroutines: 18},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var beat probes.HeartbeatResponse
	decodeData(t, resp, &beat)
	assert.Zero(t, beat.PendingJobs)
	assert.False(t, beat.ServerTime.IsZero())

	monitor := f.seedMonitor(checks.TypeTCP, "{}")
	job := f.seedJob(probeID, monitor.ID)

	resp = f.request(http.MethodPost, "/api/probe/v1/heartbeat", token, probes.HeartbeatRequest{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeData(t, resp, &beat)
	assert.EqualValues(t, 1, beat.PendingJobs)

	// Claim leases the job and stamps the probe's registered region on it.
	resp = f.request(http.MethodPost, "/api/probe/v1/jobs/claim", token, probes.ClaimRequest{Max: 8})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var claim claimResponse
	decodeData(t, resp, &claim)
	require.Len(t, claim.Jobs, 1)
	assert.Equal(t, job.ID, claim.Jobs[0].JobID)
	assert.Equal(t, monitor.ID, claim.Jobs[0].MonitorID)
	require.NotNil(t, claim.Jobs[0].Input)
	assert.Equal(t, "eu-west", claim.Jobs[0].Input.Region)

	// Submit feeds the ingest sink and completes the job.
	ms := int64(88)
	resp = f.request(http.MethodPost, "/api/probe/v1/jobs/"+job.ID.String()+"/result", token,
		probes.ResultRequest{Status: checks.StatusSuccess, ResponseTimeMs: &ms})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	inputs, outcomes := f.sink.snapshot()
	require.Len(t, outcomes, 1)
	assert.Equal(t, checks.StatusSuccess, outcomes[0].Status)
	require.NotNil(t, outcomes[0].ResponseTimeMs)
	assert.EqualValues(t, 88, *outcomes[0].ResponseTimeMs)
	assert.Equal(t, "eu-west", inputs[0].Region)

	// A second submit hits a lease that no longer exists.
	resp = f.request(http.MethodPost, "/api/probe/v1/jobs/"+job.ID.String()+"/result", token,
		probes.ResultRequest{Status: checks.StatusSuccess})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "conflict", errorCode(t, resp))
}

func TestRegisterDeniedOverHTTP(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	resp := f.request(http.MethodPost, "/api/probe/v1/register", "", probes.RegisterRequest{
		OrgID:        f.orgID,
		EnrollSecret: "wrong",
		Name:         "edge-1",
	})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "forbidden", errorCode(t, resp))
}

func TestProbeRoutesRequireToken(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	for name, header := range map[string]string{
		"missing":      "",
		"wrong scheme": "Basic dXNlcjpwYXNz",
		"unknown":      "Bearer " + strings.Repeat("ab", 32),
	} {
		req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/api/probe/v1/heartbeat",
			strings.NewReader("{}"))
		require.NoError(t, err)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		resp, err := f.srv.Client().Do(req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, name)
		resp.Body.Close()
	}
}

func TestSubmitResultValidationOverHTTP(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	probeID, token := f.registerProbe("us-east")
	monitor := f.seedMonitor(checks.TypeTCP, "{}")
	f.seedJob(probeID, monitor.ID)

	resp := f.request(http.MethodPost, "/api/probe/v1/jobs/claim", token, probes.ClaimRequest{Max: 1})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var claim claimResponse
	decodeData(t, resp, &claim)
	require.Len(t, claim.Jobs, 1)
	jobID := claim.Jobs[0].JobID

	// Unknown status never reaches the store.
	resp = f.request(http.MethodPost, "/api/probe/v1/jobs/"+jobID.String()+"/result", token,
		probes.ResultRequest{Status: "fantastic"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Unknown job ids and malformed ids are indistinguishable from expired ones.
	resp = f.request(http.MethodPost, "/api/probe/v1/jobs/"+uuid.NewString()+"/result", token,
		probes.ResultRequest{Status: checks.StatusSuccess})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = f.request(http.MethodPost, "/api/probe/v1/jobs/not-a-uuid/result", token,
		probes.ResultRequest{Status: checks.StatusSuccess})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Bodies with unknown fields are rejected outright.
	resp = f.request(http.MethodPost, "/api/probe/v1/jobs/"+jobID.String()+"/result", token,
		map[string]any{"status": "success", "bogus": true})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// The lease is still claimable after all the rejects.
	resp = f.request(http.MethodPost, "/api/probe/v1/jobs/"+jobID.String()+"/result", token,
		probes.ResultRequest{Status: checks.StatusFailure})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestHeartbeatIngest(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	monitor := f.seedMonitor(checks.TypeHeartbeat, `{"pingToken":"tok-abc","graceSeconds":120}`)
	base := "/api/v1/heartbeat/" + monitor.ID.String()

	// A bare GET counts as a completed run.
	resp := f.request(http.MethodGet, base+"/tok-abc", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ack heartbeatAck
	decodeData(t, resp, &ack)
	assert.Equal(t, "complete", ack.Status)

	ping, err := f.results.LatestPing(ctx, monitor.ID)
	require.NoError(t, err)
	assert.Equal(t, "complete", ping.Status)
	assert.Equal(t, "127.0.0.1", ping.Source)
	assert.NotEmpty(t, ping.UserAgent)

	// Explicit status with timing details.
	resp = f.request(http.MethodPost, base+"/tok-abc?status=fail&exitCode=2&durationMs=420", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ping, err = f.results.LatestPing(ctx, monitor.ID)
	require.NoError(t, err)
	assert.Equal(t, "fail", ping.Status)
	require.NotNil(t, ping.ExitCode)
	assert.Equal(t, 2, *ping.ExitCode)
	require.NotNil(t, ping.DurationMs)
	assert.EqualValues(t, 420, *ping.DurationMs)

	// A non-zero exit code implies failure without an explicit status.
	resp = f.request(http.MethodGet, base+"/tok-abc?exitCode=3", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ping, err = f.results.LatestPing(ctx, monitor.ID)
	require.NoError(t, err)
	assert.Equal(t, "fail", ping.Status)
}

func TestHeartbeatIngestRejections(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	monitor := f.seedMonitor(checks.TypeHeartbeat, `{"pingToken":"tok-abc"}`)
	tcp := f.seedMonitor(checks.TypeTCP, `{"pingToken":"tok-abc"}`)
	bare := f.seedMonitor(checks.TypeHeartbeat, "{}")

	cases := map[string]struct {
		path string
		want int
	}{
		"wrong token":          {"/api/v1/heartbeat/" + monitor.ID.String() + "/nope", http.StatusNotFound},
		"unknown monitor":      {"/api/v1/heartbeat/" + uuid.NewString() + "/tok-abc", http.StatusNotFound},
		"malformed id":         {"/api/v1/heartbeat/xyz/tok-abc", http.StatusNotFound},
		"non-heartbeat type":   {"/api/v1/heartbeat/" + tcp.ID.String() + "/tok-abc", http.StatusNotFound},
		"no token configured":  {"/api/v1/heartbeat/" + bare.ID.String() + "/tok-abc", http.StatusNotFound},
		"bad status parameter": {"/api/v1/heartbeat/" + monitor.ID.String() + "/tok-abc?status=maybe", http.StatusBadRequest},
		"bad exit code":        {"/api/v1/heartbeat/" + monitor.ID.String() + "/tok-abc?exitCode=two", http.StatusBadRequest},
	}
	for name, tc := range cases {
		resp := f.request(http.MethodGet, tc.path, "", nil)
		assert.Equal(t, tc.want, resp.StatusCode, name)
		resp.Body.Close()
	}

	_, err := f.results.LatestPing(context.Background(), monitor.ID)
	assert.ErrorIs(t, err, repositories.ErrNotFound)
}

func TestUnsubscribeLink(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	page := &db.StatusPage{OrgID: f.orgID, Slug: "acme-status-" + uuid.NewString()[:8], Title: "Acme Status", Published: true}
	require.NoError(t, f.orgs.CreatePage(ctx, page))
	now := time.Now().UTC()
	sub := &db.StatusPageSubscriber{
		PageID:           page.ID,
		Email:            "oncall@example.com",
		VerifiedAt:       &now,
		EmailEnabled:     true,
		UnsubscribeToken: uuid.NewString(),
	}
	require.NoError(t, f.orgs.CreateSubscriber(ctx, sub))

	token, err := maintenance.MintUnsubscribeToken(unsubscribeSecret, sub, now)
	require.NoError(t, err)

	resp := f.request(http.MethodGet, "/unsubscribe?token="+token, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out unsubscribeResponse
	decodeData(t, resp, &out)
	assert.True(t, out.Unsubscribed)

	subs, err := f.orgs.VerifiedSubscribers(ctx, []uuid.UUID{page.ID})
	require.NoError(t, err)
	assert.Empty(t, subs, "unsubscribed addresses drop out of the fan-out set")

	// Tokens signed with another secret or missing entirely go nowhere.
	forged, err := maintenance.MintUnsubscribeToken("other-secret", sub, now)
	require.NoError(t, err)
	resp = f.request(http.MethodGet, "/unsubscribe?token="+forged, "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.request(http.MethodGet, "/unsubscribe", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestOperationalEndpoints(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	resp := f.request(http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"status":"ok"`)

	resp = f.request(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "unistatus_probes_online")
}

func TestWSStreamsPublishedEvents(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	resp := f.request(http.MethodGet, "/ws", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "topics are mandatory")

	topic := events.OrgTopic(f.orgID)
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws?topics=" + topic
	conn, dialResp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if dialResp != nil {
		dialResp.Body.Close()
	}
	defer conn.Close()

	require.Eventually(t, func() bool {
		return f.hub.ConnectedCount() == 1
	}, 2*time.Second, 5*time.Millisecond)

	f.hub.Publish(topic, events.Message{
		Type:  events.TypeAlertTriggered,
		Topic: topic,
		Data:  map[string]any{"alertId": uuid.NewString()},
	})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg events.Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, events.TypeAlertTriggered, msg.Type)
	assert.Equal(t, topic, msg.Topic)
}
