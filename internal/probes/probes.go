// Package probes is the server half of the remote-probe protocol. Edge
// agents enroll with an organization secret, heartbeat on a fixed cadence,
// long-poll for the check jobs the scheduler pinned to them, and post
// outcomes back into the shared result pipeline.
//
// Probe tokens are stored as SHA-256 hashes; the plaintext leaves the
// server exactly once, in the register response. Monitor config stays
// sealed until a job is leased, so secrets never sit in pending-job rows.
package probes

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Unified-Projects/uni-status-sub002/internal/db"
	"github.com/Unified-Projects/uni-status-sub002/internal/dispatch"
	"github.com/Unified-Projects/uni-status-sub002/internal/events"
	"github.com/Unified-Projects/uni-status-sub002/internal/metrics"
	"github.com/Unified-Projects/uni-status-sub002/internal/repositories"
)

const (
	// offlineAfter is how long a probe may stay silent before the health
	// sweep flips it offline.
	offlineAfter = 2 * time.Minute

	// claimTTL is the lease on a claimed job; results arriving after it
	// expired are rejected.
	claimTTL = 5 * time.Minute

	// claimWaitCap bounds a claim long-poll.
	claimWaitCap = 30 * time.Second

	// claimPollEvery is the claim loop's re-check cadence while waiting.
	claimPollEvery = time.Second

	// claimBatchCap bounds jobs handed out per claim call.
	claimBatchCap = 32

	// maxJobAttempts bounds how often an expired claim is requeued before
	// the job is dropped.
	maxJobAttempts = 3
)

var (
	// ErrUnauthorized rejects unknown, deleted, or disabled probe tokens.
	ErrUnauthorized = errors.New("probes: unknown or disabled probe")

	// ErrEnrollDenied rejects a register call whose org or secret does not
	// check out. Deliberately indistinguishable between the two.
	ErrEnrollDenied = errors.New("probes: enrollment rejected")

	// ErrStaleJob rejects a result for a job this probe no longer holds.
	ErrStaleJob = errors.New("probes: job expired or reassigned")
)

// Publisher fans probe lifecycle events out to live subscribers.
// *events.Hub implements it.
type Publisher interface {
	Publish(topic string, msg events.Message)
}

// Config carries the service's collaborators. Hub, Audit, and Metrics may
// be nil; the corresponding step is skipped.
type Config struct {
	Probes  repositories.ProbeRepository
	Orgs    repositories.OrgRepository
	Audit   repositories.AuditRepository
	Sink    dispatch.ResultSink
	Hub     Publisher
	Metrics *metrics.Set
	Logger  *zap.Logger
}

// Service implements the probe registry, the job lease protocol, and the
// health sweep.
type Service struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// New builds the probe service.
func New(cfg Config) *Service {
	return &Service{
		cfg:    cfg,
		logger: cfg.Logger.Named("probes"),
		now:    time.Now,
	}
}

// RegisterRequest enrolls a new probe under an organization.
type RegisterRequest struct {
	OrgID        uuid.UUID `json:"orgId"`
	EnrollSecret string    `json:"enrollSecret"`
	Name         string    `json:"name"`
	Region       string    `json:"region"`
	Version      string    `json:"version,omitempty"`
}

// RegisterResponse returns the probe's identity and its bearer token. The
// token is not stored and cannot be shown again.
type RegisterResponse struct {
	ProbeID uuid.UUID `json:"probeId"`
	Token   string    `json:"token"`
}

// Register enrolls a probe. The caller must present the organization's
// enrollment secret; the comparison is constant-time.
func (s *Service) Register(ctx context.Context, req *RegisterRequest) (*RegisterResponse, error) {
	if req.Name == "" {
		return nil, fmt.Errorf("%w: name required", ErrEnrollDenied)
	}
	org, err := s.cfg.Orgs.GetByID(ctx, req.OrgID)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, ErrEnrollDenied
	}
	if err != nil {
		return nil, fmt.Errorf("probes: load org: %w", err)
	}
	secret := enrollSecret(org.Settings)
	if secret == "" || subtle.ConstantTimeCompare([]byte(secret), []byte(req.EnrollSecret)) != 1 {
		return nil, ErrEnrollDenied
	}

	token, hash, err := newToken()
	if err != nil {
		return nil, err
	}
	probe := &db.Probe{
		OrgID:     org.ID,
		Name:      req.Name,
		Region:    req.Region,
		TokenHash: hash,
		Status:    "pending",
		Version:   req.Version,
	}
	if err := s.cfg.Probes.Create(ctx, probe); err != nil {
		return nil, fmt.Errorf("probes: create probe: %w", err)
	}

	s.audit(ctx, probe.OrgID, "probe.registered", probe.ID, map[string]any{
		"name":   probe.Name,
		"region": probe.Region,
	})
	s.logger.Info("probe registered",
		zap.String("probe_id", probe.ID.String()),
		zap.String("name", probe.Name),
		zap.String("region", probe.Region),
	)
	return &RegisterResponse{ProbeID: probe.ID, Token: token}, nil
}

// Authenticate resolves a bearer token to its probe row. Disabled probes
// do not authenticate.
func (s *Service) Authenticate(ctx context.Context, token string) (*db.Probe, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}
	hash := HashToken(token)
	probe, err := s.cfg.Probes.GetByTokenHash(ctx, hash)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, fmt.Errorf("probes: token lookup: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(probe.TokenHash), []byte(hash)) != 1 {
		return nil, ErrUnauthorized
	}
	if probe.Status == "disabled" {
		return nil, ErrUnauthorized
	}
	return probe, nil
}

// HeartbeatMetrics is the agent's self-reported health snapshot, cached
// verbatim on the probe row.
type HeartbeatMetrics struct {
	CPUPct     float64 `json:"cpuPct"`
	MemPct     float64 `json:"memPct"`
	Goroutines int     `json:"goroutines"`
	UptimeSec  int64   `json:"uptimeSec"`
}

// HeartbeatRequest is one agent heartbeat. Region is the agent's local
// setting; the registered region stays authoritative for result stamping.
type HeartbeatRequest struct {
	Version string           `json:"version,omitempty"`
	Region  string           `json:"region,omitempty"`
	Metrics HeartbeatMetrics `json:"metrics"`
}

// HeartbeatResponse tells the agent the server's clock and how much work
// is waiting, so it can tighten its claim cadence under backlog.
type HeartbeatResponse struct {
	ServerTime  time.Time `json:"serverTime"`
	PendingJobs int64     `json:"pendingJobs"`
}

// Heartbeat stamps the probe's liveness and flips offline or pending
// probes back to active. Recovery publishes probe:online on the org topic.
func (s *Service) Heartbeat(ctx context.Context, probe *db.Probe, req *HeartbeatRequest) (*HeartbeatResponse, error) {
	now := s.now()
	if req.Region != "" && req.Region != probe.Region {
		s.logger.Warn("probe reports a different region than registered",
			zap.String("probe_id", probe.ID.String()),
			zap.String("registered", probe.Region),
			zap.String("reported", req.Region),
		)
	}
	metricsJSON, err := json.Marshal(req.Metrics)
	if err != nil {
		metricsJSON = []byte("{}")
	}
	if err := s.cfg.Probes.RecordHeartbeat(ctx, probe.ID, now, req.Version, string(metricsJSON)); err != nil {
		return nil, fmt.Errorf("probes: record heartbeat: %w", err)
	}

	if probe.Status != "active" {
		s.logger.Info("probe online",
			zap.String("probe_id", probe.ID.String()),
			zap.String("name", probe.Name),
			zap.String("was", probe.Status),
		)
		if s.cfg.Hub != nil {
			topic := events.OrgTopic(probe.OrgID)
			s.cfg.Hub.Publish(topic, events.Message{
				Type:  events.TypeProbeOnline,
				Topic: topic,
				Data: map[string]any{
					"probeId": probe.ID.String(),
					"name":    probe.Name,
					"region":  probe.Region,
				},
			})
		}
	}

	pending, err := s.cfg.Probes.CountPendingJobs(ctx, probe.ID)
	if err != nil {
		// The count is a hint; a failed lookup must not fail liveness.
		s.logger.Warn("pending job count failed",
			zap.String("probe_id", probe.ID.String()),
			zap.Error(err),
		)
		pending = 0
	}
	return &HeartbeatResponse{ServerTime: now, PendingJobs: pending}, nil
}

// enrollSecret extracts the probeEnrollSecret field from an org's
// settings document. Unparsable settings read as no secret, which
// disables enrollment for the org.
func enrollSecret(settings string) string {
	if settings == "" {
		return ""
	}
	var doc struct {
		ProbeEnrollSecret string `json:"probeEnrollSecret"`
	}
	if err := json.Unmarshal([]byte(settings), &doc); err != nil {
		return ""
	}
	return doc.ProbeEnrollSecret
}

// newToken mints a bearer token and the hash stored in its place.
func newToken() (token, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("probes: token entropy: %w", err)
	}
	token = hex.EncodeToString(buf)
	return token, HashToken(token), nil
}

// HashToken returns the hex SHA-256 digest stored for a bearer token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func (s *Service) audit(ctx context.Context, orgID uuid.UUID, action string, probeID uuid.UUID, meta map[string]any) {
	if s.cfg.Audit == nil {
		return
	}
	metadata := "{}"
	if len(meta) > 0 {
		if raw, err := json.Marshal(meta); err == nil {
			metadata = string(raw)
		}
	}
	entry := &db.AuditLog{
		OrgID:    orgID,
		Actor:    "system",
		Action:   action,
		Entity:   "probe",
		EntityID: probeID.String(),
		Metadata: metadata,
	}
	if err := s.cfg.Audit.Create(ctx, entry); err != nil {
		s.logger.Warn("audit write failed",
			zap.String("probe_id", probeID.String()),
			zap.Error(err),
		)
	}
}
