// Package ingest drives the result pipeline. Every check outcome, whether
// produced by a local worker or submitted by a remote probe, lands here
// exactly once per attempt:
//
//  1. persist the CheckResult row
//  2. link failures to the monitor's active incident, if any
//  3. roll the monitor's coarse status forward
//  4. publish the live monitor:check event
//  5. hand the result to the alert evaluator
//
// A failure in step 1 fails the job so the queue re-delivers it; each
// attempt persists a fresh result row, so re-delivery cannot double-count.
// Failures in the later steps are logged and the remaining steps still run;
// in particular evaluator errors never bounce the job.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Unified-Projects/uni-status-sub002/internal/checks"
	"github.com/Unified-Projects/uni-status-sub002/internal/db"
	"github.com/Unified-Projects/uni-status-sub002/internal/events"
	"github.com/Unified-Projects/uni-status-sub002/internal/metrics"
	"github.com/Unified-Projects/uni-status-sub002/internal/repositories"
)

// Sample is one evaluator invocation: the freshly persisted result reduced
// to the fields the alerting rules read.
type Sample struct {
	MonitorID      uuid.UUID
	OrgID          uuid.UUID
	CheckResultID  uuid.UUID
	Status         string
	ErrorMessage   string
	ResponseTimeMs *int64
	StatusCode     *int
}

// Evaluator decides whether a result should trigger or resolve alerts.
// Implemented by the alerting package.
type Evaluator interface {
	Evaluate(ctx context.Context, s Sample) error
}

// Publisher fans a pipeline event out to live subscribers. *events.Hub
// implements it.
type Publisher interface {
	Publish(topic string, msg events.Message)
}

// Deps are the collaborators the ingest service writes to. Evaluator, Hub,
// and Metrics may be nil; the corresponding step is skipped.
type Deps struct {
	Monitors  repositories.MonitorRepository
	Results   repositories.ResultRepository
	Incidents repositories.IncidentRepository
	Audit     repositories.AuditRepository
	Evaluator Evaluator
	Hub       Publisher
	Metrics   *metrics.Set
}

// Service implements the result pipeline. It satisfies dispatch.ResultSink.
type Service struct {
	deps   Deps
	logger *zap.Logger
	now    func() time.Time
}

// New builds the ingest service.
func New(deps Deps, logger *zap.Logger) *Service {
	return &Service{
		deps:   deps,
		logger: logger.Named("ingest"),
		now:    time.Now,
	}
}

// Ingest runs the pipeline for one check outcome.
func (s *Service) Ingest(ctx context.Context, in *checks.Input, out *checks.Outcome) error {
	monitorID, err := uuid.Parse(in.MonitorID)
	if err != nil {
		return fmt.Errorf("ingest: parse monitor id %q: %w", in.MonitorID, err)
	}
	orgID, err := uuid.Parse(in.OrgID)
	if err != nil {
		return fmt.Errorf("ingest: parse org id %q: %w", in.OrgID, err)
	}
	now := s.now()

	// --- Persist the result ---
	result := s.buildResult(monitorID, in, out)
	if err := s.deps.Results.Create(ctx, result); err != nil {
		return fmt.Errorf("ingest: persist result: %w", err)
	}

	s.deps.Metrics.IncCheck(in.Type, out.Status)
	if out.ResponseTimeMs != nil {
		s.deps.Metrics.ObserveCheckDuration(in.Type, float64(*out.ResponseTimeMs)/1000)
	}

	// --- Incident linking ---
	if isFailure(out.Status) {
		s.linkIncident(ctx, monitorID, result.ID)
	}

	// --- Monitor status ---
	s.rollMonitorStatus(ctx, monitorID, orgID, result.ID, out.Status, now)

	// --- Live events ---
	s.publish(monitorID, in.Type, out, now)

	// --- Alert evaluation ---
	if s.deps.Evaluator != nil {
		sample := Sample{
			MonitorID:      monitorID,
			OrgID:          orgID,
			CheckResultID:  result.ID,
			Status:         out.Status,
			ErrorMessage:   out.ErrorMessage,
			ResponseTimeMs: out.ResponseTimeMs,
			StatusCode:     out.StatusCode,
		}
		if err := s.deps.Evaluator.Evaluate(ctx, sample); err != nil {
			s.logger.Error("alert evaluation failed",
				zap.String("monitor_id", monitorID.String()),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (s *Service) buildResult(monitorID uuid.UUID, in *checks.Input, out *checks.Outcome) *db.CheckResult {
	payload := "{}"
	if len(out.Payload) > 0 {
		raw, err := json.Marshal(out.Payload)
		if err != nil {
			s.logger.Warn("result payload not serializable, dropping",
				zap.String("monitor_id", monitorID.String()),
				zap.Error(err),
			)
		} else {
			payload = string(raw)
		}
	}
	return &db.CheckResult{
		MonitorID:      monitorID,
		Region:         in.Region,
		Status:         out.Status,
		ResponseTimeMs: out.ResponseTimeMs,
		DNSLookupMs:    out.DNSLookupMs,
		TCPConnectMs:   out.TCPConnectMs,
		TLSHandshakeMs: out.TLSHandshakeMs,
		StatusCode:     out.StatusCode,
		ErrorMessage:   out.ErrorMessage,
		ErrorCode:      out.ErrorCode,
		Payload:        payload,
	}
}

func (s *Service) linkIncident(ctx context.Context, monitorID, resultID uuid.UUID) {
	incident, err := s.deps.Incidents.ActiveByMonitor(ctx, monitorID)
	if errors.Is(err, repositories.ErrNotFound) {
		return
	}
	if err != nil {
		s.logger.Warn("active incident lookup failed",
			zap.String("monitor_id", monitorID.String()),
			zap.Error(err),
		)
		return
	}
	if err := s.deps.Incidents.LinkCheckResult(ctx, incident.ID, resultID); err != nil {
		s.logger.Warn("incident link failed",
			zap.String("incident_id", incident.ID.String()),
			zap.String("check_result_id", resultID.String()),
			zap.Error(err),
		)
	}
}

// rollMonitorStatus maps the result status onto the monitor row and writes
// an audit entry when the coarse status actually changed.
func (s *Service) rollMonitorStatus(ctx context.Context, monitorID, orgID, resultID uuid.UUID, checkStatus string, now time.Time) {
	prior := ""
	if mon, err := s.deps.Monitors.GetByID(ctx, monitorID); err == nil {
		prior = mon.Status
	} else if !errors.Is(err, repositories.ErrNotFound) {
		s.logger.Warn("monitor lookup failed",
			zap.String("monitor_id", monitorID.String()),
			zap.Error(err),
		)
	}

	next := monitorStatus(checkStatus)
	if err := s.deps.Monitors.UpdateStatus(ctx, monitorID, next, now); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			s.logger.Debug("monitor gone before status update",
				zap.String("monitor_id", monitorID.String()))
		} else {
			s.logger.Warn("monitor status update failed",
				zap.String("monitor_id", monitorID.String()),
				zap.Error(err),
			)
		}
		return
	}

	if prior == "" || prior == next || s.deps.Audit == nil {
		return
	}
	meta, _ := json.Marshal(map[string]string{
		"from":          prior,
		"to":            next,
		"checkResultId": resultID.String(),
	})
	entry := &db.AuditLog{
		OrgID:    orgID,
		Actor:    "system",
		Action:   "monitor.status_changed",
		Entity:   "monitor",
		EntityID: monitorID.String(),
		Metadata: string(meta),
	}
	if err := s.deps.Audit.Create(ctx, entry); err != nil {
		s.logger.Warn("audit write failed",
			zap.String("monitor_id", monitorID.String()),
			zap.Error(err),
		)
	}
}

func (s *Service) publish(monitorID uuid.UUID, monitorType string, out *checks.Outcome, now time.Time) {
	if s.deps.Hub == nil {
		return
	}
	topic := events.MonitorTopic(monitorID)
	timestamp := now.UTC().Format(time.RFC3339)

	s.deps.Hub.Publish(topic, events.Message{
		Type:  events.TypeMonitorCheck,
		Topic: topic,
		Data: map[string]any{
			"monitorId":      monitorID.String(),
			"status":         out.Status,
			"responseTimeMs": out.ResponseTimeMs,
			"timestamp":      timestamp,
		},
	})

	switch monitorType {
	case checks.TypeSSL:
		cert, ok := out.Payload["certificate"]
		if !ok {
			return
		}
		s.deps.Hub.Publish(topic, events.Message{
			Type:  events.TypeMonitorCertificate,
			Topic: topic,
			Data: map[string]any{
				"monitorId":   monitorID.String(),
				"status":      out.Status,
				"certificate": cert,
				"timestamp":   timestamp,
			},
		})
	case checks.TypeCT:
		data := map[string]any{
			"monitorId": monitorID.String(),
			"status":    out.Status,
			"timestamp": timestamp,
		}
		for _, key := range []string{"ctLogIds", "totalCertificates", "newCertificates", "baseline"} {
			if v, ok := out.Payload[key]; ok {
				data[key] = v
			}
		}
		s.deps.Hub.Publish(topic, events.Message{
			Type:  events.TypeMonitorCT,
			Topic: topic,
			Data:  data,
		})
	}
}

// isFailure reports whether the status counts against uptime and incident
// timelines.
func isFailure(status string) bool {
	switch status {
	case checks.StatusFailure, checks.StatusTimeout, checks.StatusError:
		return true
	}
	return false
}

// monitorStatus maps a check status to the monitor's coarse status.
func monitorStatus(checkStatus string) string {
	switch checkStatus {
	case checks.StatusSuccess:
		return "active"
	case checks.StatusDegraded:
		return "degraded"
	default:
		return "down"
	}
}
