// Package alerting evaluates alert policies against freshly ingested check
// results. It opens alerts when a fire condition holds, coalesces repeat
// failures into the open alert, suppresses re-fires during the post-resolve
// cooldown, and resolves on sustained recovery.
//
// At most one alert per (policy, monitor) is open at any instant. The
// partial unique index on open alert rows is the single-writer guard: a
// racing creator gets a conflict and coalesces into the winner's row, and
// resolution is a claim-style update that exactly one resolver can win.
package alerting

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
	"github.com/Unified-Projects/uni-status-sub002/internal/enterprise"
	"github.com/Unified-Projects/uni-status-sub002/internal/events"
	"github.com/Unified-Projects/uni-status-sub002/internal/ingest"
	"github.com/Unified-Projects/uni-status-sub002/internal/metrics"
	"github.com/Unified-Projects/uni-status-sub002/internal/repositories"
)

const resolvedBySystem = "system"

// Dispatcher enqueues the per-channel delivery jobs for an alert
// transition. Implemented by the notification dispatcher. Errors are logged
// and never abort evaluation; enqueued jobs carry their own retries.
type Dispatcher interface {
	AlertTriggered(ctx context.Context, alert *db.AlertHistory, policy *db.AlertPolicy, monitor *db.Monitor) error
	AlertResolved(ctx context.Context, alert *db.AlertHistory, policy *db.AlertPolicy, monitor *db.Monitor) error
}

// Publisher pushes alert lifecycle events to the org topic. *events.Hub
// implements it.
type Publisher interface {
	Publish(topic string, msg events.Message)
}

// Deps are the evaluator's collaborators. Dispatcher, Hub, Audit, and
// Metrics may be nil; the corresponding side effect is skipped.
type Deps struct {
	Monitors    repositories.MonitorRepository
	Results     repositories.ResultRepository
	Alerts      repositories.AlertRepository
	Maintenance repositories.MaintenanceRepository
	Audit       repositories.AuditRepository
	Dispatcher  Dispatcher
	Hub         Publisher
	Metrics     *metrics.Set
}

// Evaluator implements ingest.Evaluator.
type Evaluator struct {
	deps   Deps
	logger *zap.Logger
	now    func() time.Time
}

// New builds the evaluator.
func New(deps Deps, logger *zap.Logger) *Evaluator {
	return &Evaluator{
		deps:   deps,
		logger: logger.Named("alerting"),
		now:    time.Now,
	}
}

// Evaluate runs every applicable policy against one result. Per-policy
// failures are logged and do not stop the remaining policies; only the
// shared preconditions (monitor, maintenance, policy load) surface an
// error.
func (e *Evaluator) Evaluate(ctx context.Context, s ingest.Sample) error {
	monitor, err := e.deps.Monitors.GetByID(ctx, s.MonitorID)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("alerting: load monitor: %w", err)
	}
	if monitor.Paused {
		return nil
	}

	// A window that opened after the check was scheduled still suppresses
	// the alert, even though the check itself ran.
	if e.deps.Maintenance != nil {
		inMaintenance, err := e.deps.Maintenance.InMaintenance(ctx, s.MonitorID, e.now())
		if err != nil {
			return fmt.Errorf("alerting: maintenance lookup: %w", err)
		}
		if inMaintenance {
			return nil
		}
	}

	policies, err := e.deps.Alerts.PoliciesForMonitor(ctx, s.OrgID, s.MonitorID)
	if err != nil {
		return fmt.Errorf("alerting: load policies: %w", err)
	}
	if len(policies) == 0 {
		return nil
	}

	isFail := isFailureStatus(s.Status)
	isDegraded := s.Status == checks.StatusDegraded

	for i := range policies {
		policy := &policies[i]
		switch {
		case isFail || isDegraded:
			e.firePath(ctx, policy, monitor, s, isDegraded)
		case s.Status == checks.StatusSuccess:
			e.recoverPath(ctx, policy, monitor, s)
		}
	}
	return nil
}

func (e *Evaluator) firePath(ctx context.Context, policy *db.AlertPolicy, monitor *db.Monitor, s ingest.Sample, isDegraded bool) {
	log := e.logger.With(
		zap.String("policy_id", policy.ID.String()),
		zap.String("monitor_id", monitor.ID.String()),
	)

	conds, err := parseConditions(policy.Conditions)
	if err != nil {
		log.Warn("policy conditions unparseable, skipping policy", zap.Error(err))
		return
	}
	matched, err := e.fireConditionHolds(ctx, conds, monitor.ID, isDegraded)
	if err != nil {
		log.Warn("fire condition evaluation failed", zap.Error(err))
		return
	}
	if !matched {
		return
	}
	now := e.now()

	// --- Coalesce into an already-open alert ---
	open, err := e.deps.Alerts.OpenAlert(ctx, policy.ID, monitor.ID)
	if err == nil {
		e.coalesce(ctx, log, open, s, now)
		return
	}
	if !errors.Is(err, repositories.ErrNotFound) {
		log.Warn("open alert lookup failed", zap.Error(err))
		return
	}

	// --- Cooldown after the previous resolution ---
	if policy.CooldownMinutes > 0 {
		resolvedAt, err := e.deps.Alerts.LatestResolvedAt(ctx, policy.ID, monitor.ID)
		if err != nil {
			log.Warn("cooldown lookup failed", zap.Error(err))
			return
		}
		if resolvedAt != nil && now.Sub(*resolvedAt) < time.Duration(policy.CooldownMinutes)*time.Minute {
			log.Debug("cooldown active, suppressing alert",
				zap.Timep("resolved_at", resolvedAt),
				zap.Int("cooldown_minutes", policy.CooldownMinutes),
			)
			return
		}
	}

	// --- Fire ---
	alert := &db.AlertHistory{
		OrgID:       monitor.OrgID,
		MonitorID:   monitor.ID,
		PolicyID:    policy.ID,
		Status:      "triggered",
		TriggeredAt: now,
		Metadata: marshalMetadata(Metadata{
			CheckResultID:     s.CheckResultID.String(),
			ErrorMessage:      s.ErrorMessage,
			ResponseTimeMs:    s.ResponseTimeMs,
			StatusCode:        s.StatusCode,
			FailureCount:      1,
			FailureTimestamps: []time.Time{now},
		}),
	}
	err = e.deps.Alerts.CreateTriggered(ctx, alert)
	if errors.Is(err, repositories.ErrConflict) {
		// Lost the race: a concurrent ingest flow opened the alert first
		// and owns the notifications. Fold this failure into its row.
		if winner, lookupErr := e.deps.Alerts.OpenAlert(ctx, policy.ID, monitor.ID); lookupErr == nil {
			e.coalesce(ctx, log, winner, s, now)
		}
		return
	}
	if err != nil {
		log.Error("alert creation failed", zap.Error(err))
		return
	}

	log.Info("alert triggered",
		zap.String("alert_id", alert.ID.String()),
		zap.String("check_status", s.Status),
	)
	e.deps.Metrics.IncAlert("triggered")
	e.audit(ctx, monitor.OrgID, "alert.triggered", alert.ID, map[string]string{
		"monitorId": monitor.ID.String(),
		"policyId":  policy.ID.String(),
	})

	if e.deps.Dispatcher != nil {
		if err := e.deps.Dispatcher.AlertTriggered(ctx, alert, policy, monitor); err != nil {
			log.Error("notification dispatch failed", zap.Error(err))
		}
	}
	e.scheduleEscalation(ctx, log, alert, policy)
	e.publish(events.OrgTopic(monitor.OrgID), events.TypeAlertTriggered, map[string]any{
		"alertId":   alert.ID.String(),
		"monitorId": monitor.ID.String(),
		"timestamp": now.UTC().Format(time.RFC3339),
	})
}

// fireConditionHolds evaluates the policy's fire kinds with OR semantics.
// The freshly persisted result is part of every window it inspects.
func (e *Evaluator) fireConditionHolds(ctx context.Context, conds Conditions, monitorID uuid.UUID, isDegraded bool) (bool, error) {
	if n := conds.ConsecutiveFailures; n > 0 {
		results, err := e.deps.Results.LastN(ctx, monitorID, n)
		if err != nil {
			return false, err
		}
		if len(results) >= n && allFailures(results) {
			return true, nil
		}
	}
	if w := conds.FailuresInWindow; w != nil && w.Count > 0 && w.WindowMinutes > 0 {
		since := e.now().Add(-time.Duration(w.WindowMinutes) * time.Minute)
		count, err := e.deps.Results.CountFailuresSince(ctx, monitorID, since)
		if err != nil {
			return false, err
		}
		if count >= int64(w.Count) {
			return true, nil
		}
	}
	if m := conds.DegradedDuration; m > 0 && isDegraded {
		since := e.now().Add(-time.Duration(m) * time.Minute)
		results, err := e.deps.Results.ListSince(ctx, monitorID, since)
		if err != nil {
			return false, err
		}
		if len(results) > 0 && allDegraded(results) {
			return true, nil
		}
	}
	return false, nil
}

// coalesce folds a repeat failure into the open alert: bump the counter,
// ring-buffer the timestamp, refresh the latest check details. No new alert
// and no re-notification.
func (e *Evaluator) coalesce(ctx context.Context, log *zap.Logger, open *db.AlertHistory, s ingest.Sample, now time.Time) {
	meta := parseMetadata(open.Metadata)
	meta.FailureCount++
	meta.FailureTimestamps = append(meta.FailureTimestamps, now)
	if len(meta.FailureTimestamps) > maxFailureTimestamps {
		meta.FailureTimestamps = meta.FailureTimestamps[len(meta.FailureTimestamps)-maxFailureTimestamps:]
	}
	meta.CheckResultID = s.CheckResultID.String()
	meta.ErrorMessage = s.ErrorMessage
	meta.ResponseTimeMs = s.ResponseTimeMs
	meta.StatusCode = s.StatusCode

	if err := e.deps.Alerts.UpdateMetadata(ctx, open.ID, marshalMetadata(meta)); err != nil {
		log.Warn("alert metadata update failed",
			zap.String("alert_id", open.ID.String()),
			zap.Error(err),
		)
	}
}

func (e *Evaluator) recoverPath(ctx context.Context, policy *db.AlertPolicy, monitor *db.Monitor, s ingest.Sample) {
	log := e.logger.With(
		zap.String("policy_id", policy.ID.String()),
		zap.String("monitor_id", monitor.ID.String()),
	)

	open, err := e.deps.Alerts.OpenAlert(ctx, policy.ID, monitor.ID)
	if errors.Is(err, repositories.ErrNotFound) {
		return
	}
	if err != nil {
		log.Warn("open alert lookup failed", zap.Error(err))
		return
	}

	conds, err := parseConditions(policy.Conditions)
	if err != nil {
		log.Warn("policy conditions unparseable, using single-success recovery", zap.Error(err))
		conds = Conditions{}
	}
	k := conds.ConsecutiveSuccesses
	if k <= 0 {
		k = 1
	}
	results, err := e.deps.Results.LastN(ctx, monitor.ID, k)
	if err != nil {
		log.Warn("recovery window load failed", zap.Error(err))
		return
	}
	if len(results) < k || !allSuccess(results) {
		return
	}

	now := e.now()
	if err := e.deps.Alerts.Resolve(ctx, open.ID, now, resolvedBySystem); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			// Another resolver claimed the transition and owns the
			// side effects.
			return
		}
		log.Error("alert resolve failed", zap.Error(err))
		return
	}
	open.Status = "resolved"
	open.ResolvedAt = &now
	open.ResolvedBy = resolvedBySystem

	log.Info("alert resolved", zap.String("alert_id", open.ID.String()))
	e.deps.Metrics.IncAlert("resolved")
	e.audit(ctx, monitor.OrgID, "alert.resolved", open.ID, map[string]string{
		"monitorId":  monitor.ID.String(),
		"policyId":   policy.ID.String(),
		"resolvedBy": resolvedBySystem,
	})

	if e.deps.Dispatcher != nil {
		if err := e.deps.Dispatcher.AlertResolved(ctx, open, policy, monitor); err != nil {
			log.Error("notification dispatch failed", zap.Error(err))
		}
	}
	e.cancelEscalation(ctx, log, open, policy)
	e.publish(events.OrgTopic(monitor.OrgID), events.TypeAlertResolved, map[string]any{
		"alertId":    open.ID.String(),
		"monitorId":  monitor.ID.String(),
		"resolvedBy": resolvedBySystem,
		"timestamp":  now.UTC().Format(time.RFC3339),
	})
}

func (e *Evaluator) scheduleEscalation(ctx context.Context, log *zap.Logger, alert *db.AlertHistory, policy *db.AlertPolicy) {
	if policy.EscalationPolicyID == "" {
		return
	}
	scheduler := enterprise.Escalation()
	if scheduler == nil {
		log.Debug("escalation policy set but no scheduler registered",
			zap.String("escalation_policy_id", policy.EscalationPolicyID))
		return
	}
	if err := scheduler.ScheduleEscalation(ctx, alert.ID, policy.EscalationPolicyID); err != nil {
		log.Error("escalation scheduling failed", zap.Error(err))
	}
}

func (e *Evaluator) cancelEscalation(ctx context.Context, log *zap.Logger, alert *db.AlertHistory, policy *db.AlertPolicy) {
	if policy.EscalationPolicyID == "" {
		return
	}
	scheduler := enterprise.Escalation()
	if scheduler == nil {
		return
	}
	if err := scheduler.CancelEscalation(ctx, alert.ID); err != nil {
		log.Warn("escalation cancel failed", zap.Error(err))
	}
}

func (e *Evaluator) audit(ctx context.Context, orgID uuid.UUID, action string, alertID uuid.UUID, meta map[string]string) {
	if e.deps.Audit == nil {
		return
	}
	raw, _ := json.Marshal(meta)
	entry := &db.AuditLog{
		OrgID:    orgID,
		Actor:    "system",
		Action:   action,
		Entity:   "alert",
		EntityID: alertID.String(),
		Metadata: string(raw),
	}
	if err := e.deps.Audit.Create(ctx, entry); err != nil {
		e.logger.Warn("audit write failed", zap.Error(err))
	}
}

func (e *Evaluator) publish(topic, eventType string, data map[string]any) {
	if e.deps.Hub == nil {
		return
	}
	e.deps.Hub.Publish(topic, events.Message{Type: eventType, Topic: topic, Data: data})
}
