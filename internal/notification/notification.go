// Package notification fans alert transitions out to delivery channels and
// runs the per-channel senders. The dispatcher builds one queue job per
// channel with a stable job id, so a redelivered transition cannot
// double-enqueue; the worker loads the channel row at send time, which is
// when its config is decrypted, and writes exactly one terminal
// NotificationLog per delivery. Every channel is its own job with its own
// retry budget: one provider's outage never suppresses another channel.
//
// Credentials never ride inside queue payloads. Jobs carry ids only; the
// worker resolves config and org fallbacks at the moment of sending.
package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Unified-Projects/uni-status-sub002/internal/db"
	"github.com/Unified-Projects/uni-status-sub002/internal/dispatch"
	"github.com/Unified-Projects/uni-status-sub002/internal/enterprise"
	"github.com/Unified-Projects/uni-status-sub002/internal/queue"
	"github.com/Unified-Projects/uni-status-sub002/internal/repositories"
)

// Delivery job kinds.
const (
	kindAlert    = "alert"
	kindRecovery = "recovery"
	kindEmail    = "email" // prerendered direct email (maintenance, reports)
)

// deliveryAttempts and deliveryBackoff bound every delivery job: five
// tries, waits doubling 1s, 2s, 4s, 8s.
const (
	deliveryAttempts = 5
	deliveryBackoff  = time.Second
)

// AlertPayload is the channel-independent alert context every sender
// renders from. It is also the webhook body contract.
type AlertPayload struct {
	AlertHistoryID string `json:"alertHistoryId"`
	MonitorName    string `json:"monitorName"`
	MonitorURL     string `json:"monitorUrl,omitempty"`
	Status         string `json:"status"` // "triggered" or "resolved"
	Message        string `json:"message,omitempty"`
	ResponseTimeMs *int64 `json:"responseTime,omitempty"`
	StatusCode     *int   `json:"statusCode,omitempty"`
	DashboardURL   string `json:"dashboardUrl,omitempty"`
	Timestamp      string `json:"timestamp"`
}

// deliveryJob is the queue envelope for one delivery. ChannelID is zero
// for rotation-addressed and prerendered email jobs.
type deliveryJob struct {
	Kind        string        `json:"kind"`
	OrgID       uuid.UUID     `json:"orgId"`
	AlertID     uuid.UUID     `json:"alertId,omitempty"`
	ChannelID   uuid.UUID     `json:"channelId,omitempty"`
	DirectEmail string        `json:"directEmail,omitempty"`
	To          string        `json:"to,omitempty"`
	Subject     string        `json:"subject,omitempty"`
	Body        string        `json:"body,omitempty"`
	Payload     *AlertPayload `json:"payload,omitempty"`
}

// DispatcherConfig holds the dependencies for a Dispatcher.
type DispatcherConfig struct {
	Channels repositories.ChannelRepository
	Queue    queue.Enqueuer

	// DashboardBaseURL prefixes the monitor deep links embedded in
	// notifications. Empty omits the links.
	DashboardBaseURL string

	Logger *zap.Logger
}

// Dispatcher expands one alert transition into per-channel delivery jobs.
// It satisfies the evaluator's dispatcher contract.
type Dispatcher struct {
	channels repositories.ChannelRepository
	queue    queue.Enqueuer
	baseURL  string
	logger   *zap.Logger
	now      func() time.Time
}

// NewDispatcher builds a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	return &Dispatcher{
		channels: cfg.Channels,
		queue:    cfg.Queue,
		baseURL:  strings.TrimRight(cfg.DashboardBaseURL, "/"),
		logger:   cfg.Logger.Named("notification"),
		now:      time.Now,
	}
}

// AlertTriggered enqueues one delivery per channel of the firing policy.
func (d *Dispatcher) AlertTriggered(ctx context.Context, alert *db.AlertHistory, policy *db.AlertPolicy, monitor *db.Monitor) error {
	return d.fanOut(ctx, kindAlert, alert, policy, monitor)
}

// AlertResolved enqueues the recovery counterpart on the same channels.
func (d *Dispatcher) AlertResolved(ctx context.Context, alert *db.AlertHistory, policy *db.AlertPolicy, monitor *db.Monitor) error {
	return d.fanOut(ctx, kindRecovery, alert, policy, monitor)
}

func (d *Dispatcher) fanOut(ctx context.Context, kind string, alert *db.AlertHistory, policy *db.AlertPolicy, monitor *db.Monitor) error {
	payload := d.buildPayload(kind, alert, monitor)

	ids := d.parseChannelIDs(policy.Channels)
	var channels []db.AlertChannel
	if len(ids) > 0 {
		var err error
		channels, err = d.channels.ListChannelsByIDs(ctx, ids)
		if err != nil {
			return fmt.Errorf("notification: load channels: %w", err)
		}
	}

	enqueued := 0
	for i := range channels {
		ch := &channels[i]
		if !ch.Enabled {
			continue
		}
		job := deliveryJob{
			Kind:      kind,
			OrgID:     monitor.OrgID,
			AlertID:   alert.ID,
			ChannelID: ch.ID,
			Payload:   payload,
		}
		err := d.queue.Enqueue(ctx, dispatch.NotificationQueueFor(ch.Type), job, deliveryOptions(jobID(kind, alert.ID, ch.ID.String())))
		if err != nil {
			// One channel's enqueue failure must not suppress the rest.
			d.logger.Error("delivery enqueue failed",
				zap.String("alert_id", alert.ID.String()),
				zap.String("channel_id", ch.ID.String()),
				zap.String("channel_type", ch.Type),
				zap.Error(err),
			)
			continue
		}
		enqueued++
	}

	d.enqueueOncall(ctx, kind, alert, policy, monitor, payload)

	d.logger.Info("alert fan-out",
		zap.String("kind", kind),
		zap.String("alert_id", alert.ID.String()),
		zap.String("monitor_id", monitor.ID.String()),
		zap.Int("channels", enqueued),
	)
	return nil
}

// enqueueOncall resolves the policy's on-call rotation to an email address
// and enqueues a direct email delivery. The resolver is an optional
// enterprise capability; its absence is informational, not an error.
func (d *Dispatcher) enqueueOncall(ctx context.Context, kind string, alert *db.AlertHistory, policy *db.AlertPolicy, monitor *db.Monitor, payload *AlertPayload) {
	if policy.OncallRotationID == "" {
		return
	}
	resolver := enterprise.Oncall()
	if resolver == nil {
		d.logger.Info("oncall rotation set but no resolver registered",
			zap.String("rotation_id", policy.OncallRotationID))
		return
	}
	email, err := resolver.ResolveEmail(ctx, policy.OncallRotationID)
	if err != nil {
		d.logger.Error("oncall resolution failed",
			zap.String("rotation_id", policy.OncallRotationID),
			zap.Error(err),
		)
		return
	}
	job := deliveryJob{
		Kind:        kind,
		OrgID:       monitor.OrgID,
		AlertID:     alert.ID,
		DirectEmail: email,
		Payload:     payload,
	}
	err = d.queue.Enqueue(ctx, dispatch.NotificationQueueFor("email"), job, deliveryOptions(jobID(kind, alert.ID, "oncall")))
	if err != nil {
		d.logger.Error("oncall delivery enqueue failed",
			zap.String("alert_id", alert.ID.String()),
			zap.Error(err),
		)
	}
}

// EnqueueEmail schedules a prerendered email delivery outside the alert
// path (maintenance notices, scheduled reports). jobKey dedupes repeats of
// the same notice.
func (d *Dispatcher) EnqueueEmail(ctx context.Context, orgID uuid.UUID, jobKey, to, subject, body string) error {
	job := deliveryJob{
		Kind:    kindEmail,
		OrgID:   orgID,
		To:      to,
		Subject: subject,
		Body:    body,
	}
	err := d.queue.Enqueue(ctx, dispatch.NotificationQueueFor("email"), job, deliveryOptions(jobKey))
	if err != nil {
		return fmt.Errorf("notification: enqueue email: %w", err)
	}
	return nil
}

func (d *Dispatcher) buildPayload(kind string, alert *db.AlertHistory, monitor *db.Monitor) *AlertPayload {
	status := "triggered"
	if kind == kindRecovery {
		status = "resolved"
	}
	meta := parseAlertMeta(alert.Metadata)
	p := &AlertPayload{
		AlertHistoryID: alert.ID.String(),
		MonitorName:    monitor.Name,
		MonitorURL:     monitor.URL,
		Status:         status,
		ResponseTimeMs: meta.ResponseTimeMs,
		StatusCode:     meta.StatusCode,
		Timestamp:      d.now().UTC().Format(time.RFC3339),
	}
	if kind != kindRecovery {
		p.Message = meta.ErrorMessage
	}
	if d.baseURL != "" {
		p.DashboardURL = fmt.Sprintf("%s/monitors/%s", d.baseURL, monitor.ID)
	}
	return p
}

func (d *Dispatcher) parseChannelIDs(raw string) []uuid.UUID {
	if raw == "" || raw == "[]" {
		return nil
	}
	var strs []string
	if err := json.Unmarshal([]byte(raw), &strs); err != nil {
		d.logger.Warn("unparseable policy channel list", zap.Error(err))
		return nil
	}
	ids := make([]uuid.UUID, 0, len(strs))
	for _, s := range strs {
		id, err := uuid.Parse(s)
		if err != nil {
			d.logger.Warn("skipping malformed channel id", zap.String("id", s))
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// jobID builds the stable per-delivery id: alert-<alertId>-<channelId>,
// recovery-<alertId>-<channelId>, or the "oncall" suffix for
// rotation-addressed email.
func jobID(kind string, alertID uuid.UUID, suffix string) string {
	return fmt.Sprintf("%s-%s-%s", kind, alertID, suffix)
}

func deliveryOptions(jobKey string) queue.Options {
	return queue.Options{
		JobKey:   jobKey,
		Attempts: deliveryAttempts,
		Backoff:  deliveryBackoff,
	}
}

// alertMeta is the slice of the alert's coalescing metadata the payload
// builder needs. The evaluator owns the full shape.
type alertMeta struct {
	ErrorMessage   string `json:"errorMessage"`
	ResponseTimeMs *int64 `json:"responseTimeMs"`
	StatusCode     *int   `json:"statusCode"`
}

func parseAlertMeta(raw string) alertMeta {
	var m alertMeta
	if raw == "" {
		return m
	}
	_ = json.Unmarshal([]byte(raw), &m)
	return m
}
