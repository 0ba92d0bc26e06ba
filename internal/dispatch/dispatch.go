// Package dispatch turns due monitors into executable work. It owns the
// mapping from monitor type to queue, the serialization of a monitor row
// into a self-contained check job, and the worker that runs claimed jobs
// through the executor registry and hands outcomes to result ingest.
//
// A check job carries a full checks.Input snapshot, so workers and remote
// probes never read the monitors table. Sensitive config fields stay sealed
// inside the stored payload; they are resolved at the edge of execution
// (Runner.Handle for local workers, the probe claim handler for remote
// probes) and never written back.
package dispatch

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Unified-Projects/uni-status-sub002/internal/checks"
	"github.com/Unified-Projects/uni-status-sub002/internal/db"
)

// Queue names. Check queues isolate slow protocol families so a burst of
// timing-out traceroutes cannot starve HTTP checks; the remaining queues
// carry pipeline work (deliveries, rollups, reports, retention).
const (
	QueueHTTP          = "http"
	QueueDNS           = "dns"
	QueueSSL           = "ssl"
	QueueTraceroute    = "traceroute"
	QueueDefault       = "default"
	QueueNotifications = "notifications"
	QueueAggregation   = "aggregation"
	QueueReports       = "reports"
	QueueCleanup       = "cleanup"
)

// Notification channel kinds. Deliveries route to one queue per kind so a
// slow or failing provider only backs up its own channel; sms gets its own
// queue instead of sharing email's.
var channelKinds = []string{
	"email", "webhook", "slack", "discord", "teams", "googlechat",
	"pagerduty", "ntfy", "sms", "irc", "twitter",
}

// concurrency is the per-queue worker pool width. Aggregation and cleanup
// are serialized: rollup upserts for the same bucket must not race, and
// retention deletes are bulk statements that gain nothing from parallelism.
// IRC deliveries hold a TCP dialogue open, so that pool stays narrow.
var concurrency = map[string]int{
	QueueHTTP:                   50,
	QueueDNS:                    20,
	QueueSSL:                    10,
	QueueTraceroute:             5,
	QueueNotifications:          10,
	QueueNotifications + ":irc": 2,
	QueueNotifications + ":sms": 5,
	QueueAggregation:            1,
	QueueCleanup:                1,
}

// defaultConcurrency applies to queues absent from the map.
const defaultConcurrency = 10

// Queues returns every queue the server binds workers for.
func Queues() []string {
	queues := []string{
		QueueHTTP,
		QueueDNS,
		QueueSSL,
		QueueTraceroute,
		QueueDefault,
		QueueNotifications,
		QueueAggregation,
		QueueReports,
		QueueCleanup,
	}
	return append(queues, NotificationQueues()...)
}

// NotificationQueues lists the per-kind delivery queues.
func NotificationQueues() []string {
	out := make([]string, 0, len(channelKinds))
	for _, kind := range channelKinds {
		out = append(out, QueueNotifications+":"+kind)
	}
	return out
}

// NotificationQueueFor resolves the delivery queue for a channel kind.
// Unknown kinds ride the shared notifications queue.
func NotificationQueueFor(kind string) string {
	for _, k := range channelKinds {
		if k == kind {
			return QueueNotifications + ":" + kind
		}
	}
	return QueueNotifications
}

// Concurrency returns the worker pool width for a queue.
func Concurrency(queueName string) int {
	if n, ok := concurrency[queueName]; ok {
		return n
	}
	return defaultConcurrency
}

// QueueForType resolves the check queue for a monitor type. DNS-based and
// certificate-based checks share their protocol family's queue; everything
// without a dedicated family lands on the default queue.
func QueueForType(monitorType string) string {
	switch monitorType {
	case checks.TypeHTTP:
		return QueueHTTP
	case checks.TypeDNS, checks.TypeEmailAuth:
		return QueueDNS
	case checks.TypeSSL, checks.TypeCT:
		return QueueSSL
	case checks.TypeTraceroute:
		return QueueTraceroute
	default:
		return QueueDefault
	}
}

// JobKey builds the dedupe key for a check enqueue. Two enqueue attempts
// for the same monitor in the same scheduler tick collapse to one job.
func JobKey(monitorID uuid.UUID, at time.Time) string {
	return fmt.Sprintf("%s-%d", monitorID, at.UnixMilli())
}

// BuildInput serializes a monitor row into a self-contained check input.
// The region names where the check will run; for local execution that is
// the server's configured region. Config values remain sealed.
func BuildInput(m *db.Monitor, region string) (*checks.Input, error) {
	in := &checks.Input{
		MonitorID:           m.ID.String(),
		OrgID:               m.OrgID.String(),
		Type:                m.Type,
		URL:                 m.URL,
		Method:              m.Method,
		Body:                m.Body,
		TimeoutMs:           m.TimeoutMs,
		DegradedThresholdMs: m.DegradedThresholdMs,
		IntervalSeconds:     m.IntervalSeconds,
		Region:              region,
	}

	if m.Headers != "" && m.Headers != "{}" {
		if err := json.Unmarshal([]byte(m.Headers), &in.Headers); err != nil {
			return nil, fmt.Errorf("dispatch: monitor %s: decode headers: %w", m.ID, err)
		}
	}
	if m.Assertions != "" && m.Assertions != "[]" {
		if err := json.Unmarshal([]byte(m.Assertions), &in.Assertions); err != nil {
			return nil, fmt.Errorf("dispatch: monitor %s: decode assertions: %w", m.ID, err)
		}
	}
	if m.Config != "" && m.Config != "{}" {
		if err := json.Unmarshal([]byte(m.Config), &in.Config); err != nil {
			return nil, fmt.Errorf("dispatch: monitor %s: decode config: %w", m.ID, err)
		}
	}

	return in, nil
}

// HourlyRollupJob asks the aggregation worker to roll one monitor's raw
// results for one complete hour.
type HourlyRollupJob struct {
	MonitorID   string    `json:"monitorId"`
	BucketStart time.Time `json:"bucketStart"`
}

// DailyRollupJob asks the aggregation worker to roll one monitor's hourly
// rows for one UTC day.
type DailyRollupJob struct {
	MonitorID string `json:"monitorId"`
	Date      string `json:"date"` // YYYY-MM-DD
}

// ReportJob asks the report worker to render and deliver one scheduled
// report.
type ReportJob struct {
	ReportID string `json:"reportId"`
}

// CleanupJob triggers one retention pass. Retention windows live in server
// config, not in the job, so a stale job cannot apply stale policy.
type CleanupJob struct {
	TriggeredAt time.Time `json:"triggeredAt"`
}

// EncodeJob marshals a check input for storage in a queue payload or a
// probe pending job. DecodeJob is its inverse.
func EncodeJob(in *checks.Input) ([]byte, error) {
	raw, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("dispatch: encode job: %w", err)
	}
	return raw, nil
}

// DecodeJob unmarshals a stored check job back into an input.
func DecodeJob(raw []byte) (*checks.Input, error) {
	var in checks.Input
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("dispatch: decode job: %w", err)
	}
	return &in, nil
}
