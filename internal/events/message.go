// Package events implements the in-process pub/sub hub that pushes pipeline
// events to connected WebSocket clients. It uses gorilla/websocket under the
// hood and exposes a topic-based broadcast API consumed by result ingest,
// the alert evaluator, and the probe registry.
//
// Topic naming convention:
//
//	monitor:<uuid>  check results and certificate findings for one monitor
//	org:<uuid>      alert and probe lifecycle events for one organization
package events

import "github.com/google/uuid"

// Event type constants. Clients dispatch on the Type field of the envelope.
const (
	// TypeMonitorCheck is published on every ingested check result.
	TypeMonitorCheck = "monitor:check"

	// TypeMonitorCertificate is published when an ssl check reports
	// certificate metadata (expiry days, issuer).
	TypeMonitorCertificate = "monitor:certificate"

	// TypeMonitorCT is published when a certificate-transparency check
	// reports its log id set, including newly observed entries.
	TypeMonitorCT = "monitor:certificate_transparency"

	// TypeMonitorHeartbeat is published when an external job pings a
	// heartbeat monitor.
	TypeMonitorHeartbeat = "monitor:heartbeat"

	// TypeAlertTriggered and TypeAlertResolved track alert lifecycle on the
	// org topic.
	TypeAlertTriggered = "alert:triggered"
	TypeAlertResolved  = "alert:resolved"

	// TypeProbeOnline and TypeProbeOffline track probe availability on the
	// org topic.
	TypeProbeOnline  = "probe:online"
	TypeProbeOffline = "probe:offline"

	// TypeMaintenanceStarted and TypeMaintenanceEnded mark window
	// transitions on the org topic.
	TypeMaintenanceStarted = "maintenance:started"
	TypeMaintenanceEnded   = "maintenance:ended"
)

// MonitorTopic returns the per-monitor topic name.
func MonitorTopic(monitorID uuid.UUID) string { return "monitor:" + monitorID.String() }

// OrgTopic returns the per-organization topic name.
func OrgTopic(orgID uuid.UUID) string { return "org:" + orgID.String() }

// Message is the envelope for every frame sent to clients.
//
// JSON example:
//
//	{"type":"monitor:check","topic":"monitor:018f...","data":{"status":"active"}}
type Message struct {
	// Type identifies the kind of event (one of the Type* constants).
	Type string `json:"type"`

	// Topic is the pub/sub channel this message was published on. Clients
	// subscribed to several topics use it to route the update.
	Topic string `json:"topic"`

	// Data carries the event-specific fields. The shape varies by Type:
	//   - monitor:check: {"monitorId","status","responseTimeMs","timestamp"}
	//   - alert:triggered: {"alertId","monitorId","timestamp"}
	//   - alert:resolved: {"alertId","monitorId","resolvedBy","timestamp"}
	//   - probe:offline: {"probeId","name","lastHeartbeatAt"}
	Data any `json:"data"`
}
