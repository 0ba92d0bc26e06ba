package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base contains the common fields shared by all models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// softDelete extends base with a nullable DeletedAt field for soft deletion.
// GORM filters out soft-deleted records from all queries unless Unscoped()
// is used explicitly.
type softDelete struct {
	base
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

// -----------------------------------------------------------------------------
// Organizations & status pages
// -----------------------------------------------------------------------------

// Organization is the tenant boundary. Every other entity belongs to exactly
// one organization. Credentials holds the org's BYO delivery/probe secrets as
// an encrypted JSON object (e.g. "smtp.password", "probe.enrollSecret");
// Settings holds non-sensitive preferences as plain JSON.
type Organization struct {
	base
	Name        string          `gorm:"not null"`
	Slug        string          `gorm:"uniqueIndex;not null"`
	Settings    string          `gorm:"type:text;default:'{}'"` // JSON, not sensitive
	Credentials EncryptedString `gorm:"type:text"`              // JSON, encrypted
}

// StatusPage is a public page listing a subset of an org's monitors.
// Rendering is an external concern; the core only needs pages to resolve
// maintenance-window subscribers.
type StatusPage struct {
	softDelete
	OrgID     uuid.UUID `gorm:"type:text;not null;index"`
	Slug      string    `gorm:"uniqueIndex;not null"`
	Title     string    `gorm:"not null"`
	Published bool      `gorm:"not null;default:false"`
}

// StatusPageMonitor is the join table between StatusPage and Monitor.
type StatusPageMonitor struct {
	base
	PageID       uuid.UUID `gorm:"type:text;not null;index:idx_page_monitor,unique"`
	MonitorID    uuid.UUID `gorm:"type:text;not null;index:idx_page_monitor,unique"`
	DisplayOrder int       `gorm:"not null;default:0"`
}

// StatusPageSubscriber is an email subscriber of a public status page.
// Unverified subscribers never receive notifications and are purged after
// seven days by the retention job. UnsubscribeToken is the JWT ID embedded
// in unsubscribe links.
type StatusPageSubscriber struct {
	base
	PageID           uuid.UUID `gorm:"type:text;not null;index"`
	Email            string    `gorm:"not null;index"`
	VerifiedAt       *time.Time
	EmailEnabled     bool   `gorm:"not null;default:true"`
	UnsubscribeToken string `gorm:"not null;default:''"`
}

// -----------------------------------------------------------------------------
// Monitors
// -----------------------------------------------------------------------------

// Monitor is a configured target: protocol, cadence, thresholds, and
// assertions. Type-specific settings live in Config as JSON; sensitive
// values inside Config (passwords, API keys) are individually encrypted by
// the secrets package before persistence.
//
// Status is the coarse rollup of recent results: pending until the first
// check, then active/degraded/down, or paused while Paused is set.
type Monitor struct {
	softDelete
	OrgID               uuid.UUID `gorm:"type:text;not null;index"`
	Name                string    `gorm:"not null"`
	Type                string    `gorm:"not null;index"` // see checks.Types for the closed set
	URL                 string    `gorm:"not null;default:''"`
	Method              string    `gorm:"not null;default:'GET'"`
	Headers             string    `gorm:"type:text;default:'{}'"` // JSON object
	Body                string    `gorm:"type:text;default:''"`
	IntervalSeconds     int       `gorm:"not null;default:60"`    // >= 10
	TimeoutMs           int       `gorm:"not null;default:30000"` // > 0
	DegradedThresholdMs int       `gorm:"not null;default:0"`     // 0 = disabled
	Assertions          string    `gorm:"type:text;default:'[]'"` // JSON array
	Config              string    `gorm:"type:text;default:'{}'"` // JSON, per-type
	Regions             string    `gorm:"type:text;default:'[]'"` // JSON array
	Paused              bool      `gorm:"not null;default:false"`
	Status              string    `gorm:"not null;default:'pending'"` // "active", "degraded", "down", "paused", "pending"
	LastCheckedAt       *time.Time
	NextCheckAt         *time.Time `gorm:"index"`
}

// CheckResult is one measurement of a monitor at a point in time. Rows are
// immutable after insert and age out via the retention job. ResponseTimeMs
// and the per-phase timings are nil when the probe never got that far.
// Payload carries protocol-specific metadata (certificate info, CT log ids,
// traceroute hops, email-auth scores) as JSON.
type CheckResult struct {
	base
	MonitorID      uuid.UUID `gorm:"type:text;not null;index:idx_results_monitor_created,priority:1"`
	Region         string    `gorm:"not null;default:''"`
	Status         string    `gorm:"not null"` // "success", "degraded", "failure", "timeout", "error"
	ResponseTimeMs *int64
	DNSLookupMs    *int64
	TCPConnectMs   *int64
	TLSHandshakeMs *int64
	StatusCode     *int
	ErrorMessage   string `gorm:"type:text;default:''"`
	ErrorCode      string `gorm:"default:''"`
	Payload        string `gorm:"type:text;default:'{}'"` // JSON metadata
}

// HeartbeatPing records an inbound ping from an external job (cron task,
// batch pipeline) tied to a heartbeat monitor. The heartbeat executor reads
// the latest ping to decide the monitor's state.
type HeartbeatPing struct {
	base
	MonitorID  uuid.UUID `gorm:"type:text;not null;index:idx_pings_monitor_created,priority:1"`
	Status     string    `gorm:"not null;default:'complete'"` // "start", "complete", "fail"
	DurationMs *int64
	ExitCode   *int
	Source     string `gorm:"default:''"` // remote IP
	UserAgent  string `gorm:"default:''"`
}

// -----------------------------------------------------------------------------
// Rollups
// -----------------------------------------------------------------------------

// CheckResultHourly is the hourly rollup of raw results for one monitor,
// region, and hour bucket. Written exclusively by upsert so concurrent
// aggregation runs converge on identical rows.
type CheckResultHourly struct {
	MonitorID         uuid.UUID `gorm:"type:text;primaryKey"`
	Region            string    `gorm:"primaryKey;default:''"`
	BucketStart       time.Time `gorm:"primaryKey"`
	AvgResponseTimeMs float64   `gorm:"not null;default:0"`
	MinResponseTimeMs int64     `gorm:"not null;default:0"`
	MaxResponseTimeMs int64     `gorm:"not null;default:0"`
	P50ResponseTimeMs int64     `gorm:"not null;default:0"`
	P75ResponseTimeMs int64     `gorm:"not null;default:0"`
	P90ResponseTimeMs int64     `gorm:"not null;default:0"`
	P95ResponseTimeMs int64     `gorm:"not null;default:0"`
	P99ResponseTimeMs int64     `gorm:"not null;default:0"`
	SuccessCount      int       `gorm:"not null;default:0"`
	DegradedCount     int       `gorm:"not null;default:0"`
	FailureCount      int       `gorm:"not null;default:0"`
	TotalCount        int       `gorm:"not null;default:0"`
	UptimePercentage  float64   `gorm:"not null;default:0"`
	CreatedAt         time.Time `gorm:"not null"`
	UpdatedAt         time.Time `gorm:"not null"`
}

// TableName avoids the awkward "hourlies" pluralization.
func (CheckResultHourly) TableName() string { return "check_results_hourly" }

// CheckResultDaily is the daily rollup, computed from hourly rows per
// region. Daily percentiles pool the hourly percentile values, so they are
// approximations of the raw distribution.
type CheckResultDaily struct {
	MonitorID         uuid.UUID `gorm:"type:text;primaryKey"`
	Region            string    `gorm:"primaryKey;default:''"`
	BucketDate        time.Time `gorm:"primaryKey"`
	AvgResponseTimeMs float64   `gorm:"not null;default:0"`
	MinResponseTimeMs int64     `gorm:"not null;default:0"`
	MaxResponseTimeMs int64     `gorm:"not null;default:0"`
	P50ResponseTimeMs int64     `gorm:"not null;default:0"`
	P95ResponseTimeMs int64     `gorm:"not null;default:0"`
	P99ResponseTimeMs int64     `gorm:"not null;default:0"`
	SuccessCount      int       `gorm:"not null;default:0"`
	DegradedCount     int       `gorm:"not null;default:0"`
	FailureCount      int       `gorm:"not null;default:0"`
	TotalCount        int       `gorm:"not null;default:0"`
	UptimePercentage  float64   `gorm:"not null;default:0"`
	CreatedAt         time.Time `gorm:"not null"`
	UpdatedAt         time.Time `gorm:"not null"`
}

func (CheckResultDaily) TableName() string { return "check_results_daily" }

// -----------------------------------------------------------------------------
// Alerting
// -----------------------------------------------------------------------------

// AlertPolicy describes when to fire an alert and where to send it.
// Conditions is a JSON object with OR-semantics across condition kinds
// (consecutiveFailures, failuresInWindow, degradedDuration,
// consecutiveSuccesses). Channels is a JSON array of AlertChannel ids.
//
// A policy with no MonitorAlertPolicy link rows applies org-wide; any link
// row scopes it to the linked monitors only.
type AlertPolicy struct {
	softDelete
	OrgID              uuid.UUID `gorm:"type:text;not null;index"`
	Name               string    `gorm:"not null"`
	Enabled            bool      `gorm:"not null;default:true"`
	Conditions         string    `gorm:"type:text;not null;default:'{}'"` // JSON
	Channels           string    `gorm:"type:text;not null;default:'[]'"` // JSON array of channel ids
	CooldownMinutes    int       `gorm:"not null;default:10"`
	EscalationPolicyID string    `gorm:"default:''"` // enterprise hook, opaque
	OncallRotationID   string    `gorm:"default:''"` // enterprise hook, opaque
}

// MonitorAlertPolicy scopes an AlertPolicy to a monitor.
type MonitorAlertPolicy struct {
	base
	MonitorID uuid.UUID `gorm:"type:text;not null;index:idx_monitor_policy,unique"`
	PolicyID  uuid.UUID `gorm:"type:text;not null;index:idx_monitor_policy,unique"`
}

// AlertHistory is a persisted finding that a policy's fire condition held
// for a monitor. At most one row per (policy, monitor) may be in status
// "triggered" at any instant; the partial unique index in the schema is the
// authoritative guard. Metadata carries the coalescing counters
// (failureCount, failureTimestamps capped at 20) and the latest offending
// check's details as JSON.
type AlertHistory struct {
	base
	OrgID       uuid.UUID `gorm:"type:text;not null;index"`
	MonitorID   uuid.UUID `gorm:"type:text;not null;index"`
	PolicyID    uuid.UUID `gorm:"type:text;not null;index"`
	Status      string    `gorm:"not null;default:'triggered'"` // "triggered", "resolved"
	TriggeredAt time.Time `gorm:"not null"`
	ResolvedAt  *time.Time
	ResolvedBy  string `gorm:"default:''"` // "system" or a user id
	Metadata    string `gorm:"type:text;default:'{}'"` // JSON
}

// AlertChannel is a delivery destination (email, slack, webhook, ...).
// Config is the channel-type-specific settings object, encrypted as a whole
// because most types embed tokens or keys.
type AlertChannel struct {
	softDelete
	OrgID   uuid.UUID       `gorm:"type:text;not null;index"`
	Name    string          `gorm:"not null"`
	Type    string          `gorm:"not null"` // "email", "slack", "discord", "webhook", "teams", "pagerduty", "sms", "ntfy", "googlechat", "irc", "twitter"
	Config  EncryptedString `gorm:"type:text"` // JSON, encrypted
	Enabled bool            `gorm:"not null;default:true"`
}

// NotificationLog records the terminal outcome of one notification delivery
// per channel per alert. Exactly one row is written when a delivery either
// succeeds or exhausts its attempts.
type NotificationLog struct {
	base
	AlertHistoryID uuid.UUID `gorm:"type:text;not null;index"`
	ChannelID      uuid.UUID `gorm:"type:text;not null;index"`
	Success        bool      `gorm:"not null"`
	ResponseCode   *int
	ErrorMessage   string    `gorm:"type:text;default:''"`
	RetryCount     int       `gorm:"not null;default:0"`
	SentAt         time.Time `gorm:"not null"`
}

// -----------------------------------------------------------------------------
// Maintenance & incidents
// -----------------------------------------------------------------------------

// MaintenanceWindow suppresses checks and alerts for its monitors between
// StartsAt and EndsAt. The three *SentAt markers make subscriber
// notifications once-only across restarts.
type MaintenanceWindow struct {
	softDelete
	OrgID              uuid.UUID `gorm:"type:text;not null;index"`
	Name               string    `gorm:"not null"`
	Description        string    `gorm:"type:text;default:''"`
	StartsAt           time.Time `gorm:"not null;index"`
	EndsAt             time.Time `gorm:"not null;index"` // > StartsAt
	BeforeStartMinutes int       `gorm:"not null;default:60"`
	NotifyBeforeStart  bool      `gorm:"not null;default:false"`
	NotifyOnStart      bool      `gorm:"not null;default:false"`
	NotifyOnEnd        bool      `gorm:"not null;default:false"`
	BeforeStartSentAt  *time.Time
	OnStartSentAt      *time.Time
	OnEndSentAt        *time.Time
}

// MaintenanceWindowMonitor is the join table between MaintenanceWindow and
// the monitors it covers.
type MaintenanceWindowMonitor struct {
	base
	WindowID  uuid.UUID `gorm:"type:text;not null;index:idx_window_monitor,unique"`
	MonitorID uuid.UUID `gorm:"type:text;not null;index:idx_window_monitor,unique"`
}

// Incident is a user- or correlator-opened outage record. Failed check
// results are linked to the monitor's active incident during ingest.
type Incident struct {
	softDelete
	OrgID      uuid.UUID `gorm:"type:text;not null;index"`
	Title      string    `gorm:"not null"`
	Severity   string    `gorm:"not null;default:'minor'"`         // "minor", "major", "critical"
	Status     string    `gorm:"not null;default:'investigating'"` // "investigating", "identified", "monitoring", "resolved"
	StartedAt  time.Time `gorm:"not null"`
	ResolvedAt *time.Time
}

// IncidentMonitor is the join table between Incident and affected monitors.
type IncidentMonitor struct {
	base
	IncidentID uuid.UUID `gorm:"type:text;not null;index:idx_incident_monitor,unique"`
	MonitorID  uuid.UUID `gorm:"type:text;not null;index:idx_incident_monitor,unique"`
}

// IncidentCheckResult links a failed check result to an incident timeline.
// The unique pair makes the link idempotent under job re-delivery.
type IncidentCheckResult struct {
	base
	IncidentID    uuid.UUID `gorm:"type:text;not null;index:idx_incident_result,unique"`
	CheckResultID uuid.UUID `gorm:"type:text;not null;index:idx_incident_result,unique"`
}

// -----------------------------------------------------------------------------
// Remote probes
// -----------------------------------------------------------------------------

// Probe is a registered edge agent that executes checks from a remote
// network location. The raw bearer token is never stored, only its SHA-256
// hex. Metrics caches the last heartbeat's system metrics as JSON for the
// dashboard.
type Probe struct {
	softDelete
	OrgID           uuid.UUID `gorm:"type:text;not null;index"`
	Name            string    `gorm:"not null"`
	Region          string    `gorm:"not null;default:''"`
	TokenHash       string    `gorm:"not null;uniqueIndex"` // SHA-256 hex of the bearer token
	Status          string    `gorm:"not null;default:'pending'"` // "active", "offline", "disabled", "pending"
	Version         string    `gorm:"default:''"`
	LastHeartbeatAt *time.Time
	Metrics         string `gorm:"type:text;default:'{}'"` // JSON, last heartbeat metrics
}

// ProbeAssignment pins a monitor to a probe. When any assignment for a
// monitor is exclusive, only that probe runs its checks; otherwise every
// active assigned probe runs each check.
type ProbeAssignment struct {
	base
	ProbeID   uuid.UUID `gorm:"type:text;not null;index:idx_probe_monitor,unique"`
	MonitorID uuid.UUID `gorm:"type:text;not null;index:idx_probe_monitor,unique"`
	Priority  int       `gorm:"not null;default:0"`
	Exclusive bool      `gorm:"not null;default:false"`
}

// ProbePendingJob is one check the scheduler has pinned to a probe. The
// probe claims it over the lease API (pending -> claimed) and completes it
// by submitting a result. Jobs past ExpiresAt are reaped back to pending by
// the probe-health timer, up to three delivery attempts.
type ProbePendingJob struct {
	base
	ProbeID   uuid.UUID  `gorm:"type:text;not null;index"`
	MonitorID uuid.UUID  `gorm:"type:text;not null;index"`
	JobData   string     `gorm:"type:text;not null"` // JSON check spec
	Status    string     `gorm:"not null;default:'pending'"` // "pending", "claimed", "completed"
	Attempts  int        `gorm:"not null;default:0"`
	ClaimedAt *time.Time
	ExpiresAt time.Time `gorm:"not null;index"`
}

// -----------------------------------------------------------------------------
// Reports & audit
// -----------------------------------------------------------------------------

// ReportConfig schedules a recurring uptime summary delivered through an
// alert channel. Schedule is a standard cron expression.
type ReportConfig struct {
	softDelete
	OrgID     uuid.UUID `gorm:"type:text;not null;index"`
	Name      string    `gorm:"not null"`
	Schedule  string    `gorm:"not null"` // cron expression
	ChannelID uuid.UUID `gorm:"type:text;not null"`
	Enabled   bool      `gorm:"not null;default:true"`
	LastRunAt *time.Time
}

// AuditLog records lifecycle transitions (alert fired/resolved, maintenance
// slots, probe registration) for compliance views. Rows age out after 180
// days.
type AuditLog struct {
	base
	OrgID    uuid.UUID `gorm:"type:text;not null;index"`
	Actor    string    `gorm:"not null;default:'system'"`
	Action   string    `gorm:"not null"`
	Entity   string    `gorm:"not null"`
	EntityID string    `gorm:"not null;default:''"`
	Metadata string    `gorm:"type:text;default:'{}'"` // JSON
}

// -----------------------------------------------------------------------------
// Queue
// -----------------------------------------------------------------------------

// QueueJob backs the persistent work queue. JobKey is the caller-supplied
// dedupe key, unique per queue among unfinished jobs. RunAt implements
// delayed jobs and retry backoff; LockedAt/LockedBy fence a claimed job for
// the lock TTL.
type QueueJob struct {
	base
	Queue       string    `gorm:"not null;index:idx_jobs_queue_status_runat,priority:1"`
	JobKey      string    `gorm:"not null;default:''"`
	Payload     string    `gorm:"type:text;not null;default:'{}'"` // JSON
	Status      string    `gorm:"not null;default:'pending';index:idx_jobs_queue_status_runat,priority:2"` // "pending", "processing", "done", "failed"
	Attempts    int       `gorm:"not null;default:0"`
	MaxAttempts int       `gorm:"not null;default:5"`
	BackoffMs   int64     `gorm:"not null;default:1000"`
	RunAt       time.Time `gorm:"not null;index:idx_jobs_queue_status_runat,priority:3"`
	LockedAt    *time.Time
	LockedBy    string `gorm:"default:''"`
	LastError   string `gorm:"type:text;default:''"`
	FinishedAt  *time.Time
}
