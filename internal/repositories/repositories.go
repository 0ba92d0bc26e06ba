// Package repositories contains the data-access layer: one interface per
// aggregate plus GORM implementations. All methods take a context and wrap
// errors with a "<entity>: <operation>:" prefix; not-found and uniqueness
// conditions are translated to the package sentinels.
package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Unified-Projects/uni-status-sub002/internal/db"
)

// -----------------------------------------------------------------------------
// Common
// -----------------------------------------------------------------------------

// ListOptions contains common pagination options for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// -----------------------------------------------------------------------------
// MonitorRepository
// -----------------------------------------------------------------------------

type MonitorRepository interface {
	Create(ctx context.Context, monitor *db.Monitor) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Monitor, error)
	Update(ctx context.Context, monitor *db.Monitor) error

	// Delete removes the monitor and cascades its check results, rollups,
	// heartbeat pings, policy links, and pending probe jobs in one
	// transaction.
	Delete(ctx context.Context, id uuid.UUID) error

	List(ctx context.Context, orgID uuid.UUID, opts ListOptions) ([]db.Monitor, int64, error)

	// ListDue returns unpaused monitors whose nextCheckAt has passed,
	// excluding ssl-type monitors (they run on the 24h certificate sweep)
	// and any monitor in excluded.
	ListDue(ctx context.Context, now time.Time, excluded []uuid.UUID) ([]db.Monitor, error)

	// ListForCertSweep returns monitors that carry a certificate to watch:
	// type ssl, plus https monitors with certificate checks enabled.
	ListForCertSweep(ctx context.Context) ([]db.Monitor, error)

	// ListActive returns all unpaused, undeleted monitors. Used by the
	// aggregation timers.
	ListActive(ctx context.Context) ([]db.Monitor, error)

	// AdvanceSchedule atomically stamps lastCheckedAt and nextCheckAt.
	// The advanced nextCheckAt is the fence that keeps a monitor from being
	// enqueued twice for the same interval window.
	AdvanceSchedule(ctx context.Context, id uuid.UUID, lastCheckedAt, nextCheckAt time.Time) error

	// UpdateStatus sets the coarse status derived from the latest result.
	UpdateStatus(ctx context.Context, id uuid.UUID, status string, lastCheckedAt time.Time) error

	// ListByIDs returns the monitors with the given ids, skipping ids that
	// no longer exist. Used by the aggregate executor's member source and
	// the maintenance fan-out.
	ListByIDs(ctx context.Context, ids []uuid.UUID) ([]db.Monitor, error)
}

// -----------------------------------------------------------------------------
// ResultRepository
// -----------------------------------------------------------------------------

type ResultRepository interface {
	Create(ctx context.Context, result *db.CheckResult) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.CheckResult, error)

	// LastN returns the most recent n results for a monitor, newest first.
	LastN(ctx context.Context, monitorID uuid.UUID, n int) ([]db.CheckResult, error)

	// Latest returns the newest result for a monitor, or ErrNotFound.
	Latest(ctx context.Context, monitorID uuid.UUID) (*db.CheckResult, error)

	// LatestWithPayload returns the newest result for a monitor whose
	// payload contains the given JSON key. Used by the CT executor to find
	// the previous log-id set.
	LatestWithPayload(ctx context.Context, monitorID uuid.UUID, payloadKey string) (*db.CheckResult, error)

	// ListSince returns all results created at or after since, newest first.
	ListSince(ctx context.Context, monitorID uuid.UUID, since time.Time) ([]db.CheckResult, error)

	// ListRange returns results with createdAt in [from, to), oldest first.
	ListRange(ctx context.Context, monitorID uuid.UUID, from, to time.Time) ([]db.CheckResult, error)

	// CountFailuresSince counts results in {failure, timeout, error} created
	// at or after since.
	CountFailuresSince(ctx context.Context, monitorID uuid.UUID, since time.Time) (int64, error)

	DeleteOlderThan(ctx context.Context, t time.Time) (int64, error)

	// Heartbeat pings.
	CreatePing(ctx context.Context, ping *db.HeartbeatPing) error
	LatestPing(ctx context.Context, monitorID uuid.UUID) (*db.HeartbeatPing, error)
	DeletePingsOlderThan(ctx context.Context, t time.Time) (int64, error)
}

// -----------------------------------------------------------------------------
// RollupRepository
// -----------------------------------------------------------------------------

type RollupRepository interface {
	// UpsertHourly inserts or fully replaces the row for the bucket's
	// primary key. Idempotent under concurrent aggregation runs.
	UpsertHourly(ctx context.Context, row *db.CheckResultHourly) error
	UpsertDaily(ctx context.Context, row *db.CheckResultDaily) error

	GetHourly(ctx context.Context, monitorID uuid.UUID, region string, bucketStart time.Time) (*db.CheckResultHourly, error)
	GetDaily(ctx context.Context, monitorID uuid.UUID, region string, bucketDate time.Time) (*db.CheckResultDaily, error)

	// ListHourlyRange returns hourly rows with bucketStart in [from, to),
	// oldest first.
	ListHourlyRange(ctx context.Context, monitorID uuid.UUID, from, to time.Time) ([]db.CheckResultHourly, error)
	ListDailyRange(ctx context.Context, monitorID uuid.UUID, from, to time.Time) ([]db.CheckResultDaily, error)
}

// -----------------------------------------------------------------------------
// AlertRepository
// -----------------------------------------------------------------------------

type AlertRepository interface {
	// PoliciesForMonitor returns the enabled policies that apply to the
	// monitor: those linked via MonitorAlertPolicy, unioned with org-wide
	// policies (no link rows at all), deduplicated by id.
	PoliciesForMonitor(ctx context.Context, orgID, monitorID uuid.UUID) ([]db.AlertPolicy, error)

	GetPolicy(ctx context.Context, id uuid.UUID) (*db.AlertPolicy, error)
	CreatePolicy(ctx context.Context, policy *db.AlertPolicy) error
	LinkPolicy(ctx context.Context, link *db.MonitorAlertPolicy) error

	// OpenAlert returns the triggered AlertHistory for (policy, monitor),
	// or ErrNotFound.
	OpenAlert(ctx context.Context, policyID, monitorID uuid.UUID) (*db.AlertHistory, error)

	// CreateTriggered inserts a new triggered alert. Returns ErrConflict if
	// an open alert already exists for the pair (partial unique index).
	CreateTriggered(ctx context.Context, alert *db.AlertHistory) error

	// UpdateMetadata replaces the metadata JSON of an open alert.
	UpdateMetadata(ctx context.Context, id uuid.UUID, metadata string) error

	// Resolve transitions triggered -> resolved with a claim-style update:
	// the WHERE status='triggered' guard makes concurrent resolvers settle
	// on exactly one winner. Returns ErrNotFound when the alert was not
	// open (already resolved or missing).
	Resolve(ctx context.Context, id uuid.UUID, resolvedAt time.Time, resolvedBy string) error

	// LatestResolvedAt returns the most recent resolvedAt for the pair, or
	// nil when the pair has never resolved. Drives the cooldown guard.
	LatestResolvedAt(ctx context.Context, policyID, monitorID uuid.UUID) (*time.Time, error)

	GetAlert(ctx context.Context, id uuid.UUID) (*db.AlertHistory, error)
	ListAlertsByMonitor(ctx context.Context, monitorID uuid.UUID, opts ListOptions) ([]db.AlertHistory, int64, error)
}

// -----------------------------------------------------------------------------
// ChannelRepository
// -----------------------------------------------------------------------------

type ChannelRepository interface {
	CreateChannel(ctx context.Context, channel *db.AlertChannel) error
	GetChannel(ctx context.Context, id uuid.UUID) (*db.AlertChannel, error)
	ListChannelsByIDs(ctx context.Context, ids []uuid.UUID) ([]db.AlertChannel, error)

	// CreateLog records the terminal outcome of one delivery.
	CreateLog(ctx context.Context, log *db.NotificationLog) error
	ListLogsByAlert(ctx context.Context, alertHistoryID uuid.UUID) ([]db.NotificationLog, error)
}

// -----------------------------------------------------------------------------
// MaintenanceRepository
// -----------------------------------------------------------------------------

type MaintenanceRepository interface {
	Create(ctx context.Context, window *db.MaintenanceWindow) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.MaintenanceWindow, error)
	AddMonitor(ctx context.Context, windowID, monitorID uuid.UUID) error

	// ActiveMonitorIDs returns the union of affected monitor ids across all
	// windows active at now. The scheduler's exclusion set.
	ActiveMonitorIDs(ctx context.Context, now time.Time) ([]uuid.UUID, error)

	// InMaintenance reports whether any active window covers the monitor.
	InMaintenance(ctx context.Context, monitorID uuid.UUID, now time.Time) (bool, error)

	// ListNotifiable returns windows that may still owe a subscriber
	// notification: any notify flag set and the corresponding sent marker
	// empty, bounded to windows ending after since.
	ListNotifiable(ctx context.Context, since time.Time) ([]db.MaintenanceWindow, error)

	MonitorIDs(ctx context.Context, windowID uuid.UUID) ([]uuid.UUID, error)

	// MarkSlotSent stamps the slot's once-only marker. The update carries a
	// WHERE <marker> IS NULL guard; ErrConflict reports a lost race so the
	// caller skips sending.
	MarkSlotSent(ctx context.Context, windowID uuid.UUID, slot string, at time.Time) error
}

// -----------------------------------------------------------------------------
// IncidentRepository
// -----------------------------------------------------------------------------

type IncidentRepository interface {
	Create(ctx context.Context, incident *db.Incident) error
	AddMonitor(ctx context.Context, incidentID, monitorID uuid.UUID) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Incident, error)

	// ActiveByMonitor returns the newest unresolved incident covering the
	// monitor, or ErrNotFound.
	ActiveByMonitor(ctx context.Context, monitorID uuid.UUID) (*db.Incident, error)

	// LinkCheckResult attaches a failed result to an incident timeline.
	// Idempotent: linking the same pair twice is a no-op.
	LinkCheckResult(ctx context.Context, incidentID, checkResultID uuid.UUID) error

	ListCheckResultIDs(ctx context.Context, incidentID uuid.UUID) ([]uuid.UUID, error)
}

// -----------------------------------------------------------------------------
// ProbeRepository
// -----------------------------------------------------------------------------

type ProbeRepository interface {
	Create(ctx context.Context, probe *db.Probe) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Probe, error)
	GetByTokenHash(ctx context.Context, hash string) (*db.Probe, error)
	List(ctx context.Context, orgID uuid.UUID) ([]db.Probe, error)

	// RecordHeartbeat stamps lastHeartbeatAt, caches the metrics JSON, and
	// flips offline/pending probes back to active.
	RecordHeartbeat(ctx context.Context, id uuid.UUID, at time.Time, version, metricsJSON string) error

	// MarkOffline flips active probes silent since the cutoff to offline and
	// returns the probes that changed.
	MarkOffline(ctx context.Context, cutoff time.Time) ([]db.Probe, error)

	CreateAssignment(ctx context.Context, a *db.ProbeAssignment) error

	// AssignmentsForMonitor returns the monitor's assignments ordered by
	// priority ascending.
	AssignmentsForMonitor(ctx context.Context, monitorID uuid.UUID) ([]db.ProbeAssignment, error)

	CreatePendingJob(ctx context.Context, job *db.ProbePendingJob) error

	// ClaimPendingJobs atomically transitions up to max pending jobs for
	// the probe to claimed, stamping claimedAt and a fresh expiresAt.
	ClaimPendingJobs(ctx context.Context, probeID uuid.UUID, max int, now, expiresAt time.Time) ([]db.ProbePendingJob, error)

	GetPendingJob(ctx context.Context, id uuid.UUID) (*db.ProbePendingJob, error)

	// CompleteJob transitions claimed -> completed, guarded by the owning
	// probe id. ErrNotFound reports an expired or reassigned claim.
	CompleteJob(ctx context.Context, id, probeID uuid.UUID) error

	// RequeueExpired returns claimed jobs past their expiry to pending with
	// attempts+1 and a fresh expiry, and deletes jobs that exhausted
	// maxAttempts or went stale while still pending. Returns
	// (requeued, dropped).
	RequeueExpired(ctx context.Context, now, newExpiresAt time.Time, maxAttempts int) (int64, int64, error)

	CountPendingJobs(ctx context.Context, probeID uuid.UUID) (int64, error)

	// CountActive counts probes currently active. Feeds the online gauge.
	CountActive(ctx context.Context) (int64, error)

	DeleteFinishedBefore(ctx context.Context, t time.Time) (int64, error)
}

// -----------------------------------------------------------------------------
// OrgRepository
// -----------------------------------------------------------------------------

type OrgRepository interface {
	Create(ctx context.Context, org *db.Organization) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Organization, error)
	GetBySlug(ctx context.Context, slug string) (*db.Organization, error)

	// Status pages and subscribers (maintenance-window fan-out).
	CreatePage(ctx context.Context, page *db.StatusPage) error
	AddPageMonitor(ctx context.Context, pageID, monitorID uuid.UUID) error
	CreateSubscriber(ctx context.Context, sub *db.StatusPageSubscriber) error

	// PublishedPagesForMonitors returns published pages listing any of the
	// given monitors.
	PublishedPagesForMonitors(ctx context.Context, monitorIDs []uuid.UUID) ([]db.StatusPage, error)

	// VerifiedSubscribers returns verified, email-enabled subscribers of
	// the given pages.
	VerifiedSubscribers(ctx context.Context, pageIDs []uuid.UUID) ([]db.StatusPageSubscriber, error)

	// UnsubscribeSubscriber disables email delivery for the subscriber
	// whose id and unsubscribe token both match. ErrNotFound means the
	// link addressed a subscriber that no longer exists or whose token
	// was rotated.
	UnsubscribeSubscriber(ctx context.Context, id uuid.UUID, token string) error

	DeleteUnverifiedSubscribersBefore(ctx context.Context, t time.Time) (int64, error)
}

// -----------------------------------------------------------------------------
// AuditRepository
// -----------------------------------------------------------------------------

type AuditRepository interface {
	Create(ctx context.Context, entry *db.AuditLog) error
	ListByOrg(ctx context.Context, orgID uuid.UUID, opts ListOptions) ([]db.AuditLog, int64, error)
	DeleteOlderThan(ctx context.Context, t time.Time) (int64, error)
}

// -----------------------------------------------------------------------------
// ReportRepository
// -----------------------------------------------------------------------------

type ReportRepository interface {
	Create(ctx context.Context, report *db.ReportConfig) error
	// GetByID returns the report regardless of its enabled flag; callers that
	// only want runnable reports check Enabled themselves.
	GetByID(ctx context.Context, id uuid.UUID) (*db.ReportConfig, error)
	ListEnabled(ctx context.Context) ([]db.ReportConfig, error)
	UpdateLastRun(ctx context.Context, id uuid.UUID, at time.Time) error
}
