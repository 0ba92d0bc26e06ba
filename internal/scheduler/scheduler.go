// Package scheduler turns the passage of wall time into enqueued work. It
// wraps gocron and owns every periodic concern of the server: the due-monitor
// poll, the maintenance notification scan, hourly and daily rollup triggers,
// the 24h certificate sweep, probe health, retention cleanup, and scheduled
// reports.
//
// All timers run in singleton mode: if a tick is still running when the next
// one fires, the new execution is skipped rather than overlapped. The
// scheduler keeps no state of its own; the advanced nextCheckAt column is the
// fence that stops two ticks from enqueueing the same monitor for the same
// interval window, so a restarted server resumes exactly where the database
// says it should.
//
// Due-monitor flow per tick:
//  1. Union the monitors of currently active maintenance windows into an
//     exclusion set.
//  2. Select unpaused monitors with nextCheckAt <= now, minus the exclusion
//     set (ssl monitors live on the certificate sweep instead).
//  3. Passive types advance their schedule without a job. Monitors with
//     probe assignments become ProbePendingJob rows. Everything else is
//     enqueued on its protocol queue with a per-tick dedupe key.
//  4. The schedule advances only after the job is safely stored, giving
//     at-least-once dispatch.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/Unified-Projects/uni-status-sub002/internal/checks"
	"github.com/Unified-Projects/uni-status-sub002/internal/db"
	"github.com/Unified-Projects/uni-status-sub002/internal/dispatch"
	"github.com/Unified-Projects/uni-status-sub002/internal/queue"
	"github.com/Unified-Projects/uni-status-sub002/internal/repositories"
)

const (
	defaultPollInterval = 10 * time.Second
	maintenanceEvery    = 30 * time.Second
	hourlyRollupEvery   = 5 * time.Minute
	dailyRollupEvery    = time.Hour
	certSweepEvery      = 24 * time.Hour
	probeHealthEvery    = time.Minute
	cleanupEvery        = 24 * time.Hour
	reportScanEvery     = 15 * time.Minute

	// pendingJobTTL bounds how long a probe job may sit unclaimed or
	// claimed before the health sweep requeues or drops it.
	pendingJobTTL = 5 * time.Minute

	// tickTimeout bounds a single timer execution. Ticks iterate over
	// monitor sets, so the budget is generous compared to a single query.
	tickTimeout = 2 * time.Minute
)

// MaintenanceNotifier runs one maintenance-window notification scan.
// Implemented by the maintenance package.
type MaintenanceNotifier interface {
	Scan(ctx context.Context, now time.Time) error
}

// ProbeSweeper marks silent probes offline and reaps expired probe jobs.
// Implemented by the probes package.
type ProbeSweeper interface {
	Sweep(ctx context.Context, now time.Time) error
}

// Config carries the scheduler's tunables. Zero values fall back to the
// defaults above.
type Config struct {
	PollInterval time.Duration
	Region       string // region stamped on locally executed checks
}

// Deps bundles the scheduler's collaborators.
type Deps struct {
	Monitors    repositories.MonitorRepository
	Results     repositories.ResultRepository
	Maintenance repositories.MaintenanceRepository
	Probes      repositories.ProbeRepository
	Reports     repositories.ReportRepository
	Queue       queue.Enqueuer
	Notifier    MaintenanceNotifier
	Sweeper     ProbeSweeper
}

// Scheduler wraps gocron and coordinates all periodic work. The zero value
// is not usable; create instances with New.
type Scheduler struct {
	cron   gocron.Scheduler
	deps   Deps
	poll   time.Duration
	region string
	logger *zap.Logger
	now    func() time.Time
}

// New creates and configures a Scheduler. Call Start to begin processing.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Scheduler, error) {
	c, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("scheduler: create gocron scheduler: %w", err)
	}

	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}

	return &Scheduler{
		cron:   c,
		deps:   deps,
		poll:   poll,
		region: cfg.Region,
		logger: logger.Named("scheduler"),
		now:    time.Now,
	}, nil
}

// Start registers all timers and starts the underlying gocron scheduler.
// It should be called once at server startup, after the database connection
// is established.
func (s *Scheduler) Start() error {
	type timer struct {
		name  string
		every time.Duration
		run   func(ctx context.Context)
		// firstAt delays the first tick; zero means one full period.
		// The long-period timers start sooner so a daily restart cycle
		// cannot starve them.
		firstAt time.Duration
	}

	start := s.now()
	timers := []timer{
		{name: "due_monitors", every: s.poll, run: s.pollDueMonitors},
		{name: "maintenance_notifications", every: maintenanceEvery, run: s.scanMaintenance},
		{name: "hourly_rollups", every: hourlyRollupEvery, run: s.enqueueHourlyRollups},
		{name: "daily_rollups", every: dailyRollupEvery, run: s.enqueueDailyRollups},
		{name: "certificate_sweep", every: certSweepEvery, run: s.sweepCertificates, firstAt: 2 * time.Minute},
		{name: "probe_health", every: probeHealthEvery, run: s.sweepProbes},
		{name: "retention_cleanup", every: cleanupEvery, run: s.enqueueCleanup, firstAt: 10 * time.Minute},
		{name: "report_scan", every: reportScanEvery, run: s.scanReports},
	}

	for _, tm := range timers {
		run := tm.run
		opts := []gocron.JobOption{
			gocron.WithTags(tm.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		}
		if tm.firstAt > 0 {
			opts = append(opts, gocron.WithStartAt(gocron.WithStartDateTime(start.Add(tm.firstAt))))
		}
		_, err := s.cron.NewJob(
			gocron.DurationJob(tm.every),
			gocron.NewTask(func() {
				ctx, cancel := context.WithTimeout(context.Background(), tickTimeout)
				defer cancel()
				run(ctx)
			}),
			opts...,
		)
		if err != nil {
			return fmt.Errorf("scheduler: register %s timer: %w", tm.name, err)
		}
	}

	s.logger.Info("scheduler started",
		zap.Duration("poll_interval", s.poll),
		zap.Int("timers", len(timers)),
	)
	s.cron.Start()
	return nil
}

// Stop gracefully shuts down the underlying gocron scheduler, waiting for
// any currently running tick to complete before returning.
func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("scheduler: shutdown: %w", err)
	}
	s.logger.Info("scheduler stopped")
	return nil
}

// pollDueMonitors is the core tick. Individual monitor failures are logged
// and skipped; they must not stop the remaining monitors in the same tick.
func (s *Scheduler) pollDueMonitors(ctx context.Context) {
	now := s.now()

	// --- 1. Maintenance exclusion set ---
	excluded, err := s.deps.Maintenance.ActiveMonitorIDs(ctx, now)
	if err != nil {
		// Without the exclusion set we could enqueue checks for monitors
		// under maintenance; skip the whole tick instead.
		s.logger.Error("failed to load maintenance exclusions, skipping tick", zap.Error(err))
		return
	}

	// --- 2. Due selection ---
	due, err := s.deps.Monitors.ListDue(ctx, now, excluded)
	if err != nil {
		s.logger.Error("failed to list due monitors", zap.Error(err))
		return
	}
	if len(due) == 0 {
		return
	}

	// --- 3. Dispatch each monitor ---
	dispatched := 0
	for i := range due {
		if err := s.dispatchMonitor(ctx, &due[i], now); err != nil {
			s.logger.Error("failed to dispatch monitor",
				zap.String("monitor_id", due[i].ID.String()),
				zap.String("type", due[i].Type),
				zap.Error(err),
			)
			continue
		}
		dispatched++
	}

	s.logger.Debug("tick complete",
		zap.Int("due", len(due)),
		zap.Int("dispatched", dispatched),
		zap.Int("excluded", len(excluded)),
	)
}

// dispatchMonitor routes one due monitor: passive types only advance their
// schedule, probe-assigned monitors become pending probe jobs, everything
// else is enqueued on its protocol queue. The schedule advances only after
// the work is stored; an enqueue failure leaves nextCheckAt untouched so the
// next tick retries.
func (s *Scheduler) dispatchMonitor(ctx context.Context, m *db.Monitor, now time.Time) error {
	next := now.Add(time.Duration(m.IntervalSeconds) * time.Second)

	if checks.IsPassive(m.Type) {
		return s.deps.Monitors.AdvanceSchedule(ctx, m.ID, now, next)
	}

	// heartbeat and aggregate are evaluated in-core, never shipped to
	// probes, so assignment routing applies to network types only.
	if !checks.ServerEvaluated(m.Type) {
		assignments, err := s.deps.Probes.AssignmentsForMonitor(ctx, m.ID)
		if err != nil {
			return err
		}
		if len(assignments) > 0 {
			if err := s.dispatchToProbes(ctx, m, assignments, now); err != nil {
				return err
			}
			// Advance even when every assignee was offline; otherwise
			// the monitor goes hot-loop due on every tick.
			return s.deps.Monitors.AdvanceSchedule(ctx, m.ID, now, next)
		}
	}

	in, err := s.buildInput(ctx, m, s.region)
	if err != nil {
		// Stored JSON that does not decode stays broken on retry. Log,
		// advance the schedule, and let the monitor surface the problem
		// through its missing results.
		s.logger.Error("failed to build check input",
			zap.String("monitor_id", m.ID.String()),
			zap.Error(err),
		)
		return s.deps.Monitors.AdvanceSchedule(ctx, m.ID, now, next)
	}

	err = s.deps.Queue.Enqueue(ctx, dispatch.QueueForType(m.Type), in, queue.Options{
		JobKey: dispatch.JobKey(m.ID, now),
	})
	if err != nil {
		return fmt.Errorf("scheduler: enqueue check: %w", err)
	}

	return s.deps.Monitors.AdvanceSchedule(ctx, m.ID, now, next)
}

// dispatchToProbes creates one pending job per target probe. A failure to
// create one probe's job does not stop the others.
func (s *Scheduler) dispatchToProbes(ctx context.Context, m *db.Monitor, assignments []db.ProbeAssignment, now time.Time) error {
	targets := s.selectProbes(ctx, assignments)
	if len(targets) == 0 {
		s.logger.Warn("no eligible probe for assigned monitor, skipping dispatch",
			zap.String("monitor_id", m.ID.String()),
			zap.Int("assignments", len(assignments)),
		)
		return nil
	}

	// The probe's own region is stamped at claim time, so the job data
	// carries no region.
	in, err := s.buildInput(ctx, m, "")
	if err != nil {
		s.logger.Error("failed to build probe job input",
			zap.String("monitor_id", m.ID.String()),
			zap.Error(err),
		)
		return nil
	}
	raw, err := dispatch.EncodeJob(in)
	if err != nil {
		return err
	}

	for _, probe := range targets {
		job := &db.ProbePendingJob{
			ProbeID:   probe.ID,
			MonitorID: m.ID,
			JobData:   string(raw),
			Status:    "pending",
			ExpiresAt: now.Add(pendingJobTTL),
		}
		if err := s.deps.Probes.CreatePendingJob(ctx, job); err != nil {
			s.logger.Error("failed to create probe job",
				zap.String("monitor_id", m.ID.String()),
				zap.String("probe_id", probe.ID.String()),
				zap.Error(err),
			)
			continue
		}
	}
	return nil
}

// selectProbes resolves assignment rows to dispatch targets. An exclusive
// assignment wins outright: its probe gets the job even while offline (the
// job waits out the probe's outage, bounded by the pending-job TTL), unless
// the probe is disabled. Without an exclusive assignment every active
// assigned probe runs the check redundantly; offline probes are skipped.
func (s *Scheduler) selectProbes(ctx context.Context, assignments []db.ProbeAssignment) []*db.Probe {
	for _, a := range assignments {
		if !a.Exclusive {
			continue
		}
		p, err := s.probeByID(ctx, a.ProbeID)
		if err != nil {
			return nil
		}
		if p.Status == "disabled" {
			return nil
		}
		return []*db.Probe{p}
	}

	var targets []*db.Probe
	for _, a := range assignments {
		p, err := s.probeByID(ctx, a.ProbeID)
		if err != nil {
			continue
		}
		if p.Status == "active" {
			targets = append(targets, p)
		}
	}
	return targets
}

func (s *Scheduler) probeByID(ctx context.Context, id uuid.UUID) (*db.Probe, error) {
	p, err := s.deps.Probes.GetByID(ctx, id)
	if err != nil {
		s.logger.Warn("failed to load assigned probe",
			zap.String("probe_id", id.String()),
			zap.Error(err),
		)
		return nil, err
	}
	return p, nil
}

// buildInput serializes the monitor and, for CT checks, injects the
// certificate ids seen by the previous CT run so the executor can diff
// against them.
func (s *Scheduler) buildInput(ctx context.Context, m *db.Monitor, region string) (*checks.Input, error) {
	in, err := dispatch.BuildInput(m, region)
	if err != nil {
		return nil, err
	}
	if m.Type == checks.TypeCT {
		ids, err := s.priorCTLogIDs(ctx, m.ID)
		if err != nil {
			return nil, err
		}
		in.PriorCTLogIDs = ids
	}
	return in, nil
}

// priorCTLogIDs loads the baseline for a CT diff. A missing prior result
// returns nil, which the executor treats as a first run; a lookup failure
// is returned as an error because silently resetting the baseline would
// suppress new-certificate alerts.
func (s *Scheduler) priorCTLogIDs(ctx context.Context, monitorID uuid.UUID) ([]int64, error) {
	prior, err := s.deps.Results.LatestWithPayload(ctx, monitorID, "ctLogIds")
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("scheduler: load ct baseline: %w", err)
	}

	var payload struct {
		CTLogIDs []int64 `json:"ctLogIds"`
	}
	if err := json.Unmarshal([]byte(prior.Payload), &payload); err != nil {
		s.logger.Warn("unreadable ct baseline payload, starting fresh",
			zap.String("monitor_id", monitorID.String()),
			zap.Error(err),
		)
		return nil, nil
	}
	// An empty-but-present list means the prior check saw zero certs:
	// still a baseline, so return a non-nil slice.
	if payload.CTLogIDs == nil {
		return []int64{}, nil
	}
	return payload.CTLogIDs, nil
}

// scanMaintenance delegates to the maintenance notifier.
func (s *Scheduler) scanMaintenance(ctx context.Context) {
	if s.deps.Notifier == nil {
		return
	}
	if err := s.deps.Notifier.Scan(ctx, s.now()); err != nil {
		s.logger.Error("maintenance scan failed", zap.Error(err))
	}
}

// sweepProbes delegates to the probe health sweeper.
func (s *Scheduler) sweepProbes(ctx context.Context) {
	if s.deps.Sweeper == nil {
		return
	}
	if err := s.deps.Sweeper.Sweep(ctx, s.now()); err != nil {
		s.logger.Error("probe health sweep failed", zap.Error(err))
	}
}

// enqueueHourlyRollups enqueues one aggregation job per active monitor for
// the previous complete hour. The job key makes the enqueue idempotent
// while a previous roll of the same bucket is still queued; re-rolling a
// finished bucket is harmless because the rollup upsert is idempotent and
// picks up late-arriving probe results.
func (s *Scheduler) enqueueHourlyRollups(ctx context.Context) {
	now := s.now().UTC()
	bucket := now.Truncate(time.Hour).Add(-time.Hour)

	monitors, err := s.deps.Monitors.ListActive(ctx)
	if err != nil {
		s.logger.Error("failed to list monitors for hourly rollup", zap.Error(err))
		return
	}

	for i := range monitors {
		m := &monitors[i]
		err := s.deps.Queue.Enqueue(ctx, dispatch.QueueAggregation, dispatch.HourlyRollupJob{
			MonitorID:   m.ID.String(),
			BucketStart: bucket,
		}, queue.Options{
			JobKey: fmt.Sprintf("hourly-%s-%d", m.ID, bucket.Unix()),
		})
		if err != nil {
			s.logger.Error("failed to enqueue hourly rollup",
				zap.String("monitor_id", m.ID.String()),
				zap.Error(err),
			)
		}
	}
}

// enqueueDailyRollups enqueues one aggregation job per active monitor for
// the previous UTC day.
func (s *Scheduler) enqueueDailyRollups(ctx context.Context) {
	now := s.now().UTC()
	date := now.AddDate(0, 0, -1).Format("2006-01-02")

	monitors, err := s.deps.Monitors.ListActive(ctx)
	if err != nil {
		s.logger.Error("failed to list monitors for daily rollup", zap.Error(err))
		return
	}

	for i := range monitors {
		m := &monitors[i]
		err := s.deps.Queue.Enqueue(ctx, dispatch.QueueAggregation, dispatch.DailyRollupJob{
			MonitorID: m.ID.String(),
			Date:      date,
		}, queue.Options{
			JobKey: fmt.Sprintf("daily-%s-%s", m.ID, date),
		})
		if err != nil {
			s.logger.Error("failed to enqueue daily rollup",
				zap.String("monitor_id", m.ID.String()),
				zap.Error(err),
			)
		}
	}
}

// sweepCertificates enqueues ssl and ct jobs for certificate-bearing
// monitors. ssl monitors run only here, never on the regular cadence, and
// their schedule columns are stamped for dashboard bookkeeping. https
// monitors keep their regular cadence and get the certificate co-checks on
// top: the ssl co-check by default, the ct diff as opt-in (it hits an
// external log aggregator).
func (s *Scheduler) sweepCertificates(ctx context.Context) {
	now := s.now()

	monitors, err := s.deps.Monitors.ListForCertSweep(ctx)
	if err != nil {
		s.logger.Error("failed to list monitors for certificate sweep", zap.Error(err))
		return
	}

	enqueued := 0
	for i := range monitors {
		m := &monitors[i]
		in, err := dispatch.BuildInput(m, s.region)
		if err != nil {
			s.logger.Error("failed to build certificate sweep input",
				zap.String("monitor_id", m.ID.String()),
				zap.Error(err),
			)
			continue
		}

		wantSSL := m.Type == checks.TypeSSL || in.ConfigBool("checkCertificate", true)
		wantCT := in.ConfigBool("checkCt", false)

		if wantSSL {
			sslIn := *in
			sslIn.Type = checks.TypeSSL
			err := s.deps.Queue.Enqueue(ctx, dispatch.QueueSSL, &sslIn, queue.Options{
				JobKey: fmt.Sprintf("ssl-%s-%d", m.ID, now.UnixMilli()),
			})
			if err != nil {
				s.logger.Error("failed to enqueue ssl sweep job",
					zap.String("monitor_id", m.ID.String()),
					zap.Error(err),
				)
			} else {
				enqueued++
			}
		}

		if wantCT {
			ids, err := s.priorCTLogIDs(ctx, m.ID)
			if err != nil {
				s.logger.Error("failed to load ct baseline for sweep",
					zap.String("monitor_id", m.ID.String()),
					zap.Error(err),
				)
			} else {
				ctIn := *in
				ctIn.Type = checks.TypeCT
				ctIn.PriorCTLogIDs = ids
				err := s.deps.Queue.Enqueue(ctx, dispatch.QueueSSL, &ctIn, queue.Options{
					JobKey: fmt.Sprintf("ct-%s-%d", m.ID, now.UnixMilli()),
				})
				if err != nil {
					s.logger.Error("failed to enqueue ct sweep job",
						zap.String("monitor_id", m.ID.String()),
						zap.Error(err),
					)
				} else {
					enqueued++
				}
			}
		}

		if m.Type == checks.TypeSSL {
			if err := s.deps.Monitors.AdvanceSchedule(ctx, m.ID, now, now.Add(certSweepEvery)); err != nil {
				s.logger.Warn("failed to advance ssl monitor schedule",
					zap.String("monitor_id", m.ID.String()),
					zap.Error(err),
				)
			}
		}
	}

	s.logger.Info("certificate sweep complete",
		zap.Int("monitors", len(monitors)),
		zap.Int("jobs", enqueued),
	)
}

// enqueueCleanup triggers one retention pass per day. The date-based job
// key stops a restart from running retention twice in the same day.
func (s *Scheduler) enqueueCleanup(ctx context.Context) {
	now := s.now().UTC()
	err := s.deps.Queue.Enqueue(ctx, dispatch.QueueCleanup, dispatch.CleanupJob{TriggeredAt: now}, queue.Options{
		JobKey: "cleanup-" + now.Format("2006-01-02"),
	})
	if err != nil {
		s.logger.Error("failed to enqueue retention cleanup", zap.Error(err))
	}
}

// scanReports enqueues report jobs whose cron schedule has come due since
// their last run. Malformed schedules are logged and skipped; they must not
// block other reports.
func (s *Scheduler) scanReports(ctx context.Context) {
	now := s.now()

	reports, err := s.deps.Reports.ListEnabled(ctx)
	if err != nil {
		s.logger.Error("failed to list report configs", zap.Error(err))
		return
	}

	for i := range reports {
		r := &reports[i]
		sched, err := cron.ParseStandard(r.Schedule)
		if err != nil {
			s.logger.Warn("invalid report schedule",
				zap.String("report_id", r.ID.String()),
				zap.String("schedule", r.Schedule),
				zap.Error(err),
			)
			continue
		}

		last := r.CreatedAt
		if r.LastRunAt != nil {
			last = *r.LastRunAt
		}
		next := sched.Next(last)
		if next.After(now) {
			continue
		}

		err = s.deps.Queue.Enqueue(ctx, dispatch.QueueReports, dispatch.ReportJob{ReportID: r.ID.String()}, queue.Options{
			JobKey: fmt.Sprintf("report-%s-%d", r.ID, next.Unix()),
		})
		if err != nil {
			s.logger.Error("failed to enqueue report",
				zap.String("report_id", r.ID.String()),
				zap.Error(err),
			)
			continue
		}
		if err := s.deps.Reports.UpdateLastRun(ctx, r.ID, now); err != nil {
			s.logger.Warn("failed to stamp report last run",
				zap.String("report_id", r.ID.String()),
				zap.Error(err),
			)
		}
	}
}
