// Package cleanup owns the two housekeeping workers that run on the
// background queues. The retention service ages out raw check results,
// heartbeat pings, audit entries, stale subscriber signups and finished
// job rows, bounded by the server's retention settings. The reporter
// renders a scheduled uptime summary from the daily rollups and hands it
// to the notification dispatcher for delivery.
//
// Neither worker schedules itself. The scheduler enqueues a cleanup job
// nightly and a report job whenever a report's cron expression fires;
// this package only supplies the handlers.
package cleanup

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Unified-Projects/uni-status-sub002/internal/dispatch"
	"github.com/Unified-Projects/uni-status-sub002/internal/queue"
	"github.com/Unified-Projects/uni-status-sub002/internal/repositories"
)

const defaultRetentionDays = 90

// Fixed windows for rows whose lifetime is not a tenant-facing setting.
const (
	auditRetention          = 180 * 24 * time.Hour
	unverifiedSubscriberTTL = 7 * 24 * time.Hour
	finishedJobTTL          = 24 * time.Hour
)

// Config carries the retention service's stores. Queue may be nil when no
// durable queue is attached; the trim pass is skipped.
type Config struct {
	Results repositories.ResultRepository
	Audit   repositories.AuditRepository
	Orgs    repositories.OrgRepository
	Probes  repositories.ProbeRepository
	Queue   *queue.GormQueue

	// RetentionDays bounds raw check results and heartbeat pings. Zero or
	// negative means the 90 day default.
	RetentionDays int

	Logger *zap.Logger
}

// Service consumes the cleanup queue.
type Service struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// New builds the retention service.
func New(cfg Config) *Service {
	return &Service{
		cfg:    cfg,
		logger: cfg.Logger.Named("cleanup"),
		now:    time.Now,
	}
}

// Handle runs one retention pass. Malformed payloads are dropped; a
// failing table does not shield the ones after it, but the first error
// still bounces the job so the queue retries the whole pass. Every
// delete is a cutoff comparison, so a retried pass converges.
func (s *Service) Handle(ctx context.Context, job *queue.Job) error {
	var payload dispatch.CleanupJob
	if err := job.Decode(&payload); err != nil {
		s.logger.Error("dropping malformed cleanup job",
			zap.String("job_id", job.ID.String()),
			zap.Error(err),
		)
		return nil
	}

	now := s.now().UTC()

	var (
		firstErr error
		total    int64
	)
	run := func(pass string, fn func() (int64, error)) {
		deleted, err := fn()
		if err != nil {
			s.logger.Error("retention pass failed",
				zap.String("pass", pass),
				zap.Error(err),
			)
			if firstErr == nil {
				firstErr = err
			}
			return
		}
		if deleted > 0 {
			s.logger.Info("retention pass removed rows",
				zap.String("pass", pass),
				zap.Int64("rows", deleted),
			)
		}
		total += deleted
	}

	resultCutoff := now.Add(-s.retention())
	run("check_results", func() (int64, error) {
		return s.cfg.Results.DeleteOlderThan(ctx, resultCutoff)
	})
	run("heartbeat_pings", func() (int64, error) {
		return s.cfg.Results.DeletePingsOlderThan(ctx, resultCutoff)
	})
	run("audit_log", func() (int64, error) {
		return s.cfg.Audit.DeleteOlderThan(ctx, now.Add(-auditRetention))
	})
	run("unverified_subscribers", func() (int64, error) {
		return s.cfg.Orgs.DeleteUnverifiedSubscribersBefore(ctx, now.Add(-unverifiedSubscriberTTL))
	})
	run("finished_probe_jobs", func() (int64, error) {
		return s.cfg.Probes.DeleteFinishedBefore(ctx, now.Add(-finishedJobTTL))
	})
	if s.cfg.Queue != nil {
		run("finished_queue_jobs", func() (int64, error) {
			return s.cfg.Queue.TrimFinished(ctx, finishedJobTTL)
		})
	}

	if firstErr != nil {
		return firstErr
	}
	s.logger.Info("retention pass complete",
		zap.Int64("rows", total),
		zap.Time("triggered_at", payload.TriggeredAt),
	)
	return nil
}

func (s *Service) retention() time.Duration {
	days := s.cfg.RetentionDays
	if days <= 0 {
		days = defaultRetentionDays
	}
	return time.Duration(days) * 24 * time.Hour
}
