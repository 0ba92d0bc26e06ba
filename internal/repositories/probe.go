package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/Unified-Projects/uni-status-sub002/internal/db"
)

// gormProbeRepository is the GORM implementation of ProbeRepository.
type gormProbeRepository struct {
	db *gorm.DB
}

// NewProbeRepository returns a ProbeRepository backed by the provided
// *gorm.DB.
func NewProbeRepository(db *gorm.DB) ProbeRepository {
	return &gormProbeRepository{db: db}
}

func (r *gormProbeRepository) Create(ctx context.Context, probe *db.Probe) error {
	if err := r.db.WithContext(ctx).Create(probe).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("probes: create: %w", err)
	}
	return nil
}

func (r *gormProbeRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Probe, error) {
	var probe db.Probe
	err := r.db.WithContext(ctx).First(&probe, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("probes: get by id: %w", err)
	}
	return &probe, nil
}

func (r *gormProbeRepository) GetByTokenHash(ctx context.Context, hash string) (*db.Probe, error) {
	var probe db.Probe
	err := r.db.WithContext(ctx).First(&probe, "token_hash = ?", hash).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("probes: get by token hash: %w", err)
	}
	return &probe, nil
}

func (r *gormProbeRepository) List(ctx context.Context, orgID uuid.UUID) ([]db.Probe, error) {
	var probes []db.Probe
	err := r.db.WithContext(ctx).
		Where("org_id = ?", orgID).
		Order("created_at ASC").
		Find(&probes).Error
	if err != nil {
		return nil, fmt.Errorf("probes: list: %w", err)
	}
	return probes, nil
}

// RecordHeartbeat refreshes the probe's liveness. Disabled probes stay
// disabled; offline and pending probes come back as active.
func (r *gormProbeRepository) RecordHeartbeat(ctx context.Context, id uuid.UUID, at time.Time, version, metricsJSON string) error {
	updates := map[string]interface{}{
		"last_heartbeat_at": at,
		"metrics":           metricsJSON,
	}
	if version != "" {
		updates["version"] = version
	}
	result := r.db.WithContext(ctx).
		Model(&db.Probe{}).
		Where("id = ?", id).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("probes: record heartbeat: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}

	err := r.db.WithContext(ctx).
		Model(&db.Probe{}).
		Where("id = ? AND status IN ?", id, []string{"offline", "pending"}).
		Update("status", "active").Error
	if err != nil {
		return fmt.Errorf("probes: record heartbeat: reactivate: %w", err)
	}
	return nil
}

// MarkOffline flips silent probes to offline and returns the ones that
// changed, so the caller can publish events and audit entries for each.
func (r *gormProbeRepository) MarkOffline(ctx context.Context, cutoff time.Time) ([]db.Probe, error) {
	var stale []db.Probe
	err := r.db.WithContext(ctx).
		Where("status = ?", "active").
		Where("last_heartbeat_at IS NULL OR last_heartbeat_at < ?", cutoff).
		Find(&stale).Error
	if err != nil {
		return nil, fmt.Errorf("probes: mark offline: select: %w", err)
	}
	if len(stale) == 0 {
		return nil, nil
	}

	ids := make([]uuid.UUID, len(stale))
	for i, p := range stale {
		ids[i] = p.ID
	}
	err = r.db.WithContext(ctx).
		Model(&db.Probe{}).
		Where("id IN ? AND status = ?", ids, "active").
		Update("status", "offline").Error
	if err != nil {
		return nil, fmt.Errorf("probes: mark offline: update: %w", err)
	}
	return stale, nil
}

func (r *gormProbeRepository) CreateAssignment(ctx context.Context, a *db.ProbeAssignment) error {
	if err := r.db.WithContext(ctx).Create(a).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("probes: create assignment: %w", err)
	}
	return nil
}

func (r *gormProbeRepository) AssignmentsForMonitor(ctx context.Context, monitorID uuid.UUID) ([]db.ProbeAssignment, error) {
	var assignments []db.ProbeAssignment
	err := r.db.WithContext(ctx).
		Where("monitor_id = ?", monitorID).
		Order("priority ASC").
		Find(&assignments).Error
	if err != nil {
		return nil, fmt.Errorf("probes: assignments for monitor: %w", err)
	}
	return assignments, nil
}

func (r *gormProbeRepository) CreatePendingJob(ctx context.Context, job *db.ProbePendingJob) error {
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("probes: create pending job: %w", err)
	}
	return nil
}

// ClaimPendingJobs transitions up to max pending jobs to claimed. Each row
// transitions through a compare-and-set on status, which is portable across
// sqlite and postgres (no SELECT FOR UPDATE) and safe against the reaper
// running concurrently.
func (r *gormProbeRepository) ClaimPendingJobs(ctx context.Context, probeID uuid.UUID, max int, now, expiresAt time.Time) ([]db.ProbePendingJob, error) {
	var claimed []db.ProbePendingJob
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidates []db.ProbePendingJob
		if err := tx.
			Where("probe_id = ? AND status = ? AND expires_at > ?", probeID, "pending", now).
			Order("created_at ASC").
			Limit(max).
			Find(&candidates).Error; err != nil {
			return err
		}

		for i := range candidates {
			res := tx.Model(&db.ProbePendingJob{}).
				Where("id = ? AND status = ?", candidates[i].ID, "pending").
				Updates(map[string]interface{}{
					"status":     "claimed",
					"claimed_at": now,
					"expires_at": expiresAt,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 1 {
				job := candidates[i]
				job.Status = "claimed"
				job.ClaimedAt = &now
				job.ExpiresAt = expiresAt
				claimed = append(claimed, job)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("probes: claim pending jobs: %w", err)
	}
	return claimed, nil
}

func (r *gormProbeRepository) GetPendingJob(ctx context.Context, id uuid.UUID) (*db.ProbePendingJob, error) {
	var job db.ProbePendingJob
	err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("probes: get pending job: %w", err)
	}
	return &job, nil
}

// CompleteJob guards on both the claimed status and the owning probe, so a
// result submitted after the job expired and was reassigned cannot complete
// someone else's claim.
func (r *gormProbeRepository) CompleteJob(ctx context.Context, id, probeID uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Model(&db.ProbePendingJob{}).
		Where("id = ? AND probe_id = ? AND status = ?", id, probeID, "claimed").
		Update("status", "completed")
	if result.Error != nil {
		return fmt.Errorf("probes: complete job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormProbeRepository) RequeueExpired(ctx context.Context, now, newExpiresAt time.Time, maxAttempts int) (int64, int64, error) {
	// Requeue first: rows it touches get a fresh expiry and escape the
	// delete below.
	requeue := r.db.WithContext(ctx).
		Model(&db.ProbePendingJob{}).
		Where("status = ? AND expires_at <= ? AND attempts < ?", "claimed", now, maxAttempts-1).
		Updates(map[string]interface{}{
			"status":     "pending",
			"attempts":   gorm.Expr("attempts + 1"),
			"claimed_at": nil,
			"expires_at": newExpiresAt,
		})
	if requeue.Error != nil {
		return 0, 0, fmt.Errorf("probes: requeue expired: %w", requeue.Error)
	}

	// Whatever is still expired is out of attempts or went stale while
	// pending; the check interval has passed either way.
	drop := r.db.WithContext(ctx).
		Where("status IN ? AND expires_at <= ?", []string{"pending", "claimed"}, now).
		Delete(&db.ProbePendingJob{})
	if drop.Error != nil {
		return 0, 0, fmt.Errorf("probes: drop expired: %w", drop.Error)
	}

	return requeue.RowsAffected, drop.RowsAffected, nil
}

func (r *gormProbeRepository) CountPendingJobs(ctx context.Context, probeID uuid.UUID) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&db.ProbePendingJob{}).
		Where("probe_id = ? AND status = ?", probeID, "pending").
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("probes: count pending jobs: %w", err)
	}
	return count, nil
}

func (r *gormProbeRepository) CountActive(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&db.Probe{}).
		Where("status = ?", "active").
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("probes: count active: %w", err)
	}
	return count, nil
}

func (r *gormProbeRepository) DeleteFinishedBefore(ctx context.Context, t time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", "completed", t).
		Delete(&db.ProbePendingJob{})
	if result.Error != nil {
		return 0, fmt.Errorf("probes: delete finished before: %w", result.Error)
	}
	return result.RowsAffected, nil
}
