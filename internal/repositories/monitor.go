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

// gormMonitorRepository is the GORM implementation of MonitorRepository.
type gormMonitorRepository struct {
	db *gorm.DB
}

// NewMonitorRepository returns a MonitorRepository backed by the provided
// *gorm.DB.
func NewMonitorRepository(db *gorm.DB) MonitorRepository {
	return &gormMonitorRepository{db: db}
}

func (r *gormMonitorRepository) Create(ctx context.Context, monitor *db.Monitor) error {
	if err := r.db.WithContext(ctx).Create(monitor).Error; err != nil {
		return fmt.Errorf("monitors: create: %w", err)
	}
	return nil
}

// GetByID retrieves a monitor by its UUID. Returns ErrNotFound if no record
// exists.
func (r *gormMonitorRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Monitor, error) {
	var monitor db.Monitor
	err := r.db.WithContext(ctx).First(&monitor, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("monitors: get by id: %w", err)
	}
	return &monitor, nil
}

func (r *gormMonitorRepository) Update(ctx context.Context, monitor *db.Monitor) error {
	result := r.db.WithContext(ctx).Save(monitor)
	if result.Error != nil {
		return fmt.Errorf("monitors: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the monitor and everything hanging off it in a single
// transaction: raw results, rollups, heartbeat pings, policy links, page
// links, maintenance links, and pending probe jobs.
func (r *gormMonitorRepository) Delete(ctx context.Context, id uuid.UUID) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, del := range []struct {
			model interface{}
			where string
		}{
			{&db.CheckResult{}, "monitor_id = ?"},
			{&db.CheckResultHourly{}, "monitor_id = ?"},
			{&db.CheckResultDaily{}, "monitor_id = ?"},
			{&db.HeartbeatPing{}, "monitor_id = ?"},
			{&db.MonitorAlertPolicy{}, "monitor_id = ?"},
			{&db.StatusPageMonitor{}, "monitor_id = ?"},
			{&db.MaintenanceWindowMonitor{}, "monitor_id = ?"},
			{&db.ProbeAssignment{}, "monitor_id = ?"},
			{&db.ProbePendingJob{}, "monitor_id = ?"},
		} {
			if err := tx.Where(del.where, id).Delete(del.model).Error; err != nil {
				return err
			}
		}
		result := tx.Delete(&db.Monitor{}, "id = ?", id)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("monitors: delete: %w", err)
	}
	return nil
}

func (r *gormMonitorRepository) List(ctx context.Context, orgID uuid.UUID, opts ListOptions) ([]db.Monitor, int64, error) {
	var monitors []db.Monitor
	var total int64

	q := r.db.WithContext(ctx).Model(&db.Monitor{}).Where("org_id = ?", orgID)
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("monitors: count: %w", err)
	}
	if err := q.Order("created_at DESC").
		Limit(opts.Limit).
		Offset(opts.Offset).
		Find(&monitors).Error; err != nil {
		return nil, 0, fmt.Errorf("monitors: list: %w", err)
	}
	return monitors, total, nil
}

// ListDue selects the monitors the scheduler should dispatch this tick.
// ssl monitors are excluded here because certificate checks run on their
// own 24h sweep, not the regular cadence.
func (r *gormMonitorRepository) ListDue(ctx context.Context, now time.Time, excluded []uuid.UUID) ([]db.Monitor, error) {
	var monitors []db.Monitor
	q := r.db.WithContext(ctx).
		Where("paused = ?", false).
		Where("next_check_at IS NOT NULL AND next_check_at <= ?", now).
		Where("type <> ?", "ssl")
	if len(excluded) > 0 {
		q = q.Where("id NOT IN ?", excluded)
	}
	if err := q.Order("next_check_at ASC").Find(&monitors).Error; err != nil {
		return nil, fmt.Errorf("monitors: list due: %w", err)
	}
	return monitors, nil
}

// ListForCertSweep returns ssl monitors plus https monitors. The scheduler
// applies the per-monitor certificate-check gating on top.
func (r *gormMonitorRepository) ListForCertSweep(ctx context.Context) ([]db.Monitor, error) {
	var monitors []db.Monitor
	err := r.db.WithContext(ctx).
		Where("paused = ?", false).
		Where("type = ? OR (type = ? AND url LIKE ?)", "ssl", "http", "https://%").
		Find(&monitors).Error
	if err != nil {
		return nil, fmt.Errorf("monitors: list for cert sweep: %w", err)
	}
	return monitors, nil
}

func (r *gormMonitorRepository) ListActive(ctx context.Context) ([]db.Monitor, error) {
	var monitors []db.Monitor
	err := r.db.WithContext(ctx).
		Where("paused = ?", false).
		Find(&monitors).Error
	if err != nil {
		return nil, fmt.Errorf("monitors: list active: %w", err)
	}
	return monitors, nil
}

func (r *gormMonitorRepository) AdvanceSchedule(ctx context.Context, id uuid.UUID, lastCheckedAt, nextCheckAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.Monitor{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_checked_at": lastCheckedAt,
			"next_check_at":   nextCheckAt,
		})
	if result.Error != nil {
		return fmt.Errorf("monitors: advance schedule: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormMonitorRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status string, lastCheckedAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.Monitor{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":          status,
			"last_checked_at": lastCheckedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("monitors: update status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormMonitorRepository) ListByIDs(ctx context.Context, ids []uuid.UUID) ([]db.Monitor, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var monitors []db.Monitor
	err := r.db.WithContext(ctx).
		Where("id IN ?", ids).
		Find(&monitors).Error
	if err != nil {
		return nil, fmt.Errorf("monitors: list by ids: %w", err)
	}
	return monitors, nil
}
