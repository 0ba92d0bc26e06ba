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

// gormMaintenanceRepository is the GORM implementation of
// MaintenanceRepository.
type gormMaintenanceRepository struct {
	db *gorm.DB
}

// NewMaintenanceRepository returns a MaintenanceRepository backed by the
// provided *gorm.DB.
func NewMaintenanceRepository(db *gorm.DB) MaintenanceRepository {
	return &gormMaintenanceRepository{db: db}
}

func (r *gormMaintenanceRepository) Create(ctx context.Context, window *db.MaintenanceWindow) error {
	if err := r.db.WithContext(ctx).Create(window).Error; err != nil {
		return fmt.Errorf("maintenance: create: %w", err)
	}
	return nil
}

func (r *gormMaintenanceRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.MaintenanceWindow, error) {
	var window db.MaintenanceWindow
	err := r.db.WithContext(ctx).First(&window, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("maintenance: get by id: %w", err)
	}
	return &window, nil
}

func (r *gormMaintenanceRepository) AddMonitor(ctx context.Context, windowID, monitorID uuid.UUID) error {
	link := db.MaintenanceWindowMonitor{WindowID: windowID, MonitorID: monitorID}
	if err := r.db.WithContext(ctx).Create(&link).Error; err != nil {
		if isUniqueViolation(err) {
			return nil
		}
		return fmt.Errorf("maintenance: add monitor: %w", err)
	}
	return nil
}

// ActiveMonitorIDs collects every monitor covered by a window active at now.
func (r *gormMaintenanceRepository) ActiveMonitorIDs(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.db.WithContext(ctx).
		Model(&db.MaintenanceWindowMonitor{}).
		Distinct("maintenance_window_monitors.monitor_id").
		Joins("JOIN maintenance_windows w ON w.id = maintenance_window_monitors.window_id").
		Where("w.starts_at <= ? AND w.ends_at >= ? AND w.deleted_at IS NULL", now, now).
		Pluck("maintenance_window_monitors.monitor_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("maintenance: active monitor ids: %w", err)
	}
	return ids, nil
}

func (r *gormMaintenanceRepository) InMaintenance(ctx context.Context, monitorID uuid.UUID, now time.Time) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&db.MaintenanceWindowMonitor{}).
		Joins("JOIN maintenance_windows w ON w.id = maintenance_window_monitors.window_id").
		Where("maintenance_window_monitors.monitor_id = ?", monitorID).
		Where("w.starts_at <= ? AND w.ends_at >= ? AND w.deleted_at IS NULL", now, now).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("maintenance: in maintenance: %w", err)
	}
	return count > 0, nil
}

// ListNotifiable bounds the notifier's scan to windows that can still owe a
// notification: at least one notify flag enabled with its marker unset, and
// an end time after since (keeps long-dead windows out of every tick).
func (r *gormMaintenanceRepository) ListNotifiable(ctx context.Context, since time.Time) ([]db.MaintenanceWindow, error) {
	var windows []db.MaintenanceWindow
	err := r.db.WithContext(ctx).
		Where("ends_at >= ?", since).
		Where(`(notify_before_start = ? AND before_start_sent_at IS NULL)
			OR (notify_on_start = ? AND on_start_sent_at IS NULL)
			OR (notify_on_end = ? AND on_end_sent_at IS NULL)`, true, true, true).
		Order("starts_at ASC").
		Find(&windows).Error
	if err != nil {
		return nil, fmt.Errorf("maintenance: list notifiable: %w", err)
	}
	return windows, nil
}

func (r *gormMaintenanceRepository) MonitorIDs(ctx context.Context, windowID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.db.WithContext(ctx).
		Model(&db.MaintenanceWindowMonitor{}).
		Where("window_id = ?", windowID).
		Pluck("monitor_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("maintenance: monitor ids: %w", err)
	}
	return ids, nil
}

// MarkSlotSent stamps a slot marker once. The IS NULL guard is the
// restart-safe fence: whichever process updates first wins, everyone else
// gets ErrConflict and must not send.
func (r *gormMaintenanceRepository) MarkSlotSent(ctx context.Context, windowID uuid.UUID, slot string, at time.Time) error {
	var column string
	switch slot {
	case "beforeStart":
		column = "before_start_sent_at"
	case "onStart":
		column = "on_start_sent_at"
	case "onEnd":
		column = "on_end_sent_at"
	default:
		return fmt.Errorf("maintenance: mark slot sent: unknown slot %q", slot)
	}

	result := r.db.WithContext(ctx).
		Model(&db.MaintenanceWindow{}).
		Where("id = ?", windowID).
		Where(column+" IS NULL").
		Update(column, at)
	if result.Error != nil {
		return fmt.Errorf("maintenance: mark slot sent: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}
