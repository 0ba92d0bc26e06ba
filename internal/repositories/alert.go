package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/Unified-Projects/uni-status-sub002/internal/db"
)

// gormAlertRepository is the GORM implementation of AlertRepository.
type gormAlertRepository struct {
	db *gorm.DB
}

// NewAlertRepository returns an AlertRepository backed by the provided
// *gorm.DB.
func NewAlertRepository(db *gorm.DB) AlertRepository {
	return &gormAlertRepository{db: db}
}

// isUniqueViolation reports whether err is a uniqueness-constraint failure.
// Matched textually because the modernc sqlite driver's errors are not
// translated by GORM, and the postgres driver surfaces SQLSTATE 23505.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "SQLSTATE 23505") ||
		strings.Contains(msg, "duplicate key value")
}

// PoliciesForMonitor selects the enabled policies applying to a monitor:
// those linked to it, plus org-wide policies. A policy is org-wide when it
// has no MonitorAlertPolicy rows at all; any link row narrows it to the
// linked monitors.
func (r *gormAlertRepository) PoliciesForMonitor(ctx context.Context, orgID, monitorID uuid.UUID) ([]db.AlertPolicy, error) {
	var policies []db.AlertPolicy
	err := r.db.WithContext(ctx).
		Where("org_id = ? AND enabled = ?", orgID, true).
		Where(`id IN (SELECT policy_id FROM monitor_alert_policies WHERE monitor_id = ?)
			OR id NOT IN (SELECT DISTINCT policy_id FROM monitor_alert_policies)`, monitorID).
		Find(&policies).Error
	if err != nil {
		return nil, fmt.Errorf("alerts: policies for monitor: %w", err)
	}
	return policies, nil
}

func (r *gormAlertRepository) GetPolicy(ctx context.Context, id uuid.UUID) (*db.AlertPolicy, error) {
	var policy db.AlertPolicy
	err := r.db.WithContext(ctx).First(&policy, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("alerts: get policy: %w", err)
	}
	return &policy, nil
}

func (r *gormAlertRepository) CreatePolicy(ctx context.Context, policy *db.AlertPolicy) error {
	if err := r.db.WithContext(ctx).Create(policy).Error; err != nil {
		return fmt.Errorf("alerts: create policy: %w", err)
	}
	return nil
}

func (r *gormAlertRepository) LinkPolicy(ctx context.Context, link *db.MonitorAlertPolicy) error {
	if err := r.db.WithContext(ctx).Create(link).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("alerts: link policy: %w", err)
	}
	return nil
}

func (r *gormAlertRepository) OpenAlert(ctx context.Context, policyID, monitorID uuid.UUID) (*db.AlertHistory, error) {
	var alert db.AlertHistory
	err := r.db.WithContext(ctx).
		Where("policy_id = ? AND monitor_id = ? AND status = ?", policyID, monitorID, "triggered").
		First(&alert).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("alerts: open alert: %w", err)
	}
	return &alert, nil
}

// CreateTriggered inserts a new open alert. The partial unique index on
// (policy_id, monitor_id) WHERE status='triggered' is the single-writer
// guard: a losing racer gets ErrConflict and coalesces into the winner's
// row instead.
func (r *gormAlertRepository) CreateTriggered(ctx context.Context, alert *db.AlertHistory) error {
	if err := r.db.WithContext(ctx).Create(alert).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("alerts: create triggered: %w", err)
	}
	return nil
}

func (r *gormAlertRepository) UpdateMetadata(ctx context.Context, id uuid.UUID, metadata string) error {
	result := r.db.WithContext(ctx).
		Model(&db.AlertHistory{}).
		Where("id = ?", id).
		Update("metadata", metadata)
	if result.Error != nil {
		return fmt.Errorf("alerts: update metadata: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Resolve performs the claim-style transition triggered -> resolved. Only
// one of several concurrent resolvers can match the status guard; the rest
// observe ErrNotFound and skip their side effects.
func (r *gormAlertRepository) Resolve(ctx context.Context, id uuid.UUID, resolvedAt time.Time, resolvedBy string) error {
	result := r.db.WithContext(ctx).
		Model(&db.AlertHistory{}).
		Where("id = ? AND status = ?", id, "triggered").
		Updates(map[string]interface{}{
			"status":      "resolved",
			"resolved_at": resolvedAt,
			"resolved_by": resolvedBy,
		})
	if result.Error != nil {
		return fmt.Errorf("alerts: resolve: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormAlertRepository) LatestResolvedAt(ctx context.Context, policyID, monitorID uuid.UUID) (*time.Time, error) {
	var alert db.AlertHistory
	err := r.db.WithContext(ctx).
		Where("policy_id = ? AND monitor_id = ? AND status = ?", policyID, monitorID, "resolved").
		Order("resolved_at DESC").
		First(&alert).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("alerts: latest resolved at: %w", err)
	}
	return alert.ResolvedAt, nil
}

func (r *gormAlertRepository) GetAlert(ctx context.Context, id uuid.UUID) (*db.AlertHistory, error) {
	var alert db.AlertHistory
	err := r.db.WithContext(ctx).First(&alert, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("alerts: get alert: %w", err)
	}
	return &alert, nil
}

func (r *gormAlertRepository) ListAlertsByMonitor(ctx context.Context, monitorID uuid.UUID, opts ListOptions) ([]db.AlertHistory, int64, error) {
	var alerts []db.AlertHistory
	var total int64

	q := r.db.WithContext(ctx).Model(&db.AlertHistory{}).Where("monitor_id = ?", monitorID)
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("alerts: count by monitor: %w", err)
	}
	if err := q.Order("triggered_at DESC").
		Limit(opts.Limit).
		Offset(opts.Offset).
		Find(&alerts).Error; err != nil {
		return nil, 0, fmt.Errorf("alerts: list by monitor: %w", err)
	}
	return alerts, total, nil
}
