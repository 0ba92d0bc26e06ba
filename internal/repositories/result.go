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

// gormResultRepository is the GORM implementation of ResultRepository.
type gormResultRepository struct {
	db *gorm.DB
}

// NewResultRepository returns a ResultRepository backed by the provided
// *gorm.DB.
func NewResultRepository(db *gorm.DB) ResultRepository {
	return &gormResultRepository{db: db}
}

func (r *gormResultRepository) Create(ctx context.Context, result *db.CheckResult) error {
	if err := r.db.WithContext(ctx).Create(result).Error; err != nil {
		return fmt.Errorf("results: create: %w", err)
	}
	return nil
}

func (r *gormResultRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.CheckResult, error) {
	var result db.CheckResult
	err := r.db.WithContext(ctx).First(&result, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("results: get by id: %w", err)
	}
	return &result, nil
}

func (r *gormResultRepository) LastN(ctx context.Context, monitorID uuid.UUID, n int) ([]db.CheckResult, error) {
	var results []db.CheckResult
	err := r.db.WithContext(ctx).
		Where("monitor_id = ?", monitorID).
		Order("created_at DESC").
		Limit(n).
		Find(&results).Error
	if err != nil {
		return nil, fmt.Errorf("results: last n: %w", err)
	}
	return results, nil
}

func (r *gormResultRepository) Latest(ctx context.Context, monitorID uuid.UUID) (*db.CheckResult, error) {
	var result db.CheckResult
	err := r.db.WithContext(ctx).
		Where("monitor_id = ?", monitorID).
		Order("created_at DESC").
		First(&result).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("results: latest: %w", err)
	}
	return &result, nil
}

// LatestWithPayload finds the newest result whose payload JSON contains the
// given key. A LIKE filter is enough here: payload keys are fixed
// identifiers, and the caller re-parses the JSON anyway.
func (r *gormResultRepository) LatestWithPayload(ctx context.Context, monitorID uuid.UUID, payloadKey string) (*db.CheckResult, error) {
	var result db.CheckResult
	err := r.db.WithContext(ctx).
		Where("monitor_id = ?", monitorID).
		Where("payload LIKE ?", "%\""+payloadKey+"\"%").
		Order("created_at DESC").
		First(&result).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("results: latest with payload: %w", err)
	}
	return &result, nil
}

func (r *gormResultRepository) ListSince(ctx context.Context, monitorID uuid.UUID, since time.Time) ([]db.CheckResult, error) {
	var results []db.CheckResult
	err := r.db.WithContext(ctx).
		Where("monitor_id = ? AND created_at >= ?", monitorID, since).
		Order("created_at DESC").
		Find(&results).Error
	if err != nil {
		return nil, fmt.Errorf("results: list since: %w", err)
	}
	return results, nil
}

func (r *gormResultRepository) ListRange(ctx context.Context, monitorID uuid.UUID, from, to time.Time) ([]db.CheckResult, error) {
	var results []db.CheckResult
	err := r.db.WithContext(ctx).
		Where("monitor_id = ? AND created_at >= ? AND created_at < ?", monitorID, from, to).
		Order("created_at ASC").
		Find(&results).Error
	if err != nil {
		return nil, fmt.Errorf("results: list range: %w", err)
	}
	return results, nil
}

func (r *gormResultRepository) CountFailuresSince(ctx context.Context, monitorID uuid.UUID, since time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&db.CheckResult{}).
		Where("monitor_id = ? AND created_at >= ?", monitorID, since).
		Where("status IN ?", []string{"failure", "timeout", "error"}).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("results: count failures since: %w", err)
	}
	return count, nil
}

func (r *gormResultRepository) DeleteOlderThan(ctx context.Context, t time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("created_at < ?", t).
		Delete(&db.CheckResult{})
	if result.Error != nil {
		return 0, fmt.Errorf("results: delete older than: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (r *gormResultRepository) CreatePing(ctx context.Context, ping *db.HeartbeatPing) error {
	if err := r.db.WithContext(ctx).Create(ping).Error; err != nil {
		return fmt.Errorf("results: create ping: %w", err)
	}
	return nil
}

func (r *gormResultRepository) LatestPing(ctx context.Context, monitorID uuid.UUID) (*db.HeartbeatPing, error) {
	var ping db.HeartbeatPing
	err := r.db.WithContext(ctx).
		Where("monitor_id = ?", monitorID).
		Order("created_at DESC").
		First(&ping).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("results: latest ping: %w", err)
	}
	return &ping, nil
}

func (r *gormResultRepository) DeletePingsOlderThan(ctx context.Context, t time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("created_at < ?", t).
		Delete(&db.HeartbeatPing{})
	if result.Error != nil {
		return 0, fmt.Errorf("results: delete pings older than: %w", result.Error)
	}
	return result.RowsAffected, nil
}
