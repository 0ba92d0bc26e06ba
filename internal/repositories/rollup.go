package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Unified-Projects/uni-status-sub002/internal/db"
)

// gormRollupRepository is the GORM implementation of RollupRepository.
type gormRollupRepository struct {
	db *gorm.DB
}

// NewRollupRepository returns a RollupRepository backed by the provided
// *gorm.DB.
func NewRollupRepository(db *gorm.DB) RollupRepository {
	return &gormRollupRepository{db: db}
}

// hourlyUpdateColumns are the computed fields replaced on conflict. The
// created_at of the first writer survives; updated_at tracks the last run.
var hourlyUpdateColumns = []string{
	"avg_response_time_ms", "min_response_time_ms", "max_response_time_ms",
	"p50_response_time_ms", "p75_response_time_ms", "p90_response_time_ms",
	"p95_response_time_ms", "p99_response_time_ms",
	"success_count", "degraded_count", "failure_count", "total_count",
	"uptime_percentage", "updated_at",
}

var dailyUpdateColumns = []string{
	"avg_response_time_ms", "min_response_time_ms", "max_response_time_ms",
	"p50_response_time_ms", "p95_response_time_ms", "p99_response_time_ms",
	"success_count", "degraded_count", "failure_count", "total_count",
	"uptime_percentage", "updated_at",
}

func (r *gormRollupRepository) UpsertHourly(ctx context.Context, row *db.CheckResultHourly) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "monitor_id"}, {Name: "region"}, {Name: "bucket_start"},
			},
			DoUpdates: clause.AssignmentColumns(hourlyUpdateColumns),
		}).
		Create(row).Error
	if err != nil {
		return fmt.Errorf("rollups: upsert hourly: %w", err)
	}
	return nil
}

func (r *gormRollupRepository) UpsertDaily(ctx context.Context, row *db.CheckResultDaily) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "monitor_id"}, {Name: "region"}, {Name: "bucket_date"},
			},
			DoUpdates: clause.AssignmentColumns(dailyUpdateColumns),
		}).
		Create(row).Error
	if err != nil {
		return fmt.Errorf("rollups: upsert daily: %w", err)
	}
	return nil
}

func (r *gormRollupRepository) GetHourly(ctx context.Context, monitorID uuid.UUID, region string, bucketStart time.Time) (*db.CheckResultHourly, error) {
	var row db.CheckResultHourly
	err := r.db.WithContext(ctx).
		Where("monitor_id = ? AND region = ? AND bucket_start = ?", monitorID, region, bucketStart).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("rollups: get hourly: %w", err)
	}
	return &row, nil
}

func (r *gormRollupRepository) GetDaily(ctx context.Context, monitorID uuid.UUID, region string, bucketDate time.Time) (*db.CheckResultDaily, error) {
	var row db.CheckResultDaily
	err := r.db.WithContext(ctx).
		Where("monitor_id = ? AND region = ? AND bucket_date = ?", monitorID, region, bucketDate).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("rollups: get daily: %w", err)
	}
	return &row, nil
}

func (r *gormRollupRepository) ListHourlyRange(ctx context.Context, monitorID uuid.UUID, from, to time.Time) ([]db.CheckResultHourly, error) {
	var rows []db.CheckResultHourly
	err := r.db.WithContext(ctx).
		Where("monitor_id = ? AND bucket_start >= ? AND bucket_start < ?", monitorID, from, to).
		Order("bucket_start ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("rollups: list hourly range: %w", err)
	}
	return rows, nil
}

func (r *gormRollupRepository) ListDailyRange(ctx context.Context, monitorID uuid.UUID, from, to time.Time) ([]db.CheckResultDaily, error) {
	var rows []db.CheckResultDaily
	err := r.db.WithContext(ctx).
		Where("monitor_id = ? AND bucket_date >= ? AND bucket_date < ?", monitorID, from, to).
		Order("bucket_date ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("rollups: list daily range: %w", err)
	}
	return rows, nil
}
