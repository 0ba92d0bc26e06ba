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

// gormAuditRepository is the GORM implementation of AuditRepository.
type gormAuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository returns an AuditRepository backed by the provided
// *gorm.DB.
func NewAuditRepository(db *gorm.DB) AuditRepository {
	return &gormAuditRepository{db: db}
}

func (r *gormAuditRepository) Create(ctx context.Context, entry *db.AuditLog) error {
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("audit: create: %w", err)
	}
	return nil
}

func (r *gormAuditRepository) ListByOrg(ctx context.Context, orgID uuid.UUID, opts ListOptions) ([]db.AuditLog, int64, error) {
	var entries []db.AuditLog
	var total int64

	q := r.db.WithContext(ctx).Model(&db.AuditLog{}).Where("org_id = ?", orgID)
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("audit: count: %w", err)
	}
	if err := q.Order("created_at DESC").
		Limit(opts.Limit).
		Offset(opts.Offset).
		Find(&entries).Error; err != nil {
		return nil, 0, fmt.Errorf("audit: list: %w", err)
	}
	return entries, total, nil
}

func (r *gormAuditRepository) DeleteOlderThan(ctx context.Context, t time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("created_at < ?", t).
		Delete(&db.AuditLog{})
	if result.Error != nil {
		return 0, fmt.Errorf("audit: delete older than: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// gormReportRepository is the GORM implementation of ReportRepository.
type gormReportRepository struct {
	db *gorm.DB
}

// NewReportRepository returns a ReportRepository backed by the provided
// *gorm.DB.
func NewReportRepository(db *gorm.DB) ReportRepository {
	return &gormReportRepository{db: db}
}

func (r *gormReportRepository) Create(ctx context.Context, report *db.ReportConfig) error {
	if err := r.db.WithContext(ctx).Create(report).Error; err != nil {
		return fmt.Errorf("reports: create: %w", err)
	}
	return nil
}

func (r *gormReportRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.ReportConfig, error) {
	var report db.ReportConfig
	err := r.db.WithContext(ctx).First(&report, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reports: get by id: %w", err)
	}
	return &report, nil
}

func (r *gormReportRepository) ListEnabled(ctx context.Context) ([]db.ReportConfig, error) {
	var reports []db.ReportConfig
	err := r.db.WithContext(ctx).
		Where("enabled = ?", true).
		Find(&reports).Error
	if err != nil {
		return nil, fmt.Errorf("reports: list enabled: %w", err)
	}
	return reports, nil
}

func (r *gormReportRepository) UpdateLastRun(ctx context.Context, id uuid.UUID, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.ReportConfig{}).
		Where("id = ?", id).
		Update("last_run_at", at)
	if result.Error != nil {
		return fmt.Errorf("reports: update last run: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
