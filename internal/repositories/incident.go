package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/Unified-Projects/uni-status-sub002/internal/db"
)

// gormIncidentRepository is the GORM implementation of IncidentRepository.
type gormIncidentRepository struct {
	db *gorm.DB
}

// NewIncidentRepository returns an IncidentRepository backed by the provided
// *gorm.DB.
func NewIncidentRepository(db *gorm.DB) IncidentRepository {
	return &gormIncidentRepository{db: db}
}

func (r *gormIncidentRepository) Create(ctx context.Context, incident *db.Incident) error {
	if err := r.db.WithContext(ctx).Create(incident).Error; err != nil {
		return fmt.Errorf("incidents: create: %w", err)
	}
	return nil
}

func (r *gormIncidentRepository) AddMonitor(ctx context.Context, incidentID, monitorID uuid.UUID) error {
	link := db.IncidentMonitor{IncidentID: incidentID, MonitorID: monitorID}
	if err := r.db.WithContext(ctx).Create(&link).Error; err != nil {
		if isUniqueViolation(err) {
			return nil
		}
		return fmt.Errorf("incidents: add monitor: %w", err)
	}
	return nil
}

func (r *gormIncidentRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Incident, error) {
	var incident db.Incident
	err := r.db.WithContext(ctx).First(&incident, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("incidents: get by id: %w", err)
	}
	return &incident, nil
}

func (r *gormIncidentRepository) ActiveByMonitor(ctx context.Context, monitorID uuid.UUID) (*db.Incident, error) {
	var incident db.Incident
	err := r.db.WithContext(ctx).
		Joins("JOIN incident_monitors im ON im.incident_id = incidents.id").
		Where("im.monitor_id = ?", monitorID).
		Where("incidents.status <> ?", "resolved").
		Order("incidents.started_at DESC").
		First(&incident).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("incidents: active by monitor: %w", err)
	}
	return &incident, nil
}

// LinkCheckResult is idempotent by the (incident_id, check_result_id)
// unique index; a duplicate insert under job re-delivery is a no-op.
func (r *gormIncidentRepository) LinkCheckResult(ctx context.Context, incidentID, checkResultID uuid.UUID) error {
	link := db.IncidentCheckResult{IncidentID: incidentID, CheckResultID: checkResultID}
	if err := r.db.WithContext(ctx).Create(&link).Error; err != nil {
		if isUniqueViolation(err) {
			return nil
		}
		return fmt.Errorf("incidents: link check result: %w", err)
	}
	return nil
}

func (r *gormIncidentRepository) ListCheckResultIDs(ctx context.Context, incidentID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.db.WithContext(ctx).
		Model(&db.IncidentCheckResult{}).
		Where("incident_id = ?", incidentID).
		Order("created_at ASC").
		Pluck("check_result_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("incidents: list check result ids: %w", err)
	}
	return ids, nil
}
