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

// gormOrgRepository is the GORM implementation of OrgRepository.
type gormOrgRepository struct {
	db *gorm.DB
}

// NewOrgRepository returns an OrgRepository backed by the provided *gorm.DB.
func NewOrgRepository(db *gorm.DB) OrgRepository {
	return &gormOrgRepository{db: db}
}

func (r *gormOrgRepository) Create(ctx context.Context, org *db.Organization) error {
	if err := r.db.WithContext(ctx).Create(org).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("orgs: create: %w", err)
	}
	return nil
}

func (r *gormOrgRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Organization, error) {
	var org db.Organization
	err := r.db.WithContext(ctx).First(&org, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("orgs: get by id: %w", err)
	}
	return &org, nil
}

func (r *gormOrgRepository) GetBySlug(ctx context.Context, slug string) (*db.Organization, error) {
	var org db.Organization
	err := r.db.WithContext(ctx).First(&org, "slug = ?", slug).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("orgs: get by slug: %w", err)
	}
	return &org, nil
}

func (r *gormOrgRepository) CreatePage(ctx context.Context, page *db.StatusPage) error {
	if err := r.db.WithContext(ctx).Create(page).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("orgs: create page: %w", err)
	}
	return nil
}

func (r *gormOrgRepository) AddPageMonitor(ctx context.Context, pageID, monitorID uuid.UUID) error {
	link := db.StatusPageMonitor{PageID: pageID, MonitorID: monitorID}
	if err := r.db.WithContext(ctx).Create(&link).Error; err != nil {
		if isUniqueViolation(err) {
			return nil
		}
		return fmt.Errorf("orgs: add page monitor: %w", err)
	}
	return nil
}

func (r *gormOrgRepository) CreateSubscriber(ctx context.Context, sub *db.StatusPageSubscriber) error {
	if err := r.db.WithContext(ctx).Create(sub).Error; err != nil {
		return fmt.Errorf("orgs: create subscriber: %w", err)
	}
	return nil
}

func (r *gormOrgRepository) PublishedPagesForMonitors(ctx context.Context, monitorIDs []uuid.UUID) ([]db.StatusPage, error) {
	if len(monitorIDs) == 0 {
		return nil, nil
	}
	var pages []db.StatusPage
	err := r.db.WithContext(ctx).
		Distinct("status_pages.*").
		Joins("JOIN status_page_monitors spm ON spm.page_id = status_pages.id").
		Where("spm.monitor_id IN ?", monitorIDs).
		Where("status_pages.published = ?", true).
		Find(&pages).Error
	if err != nil {
		return nil, fmt.Errorf("orgs: published pages for monitors: %w", err)
	}
	return pages, nil
}

func (r *gormOrgRepository) VerifiedSubscribers(ctx context.Context, pageIDs []uuid.UUID) ([]db.StatusPageSubscriber, error) {
	if len(pageIDs) == 0 {
		return nil, nil
	}
	var subs []db.StatusPageSubscriber
	err := r.db.WithContext(ctx).
		Where("page_id IN ?", pageIDs).
		Where("verified_at IS NOT NULL").
		Where("email_enabled = ?", true).
		Find(&subs).Error
	if err != nil {
		return nil, fmt.Errorf("orgs: verified subscribers: %w", err)
	}
	return subs, nil
}

func (r *gormOrgRepository) UnsubscribeSubscriber(ctx context.Context, id uuid.UUID, token string) error {
	result := r.db.WithContext(ctx).
		Model(&db.StatusPageSubscriber{}).
		Where("id = ? AND unsubscribe_token = ?", id, token).
		Update("email_enabled", false)
	if result.Error != nil {
		return fmt.Errorf("orgs: unsubscribe subscriber: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormOrgRepository) DeleteUnverifiedSubscribersBefore(ctx context.Context, t time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("verified_at IS NULL AND created_at < ?", t).
		Delete(&db.StatusPageSubscriber{})
	if result.Error != nil {
		return 0, fmt.Errorf("orgs: delete unverified subscribers: %w", result.Error)
	}
	return result.RowsAffected, nil
}
