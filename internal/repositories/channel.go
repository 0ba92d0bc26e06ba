package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/Unified-Projects/uni-status-sub002/internal/db"
)

// gormChannelRepository is the GORM implementation of ChannelRepository.
type gormChannelRepository struct {
	db *gorm.DB
}

// NewChannelRepository returns a ChannelRepository backed by the provided
// *gorm.DB.
func NewChannelRepository(db *gorm.DB) ChannelRepository {
	return &gormChannelRepository{db: db}
}

func (r *gormChannelRepository) CreateChannel(ctx context.Context, channel *db.AlertChannel) error {
	if err := r.db.WithContext(ctx).Create(channel).Error; err != nil {
		return fmt.Errorf("channels: create: %w", err)
	}
	return nil
}

func (r *gormChannelRepository) GetChannel(ctx context.Context, id uuid.UUID) (*db.AlertChannel, error) {
	var channel db.AlertChannel
	err := r.db.WithContext(ctx).First(&channel, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("channels: get by id: %w", err)
	}
	return &channel, nil
}

func (r *gormChannelRepository) ListChannelsByIDs(ctx context.Context, ids []uuid.UUID) ([]db.AlertChannel, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var channels []db.AlertChannel
	err := r.db.WithContext(ctx).
		Where("id IN ?", ids).
		Find(&channels).Error
	if err != nil {
		return nil, fmt.Errorf("channels: list by ids: %w", err)
	}
	return channels, nil
}

func (r *gormChannelRepository) CreateLog(ctx context.Context, log *db.NotificationLog) error {
	if err := r.db.WithContext(ctx).Create(log).Error; err != nil {
		return fmt.Errorf("channels: create log: %w", err)
	}
	return nil
}

func (r *gormChannelRepository) ListLogsByAlert(ctx context.Context, alertHistoryID uuid.UUID) ([]db.NotificationLog, error) {
	var logs []db.NotificationLog
	err := r.db.WithContext(ctx).
		Where("alert_history_id = ?", alertHistoryID).
		Order("sent_at ASC").
		Find(&logs).Error
	if err != nil {
		return nil, fmt.Errorf("channels: list logs by alert: %w", err)
	}
	return logs, nil
}
