// Package activity keeps the per-user activity feed shown on the dashboard.
package activity

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/drivegate/internal/model"
)

const (
	DashboardFeedLength = 10

	defaultFeedLimit = 50
	maxFeedLimit     = 200

	logEventActivityRecordFailed = "activity_record_failed"
)

var ErrMissingActivityStore = errors.New("missing_activity_store")

// Service records and reads activity entries.
type Service struct {
	database *gorm.DB
	logger   *zap.Logger
}

// NewService builds a Service.
func NewService(database *gorm.DB, logger *zap.Logger) (*Service, error) {
	if database == nil {
		return nil, ErrMissingActivityStore
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{database: database, logger: logger}, nil
}

// Record appends an entry to the user's feed.
func (service *Service) Record(ctx context.Context, userID string, kind string, detail string, now time.Time) (model.Activity, error) {
	entry, buildErr := model.NewActivity(userID, kind, detail)
	if buildErr != nil {
		return model.Activity{}, buildErr
	}
	entry.CreatedAt = now.UTC()
	if err := service.database.WithContext(ctx).Create(&entry).Error; err != nil {
		return model.Activity{}, err
	}
	return entry, nil
}

// RecordQuietly records an entry, logging failures instead of returning them.
func (service *Service) RecordQuietly(ctx context.Context, userID string, kind string, detail string, now time.Time) {
	if service == nil {
		return
	}
	if _, err := service.Record(ctx, userID, kind, detail, now); err != nil {
		service.logger.Warn(logEventActivityRecordFailed, zap.String("user_id", userID), zap.String("kind", kind), zap.Error(err))
	}
}

// Recent returns the newest entries for a user. A non-positive limit uses the default.
func (service *Service) Recent(ctx context.Context, userID string, limit int) ([]model.Activity, error) {
	if limit <= 0 {
		limit = defaultFeedLimit
	}
	if limit > maxFeedLimit {
		limit = maxFeedLimit
	}
	entries := make([]model.Activity, 0, limit)
	err := service.database.WithContext(ctx).
		Where("user_id = ?", strings.TrimSpace(userID)).
		Order("created_at DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}
