package task

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/drivegate/internal/model"
	"github.com/MarkoPoloResearchLab/drivegate/internal/notifications"
)

const (
	ExpiryJobName             = "subscription_expiry"
	DefaultExpiryNoticeWindow = 3 * 24 * time.Hour

	logEventExpiryNoticeSent = "subscription_expiry_notice_sent"
	logEventExpiredSwept     = "subscription_expired_swept"
)

var ErrMissingExpiryStore = errors.New("missing_expiry_store")

// ExpiryStore is the part of the subscription service the expiry job drives.
type ExpiryStore interface {
	SweepExpired(ctx context.Context, now time.Time) ([]model.Subscription, error)
	DueForExpiryNotice(ctx context.Context, now time.Time, window time.Duration) ([]model.Subscription, error)
}

// ExpiryJobConfig wires an ExpiryJob.
type ExpiryJobConfig struct {
	Store     ExpiryStore
	Publisher notifications.Publisher
	Logger    *zap.Logger
	Window    time.Duration
	Clock     func() time.Time
}

// ExpiryJob expires lapsed subscriptions and warns users whose subscription ends soon.
type ExpiryJob struct {
	store     ExpiryStore
	publisher notifications.Publisher
	logger    *zap.Logger
	window    time.Duration
	clock     func() time.Time
}

// NewExpiryJob validates the configuration and applies defaults.
func NewExpiryJob(config ExpiryJobConfig) (*ExpiryJob, error) {
	if config.Store == nil {
		return nil, ErrMissingExpiryStore
	}
	job := &ExpiryJob{
		store:     config.Store,
		publisher: config.Publisher,
		logger:    config.Logger,
		window:    config.Window,
		clock:     config.Clock,
	}
	if job.logger == nil {
		job.logger = zap.NewNop()
	}
	if job.window <= 0 {
		job.window = DefaultExpiryNoticeWindow
	}
	if job.clock == nil {
		job.clock = time.Now
	}
	return job, nil
}

// Run performs one sweep. It matches the Job signature.
func (job *ExpiryJob) Run(ctx context.Context) error {
	now := job.clock().UTC()

	expired, sweepErr := job.store.SweepExpired(ctx, now)
	if sweepErr != nil {
		return sweepErr
	}
	for _, subscription := range expired {
		job.logger.Info(logEventExpiredSwept, zap.String("subscription_id", subscription.ID), zap.String("user_id", subscription.UserID))
		job.publish(notifications.EventKindSubscriptionExpired, subscription, now)
	}

	due, noticeErr := job.store.DueForExpiryNotice(ctx, now, job.window)
	if noticeErr != nil {
		return noticeErr
	}
	for _, subscription := range due {
		job.logger.Info(logEventExpiryNoticeSent, zap.String("subscription_id", subscription.ID), zap.String("user_id", subscription.UserID))
		job.publish(notifications.EventKindSubscriptionExpiring, subscription, now)
	}
	return nil
}

func (job *ExpiryJob) publish(kind string, subscription model.Subscription, now time.Time) {
	if job.publisher == nil {
		return
	}
	job.publisher.Broadcast(notifications.Event{
		Kind:   kind,
		UserID: subscription.UserID,
		Payload: map[string]any{
			"subscription_id": subscription.ID,
			"plan_code":       subscription.PlanCode,
			"expires_at":      subscription.ExpiresAt.UTC(),
			"days_remaining":  subscription.DaysRemaining(now),
		},
		Timestamp: now,
	})
}
