// Package subscription manages the lifecycle of Drive subscriptions and gates Drive access on them.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/drivegate/internal/model"
)

const (
	defaultListLimit = 200
	maxListLimit     = 1000

	logEventSubscriptionRequested = "subscription_requested"
	logEventSubscriptionApproved  = "subscription_approved"
	logEventSubscriptionGranted   = "subscription_granted"
	logEventSubscriptionRejected  = "subscription_rejected"
	logEventSubscriptionRevoked   = "subscription_revoked"
	logEventSubscriptionsExpired  = "subscriptions_expired"
)

var (
	ErrPendingExists            = errors.New("subscription_pending_exists")
	ErrNoActiveSubscription     = errors.New("no_active_subscription")
	ErrSubscriptionRequired     = errors.New("subscription_required")
	ErrSubscriptionNotFound     = errors.New("subscription_not_found")
	ErrInvalidTransition        = errors.New("invalid_subscription_transition")
	ErrMissingReviewer          = errors.New("missing_subscription_reviewer")
	ErrMissingSubscriptionStore = errors.New("missing_subscription_store")
)

// Subject identifies the caller of a gated operation.
type Subject struct {
	UserID string
	Admin  bool
}

// Access describes why a subject passed the gate. Subscription is nil for admins.
type Access struct {
	Subscription *model.Subscription
	Bypassed     bool
}

// ListFilter narrows the admin subscription listing.
type ListFilter struct {
	Status string
	UserID string
	Limit  int
}

// Service owns subscription state transitions.
type Service struct {
	database *gorm.DB
	logger   *zap.Logger
}

// NewService builds a Service.
func NewService(database *gorm.DB, logger *zap.Logger) (*Service, error) {
	if database == nil {
		return nil, ErrMissingSubscriptionStore
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{database: database, logger: logger}, nil
}

// Request records a pending subscription awaiting admin approval. A user holds at most one
// pending request.
func (service *Service) Request(ctx context.Context, userID string, planCode string, paymentReference string) (model.Subscription, error) {
	subscription, buildErr := model.NewSubscription(model.SubscriptionInput{
		UserID:           userID,
		PlanCode:         planCode,
		Status:           model.SubscriptionStatusPending,
		PaymentReference: paymentReference,
	})
	if buildErr != nil {
		return model.Subscription{}, buildErr
	}

	err := service.database.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var pendingCount int64
		if err := transaction.Model(&model.Subscription{}).
			Where("user_id = ? AND status = ?", subscription.UserID, model.SubscriptionStatusPending).
			Count(&pendingCount).Error; err != nil {
			return err
		}
		if pendingCount > 0 {
			return ErrPendingExists
		}
		return transaction.Create(&subscription).Error
	})
	if err != nil {
		return model.Subscription{}, err
	}

	service.logger.Info(
		logEventSubscriptionRequested,
		zap.String("subscription_id", subscription.ID),
		zap.String("user_id", subscription.UserID),
		zap.String("plan", subscription.PlanCode),
	)
	return subscription, nil
}

// Approve activates a pending request. The new period starts when the user's current coverage
// ends, or now when the user has none.
func (service *Service) Approve(ctx context.Context, subscriptionID string, adminEmail string, now time.Time) (model.Subscription, error) {
	reviewer, reviewerErr := normalizeReviewer(adminEmail)
	if reviewerErr != nil {
		return model.Subscription{}, reviewerErr
	}

	var approved model.Subscription
	err := service.database.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		subscription, loadErr := loadSubscription(transaction, subscriptionID)
		if loadErr != nil {
			return loadErr
		}
		if subscription.Status != model.SubscriptionStatusPending {
			return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, subscription.ID, subscription.Status)
		}
		plan, planErr := model.LookupPlan(subscription.PlanCode)
		if planErr != nil {
			return planErr
		}
		startsAt, startErr := coverageEnd(transaction, subscription.UserID, now)
		if startErr != nil {
			return startErr
		}
		subscription.Status = model.SubscriptionStatusActive
		subscription.StartsAt = startsAt
		subscription.ExpiresAt = startsAt.Add(plan.Duration)
		subscription.ApprovedBy = reviewer
		if err := transaction.Save(&subscription).Error; err != nil {
			return err
		}
		approved = subscription
		return nil
	})
	if err != nil {
		return model.Subscription{}, err
	}

	service.logger.Info(
		logEventSubscriptionApproved,
		zap.String("subscription_id", approved.ID),
		zap.String("user_id", approved.UserID),
		zap.Time("starts_at", approved.StartsAt),
		zap.Time("expires_at", approved.ExpiresAt),
		zap.String("admin", reviewer),
	)
	return approved, nil
}

// Grant creates an already active subscription, stacked like an approval.
func (service *Service) Grant(ctx context.Context, userID string, planCode string, adminEmail string, now time.Time) (model.Subscription, error) {
	reviewer, reviewerErr := normalizeReviewer(adminEmail)
	if reviewerErr != nil {
		return model.Subscription{}, reviewerErr
	}
	plan, planErr := model.LookupPlan(planCode)
	if planErr != nil {
		return model.Subscription{}, planErr
	}

	var granted model.Subscription
	err := service.database.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		startsAt, startErr := coverageEnd(transaction, strings.TrimSpace(userID), now)
		if startErr != nil {
			return startErr
		}
		subscription, buildErr := model.NewSubscription(model.SubscriptionInput{
			UserID:     userID,
			PlanCode:   plan.Code,
			Status:     model.SubscriptionStatusActive,
			StartsAt:   startsAt,
			ExpiresAt:  startsAt.Add(plan.Duration),
			ApprovedBy: reviewer,
		})
		if buildErr != nil {
			return buildErr
		}
		if err := transaction.Create(&subscription).Error; err != nil {
			return err
		}
		granted = subscription
		return nil
	})
	if err != nil {
		return model.Subscription{}, err
	}

	service.logger.Info(
		logEventSubscriptionGranted,
		zap.String("subscription_id", granted.ID),
		zap.String("user_id", granted.UserID),
		zap.String("plan", granted.PlanCode),
		zap.String("admin", reviewer),
	)
	return granted, nil
}

// Reject closes a pending request without granting access.
func (service *Service) Reject(ctx context.Context, subscriptionID string, adminEmail string) (model.Subscription, error) {
	subscription, err := service.transition(ctx, subscriptionID, adminEmail, model.SubscriptionStatusPending, model.SubscriptionStatusRejected)
	if err != nil {
		return model.Subscription{}, err
	}
	service.logger.Info(logEventSubscriptionRejected, zap.String("subscription_id", subscription.ID), zap.String("user_id", subscription.UserID))
	return subscription, nil
}

// Revoke ends an active subscription immediately.
func (service *Service) Revoke(ctx context.Context, subscriptionID string, adminEmail string) (model.Subscription, error) {
	subscription, err := service.transition(ctx, subscriptionID, adminEmail, model.SubscriptionStatusActive, model.SubscriptionStatusRevoked)
	if err != nil {
		return model.Subscription{}, err
	}
	service.logger.Info(logEventSubscriptionRevoked, zap.String("subscription_id", subscription.ID), zap.String("user_id", subscription.UserID))
	return subscription, nil
}

func (service *Service) transition(ctx context.Context, subscriptionID string, adminEmail string, from string, to string) (model.Subscription, error) {
	reviewer, reviewerErr := normalizeReviewer(adminEmail)
	if reviewerErr != nil {
		return model.Subscription{}, reviewerErr
	}

	var updated model.Subscription
	err := service.database.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		subscription, loadErr := loadSubscription(transaction, subscriptionID)
		if loadErr != nil {
			return loadErr
		}
		if subscription.Status != from {
			return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, subscription.ID, subscription.Status)
		}
		subscription.Status = to
		subscription.ApprovedBy = reviewer
		if err := transaction.Save(&subscription).Error; err != nil {
			return err
		}
		updated = subscription
		return nil
	})
	return updated, err
}

// Active returns the subscription covering now.
func (service *Service) Active(ctx context.Context, userID string, now time.Time) (model.Subscription, error) {
	instant := now.UTC()
	var subscription model.Subscription
	err := service.database.WithContext(ctx).
		Where("user_id = ? AND status = ? AND starts_at <= ? AND expires_at > ?",
			strings.TrimSpace(userID), model.SubscriptionStatusActive, instant, instant).
		Order("expires_at DESC").
		First(&subscription).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Subscription{}, ErrNoActiveSubscription
	}
	if err != nil {
		return model.Subscription{}, err
	}
	return subscription, nil
}

// Pending returns the user's open request, if any.
func (service *Service) Pending(ctx context.Context, userID string) (model.Subscription, bool, error) {
	var subscription model.Subscription
	err := service.database.WithContext(ctx).
		Where("user_id = ? AND status = ?", strings.TrimSpace(userID), model.SubscriptionStatusPending).
		First(&subscription).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Subscription{}, false, nil
	}
	if err != nil {
		return model.Subscription{}, false, err
	}
	return subscription, true, nil
}

// RequireActive is the Drive gate. Admins pass without a subscription.
func (service *Service) RequireActive(ctx context.Context, subject Subject, now time.Time) (Access, error) {
	if subject.Admin {
		return Access{Bypassed: true}, nil
	}
	if strings.TrimSpace(subject.UserID) == "" {
		return Access{}, ErrSubscriptionRequired
	}
	subscription, err := service.Active(ctx, subject.UserID, now)
	if errors.Is(err, ErrNoActiveSubscription) {
		return Access{}, fmt.Errorf("%w: %v", ErrSubscriptionRequired, err)
	}
	if err != nil {
		return Access{}, err
	}
	return Access{Subscription: &subscription}, nil
}

// List returns subscriptions newest first.
func (service *Service) List(ctx context.Context, filter ListFilter) ([]model.Subscription, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	query := service.database.WithContext(ctx).Model(&model.Subscription{})
	if status := strings.TrimSpace(filter.Status); status != "" {
		query = query.Where("status = ?", status)
	}
	if userID := strings.TrimSpace(filter.UserID); userID != "" {
		query = query.Where("user_id = ?", userID)
	}
	var subscriptions []model.Subscription
	if err := query.Order("created_at DESC").Limit(limit).Find(&subscriptions).Error; err != nil {
		return nil, err
	}
	return subscriptions, nil
}

// ListForUser returns every subscription of one user, newest first.
func (service *Service) ListForUser(ctx context.Context, userID string) ([]model.Subscription, error) {
	return service.List(ctx, ListFilter{UserID: userID, Limit: maxListLimit})
}

// SweepExpired marks active subscriptions whose period ended as expired and returns them.
func (service *Service) SweepExpired(ctx context.Context, now time.Time) ([]model.Subscription, error) {
	instant := now.UTC()
	var expired []model.Subscription
	err := service.database.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if err := transaction.
			Where("status = ? AND expires_at <= ?", model.SubscriptionStatusActive, instant).
			Find(&expired).Error; err != nil {
			return err
		}
		if len(expired) == 0 {
			return nil
		}
		identifiers := make([]string, 0, len(expired))
		for index := range expired {
			identifiers = append(identifiers, expired[index].ID)
			expired[index].Status = model.SubscriptionStatusExpired
		}
		return transaction.Model(&model.Subscription{}).
			Where("id IN ?", identifiers).
			Update("status", model.SubscriptionStatusExpired).Error
	})
	if err != nil {
		return nil, err
	}
	if len(expired) > 0 {
		service.logger.Info(logEventSubscriptionsExpired, zap.Int("count", len(expired)))
	}
	return expired, nil
}

// DueForExpiryNotice returns active subscriptions ending within the window that have not been
// announced yet, and marks them announced.
func (service *Service) DueForExpiryNotice(ctx context.Context, now time.Time, window time.Duration) ([]model.Subscription, error) {
	instant := now.UTC()
	var due []model.Subscription
	err := service.database.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if err := transaction.
			Where("status = ? AND expires_at > ? AND expires_at <= ? AND expiry_notified_at IS NULL",
				model.SubscriptionStatusActive, instant, instant.Add(window)).
			Order("expires_at ASC").
			Find(&due).Error; err != nil {
			return err
		}
		if len(due) == 0 {
			return nil
		}
		identifiers := make([]string, 0, len(due))
		for index := range due {
			identifiers = append(identifiers, due[index].ID)
			notifiedAt := instant
			due[index].ExpiryNotifiedAt = &notifiedAt
		}
		return transaction.Model(&model.Subscription{}).
			Where("id IN ?", identifiers).
			Update("expiry_notified_at", instant).Error
	})
	if err != nil {
		return nil, err
	}
	return due, nil
}

// coverageEnd returns when the user's latest active period ends, or now when nothing covers
// the user beyond now.
func coverageEnd(database *gorm.DB, userID string, now time.Time) (time.Time, error) {
	instant := now.UTC()
	var latest model.Subscription
	err := database.
		Where("user_id = ? AND status = ? AND expires_at > ?", userID, model.SubscriptionStatusActive, instant).
		Order("expires_at DESC").
		First(&latest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return instant, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return latest.ExpiresAt.UTC(), nil
}

func loadSubscription(database *gorm.DB, subscriptionID string) (model.Subscription, error) {
	var subscription model.Subscription
	err := database.First(&subscription, "id = ?", strings.TrimSpace(subscriptionID)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Subscription{}, ErrSubscriptionNotFound
	}
	return subscription, err
}

func normalizeReviewer(adminEmail string) (string, error) {
	reviewer := strings.ToLower(strings.TrimSpace(adminEmail))
	if reviewer == "" {
		return "", ErrMissingReviewer
	}
	return reviewer, nil
}
