package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	SubscriptionStatusPending  = "pending"
	SubscriptionStatusActive   = "active"
	SubscriptionStatusRejected = "rejected"
	SubscriptionStatusRevoked  = "revoked"
	SubscriptionStatusExpired  = "expired"

	PlanCodeMonthly   = "monthly"
	PlanCodeQuarterly = "quarterly"
	PlanCodeYearly    = "yearly"

	paymentReferenceMaxLength = 200
)

var (
	ErrInvalidSubscriptionUserID    = errors.New("invalid_subscription_user_id")
	ErrInvalidSubscriptionPlan      = errors.New("invalid_subscription_plan")
	ErrInvalidSubscriptionStatus    = errors.New("invalid_subscription_status")
	ErrInvalidSubscriptionReference = errors.New("invalid_subscription_reference")
	ErrInvalidSubscriptionPeriod    = errors.New("invalid_subscription_period")
)

// Plan describes a purchasable subscription length.
type Plan struct {
	Code       string        `json:"code"`
	Duration   time.Duration `json:"-"`
	Days       int           `json:"days"`
	PriceCents int64         `json:"price_cents"`
}

var planCatalog = []Plan{
	{Code: PlanCodeMonthly, Duration: 30 * 24 * time.Hour, Days: 30, PriceCents: 999},
	{Code: PlanCodeQuarterly, Duration: 90 * 24 * time.Hour, Days: 90, PriceCents: 2699},
	{Code: PlanCodeYearly, Duration: 365 * 24 * time.Hour, Days: 365, PriceCents: 8999},
}

// Plans returns a copy of the plan catalog.
func Plans() []Plan {
	plans := make([]Plan, len(planCatalog))
	copy(plans, planCatalog)
	return plans
}

// LookupPlan finds a plan by code.
func LookupPlan(code string) (Plan, error) {
	normalized := strings.ToLower(strings.TrimSpace(code))
	for _, plan := range planCatalog {
		if plan.Code == normalized {
			return plan, nil
		}
	}
	return Plan{}, fmt.Errorf("%w: %s", ErrInvalidSubscriptionPlan, code)
}

// Subscription is a time-boxed entitlement to the Drive.
type Subscription struct {
	ID               string    `gorm:"primaryKey;size:36"`
	UserID           string    `gorm:"not null;size:36;index"`
	PlanCode         string    `gorm:"not null;size:32"`
	Status           string    `gorm:"not null;size:16;index"`
	StartsAt         time.Time `gorm:"index"`
	ExpiresAt        time.Time `gorm:"index"`
	PaymentReference string    `gorm:"size:200"`
	ApprovedBy       string    `gorm:"size:320"`
	ExpiryNotifiedAt *time.Time
	CreatedAt        time.Time `gorm:"autoCreateTime"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime"`
}

// SubscriptionInput holds the raw values used to construct a Subscription.
type SubscriptionInput struct {
	UserID           string
	PlanCode         string
	Status           string
	StartsAt         time.Time
	ExpiresAt        time.Time
	PaymentReference string
	ApprovedBy       string
}

// NewSubscription constructs a Subscription with validated, normalized fields.
func NewSubscription(input SubscriptionInput) (Subscription, error) {
	userID := strings.TrimSpace(input.UserID)
	if userID == "" {
		return Subscription{}, ErrInvalidSubscriptionUserID
	}

	plan, planErr := LookupPlan(input.PlanCode)
	if planErr != nil {
		return Subscription{}, planErr
	}

	status := strings.TrimSpace(input.Status)
	if status == "" {
		status = SubscriptionStatusPending
	}
	if err := validateSubscriptionStatus(status); err != nil {
		return Subscription{}, err
	}

	reference := strings.TrimSpace(input.PaymentReference)
	if len(reference) > paymentReferenceMaxLength {
		return Subscription{}, fmt.Errorf("%w: too long", ErrInvalidSubscriptionReference)
	}

	if status == SubscriptionStatusActive {
		if input.StartsAt.IsZero() || !input.ExpiresAt.After(input.StartsAt) {
			return Subscription{}, fmt.Errorf("%w: active subscription needs a period", ErrInvalidSubscriptionPeriod)
		}
	}

	return Subscription{
		ID:               uuid.NewString(),
		UserID:           userID,
		PlanCode:         plan.Code,
		Status:           status,
		StartsAt:         input.StartsAt.UTC(),
		ExpiresAt:        input.ExpiresAt.UTC(),
		PaymentReference: reference,
		ApprovedBy:       strings.ToLower(strings.TrimSpace(input.ApprovedBy)),
	}, nil
}

// Covers reports whether the subscription grants access at the given instant.
func (subscription Subscription) Covers(instant time.Time) bool {
	if subscription.Status != SubscriptionStatusActive {
		return false
	}
	return !instant.Before(subscription.StartsAt) && instant.Before(subscription.ExpiresAt)
}

// DaysRemaining rounds the remaining period up to whole days.
func (subscription Subscription) DaysRemaining(instant time.Time) int {
	if !subscription.Covers(instant) {
		return 0
	}
	remaining := subscription.ExpiresAt.Sub(instant)
	days := int(remaining / (24 * time.Hour))
	if remaining%(24*time.Hour) > 0 {
		days++
	}
	return days
}

func validateSubscriptionStatus(status string) error {
	switch status {
	case SubscriptionStatusPending, SubscriptionStatusActive, SubscriptionStatusRejected, SubscriptionStatusRevoked, SubscriptionStatusExpired:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrInvalidSubscriptionStatus, status)
	}
}
