package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/drivegate/internal/account"
	"github.com/MarkoPoloResearchLab/drivegate/internal/drive"
	"github.com/MarkoPoloResearchLab/drivegate/internal/model"
	"github.com/MarkoPoloResearchLab/drivegate/internal/security"
	"github.com/MarkoPoloResearchLab/drivegate/internal/subscription"
	"github.com/MarkoPoloResearchLab/drivegate/internal/zippassword"
)

const (
	jsonKeyError = "error"

	errorValueInvalidJSON          = "invalid_json"
	errorValueInternal             = "internal_error"
	errorValueSubscriptionRequired = "subscription_required"
	errorValueRateLimited          = "rate_limited"
	errorValueStreamUnavailable    = "stream_unavailable"
	errorValueMissingPath          = "missing_path"
	errorValueNothingToUpdate      = "nothing_to_update"

	logEventRequestFailed = "request_failed"
)

type errorMapping struct {
	target error
	status int
}

// errorMappings is ordered: wrapped errors match the first sentinel they carry.
var errorMappings = []errorMapping{
	{target: subscription.ErrSubscriptionRequired, status: http.StatusPaymentRequired},
	{target: subscription.ErrPendingExists, status: http.StatusConflict},
	{target: subscription.ErrInvalidTransition, status: http.StatusConflict},
	{target: subscription.ErrSubscriptionNotFound, status: http.StatusNotFound},
	{target: subscription.ErrNoActiveSubscription, status: http.StatusNotFound},
	{target: subscription.ErrMissingReviewer, status: http.StatusBadRequest},
	{target: model.ErrInvalidSubscriptionPlan, status: http.StatusBadRequest},
	{target: model.ErrInvalidSubscriptionReference, status: http.StatusBadRequest},
	{target: model.ErrInvalidSubscriptionUserID, status: http.StatusBadRequest},
	{target: account.ErrInvalidPassword, status: http.StatusBadRequest},
	{target: account.ErrEmailTaken, status: http.StatusConflict},
	{target: account.ErrInvalidCredentials, status: http.StatusUnauthorized},
	{target: account.ErrAccountDisabled, status: http.StatusForbidden},
	{target: account.ErrUserNotFound, status: http.StatusNotFound},
	{target: model.ErrInvalidUserEmail, status: http.StatusBadRequest},
	{target: model.ErrInvalidUserName, status: http.StatusBadRequest},
	{target: model.ErrInvalidUserRole, status: http.StatusBadRequest},
	{target: model.ErrInvalidUserCountryCode, status: http.StatusBadRequest},
	{target: model.ErrInvalidDeviceFingerprint, status: http.StatusBadRequest},
	{target: model.ErrInvalidDevicePlatform, status: http.StatusBadRequest},
	{target: model.ErrInvalidDevicePushToken, status: http.StatusBadRequest},
	{target: security.ErrAlertNotFound, status: http.StatusNotFound},
	{target: security.ErrAlertAlreadyResolved, status: http.StatusConflict},
	{target: zippassword.ErrZipPasswordNotFound, status: http.StatusNotFound},
	{target: zippassword.ErrNoMatchingPassword, status: http.StatusNotFound},
	{target: model.ErrInvalidZipPasswordLabel, status: http.StatusBadRequest},
	{target: model.ErrInvalidZipPasswordPrefix, status: http.StatusBadRequest},
	{target: model.ErrInvalidZipPasswordValue, status: http.StatusBadRequest},
	{target: drive.ErrInvalidPath, status: http.StatusBadRequest},
	{target: drive.ErrNotFound, status: http.StatusNotFound},
	{target: drive.ErrUpstreamStatus, status: http.StatusBadGateway},
	{target: drive.ErrUpstreamUnavailable, status: http.StatusBadGateway},
}

// respondError maps a service error to its status and snake_case code. Unknown errors are
// logged and reported as internal errors.
func respondError(context *gin.Context, logger *zap.Logger, err error) {
	for _, mapping := range errorMappings {
		if errors.Is(err, mapping.target) {
			context.AbortWithStatusJSON(mapping.status, gin.H{jsonKeyError: mapping.target.Error()})
			return
		}
	}
	if logger != nil {
		logger.Error(logEventRequestFailed,
			zap.String("method", context.Request.Method),
			zap.String("path", context.Request.URL.Path),
			zap.Error(err),
		)
	}
	context.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{jsonKeyError: errorValueInternal})
}

func unixOrZero(instant time.Time) int64 {
	if instant.IsZero() {
		return 0
	}
	return instant.UTC().Unix()
}

type userView struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	Name        string `json:"name,omitempty"`
	Role        string `json:"role"`
	IsAdmin     bool   `json:"is_admin"`
	Disabled    bool   `json:"disabled"`
	CountryCode string `json:"country_code,omitempty"`
	LastLoginAt int64  `json:"last_login_at,omitempty"`
	CreatedAt   int64  `json:"created_at"`
}

func newUserView(user model.User, isAdmin bool) userView {
	return userView{
		ID:          user.ID,
		Email:       user.Email,
		Name:        user.Name,
		Role:        user.Role,
		IsAdmin:     isAdmin,
		Disabled:    user.Disabled,
		CountryCode: user.CountryCode,
		LastLoginAt: unixOrZero(user.LastLoginAt),
		CreatedAt:   unixOrZero(user.CreatedAt),
	}
}

type subscriptionView struct {
	ID               string `json:"id"`
	UserID           string `json:"user_id"`
	PlanCode         string `json:"plan_code"`
	Status           string `json:"status"`
	StartsAt         int64  `json:"starts_at,omitempty"`
	ExpiresAt        int64  `json:"expires_at,omitempty"`
	DaysRemaining    int    `json:"days_remaining"`
	PaymentReference string `json:"payment_reference,omitempty"`
	ApprovedBy       string `json:"approved_by,omitempty"`
	CreatedAt        int64  `json:"created_at"`
}

func newSubscriptionView(subscriptionRecord model.Subscription, now time.Time) subscriptionView {
	return subscriptionView{
		ID:               subscriptionRecord.ID,
		UserID:           subscriptionRecord.UserID,
		PlanCode:         subscriptionRecord.PlanCode,
		Status:           subscriptionRecord.Status,
		StartsAt:         unixOrZero(subscriptionRecord.StartsAt),
		ExpiresAt:        unixOrZero(subscriptionRecord.ExpiresAt),
		DaysRemaining:    subscriptionRecord.DaysRemaining(now),
		PaymentReference: subscriptionRecord.PaymentReference,
		ApprovedBy:       subscriptionRecord.ApprovedBy,
		CreatedAt:        unixOrZero(subscriptionRecord.CreatedAt),
	}
}

func newSubscriptionViews(records []model.Subscription, now time.Time) []subscriptionView {
	views := make([]subscriptionView, 0, len(records))
	for _, record := range records {
		views = append(views, newSubscriptionView(record, now))
	}
	return views
}

type alertView struct {
	ID         string `json:"id"`
	UserID     string `json:"user_id"`
	Kind       string `json:"kind"`
	Severity   string `json:"severity"`
	Message    string `json:"message"`
	IP         string `json:"ip,omitempty"`
	UserAgent  string `json:"user_agent,omitempty"`
	Resolved   bool   `json:"resolved"`
	ResolvedAt int64  `json:"resolved_at,omitempty"`
	ResolvedBy string `json:"resolved_by,omitempty"`
	CreatedAt  int64  `json:"created_at"`
}

func newAlertView(alert model.SecurityAlert) alertView {
	view := alertView{
		ID:         alert.ID,
		UserID:     alert.UserID,
		Kind:       alert.Kind,
		Severity:   alert.Severity,
		Message:    alert.Message,
		IP:         alert.IP,
		UserAgent:  alert.UserAgent,
		Resolved:   alert.Resolved(),
		ResolvedBy: alert.ResolvedBy,
		CreatedAt:  unixOrZero(alert.CreatedAt),
	}
	if alert.ResolvedAt != nil {
		view.ResolvedAt = unixOrZero(*alert.ResolvedAt)
	}
	return view
}

type zipPasswordView struct {
	ID         string `json:"id"`
	Label      string `json:"label"`
	PathPrefix string `json:"path_prefix"`
	Password   string `json:"password"`
	Active     bool   `json:"active"`
	CreatedBy  string `json:"created_by,omitempty"`
	UpdatedAt  int64  `json:"updated_at"`
}

func newZipPasswordView(zipPassword model.ZipPassword) zipPasswordView {
	return zipPasswordView{
		ID:         zipPassword.ID,
		Label:      zipPassword.Label,
		PathPrefix: zipPassword.PathPrefix,
		Password:   zipPassword.Password,
		Active:     zipPassword.Active,
		CreatedBy:  zipPassword.CreatedBy,
		UpdatedAt:  unixOrZero(zipPassword.UpdatedAt),
	}
}

type deviceView struct {
	ID         string `json:"id"`
	Platform   string `json:"platform,omitempty"`
	HasPush    bool   `json:"has_push_token"`
	LastSeenAt int64  `json:"last_seen_at"`
}

func newDeviceView(device model.Device) deviceView {
	return deviceView{
		ID:         device.ID,
		Platform:   device.Platform,
		HasPush:    device.PushToken != "",
		LastSeenAt: unixOrZero(device.LastSeenAt),
	}
}

type activityView struct {
	Kind      string `json:"kind"`
	Detail    string `json:"detail,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

func newActivityViews(entries []model.Activity) []activityView {
	views := make([]activityView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, activityView{Kind: entry.Kind, Detail: entry.Detail, CreatedAt: unixOrZero(entry.CreatedAt)})
	}
	return views
}
