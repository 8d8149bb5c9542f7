package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/drivegate/internal/account"
	"github.com/MarkoPoloResearchLab/drivegate/internal/model"
	"github.com/MarkoPoloResearchLab/drivegate/internal/notifications"
	"github.com/MarkoPoloResearchLab/drivegate/internal/security"
	"github.com/MarkoPoloResearchLab/drivegate/internal/subscription"
	"github.com/MarkoPoloResearchLab/drivegate/internal/zippassword"
)

const (
	paramKeyID = "id"

	logEventSubscriptionReviewed = "subscription_reviewed"
)

type updateUserRequest struct {
	Role     *string `json:"role"`
	Disabled *bool   `json:"disabled"`
}

type grantSubscriptionRequest struct {
	UserID   string `json:"user_id"`
	PlanCode string `json:"plan_code"`
}

type zipPasswordRequest struct {
	Label      *string `json:"label"`
	PathPrefix *string `json:"path_prefix"`
	Password   *string `json:"password"`
	Active     *bool   `json:"active"`
}

// AdminHandlers serves the administrator panel.
type AdminHandlers struct {
	services Services
}

func NewAdminHandlers(services Services) *AdminHandlers {
	return &AdminHandlers{services: services}
}

func (handlers *AdminHandlers) ListUsers(context *gin.Context) {
	users, err := handlers.services.Accounts.List(context.Request.Context())
	if err != nil {
		respondError(context, handlers.services.logger(), err)
		return
	}
	views := make([]userView, 0, len(users))
	for _, user := range users {
		views = append(views, newUserView(user, handlers.services.Accounts.IsAdmin(user)))
	}
	context.JSON(http.StatusOK, gin.H{"users": views})
}

func (handlers *AdminHandlers) UpdateUser(context *gin.Context) {
	var request updateUserRequest
	if err := context.ShouldBindJSON(&request); err != nil {
		context.JSON(http.StatusBadRequest, gin.H{jsonKeyError: errorValueInvalidJSON})
		return
	}
	if request.Role == nil && request.Disabled == nil {
		context.JSON(http.StatusBadRequest, gin.H{jsonKeyError: errorValueNothingToUpdate})
		return
	}
	user, err := handlers.services.Accounts.Update(context.Request.Context(), context.Param(paramKeyID), account.UpdateInput{
		Role:     request.Role,
		Disabled: request.Disabled,
	})
	if err != nil {
		respondError(context, handlers.services.logger(), err)
		return
	}
	context.JSON(http.StatusOK, gin.H{"user": newUserView(user, handlers.services.Accounts.IsAdmin(user))})
}

func (handlers *AdminHandlers) ListSubscriptions(context *gin.Context) {
	limit, _ := strconv.Atoi(context.Query("limit"))
	records, err := handlers.services.Subscriptions.List(context.Request.Context(), subscription.ListFilter{
		Status: context.Query("status"),
		UserID: context.Query("user_id"),
		Limit:  limit,
	})
	if err != nil {
		respondError(context, handlers.services.logger(), err)
		return
	}
	context.JSON(http.StatusOK, gin.H{"subscriptions": newSubscriptionViews(records, handlers.services.now())})
}

func (handlers *AdminHandlers) GrantSubscription(context *gin.Context) {
	reviewer, ok := CurrentUserFromContext(context)
	if !ok {
		context.JSON(http.StatusUnauthorized, gin.H{jsonKeyError: authErrorUnauthorized})
		return
	}
	var request grantSubscriptionRequest
	if err := context.ShouldBindJSON(&request); err != nil {
		context.JSON(http.StatusBadRequest, gin.H{jsonKeyError: errorValueInvalidJSON})
		return
	}
	if _, err := handlers.services.Accounts.Get(context.Request.Context(), request.UserID); err != nil {
		respondError(context, handlers.services.logger(), err)
		return
	}
	now := handlers.services.now()
	record, err := handlers.services.Subscriptions.Grant(context.Request.Context(), request.UserID, request.PlanCode, reviewer.User.Email, now)
	if err != nil {
		respondError(context, handlers.services.logger(), err)
		return
	}
	handlers.announceReview(notifications.EventKindSubscriptionApproved, record, reviewer.User.Email)
	context.JSON(http.StatusCreated, gin.H{"subscription": newSubscriptionView(record, now)})
}

func (handlers *AdminHandlers) ApproveSubscription(context *gin.Context) {
	reviewer, ok := CurrentUserFromContext(context)
	if !ok {
		context.JSON(http.StatusUnauthorized, gin.H{jsonKeyError: authErrorUnauthorized})
		return
	}
	now := handlers.services.now()
	record, err := handlers.services.Subscriptions.Approve(context.Request.Context(), context.Param(paramKeyID), reviewer.User.Email, now)
	if err != nil {
		respondError(context, handlers.services.logger(), err)
		return
	}
	handlers.announceReview(notifications.EventKindSubscriptionApproved, record, reviewer.User.Email)
	context.JSON(http.StatusOK, gin.H{"subscription": newSubscriptionView(record, now)})
}

func (handlers *AdminHandlers) RejectSubscription(context *gin.Context) {
	reviewer, ok := CurrentUserFromContext(context)
	if !ok {
		context.JSON(http.StatusUnauthorized, gin.H{jsonKeyError: authErrorUnauthorized})
		return
	}
	record, err := handlers.services.Subscriptions.Reject(context.Request.Context(), context.Param(paramKeyID), reviewer.User.Email)
	if err != nil {
		respondError(context, handlers.services.logger(), err)
		return
	}
	handlers.announceReview(notifications.EventKindSubscriptionRejected, record, reviewer.User.Email)
	context.JSON(http.StatusOK, gin.H{"subscription": newSubscriptionView(record, handlers.services.now())})
}

func (handlers *AdminHandlers) RevokeSubscription(context *gin.Context) {
	reviewer, ok := CurrentUserFromContext(context)
	if !ok {
		context.JSON(http.StatusUnauthorized, gin.H{jsonKeyError: authErrorUnauthorized})
		return
	}
	record, err := handlers.services.Subscriptions.Revoke(context.Request.Context(), context.Param(paramKeyID), reviewer.User.Email)
	if err != nil {
		respondError(context, handlers.services.logger(), err)
		return
	}
	handlers.announceReview(notifications.EventKindSubscriptionRevoked, record, reviewer.User.Email)
	context.JSON(http.StatusOK, gin.H{"subscription": newSubscriptionView(record, handlers.services.now())})
}

func (handlers *AdminHandlers) ListAlerts(context *gin.Context) {
	limit, _ := strconv.Atoi(context.Query("limit"))
	unresolvedOnly, _ := strconv.ParseBool(context.DefaultQuery("unresolved", "false"))
	alerts, err := handlers.services.Security.ListAlerts(context.Request.Context(), security.AlertFilter{
		UnresolvedOnly: unresolvedOnly,
		UserID:         context.Query("user_id"),
		Limit:          limit,
	})
	if err != nil {
		respondError(context, handlers.services.logger(), err)
		return
	}
	views := make([]alertView, 0, len(alerts))
	for _, alert := range alerts {
		views = append(views, newAlertView(alert))
	}
	context.JSON(http.StatusOK, gin.H{"alerts": views})
}

func (handlers *AdminHandlers) ResolveAlert(context *gin.Context) {
	reviewer, ok := CurrentUserFromContext(context)
	if !ok {
		context.JSON(http.StatusUnauthorized, gin.H{jsonKeyError: authErrorUnauthorized})
		return
	}
	alert, err := handlers.services.Security.ResolveAlert(context.Request.Context(), context.Param(paramKeyID), reviewer.User.Email, handlers.services.now())
	if err != nil {
		respondError(context, handlers.services.logger(), err)
		return
	}
	context.JSON(http.StatusOK, gin.H{"alert": newAlertView(alert)})
}

func (handlers *AdminHandlers) ListZipPasswords(context *gin.Context) {
	zipPasswords, err := handlers.services.ZipPasswords.List(context.Request.Context())
	if err != nil {
		respondError(context, handlers.services.logger(), err)
		return
	}
	views := make([]zipPasswordView, 0, len(zipPasswords))
	for _, zipPassword := range zipPasswords {
		views = append(views, newZipPasswordView(zipPassword))
	}
	context.JSON(http.StatusOK, gin.H{"zip_passwords": views})
}

func (handlers *AdminHandlers) CreateZipPassword(context *gin.Context) {
	reviewer, ok := CurrentUserFromContext(context)
	if !ok {
		context.JSON(http.StatusUnauthorized, gin.H{jsonKeyError: authErrorUnauthorized})
		return
	}
	var request zipPasswordRequest
	if err := context.ShouldBindJSON(&request); err != nil {
		context.JSON(http.StatusBadRequest, gin.H{jsonKeyError: errorValueInvalidJSON})
		return
	}
	zipPassword, err := handlers.services.ZipPasswords.Create(context.Request.Context(), model.ZipPasswordInput{
		Label:      valueOrEmpty(request.Label),
		PathPrefix: valueOrEmpty(request.PathPrefix),
		Password:   valueOrEmpty(request.Password),
		CreatedBy:  reviewer.User.Email,
	})
	if err != nil {
		respondError(context, handlers.services.logger(), err)
		return
	}
	context.JSON(http.StatusCreated, gin.H{"zip_password": newZipPasswordView(zipPassword)})
}

func (handlers *AdminHandlers) UpdateZipPassword(context *gin.Context) {
	var request zipPasswordRequest
	if err := context.ShouldBindJSON(&request); err != nil {
		context.JSON(http.StatusBadRequest, gin.H{jsonKeyError: errorValueInvalidJSON})
		return
	}
	if request.Label == nil && request.PathPrefix == nil && request.Password == nil && request.Active == nil {
		context.JSON(http.StatusBadRequest, gin.H{jsonKeyError: errorValueNothingToUpdate})
		return
	}
	zipPassword, err := handlers.services.ZipPasswords.Update(context.Request.Context(), context.Param(paramKeyID), zippassword.UpdateInput{
		Label:      request.Label,
		PathPrefix: request.PathPrefix,
		Password:   request.Password,
		Active:     request.Active,
	})
	if err != nil {
		respondError(context, handlers.services.logger(), err)
		return
	}
	context.JSON(http.StatusOK, gin.H{"zip_password": newZipPasswordView(zipPassword)})
}

func (handlers *AdminHandlers) DeleteZipPassword(context *gin.Context) {
	if err := handlers.services.ZipPasswords.Delete(context.Request.Context(), context.Param(paramKeyID)); err != nil {
		respondError(context, handlers.services.logger(), err)
		return
	}
	context.Status(http.StatusNoContent)
}

func (handlers *AdminHandlers) announceReview(kind string, record model.Subscription, reviewerEmail string) {
	handlers.services.logger().Info(logEventSubscriptionReviewed,
		zap.String("kind", kind),
		zap.String("subscription_id", record.ID),
		zap.String("user_id", record.UserID),
		zap.String("reviewer", strings.ToLower(reviewerEmail)),
	)
	payload := map[string]any{
		"subscription_id": record.ID,
		"plan_code":       record.PlanCode,
		"status":          record.Status,
	}
	if !record.ExpiresAt.IsZero() {
		payload["expires_at"] = record.ExpiresAt.UTC()
	}
	handlers.services.publish(notifications.Event{
		Kind:    kind,
		UserID:  record.UserID,
		Payload: payload,
	})
}

func valueOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
