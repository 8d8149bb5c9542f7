package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/MarkoPoloResearchLab/drivegate/internal/activity"
	"github.com/MarkoPoloResearchLab/drivegate/internal/model"
	"github.com/MarkoPoloResearchLab/drivegate/internal/subscription"
)

type registerDeviceRequest struct {
	PushToken string `json:"push_token"`
	Platform  string `json:"platform"`
}

// AccountHandlers serves the signed-in user's own resources.
type AccountHandlers struct {
	services Services
}

func NewAccountHandlers(services Services) *AccountHandlers {
	return &AccountHandlers{services: services}
}

func (handlers *AccountHandlers) CurrentUser(context *gin.Context) {
	currentUser, ok := CurrentUserFromContext(context)
	if !ok {
		context.JSON(http.StatusUnauthorized, gin.H{jsonKeyError: authErrorUnauthorized})
		return
	}
	context.JSON(http.StatusOK, gin.H{"user": newUserView(currentUser.User, currentUser.IsAdmin)})
}

func (handlers *AccountHandlers) Dashboard(context *gin.Context) {
	currentUser, ok := CurrentUserFromContext(context)
	if !ok {
		context.JSON(http.StatusUnauthorized, gin.H{jsonKeyError: authErrorUnauthorized})
		return
	}
	requestContext := context.Request.Context()
	now := handlers.services.now()
	userID := currentUser.User.ID

	response := gin.H{
		"user":         newUserView(currentUser.User, currentUser.IsAdmin),
		"subscription": nil,
		"pending":      nil,
	}

	active, activeErr := handlers.services.Subscriptions.Active(requestContext, userID, now)
	switch {
	case activeErr == nil:
		response["subscription"] = newSubscriptionView(active, now)
	case !errors.Is(activeErr, subscription.ErrNoActiveSubscription):
		respondError(context, handlers.services.logger(), activeErr)
		return
	}

	pending, hasPending, pendingErr := handlers.services.Subscriptions.Pending(requestContext, userID)
	if pendingErr != nil {
		respondError(context, handlers.services.logger(), pendingErr)
		return
	}
	if hasPending {
		response["pending"] = newSubscriptionView(pending, now)
	}

	entries, activityErr := handlers.services.Activity.Recent(requestContext, userID, activity.DashboardFeedLength)
	if activityErr != nil {
		respondError(context, handlers.services.logger(), activityErr)
		return
	}
	response["activity"] = newActivityViews(entries)
	response["drive_access"] = currentUser.IsAdmin || activeErr == nil
	context.JSON(http.StatusOK, response)
}

func (handlers *AccountHandlers) Activity(context *gin.Context) {
	currentUser, ok := CurrentUserFromContext(context)
	if !ok {
		context.JSON(http.StatusUnauthorized, gin.H{jsonKeyError: authErrorUnauthorized})
		return
	}
	limit, _ := strconv.Atoi(context.Query("limit"))
	entries, err := handlers.services.Activity.Recent(context.Request.Context(), currentUser.User.ID, limit)
	if err != nil {
		respondError(context, handlers.services.logger(), err)
		return
	}
	context.JSON(http.StatusOK, gin.H{"activity": newActivityViews(entries)})
}

func (handlers *AccountHandlers) RegisterDevice(context *gin.Context) {
	currentUser, ok := CurrentUserFromContext(context)
	if !ok {
		context.JSON(http.StatusUnauthorized, gin.H{jsonKeyError: authErrorUnauthorized})
		return
	}
	var request registerDeviceRequest
	if err := context.ShouldBindJSON(&request); err != nil {
		context.JSON(http.StatusBadRequest, gin.H{jsonKeyError: errorValueInvalidJSON})
		return
	}
	client := clientInfoFromRequest(context)
	if request.Platform != "" {
		client.Platform = request.Platform
	}
	now := handlers.services.now()
	device, err := handlers.services.Security.RegisterDevice(context.Request.Context(), currentUser.User.ID, client, request.PushToken, now)
	if err != nil {
		respondError(context, handlers.services.logger(), err)
		return
	}
	handlers.services.Activity.RecordQuietly(context.Request.Context(), currentUser.User.ID, model.ActivityKindDeviceRegistered, device.Platform, now)
	context.JSON(http.StatusCreated, gin.H{"device": newDeviceView(device)})
}
