package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/MarkoPoloResearchLab/drivegate/internal/model"
)

type subscriptionRequest struct {
	PlanCode         string `json:"plan_code"`
	PaymentReference string `json:"payment_reference"`
}

// SubscriptionHandlers serves the plan catalog and the user's own subscription requests.
type SubscriptionHandlers struct {
	services Services
}

func NewSubscriptionHandlers(services Services) *SubscriptionHandlers {
	return &SubscriptionHandlers{services: services}
}

func (handlers *SubscriptionHandlers) Plans(context *gin.Context) {
	context.JSON(http.StatusOK, gin.H{"plans": model.Plans()})
}

func (handlers *SubscriptionHandlers) ListMine(context *gin.Context) {
	currentUser, ok := CurrentUserFromContext(context)
	if !ok {
		context.JSON(http.StatusUnauthorized, gin.H{jsonKeyError: authErrorUnauthorized})
		return
	}
	records, err := handlers.services.Subscriptions.ListForUser(context.Request.Context(), currentUser.User.ID)
	if err != nil {
		respondError(context, handlers.services.logger(), err)
		return
	}
	context.JSON(http.StatusOK, gin.H{"subscriptions": newSubscriptionViews(records, handlers.services.now())})
}

func (handlers *SubscriptionHandlers) Request(context *gin.Context) {
	currentUser, ok := CurrentUserFromContext(context)
	if !ok {
		context.JSON(http.StatusUnauthorized, gin.H{jsonKeyError: authErrorUnauthorized})
		return
	}
	var request subscriptionRequest
	if err := context.ShouldBindJSON(&request); err != nil {
		context.JSON(http.StatusBadRequest, gin.H{jsonKeyError: errorValueInvalidJSON})
		return
	}
	record, err := handlers.services.Subscriptions.Request(context.Request.Context(), currentUser.User.ID, request.PlanCode, request.PaymentReference)
	if err != nil {
		respondError(context, handlers.services.logger(), err)
		return
	}
	now := handlers.services.now()
	handlers.services.Activity.RecordQuietly(context.Request.Context(), currentUser.User.ID, model.ActivityKindSubscriptionRequest, record.PlanCode, now)
	context.JSON(http.StatusCreated, gin.H{"subscription": newSubscriptionView(record, now)})
}
