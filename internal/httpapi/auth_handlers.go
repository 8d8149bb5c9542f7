package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/drivegate/internal/account"
	"github.com/MarkoPoloResearchLab/drivegate/internal/model"
)

const (
	logEventSessionStartFailed = "session_start_failed"
	logEventSessionEndFailed   = "session_end_failed"
	logEventObserveLogin       = "observe_login_failed"
	logEventUserLoggedIn       = "user_logged_in"
)

type registerRequest struct {
	Email       string `json:"email"`
	Name        string `json:"name"`
	Password    string `json:"password"`
	CountryCode string `json:"country_code"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthHandlers serves registration, login and logout.
type AuthHandlers struct {
	services    Services
	authManager *AuthManager
}

func NewAuthHandlers(services Services, authManager *AuthManager) *AuthHandlers {
	return &AuthHandlers{services: services, authManager: authManager}
}

func (handlers *AuthHandlers) Register(context *gin.Context) {
	var request registerRequest
	if err := context.ShouldBindJSON(&request); err != nil {
		context.JSON(http.StatusBadRequest, gin.H{jsonKeyError: errorValueInvalidJSON})
		return
	}
	user, registerErr := handlers.services.Accounts.Register(context.Request.Context(), account.RegisterInput{
		Email:       request.Email,
		Name:        request.Name,
		Password:    request.Password,
		CountryCode: request.CountryCode,
	})
	if registerErr != nil {
		respondError(context, handlers.services.logger(), registerErr)
		return
	}
	if !handlers.startSession(context, user) {
		return
	}
	now := handlers.services.now()
	handlers.services.Activity.RecordQuietly(context.Request.Context(), user.ID, model.ActivityKindRegister, "", now)
	if _, observeErr := handlers.services.Security.ObserveLogin(context.Request.Context(), user, clientInfoFromRequest(context), now); observeErr != nil {
		handlers.services.logger().Warn(logEventObserveLogin, zap.String("user_id", user.ID), zap.Error(observeErr))
	}
	context.JSON(http.StatusCreated, gin.H{"user": newUserView(user, handlers.services.Accounts.IsAdmin(user))})
}

func (handlers *AuthHandlers) Login(context *gin.Context) {
	var request loginRequest
	if err := context.ShouldBindJSON(&request); err != nil {
		context.JSON(http.StatusBadRequest, gin.H{jsonKeyError: errorValueInvalidJSON})
		return
	}
	requestContext := context.Request.Context()
	now := handlers.services.now()
	client := clientInfoFromRequest(context)

	user, authErr := handlers.services.Accounts.Authenticate(requestContext, request.Email, request.Password, now)
	if authErr != nil {
		if errors.Is(authErr, account.ErrInvalidCredentials) && user.ID != "" {
			if _, observeErr := handlers.services.Security.ObserveFailedLogin(requestContext, user, client, now); observeErr != nil {
				handlers.services.logger().Warn(logEventObserveLogin, zap.String("user_id", user.ID), zap.Error(observeErr))
			}
		}
		respondError(context, handlers.services.logger(), authErr)
		return
	}
	if !handlers.startSession(context, user) {
		return
	}
	if _, observeErr := handlers.services.Security.ObserveLogin(requestContext, user, client, now); observeErr != nil {
		handlers.services.logger().Warn(logEventObserveLogin, zap.String("user_id", user.ID), zap.Error(observeErr))
	}
	handlers.services.Activity.RecordQuietly(requestContext, user.ID, model.ActivityKindLogin, client.IP, now)
	handlers.services.logger().Info(logEventUserLoggedIn, zap.String("user_id", user.ID), zap.String("ip", client.IP))
	context.JSON(http.StatusOK, gin.H{"user": newUserView(user, handlers.services.Accounts.IsAdmin(user))})
}

func (handlers *AuthHandlers) Logout(context *gin.Context) {
	if currentUser, ok := CurrentUserFromContext(context); ok {
		handlers.services.Activity.RecordQuietly(context.Request.Context(), currentUser.User.ID, model.ActivityKindLogout, "", handlers.services.now())
	}
	if err := handlers.authManager.EndSession(context); err != nil {
		handlers.services.logger().Warn(logEventSessionEndFailed, zap.Error(err))
	}
	context.Status(http.StatusNoContent)
}

func (handlers *AuthHandlers) startSession(context *gin.Context, user model.User) bool {
	if err := handlers.authManager.StartSession(context, user); err != nil {
		handlers.services.logger().Error(logEventSessionStartFailed, zap.String("user_id", user.ID), zap.Error(err))
		context.JSON(http.StatusInternalServerError, gin.H{jsonKeyError: errorValueInternal})
		return false
	}
	return true
}
