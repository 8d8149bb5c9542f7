package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/sessions"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/drivegate/internal/account"
	"github.com/MarkoPoloResearchLab/drivegate/internal/model"
)

const (
	SessionName = "drivegate_session"

	sessionKeyUserID      = "user_id"
	sessionKeyIssuedAt    = "issued_at"
	contextKeyCurrentUser = "httpapi_current_user"
	authErrorUnauthorized = "unauthorized"
	authErrorForbidden    = "forbidden"
	logEventLoadSession   = "load_session"
	logEventLoadUser      = "load_session_user"

	defaultSessionMaxAge  = 7 * 24 * time.Hour
	minSessionSecretBytes = 32
)

var (
	ErrWeakSessionSecret    = errors.New("weak_session_secret")
	ErrMissingUserDirectory = errors.New("missing_user_directory")
)

// UserDirectory loads accounts for the session middleware.
type UserDirectory interface {
	Get(ctx context.Context, userID string) (model.User, error)
	IsAdmin(user model.User) bool
}

// CurrentUser is the account behind the request's session.
type CurrentUser struct {
	User    model.User
	IsAdmin bool
}

// AuthConfig wires an AuthManager.
type AuthConfig struct {
	Logger        *zap.Logger
	Users         UserDirectory
	SessionSecret string
	SecureCookies bool
	SessionMaxAge time.Duration
}

// AuthManager issues cookie sessions and guards routes with them.
type AuthManager struct {
	logger       *zap.Logger
	users        UserDirectory
	sessionStore *sessions.CookieStore
}

// NewAuthManager builds a cookie session store keyed by the session secret.
func NewAuthManager(config AuthConfig) (*AuthManager, error) {
	if config.Users == nil {
		return nil, ErrMissingUserDirectory
	}
	if len(config.SessionSecret) < minSessionSecretBytes {
		return nil, ErrWeakSessionSecret
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxAge := config.SessionMaxAge
	if maxAge <= 0 {
		maxAge = defaultSessionMaxAge
	}
	store := sessions.NewCookieStore([]byte(config.SessionSecret))
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   int(maxAge / time.Second),
		HttpOnly: true,
		Secure:   config.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	}
	return &AuthManager{
		logger:       logger,
		users:        config.Users,
		sessionStore: store,
	}, nil
}

// StartSession binds the user to a fresh session cookie.
func (authManager *AuthManager) StartSession(context *gin.Context, user model.User) error {
	sessionInstance, _ := authManager.sessionStore.New(context.Request, SessionName)
	sessionInstance.Values[sessionKeyUserID] = user.ID
	sessionInstance.Values[sessionKeyIssuedAt] = time.Now().UTC().Unix()
	return sessionInstance.Save(context.Request, context.Writer)
}

// EndSession expires the session cookie.
func (authManager *AuthManager) EndSession(context *gin.Context) error {
	sessionInstance, _ := authManager.sessionStore.Get(context.Request, SessionName)
	for key := range sessionInstance.Values {
		delete(sessionInstance.Values, key)
	}
	sessionInstance.Options.MaxAge = -1
	return sessionInstance.Save(context.Request, context.Writer)
}

func (authManager *AuthManager) RequireAuthenticatedJSON() gin.HandlerFunc {
	return func(context *gin.Context) {
		if _, ok := authManager.ensureUser(context); !ok {
			context.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{jsonKeyError: authErrorUnauthorized})
			return
		}
		context.Next()
	}
}

func (authManager *AuthManager) RequireAdminJSON() gin.HandlerFunc {
	return func(context *gin.Context) {
		currentUser, ok := authManager.ensureUser(context)
		if !ok {
			context.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{jsonKeyError: authErrorUnauthorized})
			return
		}
		if !currentUser.IsAdmin {
			context.AbortWithStatusJSON(http.StatusForbidden, gin.H{jsonKeyError: authErrorForbidden})
			return
		}
		context.Next()
	}
}

func CurrentUserFromContext(context *gin.Context) (*CurrentUser, bool) {
	value, exists := context.Get(contextKeyCurrentUser)
	if !exists {
		return nil, false
	}
	currentUser, ok := value.(*CurrentUser)
	return currentUser, ok
}

// ensureUser reloads the account on every request so role changes and disabling apply at once.
func (authManager *AuthManager) ensureUser(context *gin.Context) (*CurrentUser, bool) {
	if currentUser, exists := CurrentUserFromContext(context); exists {
		return currentUser, true
	}

	sessionInstance, sessionErr := authManager.sessionStore.Get(context.Request, SessionName)
	if sessionErr != nil {
		authManager.logger.Debug(logEventLoadSession, zap.Error(sessionErr))
		return nil, false
	}

	userID := extractString(sessionInstance.Values[sessionKeyUserID])
	if userID == "" {
		return nil, false
	}

	user, loadErr := authManager.users.Get(context.Request.Context(), userID)
	if loadErr != nil {
		if !errors.Is(loadErr, account.ErrUserNotFound) {
			authManager.logger.Warn(logEventLoadUser, zap.String("user_id", userID), zap.Error(loadErr))
		}
		return nil, false
	}
	if user.Disabled {
		return nil, false
	}

	currentUser := &CurrentUser{
		User:    user,
		IsAdmin: authManager.users.IsAdmin(user),
	}
	context.Set(contextKeyCurrentUser, currentUser)
	return currentUser, true
}

func extractString(value interface{}) string {
	text, ok := value.(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(text)
}
