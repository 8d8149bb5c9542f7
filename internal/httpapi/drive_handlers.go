package httpapi

import (
	"errors"
	"mime"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/drivegate/internal/drive"
	"github.com/MarkoPoloResearchLab/drivegate/internal/metrics"
	"github.com/MarkoPoloResearchLab/drivegate/internal/model"
	"github.com/MarkoPoloResearchLab/drivegate/internal/subscription"
)

const (
	queryKeyPath          = "path"
	contextKeyDriveAccess = "httpapi_drive_access"

	logEventDriveGateDenied = "drive_gate_denied"
	logEventDriveRateLimit  = "drive_rate_limited"
)

// DriveHandlers proxies the Drive for subscribers.
type DriveHandlers struct {
	services Services
}

func NewDriveHandlers(services Services) *DriveHandlers {
	return &DriveHandlers{services: services}
}

// RequireDriveAccess lets a request through only for admins and users with an active
// subscription, then applies the per-user rate limit.
func (handlers *DriveHandlers) RequireDriveAccess() gin.HandlerFunc {
	return func(context *gin.Context) {
		currentUser, ok := CurrentUserFromContext(context)
		if !ok {
			context.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{jsonKeyError: authErrorUnauthorized})
			return
		}
		access, gateErr := handlers.services.Subscriptions.RequireActive(context.Request.Context(), subscription.Subject{
			UserID: currentUser.User.ID,
			Admin:  currentUser.IsAdmin,
		}, handlers.services.now())
		if errors.Is(gateErr, subscription.ErrSubscriptionRequired) {
			handlers.observeGate(metrics.GateOutcomeDenied)
			handlers.services.logger().Info(logEventDriveGateDenied, zap.String("user_id", currentUser.User.ID), zap.String("path", context.Request.URL.Path))
			context.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{jsonKeyError: errorValueSubscriptionRequired})
			return
		}
		if gateErr != nil {
			respondError(context, handlers.services.logger(), gateErr)
			return
		}
		if access.Bypassed {
			handlers.observeGate(metrics.GateOutcomeBypassed)
		} else {
			handlers.observeGate(metrics.GateOutcomeAllowed)
		}

		if !handlers.services.RateLimiter.Allow(currentUser.User.ID) {
			if handlers.services.Metrics != nil {
				handlers.services.Metrics.ObserveRateLimited()
			}
			handlers.services.logger().Info(logEventDriveRateLimit, zap.String("user_id", currentUser.User.ID))
			context.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{jsonKeyError: errorValueRateLimited})
			return
		}
		context.Set(contextKeyDriveAccess, access)
		context.Next()
	}
}

func (handlers *DriveHandlers) ListFiles(context *gin.Context) {
	currentUser, ok := CurrentUserFromContext(context)
	if !ok {
		context.JSON(http.StatusUnauthorized, gin.H{jsonKeyError: authErrorUnauthorized})
		return
	}
	rawPath := context.DefaultQuery(queryKeyPath, "/")
	listing, err := handlers.services.Drive.List(context.Request.Context(), rawPath)
	if err != nil {
		respondError(context, handlers.services.logger(), err)
		return
	}
	handlers.services.Activity.RecordQuietly(context.Request.Context(), currentUser.User.ID, model.ActivityKindDriveList, listing.Path, handlers.services.now())

	response := gin.H{
		"path":       listing.Path,
		"source":     listing.Source,
		"files":      listing.Files,
		"fetched_at": unixOrZero(listing.FetchedAt),
	}
	if access, exists := context.Get(contextKeyDriveAccess); exists {
		if driveAccess, isAccess := access.(subscription.Access); isAccess && driveAccess.Subscription != nil {
			response["subscription_expires_at"] = unixOrZero(driveAccess.Subscription.ExpiresAt)
		}
	}
	context.JSON(http.StatusOK, response)
}

func (handlers *DriveHandlers) Download(context *gin.Context) {
	currentUser, ok := CurrentUserFromContext(context)
	if !ok {
		context.JSON(http.StatusUnauthorized, gin.H{jsonKeyError: authErrorUnauthorized})
		return
	}
	rawPath := strings.TrimSpace(context.Query(queryKeyPath))
	if rawPath == "" {
		context.JSON(http.StatusBadRequest, gin.H{jsonKeyError: errorValueMissingPath})
		return
	}
	download, err := handlers.services.Drive.Open(context.Request.Context(), rawPath, context.GetHeader("Range"))
	if err != nil {
		respondError(context, handlers.services.logger(), err)
		return
	}
	defer drainAndClose(download.Body)

	handlers.services.Activity.RecordQuietly(context.Request.Context(), currentUser.User.ID, model.ActivityKindDriveDownload, rawPath, handlers.services.now())

	extraHeaders := map[string]string{}
	if disposition := mime.FormatMediaType("attachment", map[string]string{"filename": download.Filename}); disposition != "" {
		extraHeaders["Content-Disposition"] = disposition
	}
	for header, value := range map[string]string{
		"Content-Range": download.ContentRange,
		"Accept-Ranges": download.AcceptRanges,
		"Last-Modified": download.LastModified,
		"ETag":          download.ETag,
	} {
		if value != "" {
			extraHeaders[header] = value
		}
	}
	context.DataFromReader(download.StatusCode, download.ContentLength, download.ContentType, download.Body, extraHeaders)
}

func (handlers *DriveHandlers) ZipPassword(context *gin.Context) {
	rawPath := strings.TrimSpace(context.Query(queryKeyPath))
	if rawPath == "" {
		context.JSON(http.StatusBadRequest, gin.H{jsonKeyError: errorValueMissingPath})
		return
	}
	lookupPath, pathErr := normalizeLookupPath(rawPath)
	if pathErr != nil {
		respondError(context, handlers.services.logger(), pathErr)
		return
	}
	zipPassword, err := handlers.services.ZipPasswords.Resolve(context.Request.Context(), lookupPath)
	if err != nil {
		respondError(context, handlers.services.logger(), err)
		return
	}
	context.JSON(http.StatusOK, gin.H{
		"path":        lookupPath,
		"path_prefix": zipPassword.PathPrefix,
		"label":       zipPassword.Label,
		"password":    zipPassword.Password,
	})
}

func (handlers *DriveHandlers) observeGate(outcome string) {
	if handlers.services.Metrics != nil {
		handlers.services.Metrics.ObserveGateDecision(outcome)
	}
}

func normalizeLookupPath(rawPath string) (string, error) {
	if strings.HasSuffix(rawPath, "/") {
		return drive.NormalizeDirectoryPath(rawPath)
	}
	return drive.NormalizeFilePath(rawPath)
}
