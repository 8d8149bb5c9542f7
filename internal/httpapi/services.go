package httpapi

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/drivegate/internal/account"
	"github.com/MarkoPoloResearchLab/drivegate/internal/activity"
	"github.com/MarkoPoloResearchLab/drivegate/internal/drive"
	"github.com/MarkoPoloResearchLab/drivegate/internal/notifications"
	"github.com/MarkoPoloResearchLab/drivegate/internal/security"
	"github.com/MarkoPoloResearchLab/drivegate/internal/subscription"
	"github.com/MarkoPoloResearchLab/drivegate/internal/zippassword"
)

const (
	headerClientFingerprint = "X-Client-Fingerprint"
	headerClientPlatform    = "X-Client-Platform"
)

// DriveSource lists and streams Drive content.
type DriveSource interface {
	List(ctx context.Context, rawPath string) (drive.Listing, error)
	Open(ctx context.Context, rawPath string, rangeHeader string) (*drive.Download, error)
}

// DriveMetrics receives gate and rate limiter outcomes.
type DriveMetrics interface {
	ObserveGateDecision(outcome string)
	ObserveRateLimited()
}

// Services bundles the domain services the handlers delegate to.
type Services struct {
	Accounts      *account.Service
	Subscriptions *subscription.Service
	Security      *security.Service
	ZipPasswords  *zippassword.Service
	Activity      *activity.Service
	Drive         DriveSource
	Events        *notifications.Broadcaster
	Metrics       DriveMetrics
	RateLimiter   *RateLimiter
	Logger        *zap.Logger
	Clock         func() time.Time
}

func (services Services) now() time.Time {
	if services.Clock != nil {
		return services.Clock().UTC()
	}
	return time.Now().UTC()
}

func (services Services) logger() *zap.Logger {
	if services.Logger != nil {
		return services.Logger
	}
	return zap.NewNop()
}

func (services Services) publish(event notifications.Event) {
	if services.Events == nil {
		return
	}
	services.Events.Broadcast(event)
}

func clientInfoFromRequest(context *gin.Context) security.ClientInfo {
	return security.ClientInfo{
		IP:                context.ClientIP(),
		UserAgent:         context.Request.UserAgent(),
		FingerprintHeader: context.GetHeader(headerClientFingerprint),
		Platform:          strings.TrimSpace(context.GetHeader(headerClientPlatform)),
	}
}

// drainAndClose discards what is left of an upstream body so the connection can be reused.
func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64<<10))
	_ = body.Close()
}
