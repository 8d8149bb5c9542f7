package httpapi

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	logEventHTTPRequest = "http"

	rateLimiterIdleTTL      = 10 * time.Minute
	rateLimiterPruneTrigger = 1024
)

func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(context *gin.Context) {
		start := time.Now()
		context.Next()
		fields := []zap.Field{
			zap.String("method", context.Request.Method),
			zap.String("path", context.Request.URL.Path),
			zap.Int("status", context.Writer.Status()),
			zap.Duration("dur", time.Since(start)),
			zap.String("ip", context.ClientIP()),
			zap.String("ua", context.Request.UserAgent()),
		}
		if currentUser, ok := CurrentUserFromContext(context); ok {
			fields = append(fields, zap.String("user_id", currentUser.User.ID))
		}
		if len(context.Errors) > 0 {
			fields = append(fields, zap.String("errors", context.Errors.String()))
		}
		logger.Info(logEventHTTPRequest, fields...)
	}
}

// RateLimiter keeps one token bucket per key.
type RateLimiter struct {
	mutex    sync.Mutex
	limiters map[string]*limiterEntry
	limit    rate.Limit
	burst    int
	clock    func() time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows requestsPerMinute per key with an equal burst. It returns nil, meaning
// unlimited, for a non-positive rate.
func NewRateLimiter(requestsPerMinute int) *RateLimiter {
	if requestsPerMinute <= 0 {
		return nil
	}
	return &RateLimiter{
		limiters: make(map[string]*limiterEntry),
		limit:    rate.Every(time.Minute / time.Duration(requestsPerMinute)),
		burst:    requestsPerMinute,
		clock:    time.Now,
	}
}

// Allow consumes one token for key. A nil limiter allows everything.
func (limiter *RateLimiter) Allow(key string) bool {
	if limiter == nil {
		return true
	}
	limiter.mutex.Lock()
	defer limiter.mutex.Unlock()

	now := limiter.clock()
	entry, exists := limiter.limiters[key]
	if !exists {
		if len(limiter.limiters) >= rateLimiterPruneTrigger {
			limiter.pruneLocked(now)
		}
		entry = &limiterEntry{limiter: rate.NewLimiter(limiter.limit, limiter.burst)}
		limiter.limiters[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

func (limiter *RateLimiter) pruneLocked(now time.Time) {
	for key, entry := range limiter.limiters {
		if now.Sub(entry.lastSeen) > rateLimiterIdleTTL {
			delete(limiter.limiters, key)
		}
	}
}
