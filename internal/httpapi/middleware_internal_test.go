package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/drivegate/internal/drive"
	"github.com/MarkoPoloResearchLab/drivegate/internal/subscription"
)

func TestRateLimiterRefillsPerKey(testingT *testing.T) {
	current := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	limiter := NewRateLimiter(2)
	limiter.clock = func() time.Time { return current }

	require.True(testingT, limiter.Allow("reader"))
	require.True(testingT, limiter.Allow("reader"))
	require.False(testingT, limiter.Allow("reader"))
	require.True(testingT, limiter.Allow("other"))

	current = current.Add(30 * time.Second)
	require.True(testingT, limiter.Allow("reader"))
	require.False(testingT, limiter.Allow("reader"))
}

func TestRateLimiterPrunesIdleKeys(testingT *testing.T) {
	current := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	limiter := NewRateLimiter(1)
	limiter.clock = func() time.Time { return current }

	for index := 0; index < rateLimiterPruneTrigger; index++ {
		require.True(testingT, limiter.Allow(fmt.Sprintf("key-%d", index)))
	}
	current = current.Add(rateLimiterIdleTTL + time.Second)
	require.True(testingT, limiter.Allow("fresh"))
	require.Len(testingT, limiter.limiters, 1)
}

func TestNilRateLimiterAllowsEverything(testingT *testing.T) {
	require.Nil(testingT, NewRateLimiter(0))
	var limiter *RateLimiter
	require.True(testingT, limiter.Allow("anyone"))
}

func TestRespondErrorMapsSentinels(testingT *testing.T) {
	gin.SetMode(gin.TestMode)
	testCases := []struct {
		name           string
		err            error
		expectedStatus int
		expectedCode   string
	}{
		{name: "gate", err: fmt.Errorf("wrapped: %w", subscription.ErrSubscriptionRequired), expectedStatus: http.StatusPaymentRequired, expectedCode: "subscription_required"},
		{name: "drive path", err: fmt.Errorf("%w: parent segment", drive.ErrInvalidPath), expectedStatus: http.StatusBadRequest, expectedCode: "invalid_drive_path"},
		{name: "upstream", err: drive.ErrUpstreamUnavailable, expectedStatus: http.StatusBadGateway, expectedCode: drive.ErrUpstreamUnavailable.Error()},
		{name: "unknown", err: errors.New("disk on fire"), expectedStatus: http.StatusInternalServerError, expectedCode: errorValueInternal},
	}
	for _, testCase := range testCases {
		testCase := testCase
		testingT.Run(testCase.name, func(testingT *testing.T) {
			recorder := httptest.NewRecorder()
			context, _ := gin.CreateTestContext(recorder)
			context.Request = httptest.NewRequest(http.MethodGet, "/api/drive/files", nil)

			respondError(context, zap.NewNop(), testCase.err)

			require.Equal(testingT, testCase.expectedStatus, recorder.Code)
			var payload map[string]string
			require.NoError(testingT, json.Unmarshal(recorder.Body.Bytes(), &payload))
			require.Equal(testingT, testCase.expectedCode, payload[jsonKeyError])
		})
	}
}
