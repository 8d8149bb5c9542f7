package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/MarkoPoloResearchLab/drivegate/internal/account"
	"github.com/MarkoPoloResearchLab/drivegate/internal/httpapi"
	"github.com/MarkoPoloResearchLab/drivegate/internal/metrics"
	"github.com/MarkoPoloResearchLab/drivegate/internal/testutil"
)

const (
	testSessionSecret = "0123456789abcdef0123456789abcdef"
	testAllowedOrigin = "http://localhost:8090"
	testForeignOrigin = "http://evil.example"
)

func newTestRouter(testingT *testing.T, allowedOrigins []string, recorder *metrics.Recorder, healthCheck func(context.Context) error) *gin.Engine {
	testingT.Helper()
	gin.SetMode(gin.TestMode)
	database := testutil.OpenMigratedDatabase(testingT)
	accounts, err := account.NewService(database, zap.NewNop(), nil, account.WithHashCost(bcrypt.MinCost))
	require.NoError(testingT, err)
	authManager, err := httpapi.NewAuthManager(httpapi.AuthConfig{Users: accounts, SessionSecret: testSessionSecret})
	require.NoError(testingT, err)
	return newRouter(routerConfig{
		authManager:    authManager,
		services:       httpapi.Services{Accounts: accounts},
		recorder:       recorder,
		allowedOrigins: allowedOrigins,
		healthCheck:    healthCheck,
	})
}

func TestAPIPreflightReturnsCORSHeadersForAllowedOrigin(testingT *testing.T) {
	router := newTestRouter(testingT, []string{testAllowedOrigin}, nil, nil)

	request := httptest.NewRequest(http.MethodOptions, "/api/drive/files", nil)
	request.Header.Set("Origin", testAllowedOrigin)
	request.Header.Set("Access-Control-Request-Method", http.MethodGet)
	request.Header.Set("Access-Control-Request-Headers", "x-client-fingerprint")
	recorder := httptest.NewRecorder()

	router.ServeHTTP(recorder, request)

	require.Equal(testingT, http.StatusNoContent, recorder.Code)
	require.Equal(testingT, testAllowedOrigin, recorder.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(testingT, "true", recorder.Header().Get("Access-Control-Allow-Credentials"))
}

func TestAPIRejectsForeignOrigins(testingT *testing.T) {
	router := newTestRouter(testingT, []string{testAllowedOrigin}, nil, nil)

	request := httptest.NewRequest(http.MethodGet, "/api/plans", nil)
	request.Header.Set("Origin", testForeignOrigin)
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	require.Equal(testingT, http.StatusForbidden, recorder.Code)

	sameOrigin := httptest.NewRecorder()
	router.ServeHTTP(sameOrigin, httptest.NewRequest(http.MethodGet, "/api/plans", nil))
	require.Equal(testingT, http.StatusOK, sameOrigin.Code)
}

func TestProtectedRoutesRequireSession(testingT *testing.T) {
	router := newTestRouter(testingT, nil, nil, nil)

	for _, path := range []string{"/api/me", "/api/drive/files", "/api/admin/users", "/api/me/events"} {
		recorder := httptest.NewRecorder()
		router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(testingT, http.StatusUnauthorized, recorder.Code, path)
	}
}

func TestHealthAndMetricsRoutes(testingT *testing.T) {
	metricsRecorder := metrics.NewRecorder()
	router := newTestRouter(testingT, nil, metricsRecorder, func(context.Context) error { return nil })

	health := httptest.NewRecorder()
	router.ServeHTTP(health, httptest.NewRequest(http.MethodGet, healthRoute, nil))
	require.Equal(testingT, http.StatusOK, health.Code)
	require.JSONEq(testingT, `{"status":"ok"}`, health.Body.String())

	scrape := httptest.NewRecorder()
	router.ServeHTTP(scrape, httptest.NewRequest(http.MethodGet, metricsRoute, nil))
	require.Equal(testingT, http.StatusOK, scrape.Code)
	require.True(testingT, strings.Contains(scrape.Body.String(), `http_requests_total{code="200",method="GET",route="/healthz"} 1`), scrape.Body.String())

	failing := newTestRouter(testingT, nil, nil, func(context.Context) error { return errors.New("database is gone") })
	unavailable := httptest.NewRecorder()
	failing.ServeHTTP(unavailable, httptest.NewRequest(http.MethodGet, healthRoute, nil))
	require.Equal(testingT, http.StatusServiceUnavailable, unavailable.Code)

	missing := httptest.NewRecorder()
	failing.ServeHTTP(missing, httptest.NewRequest(http.MethodGet, metricsRoute, nil))
	require.Equal(testingT, http.StatusNotFound, missing.Code)
}
