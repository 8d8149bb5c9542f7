package httpapi_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/drivegate/internal/account"
	"github.com/MarkoPoloResearchLab/drivegate/internal/activity"
	"github.com/MarkoPoloResearchLab/drivegate/internal/drive"
	"github.com/MarkoPoloResearchLab/drivegate/internal/httpapi"
	"github.com/MarkoPoloResearchLab/drivegate/internal/notifications"
	"github.com/MarkoPoloResearchLab/drivegate/internal/security"
	"github.com/MarkoPoloResearchLab/drivegate/internal/subscription"
	"github.com/MarkoPoloResearchLab/drivegate/internal/testutil"
	"github.com/MarkoPoloResearchLab/drivegate/internal/zippassword"
)

const (
	testAdminEmailAddress = "admin@example.com"
	testUserEmailAddress  = "reader@example.com"
	testPassword          = "correct horse battery"
	testSessionSecret     = "0123456789abcdef0123456789abcdef"
	testArchiveBody       = "0123456789"

	testWorkerListing = `<html><body><table>
<tr><th><a href="?C=N;O=D">Name</a></th><th>Last modified</th><th>Size</th></tr>
<tr><td><a href="/">Parent Directory</a></td><td></td><td>-</td></tr>
<tr><td><a href="books/">books/</a></td><td>2026-02-01 10:00</td><td>-</td></tr>
<tr><td><a href="notes.zip">notes.zip</a></td><td>2026-02-02 11:30</td><td>1K</td></tr>
</table></body></html>`
)

var testNow = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

type harnessOptions struct {
	requestsPerMinute int
}

type apiHarness struct {
	server      *httptest.Server
	database    *gorm.DB
	broadcaster *notifications.Broadcaster
}

func newAPIHarness(testingT *testing.T, options harnessOptions) *apiHarness {
	testingT.Helper()
	gin.SetMode(gin.TestMode)

	worker := httptest.NewServer(http.HandlerFunc(serveWorker))
	testingT.Cleanup(worker.Close)

	database := testutil.OpenMigratedDatabase(testingT)
	logger := zap.NewNop()
	broadcaster := notifications.NewBroadcaster(8)
	testingT.Cleanup(broadcaster.Close)

	accounts, err := account.NewService(database, logger, []string{testAdminEmailAddress}, account.WithHashCost(bcrypt.MinCost))
	require.NoError(testingT, err)
	subscriptions, err := subscription.NewService(database, logger)
	require.NoError(testingT, err)
	securityService, err := security.NewService(database, logger, broadcaster)
	require.NoError(testingT, err)
	zipPasswords, err := zippassword.NewService(database, logger)
	require.NoError(testingT, err)
	activityService, err := activity.NewService(database, logger)
	require.NoError(testingT, err)
	workerClient, err := drive.NewWorkerClient(drive.ClientConfig{BaseURL: worker.URL, Logger: logger, CacheTTL: -1})
	require.NoError(testingT, err)

	services := httpapi.Services{
		Accounts:      accounts,
		Subscriptions: subscriptions,
		Security:      securityService,
		ZipPasswords:  zipPasswords,
		Activity:      activityService,
		Drive:         workerClient,
		Events:        broadcaster,
		RateLimiter:   httpapi.NewRateLimiter(options.requestsPerMinute),
		Logger:        logger,
		Clock:         func() time.Time { return testNow },
	}
	authManager, err := httpapi.NewAuthManager(httpapi.AuthConfig{Logger: logger, Users: accounts, SessionSecret: testSessionSecret})
	require.NoError(testingT, err)

	router := gin.New()
	router.Use(httpapi.RequestLogger(logger))
	registerTestRoutes(router, authManager, services)

	server := httptest.NewServer(router)
	testingT.Cleanup(server.Close)
	return &apiHarness{server: server, database: database, broadcaster: broadcaster}
}

func registerTestRoutes(router *gin.Engine, authManager *httpapi.AuthManager, services httpapi.Services) {
	authHandlers := httpapi.NewAuthHandlers(services, authManager)
	accountHandlers := httpapi.NewAccountHandlers(services)
	subscriptionHandlers := httpapi.NewSubscriptionHandlers(services)
	driveHandlers := httpapi.NewDriveHandlers(services)
	adminHandlers := httpapi.NewAdminHandlers(services)
	eventHandlers := httpapi.NewEventStreamHandlers(services, 50*time.Millisecond)

	router.POST("/api/auth/register", authHandlers.Register)
	router.POST("/api/auth/login", authHandlers.Login)
	router.GET("/api/plans", subscriptionHandlers.Plans)

	session := router.Group("/api", authManager.RequireAuthenticatedJSON())
	session.POST("/auth/logout", authHandlers.Logout)
	session.GET("/me", accountHandlers.CurrentUser)
	session.GET("/me/dashboard", accountHandlers.Dashboard)
	session.GET("/me/activity", accountHandlers.Activity)
	session.GET("/me/events", eventHandlers.Stream)
	session.POST("/me/devices", accountHandlers.RegisterDevice)
	session.GET("/subscriptions", subscriptionHandlers.ListMine)
	session.POST("/subscriptions", subscriptionHandlers.Request)

	driveGroup := session.Group("/drive", driveHandlers.RequireDriveAccess())
	driveGroup.GET("/files", driveHandlers.ListFiles)
	driveGroup.GET("/download", driveHandlers.Download)
	driveGroup.GET("/zip-password", driveHandlers.ZipPassword)

	admin := router.Group("/api/admin", authManager.RequireAdminJSON())
	admin.GET("/users", adminHandlers.ListUsers)
	admin.PATCH("/users/:id", adminHandlers.UpdateUser)
	admin.GET("/subscriptions", adminHandlers.ListSubscriptions)
	admin.POST("/subscriptions", adminHandlers.GrantSubscription)
	admin.POST("/subscriptions/:id/approve", adminHandlers.ApproveSubscription)
	admin.POST("/subscriptions/:id/reject", adminHandlers.RejectSubscription)
	admin.POST("/subscriptions/:id/revoke", adminHandlers.RevokeSubscription)
	admin.GET("/alerts", adminHandlers.ListAlerts)
	admin.POST("/alerts/:id/resolve", adminHandlers.ResolveAlert)
	admin.GET("/zip-passwords", adminHandlers.ListZipPasswords)
	admin.POST("/zip-passwords", adminHandlers.CreateZipPassword)
	admin.PATCH("/zip-passwords/:id", adminHandlers.UpdateZipPassword)
	admin.DELETE("/zip-passwords/:id", adminHandlers.DeleteZipPassword)
}

func serveWorker(writer http.ResponseWriter, request *http.Request) {
	if request.Method == http.MethodPost {
		writer.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	switch request.URL.Path {
	case "/":
		writer.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(writer, testWorkerListing)
	case "/notes.zip":
		writer.Header().Set("Content-Type", "application/zip")
		writer.Header().Set("Accept-Ranges", "bytes")
		if request.Header.Get("Range") == "bytes=2-5" {
			writer.Header().Set("Content-Range", fmt.Sprintf("bytes 2-5/%d", len(testArchiveBody)))
			writer.Header().Set("Content-Length", "4")
			writer.WriteHeader(http.StatusPartialContent)
			_, _ = io.WriteString(writer, testArchiveBody[2:6])
			return
		}
		writer.Header().Set("Content-Length", fmt.Sprint(len(testArchiveBody)))
		_, _ = io.WriteString(writer, testArchiveBody)
	default:
		http.NotFound(writer, request)
	}
}

type apiClient struct {
	testingT *testing.T
	baseURL  string
	client   *http.Client
	headers  map[string]string
}

func (harness *apiHarness) newClient(testingT *testing.T) *apiClient {
	testingT.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(testingT, err)
	return &apiClient{
		testingT: testingT,
		baseURL:  harness.server.URL,
		client:   &http.Client{Jar: jar, Timeout: 5 * time.Second},
		headers:  map[string]string{},
	}
}

func (client *apiClient) do(method string, path string, body any) *http.Response {
	client.testingT.Helper()
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(client.testingT, err)
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequest(method, client.baseURL+path, reader)
	require.NoError(client.testingT, err)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	for name, value := range client.headers {
		request.Header.Set(name, value)
	}
	response, err := client.client.Do(request)
	require.NoError(client.testingT, err)
	return response
}

// call performs a request, requires the status and decodes a JSON body into a map.
func (client *apiClient) call(method string, path string, body any, expectedStatus int) map[string]any {
	client.testingT.Helper()
	response := client.do(method, path, body)
	defer response.Body.Close()
	payload, err := io.ReadAll(response.Body)
	require.NoError(client.testingT, err)
	require.Equal(client.testingT, expectedStatus, response.StatusCode, "%s %s: %s", method, path, string(payload))
	decoded := map[string]any{}
	if len(bytes.TrimSpace(payload)) > 0 && strings.HasPrefix(response.Header.Get("Content-Type"), "application/json") {
		require.NoError(client.testingT, json.Unmarshal(payload, &decoded))
	}
	return decoded
}

func (client *apiClient) register(email string) map[string]any {
	client.testingT.Helper()
	response := client.call(http.MethodPost, "/api/auth/register", map[string]any{
		"email":    email,
		"name":     "Test User",
		"password": testPassword,
	}, http.StatusCreated)
	return response["user"].(map[string]any)
}

func errorCode(payload map[string]any) string {
	code, _ := payload["error"].(string)
	return code
}
