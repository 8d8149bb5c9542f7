package httpapi_test

import (
	"bufio"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSubscriptionRequestApprovalFlow(testingT *testing.T) {
	harness := newAPIHarness(testingT, harnessOptions{})
	admin := loginAdmin(testingT, harness)
	reader := harness.newClient(testingT)
	reader.register(testUserEmailAddress)

	plans := reader.call(http.MethodGet, "/api/plans", nil, http.StatusOK)
	require.Len(testingT, plans["plans"].([]any), 3)

	requested := reader.call(http.MethodPost, "/api/subscriptions", map[string]any{
		"plan_code":         "yearly",
		"payment_reference": "INV-1001",
	}, http.StatusCreated)
	pending := requested["subscription"].(map[string]any)
	require.Equal(testingT, "pending", pending["status"])

	duplicate := reader.call(http.MethodPost, "/api/subscriptions", map[string]any{"plan_code": "monthly"}, http.StatusConflict)
	require.Equal(testingT, "subscription_pending_exists", errorCode(duplicate))
	unknownPlan := harness.newClient(testingT)
	unknownPlan.register("third@example.com")
	invalid := unknownPlan.call(http.MethodPost, "/api/subscriptions", map[string]any{"plan_code": "lifetime"}, http.StatusBadRequest)
	require.NotEmpty(testingT, errorCode(invalid))

	dashboard := reader.call(http.MethodGet, "/api/me/dashboard", nil, http.StatusOK)
	require.Equal(testingT, pending["id"], dashboard["pending"].(map[string]any)["id"])
	require.Nil(testingT, dashboard["subscription"])

	queue := admin.call(http.MethodGet, "/api/admin/subscriptions?status=pending", nil, http.StatusOK)
	require.Len(testingT, queue["subscriptions"].([]any), 1)

	approved := admin.call(http.MethodPost, "/api/admin/subscriptions/"+pending["id"].(string)+"/approve", nil, http.StatusOK)
	require.Equal(testingT, "active", approved["subscription"].(map[string]any)["status"])
	require.Equal(testingT, testAdminEmailAddress, approved["subscription"].(map[string]any)["approved_by"])
	admin.call(http.MethodPost, "/api/admin/subscriptions/"+pending["id"].(string)+"/approve", nil, http.StatusConflict)

	dashboard = reader.call(http.MethodGet, "/api/me/dashboard", nil, http.StatusOK)
	require.Nil(testingT, dashboard["pending"])
	require.Equal(testingT, pending["id"], dashboard["subscription"].(map[string]any)["id"])
	require.EqualValues(testingT, 365, dashboard["subscription"].(map[string]any)["days_remaining"])
	require.Equal(testingT, true, dashboard["drive_access"])

	reader.call(http.MethodGet, "/api/drive/files", nil, http.StatusOK)

	admin.call(http.MethodPost, "/api/admin/subscriptions/"+pending["id"].(string)+"/revoke", nil, http.StatusOK)
	reader.call(http.MethodGet, "/api/drive/files", nil, http.StatusPaymentRequired)

	mine := reader.call(http.MethodGet, "/api/subscriptions", nil, http.StatusOK)
	require.Len(testingT, mine["subscriptions"].([]any), 1)
	require.Equal(testingT, "revoked", mine["subscriptions"].([]any)[0].(map[string]any)["status"])
}

func TestRejectedRequestFreesThePendingSlot(testingT *testing.T) {
	harness := newAPIHarness(testingT, harnessOptions{})
	admin := loginAdmin(testingT, harness)
	reader := harness.newClient(testingT)
	reader.register(testUserEmailAddress)

	requested := reader.call(http.MethodPost, "/api/subscriptions", map[string]any{"plan_code": "monthly"}, http.StatusCreated)
	subscriptionID := requested["subscription"].(map[string]any)["id"].(string)

	rejected := admin.call(http.MethodPost, "/api/admin/subscriptions/"+subscriptionID+"/reject", nil, http.StatusOK)
	require.Equal(testingT, "rejected", rejected["subscription"].(map[string]any)["status"])
	admin.call(http.MethodPost, "/api/admin/subscriptions/missing/approve", nil, http.StatusNotFound)

	reader.call(http.MethodPost, "/api/subscriptions", map[string]any{"plan_code": "monthly"}, http.StatusCreated)
}

func TestAdminRoutesRejectRegularUsers(testingT *testing.T) {
	harness := newAPIHarness(testingT, harnessOptions{})
	reader := harness.newClient(testingT)
	reader.register(testUserEmailAddress)

	forbidden := reader.call(http.MethodGet, "/api/admin/users", nil, http.StatusForbidden)
	require.Equal(testingT, "forbidden", errorCode(forbidden))
	harness.newClient(testingT).call(http.MethodGet, "/api/admin/users", nil, http.StatusUnauthorized)

	admin := loginAdmin(testingT, harness)
	users := admin.call(http.MethodGet, "/api/admin/users", nil, http.StatusOK)
	require.Len(testingT, users["users"].([]any), 2)

	nothing := admin.call(http.MethodPatch, "/api/admin/users/"+users["users"].([]any)[0].(map[string]any)["id"].(string), map[string]any{}, http.StatusBadRequest)
	require.Equal(testingT, "nothing_to_update", errorCode(nothing))

	grantUnknown := admin.call(http.MethodPost, "/api/admin/subscriptions", map[string]any{"user_id": "missing", "plan_code": "monthly"}, http.StatusNotFound)
	require.Equal(testingT, "user_not_found", errorCode(grantUnknown))
}

func TestEventStreamDeliversReviewOutcome(testingT *testing.T) {
	harness := newAPIHarness(testingT, harnessOptions{})
	admin := loginAdmin(testingT, harness)
	reader := harness.newClient(testingT)
	readerUser := reader.register(testUserEmailAddress)

	stream := reader.do(http.MethodGet, "/api/me/events", nil)
	defer stream.Body.Close()
	require.Equal(testingT, http.StatusOK, stream.StatusCode)
	require.True(testingT, strings.HasPrefix(stream.Header.Get("Content-Type"), "text/event-stream"))

	frames := bufio.NewReader(stream.Body)
	eventName, _ := readStreamFrame(testingT, frames)
	require.Equal(testingT, "ready", eventName)

	admin.call(http.MethodPost, "/api/admin/subscriptions", map[string]any{
		"user_id":   readerUser["id"],
		"plan_code": "quarterly",
	}, http.StatusCreated)

	eventName, data := readStreamFrame(testingT, frames)
	require.Equal(testingT, "subscription_approved", eventName)
	var event struct {
		Kind    string         `json:"kind"`
		UserID  string         `json:"user_id"`
		Payload map[string]any `json:"payload"`
	}
	require.NoError(testingT, json.Unmarshal([]byte(data), &event))
	require.Equal(testingT, readerUser["id"], event.UserID)
	require.Equal(testingT, "quarterly", event.Payload["plan_code"])
}

// readStreamFrame returns the next event frame, skipping keepalive comments.
func readStreamFrame(testingT *testing.T, reader *bufio.Reader) (string, string) {
	testingT.Helper()
	var eventName, data string
	for {
		line, err := reader.ReadString('\n')
		require.NoError(testingT, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			eventName = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "" && eventName != "":
			return eventName, data
		}
	}
}
