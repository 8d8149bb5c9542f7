package subscription_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/drivegate/internal/model"
	"github.com/MarkoPoloResearchLab/drivegate/internal/subscription"
	"github.com/MarkoPoloResearchLab/drivegate/internal/testutil"
)

const (
	testAdminEmail = "Admin@Example.com"
	testReference  = "receipt-42"
	day            = 24 * time.Hour
)

var testNow = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

type serviceHarness struct {
	database *gorm.DB
	service  *subscription.Service
	userID   string
}

func newServiceHarness(testingT *testing.T) serviceHarness {
	testingT.Helper()
	database := testutil.OpenMigratedDatabase(testingT)
	service, err := subscription.NewService(database, zap.NewNop())
	require.NoError(testingT, err)

	user, err := model.NewUser(model.UserInput{Email: "reader@example.com", PasswordHash: "$2a$10$hash"})
	require.NoError(testingT, err)
	require.NoError(testingT, database.Create(&user).Error)

	return serviceHarness{database: database, service: service, userID: user.ID}
}

func TestNewServiceRequiresDatabase(testingT *testing.T) {
	_, err := subscription.NewService(nil, nil)
	require.ErrorIs(testingT, err, subscription.ErrMissingSubscriptionStore)
}

func TestRequestAllowsSinglePendingRequest(testingT *testing.T) {
	harness := newServiceHarness(testingT)
	ctx := context.Background()

	pending, err := harness.service.Request(ctx, harness.userID, model.PlanCodeMonthly, testReference)
	require.NoError(testingT, err)
	require.Equal(testingT, model.SubscriptionStatusPending, pending.Status)
	require.Equal(testingT, testReference, pending.PaymentReference)

	_, err = harness.service.Request(ctx, harness.userID, model.PlanCodeYearly, "")
	require.ErrorIs(testingT, err, subscription.ErrPendingExists)

	_, err = harness.service.Request(ctx, harness.userID, "weekly", "")
	require.ErrorIs(testingT, err, model.ErrInvalidSubscriptionPlan)

	current, found, err := harness.service.Pending(ctx, harness.userID)
	require.NoError(testingT, err)
	require.True(testingT, found)
	require.Equal(testingT, pending.ID, current.ID)
}

func TestApproveActivatesPendingRequest(testingT *testing.T) {
	harness := newServiceHarness(testingT)
	ctx := context.Background()

	pending, err := harness.service.Request(ctx, harness.userID, model.PlanCodeMonthly, testReference)
	require.NoError(testingT, err)

	approved, err := harness.service.Approve(ctx, pending.ID, testAdminEmail, testNow)
	require.NoError(testingT, err)
	require.Equal(testingT, model.SubscriptionStatusActive, approved.Status)
	require.True(testingT, testNow.Equal(approved.StartsAt))
	require.True(testingT, testNow.Add(30*day).Equal(approved.ExpiresAt))
	require.Equal(testingT, "admin@example.com", approved.ApprovedBy)

	_, err = harness.service.Approve(ctx, pending.ID, testAdminEmail, testNow)
	require.ErrorIs(testingT, err, subscription.ErrInvalidTransition)

	_, err = harness.service.Approve(ctx, "missing", testAdminEmail, testNow)
	require.ErrorIs(testingT, err, subscription.ErrSubscriptionNotFound)

	_, err = harness.service.Approve(ctx, pending.ID, " ", testNow)
	require.ErrorIs(testingT, err, subscription.ErrMissingReviewer)

	_, found, err := harness.service.Pending(ctx, harness.userID)
	require.NoError(testingT, err)
	require.False(testingT, found)
}

func TestApproveStacksAfterCurrentPeriod(testingT *testing.T) {
	harness := newServiceHarness(testingT)
	ctx := context.Background()

	current, err := harness.service.Grant(ctx, harness.userID, model.PlanCodeMonthly, testAdminEmail, testNow)
	require.NoError(testingT, err)

	pending, err := harness.service.Request(ctx, harness.userID, model.PlanCodeQuarterly, testReference)
	require.NoError(testingT, err)

	approvedAt := testNow.Add(10 * day)
	stacked, err := harness.service.Approve(ctx, pending.ID, testAdminEmail, approvedAt)
	require.NoError(testingT, err)
	require.True(testingT, current.ExpiresAt.Equal(stacked.StartsAt))
	require.True(testingT, current.ExpiresAt.Add(90*day).Equal(stacked.ExpiresAt))

	active, err := harness.service.Active(ctx, harness.userID, approvedAt)
	require.NoError(testingT, err)
	require.Equal(testingT, current.ID, active.ID)

	afterFirstPeriod, err := harness.service.Active(ctx, harness.userID, current.ExpiresAt)
	require.NoError(testingT, err)
	require.Equal(testingT, stacked.ID, afterFirstPeriod.ID)
}

func TestGrantStartsNowWhenCoverageLapsed(testingT *testing.T) {
	harness := newServiceHarness(testingT)
	ctx := context.Background()

	_, err := harness.service.Grant(ctx, harness.userID, model.PlanCodeMonthly, testAdminEmail, testNow)
	require.NoError(testingT, err)

	later := testNow.Add(45 * day)
	granted, err := harness.service.Grant(ctx, harness.userID, model.PlanCodeYearly, testAdminEmail, later)
	require.NoError(testingT, err)
	require.True(testingT, later.Equal(granted.StartsAt))
	require.True(testingT, later.Add(365*day).Equal(granted.ExpiresAt))

	_, err = harness.service.Grant(ctx, harness.userID, "lifetime", testAdminEmail, later)
	require.ErrorIs(testingT, err, model.ErrInvalidSubscriptionPlan)
}

func TestRejectAndRevokeTransitions(testingT *testing.T) {
	harness := newServiceHarness(testingT)
	ctx := context.Background()

	pending, err := harness.service.Request(ctx, harness.userID, model.PlanCodeMonthly, "")
	require.NoError(testingT, err)

	_, err = harness.service.Revoke(ctx, pending.ID, testAdminEmail)
	require.ErrorIs(testingT, err, subscription.ErrInvalidTransition)

	rejected, err := harness.service.Reject(ctx, pending.ID, testAdminEmail)
	require.NoError(testingT, err)
	require.Equal(testingT, model.SubscriptionStatusRejected, rejected.Status)

	granted, err := harness.service.Grant(ctx, harness.userID, model.PlanCodeMonthly, testAdminEmail, testNow)
	require.NoError(testingT, err)

	_, err = harness.service.Reject(ctx, granted.ID, testAdminEmail)
	require.ErrorIs(testingT, err, subscription.ErrInvalidTransition)

	revoked, err := harness.service.Revoke(ctx, granted.ID, testAdminEmail)
	require.NoError(testingT, err)
	require.Equal(testingT, model.SubscriptionStatusRevoked, revoked.Status)

	_, err = harness.service.Active(ctx, harness.userID, testNow.Add(day))
	require.ErrorIs(testingT, err, subscription.ErrNoActiveSubscription)
}

func TestActiveUsesHalfOpenPeriod(testingT *testing.T) {
	harness := newServiceHarness(testingT)
	ctx := context.Background()

	granted, err := harness.service.Grant(ctx, harness.userID, model.PlanCodeMonthly, testAdminEmail, testNow)
	require.NoError(testingT, err)

	_, err = harness.service.Active(ctx, harness.userID, testNow.Add(-time.Second))
	require.ErrorIs(testingT, err, subscription.ErrNoActiveSubscription)

	_, err = harness.service.Active(ctx, harness.userID, testNow)
	require.NoError(testingT, err)

	_, err = harness.service.Active(ctx, harness.userID, granted.ExpiresAt.Add(-time.Second))
	require.NoError(testingT, err)

	_, err = harness.service.Active(ctx, harness.userID, granted.ExpiresAt)
	require.ErrorIs(testingT, err, subscription.ErrNoActiveSubscription)
}

func TestRequireActiveGate(testingT *testing.T) {
	harness := newServiceHarness(testingT)
	ctx := context.Background()

	_, err := harness.service.RequireActive(ctx, subscription.Subject{UserID: harness.userID}, testNow)
	require.ErrorIs(testingT, err, subscription.ErrSubscriptionRequired)

	_, err = harness.service.RequireActive(ctx, subscription.Subject{}, testNow)
	require.ErrorIs(testingT, err, subscription.ErrSubscriptionRequired)

	access, err := harness.service.RequireActive(ctx, subscription.Subject{UserID: harness.userID, Admin: true}, testNow)
	require.NoError(testingT, err)
	require.True(testingT, access.Bypassed)
	require.Nil(testingT, access.Subscription)

	pending, err := harness.service.Request(ctx, harness.userID, model.PlanCodeMonthly, testReference)
	require.NoError(testingT, err)
	_, err = harness.service.RequireActive(ctx, subscription.Subject{UserID: harness.userID}, testNow)
	require.ErrorIs(testingT, err, subscription.ErrSubscriptionRequired)

	approved, err := harness.service.Approve(ctx, pending.ID, testAdminEmail, testNow)
	require.NoError(testingT, err)

	access, err = harness.service.RequireActive(ctx, subscription.Subject{UserID: harness.userID}, testNow.Add(day))
	require.NoError(testingT, err)
	require.False(testingT, access.Bypassed)
	require.NotNil(testingT, access.Subscription)
	require.Equal(testingT, approved.ID, access.Subscription.ID)
}

func TestListFilters(testingT *testing.T) {
	harness := newServiceHarness(testingT)
	ctx := context.Background()

	_, err := harness.service.Grant(ctx, harness.userID, model.PlanCodeMonthly, testAdminEmail, testNow)
	require.NoError(testingT, err)
	_, err = harness.service.Request(ctx, harness.userID, model.PlanCodeYearly, testReference)
	require.NoError(testingT, err)
	_, err = harness.service.Request(ctx, "other-user", model.PlanCodeMonthly, "")
	require.NoError(testingT, err)

	all, err := harness.service.List(ctx, subscription.ListFilter{})
	require.NoError(testingT, err)
	require.Len(testingT, all, 3)

	pending, err := harness.service.List(ctx, subscription.ListFilter{Status: model.SubscriptionStatusPending})
	require.NoError(testingT, err)
	require.Len(testingT, pending, 2)

	limited, err := harness.service.List(ctx, subscription.ListFilter{Limit: 1})
	require.NoError(testingT, err)
	require.Len(testingT, limited, 1)

	mine, err := harness.service.ListForUser(ctx, harness.userID)
	require.NoError(testingT, err)
	require.Len(testingT, mine, 2)
	for _, item := range mine {
		require.Equal(testingT, harness.userID, item.UserID)
	}
}

func TestSweepExpired(testingT *testing.T) {
	harness := newServiceHarness(testingT)
	ctx := context.Background()

	granted, err := harness.service.Grant(ctx, harness.userID, model.PlanCodeMonthly, testAdminEmail, testNow)
	require.NoError(testingT, err)

	swept, err := harness.service.SweepExpired(ctx, granted.ExpiresAt.Add(-time.Minute))
	require.NoError(testingT, err)
	require.Empty(testingT, swept)

	swept, err = harness.service.SweepExpired(ctx, granted.ExpiresAt)
	require.NoError(testingT, err)
	require.Len(testingT, swept, 1)
	require.Equal(testingT, model.SubscriptionStatusExpired, swept[0].Status)

	var stored model.Subscription
	require.NoError(testingT, harness.database.First(&stored, "id = ?", granted.ID).Error)
	require.Equal(testingT, model.SubscriptionStatusExpired, stored.Status)

	swept, err = harness.service.SweepExpired(ctx, granted.ExpiresAt.Add(day))
	require.NoError(testingT, err)
	require.Empty(testingT, swept)
}

func TestDueForExpiryNoticeMarksOnce(testingT *testing.T) {
	harness := newServiceHarness(testingT)
	ctx := context.Background()
	window := 3 * day

	granted, err := harness.service.Grant(ctx, harness.userID, model.PlanCodeMonthly, testAdminEmail, testNow)
	require.NoError(testingT, err)

	due, err := harness.service.DueForExpiryNotice(ctx, testNow, window)
	require.NoError(testingT, err)
	require.Empty(testingT, due)

	checkAt := granted.ExpiresAt.Add(-2 * day)
	due, err = harness.service.DueForExpiryNotice(ctx, checkAt, window)
	require.NoError(testingT, err)
	require.Len(testingT, due, 1)
	require.NotNil(testingT, due[0].ExpiryNotifiedAt)

	due, err = harness.service.DueForExpiryNotice(ctx, checkAt.Add(time.Hour), window)
	require.NoError(testingT, err)
	require.Empty(testingT, due)

	var stored model.Subscription
	require.NoError(testingT, harness.database.First(&stored, "id = ?", granted.ID).Error)
	require.NotNil(testingT, stored.ExpiryNotifiedAt)
}
