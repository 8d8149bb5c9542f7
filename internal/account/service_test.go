package account_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/MarkoPoloResearchLab/drivegate/internal/account"
	"github.com/MarkoPoloResearchLab/drivegate/internal/model"
	"github.com/MarkoPoloResearchLab/drivegate/internal/testutil"
)

const (
	testEmail    = "Reader@Example.com"
	testPassword = "correct horse"
)

var testLoginTime = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

func newAccountService(testingT *testing.T, adminEmails ...string) *account.Service {
	testingT.Helper()
	database := testutil.OpenMigratedDatabase(testingT)
	service, err := account.NewService(database, zap.NewNop(), adminEmails, account.WithHashCost(bcrypt.MinCost))
	require.NoError(testingT, err)
	return service
}

func TestRegisterHashesPasswordAndNormalizesEmail(testingT *testing.T) {
	service := newAccountService(testingT)

	user, err := service.Register(context.Background(), account.RegisterInput{
		Email:       testEmail,
		Name:        " Reader ",
		Password:    testPassword,
		CountryCode: "de",
	})
	require.NoError(testingT, err)
	require.Equal(testingT, "reader@example.com", user.Email)
	require.Equal(testingT, "Reader", user.Name)
	require.Equal(testingT, "DE", user.CountryCode)
	require.Equal(testingT, model.UserRoleUser, user.Role)
	require.NotEqual(testingT, testPassword, user.PasswordHash)
	require.NoError(testingT, bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(testPassword)))
}

func TestRegisterValidation(testingT *testing.T) {
	service := newAccountService(testingT)
	ctx := context.Background()

	testCases := []struct {
		name          string
		input         account.RegisterInput
		expectedError error
	}{
		{name: "short password", input: account.RegisterInput{Email: testEmail, Password: "short"}, expectedError: account.ErrInvalidPassword},
		{name: "long password", input: account.RegisterInput{Email: testEmail, Password: strings.Repeat("p", 73)}, expectedError: account.ErrInvalidPassword},
		{name: "invalid email", input: account.RegisterInput{Email: "not-an-email", Password: testPassword}, expectedError: model.ErrInvalidUserEmail},
		{name: "invalid country", input: account.RegisterInput{Email: testEmail, Password: testPassword, CountryCode: "Germany"}, expectedError: model.ErrInvalidUserCountryCode},
	}
	for _, testCase := range testCases {
		testCase := testCase
		testingT.Run(testCase.name, func(testingT *testing.T) {
			_, err := service.Register(ctx, testCase.input)
			require.ErrorIs(testingT, err, testCase.expectedError)
		})
	}

	_, err := service.Register(ctx, account.RegisterInput{Email: testEmail, Password: testPassword})
	require.NoError(testingT, err)
	_, err = service.Register(ctx, account.RegisterInput{Email: "READER@example.com", Password: testPassword})
	require.ErrorIs(testingT, err, account.ErrEmailTaken)
}

func TestAuthenticate(testingT *testing.T) {
	service := newAccountService(testingT)
	ctx := context.Background()

	registered, err := service.Register(ctx, account.RegisterInput{Email: testEmail, Password: testPassword})
	require.NoError(testingT, err)

	user, err := service.Authenticate(ctx, " reader@EXAMPLE.com ", testPassword, testLoginTime)
	require.NoError(testingT, err)
	require.Equal(testingT, registered.ID, user.ID)
	require.True(testingT, testLoginTime.Equal(user.LastLoginAt))

	reloaded, err := service.Get(ctx, registered.ID)
	require.NoError(testingT, err)
	require.True(testingT, testLoginTime.Equal(reloaded.LastLoginAt))

	failed, err := service.Authenticate(ctx, testEmail, "wrong password", testLoginTime)
	require.ErrorIs(testingT, err, account.ErrInvalidCredentials)
	require.Equal(testingT, registered.ID, failed.ID)

	unknown, err := service.Authenticate(ctx, "nobody@example.com", testPassword, testLoginTime)
	require.ErrorIs(testingT, err, account.ErrInvalidCredentials)
	require.Empty(testingT, unknown.ID)

	_, err = service.Authenticate(ctx, "garbage", testPassword, testLoginTime)
	require.ErrorIs(testingT, err, account.ErrInvalidCredentials)
}

func TestAuthenticateRejectsDisabledAccounts(testingT *testing.T) {
	service := newAccountService(testingT)
	ctx := context.Background()

	registered, err := service.Register(ctx, account.RegisterInput{Email: testEmail, Password: testPassword})
	require.NoError(testingT, err)

	disabled := true
	updated, err := service.Update(ctx, registered.ID, account.UpdateInput{Disabled: &disabled})
	require.NoError(testingT, err)
	require.True(testingT, updated.Disabled)

	_, err = service.Authenticate(ctx, testEmail, testPassword, testLoginTime)
	require.ErrorIs(testingT, err, account.ErrAccountDisabled)
}

func TestUpdateRole(testingT *testing.T) {
	service := newAccountService(testingT)
	ctx := context.Background()

	registered, err := service.Register(ctx, account.RegisterInput{Email: testEmail, Password: testPassword})
	require.NoError(testingT, err)
	require.False(testingT, service.IsAdmin(registered))

	role := " Admin "
	updated, err := service.Update(ctx, registered.ID, account.UpdateInput{Role: &role})
	require.NoError(testingT, err)
	require.Equal(testingT, model.UserRoleAdmin, updated.Role)
	require.True(testingT, service.IsAdmin(updated))

	invalidRole := "owner"
	_, err = service.Update(ctx, registered.ID, account.UpdateInput{Role: &invalidRole})
	require.ErrorIs(testingT, err, model.ErrInvalidUserRole)

	_, err = service.Update(ctx, "missing", account.UpdateInput{Role: &role})
	require.ErrorIs(testingT, err, account.ErrUserNotFound)

	users, err := service.List(ctx)
	require.NoError(testingT, err)
	require.Len(testingT, users, 1)
	require.Equal(testingT, model.UserRoleAdmin, users[0].Role)
}

func TestIsAdminHonorsConfiguredEmails(testingT *testing.T) {
	service := newAccountService(testingT, " READER@example.com ", "")

	registered, err := service.Register(context.Background(), account.RegisterInput{Email: testEmail, Password: testPassword})
	require.NoError(testingT, err)
	require.True(testingT, service.IsAdmin(registered))
	require.False(testingT, service.IsAdmin(model.User{Email: "other@example.com", Role: model.UserRoleUser}))
}

func TestNewServiceRequiresDatabase(testingT *testing.T) {
	_, err := account.NewService(nil, nil, nil)
	require.ErrorIs(testingT, err, account.ErrMissingAccountStore)
}
