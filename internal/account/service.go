// Package account registers and authenticates users with email and password.
package account

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/drivegate/internal/model"
)

const (
	minPasswordLength = 8
	maxPasswordBytes  = 72
	defaultListLimit  = 500

	logEventUserRegistered = "user_registered"
	logEventUserUpdated    = "user_updated"
)

var (
	ErrInvalidPassword     = errors.New("invalid_password")
	ErrEmailTaken          = errors.New("email_taken")
	ErrInvalidCredentials  = errors.New("invalid_credentials")
	ErrAccountDisabled     = errors.New("account_disabled")
	ErrUserNotFound        = errors.New("user_not_found")
	ErrMissingAccountStore = errors.New("missing_account_store")
)

// RegisterInput carries the self-service registration form.
type RegisterInput struct {
	Email       string
	Name        string
	Password    string
	CountryCode string
}

// UpdateInput carries admin changes to an account. Nil fields are left untouched.
type UpdateInput struct {
	Role     *string
	Disabled *bool
}

// Service owns user accounts.
type Service struct {
	database    *gorm.DB
	logger      *zap.Logger
	adminEmails map[string]struct{}
	hashCost    int
}

// Option customizes a Service.
type Option func(*Service)

// WithHashCost overrides the bcrypt cost, mostly for tests.
func WithHashCost(cost int) Option {
	return func(service *Service) {
		service.hashCost = cost
	}
}

// NewService builds a Service. Emails listed in adminEmails are administrators regardless of
// their stored role.
func NewService(database *gorm.DB, logger *zap.Logger, adminEmails []string, options ...Option) (*Service, error) {
	if database == nil {
		return nil, ErrMissingAccountStore
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	adminMap := make(map[string]struct{}, len(adminEmails))
	for _, email := range adminEmails {
		trimmedEmail := strings.ToLower(strings.TrimSpace(email))
		if trimmedEmail == "" {
			continue
		}
		adminMap[trimmedEmail] = struct{}{}
	}
	service := &Service{
		database:    database,
		logger:      logger,
		adminEmails: adminMap,
		hashCost:    bcrypt.DefaultCost,
	}
	for _, option := range options {
		option(service)
	}
	return service, nil
}

// IsAdmin reports whether the user holds the admin role or is listed as an administrator.
func (service *Service) IsAdmin(user model.User) bool {
	if user.IsAdmin() {
		return true
	}
	_, listed := service.adminEmails[strings.ToLower(strings.TrimSpace(user.Email))]
	return listed
}

// Register creates a new account with a bcrypt password hash.
func (service *Service) Register(ctx context.Context, input RegisterInput) (model.User, error) {
	if err := validatePassword(input.Password); err != nil {
		return model.User{}, err
	}
	hash, hashErr := bcrypt.GenerateFromPassword([]byte(input.Password), service.hashCost)
	if hashErr != nil {
		return model.User{}, fmt.Errorf("hash password: %w", hashErr)
	}
	user, buildErr := model.NewUser(model.UserInput{
		Email:        input.Email,
		Name:         input.Name,
		PasswordHash: string(hash),
		CountryCode:  input.CountryCode,
	})
	if buildErr != nil {
		return model.User{}, buildErr
	}

	err := service.database.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var existing int64
		if err := transaction.Model(&model.User{}).Where("email = ?", user.Email).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return ErrEmailTaken
		}
		return transaction.Create(&user).Error
	})
	if err != nil {
		return model.User{}, err
	}

	service.logger.Info(logEventUserRegistered, zap.String("user_id", user.ID), zap.String("email", user.Email))
	return user, nil
}

// Authenticate verifies the credentials and stamps the login time.
func (service *Service) Authenticate(ctx context.Context, email string, password string, now time.Time) (model.User, error) {
	normalizedEmail, emailErr := model.NormalizeEmail(email)
	if emailErr != nil {
		return model.User{}, ErrInvalidCredentials
	}
	user, lookupErr := service.FindByEmail(ctx, normalizedEmail)
	if errors.Is(lookupErr, ErrUserNotFound) {
		return model.User{}, ErrInvalidCredentials
	}
	if lookupErr != nil {
		return model.User{}, lookupErr
	}
	if compareErr := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); compareErr != nil {
		return user, ErrInvalidCredentials
	}
	if user.Disabled {
		return user, ErrAccountDisabled
	}
	user.LastLoginAt = now.UTC()
	if err := service.database.WithContext(ctx).Model(&user).Update("last_login_at", user.LastLoginAt).Error; err != nil {
		return model.User{}, err
	}
	return user, nil
}

// Get loads a user by id.
func (service *Service) Get(ctx context.Context, userID string) (model.User, error) {
	var user model.User
	err := service.database.WithContext(ctx).First(&user, "id = ?", strings.TrimSpace(userID)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.User{}, ErrUserNotFound
	}
	return user, err
}

// FindByEmail loads a user by normalized email.
func (service *Service) FindByEmail(ctx context.Context, email string) (model.User, error) {
	var user model.User
	err := service.database.WithContext(ctx).First(&user, "email = ?", strings.ToLower(strings.TrimSpace(email))).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.User{}, ErrUserNotFound
	}
	return user, err
}

// List returns accounts ordered by registration time, newest first.
func (service *Service) List(ctx context.Context) ([]model.User, error) {
	var users []model.User
	err := service.database.WithContext(ctx).Order("created_at DESC").Limit(defaultListLimit).Find(&users).Error
	return users, err
}

// Update applies admin changes to an account.
func (service *Service) Update(ctx context.Context, userID string, input UpdateInput) (model.User, error) {
	user, loadErr := service.Get(ctx, userID)
	if loadErr != nil {
		return model.User{}, loadErr
	}
	updates := map[string]any{}
	if input.Role != nil {
		role := strings.ToLower(strings.TrimSpace(*input.Role))
		if err := model.ValidateUserRole(role); err != nil {
			return model.User{}, err
		}
		updates["role"] = role
		user.Role = role
	}
	if input.Disabled != nil {
		updates["disabled"] = *input.Disabled
		user.Disabled = *input.Disabled
	}
	if len(updates) == 0 {
		return user, nil
	}
	if err := service.database.WithContext(ctx).Model(&model.User{}).Where("id = ?", user.ID).Updates(updates).Error; err != nil {
		return model.User{}, err
	}
	service.logger.Info(logEventUserUpdated, zap.String("user_id", user.ID), zap.String("role", user.Role), zap.Bool("disabled", user.Disabled))
	return user, nil
}

func validatePassword(password string) error {
	if utf8.RuneCountInString(password) < minPasswordLength {
		return fmt.Errorf("%w: shorter than %d characters", ErrInvalidPassword, minPasswordLength)
	}
	if len(password) > maxPasswordBytes {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidPassword, maxPasswordBytes)
	}
	return nil
}
