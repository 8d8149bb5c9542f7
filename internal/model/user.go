package model

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	UserRoleUser  = "user"
	UserRoleAdmin = "admin"

	userEmailMaxLength = 320
	userNameMaxLength  = 200
	countryCodeLength  = 2
)

var (
	ErrInvalidUserEmail       = errors.New("invalid_user_email")
	ErrInvalidUserName        = errors.New("invalid_user_name")
	ErrInvalidUserRole        = errors.New("invalid_user_role")
	ErrInvalidUserCountryCode = errors.New("invalid_user_country_code")
	ErrMissingPasswordHash    = errors.New("missing_password_hash")
)

// User is a registered account. Email is stored lowercase and is unique.
type User struct {
	ID           string `gorm:"primaryKey;size:36"`
	Email        string `gorm:"not null;size:320;uniqueIndex"`
	Name         string `gorm:"size:200"`
	PasswordHash string `gorm:"not null;size:100"`
	Role         string `gorm:"not null;size:16;default:user"`
	Disabled     bool   `gorm:"not null;default:false"`
	CountryCode  string `gorm:"size:2"`
	LastLoginAt  time.Time
	CreatedAt    time.Time `gorm:"autoCreateTime"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime"`
}

// UserInput holds the raw values used to construct a User.
type UserInput struct {
	Email        string
	Name         string
	PasswordHash string
	Role         string
	CountryCode  string
}

// NewUser constructs a User with validated, normalized fields.
func NewUser(input UserInput) (User, error) {
	email, emailErr := NormalizeEmail(input.Email)
	if emailErr != nil {
		return User{}, emailErr
	}

	name := strings.TrimSpace(input.Name)
	if len(name) > userNameMaxLength {
		return User{}, fmt.Errorf("%w: too long", ErrInvalidUserName)
	}

	if strings.TrimSpace(input.PasswordHash) == "" {
		return User{}, ErrMissingPasswordHash
	}

	role := strings.ToLower(strings.TrimSpace(input.Role))
	if role == "" {
		role = UserRoleUser
	}
	if err := ValidateUserRole(role); err != nil {
		return User{}, err
	}

	countryCode, countryErr := NormalizeCountryCode(input.CountryCode)
	if countryErr != nil {
		return User{}, countryErr
	}

	return User{
		ID:           uuid.NewString(),
		Email:        email,
		Name:         name,
		PasswordHash: input.PasswordHash,
		Role:         role,
		CountryCode:  countryCode,
	}, nil
}

// IsAdmin reports whether the stored role grants administrator access.
func (user User) IsAdmin() bool {
	return user.Role == UserRoleAdmin
}

// NormalizeEmail lowercases and validates an email address.
func NormalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" || len(email) > userEmailMaxLength {
		return "", fmt.Errorf("%w: empty or too long", ErrInvalidUserEmail)
	}
	parsed, parseErr := mail.ParseAddress(email)
	if parseErr != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidUserEmail, parseErr)
	}
	if parsed.Address != email {
		return "", fmt.Errorf("%w: display names are not accepted", ErrInvalidUserEmail)
	}
	return email, nil
}

// ValidateUserRole accepts only the known roles.
func ValidateUserRole(role string) error {
	switch role {
	case UserRoleUser, UserRoleAdmin:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrInvalidUserRole, role)
	}
}

// NormalizeCountryCode uppercases an ISO 3166 alpha-2 code. Empty input is allowed.
func NormalizeCountryCode(raw string) (string, error) {
	code := strings.ToUpper(strings.TrimSpace(raw))
	if code == "" {
		return "", nil
	}
	if len(code) != countryCodeLength {
		return "", fmt.Errorf("%w: %s", ErrInvalidUserCountryCode, raw)
	}
	for _, character := range code {
		if character < 'A' || character > 'Z' {
			return "", fmt.Errorf("%w: %s", ErrInvalidUserCountryCode, raw)
		}
	}
	return code, nil
}
