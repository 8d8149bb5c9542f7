package model

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	zipPasswordLabelMaxLength  = 200
	zipPasswordPrefixMaxLength = 1000
	zipPasswordMaxLength       = 256
)

var (
	ErrInvalidZipPasswordLabel  = errors.New("invalid_zip_password_label")
	ErrInvalidZipPasswordPrefix = errors.New("invalid_zip_password_prefix")
	ErrInvalidZipPasswordValue  = errors.New("invalid_zip_password_value")
)

// ZipPassword unlocks archives stored under a Drive path prefix.
type ZipPassword struct {
	ID         string    `gorm:"primaryKey;size:36"`
	Label      string    `gorm:"not null;size:200"`
	PathPrefix string    `gorm:"not null;size:1000;index"`
	Password   string    `gorm:"not null;size:256"`
	Active     bool      `gorm:"not null;default:true"`
	CreatedBy  string    `gorm:"size:320"`
	CreatedAt  time.Time `gorm:"autoCreateTime"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime"`
}

// ZipPasswordInput holds the raw values used to construct a ZipPassword.
type ZipPasswordInput struct {
	Label      string
	PathPrefix string
	Password   string
	CreatedBy  string
}

// NewZipPassword constructs an active ZipPassword.
func NewZipPassword(input ZipPasswordInput) (ZipPassword, error) {
	label := strings.TrimSpace(input.Label)
	if label == "" || len(label) > zipPasswordLabelMaxLength {
		return ZipPassword{}, ErrInvalidZipPasswordLabel
	}
	prefix, prefixErr := NormalizeZipPathPrefix(input.PathPrefix)
	if prefixErr != nil {
		return ZipPassword{}, prefixErr
	}
	if input.Password == "" || len(input.Password) > zipPasswordMaxLength {
		return ZipPassword{}, ErrInvalidZipPasswordValue
	}
	return ZipPassword{
		ID:         uuid.NewString(),
		Label:      label,
		PathPrefix: prefix,
		Password:   input.Password,
		Active:     true,
		CreatedBy:  strings.ToLower(strings.TrimSpace(input.CreatedBy)),
	}, nil
}

// NormalizeZipPathPrefix cleans a Drive path prefix to a rooted, slash-terminated form.
func NormalizeZipPathPrefix(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "/", nil
	}
	if len(trimmed) > zipPasswordPrefixMaxLength {
		return "", fmt.Errorf("%w: too long", ErrInvalidZipPasswordPrefix)
	}
	for _, segment := range strings.Split(trimmed, "/") {
		if segment == ".." {
			return "", fmt.Errorf("%w: parent segment", ErrInvalidZipPasswordPrefix)
		}
	}
	cleaned := path.Clean("/" + trimmed)
	if cleaned != "/" {
		cleaned += "/"
	}
	return cleaned, nil
}

// MatchesPath reports whether the prefix covers the given Drive path on segment boundaries.
func (zipPassword ZipPassword) MatchesPath(drivePath string) bool {
	if !zipPassword.Active {
		return false
	}
	if zipPassword.PathPrefix == "/" {
		return true
	}
	candidate := drivePath
	if !strings.HasSuffix(candidate, "/") {
		candidate += "/"
	}
	return strings.HasPrefix(candidate, zipPassword.PathPrefix)
}
