package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	AlertKindNewDevice   = "new_device"
	AlertKindFailedLogin = "failed_login"
	AlertKindLoginBurst  = "login_burst"

	AlertSeverityLow    = "low"
	AlertSeverityMedium = "medium"
	AlertSeverityHigh   = "high"

	alertMessageMaxLength   = 1000
	alertIPMaxLength        = 64
	alertUserAgentMaxLength = 400
	devicePlatformMaxLength = 32
	devicePushTokenMaxLen   = 512
	deviceFingerprintLength = 64
)

var (
	ErrInvalidAlertUserID       = errors.New("invalid_alert_user_id")
	ErrInvalidAlertKind         = errors.New("invalid_alert_kind")
	ErrInvalidAlertSeverity     = errors.New("invalid_alert_severity")
	ErrInvalidDeviceUserID      = errors.New("invalid_device_user_id")
	ErrInvalidDeviceFingerprint = errors.New("invalid_device_fingerprint")
	ErrInvalidDevicePlatform    = errors.New("invalid_device_platform")
	ErrInvalidDevicePushToken   = errors.New("invalid_device_push_token")
)

// SecurityAlert records suspicious account activity for administrator review.
type SecurityAlert struct {
	ID         string `gorm:"primaryKey;size:36"`
	UserID     string `gorm:"not null;size:36;index"`
	Kind       string `gorm:"not null;size:32;index"`
	Severity   string `gorm:"not null;size:16"`
	Message    string `gorm:"size:1000"`
	IP         string `gorm:"size:64"`
	UserAgent  string `gorm:"size:400"`
	ResolvedAt *time.Time
	ResolvedBy string    `gorm:"size:320"`
	CreatedAt  time.Time `gorm:"autoCreateTime;index"`
}

// SecurityAlertInput holds the raw values used to construct a SecurityAlert.
type SecurityAlertInput struct {
	UserID    string
	Kind      string
	Severity  string
	Message   string
	IP        string
	UserAgent string
}

// NewSecurityAlert constructs a SecurityAlert, truncating free-form fields.
func NewSecurityAlert(input SecurityAlertInput) (SecurityAlert, error) {
	userID := strings.TrimSpace(input.UserID)
	if userID == "" {
		return SecurityAlert{}, ErrInvalidAlertUserID
	}
	kind := strings.TrimSpace(input.Kind)
	switch kind {
	case AlertKindNewDevice, AlertKindFailedLogin, AlertKindLoginBurst:
	default:
		return SecurityAlert{}, fmt.Errorf("%w: %s", ErrInvalidAlertKind, kind)
	}
	severity := strings.TrimSpace(input.Severity)
	switch severity {
	case AlertSeverityLow, AlertSeverityMedium, AlertSeverityHigh:
	default:
		return SecurityAlert{}, fmt.Errorf("%w: %s", ErrInvalidAlertSeverity, severity)
	}
	return SecurityAlert{
		ID:        uuid.NewString(),
		UserID:    userID,
		Kind:      kind,
		Severity:  severity,
		Message:   Truncate(strings.TrimSpace(input.Message), alertMessageMaxLength),
		IP:        Truncate(strings.TrimSpace(input.IP), alertIPMaxLength),
		UserAgent: Truncate(strings.TrimSpace(input.UserAgent), alertUserAgentMaxLength),
	}, nil
}

// Resolved reports whether an administrator has closed the alert.
func (alert SecurityAlert) Resolved() bool {
	return alert.ResolvedAt != nil
}

// Device is a client installation seen logging into an account.
type Device struct {
	ID          string `gorm:"primaryKey;size:36"`
	UserID      string `gorm:"not null;size:36;uniqueIndex:idx_devices_user_fingerprint"`
	Fingerprint string `gorm:"not null;size:64;uniqueIndex:idx_devices_user_fingerprint"`
	Platform    string `gorm:"size:32"`
	PushToken   string `gorm:"size:512"`
	LastSeenAt  time.Time
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`
}

// DeviceInput holds the raw values used to construct a Device.
type DeviceInput struct {
	UserID      string
	Fingerprint string
	Platform    string
	PushToken   string
	LastSeenAt  time.Time
}

// NewDevice constructs a Device. The fingerprint must already be a hex sha256 digest.
func NewDevice(input DeviceInput) (Device, error) {
	userID := strings.TrimSpace(input.UserID)
	if userID == "" {
		return Device{}, ErrInvalidDeviceUserID
	}
	fingerprint := strings.ToLower(strings.TrimSpace(input.Fingerprint))
	if len(fingerprint) != deviceFingerprintLength {
		return Device{}, ErrInvalidDeviceFingerprint
	}
	platform := strings.ToLower(strings.TrimSpace(input.Platform))
	if len(platform) > devicePlatformMaxLength {
		return Device{}, fmt.Errorf("%w: too long", ErrInvalidDevicePlatform)
	}
	pushToken := strings.TrimSpace(input.PushToken)
	if len(pushToken) > devicePushTokenMaxLen {
		return Device{}, fmt.Errorf("%w: too long", ErrInvalidDevicePushToken)
	}
	return Device{
		ID:          uuid.NewString(),
		UserID:      userID,
		Fingerprint: fingerprint,
		Platform:    platform,
		PushToken:   pushToken,
		LastSeenAt:  input.LastSeenAt.UTC(),
	}, nil
}

// Truncate cuts a string to at most maxLength bytes without splitting a rune.
func Truncate(value string, maxLength int) string {
	if len(value) <= maxLength {
		return value
	}
	cut := maxLength
	for cut > 0 && !isRuneStart(value[cut]) {
		cut--
	}
	return value[:cut]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
