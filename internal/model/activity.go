package model

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	ActivityKindRegister            = "register"
	ActivityKindLogin               = "login"
	ActivityKindLogout              = "logout"
	ActivityKindSubscriptionRequest = "subscription_request"
	ActivityKindDriveList           = "drive_list"
	ActivityKindDriveDownload       = "drive_download"
	ActivityKindDeviceRegistered    = "device_registered"

	activityDetailMaxLength = 500
)

var (
	ErrInvalidActivityUserID = errors.New("invalid_activity_user_id")
	ErrInvalidActivityKind   = errors.New("invalid_activity_kind")
)

// Activity is one entry of a user's activity feed.
type Activity struct {
	ID        string    `gorm:"primaryKey;size:36"`
	UserID    string    `gorm:"not null;size:36;index:idx_activities_user_created"`
	Kind      string    `gorm:"not null;size:32"`
	Detail    string    `gorm:"size:500"`
	CreatedAt time.Time `gorm:"autoCreateTime;index:idx_activities_user_created"`
}

// NewActivity constructs an Activity; the detail is truncated rather than rejected.
func NewActivity(userID string, kind string, detail string) (Activity, error) {
	trimmedUserID := strings.TrimSpace(userID)
	if trimmedUserID == "" {
		return Activity{}, ErrInvalidActivityUserID
	}
	trimmedKind := strings.TrimSpace(kind)
	if trimmedKind == "" {
		return Activity{}, ErrInvalidActivityKind
	}
	return Activity{
		ID:     uuid.NewString(),
		UserID: trimmedUserID,
		Kind:   trimmedKind,
		Detail: Truncate(strings.TrimSpace(detail), activityDetailMaxLength),
	}, nil
}
