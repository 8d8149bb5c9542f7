package storage

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/drivegate/internal/model"
)

// ErrDuplicateLegacyEmail reports two legacy accounts that only differ by email casing.
var ErrDuplicateLegacyEmail = errors.New("storage: duplicate legacy email")

func backfillUserRoles(database *gorm.DB) error {
	assignments := map[string]any{
		"role": model.UserRoleUser,
	}

	return database.Model(&model.User{}).
		Where("role IS NULL OR TRIM(role) = ''").
		Updates(assignments).Error
}

// normalizeUserEmails lowercases emails written before normalization was enforced.
func normalizeUserEmails(database *gorm.DB) error {
	var legacyUsers []model.User
	if err := database.
		Select("id", "email").
		Where("email <> LOWER(TRIM(email))").
		Find(&legacyUsers).Error; err != nil {
		return err
	}

	for _, legacyUser := range legacyUsers {
		normalizedEmail := strings.ToLower(strings.TrimSpace(legacyUser.Email))
		var conflicts int64
		if err := database.Model(&model.User{}).
			Where("email = ? AND id <> ?", normalizedEmail, legacyUser.ID).
			Count(&conflicts).Error; err != nil {
			return err
		}
		if conflicts > 0 {
			return fmt.Errorf("%w: %s", ErrDuplicateLegacyEmail, normalizedEmail)
		}
		if err := database.Model(&model.User{}).
			Where("id = ?", legacyUser.ID).
			Update("email", normalizedEmail).Error; err != nil {
			return err
		}
	}
	return nil
}
