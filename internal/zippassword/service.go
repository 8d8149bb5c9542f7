// Package zippassword manages the archive passwords handed to subscribers per Drive path prefix.
package zippassword

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/drivegate/internal/model"
)

const (
	logEventZipPasswordCreated = "zip_password_created"
	logEventZipPasswordUpdated = "zip_password_updated"
	logEventZipPasswordDeleted = "zip_password_deleted"
)

var (
	ErrZipPasswordNotFound  = errors.New("zip_password_not_found")
	ErrNoMatchingPassword   = errors.New("no_matching_zip_password")
	ErrMissingPasswordStore = errors.New("missing_zip_password_store")
)

// UpdateInput carries admin edits. Nil fields are left untouched.
type UpdateInput struct {
	Label      *string
	PathPrefix *string
	Password   *string
	Active     *bool
}

// Service owns ZIP passwords.
type Service struct {
	database *gorm.DB
	logger   *zap.Logger
}

// NewService builds a Service.
func NewService(database *gorm.DB, logger *zap.Logger) (*Service, error) {
	if database == nil {
		return nil, ErrMissingPasswordStore
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{database: database, logger: logger}, nil
}

// Create stores a new active password.
func (service *Service) Create(ctx context.Context, input model.ZipPasswordInput) (model.ZipPassword, error) {
	zipPassword, buildErr := model.NewZipPassword(input)
	if buildErr != nil {
		return model.ZipPassword{}, buildErr
	}
	if err := service.database.WithContext(ctx).Create(&zipPassword).Error; err != nil {
		return model.ZipPassword{}, err
	}
	service.logger.Info(logEventZipPasswordCreated,
		zap.String("zip_password_id", zipPassword.ID),
		zap.String("path_prefix", zipPassword.PathPrefix),
		zap.String("created_by", zipPassword.CreatedBy),
	)
	return zipPassword, nil
}

// List returns every password ordered by prefix.
func (service *Service) List(ctx context.Context) ([]model.ZipPassword, error) {
	var zipPasswords []model.ZipPassword
	err := service.database.WithContext(ctx).Order("path_prefix ASC").Order("created_at ASC").Find(&zipPasswords).Error
	return zipPasswords, err
}

// Get loads a password by id.
func (service *Service) Get(ctx context.Context, id string) (model.ZipPassword, error) {
	var zipPassword model.ZipPassword
	err := service.database.WithContext(ctx).First(&zipPassword, "id = ?", strings.TrimSpace(id)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.ZipPassword{}, ErrZipPasswordNotFound
	}
	return zipPassword, err
}

// Update applies admin edits, validating them the same way Create does.
func (service *Service) Update(ctx context.Context, id string, input UpdateInput) (model.ZipPassword, error) {
	zipPassword, loadErr := service.Get(ctx, id)
	if loadErr != nil {
		return model.ZipPassword{}, loadErr
	}
	candidate := model.ZipPasswordInput{
		Label:      zipPassword.Label,
		PathPrefix: zipPassword.PathPrefix,
		Password:   zipPassword.Password,
		CreatedBy:  zipPassword.CreatedBy,
	}
	if input.Label != nil {
		candidate.Label = *input.Label
	}
	if input.PathPrefix != nil {
		candidate.PathPrefix = *input.PathPrefix
	}
	if input.Password != nil {
		candidate.Password = *input.Password
	}
	validated, validateErr := model.NewZipPassword(candidate)
	if validateErr != nil {
		return model.ZipPassword{}, validateErr
	}
	zipPassword.Label = validated.Label
	zipPassword.PathPrefix = validated.PathPrefix
	zipPassword.Password = validated.Password
	if input.Active != nil {
		zipPassword.Active = *input.Active
	}
	err := service.database.WithContext(ctx).Model(&model.ZipPassword{}).Where("id = ?", zipPassword.ID).Updates(map[string]any{
		"label":       zipPassword.Label,
		"path_prefix": zipPassword.PathPrefix,
		"password":    zipPassword.Password,
		"active":      zipPassword.Active,
	}).Error
	if err != nil {
		return model.ZipPassword{}, err
	}
	service.logger.Info(logEventZipPasswordUpdated, zap.String("zip_password_id", zipPassword.ID), zap.Bool("active", zipPassword.Active))
	return zipPassword, nil
}

// Delete removes a password.
func (service *Service) Delete(ctx context.Context, id string) error {
	result := service.database.WithContext(ctx).Where("id = ?", strings.TrimSpace(id)).Delete(&model.ZipPassword{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrZipPasswordNotFound
	}
	service.logger.Info(logEventZipPasswordDeleted, zap.String("zip_password_id", strings.TrimSpace(id)))
	return nil
}

// Resolve returns the active password whose prefix covers drivePath most specifically.
func (service *Service) Resolve(ctx context.Context, drivePath string) (model.ZipPassword, error) {
	var candidates []model.ZipPassword
	if err := service.database.WithContext(ctx).Where("active = ?", true).Find(&candidates).Error; err != nil {
		return model.ZipPassword{}, err
	}
	return longestMatch(candidates, drivePath)
}

func longestMatch(candidates []model.ZipPassword, drivePath string) (model.ZipPassword, error) {
	best := -1
	for index, candidate := range candidates {
		if !candidate.MatchesPath(drivePath) {
			continue
		}
		if best < 0 || len(candidate.PathPrefix) > len(candidates[best].PathPrefix) ||
			(len(candidate.PathPrefix) == len(candidates[best].PathPrefix) && candidate.UpdatedAt.After(candidates[best].UpdatedAt)) {
			best = index
		}
	}
	if best < 0 {
		return model.ZipPassword{}, ErrNoMatchingPassword
	}
	return candidates[best], nil
}
