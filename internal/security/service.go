// Package security tracks login devices and raises alerts for suspicious account activity.
package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/drivegate/internal/model"
	"github.com/MarkoPoloResearchLab/drivegate/internal/notifications"
)

const (
	FailedLoginBurstThreshold = 5
	FailedLoginBurstWindow    = 15 * time.Minute

	defaultAlertLimit = 200
	maxAlertLimit     = 1000

	logEventAlertRaised   = "security_alert_raised"
	logEventAlertResolved = "security_alert_resolved"
	logEventDeviceTrusted = "device_trusted"
)

var (
	ErrAlertNotFound          = errors.New("alert_not_found")
	ErrAlertAlreadyResolved   = errors.New("alert_already_resolved")
	ErrMissingSecurityStore   = errors.New("missing_security_store")
	ErrMissingResolverAddress = errors.New("missing_resolver_address")
)

// ClientInfo describes the client behind a login or device registration.
type ClientInfo struct {
	IP                string
	UserAgent         string
	FingerprintHeader string
	Platform          string
}

// Fingerprint hashes the client fingerprint header together with the user agent.
func (client ClientInfo) Fingerprint() string {
	digest := sha256.Sum256([]byte(strings.TrimSpace(client.FingerprintHeader) + "\n" + strings.TrimSpace(client.UserAgent)))
	return hex.EncodeToString(digest[:])
}

// AlertFilter narrows ListAlerts.
type AlertFilter struct {
	UnresolvedOnly bool
	UserID         string
	Limit          int
}

// Service owns devices and security alerts.
type Service struct {
	database  *gorm.DB
	logger    *zap.Logger
	publisher notifications.Publisher
}

// NewService builds a Service. The publisher may be nil.
func NewService(database *gorm.DB, logger *zap.Logger, publisher notifications.Publisher) (*Service, error) {
	if database == nil {
		return nil, ErrMissingSecurityStore
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{database: database, logger: logger, publisher: publisher}, nil
}

// ObserveLogin records the device behind a successful login. The first device of an account is
// trusted silently; any later unseen device raises a new_device alert, which is returned.
func (service *Service) ObserveLogin(ctx context.Context, user model.User, client ClientInfo, now time.Time) (*model.SecurityAlert, error) {
	fingerprint := client.Fingerprint()
	var raised *model.SecurityAlert
	err := service.database.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var existing model.Device
		lookupErr := transaction.Where("user_id = ? AND fingerprint = ?", user.ID, fingerprint).First(&existing).Error
		if lookupErr == nil {
			return transaction.Model(&existing).Update("last_seen_at", now.UTC()).Error
		}
		if !errors.Is(lookupErr, gorm.ErrRecordNotFound) {
			return lookupErr
		}
		var knownDevices int64
		if err := transaction.Model(&model.Device{}).Where("user_id = ?", user.ID).Count(&knownDevices).Error; err != nil {
			return err
		}
		device, buildErr := model.NewDevice(model.DeviceInput{
			UserID:      user.ID,
			Fingerprint: fingerprint,
			Platform:    client.Platform,
			LastSeenAt:  now,
		})
		if buildErr != nil {
			return buildErr
		}
		if err := transaction.Create(&device).Error; err != nil {
			return err
		}
		if knownDevices == 0 {
			service.logger.Info(logEventDeviceTrusted, zap.String("user_id", user.ID), zap.String("device_id", device.ID))
			return nil
		}
		alert, alertErr := createAlert(transaction, model.SecurityAlertInput{
			UserID:    user.ID,
			Kind:      model.AlertKindNewDevice,
			Severity:  model.AlertSeverityMedium,
			Message:   fmt.Sprintf("login from a new device for %s", user.Email),
			IP:        client.IP,
			UserAgent: client.UserAgent,
		}, now)
		if alertErr != nil {
			return alertErr
		}
		raised = &alert
		return nil
	})
	if err != nil {
		return nil, err
	}
	if raised != nil {
		service.announce(*raised)
	}
	return raised, nil
}

// ObserveFailedLogin raises a failed_login alert for an existing account. The failure that
// reaches FailedLoginBurstThreshold inside FailedLoginBurstWindow also raises login_burst.
func (service *Service) ObserveFailedLogin(ctx context.Context, user model.User, client ClientInfo, now time.Time) ([]model.SecurityAlert, error) {
	var raised []model.SecurityAlert
	err := service.database.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		failure, failureErr := createAlert(transaction, model.SecurityAlertInput{
			UserID:    user.ID,
			Kind:      model.AlertKindFailedLogin,
			Severity:  model.AlertSeverityLow,
			Message:   fmt.Sprintf("failed login for %s", user.Email),
			IP:        client.IP,
			UserAgent: client.UserAgent,
		}, now)
		if failureErr != nil {
			return failureErr
		}
		raised = append(raised, failure)

		var recentFailures int64
		countErr := transaction.Model(&model.SecurityAlert{}).
			Where("user_id = ? AND kind = ? AND created_at > ? AND created_at <= ?",
				user.ID, model.AlertKindFailedLogin, now.UTC().Add(-FailedLoginBurstWindow), now.UTC()).
			Count(&recentFailures).Error
		if countErr != nil {
			return countErr
		}
		if recentFailures != FailedLoginBurstThreshold {
			return nil
		}
		burst, burstErr := createAlert(transaction, model.SecurityAlertInput{
			UserID:    user.ID,
			Kind:      model.AlertKindLoginBurst,
			Severity:  model.AlertSeverityHigh,
			Message:   fmt.Sprintf("%d failed logins for %s within %s", recentFailures, user.Email, FailedLoginBurstWindow),
			IP:        client.IP,
			UserAgent: client.UserAgent,
		}, now)
		if burstErr != nil {
			return burstErr
		}
		raised = append(raised, burst)
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, alert := range raised {
		service.announce(alert)
	}
	return raised, nil
}

// RegisterDevice stores the push token for the calling device, creating the device when needed.
func (service *Service) RegisterDevice(ctx context.Context, userID string, client ClientInfo, pushToken string, now time.Time) (model.Device, error) {
	device, buildErr := model.NewDevice(model.DeviceInput{
		UserID:      userID,
		Fingerprint: client.Fingerprint(),
		Platform:    client.Platform,
		PushToken:   pushToken,
		LastSeenAt:  now,
	})
	if buildErr != nil {
		return model.Device{}, buildErr
	}
	err := service.database.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var existing model.Device
		lookupErr := transaction.Where("user_id = ? AND fingerprint = ?", device.UserID, device.Fingerprint).First(&existing).Error
		if errors.Is(lookupErr, gorm.ErrRecordNotFound) {
			return transaction.Create(&device).Error
		}
		if lookupErr != nil {
			return lookupErr
		}
		updates := map[string]any{
			"push_token":   device.PushToken,
			"last_seen_at": device.LastSeenAt,
		}
		if device.Platform != "" {
			updates["platform"] = device.Platform
		} else {
			device.Platform = existing.Platform
		}
		if err := transaction.Model(&existing).Updates(updates).Error; err != nil {
			return err
		}
		device.ID = existing.ID
		device.CreatedAt = existing.CreatedAt
		return nil
	})
	if err != nil {
		return model.Device{}, err
	}
	return device, nil
}

// Devices lists the devices seen for a user, most recently used first.
func (service *Service) Devices(ctx context.Context, userID string) ([]model.Device, error) {
	var devices []model.Device
	err := service.database.WithContext(ctx).
		Where("user_id = ?", strings.TrimSpace(userID)).
		Order("last_seen_at DESC").
		Find(&devices).Error
	return devices, err
}

// ListAlerts returns alerts newest first.
func (service *Service) ListAlerts(ctx context.Context, filter AlertFilter) ([]model.SecurityAlert, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultAlertLimit
	}
	if limit > maxAlertLimit {
		limit = maxAlertLimit
	}
	query := service.database.WithContext(ctx).Model(&model.SecurityAlert{})
	if filter.UnresolvedOnly {
		query = query.Where("resolved_at IS NULL")
	}
	if userID := strings.TrimSpace(filter.UserID); userID != "" {
		query = query.Where("user_id = ?", userID)
	}
	var alerts []model.SecurityAlert
	err := query.Order("created_at DESC").Limit(limit).Find(&alerts).Error
	return alerts, err
}

// ResolveAlert closes an alert on behalf of an administrator.
func (service *Service) ResolveAlert(ctx context.Context, alertID string, adminEmail string, now time.Time) (model.SecurityAlert, error) {
	resolver := strings.ToLower(strings.TrimSpace(adminEmail))
	if resolver == "" {
		return model.SecurityAlert{}, ErrMissingResolverAddress
	}
	var alert model.SecurityAlert
	err := service.database.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		lookupErr := transaction.First(&alert, "id = ?", strings.TrimSpace(alertID)).Error
		if errors.Is(lookupErr, gorm.ErrRecordNotFound) {
			return ErrAlertNotFound
		}
		if lookupErr != nil {
			return lookupErr
		}
		if alert.Resolved() {
			return ErrAlertAlreadyResolved
		}
		resolvedAt := now.UTC()
		alert.ResolvedAt = &resolvedAt
		alert.ResolvedBy = resolver
		return transaction.Model(&alert).Updates(map[string]any{
			"resolved_at": resolvedAt,
			"resolved_by": resolver,
		}).Error
	})
	if err != nil {
		return model.SecurityAlert{}, err
	}
	service.logger.Info(logEventAlertResolved, zap.String("alert_id", alert.ID), zap.String("resolved_by", resolver))
	return alert, nil
}

func (service *Service) announce(alert model.SecurityAlert) {
	service.logger.Warn(logEventAlertRaised,
		zap.String("alert_id", alert.ID),
		zap.String("user_id", alert.UserID),
		zap.String("kind", alert.Kind),
		zap.String("severity", alert.Severity),
		zap.String("ip", alert.IP),
	)
	if service.publisher == nil {
		return
	}
	service.publisher.Broadcast(notifications.Event{
		Kind:      notifications.EventKindSecurityAlert,
		UserID:    alert.UserID,
		AdminOnly: true,
		Payload: map[string]any{
			"alert_id": alert.ID,
			"kind":     alert.Kind,
			"severity": alert.Severity,
			"message":  alert.Message,
		},
		Timestamp: alert.CreatedAt,
	})
}

func createAlert(transaction *gorm.DB, input model.SecurityAlertInput, now time.Time) (model.SecurityAlert, error) {
	alert, buildErr := model.NewSecurityAlert(input)
	if buildErr != nil {
		return model.SecurityAlert{}, buildErr
	}
	alert.CreatedAt = now.UTC()
	if err := transaction.Create(&alert).Error; err != nil {
		return model.SecurityAlert{}, err
	}
	return alert, nil
}
