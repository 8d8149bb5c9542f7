package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/MarkoPoloResearchLab/drivegate/internal/model"
)

const (
	// DriverNameSQLite identifies the SQLite driver implementation.
	DriverNameSQLite = "sqlite"

	defaultMaxOpenConnections = 4
	defaultConnectionLifetime = 30 * time.Minute

	errorMessageMissingDatabaseDriverName = "storage: missing database driver name"
	errorMessageUnsupportedDatabaseDriver = "storage: unsupported database driver"
	errorMessageMissingDataSourceName     = "storage: missing database data source name"
	errorMessageOpenDatabase              = "storage: open database"
	errorMessageOpenSQLiteDatabase        = "storage: open sqlite database"
	errorMessageConfigurePool             = "storage: configure connection pool"
)

var (
	// ErrMissingDatabaseDriverName indicates the database driver name configuration was omitted.
	ErrMissingDatabaseDriverName = errors.New(errorMessageMissingDatabaseDriverName)
	// ErrUnsupportedDatabaseDriver indicates the provided database driver is not supported.
	ErrUnsupportedDatabaseDriver = errors.New(errorMessageUnsupportedDatabaseDriver)
	// ErrMissingDataSourceName indicates the database data source name configuration was omitted.
	ErrMissingDataSourceName = errors.New(errorMessageMissingDataSourceName)
)

type databaseOpener func(Config) (*gorm.DB, error)

var databaseOpeners = map[string]databaseOpener{
	DriverNameSQLite: openSQLiteDatabase,
}

// Config captures database connection configuration.
type Config struct {
	DriverName         string
	DataSourceName     string
	MaxOpenConnections int
	Logger             logger.Interface
}

// OpenDatabase opens a database connection using the configured driver and data source name.
func OpenDatabase(configuration Config) (*gorm.DB, error) {
	trimmedDriverName := strings.TrimSpace(configuration.DriverName)
	if trimmedDriverName == "" {
		return nil, ErrMissingDatabaseDriverName
	}

	opener, driverSupported := databaseOpeners[trimmedDriverName]
	if !driverSupported {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDatabaseDriver, trimmedDriverName)
	}

	normalized := configuration
	normalized.DriverName = trimmedDriverName
	normalized.DataSourceName = strings.TrimSpace(configuration.DataSourceName)
	database, openErr := opener(normalized)
	if openErr != nil {
		return nil, fmt.Errorf("%s: %w", errorMessageOpenDatabase, openErr)
	}

	if poolErr := configurePool(database, normalized.MaxOpenConnections); poolErr != nil {
		return nil, fmt.Errorf("%s: %w", errorMessageConfigurePool, poolErr)
	}

	return database, nil
}

func openSQLiteDatabase(configuration Config) (*gorm.DB, error) {
	if configuration.DataSourceName == "" {
		return nil, ErrMissingDataSourceName
	}

	gormConfig := &gorm.Config{}
	if configuration.Logger != nil {
		gormConfig.Logger = configuration.Logger
	}

	database, openErr := gorm.Open(sqlite.Open(configuration.DataSourceName), gormConfig)
	if openErr != nil {
		return nil, fmt.Errorf("%s: %w", errorMessageOpenSQLiteDatabase, openErr)
	}

	return database, nil
}

func configurePool(database *gorm.DB, maxOpenConnections int) error {
	if database == nil {
		return nil
	}
	sqlDatabase, sqlErr := database.DB()
	if sqlErr != nil {
		return sqlErr
	}
	if maxOpenConnections <= 0 {
		maxOpenConnections = defaultMaxOpenConnections
	}
	sqlDatabase.SetMaxOpenConns(maxOpenConnections)
	sqlDatabase.SetConnMaxLifetime(defaultConnectionLifetime)
	return nil
}

// AutoMigrate runs database migrations for the storage layer models.
func AutoMigrate(database *gorm.DB) error {
	if err := database.AutoMigrate(
		&model.User{},
		&model.Subscription{},
		&model.Device{},
		&model.SecurityAlert{},
		&model.ZipPassword{},
		&model.Activity{},
	); err != nil {
		return err
	}
	if err := backfillUserRoles(database); err != nil {
		return err
	}
	return normalizeUserEmails(database)
}

// NewID generates a new globally unique identifier.
func NewID() string {
	return uuid.NewString()
}
