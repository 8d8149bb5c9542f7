package storage

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const testOpenerFailureMessage = "opener failure"

func replaceSQLiteOpener(testingT *testing.T, opener databaseOpener) {
	testingT.Helper()
	originalOpeners := databaseOpeners
	testingT.Cleanup(func() {
		databaseOpeners = originalOpeners
	})
	databaseOpeners = map[string]databaseOpener{DriverNameSQLite: opener}
}

func TestOpenDatabaseWrapsDriverFailure(testingT *testing.T) {
	replaceSQLiteOpener(testingT, func(Config) (*gorm.DB, error) {
		return nil, errors.New(testOpenerFailureMessage)
	})

	_, openErr := OpenDatabase(Config{DriverName: " sqlite ", DataSourceName: "file:drivegate.db"})
	require.Error(testingT, openErr)
	require.Contains(testingT, openErr.Error(), errorMessageOpenDatabase)
	require.Contains(testingT, openErr.Error(), testOpenerFailureMessage)
}

func TestOpenDatabaseReportsPoolConfigurationFailure(testingT *testing.T) {
	replaceSQLiteOpener(testingT, func(Config) (*gorm.DB, error) {
		return &gorm.DB{Config: &gorm.Config{}}, nil
	})

	_, openErr := OpenDatabase(Config{DriverName: DriverNameSQLite, DataSourceName: "file:drivegate.db"})
	require.ErrorIs(testingT, openErr, gorm.ErrInvalidDB)
	require.Contains(testingT, openErr.Error(), errorMessageConfigurePool)
}

func TestConfigurePoolAppliesConnectionLimit(testingT *testing.T) {
	dataSourceName := fmt.Sprintf("file:%s?mode=rwc", filepath.Join(testingT.TempDir(), "pool.db"))
	database, openErr := gorm.Open(sqlite.Open(dataSourceName), &gorm.Config{})
	require.NoError(testingT, openErr)
	sqlDatabase, sqlErr := database.DB()
	require.NoError(testingT, sqlErr)
	testingT.Cleanup(func() {
		_ = sqlDatabase.Close()
	})

	require.NoError(testingT, configurePool(database, 0))
	require.Equal(testingT, defaultMaxOpenConnections, sqlDatabase.Stats().MaxOpenConnections)

	require.NoError(testingT, configurePool(database, 9))
	require.Equal(testingT, 9, sqlDatabase.Stats().MaxOpenConnections)

	require.NoError(testingT, configurePool(nil, 1))
}

func TestOpenSQLiteDatabaseReportsMissingDirectory(testingT *testing.T) {
	missingDirectory := filepath.Join(testingT.TempDir(), "missing")
	dataSourceName := fmt.Sprintf("file:%s?mode=rwc&_foreign_keys=on", filepath.Join(missingDirectory, "drivegate.db"))

	_, openErr := openSQLiteDatabase(Config{DataSourceName: dataSourceName})
	require.Error(testingT, openErr)
	require.Contains(testingT, openErr.Error(), errorMessageOpenSQLiteDatabase)
}
