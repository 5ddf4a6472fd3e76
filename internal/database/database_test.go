package database

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSqliteDB_Memory(t *testing.T) {
	db, err := GetSqliteDB("", nil)
	require.NoError(t, err)

	var mode string
	require.NoError(t, db.Raw("PRAGMA journal_mode;").Scan(&mode).Error)
	assert.Equal(t, "memory", mode)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	assert.Equal(t, 1, sqlDB.Stats().MaxOpenConnections)
	require.NoError(t, sqlDB.Close())
}

func TestGetSqliteDB_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lg.db")
	db, err := GetSqliteDB(path, nil)
	require.NoError(t, err)

	var mode string
	require.NoError(t, db.Raw("PRAGMA journal_mode;").Scan(&mode).Error)
	assert.Equal(t, "wal", mode)

	var version int
	require.NoError(t, db.Raw("PRAGMA user_version;").Scan(&version).Error)
	assert.Equal(t, 1, version)

	sqlDB, _ := db.DB()
	require.NoError(t, sqlDB.Close())
	assert.FileExists(t, path)
}

func TestOpen_DefaultsToSqlite(t *testing.T) {
	db, err := Open(Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", db.Dialector.Name())
}

func TestOpen_PostgresFallsBackToSqlite(t *testing.T) {
	db, err := Open(Config{
		Driver:   DriverPostgres,
		Host:     "127.0.0.1",
		Port:     "1",
		Database: "lg",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", db.Dialector.Name())
}
