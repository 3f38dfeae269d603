package database

import (
	"testing"

	"github.com/mantonx/beatdrop/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectSQLite(t *testing.T) {
	db, err := Connect(config.DatabaseConfig{Type: "sqlite", DatabasePath: ":memory:"})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(&UploadSessionRecord{}))
	assert.True(t, db.Migrator().HasTable("upload_sessions"))
}

func TestConnectUnsupported(t *testing.T) {
	_, err := Connect(config.DatabaseConfig{Type: "mysql"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database type")
}

func TestPostgresURL(t *testing.T) {
	url := PostgresURL(config.DatabaseConfig{
		Host:     "db",
		Port:     5432,
		Username: "beatdrop",
		Password: "secret",
		Database: "media",
	})
	assert.Equal(t, "postgres://beatdrop:secret@db/media", url)

	url = PostgresURL(config.DatabaseConfig{Host: "db", Port: 6543, Database: "media"})
	assert.Equal(t, "postgres://db:6543/media", url)
}
