package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_DSN(t *testing.T) {
	cfg := Config{
		Host:           "db.internal",
		Port:           5433,
		Database:       "shop",
		User:           "postgres",
		Password:       "it's secret",
		SSLMode:        "require",
		ConnectTimeout: 10 * time.Second,
	}
	assert.Equal(t,
		`host=db.internal port=5433 dbname=shop user=postgres application_name=pgstream password='it\'s secret' sslmode=require connect_timeout=10`,
		cfg.DSN())

	t.Run("optional fields are omitted", func(t *testing.T) {
		dsn := Config{Host: "localhost", Port: 5432, Database: "postgres", User: "postgres"}.DSN()
		assert.NotContains(t, dsn, "password")
		assert.NotContains(t, dsn, "sslmode")
		assert.NotContains(t, dsn, "connect_timeout")
	})

	t.Run("empty values are quoted", func(t *testing.T) {
		assert.Contains(t, Config{Port: 5432}.DSN(), "host=''")
	})
}

func TestClient_LogPath(t *testing.T) {
	c := &Client{cfg: Config{LogSubdir: "log"}}

	got, err := c.logPath("postgresql-2025-01-10_000000.log")
	require.NoError(t, err)
	assert.Equal(t, "log/postgresql-2025-01-10_000000.log", got)

	for _, name := range []string{"", ".", "..", "../postgresql.conf", "log/a.log", `..\a.log`} {
		_, err := c.logPath(name)
		assert.ErrorIs(t, err, ErrInvalidLogName, name)
	}

	c.cfg.LogSubdir = "/var/log/postgresql"
	got, err = c.logPath("a.log")
	require.NoError(t, err)
	assert.Equal(t, "/var/log/postgresql/a.log", got)
}
