package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir()) // no .env

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, SourcePostgres, cfg.LogSource.Kind)
	assert.Equal(t, "log", cfg.LogSource.PGSubdir)
	assert.Equal(t, 5432, cfg.Postgres.Port)
	assert.Equal(t, 300*time.Millisecond, cfg.Stream.PollInterval)
	assert.Equal(t, int64(1024*1024), cfg.Stream.MaxReadBytes)
	assert.Equal(t, 1000, cfg.Stream.FeedCapacity)
	assert.True(t, cfg.Stream.SuppressHousekeeping)
	assert.Equal(t, 10*time.Minute, cfg.Safety.InactivityTimeout)
	assert.Equal(t, int64(100*1024*1024), cfg.Safety.VolumeLimitBytes)
	assert.InDelta(t, 0.10, cfg.Safety.DiskMinFree, 1e-9)
	assert.Equal(t, "pgstream.db", cfg.Journal.Path)
	assert.True(t, cfg.Journal.AutoRecover)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("LOG_SOURCE", "LOCAL")
	t.Setenv("LOG_DIR", "/var/lib/postgresql/16/main/log")
	t.Setenv("POLL_INTERVAL", "50ms")
	t.Setenv("VOLUME_LIMIT_BYTES", "4096")
	t.Setenv("FEED_SCOPE", "all")
	t.Setenv("AUTO_RECOVER", "false")
	t.Setenv("PG_PORT", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, SourceLocal, cfg.LogSource.Kind)
	assert.Equal(t, "/var/lib/postgresql/16/main/log", cfg.LogSource.Dir)
	assert.Equal(t, 50*time.Millisecond, cfg.Stream.PollInterval)
	assert.Equal(t, int64(4096), cfg.Safety.VolumeLimitBytes)
	assert.Equal(t, "all", cfg.Stream.FeedScope)
	assert.False(t, cfg.Journal.AutoRecover)
	assert.Equal(t, 5432, cfg.Postgres.Port, "unparseable values fall back to the default")
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"LOG_SOURCE", "s3"},
		{"FEED_SCOPE", "everything"},
		{"DISK_MIN_FREE", "1.5"},
		{"POLL_INTERVAL", "-1s"},
		{"SAFETY_INTERVAL", "0s"},
		{"SAFETY_INTERVAL", "-5s"},
		{"PG_PORT", "70000"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			chdir(t, t.TempDir())
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}
