package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5055, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0:5055", cfg.Server.Addr())
	assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "sqlite", cfg.Database.Type)
	assert.Equal(t, "/stacks", cfg.Stacks.Dir)
	assert.Equal(t, 1, cfg.Stacks.DefaultCloneDepth)
	assert.Equal(t, time.Minute, cfg.Scheduler.TickInterval)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.RunCheckTimeout)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("STACKS_DIR", "/srv/stacks")
	t.Setenv("DEFAULT_CLONE_DEPTH", "5")
	t.Setenv("SHIPPED_RUN_CHECK_TIMEOUT", "90s")
	t.Setenv("DEFAULT_NOTIFICATION_URL", "https://ntfy.sh/shipped")
	t.Setenv("DEFAULT_NOTIFICATION_PROVIDER", "ntfy")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "/srv/stacks", cfg.Stacks.Dir)
	assert.Equal(t, 5, cfg.Stacks.DefaultCloneDepth)
	assert.Equal(t, 90*time.Second, cfg.Scheduler.RunCheckTimeout)
	assert.Equal(t, "ntfy", cfg.Notifications.DefaultProvider)
	assert.Equal(t, slog.LevelDebug, cfg.Log.SlogLevel())
	assert.NoError(t, cfg.Validate())
}

func TestLoad_InvalidDuration(t *testing.T) {
	t.Setenv("SHIPPED_TICK_INTERVAL", "soon")

	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load()
		require.NoError(t, err)
		return cfg
	}

	cfg := base()
	cfg.Database.Type = "postgres"
	assert.ErrorContains(t, cfg.Validate(), "DB_CONNECTION_STRING")

	cfg = base()
	cfg.Database.Type = "mysql"
	assert.ErrorContains(t, cfg.Validate(), "unsupported DB_TYPE")

	cfg = base()
	cfg.Stacks.DefaultCloneDepth = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Notifications.DefaultURL = "https://example.com/hook"
	assert.ErrorContains(t, cfg.Validate(), "set together")
}

func TestSlogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"info":    slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		cfg := LogConfig{Level: in}
		assert.Equal(t, want, cfg.SlogLevel(), in)
	}
}
