package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/storyforge")
	t.Setenv("REDIS_ADDR", "localhost:6379")

	c, err := Load()
	require.NoError(t, err)

	require.Equal(t, "development", c.AppEnv)
	require.Equal(t, "0.0.0.0:8080", c.HTTPAddr)
	require.Equal(t, 15*time.Second, c.ShutdownTimeout)
	require.Equal(t, 5*time.Minute, c.SnapshotCooldown)
	require.Equal(t, 10, c.VersionKeepMin)
	require.Equal(t, 200, c.VersionMaxCount)
	require.Equal(t, 2160*time.Hour, c.VersionMaxAge)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/storyforge")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("SNAPSHOT_COOLDOWN", "90s")
	t.Setenv("VERSION_MAX_COUNT", "50")
	t.Setenv("LOG_LEVEL", "debug")

	c, err := Load()
	require.NoError(t, err)
	require.Equal(t, 90*time.Second, c.SnapshotCooldown)
	require.Equal(t, 50, c.VersionMaxCount)
	require.Equal(t, "debug", c.LogLevel)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/storyforge")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("SNAPSHOT_COOLDOWN", "soon")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_ADDR", "localhost:6379")

	_, err := Load()
	require.Error(t, err)
}
