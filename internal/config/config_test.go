package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "sqlite3", cfg.DBDriver)
	assert.Equal(t, 5*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 15*time.Second, cfg.HeartbeatTimeout)
	assert.Equal(t, 3, cfg.HeartbeatMaxMissed)
	assert.Equal(t, 30.0, cfg.SnapTolerance)
	assert.Empty(t, cfg.NATSURL)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("JIGSAW_PORT", "9090")
	t.Setenv("JIGSAW_DB_DRIVER", "pgx")
	t.Setenv("JIGSAW_HEARTBEAT_TIMEOUT", "1m")
	t.Setenv("JIGSAW_NATS_URL", "nats://localhost:4222")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "pgx", cfg.DBDriver)
	assert.Equal(t, time.Minute, cfg.HeartbeatTimeout)
	assert.Equal(t, "nats://localhost:4222", cfg.NATSURL)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"unknown driver", "JIGSAW_DB_DRIVER", "mysql"},
		{"bad port", "JIGSAW_PORT", "0"},
		{"not a number", "JIGSAW_PORT", "eighty"},
		{"negative tolerance", "JIGSAW_SNAP_TOLERANCE", "-1"},
		{"zero misses", "JIGSAW_HEARTBEAT_MAX_MISSED", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
