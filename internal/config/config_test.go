package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allKeys = []string{
	"PORT", "STORAGE_BACKEND", "DATABASE_URL", "REDIS_URL", "TIMEZONE",
	"SESSION_SECRET", "SESSION_TTL_HOURS", "BOT_TOKEN", "CORS_ALLOWED_ORIGINS",
	"RATE_LIMIT_PER_SEC", "RATE_LIMIT_BURST", "PET_CAS_MAX_ATTEMPTS", "PENDING_SWEEP_SEC",
	"SESSION_IDLE_MIN", "LOG_LEVEL", "LOG_FORMAT", "RUN_ARCHIVER", "REDIS_STREAM_KEY", "REDIS_STREAM_GROUP",
	"REDIS_STREAM_CONSUMER", "REDIS_STREAM_MAXLEN", "REDIS_INTERACTION_TTL_HOURS",
}

func clearEnv(t *testing.T) {
	for _, k := range allKeys {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, BackendMemory, cfg.StorageBackend)
	assert.Equal(t, time.Local, cfg.Location)
	assert.True(t, cfg.SessionSecretGenerated)
	assert.Len(t, cfg.SessionSecret, 64)
	assert.Equal(t, 720*time.Hour, cfg.SessionTTL)
	assert.Equal(t, 5.0, cfg.RateLimitPerSec)
	assert.Equal(t, 10, cfg.RateLimitBurst)
	assert.Equal(t, 5, cfg.CASMaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.PendingSweep)
	assert.Equal(t, 30*time.Minute, cfg.SessionIdle)
	assert.Equal(t, "pet:stream:coins", cfg.StreamKey)
	assert.False(t, cfg.Archive())
}

func TestLoad_BackendFromURLs(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "psql 'postgresql://u:p@db.example.com/pets?sslmode=require&channel_binding=require'")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, BackendPostgres, cfg.StorageBackend)
	assert.Equal(t, "postgresql://u:p@db.example.com/pets?sslmode=require", cfg.DatabaseURL)

	t.Setenv("REDIS_URL", "redis-cli -u redis://default:pw@cache:6379")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, BackendRedis, cfg.StorageBackend)
	assert.Equal(t, "redis://default:pw@cache:6379", cfg.RedisURL)
	assert.True(t, cfg.Archive())
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]map[string]string{
		"postgres without url": {"STORAGE_BACKEND": "postgres"},
		"redis without url":    {"STORAGE_BACKEND": "redis"},
		"unknown backend":      {"STORAGE_BACKEND": "sqlite"},
		"bad timezone":         {"TIMEZONE": "Mars/Olympus"},
		"bad log format":       {"LOG_FORMAT": "xml"},
		"short ttl":            {"REDIS_INTERACTION_TTL_HOURS": "12"},
		"zero cas attempts":    {"PET_CAS_MAX_ATTEMPTS": "0"},
		"zero sweep period":    {"PENDING_SWEEP_SEC": "0"},
		"zero idle period":     {"SESSION_IDLE_MIN": "0"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoad_Timezone(t *testing.T) {
	clearEnv(t)
	t.Setenv("TIMEZONE", "Asia/Shanghai")
	t.Setenv("SESSION_SECRET", "fixed")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "Asia/Shanghai", cfg.Location.String())
	assert.False(t, cfg.SessionSecretGenerated)
}

func TestParseCSV(t *testing.T) {
	assert.Nil(t, parseCSV("  "))
	assert.Equal(t, []string{"a", "b"}, parseCSV(" a, b ,a,, "))
}
