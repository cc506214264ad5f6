package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

type Config struct {
	Port           string
	StorageBackend string
	DatabaseURL    string
	RedisURL       string
	Location       *time.Location
	TimezoneName   string

	SessionSecret string
	// SessionSecretGenerated is set when SESSION_SECRET was empty and a
	// per-process secret was minted; tokens will not survive a restart.
	SessionSecretGenerated bool
	SessionTTL             time.Duration
	BotToken               string
	CORSOrigins            []string

	RateLimitPerSec float64
	RateLimitBurst  int
	CASMaxAttempts  int
	PendingSweep    time.Duration
	SessionIdle     time.Duration

	LogLevel  string
	LogFormat string

	RunArchiver         bool
	StreamKey           string
	StreamGroup         string
	StreamConsumer      string
	StreamMaxLen        int64
	InteractionTTLHours int64
}

func normalizeDatabaseURL(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return s
	}

	// Neon sometimes shows `psql 'postgresql://...'` examples. Accept them too.
	if i := strings.Index(s, "postgresql://"); i >= 0 {
		s = s[i:]
	} else if i := strings.Index(s, "postgres://"); i >= 0 {
		s = s[i:]
	}

	s = strings.TrimSpace(s)
	s = strings.Trim(s, `"'`)
	if i := strings.IndexAny(s, " \t\r\n"); i >= 0 {
		s = strings.Trim(s[:i], `"'`)
	}

	u, err := url.Parse(s)
	if err != nil {
		return s
	}
	q := u.Query()
	// pgx does not need channel_binding and may treat it as a runtime param.
	q.Del("channel_binding")
	u.RawQuery = q.Encode()
	return u.String()
}

func normalizeRedisURL(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return s
	}

	// Some consoles show `redis-cli -u redis://...` examples. Accept them too.
	if i := strings.Index(s, "rediss://"); i >= 0 {
		s = s[i:]
	} else if i := strings.Index(s, "redis://"); i >= 0 {
		s = s[i:]
	}

	s = strings.TrimSpace(s)
	s = strings.Trim(s, `"'`)
	if i := strings.IndexAny(s, " \t\r\n"); i >= 0 {
		s = strings.Trim(s[:i], `"'`)
	}
	return s
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt64(key string, def int64) int64 {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envFloat64(key string, def float64) float64 {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	n, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if val == "" {
		return def
	}
	switch val {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

// Load reads the process environment.
func Load() (Config, error) {
	cfg := Config{
		Port:        envString("PORT", "8080"),
		DatabaseURL: normalizeDatabaseURL(os.Getenv("DATABASE_URL")),
		RedisURL:    normalizeRedisURL(os.Getenv("REDIS_URL")),

		SessionSecret: strings.TrimSpace(os.Getenv("SESSION_SECRET")),
		SessionTTL:    time.Duration(envInt64("SESSION_TTL_HOURS", 720)) * time.Hour,
		BotToken:      strings.TrimSpace(os.Getenv("BOT_TOKEN")),
		CORSOrigins:   parseCSV(os.Getenv("CORS_ALLOWED_ORIGINS")),

		RateLimitPerSec: envFloat64("RATE_LIMIT_PER_SEC", 5),
		RateLimitBurst:  int(envInt64("RATE_LIMIT_BURST", 10)),
		CASMaxAttempts:  int(envInt64("PET_CAS_MAX_ATTEMPTS", 5)),
		PendingSweep:    time.Duration(envInt64("PENDING_SWEEP_SEC", 30)) * time.Second,
		SessionIdle:     time.Duration(envInt64("SESSION_IDLE_MIN", 30)) * time.Minute,

		LogLevel:  strings.ToLower(envString("LOG_LEVEL", "info")),
		LogFormat: strings.ToLower(envString("LOG_FORMAT", "text")),

		RunArchiver:         envBool("RUN_ARCHIVER", true),
		StreamKey:           envString("REDIS_STREAM_KEY", "pet:stream:coins"),
		StreamGroup:         envString("REDIS_STREAM_GROUP", "pet"),
		StreamConsumer:      strings.TrimSpace(os.Getenv("REDIS_STREAM_CONSUMER")),
		StreamMaxLen:        envInt64("REDIS_STREAM_MAXLEN", 500_000),
		InteractionTTLHours: envInt64("REDIS_INTERACTION_TTL_HOURS", 72),
	}

	cfg.StorageBackend = strings.ToLower(strings.TrimSpace(os.Getenv("STORAGE_BACKEND")))
	if cfg.StorageBackend == "" {
		switch {
		case cfg.RedisURL != "":
			cfg.StorageBackend = BackendRedis
		case cfg.DatabaseURL != "":
			cfg.StorageBackend = BackendPostgres
		default:
			cfg.StorageBackend = BackendMemory
		}
	}

	cfg.TimezoneName = envString("TIMEZONE", "Local")
	loc, err := time.LoadLocation(cfg.TimezoneName)
	if err != nil {
		return Config{}, fmt.Errorf("TIMEZONE %q: %w", cfg.TimezoneName, err)
	}
	cfg.Location = loc

	if cfg.SessionSecret == "" {
		cfg.SessionSecret = randomHex(32)
		cfg.SessionSecretGenerated = true
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.StorageBackend {
	case BackendMemory:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("STORAGE_BACKEND=postgres requires DATABASE_URL")
		}
	case BackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("STORAGE_BACKEND=redis requires REDIS_URL")
		}
	default:
		return fmt.Errorf("STORAGE_BACKEND must be memory, postgres or redis, got %q", c.StorageBackend)
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL_HOURS must be > 0")
	}
	if c.RateLimitPerSec <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_SEC and RATE_LIMIT_BURST must be > 0")
	}
	if c.CASMaxAttempts < 1 {
		return fmt.Errorf("PET_CAS_MAX_ATTEMPTS must be >= 1")
	}
	if c.PendingSweep < time.Second {
		return fmt.Errorf("PENDING_SWEEP_SEC must be >= 1")
	}
	if c.SessionIdle < time.Minute {
		return fmt.Errorf("SESSION_IDLE_MIN must be >= 1")
	}
	if c.InteractionTTLHours < 24 {
		// A shorter TTL would drop today's list before the day ends.
		return fmt.Errorf("REDIS_INTERACTION_TTL_HOURS must be >= 24")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}
	return nil
}

// Archive reports whether the coin stream should be drained into Postgres.
func (c Config) Archive() bool {
	return c.StorageBackend == BackendRedis && c.RunArchiver && c.DatabaseURL != ""
}

func parseCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	seen := map[string]struct{}{}
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
