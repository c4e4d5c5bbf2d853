// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes settings for the
// relay core: server timeouts, logging, the SQLite store, Redis, the chat
// platform, lease timing, rate limits, probe caching, and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// CORSConfig defines Cross-Origin Resource Sharing settings for the admin API.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "go-relay-backend")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// LeaseConfig defines per-user lease lock timing.
type LeaseConfig struct {
	TTL            time.Duration // LEASE_TTL; heartbeat renews at TTL/2
	AcquireTimeout time.Duration // LEASE_ACQUIRE_TIMEOUT
}

// LimitConfig defines the durable per-user message rate limit.
type LimitConfig struct {
	MessageLimit  int64         // MESSAGE_LIMIT per window
	MessageWindow time.Duration // MESSAGE_WINDOW
}

// HealthConfig defines probe cache timing.
type HealthConfig struct {
	CacheTTL  time.Duration // HEALTH_CACHE_TTL (process-local)
	MarkerTTL time.Duration // HEALTH_MARKER_TTL (durable confirmed-ok)
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging
	LogLevel  string // debug|info|warn|error|fatal|panic
	LogPretty bool   // pretty console logs in dev

	// Stores
	DBPath   string // SQLite path
	RedisURL string // e.g. redis://localhost:6379/0

	// Chat platform
	BotToken      string // PLATFORM_BOT_TOKEN
	GroupChatID   int64  // GROUP_CHAT_ID hosting all topic threads
	WebhookSecret string // WEBHOOK_SECRET checked on inbound deliveries
	AdminToken    string // ADMIN_TOKEN guarding the operator API (empty disables the check)

	// Coordination
	Lease  LeaseConfig
	Limits LimitConfig
	Health HealthConfig

	// PendingMax bounds the per-user pending set.
	PendingMax int
	// CreateRetries bounds topic-creation attempts.
	CreateRetries int

	// Edge rate limiting (token bucket in front of the webhook/admin API)
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// DeliveryTTL is how long a webhook delivery id is remembered for dedup.
	DeliveryTTL time.Duration

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from the environment (after best-effort loading
// a local .env file), applies defaults, normalizes values, and validates
// the result.
func Load() (Config, error) {
	// A missing .env is the normal production case.
	_ = godotenv.Load()

	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:  strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty: getbool("LOG_PRETTY", false),

		// Stores
		DBPath:   getenv("DB_PATH", "relay.db"),
		RedisURL: getenv("REDIS_URL", "redis://localhost:6379/0"),

		// Chat platform
		BotToken:      getenv("PLATFORM_BOT_TOKEN", ""),
		GroupChatID:   getint64("GROUP_CHAT_ID", 0),
		WebhookSecret: getenv("WEBHOOK_SECRET", ""),
		AdminToken:    getenv("ADMIN_TOKEN", ""),

		// Coordination
		Lease: LeaseConfig{
			TTL:            getdur("LEASE_TTL", 15*time.Second),
			AcquireTimeout: getdur("LEASE_ACQUIRE_TIMEOUT", 5*time.Second),
		},
		Limits: LimitConfig{
			MessageLimit:  int64(getint("MESSAGE_LIMIT", 20)),
			MessageWindow: getdur("MESSAGE_WINDOW", time.Minute),
		},
		Health: HealthConfig{
			CacheTTL:  getdur("HEALTH_CACHE_TTL", 30*time.Second),
			MarkerTTL: getdur("HEALTH_MARKER_TTL", 90*time.Second),
		},

		PendingMax:    getint("PENDING_MAX", 50),
		CreateRetries: getint("CREATE_RETRIES", 3),

		// Edge rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		DeliveryTTL: getdur("DELIVERY_TTL", 24*time.Hour),

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-relay-backend"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if strings.TrimSpace(cfg.RedisURL) == "" {
		return cfg, errors.New("REDIS_URL must not be empty")
	}
	if cfg.Lease.TTL <= 0 {
		return cfg, errors.New("LEASE_TTL must be > 0")
	}
	if cfg.Lease.AcquireTimeout <= 0 {
		return cfg, errors.New("LEASE_ACQUIRE_TIMEOUT must be > 0")
	}
	if cfg.Limits.MessageLimit < 1 {
		return cfg, errors.New("MESSAGE_LIMIT must be >= 1")
	}
	if cfg.Limits.MessageWindow <= 0 {
		return cfg, errors.New("MESSAGE_WINDOW must be > 0")
	}
	if cfg.Health.CacheTTL <= 0 || cfg.Health.MarkerTTL <= 0 {
		return cfg, errors.New("health cache TTLs must be > 0")
	}
	if cfg.PendingMax < 1 {
		return cfg, errors.New("PENDING_MAX must be >= 1")
	}
	if cfg.CreateRetries < 1 {
		return cfg, errors.New("CREATE_RETRIES must be >= 1")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.DeliveryTTL <= 0 {
		return cfg, errors.New("DELIVERY_TTL must be > 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getint64(k string, def int64) int64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}
