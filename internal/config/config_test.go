package config

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

// --- MustLoad ---

func TestMustLoad_PanicsOnInvalidConfig(t *testing.T) {
	t.Setenv("LOG_LEVEL", "verbose") // invalid -> Load() error
	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("MustLoad should panic on invalid config")
		}
	}()
	_ = MustLoad()
}

// --- Load success + normalization + parsing ---

func TestLoad_Success_DefaultsAndOverrides(t *testing.T) {
	// Server timeouts / sizes (valid)
	t.Setenv("PORT", "8088")
	t.Setenv("READ_TIMEOUT", "2s")
	t.Setenv("READ_HEADER_TIMEOUT", "1s")
	t.Setenv("WRITE_TIMEOUT", "3s")
	t.Setenv("IDLE_TIMEOUT", "4s")
	t.Setenv("MAX_HEADER_BYTES", "8192")
	t.Setenv("GIN_MODE", "weird") // will normalize to "release"

	// Logging
	t.Setenv("LOG_LEVEL", "warning") // will normalize to "warn"
	t.Setenv("LOG_PRETTY", "yes")

	// Stores
	t.Setenv("DB_PATH", "db.sqlite")
	t.Setenv("REDIS_URL", "redis://cache:6379/1")

	// Chat platform
	t.Setenv("PLATFORM_BOT_TOKEN", "123:abc")
	t.Setenv("GROUP_CHAT_ID", "-1001234567890")
	t.Setenv("WEBHOOK_SECRET", "hook")
	t.Setenv("ADMIN_TOKEN", "ops")

	// Coordination
	t.Setenv("LEASE_TTL", "20s")
	t.Setenv("LEASE_ACQUIRE_TIMEOUT", "3s")
	t.Setenv("MESSAGE_LIMIT", "30")
	t.Setenv("MESSAGE_WINDOW", "90s")
	t.Setenv("HEALTH_CACHE_TTL", "45s")
	t.Setenv("HEALTH_MARKER_TTL", "2m")
	t.Setenv("PENDING_MAX", "25")
	t.Setenv("CREATE_RETRIES", "4")

	// Rate limiting (use invalids for parse to fall back to defaults)
	t.Setenv("RATE_RPS", "x")      // -> default 5.0
	t.Setenv("RATE_BURST", "nope") // -> default 10

	// Web protection
	t.Setenv("CORS_ALLOWED_ORIGINS", " https://a.com , , http://b ")
	t.Setenv("ENABLE_HSTS", "TRUE")
	t.Setenv("HSTS_MAX_AGE", "24h")

	// Delivery dedup
	t.Setenv("DELIVERY_TTL", "48h")

	// OTEL
	t.Setenv("OTEL_ENABLED", "1")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "otel:4317")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "0")
	t.Setenv("OTEL_SERVICE_NAME", "svc")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.75")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	// Server
	if cfg.Port != "8088" ||
		cfg.ReadTimeout != 2*time.Second ||
		cfg.ReadHeaderTimeout != 1*time.Second ||
		cfg.WriteTimeout != 3*time.Second ||
		cfg.IdleTimeout != 4*time.Second ||
		cfg.MaxHeaderBytes != 8192 ||
		cfg.GinMode != "release" {
		t.Fatalf("server fields unexpected: %+v", cfg)
	}

	// Logging
	if cfg.LogLevel != "warn" || !cfg.LogPretty {
		t.Fatalf("logging unexpected: %+v", cfg)
	}

	// Stores
	if cfg.DBPath != "db.sqlite" || cfg.RedisURL != "redis://cache:6379/1" {
		t.Fatalf("store fields unexpected: %+v", cfg)
	}

	// Chat platform
	if cfg.BotToken != "123:abc" || cfg.GroupChatID != -1001234567890 ||
		cfg.WebhookSecret != "hook" || cfg.AdminToken != "ops" {
		t.Fatalf("platform fields unexpected: %+v", cfg)
	}

	// Coordination
	if cfg.Lease.TTL != 20*time.Second || cfg.Lease.AcquireTimeout != 3*time.Second {
		t.Fatalf("lease config unexpected: %+v", cfg.Lease)
	}
	if cfg.Limits.MessageLimit != 30 || cfg.Limits.MessageWindow != 90*time.Second {
		t.Fatalf("limit config unexpected: %+v", cfg.Limits)
	}
	if cfg.Health.CacheTTL != 45*time.Second || cfg.Health.MarkerTTL != 2*time.Minute {
		t.Fatalf("health config unexpected: %+v", cfg.Health)
	}
	if cfg.PendingMax != 25 || cfg.CreateRetries != 4 {
		t.Fatalf("relay bounds unexpected: %+v", cfg)
	}

	// Rate limiting (parse fallback to defaults)
	if cfg.RateRPS != 5.0 || cfg.RateBurst != 10 {
		t.Fatalf("rate limiting unexpected: %+v", cfg)
	}

	// Web protection
	if !reflect.DeepEqual(cfg.CORS.AllowedOrigins, []string{"https://a.com", "http://b"}) {
		t.Fatalf("cors origins unexpected: %#v", cfg.CORS.AllowedOrigins)
	}
	if !cfg.Security.EnableHSTS || cfg.Security.HSTSMaxAge != 24*time.Hour {
		t.Fatalf("security unexpected: %+v", cfg.Security)
	}

	// Delivery dedup
	if cfg.DeliveryTTL != 48*time.Hour {
		t.Fatalf("delivery ttl unexpected: %v", cfg.DeliveryTTL)
	}

	// OTEL
	if !cfg.OTEL.Enabled || cfg.OTEL.Endpoint != "otel:4317" || cfg.OTEL.Insecure || cfg.OTEL.ServiceName != "svc" || cfg.OTEL.SampleRatio != 0.75 {
		t.Fatalf("otel unexpected: %+v", cfg.OTEL)
	}
}

// --- Load validations (each case triggers exactly one validation error) ---

func TestLoad_ValidationErrors(t *testing.T) {
	t.Run("invalid LOG_LEVEL", func(t *testing.T) {
		t.Setenv("LOG_LEVEL", "verbose")
		if _, err := Load(); err == nil {
			t.Fatalf("expected LOG_LEVEL validation error")
		}
	})
	t.Run("empty PORT via spaces", func(t *testing.T) {
		t.Setenv("PORT", "   ")
		if _, err := Load(); err == nil || !containsErr(err, "PORT must not be empty") {
			t.Fatalf("expected port validation error, got: %v", err)
		}
	})
	t.Run("non-positive timeouts", func(t *testing.T) {
		t.Setenv("READ_TIMEOUT", "0s")
		if _, err := Load(); err == nil || !containsErr(err, "timeouts must be positive") {
			t.Fatalf("expected timeouts validation error, got: %v", err)
		}
	})
	t.Run("max header bytes <= 0", func(t *testing.T) {
		t.Setenv("MAX_HEADER_BYTES", "0")
		if _, err := Load(); err == nil || !containsErr(err, "MAX_HEADER_BYTES") {
			t.Fatalf("expected MAX_HEADER_BYTES validation error, got: %v", err)
		}
	})
	t.Run("empty DB_PATH", func(t *testing.T) {
		t.Setenv("DB_PATH", "   ")
		if _, err := Load(); err == nil || !containsErr(err, "DB_PATH must not be empty") {
			t.Fatalf("expected DB_PATH validation error, got: %v", err)
		}
	})
	t.Run("empty REDIS_URL", func(t *testing.T) {
		t.Setenv("REDIS_URL", "   ")
		if _, err := Load(); err == nil || !containsErr(err, "REDIS_URL must not be empty") {
			t.Fatalf("expected REDIS_URL validation error, got: %v", err)
		}
	})
	t.Run("lease ttl non-positive", func(t *testing.T) {
		t.Setenv("LEASE_TTL", "0s")
		if _, err := Load(); err == nil || !containsErr(err, "LEASE_TTL") {
			t.Fatalf("expected LEASE_TTL validation error, got: %v", err)
		}
	})
	t.Run("lease acquire timeout non-positive", func(t *testing.T) {
		t.Setenv("LEASE_ACQUIRE_TIMEOUT", "0s")
		if _, err := Load(); err == nil || !containsErr(err, "LEASE_ACQUIRE_TIMEOUT") {
			t.Fatalf("expected LEASE_ACQUIRE_TIMEOUT validation error, got: %v", err)
		}
	})
	t.Run("message limit < 1", func(t *testing.T) {
		t.Setenv("MESSAGE_LIMIT", "0")
		if _, err := Load(); err == nil || !containsErr(err, "MESSAGE_LIMIT") {
			t.Fatalf("expected MESSAGE_LIMIT validation error, got: %v", err)
		}
	})
	t.Run("message window non-positive", func(t *testing.T) {
		t.Setenv("MESSAGE_WINDOW", "0s")
		if _, err := Load(); err == nil || !containsErr(err, "MESSAGE_WINDOW") {
			t.Fatalf("expected MESSAGE_WINDOW validation error, got: %v", err)
		}
	})
	t.Run("health ttls non-positive", func(t *testing.T) {
		t.Setenv("HEALTH_CACHE_TTL", "0s")
		if _, err := Load(); err == nil || !containsErr(err, "health cache TTLs") {
			t.Fatalf("expected health TTL validation error, got: %v", err)
		}
	})
	t.Run("pending max < 1", func(t *testing.T) {
		t.Setenv("PENDING_MAX", "0")
		if _, err := Load(); err == nil || !containsErr(err, "PENDING_MAX") {
			t.Fatalf("expected PENDING_MAX validation error, got: %v", err)
		}
	})
	t.Run("create retries < 1", func(t *testing.T) {
		t.Setenv("CREATE_RETRIES", "0")
		if _, err := Load(); err == nil || !containsErr(err, "CREATE_RETRIES") {
			t.Fatalf("expected CREATE_RETRIES validation error, got: %v", err)
		}
	})
	t.Run("rate rps negative", func(t *testing.T) {
		t.Setenv("RATE_RPS", "-1")
		if _, err := Load(); err == nil || !containsErr(err, "RATE_RPS") {
			t.Fatalf("expected RATE_RPS validation error, got: %v", err)
		}
	})
	t.Run("rate burst < 1", func(t *testing.T) {
		t.Setenv("RATE_BURST", "0")
		if _, err := Load(); err == nil || !containsErr(err, "RATE_BURST") {
			t.Fatalf("expected RATE_BURST validation error, got: %v", err)
		}
	})
	t.Run("hsts max age negative", func(t *testing.T) {
		t.Setenv("HSTS_MAX_AGE", "-1s")
		if _, err := Load(); err == nil || !containsErr(err, "HSTS_MAX_AGE") {
			t.Fatalf("expected HSTS_MAX_AGE validation error, got: %v", err)
		}
	})
	t.Run("delivery ttl non-positive", func(t *testing.T) {
		t.Setenv("DELIVERY_TTL", "0s")
		if _, err := Load(); err == nil || !containsErr(err, "DELIVERY_TTL") {
			t.Fatalf("expected DELIVERY_TTL validation error, got: %v", err)
		}
	})
	t.Run("otel sample ratio out of range", func(t *testing.T) {
		t.Setenv("OTEL_TRACES_SAMPLER_ARG", "1.5")
		if _, err := Load(); err == nil || !containsErr(err, "OTEL_TRACES_SAMPLER_ARG") {
			t.Fatalf("expected OTEL_TRACES_SAMPLER_ARG validation error, got: %v", err)
		}
	})
}

// --- helpers ---

func TestHelpers_getenv(t *testing.T) {
	t.Setenv("X_EMPTY", "")
	if getenv("X_EMPTY", "d") != "d" {
		t.Fatalf("getenv should fall back to default on empty var")
	}
	t.Setenv("X_SET", "val")
	if getenv("X_SET", "d") != "val" {
		t.Fatalf("getenv should read set value")
	}
}

func TestHelpers_getfloat_getint_getdur(t *testing.T) {
	t.Setenv("F_VALID", "3.14")
	if getfloat("F_VALID", 0) != 3.14 {
		t.Fatalf("getfloat parse failed")
	}
	t.Setenv("F_BAD", "nope")
	if getfloat("F_BAD", 1.23) != 1.23 {
		t.Fatalf("getfloat default on bad parse failed")
	}

	t.Setenv("I_VALID", "42")
	if getint("I_VALID", 0) != 42 {
		t.Fatalf("getint parse failed")
	}
	t.Setenv("I_BAD", "x")
	if getint("I_BAD", 7) != 7 {
		t.Fatalf("getint default on bad parse failed")
	}

	t.Setenv("I64_VALID", "-1001234567890")
	if getint64("I64_VALID", 0) != -1001234567890 {
		t.Fatalf("getint64 parse failed")
	}
	t.Setenv("I64_BAD", "x")
	if getint64("I64_BAD", -1) != -1 {
		t.Fatalf("getint64 default on bad parse failed")
	}

	t.Setenv("D_VALID", "90s")
	if getdur("D_VALID", 0) != 90*time.Second {
		t.Fatalf("getdur parse failed")
	}
	t.Setenv("D_BAD", "soon")
	if getdur("D_BAD", time.Minute) != time.Minute {
		t.Fatalf("getdur default on bad parse failed")
	}
}

func TestHelpers_getbool(t *testing.T) {
	truthy := []string{"1", "true", "YES", "y", "On"}
	for _, v := range truthy {
		t.Setenv("B", v)
		if !getbool("B", false) {
			t.Fatalf("getbool(%q) should be true", v)
		}
	}
	falsy := []string{"0", "false", "NO", "n", "Off"}
	for _, v := range falsy {
		t.Setenv("B", v)
		if getbool("B", true) {
			t.Fatalf("getbool(%q) should be false", v)
		}
	}
	t.Setenv("B", "maybe")
	if !getbool("B", true) {
		t.Fatalf("getbool should keep default on unparsable value")
	}
}

func TestHelpers_splitCSV(t *testing.T) {
	if got := splitCSV(""); got != nil {
		t.Fatalf("splitCSV empty should be nil, got %#v", got)
	}
	want := []string{"a", "b"}
	if got := splitCSV(" a , , b "); !reflect.DeepEqual(got, want) {
		t.Fatalf("splitCSV = %#v, want %#v", got, want)
	}
}

func containsErr(err error, substr string) bool {
	return err != nil && strings.Contains(err.Error(), substr)
}
