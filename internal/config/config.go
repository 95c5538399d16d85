// Package config loads and validates Tracel's runtime configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the Tracel sentry service.
type Config struct {
	Listen string `yaml:"listen"`

	PrimaryDBURL string `yaml:"primary_db_url"` // optional; empty disables PrimaryStore

	AI        AIConfig        `yaml:"ai"`
	Identity  IdentityConfig  `yaml:"identity"`
	Storage   StorageConfig   `yaml:"storage"`
	Baseline  BaselineConfig  `yaml:"baseline"`
	Owner     OwnerConfig     `yaml:"owner"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	CORS      CORSConfig      `yaml:"cors"`
	TLS       TLSConfig       `yaml:"tls"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Redis     RedisConfig     `yaml:"redis"`

	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// AIConfig configures the external anomaly-scoring endpoint client.
type AIConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// IdentityConfig configures bearer-token verification and the admin rule.
type IdentityConfig struct {
	JWKSURL        string        `yaml:"jwks_url"`
	JWKSRefresh    time.Duration `yaml:"jwks_refresh"`
	AdminEmail     string        `yaml:"admin_email"`
	AnonCookieName string        `yaml:"anon_cookie_name"`
}

// StorageConfig configures the three storage tiers.
type StorageConfig struct {
	ThreatLogPath        string        `yaml:"threat_log_path"`
	ThreatRetentionHours int           `yaml:"threat_retention_hours"`
	MemRingCapacity      int           `yaml:"mem_ring_capacity"`
	FlushInterval        time.Duration `yaml:"flush_interval"`
}

// BaselineConfig configures the per-owner adaptive decision rule.
type BaselineConfig struct {
	Window            int     `yaml:"window"`
	WarmupMin         int     `yaml:"warmup_min"`
	K                 float64 `yaml:"k"`
	FallbackThreshold float64 `yaml:"fallback_threshold"`
}

// OwnerConfig configures per-owner lifecycle timing.
type OwnerConfig struct {
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// BroadcastConfig configures subscriber fan-out backpressure.
type BroadcastConfig struct {
	BackpressureLimit int `yaml:"backpressure_limit"`
}

// CORSConfig configures the allowed browser origins.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// TLSConfig holds TLS/HTTPS configuration, carried from the ambient ops stack.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	AutoCert bool   `yaml:"auto_cert"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// TelemetryConfig holds OpenTelemetry configuration.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // "otlp", "stdout", or "none"
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

// RedisConfig configures the optional distributed owner registry.
type RedisConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// Load reads an optional YAML config file, layers environment variables on
// top, then validates the result.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- config path from trusted CLI flag
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Listen: ":8080",
		AI: AIConfig{
			Timeout: 2 * time.Second,
		},
		Identity: IdentityConfig{
			JWKSRefresh:    10 * time.Minute,
			AnonCookieName: "tracel_anon_id",
		},
		Storage: StorageConfig{
			ThreatLogPath:        "data/threat.log",
			ThreatRetentionHours: 24,
			MemRingCapacity:      500,
			FlushInterval:        250 * time.Millisecond,
		},
		Baseline: BaselineConfig{
			Window:            200,
			WarmupMin:         30,
			K:                 3.0,
			FallbackThreshold: 0.0,
		},
		Owner: OwnerConfig{
			IdleTimeout: 30 * time.Second,
		},
		Broadcast: BroadcastConfig{
			BackpressureLimit: 64,
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{},
		},
		Logging: LoggingConfig{
			Format: "json",
			Level:  "info",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Exporter:    "none",
			ServiceName: "tracel",
			Endpoint:    "localhost:4317",
			Insecure:    true,
		},
		Redis: RedisConfig{
			KeyPrefix: "tracel:owner:",
		},
		ShutdownGrace: 5 * time.Second,
	}
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("PORT"); v != "" {
		c.Listen = ":" + v
	}
	if v := os.Getenv("PRIMARY_DB_URL"); v != "" {
		c.PrimaryDBURL = v
	}
	if v := os.Getenv("AI_URL"); v != "" {
		c.AI.URL = v
	}
	if v := os.Getenv("AI_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			c.AI.Timeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("IDENTITY_JWKS_URL"); v != "" {
		c.Identity.JWKSURL = v
	}
	if v := os.Getenv("IDENTITY_JWKS_REFRESH_INTERVAL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			c.Identity.JWKSRefresh = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("ADMIN_EMAIL"); v != "" {
		c.Identity.AdminEmail = v
	}
	if v := os.Getenv("ANON_COOKIE_NAME"); v != "" {
		c.Identity.AnonCookieName = v
	}
	if v := os.Getenv("THREAT_LOG_PATH"); v != "" {
		c.Storage.ThreatLogPath = v
	}
	if v := os.Getenv("THREAT_RETENTION_HOURS"); v != "" {
		if h, err := strconv.Atoi(v); err == nil && h >= 0 {
			c.Storage.ThreatRetentionHours = h
		}
	}
	if v := os.Getenv("MEM_RING_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Storage.MemRingCapacity = n
		}
	}
	if v := os.Getenv("BASELINE_WINDOW"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Baseline.Window = n
		}
	}
	if v := os.Getenv("BASELINE_WARMUP_MIN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Baseline.WarmupMin = n
		}
	}
	if v := os.Getenv("BASELINE_K"); v != "" {
		if k, err := strconv.ParseFloat(v, 64); err == nil {
			c.Baseline.K = k
		}
	}
	if v := os.Getenv("OWNER_IDLE_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			c.Owner.IdleTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("SUB_BACKPRESSURE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Broadcast.BackpressureLimit = n
		}
	}
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		c.CORS.AllowedOrigins = strings.Split(v, ",")
	}
	if v := os.Getenv("SHUTDOWN_GRACE_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			c.ShutdownGrace = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}

	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Enabled = true
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}

	if os.Getenv("TELEMETRY_ENABLED") == "true" {
		c.Telemetry.Enabled = true
	}
	if v := os.Getenv("TELEMETRY_EXPORTER"); v != "" {
		c.Telemetry.Exporter = v
	}
	if v := os.Getenv("TELEMETRY_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Enabled = true
		c.Telemetry.Exporter = "otlp"
		c.Telemetry.Endpoint = v
	}

	if os.Getenv("TLS_ENABLED") == "true" {
		c.TLS.Enabled = true
	}
	if v := os.Getenv("TLS_CERT_FILE"); v != "" {
		c.TLS.CertFile = v
	}
	if v := os.Getenv("TLS_KEY_FILE"); v != "" {
		c.TLS.KeyFile = v
	}
	if os.Getenv("TLS_AUTO_CERT") == "true" {
		c.TLS.AutoCert = true
	}
}

func (c *Config) validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.AI.Timeout <= 0 {
		return fmt.Errorf("ai timeout must be positive")
	}
	if c.Baseline.Window <= 0 {
		return fmt.Errorf("baseline window must be positive")
	}
	if c.Baseline.WarmupMin <= 0 || c.Baseline.WarmupMin > c.Baseline.Window {
		return fmt.Errorf("baseline warmup_min must be positive and <= window")
	}
	if c.Storage.MemRingCapacity <= 0 {
		return fmt.Errorf("mem_ring_capacity must be positive")
	}
	if c.Owner.IdleTimeout <= 0 {
		return fmt.Errorf("owner idle_timeout must be positive")
	}
	if c.Broadcast.BackpressureLimit <= 0 {
		return fmt.Errorf("backpressure_limit must be positive")
	}
	return nil
}
