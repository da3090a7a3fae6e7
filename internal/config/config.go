// Package config handles YAML configuration loading with environment
// variable expansion and the documented env overrides.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level proxy configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Proxy     ProxyConfig     `yaml:"proxy"`
	Retention RetentionConfig `yaml:"retention"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Accounts  []AccountEntry  `yaml:"accounts"`
	Keys      []KeyEntry      `yaml:"keys"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	Host            string        `yaml:"host"`
	TLSKeyPath      string        `yaml:"tls_key_path"`
	TLSCertPath     string        `yaml:"tls_cert_path"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

// TLSEnabled reports whether both TLS file paths are configured.
func (s ServerConfig) TLSEnabled() bool { return s.TLSKeyPath != "" && s.TLSCertPath != "" }

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// ProxyConfig holds dispatch behavior settings.
type ProxyConfig struct {
	Strategy        string        `yaml:"strategy"`         // only "session" is recognized
	SessionDuration time.Duration `yaml:"session_duration"` // sticky session window
	RetryAttempts   int           `yaml:"retry_attempts"`   // per-account transient retries
	RetryDelay      time.Duration `yaml:"retry_delay"`      // initial backoff
	RetryBackoff    float64       `yaml:"retry_backoff"`    // backoff multiplier
	RequestTimeout  time.Duration `yaml:"request_timeout"`  // per upstream attempt
	RefreshTimeout  time.Duration `yaml:"refresh_timeout"`  // OAuth token refresh
	CapturePayloads bool          `yaml:"capture_payloads"` // opt-in request/response archive
}

// RetentionConfig holds telemetry retention settings.
type RetentionConfig struct {
	PayloadDays int `yaml:"data_retention_days"`    // RequestPayload rows
	RequestDays int `yaml:"request_retention_days"` // RequestRecord rows
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // pretty, json
	Dir    string `yaml:"dir"`    // optional log file directory
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// AccountEntry is an account seed in the config file.
type AccountEntry struct {
	Name           string            `yaml:"name"`
	Provider       string            `yaml:"provider"` // anthropic-oauth, anthropic-console-key, openai-compatible
	RefreshToken   string            `yaml:"refresh_token"`
	APIKey         string            `yaml:"api_key"`
	CustomEndpoint string            `yaml:"custom_endpoint"`
	ModelMappings  map[string]string `yaml:"model_mappings"`
	Tier           int               `yaml:"tier"`
	Priority       int               `yaml:"priority"`
	AutoFallback   bool              `yaml:"auto_fallback"`
	AutoRefresh    bool              `yaml:"auto_refresh"`
}

// KeyEntry is an inbound API key seed in the config file.
type KeyEntry struct {
	Name string `yaml:"name"`
	Key  string `yaml:"key"`  // plaintext, hashed on bootstrap
	Role string `yaml:"role"` // admin, api-only
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding ${VAR} references and
// applying defaults plus the documented environment overrides. A missing file
// yields the defaults.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// No config file; env overrides still apply below.
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		data = expandEnv(data)
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			Host:            "0.0.0.0",
			ReadTimeout:     30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{DSN: "ccflare.db"},
		Proxy: ProxyConfig{
			Strategy:        "session",
			SessionDuration: 5 * time.Hour,
			RetryAttempts:   3,
			RetryDelay:      time.Second,
			RetryBackoff:    2,
			RequestTimeout:  60 * time.Second,
			RefreshTimeout:  15 * time.Second,
		},
		Retention: RetentionConfig{
			PayloadDays: 7,
			RequestDays: 30,
		},
		Log: LogConfig{Level: "info", Format: "pretty"},
	}
}

// applyEnv applies the recognized environment variable overrides.
func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("BETTER_CCFLARE_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("SSL_KEY_PATH"); v != "" {
		cfg.Server.TLSKeyPath = v
	}
	if v := os.Getenv("SSL_CERT_PATH"); v != "" {
		cfg.Server.TLSCertPath = v
	}
	if v := os.Getenv("BETTER_CCFLARE_LOG_DIR"); v != "" {
		cfg.Log.Dir = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}
