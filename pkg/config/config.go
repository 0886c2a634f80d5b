// Package config loads wheel settings from a YAML file and WHEEL_*
// environment variables. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Audit sink kinds.
const (
	SinkMemory   = "memory"
	SinkJSONL    = "jsonl"
	SinkSQLite   = "sqlite"
	SinkPostgres = "postgres"
	SinkRedis    = "redis"
)

// Config holds runtime configuration.
type Config struct {
	LogLevel   string `yaml:"log_level"`
	PolicyFile string `yaml:"policy_file"`
	OPAURL     string `yaml:"opa_url"`

	// AuditSink is a comma-separated list of sink kinds; more than one
	// fans out.
	AuditSink   string  `yaml:"audit_sink"`
	AuditPath   string  `yaml:"audit_path"`
	DatabaseURL string  `yaml:"database_url"`
	RedisAddr   string  `yaml:"redis_addr"`
	AuditRate   float64 `yaml:"audit_rate"`
	AuditBurst  int     `yaml:"audit_burst"`

	SigningSeed  string `yaml:"signing_seed"`
	SigningKeyID string `yaml:"signing_key_id"`

	OTLPEndpoint    string        `yaml:"otlp_endpoint"`
	DefaultDeadline time.Duration `yaml:"default_deadline"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		LogLevel:        "INFO",
		AuditSink:       SinkJSONL,
		AuditPath:       "wheel-audit.jsonl",
		RedisAddr:       "localhost:6379",
		AuditBurst:      1,
		SigningKeyID:    "wheel",
		DefaultDeadline: 30 * time.Second,
	}
}

// Load reads the file named by WHEEL_CONFIG, if set, then applies
// environment overrides.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("WHEEL_CONFIG"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	str := map[string]*string{
		"WHEEL_LOG_LEVEL":      &c.LogLevel,
		"WHEEL_POLICY_FILE":    &c.PolicyFile,
		"WHEEL_OPA_URL":        &c.OPAURL,
		"WHEEL_AUDIT_SINK":     &c.AuditSink,
		"WHEEL_AUDIT_PATH":     &c.AuditPath,
		"WHEEL_DATABASE_URL":   &c.DatabaseURL,
		"WHEEL_REDIS_ADDR":     &c.RedisAddr,
		"WHEEL_SIGNING_SEED":   &c.SigningSeed,
		"WHEEL_SIGNING_KEY_ID": &c.SigningKeyID,
		"WHEEL_OTLP_ENDPOINT":  &c.OTLPEndpoint,
	}
	for key, dst := range str {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv("WHEEL_AUDIT_RATE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("config: WHEEL_AUDIT_RATE: %w", err)
		}
		c.AuditRate = f
	}
	if v := os.Getenv("WHEEL_AUDIT_BURST"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: WHEEL_AUDIT_BURST: %w", err)
		}
		c.AuditBurst = n
	}
	if v := os.Getenv("WHEEL_DEFAULT_DEADLINE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: WHEEL_DEFAULT_DEADLINE: %w", err)
		}
		c.DefaultDeadline = d
	}
	return nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.PolicyFile != "" && c.OPAURL != "" {
		errs = append(errs, errors.New("config: policy_file and opa_url are mutually exclusive"))
	}
	for _, kind := range c.Sinks() {
		switch kind {
		case SinkMemory, SinkRedis:
		case SinkJSONL, SinkSQLite:
			if c.AuditPath == "" {
				errs = append(errs, fmt.Errorf("config: audit sink %q needs audit_path", kind))
			}
		case SinkPostgres:
			if c.DatabaseURL == "" {
				errs = append(errs, errors.New("config: audit sink \"postgres\" needs database_url"))
			}
		default:
			errs = append(errs, fmt.Errorf("config: unknown audit sink %q", kind))
		}
	}
	if c.AuditRate < 0 {
		errs = append(errs, errors.New("config: audit_rate must not be negative"))
	}
	if c.AuditRate > 0 && c.AuditBurst < 1 {
		errs = append(errs, errors.New("config: audit_burst must be at least 1"))
	}
	if c.DefaultDeadline <= 0 {
		errs = append(errs, errors.New("config: default_deadline must be positive"))
	}
	return errors.Join(errs...)
}

// Sinks returns the configured audit sink kinds.
func (c *Config) Sinks() []string {
	var out []string
	for _, s := range strings.Split(c.AuditSink, ",") {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("config: log level %q: %w", s, err)
	}
	return l, nil
}
