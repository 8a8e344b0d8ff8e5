// Package config loads daemon settings from SIGNER_* environment variables,
// optionally layered over a YAML file named by SIGNER_CONFIG.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds daemon configuration.
type Config struct {
	DataDir     string `yaml:"data_dir"`
	SocketPath  string `yaml:"socket_path"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	DatabaseURL string `yaml:"database_url"`
	PolicyFile  string `yaml:"policy_file"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	ExpirySweep  time.Duration `yaml:"expiry_sweep"`
	DefaultTTL   time.Duration `yaml:"default_ttl"`
	MaxTTL       time.Duration `yaml:"max_ttl"`
	AllowedUIDs  []uint32      `yaml:"allowed_uids"`
	AllowedGIDs  []uint32      `yaml:"allowed_gids"`
	Capabilities []string      `yaml:"capabilities"`

	StrictHardening bool `yaml:"strict_hardening"`

	// AuditSink is "sql" (the intent database), "stdout" or "none".
	AuditSink          string        `yaml:"audit_sink"`
	CheckpointBackend  string        `yaml:"checkpoint_backend"`
	CheckpointBucket   string        `yaml:"checkpoint_bucket"`
	CheckpointPrefix   string        `yaml:"checkpoint_prefix"`
	CheckpointRegion   string        `yaml:"checkpoint_region"`
	CheckpointEndpoint string        `yaml:"checkpoint_endpoint"`
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`

	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// Default returns the local-first defaults rooted at ~/.helm-signer.
func Default() *Config {
	dataDir := ".helm-signer"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".helm-signer")
	}
	return &Config{
		DataDir:            dataDir,
		LogLevel:           "INFO",
		LogFormat:          "text",
		IdleTimeout:        2 * time.Minute,
		ExpirySweep:        5 * time.Second,
		DefaultTTL:         5 * time.Minute,
		MaxTTL:             time.Hour,
		AuditSink:          "sql",
		CheckpointBackend:  "fs",
		CheckpointInterval: time.Hour,
	}
}

// Load reads SIGNER_CONFIG (if set), then applies SIGNER_* overrides.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("SIGNER_CONFIG"); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.resolve()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	ids := func(key string, dst *[]uint32) {
		if v := os.Getenv(key); v != "" {
			list, err := parseIDs(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = list
		}
	}

	str("SIGNER_DATA_DIR", &c.DataDir)
	str("SIGNER_SOCKET", &c.SocketPath)
	str("SIGNER_LOG_LEVEL", &c.LogLevel)
	str("SIGNER_LOG_FORMAT", &c.LogFormat)
	str("SIGNER_DATABASE_URL", &c.DatabaseURL)
	str("SIGNER_POLICY_FILE", &c.PolicyFile)
	str("SIGNER_REDIS_ADDR", &c.RedisAddr)
	str("SIGNER_REDIS_PASSWORD", &c.RedisPassword)
	if v := os.Getenv("SIGNER_REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("SIGNER_REDIS_DB: %w", err))
		}
		c.RedisDB = n
	}
	dur("SIGNER_IDLE_TIMEOUT", &c.IdleTimeout)
	dur("SIGNER_EXPIRY_SWEEP", &c.ExpirySweep)
	dur("SIGNER_DEFAULT_TTL", &c.DefaultTTL)
	dur("SIGNER_MAX_TTL", &c.MaxTTL)
	ids("SIGNER_ALLOWED_UIDS", &c.AllowedUIDs)
	ids("SIGNER_ALLOWED_GIDS", &c.AllowedGIDs)
	if v := os.Getenv("SIGNER_CAPABILITIES"); v != "" {
		c.Capabilities = splitList(v)
	}
	if v := os.Getenv("SIGNER_STRICT_HARDENING"); v != "" {
		c.StrictHardening = v == "true" || v == "1"
	}
	str("SIGNER_AUDIT_SINK", &c.AuditSink)
	str("SIGNER_CHECKPOINT_BACKEND", &c.CheckpointBackend)
	str("SIGNER_CHECKPOINT_BUCKET", &c.CheckpointBucket)
	str("SIGNER_CHECKPOINT_PREFIX", &c.CheckpointPrefix)
	str("SIGNER_CHECKPOINT_REGION", &c.CheckpointRegion)
	str("SIGNER_CHECKPOINT_ENDPOINT", &c.CheckpointEndpoint)
	dur("SIGNER_CHECKPOINT_INTERVAL", &c.CheckpointInterval)
	str("SIGNER_OTLP_ENDPOINT", &c.OTLPEndpoint)
	return errors.Join(errs...)
}

// resolve fills paths that default relative to DataDir.
func (c *Config) resolve() {
	if c.SocketPath == "" {
		c.SocketPath = filepath.Join(c.DataDir, "run", "signer.sock")
	}
	if c.DatabaseURL == "" {
		c.DatabaseURL = "sqlite://" + filepath.Join(c.DataDir, "signer.db")
	}
}

// Validate checks enumerations and bounds.
func (c *Config) Validate() error {
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("config: log_format %q must be text or json", c.LogFormat)
	}
	switch c.AuditSink {
	case "sql", "stdout", "none":
	default:
		return fmt.Errorf("config: audit_sink %q must be sql, stdout or none", c.AuditSink)
	}
	switch c.CheckpointBackend {
	case "fs", "s3", "gcs":
	default:
		return fmt.Errorf("config: checkpoint_backend %q must be fs, s3 or gcs", c.CheckpointBackend)
	}
	if c.CheckpointBackend != "fs" && c.CheckpointBucket == "" {
		return fmt.Errorf("config: checkpoint_bucket is required for %s", c.CheckpointBackend)
	}
	if c.DataDir == "" {
		return errors.New("config: data_dir is required")
	}
	if c.DefaultTTL <= 0 || c.MaxTTL <= 0 || c.DefaultTTL > c.MaxTTL {
		return fmt.Errorf("config: default_ttl %s must be positive and not exceed max_ttl %s", c.DefaultTTL, c.MaxTTL)
	}
	if c.ExpirySweep <= 0 || c.CheckpointInterval <= 0 || c.IdleTimeout <= 0 {
		return errors.New("config: expiry_sweep, checkpoint_interval and idle_timeout must be positive")
	}
	return nil
}

// SecretsDir holds the sealed secret store.
func (c *Config) SecretsDir() string { return filepath.Join(c.DataDir, "secrets") }

// SlogLevel maps LogLevel to a slog level (default INFO).
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseIDs(s string) ([]uint32, error) {
	var out []uint32
	for _, p := range splitList(s) {
		n, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q", p)
		}
		out = append(out, uint32(n))
	}
	return out, nil
}
