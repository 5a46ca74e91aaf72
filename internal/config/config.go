// Package config loads bulkops configuration from the environment.
//
// Settings come from process environment variables, optionally seeded from a
// .env file in the config directory. Cluster connection records are not held
// here; they live in the SQLite registry (internal/registry).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	ListenHost  string
	ListenPort  int
	MetricsPort int
	ConfigPath  string
	DataPath    string

	// Bulk operation settings
	TargetTimeout     time.Duration // per-target execution deadline
	FanoutConcurrency int           // max in-flight targets for concurrent kinds
	JobRetention      time.Duration // keep terminal jobs this long
	JobSweepInterval  time.Duration // how often the retention sweep runs

	// SSH key settings
	KeyMaxAge  time.Duration // rotation is recommended past this age
	SSHUser    string
	SSHPort    int
	SSHTimeout time.Duration

	// Cluster API settings
	ConnectionTimeout time.Duration
	VerifySSL         bool

	// Logging settings
	LogLevel  string
	LogFormat string

	// HTTP settings
	AllowedOrigins string
}

// Defaults mirror what a single-node panel deployment expects.
const (
	defaultListenPort        = 7656
	defaultMetricsPort       = 9092
	defaultTargetTimeout     = 45 * time.Second
	defaultFanoutConcurrency = 4
	defaultJobRetention      = 24 * time.Hour
	defaultJobSweepInterval  = 10 * time.Minute
	defaultKeyMaxAge         = 90 * 24 * time.Hour
	defaultSSHPort           = 22
	defaultSSHTimeout        = 15 * time.Second
	defaultConnTimeout       = 30 * time.Second
)

// Load reads configuration from the environment, seeding from
// <configPath>/.env when present.
func Load() (*Config, error) {
	configPath := getEnvString("BULKOPS_CONFIG_PATH", "/etc/bulkops")

	envFile := filepath.Join(configPath, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			log.Warn().Err(err).Str("path", envFile).Msg("Failed to load .env file, using process environment only")
		}
	}

	cfg := &Config{
		ListenHost:        getEnvString("BULKOPS_LISTEN_HOST", "0.0.0.0"),
		ListenPort:        getEnvInt("BULKOPS_LISTEN_PORT", defaultListenPort),
		MetricsPort:       getEnvInt("BULKOPS_METRICS_PORT", defaultMetricsPort),
		ConfigPath:        configPath,
		DataPath:          getEnvString("BULKOPS_DATA_PATH", "/var/lib/bulkops"),
		TargetTimeout:     getEnvDuration("BULKOPS_TARGET_TIMEOUT", defaultTargetTimeout),
		FanoutConcurrency: getEnvInt("BULKOPS_FANOUT_CONCURRENCY", defaultFanoutConcurrency),
		JobRetention:      getEnvDuration("BULKOPS_JOB_RETENTION", defaultJobRetention),
		JobSweepInterval:  getEnvDuration("BULKOPS_JOB_SWEEP_INTERVAL", defaultJobSweepInterval),
		KeyMaxAge:         getEnvDuration("BULKOPS_KEY_MAX_AGE", defaultKeyMaxAge),
		SSHUser:           getEnvString("BULKOPS_SSH_USER", "root"),
		SSHPort:           getEnvInt("BULKOPS_SSH_PORT", defaultSSHPort),
		SSHTimeout:        getEnvDuration("BULKOPS_SSH_TIMEOUT", defaultSSHTimeout),
		ConnectionTimeout: getEnvDuration("BULKOPS_CONNECTION_TIMEOUT", defaultConnTimeout),
		VerifySSL:         getEnvBool("BULKOPS_VERIFY_SSL", false),
		LogLevel:          getEnvString("LOG_LEVEL", "info"),
		LogFormat:         getEnvString("LOG_FORMAT", "auto"),
		AllowedOrigins:    getEnvString("ALLOWED_ORIGINS", ""),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("invalid listen port %d", c.ListenPort)
	}
	if c.MetricsPort <= 0 || c.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port %d", c.MetricsPort)
	}
	if c.TargetTimeout <= 0 {
		return fmt.Errorf("target timeout must be positive, got %s", c.TargetTimeout)
	}
	if c.FanoutConcurrency < 1 {
		return fmt.Errorf("fanout concurrency must be at least 1, got %d", c.FanoutConcurrency)
	}
	if c.JobRetention <= 0 {
		return fmt.Errorf("job retention must be positive, got %s", c.JobRetention)
	}
	return nil
}

func getEnvString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid integer environment value, using default")
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid boolean environment value, using default")
		return fallback
	}
	return b
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	// Accept plain seconds for compatibility with the panel's installer.
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid duration environment value, using default")
		return fallback
	}
	return d
}
