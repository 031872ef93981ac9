package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Cooldown strategies accepted by archive.cooldown_strategy
const (
	CooldownConstant    = "constant"
	CooldownLinear      = "linear"
	CooldownExponential = "exponential"
)

// Config represents the application configuration
type Config struct {
	Environment  string             `toml:"environment" yaml:"environment" validate:"required"` // "development" or "production"
	Server       ServerConfig       `toml:"server" yaml:"server"`
	Storage      StorageConfig      `toml:"storage" yaml:"storage"`
	Logging      LoggingConfig      `toml:"logging" yaml:"logging"`
	Archive      ArchiveConfig      `toml:"archive" yaml:"archive"`
	Integrations IntegrationsConfig `toml:"integrations" yaml:"integrations"`
	WebSocket    WebSocketConfig    `toml:"websocket" yaml:"websocket"`
}

type ServerConfig struct {
	Port int    `toml:"port" yaml:"port" validate:"min=1,max=65535"`
	Host string `toml:"host" yaml:"host" validate:"required"`
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger" yaml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path" yaml:"path" validate:"required"` // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup" yaml:"reset_on_startup"`
}

type LoggingConfig struct {
	Level  string   `toml:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Output []string `toml:"output" yaml:"output" validate:"dive,oneof=stdout console file"`
}

// ArchiveConfig controls the trace archival policy and the background sweeper.
// Max attempts and cooldown have no natural value; the defaults below are a
// starting point and are expected to be tuned per deployment.
type ArchiveConfig struct {
	MaxAttempts      int    `toml:"max_attempts" yaml:"max_attempts" validate:"min=1"`
	Cooldown         string `toml:"cooldown" yaml:"cooldown" validate:"duration"`
	CooldownStrategy string `toml:"cooldown_strategy" yaml:"cooldown_strategy" validate:"oneof=constant linear exponential"`
	MaxCooldown      string `toml:"max_cooldown" yaml:"max_cooldown" validate:"omitempty,duration"`
	Schedule         string `toml:"schedule" yaml:"schedule" validate:"cronspec"`
	BatchSize        int    `toml:"batch_size" yaml:"batch_size" validate:"min=1"`
	Concurrency      int    `toml:"concurrency" yaml:"concurrency" validate:"min=1"`
	RateLimit        string `toml:"rate_limit" yaml:"rate_limit" validate:"omitempty,duration"`
	ArchiveOnFinish  bool   `toml:"archive_on_finish" yaml:"archive_on_finish"`
}

// IntegrationsConfig configures downstream dispatch of archive_trace events
type IntegrationsConfig struct {
	LogsCollection         bool     `toml:"logs_collection" yaml:"logs_collection"` // Default for the integration_logs_collection flag
	LogsCollectionProjects []string `toml:"logs_collection_projects" yaml:"logs_collection_projects"`
	WebhookURLs            []string `toml:"webhook_urls" yaml:"webhook_urls" validate:"dive,url"`
	WebhookTimeout         string   `toml:"webhook_timeout" yaml:"webhook_timeout" validate:"duration"`
	TraceURLBase           string   `toml:"trace_url_base" yaml:"trace_url_base" validate:"omitempty,url"`
}

type WebSocketConfig struct {
	Enabled bool `toml:"enabled" yaml:"enabled"`

	// AllowedEvents limits broadcast event types; empty broadcasts all
	AllowedEvents []string `toml:"allowed_events" yaml:"allowed_events" validate:"dive,oneof=job_finished archive_trace"`

	// ThrottleIntervals maps an event type to the minimum interval between broadcasts
	ThrottleIntervals map[string]string `toml:"throttle_intervals" yaml:"throttle_intervals" validate:"dive,duration"`
}

// NewDefaultConfig creates a configuration with default values
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8085,
			Host: "localhost",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout", "file"},
		},
		Archive: ArchiveConfig{
			MaxAttempts:      5,
			Cooldown:         "1h",
			CooldownStrategy: CooldownExponential,
			MaxCooldown:      "24h",
			Schedule:         "@every 1m",
			BatchSize:        100,
			Concurrency:      4,
			RateLimit:        "100ms",
			ArchiveOnFinish:  true,
		},
		Integrations: IntegrationsConfig{
			LogsCollection: false, // Opt-in per deployment or per project
			WebhookTimeout: "10s",
		},
		WebSocket: WebSocketConfig{
			Enabled: true,
		},
	}
}

// LoadFromFiles loads configuration from multiple files with priority: default -> file1 -> file2 -> ... -> env
// Later files override earlier files. Files ending in .yaml/.yml are parsed as YAML, everything else as TOML.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			err = yaml.Unmarshal(data, config)
		default:
			err = toml.Unmarshal(data, config)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("TRACEARCHIVE_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	// Server configuration
	if port := os.Getenv("TRACEARCHIVE_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("TRACEARCHIVE_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	// Storage configuration
	if badgerPath := os.Getenv("TRACEARCHIVE_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}

	// Logging configuration
	if level := os.Getenv("TRACEARCHIVE_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("TRACEARCHIVE_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}

	// Archive configuration
	if maxAttempts := os.Getenv("TRACEARCHIVE_ARCHIVE_MAX_ATTEMPTS"); maxAttempts != "" {
		if ma, err := strconv.Atoi(maxAttempts); err == nil {
			config.Archive.MaxAttempts = ma
		}
	}
	if cooldown := os.Getenv("TRACEARCHIVE_ARCHIVE_COOLDOWN"); cooldown != "" {
		config.Archive.Cooldown = cooldown
	}
	if strategy := os.Getenv("TRACEARCHIVE_ARCHIVE_COOLDOWN_STRATEGY"); strategy != "" {
		config.Archive.CooldownStrategy = strategy
	}
	if schedule := os.Getenv("TRACEARCHIVE_ARCHIVE_SCHEDULE"); schedule != "" {
		config.Archive.Schedule = schedule
	}
	if concurrency := os.Getenv("TRACEARCHIVE_ARCHIVE_CONCURRENCY"); concurrency != "" {
		if c, err := strconv.Atoi(concurrency); err == nil {
			config.Archive.Concurrency = c
		}
	}

	// Integrations configuration
	if logsCollection := os.Getenv("TRACEARCHIVE_INTEGRATIONS_LOGS_COLLECTION"); logsCollection != "" {
		if lc, err := strconv.ParseBool(logsCollection); err == nil {
			config.Integrations.LogsCollection = lc
		}
	}
	if webhooks := os.Getenv("TRACEARCHIVE_INTEGRATIONS_WEBHOOK_URLS"); webhooks != "" {
		urls := []string{}
		for _, u := range strings.Split(webhooks, ",") {
			if trimmed := strings.TrimSpace(u); trimmed != "" {
				urls = append(urls, trimmed)
			}
		}
		config.Integrations.WebhookURLs = urls
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, port int, host string) {
	// Command-line flags have highest priority
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Validate checks the merged configuration
func (c *Config) Validate() error {
	validate := validator.New()
	_ = validate.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		_, err := time.ParseDuration(fl.Field().String())
		return err == nil
	})
	_ = validate.RegisterValidation("cronspec", func(fl validator.FieldLevel) bool {
		return ValidateSchedule(fl.Field().String()) == nil
	})

	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// ValidateSchedule validates a cron expression, including descriptors such as "@every 1m"
func ValidateSchedule(schedule string) error {
	if schedule == "" {
		return fmt.Errorf("schedule is required")
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", schedule, err)
	}
	return nil
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	env := strings.ToLower(c.Environment)
	return env == "production" || env == "prod"
}

// CooldownDuration returns the parsed base cooldown
func (a ArchiveConfig) CooldownDuration() time.Duration {
	return parseDurationOr(a.Cooldown, time.Hour)
}

// MaxCooldownDuration returns the parsed cooldown cap (0 = uncapped)
func (a ArchiveConfig) MaxCooldownDuration() time.Duration {
	return parseDurationOr(a.MaxCooldown, 0)
}

// RateLimitDuration returns the minimum spacing between archive calls (0 = unlimited)
func (a ArchiveConfig) RateLimitDuration() time.Duration {
	return parseDurationOr(a.RateLimit, 0)
}

// WebhookTimeoutDuration returns the parsed webhook timeout
func (i IntegrationsConfig) WebhookTimeoutDuration() time.Duration {
	return parseDurationOr(i.WebhookTimeout, 10*time.Second)
}

func parseDurationOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
