package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix is the prefix for environment variable overrides, e.g.
	// BUILDSYNC_SCHEDULER_CONCURRENCY.
	EnvPrefix = "BUILDSYNC"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultDatabaseDriver is the default storage driver.
	DefaultDatabaseDriver = "sqlite"

	// DefaultSQLitePath is the default SQLite database file.
	DefaultSQLitePath = "./buildsync.db"

	// DefaultPollInterval is how often the driver looks for due tasks.
	DefaultPollInterval = time.Second

	// DefaultConcurrency is the number of tasks executed in parallel.
	DefaultConcurrency = 4

	// DefaultContinueInterval is the delay before a task that reported
	// "not finished yet" is invoked again.
	DefaultContinueInterval = 5 * time.Second

	// DefaultBackoffInitialInterval is the first retry delay after a task error.
	DefaultBackoffInitialInterval = 5 * time.Second

	// DefaultBackoffMaxInterval caps the retry delay after task errors.
	DefaultBackoffMaxInterval = 5 * time.Minute

	// DefaultStepMaxRetries bounds the retries of step reconciliation.
	DefaultStepMaxRetries = 100

	// DefaultProjectStatsDelay de-races project stat recomputation between
	// builds of the same project finishing at the same time.
	DefaultProjectStatsDelay = time.Second
)

// Config is the root configuration for buildsync.
type Config struct {
	Global    GlobalConfig    `yaml:"global" mapstructure:"global"`
	Database  DatabaseConfig  `yaml:"database" mapstructure:"database"`
	Scheduler SchedulerConfig `yaml:"scheduler" mapstructure:"scheduler"`
	API       *APIConfig      `yaml:"api,omitempty" mapstructure:"api"`
	Archive   ArchiveConfig   `yaml:"archive,omitempty" mapstructure:"archive"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver   string               `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// SchedulerConfig controls how reconciliation tasks are polled, retried and
// backed off.
type SchedulerConfig struct {
	PollInterval      time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	Concurrency       int           `yaml:"concurrency" mapstructure:"concurrency"`
	ContinueInterval  time.Duration `yaml:"continue_interval" mapstructure:"continue_interval"`
	Backoff           BackoffConfig `yaml:"backoff" mapstructure:"backoff"`
	StepMaxRetries    int           `yaml:"step_max_retries" mapstructure:"step_max_retries"`
	ProjectStatsDelay time.Duration `yaml:"project_stats_delay" mapstructure:"project_stats_delay"`
}

// BackoffConfig configures exponential backoff for failing tasks.
type BackoffConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval" mapstructure:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval" mapstructure:"max_interval"`
}

// ArchiveConfig configures where finished build summaries are archived.
type ArchiveConfig struct {
	S3 *S3ArchiveConfig `yaml:"s3,omitempty" mapstructure:"s3"`
}

// S3ArchiveConfig contains S3 settings for build summary uploads.
type S3ArchiveConfig struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
	StorageClass    string `yaml:"storage_class,omitempty" mapstructure:"storage_class"`
}

// Load reads the given configuration files in order, merging later files
// over earlier ones, and applies BUILDSYNC_* environment overrides.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	for _, path := range paths {
		v.SetConfigFile(path)

		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		Result:           &cfg,
	})
	if err != nil {
		return nil, fmt.Errorf("creating config decoder: %w", err)
	}

	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// setDefaults registers every overridable key so that AutomaticEnv picks up
// environment variables even when the key is absent from all files.
func setDefaults(v *viper.Viper) {
	v.SetDefault("global.log_level", DefaultLogLevel)
	v.SetDefault("database.driver", DefaultDatabaseDriver)
	v.SetDefault("database.sqlite.path", DefaultSQLitePath)
	v.SetDefault("database.postgres.host", "")
	v.SetDefault("database.postgres.port", 0)
	v.SetDefault("database.postgres.user", "")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.database", "")
	v.SetDefault("database.postgres.ssl_mode", "")
	v.SetDefault("scheduler.poll_interval", DefaultPollInterval)
	v.SetDefault("scheduler.concurrency", DefaultConcurrency)
	v.SetDefault("scheduler.continue_interval", DefaultContinueInterval)
	v.SetDefault("scheduler.backoff.initial_interval", DefaultBackoffInitialInterval)
	v.SetDefault("scheduler.backoff.max_interval", DefaultBackoffMaxInterval)
	v.SetDefault("scheduler.step_max_retries", DefaultStepMaxRetries)
	v.SetDefault("scheduler.project_stats_delay", DefaultProjectStatsDelay)
}

// Default returns a configuration with every default applied, used when no
// config file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()

	return cfg
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDatabaseDriver
	}

	if c.Database.Driver == "sqlite" && c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = DefaultSQLitePath
	}

	if c.Database.Postgres.Port == 0 {
		c.Database.Postgres.Port = 5432
	}

	if c.Database.Postgres.SSLMode == "" {
		c.Database.Postgres.SSLMode = "disable"
	}

	s := &c.Scheduler

	if s.PollInterval <= 0 {
		s.PollInterval = DefaultPollInterval
	}

	if s.Concurrency <= 0 {
		s.Concurrency = DefaultConcurrency
	}

	if s.ContinueInterval <= 0 {
		s.ContinueInterval = DefaultContinueInterval
	}

	if s.Backoff.InitialInterval <= 0 {
		s.Backoff.InitialInterval = DefaultBackoffInitialInterval
	}

	if s.Backoff.MaxInterval <= 0 {
		s.Backoff.MaxInterval = DefaultBackoffMaxInterval
	}

	if s.StepMaxRetries <= 0 {
		s.StepMaxRetries = DefaultStepMaxRetries
	}

	if s.ProjectStatsDelay <= 0 {
		s.ProjectStatsDelay = DefaultProjectStatsDelay
	}

	if c.API != nil {
		c.API.applyDefaults()
	}

	if c.Archive.S3 != nil && c.Archive.S3.Region == "" {
		c.Archive.S3.Region = "us-east-1"
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path is required")
		}
	case "postgres":
		if c.Database.Postgres.Host == "" {
			return fmt.Errorf("database.postgres.host is required")
		}

		if c.Database.Postgres.Database == "" {
			return fmt.Errorf("database.postgres.database is required")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	if c.Scheduler.Backoff.MaxInterval < c.Scheduler.Backoff.InitialInterval {
		return fmt.Errorf(
			"scheduler.backoff.max_interval (%s) must not be less than initial_interval (%s)",
			c.Scheduler.Backoff.MaxInterval,
			c.Scheduler.Backoff.InitialInterval,
		)
	}

	if c.API != nil {
		if err := c.API.validate(); err != nil {
			return fmt.Errorf("api: %w", err)
		}
	}

	if s3 := c.Archive.S3; s3 != nil && s3.Enabled && s3.Bucket == "" {
		return fmt.Errorf("archive.s3.bucket is required when s3 is enabled")
	}

	return nil
}
