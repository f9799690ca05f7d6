// internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the full tool configuration, loaded from the YAML config file,
// environment variables (PHPMEND_*) and flag overrides.
type Config struct {
	Logger  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	PHPStan PHPStanConfig `mapstructure:"phpstan" yaml:"phpstan"`
	Oracle  OracleConfig  `mapstructure:"oracle" yaml:"oracle"`
	Fixer   FixerConfig   `mapstructure:"fixer" yaml:"fixer"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// PHPStanConfig locates the analyzer executable.
type PHPStanConfig struct {
	// Binary is the path to the phpstan executable. Empty means
	// vendor/bin/phpstan under the project root.
	Binary string `mapstructure:"binary" yaml:"binary"`
}

// OracleConfig configures the fix-suggestion backend.
type OracleConfig struct {
	Model       string        `mapstructure:"model" yaml:"model"`
	Endpoint    string        `mapstructure:"endpoint" yaml:"endpoint"`
	APIKey      string        `mapstructure:"api_key" yaml:"-"`
	APITimeout  time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature float64       `mapstructure:"temperature" yaml:"temperature"`
	// MaxRetryElapsed caps the exponential backoff applied to transient
	// transport failures.
	MaxRetryElapsed time.Duration `mapstructure:"max_retry_elapsed" yaml:"max_retry_elapsed"`
}

// FixerConfig tunes the batch-and-repair loop.
type FixerConfig struct {
	MaxErrorsPerBatch int           `mapstructure:"max_errors_per_batch" yaml:"max_errors_per_batch"`
	MaxIterations     int           `mapstructure:"max_iterations" yaml:"max_iterations"`
	BatchDelay        time.Duration `mapstructure:"batch_delay" yaml:"batch_delay"`
	Git               GitConfig     `mapstructure:"git" yaml:"git"`
}

// GitConfig defines the committer identity used by the optional post-run
// commit of applied fixes.
type GitConfig struct {
	AuthorName  string `mapstructure:"author_name" yaml:"author_name"`
	AuthorEmail string `mapstructure:"author_email" yaml:"author_email"`
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "phpmend")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- PHPStan --
	v.SetDefault("phpstan.binary", "")

	// -- Oracle --
	v.SetDefault("oracle.model", "gemini-2.5-pro")
	v.SetDefault("oracle.endpoint", "")
	v.SetDefault("oracle.api_timeout", "2m")
	v.SetDefault("oracle.temperature", 0.1)
	v.SetDefault("oracle.max_retry_elapsed", "2m")

	// -- Fixer --
	v.SetDefault("fixer.max_errors_per_batch", 3)
	v.SetDefault("fixer.max_iterations", 10)
	v.SetDefault("fixer.batch_delay", "1s")
	v.SetDefault("fixer.git.author_name", "phpmend-bot")
	v.SetDefault("fixer.git.author_email", "phpmend@localhost")
}

// Load builds a validated Config from a viper instance. The oracle credential
// is bound to the PHPMEND_API_KEY environment variable; its absence is not an
// error here, without it the oracle degrades to error-status responses.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.BindEnv("oracle.api_key", "PHPMEND_API_KEY"); err != nil {
		return nil, fmt.Errorf("bind oracle credential: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for sane values.
func (c *Config) Validate() error {
	if c.Fixer.MaxErrorsPerBatch <= 0 {
		return fmt.Errorf("fixer.max_errors_per_batch must be a positive integer")
	}
	if c.Fixer.MaxIterations <= 0 {
		return fmt.Errorf("fixer.max_iterations must be a positive integer")
	}
	if c.Fixer.BatchDelay < 0 {
		return fmt.Errorf("fixer.batch_delay must not be negative")
	}
	if c.Oracle.Temperature < 0.0 || c.Oracle.Temperature > 2.0 {
		return fmt.Errorf("oracle.temperature must be between 0.0 and 2.0")
	}
	if c.Oracle.APITimeout <= 0 {
		return fmt.Errorf("oracle.api_timeout must be a positive duration")
	}
	return nil
}
