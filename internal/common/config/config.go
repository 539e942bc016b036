// Package config provides configuration management for the orchestration engine.
// It supports loading configuration from environment variables, a config file, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the engine.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Docker    DockerConfig    `mapstructure:"docker"`
	Sandbox   SandboxConfig   `mapstructure:"sandbox"`
	RateLimit RateLimitConfig `mapstructure:"rateLimit"`
	BranchLLM BranchLLMConfig `mapstructure:"branchLLM"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Secrets   SecretsConfig   `mapstructure:"secrets"`
}

// DatabaseConfig holds Postgres connection configuration for the Task Store.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// NATSConfig holds event bus configuration. An empty URL falls back to the in-memory bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	QueueGroup    string `mapstructure:"queueGroup"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DockerConfig holds configuration for the local-container sandbox provider.
type DockerConfig struct {
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	DefaultNetwork string `mapstructure:"defaultNetwork"`
	Image          string `mapstructure:"image"`
}

// SandboxConfig holds engine-wide sandbox provisioning limits.
type SandboxConfig struct {
	DefaultProvider    string        `mapstructure:"defaultProvider"`
	MaxDuration        time.Duration `mapstructure:"maxDuration"`
	OrphanSweepInterval time.Duration `mapstructure:"orphanSweepInterval"`
	VercelAPIBase      string        `mapstructure:"vercelApiBase"`
	E2BAPIBase         string        `mapstructure:"e2bApiBase"`
	DaytonaAPIBase     string        `mapstructure:"daytonaApiBase"`
}

// RateLimitConfig holds the Rate Limiter's quota thresholds.
type RateLimitConfig struct {
	DefaultDailyQuota int      `mapstructure:"defaultDailyQuota"`
	AdminDailyQuota   int      `mapstructure:"adminDailyQuota"`
	AdminDomains      []string `mapstructure:"adminDomains"`
}

// BranchLLMConfig holds the Branch-Name Synthesizer's gateway configuration.
type BranchLLMConfig struct {
	GatewayURL string        `mapstructure:"gatewayUrl"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// SecretsConfig holds the Credential Store's master-key location.
type SecretsConfig struct {
	MasterKeyDir string `mapstructure:"masterKeyDir"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "taskforge")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "taskforge")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "taskforge-orchestrator")
	v.SetDefault("nats.queueGroup", "orchestrator-workers")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("docker.host", defaultDockerHost())
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.defaultNetwork", "taskforge-sandbox")
	v.SetDefault("docker.image", "taskforge/sandbox-runtime:latest")

	v.SetDefault("sandbox.defaultProvider", "docker")
	v.SetDefault("sandbox.maxDuration", 30*time.Minute)
	v.SetDefault("sandbox.orphanSweepInterval", 5*time.Minute)
	v.SetDefault("sandbox.vercelApiBase", "https://api.vercel.com")
	v.SetDefault("sandbox.e2bApiBase", "https://api.e2b.dev")
	v.SetDefault("sandbox.daytonaApiBase", "https://app.daytona.io/api")

	v.SetDefault("rateLimit.defaultDailyQuota", 20)
	v.SetDefault("rateLimit.adminDailyQuota", 100)
	v.SetDefault("rateLimit.adminDomains", []string{})

	v.SetDefault("branchLLM.gatewayUrl", "")
	v.SetDefault("branchLLM.timeout", 5*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("secrets.masterKeyDir", "~/.taskforge")
}

func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("TASKFORGE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func defaultDockerHost() string {
	if host := os.Getenv("DOCKER_HOST"); host != "" {
		return host
	}
	return "unix:///var/run/docker.sock"
}

// Load reads configuration from environment variables (TASKFORGE_ prefix), an
// optional config.yaml, and defaults.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from configPath (if non-empty) plus defaults.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TASKFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("logging.level", "TASKFORGE_LOG_LEVEL")
	_ = v.BindEnv("nats.url", "TASKFORGE_NATS_URL")
	_ = v.BindEnv("database.password", "TASKFORGE_DATABASE_PASSWORD")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/taskforge/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	var errs []string

	if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
		errs = append(errs, "database.port must be between 1 and 65535")
	}
	if cfg.Database.DBName == "" {
		errs = append(errs, "database.dbName is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	if cfg.RateLimit.DefaultDailyQuota <= 0 || cfg.RateLimit.AdminDailyQuota <= 0 {
		errs = append(errs, "rateLimit quotas must be positive")
	}

	if cfg.Sandbox.MaxDuration <= 0 {
		errs = append(errs, "sandbox.maxDuration must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
