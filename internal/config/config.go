// Package config provides configuration management using viper.
// It supports loading from YAML files and environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"restaurant-rewards/internal/model"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config holds all application configuration.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Store    StoreConfig    `mapstructure:"store"`
	Rewards  RewardsConfig  `mapstructure:"rewards"`
	Sweep    SweepConfig    `mapstructure:"sweep"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Bot      BotConfig      `mapstructure:"bot"`
	Admin    AdminConfig    `mapstructure:"admin"`
	Log      LogConfig      `mapstructure:"log"`
}

// DatabaseConfig holds PostgreSQL connection configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	PoolSize        int           `mapstructure:"pool_size"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

// StoreConfig selects the ledger store implementation.
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
}

// RewardsConfig holds the loyalty engine configuration.
type RewardsConfig struct {
	// Timezone defines the calendar day used for the one-spin-per-day cap.
	Timezone       string        `mapstructure:"timezone"`
	GrantTTL       time.Duration `mapstructure:"grant_ttl"`
	SettleAttempts int           `mapstructure:"settle_attempts"`
	Rules          RulesConfig   `mapstructure:"rules"`
	Prizes         []model.Prize `mapstructure:"prizes"`
}

// RulesConfig enables and parameterizes the token minting rules.
type RulesConfig struct {
	VIPDaily        RuleConfig      `mapstructure:"vip_daily"`
	SpendThreshold  SpendRuleConfig `mapstructure:"spend_threshold"`
	ProfileComplete RuleConfig      `mapstructure:"profile_complete"`
}

// RuleConfig toggles a rule.
type RuleConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// SpendRuleConfig toggles the spend rule and sets its threshold.
type SpendRuleConfig struct {
	Enabled  bool    `mapstructure:"enabled"`
	MinSpend float64 `mapstructure:"min_spend"`
}

// JobsConfig holds background worker configuration.
// ReconcileInterval is how often consumed but unsettled spins are credited.
type JobsConfig struct {
	MaxWorkers        int           `mapstructure:"max_workers"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
}

// SweepConfig holds expiry sweep scheduling configuration.
type SweepConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	BatchSize  int           `mapstructure:"batch_size"`
	RunOnStart bool          `mapstructure:"run_on_start"`
}

// HTTPConfig holds the JSON API configuration.
type HTTPConfig struct {
	Addr           string        `mapstructure:"addr"`
	JWTSecret      string        `mapstructure:"jwt_secret"`
	CronSecret     string        `mapstructure:"cron_secret"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
}

// BotConfig holds Telegram bot configuration. An empty token disables the bot.
type BotConfig struct {
	Token string `mapstructure:"token"`
}

// AdminConfig holds Telegram admin user configuration.
type AdminConfig struct {
	IDs []int64 `mapstructure:"ids"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, sslMode,
	)
}

// Location resolves the configured timezone, defaulting to UTC.
func (r *RewardsConfig) Location() (*time.Location, error) {
	if r.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid rewards timezone %q: %w", r.Timezone, err)
	}
	return loc, nil
}

// Load reads configuration from file and environment variables.
// It looks for config.yaml in the config directory.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Environment variables use underscore separator and uppercase
	// e.g., DATABASE_HOST, HTTP_JWT_SECRET, BOT_TOKEN
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK - we can use env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "rewards")
	v.SetDefault("database.name", "rewards")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.pool_size", 20)
	v.SetDefault("database.connect_timeout", "10s")
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "30m")

	v.SetDefault("store.driver", DriverPostgres)

	v.SetDefault("rewards.timezone", "UTC")
	v.SetDefault("rewards.grant_ttl", "720h")
	v.SetDefault("rewards.settle_attempts", 3)
	v.SetDefault("rewards.rules.vip_daily.enabled", true)
	v.SetDefault("rewards.rules.spend_threshold.enabled", true)
	v.SetDefault("rewards.rules.spend_threshold.min_spend", 50)
	v.SetDefault("rewards.rules.profile_complete.enabled", true)

	v.SetDefault("sweep.interval", "24h")
	v.SetDefault("sweep.batch_size", 500)
	v.SetDefault("sweep.run_on_start", false)

	v.SetDefault("jobs.max_workers", 10)
	v.SetDefault("jobs.reconcile_interval", "5m")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "15s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverPostgres, DriverMemory:
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Rewards.GrantTTL <= 0 {
		return errors.New("rewards.grant_ttl must be positive")
	}
	if c.Rewards.SettleAttempts < 1 {
		return errors.New("rewards.settle_attempts must be at least 1")
	}
	if c.Rewards.Rules.SpendThreshold.Enabled && c.Rewards.Rules.SpendThreshold.MinSpend <= 0 {
		return errors.New("rewards.rules.spend_threshold.min_spend must be positive")
	}
	if _, err := c.Rewards.Location(); err != nil {
		return err
	}
	if c.Sweep.BatchSize < 1 {
		return errors.New("sweep.batch_size must be at least 1")
	}
	if c.Sweep.Interval <= 0 {
		return errors.New("sweep.interval must be positive")
	}
	if c.Jobs.MaxWorkers < 1 {
		return errors.New("jobs.max_workers must be at least 1")
	}
	if c.Jobs.ReconcileInterval <= 0 {
		return errors.New("jobs.reconcile_interval must be positive")
	}
	return nil
}

// IsAdmin checks if a Telegram user ID is in the admin list.
func (c *Config) IsAdmin(userID int64) bool {
	for _, id := range c.Admin.IDs {
		if id == userID {
			return true
		}
	}
	return false
}
