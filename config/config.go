/*
Package config loads server settings from the environment.

PURPOSE:
  Every setting is an environment variable, optionally seeded from a .env
  file by the caller (godotenv). Missing optional integrations are simply
  left empty and the server runs without them.

KEYS:
  PORT                      HTTP port (default 8080)
  DB_DRIVER                 sqlite | postgres (default sqlite)
  DB_PATH                   SQLite file, ":memory:" allowed (default lessons.db)
  DATABASE_URL              Postgres URL, required when DB_DRIVER=postgres
  STRIPE_SECRET_KEY         Payments disabled when empty
  STRIPE_WEBHOOK_SECRET     Required when STRIPE_SECRET_KEY is set
  JWT_SECRET                HS256 key for bearer tokens, required
  BILLING_JOB_SCHEDULE      Cron spec for the deferred billing run
  REWARD_SNAPSHOT_SCHEDULE  Cron spec for the reward month close
  REWARD_SNAPSHOTS          Serve closed months from frozen rates
  AMQP_URL                  Billing events are dropped when empty
  REDIS_URL                 Webhook dedupe falls back to memory when empty
*/
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Port                   int    `mapstructure:"PORT"`
	DBDriver               string `mapstructure:"DB_DRIVER"`
	DBPath                 string `mapstructure:"DB_PATH"`
	DatabaseURL            string `mapstructure:"DATABASE_URL"`
	StripeSecretKey        string `mapstructure:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret    string `mapstructure:"STRIPE_WEBHOOK_SECRET"`
	JWTSecret              string `mapstructure:"JWT_SECRET"`
	BillingJobSchedule     string `mapstructure:"BILLING_JOB_SCHEDULE"`
	RewardSnapshotSchedule string `mapstructure:"REWARD_SNAPSHOT_SCHEDULE"`
	RewardSnapshots        bool   `mapstructure:"REWARD_SNAPSHOTS"`
	AMQPURL                string `mapstructure:"AMQP_URL"`
	RedisURL               string `mapstructure:"REDIS_URL"`
}

var keys = []string{
	"PORT", "DB_DRIVER", "DB_PATH", "DATABASE_URL",
	"STRIPE_SECRET_KEY", "STRIPE_WEBHOOK_SECRET", "JWT_SECRET",
	"BILLING_JOB_SCHEDULE", "REWARD_SNAPSHOT_SCHEDULE", "REWARD_SNAPSHOTS",
	"AMQP_URL", "REDIS_URL",
}

// Load reads the environment into a Config and validates it.
func Load() (*Config, error) {
	viper.SetDefault("PORT", 8080)
	viper.SetDefault("DB_DRIVER", DriverSQLite)
	viper.SetDefault("DB_PATH", "lessons.db")
	viper.SetDefault("BILLING_JOB_SCHEDULE", "*/15 * * * *") // every 15 minutes
	viper.SetDefault("REWARD_SNAPSHOT_SCHEDULE", "0 3 1 * *") // 03:00 on day-of-month 1
	viper.SetDefault("REWARD_SNAPSHOTS", false)
	viper.AutomaticEnv()

	// AutomaticEnv alone does not surface unset keys to Unmarshal
	for _, k := range keys {
		_ = viper.BindEnv(k)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.DBDriver = strings.ToLower(strings.TrimSpace(cfg.DBDriver))

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	switch c.DBDriver {
	case DriverSQLite:
		if c.DBPath == "" {
			return fmt.Errorf("DB_PATH is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres driver")
		}
	default:
		return fmt.Errorf("DB_DRIVER %q is not supported", c.DBDriver)
	}
	if c.StripeSecretKey != "" && c.StripeWebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required when STRIPE_SECRET_KEY is set")
	}
	return nil
}

// PaymentsEnabled reports whether a Stripe key was configured.
func (c *Config) PaymentsEnabled() bool { return c.StripeSecretKey != "" }
