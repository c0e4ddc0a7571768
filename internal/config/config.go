// Package config loads the application configuration from defaults,
// environment variables and an optional yaml file, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/nexastream/nexastream/internal/migration"
	"github.com/nexastream/nexastream/internal/rollout"
)

// ServerConfig represents the ops HTTP server configuration.
type ServerConfig struct {
	Host            string        `yaml:"host" json:"host"`
	Port            int           `yaml:"port" json:"port" validate:"gte=1,lte=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	RateLimit       string        `yaml:"rate_limit" json:"rate_limit"`
}

// RealtimeConfig tunes both hub instances.
type RealtimeConfig struct {
	Port       int `yaml:"port" json:"port" validate:"gte=1,lte=65535"`
	ShardCount int `yaml:"shard_count" json:"shard_count" validate:"gte=1"`
	ReplaySize int `yaml:"replay_size" json:"replay_size" validate:"gte=1"`
}

// Config represents the application configuration.
type Config struct {
	LogLevel  string           `yaml:"log_level" json:"log_level"`
	Server    ServerConfig     `yaml:"server" json:"server"`
	Realtime  RealtimeConfig   `yaml:"realtime" json:"realtime"`
	Migration migration.Config `yaml:"migration" json:"migration"`
	Rollout   rollout.Options  `yaml:"rollout" json:"rollout"`
}

var validate = validator.New()

// LoadConfig loads the application configuration.
func LoadConfig() (*Config, error) {
	config := &Config{
		LogLevel: "info",
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			RateLimit:       "100-M",
		},
		Realtime: RealtimeConfig{
			Port:       8081,
			ShardCount: 8,
			ReplaySize: 1000,
		},
		Migration: migration.DefaultConfig(),
		Rollout:   rollout.DefaultOptions(),
	}

	// Environment overrides
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.LogLevel = level
	}
	if port, err := strconv.Atoi(os.Getenv("SERVER_PORT")); err == nil {
		config.Server.Port = port
	}
	if port, err := strconv.Atoi(os.Getenv("REALTIME_PORT")); err == nil {
		config.Realtime.Port = port
	}
	if d, err := time.ParseDuration(os.Getenv("MIGRATION_STEP_DELAY")); err == nil {
		config.Migration.StepDelay = d
	}
	if d, err := time.ParseDuration(os.Getenv("MIGRATION_OVERALL_TIMEOUT")); err == nil {
		config.Migration.OverallTimeout = d
	}
	if os.Getenv("MIGRATION_TESTING_MODE") == "true" {
		config.Migration = migration.TestingConfig()
	}

	// Optional config file overrides
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/nexastream")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		if viper.IsSet("log_level") {
			config.LogLevel = viper.GetString("log_level")
		}
		if viper.IsSet("server.port") {
			config.Server.Port = viper.GetInt("server.port")
		}
		if viper.IsSet("server.rate_limit") {
			config.Server.RateLimit = viper.GetString("server.rate_limit")
		}
		if viper.IsSet("realtime.port") {
			config.Realtime.Port = viper.GetInt("realtime.port")
		}
		if viper.IsSet("realtime.shard_count") {
			config.Realtime.ShardCount = viper.GetInt("realtime.shard_count")
		}
		if viper.IsSet("realtime.replay_size") {
			config.Realtime.ReplaySize = viper.GetInt("realtime.replay_size")
		}
		if viper.IsSet("migration.step_delay") {
			config.Migration.StepDelay = viper.GetDuration("migration.step_delay")
		}
		if viper.IsSet("migration.service_ready_delay") {
			config.Migration.ServiceReadyDelay = viper.GetDuration("migration.service_ready_delay")
		}
		if viper.IsSet("migration.drain_timeout") {
			config.Migration.DrainTimeout = viper.GetDuration("migration.drain_timeout")
		}
		if viper.IsSet("migration.checkpoint_interval") {
			config.Migration.CheckpointInterval = viper.GetDuration("migration.checkpoint_interval")
		}
		if viper.IsSet("migration.overall_timeout") {
			config.Migration.OverallTimeout = viper.GetDuration("migration.overall_timeout")
		}
		if viper.IsSet("rollout.window") {
			config.Rollout.Window = viper.GetDuration("rollout.window")
		}
		if viper.IsSet("rollout.rollback_error_rate") {
			config.Rollout.RollbackErrorRate = viper.GetFloat64("rollout.rollback_error_rate")
		}
		if viper.IsSet("rollout.min_samples") {
			config.Rollout.MinSamples = viper.GetInt("rollout.min_samples")
		}
	}

	if err := validate.Struct(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}
