// Package config loads the settings shared by the leadroute binaries from an optional file,
// LEADROUTE_ environment variables and command-line overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "LEADROUTE"

var (
	ErrDatabaseURLRequired = errors.New("database url is required")
	ErrUnknownEventBus     = errors.New("unknown event bus")
)

type Config struct {
	Environment string            `mapstructure:"environment"`
	WorkerID    string            `mapstructure:"worker_id"`
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	EventBus    EventBusConfig    `mapstructure:"event_bus"`
	Vault       VaultConfig       `mapstructure:"vault"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Sweeper     SweeperConfig     `mapstructure:"sweeper"`
	Interpreter InterpreterConfig `mapstructure:"interpreter"`
	Dispatcher  DispatcherConfig  `mapstructure:"dispatcher"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	OTel        OTelConfig        `mapstructure:"otel"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	// URL is a postgres:// connection string, or memory:// for a process-local store.
	URL string `mapstructure:"url"`
}

type EventBusConfig struct {
	Type         string   `mapstructure:"type"` // gochannel, kafka
	KafkaBrokers []string `mapstructure:"kafka_brokers"`
	ServiceName  string   `mapstructure:"service_name"`
	Buffer       int64    `mapstructure:"buffer"`
}

type VaultConfig struct {
	Passphrase string `mapstructure:"passphrase"`
}

type RedisConfig struct {
	URL   string `mapstructure:"url"` // empty disables the Redis intake
	Queue string `mapstructure:"queue"`
}

type SweeperConfig struct {
	Schedule string `mapstructure:"schedule"`
}

type InterpreterConfig struct {
	MaxSteps    int `mapstructure:"max_steps"`
	Concurrency int `mapstructure:"concurrency"`
}

type DispatcherConfig struct {
	UserAgent string `mapstructure:"user_agent"`
	Source    string `mapstructure:"source"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type OTelConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

var defaults = map[string]any{
	"environment":             "development",
	"worker_id":               "",
	"server.port":             9091,
	"server.shutdown_timeout": 10 * time.Second,
	"database.url":            "",
	"event_bus.type":          "gochannel",
	"event_bus.kafka_brokers": []string{},
	"event_bus.service_name":  "leadroute",
	"event_bus.buffer":        1000,
	"vault.passphrase":        "",
	"redis.url":               "",
	"redis.queue":             "leadroute:submissions",
	"sweeper.schedule":        "@every 1m",
	"interpreter.max_steps":   256,
	"interpreter.concurrency": 8,
	"dispatcher.user_agent":   "LeadRoute-Dispatcher/1.0",
	"dispatcher.source":       "leadroute",
	"logging.level":           "info",
	"logging.format":          "text",
	"otel.enabled":            false,
}

// Load reads the config file at path (optional), then LEADROUTE_* variables such as
// LEADROUTE_DATABASE_URL, then overrides keyed by dotted config keys.
func Load(path string, overrides map[string]any) (*Config, error) {
	v := viper.New()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)

		err := v.ReadInConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	for key, value := range overrides {
		v.Set(key, value)
	}

	var config Config

	err := v.Unmarshal(&config)
	if err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	config.EventBus.KafkaBrokers = splitList(config.EventBus.KafkaBrokers)

	return &config, nil
}

// Validate checks the settings every binary needs.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return ErrDatabaseURLRequired
	}

	switch c.EventBus.Type {
	case "gochannel", "kafka":
	default:
		return fmt.Errorf("%w: %s", ErrUnknownEventBus, c.EventBus.Type)
	}

	return nil
}

// IsProduction reports whether the process runs in production.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// splitList accepts both YAML lists and comma separated environment values.
func splitList(in []string) []string {
	var out []string

	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				out = append(out, part)
			}
		}
	}

	return out
}
