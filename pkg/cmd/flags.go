package cmd

import (
	"github.com/google/uuid"
	"github.com/leadroute/leadroute/pkg/config"
	cli "github.com/urfave/cli/v3"
)

// flagKeys maps command-line flags onto config keys. A flag only overrides the config file and
// LEADROUTE_* variables when it was set explicitly or through its own env source.
var flagKeys = map[string]string{
	"environment":      "environment",
	"database-url":     "database.url",
	"event-bus":        "event_bus.type",
	"kafka-brokers":    "event_bus.kafka_brokers",
	"vault-passphrase": "vault.passphrase",
	"redis-url":        "redis.url",
	"redis-queue":      "redis.queue",
	"log-level":        "logging.level",
	"log-format":       "logging.format",
	"otel-enabled":     "otel.enabled",
	"port":             "server.port",
	"worker-id":        "worker_id",
	"sweep-schedule":   "sweeper.schedule",
}

// CommonFlags are accepted by every binary.
func CommonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "Path to a YAML config file",
			Sources: cli.EnvVars("LEADROUTE_CONFIG"),
		},
		&cli.StringFlag{
			Name:    "environment",
			Usage:   "Deployment environment (development, production)",
			Sources: cli.EnvVars("ENVIRONMENT"),
		},
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "Database connection URL for persistence (postgres://... or memory://)",
			Sources: cli.EnvVars("DATABASE_URL"),
		},
		&cli.StringFlag{
			Name:    "event-bus",
			Usage:   "Event bus type (gochannel, kafka)",
			Sources: cli.EnvVars("EVENT_BUS_TYPE"),
		},
		&cli.StringSliceFlag{
			Name:    "kafka-brokers",
			Usage:   "Kafka brokers for the kafka event bus",
			Sources: cli.EnvVars("KAFKA_BROKERS"),
		},
		&cli.StringFlag{
			Name:    "vault-passphrase",
			Usage:   "Passphrase the credential vault key is derived from",
			Sources: cli.EnvVars("VAULT_PASSPHRASE"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Sources: cli.EnvVars("LOG_LEVEL"),
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "Log format (text, json)",
			Sources: cli.EnvVars("LOG_FORMAT"),
		},
		&cli.BoolFlag{
			Name:    "otel-enabled",
			Usage:   "Export traces over OTLP/HTTP",
			Sources: cli.EnvVars("OTEL_ENABLED"),
		},
	}
}

// LoadConfig loads the config file named by --config and applies the flags that were set.
func LoadConfig(command *cli.Command) (*config.Config, error) {
	overrides := make(map[string]any)

	for flag, key := range flagKeys {
		if !command.IsSet(flag) {
			continue
		}

		overrides[key] = command.Value(flag)
	}

	return config.Load(command.String("config"), overrides)
}

// WorkerID returns id, or a generated "<prefix>-xxxxxxxx" id when it is empty.
func WorkerID(id, prefix string) string {
	if id != "" {
		return id
	}

	return prefix + "-" + uuid.New().String()[:8]
}
