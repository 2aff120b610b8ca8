package cmd

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/leadroute/leadroute/pkg/channels/gochannel"
	"github.com/leadroute/leadroute/pkg/channels/kafka"
	"github.com/leadroute/leadroute/pkg/config"
	"github.com/leadroute/leadroute/pkg/eventbus"
)

// NewEventBus builds the submission bus for the configured provider.
func NewEventBus(cfg config.EventBusConfig, otelEnabled bool, logger *slog.Logger) (eventbus.EventBus, error) {
	adapter := watermill.NewSlogLogger(logger)

	switch cfg.Type {
	case "kafka":
		pub, sub, err := kafka.CreateChannel(adapter, cfg.ServiceName, cfg.KafkaBrokers, otelEnabled)
		if err != nil {
			return nil, fmt.Errorf("failed to create Kafka pub/sub: %w", err)
		}

		return eventbus.NewWatermillEventBus(pub, sub, logger), nil
	case "gochannel", "":
		pub, sub, err := gochannel.CreateChannel(adapter, cfg.Buffer, false)
		if err != nil {
			return nil, fmt.Errorf("failed to create in-process pub/sub: %w", err)
		}

		return eventbus.NewWatermillEventBus(pub, sub, logger), nil
	default:
		return nil, fmt.Errorf("%w: %s", config.ErrUnknownEventBus, cfg.Type)
	}
}
