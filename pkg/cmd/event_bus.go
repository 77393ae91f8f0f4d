package cmd

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/forgeline/phasor/pkg/channels/gochannel"
	"github.com/forgeline/phasor/pkg/channels/kafka"
	"github.com/forgeline/phasor/pkg/eventbus"
)

// NewEventBus creates a broker-backed event bus, or nil when no broker
// fan-out is wanted. The event stream's durable journal works either way.
func NewEventBus(provider, serviceName string, logger *slog.Logger) eventbus.EventBus {
	switch provider {
	case "kafka":
		pub, sub, err := kafka.CreateChannel(watermill.NewSlogLogger(logger), serviceName)
		if err != nil {
			panic(fmt.Errorf("failed to create Kafka pub/sub: %w", err))
		}

		return eventbus.NewWatermillEventBus(pub, sub)
	case "gochannel":
		pub, sub, err := gochannel.CreateChannel(watermill.NewSlogLogger(logger))
		if err != nil {
			panic(fmt.Errorf("failed to create in-process pub/sub: %w", err))
		}

		return eventbus.NewWatermillEventBus(pub, sub)
	case "", "none":
		return nil
	default:
		panic("Unsupported event bus provider: " + provider)
	}
}
