// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/conductor/pkg/channels/gochannel"
	"github.com/dukex/conductor/pkg/channels/kafka"
)

// Supported queue providers.
const (
	QueueKafka  = "kafka"
	QueueMemory = "memory"
)

// NewPubSub creates the publisher and subscriber of the queue substrate.
// The memory provider only connects components of the same process.
func NewPubSub(provider, brokers, serviceName string, logger *slog.Logger) (message.Publisher, message.Subscriber, error) {
	wmLogger := watermill.NewSlogLogger(logger)

	switch provider {
	case QueueKafka:
		pub, sub, err := kafka.CreateChannel(wmLogger, kafka.ParseBrokers(brokers), serviceName)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create Kafka pub/sub: %w", err)
		}

		return pub, sub, nil
	case QueueMemory, "":
		channel := gochannel.CreateChannel(wmLogger)

		return channel, channel, nil
	default:
		return nil, nil, fmt.Errorf("unsupported queue provider: %s", provider)
	}
}
