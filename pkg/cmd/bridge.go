package cmd

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/edgeops/edge-agent/pkg/bridge"
	"github.com/edgeops/edge-agent/pkg/channels/kafka"
	"github.com/edgeops/edge-agent/pkg/commandstore"
	"github.com/edgeops/edge-agent/pkg/config"
)

// NewBridge connects the store to Kafka. The returned close function releases the
// Kafka clients.
func NewBridge(logger *slog.Logger, store commandstore.Store, cfg config.BridgeConfig) (*bridge.Bridge, func() error, error) {
	pub, sub, err := kafka.CreateChannel(watermill.NewSlogLogger(logger), kafka.Config{
		Brokers:       cfg.Brokers,
		ConsumerGroup: cfg.ConsumerGroup,
		PartitionKey:  bridge.CommandTopicMetadata,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create Kafka pub/sub: %w", err)
	}

	closeFn := func() error {
		return errors.Join(pub.Close(), sub.Close())
	}

	b := bridge.New(logger, store, pub, sub, bridge.Config{
		OutTopic: cfg.OutTopic,
		InTopic:  cfg.InTopic,
	})

	return b, closeFn, nil
}
