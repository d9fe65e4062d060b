package testsupport

import (
	"context"
	"fmt"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tckafka "github.com/testcontainers/testcontainers-go/modules/kafka"

	"github.com/rafaeljc/heimdall-streaming/internal/config"
)

// KafkaContainer holds references to a single-node KRaft broker.
type KafkaContainer struct {
	Container testcontainers.Container
	Brokers   []string
}

// Terminate stops and removes the docker container.
func (c *KafkaContainer) Terminate(ctx context.Context) error {
	return c.Container.Terminate(ctx)
}

// Config returns a KafkaConfig pointing at the container. Consumers start from
// the earliest offset so tests do not race the group join.
func (c *KafkaContainer) Config() *config.KafkaConfig {
	return &config.KafkaConfig{
		Brokers:         c.Brokers,
		ClientID:        "heimdall-streaming-test",
		GroupID:         "heimdall-streaming-test",
		AutoOffsetReset: "earliest",
		SessionTimeout:  6 * time.Second,
		DialTimeout:     5 * time.Second,
		MaxWait:         100 * time.Millisecond,
		MinBytes:        1,
		MaxBytes:        10 << 20,
		HandlerRetries:  2,
	}
}

// StartKafkaContainer spins up a confluent-local broker with topic auto-creation.
func StartKafkaContainer(ctx context.Context) (*KafkaContainer, error) {
	kafkaContainer, err := tckafka.Run(ctx,
		"confluentinc/confluent-local:7.5.0",
		tckafka.WithClusterID("heimdall-test"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start kafka container: %w", err)
	}

	brokers, err := kafkaContainer.Brokers(ctx)
	if err != nil {
		_ = kafkaContainer.Terminate(ctx)
		return nil, fmt.Errorf("failed to get kafka brokers: %w", err)
	}

	return &KafkaContainer{
		Container: kafkaContainer,
		Brokers:   brokers,
	}, nil
}
